package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ashureev/cozegate/internal/api"
	"github.com/ashureev/cozegate/internal/identity"
	"github.com/ashureev/cozegate/internal/metrics"
	"github.com/ashureev/cozegate/internal/middleware"
	"github.com/ashureev/cozegate/internal/healthsrv"
	"github.com/ashureev/cozegate/internal/session"
	"github.com/ashureev/cozegate/internal/sweeper"
	"github.com/ashureev/cozegate/internal/task"
	"github.com/ashureev/cozegate/internal/transcript"
	"github.com/ashureev/cozegate/internal/upstream"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP gateway",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

//nolint:funlen // Startup wiring is intentionally sequential to keep dependency setup explicit.
func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	slog.Info("Starting server", "port", cfg.Port, "store", cfg.Store.Driver, "dev", cfg.IsDevelopment())

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	kv, purger, err := openStore(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := kv.Close(); closeErr != nil {
			slog.Error("Failed to close store", "error", closeErr)
		}
	}()
	if err := kv.Ping(ctx); err != nil {
		return fmt.Errorf("store health check: %w", err)
	}
	slog.Info("Store connected", "driver", cfg.Store.Driver)

	m := metrics.NewMetrics()

	conversationLog, err := transcript.New(transcript.Config{
		Enabled:       cfg.ConversationLog.Enabled,
		Dir:           cfg.ConversationLog.Dir,
		GlobalEnabled: cfg.ConversationLog.GlobalEnabled,
		GlobalPath:    cfg.ConversationLog.GlobalPath,
		QueueSize:     cfg.ConversationLog.QueueSize,
	}, slog.Default())
	if err != nil {
		return fmt.Errorf("initialize conversation log: %w", err)
	}
	defer func() {
		if closeErr := conversationLog.Close(); closeErr != nil {
			slog.Error("Failed to close conversation log", "error", closeErr)
		}
	}()

	client := upstream.NewCozeClient(
		upstream.WithToken(cfg.Coze.Token),
		upstream.WithBaseURL(cfg.Coze.BaseURL),
		upstream.WithTimeout(cfg.Coze.Timeout),
		upstream.WithLogger(slog.Default()),
	)

	registry := session.NewRegistry(kv, session.Config{
		IdleTTL:    cfg.Coze.SessionExpire,
		MaxPerUser: cfg.Coze.MaxSessionsPerUser,
	}, m)

	coordinator := task.New(kv, registry, client, task.Config{
		TurnDeadline:     cfg.Coze.TurnDeadline,
		ResultTTL:        cfg.Coze.ResultExpire,
		PollInterval:     cfg.Coze.PollInterval,
		MaxMessageLength: cfg.Coze.MaxMessageLength,
	}, task.WithMetrics(m), task.WithTranscript(conversationLog))
	defer coordinator.Close()

	sw := sweeper.New(registry, purger, m)
	if err := sw.Start(ctx, cfg.SweepSchedule); err != nil {
		return fmt.Errorf("start sweeper: %w", err)
	}

	var healthServer *healthsrv.Server
	if cfg.GRPCHealthPort != "" {
		lis, err := net.Listen("tcp", ":"+cfg.GRPCHealthPort)
		if err != nil {
			return fmt.Errorf("listen grpc health: %w", err)
		}
		healthServer = healthsrv.NewServer(kv, 0)
		go func() {
			slog.Info("gRPC health listening", "addr", lis.Addr().String())
			if err := healthServer.Serve(ctx, lis); err != nil {
				slog.Error("gRPC health server failed", "error", err)
			}
		}()
	}

	origins, patterns := allowedOrigins(cfg)
	handler := api.NewHandler(registry, coordinator, sw, kv, api.Options{
		DefaultBotID:   cfg.Coze.BotID,
		AllowedOrigins: patterns,
		Parked:         coordinator.ParkedStreams,
	})

	var auth func(http.Handler) http.Handler
	if cfg.Auth.Enabled {
		verifier := identity.NewHTTPVerifier(cfg.Auth.HTTPScheme, &http.Client{Timeout: cfg.Coze.Timeout})
		auth = identity.Middleware(identity.Config{
			Enabled:      true,
			AllowedHosts: cfg.Auth.AllowedHosts,
		}, verifier, handler.Error)
	} else {
		slog.Warn("Caller authentication disabled")
	}

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(middleware.CORS(origins))

	handler.RegisterRoutes(r, auth)
	r.Handle("/metrics", m.Handler())

	// Streams hold the response open, so there is no write timeout.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Wait for shutdown signal.
	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	}
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if healthServer != nil {
		healthServer.Stop()
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	slog.Info("Server stopped successfully")
	return nil
}
