package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"

	"github.com/ashureev/cozegate/internal/config"
	"github.com/ashureev/cozegate/internal/store"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

const version = "0.1.0"

var logLevel string

var rootCmd = &cobra.Command{
	Use:   "cozegate",
	Short: "Stateful session gateway for the Coze chat API",
	Long: `cozegate keeps sessions and in-flight chat turns in a shared store so
any replica can answer polls, streams and history queries for a session.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runServe,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		setupLogging()
		if err := godotenv.Load(); err != nil {
			slog.Info("No .env file found, using environment variables")
		}
	},
}

// Execute runs the root command. Without a subcommand the server starts.
func Execute() error {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		slog.Error("Command failed", "error", err)
		return err
	}
	return nil
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.SetVersionTemplate(`{{with .Name}}{{printf "%s " .}}{{end}}{{printf "version %s" .Version}}
`)
}

func setupLogging() {
	var level slog.Level
	if err := level.UnmarshalText([]byte(logLevel)); err != nil {
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}
	return cfg, nil
}

// openStore connects the configured backend. purger is nil for Redis, which
// expires keys natively.
func openStore(ctx context.Context, cfg config.StoreConfig) (kv store.KV, purger store.Purger, err error) {
	switch cfg.Driver {
	case config.DriverSQLite:
		s, err := store.NewSQLite(cfg.DBPath, cfg.Prefix)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return s, s, nil
	default:
		s, err := store.NewRedis(ctx, cfg.RedisURL, cfg.Prefix)
		if err != nil {
			return nil, nil, fmt.Errorf("open redis store: %w", err)
		}
		return s, nil, nil
	}
}

// allowedOrigins returns CORS origins and WebSocket origin patterns. In
// development every origin is allowed.
func allowedOrigins(cfg *config.Config) (origins, patterns []string) {
	if cfg.IsDevelopment() {
		return []string{"*"}, []string{"*"}
	}
	origin := strings.TrimRight(cfg.FrontendURL, "/")
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return []string{origin}, []string{origin}
	}
	return []string{origin}, []string{u.Host}
}
