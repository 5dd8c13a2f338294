package main

import (
	"context"
	"fmt"
	"time"

	"github.com/ashureev/cozegate/internal/healthsrv"
	"github.com/spf13/cobra"
)

var (
	healthAddr    string
	healthTimeout time.Duration
)

var healthcheckCmd = &cobra.Command{
	Use:   "healthcheck",
	Short: "Query a running server's gRPC health service",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), healthTimeout)
		defer cancel()
		if err := healthsrv.Check(ctx, healthAddr); err != nil {
			return fmt.Errorf("health check %s: %w", healthAddr, err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), "SERVING")
		return nil
	},
}

func init() {
	healthcheckCmd.Flags().StringVar(&healthAddr, "addr", "localhost:50051", "gRPC health address")
	healthcheckCmd.Flags().DurationVar(&healthTimeout, "timeout", 5*time.Second, "overall timeout")
	rootCmd.AddCommand(healthcheckCmd)
}
