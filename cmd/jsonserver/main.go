package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/caltaylor/dirwatch/internal/logging"
	"github.com/caltaylor/dirwatch/internal/server"
	"github.com/caltaylor/dirwatch/internal/version"
	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:     "jsonserver [config dir]",
		Short:   "Accept change batches from dirwatcher clients and keep the latest state of every file",
		Version: version.Detailed(),
		Args:    cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, args)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			cmd.SilenceUsage = true

			closeLog, err := logging.Setup(logging.Options{Level: cfg.LogLevel, File: cfg.LogFile})
			if err != nil {
				return err
			}
			defer closeLog() //nolint:errcheck

			slog.Info("jsonserver", "version", version.Short(), "config", cfg.Path)

			srv, err := server.New(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer slog.Info("Bye!")
			return srv.Start(cmd.Context())
		},
	}

	rootCmd.Flags().SortFlags = false
	rootCmd.Flags().StringP("bind", "b", "", fmt.Sprintf("Address to bind the server (default %s)", server.DefaultAddr))
	rootCmd.Flags().String("cert", "", "Path to the TLS certificate file")
	rootCmd.Flags().String("key", "", "Path to the TLS key file")
	rootCmd.Flags().StringP("db", "d", "", "Path to the state database (:memory: keeps state in memory)")
	rootCmd.Flags().StringP("output-dir", "o", "", "Mirror every accepted change as a JSON file under this directory")
	rootCmd.Flags().String("webhook", "", "POST accepted changes to this URL")
	rootCmd.Flags().String("rate-limit", "", "Ingest rate limit, e.g. 6000-M (empty disables)")
	rootCmd.Flags().Int("concurrency", 0, "Path groups applied in parallel per batch (default: number of CPUs)")
	rootCmd.Flags().String("log-level", "", "Log level: debug, info, warn, error")
	rootCmd.Flags().String("log-file", "", "Also write logs to this file")
	rootCmd.PersistentFlags().StringP("config", "c", "", "Config file (json, yaml, toml or properties)")
	rootCmd.PersistentFlags().String("env-file", "", "Load environment variables from this file (default: .env if present)")

	rootCmd.AddCommand(newVersionCmd())
	return rootCmd
}

func main() {
	if _, err := logging.Setup(logging.Options{Level: "info"}); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to setup logging: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}
