package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/caltaylor/dirwatch/internal/client"
	"github.com/caltaylor/dirwatch/internal/logging"
	"github.com/caltaylor/dirwatch/internal/version"
	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:     "dirwatcher [config dir]",
		Short:   "Watch a directory tree and report file changes to a JsonServer",
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

			c, err := client.New(cfg)
			if err != nil {
				return err
			}

			logFile := cfg.LogFile
			if logFile == "" {
				logFile = c.Workspace().LogFile()
			}
			closeLog, err := logging.Setup(logging.Options{Level: cfg.LogLevel, File: logFile})
			if err != nil {
				return err
			}
			defer closeLog() //nolint:errcheck

			slog.Info("dirwatcher", "version", version.Short(), "config", cfg.Path, "log", logFile)
			defer slog.Info("Bye!")
			return c.Start(cmd.Context())
		},
	}

	rootCmd.Flags().SortFlags = false
	rootCmd.Flags().StringP("watch-dir", "w", "", "Directory tree to watch")
	rootCmd.Flags().StringP("server", "s", "", "JsonServer URL")
	rootCmd.Flags().StringSliceP("include", "i", nil, "Only report files matching these glob patterns")
	rootCmd.Flags().String("client-id", "", "Client id reported to the server (default: derived from the machine id)")
	rootCmd.Flags().String("state-dir", "", "Directory for the journal, spill log and logs (default: <watch-dir>/.dirwatch)")
	rootCmd.Flags().Duration("debounce", 0, "Quiet period before a change is reported")
	rootCmd.Flags().Duration("rename-window", 0, "How long a deletion waits for a matching creation (negative disables rename detection)")
	rootCmd.Flags().Duration("poll-interval", 0, "Scan interval when falling back to polling")
	rootCmd.Flags().Bool("force-poll", false, "Poll instead of using filesystem notifications")
	rootCmd.Flags().Int("batch-size", 0, "Maximum transitions per batch")
	rootCmd.Flags().Duration("flush-interval", 0, "Maximum time a transition waits before its batch is sent")
	rootCmd.Flags().String("log-level", "", "Log level: debug, info, warn, error")
	rootCmd.Flags().String("log-file", "", "Log file (default: <state-dir>/logs/dirwatcher.log)")
	rootCmd.PersistentFlags().StringP("config", "c", "", "Config file (json, yaml, toml or properties)")
	rootCmd.PersistentFlags().String("env-file", "", "Load environment variables from this file (default: .env if present)")

	rootCmd.AddCommand(newVersionCmd())
	return rootCmd
}

func main() {
	// console only until the config names a log file
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
