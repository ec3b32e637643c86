package client

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/caltaylor/dirwatch/internal/client/config"
	"github.com/caltaylor/dirwatch/internal/client/ignore"
	"github.com/caltaylor/dirwatch/internal/client/transport"
	"github.com/caltaylor/dirwatch/internal/client/watcher"
	"github.com/caltaylor/dirwatch/internal/client/workspace"
	"golang.org/x/sync/errgroup"
)

const statsInterval = time.Minute

// Client runs the watcher engine and the transport as one supervised pipeline
type Client struct {
	config    *config.Config
	workspace *workspace.Workspace
}

func New(cfg *config.Config) (*Client, error) {
	ws, err := workspace.New(cfg.WatchDir, cfg.StateDir)
	if err != nil {
		return nil, fmt.Errorf("failed to create workspace: %w", err)
	}
	return &Client{config: cfg, workspace: ws}, nil
}

func (c *Client) Workspace() *workspace.Workspace {
	return c.workspace
}

// Start blocks until ctx is done or a stage fails. On cancellation the engine reports
// what is still pending and the transport flushes or spills it before Start returns.
func (c *Client) Start(ctx context.Context) error {
	cfg := c.config
	slog.Info("dirwatcher start", "root", cfg.WatchDir, "server", cfg.ServerURL, "client", cfg.ClientID)

	if err := c.workspace.Setup(); err != nil {
		return fmt.Errorf("failed to setup workspace: %w", err)
	}
	defer c.workspace.Unlock() //nolint:errcheck

	journal, err := watcher.OpenJournal(ctx, c.workspace.JournalPath)
	if err != nil {
		return err
	}
	defer journal.Close() //nolint:errcheck

	spill, err := transport.OpenSpillLog(ctx, c.workspace.SpillPath)
	if err != nil {
		return err
	}
	defer spill.Close() //nolint:errcheck

	filter, err := ignore.New(c.workspace.Root, cfg.IncludePatterns, c.workspace.StateDir)
	if err != nil {
		return err
	}

	engine, err := watcher.New(watcher.Config{
		Root:           c.workspace.Root,
		Filter:         filter,
		DebounceWindow: cfg.DebounceWindow,
		RenameWindow:   cfg.RenameWindow,
		PollInterval:   cfg.PollInterval,
		ForcePoll:      cfg.ForcePoll,
		QueueSize:      cfg.QueueSize,
	}, journal)
	if err != nil {
		return err
	}

	sender, err := transport.NewHTTPSender(transport.SenderConfig{
		ServerURL:     cfg.ServerURL,
		ClientID:      cfg.ClientID,
		RetryAttempts: cfg.RetryAttempts,
		RetryMin:      cfg.RetryMin,
		RetryMax:      cfg.RetryMax,
	})
	if err != nil {
		return err
	}

	tc := transport.NewClient(transport.Config{
		ClientID:      cfg.ClientID,
		BatchSize:     cfg.BatchSize,
		FlushInterval: cfg.FlushInterval,
	}, sender, spill, journal)

	// the transport keeps running after ctx is done until the engine closes its channel,
	// bounded by the engine's and the transport's own grace periods
	tctx, tcancel := context.WithCancel(context.WithoutCancel(ctx))
	defer tcancel()
	stopAfter := context.AfterFunc(ctx, func() {
		time.AfterFunc(watcher.DefaultShutdownGrace+transport.DefaultGraceTimeout, tcancel)
	})
	defer stopAfter()

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return engine.Run(egCtx)
	})
	eg.Go(func() error {
		return tc.Run(tctx, engine.Transitions())
	})
	eg.Go(func() error {
		ticker := time.NewTicker(statsInterval)
		defer ticker.Stop()
		for {
			select {
			case <-egCtx.Done():
				return nil
			case <-ticker.C:
				pending, _ := spill.Len(egCtx)
				slog.Info("dirwatcher stats", "watcher", engine.Stats(), "transport", tc.Stats(), "spilled", pending)
			}
		}
	})

	err = eg.Wait()
	slog.Info("dirwatcher stop", "watcher", engine.Stats(), "transport", tc.Stats())
	return err
}
