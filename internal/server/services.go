package server

import (
	"context"
	"fmt"

	"github.com/caltaylor/dirwatch/internal/server/consumer"
	"github.com/caltaylor/dirwatch/internal/server/handlers/events"
	"github.com/caltaylor/dirwatch/internal/server/ingest"
	"github.com/caltaylor/dirwatch/internal/server/statestore"
	"golang.org/x/sync/errgroup"
)

type Services struct {
	Store     *statestore.Store
	Ingest    *ingest.Service
	Events    *events.Hub
	Consumers []*consumer.Dispatcher

	cancel context.CancelFunc
	eg     *errgroup.Group
}

func NewServices(ctx context.Context, config *Config) (*Services, error) {
	store, err := statestore.Open(ctx, statestore.Config{
		Path:      config.DbPath,
		CacheSize: config.CacheSize,
	})
	if err != nil {
		return nil, err
	}

	hub := events.NewHub()
	notifiers := []ingest.Notifier{hub}

	var consumers []*consumer.Dispatcher
	if config.OutputDir != "" {
		out, err := consumer.NewOutputDir(config.OutputDir)
		if err != nil {
			store.Close()
			return nil, err
		}
		consumers = append(consumers, consumer.NewDispatcher(out, config.ConsumerQueue))
	}
	if config.WebhookURL != "" {
		hook, err := consumer.NewWebhook(config.WebhookURL)
		if err != nil {
			store.Close()
			return nil, err
		}
		consumers = append(consumers, consumer.NewDispatcher(hook, config.ConsumerQueue))
	}
	for _, c := range consumers {
		notifiers = append(notifiers, c)
	}

	ingestSvc := ingest.New(store, ingest.Config{Concurrency: config.ApplyConcurrency}, notifiers...)

	return &Services{
		Store:     store,
		Ingest:    ingestSvc,
		Events:    hub,
		Consumers: consumers,
	}, nil
}

// Start runs the event hub and the consumers in the background
func (s *Services) Start(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)
	s.eg, ctx = errgroup.WithContext(ctx)

	s.eg.Go(func() error {
		s.Events.Run(ctx)
		return nil
	})
	for _, c := range s.Consumers {
		s.eg.Go(func() error {
			return c.Run(ctx)
		})
	}
	return nil
}

// Shutdown stops the background workers, letting consumers drain, then closes the store
func (s *Services) Shutdown(ctx context.Context) error {
	s.Events.Shutdown()

	if s.cancel != nil {
		s.cancel()
		done := make(chan error, 1)
		go func() { done <- s.eg.Wait() }()
		select {
		case err := <-done:
			if err != nil {
				return fmt.Errorf("stop services: %w", err)
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if err := s.Store.Close(); err != nil {
		return fmt.Errorf("close state store: %w", err)
	}
	return nil
}

type ServiceStats struct {
	Ingest      ingest.Stats              `json:"ingest"`
	Records     int64                     `json:"records"`
	Subscribers int                       `json:"subscribers"`
	Consumers   map[string]consumer.Stats `json:"consumers,omitempty"`
}

func (s *Services) Stats(ctx context.Context) (*ServiceStats, error) {
	n, err := s.Store.Len(ctx)
	if err != nil {
		return nil, err
	}
	stats := &ServiceStats{
		Ingest:      s.Ingest.Stats(),
		Records:     n,
		Subscribers: s.Events.Len(),
	}
	if len(s.Consumers) > 0 {
		stats.Consumers = make(map[string]consumer.Stats, len(s.Consumers))
		for _, c := range s.Consumers {
			stats.Consumers[c.Name()] = c.Stats()
		}
	}
	return stats, nil
}
