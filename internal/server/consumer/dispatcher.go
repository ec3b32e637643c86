// Package consumer delivers applied changes to downstream hooks off the ingestion path
package consumer

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/caltaylor/dirwatch/internal/server/statestore"
)

const (
	DefaultQueueSize = 4096
	maxDeliverBatch  = 100
	drainTimeout     = 5 * time.Second
)

// Sink receives changes in apply order, at most maxDeliverBatch at a time
type Sink interface {
	Name() string
	Deliver(ctx context.Context, changes []statestore.Change) error
}

type Stats struct {
	Delivered int64 `json:"delivered"`
	Failed    int64 `json:"failed"`
	Dropped   int64 `json:"dropped"`
}

// Dispatcher queues changes for a Sink. Notify never blocks: when the queue is full the
// change is dropped and counted, consumers can catch up from the change log.
type Dispatcher struct {
	sink  Sink
	queue chan statestore.Change

	delivered atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64
}

func NewDispatcher(sink Sink, queueSize int) *Dispatcher {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Dispatcher{
		sink:  sink,
		queue: make(chan statestore.Change, queueSize),
	}
}

func (d *Dispatcher) Name() string {
	return d.sink.Name()
}

func (d *Dispatcher) Notify(change statestore.Change) {
	select {
	case d.queue <- change:
	default:
		if d.dropped.Add(1)%100 == 1 {
			slog.Warn("consumer queue full", "consumer", d.sink.Name(), "dropped", d.dropped.Load())
		}
	}
}

// Run delivers queued changes until ctx is done, then drains what is left within a short grace period
func (d *Dispatcher) Run(ctx context.Context) error {
	slog.Info("consumer start", "consumer", d.sink.Name())
	defer slog.Info("consumer stop", "consumer", d.sink.Name(), "stats", d.Stats())

	for {
		select {
		case <-ctx.Done():
			drainCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), drainTimeout)
			defer cancel()
			for len(d.queue) > 0 && drainCtx.Err() == nil {
				d.deliver(drainCtx, d.collect(<-d.queue))
			}
			return nil
		case c := <-d.queue:
			d.deliver(ctx, d.collect(c))
		}
	}
}

func (d *Dispatcher) Stats() Stats {
	return Stats{
		Delivered: d.delivered.Load(),
		Failed:    d.failed.Load(),
		Dropped:   d.dropped.Load(),
	}
}

// collect batches whatever else is already queued behind first
func (d *Dispatcher) collect(first statestore.Change) []statestore.Change {
	changes := []statestore.Change{first}
	for len(changes) < maxDeliverBatch {
		select {
		case c := <-d.queue:
			changes = append(changes, c)
		default:
			return changes
		}
	}
	return changes
}

func (d *Dispatcher) deliver(ctx context.Context, changes []statestore.Change) {
	if err := d.sink.Deliver(ctx, changes); err != nil {
		d.failed.Add(int64(len(changes)))
		slog.Error("consumer deliver", "consumer", d.sink.Name(), "changes", len(changes), "error", err)
		return
	}
	d.delivered.Add(int64(len(changes)))
}
