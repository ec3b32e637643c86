// Package transport batches transitions and delivers them to the ingestion server.
// Batches that cannot be delivered are spilled to disk and retried, oldest first,
// before anything newer is sent.
package transport

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/caltaylor/dirwatch/internal/transition"
	"github.com/google/uuid"
)

const (
	DefaultBatchSize     = 256
	DefaultFlushInterval = time.Second
	DefaultGraceTimeout  = 10 * time.Second
)

// Sender delivers a single batch
type Sender interface {
	Send(ctx context.Context, batch *transition.Batch) (*transition.BatchResponse, error)
}

// Acker is told which transitions the server has applied or already had
type Acker interface {
	Ack(ctx context.Context, transitions []transition.Transition) error
}

type Config struct {
	ClientID      string
	BatchSize     int
	FlushInterval time.Duration
	// GraceTimeout bounds the final flush once the input channel is closed
	GraceTimeout time.Duration
}

type Stats struct {
	BatchesSent     int64 `json:"batchesSent"`
	TransitionsSent int64 `json:"transitionsSent"`
	Spilled         int64 `json:"spilled"`
	Rejected        int64 `json:"rejected"`
	SendFailures    int64 `json:"sendFailures"`
}

type Client struct {
	cfg    Config
	sender Sender
	spill  *SpillLog
	acker  Acker

	batchesSent     atomic.Int64
	transitionsSent atomic.Int64
	spilled         atomic.Int64
	rejected        atomic.Int64
	sendFailures    atomic.Int64
}

// NewClient wires a batching client. acker may be nil.
func NewClient(cfg Config, sender Sender, spill *SpillLog, acker Acker) *Client {
	if cfg.BatchSize <= 0 || cfg.BatchSize > transition.MaxBatchTransitions {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultFlushInterval
	}
	if cfg.GraceTimeout <= 0 {
		cfg.GraceTimeout = DefaultGraceTimeout
	}
	return &Client{cfg: cfg, sender: sender, spill: spill, acker: acker}
}

func (c *Client) Stats() Stats {
	return Stats{
		BatchesSent:     c.batchesSent.Load(),
		TransitionsSent: c.transitionsSent.Load(),
		Spilled:         c.spilled.Load(),
		Rejected:        c.rejected.Load(),
		SendFailures:    c.sendFailures.Load(),
	}
}

// Run batches transitions from in until it is closed, then flushes what is left
// within the grace timeout. If ctx ends first, pending transitions are spilled.
func (c *Client) Run(ctx context.Context, in <-chan transition.Transition) error {
	slog.Info("transport start", "batchSize", c.cfg.BatchSize, "flushInterval", c.cfg.FlushInterval)

	ticker := time.NewTicker(c.cfg.FlushInterval)
	defer ticker.Stop()

	pending := make([]transition.Transition, 0, c.cfg.BatchSize)
	for {
		select {
		case t, ok := <-in:
			if !ok {
				flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.GraceTimeout)
				c.flush(flushCtx, pending)
				cancel()
				slog.Info("transport stopped", "stats", c.Stats())
				return nil
			}
			pending = append(pending, t)
			if len(pending) >= c.cfg.BatchSize {
				c.flush(ctx, pending)
				pending = pending[:0]
			}

		case <-ticker.C:
			c.flush(ctx, pending)
			pending = pending[:0]

		case <-ctx.Done():
			if len(pending) > 0 {
				c.spillBatch(context.WithoutCancel(ctx), c.newBatch(pending), ctx.Err())
			}
			slog.Info("transport stopped", "stats", c.Stats())
			return nil
		}
	}
}

// flush drains the spill log first. New transitions are only sent once it is empty,
// otherwise they are spilled behind the older batches to keep per-path order.
func (c *Client) flush(ctx context.Context, pending []transition.Transition) {
	drained := c.drainSpill(ctx)
	if len(pending) == 0 {
		return
	}

	batch := c.newBatch(pending)
	if !drained {
		c.spillBatch(ctx, batch, errors.New("older batches pending"))
		return
	}

	resp, err := c.sender.Send(ctx, batch)
	if err != nil {
		c.sendFailures.Add(1)
		var te *TransportError
		if errors.As(err, &te) && te.Permanent() {
			c.reject(ctx, 0, batch, err)
			return
		}
		c.spillBatch(ctx, batch, err)
		return
	}
	c.delivered(ctx, batch, resp)
}

// drainSpill sends spilled batches oldest first and reports whether the log is empty
func (c *Client) drainSpill(ctx context.Context) bool {
	if c.spill == nil {
		return true
	}

	for ctx.Err() == nil {
		entry, err := c.spill.Peek(ctx)
		if err != nil {
			slog.Error("transport spill peek", "error", err)
			return false
		}
		if entry == nil {
			return true
		}

		resp, err := c.sender.Send(ctx, entry.Batch)
		if err != nil {
			c.sendFailures.Add(1)
			var te *TransportError
			if errors.As(err, &te) && te.Permanent() {
				c.reject(ctx, entry.ID, entry.Batch, err)
				continue
			}
			if bumpErr := c.spill.Bump(context.WithoutCancel(ctx), entry.ID, err); bumpErr != nil {
				slog.Error("transport spill bump", "batch", entry.Batch.BatchID, "error", bumpErr)
			}
			slog.Warn("transport spilled batch still undeliverable", "batch", entry.Batch.BatchID, "attempts", entry.Attempts+1, "error", err)
			return false
		}

		if err := c.spill.Remove(ctx, entry.ID); err != nil {
			slog.Error("transport spill remove", "batch", entry.Batch.BatchID, "error", err)
			return false
		}
		slog.Info("transport spilled batch delivered", "batch", entry.Batch.BatchID, "attempts", entry.Attempts+1, "age", time.Since(entry.CreatedAt).Round(time.Millisecond))
		c.delivered(ctx, entry.Batch, resp)
	}
	return false
}

func (c *Client) delivered(ctx context.Context, batch *transition.Batch, resp *transition.BatchResponse) {
	c.batchesSent.Add(1)
	c.transitionsSent.Add(int64(len(batch.Transitions)))

	type key struct {
		path string
		seq  uint64
	}
	applied := make(map[key]bool, len(resp.Results))
	var duplicates int
	for _, r := range resp.Results {
		if r.Status == transition.StatusDuplicate {
			duplicates++
		}
		if r.Status != transition.StatusRejected {
			applied[key{r.Path, r.Sequence}] = true
		}
	}

	acked := make([]transition.Transition, 0, len(batch.Transitions))
	for _, t := range batch.Transitions {
		if applied[key{t.Path, t.Sequence}] {
			acked = append(acked, t)
		}
	}

	slog.Debug("transport batch delivered", "batch", batch.BatchID, "transitions", len(batch.Transitions), "duplicates", duplicates)

	if c.acker == nil || len(acked) == 0 {
		return
	}
	if err := c.acker.Ack(context.WithoutCancel(ctx), acked); err != nil {
		slog.Error("transport ack", "batch", batch.BatchID, "error", err)
	}
}

func (c *Client) spillBatch(ctx context.Context, batch *transition.Batch, reason error) {
	if c.spill == nil {
		slog.Error("transport batch lost, no spill log", "batch", batch.BatchID, "transitions", len(batch.Transitions), "error", reason)
		return
	}
	if err := c.spill.Push(context.WithoutCancel(ctx), batch, reason); err != nil {
		slog.Error("transport spill push", "batch", batch.BatchID, "error", err)
		return
	}
	c.spilled.Add(1)
}

func (c *Client) reject(ctx context.Context, id int64, batch *transition.Batch, reason error) {
	c.rejected.Add(1)
	slog.Error("transport batch rejected by server", "batch", batch.BatchID, "transitions", len(batch.Transitions), "error", reason)
	if c.spill == nil {
		return
	}
	if err := c.spill.Reject(context.WithoutCancel(ctx), id, batch, reason); err != nil {
		slog.Error("transport store rejected batch", "batch", batch.BatchID, "error", err)
	}
}

func (c *Client) newBatch(transitions []transition.Transition) *transition.Batch {
	return &transition.Batch{
		ClientID:    c.cfg.ClientID,
		BatchID:     uuid.NewString(),
		Transitions: append([]transition.Transition(nil), transitions...),
	}
}
