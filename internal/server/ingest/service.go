// Package ingest applies transition batches to the state store. Each path is applied
// under its own lock and in sequence order, so duplicated, replayed or reordered
// batches converge on the same records.
package ingest

import (
	"context"
	"errors"
	"log/slog"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/caltaylor/dirwatch/internal/server/statestore"
	"github.com/caltaylor/dirwatch/internal/transition"
	"golang.org/x/sync/errgroup"
)

// Store is the part of the state store the service needs
type Store interface {
	Get(ctx context.Context, path string) (*statestore.Record, error)
	CompareAndSwap(ctx context.Context, updates []statestore.Update) ([]statestore.Change, error)
}

// Notifier receives every change that altered a record. Notify must not block.
type Notifier interface {
	Notify(change statestore.Change)
}

type Config struct {
	Concurrency int // path groups applied in parallel per batch
}

type Stats struct {
	Batches    int64 `json:"batches"`
	Accepted   int64 `json:"accepted"`
	Unchanged  int64 `json:"unchanged"`
	Duplicates int64 `json:"duplicates"`
	Rejected   int64 `json:"rejected"`
	Invalid    int64 `json:"invalid"`
}

type Service struct {
	store       Store
	locks       *keyedMutex
	notifiers   []Notifier
	concurrency int
	now         func() time.Time

	batches    atomic.Int64
	accepted   atomic.Int64
	unchanged  atomic.Int64
	duplicates atomic.Int64
	rejected   atomic.Int64
	invalid    atomic.Int64
}

func New(store Store, cfg Config, notifiers ...Notifier) *Service {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = runtime.NumCPU()
	}
	return &Service{
		store:       store,
		locks:       newKeyedMutex(),
		notifiers:   notifiers,
		concurrency: cfg.Concurrency,
		now:         time.Now,
	}
}

// Ingest validates the batch and applies it. A structurally invalid batch returns a
// *transition.ValidationError and nothing is applied. Store failures do not fail the
// call, they mark the affected transitions rejected so the client resends the batch.
func (s *Service) Ingest(ctx context.Context, b *transition.Batch) (*transition.BatchResponse, error) {
	if err := transition.Validate(b); err != nil {
		s.invalid.Add(1)
		return nil, err
	}
	s.batches.Add(1)

	results := make([]transition.Result, len(b.Transitions))

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(s.concurrency)
	for _, group := range groupByPath(b.Transitions) {
		eg.Go(func() error {
			for _, idx := range group {
				results[idx] = s.apply(egCtx, b.ClientID, b.BatchID, &b.Transitions[idx])
			}
			return nil
		})
	}
	_ = eg.Wait()

	resp := &transition.BatchResponse{BatchID: b.BatchID, Results: results}
	slog.Debug("batch applied", "client", b.ClientID, "batch", b.BatchID, "transitions", len(results), "rejected", len(resp.Rejected()))
	return resp, nil
}

func (s *Service) Stats() Stats {
	return Stats{
		Batches:    s.batches.Load(),
		Accepted:   s.accepted.Load(),
		Unchanged:  s.unchanged.Load(),
		Duplicates: s.duplicates.Load(),
		Rejected:   s.rejected.Load(),
		Invalid:    s.invalid.Load(),
	}
}

func (s *Service) apply(ctx context.Context, clientID, batchID string, t *transition.Transition) transition.Result {
	result := transition.Result{Path: t.Path, Sequence: t.Sequence}

	unlock := s.locks.Lock(t.Paths()...)
	defer unlock()

	status, changes, err := s.applyLocked(ctx, clientID, batchID, t)
	if err != nil {
		s.rejected.Add(1)
		slog.Error("apply transition", "path", t.Path, "kind", t.Kind, "seq", t.Sequence, "error", err)
		result.Status = transition.StatusRejected
		result.Error = err.Error()
		return result
	}

	result.Status = status
	switch status {
	case transition.StatusAccepted:
		s.accepted.Add(1)
		for _, c := range changes {
			for _, n := range s.notifiers {
				n.Notify(c)
			}
		}
	case transition.StatusUnchanged:
		s.unchanged.Add(1)
	case transition.StatusDuplicate:
		s.duplicates.Add(1)
		slog.Debug("duplicate transition", "path", t.Path, "seq", t.Sequence)
	}
	return result
}

func (s *Service) applyLocked(ctx context.Context, clientID, batchID string, t *transition.Transition) (transition.Status, []statestore.Change, error) {
	cur, err := s.lookup(ctx, t.Path)
	if err != nil {
		return "", nil, err
	}
	if cur != nil && t.Sequence <= cur.Sequence {
		return transition.StatusDuplicate, nil, nil
	}

	now := s.now()
	rec := statestore.Record{
		Path:      t.Path,
		Sequence:  t.Sequence,
		ClientID:  clientID,
		UpdatedAt: now,
	}
	change := &statestore.Change{
		Path:        t.Path,
		Kind:        t.Kind,
		Sequence:    t.Sequence,
		Fingerprint: t.Fingerprint,
		FromPath:    t.FromPath,
		ClientID:    clientID,
		BatchID:     batchID,
		AppliedAt:   now,
	}

	status := transition.StatusAccepted
	switch t.Kind {
	case transition.Deleted:
		rec.Status = statestore.StatusDeleted
		// a tombstone for a path never seen, or already deleted, still pins the sequence
		if cur == nil || cur.Status == statestore.StatusDeleted {
			status = transition.StatusUnchanged
		}
	default:
		rec.Status = statestore.StatusPresent
		rec.Fingerprint = t.Fingerprint
		if t.Kind != transition.Renamed && cur != nil && cur.Status == statestore.StatusPresent &&
			cur.Fingerprint != nil && cur.Fingerprint.Equal(*t.Fingerprint) {
			status = transition.StatusUnchanged
		}
	}
	if status == transition.StatusUnchanged {
		change = nil
	}

	updates := []statestore.Update{{Expected: seqOf(cur), Record: rec, Change: change}}

	if t.Kind == transition.Renamed {
		from, err := s.lookup(ctx, t.FromPath)
		if err != nil {
			return "", nil, err
		}
		// the vacated path may have moved on already, only its own newer sequence wins
		if from == nil || t.FromSequence > from.Sequence {
			updates = append(updates, statestore.Update{
				Expected: seqOf(from),
				Record: statestore.Record{
					Path:      t.FromPath,
					Status:    statestore.StatusDeleted,
					Sequence:  t.FromSequence,
					ClientID:  clientID,
					UpdatedAt: now,
				},
			})
		}
	}

	changes, err := s.store.CompareAndSwap(ctx, updates)
	if err != nil {
		return "", nil, err
	}
	return status, changes, nil
}

func (s *Service) lookup(ctx context.Context, path string) (*statestore.Record, error) {
	rec, err := s.store.Get(ctx, path)
	if errors.Is(err, statestore.ErrRecordNotFound) {
		return nil, nil
	}
	return rec, err
}

func seqOf(rec *statestore.Record) uint64 {
	if rec == nil {
		return 0
	}
	return rec.Sequence
}

// groupByPath partitions transition indexes so that transitions touching a common path,
// directly or through a rename, share a group. Groups keep batch order and are returned
// in order of their first transition.
func groupByPath(ts []transition.Transition) [][]int {
	parent := make(map[string]string)
	var find func(p string) string
	find = func(p string) string {
		root, ok := parent[p]
		if !ok {
			parent[p] = p
			return p
		}
		if root == p {
			return p
		}
		root = find(root)
		parent[p] = root
		return root
	}

	for i := range ts {
		paths := ts[i].Paths()
		first := find(paths[0])
		for _, p := range paths[1:] {
			if r := find(p); r != first {
				parent[r] = first
			}
		}
	}

	order := make(map[string]int)
	var groups [][]int
	for i := range ts {
		root := find(ts[i].Path)
		g, ok := order[root]
		if !ok {
			g = len(groups)
			order[root] = g
			groups = append(groups, nil)
		}
		groups[g] = append(groups[g], i)
	}
	return groups
}
