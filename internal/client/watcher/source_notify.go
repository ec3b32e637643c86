package watcher

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/caltaylor/dirwatch/internal/client/debounce"
	"github.com/rjeczalik/notify"
)

const eventBufferSize = 256

// NotifySource pushes native filesystem notifications for the whole tree
type NotifySource struct {
	root   string
	skip   func(path string) bool
	events chan notify.EventInfo
	done   chan struct{}
	wg     sync.WaitGroup
}

// NewNotifySource watches root recursively. skip drops notifications for paths that
// can never be reported, such as the client state dir.
func NewNotifySource(root string, skip func(path string) bool) *NotifySource {
	return &NotifySource{
		root: root,
		skip: skip,
		done: make(chan struct{}),
	}
}

func (s *NotifySource) Name() string {
	return "notify"
}

func (s *NotifySource) Start(ctx context.Context, emit func(debounce.Event)) error {
	s.events = make(chan notify.EventInfo, eventBufferSize)

	recursivePath := filepath.Join(s.root, "...")
	if err := notify.Watch(recursivePath, s.events, notify.All); err != nil {
		return err
	}
	slog.Info("notify source start", "root", s.root)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.done:
				return
			case ei, ok := <-s.events:
				if !ok {
					return
				}
				path := filepath.Clean(ei.Path())
				if s.skip != nil && s.skip(path) {
					continue
				}
				emit(debounce.Event{Path: path, Op: opOf(ei.Event())})
			}
		}
	}()
	return nil
}

func (s *NotifySource) Stop() {
	if s.events == nil {
		return
	}
	select {
	case <-s.done:
		return
	default:
	}
	notify.Stop(s.events)
	close(s.done)
	s.wg.Wait()
	slog.Info("notify source stopped")
}

func opOf(ev notify.Event) debounce.Op {
	switch {
	case ev&notify.Create != 0:
		return debounce.OpCreate
	case ev&notify.Remove != 0:
		return debounce.OpRemove
	case ev&notify.Rename != 0:
		return debounce.OpRename
	}
	return debounce.OpWrite
}
