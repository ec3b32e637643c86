package watcher

import (
	"context"

	"github.com/caltaylor/dirwatch/internal/client/debounce"
)

// Source produces raw change notifications for paths under the watch root.
// Notifications are hints only; the engine always confirms them against the filesystem.
type Source interface {
	Name() string
	Start(ctx context.Context, emit func(debounce.Event)) error
	Stop()
}
