package utils

import (
	"os"

	"github.com/denisbrodbeck/machineid"
	"github.com/google/uuid"
)

// MachineID returns a stable, app-scoped identifier for this host. It falls back to
// the hostname, and to a random id when neither is available.
func MachineID(appID string) string {
	if id, err := machineid.ProtectedID(appID); err == nil && id != "" {
		return id[:16]
	}
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return uuid.NewString()
}
