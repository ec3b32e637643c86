// Package transition defines the wire model shared by the watcher client and the
// ingestion server: transitions, batches and per-transition results.
package transition

import (
	"time"

	"github.com/caltaylor/dirwatch/internal/fingerprint"
)

type Kind string

const (
	Created  Kind = "Created"
	Modified Kind = "Modified"
	Deleted  Kind = "Deleted"
	Renamed  Kind = "Renamed"
)

func (k Kind) Valid() bool {
	switch k {
	case Created, Modified, Deleted, Renamed:
		return true
	}
	return false
}

// Transition is one debounced, fingerprint-confirmed change of a single path.
// Sequence is strictly increasing per path and is the only ordering the server trusts.
type Transition struct {
	Path        string                   `json:"path"`
	Kind        Kind                     `json:"kind"`
	Fingerprint *fingerprint.Fingerprint `json:"fingerprint,omitempty"`
	Sequence    uint64                   `json:"sequence"`
	Timestamp   time.Time                `json:"timestamp"`

	// Renamed only: the vacated path and the sequence it was retired under
	FromPath     string `json:"fromPath,omitempty"`
	FromSequence uint64 `json:"fromSequence,omitempty"`
}

// Paths returns every path the transition touches
func (t *Transition) Paths() []string {
	if t.Kind == Renamed && t.FromPath != "" {
		return []string{t.Path, t.FromPath}
	}
	return []string{t.Path}
}

// Batch is the unit of transport and retry
type Batch struct {
	ClientID    string       `json:"clientId"`
	BatchID     string       `json:"batchId"`
	Transitions []Transition `json:"transitions"`
}

type Status string

const (
	StatusAccepted  Status = "accepted"
	StatusUnchanged Status = "unchanged" // applied, but the content matched the stored fingerprint
	StatusDuplicate Status = "duplicate" // sequence already applied, discarded
	StatusRejected  Status = "rejected"  // not applied, resend the batch
)

type Result struct {
	Path     string `json:"path"`
	Sequence uint64 `json:"sequence"`
	Status   Status `json:"status"`
	Error    string `json:"error,omitempty"`
}

type BatchResponse struct {
	BatchID string   `json:"batchId"`
	Results []Result `json:"results"`
}

// Rejected returns the results that were not applied
func (r *BatchResponse) Rejected() []Result {
	var out []Result
	for _, res := range r.Results {
		if res.Status == StatusRejected {
			out = append(out, res)
		}
	}
	return out
}
