package transition

import (
	"fmt"
	"path"
	"strings"
)

const MaxBatchTransitions = 10_000

// ValidationError rejects a batch wholesale. The client must not resend it unmodified.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "invalid batch: " + strings.Join(e.Problems, "; ")
}

// Validate checks structural integrity: required ids, well-formed transitions and
// non-decreasing sequence numbers per path within the batch.
func Validate(b *Batch) error {
	var problems []string
	addf := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if b == nil {
		return &ValidationError{Problems: []string{"empty body"}}
	}
	if strings.TrimSpace(b.ClientID) == "" {
		addf("clientId is required")
	}
	if strings.TrimSpace(b.BatchID) == "" {
		addf("batchId is required")
	}
	switch n := len(b.Transitions); {
	case n == 0:
		addf("transitions must not be empty")
	case n > MaxBatchTransitions:
		addf("too many transitions: %d > %d", n, MaxBatchTransitions)
	}

	lastSeq := make(map[string]uint64)
	checkOrder := func(i int, p string, seq uint64) {
		if prev, ok := lastSeq[p]; ok && seq < prev {
			addf("transitions[%d]: sequence %d for %s goes backwards (previous %d)", i, seq, p, prev)
		}
		lastSeq[p] = seq
	}

	for i := range b.Transitions {
		t := &b.Transitions[i]

		if err := validPath(t.Path); err != "" {
			addf("transitions[%d]: path %s", i, err)
		}
		if !t.Kind.Valid() {
			addf("transitions[%d]: unknown kind %q", i, t.Kind)
		}
		if t.Sequence == 0 {
			addf("transitions[%d]: sequence must be positive", i)
		}

		switch t.Kind {
		case Deleted:
			if t.Fingerprint != nil {
				addf("transitions[%d]: Deleted must not carry a fingerprint", i)
			}
		case Created, Modified, Renamed:
			if t.Fingerprint == nil || t.Fingerprint.Hash == "" {
				addf("transitions[%d]: %s requires a fingerprint", i, t.Kind)
			} else if t.Fingerprint.Size < 0 {
				addf("transitions[%d]: negative size", i)
			}
		}

		if t.Kind == Renamed {
			if err := validPath(t.FromPath); err != "" {
				addf("transitions[%d]: fromPath %s", i, err)
			} else if t.FromPath == t.Path {
				addf("transitions[%d]: fromPath equals path", i)
			}
			if t.FromSequence == 0 {
				addf("transitions[%d]: fromSequence must be positive", i)
			}
			checkOrder(i, t.FromPath, t.FromSequence)
		} else if t.FromPath != "" || t.FromSequence != 0 {
			addf("transitions[%d]: fromPath is only valid on Renamed", i)
		}

		checkOrder(i, t.Path, t.Sequence)
	}

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

func validPath(p string) string {
	switch {
	case p == "":
		return "is required"
	case strings.ContainsRune(p, 0):
		return "contains NUL"
	case path.Clean(p) != p || p == ".":
		return fmt.Sprintf("%q is not clean", p)
	}
	return ""
}
