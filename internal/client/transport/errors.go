package transport

import (
	"errors"
	"fmt"
)

var (
	// ErrBatchRejected is returned when the server refuses a batch as malformed.
	// Such a batch is never resent unmodified.
	ErrBatchRejected = errors.New("batch rejected by server")
	ErrNoServerURL   = errors.New("server url missing")
)

// APIError is the `{code, error}` body the server renders for failed requests
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"error"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: %s - %s", e.Code, e.Message)
}

// TransportError is a failed delivery attempt after the sender's own retries ran out
type TransportError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: status %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Permanent reports whether resending the same batch can never succeed
func (e *TransportError) Permanent() bool {
	return errors.Is(e.Err, ErrBatchRejected)
}
