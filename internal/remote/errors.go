package remote

import (
	"errors"
	"fmt"
)

// ErrNotFound indicates the remote document does not exist. Write paths
// treat this as success for deletes; read paths surface it to the caller.
var ErrNotFound = errors.New("remote: document not found")

// ErrUnauthorized indicates the remote store rejected the bearer token.
// The coordinator maps this to an auth failure, not a protocol error.
var ErrUnauthorized = errors.New("remote: unauthorized")

// TransientError wraps a network-level failure (connection refused, timeout,
// 5xx). The current pass aborts; durable state is untouched and the next
// scheduled attempt retries.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("remote: transient failure: %v", e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err is a transient network failure.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// ProtocolError is an unclassified non-2xx response. It aborts the current
// pass and is surfaced to the user as an opaque sync failure, never as raw
// transport detail.
type ProtocolError struct {
	Status int
	Body   string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("remote: unexpected status %d", e.Status)
}
