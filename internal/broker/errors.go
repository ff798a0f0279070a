package broker

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned for ids the registry never held or already
	// swept.
	ErrNotFound = errors.New("request not found")
	// ErrMalformedMessage marks a result message without a correlation id or
	// with an unreadable body. Such messages are deleted, never retried.
	ErrMalformedMessage = errors.New("malformed result message")
	// ErrUnknownRequest marks a result for an id the registry does not hold,
	// usually a duplicate delivery or a record already swept.
	ErrUnknownRequest = errors.New("result for unknown request")
)

// TransportError wraps a failure of the queue transport. Background loops
// back off and retry on it; it never reaches a waiting caller.
type TransportError struct {
	Op    string
	Queue string
	Err   error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s on %s: %v", e.Op, e.Queue, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }
