package domain

import "errors"

// Error taxonomy. Callers wrap these with fmt.Errorf("...: %w") and test
// with errors.Is.
var (
	// ErrNotFound: the record or broker order does not exist.
	ErrNotFound = errors.New("not found")
	// ErrTransient: network failure, timeout or 5xx/429 from the broker.
	// Retried on the next reconciliation pass.
	ErrTransient = errors.New("transient broker error")
	// ErrRejected: the broker refused the request (4xx other than 404/429).
	ErrRejected = errors.New("rejected by broker")
	// ErrValidation: malformed input or stream payload.
	ErrValidation = errors.New("validation failed")
	// ErrConflict: a concurrent write changed the record since it was read.
	ErrConflict = errors.New("persistence conflict")
	// ErrProtocol: stream handshake failure or unexpected close.
	ErrProtocol = errors.New("stream protocol error")
	// ErrPrecondition: the operation is not allowed in the lot's state.
	ErrPrecondition = errors.New("precondition failed")
	// ErrCorrelationMismatch: a snapshot was merged into the wrong lot.
	ErrCorrelationMismatch = errors.New("correlation id mismatch")
)
