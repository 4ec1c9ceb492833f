package protocol

import (
	"errors"
	"fmt"

	"tripmesh/pkg"
)

// Error codes carried in failure responses
const (
	CodeWorkerTimeout  = "WORKER_TIMEOUT"
	CodeWorkerFailure  = "WORKER_FAILURE"
	CodeWorkerPanic    = "WORKER_PANIC"
	CodeInvalidRequest = "INVALID_REQUEST"
)

var (
	ErrWorkerTimeout       = errors.New("worker timeout")
	ErrWorkerFailure       = errors.New("worker failure")
	ErrValidationFailure   = errors.New("validation failure")
	ErrTotalFailure        = errors.New("total failure")
	ErrClassifierFailure   = errors.New("classifier failure")
	ErrSummaryFailure      = errors.New("summary failure")
	ErrStaleMessage        = errors.New("stale message")
	ErrTooManyRetries      = errors.New("retry count exceeds limit")
	ErrMissingIdentity     = errors.New("message missing session or request id")
	ErrCorrelationMismatch = errors.New("response does not match request")
	ErrNotConnected        = errors.New("transport not connected")
)

// SchemaError reports a request payload missing a field its worker requires.
// Requests failing this check are never published.
type SchemaError struct {
	Worker pkg.WorkerType
	Field  string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("schema: %s request missing required field %q", e.Worker, e.Field)
}

// TransportError wraps a publish, subscribe or connection failure
type TransportError struct {
	Op      string
	Channel string
	Err     error
}

func (e *TransportError) Error() string {
	if e.Channel == "" {
		return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("transport %s %s: %v", e.Op, e.Channel, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}
