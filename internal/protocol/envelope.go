package protocol

import (
	"errors"
	"fmt"
	"time"

	"tripmesh/pkg"
)

const (
	// DefaultTimeout applies to requests built without a timeout
	DefaultTimeout = 30 * time.Second
	// DefaultStalenessWindow is the maximum accepted message age
	DefaultStalenessWindow = 5 * time.Minute
	// MaxRetryCount caps metadata.retry_count
	MaxRetryCount = 5
)

// RequestOption adjusts the metadata of a request being built
type RequestOption func(*pkg.Metadata)

// WithPriority sets the request priority
func WithPriority(p pkg.Priority) RequestOption {
	return func(m *pkg.Metadata) { m.Priority = p }
}

// WithRetryCount marks the request as a retry
func WithRetryCount(n int) RequestOption {
	return func(m *pkg.Metadata) { m.RetryCount = n }
}

// WithParent chains the request to an earlier one
func WithParent(correlationID, parentRequestID string) RequestOption {
	return func(m *pkg.Metadata) {
		m.CorrelationID = correlationID
		m.ParentRequestID = parentRequestID
	}
}

// BuildRequest creates a request envelope for workerType.
// It fails with a *SchemaError when payload lacks a required field.
func BuildRequest(sessionID string, workerType pkg.WorkerType, payload map[string]any, timeout time.Duration, opts ...RequestOption) (*pkg.Envelope, error) {
	if !workerType.Valid() {
		return nil, fmt.Errorf("unknown worker type %q", workerType)
	}
	if sessionID == "" {
		return nil, ErrMissingIdentity
	}
	if err := CheckPayload(workerType, payload); err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	meta := pkg.Metadata{
		TimeoutMs: timeout.Milliseconds(),
		Priority:  pkg.PriorityNormal,
	}
	for _, opt := range opts {
		opt(&meta)
	}
	if meta.RetryCount < 0 || meta.RetryCount > MaxRetryCount {
		return nil, fmt.Errorf("%w: %d", ErrTooManyRetries, meta.RetryCount)
	}

	return &pkg.Envelope{
		SessionID:  sessionID,
		RequestID:  NewRequestID(),
		WorkerType: workerType,
		Action:     pkg.ActionRequest,
		Timestamp:  pkg.Now(),
		Payload:    payload,
		Metadata:   meta,
	}, nil
}

// NewRequest builds a request from a typed payload; the worker type comes
// from the payload itself.
func NewRequest(sessionID string, payload pkg.RequestPayload, timeout time.Duration, opts ...RequestOption) (*pkg.Envelope, error) {
	m, err := EncodePayload(payload)
	if err != nil {
		return nil, err
	}
	return BuildRequest(sessionID, payload.Worker(), m, timeout, opts...)
}

// BuildResponse creates the success response for req
func BuildResponse(req *pkg.Envelope, from pkg.WorkerType, data map[string]any, elapsed time.Duration) *pkg.Envelope {
	env := replyTo(req, from, pkg.ActionResponse)
	env.Response = &pkg.ResponseBody{
		Success:          true,
		Data:             data,
		ProcessingTimeMs: elapsed.Milliseconds(),
	}
	return env
}

// BuildFailure creates the failure response for req. The error message is
// never empty.
func BuildFailure(req *pkg.Envelope, from pkg.WorkerType, code string, err error, elapsed time.Duration) *pkg.Envelope {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	if msg == "" {
		msg = "worker failed without an error message"
	}
	if code == "" {
		code = CodeWorkerFailure
	}
	env := replyTo(req, from, pkg.ActionResponse)
	env.Response = &pkg.ResponseBody{
		Success:          false,
		Error:            msg,
		ErrorCode:        code,
		ProcessingTimeMs: elapsed.Milliseconds(),
	}
	return env
}

// BuildError creates a protocol error message answering req
func BuildError(req *pkg.Envelope, from pkg.WorkerType, code, message string, recoverable bool) *pkg.Envelope {
	if message == "" {
		message = code
	}
	env := replyTo(req, from, pkg.ActionError)
	env.Failure = &pkg.ErrorBody{
		Code:        code,
		Message:     message,
		Recoverable: recoverable,
	}
	return env
}

func replyTo(req *pkg.Envelope, from pkg.WorkerType, action pkg.Action) *pkg.Envelope {
	return &pkg.Envelope{
		SessionID:  req.SessionID,
		RequestID:  req.RequestID,
		WorkerType: from,
		Action:     action,
		Timestamp:  pkg.Now(),
		Metadata: pkg.Metadata{
			TimeoutMs:       req.Metadata.TimeoutMs,
			RetryCount:      req.Metadata.RetryCount,
			Priority:        req.Metadata.Priority,
			CorrelationID:   req.Metadata.CorrelationID,
			ParentRequestID: req.Metadata.ParentRequestID,
		},
	}
}

// BuildCancel creates a cancel message for a session
func BuildCancel(sessionID, reason string) *pkg.Envelope {
	return &pkg.Envelope{
		SessionID:  sessionID,
		RequestID:  NewRequestID(),
		WorkerType: pkg.WorkerOrchestrator,
		Action:     pkg.ActionCancel,
		Timestamp:  pkg.Now(),
		Metadata:   pkg.Metadata{Priority: pkg.PriorityUrgent},
		Cancel:     &pkg.CancelBody{Reason: reason},
	}
}

// HeartbeatStats are the counters reported with a heartbeat
type HeartbeatStats struct {
	Version           string
	RequestsProcessed int64
	Errors            int64
}

// BuildHeartbeat creates a liveness announcement
func BuildHeartbeat(workerType pkg.WorkerType, status string, uptime time.Duration, stats HeartbeatStats) *pkg.Envelope {
	return &pkg.Envelope{
		RequestID:  NewRequestID(),
		WorkerType: workerType,
		Action:     pkg.ActionHeartbeat,
		Timestamp:  pkg.Now(),
		Metadata:   pkg.Metadata{Priority: pkg.PriorityLow},
		Heartbeat: &pkg.HeartbeatBody{
			Status:            status,
			UptimeSeconds:     uptime.Seconds(),
			Version:           stats.Version,
			RequestsProcessed: stats.RequestsProcessed,
			Errors:            stats.Errors,
		},
	}
}

// BuildStreamingUpdate creates a progress notification; percent is clamped to 0..100
func BuildStreamingUpdate(sessionID string, workerType pkg.WorkerType, updateType, message string, percent int, data map[string]any) *pkg.Envelope {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	return &pkg.Envelope{
		SessionID:  sessionID,
		RequestID:  NewRequestID(),
		WorkerType: workerType,
		Action:     pkg.ActionStreamingUpdate,
		Timestamp:  pkg.Now(),
		Metadata:   pkg.Metadata{Priority: pkg.PriorityLow},
		Update: &pkg.StreamingBody{
			UpdateType:      updateType,
			Message:         message,
			ProgressPercent: percent,
			Data:            data,
		},
	}
}

// ValidateIncoming rejects a message that is incomplete, older than window
// or retried more than maxRetries times.
func ValidateIncoming(env *pkg.Envelope, now time.Time, window time.Duration, maxRetries int) error {
	if env.SessionID == "" || env.RequestID == "" {
		return ErrMissingIdentity
	}
	if window <= 0 {
		window = DefaultStalenessWindow
	}
	if maxRetries <= 0 {
		maxRetries = MaxRetryCount
	}
	if age := now.Sub(env.Timestamp); age > window {
		return fmt.Errorf("%w: age %s exceeds %s", ErrStaleMessage, age.Round(time.Second), window)
	}
	if env.Metadata.RetryCount > maxRetries {
		return fmt.Errorf("%w: %d > %d", ErrTooManyRetries, env.Metadata.RetryCount, maxRetries)
	}
	return nil
}

// ValidateResponse checks that resp answers req and is well formed
func ValidateResponse(resp, req *pkg.Envelope) error {
	if resp.SessionID != req.SessionID || resp.RequestID != req.RequestID {
		return ErrCorrelationMismatch
	}
	switch resp.Action {
	case pkg.ActionResponse:
		if resp.Response == nil {
			return errors.New("response envelope has no body")
		}
		if !resp.Response.Success && resp.Response.Error == "" {
			return errors.New("failed response carries no error message")
		}
	case pkg.ActionError:
		if resp.Failure == nil || resp.Failure.Message == "" {
			return errors.New("error envelope carries no message")
		}
	default:
		return fmt.Errorf("unexpected action %q in response", resp.Action)
	}
	return nil
}

// ResultOf reduces a validated response to its data or its error
func ResultOf(resp *pkg.Envelope) (map[string]any, error) {
	if resp.Action == pkg.ActionError {
		return nil, fmt.Errorf("%w: %s", ErrWorkerFailure, resp.Failure.Message)
	}
	if !resp.Response.Success {
		if resp.Response.ErrorCode == CodeWorkerTimeout {
			return nil, fmt.Errorf("%w: %s", ErrWorkerTimeout, resp.Response.Error)
		}
		return nil, fmt.Errorf("%w: %s", ErrWorkerFailure, resp.Response.Error)
	}
	return resp.Response.Data, nil
}
