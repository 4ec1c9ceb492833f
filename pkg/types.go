package pkg

import (
	"fmt"
	"time"
)

// Bus Core Types shared by the orchestrator and every worker process

// WorkerType identifies a category of domain handler on the bus
type WorkerType string

const (
	WorkerForecast     WorkerType = "forecast"
	WorkerRouting      WorkerType = "routing"
	WorkerCost         WorkerType = "cost"
	WorkerPlan         WorkerType = "plan"
	WorkerSynthesis    WorkerType = "synthesis"
	WorkerOrchestrator WorkerType = "orchestrator"
)

// PrimaryWorkers are dispatched together for a full task
var PrimaryWorkers = []WorkerType{WorkerForecast, WorkerRouting, WorkerCost, WorkerPlan}

// Valid reports whether w is one of the known worker types
func (w WorkerType) Valid() bool {
	switch w {
	case WorkerForecast, WorkerRouting, WorkerCost, WorkerPlan, WorkerSynthesis, WorkerOrchestrator:
		return true
	}
	return false
}

// ParseWorkerType converts a string into a WorkerType
func ParseWorkerType(s string) (WorkerType, error) {
	w := WorkerType(s)
	if !w.Valid() {
		return "", fmt.Errorf("unknown worker type %q", s)
	}
	return w, nil
}

// Action is the kind of message carried by an Envelope
type Action string

const (
	ActionRequest         Action = "request"
	ActionResponse        Action = "response"
	ActionError           Action = "error"
	ActionCancel          Action = "cancel"
	ActionHeartbeat       Action = "heartbeat"
	ActionStreamingUpdate Action = "streaming_update"
)

// Priority of a request
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Metadata travels with every envelope
type Metadata struct {
	TimeoutMs       int64    `json:"timeout_ms"`
	RetryCount      int      `json:"retry_count"`
	Priority        Priority `json:"priority"`
	CorrelationID   string   `json:"correlation_id,omitempty"`
	ParentRequestID string   `json:"parent_request_id,omitempty"`
}

// Timeout returns TimeoutMs as a duration
func (m Metadata) Timeout() time.Duration {
	return time.Duration(m.TimeoutMs) * time.Millisecond
}

// Envelope is the unit of communication on the bus.
// Exactly one of the action bodies is set, matching Action.
type Envelope struct {
	SessionID  string         `json:"session_id"`
	RequestID  string         `json:"request_id"`
	WorkerType WorkerType     `json:"worker_type"`
	Action     Action         `json:"action"`
	Timestamp  time.Time      `json:"timestamp"`
	Payload    map[string]any `json:"payload,omitempty"`
	Metadata   Metadata       `json:"metadata"`

	Response  *ResponseBody  `json:"response,omitempty"`
	Failure   *ErrorBody     `json:"failure,omitempty"`
	Cancel    *CancelBody    `json:"cancel,omitempty"`
	Heartbeat *HeartbeatBody `json:"heartbeat,omitempty"`
	Update    *StreamingBody `json:"update,omitempty"`
}

// ResponseBody is the result of one request
type ResponseBody struct {
	Success          bool           `json:"success"`
	Data             map[string]any `json:"data,omitempty"`
	Error            string         `json:"error,omitempty"`
	ErrorCode        string         `json:"error_code,omitempty"`
	ProcessingTimeMs int64          `json:"processing_time_ms"`
}

// ErrorBody describes a protocol-level error
type ErrorBody struct {
	Code         string         `json:"code"`
	Message      string         `json:"message"`
	Details      map[string]any `json:"details,omitempty"`
	Recoverable  bool           `json:"recoverable"`
	RetryAfterMs int64          `json:"retry_after_ms,omitempty"`
}

// CancelBody asks workers to drop work for a session
type CancelBody struct {
	Reason string `json:"reason"`
}

// HeartbeatBody announces worker liveness
type HeartbeatBody struct {
	Status            string  `json:"status"`
	UptimeSeconds     float64 `json:"uptime_seconds"`
	Version           string  `json:"version,omitempty"`
	RequestsProcessed int64   `json:"requests_processed"`
	Errors            int64   `json:"errors"`
}

// StreamingBody is a best-effort progress notification
type StreamingBody struct {
	UpdateType      string         `json:"update_type"`
	Message         string         `json:"message"`
	ProgressPercent int            `json:"progress_percent"`
	Data            map[string]any `json:"data,omitempty"`
}

// Now returns the current time in UTC without a monotonic reading,
// so values survive a serialization round trip unchanged.
func Now() time.Time {
	return time.Now().UTC()
}
