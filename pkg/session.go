package pkg

import (
	"time"

	"github.com/cloudwego/eino/schema"
)

// WorkflowStatus is the orchestrator stage of a session
type WorkflowStatus string

const (
	StatusInitialized  WorkflowStatus = "initialized"
	StatusRouting      WorkflowStatus = "routing"
	StatusFetching     WorkflowStatus = "fetching"
	StatusValidating   WorkflowStatus = "validating"
	StatusSynthesizing WorkflowStatus = "synthesizing"
	StatusCompleted    WorkflowStatus = "completed"
	StatusFailed       WorkflowStatus = "failed"
	StatusPartial      WorkflowStatus = "partial"
)

// Terminal reports whether a round ended in this status
func (s WorkflowStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusPartial
}

// WorkerState is the per-worker status inside a round
type WorkerState string

const (
	WorkerPending    WorkerState = "pending"
	WorkerProcessing WorkerState = "processing"
	WorkerCompleted  WorkerState = "completed"
	WorkerFailed     WorkerState = "failed"
	WorkerTimeout    WorkerState = "timeout"
	WorkerSkipped    WorkerState = "skipped"
)

// Terminal reports whether collection is done with the worker
func (s WorkerState) Terminal() bool {
	return s == WorkerCompleted || s == WorkerFailed || s == WorkerTimeout
}

// WorkerStatus tracks one worker type within a session
type WorkerStatus struct {
	Status       WorkerState `json:"status"`
	RequestID    string      `json:"request_id,omitempty"`
	StartedAt    *time.Time  `json:"started_at,omitempty"`
	CompletedAt  *time.Time  `json:"completed_at,omitempty"`
	DurationMs   int64       `json:"duration_ms"`
	RetryCount   int         `json:"retry_count"`
	ErrorMessage string      `json:"error_message,omitempty"`
}

// ConversationMessage represents a message in conversation history
type ConversationMessage struct {
	Role      schema.RoleType `json:"role"` // user, assistant
	Content   string          `json:"content"`
	Timestamp time.Time       `json:"timestamp"`
}

// SessionState is the durable memory of one session
type SessionState struct {
	SessionID string    `json:"session_id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Params              TaskParams            `json:"params"`
	IsFollowUp          bool                  `json:"is_follow_up"`
	ConversationHistory []ConversationMessage `json:"conversation_history"`
	Classification      string                `json:"classification,omitempty"`
	Round               int                   `json:"round"`

	WorkersToExecute []WorkerType                  `json:"workers_to_execute"`
	WorkerStatus     map[WorkerType]WorkerStatus   `json:"worker_status"`
	Outputs          map[WorkerType]map[string]any `json:"outputs"`

	TotalWorkers   int `json:"total_workers"`
	CompletedCount int `json:"completed_count"`
	FailedCount    int `json:"failed_count"`

	Status   WorkflowStatus `json:"status"`
	Messages []string       `json:"messages"`
	Errors   []string       `json:"errors"`

	Summary   string         `json:"summary,omitempty"`
	Synthesis map[string]any `json:"synthesis,omitempty"`
}

// NewSessionState creates an empty state for sessionID
func NewSessionState(sessionID string, now time.Time) *SessionState {
	return &SessionState{
		SessionID:           sessionID,
		CreatedAt:           now,
		UpdatedAt:           now,
		ConversationHistory: []ConversationMessage{},
		WorkersToExecute:    []WorkerType{},
		WorkerStatus:        map[WorkerType]WorkerStatus{},
		Outputs:             map[WorkerType]map[string]any{},
		Status:              StatusInitialized,
		Messages:            []string{},
		Errors:              []string{},
	}
}

// AppendHistory adds one turn to the conversation log
func (s *SessionState) AppendHistory(role schema.RoleType, content string, at time.Time) {
	s.ConversationHistory = append(s.ConversationHistory, ConversationMessage{
		Role:      role,
		Content:   content,
		Timestamp: at,
	})
}

// AddMessage appends an informational entry
func (s *SessionState) AddMessage(msg string) {
	s.Messages = append(s.Messages, msg)
}

// AddError appends an error entry
func (s *SessionState) AddError(msg string) {
	s.Errors = append(s.Errors, msg)
}

// SetWorker stores the status of one worker type
func (s *SessionState) SetWorker(w WorkerType, st WorkerStatus) {
	if s.WorkerStatus == nil {
		s.WorkerStatus = map[WorkerType]WorkerStatus{}
	}
	s.WorkerStatus[w] = st
}

// Recount refreshes the counters from the current round's worker statuses.
// Timeouts count as failures.
func (s *SessionState) Recount() {
	s.TotalWorkers = len(s.WorkersToExecute)
	s.CompletedCount, s.FailedCount = 0, 0
	for _, w := range s.WorkersToExecute {
		switch s.WorkerStatus[w].Status {
		case WorkerCompleted:
			s.CompletedCount++
		case WorkerFailed, WorkerTimeout:
			s.FailedCount++
		}
	}
}

// CompletedWorkers lists worker types whose latest status is completed
func (s *SessionState) CompletedWorkers() []WorkerType {
	var out []WorkerType
	for _, w := range append(append([]WorkerType{}, PrimaryWorkers...), WorkerSynthesis) {
		if s.WorkerStatus[w].Status == WorkerCompleted {
			out = append(out, w)
		}
	}
	return out
}
