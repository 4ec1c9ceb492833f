package core

import (
	"context"
	"errors"
	"time"

	"tripmesh/internal/storage"
	"tripmesh/internal/transport"
	"tripmesh/pkg"
	"tripmesh/src/conversation"
	"tripmesh/src/model"
)

var (
	// ErrSessionBusy rejects a submission while the session has a round in flight
	ErrSessionBusy = errors.New("session has a round in flight")
	// ErrSessionNotFound is returned when no state exists for a session id
	ErrSessionNotFound = errors.New("session not found")
	// ErrEmptySubmission rejects a submission with neither query nor parameters
	ErrEmptySubmission = errors.New("submission has no query and no parameters")
)

// Bus is the slice of the transport client the engine needs
type Bus interface {
	Publish(ctx context.Context, channel string, env *pkg.Envelope) (int64, error)
	Subscribe(ctx context.Context, channel string, handler transport.Handler, onError transport.ErrorHandler) (string, error)
	Unsubscribe(id string)
	CallAndWait(ctx context.Context, requestChannel, responseChannel string, req *pkg.Envelope, timeout time.Duration) (*pkg.Envelope, error)
}

// StateStore persists session state with a TTL. Operations are best effort.
type StateStore interface {
	SetState(ctx context.Context, sessionID string, state *pkg.SessionState, ttl time.Duration) bool
	GetState(ctx context.Context, sessionID string) *pkg.SessionState
	DeleteState(ctx context.Context, sessionID string) bool
	ExtendTTL(ctx context.Context, sessionID string, ttl time.Duration) bool
	TTL(ctx context.Context, sessionID string) time.Duration
}

// Classifier relates a follow-up input to the prior session
type Classifier interface {
	Classify(ctx context.Context, input, priorContext string) (conversation.Classification, error)
}

// Summarizer writes the narrative of a finished round
type Summarizer interface {
	Summarize(ctx context.Context, data map[string]any, instructions string) (string, error)
}

// Archive keeps finalized rounds after the session state expires
type Archive interface {
	Save(entry model.ArchiveEntry) error
}

// Config tunes the workflow engine
type Config struct {
	CriticalWorkers   []pkg.WorkerType
	WorkerTimeouts    map[pkg.WorkerType]time.Duration
	CollectGrace      time.Duration
	ActiveTTL         time.Duration
	CompletedTTL      time.Duration
	ClassifierTimeout time.Duration
	SummaryTimeout    time.Duration
}

// DefaultConfig returns the engine defaults
func DefaultConfig() Config {
	return Config{
		CriticalWorkers: []pkg.WorkerType{pkg.WorkerForecast, pkg.WorkerRouting},
		WorkerTimeouts: map[pkg.WorkerType]time.Duration{
			pkg.WorkerForecast:  10 * time.Second,
			pkg.WorkerRouting:   12 * time.Second,
			pkg.WorkerCost:      8 * time.Second,
			pkg.WorkerPlan:      15 * time.Second,
			pkg.WorkerSynthesis: 20 * time.Second,
		},
		CollectGrace:      2 * time.Second,
		ActiveTTL:         storage.ActiveTTL,
		CompletedTTL:      storage.CompletedTTL,
		ClassifierTimeout: 10 * time.Second,
		SummaryTimeout:    15 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.CriticalWorkers == nil {
		c.CriticalWorkers = d.CriticalWorkers
	}
	if c.WorkerTimeouts == nil {
		c.WorkerTimeouts = map[pkg.WorkerType]time.Duration{}
	}
	if c.CollectGrace <= 0 {
		c.CollectGrace = d.CollectGrace
	}
	if c.ActiveTTL <= 0 {
		c.ActiveTTL = d.ActiveTTL
	}
	if c.CompletedTTL <= 0 {
		c.CompletedTTL = d.CompletedTTL
	}
	if c.ClassifierTimeout <= 0 {
		c.ClassifierTimeout = d.ClassifierTimeout
	}
	if c.SummaryTimeout <= 0 {
		c.SummaryTimeout = d.SummaryTimeout
	}
	return c
}

// timeout returns the configured timeout of w, falling back to the defaults
func (c Config) timeout(w pkg.WorkerType) time.Duration {
	if t, ok := c.WorkerTimeouts[w]; ok && t > 0 {
		return t
	}
	if t, ok := DefaultConfig().WorkerTimeouts[w]; ok {
		return t
	}
	return 30 * time.Second
}

// Submission is one input for a session. An empty SessionID starts a new
// session. Params, when set, are explicit task parameters for the round.
type Submission struct {
	SessionID string          `json:"session_id,omitempty"`
	Query     string          `json:"query"`
	Params    *pkg.TaskParams `json:"params,omitempty"`
}

// Receipt acknowledges an asynchronous submission
type Receipt struct {
	SessionID string             `json:"session_id"`
	Status    pkg.WorkflowStatus `json:"status"`
}

// StatusReport is the progress view of a session
type StatusReport struct {
	SessionID        string                              `json:"session_id"`
	Status           pkg.WorkflowStatus                  `json:"status"`
	Round            int                                 `json:"round"`
	Classification   string                              `json:"classification,omitempty"`
	WorkersToExecute []pkg.WorkerType                    `json:"workers_to_execute"`
	Workers          map[pkg.WorkerType]pkg.WorkerStatus `json:"workers"`
	TotalWorkers     int                                 `json:"total_workers"`
	CompletedCount   int                                 `json:"completed_count"`
	FailedCount      int                                 `json:"failed_count"`
	UpdatedAt        time.Time                           `json:"updated_at"`
	ExpiresInSeconds int64                               `json:"expires_in_seconds"`
	Stats            storage.SessionStats                `json:"stats"`
}

// Result is the outcome view of a session
type Result struct {
	SessionID string                            `json:"session_id"`
	Status    pkg.WorkflowStatus                `json:"status"`
	Terminal  bool                              `json:"terminal"`
	Summary   string                            `json:"summary,omitempty"`
	Synthesis map[string]any                    `json:"synthesis,omitempty"`
	Outputs   map[pkg.WorkerType]map[string]any `json:"outputs"`
	Messages  []string                          `json:"messages"`
	Errors    []string                          `json:"errors"`
}

func statusReport(s *pkg.SessionState, ttl time.Duration) *StatusReport {
	return &StatusReport{
		SessionID:        s.SessionID,
		Status:           s.Status,
		Round:            s.Round,
		Classification:   s.Classification,
		WorkersToExecute: s.WorkersToExecute,
		Workers:          s.WorkerStatus,
		TotalWorkers:     s.TotalWorkers,
		CompletedCount:   s.CompletedCount,
		FailedCount:      s.FailedCount,
		UpdatedAt:        s.UpdatedAt,
		ExpiresInSeconds: int64(ttl.Seconds()),
		Stats:            storage.GetSessionStats(s),
	}
}

func resultOf(s *pkg.SessionState) *Result {
	return &Result{
		SessionID: s.SessionID,
		Status:    s.Status,
		Terminal:  s.Status.Terminal(),
		Summary:   s.Summary,
		Synthesis: s.Synthesis,
		Outputs:   s.Outputs,
		Messages:  s.Messages,
		Errors:    s.Errors,
	}
}
