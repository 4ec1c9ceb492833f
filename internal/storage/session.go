package storage

import (
	"fmt"

	"tripmesh/pkg"
)

// SessionStats summarizes a session for status output
type SessionStats struct {
	SessionID      string             `json:"session_id"`
	Status         pkg.WorkflowStatus `json:"status"`
	Round          int                `json:"round"`
	HistoryLength  int                `json:"history_length"`
	CompletedCount int                `json:"completed_count"`
	FailedCount    int                `json:"failed_count"`
	TotalWorkers   int                `json:"total_workers"`
	ErrorCount     int                `json:"error_count"`
	IsFollowUp     bool               `json:"is_follow_up"`
}

// GetSessionStats returns statistics about a session
func GetSessionStats(state *pkg.SessionState) SessionStats {
	return SessionStats{
		SessionID:      state.SessionID,
		Status:         state.Status,
		Round:          state.Round,
		HistoryLength:  len(state.ConversationHistory),
		CompletedCount: state.CompletedCount,
		FailedCount:    state.FailedCount,
		TotalWorkers:   state.TotalWorkers,
		ErrorCount:     len(state.Errors),
		IsFollowUp:     state.IsFollowUp,
	}
}

// ValidateSession checks the structural invariants of a loaded state
func ValidateSession(state *pkg.SessionState) error {
	if state == nil {
		return fmt.Errorf("session is nil")
	}
	if state.SessionID == "" {
		return fmt.Errorf("session ID is required")
	}
	if state.CreatedAt.IsZero() {
		return fmt.Errorf("created at timestamp is required")
	}
	if state.UpdatedAt.Before(state.CreatedAt) {
		return fmt.Errorf("updated at is before created at")
	}
	for _, w := range state.WorkersToExecute {
		if !w.Valid() {
			return fmt.Errorf("unknown worker type %q", w)
		}
	}
	if state.CompletedCount+state.FailedCount > state.TotalWorkers {
		return fmt.Errorf("counters exceed total workers")
	}
	return nil
}

// Normalize fills nil collections of a state decoded from storage so
// callers can append and index without checks.
func Normalize(state *pkg.SessionState) {
	if state.ConversationHistory == nil {
		state.ConversationHistory = []pkg.ConversationMessage{}
	}
	if state.WorkersToExecute == nil {
		state.WorkersToExecute = []pkg.WorkerType{}
	}
	if state.WorkerStatus == nil {
		state.WorkerStatus = map[pkg.WorkerType]pkg.WorkerStatus{}
	}
	if state.Outputs == nil {
		state.Outputs = map[pkg.WorkerType]map[string]any{}
	}
	if state.Messages == nil {
		state.Messages = []string{}
	}
	if state.Errors == nil {
		state.Errors = []string{}
	}
}
