package model

import "time"

// ArchiveEntry is one finalized round kept in the JSON archive
type ArchiveEntry struct {
	SessionID string         `json:"session_id"`
	Round     int            `json:"round"`
	Timestamp time.Time      `json:"timestamp"`
	Query     string         `json:"query"`
	Status    string         `json:"status"`
	Workers   []string       `json:"workers"`
	Summary   string         `json:"summary"`
	Outputs   map[string]any `json:"outputs,omitempty"`
}

// ArchiveConfig enables the per-session round archive
type ArchiveConfig struct {
	Dir string `envconfig:"ARCHIVE_DIR"`
}
