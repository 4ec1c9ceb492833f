package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/rs/zerolog"

	"tripmesh/pkg"
	"tripmesh/src/logger"
	"tripmesh/src/model"
)

// Archive keeps finalized rounds after their Redis state expires
type Archive interface {
	Load(sessionID string) ([]model.ArchiveEntry, error)
	Save(entry model.ArchiveEntry) error
	Cleanup(sessionID string, maxAge time.Duration) error
}

// JSONArchive writes one JSON file per session under baseDir
type JSONArchive struct {
	baseDir string
	mu      sync.Mutex
	log     zerolog.Logger
}

// NewJSONArchive creates a file-based archive
func NewJSONArchive(baseDir string) *JSONArchive {
	return &JSONArchive{
		baseDir: baseDir,
		log:     logger.Component("archive"),
	}
}

func (j *JSONArchive) path(sessionID string) string {
	return filepath.Join(j.baseDir, fmt.Sprintf("%s.json", sessionID))
}

// Load returns every archived round of a session, oldest first
func (j *JSONArchive) Load(sessionID string) ([]model.ArchiveEntry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.load(sessionID)
}

func (j *JSONArchive) load(sessionID string) ([]model.ArchiveEntry, error) {
	data, err := os.ReadFile(j.path(sessionID))
	if os.IsNotExist(err) {
		return []model.ArchiveEntry{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read archive file: %w", err)
	}

	var entries []model.ArchiveEntry
	if err := sonic.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("failed to parse archive file: %w", err)
	}
	return entries, nil
}

// Save appends one round to the session archive
func (j *JSONArchive) Save(entry model.ArchiveEntry) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if err := os.MkdirAll(j.baseDir, 0755); err != nil {
		return fmt.Errorf("failed to create archive directory: %w", err)
	}

	entries, err := j.load(entry.SessionID)
	if err != nil {
		j.log.Warn().Err(err).Str("session_id", entry.SessionID).Msg("Failed to load archive, starting fresh")
		entries = []model.ArchiveEntry{}
	}
	entries = append(entries, entry)
	return j.write(entry.SessionID, entries)
}

// Cleanup drops rounds older than maxAge
func (j *JSONArchive) Cleanup(sessionID string, maxAge time.Duration) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	entries, err := j.load(sessionID)
	if err != nil {
		return err
	}
	cutoff := time.Now().Add(-maxAge)
	kept := entries[:0]
	for _, e := range entries {
		if e.Timestamp.After(cutoff) {
			kept = append(kept, e)
		}
	}
	if len(kept) == len(entries) {
		return nil
	}
	return j.write(sessionID, kept)
}

func (j *JSONArchive) write(sessionID string, entries []model.ArchiveEntry) error {
	data, err := sonic.ConfigStd.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal archive: %w", err)
	}
	if err := os.WriteFile(j.path(sessionID), data, 0644); err != nil {
		return fmt.Errorf("failed to write archive file: %w", err)
	}
	return nil
}

// NewArchiveEntry captures the finalized round of state
func NewArchiveEntry(state *pkg.SessionState) model.ArchiveEntry {
	workers := make([]string, 0, len(state.WorkersToExecute))
	for _, w := range state.WorkersToExecute {
		workers = append(workers, string(w))
	}
	outputs := make(map[string]any, len(state.Outputs))
	for w, out := range state.Outputs {
		outputs[string(w)] = out
	}
	return model.ArchiveEntry{
		SessionID: state.SessionID,
		Round:     state.Round,
		Timestamp: state.UpdatedAt,
		Query:     state.Params.Query,
		Status:    string(state.Status),
		Workers:   workers,
		Summary:   state.Summary,
		Outputs:   outputs,
	}
}
