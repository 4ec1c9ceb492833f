package storage

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tripmesh/pkg"
)

func TestArchiveSaveAndLoad(t *testing.T) {
	dir := t.TempDir()
	archive := NewJSONArchive(filepath.Join(dir, "rounds"))

	entries, err := archive.Load("session_1")
	require.NoError(t, err)
	assert.Empty(t, entries)

	state := pkg.NewSessionState("session_1", pkg.Now())
	state.Round = 1
	state.Params.Query = "Weekend in Paris"
	state.WorkersToExecute = []pkg.WorkerType{pkg.WorkerForecast}
	state.Outputs[pkg.WorkerForecast] = map[string]any{"days": 2.0}
	state.Status = pkg.StatusCompleted
	state.Summary = "done"

	require.NoError(t, archive.Save(NewArchiveEntry(state)))
	state.Round = 2
	require.NoError(t, archive.Save(NewArchiveEntry(state)))

	entries, err = archive.Load("session_1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, 1, entries[0].Round)
	assert.Equal(t, "Weekend in Paris", entries[1].Query)
	assert.Equal(t, []string{"forecast"}, entries[1].Workers)
	assert.Equal(t, "completed", entries[1].Status)
}

func TestArchiveCleanup(t *testing.T) {
	archive := NewJSONArchive(t.TempDir())

	old := pkg.NewSessionState("s", pkg.Now().Add(-48*time.Hour))
	recent := pkg.NewSessionState("s", pkg.Now())
	require.NoError(t, archive.Save(NewArchiveEntry(old)))
	require.NoError(t, archive.Save(NewArchiveEntry(recent)))

	require.NoError(t, archive.Cleanup("s", 24*time.Hour))

	entries, err := archive.Load("s")
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestArchiveRecoversFromCorruptFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "s.json"), []byte("{"), 0644))
	archive := NewJSONArchive(dir)

	_, err := archive.Load("s")
	assert.Error(t, err)

	require.NoError(t, archive.Save(NewArchiveEntry(pkg.NewSessionState("s", pkg.Now()))))
	entries, err := archive.Load("s")
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}
