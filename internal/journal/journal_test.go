package journal

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRun(id string, kind Kind, started time.Time, err error) *Run {
	r := &Run{ID: id, Kind: kind, StartedAt: started, Duration: 1500 * time.Millisecond}
	r.SetError(err)
	return r
}

func TestOpen_Memory(t *testing.T) {
	j, err := Open()
	require.NoError(t, err)
	defer j.Close()

	assert.Equal(t, memoryPath, j.Path())
}

func TestOpen_File_CreatesParent(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "nested", "journal.db")

	j, err := Open(WithPath(dbPath))
	require.NoError(t, err)
	defer j.Close()

	assert.DirExists(t, filepath.Dir(dbPath))
	assert.FileExists(t, dbPath)
}

func TestJournal_RecordAndRecent(t *testing.T) {
	j, err := Open()
	require.NoError(t, err)
	defer j.Close()

	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, j.Record(t.Context(), newRun("a", KindInitial, base, nil)))
	require.NoError(t, j.Record(t.Context(), newRun("b", KindPush, base.Add(time.Minute), nil)))
	require.NoError(t, j.Record(t.Context(), newRun("c", KindCross, base.Add(2*time.Minute), errors.New("exit status 5"))))

	runs, err := j.Recent(t.Context(), 2)
	require.NoError(t, err)
	require.Len(t, runs, 2)

	assert.Equal(t, "c", runs[0].ID)
	assert.Equal(t, KindCross, runs[0].Kind)
	assert.True(t, runs[0].Failed())
	assert.Equal(t, "exit status 5", runs[0].Error)
	assert.True(t, base.Add(2*time.Minute).Equal(runs[0].StartedAt))
	assert.Equal(t, 1500*time.Millisecond, runs[0].Duration)

	assert.Equal(t, "b", runs[1].ID)
	assert.Equal(t, StatusOK, runs[1].Status)
	assert.Empty(t, runs[1].Error)
}

func TestJournal_Summary(t *testing.T) {
	j, err := Open()
	require.NoError(t, err)
	defer j.Close()

	s, err := j.Summary(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 0, s.Runs)
	assert.Equal(t, 0, s.Failures)

	now := time.Now()
	require.NoError(t, j.Record(t.Context(), newRun("a", KindPull, now, nil)))
	require.NoError(t, j.Record(t.Context(), newRun("b", KindPull, now, errors.New("boom"))))

	s, err = j.Summary(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 2, s.Runs)
	assert.Equal(t, 1, s.Failures)
}

func TestJournal_PersistsAcrossReopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "journal.db")

	j, err := Open(WithPath(dbPath))
	require.NoError(t, err)
	require.NoError(t, j.Record(t.Context(), newRun("a", KindInitial, time.Now(), nil)))
	require.NoError(t, j.Close())

	j, err = Open(WithPath(dbPath))
	require.NoError(t, err)
	defer j.Close()

	runs, err := j.Recent(t.Context(), 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, KindInitial, runs[0].Kind)
}

func TestJournal_Closed(t *testing.T) {
	j, err := Open()
	require.NoError(t, err)
	require.NoError(t, j.Close())

	assert.ErrorIs(t, j.Close(), ErrNotOpen)
	assert.ErrorIs(t, j.Record(t.Context(), newRun("a", KindPush, time.Now(), nil)), ErrNotOpen)
	_, err = j.Recent(t.Context(), 1)
	assert.ErrorIs(t, err, ErrNotOpen)
}

func TestRun_SetError(t *testing.T) {
	r := &Run{}
	r.SetError(errors.New("failed"))
	assert.True(t, r.Failed())
	assert.Equal(t, "failed", r.Error)

	r.SetError(nil)
	assert.False(t, r.Failed())
	assert.Empty(t, r.Error)
}
