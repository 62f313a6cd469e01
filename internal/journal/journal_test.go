package journal

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestJournal(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(filepath.Join(t.TempDir(), "journal.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	return j
}

type fakeCloser struct {
	closed []string
	fail   map[string]bool
}

func (f *fakeCloser) CloseSession(_ context.Context, sessionID string, _ time.Time, _ []string) error {
	if f.fail[sessionID] {
		return errors.New("store unavailable")
	}
	f.closed = append(f.closed, sessionID)
	return nil
}

func TestOpen(t *testing.T) {
	t.Run("creates parent directories", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "state", "nested", "journal.db")
		j, err := Open(path, nil)
		require.NoError(t, err)
		defer j.Close()

		require.NoError(t, j.RecordOpen(context.Background(), "cam1_1", "cam1", time.Now()))
	})

	t.Run("rejects empty path", func(t *testing.T) {
		_, err := Open("", nil)
		require.Error(t, err)
	})
}

func TestRecordLifecycle(t *testing.T) {
	j := openTestJournal(t)
	ctx := context.Background()

	openedAt := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, j.RecordOpen(ctx, "cam1_1700000000", "cam1", openedAt))

	recs, err := j.Dangling(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "cam1_1700000000", recs[0].SessionID)
	assert.Equal(t, "cam1", recs[0].DeviceID)
	assert.True(t, recs[0].OpenedAt.Equal(openedAt))

	require.NoError(t, j.RecordClosed(ctx, "cam1_1700000000"))

	recs, err = j.Dangling(ctx)
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestRecordOpenTwiceUpserts(t *testing.T) {
	j := openTestJournal(t)
	ctx := context.Background()

	require.NoError(t, j.RecordOpen(ctx, "cam1_1", "cam1", time.Now()))
	require.NoError(t, j.RecordOpen(ctx, "cam1_1", "cam1", time.Now().Add(time.Minute)))

	recs, err := j.Dangling(ctx)
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}

func TestRecordClosedUnknownID(t *testing.T) {
	j := openTestJournal(t)
	assert.NoError(t, j.RecordClosed(context.Background(), "never-opened"))
}

func TestSweepDangling(t *testing.T) {
	t.Run("closes and removes journaled sessions", func(t *testing.T) {
		j := openTestJournal(t)
		ctx := context.Background()

		require.NoError(t, j.RecordOpen(ctx, "cam1_1", "cam1", time.Now().Add(-time.Hour)))
		require.NoError(t, j.RecordOpen(ctx, "cam1_2", "cam1", time.Now().Add(-time.Minute)))

		closer := &fakeCloser{}
		closed, err := j.SweepDangling(ctx, closer)
		require.NoError(t, err)
		assert.Equal(t, 2, closed)
		assert.Equal(t, []string{"cam1_1", "cam1_2"}, closer.closed, "oldest first")

		recs, err := j.Dangling(ctx)
		require.NoError(t, err)
		assert.Empty(t, recs)
	})

	t.Run("keeps entries the store refused", func(t *testing.T) {
		j := openTestJournal(t)
		ctx := context.Background()

		require.NoError(t, j.RecordOpen(ctx, "cam1_ok", "cam1", time.Now().Add(-2*time.Hour)))
		require.NoError(t, j.RecordOpen(ctx, "cam1_bad", "cam1", time.Now().Add(-time.Hour)))

		closer := &fakeCloser{fail: map[string]bool{"cam1_bad": true}}
		closed, err := j.SweepDangling(ctx, closer)
		require.NoError(t, err)
		assert.Equal(t, 1, closed)

		recs, err := j.Dangling(ctx)
		require.NoError(t, err)
		require.Len(t, recs, 1)
		assert.Equal(t, "cam1_bad", recs[0].SessionID)
	})

	t.Run("empty journal is a no-op", func(t *testing.T) {
		j := openTestJournal(t)
		closer := &fakeCloser{}
		closed, err := j.SweepDangling(context.Background(), closer)
		require.NoError(t, err)
		assert.Zero(t, closed)
		assert.Empty(t, closer.closed)
	})
}
