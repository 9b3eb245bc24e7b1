package queue

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/iamdevdhanush/Green/internal/protocol"
)

func sample(idle int) protocol.HeartbeatRequest {
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC).Add(time.Duration(idle) * time.Second)
	return protocol.HeartbeatRequest{IdleSeconds: idle, Timestamp: &ts}
}

func TestPushAndDrainKeepsOrder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.json")
	q, err := Open(path, 10)
	require.NoError(t, err)

	require.NoError(t, q.Push(sample(1)))
	require.NoError(t, q.Push(sample(2)))
	require.NoError(t, q.Push(sample(3)))
	require.Equal(t, 3, q.Len())

	items, err := q.Drain()
	require.NoError(t, err)
	require.Len(t, items, 3)
	for i, want := range []int{1, 2, 3} {
		require.Equal(t, want, items[i].IdleSeconds)
		require.NotNil(t, items[i].Timestamp)
	}

	require.Zero(t, q.Len())
	items, err = q.Drain()
	require.NoError(t, err)
	require.Nil(t, items)
}

func TestQueueSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.json")

	q, err := Open(path, 10)
	require.NoError(t, err)
	require.NoError(t, q.Push(sample(60)))
	require.NoError(t, q.Push(sample(120)))

	reopened, err := Open(path, 10)
	require.NoError(t, err)
	require.Equal(t, 2, reopened.Len())

	items, err := reopened.Drain()
	require.NoError(t, err)
	require.Equal(t, 60, items[0].IdleSeconds)
	require.Equal(t, 120, items[1].IdleSeconds)

	// The drain was persisted too.
	again, err := Open(path, 10)
	require.NoError(t, err)
	require.Zero(t, again.Len())
}

func TestPushDropsOldestAtCapacity(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.json")
	q, err := Open(path, 3)
	require.NoError(t, err)

	for i := 1; i <= 5; i++ {
		require.NoError(t, q.Push(sample(i)))
	}
	require.Equal(t, 3, q.Len())

	items, err := q.Drain()
	require.NoError(t, err)
	require.Len(t, items, 3)
	for i, want := range []int{3, 4, 5} {
		require.Equal(t, want, items[i].IdleSeconds)
	}
}

func TestOpenTruncatesOversizeFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.json")

	q, err := Open(path, 10)
	require.NoError(t, err)
	for i := 1; i <= 6; i++ {
		require.NoError(t, q.Push(sample(i)))
	}

	// Reopening with a smaller cap keeps only the newest entries.
	small, err := Open(path, 2)
	require.NoError(t, err)
	require.Equal(t, 2, small.Len())

	items, err := small.Drain()
	require.NoError(t, err)
	require.Equal(t, 5, items[0].IdleSeconds)
	require.Equal(t, 6, items[1].IdleSeconds)
}

func TestOpenDiscardsCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.json")
	require.NoError(t, os.WriteFile(path, []byte("{definitely not json"), 0o600))

	q, err := Open(path, 10)
	require.NoError(t, err)
	require.Zero(t, q.Len())
}

func TestOpenRejectsNonPositiveMax(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "queue.json"), 0)
	require.Error(t, err)
}

func TestDrainRestoresItemsWhenSaveFails(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "queue.json")

	q, err := Open(path, 10)
	require.NoError(t, err)
	require.NoError(t, q.Push(sample(60)))

	// Make the queue path un-replaceable: rename onto a non-empty directory
	// fails, so save fails and the drained items must be restored.
	require.NoError(t, os.Remove(path))
	require.NoError(t, os.MkdirAll(filepath.Join(path, "block"), 0o750))

	items, err := q.Drain()
	require.Error(t, err)
	require.Nil(t, items)
	require.Equal(t, 1, q.Len())
}
