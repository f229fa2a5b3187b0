package queue_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/reedbase/reedbase/internal/fs"
	"github.com/reedbase/reedbase/internal/queue"
)

func TestEnqueue_PeekNext_Remove(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	q, err := queue.Open(fs.NewReal(), dir)
	require.NoError(t, err)

	id, err := q.Enqueue(queue.PendingWrite{
		Operation:          queue.OpInsert,
		Rows:               []queue.Row{{Key: "alice", Fields: []string{"alice", "alice@x"}}},
		SubmitterTimestamp: 100,
		User:               "alice",
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	next, ok, err := q.PeekNext()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, id, next.UUID)
	require.Equal(t, queue.OpInsert, next.Operation)

	require.NoError(t, q.Remove(id))

	_, ok, err = q.PeekNext()
	require.NoError(t, err)
	require.False(t, ok)
}

func TestEnqueue_101st_ReturnsErrQueueFull(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	q, err := queue.Open(fs.NewReal(), dir)
	require.NoError(t, err)

	for i := 0; i < queue.MaxSize; i++ {
		_, err := q.Enqueue(queue.PendingWrite{
			Operation: queue.OpInsert,
			Rows:      []queue.Row{{Key: rowKey(i), Fields: []string{"v"}}},
		})
		require.NoError(t, err)
	}

	n, err := q.Len()
	require.NoError(t, err)
	require.Equal(t, queue.MaxSize, n)

	_, err = q.Enqueue(queue.PendingWrite{Operation: queue.OpInsert, Rows: []queue.Row{{Key: "overflow", Fields: []string{"v"}}}})
	require.ErrorIs(t, err, queue.ErrQueueFull)

	// The first 100 remain on disk.
	n, err = q.Len()
	require.NoError(t, err)
	require.Equal(t, queue.MaxSize, n)
}

func TestAll_ReturnsFIFOOrder(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	q, err := queue.Open(fs.NewReal(), dir)
	require.NoError(t, err)

	var ids []string

	for i := 0; i < 5; i++ {
		id, err := q.Enqueue(queue.PendingWrite{Operation: queue.OpInsert, Rows: []queue.Row{{Key: rowKey(i), Fields: []string{"v"}}}})
		require.NoError(t, err)

		ids = append(ids, id)

		time.Sleep(2 * time.Millisecond) // ensure distinct, ordered creation times
	}

	all, err := q.All()
	require.NoError(t, err)
	require.Len(t, all, 5)

	for i, pw := range all {
		require.Equal(t, ids[i], pw.UUID)
	}
}

func TestPendingWrite_TouchedKeys(t *testing.T) {
	t.Parallel()

	pw := queue.PendingWrite{
		Rows:       []queue.Row{{Key: "a", Fields: []string{"1"}}},
		DeleteKeys: []string{"b"},
	}

	keys := pw.TouchedKeys()
	require.True(t, keys["a"])
	require.True(t, keys["b"])
	require.Len(t, keys, 2)
}

func rowKey(i int) string {
	return string(rune('a' + i%26))
}
