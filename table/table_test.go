package table_test

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/reedbase/reedbase/internal/clock"
	"github.com/reedbase/reedbase/internal/fs"
	"github.com/reedbase/reedbase/table"
)

func TestOpen_RequiresDir(t *testing.T) {
	t.Parallel()

	_, err := table.Open(table.Config{})
	require.ErrorIs(t, err, table.ErrInvalidConfig)
}

func TestInsert_SingleWriter(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	tbl, err := table.Open(table.DefaultConfig(dir))
	require.NoError(t, err)

	ts, err := tbl.Insert([]table.Row{{Key: "alice", Fields: []string{"alice@x", "admin"}}}, "root", "")
	require.NoError(t, err)
	require.NotZero(t, ts)

	rows, err := tbl.ReadCurrent()
	require.NoError(t, err)
	require.Equal(t, []table.Row{{Key: "alice", Fields: []string{"alice@x", "admin"}}}, rows)

	versions, err := tbl.ListVersions()
	require.NoError(t, err)
	require.Len(t, versions, 1)
	require.Equal(t, "create", versions[0].Action)
	require.Equal(t, uint64(1), versions[0].RowCount)
	require.True(t, versions[0].BaseTS == versions[0].Timestamp, "first commit is its own base")
}

func TestInsert_DuplicateKey_Fails(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	tbl, err := table.Open(table.DefaultConfig(dir))
	require.NoError(t, err)

	_, err = tbl.Insert([]table.Row{{Key: "alice", Fields: []string{"1"}}}, "root", "")
	require.NoError(t, err)

	_, err = tbl.Insert([]table.Row{{Key: "alice", Fields: []string{"2"}}}, "root", "")
	require.ErrorIs(t, err, table.ErrDuplicateKey)
}

func TestUpdateThenDelete(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	tbl, err := table.Open(table.DefaultConfig(dir))
	require.NoError(t, err)

	_, err = tbl.Insert([]table.Row{{Key: "a", Fields: []string{"1"}}}, "root", "")
	require.NoError(t, err)

	_, err = tbl.Update([]table.Row{{Key: "a", Fields: []string{"2"}}}, "root", "")
	require.NoError(t, err)

	rows, err := tbl.ReadCurrent()
	require.NoError(t, err)
	require.Equal(t, []table.Row{{Key: "a", Fields: []string{"2"}}}, rows)

	_, err = tbl.Delete([]string{"a"}, "root", "")
	require.NoError(t, err)

	rows, err = tbl.ReadCurrent()
	require.NoError(t, err)
	require.Empty(t, rows)
}

func TestRollback_RestoresOlderVersion_HistoryPreserved(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	frozen := int64(10)
	tbl, err := table.Open(withClock(dir, func() time.Time { return time.Unix(frozen, 0) }))
	require.NoError(t, err)

	ts10, err := tbl.Insert([]table.Row{{Key: "a", Fields: []string{"v10"}}}, "root", "")
	require.NoError(t, err)
	require.Equal(t, uint64(10), ts10)

	frozen = 20
	ts20, err := tbl.Update([]table.Row{{Key: "a", Fields: []string{"v20"}}}, "root", "")
	require.NoError(t, err)
	require.Equal(t, uint64(20), ts20)

	frozen = 30
	_, err = tbl.Update([]table.Row{{Key: "a", Fields: []string{"v30"}}}, "root", "")
	require.NoError(t, err)

	frozen = 40
	_, err = tbl.Update([]table.Row{{Key: "a", Fields: []string{"v40"}}}, "root", "")
	require.NoError(t, err)

	frozen = 50
	rollbackTS, err := tbl.Rollback(20, "root")
	require.NoError(t, err)
	require.Equal(t, uint64(50), rollbackTS)

	rows, err := tbl.ReadCurrent()
	require.NoError(t, err)
	require.Equal(t, []table.Row{{Key: "a", Fields: []string{"v20"}}}, rows)

	versions, err := tbl.ListVersions()
	require.NoError(t, err)
	require.Len(t, versions, 5)
	require.Equal(t, "rollback", versions[4].Action)
	require.Equal(t, uint64(20), versions[4].BaseTS)

	for _, wantTS := range []uint64{10, 20, 30, 40} {
		got, err := tbl.Reconstruct(wantTS)
		require.NoError(t, err)
		require.NotEmpty(t, got)
	}
}

func TestVerifyChain_PassesAfterCommits(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	tbl, err := table.Open(table.DefaultConfig(dir))
	require.NoError(t, err)

	_, err = tbl.Insert([]table.Row{{Key: "a", Fields: []string{"1"}}}, "root", "")
	require.NoError(t, err)
	_, err = tbl.Update([]table.Row{{Key: "a", Fields: []string{"2"}}}, "root", "")
	require.NoError(t, err)

	require.NoError(t, tbl.VerifyChain())
}

func TestOpen_CorruptedLogTrailer_TruncatesAndSucceeds(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	tbl, err := table.Open(table.DefaultConfig(dir))
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		_, err := tbl.Insert([]table.Row{{Key: rowKey(i), Fields: []string{"v"}}}, "root", "")
		require.NoError(t, err)
	}

	require.NoError(t, tbl.Close())

	realFS := fs.NewReal()
	logPath := dir + "/version.log"

	raw, err := realFS.ReadFile(logPath)
	require.NoError(t, err)

	raw = append(raw, []byte("REED|0000ABCD|garbage\n")...)
	require.NoError(t, realFS.WriteFile(logPath, raw, 0o644))

	reopened, err := table.Open(table.DefaultConfig(dir))
	require.NoError(t, err)

	versions, err := reopened.ListVersions()
	require.NoError(t, err)
	require.Len(t, versions, 10)
}

func TestSubmit_QueueFull_FirstHundredSurvive(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	tbl, err := table.Open(table.DefaultConfig(dir))
	require.NoError(t, err)

	for i := 0; i < 100; i++ {
		_, err := tbl.Submit(table.SubmitOp{
			Operation: table.OpInsert,
			Rows:      []table.Row{{Key: rowKey(i), Fields: []string{"v"}}},
			User:      "root",
		})
		require.NoError(t, err)
	}

	_, err = tbl.Submit(table.SubmitOp{
		Operation: table.OpInsert,
		Rows:      []table.Row{{Key: "overflow", Fields: []string{"v"}}},
		User:      "root",
	})
	require.ErrorIs(t, err, table.ErrQueueFull)

	pending, err := os.ReadDir(filepath.Join(dir, "queue"))
	require.NoError(t, err)
	require.Len(t, pending, 100)
}

func TestSubmit_DisjointKeys_AbsorbedIntoNextCommit(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	tbl, err := table.Open(table.DefaultConfig(dir))
	require.NoError(t, err)

	_, err = tbl.Submit(table.SubmitOp{
		Operation: table.OpInsert,
		Rows:      []table.Row{{Key: "b", Fields: []string{"fromQueue"}}},
		User:      "writerB",
	})
	require.NoError(t, err)

	_, err = tbl.Insert([]table.Row{{Key: "a", Fields: []string{"fromA"}}}, "writerA", "")
	require.NoError(t, err)

	rows, err := tbl.ReadCurrent()
	require.NoError(t, err)
	require.ElementsMatch(t, []table.Row{
		{Key: "b", Fields: []string{"fromQueue"}},
		{Key: "a", Fields: []string{"fromA"}},
	}, rows)

	versions, err := tbl.ListVersions()
	require.NoError(t, err)
	require.Len(t, versions, 2)
	require.Equal(t, "create", versions[0].Action)
	require.Equal(t, "create", versions[1].Action)
	require.Less(t, versions[0].Timestamp, versions[1].Timestamp)
	require.Equal(t, versions[0].BaseTS, versions[1].BaseTS)
}

func TestSubmit_ConflictingKey_LaterSubmitterTimestampWins(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	tbl, err := table.Open(table.DefaultConfig(dir))
	require.NoError(t, err)

	_, err = tbl.Submit(table.SubmitOp{
		Operation:          table.OpUpdate,
		Rows:               []table.Row{{Key: "k", Fields: []string{"first"}}},
		User:               "writerA",
		SubmitterTimestamp: 100,
	})
	require.NoError(t, err)

	_, err = tbl.Submit(table.SubmitOp{
		Operation:          table.OpUpdate,
		Rows:               []table.Row{{Key: "k", Fields: []string{"second"}}},
		User:               "writerB",
		SubmitterTimestamp: 101,
	})
	require.NoError(t, err)

	// Neither submitted write touches "unrelated", so inserting it is the
	// first operation to take the lock and drain the queue.
	_, err = tbl.Insert([]table.Row{{Key: "unrelated", Fields: []string{"owner"}}}, "drainer", "")
	require.NoError(t, err)

	rows, err := tbl.ReadCurrent()
	require.NoError(t, err)
	require.ElementsMatch(t, []table.Row{
		{Key: "k", Fields: []string{"second"}},
		{Key: "unrelated", Fields: []string{"owner"}},
	}, rows)

	versions, err := tbl.ListVersions()
	require.NoError(t, err)
	require.Len(t, versions, 3)
}

func TestOpen_MissingCurrentCSV_ReconstructsFromChain(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	tbl, err := table.Open(table.DefaultConfig(dir))
	require.NoError(t, err)

	_, err = tbl.Insert([]table.Row{{Key: "a", Fields: []string{"1"}}}, "root", "")
	require.NoError(t, err)
	_, err = tbl.Update([]table.Row{{Key: "a", Fields: []string{"2"}}}, "root", "")
	require.NoError(t, err)
	_, err = tbl.Insert([]table.Row{{Key: "b", Fields: []string{"3"}}}, "root", "")
	require.NoError(t, err)

	want, err := tbl.ReadCurrent()
	require.NoError(t, err)
	require.NoError(t, tbl.Close())

	require.NoError(t, os.Remove(filepath.Join(dir, "current.csv")))

	reopened, err := table.Open(table.DefaultConfig(dir))
	require.NoError(t, err)

	got, err := reopened.ReadCurrent()
	require.NoError(t, err)

	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("reconstructed current.csv rows mismatch (-want +got):\n%s", diff)
	}
}

func TestSubmit_FirstWriteWins_QueuedWriteBeatsHolder(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	cfg := table.DefaultConfig(dir)
	cfg.ConflictStrategy = table.FirstWriteWins

	tbl, err := table.Open(cfg)
	require.NoError(t, err)

	_, err = tbl.Insert([]table.Row{{Key: "k", Fields: []string{"initial"}}}, "root", "")
	require.NoError(t, err)

	_, err = tbl.Submit(table.SubmitOp{
		Operation:          table.OpUpdate,
		Rows:               []table.Row{{Key: "k", Fields: []string{"queued"}}},
		User:               "writerB",
		SubmitterTimestamp: 100,
	})
	require.NoError(t, err)

	// The holder's own update of k loses to the earlier queued write.
	_, err = tbl.Update([]table.Row{{Key: "k", Fields: []string{"holder"}}}, "writerA", "")
	require.NoError(t, err)

	rows, err := tbl.ReadCurrent()
	require.NoError(t, err)
	require.Equal(t, []table.Row{{Key: "k", Fields: []string{"queued"}}}, rows)

	// Both the drained write and the holder's write are on the record.
	versions, err := tbl.ListVersions()
	require.NoError(t, err)
	require.Len(t, versions, 3)
	require.Equal(t, "writerB", versions[1].User)
	require.Equal(t, "writerA", versions[2].User)
}

func TestInsert_ConcurrentDisjointWriters_AllDurable(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	tbl, err := table.Open(table.DefaultConfig(dir))
	require.NoError(t, err)

	const writers = 8

	errs := make([]error, writers)

	var wg sync.WaitGroup

	wg.Add(writers)

	for i := 0; i < writers; i++ {
		go func(i int) {
			defer wg.Done()

			_, errs[i] = tbl.Insert([]table.Row{{Key: rowKey(i), Fields: []string{"v"}}}, "root", "")
		}(i)
	}

	wg.Wait()

	for i := 0; i < writers; i++ {
		require.NoError(t, errs[i])
	}

	rows, err := tbl.ReadCurrent()
	require.NoError(t, err)
	require.Len(t, rows, writers)

	versions, err := tbl.ListVersions()
	require.NoError(t, err)
	require.Len(t, versions, writers)

	for i := 1; i < len(versions); i++ {
		require.Greater(t, versions[i].Timestamp, versions[i-1].Timestamp)
	}
}

func withClock(dir string, nowFunc func() time.Time) table.Config {
	cfg := table.DefaultConfig(dir)
	cfg.Clock = clock.NewWithNowFunc(nowFunc)

	return cfg
}

func rowKey(i int) string {
	return string(rune('a' + i%26))
}
