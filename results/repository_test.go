package results

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.perfstore.dev/core/codecs"
	"go.perfstore.dev/core/overflow"
	"go.perfstore.dev/core/retry"
	"go.perfstore.dev/core/stores"
)

func newTestTable(cacheSize int) (*Table, *stores.MemoryStore) {
	var mem = stores.NewMemoryStore()
	return NewTable(mem, overflow.New(mem, codecs.None), cacheSize), mem
}

func TestLoadOfMissingIsEmpty(t *testing.T) {
	var tbl, _ = newTestTable(0)

	var snap, err = tbl.Load(context.Background(), 7)
	require.NoError(t, err)
	require.Equal(t, Snapshot{ExperimentID: 7}, snap)
}

func TestRepeatedLoadIsIdentical(t *testing.T) {
	for _, cacheSize := range []int{0, 16} {
		var ctx = context.Background()
		var tbl, _ = newTestTable(cacheSize)

		var _, ok, err = tbl.TryReplace(ctx, Snapshot{ExperimentID: 7}, buildRows())
		require.NoError(t, err)
		require.True(t, ok)

		s1, err := tbl.Load(ctx, 7)
		require.NoError(t, err)
		s2, err := tbl.Load(ctx, 7)
		require.NoError(t, err)

		require.NotEmpty(t, s1.Version)
		require.Equal(t, s1, s2)
		require.Equal(t, buildRows(), s1.Rows)

		// Snapshots never share rows.
		s1.Rows[0].Properties["a"] = "mutated"
		s3, err := tbl.Load(ctx, 7)
		require.NoError(t, err)
		require.Equal(t, "1", s3.Rows[0].Properties["a"])
	}
}

func TestStaleSnapshotLosesRace(t *testing.T) {
	var ctx = context.Background()
	var tbl, _ = newTestTable(16)

	var _, ok, err = tbl.TryReplace(ctx, Snapshot{ExperimentID: 7}, buildRows())
	require.NoError(t, err)
	require.True(t, ok)

	s1, err := tbl.Load(ctx, 7)
	require.NoError(t, err)
	s2, err := tbl.Load(ctx, 7)
	require.NoError(t, err)

	next, ok, err := tbl.TryReplace(ctx, s1, s1.Rows[:1])
	require.NoError(t, err)
	require.True(t, ok)
	require.NotEqual(t, s1.Version, next.Version)

	_, ok, err = tbl.TryReplace(ctx, s2, s2.Rows[:2])
	require.NoError(t, err)
	require.False(t, ok)

	// An empty-Version snapshot conflicts once a row-set exists.
	_, ok, err = tbl.TryReplace(ctx, Snapshot{ExperimentID: 7}, nil)
	require.NoError(t, err)
	require.False(t, ok)

	s3, err := tbl.Load(ctx, 7)
	require.NoError(t, err)
	require.Len(t, s3.Rows, 1)
	require.Equal(t, next.Version, s3.Version)
}

func TestMalformedObjectIsFatal(t *testing.T) {
	var ctx = context.Background()
	var tbl, mem = newTestTable(16)

	var _, err = mem.Put(ctx, "7.csv.zip", strings.NewReader("garbage"), 7, "", stores.CreateNew, "")
	require.NoError(t, err)

	_, err = tbl.Load(ctx, 7)
	require.True(t, errors.Is(err, ErrMalformed))
	require.Contains(t, err.Error(), "decoding results of experiment 7")
}

func TestUndecodableRowsAreNotWritten(t *testing.T) {
	var ctx = context.Background()
	var tbl, mem = newTestTable(16)

	var snap, ok, err = tbl.TryReplace(ctx, Snapshot{ExperimentID: 7}, buildRows())
	require.NoError(t, err)
	require.True(t, ok)
	var before = append([]byte(nil), mem.Content["7.csv.zip"]...)

	var emptyKey = buildRows()
	emptyKey[0].Properties[""] = "v"
	var badStatus = buildRows()
	badStatus[0].Status = Status(9)

	for _, rows := range [][]*BenchmarkResult{emptyKey, badStatus} {
		_, ok, err = tbl.TryReplace(ctx, snap, rows)
		require.True(t, errors.Is(err, ErrInvalidRow))
		require.False(t, ok)
	}
	// Invalid rows are rejected before their outputs are externalized.
	badStatus[0].StdOut = strings.Repeat("x", overflow.InlineLimit+1)
	_, err = tbl.Append(ctx, 7, badStatus[:1])
	require.True(t, errors.Is(err, ErrInvalidRow))
	require.Len(t, mem.Content, 1)

	_, ok, err = tbl.TryUpdateStatus(ctx, snap, snap.Rows[:1], Status(-1))
	require.True(t, errors.Is(err, ErrInvalidRow))
	require.False(t, ok)

	// The stored row-set is untouched and still loads.
	require.Equal(t, before, mem.Content["7.csv.zip"])
	after, err := tbl.Load(ctx, 7)
	require.NoError(t, err)
	require.Equal(t, snap.Version, after.Version)
	require.Equal(t, buildRows(), after.Rows)
}

func TestStoreErrorsArePropagated(t *testing.T) {
	var ctx = context.Background()
	var tbl = NewTable(&stores.CallbackStore{
		GetFunc: func(context.Context, string) (io.ReadCloser, stores.Version, error) {
			return nil, "", errors.New("connection reset")
		},
		PutFunc: func(context.Context, string, io.ReaderAt, int64, string, stores.WriteMode, stores.Version) (stores.Version, error) {
			return "", errors.New("connection reset")
		},
	}, nil, 0)

	var _, err = tbl.Load(ctx, 7)
	require.EqualError(t, err, "loading results of experiment 7: connection reset")

	_, ok, err := tbl.TryReplace(ctx, Snapshot{ExperimentID: 7}, buildRows())
	require.EqualError(t, err, "writing results of experiment 7: connection reset")
	require.False(t, ok)
}

func TestTryDeleteRemovesExclusiveOutputs(t *testing.T) {
	var ctx = context.Background()
	var tbl, mem = newTestTable(0)
	var big = strings.Repeat("v", overflow.InlineLimit+1)

	// Two runs of "a" and one of "b", each with externalized stdout.
	var _, err = tbl.Append(ctx, 7, []*BenchmarkResult{
		{BenchmarkFileName: "a", StdOut: big},
		{BenchmarkFileName: "a", StdOut: big, StdErr: big},
		{BenchmarkFileName: "b", StdOut: big},
	})
	require.NoError(t, err)
	require.Contains(t, mem.Content, "E7Fa-stdout0")
	require.Contains(t, mem.Content, "E7Fa-stdout1")
	require.Contains(t, mem.Content, "E7Fa-stderr0")
	require.Contains(t, mem.Content, "E7Fb-stdout0")

	snap, err := tbl.Load(ctx, 7)
	require.NoError(t, err)

	// Remove one run of "a", and the only run of "b".
	var victim = snap.Rows[0]
	if *victim.StdOutExtIndex != 0 {
		victim = snap.Rows[1]
	}
	var other = snap.Rows[0]
	if other == victim {
		other = snap.Rows[1]
	}
	ok, err := tbl.TryDelete(ctx, snap, []*BenchmarkResult{victim, snap.Rows[2]})
	require.NoError(t, err)
	require.True(t, ok)

	require.NotContains(t, mem.Content, "E7Fa-stdout0")
	require.Contains(t, mem.Content, "E7Fa-stdout1")
	require.NotContains(t, mem.Content, "E7Fb-stdout0")

	if other.StdErrExtIndex != nil {
		require.Contains(t, mem.Content, "E7Fa-stderr0")
	} else {
		require.NotContains(t, mem.Content, "E7Fa-stderr0")
	}

	after, err := tbl.Load(ctx, 7)
	require.NoError(t, err)
	require.Len(t, after.Rows, 1)
	require.Equal(t, 1, *after.Rows[0].StdOutExtIndex)

	// A stale snapshot loses, and deletes nothing.
	ok, err = tbl.TryDelete(ctx, snap, []*BenchmarkResult{other})
	require.NoError(t, err)
	require.False(t, ok)
	require.Contains(t, mem.Content, "E7Fa-stdout1")
}

func TestTryDeleteIgnoresOutputDeleteFailures(t *testing.T) {
	var ctx = context.Background()
	var mem = stores.NewMemoryStore()
	var failing = &stores.CallbackStore{
		Inner:      mem,
		RemoveFunc: func(context.Context, string) error { return errors.New("throttled") },
	}
	var tbl = NewTable(mem, overflow.New(failing, codecs.None), 0)

	var _, err = tbl.Append(ctx, 7, []*BenchmarkResult{
		{BenchmarkFileName: "a", StdOut: strings.Repeat("v", 5000)},
	})
	require.NoError(t, err)

	snap, err := tbl.Load(ctx, 7)
	require.NoError(t, err)
	ok, err := tbl.TryDelete(ctx, snap, snap.Rows)
	require.NoError(t, err)
	require.True(t, ok)

	after, err := tbl.Load(ctx, 7)
	require.NoError(t, err)
	require.Empty(t, after.Rows)
	require.Contains(t, mem.Content, "E7Fa-stdout0") // Orphaned garbage.
}

func TestTryUpdateStatus(t *testing.T) {
	var ctx = context.Background()
	var tbl, mem = newTestTable(16)

	var _, ok, err = tbl.TryReplace(ctx, Snapshot{ExperimentID: 7}, buildRows())
	require.NoError(t, err)
	require.True(t, ok)

	snap, err := tbl.Load(ctx, 7)
	require.NoError(t, err)

	// Row 1 is already a Timeout, and is excluded.
	changed, ok, err := tbl.TryUpdateStatus(ctx, snap, snap.Rows[:2], Timeout)
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, changed, 1)
	require.Equal(t, Timeout, changed[snap.Rows[0]].Status)
	require.Equal(t, Success, snap.Rows[0].Status) // Not mutated.

	after, err := tbl.Load(ctx, 7)
	require.NoError(t, err)
	require.Equal(t, []Status{Timeout, Timeout, OutOfMemory},
		[]Status{after.Rows[0].Status, after.Rows[1].Status, after.Rows[2].Status})

	// A no-op update doesn't write.
	var version = mem.Versions["7.csv.zip"]
	changed, ok, err = tbl.TryUpdateStatus(ctx, after, after.Rows[:2], Timeout)
	require.NoError(t, err)
	require.True(t, ok)
	require.Empty(t, changed)
	require.Equal(t, version, mem.Versions["7.csv.zip"])

	// Stale snapshots lose.
	changed, ok, err = tbl.TryUpdateStatus(ctx, snap, snap.Rows[2:], Success)
	require.NoError(t, err)
	require.False(t, ok)
	require.Nil(t, changed)
}

func TestConcurrentAppends(t *testing.T) {
	var ctx = context.Background()
	var tbl, _ = newTestTable(16)
	tbl.MaxAttempts = 1000

	const workers = 8
	var wg sync.WaitGroup
	for i := 0; i != workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var _, err = tbl.Append(ctx, 7, []*BenchmarkResult{
				{BenchmarkFileName: "f", Status: Status(i % 6), ExitCode: intPtr(i)},
			})
			require.NoError(t, err)
		}(i)
	}
	wg.Wait()

	var snap, err = tbl.Load(ctx, 7)
	require.NoError(t, err)
	require.Len(t, snap.Rows, workers)

	var seen = make(map[int]bool)
	for _, r := range snap.Rows {
		seen[*r.ExitCode] = true
	}
	require.Len(t, seen, workers)
}

func TestAppendGivesUpUnderContention(t *testing.T) {
	var ctx = context.Background()
	var mem = stores.NewMemoryStore()
	var tbl = NewTable(&stores.CallbackStore{
		Inner: mem,
		PutFunc: func(context.Context, string, io.ReaderAt, int64, string, stores.WriteMode, stores.Version) (stores.Version, error) {
			return "", stores.ErrPreconditionFailed
		},
	}, nil, 0)
	tbl.MaxAttempts = 3

	var _, err = tbl.Append(ctx, 7, buildRows())
	require.True(t, errors.Is(err, retry.ErrContention))
}

func TestDelete(t *testing.T) {
	var ctx = context.Background()
	var tbl, mem = newTestTable(0)

	var _, err = tbl.Append(ctx, 7, buildRows())
	require.NoError(t, err)
	require.Contains(t, mem.Content, "7.csv.zip")

	require.NoError(t, tbl.Delete(ctx, 7))
	require.NoError(t, tbl.Delete(ctx, 7))
	require.NotContains(t, mem.Content, "7.csv.zip")
}
