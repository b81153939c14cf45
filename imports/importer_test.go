package imports

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
	"go.perfstore.dev/core/codecs"
	"go.perfstore.dev/core/experiments"
	"go.perfstore.dev/core/ids"
	"go.perfstore.dev/core/overflow"
	"go.perfstore.dev/core/results"
	"go.perfstore.dev/core/stores"
)

type importFixture struct {
	fs        afero.Fs
	catalog   *experiments.Catalog
	allocator *ids.Allocator
	table     *results.Table
	importer  *Importer
}

func newImportFixture(t *testing.T) importFixture {
	var db, err = sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	var catalog = experiments.NewCatalog(db)
	require.NoError(t, catalog.EnsureSchema(context.Background()))

	var mem = stores.NewMemoryStore()
	var f = importFixture{
		fs:        afero.NewMemMapFs(),
		catalog:   catalog,
		allocator: ids.NewAllocator(ids.NewStoreCounter(mem, "counters/experiments")),
		table:     results.NewTable(mem, overflow.New(mem, codecs.Snappy), 0),
	}
	f.importer = &Importer{
		FS:        f.fs,
		Catalog:   f.catalog,
		Allocator: f.allocator,
		Results:   f.table,
		BatchSize: 2,
	}
	return f
}

func writeResults(t *testing.T, fs afero.Fs, path string, n int) {
	var rows []*results.BenchmarkResult
	for i := 0; i != n; i++ {
		rows = append(rows, &results.BenchmarkResult{
			BenchmarkFileName: fmt.Sprintf("f%d.smt2", i),
			AcquireTime:       time.Date(2024, 3, 5, 0, 0, i, 0, time.UTC),
			Status:            results.Success,
			NormalizedCPUTime: float64(i),
		})
	}
	var buf bytes.Buffer
	require.NoError(t, results.WriteCSV(&buf, rows))
	require.NoError(t, afero.WriteFile(fs, path, buf.Bytes(), 0644))
}

const manifestFixture = `
experiments:
  - id: 17
    name: nightly
    submitted: 2024-03-05T10:11:12Z
    creator: ci
    results: csv/17.csv
  - id: 5
    name: weekly
    submitted: 2024-03-01T00:00:00Z
    creator: ci
    results: /abs/5.csv
  - id: 9
    name: empty
    submitted: 2024-03-02T00:00:00Z
`

func TestImport(t *testing.T) {
	var ctx = context.Background()
	var f = newImportFixture(t)

	require.NoError(t, afero.WriteFile(f.fs, "/data/manifest.yaml", []byte(manifestFixture), 0644))
	writeResults(t, f.fs, "/data/csv/17.csv", 3)
	writeResults(t, f.fs, "/abs/5.csv", 1)

	var report, err = f.importer.Import(ctx, "/data/manifest.yaml")
	require.NoError(t, err)
	require.Equal(t, Report{
		Experiments:  3,
		Rows:         4,
		CatalogTxns:  2, // Batches of 2 and 1.
		ResultWrites: 3, // Experiment 17 in two writes, 5 in one.
	}, report)

	list, err := f.catalog.List(ctx, "")
	require.NoError(t, err)
	require.Len(t, list, 3)
	require.Equal(t, int64(5), list[0].ID)
	require.Equal(t, "nightly", list[2].Name)
	require.True(t, time.Date(2024, 3, 5, 10, 11, 12, 0, time.UTC).Equal(list[2].Submitted))

	snap, err := f.table.Load(ctx, 17)
	require.NoError(t, err)
	require.Len(t, snap.Rows, 3)
	require.Equal(t, "f0.smt2", snap.Rows[0].BenchmarkFileName)
	require.Equal(t, "f2.smt2", snap.Rows[2].BenchmarkFileName)
	require.Equal(t, int64(17), snap.Rows[2].ExperimentID)

	// Subsequent allocations don't collide with imported IDs.
	next, err := f.allocator.AllocateNextID(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(18), next)
}

func TestImportDoesNotRegressCounter(t *testing.T) {
	var ctx = context.Background()
	var f = newImportFixture(t)

	for i := 0; i != 30; i++ {
		var _, err = f.allocator.AllocateNextID(ctx)
		require.NoError(t, err)
	}
	require.NoError(t, afero.WriteFile(f.fs, "m.yaml", []byte(manifestFixture), 0644))
	writeResults(t, f.fs, "csv/17.csv", 1)
	writeResults(t, f.fs, "/abs/5.csv", 1)

	var _, err = f.importer.Import(ctx, "m.yaml")
	require.NoError(t, err)

	cur, err := f.allocator.Current(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(30), cur)
}

func TestImportValidatesBeforeWriting(t *testing.T) {
	var ctx = context.Background()

	var cases = []struct {
		manifest string
		files    map[string]string
		err      string
	}{
		{
			manifest: "experiments:\n  - id: 1\n  - id: 1\n",
			err:      "manifest m.yaml: duplicated experiment ID 1",
		},
		{
			manifest: "experiments:\n  - id: 0\n",
			err:      "manifest m.yaml: invalid experiment ID 0",
		},
		{
			manifest: "experiments:\n  - id: 1\n    unknown: field\n",
			err:      "decoding manifest m.yaml",
		},
		{
			manifest: "experiments:\n  - id: 1\n    results: bad.csv\n",
			files:    map[string]string{"bad.csv": "not,a,header\n"},
			err:      "reading bad.csv: header has 3 columns",
		},
		{
			manifest: "experiments:\n  - id: 1\n    results: missing.csv\n",
			err:      "opening results of experiment 1",
		},
	}
	for _, tc := range cases {
		var f = newImportFixture(t)
		require.NoError(t, afero.WriteFile(f.fs, "m.yaml", []byte(tc.manifest), 0644))
		for path, content := range tc.files {
			require.NoError(t, afero.WriteFile(f.fs, path, []byte(content), 0644))
		}

		var _, err = f.importer.Import(ctx, "m.yaml")
		require.Error(t, err)
		require.Contains(t, err.Error(), tc.err)

		// Nothing was written.
		cur, err := f.allocator.Current(ctx)
		require.NoError(t, err)
		require.Equal(t, int64(0), cur)

		list, err := f.catalog.List(ctx, "")
		require.NoError(t, err)
		require.Empty(t, list)
	}
}
