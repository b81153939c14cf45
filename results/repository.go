package results

import (
	"bytes"
	"context"
	"io"

	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"
	"go.perfstore.dev/core/overflow"
	"go.perfstore.dev/core/retry"
	"go.perfstore.dev/core/stores"
	"golang.org/x/sync/errgroup"
)

// Repository reads and conditionally writes experiment row-sets.
//
// Try* operations are conditioned on the Version of the provided Snapshot.
// If the persisted row-set has changed since the Snapshot was read, they
// return false with a nil error, and the caller must Load again and retry.
// Conflicts are never retried internally.
type Repository interface {
	// Load the Snapshot of an experiment. An experiment having no persisted
	// row-set is an empty Snapshot with an empty Version, and not an error.
	Load(ctx context.Context, experimentID int64) (Snapshot, error)
	// TryReplace the row-set of the Snapshot with |rows|. If the Snapshot
	// Version is empty, the write succeeds only if no row-set exists yet.
	// Otherwise, the persisted Version must match.
	TryReplace(ctx context.Context, snap Snapshot, rows []*BenchmarkResult) (Snapshot, bool, error)
	// TryDelete removes |remove| rows of the Snapshot.
	TryDelete(ctx context.Context, snap Snapshot, remove []*BenchmarkResult) (bool, error)
	// TryUpdateStatus sets the Status of |modify| rows of the Snapshot,
	// returning a mapping from each changed row to its updated copy. Rows
	// already having |status| are unchanged, and are not mapped.
	TryUpdateStatus(ctx context.Context, snap Snapshot, modify []*BenchmarkResult, status Status) (map[*BenchmarkResult]*BenchmarkResult, bool, error)
}

// Table is a Repository of row-set objects held by a stores.Store.
// Oversized output payloads are externalized to an overflow.Store.
//
// Transient store errors are retried only if the Store does so (see
// stores.Instrumented).
type Table struct {
	store   stores.Store
	outputs *overflow.Store
	cache   *lru.Cache

	// MaxAttempts bounds the optimistic retries of Append.
	// If zero, retry.DefaultMaxAttempts is used.
	MaxAttempts int
}

var _ Repository = (*Table)(nil)

type cacheKey struct {
	experimentID int64
	version      stores.Version
}

// NewTable returns a Table of |store| and |outputs|. Decoded row-sets of up
// to |cacheSize| distinct object Versions are cached. A cacheSize of zero
// disables caching.
func NewTable(store stores.Store, outputs *overflow.Store, cacheSize int) *Table {
	var t = &Table{store: store, outputs: outputs}

	if cacheSize > 0 {
		var err error
		if t.cache, err = lru.New(cacheSize); err != nil {
			panic(err.Error()) // Only errors on size <= 0.
		}
	}
	return t
}

// Outputs returns the overflow.Store of the Table.
func (t *Table) Outputs() *overflow.Store { return t.outputs }

// Load implements Repository.
func (t *Table) Load(ctx context.Context, experimentID int64) (Snapshot, error) {
	var rc, version, err = t.store.Get(ctx, ObjectName(experimentID))
	if errors.Is(err, stores.ErrNotFound) {
		return Snapshot{ExperimentID: experimentID}, nil
	} else if err != nil {
		return Snapshot{}, errors.WithMessagef(err, "loading results of experiment %d", experimentID)
	}
	defer rc.Close()

	var key = cacheKey{experimentID, version}
	if t.cache != nil {
		if v, ok := t.cache.Get(key); ok {
			cacheHitsTotal.Inc()
			return Snapshot{ExperimentID: experimentID, Rows: cloneRows(v.([]*BenchmarkResult)), Version: version}, nil
		}
	}

	content, err := io.ReadAll(rc)
	if err != nil {
		return Snapshot{}, errors.WithMessagef(err, "reading results of experiment %d", experimentID)
	}
	rows, err := UnmarshalArchive(experimentID, content)
	if err != nil {
		return Snapshot{}, errors.WithMessagef(err, "decoding results of experiment %d", experimentID)
	}

	if t.cache != nil {
		cacheMissesTotal.Inc()
		t.cache.Add(key, rows)
		rows = cloneRows(rows)
	}
	return Snapshot{ExperimentID: experimentID, Rows: rows, Version: version}, nil
}

// TryReplace implements Repository.
func (t *Table) TryReplace(ctx context.Context, snap Snapshot, rows []*BenchmarkResult) (Snapshot, bool, error) {
	var content, err = MarshalArchive(snap.ExperimentID, rows)
	if err != nil {
		return Snapshot{}, false, errors.WithMessagef(err, "encoding results of experiment %d", snap.ExperimentID)
	}

	var mode = stores.CreateNew
	if snap.Version != "" {
		mode = stores.ReplaceExact
	}

	version, err := t.store.Put(ctx, ObjectName(snap.ExperimentID), bytes.NewReader(content),
		int64(len(content)), "", mode, snap.Version)

	if errors.Is(err, stores.ErrPreconditionFailed) {
		conflictsTotal.Inc()
		log.WithFields(log.Fields{
			"experiment": snap.ExperimentID,
			"version":    snap.Version,
			"mode":       mode,
		}).Debug("results write lost a race")
		return Snapshot{}, false, nil
	} else if err != nil {
		return Snapshot{}, false, errors.WithMessagef(err, "writing results of experiment %d", snap.ExperimentID)
	}

	rowsWrittenTotal.Add(float64(len(rows)))
	return Snapshot{ExperimentID: snap.ExperimentID, Rows: rows, Version: version}, true, nil
}

// TryDelete implements Repository. Once the remaining rows are written,
// overflow objects referenced only by removed rows are deleted. Failures to
// delete them are logged and otherwise ignored.
func (t *Table) TryDelete(ctx context.Context, snap Snapshot, remove []*BenchmarkResult) (bool, error) {
	var removeSet = make(map[*BenchmarkResult]struct{}, len(remove))
	for _, r := range remove {
		removeSet[r] = struct{}{}
	}

	var remaining = make([]*BenchmarkResult, 0, len(snap.Rows))
	var removed []*BenchmarkResult

	for _, r := range snap.Rows {
		if _, ok := removeSet[r]; ok {
			removed = append(removed, r)
		} else {
			remaining = append(remaining, r)
		}
	}
	if len(removed) == 0 {
		return true, nil // Nothing to do.
	}

	if _, ok, err := t.TryReplace(ctx, snap, remaining); !ok || err != nil {
		return ok, err
	}
	t.deleteOrphanedOutputs(ctx, snap.ExperimentID, removed, remaining)

	return true, nil
}

func (t *Table) deleteOrphanedOutputs(ctx context.Context, experimentID int64, removed, remaining []*BenchmarkResult) {
	if t.outputs == nil {
		return
	}
	type ref struct {
		filename string
		kind     overflow.Kind
		index    int
	}
	var files = make(map[string]struct{})
	var refs = make(map[ref]struct{})

	for _, r := range remaining {
		files[r.BenchmarkFileName] = struct{}{}
		for _, kind := range overflow.Kinds {
			if idx := r.extIndex(kind); idx != nil {
				refs[ref{r.BenchmarkFileName, kind, *idx}] = struct{}{}
			}
		}
	}

	var swept = make(map[string]struct{})
	for _, r := range removed {
		if _, ok := files[r.BenchmarkFileName]; !ok {
			// No remaining row has this file name: everything under it
			// belonged to removed rows.
			if _, ok := swept[r.BenchmarkFileName]; !ok {
				t.outputs.DeleteAll(ctx, experimentID, r.BenchmarkFileName)
				swept[r.BenchmarkFileName] = struct{}{}
			}
			continue
		}
		for _, kind := range overflow.Kinds {
			if idx := r.extIndex(kind); idx != nil {
				if _, ok := refs[ref{r.BenchmarkFileName, kind, *idx}]; !ok {
					t.outputs.Delete(ctx, experimentID, r.BenchmarkFileName, kind, *idx)
				}
			}
		}
	}
}

// TryUpdateStatus implements Repository. If no row changes, nothing is
// written and an empty mapping is returned.
func (t *Table) TryUpdateStatus(ctx context.Context, snap Snapshot, modify []*BenchmarkResult, status Status) (map[*BenchmarkResult]*BenchmarkResult, bool, error) {
	var modifySet = make(map[*BenchmarkResult]struct{}, len(modify))
	for _, r := range modify {
		modifySet[r] = struct{}{}
	}

	var changed = make(map[*BenchmarkResult]*BenchmarkResult)
	var next = make([]*BenchmarkResult, len(snap.Rows))

	for i, r := range snap.Rows {
		if _, ok := modifySet[r]; ok && r.Status != status {
			var u = r.Clone()
			u.Status = status
			changed[r] = u
			next[i] = u
		} else {
			next[i] = r
		}
	}
	if len(changed) == 0 {
		return changed, true, nil
	}

	if _, ok, err := t.TryReplace(ctx, snap, next); !ok || err != nil {
		return nil, ok, err
	}
	return changed, true, nil
}

// Append |rows| to the row-set of the experiment, retrying on conflict.
// Oversized outputs are externalized once, before the first attempt.
func (t *Table) Append(ctx context.Context, experimentID int64, rows []*BenchmarkResult) (Snapshot, error) {
	for _, r := range rows {
		if err := validateRow(r); err != nil {
			return Snapshot{}, errors.WithMessagef(err, "appending %s to experiment %d", r.BenchmarkFileName, experimentID)
		}
	}
	rows, err := t.externalize(ctx, experimentID, rows)
	if err != nil {
		return Snapshot{}, err
	}

	var out Snapshot
	_, err = retry.CASLoop(ctx, "results.append", t.MaxAttempts,
		func(ctx context.Context) (Snapshot, error) {
			return t.Load(ctx, experimentID)
		},
		func(snap Snapshot) ([]*BenchmarkResult, error) {
			var next = make([]*BenchmarkResult, 0, len(snap.Rows)+len(rows))
			return append(append(next, snap.Rows...), rows...), nil
		},
		func(ctx context.Context, snap Snapshot, next []*BenchmarkResult) (bool, error) {
			var ok bool
			var err error
			out, ok, err = t.TryReplace(ctx, snap, next)
			return ok, err
		},
	)
	if err != nil {
		return Snapshot{}, errors.WithMessagef(err, "appending results of experiment %d", experimentID)
	}
	return out, nil
}

// externalizeParallelism bounds concurrent overflow writes of an Append.
const externalizeParallelism = 8

// externalize returns copies of |rows| with oversized outputs moved to
// overflow objects.
func (t *Table) externalize(ctx context.Context, experimentID int64, rows []*BenchmarkResult) ([]*BenchmarkResult, error) {
	rows = cloneRows(rows)
	for _, r := range rows {
		r.ExperimentID = experimentID
	}
	if t.outputs == nil {
		return rows, nil
	}

	var grp, gctx = errgroup.WithContext(ctx)
	grp.SetLimit(externalizeParallelism)

	for _, r := range rows {
		for _, kind := range overflow.Kinds {
			var payload = r.output(kind)

			if overflow.IsInline(payload) {
				continue
			}
			var r, kind = r, kind
			grp.Go(func() error {
				var idx, err = t.outputs.Externalize(gctx, experimentID, r.BenchmarkFileName, kind, payload)
				if err != nil {
					return err
				}
				r.setOutput(kind, "", idx) // Tasks of a row set distinct fields.
				return nil
			})
		}
	}
	if err := grp.Wait(); err != nil {
		return nil, errors.WithMessagef(err, "externalizing outputs of experiment %d", experimentID)
	}
	return rows, nil
}

func (r *BenchmarkResult) output(kind overflow.Kind) string {
	if kind == overflow.Stdout {
		return r.StdOut
	}
	return r.StdErr
}

func (r *BenchmarkResult) extIndex(kind overflow.Kind) *int {
	if kind == overflow.Stdout {
		return r.StdOutExtIndex
	}
	return r.StdErrExtIndex
}

func (r *BenchmarkResult) setOutput(kind overflow.Kind, inline string, idx *int) {
	if kind == overflow.Stdout {
		r.StdOut, r.StdOutExtIndex = inline, idx
	} else {
		r.StdErr, r.StdErrExtIndex = inline, idx
	}
}

// Delete the row-set of the experiment. Deleting a row-set which doesn't
// exist is not an error.
func (t *Table) Delete(ctx context.Context, experimentID int64) error {
	if err := t.store.Remove(ctx, ObjectName(experimentID)); err != nil && !errors.Is(err, stores.ErrNotFound) {
		return errors.WithMessagef(err, "deleting results of experiment %d", experimentID)
	}
	return nil
}

var (
	conflictsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "perfstore_results_write_conflicts_total",
		Help: "Number of row-set writes which lost a race with a concurrent writer",
	})
	rowsWrittenTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "perfstore_results_rows_written_total",
		Help: "Number of rows written as part of row-set objects",
	})
	cacheHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "perfstore_results_cache_hits_total",
		Help: "Number of row-set loads served from the decoded row-set cache",
	})
	cacheMissesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "perfstore_results_cache_misses_total",
		Help: "Number of row-set loads which decoded their object",
	})
)
