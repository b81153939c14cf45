package duplicates

import (
	"context"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"
	"go.perfstore.dev/core/results"
	"go.perfstore.dev/core/retry"
)

// Apply loads the results of the experiment, resolves its duplicates, and
// deletes the resolved-away rows. If the delete loses a race with a
// concurrent writer, the experiment is re-loaded and resolved again (which
// may consult |choose| again), up to |maxAttempts| times.
//
// A Cancelled Resolution, or one having nothing to Remove, writes nothing.
func Apply(ctx context.Context, repo results.Repository, experimentID int64,
	policy Policy, choose Chooser, maxAttempts int) (Resolution, error) {

	var res, err = retry.CASLoop(ctx, "duplicates.apply", maxAttempts,
		func(ctx context.Context) (results.Snapshot, error) {
			return repo.Load(ctx, experimentID)
		},
		func(snap results.Snapshot) (Resolution, error) {
			var rows = append([]*results.BenchmarkResult(nil), snap.Rows...)
			SortByFileName(rows)

			var res, err = Resolve(rows, policy, choose)
			if err != nil {
				return Resolution{}, err
			} else if res.Cancelled() || len(res.Remove) == 0 {
				return res, retry.ErrSkipWrite
			}
			return res, nil
		},
		func(ctx context.Context, snap results.Snapshot, res Resolution) (bool, error) {
			return repo.TryDelete(ctx, snap, res.Remove)
		},
	)
	if err != nil {
		return Resolution{}, errors.WithMessagef(err, "resolving duplicates of experiment %d", experimentID)
	}

	if !res.Cancelled() {
		removedTotal.Add(float64(len(res.Remove)))
	}
	log.WithFields(log.Fields{
		"experiment": experimentID,
		"removed":    len(res.Remove),
		"cancelled":  res.Cancelled(),
	}).Info("resolved duplicate results")

	return res, nil
}

var removedTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "perfstore_duplicates_removed_total",
	Help: "Number of duplicate results removed by resolution",
})
