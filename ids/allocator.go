// Package ids issues unique, increasing experiment identifiers from a
// persisted counter which supports compare-and-swap.
package ids

import (
	"context"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"
	"go.perfstore.dev/core/retry"
	"go.perfstore.dev/core/stores"
)

// Counter is a persisted integer having conditional writes.
type Counter interface {
	// Read the current value of the Counter and the Version of that value.
	// A Counter which doesn't yet exist reads as zero with an empty Version.
	Read(ctx context.Context) (int64, stores.Version, error)
	// TryWrite |value| to the Counter, conditioned on its current Version
	// being |expect|. An empty |expect| requires that the Counter not yet
	// exist. If the condition fails, TryWrite returns false and a nil error.
	TryWrite(ctx context.Context, value int64, expect stores.Version) (bool, error)
}

// Allocator issues experiment IDs from a Counter. The Counter holds the last
// used ID, whether issued or imported: no ID at or below its value is ever
// issued again.
type Allocator struct {
	counter Counter

	// MaxAttempts bounds the optimistic retries of an allocation.
	// If zero, retry.DefaultMaxAttempts is used.
	MaxAttempts int
}

// NewAllocator returns an Allocator of the Counter.
func NewAllocator(counter Counter) *Allocator {
	return &Allocator{counter: counter}
}

type counterState struct {
	value   int64
	version stores.Version
}

func (a *Allocator) read(ctx context.Context) (counterState, error) {
	var value, version, err = a.counter.Read(ctx)
	return counterState{value, version}, err
}

func (a *Allocator) tryWrite(ctx context.Context, cur counterState, next int64) (bool, error) {
	return a.counter.TryWrite(ctx, next, cur.version)
}

// AllocateNextID issues the next experiment ID. IDs are issued in increasing
// order and are never issued twice, even to concurrent callers. The first ID
// of a new Counter is 1.
func (a *Allocator) AllocateNextID(ctx context.Context) (int64, error) {
	var id, err = retry.CASLoop(ctx, "ids.allocate", a.MaxAttempts, a.read,
		func(cur counterState) (int64, error) { return cur.value + 1, nil },
		a.tryWrite,
	)
	if err != nil {
		return 0, errors.WithMessage(err, "allocating experiment ID")
	}
	allocatedTotal.Inc()
	return id, nil
}

// AdvancePast raises the Counter to the largest of |imported| IDs, unless the
// Counter is already at least that large. As the Counter holds the last used
// ID, the next issued ID is then one more than any imported ID. It returns the
// resulting value of the Counter.
func (a *Allocator) AdvancePast(ctx context.Context, imported []int64) (int64, error) {
	if len(imported) == 0 {
		return a.Current(ctx)
	}
	var target = imported[0]
	for _, id := range imported[1:] {
		if id > target {
			target = id
		}
	}

	var skipped bool
	var value, err = retry.CASLoop(ctx, "ids.advance", a.MaxAttempts, a.read,
		func(cur counterState) (int64, error) {
			if skipped = cur.value >= target; skipped {
				return cur.value, retry.ErrSkipWrite
			}
			return target, nil
		},
		a.tryWrite,
	)
	if err != nil {
		return 0, errors.WithMessagef(err, "advancing experiment ID counter to %d", target)
	} else if skipped {
		return value, nil // Already at or past |target|.
	}

	log.WithFields(log.Fields{"counter": value}).Info("advanced experiment ID counter past imported IDs")
	return value, nil
}

// Current returns the current value of the Counter, which is the last
// issued or imported ID.
func (a *Allocator) Current(ctx context.Context) (int64, error) {
	var value, _, err = a.counter.Read(ctx)
	return value, errors.WithMessage(err, "reading experiment ID counter")
}

var allocatedTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "perfstore_ids_allocated_total",
	Help: "Number of experiment IDs allocated",
})
