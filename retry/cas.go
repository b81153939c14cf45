package retry

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ErrContention is returned by CASLoop when every attempt lost its race
	// with a concurrent writer.
	ErrContention = errors.New("optimistic update exceeded its attempt bound")
	// ErrSkipWrite may be returned by a CASLoop mutate function to finish the
	// loop successfully without writing (eg, the desired state already holds).
	ErrSkipWrite = errors.New("skip write")
)

// DefaultMaxAttempts bounds CASLoops whose caller passes zero.
const DefaultMaxAttempts = 32

// CASLoop runs an optimistic read / mutate / conditional-write cycle:
// |read| fetches the current state, |mutate| derives the state to write,
// and |tryWrite| attempts a write conditioned on the state read, returning
// false if a concurrent writer won. A lost race re-reads and tries again,
// up to |maxAttempts| times, after which ErrContention is returned.
//
// If |mutate| returns ErrSkipWrite, CASLoop returns its result immediately
// with a nil error. Any other error of |read|, |mutate|, or |tryWrite| aborts
// the loop. |op| labels the conflict metric.
func CASLoop[S, W any](
	ctx context.Context,
	op string,
	maxAttempts int,
	read func(context.Context) (S, error),
	mutate func(S) (W, error),
	tryWrite func(context.Context, S, W) (bool, error),
) (W, error) {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	var zero W

	for attempt := 0; attempt != maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		var state, err = read(ctx)
		if err != nil {
			return zero, err
		}
		next, err := mutate(state)
		if errors.Is(err, ErrSkipWrite) {
			return next, nil
		} else if err != nil {
			return zero, err
		}
		ok, err := tryWrite(ctx, state, next)
		if err != nil {
			return zero, err
		} else if ok {
			return next, nil
		}
		casConflictsTotal.WithLabelValues(op).Inc()
	}
	casExhaustedTotal.WithLabelValues(op).Inc()
	return zero, fmt.Errorf("%s: %w (%d attempts)", op, ErrContention, maxAttempts)
}

var (
	casConflictsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perfstore_cas_conflicts_total",
		Help: "Number of optimistic writes which lost a race and re-read",
	}, []string{"operation"})

	casExhaustedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perfstore_cas_exhausted_total",
		Help: "Number of optimistic updates which gave up after their attempt bound",
	}, []string{"operation"})
)
