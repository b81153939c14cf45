package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Config configures the backoff applied to transient provider errors.
type Config struct {
	InitialInterval time.Duration `long:"initial-interval" env:"INITIAL_INTERVAL" default:"50ms" description:"Initial delay before retrying a transient failure"`
	MaxInterval     time.Duration `long:"max-interval" env:"MAX_INTERVAL" default:"5s" description:"Maximum delay between retries"`
	MaxElapsed      time.Duration `long:"max-elapsed" env:"MAX_ELAPSED" default:"1m" description:"Give up after retrying for this long. Zero disables the bound"`
	MaxRetries      uint64        `long:"max-retries" env:"MAX_RETRIES" default:"8" description:"Give up after this many retries. Zero disables the bound"`
}

// DefaultConfig mirrors the flag defaults of Config.
var DefaultConfig = Config{
	InitialInterval: 50 * time.Millisecond,
	MaxInterval:     5 * time.Second,
	MaxElapsed:      time.Minute,
	MaxRetries:      8,
}

// Policy builds a fresh backoff.BackOff for each retried operation.
// BackOffs are stateful and must not be shared across operations.
type Policy func() backoff.BackOff

// NewPolicy returns a Policy of bounded exponential backoff per |cfg|.
func NewPolicy(cfg Config) Policy {
	return func() backoff.BackOff {
		var eb = backoff.NewExponentialBackOff()
		eb.InitialInterval = cfg.InitialInterval
		eb.MaxInterval = cfg.MaxInterval
		eb.MaxElapsedTime = cfg.MaxElapsed

		if cfg.MaxRetries != 0 {
			return backoff.WithMaxRetries(eb, cfg.MaxRetries)
		}
		return eb
	}
}

// NoRetries is a Policy which never retries.
func NoRetries() backoff.BackOff { return &backoff.StopBackOff{} }

// Constant returns a Policy retrying up to |n| times at a fixed |interval|.
func Constant(n uint64, interval time.Duration) Policy {
	return func() backoff.BackOff {
		return backoff.WithMaxRetries(backoff.NewConstantBackOff(interval), n)
	}
}

// Do invokes |op| until it succeeds, returns an error for which |transient|
// is false, or the Policy gives up. A cancelled |ctx| stops further retries.
// The last error of |op| is returned.
func Do(ctx context.Context, policy Policy, transient func(error) bool, op func() error) error {
	if policy == nil {
		policy = NoRetries
	}
	return backoff.Retry(func() error {
		var err = op()
		if err == nil {
			return nil
		} else if ctx.Err() != nil {
			return backoff.Permanent(err)
		} else if !transient(err) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(policy(), ctx))
}
