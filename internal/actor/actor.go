package actor

import (
	"context"
	"log"
	"time"

	backoff "github.com/cenkalti/backoff/v4"

	"github.com/mohammad-safakhou/deedflow/config"
)

// Executor runs a single browser action with bounded retry and exponential
// backoff. It guarantees nothing about idempotence: callers must only wrap
// operations where a blind re-run is safe.
type Executor struct {
	cfg     config.RetryConfig
	logger  *log.Logger
	onRetry func(name string, attempt int)
}

// Option configures executor behaviour.
type Option func(*Executor)

// WithRetryHook registers a callback fired on every failed attempt,
// used for retry counters.
func WithRetryHook(hook func(name string, attempt int)) Option {
	return func(e *Executor) {
		e.onRetry = hook
	}
}

// New creates an Executor with the given retry parameters.
func New(cfg config.RetryConfig, logger *log.Logger, opts ...Option) *Executor {
	if logger == nil {
		logger = log.New(log.Writer(), "[ACTION] ", log.LstdFlags)
	}
	e := &Executor{cfg: cfg, logger: logger}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Do executes op, retrying on failure with delay × multiplier^(attempt-1)
// between attempts. After maxAttempts the final error is returned as-is.
func (e *Executor) Do(ctx context.Context, name string, op func(ctx context.Context) error) error {
	attempt := 0
	b := e.buildBackoff(ctx)
	return backoff.RetryNotify(
		func() error {
			attempt++
			err := op(ctx)
			if err != nil {
				e.logger.Printf("%s: attempt %d/%d failed: %v", name, attempt, e.cfg.MaxAttempts, err)
				if e.onRetry != nil {
					e.onRetry(name, attempt)
				}
				return err
			}
			if attempt > 1 {
				e.logger.Printf("%s: attempt %d/%d succeeded", name, attempt, e.cfg.MaxAttempts)
			}
			return nil
		},
		b,
		func(err error, next time.Duration) {
			e.logger.Printf("%s: retrying in %s", name, next.Round(time.Millisecond))
		},
	)
}

func (e *Executor) buildBackoff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.cfg.InitialDelay
	b.Multiplier = e.cfg.Multiplier
	b.RandomizationFactor = 0
	b.MaxInterval = 5 * time.Minute
	b.MaxElapsedTime = 0
	max := e.cfg.MaxAttempts
	if max < 1 {
		max = 1
	}
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(max-1)), ctx)
}
