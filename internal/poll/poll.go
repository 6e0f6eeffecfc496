package poll

import (
	"context"
	"log"
	"time"
)

// Outcome classifies one readiness check.
type Outcome int

const (
	// NotYet means neither the ready signal nor a failure indicator was
	// found; the poller sleeps and tries again.
	NotYet Outcome = iota
	// Ready means the target content is present.
	Ready
	// Failed means an explicit failure indicator is on the page. Polling
	// stops immediately and the check's error propagates.
	Failed
)

// Check inspects the current page once. On Failed the returned error
// describes the indicator that was found. A transport error alongside
// NotYet is logged and treated as another not-yet: a flaky read must not
// abort a wait that can legitimately run for many minutes.
type Check func(ctx context.Context) (Outcome, error)

// Config parameterises one wait. MaxAttempts caps the loop; there is no
// other exit besides Ready, Failed, or context cancellation.
type Config struct {
	Name        string
	Interval    time.Duration
	MaxAttempts int
}

// Poller is the single polling loop used for both short page-transition
// waits and long document-generation waits.
type Poller struct {
	logger    *log.Logger
	onAttempt func(name string)
}

// Option configures poller behaviour.
type Option func(*Poller)

// WithAttemptHook registers a callback fired on every poll attempt.
func WithAttemptHook(hook func(name string)) Option {
	return func(p *Poller) {
		p.onAttempt = hook
	}
}

// New creates a Poller.
func New(logger *log.Logger, opts ...Option) *Poller {
	if logger == nil {
		logger = log.New(log.Writer(), "[POLL] ", log.LstdFlags)
	}
	p := &Poller{logger: logger}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// WaitUntilReady polls check every cfg.Interval until it reports Ready,
// Failed, or the attempt cap is reached. An exhausted cap returns
// (false, nil): the caller decides whether that is fatal or deferred.
func (p *Poller) WaitUntilReady(ctx context.Context, cfg Config, check Check) (bool, error) {
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if p.onAttempt != nil {
			p.onAttempt(cfg.Name)
		}
		outcome, err := check(ctx)
		switch outcome {
		case Ready:
			p.logger.Printf("%s: ready after %d attempt(s)", cfg.Name, attempt)
			return true, nil
		case Failed:
			p.logger.Printf("%s: failure indicator after %d attempt(s): %v", cfg.Name, attempt, err)
			return false, err
		default:
			if err != nil {
				p.logger.Printf("%s: attempt %d/%d check error: %v", cfg.Name, attempt, cfg.MaxAttempts, err)
			}
		}
		if attempt == cfg.MaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(cfg.Interval):
		}
	}
	p.logger.Printf("%s: not ready after %d attempts", cfg.Name, cfg.MaxAttempts)
	return false, nil
}
