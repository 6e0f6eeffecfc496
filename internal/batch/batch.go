package batch

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/mohammad-safakhou/deedflow/internal/funds"
	"github.com/mohammad-safakhou/deedflow/internal/manifest"
	"github.com/mohammad-safakhou/deedflow/internal/pipeline"
	"github.com/mohammad-safakhou/deedflow/internal/telemetry"
)

// Processor runs one plot end to end. Satisfied by pipeline.Processor.
type Processor interface {
	Process(ctx context.Context, plot manifest.Plot) (*pipeline.Record, error)
	DownloadFromApplications(ctx context.Context, rec *pipeline.Record)
}

// Gatekeeper restores a usable, authenticated page. Called before the run
// and again after any plot that failed in an unknown state.
type Gatekeeper interface {
	Ensure(ctx context.Context) error
}

// Runner walks the plot sequence strictly in order, isolating per-plot
// failures and aborting only on the two batch-fatal conditions: an
// unaffordable batch and a lost session.
type Runner struct {
	proc    Processor
	gate    Gatekeeper
	metrics *telemetry.Telemetry
	logger  *log.Logger
}

// Option configures runner behaviour.
type Option func(*Runner)

// WithGatekeeper installs session recovery between plots.
func WithGatekeeper(gate Gatekeeper) Option {
	return func(r *Runner) {
		r.gate = gate
	}
}

// NewRunner builds a Runner.
func NewRunner(proc Processor, metrics *telemetry.Telemetry, opts ...Option) *Runner {
	r := &Runner{
		proc:    proc,
		metrics: metrics,
		logger:  telemetry.Logger("BATCH"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run processes every plot once, then makes one recovery pass over plots
// whose payment stands but whose document was not retrieved. Plots are
// never processed concurrently: the portal session holds per-plot state.
func (r *Runner) Run(ctx context.Context, plots []manifest.Plot) (*Report, error) {
	report := &Report{
		RunID:     uuid.NewString(),
		StartedAt: time.Now(),
	}
	r.logger.Printf("run %s: %d plot(s)", report.RunID, len(plots))

	if r.gate != nil {
		if err := r.gate.Ensure(ctx); err != nil {
			report.finish()
			return report, fmt.Errorf("authenticate before batch: %w", err)
		}
	}

	for i, plot := range plots {
		if err := ctx.Err(); err != nil {
			r.abortRemaining(report, plots[i:], err)
			return report, err
		}

		r.logger.Printf("run %s: plot %s (%d/%d)", report.RunID, plot.ID, i+1, len(plots))
		rec, err := r.proc.Process(ctx, plot)
		report.add(rec)
		r.metrics.PlotOutcomes.WithLabelValues(string(rec.Outcome)).Inc()

		if err != nil {
			var batchErr funds.ErrBatchUnaffordable
			if errors.As(err, &batchErr) {
				r.logger.Printf("run %s: aborting, %v", report.RunID, err)
				r.abortRemaining(report, plots[i+1:], err)
				return report, err
			}
			r.abortRemaining(report, plots[i+1:], err)
			return report, err
		}

		if rec.Outcome == pipeline.OutcomeError {
			if err := r.recoverSession(ctx); err != nil {
				r.abortRemaining(report, plots[i+1:], err)
				return report, err
			}
		}
	}

	r.recoveryPass(ctx, report)
	report.finish()
	r.logger.Printf("run %s: %s", report.RunID, report.Summary())
	return report, nil
}

// recoverSession puts the page back into a known state after a plot died
// mid-flow. A session that cannot be restored is batch-fatal: every later
// plot would fail the same way.
func (r *Runner) recoverSession(ctx context.Context) error {
	if r.gate == nil {
		return nil
	}
	r.logger.Printf("recovering session after plot failure")
	if err := r.gate.Ensure(ctx); err != nil {
		return fmt.Errorf("session lost and not recoverable: %w", err)
	}
	return nil
}

// recoveryPass retries the download once more for every plot that paid but
// did not get its document the first time through.
func (r *Runner) recoveryPass(ctx context.Context, report *Report) {
	var pending []*pipeline.Record
	for _, rec := range report.Records {
		if rec.Outcome == pipeline.OutcomePendingDownload && rec.RequestID != "" {
			pending = append(pending, rec)
		}
	}
	if len(pending) == 0 {
		return
	}
	r.logger.Printf("recovery pass: %d plot(s) pending download", len(pending))
	for _, rec := range pending {
		if ctx.Err() != nil {
			return
		}
		r.proc.DownloadFromApplications(ctx, rec)
		if rec.Outcome == pipeline.OutcomeDownloaded {
			r.metrics.PlotOutcomes.WithLabelValues(string(rec.Outcome)).Inc()
		}
	}
}

func (r *Runner) abortRemaining(report *Report, rest []manifest.Plot, cause error) {
	for _, plot := range rest {
		rec := &pipeline.Record{
			PlotID:  plot.ID,
			Row:     plot.Row,
			Outcome: pipeline.OutcomeNotAttempted,
			Err:     fmt.Sprintf("batch aborted: %v", cause),
		}
		report.add(rec)
		r.metrics.PlotOutcomes.WithLabelValues(string(rec.Outcome)).Inc()
	}
	report.finish()
}
