package batch

import (
	"fmt"
	"time"

	"github.com/mohammad-safakhou/deedflow/internal/pipeline"
)

// Report is the final accounting for one run. Every plot in the manifest
// appears exactly once, including plots the run never reached.
type Report struct {
	RunID      string             `json:"run_id"`
	StartedAt  time.Time          `json:"started_at"`
	FinishedAt time.Time          `json:"finished_at"`
	Records    []*pipeline.Record `json:"records"`
}

func (r *Report) add(rec *pipeline.Record) {
	r.Records = append(r.Records, rec)
}

func (r *Report) finish() {
	if r.FinishedAt.IsZero() {
		r.FinishedAt = time.Now()
	}
}

// Tally counts records per outcome plus the money-relevant totals.
type Tally struct {
	Total             int
	Paid              int
	Downloaded        int
	PendingDownload   int
	NotOwned          int
	InsufficientFunds int
	ExtractionFailed  int
	Errored           int
	NotAttempted      int
}

// Tally folds the records into per-outcome counts.
func (r *Report) Tally() Tally {
	var t Tally
	for _, rec := range r.Records {
		t.Total++
		if rec.Paid {
			t.Paid++
		}
		switch rec.Outcome {
		case pipeline.OutcomeDownloaded:
			t.Downloaded++
		case pipeline.OutcomePendingDownload:
			t.PendingDownload++
		case pipeline.OutcomeNotOwned:
			t.NotOwned++
		case pipeline.OutcomeInsufficientFunds:
			t.InsufficientFunds++
		case pipeline.OutcomeExtractionFailed:
			t.ExtractionFailed++
		case pipeline.OutcomeNotAttempted:
			t.NotAttempted++
		default:
			t.Errored++
		}
	}
	return t
}

// Summary renders the one-line operator summary logged at the end of a run.
func (r *Report) Summary() string {
	t := r.Tally()
	return fmt.Sprintf(
		"%d plot(s): %d downloaded, %d pending download, %d paid, %d not owned, %d insufficient funds, %d extraction failed, %d errored, %d not attempted (%.0fs)",
		t.Total, t.Downloaded, t.PendingDownload, t.Paid, t.NotOwned,
		t.InsufficientFunds, t.ExtractionFailed, t.Errored, t.NotAttempted,
		r.FinishedAt.Sub(r.StartedAt).Seconds(),
	)
}
