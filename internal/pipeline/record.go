package pipeline

import "time"

// Outcome is the final classification of one plot's processing. The batch
// report distinguishes every category so an operator can tell "nothing was
// charged" from "charged but not yet downloaded" from "plot doesn't exist".
type Outcome string

const (
	// OutcomeDownloaded is terminal success: paid and document retrieved.
	OutcomeDownloaded Outcome = "downloaded"
	// OutcomePendingDownload means payment succeeded but the document was
	// not ready before the wait cap; the recovery pass retries it.
	OutcomePendingDownload Outcome = "pending_download"
	// OutcomeNotOwned means the portal reported no matching property. An
	// expected result for some plots, not a system error.
	OutcomeNotOwned Outcome = "not_owned"
	// OutcomeInsufficientFunds means this one plot could not be paid after
	// the batch-wide check had already passed.
	OutcomeInsufficientFunds Outcome = "insufficient_funds"
	// OutcomeExtractionFailed means no request identifier could be read
	// even after the regex fallback.
	OutcomeExtractionFailed Outcome = "extraction_failed"
	// OutcomeError is any unclassified failure for this plot.
	OutcomeError Outcome = "error"
	// OutcomeNotAttempted marks plots never reached, e.g. after a
	// batch-wide abort.
	OutcomeNotAttempted Outcome = "not_attempted"
)

// Record tracks one plot through the pipeline this run. Created when
// processing starts, mutated in place as stages advance, never deleted;
// the final collection is the batch report.
type Record struct {
	PlotID              string    `json:"plot_id"`
	Row                 int       `json:"row"`
	RequestID           string    `json:"request_id,omitempty"`
	Paid                bool      `json:"paid"`
	Downloaded          bool      `json:"downloaded"`
	DownloadAttempts    int       `json:"download_attempts"`
	LastDownloadAttempt time.Time `json:"last_download_attempt,omitempty"`
	PreExisting         bool      `json:"pre_existing"`
	Outcome             Outcome   `json:"outcome"`
	Err                 string    `json:"error,omitempty"`
}

func (r *Record) fail(outcome Outcome, err error) *Record {
	r.Outcome = outcome
	if err != nil {
		r.Err = err.Error()
	}
	return r
}
