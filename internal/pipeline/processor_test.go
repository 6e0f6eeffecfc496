package pipeline

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mohammad-safakhou/deedflow/config"
	"github.com/mohammad-safakhou/deedflow/internal/funds"
	"github.com/mohammad-safakhou/deedflow/internal/intel"
	"github.com/mohammad-safakhou/deedflow/internal/ledger"
	"github.com/mohammad-safakhou/deedflow/internal/manifest"
	"github.com/mohammad-safakhou/deedflow/internal/telemetry"
)

type pageStub struct {
	navigations  []string
	text         string
	rawTextCalls int
	// popped per SelectedValue call, last one sticks
	selected []string
}

func (p *pageStub) Navigate(ctx context.Context, url string) error {
	p.navigations = append(p.navigations, url)
	return nil
}

func (p *pageStub) WaitSettled(ctx context.Context) error { return nil }

func (p *pageStub) RawText(ctx context.Context) (string, error) {
	p.rawTextCalls++
	return p.text, nil
}

func (p *pageStub) SelectedValue(ctx context.Context, selector string) (string, error) {
	if len(p.selected) == 0 {
		return "", nil
	}
	value := p.selected[0]
	if len(p.selected) > 1 {
		p.selected = p.selected[1:]
	}
	return value, nil
}

func testConfig() *config.Config {
	return &config.Config{
		Portal: config.PortalConfig{
			BaseURL:         "https://portal.example",
			HomeURL:         "https://portal.example/home",
			ApplicationsURL: "https://portal.example/applications",
		},
		Retry: config.RetryConfig{
			MaxAttempts:  2,
			InitialDelay: time.Millisecond,
			Multiplier:   2,
		},
		Polling: config.PollingConfig{
			TransitionInterval: time.Millisecond,
			TransitionAttempts: 3,
			DocumentInterval:   time.Millisecond,
			DocumentAttempts:   2,
		},
	}
}

func testLedger(t *testing.T) *ledger.Ledger {
	t.Helper()
	book := ledger.New(filepath.Join(t.TempDir(), "applications.json"), nil)
	if err := book.Load(); err != nil {
		t.Fatalf("load ledger: %v", err)
	}
	return book
}

func newTestProcessor(t *testing.T, mind intel.Intelligence, page Surface, totalPlots int) (*Processor, *ledger.Ledger) {
	t.Helper()
	book := testLedger(t)
	metrics := telemetry.New(config.TelemetryConfig{})
	return New(testConfig(), page, mind, book, metrics, totalPlots), book
}

func found(selector string) []intel.Observation {
	return []intel.Observation{{Selector: selector}}
}

func payActions(mind *intel.Script) []string {
	var actions []string
	for _, action := range mind.ActCalls {
		if strings.Contains(action, "Pay button") {
			actions = append(actions, action)
		}
	}
	return actions
}

// Full pipeline run for one plot that the account owns and can afford.
func TestProcessHappyPath(t *testing.T) {
	mind := &intel.Script{
		ObserveReplies: []intel.ObserveReply{
			{Observations: found("#result-row")},   // search result
			{Observations: found("#result-row")},   // selection confirmed
			{Observations: found("#app-summary")},  // application page
			{Observations: found("#pay-method")},   // payment method control
			{Observations: found("#download-btn")}, // document ready
		},
		ExtractReplies: []intel.ExtractReply{
			{Value: `{"request_id":"DXB-2024-001"}`},
			{Value: "AED 400.00"},
			{Value: "AED 100.00"},
			{Value: ""}, // no failure indicator after pay
		},
	}
	page := &pageStub{selected: []string{"Wallet"}}
	proc, book := newTestProcessor(t, mind, page, 2)

	rec, err := proc.Process(context.Background(), manifest.Plot{ID: "A-101", Row: 2})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if rec.Outcome != OutcomeDownloaded {
		t.Fatalf("expected downloaded, got %s (%s)", rec.Outcome, rec.Err)
	}
	if !rec.Paid || !rec.Downloaded {
		t.Fatalf("expected paid and downloaded, got %+v", rec)
	}
	if rec.RequestID != "DXB-2024-001" {
		t.Fatalf("unexpected request id %q", rec.RequestID)
	}
	if got := len(payActions(mind)); got != 1 {
		t.Fatalf("expected exactly one pay click, got %d", got)
	}
	entry, ok := book.Lookup("A-101")
	if !ok || !entry.Paid() || !entry.Downloaded {
		t.Fatalf("unexpected ledger entry: %+v (ok=%v)", entry, ok)
	}
}

// A plot already in the ledger must never trigger another payment, only a
// download attempt through the applications list.
func TestProcessNeverRepaysLedgeredPlot(t *testing.T) {
	mind := &intel.Script{
		ObserveReplies: []intel.ObserveReply{
			{Observations: found("#download-btn")},
		},
	}
	page := &pageStub{}
	proc, book := newTestProcessor(t, mind, page, 1)
	if err := book.RecordPayment("A-101", "DXB-2024-001"); err != nil {
		t.Fatalf("seed ledger: %v", err)
	}
	if err := book.MarkPaid("A-101"); err != nil {
		t.Fatalf("seed ledger: %v", err)
	}

	rec, err := proc.Process(context.Background(), manifest.Plot{ID: "A-101", Row: 2})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if !rec.PreExisting || !rec.Paid {
		t.Fatalf("expected resumed paid record, got %+v", rec)
	}
	if rec.Outcome != OutcomeDownloaded {
		t.Fatalf("expected downloaded, got %s (%s)", rec.Outcome, rec.Err)
	}
	if got := len(payActions(mind)); got != 0 {
		t.Fatalf("expected zero pay clicks for ledgered plot, got %d", got)
	}
	if len(page.navigations) != 1 || page.navigations[0] != "https://portal.example/applications" {
		t.Fatalf("expected a single applications-list navigation, got %v", page.navigations)
	}
}

// The first plot certifies the whole batch. When the wallet cannot cover
// every plot, nothing at all is paid and the error is batch-fatal.
func TestProcessAbortsBatchWhenWalletCannotCoverAllPlots(t *testing.T) {
	mind := &intel.Script{
		ObserveReplies: []intel.ObserveReply{
			{Observations: found("#result-row")},
			{Observations: found("#result-row")},
			{Observations: found("#app-summary")},
			{Observations: found("#pay-method")},
		},
		ExtractReplies: []intel.ExtractReply{
			{Value: `{"request_id":"DXB-2024-001"}`},
			{Value: "AED 250.00"},
			{Value: "AED 100.00"},
		},
	}
	proc, _ := newTestProcessor(t, mind, &pageStub{selected: []string{"Wallet"}}, 3)

	rec, err := proc.Process(context.Background(), manifest.Plot{ID: "A-101", Row: 2})
	var batchErr funds.ErrBatchUnaffordable
	if !errors.As(err, &batchErr) {
		t.Fatalf("expected batch-unaffordable error, got %v", err)
	}
	if !batchErr.Shortfall.Equal(decimal.NewFromInt(50)) {
		t.Fatalf("expected shortfall 50, got %s", batchErr.Shortfall)
	}
	if rec.Outcome != OutcomeNotAttempted {
		t.Fatalf("expected not_attempted, got %s", rec.Outcome)
	}
	if got := len(payActions(mind)); got != 0 {
		t.Fatalf("expected zero pay clicks on batch abort, got %d", got)
	}
}

// After certification, a drained wallet fails only the current plot.
func TestProcessIsolatesPerPlotInsufficiency(t *testing.T) {
	mind := &intel.Script{
		ObserveReplies: []intel.ObserveReply{
			// plot 1
			{Observations: found("#result-row")},
			{Observations: found("#result-row")},
			{Observations: found("#app-summary")},
			{Observations: found("#pay-method")},
			{Observations: found("#download-btn")},
			// plot 2
			{Observations: found("#result-row")},
			{Observations: found("#result-row")},
			{Observations: found("#app-summary")},
			{Observations: found("#pay-method")},
		},
		ExtractReplies: []intel.ExtractReply{
			// plot 1
			{Value: `{"request_id":"DXB-2024-001"}`},
			{Value: "AED 400.00"},
			{Value: "AED 100.00"},
			{Value: ""},
			// plot 2: wallet drained below the fee mid-run
			{Value: `{"request_id":"DXB-2024-002"}`},
			{Value: "AED 50.00"},
			{Value: "AED 100.00"},
		},
	}
	proc, _ := newTestProcessor(t, mind, &pageStub{selected: []string{"Wallet"}}, 2)

	first, err := proc.Process(context.Background(), manifest.Plot{ID: "A-101", Row: 2})
	if err != nil || first.Outcome != OutcomeDownloaded {
		t.Fatalf("first plot: err=%v outcome=%s (%s)", err, first.Outcome, first.Err)
	}
	second, err := proc.Process(context.Background(), manifest.Plot{ID: "A-102", Row: 3})
	if err != nil {
		t.Fatalf("per-plot insufficiency must not be batch-fatal: %v", err)
	}
	if second.Outcome != OutcomeInsufficientFunds {
		t.Fatalf("expected insufficient_funds, got %s (%s)", second.Outcome, second.Err)
	}
	if got := len(payActions(mind)); got != 1 {
		t.Fatalf("expected one pay click in total, got %d", got)
	}
}

// No matching search result plus a no-results message is the expected
// not-owned outcome, not an error, and leaves no ledger entry.
func TestProcessClassifiesNotOwned(t *testing.T) {
	mind := &intel.Script{
		ObserveReplies: []intel.ObserveReply{
			{}, // no result rows
		},
		ExtractReplies: []intel.ExtractReply{
			{Value: "You do not own this property"},
		},
	}
	proc, book := newTestProcessor(t, mind, &pageStub{}, 1)

	rec, err := proc.Process(context.Background(), manifest.Plot{ID: "Z-999", Row: 2})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if rec.Outcome != OutcomeNotOwned {
		t.Fatalf("expected not_owned, got %s (%s)", rec.Outcome, rec.Err)
	}
	if _, ok := book.Lookup("Z-999"); ok {
		t.Fatalf("not-owned plot must not be recorded in the ledger")
	}
}

// Three plots against a 400 balance at a 100 fee, with the middle plot not
// owned: two payments, one not-owned, no aborts.
func TestProcessThreePlotRunWithNotOwnedPlot(t *testing.T) {
	mind := &intel.Script{
		ObserveReplies: []intel.ObserveReply{
			// plot 1
			{Observations: found("#result-row")},
			{Observations: found("#result-row")},
			{Observations: found("#app-summary")},
			{Observations: found("#pay-method")},
			{Observations: found("#download-btn")},
			// plot 2: no result rows
			{},
			// plot 3
			{Observations: found("#result-row")},
			{Observations: found("#result-row")},
			{Observations: found("#app-summary")},
			{Observations: found("#pay-method")},
			{Observations: found("#download-btn")},
		},
		ExtractReplies: []intel.ExtractReply{
			// plot 1
			{Value: `{"request_id":"DXB-2024-001"}`},
			{Value: "AED 400.00"},
			{Value: "AED 100.00"},
			{Value: ""},
			// plot 2
			{Value: "You do not own this property"},
			// plot 3
			{Value: `{"request_id":"DXB-2024-003"}`},
			{Value: "AED 300.00"},
			{Value: "AED 100.00"},
			{Value: ""},
		},
	}
	proc, _ := newTestProcessor(t, mind, &pageStub{selected: []string{"Wallet"}}, 3)

	var outcomes []Outcome
	paid := 0
	for _, id := range []string{"A-1", "A-2", "A-3"} {
		rec, err := proc.Process(context.Background(), manifest.Plot{ID: id, Row: 2})
		if err != nil {
			t.Fatalf("plot %s: %v", id, err)
		}
		outcomes = append(outcomes, rec.Outcome)
		if rec.Paid {
			paid++
		}
	}
	if paid != 2 {
		t.Fatalf("expected 2 payments, got %d", paid)
	}
	want := []Outcome{OutcomeDownloaded, OutcomeNotOwned, OutcomeDownloaded}
	for i := range want {
		if outcomes[i] != want[i] {
			t.Fatalf("unexpected outcomes %v", outcomes)
		}
	}
	if got := len(payActions(mind)); got != 2 {
		t.Fatalf("expected exactly 2 pay clicks, got %d", got)
	}
}

// When structured extraction yields garbage, the request ID is recovered
// from raw page text, once.
func TestProcessFallsBackToPageTextForRequestID(t *testing.T) {
	mind := &intel.Script{
		ObserveReplies: []intel.ObserveReply{
			{Observations: found("#result-row")},
			{Observations: found("#result-row")},
			{Observations: found("#app-summary")},
			{Observations: found("#pay-method")},
			{Observations: found("#download-btn")},
		},
		ExtractReplies: []intel.ExtractReply{
			{Value: "Sorry, I could not locate a request number on this page."},
			{Value: "AED 400.00"},
			{Value: "AED 100.00"},
			{Value: ""},
		},
	}
	page := &pageStub{
		text:     "Your application was created.\nApplication No: DXB-2024-555\nFee: AED 100.00",
		selected: []string{"Wallet"},
	}
	proc, book := newTestProcessor(t, mind, page, 1)

	rec, err := proc.Process(context.Background(), manifest.Plot{ID: "A-101", Row: 2})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if rec.RequestID != "DXB-2024-555" {
		t.Fatalf("expected request id from text fallback, got %q", rec.RequestID)
	}
	entry, ok := book.Lookup("A-101")
	if !ok || entry.RequestID != "DXB-2024-555" {
		t.Fatalf("unexpected ledger entry: %+v (ok=%v)", entry, ok)
	}
}

// No identifier anywhere ends the plot before any money moves.
func TestProcessFailsExtractionWithoutPayment(t *testing.T) {
	mind := &intel.Script{
		ObserveReplies: []intel.ObserveReply{
			{Observations: found("#result-row")},
			{Observations: found("#result-row")},
			{Observations: found("#app-summary")},
		},
		ExtractReplies: []intel.ExtractReply{
			{Value: "no idea"},
		},
	}
	page := &pageStub{text: "nothing useful here"}
	proc, book := newTestProcessor(t, mind, page, 1)

	rec, err := proc.Process(context.Background(), manifest.Plot{ID: "A-101", Row: 2})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if rec.Outcome != OutcomeExtractionFailed {
		t.Fatalf("expected extraction_failed, got %s (%s)", rec.Outcome, rec.Err)
	}
	if page.rawTextCalls != 1 {
		t.Fatalf("text fallback must run exactly once, ran %d times", page.rawTextCalls)
	}
	if got := len(payActions(mind)); got != 0 {
		t.Fatalf("expected zero pay clicks, got %d", got)
	}
	if _, ok := book.Lookup("A-101"); ok {
		t.Fatalf("failed extraction must not create a ledger entry")
	}
}

// An exhausted document wait defers the plot instead of failing it: the
// payment stands and the recovery pass retries the download.
func TestProcessDefersDownloadWhenDocumentNotReady(t *testing.T) {
	mind := &intel.Script{
		ObserveReplies: []intel.ObserveReply{
			{Observations: found("#result-row")},
			{Observations: found("#result-row")},
			{Observations: found("#app-summary")},
			{Observations: found("#pay-method")},
			// document wait: queue exhausted from here, every check sees
			// neither a download link nor a failure indicator
		},
		ExtractReplies: []intel.ExtractReply{
			{Value: `{"request_id":"DXB-2024-001"}`},
			{Value: "AED 400.00"},
			{Value: "AED 100.00"},
			{Value: ""},
		},
	}
	proc, book := newTestProcessor(t, mind, &pageStub{selected: []string{"Wallet"}}, 1)

	rec, err := proc.Process(context.Background(), manifest.Plot{ID: "A-101", Row: 2})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if rec.Outcome != OutcomePendingDownload {
		t.Fatalf("expected pending_download, got %s (%s)", rec.Outcome, rec.Err)
	}
	if !rec.Paid || rec.Downloaded {
		t.Fatalf("expected paid but not downloaded, got %+v", rec)
	}
	entry, _ := book.Lookup("A-101")
	if !entry.Paid() || entry.Downloaded {
		t.Fatalf("unexpected ledger entry: %+v", entry)
	}
}

// An explicit failure message during the document wait is terminal: the
// plot is reported as a paid error, not left pending for a futile retry.
func TestProcessReportsErrorWhenGenerationFails(t *testing.T) {
	mind := &intel.Script{
		ObserveReplies: []intel.ObserveReply{
			{Observations: found("#result-row")},
			{Observations: found("#result-row")},
			{Observations: found("#app-summary")},
			{Observations: found("#pay-method")},
			{}, // document wait: no download link
		},
		ExtractReplies: []intel.ExtractReply{
			{Value: `{"request_id":"DXB-2024-001"}`},
			{Value: "AED 400.00"},
			{Value: "AED 100.00"},
			{Value: ""}, // no failure indicator after pay
			{Value: "Document generation failed"},
		},
	}
	proc, book := newTestProcessor(t, mind, &pageStub{selected: []string{"Wallet"}}, 1)

	rec, err := proc.Process(context.Background(), manifest.Plot{ID: "A-101", Row: 2})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if rec.Outcome != OutcomeError {
		t.Fatalf("expected error outcome, got %s (%s)", rec.Outcome, rec.Err)
	}
	if !rec.Paid {
		t.Fatalf("payment already happened, the record must say so: %+v", rec)
	}
	if !strings.Contains(rec.Err, "Document generation failed") {
		t.Fatalf("expected the failure message on the record, got %q", rec.Err)
	}
	entry, _ := book.Lookup("A-101")
	if !entry.Paid() || entry.Downloaded {
		t.Fatalf("unexpected ledger entry: %+v", entry)
	}
}

// The wallet choice is verified by reading the control's state off the
// page; a selection that did not take is re-issued once.
func TestProcessReselectsWalletWhenSelectionDidNotTake(t *testing.T) {
	mind := &intel.Script{
		ObserveReplies: []intel.ObserveReply{
			{Observations: found("#result-row")},
			{Observations: found("#result-row")},
			{Observations: found("#app-summary")},
			{Observations: found("#pay-method")}, // first state read
			{Observations: found("#pay-method")}, // read after re-select
			{Observations: found("#download-btn")},
		},
		ExtractReplies: []intel.ExtractReply{
			{Value: `{"request_id":"DXB-2024-001"}`},
			{Value: "AED 400.00"},
			{Value: "AED 100.00"},
			{Value: ""},
		},
	}
	page := &pageStub{selected: []string{"Credit Card", "Wallet"}}
	proc, _ := newTestProcessor(t, mind, page, 1)

	rec, err := proc.Process(context.Background(), manifest.Plot{ID: "A-101", Row: 2})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if rec.Outcome != OutcomeDownloaded {
		t.Fatalf("expected downloaded, got %s (%s)", rec.Outcome, rec.Err)
	}
	selects := 0
	for _, action := range mind.ActCalls {
		if strings.Contains(action, "wallet payment method") {
			selects++
		}
	}
	if selects != 2 {
		t.Fatalf("expected the wallet selection to be issued twice, got %d", selects)
	}
}

// DownloadFromApplications completes a pending plot once the portal shows
// the download control.
func TestDownloadFromApplications(t *testing.T) {
	mind := &intel.Script{
		ObserveReplies: []intel.ObserveReply{
			{Observations: found("#download-btn")},
		},
	}
	page := &pageStub{}
	proc, book := newTestProcessor(t, mind, page, 1)
	if err := book.RecordPayment("A-101", "DXB-2024-001"); err != nil {
		t.Fatalf("seed ledger: %v", err)
	}

	rec := &Record{PlotID: "A-101", RequestID: "DXB-2024-001", Paid: true, Outcome: OutcomePendingDownload}
	proc.DownloadFromApplications(context.Background(), rec)
	if rec.Outcome != OutcomeDownloaded || !rec.Downloaded {
		t.Fatalf("expected downloaded, got %+v", rec)
	}
	if rec.DownloadAttempts != 1 {
		t.Fatalf("expected one recorded attempt, got %d", rec.DownloadAttempts)
	}
	entry, _ := book.Lookup("A-101")
	if !entry.Downloaded {
		t.Fatalf("ledger entry not marked downloaded: %+v", entry)
	}
}
