package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mohammad-safakhou/deedflow/config"
	"github.com/mohammad-safakhou/deedflow/internal/actor"
	"github.com/mohammad-safakhou/deedflow/internal/funds"
	"github.com/mohammad-safakhou/deedflow/internal/intel"
	"github.com/mohammad-safakhou/deedflow/internal/ledger"
	"github.com/mohammad-safakhou/deedflow/internal/manifest"
	"github.com/mohammad-safakhou/deedflow/internal/poll"
	"github.com/mohammad-safakhou/deedflow/internal/telemetry"
)

// Surface is the slice of the browser session the processor drives.
type Surface interface {
	Navigate(ctx context.Context, url string) error
	WaitSettled(ctx context.Context) error
	RawText(ctx context.Context) (string, error)
	SelectedValue(ctx context.Context, selector string) (string, error)
}

// errNotOwned marks the expected "no matching property" search result.
var errNotOwned = errors.New("portal reports no owned property for this plot")

var requestIDExpr = regexp.MustCompile(`(?i)(?:application|request)\s*(?:no\.?|number|id|#)\s*[:#]?\s*([A-Z0-9][A-Z0-9/_-]{3,})`)

// Processor drives one plot through the full pipeline:
// search → select → identify → validate funds → pay → await → download.
// It owns the batch-wide affordability state: the whole-batch check runs
// exactly once, on the first plot that reaches funds validation.
type Processor struct {
	cfg        *config.Config
	page       Surface
	mind       intel.Intelligence
	exec       *actor.Executor
	poller     *poll.Poller
	book       *ledger.Ledger
	metrics    *telemetry.Telemetry
	logger     *log.Logger
	totalPlots int
	certified  bool
}

// New builds a Processor for a run of totalPlots plots.
func New(cfg *config.Config, page Surface, mind intel.Intelligence, book *ledger.Ledger, metrics *telemetry.Telemetry, totalPlots int) *Processor {
	exec := actor.New(cfg.Retry, telemetry.Logger("ACTION"), actor.WithRetryHook(func(name string, attempt int) {
		metrics.ActionRetries.WithLabelValues(name).Inc()
	}))
	poller := poll.New(telemetry.Logger("POLL"), poll.WithAttemptHook(func(name string) {
		metrics.PollAttempts.WithLabelValues(name).Inc()
	}))
	return &Processor{
		cfg:        cfg,
		page:       page,
		mind:       mind,
		exec:       exec,
		poller:     poller,
		book:       book,
		metrics:    metrics,
		logger:     telemetry.Logger("PLOT"),
		totalPlots: totalPlots,
	}
}

// Process runs the state machine for one plot. The returned error is
// non-nil only for the batch-fatal affordability guard; every other
// failure is recorded on the Record and isolated to this plot.
func (p *Processor) Process(ctx context.Context, plot manifest.Plot) (*Record, error) {
	rec := &Record{PlotID: plot.ID, Row: plot.Row}

	// Idempotence shortcut: a prior ledger entry means payment must never
	// be repeated, under any circumstance. Only the download remains.
	if entry, ok := p.book.Lookup(plot.ID); ok {
		p.logger.Printf("plot %s: ledger entry %s exists, skipping to download", plot.ID, entry.RequestID)
		rec.PreExisting = true
		rec.RequestID = entry.RequestID
		rec.Paid = entry.Paid()
		if entry.Downloaded {
			rec.Downloaded = true
			rec.Outcome = OutcomeDownloaded
			return rec, nil
		}
		p.DownloadFromApplications(ctx, rec)
		return rec, nil
	}

	found, err := p.searchProperty(ctx, plot.ID)
	if err != nil {
		return rec.fail(OutcomeError, err), nil
	}
	if !found {
		p.logger.Printf("plot %s: not owned", plot.ID)
		rec.Outcome = OutcomeNotOwned
		return rec, nil
	}

	if err := p.selectProperty(ctx, plot.ID); err != nil {
		return rec.fail(OutcomeError, err), nil
	}

	requestID, err := p.identifyApplication(ctx, plot.ID)
	if err != nil {
		return rec.fail(OutcomeExtractionFailed, err), nil
	}
	rec.RequestID = requestID
	// Written before payment on purpose: the identifier must survive a
	// crash between extraction and the pay click.
	if err := p.book.RecordPayment(plot.ID, requestID); err != nil {
		return rec.fail(OutcomeError, err), nil
	}

	if err := p.validateFunds(ctx); err != nil {
		var batchErr funds.ErrBatchUnaffordable
		if errors.As(err, &batchErr) {
			rec.fail(OutcomeNotAttempted, err)
			return rec, err
		}
		var plotErr funds.ErrInsufficientFunds
		if errors.As(err, &plotErr) {
			return rec.fail(OutcomeInsufficientFunds, err), nil
		}
		return rec.fail(OutcomeError, err), nil
	}

	if err := p.pay(ctx); err != nil {
		return rec.fail(OutcomeError, err), nil
	}
	rec.Paid = true
	p.metrics.Payments.Inc()
	if err := p.book.MarkPaid(plot.ID); err != nil {
		p.logger.Printf("plot %s: ledger MarkPaid: %v", plot.ID, err)
	}

	p.awaitAndDownload(ctx, rec)
	return rec, nil
}

// searchProperty enters the plot identifier into the property filter and
// reports whether an owned property showed up.
func (p *Processor) searchProperty(ctx context.Context, plotID string) (bool, error) {
	if err := p.page.Navigate(ctx, p.cfg.Portal.HomeURL); err != nil {
		return false, fmt.Errorf("open portal home: %w", err)
	}
	if err := p.act(ctx, "type_plot_filter", fmt.Sprintf("type %q into the property plot number filter field", plotID)); err != nil {
		return false, err
	}
	if err := p.act(ctx, "trigger_search", "click the search button of the property filter"); err != nil {
		return false, err
	}
	if err := p.page.WaitSettled(ctx); err != nil {
		p.logger.Printf("plot %s: settle after search: %v", plotID, err)
	}

	found := false
	ready, err := p.poller.WaitUntilReady(ctx, p.transitionWait("search_results"), func(ctx context.Context) (poll.Outcome, error) {
		obs, err := p.mind.Observe(ctx, fmt.Sprintf("a property search result row for plot %s", plotID))
		if err != nil {
			return poll.NotYet, err
		}
		if len(obs) > 0 {
			found = true
			return poll.Ready, nil
		}
		notOwned, err := p.mind.Extract(ctx,
			"If the page shows a 'no results' or 'you do not own this property' message, return that message; otherwise return an empty string", "")
		if err != nil {
			return poll.NotYet, err
		}
		if strings.TrimSpace(notOwned) != "" {
			return poll.Failed, errNotOwned
		}
		return poll.NotYet, nil
	})
	if errors.Is(err, errNotOwned) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	// An empty result set after the wait is the expected not-owned case,
	// not an error.
	return ready && found, nil
}

// selectProperty picks the matched result and advances through the
// confirmation action.
func (p *Processor) selectProperty(ctx context.Context, plotID string) error {
	if err := p.act(ctx, "select_result", fmt.Sprintf("click the search result row for plot %s to select it", plotID)); err != nil {
		return err
	}
	// Best-effort confirmation: a failed re-observation is logged, not fatal.
	obs, err := p.mind.Observe(ctx, fmt.Sprintf("the selected (highlighted) property row for plot %s", plotID))
	if err != nil || len(obs) == 0 {
		p.logger.Printf("plot %s: could not confirm selection (err=%v, matches=%d)", plotID, err, len(obs))
	}
	return p.act(ctx, "proceed", "click the Proceed button to continue to the application")
}

// identifyApplication waits for the application page and extracts the
// request identifier, with a regex fallback over raw page text.
func (p *Processor) identifyApplication(ctx context.Context, plotID string) (string, error) {
	ready, err := p.poller.WaitUntilReady(ctx, p.transitionWait("application_page"), func(ctx context.Context) (poll.Outcome, error) {
		obs, err := p.mind.Observe(ctx, "the application summary showing an application or request number and a payment section")
		if err != nil {
			return poll.NotYet, err
		}
		if len(obs) > 0 {
			return poll.Ready, nil
		}
		if msg := p.failureIndicator(ctx); msg != "" {
			return poll.Failed, errors.New(msg)
		}
		return poll.NotYet, nil
	})
	if err != nil {
		return "", err
	}
	if !ready {
		p.logger.Printf("plot %s: application page signals not confirmed, extracting anyway", plotID)
	}

	raw, err := p.mind.Extract(ctx,
		"Find the application or request number of this document application and return it",
		`{"request_id":"..."}`)
	if err == nil {
		if id := decodeRequestID(raw); id != "" {
			return id, nil
		}
	} else {
		p.logger.Printf("plot %s: structured extraction: %v", plotID, err)
	}

	// Regex fallback, attempted exactly once.
	text, err := p.page.RawText(ctx)
	if err != nil {
		return "", fmt.Errorf("read page text for fallback: %w", err)
	}
	if m := requestIDExpr.FindStringSubmatch(text); m != nil {
		p.logger.Printf("plot %s: request id %s recovered via text fallback", plotID, m[1])
		return m[1], nil
	}
	return "", fmt.Errorf("no request identifier extractable for plot %s", plotID)
}

func decodeRequestID(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	var decoded struct {
		RequestID string `json:"request_id"`
	}
	if err := json.Unmarshal([]byte(intel.ExtractJSONObject(raw)), &decoded); err == nil {
		if id := strings.TrimSpace(decoded.RequestID); id != "" && requestIDExpr.MatchString("request id: "+id) {
			return id
		}
		return ""
	}
	// Plain-string reply: accept it if it looks like an identifier.
	if requestIDExpr.MatchString("request id: " + raw) {
		return raw
	}
	return ""
}

// validateFunds selects the wallet payment method, reads balance and fee,
// and applies the affordability guards.
func (p *Processor) validateFunds(ctx context.Context) error {
	if err := p.act(ctx, "select_wallet", "select the wallet payment method option"); err != nil {
		return err
	}
	// Intelligence actions can silently no-op: verify the selection by
	// reading state back, and re-select once before giving up.
	if !p.walletSelected(ctx) {
		p.logger.Printf("wallet option not selected after action, retrying selection")
		if err := p.act(ctx, "select_wallet", "select the wallet payment method option"); err != nil {
			return err
		}
		if !p.walletSelected(ctx) {
			return errors.New("wallet payment method could not be selected")
		}
	}

	balance, err := p.extractAmount(ctx, "Return the available wallet balance amount shown on this page", "balance")
	if err != nil {
		return fmt.Errorf("wallet balance: %w", err)
	}
	fee, err := p.extractAmount(ctx, "Return the fee amount payable for this application", "fee")
	if err != nil {
		return fmt.Errorf("application fee: %w", err)
	}

	if !p.certified {
		if err := funds.CheckBatch(balance, fee, p.totalPlots); err != nil {
			return err
		}
		p.certified = true
		p.logger.Printf("batch affordability certified: balance %s covers %d plots at %s", balance, p.totalPlots, fee)
		return nil
	}
	return funds.CheckPlot(balance, fee)
}

// walletSelected verifies the payment method by reading the control's
// state off the page, not by trusting the action's success signal. The
// model only locates the control; the value comes straight from the DOM.
func (p *Processor) walletSelected(ctx context.Context) bool {
	obs, err := p.mind.Observe(ctx, "the payment method selection control")
	if err != nil {
		p.logger.Printf("locate payment method control: %v", err)
	}
	for _, o := range obs {
		value, verr := p.page.SelectedValue(ctx, o.Selector)
		if verr != nil {
			p.logger.Printf("read payment method state from %s: %v", o.Selector, verr)
			continue
		}
		return strings.Contains(strings.ToLower(value), "wallet")
	}
	// Control not locatable: fall back to a model read of the page.
	selected, err := p.mind.Extract(ctx,
		"Return the name of the currently selected payment method exactly as shown, or an empty string if none is selected", "")
	if err != nil {
		p.logger.Printf("read selected payment method: %v", err)
		return false
	}
	return strings.Contains(strings.ToLower(selected), "wallet")
}

func (p *Processor) extractAmount(ctx context.Context, instruction, keyword string) (decimal.Decimal, error) {
	raw, err := p.mind.Extract(ctx, instruction, "")
	if err == nil {
		if amount, perr := funds.ParseAmount(raw); perr == nil {
			return amount, nil
		}
	}
	text, terr := p.page.RawText(ctx)
	if terr != nil {
		return decimal.Zero, fmt.Errorf("no %s amount extractable: %w", keyword, terr)
	}
	for _, line := range strings.Split(text, "\n") {
		if !strings.Contains(strings.ToLower(line), keyword) {
			continue
		}
		if amount, perr := funds.ParseAmount(line); perr == nil {
			return amount, nil
		}
	}
	return decimal.Zero, fmt.Errorf("no %s amount extractable from page", keyword)
}

// pay performs the one non-idempotent action of the pipeline. It is never
// blind-retried; success is verified by the absence of an explicit failure
// indicator, not by the click returning without error.
func (p *Processor) pay(ctx context.Context) error {
	if err := p.mind.Act(ctx, "click the Pay button to pay the application fee from the wallet"); err != nil {
		return fmt.Errorf("pay click: %w", err)
	}
	if err := p.page.WaitSettled(ctx); err != nil {
		p.logger.Printf("settle after payment: %v", err)
	}
	if msg := p.failureIndicator(ctx); msg != "" {
		return fmt.Errorf("payment failure indicator: %s", msg)
	}
	return nil
}

// awaitAndDownload runs the long document-generation wait and the download
// click. The two non-ready endings are distinct: an explicit failure
// indicator means generation failed and retrying is pointless, while an
// exhausted wait cap only means "not yet" and stays pending for the
// recovery pass.
func (p *Processor) awaitAndDownload(ctx context.Context, rec *Record) {
	ready, err := p.poller.WaitUntilReady(ctx, p.documentWait("document_generation"), p.downloadReadyCheck())
	if err != nil {
		rec.fail(OutcomeError, err)
		return
	}
	if !ready {
		p.logger.Printf("plot %s: document not ready within wait cap, deferring to recovery pass", rec.PlotID)
		rec.Outcome = OutcomePendingDownload
		return
	}
	p.download(ctx, rec)
}

// DownloadFromApplications retries only the download step through the
// portal's applications list, searching by the stored request identifier.
// Used for ledger-resumed plots and by the end-of-batch recovery pass.
func (p *Processor) DownloadFromApplications(ctx context.Context, rec *Record) {
	rec.DownloadAttempts++
	rec.LastDownloadAttempt = time.Now()
	if err := p.book.MarkChecked(rec.PlotID); err != nil {
		p.logger.Printf("plot %s: ledger MarkChecked: %v", rec.PlotID, err)
	}

	if err := p.page.Navigate(ctx, p.cfg.Portal.ApplicationsURL); err != nil {
		rec.fail(OutcomePendingDownload, fmt.Errorf("open applications list: %w", err))
		return
	}
	if err := p.act(ctx, "search_applications", fmt.Sprintf("type %q into the applications search field and trigger the search", rec.RequestID)); err != nil {
		rec.fail(OutcomePendingDownload, err)
		return
	}
	if err := p.page.WaitSettled(ctx); err != nil {
		p.logger.Printf("plot %s: settle after application search: %v", rec.PlotID, err)
	}

	ready, err := p.poller.WaitUntilReady(ctx, p.transitionWait("application_lookup"), p.downloadReadyCheck())
	if err != nil {
		rec.fail(OutcomePendingDownload, err)
		return
	}
	if !ready {
		rec.Outcome = OutcomePendingDownload
		return
	}
	p.download(ctx, rec)
}

func (p *Processor) downloadReadyCheck() poll.Check {
	return func(ctx context.Context) (poll.Outcome, error) {
		obs, err := p.mind.Observe(ctx, "a button or link to download the generated document")
		if err != nil {
			return poll.NotYet, err
		}
		if len(obs) > 0 {
			return poll.Ready, nil
		}
		if msg := p.failureIndicator(ctx); msg != "" {
			return poll.Failed, errors.New(msg)
		}
		return poll.NotYet, nil
	}
}

func (p *Processor) download(ctx context.Context, rec *Record) {
	if err := p.act(ctx, "download_document", "click the download button or link for the generated document"); err != nil {
		rec.fail(OutcomePendingDownload, err)
		return
	}
	rec.Downloaded = true
	rec.Outcome = OutcomeDownloaded
	p.metrics.Downloads.Inc()
	if err := p.book.MarkDownloaded(rec.PlotID); err != nil {
		p.logger.Printf("plot %s: ledger MarkDownloaded: %v", rec.PlotID, err)
	}
	p.logger.Printf("plot %s: document downloaded (request %s)", rec.PlotID, rec.RequestID)
}

// failureIndicator reports an explicit error message on the page, or "".
// Read failures are swallowed: the caller polls or proceeds regardless.
func (p *Processor) failureIndicator(ctx context.Context) string {
	msg, err := p.mind.Extract(ctx,
		"If the page shows an explicit error or failure message, return that message; otherwise return an empty string", "")
	if err != nil {
		p.logger.Printf("failure indicator check: %v", err)
		return ""
	}
	return strings.TrimSpace(msg)
}

func (p *Processor) act(ctx context.Context, name, description string) error {
	return p.exec.Do(ctx, name, func(ctx context.Context) error {
		return p.mind.Act(ctx, description)
	})
}

func (p *Processor) transitionWait(name string) poll.Config {
	return poll.Config{
		Name:        name,
		Interval:    p.cfg.Polling.TransitionInterval,
		MaxAttempts: p.cfg.Polling.TransitionAttempts,
	}
}

func (p *Processor) documentWait(name string) poll.Config {
	return poll.Config{
		Name:        name,
		Interval:    p.cfg.Polling.DocumentInterval,
		MaxAttempts: p.cfg.Polling.DocumentAttempts,
	}
}
