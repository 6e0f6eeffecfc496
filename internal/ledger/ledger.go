package ledger

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// Entry is the durable record for one plot's document application. At most
// one entry per plot ever exists; once created its request ID is never
// replaced. This is the guarantee that prevents duplicate payment across
// process runs.
type Entry struct {
	PlotID      string    `json:"plot_id"`
	RequestID   string    `json:"request_id"`
	RecordedAt  time.Time `json:"recorded_at"`
	PaidAt      time.Time `json:"paid_at,omitempty"`
	Downloaded  bool      `json:"downloaded"`
	LastChecked time.Time `json:"last_checked,omitempty"`
}

// Paid reports whether the pay click was verified for this entry. An entry
// with a zero PaidAt was recorded at extraction time but the payment never
// confirmed (crash or abort between extraction and pay).
func (e Entry) Paid() bool {
	return !e.PaidAt.IsZero()
}

// ErrDuplicateEntry is returned when RecordPayment hits an existing entry.
// Callers always Lookup first, so reaching this is a logic error.
type ErrDuplicateEntry struct {
	PlotID    string
	RequestID string
}

func (e ErrDuplicateEntry) Error() string {
	return fmt.Sprintf("ledger already holds an entry for plot %s (request %s); refusing to overwrite", e.PlotID, e.RequestID)
}

// Ledger is the local application ledger, a single JSON document rewritten
// in full on every mutation. Single-process use only.
type Ledger struct {
	path    string
	logger  *log.Logger
	entries map[string]Entry
}

// New creates a Ledger bound to path. Call Load before use.
func New(path string, logger *log.Logger) *Ledger {
	if logger == nil {
		logger = log.New(log.Writer(), "[LEDGER] ", log.LstdFlags)
	}
	return &Ledger{
		path:    path,
		logger:  logger,
		entries: make(map[string]Entry),
	}
}

// Load reads all entries from disk. Missing storage yields an empty ledger;
// corrupt storage is logged and yields an empty ledger. A batch is never
// aborted over ledger read problems.
func (l *Ledger) Load() error {
	l.entries = make(map[string]Entry)
	raw, err := os.ReadFile(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		l.logger.Printf("read %s: %v; starting with empty ledger", l.path, err)
		return nil
	}
	var list []Entry
	if err := json.Unmarshal(raw, &list); err != nil {
		l.logger.Printf("parse %s: %v; starting with empty ledger", l.path, err)
		return nil
	}
	for _, entry := range list {
		l.entries[entry.PlotID] = entry
	}
	return nil
}

// Lookup returns the entry for a plot, if any.
func (l *Ledger) Lookup(plotID string) (Entry, bool) {
	entry, ok := l.entries[plotID]
	return entry, ok
}

// RecordPayment creates the entry for a plot the moment its request ID is
// extracted. An existing entry is a caller logic error: it is logged loudly
// and left untouched.
func (l *Ledger) RecordPayment(plotID, requestID string) error {
	if existing, ok := l.entries[plotID]; ok {
		err := ErrDuplicateEntry{PlotID: plotID, RequestID: existing.RequestID}
		l.logger.Printf("BUG: %v", err)
		return err
	}
	l.entries[plotID] = Entry{
		PlotID:     plotID,
		RequestID:  requestID,
		RecordedAt: time.Now(),
	}
	return l.persist()
}

// MarkPaid stamps the entry after the pay click was verified.
func (l *Ledger) MarkPaid(plotID string) error {
	entry, ok := l.entries[plotID]
	if !ok {
		l.logger.Printf("warning: MarkPaid for unknown plot %s ignored", plotID)
		return nil
	}
	entry.PaidAt = time.Now()
	l.entries[plotID] = entry
	return l.persist()
}

// MarkDownloaded flags the entry's document as retrieved. Unknown plots are
// a warning no-op.
func (l *Ledger) MarkDownloaded(plotID string) error {
	entry, ok := l.entries[plotID]
	if !ok {
		l.logger.Printf("warning: MarkDownloaded for unknown plot %s ignored", plotID)
		return nil
	}
	entry.Downloaded = true
	entry.LastChecked = time.Now()
	l.entries[plotID] = entry
	return l.persist()
}

// MarkChecked records a download attempt that did not complete.
func (l *Ledger) MarkChecked(plotID string) error {
	entry, ok := l.entries[plotID]
	if !ok {
		return nil
	}
	entry.LastChecked = time.Now()
	l.entries[plotID] = entry
	return l.persist()
}

// Entries returns all entries ordered by plot ID.
func (l *Ledger) Entries() []Entry {
	list := make([]Entry, 0, len(l.entries))
	for _, entry := range l.entries {
		list = append(list, entry)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].PlotID < list[j].PlotID })
	return list
}

// Pending returns entries whose document has not been downloaded yet.
func (l *Ledger) Pending() []Entry {
	var list []Entry
	for _, entry := range l.Entries() {
		if !entry.Downloaded {
			list = append(list, entry)
		}
	}
	return list
}

// persist synchronously rewrites the full document. Every mutating call
// goes through here before returning, so a crash immediately after a
// mutation still leaves a durable record.
func (l *Ledger) persist() error {
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("create ledger dir: %w", err)
	}
	raw, err := json.MarshalIndent(l.Entries(), "", "  ")
	if err != nil {
		return fmt.Errorf("encode ledger: %w", err)
	}
	if err := os.WriteFile(l.path, raw, 0o644); err != nil {
		return fmt.Errorf("write ledger: %w", err)
	}
	return nil
}
