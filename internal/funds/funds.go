package funds

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

// ErrBatchUnaffordable aborts the whole batch before any payment: the
// wallet cannot cover every plot in the run.
type ErrBatchUnaffordable struct {
	PlotCount int
	Fee       decimal.Decimal
	Required  decimal.Decimal
	Balance   decimal.Decimal
	Shortfall decimal.Decimal
}

func (e ErrBatchUnaffordable) Error() string {
	return fmt.Sprintf(
		"wallet balance %s cannot cover %d plots at %s each (required %s, short %s)",
		e.Balance, e.PlotCount, e.Fee, e.Required, e.Shortfall,
	)
}

// ErrInsufficientFunds terminates a single plot after the batch-wide check
// already passed (for example the wallet was drained mid-run).
type ErrInsufficientFunds struct {
	Fee     decimal.Decimal
	Balance decimal.Decimal
}

func (e ErrInsufficientFunds) Error() string {
	return fmt.Sprintf("wallet balance %s below fee %s", e.Balance, e.Fee)
}

var amountExpr = regexp.MustCompile(`-?\d[\d,\s']*(?:\.\d+)?`)

// ParseAmount extracts a decimal money amount from portal text, tolerating
// currency symbols, labels, and thousands separators. Text with no number
// in it is an error.
func ParseAmount(raw string) (decimal.Decimal, error) {
	match := amountExpr.FindString(raw)
	if match == "" {
		return decimal.Zero, fmt.Errorf("no numeric amount in %q", strings.TrimSpace(raw))
	}
	cleaned := strings.Map(func(r rune) rune {
		switch r {
		case ',', ' ', '\'', '\u00a0':
			return -1
		}
		return r
	}, match)
	amount, err := decimal.NewFromString(cleaned)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse amount %q: %w", strings.TrimSpace(raw), err)
	}
	return amount, nil
}

// CheckBatch performs the one-time whole-batch affordability guard:
// fee × plotCount against the observed balance. Performed once, on the
// first plot, before any payment in the run.
func CheckBatch(balance, fee decimal.Decimal, plotCount int) error {
	required := fee.Mul(decimal.NewFromInt(int64(plotCount)))
	if balance.GreaterThanOrEqual(required) {
		return nil
	}
	return ErrBatchUnaffordable{
		PlotCount: plotCount,
		Fee:       fee,
		Required:  required,
		Balance:   balance,
		Shortfall: required.Sub(balance),
	}
}

// CheckPlot guards a single payment.
func CheckPlot(balance, fee decimal.Decimal) error {
	if balance.GreaterThanOrEqual(fee) {
		return nil
	}
	return ErrInsufficientFunds{Fee: fee, Balance: balance}
}
