package funds

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
)

func TestParseAmount(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"100", "100"},
		{"AED 1,250.50", "1250.50"},
		{"Balance: 3 400.00 dirhams", "3400.00"},
		{"Fee is 100.00", "100.00"},
	}
	for _, tc := range cases {
		got, err := ParseAmount(tc.in)
		if err != nil {
			t.Fatalf("ParseAmount(%q): %v", tc.in, err)
		}
		want, _ := decimal.NewFromString(tc.want)
		if !got.Equal(want) {
			t.Fatalf("ParseAmount(%q) = %s, want %s", tc.in, got, want)
		}
	}
}

func TestParseAmountRejectsNonNumeric(t *testing.T) {
	if _, err := ParseAmount("no balance shown"); err == nil {
		t.Fatalf("expected error for non-numeric text")
	}
	if _, err := ParseAmount(""); err == nil {
		t.Fatalf("expected error for empty text")
	}
}

func TestCheckBatchReportsExactShortfall(t *testing.T) {
	balance := decimal.NewFromInt(250)
	fee := decimal.NewFromInt(100)
	err := CheckBatch(balance, fee, 3)
	var unaffordable ErrBatchUnaffordable
	if !errors.As(err, &unaffordable) {
		t.Fatalf("expected batch unaffordable, got %v", err)
	}
	if !unaffordable.Shortfall.Equal(decimal.NewFromInt(50)) {
		t.Fatalf("expected shortfall 50, got %s", unaffordable.Shortfall)
	}
	if !unaffordable.Required.Equal(decimal.NewFromInt(300)) {
		t.Fatalf("expected required 300, got %s", unaffordable.Required)
	}
}

func TestCheckBatchPassesWhenAffordable(t *testing.T) {
	if err := CheckBatch(decimal.NewFromInt(400), decimal.NewFromInt(100), 3); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := CheckBatch(decimal.NewFromInt(300), decimal.NewFromInt(100), 3); err != nil {
		t.Fatalf("exact balance should pass: %v", err)
	}
}

func TestCheckPlot(t *testing.T) {
	if err := CheckPlot(decimal.NewFromInt(100), decimal.NewFromInt(100)); err != nil {
		t.Fatalf("exact balance should pass: %v", err)
	}
	err := CheckPlot(decimal.NewFromInt(99), decimal.NewFromInt(100))
	var insufficient ErrInsufficientFunds
	if !errors.As(err, &insufficient) {
		t.Fatalf("expected insufficient funds, got %v", err)
	}
}
