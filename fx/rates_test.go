package fx

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
)

func TestConvertScalesAndFloors(t *testing.T) {
	cases := []struct {
		name     string
		amount   uint64
		src, dst uint8
		rate     string
		want     uint64
	}{
		{"same scale identity", 1000, 2, 2, "1", 1000},
		{"scale up", 123, 2, 9, "1", 1_230_000_000},
		{"scale down floors", 1999, 3, 1, "1", 19},
		{"rate floors", 10, 0, 0, "0.33", 3},
		{"rate and scale", 100, 2, 4, "0.9", 9000},
		{"dust rounds to zero", 1, 9, 2, "1", 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Convert(tc.amount, tc.src, tc.dst, decimal.RequireFromString(tc.rate))
			if err != nil {
				t.Fatalf("convert: %v", err)
			}
			if got != tc.want {
				t.Fatalf("expected %d, got %d", tc.want, got)
			}
		})
	}
}

func TestConvertOverflow(t *testing.T) {
	_, err := Convert(math.MaxUint64, 0, 2, decimal.NewFromInt(1))
	if !errors.Is(err, ErrAmountOverflow) {
		t.Fatalf("expected overflow, got %v", err)
	}
}

func TestStaticRatesInverseAndMissing(t *testing.T) {
	rates := NewStaticRates()
	if err := rates.Set("usd", "EUR", decimal.RequireFromString("0.5")); err != nil {
		t.Fatalf("set: %v", err)
	}
	ctx := context.Background()
	rate, err := rates.Rate(ctx, "EUR", "USD")
	if err != nil {
		t.Fatalf("inverse rate: %v", err)
	}
	if !rate.Equal(decimal.NewFromInt(2)) {
		t.Fatalf("expected inverse 2, got %s", rate)
	}
	same, err := rates.Rate(ctx, "XRP", "xrp")
	if err != nil || !same.Equal(decimal.NewFromInt(1)) {
		t.Fatalf("same asset should convert 1:1, got %s %v", same, err)
	}
	if _, err := rates.Rate(ctx, "USD", "JPY"); !errors.Is(err, ErrRateUnavailable) {
		t.Fatalf("expected unavailable, got %v", err)
	}
	if err := rates.Set("USD", "BTC", decimal.NewFromInt(-1)); !errors.Is(err, ErrNegativeRate) {
		t.Fatalf("expected negative rate error, got %v", err)
	}
}

func TestInverseQuoteNeverManufacturesValue(t *testing.T) {
	rates := NewStaticRates()
	if err := rates.Set("AAA", "BBB", decimal.RequireFromString("1.5")); err != nil {
		t.Fatalf("set: %v", err)
	}
	quote, err := rates.Quote(context.Background(), "BBB", "AAA")
	if err != nil {
		t.Fatalf("quote: %v", err)
	}
	cases := []struct {
		name     string
		amount   uint64
		src, dst uint8
		want     uint64
	}{
		{"large amount exact", 3_000_000_000_000_000_000, 0, 0, 2_000_000_000_000_000_000},
		{"small amount exact", 3, 0, 0, 2},
		{"remainder floors", 4, 0, 0, 2},
		{"wide scale shift", 3_000_000_000, 0, 9, 2_000_000_000_000_000_000},
		{"scale down", 1_500, 3, 0, 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ConvertQuote(tc.amount, tc.src, tc.dst, quote)
			if err != nil {
				t.Fatalf("convert: %v", err)
			}
			if got != tc.want {
				t.Fatalf("expected %d, got %d", tc.want, got)
			}
		})
	}

	display, err := rates.Rate(context.Background(), "BBB", "AAA")
	if err != nil {
		t.Fatalf("rate: %v", err)
	}
	if display.Mul(decimal.RequireFromString("1.5")).GreaterThan(decimal.NewFromInt(1)) {
		t.Fatalf("displayed inverse %s exceeds the exact reciprocal", display)
	}
}

func TestLoadRateSheet(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rates.yaml")
	sheet := "rates:\n  - from: USD\n    to: EUR\n    rate: \"0.92\"\n"
	if err := os.WriteFile(path, []byte(sheet), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	rates := NewStaticRates()
	if err := LoadRateSheet(path, rates); err != nil {
		t.Fatalf("load: %v", err)
	}
	rate, err := rates.Rate(context.Background(), "USD", "EUR")
	if err != nil {
		t.Fatalf("rate: %v", err)
	}
	if !rate.Equal(decimal.RequireFromString("0.92")) {
		t.Fatalf("unexpected rate %s", rate)
	}
}
