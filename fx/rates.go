package fx

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"os"
	"strings"
	"sync"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

var (
	// ErrRateUnavailable is returned when no rate exists for an asset pair.
	ErrRateUnavailable = errors.New("fx: rate unavailable")
	// ErrAmountOverflow is returned when a converted amount does not fit in 64 bits.
	ErrAmountOverflow = errors.New("fx: converted amount overflows")
	// ErrNegativeRate rejects rates below zero.
	ErrNegativeRate = errors.New("fx: negative rate")
)

// RateSource supplies the factor that converts one whole unit of sourceAsset into
// destinationAsset.
type RateSource interface {
	Quote(ctx context.Context, sourceAsset, destinationAsset string) (Quote, error)
}

// Quote is an exact conversion factor: one source unit buys Numerator/Denominator
// destination units. Keeping the denominator lets an inverse pair divide by the
// configured rate instead of multiplying by a rounded reciprocal.
type Quote struct {
	Numerator   decimal.Decimal
	Denominator decimal.Decimal
}

// QuoteOf wraps a plain multiplicative rate.
func QuoteOf(rate decimal.Decimal) Quote {
	return Quote{Numerator: rate, Denominator: decimal.NewFromInt(1)}
}

// Rate renders the factor as a decimal truncated to 18 places, never above the exact value.
func (q Quote) Rate() decimal.Decimal {
	if q.Denominator.IsZero() {
		return decimal.Zero
	}
	return q.Numerator.DivRound(q.Denominator, 19).Truncate(18)
}

type pair struct {
	from string
	to   string
}

// StaticRates is an in-memory rate table. A missing pair falls back to the inverse of
// the reverse pair when one is configured.
type StaticRates struct {
	mu    sync.RWMutex
	rates map[pair]decimal.Decimal
}

// NewStaticRates returns an empty table.
func NewStaticRates() *StaticRates {
	return &StaticRates{rates: make(map[pair]decimal.Decimal)}
}

// Set stores the rate for from → to.
func (s *StaticRates) Set(from, to string, rate decimal.Decimal) error {
	if rate.IsNegative() {
		return fmt.Errorf("%w: %s/%s %s", ErrNegativeRate, from, to, rate)
	}
	key := pair{from: normalize(from), to: normalize(to)}
	s.mu.Lock()
	s.rates[key] = rate
	s.mu.Unlock()
	return nil
}

// Quote implements RateSource.
func (s *StaticRates) Quote(_ context.Context, sourceAsset, destinationAsset string) (Quote, error) {
	from, to := normalize(sourceAsset), normalize(destinationAsset)
	if from == to {
		return QuoteOf(decimal.NewFromInt(1)), nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if rate, ok := s.rates[pair{from: from, to: to}]; ok {
		return QuoteOf(rate), nil
	}
	if inverse, ok := s.rates[pair{from: to, to: from}]; ok && !inverse.IsZero() {
		return Quote{Numerator: decimal.NewFromInt(1), Denominator: inverse}, nil
	}
	return Quote{}, fmt.Errorf("%w: %s/%s", ErrRateUnavailable, from, to)
}

// Rate returns the pair's factor for display; conversions use Quote.
func (s *StaticRates) Rate(ctx context.Context, sourceAsset, destinationAsset string) (decimal.Decimal, error) {
	q, err := s.Quote(ctx, sourceAsset, destinationAsset)
	if err != nil {
		return decimal.Zero, err
	}
	return q.Rate(), nil
}

func normalize(asset string) string {
	return strings.ToUpper(strings.TrimSpace(asset))
}

// Convert turns amount, expressed in units of sourceScale, into units of destScale
// using rate. The result is floored so conversion never manufactures value.
func Convert(amount uint64, sourceScale, destScale uint8, rate decimal.Decimal) (uint64, error) {
	return ConvertQuote(amount, sourceScale, destScale, QuoteOf(rate))
}

// ConvertQuote is Convert for an exact quote. The quotient is taken with integer
// division, so the only rounding is the final floor.
func ConvertQuote(amount uint64, sourceScale, destScale uint8, q Quote) (uint64, error) {
	if q.Numerator.IsNegative() || q.Denominator.IsNegative() {
		return 0, ErrNegativeRate
	}
	if q.Denominator.IsZero() {
		return 0, fmt.Errorf("%w: zero denominator", ErrRateUnavailable)
	}
	num := decimal.NewFromBigInt(new(big.Int).SetUint64(amount), 0).
		Mul(q.Numerator).
		Shift(int32(destScale) - int32(sourceScale))
	den := q.Denominator
	// Scale both sides to integers so big.Int.Quo floors the exact ratio.
	if exp := min(num.Exponent(), den.Exponent()); exp < 0 {
		num = num.Shift(-exp)
		den = den.Shift(-exp)
	}
	out := new(big.Int).Quo(num.BigInt(), den.BigInt())
	converted := decimal.NewFromBigInt(out, 0)
	if !out.IsUint64() {
		return 0, fmt.Errorf("%w: %s", ErrAmountOverflow, converted.String())
	}
	return out.Uint64(), nil
}

// RateSheet is the YAML layout accepted by LoadRateSheet.
type RateSheet struct {
	Rates []SheetEntry `yaml:"rates"`
}

// SheetEntry is one rate in a sheet. Rate is a decimal string to avoid float drift.
type SheetEntry struct {
	From string `yaml:"from"`
	To   string `yaml:"to"`
	Rate string `yaml:"rate"`
}

// LoadRateSheet reads a YAML rate sheet into rates.
func LoadRateSheet(path string, rates *StaticRates) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read rate sheet: %w", err)
	}
	var sheet RateSheet
	if err := yaml.Unmarshal(raw, &sheet); err != nil {
		return fmt.Errorf("decode rate sheet %s: %w", path, err)
	}
	for _, entry := range sheet.Rates {
		rate, err := decimal.NewFromString(strings.TrimSpace(entry.Rate))
		if err != nil {
			return fmt.Errorf("rate sheet %s: %s/%s: %w", path, entry.From, entry.To, err)
		}
		if err := rates.Set(entry.From, entry.To, rate); err != nil {
			return err
		}
	}
	return nil
}
