// Package price resolves historical USD prices for token symbols, memoized
// per (symbol, day).
package price

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// DayLayout is the canonical calendar-day format used in cache keys.
const DayLayout = "2006-01-02"

// Status tags a Result.
type Status int

const (
	// StatusPriced means a USD price was found.
	StatusPriced Status = iota + 1
	// StatusNoCoin means no coin in the directory carries the symbol.
	StatusNoCoin
	// StatusNoPrice means every candidate coin lacked data for the day.
	StatusNoPrice
)

func (s Status) String() string {
	switch s {
	case StatusPriced:
		return "priced"
	case StatusNoCoin:
		return "no_coin"
	case StatusNoPrice:
		return "no_price"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s Status) MarshalText() ([]byte, error) {
	if s < StatusPriced || s > StatusNoPrice {
		return nil, fmt.Errorf("invalid price status %d", int(s))
	}
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Status) UnmarshalText(text []byte) error {
	parsed, err := ParseStatus(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ParseStatus parses the string form of a Status.
func ParseStatus(v string) (Status, error) {
	switch v {
	case "priced":
		return StatusPriced, nil
	case "no_coin":
		return StatusNoCoin, nil
	case "no_price":
		return StatusNoPrice, nil
	default:
		return 0, fmt.Errorf("invalid price status %q", v)
	}
}

// Result is the outcome of a price resolution. USD is only meaningful when
// Status is StatusPriced.
type Result struct {
	Status Status          `json:"status"`
	USD    decimal.Decimal `json:"usd"`
}

// Priced returns a priced result.
func Priced(usd decimal.Decimal) Result { return Result{Status: StatusPriced, USD: usd} }

// NoCoin returns the result for an unknown symbol.
func NoCoin() Result { return Result{Status: StatusNoCoin} }

// NoPrice returns the result for a known symbol without data on the day.
func NoPrice() Result { return Result{Status: StatusNoPrice} }

// IsPriced reports whether r carries a price.
func (r Result) IsPriced() bool { return r.Status == StatusPriced }

func (r Result) String() string {
	if r.IsPriced() {
		return r.USD.String()
	}
	return r.Status.String()
}

// Key identifies a cached price. Symbol is upper-cased and Day uses DayLayout.
type Key struct {
	Symbol string `json:"symbol"`
	Day    string `json:"day"`
}

// NewKey normalizes symbol and day into a Key.
func NewKey(symbol string, day time.Time) Key {
	return Key{Symbol: strings.ToUpper(strings.TrimSpace(symbol)), Day: day.Format(DayLayout)}
}

// FixedPrices maps upper-cased symbols to a constant USD price. Callers check
// it before asking the resolver, so pegged tokens never reach the provider.
type FixedPrices map[string]decimal.Decimal

// NewFixedPrices pegs every symbol in symbols to usd.
func NewFixedPrices(symbols []string, usd decimal.Decimal) FixedPrices {
	fp := make(FixedPrices, len(symbols))
	for _, s := range symbols {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s != "" {
			fp[s] = usd
		}
	}
	return fp
}

// Lookup returns the fixed price for symbol, if any.
func (fp FixedPrices) Lookup(symbol string) (Result, bool) {
	usd, ok := fp[strings.ToUpper(strings.TrimSpace(symbol))]
	if !ok {
		return Result{}, false
	}
	return Priced(usd), true
}
