// Package currency converts amounts between customer display currencies and
// the canonical settlement currency.
package currency

import (
	"strings"

	"github.com/shopspring/decimal"
)

// DefaultRates are units of each currency per one USD.
var DefaultRates = map[string]float64{
	"USD": 1,
	"EUR": 0.92,
	"GBP": 0.79,
	"CAD": 1.36,
	"AUD": 1.52,
	"NZD": 1.64,
	"CHF": 0.88,
	"SEK": 10.6,
	"NOK": 10.7,
	"DKK": 6.87,
	"PLN": 4.02,
	"JPY": 149.5,
	"CNY": 7.24,
	"INR": 83.2,
	"BRL": 4.97,
	"MXN": 17.1,
	"SGD": 1.34,
	"HKD": 7.82,
	"ZAR": 18.6,
}

const ratePrecision = 8

// Normalizer is an immutable rate table. It has no I/O and is safe for
// concurrent use.
type Normalizer struct {
	canonical string
	rates     map[string]decimal.Decimal
}

// NewNormalizer builds a table anchored at canonical. rates are units of each
// code per one unit of the anchor they were quoted in; overrides win over
// DefaultRates. The table is rebased so canonical has rate 1.
func NewNormalizer(canonical string, overrides map[string]float64) *Normalizer {
	canonical = normalize(canonical)
	if canonical == "" {
		canonical = "USD"
	}

	raw := make(map[string]decimal.Decimal, len(DefaultRates)+len(overrides))
	for code, rate := range DefaultRates {
		raw[normalize(code)] = decimal.NewFromFloat(rate)
	}
	for code, rate := range overrides {
		if rate > 0 {
			raw[normalize(code)] = decimal.NewFromFloat(rate)
		}
	}

	base, ok := raw[canonical]
	if !ok || !base.IsPositive() {
		base = decimal.NewFromInt(1)
	}

	rates := make(map[string]decimal.Decimal, len(raw))
	for code, rate := range raw {
		rates[code] = rate.DivRound(base, ratePrecision)
	}
	rates[canonical] = decimal.NewFromInt(1)

	return &Normalizer{canonical: canonical, rates: rates}
}

func (n *Normalizer) Canonical() string {
	return n.canonical
}

// Known reports whether code has an entry in the rate table.
func (n *Normalizer) Known(code string) bool {
	_, ok := n.rates[normalize(code)]
	return ok
}

// perCanonical returns units of code per one canonical unit. Unknown codes
// degrade to 1 so checkout keeps working with an imprecise display.
func (n *Normalizer) perCanonical(code string) decimal.Decimal {
	if rate, ok := n.rates[normalize(code)]; ok {
		return rate
	}
	return decimal.NewFromInt(1)
}

// Rate returns how many units of to one unit of from buys.
func (n *Normalizer) Rate(from, to string) decimal.Decimal {
	if normalize(from) == normalize(to) {
		return decimal.NewFromInt(1)
	}
	return n.perCanonical(to).DivRound(n.perCanonical(from), ratePrecision)
}

// ToCanonical converts amount in code into the canonical currency. The result
// is not rounded; settlement math rounds at its own boundaries.
func (n *Normalizer) ToCanonical(amount decimal.Decimal, code string) decimal.Decimal {
	if normalize(code) == n.canonical {
		return amount
	}
	return amount.DivRound(n.perCanonical(code), ratePrecision)
}

// FromCanonical converts a canonical amount into code for display, rounded to
// cents.
func (n *Normalizer) FromCanonical(amount decimal.Decimal, code string) decimal.Decimal {
	if normalize(code) == n.canonical {
		return amount.Round(2)
	}
	return amount.Mul(n.perCanonical(code)).Round(2)
}

// Convert is the display conversion between two arbitrary codes.
func (n *Normalizer) Convert(amount decimal.Decimal, from, to string) decimal.Decimal {
	return n.FromCanonical(n.ToCanonical(amount, from), to)
}

func normalize(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
