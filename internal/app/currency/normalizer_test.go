package currency

import (
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestNormalizer_Identity(t *testing.T) {
	n := NewNormalizer("USD", nil)

	assert.True(t, n.ToCanonical(d("12.345"), "usd").Equal(d("12.345")))
	assert.True(t, n.Rate("EUR", "eur").Equal(decimal.NewFromInt(1)))
	assert.Equal(t, "USD", n.Canonical())
}

func TestNormalizer_RoundTrip(t *testing.T) {
	n := NewNormalizer("USD", map[string]float64{"EUR": 0.8})

	canonical := n.ToCanonical(d("8"), "EUR")
	require.True(t, canonical.Equal(d("10")), canonical.String())
	assert.True(t, n.FromCanonical(canonical, "EUR").Equal(d("8")))
	assert.True(t, n.Rate("USD", "EUR").Equal(d("0.8")))
	assert.True(t, n.Rate("EUR", "USD").Equal(d("1.25")))
}

func TestNormalizer_UnknownCurrencyFallsBackToOne(t *testing.T) {
	n := NewNormalizer("USD", nil)

	assert.False(t, n.Known("XYZ"))
	assert.True(t, n.ToCanonical(d("42"), "XYZ").Equal(d("42")))
	assert.True(t, n.FromCanonical(d("42"), "XYZ").Equal(d("42")))
	assert.True(t, n.Rate("XYZ", "USD").Equal(decimal.NewFromInt(1)))
}

func TestNormalizer_RebasesOnCanonical(t *testing.T) {
	n := NewNormalizer("EUR", map[string]float64{"EUR": 0.5, "GBP": 0.25})

	assert.True(t, n.ToCanonical(d("1"), "USD").Equal(d("0.5")))
	assert.True(t, n.FromCanonical(d("10"), "GBP").Equal(d("5")))
}

func TestNormalizer_ConcurrentReads(t *testing.T) {
	n := NewNormalizer("USD", nil)

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = n.Convert(d("100"), "GBP", "JPY")
		}()
	}
	wg.Wait()
}

func TestDetectFromLocale(t *testing.T) {
	tests := []struct {
		header string
		want   string
	}{
		{"de-DE,de;q=0.9", "EUR"},
		{"en-GB", "GBP"},
		{"ja", "JPY"},
		{"", "USD"},
		{"!!!", "USD"},
	}
	for _, tt := range tests {
		t.Run(tt.header, func(t *testing.T) {
			assert.Equal(t, tt.want, DetectFromLocale(tt.header, "USD"))
		})
	}
}
