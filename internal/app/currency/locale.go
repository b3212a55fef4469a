package currency

import (
	"golang.org/x/text/currency"
	"golang.org/x/text/language"
)

// DetectFromLocale guesses a display currency from an Accept-Language header.
// It is a display heuristic only; settlement never depends on it. fallback is
// returned when no tag resolves to a region with a currency.
func DetectFromLocale(acceptLanguage, fallback string) string {
	tags, _, err := language.ParseAcceptLanguage(acceptLanguage)
	if err != nil {
		return fallback
	}
	for _, tag := range tags {
		region, conf := tag.Region()
		if conf == language.No {
			continue
		}
		if unit, ok := currency.FromRegion(region); ok {
			return unit.String()
		}
	}
	return fallback
}
