// Package symbols resolves the many instrument spellings used across venues
// (bare base, base/quote, base/quote:settle, venue-native concatenated ids)
// into one canonical key. All cross-venue lookups route through Canonical.
package symbols

import (
	"strings"
)

// quoteAssets are the quote/settle currencies stripped from venue-native
// concatenated symbols like BTCUSDT.
var quoteAssets = []string{"USDT", "USDC", "BUSD", "USD", "PERP"}

// Canonical returns the canonical instrument key (the uppercased base
// asset) for any supported symbol form.
func Canonical(symbol string) string {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	if s == "" {
		return ""
	}

	// base/quote:settle -> base/quote
	if i := strings.Index(s, ":"); i >= 0 {
		s = s[:i]
	}

	// base/quote or base-quote or base_quote -> base
	for _, sep := range []string{"/", "-", "_"} {
		if i := strings.Index(s, sep); i >= 0 {
			return s[:i]
		}
	}

	// venue-native concatenated form, e.g. BTCUSDT
	for _, q := range quoteAssets {
		if strings.HasSuffix(s, q) && len(s) > len(q) {
			return strings.TrimSuffix(s, q)
		}
	}

	return s
}

// SameInstrument reports whether two symbols, in any supported form, refer
// to the same base instrument.
func SameInstrument(a, b string) bool {
	return Canonical(a) == Canonical(b)
}
