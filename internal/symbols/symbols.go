// Package symbols resolves base tickers to the broker symbol variants a
// single NSE cash-equity ticker can be held or ordered under, and back.
package symbols

import "strings"

// Suffixes are the exchange-segment variants a base ticker may appear
// under in broker holdings/orders. The empty suffix is the bare ticker.
var Suffixes = []string{"", "-EQ", "-BE", "-BL", "-BZ"}

// Variants returns every broker symbol ticker could be known under.
func Variants(ticker string) []string {
	out := make([]string, len(Suffixes))
	for i, s := range Suffixes {
		out[i] = ticker + s
	}
	return out
}

// Base strips a known exchange-segment suffix from a broker symbol,
// returning the base ticker. A broker symbol carrying no recognized
// suffix is returned unchanged.
func Base(brokerSymbol string) string {
	for _, s := range Suffixes {
		if s == "" {
			continue
		}
		if strings.HasSuffix(brokerSymbol, s) {
			return strings.TrimSuffix(brokerSymbol, s)
		}
	}
	return brokerSymbol
}
