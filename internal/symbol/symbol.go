// Package symbol parses and validates tradable instrument tickers.
package symbol

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Supported quote currencies, longest first so USDT wins over USD.
var quotes = []string{"USDT", "USDC", "BUSD", "USD", "BTC", "ETH"}

// tickerRegex matches: {BASE}{QUOTE}
// Example: BTCUSDT
var tickerRegex = regexp.MustCompile(`^[A-Z0-9]{2,20}$`)

var (
	ErrInvalidSymbol = errors.New("symbol: invalid ticker format")
	ErrInvalidQuote  = errors.New("symbol: unsupported quote currency")
)

// Symbol is a parsed ticker.
type Symbol struct {
	Ticker string `json:"ticker"`
	Base   string `json:"base"`
	Quote  string `json:"quote"`
}

// Parse normalizes and validates a ticker such as "btcusdt".
func Parse(ticker string) (*Symbol, error) {
	t := strings.ToUpper(strings.TrimSpace(ticker))
	if !tickerRegex.MatchString(t) {
		return nil, fmt.Errorf("%w: %q (expected {BASE}{QUOTE}, e.g. BTCUSDT)", ErrInvalidSymbol, ticker)
	}
	for _, q := range quotes {
		if base, ok := strings.CutSuffix(t, q); ok && len(base) >= 2 {
			return &Symbol{Ticker: t, Base: base, Quote: q}, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrInvalidQuote, t)
}
