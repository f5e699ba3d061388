package symbol

import (
	"errors"
	"testing"
)

func TestParse_Valid(t *testing.T) {
	tests := []struct {
		in    string
		base  string
		quote string
	}{
		{"BTCUSDT", "BTC", "USDT"},
		{"ethusdt", "ETH", "USDT"},
		{" SOLUSDC ", "SOL", "USDC"},
		{"ETHBTC", "ETH", "BTC"},
		{"XRPUSD", "XRP", "USD"},
	}
	for _, tt := range tests {
		s, err := Parse(tt.in)
		if err != nil {
			t.Fatalf("Parse(%q): %v", tt.in, err)
		}
		if s.Base != tt.base || s.Quote != tt.quote {
			t.Errorf("Parse(%q) = %s/%s, want %s/%s", tt.in, s.Base, s.Quote, tt.base, tt.quote)
		}
	}
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		in   string
		want error
	}{
		{"", ErrInvalidSymbol},
		{"BTC-USDT", ErrInvalidSymbol},
		{"BTCEUR", ErrInvalidQuote},
		{"USDT", ErrInvalidQuote},
	}
	for _, tt := range tests {
		_, err := Parse(tt.in)
		if !errors.Is(err, tt.want) {
			t.Errorf("Parse(%q) error = %v, want %v", tt.in, err, tt.want)
		}
	}
}
