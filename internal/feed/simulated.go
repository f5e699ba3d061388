package feed

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/duel-engine/internal/model"
)

// SimulatedSource emits a bounded random walk. Used when no upstream feed
// is configured.
type SimulatedSource struct {
	Interval   time.Duration
	Volatility float64 // per-tick standard deviation as a fraction of price
	Start      map[string]decimal.Decimal
}

var defaultStart = map[string]decimal.Decimal{
	"BTCUSDT": decimal.NewFromInt(50000),
	"ETHUSDT": decimal.NewFromInt(3000),
	"SOLUSDT": decimal.NewFromInt(150),
}

// NewSimulatedSource ticks every interval.
func NewSimulatedSource(interval time.Duration) *SimulatedSource {
	return &SimulatedSource{Interval: interval, Volatility: 0.001, Start: defaultStart}
}

func (s *SimulatedSource) Stream(ctx context.Context, symbol string, emit func(model.Tick)) error {
	price, ok := s.Start[symbol]
	if !ok {
		price = decimal.NewFromInt(100)
	}
	floor := price.Div(decimal.NewFromInt(10))

	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			step := decimal.NewFromFloat(rand.NormFloat64() * s.Volatility)
			price = price.Mul(decimal.NewFromInt(1).Add(step)).Round(2)
			if price.LessThan(floor) {
				price = floor
			}
			emit(model.Tick{Symbol: symbol, Price: price, Timestamp: now.UTC()})
		}
	}
}
