// Package feed adapts an external streaming price source into per-symbol
// tick streams with reference-counted subscriptions.
package feed

import (
	"context"

	"github.com/atmx/duel-engine/internal/model"
)

// Source streams ticks for one symbol. Stream blocks until the upstream
// connection ends or ctx is cancelled and reports why. Reconnection is the
// caller's job.
type Source interface {
	Stream(ctx context.Context, symbol string, emit func(model.Tick)) error
}
