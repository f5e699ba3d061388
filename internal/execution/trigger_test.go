package execution

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/atmx/duel-engine/internal/model"
)

func TestLimitDirection(t *testing.T) {
	tests := []struct {
		name  string
		side  model.Side
		limit string
		ref   string
		want  model.TriggerDirection
	}{
		{"buy below market waits for pullback", model.SideBuy, "49000", "50000", model.TriggerBelow},
		{"buy above market waits for breakout", model.SideBuy, "51000", "50000", model.TriggerAbove},
		{"sell above market", model.SideSell, "51000", "50000", model.TriggerAbove},
		{"sell below market", model.SideSell, "49000", "50000", model.TriggerBelow},
		{"at market", model.SideBuy, "50000", "50000", model.TriggerImmediate},
		{"buy without reference", model.SideBuy, "50000", "0", model.TriggerBelow},
		{"sell without reference", model.SideSell, "50000", "0", model.TriggerAbove},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, limitDirection(tt.side, d(tt.limit), d(tt.ref)))
		})
	}
}

func TestEvaluate(t *testing.T) {
	limitBuy := &model.Order{Type: model.OrderLimit, Side: model.SideBuy, Price: d("49000"), Trigger: model.TriggerBelow}
	stopSell := &model.Order{Type: model.OrderStopMarket, Side: model.SideSell, StopPrice: d("48000"), Trigger: model.TriggerBelow}
	market := &model.Order{Type: model.OrderMarket, Side: model.SideBuy}

	tests := []struct {
		name  string
		order *model.Order
		price string
		fill  bool
	}{
		{"pullback not reached", limitBuy, "49000.01", false},
		{"pullback touched", limitBuy, "49000", true},
		{"pullback through", limitBuy, "48000", true},
		{"stop not hit", stopSell, "48500", false},
		{"stop hit", stopSell, "47999", true},
		{"market always", market, "1", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fill, triggered := evaluate(tt.order, d(tt.price))
			assert.Equal(t, tt.fill, fill)
			assert.False(t, triggered)
		})
	}
}

func TestEvaluate_StopLimitTwoPhase(t *testing.T) {
	o := &model.Order{
		Type:      model.OrderStopLimit,
		Side:      model.SideBuy,
		StopPrice: d("51000"),
		Price:     d("51500"),
		Trigger:   stopDirection(model.SideBuy),
	}

	fill, triggered := evaluate(o, d("50500"))
	assert.False(t, fill)
	assert.False(t, triggered)

	fill, triggered = evaluate(o, d("52000"))
	assert.False(t, fill, "above the limit")
	assert.True(t, triggered)
	o.Triggered = true

	fill, triggered = evaluate(o, d("50000"))
	assert.True(t, fill, "once triggered the stop no longer gates")
	assert.False(t, triggered)
}

func TestArmed(t *testing.T) {
	assert.True(t, armed(&model.Order{Type: model.OrderLimit}))
	assert.False(t, armed(&model.Order{Type: model.OrderStopMarket}))
	assert.False(t, armed(&model.Order{Type: model.OrderStopLimit}))
	assert.True(t, armed(&model.Order{Type: model.OrderStopLimit, Triggered: true}))
}

func TestCheckTPSL(t *testing.T) {
	ref := decimal.NewFromInt(50000)
	assert.NoError(t, checkTPSL(model.PositionLong, d("52000"), d("48000"), ref))
	assert.ErrorIs(t, checkTPSL(model.PositionLong, d("49000"), decimal.Zero, ref), model.ErrValidation)
	assert.ErrorIs(t, checkTPSL(model.PositionLong, decimal.Zero, d("51000"), ref), model.ErrValidation)
	assert.NoError(t, checkTPSL(model.PositionShort, d("48000"), d("52000"), ref))
	assert.ErrorIs(t, checkTPSL(model.PositionShort, d("52000"), decimal.Zero, ref), model.ErrValidation)
	assert.NoError(t, checkTPSL(model.PositionShort, d("52000"), decimal.Zero, decimal.Zero), "no reference, nothing to check")
}
