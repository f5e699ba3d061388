package execution

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/atmx/duel-engine/internal/model"
	"github.com/atmx/duel-engine/internal/symbol"
)

// normalize fills defaults and rejects malformed commands before any state
// is touched.
func (e *Engine) normalize(cmd *model.SubmitOrderCommand) error {
	sym, err := symbol.Parse(cmd.Symbol)
	if err != nil {
		return model.Invalid("symbol", err.Error())
	}
	cmd.Symbol = sym.Ticker

	if !cmd.Side.Valid() {
		return model.Invalid("side", "must be buy or sell")
	}
	if !cmd.Type.Valid() {
		return model.Invalid("type", "must be market, limit, stop_market or stop_limit")
	}
	if !cmd.Quantity.IsPositive() {
		return model.Invalid("quantity", "must be positive")
	}
	if cmd.Leverage == 0 {
		cmd.Leverage = 1
	}
	if cmd.Leverage < 1 || cmd.Leverage > e.opts.MaxLeverage {
		return model.Invalid("leverage", fmt.Sprintf("must be between 1 and %d", e.opts.MaxLeverage))
	}
	if cmd.MarginMode == "" {
		cmd.MarginMode = model.MarginCross
	}
	if !cmd.MarginMode.Valid() {
		return model.Invalid("margin_mode", "must be cross or isolated")
	}
	if cmd.TimeInForce == "" {
		cmd.TimeInForce = model.TimeInForceGTC
	}
	if !cmd.TimeInForce.Valid() {
		return model.Invalid("time_in_force", "must be GTC or IOC")
	}

	if cmd.Type.NeedsPrice() {
		if !cmd.Price.IsPositive() {
			return model.Invalid("price", fmt.Sprintf("required for %s orders", cmd.Type))
		}
	} else {
		cmd.Price = decimal.Zero
	}
	if cmd.Type.NeedsStop() {
		if !cmd.StopPrice.IsPositive() {
			return model.Invalid("stop_price", fmt.Sprintf("required for %s orders", cmd.Type))
		}
	} else {
		cmd.StopPrice = decimal.Zero
	}

	if cmd.TakeProfit.IsNegative() {
		return model.Invalid("take_profit", "must not be negative")
	}
	if cmd.StopLoss.IsNegative() {
		return model.Invalid("stop_loss", "must not be negative")
	}
	if cmd.ReduceOnly && (cmd.TakeProfit.IsPositive() || cmd.StopLoss.IsPositive()) {
		return model.Invalid("reduce_only", "reduce-only orders cannot carry take-profit or stop-loss")
	}
	return nil
}

// expectedPrice estimates where an order will fill: the limit for limit
// types, the stop for stop-market, the last price for market orders.
func expectedPrice(cmd *model.SubmitOrderCommand, last decimal.Decimal) decimal.Decimal {
	switch cmd.Type {
	case model.OrderLimit, model.OrderStopLimit:
		return cmd.Price
	case model.OrderStopMarket:
		return cmd.StopPrice
	}
	return last
}

// checkTPSL requires a take-profit on the profitable side of ref and a
// stop-loss on the losing side. A zero price means the leg is not set.
func checkTPSL(side model.PositionSide, tp, sl, ref decimal.Decimal) error {
	if !ref.IsPositive() {
		return nil
	}
	if side == model.PositionLong {
		if tp.IsPositive() && !tp.GreaterThan(ref) {
			return model.Invalid("take_profit", "must be above the entry price for a long")
		}
		if sl.IsPositive() && !sl.LessThan(ref) {
			return model.Invalid("stop_loss", "must be below the entry price for a long")
		}
		return nil
	}
	if tp.IsPositive() && !tp.LessThan(ref) {
		return model.Invalid("take_profit", "must be below the entry price for a short")
	}
	if sl.IsPositive() && !sl.GreaterThan(ref) {
		return model.Invalid("stop_loss", "must be above the entry price for a short")
	}
	return nil
}
