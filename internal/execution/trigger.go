package execution

import (
	"github.com/shopspring/decimal"

	"github.com/atmx/duel-engine/internal/model"
)

// limitDirection fixes when a limit order fires, given the reference price at
// placement. A limit below the reference waits for a pullback to it, a limit
// above waits for a breakout through it. Without a reference a buy waits for
// the price to fall to the limit and a sell for it to rise.
func limitDirection(side model.Side, limit, ref decimal.Decimal) model.TriggerDirection {
	if !ref.IsPositive() {
		if side == model.SideBuy {
			return model.TriggerBelow
		}
		return model.TriggerAbove
	}
	switch limit.Cmp(ref) {
	case 1:
		return model.TriggerAbove
	case -1:
		return model.TriggerBelow
	}
	return model.TriggerImmediate
}

// stopDirection: a buy stop fires on a rise to the stop, a sell stop on a fall.
func stopDirection(side model.Side) model.TriggerDirection {
	if side == model.SideBuy {
		return model.TriggerAbove
	}
	return model.TriggerBelow
}

// postTriggerDirection is the limit leg of a triggered stop-limit: a buy
// fills at or below its limit, a sell at or above.
func postTriggerDirection(side model.Side) model.TriggerDirection {
	if side == model.SideBuy {
		return model.TriggerBelow
	}
	return model.TriggerAbove
}

func crossed(dir model.TriggerDirection, price, level decimal.Decimal) bool {
	switch dir {
	case model.TriggerAbove:
		return price.GreaterThanOrEqual(level)
	case model.TriggerBelow:
		return price.LessThanOrEqual(level)
	}
	return true
}

// evaluate reports whether o fills at price. For a stop-limit it also
// reports whether this price passed the stop phase.
func evaluate(o *model.Order, price decimal.Decimal) (fill, triggered bool) {
	switch o.Type {
	case model.OrderMarket:
		return true, false
	case model.OrderLimit:
		return crossed(o.Trigger, price, o.Price), false
	case model.OrderStopMarket:
		return crossed(o.Trigger, price, o.StopPrice), false
	case model.OrderStopLimit:
		if !o.Triggered {
			if !crossed(o.Trigger, price, o.StopPrice) {
				return false, false
			}
			triggered = true
		}
		return crossed(postTriggerDirection(o.Side), price, o.Price), triggered
	}
	return false, false
}

// armed reports whether an IOC order has had its chance to fill. Stop
// orders are armed only once their stop has triggered.
func armed(o *model.Order) bool {
	switch o.Type {
	case model.OrderMarket, model.OrderLimit:
		return true
	case model.OrderStopLimit:
		return o.Triggered
	}
	return false
}
