package model

// Side is the direction of an order.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

func (s Side) Valid() bool { return s == SideBuy || s == SideSell }

// Opposite returns the other side of the book.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// Opens returns the position direction an opening fill on this side creates.
func (s Side) Opens() PositionSide {
	if s == SideBuy {
		return PositionLong
	}
	return PositionShort
}

// Reduces returns the position direction a reduce-only fill on this side shrinks.
func (s Side) Reduces() PositionSide {
	if s == SideBuy {
		return PositionShort
	}
	return PositionLong
}

// PositionSide is the direction of an open position.
type PositionSide string

const (
	PositionLong  PositionSide = "long"
	PositionShort PositionSide = "short"
)

// ClosingSide is the order side that reduces a position of this direction.
func (p PositionSide) ClosingSide() Side {
	if p == PositionLong {
		return SideSell
	}
	return SideBuy
}

// OrderType selects the execution predicate.
type OrderType string

const (
	OrderMarket     OrderType = "market"
	OrderLimit      OrderType = "limit"
	OrderStopMarket OrderType = "stop_market"
	OrderStopLimit  OrderType = "stop_limit"
)

func (t OrderType) Valid() bool {
	switch t {
	case OrderMarket, OrderLimit, OrderStopMarket, OrderStopLimit:
		return true
	}
	return false
}

// NeedsPrice reports whether the type carries a limit price.
func (t OrderType) NeedsPrice() bool { return t == OrderLimit || t == OrderStopLimit }

// NeedsStop reports whether the type carries a stop trigger.
func (t OrderType) NeedsStop() bool { return t == OrderStopMarket || t == OrderStopLimit }

// OrderStatus is the order state machine. Terminal states never change.
type OrderStatus string

const (
	OrderPending   OrderStatus = "pending"
	OrderExecuting OrderStatus = "executing"
	OrderFilled    OrderStatus = "filled"
	OrderCancelled OrderStatus = "cancelled"
	OrderRejected  OrderStatus = "rejected"
)

func (s OrderStatus) IsTerminal() bool {
	return s == OrderFilled || s == OrderCancelled || s == OrderRejected
}

// CanTransition enforces pending → executing → filled, with cancellation only
// from pending and rejection from pending or executing.
func (s OrderStatus) CanTransition(to OrderStatus) bool {
	switch s {
	case OrderPending:
		return to == OrderExecuting || to == OrderCancelled || to == OrderRejected
	case OrderExecuting:
		return to == OrderFilled || to == OrderRejected || to == OrderCancelled
	}
	return false
}

// MarginMode selects where the liquidation buffer is drawn from.
type MarginMode string

const (
	MarginCross    MarginMode = "cross"
	MarginIsolated MarginMode = "isolated"
)

func (m MarginMode) Valid() bool { return m == MarginCross || m == MarginIsolated }

// PositionStatus is the lifecycle of a position.
type PositionStatus string

const (
	PositionOpen       PositionStatus = "open"
	PositionClosed     PositionStatus = "closed"
	PositionLiquidated PositionStatus = "liquidated"
)

// MatchStatus transitions only waiting → active → {completed, cancelled}.
type MatchStatus string

const (
	MatchWaiting   MatchStatus = "waiting"
	MatchActive    MatchStatus = "active"
	MatchCompleted MatchStatus = "completed"
	MatchCancelled MatchStatus = "cancelled"
)

func (s MatchStatus) IsTerminal() bool { return s == MatchCompleted || s == MatchCancelled }

func (s MatchStatus) CanTransition(to MatchStatus) bool {
	switch s {
	case MatchWaiting:
		return to == MatchActive || to == MatchCancelled
	case MatchActive:
		return to == MatchCompleted
	}
	return false
}

// TimeInForce controls how long a resting order stays eligible.
type TimeInForce string

const (
	TimeInForceGTC TimeInForce = "GTC"
	// TimeInForceIOC orders are cancelled if the first tick they see does not fill them.
	TimeInForceIOC TimeInForce = "IOC"
)

func (t TimeInForce) Valid() bool { return t == TimeInForceGTC || t == TimeInForceIOC }

// TriggerDirection is fixed at placement from the reference price.
type TriggerDirection string

const (
	TriggerImmediate TriggerDirection = "immediate"
	TriggerAbove     TriggerDirection = "above" // fires on price >= trigger
	TriggerBelow     TriggerDirection = "below" // fires on price <= trigger
)

// EndReason records why a match reached a terminal state.
type EndReason string

const (
	EndTimer      EndReason = "timer"
	EndQuit       EndReason = "quit"
	EndInstantWin EndReason = "instant_win"
	EndManual     EndReason = "manual"
	EndAbandoned  EndReason = "abandoned"
)

// Tier is a ranked bracket. Brackets are ordered; distance is the ordinal gap.
type Tier string

const (
	TierBronze   Tier = "bronze"
	TierSilver   Tier = "silver"
	TierGold     Tier = "gold"
	TierPlatinum Tier = "platinum"
	TierDiamond  Tier = "diamond"
	TierMaster   Tier = "master"
)

var tierRank = map[Tier]int{
	TierBronze:   0,
	TierSilver:   1,
	TierGold:     2,
	TierPlatinum: 3,
	TierDiamond:  4,
	TierMaster:   5,
}

func (t Tier) Valid() bool {
	_, ok := tierRank[t]
	return ok
}

// Rank returns the bracket ordinal; unknown tiers rank as bronze.
func (t Tier) Rank() int { return tierRank[t] }

// Distance is the absolute bracket gap between two tiers.
func (t Tier) Distance(o Tier) int {
	d := t.Rank() - o.Rank()
	if d < 0 {
		return -d
	}
	return d
}
