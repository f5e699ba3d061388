package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// SubmitOrderCommand is the typed input of submitOrder.
type SubmitOrderCommand struct {
	MatchID     string          `json:"match_id" validate:"required"`
	PlayerID    string          `json:"-" validate:"required"`
	Symbol      string          `json:"symbol" validate:"required"`
	Side        Side            `json:"side" validate:"required,oneof=buy sell"`
	Type        OrderType       `json:"type" validate:"required,oneof=market limit stop_market stop_limit"`
	Quantity    decimal.Decimal `json:"quantity"`
	Price       decimal.Decimal `json:"price"`
	StopPrice   decimal.Decimal `json:"stop_price"`
	Leverage    int             `json:"leverage" validate:"min=1"`
	MarginMode  MarginMode      `json:"margin_mode" validate:"omitempty,oneof=cross isolated"`
	TakeProfit  decimal.Decimal `json:"take_profit"`
	StopLoss    decimal.Decimal `json:"stop_loss"`
	TimeInForce TimeInForce     `json:"time_in_force" validate:"omitempty,oneof=GTC IOC"`
	ReduceOnly  bool            `json:"reduce_only"`
}

// CancelOrderCommand is the typed input of cancelOrder.
type CancelOrderCommand struct {
	OrderID  string `json:"order_id" validate:"required"`
	PlayerID string `json:"-" validate:"required"`
}

// ClosePositionCommand closes a position at Price, or at the current mark when zero.
type ClosePositionCommand struct {
	PositionID string          `json:"position_id" validate:"required"`
	PlayerID   string          `json:"-" validate:"required"`
	Price      decimal.Decimal `json:"price"`
}

// CloseResult is returned by closePosition.
type CloseResult struct {
	PositionID  string          `json:"position_id"`
	ClosePrice  decimal.Decimal `json:"close_price"`
	RealizedPnL decimal.Decimal `json:"realized_pnl"`
	TotalReturn decimal.Decimal `json:"total_return"` // margin + realized PnL credited
}

// UpdateLeverageCommand changes a position's leverage, re-deriving margin.
type UpdateLeverageCommand struct {
	PositionID string `json:"position_id" validate:"required"`
	PlayerID   string `json:"-" validate:"required"`
	Leverage   int    `json:"leverage" validate:"min=1"`
}

// UpdateTPSLCommand replaces a position's take-profit/stop-loss legs.
// A zero price removes that leg.
type UpdateTPSLCommand struct {
	PositionID string          `json:"position_id" validate:"required"`
	PlayerID   string          `json:"-" validate:"required"`
	TakeProfit decimal.Decimal `json:"take_profit"`
	StopLoss   decimal.Decimal `json:"stop_loss"`
}

// QueuePreferences is the input of createMatch.
type QueuePreferences struct {
	Duration time.Duration `json:"duration"`
}
