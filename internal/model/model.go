// Package model defines the core domain types shared across the match engine.
// Monetary values use shopspring/decimal, never float64.
package model

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Player is the persisted profile slice the engine reads and mutates.
// Balance is the global balance shared across all of a player's matches.
type Player struct {
	ID            string          `json:"id" db:"id"`
	Username      string          `json:"username" db:"username"`
	Tier          Tier            `json:"tier" db:"tier"`
	Balance       decimal.Decimal `json:"balance" db:"balance"`
	MatchesPlayed int             `json:"matches_played" db:"matches_played"`
	Wins          int             `json:"wins" db:"wins"`
	Losses        int             `json:"losses" db:"losses"`
	Draws         int             `json:"draws" db:"draws"`
	// Recent holds the latest results, oldest first, one Result letter each.
	Recent        string          `json:"recent" db:"recent"`
	UpdatedAt     time.Time       `json:"updated_at" db:"updated_at"`
}

// RecentWindow is how many of the latest results the win rate covers.
const RecentWindow = 20

// Result letters kept in Player.Recent.
const (
	ResultWin  byte = 'W'
	ResultLoss byte = 'L'
	ResultDraw byte = 'D'
)

// PushResult appends result to recent and keeps the latest RecentWindow.
func PushResult(recent string, result byte) string {
	recent += string(result)
	if len(recent) > RecentWindow {
		recent = recent[len(recent)-RecentWindow:]
	}
	return recent
}

// Rated reports whether the player has a win-rate history.
func (p Player) Rated() bool { return p.MatchesPlayed > 0 || p.Recent != "" }

// WinRate is the percentage of the last RecentWindow matches won, clamped
// to [0, 100]. Profiles without a recent window fall back to lifetime counts.
func (p Player) WinRate() decimal.Decimal {
	wins, played := p.Wins, p.MatchesPlayed
	if p.Recent != "" {
		wins, played = strings.Count(p.Recent, string(ResultWin)), len(p.Recent)
	}
	if played <= 0 {
		return decimal.Zero
	}
	rate := decimal.NewFromInt(int64(wins)).
		Mul(decimal.NewFromInt(100)).
		Div(decimal.NewFromInt(int64(played)))
	return ClampPercent(rate)
}

// ClampPercent bounds a percentage to [0, 100].
func ClampPercent(v decimal.Decimal) decimal.Decimal {
	hundred := decimal.NewFromInt(100)
	if v.LessThan(decimal.Zero) {
		return decimal.Zero
	}
	if v.GreaterThan(hundred) {
		return hundred
	}
	return v
}

// Participant is one player's snapshot inside a match.
type Participant struct {
	PlayerID        string          `json:"player_id" db:"player_id"`
	StartingBalance decimal.Decimal `json:"starting_balance" db:"starting_balance"`
	Balance         decimal.Decimal `json:"balance" db:"balance"`
	RealizedPnL     decimal.Decimal `json:"realized_pnl" db:"realized_pnl"`
	TradeCount      int             `json:"trade_count" db:"trade_count"`
	Joined          bool            `json:"joined" db:"joined"`
}

// Match is a two-player trading duel. Immutable once terminal.
type Match struct {
	ID           string         `json:"id" db:"id"`
	Status       MatchStatus    `json:"status" db:"status"`
	Duration     time.Duration  `json:"duration" db:"duration"`
	Participants [2]Participant `json:"participants"`
	WinnerID     string         `json:"winner_id,omitempty" db:"winner_id"`
	EndReason    EndReason      `json:"end_reason,omitempty" db:"end_reason"`
	CreatedAt    time.Time      `json:"created_at" db:"created_at"`
	StartedAt    *time.Time     `json:"started_at,omitempty" db:"started_at"`
	EndedAt      *time.Time     `json:"ended_at,omitempty" db:"ended_at"`
}

// Participant returns the snapshot for a player and whether they are in the match.
func (m *Match) Participant(playerID string) (*Participant, bool) {
	for i := range m.Participants {
		if m.Participants[i].PlayerID == playerID {
			return &m.Participants[i], true
		}
	}
	return nil, false
}

// Opponent returns the other participant's ID, or "" if playerID is not in the match.
func (m *Match) Opponent(playerID string) string {
	switch playerID {
	case m.Participants[0].PlayerID:
		return m.Participants[1].PlayerID
	case m.Participants[1].PlayerID:
		return m.Participants[0].PlayerID
	}
	return ""
}

// PlayerIDs returns both participants in seat order.
func (m *Match) PlayerIDs() []string {
	return []string{m.Participants[0].PlayerID, m.Participants[1].PlayerID}
}

// EndsAt is the scheduled expiry, zero before activation.
func (m *Match) EndsAt() time.Time {
	if m.StartedAt == nil {
		return time.Time{}
	}
	return m.StartedAt.Add(m.Duration)
}

// Order is a simulated order inside a match.
type Order struct {
	ID             string           `json:"id" db:"id"`
	MatchID        string           `json:"match_id" db:"match_id"`
	PlayerID       string           `json:"player_id" db:"player_id"`
	Symbol         string           `json:"symbol" db:"symbol"`
	Side           Side             `json:"side" db:"side"`
	Type           OrderType        `json:"type" db:"type"`
	Quantity       decimal.Decimal  `json:"quantity" db:"quantity"`
	Price          decimal.Decimal  `json:"price,omitempty" db:"price"`
	StopPrice      decimal.Decimal  `json:"stop_price,omitempty" db:"stop_price"`
	Leverage       int              `json:"leverage" db:"leverage"`
	MarginMode     MarginMode       `json:"margin_mode" db:"margin_mode"`
	TimeInForce    TimeInForce      `json:"time_in_force" db:"time_in_force"`
	ReduceOnly     bool             `json:"reduce_only" db:"reduce_only"`
	TakeProfit     decimal.Decimal  `json:"take_profit,omitempty" db:"take_profit"`
	StopLoss       decimal.Decimal  `json:"stop_loss,omitempty" db:"stop_loss"`
	Status         OrderStatus      `json:"status" db:"status"`
	Trigger        TriggerDirection `json:"trigger" db:"trigger"`
	Triggered      bool             `json:"triggered" db:"triggered"` // stop-limit stop phase passed
	ReferencePrice decimal.Decimal  `json:"reference_price" db:"reference_price"`
	MarginHeld     decimal.Decimal  `json:"margin_held" db:"margin_held"`
	ParentID       string           `json:"parent_id,omitempty" db:"parent_id"`
	PositionID     string           `json:"position_id,omitempty" db:"position_id"`
	FillPrice      decimal.Decimal  `json:"fill_price,omitempty" db:"fill_price"`
	FilledQty      decimal.Decimal  `json:"filled_qty,omitempty" db:"filled_qty"`
	FilledAt       *time.Time       `json:"filled_at,omitempty" db:"filled_at"`
	Reason         string           `json:"reason,omitempty" db:"reason"`
	Seq            uint64           `json:"seq" db:"seq"`
	CreatedAt      time.Time        `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at" db:"updated_at"`
}

// IsChild reports whether the order is a take-profit/stop-loss leg of a position.
func (o *Order) IsChild() bool { return o.PositionID != "" && o.ReduceOnly }

// Position is a leveraged position opened by fills.
type Position struct {
	ID               string          `json:"id" db:"id"`
	MatchID          string          `json:"match_id" db:"match_id"`
	PlayerID         string          `json:"player_id" db:"player_id"`
	Symbol           string          `json:"symbol" db:"symbol"`
	Side             PositionSide    `json:"side" db:"side"`
	Size             decimal.Decimal `json:"size" db:"size"`
	EntryPrice       decimal.Decimal `json:"entry_price" db:"entry_price"`
	MarkPrice        decimal.Decimal `json:"mark_price" db:"mark_price"`
	Margin           decimal.Decimal `json:"margin" db:"margin"`
	Leverage         int             `json:"leverage" db:"leverage"`
	MarginMode       MarginMode      `json:"margin_mode" db:"margin_mode"`
	LiquidationPrice decimal.Decimal `json:"liquidation_price" db:"liquidation_price"`
	UnrealizedPnL    decimal.Decimal `json:"unrealized_pnl" db:"unrealized_pnl"`
	ROI              decimal.Decimal `json:"roi" db:"roi"`                   // percent of margin
	MarginRatio      decimal.Decimal `json:"margin_ratio" db:"margin_ratio"` // percent of margin
	RealizedPnL      decimal.Decimal `json:"realized_pnl" db:"realized_pnl"`
	TakeProfit       decimal.Decimal `json:"take_profit,omitempty" db:"take_profit"`
	StopLoss         decimal.Decimal `json:"stop_loss,omitempty" db:"stop_loss"`
	Status           PositionStatus  `json:"status" db:"status"`
	ClosePrice       decimal.Decimal `json:"close_price,omitempty" db:"close_price"`
	OpenedAt         time.Time       `json:"opened_at" db:"opened_at"`
	UpdatedAt        time.Time       `json:"updated_at" db:"updated_at"`
	ClosedAt         *time.Time      `json:"closed_at,omitempty" db:"closed_at"`
}

// Notional is size × entry price.
func (p *Position) Notional() decimal.Decimal { return p.Size.Mul(p.EntryPrice) }

// Fill is one execution in a participant's trade log.
type Fill struct {
	ID          string          `json:"id" db:"id"`
	OrderID     string          `json:"order_id" db:"order_id"`
	MatchID     string          `json:"match_id" db:"match_id"`
	PlayerID    string          `json:"player_id" db:"player_id"`
	PositionID  string          `json:"position_id" db:"position_id"`
	Symbol      string          `json:"symbol" db:"symbol"`
	Side        Side            `json:"side" db:"side"`
	Quantity    decimal.Decimal `json:"quantity" db:"quantity"`
	Price       decimal.Decimal `json:"price" db:"price"`
	RealizedPnL decimal.Decimal `json:"realized_pnl" db:"realized_pnl"`
	Timestamp   time.Time       `json:"timestamp" db:"timestamp"`
}

// LedgerKind classifies a balance movement.
type LedgerKind string

const (
	LedgerMarginHold    LedgerKind = "margin_hold"
	LedgerMarginRefund  LedgerKind = "margin_refund"
	LedgerMarginAdjust  LedgerKind = "margin_adjust"
	LedgerPositionClose LedgerKind = "position_close"
	LedgerLiquidation   LedgerKind = "liquidation"
)

// LedgerEntry is an immutable record of a balance movement.
// Once created, these are never modified or deleted.
type LedgerEntry struct {
	ID          string          `json:"id" db:"id"`
	MatchID     string          `json:"match_id" db:"match_id"`
	PlayerID    string          `json:"player_id" db:"player_id"`
	Kind        LedgerKind      `json:"kind" db:"kind"`
	Amount      decimal.Decimal `json:"amount" db:"amount"`             // signed: +credit, -debit
	RealizedPnL decimal.Decimal `json:"realized_pnl" db:"realized_pnl"` // portion of Amount that is PnL
	Reference   string          `json:"reference" db:"reference"`       // order or position ID
	Balance     decimal.Decimal `json:"balance" db:"balance"`           // match balance after
	Timestamp   time.Time       `json:"timestamp" db:"timestamp"`
}

// BalanceDelta is one atomic mutation of a (match, player) balance pair.
type BalanceDelta struct {
	MatchID     string
	PlayerID    string
	Amount      decimal.Decimal
	RealizedPnL decimal.Decimal
	// RequireFunds rejects the mutation if the match balance would go negative.
	RequireFunds bool
}

// BalanceSnapshot is the state of both balances after a mutation.
type BalanceSnapshot struct {
	MatchID         string          `json:"match_id"`
	PlayerID        string          `json:"player_id"`
	MatchBalance    decimal.Decimal `json:"match_balance"`
	RealizedPnL     decimal.Decimal `json:"realized_pnl"`
	GlobalBalance   decimal.Decimal `json:"global_balance"`
	StartingBalance decimal.Decimal `json:"starting_balance"`
}

// Tick is one price observation from the external feed.
type Tick struct {
	Symbol    string          `json:"symbol"`
	Price     decimal.Decimal `json:"price"`
	Timestamp time.Time       `json:"timestamp"`
}
