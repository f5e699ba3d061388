// Package store defines the persistence interface for the match engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"

	"github.com/atmx/duel-engine/internal/model"
)

// ErrInsufficientFunds is returned by ApplyBalanceDelta when a delta with
// RequireFunds would take the match balance below zero. Nothing is written.
var ErrInsufficientFunds = errors.New("store: insufficient match balance")

// OrderFilter selects orders. Empty fields match everything.
type OrderFilter struct {
	MatchID  string
	PlayerID string
	Statuses []model.OrderStatus
}

// PositionFilter selects positions. Empty fields match everything.
type PositionFilter struct {
	MatchID  string
	PlayerID string
	Status   model.PositionStatus
}

// Outcome is a player's result in a finished match.
type Outcome int

const (
	OutcomeLoss Outcome = iota
	OutcomeWin
	OutcomeDraw
)

func (o Outcome) result() byte {
	switch o {
	case OutcomeWin:
		return model.ResultWin
	case OutcomeDraw:
		return model.ResultDraw
	default:
		return model.ResultLoss
	}
}

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// --- Players ---

	// UpsertPlayer creates or replaces a player profile.
	UpsertPlayer(ctx context.Context, p *model.Player) error

	// GetPlayer retrieves a player by ID.
	GetPlayer(ctx context.Context, id string) (*model.Player, error)

	// RecordResult increments the player's match counters for one outcome.
	RecordResult(ctx context.Context, playerID string, outcome Outcome) error

	// --- Matches ---

	// CreateMatch persists a new match with its participant snapshots.
	CreateMatch(ctx context.Context, m *model.Match) error

	// GetMatch retrieves a match by ID.
	GetMatch(ctx context.Context, id string) (*model.Match, error)

	// UpdateMatch persists status, timestamps, winner and participant balances.
	UpdateMatch(ctx context.Context, m *model.Match) error

	// ListMatches returns matches in any of the given statuses.
	ListMatches(ctx context.Context, statuses ...model.MatchStatus) ([]model.Match, error)

	// OpenMatchForPlayer returns the player's waiting or active match, or
	// model.ErrNotFound.
	OpenMatchForPlayer(ctx context.Context, playerID string) (*model.Match, error)

	// --- Balances ---

	// ApplyBalanceDelta atomically adds d.Amount to the player's global
	// balance and to their match balance, adds d.RealizedPnL to the match
	// realized PnL, and appends entry with its Balance set to the new match
	// balance.
	ApplyBalanceDelta(ctx context.Context, d model.BalanceDelta, entry *model.LedgerEntry) (model.BalanceSnapshot, error)

	// LedgerEntries returns the balance journal of one participant in order.
	LedgerEntries(ctx context.Context, matchID, playerID string) ([]model.LedgerEntry, error)

	// --- Orders ---

	// SaveOrder inserts or replaces an order.
	SaveOrder(ctx context.Context, o *model.Order) error

	// GetOrder retrieves an order by ID.
	GetOrder(ctx context.Context, id string) (*model.Order, error)

	// ListOrders returns orders matching f ordered by sequence.
	ListOrders(ctx context.Context, f OrderFilter) ([]model.Order, error)

	// --- Positions ---

	// SavePosition inserts or replaces a position.
	SavePosition(ctx context.Context, p *model.Position) error

	// GetPosition retrieves a position by ID.
	GetPosition(ctx context.Context, id string) (*model.Position, error)

	// ListPositions returns positions matching f ordered by open time.
	ListPositions(ctx context.Context, f PositionFilter) ([]model.Position, error)

	// --- Trade log ---

	// InsertFill appends a fill and increments the participant's trade count.
	InsertFill(ctx context.Context, f *model.Fill) error

	// ListFills returns a match's fills, optionally for one player.
	ListFills(ctx context.Context, matchID, playerID string) ([]model.Fill, error)
}

func statusIn[T comparable](s T, set []T) bool {
	if len(set) == 0 {
		return true
	}
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}
