// Package ledger applies margin and PnL movements to a player's global and
// per-match balances and journals each one.
//
// Mutations for one (match, player) pair are serialized in call order.
// Mutations for different pairs never contend on the same lock.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atmx/duel-engine/internal/metrics"
	"github.com/atmx/duel-engine/internal/model"
	"github.com/atmx/duel-engine/internal/notify"
	"github.com/atmx/duel-engine/internal/store"
)

var (
	// ErrInsufficientBalance is returned by Debit when the match balance
	// cannot cover the amount.
	ErrInsufficientBalance = errors.New("ledger: insufficient match balance")

	// ErrInvalidAmount is returned for negative debit amounts.
	ErrInvalidAmount = errors.New("ledger: amount must not be negative")
)

// ChangeFunc observes a committed balance mutation. It is called with the
// pair's lock held and must not call back into the Ledger synchronously.
type ChangeFunc func(snap model.BalanceSnapshot, entry model.LedgerEntry)

// Ledger is the only writer of player and match balances.
type Ledger struct {
	store  store.Store
	pub    notify.Publisher
	logger *zap.Logger

	locks keyedMutex

	mu        sync.RWMutex
	listeners []ChangeFunc
	players   map[string][]string // match ID → participant IDs
}

// New creates a ledger over st publishing balance_updated events to pub.
func New(st store.Store, pub notify.Publisher, logger *zap.Logger) *Ledger {
	return &Ledger{
		store:   st,
		pub:     pub,
		logger:  logger.Named("ledger"),
		locks:   keyedMutex{m: make(map[string]*keyedEntry)},
		players: make(map[string][]string),
	}
}

// OnChange registers fn to run after every committed mutation.
func (l *Ledger) OnChange(fn ChangeFunc) {
	l.mu.Lock()
	l.listeners = append(l.listeners, fn)
	l.mu.Unlock()
}

// Debit removes amount from both balances. It fails without side effects
// when the match balance would go negative.
func (l *Ledger) Debit(ctx context.Context, matchID, playerID string, amount decimal.Decimal, kind model.LedgerKind, ref string) (model.BalanceSnapshot, error) {
	if amount.IsNegative() {
		return model.BalanceSnapshot{}, ErrInvalidAmount
	}
	snap, err := l.apply(ctx, model.BalanceDelta{
		MatchID:      matchID,
		PlayerID:     playerID,
		Amount:       amount.Neg(),
		RequireFunds: true,
	}, kind, ref)
	if errors.Is(err, store.ErrInsufficientFunds) {
		metrics.BalanceRejections.Inc()
		return snap, ErrInsufficientBalance
	}
	return snap, err
}

// Credit adds amount to both balances, of which realizedPnL is profit or
// loss. Amount may be negative when losses exceed returned margin; credits
// are never rejected for insufficient balance.
func (l *Ledger) Credit(ctx context.Context, matchID, playerID string, amount, realizedPnL decimal.Decimal, kind model.LedgerKind, ref string) (model.BalanceSnapshot, error) {
	return l.apply(ctx, model.BalanceDelta{
		MatchID:     matchID,
		PlayerID:    playerID,
		Amount:      amount,
		RealizedPnL: realizedPnL,
	}, kind, ref)
}

func (l *Ledger) apply(ctx context.Context, d model.BalanceDelta, kind model.LedgerKind, ref string) (model.BalanceSnapshot, error) {
	unlock := l.locks.lock(d.MatchID + "/" + d.PlayerID)
	defer unlock()

	entry := model.LedgerEntry{
		ID:          uuid.NewString(),
		MatchID:     d.MatchID,
		PlayerID:    d.PlayerID,
		Kind:        kind,
		Amount:      d.Amount,
		RealizedPnL: d.RealizedPnL,
		Reference:   ref,
		Timestamp:   time.Now().UTC(),
	}
	snap, err := l.store.ApplyBalanceDelta(ctx, d, &entry)
	if err != nil {
		return snap, fmt.Errorf("apply %s for %s in %s: %w", kind, d.PlayerID, d.MatchID, err)
	}

	l.logger.Debug("balance applied",
		zap.String("match_id", d.MatchID),
		zap.String("player_id", d.PlayerID),
		zap.String("kind", string(kind)),
		zap.String("amount", d.Amount.String()),
		zap.String("match_balance", snap.MatchBalance.String()),
		zap.String("global_balance", snap.GlobalBalance.String()))

	l.pub.Publish(notify.NewEvent(notify.EventBalanceUpdated, d.MatchID, l.participants(ctx, d.MatchID), snap))

	l.mu.RLock()
	listeners := l.listeners
	l.mu.RUnlock()
	for _, fn := range listeners {
		fn(snap, entry)
	}
	return snap, nil
}

// participants returns both players of a match, caching the lookup.
func (l *Ledger) participants(ctx context.Context, matchID string) []string {
	l.mu.RLock()
	ids, ok := l.players[matchID]
	l.mu.RUnlock()
	if ok {
		return ids
	}
	m, err := l.store.GetMatch(ctx, matchID)
	if err != nil {
		return nil
	}
	ids = m.PlayerIDs()
	l.mu.Lock()
	l.players[matchID] = ids
	l.mu.Unlock()
	return ids
}

// Balance returns a participant's current match balance.
func (l *Ledger) Balance(ctx context.Context, matchID, playerID string) (decimal.Decimal, error) {
	m, err := l.store.GetMatch(ctx, matchID)
	if err != nil {
		return decimal.Zero, err
	}
	p, ok := m.Participant(playerID)
	if !ok {
		return decimal.Zero, model.ErrNotParticipant
	}
	return p.Balance, nil
}

// Journal returns a participant's balance history.
func (l *Ledger) Journal(ctx context.Context, matchID, playerID string) ([]model.LedgerEntry, error) {
	return l.store.LedgerEntries(ctx, matchID, playerID)
}

// RecordResult updates a player's win/loss/draw counters after settlement.
func (l *Ledger) RecordResult(ctx context.Context, playerID string, outcome store.Outcome) error {
	return l.store.RecordResult(ctx, playerID, outcome)
}

// Forget drops cached participant lookups for a finished match.
func (l *Ledger) Forget(matchID string) {
	l.mu.Lock()
	delete(l.players, matchID)
	l.mu.Unlock()
}
