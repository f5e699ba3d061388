// Package matchmaking pairs queued players into duels.
//
// Two players are compatible when their tiers are at most MaxTierDistance
// brackets apart and, unless both are unrated, their win rates differ by at
// most MaxWinRateGap points. Win rates are percentages clamped to [0, 100];
// an unrated player counts as 0.
package matchmaking

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atmx/duel-engine/internal/metrics"
	"github.com/atmx/duel-engine/internal/model"
	"github.com/atmx/duel-engine/internal/store"
)

var (
	// ErrAlreadyQueued is returned when enqueuing a player already waiting.
	ErrAlreadyQueued = fmt.Errorf("matchmaking: player is already queued: %w", model.ErrConflict)

	// ErrInMatch is returned when enqueuing a player with a waiting or
	// active match.
	ErrInMatch = fmt.Errorf("matchmaking: player already has an open match: %w", model.ErrConflict)

	// ErrTierGap is returned by Compatible when the tiers are too far apart.
	ErrTierGap = errors.New("matchmaking: tier distance too large")

	// ErrWinRateGap is returned by Compatible when the win rates differ too much.
	ErrWinRateGap = errors.New("matchmaking: win-rate gap too large")

	// ErrDurationMismatch is returned by Compatible when both players asked
	// for different match lengths.
	ErrDurationMismatch = errors.New("matchmaking: requested durations differ")
)

// Rules bounds how different two paired players may be.
type Rules struct {
	MaxTierDistance int
	MaxWinRateGap   decimal.Decimal
}

// DefaultRules allows two brackets and twenty win-rate points.
func DefaultRules() Rules {
	return Rules{MaxTierDistance: 2, MaxWinRateGap: decimal.NewFromInt(20)}
}

// Entry is a player's snapshot taken at enqueue time.
type Entry struct {
	PlayerID    string                 `json:"player_id"`
	Tier        model.Tier             `json:"tier"`
	WinRate     decimal.Decimal        `json:"win_rate"`
	Rated       bool                   `json:"rated"`
	Balance     decimal.Decimal        `json:"balance"`
	Preferences model.QueuePreferences `json:"preferences"`
	EnqueuedAt  time.Time              `json:"enqueued_at"`
}

func newEntry(p model.Player, prefs model.QueuePreferences) Entry {
	return Entry{
		PlayerID:    p.ID,
		Tier:        p.Tier,
		WinRate:     p.WinRate(),
		Rated:       p.Rated(),
		Balance:     p.Balance,
		Preferences: prefs,
		EnqueuedAt:  time.Now().UTC(),
	}
}

// Compatible reports why a and b cannot be paired, or nil if they can.
func Compatible(a, b Entry, r Rules) error {
	if a.Tier.Distance(b.Tier) > r.MaxTierDistance {
		return ErrTierGap
	}
	if a.Rated || b.Rated {
		gap := model.ClampPercent(a.WinRate).Sub(model.ClampPercent(b.WinRate)).Abs()
		if gap.GreaterThan(r.MaxWinRateGap) {
			return ErrWinRateGap
		}
	}
	da, db := a.Preferences.Duration, b.Preferences.Duration
	if da > 0 && db > 0 && da != db {
		return ErrDurationMismatch
	}
	return nil
}

// Creator opens a match for a pair.
type Creator interface {
	Create(ctx context.Context, a, b model.Player, prefs model.QueuePreferences) (model.Match, error)
}

// Engine holds the waiting pool and runs the pairing pass.
type Engine struct {
	store    store.Store
	creator  Creator
	rules    Rules
	interval time.Duration
	logger   *zap.Logger

	mu    sync.Mutex
	queue []Entry         // enqueue order
	held  map[string]bool // taken by a pairing pass; true once the player asked to leave
}

// NewEngine creates a pairing engine that runs a pass every interval.
func NewEngine(st store.Store, creator Creator, rules Rules, interval time.Duration, logger *zap.Logger) *Engine {
	if interval <= 0 {
		interval = time.Second
	}
	return &Engine{
		store:    st,
		creator:  creator,
		rules:    rules,
		interval: interval,
		logger:   logger.Named("matchmaking"),
		held:     make(map[string]bool),
	}
}

// Enqueue adds a player to the pool.
func (e *Engine) Enqueue(ctx context.Context, playerID string, prefs model.QueuePreferences) (Entry, error) {
	if prefs.Duration < 0 {
		return Entry{}, model.Invalid("duration", "must not be negative")
	}
	p, err := e.store.GetPlayer(ctx, playerID)
	if err != nil {
		return Entry{}, err
	}
	if _, err := e.store.OpenMatchForPlayer(ctx, playerID); err == nil {
		return Entry{}, ErrInMatch
	} else if !errors.Is(err, model.ErrNotFound) {
		return Entry{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.indexLocked(playerID) >= 0 {
		return Entry{}, ErrAlreadyQueued
	}
	entry := newEntry(*p, prefs)
	e.queue = append(e.queue, entry)
	metrics.QueueDepth.Set(float64(len(e.queue)))
	e.logger.Info("player queued",
		zap.String("player_id", playerID),
		zap.String("tier", string(entry.Tier)),
		zap.String("win_rate", entry.WinRate.StringFixed(2)))
	return entry, nil
}

// Dequeue removes a player from the pool. It reports false when the player
// was not queued, including when a pairing pass took them first. A player
// held by a pass that then fails is not returned to the pool.
func (e *Engine) Dequeue(playerID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	i := e.indexLocked(playerID)
	if i < 0 {
		if _, ok := e.held[playerID]; ok {
			e.held[playerID] = true
		}
		return false
	}
	e.queue = append(e.queue[:i], e.queue[i+1:]...)
	metrics.QueueDepth.Set(float64(len(e.queue)))
	return true
}

// Queued returns the player's pool entry.
func (e *Engine) Queued(playerID string) (Entry, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if i := e.indexLocked(playerID); i >= 0 {
		return e.queue[i], true
	}
	return Entry{}, false
}

// Depth returns the number of waiting players.
func (e *Engine) Depth() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.queue)
}

func (e *Engine) indexLocked(playerID string) int {
	for i := range e.queue {
		if e.queue[i].PlayerID == playerID {
			return i
		}
	}
	return -1
}

// Run executes a pairing pass every interval until ctx is done.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			e.PairOnce(ctx)
		}
	}
}

// PairOnce pairs compatible players, oldest first, until no compatible pair
// remains, and returns the matches created.
func (e *Engine) PairOnce(ctx context.Context) []model.Match {
	var created []model.Match
	var failed []Entry
	for {
		a, b, ok := e.take()
		if !ok {
			break
		}
		m, err := e.pair(ctx, a, b)
		if err != nil {
			e.logger.Warn("match creation failed, requeueing pair",
				zap.String("player_a", a.PlayerID),
				zap.String("player_b", b.PlayerID),
				zap.Error(err))
			for _, en := range []Entry{a, b} {
				if _, busy := e.store.OpenMatchForPlayer(ctx, en.PlayerID); busy == nil {
					e.release(en.PlayerID)
					continue
				}
				failed = append(failed, en)
			}
			continue
		}
		e.release(a.PlayerID, b.PlayerID)
		created = append(created, m)
	}
	if len(failed) > 0 {
		e.requeue(failed)
	}
	return created
}

// take removes the first compatible pair from the pool. Scanning is in
// enqueue order, so the longest-waiting player is considered first.
func (e *Engine) take() (Entry, Entry, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i := 0; i < len(e.queue); i++ {
		for j := i + 1; j < len(e.queue); j++ {
			if Compatible(e.queue[i], e.queue[j], e.rules) != nil {
				continue
			}
			a, b := e.queue[i], e.queue[j]
			e.held[a.PlayerID] = false
			e.held[b.PlayerID] = false
			e.queue = append(e.queue[:j], e.queue[j+1:]...)
			e.queue = append(e.queue[:i], e.queue[i+1:]...)
			metrics.QueueDepth.Set(float64(len(e.queue)))
			return a, b, true
		}
	}
	return Entry{}, Entry{}, false
}

func (e *Engine) pair(ctx context.Context, a, b Entry) (model.Match, error) {
	pa, err := e.store.GetPlayer(ctx, a.PlayerID)
	if err != nil {
		return model.Match{}, err
	}
	pb, err := e.store.GetPlayer(ctx, b.PlayerID)
	if err != nil {
		return model.Match{}, err
	}
	prefs := a.Preferences
	if prefs.Duration == 0 {
		prefs = b.Preferences
	}
	m, err := e.creator.Create(ctx, *pa, *pb, prefs)
	if err != nil {
		return model.Match{}, err
	}
	metrics.PairsCreated.Inc()
	e.logger.Info("players paired",
		zap.String("match_id", m.ID),
		zap.String("player_a", a.PlayerID),
		zap.String("player_b", b.PlayerID))
	return m, nil
}

func (e *Engine) release(playerIDs ...string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, id := range playerIDs {
		delete(e.held, id)
	}
}

// requeue puts entries back at the front of the pool in their original
// order, skipping players who re-enqueued or dequeued meanwhile. Players who
// meanwhile joined another match were already dropped by PairOnce.
func (e *Engine) requeue(entries []Entry) {
	e.mu.Lock()
	defer e.mu.Unlock()
	back := make([]Entry, 0, len(entries)+len(e.queue))
	for _, en := range entries {
		left := e.held[en.PlayerID]
		delete(e.held, en.PlayerID)
		if !left && e.indexLocked(en.PlayerID) < 0 {
			back = append(back, en)
		}
	}
	e.queue = append(back, e.queue...)
	metrics.QueueDepth.Set(float64(len(e.queue)))
}
