// Package match runs the lifecycle of a two-player duel: activation, the
// duration timer, and settlement.
//
// Settlement runs once per match. An in-memory claim stops duplicate triggers
// inside one process; a Locker key stops them across replicas; and the
// persisted terminal status turns any later attempt into a no-op.
package match

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/atmx/duel-engine/internal/lock"
	"github.com/atmx/duel-engine/internal/metrics"
	"github.com/atmx/duel-engine/internal/model"
	"github.com/atmx/duel-engine/internal/notify"
	"github.com/atmx/duel-engine/internal/store"
)

var (
	// ErrPlayerBusy is returned when creating a match for a player who
	// already has a waiting or active one.
	ErrPlayerBusy = fmt.Errorf("match: player already has an open match: %w", model.ErrConflict)

	// ErrMatchClosed is returned for joins against a terminal match.
	ErrMatchClosed = fmt.Errorf("match: match is over: %w", model.ErrConflict)

	// ErrNotActive is returned for a manual end of a match that has not started.
	ErrNotActive = fmt.Errorf("match: match is not active: %w", model.ErrConflict)

	// ErrSamePlayer is returned when both seats name the same player.
	ErrSamePlayer = errors.New("match: a player cannot duel themselves")
)

const (
	settleTimeout = 30 * time.Second
	lockPrefix    = "settle:"
)

// Orders is the execution engine as seen by the controller.
type Orders interface {
	Seal(matchID string)
	CloseMatch(ctx context.Context, matchID string) error
	Forget(matchID string)
}

// Positions is the position manager as seen by the controller.
type Positions interface {
	CloseAllForMatch(ctx context.Context, matchID string) []model.CloseResult
	OpenCount(matchID string) int
}

// Ledger records results and drops per-match caches.
type Ledger interface {
	RecordResult(ctx context.Context, playerID string, outcome store.Outcome) error
	Forget(matchID string)
}

// Options sets the match timings.
type Options struct {
	Duration        time.Duration
	ActivationGrace time.Duration
	SettlementGrace time.Duration
}

// Controller is the Match Lifecycle Controller.
type Controller struct {
	store     store.Store
	orders    Orders
	positions Positions
	ledger    Ledger
	locker    lock.Locker
	pub       notify.Publisher
	opts      Options
	logger    *zap.Logger

	mu       sync.Mutex
	timers   map[string]*time.Timer
	settling map[string]struct{}
	closed   bool
	running  sync.WaitGroup
}

// NewController creates a controller. Subscribe OnBalanceChange to the
// ledger to enable the instant-win rule.
func NewController(st store.Store, orders Orders, positions Positions, ledger Ledger, locker lock.Locker, pub notify.Publisher, opts Options, logger *zap.Logger) *Controller {
	if opts.Duration <= 0 {
		opts.Duration = 5 * time.Minute
	}
	return &Controller{
		store:     st,
		orders:    orders,
		positions: positions,
		ledger:    ledger,
		locker:    locker,
		pub:       pub,
		opts:      opts,
		logger:    logger.Named("match"),
		timers:    make(map[string]*time.Timer),
		settling:  make(map[string]struct{}),
	}
}

// Create opens a waiting match between a and b, snapshotting each player's
// global balance as their starting balance. The match activates when both
// players join or when the activation grace elapses, whichever comes first.
func (c *Controller) Create(ctx context.Context, a, b model.Player, prefs model.QueuePreferences) (model.Match, error) {
	if a.ID == b.ID {
		return model.Match{}, ErrSamePlayer
	}
	for _, id := range []string{a.ID, b.ID} {
		_, err := c.store.OpenMatchForPlayer(ctx, id)
		if err == nil {
			return model.Match{}, fmt.Errorf("player %s: %w", id, ErrPlayerBusy)
		}
		if !errors.Is(err, model.ErrNotFound) {
			return model.Match{}, err
		}
	}

	duration := prefs.Duration
	if duration <= 0 {
		duration = c.opts.Duration
	}
	m := model.Match{
		ID:        uuid.NewString(),
		Status:    model.MatchWaiting,
		Duration:  duration,
		CreatedAt: time.Now().UTC(),
	}
	for i, p := range []model.Player{a, b} {
		m.Participants[i] = model.Participant{
			PlayerID:        p.ID,
			StartingBalance: p.Balance,
			Balance:         p.Balance,
		}
	}
	if err := c.store.CreateMatch(ctx, &m); err != nil {
		return model.Match{}, fmt.Errorf("create match: %w", err)
	}

	c.schedule(m.ID, c.opts.ActivationGrace, c.autoActivate)
	c.pub.Publish(notify.NewEvent(notify.EventMatchCreated, m.ID, m.PlayerIDs(), m))
	c.logger.Info("match created",
		zap.String("match_id", m.ID),
		zap.String("player_a", a.ID),
		zap.String("player_b", b.ID),
		zap.Duration("duration", duration))
	return m, nil
}

// Join marks a participant present. The second join activates the match.
func (c *Controller) Join(ctx context.Context, matchID, playerID string) (model.Match, error) {
	m, err := c.participantMatch(ctx, matchID, playerID)
	if err != nil {
		return model.Match{}, err
	}
	switch {
	case m.Status.IsTerminal():
		return model.Match{}, ErrMatchClosed
	case m.Status == model.MatchActive:
		return *m, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	m, err = c.store.GetMatch(ctx, matchID)
	if err != nil {
		return model.Match{}, err
	}
	if m.Status != model.MatchWaiting {
		return c.activateLocked(ctx, m)
	}
	part, _ := m.Participant(playerID)
	part.Joined = true
	if m.Participants[0].Joined && m.Participants[1].Joined {
		return c.activateLocked(ctx, m)
	}
	if err := c.store.UpdateMatch(ctx, m); err != nil {
		return model.Match{}, fmt.Errorf("update match: %w", err)
	}
	return *m, nil
}

func (c *Controller) autoActivate(matchID string) {
	ctx, cancel := context.WithTimeout(context.Background(), settleTimeout)
	defer cancel()
	if _, err := c.activate(ctx, matchID); err != nil && !errors.Is(err, ErrMatchClosed) {
		c.logger.Error("auto-activation failed", zap.String("match_id", matchID), zap.Error(err))
	}
}

// activate moves a waiting match to active and starts its duration timer.
func (c *Controller) activate(ctx context.Context, matchID string) (model.Match, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	m, err := c.store.GetMatch(ctx, matchID)
	if err != nil {
		return model.Match{}, err
	}
	return c.activateLocked(ctx, m)
}

// activateLocked requires c.mu held.
func (c *Controller) activateLocked(ctx context.Context, m *model.Match) (model.Match, error) {
	if m.Status == model.MatchActive {
		return *m, nil
	}
	if !m.Status.CanTransition(model.MatchActive) {
		return model.Match{}, ErrMatchClosed
	}
	now := time.Now().UTC()
	m.Status = model.MatchActive
	m.StartedAt = &now
	for i := range m.Participants {
		m.Participants[i].Joined = true
	}
	if err := c.store.UpdateMatch(ctx, m); err != nil {
		return model.Match{}, fmt.Errorf("activate match: %w", err)
	}

	c.scheduleLocked(m.ID, m.Duration, c.expire)
	metrics.ActiveMatches.Inc()
	c.pub.Publish(notify.NewEvent(notify.EventMatchStarted, m.ID, m.PlayerIDs(), *m))
	c.logger.Info("match started",
		zap.String("match_id", m.ID),
		zap.Time("ends_at", m.EndsAt()))
	return *m, nil
}

func (c *Controller) expire(matchID string) {
	ctx, cancel := context.WithTimeout(context.Background(), settleTimeout+c.opts.SettlementGrace)
	defer cancel()
	if _, err := c.settle(ctx, matchID, model.EndTimer, ""); err != nil {
		c.logger.Error("timer settlement failed", zap.String("match_id", matchID), zap.Error(err))
	}
}

// Quit ends the match in the opponent's favour. Quitting before activation
// cancels the match instead.
func (c *Controller) Quit(ctx context.Context, matchID, playerID string) (model.Match, error) {
	m, err := c.participantMatch(ctx, matchID, playerID)
	if err != nil {
		return model.Match{}, err
	}
	if m.Status == model.MatchWaiting {
		return c.abandon(ctx, matchID)
	}
	return c.settle(ctx, matchID, model.EndQuit, m.Opponent(playerID))
}

// End settles an active match on a participant's request.
func (c *Controller) End(ctx context.Context, matchID, playerID string) (model.Match, error) {
	m, err := c.participantMatch(ctx, matchID, playerID)
	if err != nil {
		return model.Match{}, err
	}
	if m.Status == model.MatchWaiting {
		return model.Match{}, ErrNotActive
	}
	return c.settle(ctx, matchID, model.EndManual, "")
}

// OnBalanceChange ends the match as soon as a participant's realized PnL
// reaches their starting balance. It runs under the ledger's pair lock, so
// settlement is handed to a goroutine.
func (c *Controller) OnBalanceChange(snap model.BalanceSnapshot, _ model.LedgerEntry) {
	if !snap.StartingBalance.IsPositive() || snap.RealizedPnL.LessThan(snap.StartingBalance) {
		return
	}
	c.mu.Lock()
	_, busy := c.settling[snap.MatchID]
	if busy || c.closed {
		c.mu.Unlock()
		return
	}
	c.running.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.running.Done()
		ctx, cancel := context.WithTimeout(context.Background(), settleTimeout+c.opts.SettlementGrace)
		defer cancel()
		if _, err := c.settle(ctx, snap.MatchID, model.EndInstantWin, snap.PlayerID); err != nil {
			c.logger.Error("instant-win settlement failed",
				zap.String("match_id", snap.MatchID), zap.Error(err))
		}
	}()
}

// abandon cancels a match that never activated. No orders can exist yet.
func (c *Controller) abandon(ctx context.Context, matchID string) (model.Match, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	m, err := c.store.GetMatch(ctx, matchID)
	if err != nil {
		return model.Match{}, err
	}
	if !m.Status.CanTransition(model.MatchCancelled) {
		return *m, nil
	}
	c.stopLocked(matchID)
	now := time.Now().UTC()
	m.Status = model.MatchCancelled
	m.EndReason = model.EndAbandoned
	m.EndedAt = &now
	if err := c.store.UpdateMatch(ctx, m); err != nil {
		return model.Match{}, fmt.Errorf("cancel match: %w", err)
	}
	metrics.MatchesEnded.WithLabelValues(string(model.EndAbandoned)).Inc()
	c.pub.Publish(notify.NewEvent(notify.EventMatchEnded, m.ID, m.PlayerIDs(), *m))
	c.logger.Info("match abandoned", zap.String("match_id", m.ID))
	return *m, nil
}

// settle completes an active match: it stops order intake, lets in-flight
// fills land, cancels the rest, force-closes positions at mark, picks the
// winner and persists the result. Calling it on a match already settled or
// settling returns the stored match unchanged.
func (c *Controller) settle(ctx context.Context, matchID string, reason model.EndReason, winnerID string) (model.Match, error) {
	c.mu.Lock()
	if _, busy := c.settling[matchID]; busy {
		c.mu.Unlock()
		return c.current(ctx, matchID)
	}
	c.settling[matchID] = struct{}{}
	c.stopLocked(matchID)
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.settling, matchID)
		c.mu.Unlock()
	}()

	key := lockPrefix + matchID
	ok, err := c.locker.TryLock(ctx, key, settleTimeout+c.opts.SettlementGrace)
	if err != nil {
		return model.Match{}, fmt.Errorf("acquire settlement lock: %w", err)
	}
	if !ok {
		c.logger.Info("settlement already running elsewhere", zap.String("match_id", matchID))
		return c.current(ctx, matchID)
	}
	defer func() {
		if err := c.locker.Unlock(context.Background(), key); err != nil {
			c.logger.Warn("release settlement lock", zap.String("match_id", matchID), zap.Error(err))
		}
	}()

	m, err := c.store.GetMatch(ctx, matchID)
	if err != nil {
		return model.Match{}, err
	}
	if m.Status != model.MatchActive {
		if m.Status == model.MatchWaiting {
			return model.Match{}, ErrNotActive
		}
		return *m, nil
	}

	c.orders.Seal(matchID)
	if c.opts.SettlementGrace > 0 {
		select {
		case <-time.After(c.opts.SettlementGrace):
		case <-ctx.Done():
		}
	}
	if err := c.orders.CloseMatch(ctx, matchID); err != nil {
		c.logger.Error("close match orders", zap.String("match_id", matchID), zap.Error(err))
	}
	closed := c.positions.CloseAllForMatch(ctx, matchID)
	if left := c.positions.OpenCount(matchID); left > 0 {
		c.logger.Error("positions left open at settlement",
			zap.String("match_id", matchID),
			zap.Int("open", left))
	}

	// Reload: balances and realized PnL moved during the closes above.
	m, err = c.store.GetMatch(ctx, matchID)
	if err != nil {
		return model.Match{}, err
	}
	now := time.Now().UTC()
	m.Status = model.MatchCompleted
	m.EndReason = reason
	m.EndedAt = &now
	m.WinnerID = Winner(m, reason, winnerID)
	for _, p := range m.Participants {
		if !Conserved(p) {
			metrics.SettlementImbalances.Inc()
			c.logger.Error("settled balance does not match starting balance plus realized pnl",
				zap.String("match_id", matchID),
				zap.String("player_id", p.PlayerID),
				zap.String("starting_balance", p.StartingBalance.String()),
				zap.String("realized_pnl", p.RealizedPnL.String()),
				zap.String("balance", p.Balance.String()))
		}
	}
	if err := c.store.UpdateMatch(ctx, m); err != nil {
		return model.Match{}, fmt.Errorf("complete match: %w", err)
	}

	for _, id := range m.PlayerIDs() {
		if err := c.ledger.RecordResult(ctx, id, outcomeFor(m, id)); err != nil {
			c.logger.Error("record result", zap.String("match_id", matchID), zap.String("player_id", id), zap.Error(err))
		}
	}

	metrics.ActiveMatches.Dec()
	metrics.MatchesEnded.WithLabelValues(string(reason)).Inc()
	c.pub.Publish(notify.NewEvent(notify.EventMatchEnded, m.ID, m.PlayerIDs(), *m))
	c.logger.Info("match settled",
		zap.String("match_id", m.ID),
		zap.String("reason", string(reason)),
		zap.String("winner_id", m.WinnerID),
		zap.Int("positions_closed", len(closed)),
		zap.String("pnl_a", m.Participants[0].RealizedPnL.String()),
		zap.String("pnl_b", m.Participants[1].RealizedPnL.String()))

	c.ledger.Forget(matchID)
	c.orders.Forget(matchID)
	return *m, nil
}

// Winner picks the winner of a completed match. Quit and instant-win name
// the winner directly; otherwise the strictly greater realized PnL wins and
// an exact tie is a draw.
func Winner(m *model.Match, reason model.EndReason, declared string) string {
	if (reason == model.EndQuit || reason == model.EndInstantWin) && declared != "" {
		return declared
	}
	a, b := m.Participants[0], m.Participants[1]
	switch a.RealizedPnL.Cmp(b.RealizedPnL) {
	case 1:
		return a.PlayerID
	case -1:
		return b.PlayerID
	}
	return ""
}

func outcomeFor(m *model.Match, playerID string) store.Outcome {
	switch m.WinnerID {
	case "":
		return store.OutcomeDraw
	case playerID:
		return store.OutcomeWin
	}
	return store.OutcomeLoss
}

// Get returns a match visible to one of its participants.
func (c *Controller) Get(ctx context.Context, matchID, playerID string) (model.Match, error) {
	m, err := c.participantMatch(ctx, matchID, playerID)
	if err != nil {
		return model.Match{}, err
	}
	return *m, nil
}

// Recover reschedules timers for matches persisted as waiting or active.
// Active matches whose end time has passed are settled in the background.
// Positions and orders must be recovered first.
func (c *Controller) Recover(ctx context.Context) (int, error) {
	open, err := c.store.ListMatches(ctx, model.MatchWaiting, model.MatchActive)
	if err != nil {
		return 0, fmt.Errorf("load open matches: %w", err)
	}
	now := time.Now()
	for i := range open {
		m := open[i]
		switch m.Status {
		case model.MatchWaiting:
			c.schedule(m.ID, m.CreatedAt.Add(c.opts.ActivationGrace).Sub(now), c.autoActivate)
		case model.MatchActive:
			metrics.ActiveMatches.Inc()
			c.schedule(m.ID, m.EndsAt().Sub(now), c.expire)
		}
	}
	c.logger.Info("matches recovered", zap.Int("count", len(open)))
	return len(open), nil
}

// Shutdown stops pending timers and waits for running settlements.
func (c *Controller) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	for id, t := range c.timers {
		t.Stop()
		delete(c.timers, id)
	}
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.running.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Controller) participantMatch(ctx context.Context, matchID, playerID string) (*model.Match, error) {
	m, err := c.store.GetMatch(ctx, matchID)
	if err != nil {
		return nil, err
	}
	if _, ok := m.Participant(playerID); !ok {
		return nil, fmt.Errorf("match %s: %w", matchID, model.ErrNotParticipant)
	}
	return m, nil
}

func (c *Controller) current(ctx context.Context, matchID string) (model.Match, error) {
	m, err := c.store.GetMatch(ctx, matchID)
	if err != nil {
		return model.Match{}, err
	}
	return *m, nil
}

func (c *Controller) schedule(matchID string, after time.Duration, fn func(string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.scheduleLocked(matchID, after, fn)
}

// scheduleLocked replaces the match's timer. The caller holds c.mu.
func (c *Controller) scheduleLocked(matchID string, after time.Duration, fn func(string)) {
	if c.closed {
		return
	}
	c.stopLocked(matchID)
	c.running.Add(1)
	var t *time.Timer
	t = time.AfterFunc(max(after, 0), func() {
		defer c.running.Done()
		c.mu.Lock()
		if c.timers[matchID] != t {
			c.mu.Unlock()
			return
		}
		delete(c.timers, matchID)
		c.mu.Unlock()
		fn(matchID)
	})
	c.timers[matchID] = t
}

// stopLocked cancels the match's timer. The caller holds c.mu.
func (c *Controller) stopLocked(matchID string) {
	if t, ok := c.timers[matchID]; ok {
		if t.Stop() {
			c.running.Done()
		}
		delete(c.timers, matchID)
	}
}

// Conserved reports whether a participant's final balance equals their
// starting balance plus realized PnL, with no margin left outstanding.
func Conserved(p model.Participant) bool {
	return p.Balance.Equal(p.StartingBalance.Add(p.RealizedPnL))
}
