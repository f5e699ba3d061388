// Package position owns every position of every match. It derives margin,
// unrealized PnL, ROI and liquidation price on fills and on each mark, and
// liquidates positions whose mark crosses the liquidation price.
//
// Positions are hedge-mode: one open position per (match, player, symbol,
// direction). Each open position has its own lock; a position is closed at
// most once and its margin is credited back exactly once.
package position

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atmx/duel-engine/internal/ledger"
	"github.com/atmx/duel-engine/internal/margin"
	"github.com/atmx/duel-engine/internal/metrics"
	"github.com/atmx/duel-engine/internal/model"
	"github.com/atmx/duel-engine/internal/notify"
	"github.com/atmx/duel-engine/internal/store"
)

var (
	// ErrPositionClosed is returned when acting on a position that another
	// path already closed or liquidated.
	ErrPositionClosed = errors.New("position: already closed")

	// ErrNoPosition is returned when a reducing fill finds nothing to reduce.
	ErrNoPosition = errors.New("position: no open position to reduce")
)

const tickTimeout = 5 * time.Second

// Ledger moves margin and PnL between positions and balances.
type Ledger interface {
	Debit(ctx context.Context, matchID, playerID string, amount decimal.Decimal, kind model.LedgerKind, ref string) (model.BalanceSnapshot, error)
	Credit(ctx context.Context, matchID, playerID string, amount, realizedPnL decimal.Decimal, kind model.LedgerKind, ref string) (model.BalanceSnapshot, error)
	Balance(ctx context.Context, matchID, playerID string) (decimal.Decimal, error)
}

// Feed is the slice of the price feed hub the manager needs.
type Feed interface {
	Acquire(symbol string)
	Release(symbol string)
	LastPrice(symbol string) (decimal.Decimal, bool)
}

// CloseFunc observes a position reaching a terminal status. It runs after
// the position's lock is released.
type CloseFunc func(pos model.Position)

// Key identifies the single open position a fill can accumulate into.
type Key struct {
	MatchID  string
	PlayerID string
	Symbol   string
	Side     model.PositionSide
}

func keyOf(p *model.Position) Key {
	return Key{MatchID: p.MatchID, PlayerID: p.PlayerID, Symbol: p.Symbol, Side: p.Side}
}

// OpenRequest is one opening fill. Margin has already been debited by the
// caller and becomes part of the position's margin as-is.
type OpenRequest struct {
	OrderID  string
	MatchID  string
	PlayerID string
	Symbol   string
	Side     model.PositionSide
	Price    decimal.Decimal
	Qty      decimal.Decimal
	Margin   decimal.Decimal
	Leverage int
	Mode     model.MarginMode
}

// ReduceRequest is one reducing fill. PositionID wins over the key fields
// when set.
type ReduceRequest struct {
	PositionID string
	MatchID    string
	PlayerID   string
	Symbol     string
	Side       model.PositionSide
	Price      decimal.Decimal
	Qty        decimal.Decimal
}

// ReduceResult describes what a reducing fill or close actually did.
type ReduceResult struct {
	Position    model.Position
	Qty         decimal.Decimal // clamped to the open size
	RealizedPnL decimal.Decimal
	Returned    decimal.Decimal // released margin + realized PnL
	Closed      bool
}

// Options tunes manager validation.
type Options struct {
	MaxLeverage int
	// ClosePriceBand bounds an explicit close price to this fraction of the
	// current mark on either side. Defaults to 1%.
	ClosePriceBand decimal.Decimal
}

var defaultClosePriceBand = decimal.RequireFromString("0.01")

type entry struct {
	mu  sync.Mutex
	pos model.Position
}

// Manager is the Position & Margin Manager.
type Manager struct {
	store  store.Store
	ledger Ledger
	feed   Feed
	pub    notify.Publisher
	opts   Options
	logger *zap.Logger

	mu       sync.RWMutex
	byID     map[string]*entry
	byKey    map[Key]*entry
	bySymbol map[string]map[string]*entry
	onClose  []CloseFunc
}

// NewManager creates a manager. Register OnTick with the feed hub.
func NewManager(st store.Store, ledger Ledger, feed Feed, pub notify.Publisher, opts Options, logger *zap.Logger) *Manager {
	if opts.MaxLeverage < 1 {
		opts.MaxLeverage = 125
	}
	if !opts.ClosePriceBand.IsPositive() {
		opts.ClosePriceBand = defaultClosePriceBand
	}
	return &Manager{
		store:    st,
		ledger:   ledger,
		feed:     feed,
		pub:      pub,
		opts:     opts,
		logger:   logger.Named("position"),
		byID:     make(map[string]*entry),
		byKey:    make(map[Key]*entry),
		bySymbol: make(map[string]map[string]*entry),
	}
}

// OnClose registers fn to run whenever a position is closed or liquidated.
func (m *Manager) OnClose(fn CloseFunc) {
	m.mu.Lock()
	m.onClose = append(m.onClose, fn)
	m.mu.Unlock()
}

// OpenOrIncrease applies an opening fill. The first fill for a key creates the
// position; later fills blend the entry price by size and add their margin.
func (m *Manager) OpenOrIncrease(ctx context.Context, req OpenRequest) (model.Position, error) {
	if !req.Qty.IsPositive() || !req.Price.IsPositive() {
		return model.Position{}, model.Invalid("quantity", "fill quantity and price must be positive")
	}
	key := Key{MatchID: req.MatchID, PlayerID: req.PlayerID, Symbol: req.Symbol, Side: req.Side}

	for {
		m.mu.RLock()
		e, ok := m.byKey[key]
		m.mu.RUnlock()
		if !ok {
			e = m.create(ctx, req)
			m.mu.Lock()
			if _, raced := m.byKey[key]; raced {
				m.mu.Unlock()
				continue
			}
			m.index(e)
			e.mu.Lock()
			m.mu.Unlock()
			pos := m.persistLocked(ctx, e, notify.EventPositionCreated)
			e.mu.Unlock()

			m.feed.Acquire(pos.Symbol)
			metrics.OpenPositions.Inc()
			m.logger.Info("position opened",
				zap.String("position_id", pos.ID),
				zap.String("match_id", pos.MatchID),
				zap.String("player_id", pos.PlayerID),
				zap.String("symbol", pos.Symbol),
				zap.String("side", string(pos.Side)),
				zap.String("size", pos.Size.String()),
				zap.String("entry", pos.EntryPrice.String()))
			return pos, nil
		}

		e.mu.Lock()
		if e.pos.Status != model.PositionOpen {
			// Closed between lookup and lock; the next pass creates a new one.
			e.mu.Unlock()
			continue
		}
		p := &e.pos
		p.EntryPrice = margin.BlendEntry(p.EntryPrice, p.Size, req.Price, req.Qty)
		p.Size = p.Size.Add(req.Qty)
		p.Margin = p.Margin.Add(req.Margin)
		m.revalue(p, req.Price)
		p.LiquidationPrice = m.liquidationPrice(ctx, p)
		pos := m.persistLocked(ctx, e, notify.EventPositionUpdated)
		e.mu.Unlock()
		return pos, nil
	}
}

func (m *Manager) create(ctx context.Context, req OpenRequest) *entry {
	now := time.Now().UTC()
	p := model.Position{
		ID:         uuid.NewString(),
		MatchID:    req.MatchID,
		PlayerID:   req.PlayerID,
		Symbol:     req.Symbol,
		Side:       req.Side,
		Size:       req.Qty,
		EntryPrice: req.Price,
		Margin:     req.Margin,
		Leverage:   req.Leverage,
		MarginMode: req.Mode,
		Status:     model.PositionOpen,
		OpenedAt:   now,
		UpdatedAt:  now,
	}
	m.revalue(&p, req.Price)
	p.LiquidationPrice = m.liquidationPrice(ctx, &p)
	return &entry{pos: p}
}

// Reduce applies a reducing fill. Quantities above the open size are
// clamped; a fill that consumes the whole size closes the position.
func (m *Manager) Reduce(ctx context.Context, req ReduceRequest) (ReduceResult, error) {
	e, ok := m.lookup(req)
	if !ok {
		return ReduceResult{}, ErrNoPosition
	}
	if !req.Qty.IsPositive() || !req.Price.IsPositive() {
		return ReduceResult{}, model.Invalid("quantity", "fill quantity and price must be positive")
	}

	e.mu.Lock()
	if e.pos.Status != model.PositionOpen {
		e.mu.Unlock()
		return ReduceResult{}, ErrNoPosition
	}
	res, err := m.reduceLocked(ctx, e, req.Price, req.Qty, false)
	e.mu.Unlock()
	if err != nil {
		return res, err
	}
	m.afterClose(res)
	return res, nil
}

// Close closes a position on the owner's request at price, or at the
// current mark when price is zero. An explicit price must sit within the
// close price band around the mark.
func (m *Manager) Close(ctx context.Context, cmd model.ClosePositionCommand) (model.CloseResult, error) {
	e, err := m.owned(cmd.PositionID, cmd.PlayerID)
	if err != nil {
		return model.CloseResult{}, err
	}
	if cmd.Price.IsNegative() {
		return model.CloseResult{}, model.Invalid("price", "must not be negative")
	}

	e.mu.Lock()
	if e.pos.Status != model.PositionOpen {
		e.mu.Unlock()
		return model.CloseResult{}, ErrPositionClosed
	}
	mark := m.markFor(&e.pos)
	price := cmd.Price
	if !price.IsPositive() {
		price = mark
	} else if limit := mark.Mul(m.opts.ClosePriceBand); price.Sub(mark).Abs().GreaterThan(limit) {
		e.mu.Unlock()
		return model.CloseResult{}, model.Invalid("price",
			fmt.Sprintf("must be within %s of the mark %s", limit, mark))
	}
	res, err := m.reduceLocked(ctx, e, price, e.pos.Size, false)
	e.mu.Unlock()
	if err != nil {
		return model.CloseResult{}, err
	}
	m.afterClose(res)
	return closeResult(res), nil
}

// CloseAllForMatch force-closes every open position of a match at the
// current mark. Failures are logged and skipped so settlement always
// completes.
func (m *Manager) CloseAllForMatch(ctx context.Context, matchID string) []model.CloseResult {
	var results []model.CloseResult
	for _, e := range m.openWhere(func(p *model.Position) bool { return p.MatchID == matchID }) {
		e.mu.Lock()
		if e.pos.Status != model.PositionOpen {
			e.mu.Unlock()
			continue
		}
		res, err := m.reduceLocked(ctx, e, m.markFor(&e.pos), e.pos.Size, false)
		e.mu.Unlock()
		if err != nil {
			m.logger.Error("force close failed",
				zap.String("match_id", matchID),
				zap.String("position_id", e.pos.ID),
				zap.Error(err))
			continue
		}
		m.afterClose(res)
		results = append(results, closeResult(res))
	}
	return results
}

// reduceLocked closes qty of the position at price and credits released
// margin plus realized PnL. The caller holds e.mu.
func (m *Manager) reduceLocked(ctx context.Context, e *entry, price, qty decimal.Decimal, liquidation bool) (ReduceResult, error) {
	p := &e.pos
	if qty.GreaterThan(p.Size) {
		qty = p.Size
	}
	full := qty.Equal(p.Size)

	released := p.Margin
	if !full {
		released = p.Margin.Mul(qty).Div(p.Size)
	}
	pnl := margin.RealizedPnL(p.Side, p.EntryPrice, price, qty)
	returned := released.Add(pnl)

	kind := model.LedgerPositionClose
	if liquidation {
		kind = model.LedgerLiquidation
	}
	if _, err := m.ledger.Credit(ctx, p.MatchID, p.PlayerID, returned, pnl, kind, p.ID); err != nil {
		return ReduceResult{}, fmt.Errorf("credit position %s: %w", p.ID, err)
	}

	p.RealizedPnL = p.RealizedPnL.Add(pnl)
	res := ReduceResult{Qty: qty, RealizedPnL: pnl, Returned: returned, Closed: full}

	if full {
		now := time.Now().UTC()
		p.Status = model.PositionClosed
		if liquidation {
			p.Status = model.PositionLiquidated
		}
		p.ClosePrice = price
		p.ClosedAt = &now
		p.UnrealizedPnL = decimal.Zero
		p.ROI = decimal.Zero
		p.MarginRatio = decimal.Zero
		res.Position = m.persistLocked(ctx, e, notify.EventPositionClosed)

		m.unindex(e)
		m.feed.Release(p.Symbol)
		metrics.OpenPositions.Dec()
		m.logger.Info("position closed",
			zap.String("position_id", p.ID),
			zap.String("match_id", p.MatchID),
			zap.String("status", string(p.Status)),
			zap.String("close_price", price.String()),
			zap.String("realized_pnl", p.RealizedPnL.String()))
		return res, nil
	}

	p.Size = p.Size.Sub(qty)
	p.Margin = p.Margin.Sub(released)
	m.revalue(p, m.markFor(p))
	p.LiquidationPrice = m.liquidationPrice(ctx, p)
	res.Position = m.persistLocked(ctx, e, notify.EventPositionUpdated)
	return res, nil
}

// OnTick marks every open position on the tick's symbol and liquidates those
// whose mark has crossed the liquidation price.
func (m *Manager) OnTick(t model.Tick) {
	entries := m.openOn(t.Symbol)
	if len(entries) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), tickTimeout)
	defer cancel()

	for _, e := range entries {
		m.mark(ctx, e, t.Price)
	}
}

func (m *Manager) mark(ctx context.Context, e *entry, price decimal.Decimal) {
	e.mu.Lock()
	p := &e.pos
	if p.Status != model.PositionOpen {
		e.mu.Unlock()
		return
	}
	m.revalue(p, price)
	if p.MarginMode == model.MarginCross {
		p.LiquidationPrice = m.liquidationPrice(ctx, p)
	}

	if !margin.Liquidatable(p.Side, price, p.LiquidationPrice) {
		m.persistLocked(ctx, e, notify.EventPositionUpdated)
		e.mu.Unlock()
		return
	}

	m.logger.Warn("liquidating position",
		zap.String("position_id", p.ID),
		zap.String("match_id", p.MatchID),
		zap.String("mark", price.String()),
		zap.String("liquidation_price", p.LiquidationPrice.String()))
	res, err := m.reduceLocked(ctx, e, p.LiquidationPrice, p.Size, true)
	e.mu.Unlock()
	if err != nil {
		m.logger.Error("liquidation failed", zap.String("position_id", e.pos.ID), zap.Error(err))
		return
	}
	metrics.Liquidations.WithLabelValues(string(res.Position.MarginMode)).Inc()
	m.afterClose(res)
}

// UpdateLeverage re-derives margin at a new leverage, debiting a top-up or
// crediting the released excess. A change that would put the current mark
// past the new liquidation price is rejected.
func (m *Manager) UpdateLeverage(ctx context.Context, cmd model.UpdateLeverageCommand) (model.Position, error) {
	if cmd.Leverage < 1 || cmd.Leverage > m.opts.MaxLeverage {
		return model.Position{}, model.Invalid("leverage", fmt.Sprintf("must be between 1 and %d", m.opts.MaxLeverage))
	}
	e, err := m.owned(cmd.PositionID, cmd.PlayerID)
	if err != nil {
		return model.Position{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	p := &e.pos
	if p.Status != model.PositionOpen {
		return model.Position{}, ErrPositionClosed
	}
	if p.Leverage == cmd.Leverage {
		return *p, nil
	}

	next, err := margin.Initial(p.Notional(), cmd.Leverage)
	if err != nil {
		return model.Position{}, model.Invalid("leverage", err.Error())
	}
	delta := next.Sub(p.Margin)

	trial := *p
	trial.Margin = next
	trial.Leverage = cmd.Leverage
	trial.LiquidationPrice = m.liquidationPrice(ctx, &trial)
	if margin.Liquidatable(trial.Side, m.markFor(p), trial.LiquidationPrice) {
		return model.Position{}, model.Invalid("leverage", "would liquidate the position at the current mark")
	}

	switch {
	case delta.IsPositive():
		if _, err := m.ledger.Debit(ctx, p.MatchID, p.PlayerID, delta, model.LedgerMarginAdjust, p.ID); err != nil {
			if errors.Is(err, ledger.ErrInsufficientBalance) {
				return model.Position{}, model.Invalid("leverage", "insufficient balance for additional margin")
			}
			return model.Position{}, err
		}
	case delta.IsNegative():
		if _, err := m.ledger.Credit(ctx, p.MatchID, p.PlayerID, delta.Neg(), decimal.Zero, model.LedgerMarginAdjust, p.ID); err != nil {
			return model.Position{}, err
		}
	}

	p.Leverage = cmd.Leverage
	p.Margin = next
	m.revalue(p, m.markFor(p))
	p.LiquidationPrice = m.liquidationPrice(ctx, p)
	return m.persistLocked(ctx, e, notify.EventPositionUpdated), nil
}

// SetTPSL records the take-profit and stop-loss prices on an open position.
// The linked child orders are owned by the execution engine.
func (m *Manager) SetTPSL(ctx context.Context, positionID string, tp, sl decimal.Decimal) (model.Position, error) {
	m.mu.RLock()
	e, ok := m.byID[positionID]
	m.mu.RUnlock()
	if !ok {
		return model.Position{}, ErrPositionClosed
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pos.Status != model.PositionOpen {
		return model.Position{}, ErrPositionClosed
	}
	e.pos.TakeProfit = tp
	e.pos.StopLoss = sl
	return m.persistLocked(ctx, e, notify.EventPositionUpdated), nil
}

// Get returns a position, open or historical.
func (m *Manager) Get(ctx context.Context, id string) (model.Position, error) {
	m.mu.RLock()
	e, ok := m.byID[id]
	m.mu.RUnlock()
	if ok {
		e.mu.Lock()
		defer e.mu.Unlock()
		return e.pos, nil
	}
	p, err := m.store.GetPosition(ctx, id)
	if err != nil {
		return model.Position{}, err
	}
	return *p, nil
}

// Find returns the open position for a key.
func (m *Manager) Find(k Key) (model.Position, bool) {
	m.mu.RLock()
	e, ok := m.byKey[k]
	m.mu.RUnlock()
	if !ok {
		return model.Position{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pos, e.pos.Status == model.PositionOpen
}

// List returns a player's positions in a match, open and closed.
func (m *Manager) List(ctx context.Context, matchID, playerID string) ([]model.Position, error) {
	return m.store.ListPositions(ctx, store.PositionFilter{MatchID: matchID, PlayerID: playerID})
}

// OpenCount returns the number of open positions in a match.
func (m *Manager) OpenCount(matchID string) int {
	return len(m.openWhere(func(p *model.Position) bool { return p.MatchID == matchID }))
}

// Recover reloads open positions from the store and re-acquires their feeds.
func (m *Manager) Recover(ctx context.Context) (int, error) {
	open, err := m.store.ListPositions(ctx, store.PositionFilter{Status: model.PositionOpen})
	if err != nil {
		return 0, fmt.Errorf("load open positions: %w", err)
	}
	var symbols []string
	m.mu.Lock()
	for i := range open {
		if _, ok := m.byID[open[i].ID]; ok {
			continue
		}
		m.index(&entry{pos: open[i]})
		symbols = append(symbols, open[i].Symbol)
	}
	m.mu.Unlock()

	for _, sym := range symbols {
		m.feed.Acquire(sym)
		metrics.OpenPositions.Inc()
	}
	m.logger.Info("positions recovered", zap.Int("count", len(symbols)))
	return len(symbols), nil
}

// --- internals ---

func (m *Manager) revalue(p *model.Position, mark decimal.Decimal) {
	p.MarkPrice = mark
	p.UnrealizedPnL = margin.UnrealizedPnL(p.Side, p.EntryPrice, mark, p.Size)
	p.ROI = margin.ROI(p.UnrealizedPnL, p.Margin)
	p.MarginRatio = margin.Ratio(p.UnrealizedPnL, p.Margin)
}

// liquidationPrice uses the available match balance plus the position's own
// margin as the cross-margin buffer.
func (m *Manager) liquidationPrice(ctx context.Context, p *model.Position) decimal.Decimal {
	buffer := p.Margin
	if p.MarginMode == model.MarginCross {
		if bal, err := m.ledger.Balance(ctx, p.MatchID, p.PlayerID); err == nil {
			buffer = bal.Add(p.Margin)
		}
	}
	return margin.LiquidationPrice(p.Side, p.MarginMode, p.EntryPrice, p.Size, p.Margin, buffer)
}

func (m *Manager) markFor(p *model.Position) decimal.Decimal {
	if last, ok := m.feed.LastPrice(p.Symbol); ok && last.IsPositive() {
		return last
	}
	if p.MarkPrice.IsPositive() {
		return p.MarkPrice
	}
	return p.EntryPrice
}

// persistLocked saves and publishes the position. Store failures are logged;
// the in-memory position stays authoritative for the running process.
func (m *Manager) persistLocked(ctx context.Context, e *entry, typ notify.EventType) model.Position {
	e.pos.UpdatedAt = time.Now().UTC()
	pos := e.pos
	if err := m.store.SavePosition(ctx, &pos); err != nil {
		m.logger.Error("save position failed", zap.String("position_id", pos.ID), zap.Error(err))
	}
	m.pub.Publish(notify.NewEvent(typ, pos.MatchID, []string{pos.PlayerID}, pos))
	return pos
}

func (m *Manager) afterClose(res ReduceResult) {
	if !res.Closed {
		return
	}
	m.mu.RLock()
	hooks := m.onClose
	m.mu.RUnlock()
	for _, fn := range hooks {
		fn(res.Position)
	}
}

func (m *Manager) lookup(req ReduceRequest) (*entry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if req.PositionID != "" {
		e, ok := m.byID[req.PositionID]
		return e, ok
	}
	e, ok := m.byKey[Key{MatchID: req.MatchID, PlayerID: req.PlayerID, Symbol: req.Symbol, Side: req.Side}]
	return e, ok
}

func (m *Manager) owned(positionID, playerID string) (*entry, error) {
	m.mu.RLock()
	e, ok := m.byID[positionID]
	m.mu.RUnlock()
	if !ok {
		if _, err := m.store.GetPosition(context.Background(), positionID); err == nil {
			return nil, ErrPositionClosed
		}
		return nil, fmt.Errorf("position %s: %w", positionID, model.ErrNotFound)
	}
	if e.pos.PlayerID != playerID {
		return nil, fmt.Errorf("position %s: %w", positionID, model.ErrNotParticipant)
	}
	return e, nil
}

func (m *Manager) openWhere(pred func(*model.Position) bool) []*entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*entry
	for _, e := range m.byID {
		if pred(&e.pos) {
			out = append(out, e)
		}
	}
	return out
}

func (m *Manager) openOn(symbol string) []*entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	syms := m.bySymbol[symbol]
	out := make([]*entry, 0, len(syms))
	for _, e := range syms {
		out = append(out, e)
	}
	return out
}

// index requires m.mu held for writing; unindex takes it itself.
func (m *Manager) index(e *entry) {
	m.byID[e.pos.ID] = e
	m.byKey[keyOf(&e.pos)] = e
	syms, ok := m.bySymbol[e.pos.Symbol]
	if !ok {
		syms = make(map[string]*entry)
		m.bySymbol[e.pos.Symbol] = syms
	}
	syms[e.pos.ID] = e
}

func (m *Manager) unindex(e *entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.byID, e.pos.ID)
	if cur, ok := m.byKey[keyOf(&e.pos)]; ok && cur == e {
		delete(m.byKey, keyOf(&e.pos))
	}
	if syms, ok := m.bySymbol[e.pos.Symbol]; ok {
		delete(syms, e.pos.ID)
		if len(syms) == 0 {
			delete(m.bySymbol, e.pos.Symbol)
		}
	}
}

func closeResult(res ReduceResult) model.CloseResult {
	return model.CloseResult{
		PositionID:  res.Position.ID,
		ClosePrice:  res.Position.ClosePrice,
		RealizedPnL: res.RealizedPnL,
		TotalReturn: res.Returned,
	}
}
