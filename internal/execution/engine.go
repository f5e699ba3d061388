// Package execution evaluates resting orders against price ticks and turns
// fills into position changes.
//
// An order moves pending → executing under the engine mutex before any fill
// work starts, so a replayed or concurrent tick can never fill it twice, and
// a cancel racing a fill resolves to exactly one of the two.
package execution

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atmx/duel-engine/internal/ledger"
	"github.com/atmx/duel-engine/internal/margin"
	"github.com/atmx/duel-engine/internal/metrics"
	"github.com/atmx/duel-engine/internal/model"
	"github.com/atmx/duel-engine/internal/notify"
	"github.com/atmx/duel-engine/internal/position"
	"github.com/atmx/duel-engine/internal/store"
)

var (
	// ErrMatchNotActive is returned for orders against a match that is not
	// running or is already settling.
	ErrMatchNotActive = errors.New("execution: match is not accepting orders")

	// ErrNotPending is returned when cancelling an order that already left
	// the pending state.
	ErrNotPending = fmt.Errorf("execution: order is no longer pending: %w", model.ErrConflict)
)

const tickTimeout = 5 * time.Second

// Ledger holds and refunds order margin.
type Ledger interface {
	Debit(ctx context.Context, matchID, playerID string, amount decimal.Decimal, kind model.LedgerKind, ref string) (model.BalanceSnapshot, error)
	Credit(ctx context.Context, matchID, playerID string, amount, realizedPnL decimal.Decimal, kind model.LedgerKind, ref string) (model.BalanceSnapshot, error)
}

// Positions is the position manager as seen by the engine.
type Positions interface {
	OpenOrIncrease(ctx context.Context, req position.OpenRequest) (model.Position, error)
	Reduce(ctx context.Context, req position.ReduceRequest) (position.ReduceResult, error)
	Find(k position.Key) (model.Position, bool)
	Get(ctx context.Context, id string) (model.Position, error)
	SetTPSL(ctx context.Context, positionID string, tp, sl decimal.Decimal) (model.Position, error)
}

// Feed is the slice of the price feed hub the engine needs.
type Feed interface {
	Acquire(symbol string)
	Release(symbol string)
	LastPrice(symbol string) (decimal.Decimal, bool)
}

// Options tunes order validation.
type Options struct {
	MaxLeverage int
}

// Engine is the Order Execution Engine.
type Engine struct {
	store     store.Store
	ledger    Ledger
	positions Positions
	feed      Feed
	pub       notify.Publisher
	opts      Options
	logger    *zap.Logger

	seq atomic.Uint64

	mu       sync.Mutex
	books    map[string]*book
	live     map[string]*model.Order // pending and executing
	sealed   map[string]struct{}     // matches no longer accepting orders
	inflight map[string]*sync.WaitGroup
}

// NewEngine creates an engine. Register OnTick with the feed hub before the
// position manager's handler, and subscribe OnPositionClosed to the manager.
func NewEngine(st store.Store, ledger Ledger, positions Positions, feed Feed, pub notify.Publisher, opts Options, logger *zap.Logger) *Engine {
	if opts.MaxLeverage < 1 {
		opts.MaxLeverage = 125
	}
	return &Engine{
		store:     st,
		ledger:    ledger,
		positions: positions,
		feed:      feed,
		pub:       pub,
		opts:      opts,
		logger:    logger.Named("execution"),
		books:     make(map[string]*book),
		live:      make(map[string]*model.Order),
		sealed:    make(map[string]struct{}),
		inflight:  make(map[string]*sync.WaitGroup),
	}
}

// Submit validates an order, holds its margin and rests it until a tick
// satisfies its execution predicate.
func (e *Engine) Submit(ctx context.Context, cmd model.SubmitOrderCommand) (model.Order, error) {
	if err := e.normalize(&cmd); err != nil {
		metrics.OrdersTotal.WithLabelValues(string(cmd.Type), "invalid").Inc()
		return model.Order{}, err
	}
	if err := e.checkMatch(ctx, cmd.MatchID, cmd.PlayerID); err != nil {
		return model.Order{}, err
	}
	// From here until the order rests or is rejected, CloseMatch waits for
	// this submission, so a hold taken here is refunded before settlement.
	admitted, err := e.admit(cmd.MatchID)
	if err != nil {
		return model.Order{}, err
	}
	defer admitted.Done()

	last, _ := e.feed.LastPrice(cmd.Symbol)
	expected := expectedPrice(&cmd, last)
	if !cmd.ReduceOnly {
		if err := checkTPSL(cmd.Side.Opens(), cmd.TakeProfit, cmd.StopLoss, expected); err != nil {
			return model.Order{}, err
		}
	} else {
		key := position.Key{MatchID: cmd.MatchID, PlayerID: cmd.PlayerID, Symbol: cmd.Symbol, Side: cmd.Side.Reduces()}
		if _, ok := e.positions.Find(key); !ok {
			return model.Order{}, model.Invalid("reduce_only", "no open position to reduce")
		}
	}

	now := time.Now().UTC()
	o := &model.Order{
		ID:             uuid.NewString(),
		MatchID:        cmd.MatchID,
		PlayerID:       cmd.PlayerID,
		Symbol:         cmd.Symbol,
		Side:           cmd.Side,
		Type:           cmd.Type,
		Quantity:       cmd.Quantity,
		Price:          cmd.Price,
		StopPrice:      cmd.StopPrice,
		Leverage:       cmd.Leverage,
		MarginMode:     cmd.MarginMode,
		TimeInForce:    cmd.TimeInForce,
		ReduceOnly:     cmd.ReduceOnly,
		TakeProfit:     cmd.TakeProfit,
		StopLoss:       cmd.StopLoss,
		Status:         model.OrderPending,
		Trigger:        model.TriggerImmediate,
		ReferencePrice: last,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	switch o.Type {
	case model.OrderLimit:
		o.Trigger = limitDirection(o.Side, o.Price, last)
	case model.OrderStopMarket, model.OrderStopLimit:
		o.Trigger = stopDirection(o.Side)
	}

	// Market orders placed before the symbol's first tick hold nothing here;
	// the whole margin is taken at fill time.
	if !o.ReduceOnly && expected.IsPositive() {
		hold, err := margin.Initial(margin.Notional(o.Quantity, expected), o.Leverage)
		if err != nil {
			return model.Order{}, model.Invalid("leverage", err.Error())
		}
		if _, err := e.ledger.Debit(ctx, o.MatchID, o.PlayerID, hold, model.LedgerMarginHold, o.ID); err != nil {
			if errors.Is(err, ledger.ErrInsufficientBalance) {
				metrics.OrdersTotal.WithLabelValues(string(o.Type), "insufficient_margin").Inc()
				return model.Order{}, model.Invalid("quantity", "insufficient balance for required margin")
			}
			return model.Order{}, err
		}
		o.MarginHeld = hold
	}

	// Persist and announce before resting: once resting, a tick may fill it.
	o.Seq = e.seq.Add(1)
	if err := e.store.SaveOrder(ctx, o); err != nil {
		e.logger.Error("save order failed", zap.String("order_id", o.ID), zap.Error(err))
	}
	accepted := *o
	e.publish(notify.EventOrderUpdated, accepted)
	if err := e.rest(o); err != nil {
		e.record(ctx, o, model.OrderRejected, "match closed during submission")
		return model.Order{}, err
	}

	metrics.OrdersTotal.WithLabelValues(string(o.Type), "accepted").Inc()
	e.logger.Info("order accepted",
		zap.String("order_id", accepted.ID),
		zap.String("match_id", accepted.MatchID),
		zap.String("player_id", accepted.PlayerID),
		zap.String("symbol", accepted.Symbol),
		zap.String("side", string(accepted.Side)),
		zap.String("type", string(accepted.Type)),
		zap.String("quantity", accepted.Quantity.String()),
		zap.String("trigger", string(accepted.Trigger)))
	return accepted, nil
}

func (e *Engine) checkMatch(ctx context.Context, matchID, playerID string) error {
	m, err := e.store.GetMatch(ctx, matchID)
	if err != nil {
		return err
	}
	if _, ok := m.Participant(playerID); !ok {
		return fmt.Errorf("match %s: %w", matchID, model.ErrNotParticipant)
	}
	if m.Status != model.MatchActive || e.isSealed(matchID) {
		return fmt.Errorf("match %s is %s: %w", matchID, m.Status, ErrMatchNotActive)
	}
	return nil
}

// admit counts a submission in its match's in-flight group unless the match
// is sealed. The sealed check and the Add share e.mu with CloseMatch, so an
// admitted submission is always waited for.
func (e *Engine) admit(matchID string) (*sync.WaitGroup, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.sealed[matchID]; ok {
		return nil, fmt.Errorf("match %s: %w", matchID, ErrMatchNotActive)
	}
	wg := e.track(matchID)
	wg.Add(1)
	return wg, nil
}

// rest inserts o into its symbol's book and takes a feed reference for it.
func (e *Engine) rest(o *model.Order) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.sealed[o.MatchID]; ok {
		return fmt.Errorf("match %s: %w", o.MatchID, ErrMatchNotActive)
	}
	if o.Seq == 0 {
		o.Seq = e.seq.Add(1)
	}
	b, ok := e.books[o.Symbol]
	if !ok {
		b = newBook()
		e.books[o.Symbol] = b
	}
	b.add(o)
	e.live[o.ID] = o
	e.feed.Acquire(o.Symbol)
	return nil
}

// unrest removes o from the live set. The caller holds e.mu.
func (e *Engine) unrest(o *model.Order) {
	if b, ok := e.books[o.Symbol]; ok {
		b.remove(o)
		if b.len() == 0 {
			delete(e.books, o.Symbol)
		}
	}
	delete(e.live, o.ID)
}

// Cancel cancels a pending order and refunds its held margin. An order
// already executing or terminal cannot be cancelled.
func (e *Engine) Cancel(ctx context.Context, cmd model.CancelOrderCommand) (model.Order, error) {
	e.mu.Lock()
	o, ok := e.live[cmd.OrderID]
	if !ok {
		e.mu.Unlock()
		if _, err := e.store.GetOrder(ctx, cmd.OrderID); err != nil {
			return model.Order{}, err
		}
		return model.Order{}, ErrNotPending
	}
	if o.PlayerID != cmd.PlayerID {
		e.mu.Unlock()
		return model.Order{}, fmt.Errorf("order %s: %w", cmd.OrderID, model.ErrNotParticipant)
	}
	if o.Status != model.OrderPending {
		e.mu.Unlock()
		return model.Order{}, ErrNotPending
	}
	o.Status = model.OrderCancelled
	e.unrest(o)
	cp := *o
	e.mu.Unlock()

	e.finish(ctx, &cp, model.OrderCancelled, "cancelled by player")
	if cp.IsChild() {
		e.clearLeg(ctx, &cp)
	}
	return cp, nil
}

// OnTick evaluates every resting order on the tick's symbol in submission
// order and executes those whose predicate holds.
func (e *Engine) OnTick(t model.Tick) {
	start := time.Now()
	due, expired, armedNow := e.collect(t)
	if len(due) == 0 && len(expired) == 0 && len(armedNow) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), tickTimeout)
	defer cancel()

	for i := range armedNow {
		if err := e.store.SaveOrder(ctx, &armedNow[i]); err != nil {
			e.logger.Error("save order failed", zap.String("order_id", armedNow[i].ID), zap.Error(err))
		}
	}
	for i := range expired {
		e.finish(ctx, &expired[i], model.OrderCancelled, "immediate-or-cancel order not filled")
	}
	for _, j := range due {
		e.fill(ctx, &j.order, t.Price)
		j.done.Done()
		metrics.FillLatency.Observe(time.Since(start).Seconds())
	}
}

// job is an order moved to executing, counted in its match's in-flight group.
type job struct {
	order model.Order
	done  *sync.WaitGroup
}

// collect moves due orders to executing and expired IOC orders to cancelled
// under the engine mutex and returns copies for the work done outside it.
func (e *Engine) collect(t model.Tick) (due []job, expired, armedNow []model.Order) {
	e.mu.Lock()
	defer e.mu.Unlock()

	b, ok := e.books[t.Symbol]
	if !ok {
		return nil, nil, nil
	}
	var done []*model.Order
	b.each(func(o *model.Order) bool {
		if o.Status != model.OrderPending {
			return true
		}
		fill, triggered := evaluate(o, t.Price)
		if triggered {
			o.Triggered = true
			o.UpdatedAt = t.Timestamp
			if !fill {
				armedNow = append(armedNow, *o)
			}
		}
		switch {
		case fill:
			o.Status = model.OrderExecuting
			wg := e.track(o.MatchID)
			wg.Add(1)
			due = append(due, job{order: *o, done: wg})
			done = append(done, o)
		case o.TimeInForce == model.TimeInForceIOC && armed(o):
			o.Status = model.OrderCancelled
			expired = append(expired, *o)
			done = append(done, o)
		}
		return true
	})
	for _, o := range done {
		if o.Status == model.OrderCancelled {
			e.unrest(o)
			continue
		}
		// Executing orders leave the book but stay live until they finish.
		b.remove(o)
	}
	if b.len() == 0 {
		delete(e.books, t.Symbol)
	}
	return due, expired, armedNow
}

// track returns the in-flight fill group of a match. The caller holds e.mu.
func (e *Engine) track(matchID string) *sync.WaitGroup {
	wg, ok := e.inflight[matchID]
	if !ok {
		wg = &sync.WaitGroup{}
		e.inflight[matchID] = wg
	}
	return wg
}

// fill executes an order already moved to executing at price.
func (e *Engine) fill(ctx context.Context, o *model.Order, price decimal.Decimal) {
	var (
		pos      model.Position
		qty      = o.Quantity
		realized = decimal.Zero
	)

	if o.ReduceOnly {
		res, err := e.positions.Reduce(ctx, position.ReduceRequest{
			PositionID: o.PositionID,
			MatchID:    o.MatchID,
			PlayerID:   o.PlayerID,
			Symbol:     o.Symbol,
			Side:       o.Side.Reduces(),
			Price:      price,
			Qty:        o.Quantity,
		})
		if err != nil {
			e.logger.Info("reduce-only order has nothing to reduce",
				zap.String("order_id", o.ID), zap.Error(err))
			e.finish(ctx, o, model.OrderRejected, "no open position to reduce")
			return
		}
		pos, qty, realized = res.Position, res.Qty, res.RealizedPnL
	} else {
		lev, mode := o.Leverage, o.MarginMode
		key := position.Key{MatchID: o.MatchID, PlayerID: o.PlayerID, Symbol: o.Symbol, Side: o.Side.Opens()}
		if existing, ok := e.positions.Find(key); ok {
			lev, mode = existing.Leverage, existing.MarginMode
		}
		required, err := margin.Initial(margin.Notional(qty, price), lev)
		if err != nil {
			e.finish(ctx, o, model.OrderRejected, err.Error())
			return
		}
		if err := e.settleHold(ctx, o, required); err != nil {
			e.logger.Info("fill rejected at margin adjustment",
				zap.String("order_id", o.ID), zap.Error(err))
			e.finish(ctx, o, model.OrderRejected, "insufficient balance for margin at fill price")
			return
		}
		pos, err = e.positions.OpenOrIncrease(ctx, position.OpenRequest{
			OrderID:  o.ID,
			MatchID:  o.MatchID,
			PlayerID: o.PlayerID,
			Symbol:   o.Symbol,
			Side:     o.Side.Opens(),
			Price:    price,
			Qty:      qty,
			Margin:   required,
			Leverage: lev,
			Mode:     mode,
		})
		if err != nil {
			e.logger.Error("open position failed", zap.String("order_id", o.ID), zap.Error(err))
			o.MarginHeld = required
			e.finish(ctx, o, model.OrderRejected, "position update failed")
			return
		}
	}

	now := time.Now().UTC()
	o.FillPrice = price
	o.FilledQty = qty
	o.FilledAt = &now
	if o.PositionID == "" {
		o.PositionID = pos.ID
	}
	e.finish(ctx, o, model.OrderFilled, "")

	fill := &model.Fill{
		ID:          uuid.NewString(),
		OrderID:     o.ID,
		MatchID:     o.MatchID,
		PlayerID:    o.PlayerID,
		PositionID:  pos.ID,
		Symbol:      o.Symbol,
		Side:        o.Side,
		Quantity:    qty,
		Price:       price,
		RealizedPnL: realized,
		Timestamp:   now,
	}
	if err := e.store.InsertFill(ctx, fill); err != nil {
		e.logger.Error("record fill failed", zap.String("order_id", o.ID), zap.Error(err))
	}
	metrics.FillsTotal.WithLabelValues(string(o.Side)).Inc()
	e.logger.Info("order filled",
		zap.String("order_id", o.ID),
		zap.String("match_id", o.MatchID),
		zap.String("position_id", pos.ID),
		zap.String("price", price.String()),
		zap.String("quantity", qty.String()))

	if !o.ReduceOnly && (o.TakeProfit.IsPositive() || o.StopLoss.IsPositive()) && pos.Status == model.PositionOpen {
		if _, err := e.attach(ctx, pos, o.TakeProfit, o.StopLoss, o.ID); err != nil {
			e.logger.Warn("attach take-profit/stop-loss failed",
				zap.String("order_id", o.ID), zap.Error(err))
		}
	}
}

// settleHold tops up or refunds the placement hold so the order has paid
// exactly required. On failure the placement hold is left for finish to refund.
func (e *Engine) settleHold(ctx context.Context, o *model.Order, required decimal.Decimal) error {
	diff := required.Sub(o.MarginHeld)
	switch {
	case diff.IsPositive():
		if _, err := e.ledger.Debit(ctx, o.MatchID, o.PlayerID, diff, model.LedgerMarginAdjust, o.ID); err != nil {
			return err
		}
	case diff.IsNegative():
		if _, err := e.ledger.Credit(ctx, o.MatchID, o.PlayerID, diff.Neg(), decimal.Zero, model.LedgerMarginAdjust, o.ID); err != nil {
			return err
		}
	}
	// The margin now belongs to the position.
	o.MarginHeld = decimal.Zero
	return nil
}

// finish moves o to a terminal status, refunding any margin still held, and
// drops it from the live set.
func (e *Engine) finish(ctx context.Context, o *model.Order, status model.OrderStatus, reason string) {
	e.mu.Lock()
	if cur, ok := e.live[o.ID]; ok {
		cur.Status = status
		e.unrest(cur)
	}
	e.mu.Unlock()
	e.feed.Release(o.Symbol)
	e.record(ctx, o, status, reason)
}

// record persists and announces a terminal status for an order that holds
// no feed reference.
func (e *Engine) record(ctx context.Context, o *model.Order, status model.OrderStatus, reason string) {
	if status != model.OrderFilled && o.MarginHeld.IsPositive() {
		e.refund(ctx, o, reason)
	}
	o.Status = status
	o.Reason = reason
	o.UpdatedAt = time.Now().UTC()

	if err := e.store.SaveOrder(ctx, o); err != nil {
		e.logger.Error("save order failed", zap.String("order_id", o.ID), zap.Error(err))
	}
	metrics.OrdersTotal.WithLabelValues(string(o.Type), string(status)).Inc()

	typ := notify.EventOrderUpdated
	if status == model.OrderFilled {
		typ = notify.EventOrderExecuted
	}
	e.publish(typ, *o)
}

func (e *Engine) refund(ctx context.Context, o *model.Order, reason string) {
	if !o.MarginHeld.IsPositive() {
		return
	}
	if _, err := e.ledger.Credit(ctx, o.MatchID, o.PlayerID, o.MarginHeld, decimal.Zero, model.LedgerMarginRefund, o.ID); err != nil {
		e.logger.Error("margin refund failed",
			zap.String("order_id", o.ID),
			zap.String("amount", o.MarginHeld.String()),
			zap.String("reason", reason),
			zap.Error(err))
		return
	}
	o.MarginHeld = decimal.Zero
}

func (e *Engine) publish(typ notify.EventType, o model.Order) {
	e.pub.Publish(notify.NewEvent(typ, o.MatchID, []string{o.PlayerID}, o))
}

func (e *Engine) isSealed(matchID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.sealed[matchID]
	return ok
}

// Seal stops a match from accepting new orders. Resting orders stay
// eligible until CloseMatch.
func (e *Engine) Seal(matchID string) {
	e.mu.Lock()
	e.sealed[matchID] = struct{}{}
	e.mu.Unlock()
}

// CloseMatch seals the match, cancels its resting orders with a full margin
// refund, and waits for fills already executing and submissions already
// admitted to land. Such submissions are rejected and refunded.
func (e *Engine) CloseMatch(ctx context.Context, matchID string) error {
	e.mu.Lock()
	e.sealed[matchID] = struct{}{}
	var cancelled []model.Order
	for _, o := range e.live {
		if o.MatchID != matchID || o.Status != model.OrderPending {
			continue
		}
		o.Status = model.OrderCancelled
		cancelled = append(cancelled, *o)
	}
	for i := range cancelled {
		e.unrest(e.live[cancelled[i].ID])
	}
	wg := e.track(matchID)
	e.mu.Unlock()

	for i := range cancelled {
		e.finish(ctx, &cancelled[i], model.OrderCancelled, "match ended")
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("wait for in-flight fills of %s: %w", matchID, ctx.Err())
	}

	e.logger.Info("match orders closed",
		zap.String("match_id", matchID),
		zap.Int("cancelled", len(cancelled)))
	return nil
}

// Forget drops per-match fill tracking after settlement. The match stays
// sealed so a submission that passed its status check before settlement
// cannot rest afterwards.
func (e *Engine) Forget(matchID string) {
	e.mu.Lock()
	delete(e.inflight, matchID)
	e.mu.Unlock()
}

// OnPositionClosed cancels the take-profit and stop-loss orders of a
// position that has fully closed.
func (e *Engine) OnPositionClosed(pos model.Position) {
	ctx, cancel := context.WithTimeout(context.Background(), tickTimeout)
	defer cancel()
	for _, o := range e.takeChildren(pos.ID) {
		e.finish(ctx, &o, model.OrderCancelled, "position closed")
	}
}

// takeChildren cancels the pending child orders of a position under the
// engine mutex and returns copies.
func (e *Engine) takeChildren(positionID string) []model.Order {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []model.Order
	for _, o := range e.live {
		if o.PositionID == positionID && o.IsChild() && o.Status == model.OrderPending {
			o.Status = model.OrderCancelled
			out = append(out, *o)
		}
	}
	for i := range out {
		e.unrest(e.live[out[i].ID])
	}
	return out
}

// UpdateTPSL replaces a position's take-profit and stop-loss orders. A zero
// price removes that leg.
func (e *Engine) UpdateTPSL(ctx context.Context, cmd model.UpdateTPSLCommand) (model.Position, error) {
	pos, err := e.positions.Get(ctx, cmd.PositionID)
	if err != nil {
		return model.Position{}, err
	}
	if pos.PlayerID != cmd.PlayerID {
		return model.Position{}, fmt.Errorf("position %s: %w", cmd.PositionID, model.ErrNotParticipant)
	}
	if pos.Status != model.PositionOpen {
		return model.Position{}, position.ErrPositionClosed
	}
	if e.isSealed(pos.MatchID) {
		return model.Position{}, fmt.Errorf("match %s: %w", pos.MatchID, ErrMatchNotActive)
	}
	if cmd.TakeProfit.IsNegative() || cmd.StopLoss.IsNegative() {
		return model.Position{}, model.Invalid("take_profit", "prices must not be negative")
	}
	ref := pos.MarkPrice
	if last, ok := e.feed.LastPrice(pos.Symbol); ok {
		ref = last
	}
	if err := checkTPSL(pos.Side, cmd.TakeProfit, cmd.StopLoss, ref); err != nil {
		return model.Position{}, err
	}
	return e.attach(ctx, pos, cmd.TakeProfit, cmd.StopLoss, "")
}

// attach replaces the child orders of pos with new ones for each set leg.
// Take-profit is a reduce-only limit on the profitable side; stop-loss is a
// reduce-only stop-market on the losing side.
func (e *Engine) attach(ctx context.Context, pos model.Position, tp, sl decimal.Decimal, parentID string) (model.Position, error) {
	for _, o := range e.takeChildren(pos.ID) {
		e.finish(ctx, &o, model.OrderCancelled, "replaced")
	}

	closing := pos.Side.ClosingSide()
	legs := []struct {
		typ   model.OrderType
		price decimal.Decimal
		dir   model.TriggerDirection
	}{
		{model.OrderLimit, tp, stopDirection(closing.Opposite())},
		{model.OrderStopMarket, sl, stopDirection(closing)},
	}
	for _, leg := range legs {
		if !leg.price.IsPositive() {
			continue
		}
		now := time.Now().UTC()
		child := &model.Order{
			ID:          uuid.NewString(),
			MatchID:     pos.MatchID,
			PlayerID:    pos.PlayerID,
			Symbol:      pos.Symbol,
			Side:        closing,
			Type:        leg.typ,
			Quantity:    pos.Size,
			Leverage:    pos.Leverage,
			MarginMode:  pos.MarginMode,
			TimeInForce: model.TimeInForceGTC,
			ReduceOnly:  true,
			Status:      model.OrderPending,
			Trigger:     leg.dir,
			ParentID:    parentID,
			PositionID:  pos.ID,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if leg.typ == model.OrderLimit {
			child.Price = leg.price
		} else {
			child.StopPrice = leg.price
		}
		child.Seq = e.seq.Add(1)
		if err := e.store.SaveOrder(ctx, child); err != nil {
			e.logger.Error("save order failed", zap.String("order_id", child.ID), zap.Error(err))
		}
		e.publish(notify.EventOrderUpdated, *child)
		if err := e.rest(child); err != nil {
			e.record(ctx, child, model.OrderRejected, "match closed")
			return model.Position{}, err
		}
	}
	return e.positions.SetTPSL(ctx, pos.ID, tp, sl)
}

// clearLeg removes a cancelled child's price from its position.
func (e *Engine) clearLeg(ctx context.Context, child *model.Order) {
	pos, err := e.positions.Get(ctx, child.PositionID)
	if err != nil || pos.Status != model.PositionOpen {
		return
	}
	tp, sl := pos.TakeProfit, pos.StopLoss
	if child.Type == model.OrderLimit {
		tp = decimal.Zero
	} else {
		sl = decimal.Zero
	}
	if _, err := e.positions.SetTPSL(ctx, pos.ID, tp, sl); err != nil {
		e.logger.Debug("clear take-profit/stop-loss leg", zap.String("position_id", pos.ID), zap.Error(err))
	}
}

// Get returns an order by ID.
func (e *Engine) Get(ctx context.Context, id string) (model.Order, error) {
	e.mu.Lock()
	if o, ok := e.live[id]; ok {
		cp := *o
		e.mu.Unlock()
		return cp, nil
	}
	e.mu.Unlock()
	o, err := e.store.GetOrder(ctx, id)
	if err != nil {
		return model.Order{}, err
	}
	return *o, nil
}

// List returns a player's orders in a match in submission order.
func (e *Engine) List(ctx context.Context, matchID, playerID string) ([]model.Order, error) {
	return e.store.ListOrders(ctx, store.OrderFilter{MatchID: matchID, PlayerID: playerID})
}

// Pending returns the number of resting orders on symbol.
func (e *Engine) Pending(symbol string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if b, ok := e.books[symbol]; ok {
		return b.len()
	}
	return 0
}

// Recover rebuilds the books from persisted non-terminal orders. Orders
// interrupted mid-execution return to pending with their hold intact.
func (e *Engine) Recover(ctx context.Context) (int, error) {
	orders, err := e.store.ListOrders(ctx, store.OrderFilter{
		Statuses: []model.OrderStatus{model.OrderPending, model.OrderExecuting},
	})
	if err != nil {
		return 0, fmt.Errorf("load live orders: %w", err)
	}

	var maxSeq uint64
	for i := range orders {
		maxSeq = max(maxSeq, orders[i].Seq)
	}
	for {
		cur := e.seq.Load()
		if cur >= maxSeq || e.seq.CompareAndSwap(cur, maxSeq) {
			break
		}
	}

	n := 0
	for i := range orders {
		o := orders[i]
		e.mu.Lock()
		_, known := e.live[o.ID]
		e.mu.Unlock()
		if known {
			continue
		}
		o.Status = model.OrderPending
		if err := e.rest(&o); err != nil {
			e.logger.Warn("skip recovered order", zap.String("order_id", o.ID), zap.Error(err))
			continue
		}
		n++
	}
	e.logger.Info("orders recovered", zap.Int("count", n))
	return n, nil
}
