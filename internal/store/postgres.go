package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/duel-engine/internal/model"
)

//go:embed schema.sql
var schema string

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates the schema if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// --- Players ---

func (s *PostgresStore) UpsertPlayer(ctx context.Context, p *model.Player) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO players (id, username, tier, balance, matches_played, wins, losses, draws, recent, updated_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (id) DO UPDATE SET
		   username = EXCLUDED.username, tier = EXCLUDED.tier, balance = EXCLUDED.balance,
		   matches_played = EXCLUDED.matches_played, wins = EXCLUDED.wins,
		   losses = EXCLUDED.losses, draws = EXCLUDED.draws, recent = EXCLUDED.recent,
		   updated_at = EXCLUDED.updated_at`,
		p.ID, p.Username, p.Tier, p.Balance.String(),
		p.MatchesPlayed, p.Wins, p.Losses, p.Draws, p.Recent, p.UpdatedAt,
	)
	return err
}

func (s *PostgresStore) GetPlayer(ctx context.Context, id string) (*model.Player, error) {
	var p model.Player
	var balance string

	err := s.pool.QueryRow(ctx,
		`SELECT id, username, tier, balance::TEXT, matches_played, wins, losses, draws, recent, updated_at
		 FROM players WHERE id = $1`, id).
		Scan(&p.ID, &p.Username, &p.Tier, &balance,
			&p.MatchesPlayed, &p.Wins, &p.Losses, &p.Draws, &p.Recent, &p.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("get player %s: %w", id, notFound(err))
	}
	p.Balance = dec(balance)
	return &p, nil
}

func (s *PostgresStore) RecordResult(ctx context.Context, playerID string, outcome Outcome) error {
	var column string
	switch outcome {
	case OutcomeWin:
		column = "wins"
	case OutcomeDraw:
		column = "draws"
	default:
		column = "losses"
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE players SET matches_played = matches_played + 1, `+column+` = `+column+` + 1,
		   recent = right(recent || $2, $3), updated_at = now()
		 WHERE id = $1`, playerID, string(outcome.result()), model.RecentWindow)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("player %s: %w", playerID, model.ErrNotFound)
	}
	return nil
}

// --- Matches ---

func (s *PostgresStore) CreateMatch(ctx context.Context, m *model.Match) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO matches (id, status, duration_ms, winner_id, end_reason, created_at, started_at, ended_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		m.ID, m.Status, m.Duration.Milliseconds(), m.WinnerID, m.EndReason,
		m.CreatedAt, m.StartedAt, m.EndedAt,
	)
	if err != nil {
		return fmt.Errorf("insert match %s: %w", m.ID, err)
	}
	for seat, p := range m.Participants {
		_, err = tx.Exec(ctx,
			`INSERT INTO match_participants (match_id, seat, player_id, starting_balance, balance, realized_pnl, trade_count, joined)
			 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7, $8)`,
			m.ID, seat, p.PlayerID, p.StartingBalance.String(), p.Balance.String(),
			p.RealizedPnL.String(), p.TradeCount, p.Joined,
		)
		if err != nil {
			return fmt.Errorf("insert participant %s: %w", p.PlayerID, err)
		}
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) GetMatch(ctx context.Context, id string) (*model.Match, error) {
	m, err := s.scanMatch(s.pool.QueryRow(ctx,
		`SELECT id, status, duration_ms, winner_id, end_reason, created_at, started_at, ended_at
		 FROM matches WHERE id = $1`, id))
	if err != nil {
		return nil, fmt.Errorf("get match %s: %w", id, notFound(err))
	}
	if err := s.loadParticipants(ctx, m); err != nil {
		return nil, err
	}
	return m, nil
}

func (s *PostgresStore) UpdateMatch(ctx context.Context, m *model.Match) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`UPDATE matches SET status = $2, winner_id = $3, end_reason = $4, started_at = $5, ended_at = $6
		 WHERE id = $1`,
		m.ID, m.Status, m.WinnerID, m.EndReason, m.StartedAt, m.EndedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("match %s: %w", m.ID, model.ErrNotFound)
	}
	for _, p := range m.Participants {
		if _, err := tx.Exec(ctx,
			`UPDATE match_participants SET joined = $3 WHERE match_id = $1 AND player_id = $2`,
			m.ID, p.PlayerID, p.Joined); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) ListMatches(ctx context.Context, statuses ...model.MatchStatus) ([]model.Match, error) {
	names := make([]string, len(statuses))
	for i, st := range statuses {
		names[i] = string(st)
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, status, duration_ms, winner_id, end_reason, created_at, started_at, ended_at
		 FROM matches WHERE cardinality($1::TEXT[]) = 0 OR status = ANY($1::TEXT[])
		 ORDER BY created_at`, names)
	if err != nil {
		return nil, err
	}
	var matches []model.Match
	for rows.Next() {
		m, err := s.scanMatch(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		matches = append(matches, *m)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range matches {
		if err := s.loadParticipants(ctx, &matches[i]); err != nil {
			return nil, err
		}
	}
	return matches, nil
}

func (s *PostgresStore) OpenMatchForPlayer(ctx context.Context, playerID string) (*model.Match, error) {
	var id string
	err := s.pool.QueryRow(ctx,
		`SELECT m.id FROM matches m
		 JOIN match_participants mp ON mp.match_id = m.id
		 WHERE mp.player_id = $1 AND m.status IN ('waiting', 'active')
		 ORDER BY m.created_at DESC LIMIT 1`, playerID).Scan(&id)
	if err != nil {
		return nil, fmt.Errorf("open match for %s: %w", playerID, notFound(err))
	}
	return s.GetMatch(ctx, id)
}

func (s *PostgresStore) scanMatch(row scanner) (*model.Match, error) {
	var m model.Match
	var durationMS int64
	if err := row.Scan(&m.ID, &m.Status, &durationMS, &m.WinnerID, &m.EndReason,
		&m.CreatedAt, &m.StartedAt, &m.EndedAt); err != nil {
		return nil, err
	}
	m.Duration = time.Duration(durationMS) * time.Millisecond
	return &m, nil
}

func (s *PostgresStore) loadParticipants(ctx context.Context, m *model.Match) error {
	rows, err := s.pool.Query(ctx,
		`SELECT seat, player_id, starting_balance::TEXT, balance::TEXT, realized_pnl::TEXT, trade_count, joined
		 FROM match_participants WHERE match_id = $1 ORDER BY seat`, m.ID)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var seat int
		var p model.Participant
		var starting, balance, pnl string
		if err := rows.Scan(&seat, &p.PlayerID, &starting, &balance, &pnl, &p.TradeCount, &p.Joined); err != nil {
			return err
		}
		if seat < 0 || seat >= len(m.Participants) {
			continue
		}
		p.StartingBalance = dec(starting)
		p.Balance = dec(balance)
		p.RealizedPnL = dec(pnl)
		m.Participants[seat] = p
	}
	return rows.Err()
}

// --- Balances ---

// ApplyBalanceDelta runs both increments and the journal insert in one
// transaction. The balance columns are only ever changed with
// "balance = balance + delta" so concurrent matches of the same player never
// overwrite each other.
func (s *PostgresStore) ApplyBalanceDelta(ctx context.Context, d model.BalanceDelta, entry *model.LedgerEntry) (model.BalanceSnapshot, error) {
	snap := model.BalanceSnapshot{MatchID: d.MatchID, PlayerID: d.PlayerID}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return snap, err
	}
	defer tx.Rollback(ctx)

	var balance, pnl, starting string
	err = tx.QueryRow(ctx,
		`UPDATE match_participants
		 SET balance = balance + $3::NUMERIC, realized_pnl = realized_pnl + $4::NUMERIC
		 WHERE match_id = $1 AND player_id = $2
		   AND (NOT $5 OR balance + $3::NUMERIC >= 0)
		 RETURNING balance::TEXT, realized_pnl::TEXT, starting_balance::TEXT`,
		d.MatchID, d.PlayerID, d.Amount.String(), d.RealizedPnL.String(), d.RequireFunds).
		Scan(&balance, &pnl, &starting)
	if errors.Is(err, pgx.ErrNoRows) {
		var exists bool
		if err := tx.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM match_participants WHERE match_id = $1 AND player_id = $2)`,
			d.MatchID, d.PlayerID).Scan(&exists); err != nil {
			return snap, err
		}
		if exists {
			return snap, ErrInsufficientFunds
		}
		return snap, model.ErrNotParticipant
	}
	if err != nil {
		return snap, fmt.Errorf("apply match balance: %w", err)
	}

	var global string
	err = tx.QueryRow(ctx,
		`UPDATE players SET balance = balance + $2::NUMERIC, updated_at = now()
		 WHERE id = $1 RETURNING balance::TEXT`,
		d.PlayerID, d.Amount.String()).Scan(&global)
	if err != nil {
		return snap, fmt.Errorf("apply global balance: %w", notFound(err))
	}

	snap.MatchBalance = dec(balance)
	snap.RealizedPnL = dec(pnl)
	snap.StartingBalance = dec(starting)
	snap.GlobalBalance = dec(global)

	if entry != nil {
		entry.Balance = snap.MatchBalance
		_, err = tx.Exec(ctx,
			`INSERT INTO ledger_entries (id, match_id, player_id, kind, amount, realized_pnl, reference, balance, timestamp)
			 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7, $8::NUMERIC, $9)`,
			entry.ID, entry.MatchID, entry.PlayerID, entry.Kind,
			entry.Amount.String(), entry.RealizedPnL.String(), entry.Reference,
			entry.Balance.String(), entry.Timestamp,
		)
		if err != nil {
			return snap, fmt.Errorf("insert ledger entry: %w", err)
		}
	}

	return snap, tx.Commit(ctx)
}

func (s *PostgresStore) LedgerEntries(ctx context.Context, matchID, playerID string) ([]model.LedgerEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, match_id, player_id, kind, amount::TEXT, realized_pnl::TEXT, reference, balance::TEXT, timestamp
		 FROM ledger_entries WHERE match_id = $1 AND player_id = $2 ORDER BY seq`, matchID, playerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []model.LedgerEntry
	for rows.Next() {
		var e model.LedgerEntry
		var amount, pnl, balance string
		if err := rows.Scan(&e.ID, &e.MatchID, &e.PlayerID, &e.Kind,
			&amount, &pnl, &e.Reference, &balance, &e.Timestamp); err != nil {
			return nil, err
		}
		e.Amount = dec(amount)
		e.RealizedPnL = dec(pnl)
		e.Balance = dec(balance)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// --- Orders ---

const orderColumns = `id, match_id, player_id, symbol, side, type,
	quantity::TEXT, price::TEXT, stop_price::TEXT, leverage, margin_mode, time_in_force, reduce_only,
	take_profit::TEXT, stop_loss::TEXT, status, trigger, triggered, reference_price::TEXT, margin_held::TEXT,
	parent_id, position_id, fill_price::TEXT, filled_qty::TEXT, filled_at, reason, seq, created_at, updated_at`

func (s *PostgresStore) SaveOrder(ctx context.Context, o *model.Order) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO orders (id, match_id, player_id, symbol, side, type,
		    quantity, price, stop_price, leverage, margin_mode, time_in_force, reduce_only,
		    take_profit, stop_loss, status, trigger, triggered, reference_price, margin_held,
		    parent_id, position_id, fill_price, filled_qty, filled_at, reason, seq, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6,
		    $7::NUMERIC, $8::NUMERIC, $9::NUMERIC, $10, $11, $12, $13,
		    $14::NUMERIC, $15::NUMERIC, $16, $17, $18, $19::NUMERIC, $20::NUMERIC,
		    $21, $22, $23::NUMERIC, $24::NUMERIC, $25, $26, $27, $28, $29)
		 ON CONFLICT (id) DO UPDATE SET
		    status = EXCLUDED.status, triggered = EXCLUDED.triggered,
		    take_profit = EXCLUDED.take_profit, stop_loss = EXCLUDED.stop_loss,
		    margin_held = EXCLUDED.margin_held, position_id = EXCLUDED.position_id,
		    fill_price = EXCLUDED.fill_price, filled_qty = EXCLUDED.filled_qty,
		    filled_at = EXCLUDED.filled_at, reason = EXCLUDED.reason, updated_at = EXCLUDED.updated_at`,
		o.ID, o.MatchID, o.PlayerID, o.Symbol, o.Side, o.Type,
		o.Quantity.String(), o.Price.String(), o.StopPrice.String(), o.Leverage, o.MarginMode, o.TimeInForce, o.ReduceOnly,
		o.TakeProfit.String(), o.StopLoss.String(), o.Status, o.Trigger, o.Triggered, o.ReferencePrice.String(), o.MarginHeld.String(),
		o.ParentID, o.PositionID, o.FillPrice.String(), o.FilledQty.String(), o.FilledAt, o.Reason, int64(o.Seq), o.CreatedAt, o.UpdatedAt,
	)
	return err
}

func (s *PostgresStore) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	o, err := scanOrder(s.pool.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id))
	if err != nil {
		return nil, fmt.Errorf("get order %s: %w", id, notFound(err))
	}
	return o, nil
}

func (s *PostgresStore) ListOrders(ctx context.Context, f OrderFilter) ([]model.Order, error) {
	statuses := make([]string, len(f.Statuses))
	for i, st := range f.Statuses {
		statuses[i] = string(st)
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+orderColumns+` FROM orders
		 WHERE ($1 = '' OR match_id = $1)
		   AND ($2 = '' OR player_id = $2)
		   AND (cardinality($3::TEXT[]) = 0 OR status = ANY($3::TEXT[]))
		 ORDER BY seq`, f.MatchID, f.PlayerID, statuses)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []model.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, *o)
	}
	return orders, rows.Err()
}

func scanOrder(row scanner) (*model.Order, error) {
	var o model.Order
	var qty, price, stop, tp, sl, ref, held, fillPrice, filledQty string
	var seq int64
	if err := row.Scan(&o.ID, &o.MatchID, &o.PlayerID, &o.Symbol, &o.Side, &o.Type,
		&qty, &price, &stop, &o.Leverage, &o.MarginMode, &o.TimeInForce, &o.ReduceOnly,
		&tp, &sl, &o.Status, &o.Trigger, &o.Triggered, &ref, &held,
		&o.ParentID, &o.PositionID, &fillPrice, &filledQty, &o.FilledAt, &o.Reason, &seq, &o.CreatedAt, &o.UpdatedAt); err != nil {
		return nil, err
	}
	o.Quantity = dec(qty)
	o.Price = dec(price)
	o.StopPrice = dec(stop)
	o.TakeProfit = dec(tp)
	o.StopLoss = dec(sl)
	o.ReferencePrice = dec(ref)
	o.MarginHeld = dec(held)
	o.FillPrice = dec(fillPrice)
	o.FilledQty = dec(filledQty)
	o.Seq = uint64(seq)
	return &o, nil
}

// --- Positions ---

const positionColumns = `id, match_id, player_id, symbol, side, size::TEXT, entry_price::TEXT, mark_price::TEXT,
	margin::TEXT, leverage, margin_mode, liquidation_price::TEXT, unrealized_pnl::TEXT, roi::TEXT, margin_ratio::TEXT,
	realized_pnl::TEXT, take_profit::TEXT, stop_loss::TEXT, status, close_price::TEXT, opened_at, updated_at, closed_at`

func (s *PostgresStore) SavePosition(ctx context.Context, p *model.Position) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO positions (id, match_id, player_id, symbol, side, size, entry_price, mark_price,
		    margin, leverage, margin_mode, liquidation_price, unrealized_pnl, roi, margin_ratio,
		    realized_pnl, take_profit, stop_loss, status, close_price, opened_at, updated_at, closed_at)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC,
		    $9::NUMERIC, $10, $11, $12::NUMERIC, $13::NUMERIC, $14::NUMERIC, $15::NUMERIC,
		    $16::NUMERIC, $17::NUMERIC, $18::NUMERIC, $19, $20::NUMERIC, $21, $22, $23)
		 ON CONFLICT (id) DO UPDATE SET
		    size = EXCLUDED.size, entry_price = EXCLUDED.entry_price, mark_price = EXCLUDED.mark_price,
		    margin = EXCLUDED.margin, leverage = EXCLUDED.leverage, liquidation_price = EXCLUDED.liquidation_price,
		    unrealized_pnl = EXCLUDED.unrealized_pnl, roi = EXCLUDED.roi, margin_ratio = EXCLUDED.margin_ratio,
		    realized_pnl = EXCLUDED.realized_pnl, take_profit = EXCLUDED.take_profit, stop_loss = EXCLUDED.stop_loss,
		    status = EXCLUDED.status, close_price = EXCLUDED.close_price,
		    updated_at = EXCLUDED.updated_at, closed_at = EXCLUDED.closed_at`,
		p.ID, p.MatchID, p.PlayerID, p.Symbol, p.Side, p.Size.String(), p.EntryPrice.String(), p.MarkPrice.String(),
		p.Margin.String(), p.Leverage, p.MarginMode, p.LiquidationPrice.String(), p.UnrealizedPnL.String(), p.ROI.String(), p.MarginRatio.String(),
		p.RealizedPnL.String(), p.TakeProfit.String(), p.StopLoss.String(), p.Status, p.ClosePrice.String(), p.OpenedAt, p.UpdatedAt, p.ClosedAt,
	)
	return err
}

func (s *PostgresStore) GetPosition(ctx context.Context, id string) (*model.Position, error) {
	p, err := scanPosition(s.pool.QueryRow(ctx, `SELECT `+positionColumns+` FROM positions WHERE id = $1`, id))
	if err != nil {
		return nil, fmt.Errorf("get position %s: %w", id, notFound(err))
	}
	return p, nil
}

func (s *PostgresStore) ListPositions(ctx context.Context, f PositionFilter) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionColumns+` FROM positions
		 WHERE ($1 = '' OR match_id = $1)
		   AND ($2 = '' OR player_id = $2)
		   AND ($3 = '' OR status = $3)
		 ORDER BY opened_at`, f.MatchID, f.PlayerID, string(f.Status))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []model.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, *p)
	}
	return positions, rows.Err()
}

func scanPosition(row scanner) (*model.Position, error) {
	var p model.Position
	var size, entry, mark, margin, liq, upnl, roi, ratio, rpnl, tp, sl, closePrice string
	if err := row.Scan(&p.ID, &p.MatchID, &p.PlayerID, &p.Symbol, &p.Side, &size, &entry, &mark,
		&margin, &p.Leverage, &p.MarginMode, &liq, &upnl, &roi, &ratio,
		&rpnl, &tp, &sl, &p.Status, &closePrice, &p.OpenedAt, &p.UpdatedAt, &p.ClosedAt); err != nil {
		return nil, err
	}
	p.Size = dec(size)
	p.EntryPrice = dec(entry)
	p.MarkPrice = dec(mark)
	p.Margin = dec(margin)
	p.LiquidationPrice = dec(liq)
	p.UnrealizedPnL = dec(upnl)
	p.ROI = dec(roi)
	p.MarginRatio = dec(ratio)
	p.RealizedPnL = dec(rpnl)
	p.TakeProfit = dec(tp)
	p.StopLoss = dec(sl)
	p.ClosePrice = dec(closePrice)
	return &p, nil
}

// --- Trade log ---

func (s *PostgresStore) InsertFill(ctx context.Context, f *model.Fill) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO fills (id, order_id, match_id, player_id, position_id, symbol, side, quantity, price, realized_pnl, timestamp)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8::NUMERIC, $9::NUMERIC, $10::NUMERIC, $11)`,
		f.ID, f.OrderID, f.MatchID, f.PlayerID, f.PositionID, f.Symbol, f.Side,
		f.Quantity.String(), f.Price.String(), f.RealizedPnL.String(), f.Timestamp,
	)
	if err != nil {
		return err
	}
	if _, err := tx.Exec(ctx,
		`UPDATE match_participants SET trade_count = trade_count + 1 WHERE match_id = $1 AND player_id = $2`,
		f.MatchID, f.PlayerID); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) ListFills(ctx context.Context, matchID, playerID string) ([]model.Fill, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, order_id, match_id, player_id, position_id, symbol, side,
		        quantity::TEXT, price::TEXT, realized_pnl::TEXT, timestamp
		 FROM fills WHERE match_id = $1 AND ($2 = '' OR player_id = $2) ORDER BY timestamp`, matchID, playerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var fills []model.Fill
	for rows.Next() {
		var f model.Fill
		var qty, price, pnl string
		if err := rows.Scan(&f.ID, &f.OrderID, &f.MatchID, &f.PlayerID, &f.PositionID, &f.Symbol, &f.Side,
			&qty, &price, &pnl, &f.Timestamp); err != nil {
			return nil, err
		}
		f.Quantity = dec(qty)
		f.Price = dec(price)
		f.RealizedPnL = dec(pnl)
		fills = append(fills, f)
	}
	return fills, rows.Err()
}

// scanner is satisfied by pgx.Row and pgx.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return model.ErrNotFound
	}
	return err
}

func dec(s string) decimal.Decimal {
	d, _ := decimal.NewFromString(s)
	return d
}
