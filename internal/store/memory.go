package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/atmx/duel-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu        sync.RWMutex
	players   map[string]*model.Player
	matches   map[string]*model.Match
	orders    map[string]*model.Order
	positions map[string]*model.Position
	ledger    []model.LedgerEntry
	fills     []model.Fill
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		players:   make(map[string]*model.Player),
		matches:   make(map[string]*model.Match),
		orders:    make(map[string]*model.Order),
		positions: make(map[string]*model.Position),
	}
}

func (s *MemoryStore) UpsertPlayer(_ context.Context, p *model.Player) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *p
	s.players[p.ID] = &cp
	return nil
}

func (s *MemoryStore) GetPlayer(_ context.Context, id string) (*model.Player, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.players[id]
	if !ok {
		return nil, fmt.Errorf("player %s: %w", id, model.ErrNotFound)
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) RecordResult(_ context.Context, playerID string, outcome Outcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.players[playerID]
	if !ok {
		return fmt.Errorf("player %s: %w", playerID, model.ErrNotFound)
	}
	p.MatchesPlayed++
	switch outcome {
	case OutcomeWin:
		p.Wins++
	case OutcomeLoss:
		p.Losses++
	case OutcomeDraw:
		p.Draws++
	}
	p.Recent = model.PushResult(p.Recent, outcome.result())
	p.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) CreateMatch(_ context.Context, m *model.Match) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.matches[m.ID]; ok {
		return fmt.Errorf("match %s already exists: %w", m.ID, model.ErrConflict)
	}
	s.matches[m.ID] = cloneMatch(m)
	return nil
}

func (s *MemoryStore) GetMatch(_ context.Context, id string) (*model.Match, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.matches[id]
	if !ok {
		return nil, fmt.Errorf("match %s: %w", id, model.ErrNotFound)
	}
	return cloneMatch(m), nil
}

// UpdateMatch replaces status, timestamps and winner. Participant balances
// are owned by ApplyBalanceDelta and are not overwritten here.
func (s *MemoryStore) UpdateMatch(_ context.Context, m *model.Match) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.matches[m.ID]
	if !ok {
		return fmt.Errorf("match %s: %w", m.ID, model.ErrNotFound)
	}
	cur.Status = m.Status
	cur.WinnerID = m.WinnerID
	cur.EndReason = m.EndReason
	cur.StartedAt = cloneTime(m.StartedAt)
	cur.EndedAt = cloneTime(m.EndedAt)
	for i := range cur.Participants {
		cur.Participants[i].Joined = m.Participants[i].Joined
	}
	return nil
}

func (s *MemoryStore) ListMatches(_ context.Context, statuses ...model.MatchStatus) ([]model.Match, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Match
	for _, m := range s.matches {
		if statusIn(m.Status, statuses) {
			result = append(result, *cloneMatch(m))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

func (s *MemoryStore) OpenMatchForPlayer(_ context.Context, playerID string) (*model.Match, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, m := range s.matches {
		if m.Status.IsTerminal() {
			continue
		}
		if _, ok := m.Participant(playerID); ok {
			return cloneMatch(m), nil
		}
	}
	return nil, fmt.Errorf("open match for %s: %w", playerID, model.ErrNotFound)
}

func (s *MemoryStore) ApplyBalanceDelta(_ context.Context, d model.BalanceDelta, entry *model.LedgerEntry) (model.BalanceSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.players[d.PlayerID]
	if !ok {
		return model.BalanceSnapshot{}, fmt.Errorf("player %s: %w", d.PlayerID, model.ErrNotFound)
	}
	m, ok := s.matches[d.MatchID]
	if !ok {
		return model.BalanceSnapshot{}, fmt.Errorf("match %s: %w", d.MatchID, model.ErrNotFound)
	}
	part, ok := m.Participant(d.PlayerID)
	if !ok {
		return model.BalanceSnapshot{}, model.ErrNotParticipant
	}

	next := part.Balance.Add(d.Amount)
	if d.RequireFunds && next.IsNegative() {
		return model.BalanceSnapshot{}, ErrInsufficientFunds
	}

	part.Balance = next
	part.RealizedPnL = part.RealizedPnL.Add(d.RealizedPnL)
	p.Balance = p.Balance.Add(d.Amount)
	p.UpdatedAt = time.Now().UTC()

	if entry != nil {
		entry.Balance = next
		s.ledger = append(s.ledger, *entry)
	}

	return model.BalanceSnapshot{
		MatchID:         d.MatchID,
		PlayerID:        d.PlayerID,
		MatchBalance:    part.Balance,
		RealizedPnL:     part.RealizedPnL,
		GlobalBalance:   p.Balance,
		StartingBalance: part.StartingBalance,
	}, nil
}

func (s *MemoryStore) LedgerEntries(_ context.Context, matchID, playerID string) ([]model.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.LedgerEntry
	for _, e := range s.ledger {
		if e.MatchID == matchID && e.PlayerID == playerID {
			result = append(result, e)
		}
	}
	return result, nil
}

func (s *MemoryStore) SaveOrder(_ context.Context, o *model.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *o
	cp.FilledAt = cloneTime(o.FilledAt)
	s.orders[o.ID] = &cp
	return nil
}

func (s *MemoryStore) GetOrder(_ context.Context, id string) (*model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.orders[id]
	if !ok {
		return nil, fmt.Errorf("order %s: %w", id, model.ErrNotFound)
	}
	cp := *o
	return &cp, nil
}

func (s *MemoryStore) ListOrders(_ context.Context, f OrderFilter) ([]model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Order
	for _, o := range s.orders {
		if f.MatchID != "" && o.MatchID != f.MatchID {
			continue
		}
		if f.PlayerID != "" && o.PlayerID != f.PlayerID {
			continue
		}
		if !statusIn(o.Status, f.Statuses) {
			continue
		}
		result = append(result, *o)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Seq < result[j].Seq })
	return result, nil
}

func (s *MemoryStore) SavePosition(_ context.Context, p *model.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *p
	cp.ClosedAt = cloneTime(p.ClosedAt)
	s.positions[p.ID] = &cp
	return nil
}

func (s *MemoryStore) GetPosition(_ context.Context, id string) (*model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.positions[id]
	if !ok {
		return nil, fmt.Errorf("position %s: %w", id, model.ErrNotFound)
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) ListPositions(_ context.Context, f PositionFilter) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Position
	for _, p := range s.positions {
		if f.MatchID != "" && p.MatchID != f.MatchID {
			continue
		}
		if f.PlayerID != "" && p.PlayerID != f.PlayerID {
			continue
		}
		if f.Status != "" && p.Status != f.Status {
			continue
		}
		result = append(result, *p)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].OpenedAt.Before(result[j].OpenedAt) })
	return result, nil
}

func (s *MemoryStore) InsertFill(_ context.Context, f *model.Fill) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.fills = append(s.fills, *f)
	if m, ok := s.matches[f.MatchID]; ok {
		if part, ok := m.Participant(f.PlayerID); ok {
			part.TradeCount++
		}
	}
	return nil
}

func (s *MemoryStore) ListFills(_ context.Context, matchID, playerID string) ([]model.Fill, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Fill
	for _, f := range s.fills {
		if f.MatchID != matchID {
			continue
		}
		if playerID != "" && f.PlayerID != playerID {
			continue
		}
		result = append(result, f)
	}
	return result, nil
}

func cloneMatch(m *model.Match) *model.Match {
	cp := *m
	cp.StartedAt = cloneTime(m.StartedAt)
	cp.EndedAt = cloneTime(m.EndedAt)
	return &cp
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
