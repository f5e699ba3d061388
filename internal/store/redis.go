package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/duel-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for players and matches. Writes go to the primary store and
// invalidate the cache; reads check Redis first then fall back to the primary.
// Orders, positions and the journal are never cached.
//
// Every invalidation bumps a per-key generation. A read that missed only
// fills the cache if the generation it saw before loading is still current,
// so a load that raced a write can never repopulate the cache with the
// pre-write row.
type CachedStore struct {
	Store
	rdb *redis.Client
	ttl time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		Store: primary,
		rdb:   rdb,
		ttl:   ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) UpsertPlayer(ctx context.Context, p *model.Player) error {
	if err := s.Store.UpsertPlayer(ctx, p); err != nil {
		return err
	}
	s.invalidate(ctx, playerKey(p.ID))
	return nil
}

func (s *CachedStore) RecordResult(ctx context.Context, playerID string, outcome Outcome) error {
	if err := s.Store.RecordResult(ctx, playerID, outcome); err != nil {
		return err
	}
	s.invalidate(ctx, playerKey(playerID))
	return nil
}

func (s *CachedStore) UpdateMatch(ctx context.Context, m *model.Match) error {
	if err := s.Store.UpdateMatch(ctx, m); err != nil {
		return err
	}
	s.invalidate(ctx, matchKey(m.ID))
	return nil
}

func (s *CachedStore) ApplyBalanceDelta(ctx context.Context, d model.BalanceDelta, entry *model.LedgerEntry) (model.BalanceSnapshot, error) {
	snap, err := s.Store.ApplyBalanceDelta(ctx, d, entry)
	if err != nil {
		return snap, err
	}
	s.invalidate(ctx, playerKey(d.PlayerID), matchKey(d.MatchID))
	return snap, nil
}

func (s *CachedStore) InsertFill(ctx context.Context, f *model.Fill) error {
	if err := s.Store.InsertFill(ctx, f); err != nil {
		return err
	}
	s.invalidate(ctx, matchKey(f.MatchID))
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetPlayer(ctx context.Context, id string) (*model.Player, error) {
	key := playerKey(id)
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err == nil {
		var p model.Player
		if json.Unmarshal(data, &p) == nil {
			return &p, nil
		}
	}

	gen := s.generation(ctx, key)
	p, err := s.Store.GetPlayer(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, key, gen, p)
	return p, nil
}

func (s *CachedStore) GetMatch(ctx context.Context, id string) (*model.Match, error) {
	key := matchKey(id)
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err == nil {
		var m model.Match
		if json.Unmarshal(data, &m) == nil {
			return &m, nil
		}
	}

	gen := s.generation(ctx, key)
	m, err := s.Store.GetMatch(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, key, gen, m)
	return m, nil
}

// --- Cache helpers ---

// setIfCurrent stores ARGV[2] under KEYS[1] only while the generation in
// KEYS[2] still equals ARGV[1]. A missing generation reads as "0".
var setIfCurrent = redis.NewScript(`
local gen = redis.call("GET", KEYS[2]) or "0"
if gen ~= ARGV[1] then
	return 0
end
redis.call("SET", KEYS[1], ARGV[2], "PX", ARGV[3])
return 1
`)

// generation returns the key's current invalidation count. Read it before
// loading from the primary store.
func (s *CachedStore) generation(ctx context.Context, key string) string {
	gen, err := s.rdb.Get(ctx, genKey(key)).Result()
	if err != nil {
		return "0"
	}
	return gen
}

// invalidate bumps each key's generation and drops its cached value.
func (s *CachedStore) invalidate(ctx context.Context, keys ...string) {
	pipe := s.rdb.TxPipeline()
	for _, key := range keys {
		pipe.Incr(ctx, genKey(key))
		pipe.PExpire(ctx, genKey(key), s.genTTL())
		pipe.Del(ctx, key)
	}
	pipe.Exec(ctx)
}

func (s *CachedStore) cache(ctx context.Context, key, gen string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	setIfCurrent.Run(ctx, s.rdb, []string{key, genKey(key)}, gen, data, s.ttl.Milliseconds())
}

// genTTL outlives any read window so an expired generation cannot make a
// racing fill look current.
func (s *CachedStore) genTTL() time.Duration {
	return max(10*s.ttl, time.Hour)
}

func playerKey(id string) string { return fmt.Sprintf("player:%s", id) }
func matchKey(id string) string  { return fmt.Sprintf("match:%s", id) }
func genKey(key string) string   { return key + ":gen" }
