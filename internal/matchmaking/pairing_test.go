package matchmaking

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"pgregory.net/rapid"

	"github.com/atmx/duel-engine/internal/lock"
	"github.com/atmx/duel-engine/internal/match"
	"github.com/atmx/duel-engine/internal/model"
	"github.com/atmx/duel-engine/internal/notify"
	"github.com/atmx/duel-engine/internal/store"
)

type nopOrders struct{}

func (nopOrders) Seal(string)                              {}
func (nopOrders) CloseMatch(context.Context, string) error { return nil }
func (nopOrders) Forget(string)                            {}

type nopPositions struct{}

func (nopPositions) CloseAllForMatch(context.Context, string) []model.CloseResult { return nil }
func (nopPositions) OpenCount(string) int                                         { return 0 }

type nopLedger struct{}

func (nopLedger) RecordResult(context.Context, string, store.Outcome) error { return nil }
func (nopLedger) Forget(string)                                             {}

// recordingCreator remembers every pair and can be told to fail.
type recordingCreator struct {
	mu    sync.Mutex
	pairs [][2]model.Player
	err   error
}

func (c *recordingCreator) Create(_ context.Context, a, b model.Player, prefs model.QueuePreferences) (model.Match, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return model.Match{}, c.err
	}
	c.pairs = append(c.pairs, [2]model.Player{a, b})
	return model.Match{ID: a.ID + "-" + b.ID, Duration: prefs.Duration}, nil
}

func rated(id string, tier model.Tier, wins, played int) *model.Player {
	return &model.Player{
		ID:            id,
		Tier:          tier,
		Balance:       decimal.NewFromInt(1000),
		Wins:          wins,
		Losses:        played - wins,
		MatchesPlayed: played,
	}
}

func seed(t *testing.T, st *store.MemoryStore, players ...*model.Player) {
	t.Helper()
	for _, p := range players {
		require.NoError(t, st.UpsertPlayer(context.Background(), p))
	}
}

func entry(tier model.Tier, winRate int64, isRated bool) Entry {
	return Entry{Tier: tier, WinRate: decimal.NewFromInt(winRate), Rated: isRated}
}

func TestCompatible(t *testing.T) {
	r := DefaultRules()
	tests := []struct {
		name string
		a, b Entry
		want error
	}{
		{"same tier close rates", entry(model.TierSilver, 55, true), entry(model.TierSilver, 60, true), nil},
		{"two brackets apart", entry(model.TierBronze, 50, true), entry(model.TierGold, 50, true), nil},
		{"three brackets apart", entry(model.TierBronze, 50, true), entry(model.TierPlatinum, 50, true), ErrTierGap},
		{"exactly twenty points", entry(model.TierGold, 40, true), entry(model.TierGold, 60, true), nil},
		{"over twenty points", entry(model.TierGold, 39, true), entry(model.TierGold, 60, true), ErrWinRateGap},
		{"both unrated", entry(model.TierGold, 0, false), entry(model.TierGold, 0, false), nil},
		{"unrated vs strong rated", entry(model.TierGold, 0, false), entry(model.TierGold, 80, true), ErrWinRateGap},
		{"unrated vs weak rated", entry(model.TierGold, 0, false), entry(model.TierGold, 15, true), nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Compatible(tt.a, tt.b, r)
			if tt.want == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.want)
		})
	}

	a, b := entry(model.TierGold, 50, true), entry(model.TierGold, 50, true)
	a.Preferences.Duration = 5 * time.Minute
	b.Preferences.Duration = 10 * time.Minute
	assert.ErrorIs(t, Compatible(a, b, r), ErrDurationMismatch)
	b.Preferences.Duration = 0
	assert.NoError(t, Compatible(a, b, r))
}

func TestSilverPlayersPairIntoWaitingMatch(t *testing.T) {
	st := store.NewMemoryStore()
	seed(t, st, rated("a", model.TierSilver, 11, 20), rated("b", model.TierSilver, 12, 20))
	ctl := match.NewController(st, nopOrders{}, nopPositions{}, nopLedger{}, lock.NewNopLock(), notify.Nop{},
		match.Options{Duration: 5 * time.Minute, ActivationGrace: time.Hour}, zap.NewNop())
	t.Cleanup(func() { _ = ctl.Shutdown(context.Background()) })
	mm := NewEngine(st, ctl, DefaultRules(), time.Second, zap.NewNop())
	ctx := context.Background()

	ea, err := mm.Enqueue(ctx, "a", model.QueuePreferences{})
	require.NoError(t, err)
	assert.True(t, ea.WinRate.Equal(decimal.NewFromInt(55)))
	_, err = mm.Enqueue(ctx, "b", model.QueuePreferences{})
	require.NoError(t, err)
	assert.Equal(t, 2, mm.Depth())

	created := mm.PairOnce(ctx)
	require.Len(t, created, 1)
	assert.Equal(t, 0, mm.Depth())

	m, err := st.GetMatch(ctx, created[0].ID)
	require.NoError(t, err)
	assert.Equal(t, model.MatchWaiting, m.Status)
	assert.Equal(t, 5*time.Minute, m.Duration)
	for _, p := range m.Participants {
		assert.True(t, p.StartingBalance.Equal(decimal.NewFromInt(1000)))
	}

	_, err = mm.Enqueue(ctx, "a", model.QueuePreferences{})
	assert.ErrorIs(t, err, ErrInMatch)
}

func TestEnqueue_Rejections(t *testing.T) {
	st := store.NewMemoryStore()
	seed(t, st, rated("a", model.TierGold, 5, 10))
	mm := NewEngine(st, &recordingCreator{}, DefaultRules(), time.Second, zap.NewNop())
	ctx := context.Background()

	_, err := mm.Enqueue(ctx, "a", model.QueuePreferences{})
	require.NoError(t, err)
	_, err = mm.Enqueue(ctx, "a", model.QueuePreferences{})
	assert.ErrorIs(t, err, ErrAlreadyQueued)

	_, err = mm.Enqueue(ctx, "ghost", model.QueuePreferences{})
	assert.ErrorIs(t, err, model.ErrNotFound)

	_, err = mm.Enqueue(ctx, "a", model.QueuePreferences{Duration: -time.Second})
	assert.ErrorIs(t, err, model.ErrValidation)
}

func TestDequeue(t *testing.T) {
	st := store.NewMemoryStore()
	seed(t, st, rated("a", model.TierGold, 5, 10), rated("b", model.TierGold, 5, 10))
	creator := &recordingCreator{}
	mm := NewEngine(st, creator, DefaultRules(), time.Second, zap.NewNop())
	ctx := context.Background()

	_, err := mm.Enqueue(ctx, "a", model.QueuePreferences{})
	require.NoError(t, err)
	assert.True(t, mm.Dequeue("a"))
	assert.False(t, mm.Dequeue("a"), "second dequeue is a no-op")

	_, err = mm.Enqueue(ctx, "b", model.QueuePreferences{})
	require.NoError(t, err)
	assert.Empty(t, mm.PairOnce(ctx))
	assert.Empty(t, creator.pairs)

	_, err = mm.Enqueue(ctx, "a", model.QueuePreferences{})
	require.NoError(t, err)
	require.Len(t, mm.PairOnce(ctx), 1)
	assert.False(t, mm.Dequeue("a"), "pairing took the player first")
}

func TestPairOnce_OldestCompatibleFirst(t *testing.T) {
	st := store.NewMemoryStore()
	seed(t, st,
		rated("bronze", model.TierBronze, 5, 10),
		rated("master", model.TierMaster, 5, 10),
		rated("gold", model.TierGold, 5, 10),
		rated("diamond", model.TierDiamond, 5, 10),
	)
	creator := &recordingCreator{}
	mm := NewEngine(st, creator, DefaultRules(), time.Second, zap.NewNop())
	ctx := context.Background()
	for _, id := range []string{"bronze", "master", "gold", "diamond"} {
		_, err := mm.Enqueue(ctx, id, model.QueuePreferences{})
		require.NoError(t, err)
	}

	created := mm.PairOnce(ctx)
	require.Len(t, created, 2)
	assert.Equal(t, "bronze", creator.pairs[0][0].ID)
	assert.Equal(t, "gold", creator.pairs[0][1].ID)
	assert.Equal(t, "master", creator.pairs[1][0].ID)
	assert.Equal(t, "diamond", creator.pairs[1][1].ID)
}

func TestPairOnce_RequeuesOnCreateFailure(t *testing.T) {
	st := store.NewMemoryStore()
	seed(t, st, rated("a", model.TierGold, 5, 10), rated("b", model.TierGold, 5, 10))
	creator := &recordingCreator{err: errors.New("database unavailable")}
	mm := NewEngine(st, creator, DefaultRules(), time.Second, zap.NewNop())
	ctx := context.Background()
	for _, id := range []string{"a", "b"} {
		_, err := mm.Enqueue(ctx, id, model.QueuePreferences{})
		require.NoError(t, err)
	}

	assert.Empty(t, mm.PairOnce(ctx))
	assert.Equal(t, 2, mm.Depth())
	_, ok := mm.Queued("a")
	assert.True(t, ok)

	creator.mu.Lock()
	creator.err = nil
	creator.mu.Unlock()
	assert.Len(t, mm.PairOnce(ctx), 1)
	assert.Equal(t, 0, mm.Depth())
}

// gatedCreator blocks inside Create until released, then fails.
type gatedCreator struct {
	entered chan struct{}
	release chan struct{}
}

func (c *gatedCreator) Create(context.Context, model.Player, model.Player, model.QueuePreferences) (model.Match, error) {
	close(c.entered)
	<-c.release
	return model.Match{}, errors.New("database unavailable")
}

func TestPairOnce_DequeueDuringFailedPairingIsHonoured(t *testing.T) {
	st := store.NewMemoryStore()
	seed(t, st, rated("a", model.TierGold, 5, 10), rated("b", model.TierGold, 5, 10))
	creator := &gatedCreator{entered: make(chan struct{}), release: make(chan struct{})}
	mm := NewEngine(st, creator, DefaultRules(), time.Second, zap.NewNop())
	ctx := context.Background()
	for _, id := range []string{"a", "b"} {
		_, err := mm.Enqueue(ctx, id, model.QueuePreferences{})
		require.NoError(t, err)
	}

	done := make(chan []model.Match)
	go func() { done <- mm.PairOnce(ctx) }()
	<-creator.entered

	assert.False(t, mm.Dequeue("a"), "pairing took the player first")
	close(creator.release)
	assert.Empty(t, <-done)

	_, ok := mm.Queued("a")
	assert.False(t, ok, "a left while held and must not be requeued")
	_, ok = mm.Queued("b")
	assert.True(t, ok)
	assert.Equal(t, 1, mm.Depth())

	// The player can come back later.
	_, err := mm.Enqueue(ctx, "a", model.QueuePreferences{})
	require.NoError(t, err)
	assert.Equal(t, 2, mm.Depth())
}

func TestRun_PairsOnInterval(t *testing.T) {
	st := store.NewMemoryStore()
	seed(t, st, rated("a", model.TierGold, 5, 10), rated("b", model.TierGold, 5, 10))
	creator := &recordingCreator{}
	mm := NewEngine(st, creator, DefaultRules(), 10*time.Millisecond, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	for _, id := range []string{"a", "b"} {
		_, err := mm.Enqueue(ctx, id, model.QueuePreferences{})
		require.NoError(t, err)
	}

	done := make(chan error, 1)
	go func() { done <- mm.Run(ctx) }()
	require.Eventually(t, func() bool { return mm.Depth() == 0 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	assert.NoError(t, <-done)
}

var tiers = []model.Tier{
	model.TierBronze, model.TierSilver, model.TierGold,
	model.TierPlatinum, model.TierDiamond, model.TierMaster,
}

func TestPairingNeverBreaksTheRules(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		st := store.NewMemoryStore()
		creator := &recordingCreator{}
		mm := NewEngine(st, creator, DefaultRules(), time.Second, zap.NewNop())
		ctx := context.Background()

		n := rapid.IntRange(2, 16).Draw(t, "players")
		for i := 0; i < n; i++ {
			played := rapid.IntRange(0, 50).Draw(t, "played")
			p := &model.Player{
				ID:            string(rune('a' + i)),
				Tier:          rapid.SampledFrom(tiers).Draw(t, "tier"),
				Balance:       decimal.NewFromInt(1000),
				MatchesPlayed: played,
				Wins:          rapid.IntRange(0, played).Draw(t, "wins"),
			}
			require.NoError(t, st.UpsertPlayer(ctx, p))
			_, err := mm.Enqueue(ctx, p.ID, model.QueuePreferences{})
			require.NoError(t, err)
		}

		mm.PairOnce(ctx)
		seen := map[string]bool{}
		for _, pair := range creator.pairs {
			a, b := pair[0], pair[1]
			assert.LessOrEqual(t, a.Tier.Distance(b.Tier), 2)
			if a.Rated() || b.Rated() {
				gap := a.WinRate().Sub(b.WinRate()).Abs()
				assert.True(t, gap.LessThanOrEqual(decimal.NewFromInt(20)), "gap %s", gap)
			}
			assert.False(t, seen[a.ID] || seen[b.ID], "player paired twice")
			seen[a.ID], seen[b.ID] = true, true
		}
		assert.Equal(t, n-2*len(creator.pairs), mm.Depth())
	})
}
