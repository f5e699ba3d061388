package feed

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/atmx/duel-engine/internal/model"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// blockingSource counts live streams and emits whatever is pushed to it.
type blockingSource struct {
	live    atomic.Int32
	started atomic.Int32
	failFor atomic.Int32 // number of initial Stream calls that fail immediately
	ticks   chan model.Tick
}

func newBlockingSource() *blockingSource {
	return &blockingSource{ticks: make(chan model.Tick, 16)}
}

func (s *blockingSource) Stream(ctx context.Context, symbol string, emit func(model.Tick)) error {
	if s.started.Add(1) <= s.failFor.Load() {
		return errors.New("connection refused")
	}
	s.live.Add(1)
	defer s.live.Add(-1)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case t := <-s.ticks:
			emit(t)
		}
	}
}

func newHub(src Source) *Hub {
	return NewHub(src, Options{ReconnectMin: time.Millisecond, ReconnectMax: 4 * time.Millisecond}, zap.NewNop())
}

func TestHub_RefcountedSubscription(t *testing.T) {
	src := newBlockingSource()
	h := newHub(src)

	h.Acquire("BTCUSDT")
	h.Acquire("BTCUSDT")
	require.Eventually(t, func() bool { return src.live.Load() == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, 2, h.Refs("BTCUSDT"))

	h.Release("BTCUSDT")
	assert.Equal(t, 1, h.Refs("BTCUSDT"))
	assert.Equal(t, int32(1), src.live.Load())

	h.Release("BTCUSDT")
	assert.Equal(t, 0, h.Refs("BTCUSDT"))
	require.Eventually(t, func() bool { return src.live.Load() == 0 }, time.Second, time.Millisecond)
	assert.Equal(t, int32(1), src.started.Load())
}

func TestHub_ReleaseUnknownSymbolIsNoop(t *testing.T) {
	h := newHub(newBlockingSource())
	h.Release("ETHUSDT")
	assert.Equal(t, 0, h.Refs("ETHUSDT"))
}

func TestHub_DropsStaleAndDuplicateTicks(t *testing.T) {
	h := newHub(newBlockingSource())
	var got []string
	h.OnTick(func(t model.Tick) { got = append(got, t.Price.String()) })

	base := time.Now()
	h.Publish(model.Tick{Symbol: "BTCUSDT", Price: d("100"), Timestamp: base})
	// replay, then a stale tick
	h.Publish(model.Tick{Symbol: "BTCUSDT", Price: d("100"), Timestamp: base})
	h.Publish(model.Tick{Symbol: "BTCUSDT", Price: d("99"), Timestamp: base.Add(-time.Second)})
	h.Publish(model.Tick{Symbol: "BTCUSDT", Price: d("101"), Timestamp: base.Add(time.Second)})

	assert.Equal(t, []string{"100", "101"}, got)
	price, ok := h.LastPrice("BTCUSDT")
	require.True(t, ok)
	assert.True(t, price.Equal(d("101")))
}

func TestHub_ReconnectsWithBackoff(t *testing.T) {
	src := newBlockingSource()
	src.failFor.Store(3)
	h := newHub(src)

	var count atomic.Int32
	h.OnTick(func(model.Tick) { count.Add(1) })
	h.Acquire("BTCUSDT")
	defer h.Release("BTCUSDT")

	require.Eventually(t, func() bool { return src.live.Load() == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, int32(4), src.started.Load())

	src.ticks <- model.Tick{Symbol: "BTCUSDT", Price: d("50000"), Timestamp: time.Now()}
	require.Eventually(t, func() bool { return count.Load() == 1 }, time.Second, time.Millisecond)
}

func TestHub_HandlerMayReleaseDuringTick(t *testing.T) {
	src := newBlockingSource()
	h := newHub(src)
	done := make(chan struct{})
	h.OnTick(func(t model.Tick) {
		h.Release(t.Symbol)
		close(done)
	})
	h.Acquire("BTCUSDT")
	require.Eventually(t, func() bool { return src.live.Load() == 1 }, time.Second, time.Millisecond)

	src.ticks <- model.Tick{Symbol: "BTCUSDT", Price: d("1"), Timestamp: time.Now()}
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("handler deadlocked")
	}
	require.Eventually(t, func() bool { return src.live.Load() == 0 }, time.Second, time.Millisecond)
}

func TestHub_RunStopsStreams(t *testing.T) {
	src := newBlockingSource()
	h := newHub(src)
	h.Acquire("BTCUSDT")
	require.Eventually(t, func() bool { return src.live.Load() == 1 }, time.Second, time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, h.Run(ctx))
	require.Eventually(t, func() bool { return src.live.Load() == 0 }, time.Second, time.Millisecond)

	h.Acquire("BTCUSDT")
	assert.Equal(t, 0, h.Refs("BTCUSDT"))
}

func TestWSSource_StreamsTicks(t *testing.T) {
	upgrader := websocket.Upgrader{}
	var subscribed sync.WaitGroup
	subscribed.Add(1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		var sub subscribeMsg
		if err := conn.ReadJSON(&sub); err != nil || sub.Op != "subscribe" {
			return
		}
		subscribed.Done()
		conn.WriteMessage(websocket.TextMessage, []byte(`{"symbol":"ETHUSDT","price":"1","timestamp":1}`))
		conn.WriteMessage(websocket.TextMessage, []byte(`not json`))
		conn.WriteMessage(websocket.TextMessage, []byte(`{"symbol":"`+sub.Symbol+`","price":"50000.5","timestamp":1700000000000}`))
		conn.ReadMessage() // hold open until the client goes away
	}))
	defer srv.Close()

	src := NewWSSource("ws" + strings.TrimPrefix(srv.URL, "http"))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ticks := make(chan model.Tick, 4)
	errc := make(chan error, 1)
	go func() { errc <- src.Stream(ctx, "BTCUSDT", func(t model.Tick) { ticks <- t }) }()

	select {
	case tick := <-ticks:
		assert.Equal(t, "BTCUSDT", tick.Symbol)
		assert.True(t, tick.Price.Equal(d("50000.5")))
		assert.Equal(t, int64(1700000000000), tick.Timestamp.UnixMilli())
	case <-time.After(2 * time.Second):
		t.Fatal("no tick received")
	}
	subscribed.Wait()

	cancel()
	select {
	case err := <-errc:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Stream did not return after cancel")
	}
}

func TestSimulatedSource_EmitsPositivePrices(t *testing.T) {
	src := NewSimulatedSource(time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())

	var n int
	err := src.Stream(ctx, "BTCUSDT", func(tick model.Tick) {
		assert.True(t, tick.Price.IsPositive())
		n++
		if n == 5 {
			cancel()
		}
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.GreaterOrEqual(t, n, 5)
}
