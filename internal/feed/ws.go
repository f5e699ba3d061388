package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/atmx/duel-engine/internal/model"
)

// wireTick is the upstream message format. Timestamp is Unix milliseconds.
type wireTick struct {
	Symbol    string          `json:"symbol"`
	Price     decimal.Decimal `json:"price"`
	Timestamp int64           `json:"timestamp"`
}

type subscribeMsg struct {
	Op     string `json:"op"`
	Symbol string `json:"symbol"`
}

// WSSource reads ticks from a WebSocket endpoint that accepts
// {"op":"subscribe","symbol":S} and pushes {"symbol","price","timestamp"}.
type WSSource struct {
	URL         string
	Dialer      *websocket.Dialer
	ReadTimeout time.Duration
}

// NewWSSource creates a source dialing url.
func NewWSSource(url string) *WSSource {
	return &WSSource{URL: url, Dialer: websocket.DefaultDialer, ReadTimeout: 60 * time.Second}
}

func (s *WSSource) Stream(ctx context.Context, symbol string, emit func(model.Tick)) error {
	conn, _, err := s.Dialer.DialContext(ctx, s.URL, nil)
	if err != nil {
		return fmt.Errorf("feed: dial %s: %w", s.URL, err)
	}
	defer conn.Close()

	// Unblock ReadMessage on cancellation.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	if err := conn.WriteJSON(subscribeMsg{Op: "subscribe", Symbol: symbol}); err != nil {
		return fmt.Errorf("feed: subscribe %s: %w", symbol, err)
	}

	conn.SetReadDeadline(time.Now().Add(s.ReadTimeout))
	conn.SetPingHandler(func(data string) error {
		conn.SetReadDeadline(time.Now().Add(s.ReadTimeout))
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(5*time.Second))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("feed: read %s: %w", symbol, err)
		}
		conn.SetReadDeadline(time.Now().Add(s.ReadTimeout))

		var wt wireTick
		if err := json.Unmarshal(data, &wt); err != nil || !wt.Price.IsPositive() {
			continue
		}
		if !strings.EqualFold(wt.Symbol, symbol) {
			continue
		}
		ts := time.UnixMilli(wt.Timestamp).UTC()
		if wt.Timestamp == 0 {
			ts = time.Now().UTC()
		}
		emit(model.Tick{Symbol: symbol, Price: wt.Price, Timestamp: ts})
	}
}
