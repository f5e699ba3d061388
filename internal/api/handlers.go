package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/atmx/duel-engine/internal/model"
)

// queueRequest is the body of POST /queue. Zero means no preference.
type queueRequest struct {
	DurationSeconds int `json:"duration_seconds" validate:"gte=0,lte=86400"`
}

// market is the body of GET /markets/{symbol}.
type market struct {
	Symbol        string           `json:"symbol"`
	LastPrice     *decimal.Decimal `json:"last_price,omitempty"`
	RestingOrders int              `json:"resting_orders"`
	FeedRefs      int              `json:"feed_refs"`
}

// GetPlayer handles GET /api/v1/players/me.
func (s *Server) GetPlayer(w http.ResponseWriter, r *http.Request) {
	p, err := s.Store.GetPlayer(r.Context(), playerID(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// GetMarket handles GET /api/v1/markets/{symbol}: the mark clients price
// orders and closes against, plus how much engine state holds the symbol.
func (s *Server) GetMarket(w http.ResponseWriter, r *http.Request) {
	symbol := strings.ToUpper(chi.URLParam(r, "symbol"))
	res := market{Symbol: symbol, RestingOrders: s.Orders.Pending(symbol)}
	if s.Prices != nil {
		if last, ok := s.Prices.LastPrice(symbol); ok {
			res.LastPrice = &last
		}
		res.FeedRefs = s.Prices.Refs(symbol)
	}
	writeJSON(w, http.StatusOK, res)
}

// Enqueue handles POST /api/v1/queue.
func (s *Server) Enqueue(w http.ResponseWriter, r *http.Request) {
	var req queueRequest
	if err := decode(r, &req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := s.check(req); err != nil {
		s.fail(w, r, err)
		return
	}
	prefs := model.QueuePreferences{Duration: time.Duration(req.DurationSeconds) * time.Second}
	entry, err := s.Queue.Enqueue(r.Context(), playerID(r), prefs)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, entry)
}

// QueueStatus handles GET /api/v1/queue.
func (s *Server) QueueStatus(w http.ResponseWriter, r *http.Request) {
	entry, ok := s.Queue.Queued(playerID(r))
	if !ok {
		writeError(w, "player is not queued", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

// Dequeue handles DELETE /api/v1/queue.
func (s *Server) Dequeue(w http.ResponseWriter, r *http.Request) {
	if !s.Queue.Dequeue(playerID(r)) {
		writeError(w, "player is not queued", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetMatch handles GET /api/v1/matches/{matchID}.
func (s *Server) GetMatch(w http.ResponseWriter, r *http.Request) {
	m, err := s.Matches.Get(r.Context(), chi.URLParam(r, "matchID"), playerID(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// JoinMatch handles POST /api/v1/matches/{matchID}/join.
func (s *Server) JoinMatch(w http.ResponseWriter, r *http.Request) {
	m, err := s.Matches.Join(r.Context(), chi.URLParam(r, "matchID"), playerID(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// QuitMatch handles POST /api/v1/matches/{matchID}/quit.
func (s *Server) QuitMatch(w http.ResponseWriter, r *http.Request) {
	m, err := s.Matches.Quit(r.Context(), chi.URLParam(r, "matchID"), playerID(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// EndMatch handles POST /api/v1/matches/{matchID}/end.
func (s *Server) EndMatch(w http.ResponseWriter, r *http.Request) {
	m, err := s.Matches.End(r.Context(), chi.URLParam(r, "matchID"), playerID(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// SubmitOrder handles POST /api/v1/matches/{matchID}/orders.
func (s *Server) SubmitOrder(w http.ResponseWriter, r *http.Request) {
	pid := playerID(r)
	if !s.limits.allow(pid) {
		writeError(w, "order rate limit exceeded", http.StatusTooManyRequests)
		return
	}
	var cmd model.SubmitOrderCommand
	if err := decode(r, &cmd); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	cmd.MatchID = chi.URLParam(r, "matchID")
	cmd.PlayerID = pid
	if err := s.check(cmd); err != nil {
		s.fail(w, r, err)
		return
	}
	o, err := s.Orders.Submit(r.Context(), cmd)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, o)
}

// ListOrders handles GET /api/v1/matches/{matchID}/orders.
func (s *Server) ListOrders(w http.ResponseWriter, r *http.Request) {
	matchID, pid, ok := s.participant(w, r)
	if !ok {
		return
	}
	orders, err := s.Orders.List(r.Context(), matchID, pid)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, orders)
}

// GetOrder handles GET /api/v1/orders/{orderID}.
func (s *Server) GetOrder(w http.ResponseWriter, r *http.Request) {
	o, err := s.Orders.Get(r.Context(), chi.URLParam(r, "orderID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if o.PlayerID != playerID(r) {
		s.fail(w, r, model.ErrNotParticipant)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

// CancelOrder handles DELETE /api/v1/orders/{orderID}.
func (s *Server) CancelOrder(w http.ResponseWriter, r *http.Request) {
	o, err := s.Orders.Cancel(r.Context(), model.CancelOrderCommand{
		OrderID:  chi.URLParam(r, "orderID"),
		PlayerID: playerID(r),
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

// ListPositions handles GET /api/v1/matches/{matchID}/positions.
func (s *Server) ListPositions(w http.ResponseWriter, r *http.Request) {
	matchID, pid, ok := s.participant(w, r)
	if !ok {
		return
	}
	positions, err := s.Positions.List(r.Context(), matchID, pid)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, positions)
}

// GetPosition handles GET /api/v1/positions/{positionID}.
func (s *Server) GetPosition(w http.ResponseWriter, r *http.Request) {
	p, err := s.Positions.Get(r.Context(), chi.URLParam(r, "positionID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if p.PlayerID != playerID(r) {
		s.fail(w, r, model.ErrNotParticipant)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// ClosePosition handles POST /api/v1/positions/{positionID}/close.
// The body may carry an explicit close price; otherwise the mark is used.
func (s *Server) ClosePosition(w http.ResponseWriter, r *http.Request) {
	var cmd model.ClosePositionCommand
	if err := decode(r, &cmd); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	cmd.PositionID = chi.URLParam(r, "positionID")
	cmd.PlayerID = playerID(r)
	res, err := s.Positions.Close(r.Context(), cmd)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// UpdateLeverage handles PUT /api/v1/positions/{positionID}/leverage.
func (s *Server) UpdateLeverage(w http.ResponseWriter, r *http.Request) {
	var cmd model.UpdateLeverageCommand
	if err := decode(r, &cmd); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	cmd.PositionID = chi.URLParam(r, "positionID")
	cmd.PlayerID = playerID(r)
	if err := s.check(cmd); err != nil {
		s.fail(w, r, err)
		return
	}
	p, err := s.Positions.UpdateLeverage(r.Context(), cmd)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// UpdateTPSL handles PUT /api/v1/positions/{positionID}/tpsl.
func (s *Server) UpdateTPSL(w http.ResponseWriter, r *http.Request) {
	var cmd model.UpdateTPSLCommand
	if err := decode(r, &cmd); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	cmd.PositionID = chi.URLParam(r, "positionID")
	cmd.PlayerID = playerID(r)
	p, err := s.Orders.UpdateTPSL(r.Context(), cmd)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// ListFills handles GET /api/v1/matches/{matchID}/fills.
func (s *Server) ListFills(w http.ResponseWriter, r *http.Request) {
	matchID, pid, ok := s.participant(w, r)
	if !ok {
		return
	}
	fills, err := s.Store.ListFills(r.Context(), matchID, pid)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, fills)
}

// Journal handles GET /api/v1/matches/{matchID}/ledger.
func (s *Server) Journal(w http.ResponseWriter, r *http.Request) {
	matchID, pid, ok := s.participant(w, r)
	if !ok {
		return
	}
	entries, err := s.Ledger.Journal(r.Context(), matchID, pid)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// participant resolves the match in the URL and checks the caller sits in it.
func (s *Server) participant(w http.ResponseWriter, r *http.Request) (string, string, bool) {
	matchID, pid := chi.URLParam(r, "matchID"), playerID(r)
	if _, err := s.Matches.Get(r.Context(), matchID, pid); err != nil {
		s.fail(w, r, err)
		return "", "", false
	}
	return matchID, pid, true
}
