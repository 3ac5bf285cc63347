// Package api is the signal management HTTP surface. The orchestrator (or
// any operator tooling) registers and cancels signals here; market data
// itself is served by the gateway, never by this API.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"tradecore/internal/model"
	"tradecore/internal/store"
	"tradecore/internal/store/sqlite"
)

// maxBody bounds request bodies; a signal definition is a few hundred bytes.
const maxBody = 64 << 10

// Signals is the store surface the API needs: the evaluator port plus the
// lifecycle calls only the API issues.
type Signals interface {
	model.SignalStore
	ActivateSignal(ctx context.Context, id string) error
	CancelSignal(ctx context.Context, id string) error
}

// Server handles the /api/v1 routes. journal may be nil when the process
// carries no executor (then trade routes answer 404).
type Server struct {
	signals Signals
	journal *sqlite.Journal
	clock   model.Clock
}

// NewServer creates the API server.
func NewServer(signals Signals, journal *sqlite.Journal, clk model.Clock) *Server {
	return &Server{signals: signals, journal: journal, clock: clk}
}

// Register mounts the routes on mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("/api/v1/signals", s.handleSignals)
	mux.HandleFunc("/api/v1/signals/", s.handleSignal)
	mux.HandleFunc("/api/v1/trades", s.handleTrades)
}

// createRequest is the POST /api/v1/signals body.
type createRequest struct {
	Symbol          string            `json:"instrument"`
	Action          model.Action      `json:"action"`
	Primary         model.Predicate   `json:"primary_predicate"`
	Extra           []model.Predicate `json:"extra_predicates,omitempty"`
	LifetimeSeconds int64             `json:"lifetime_seconds"`
	CreatedBy       string            `json:"created_by,omitempty"`
}

func (r *createRequest) validate() string {
	if r.Symbol == "" {
		return "instrument is required"
	}
	if r.Action != model.ActionBuy && r.Action != model.ActionSell {
		return "action must be BUY or SELL"
	}
	if r.LifetimeSeconds <= 0 {
		return "lifetime_seconds must be positive"
	}
	for _, p := range append([]model.Predicate{r.Primary}, r.Extra...) {
		if p.Indicator == "" {
			return "predicate indicator is required"
		}
		switch p.Op {
		case model.OpGreater, model.OpLess, model.OpEqual,
			model.OpCrossesAbove, model.OpCrossesBelow:
		default:
			return "unknown operator " + strconv.Quote(string(p.Op))
		}
	}
	return ""
}

// handleSignals serves POST (create) and GET ?instrument= (list).
func (s *Server) handleSignals(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.createSignal(w, r)
	case http.MethodGet:
		s.listSignals(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) createSignal(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed body: "+err.Error())
		return
	}
	if msg := req.validate(); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	ctx := r.Context()
	sig := &model.Signal{
		ID:        uuid.NewString(),
		Symbol:    req.Symbol,
		Action:    req.Action,
		Primary:   req.Primary,
		Extra:     req.Extra,
		Lifetime:  time.Duration(req.LifetimeSeconds) * time.Second,
		CreatedAt: s.clock.Now(ctx),
		CreatedBy: req.CreatedBy,
		Status:    model.StatusCreated,
	}
	if err := s.signals.CreateSignal(ctx, sig); err != nil {
		writeStoreError(w, err)
		return
	}
	// Registration activates immediately; the lifetime countdown started at
	// created_at either way.
	if err := s.signals.ActivateSignal(ctx, sig.ID); err != nil {
		writeStoreError(w, err)
		return
	}
	sig.Status = model.StatusActive
	log.Printf("[api] signal %s registered for %s (%s %s %.4f, lifetime %s)",
		sig.ID, sig.Symbol, sig.Primary.Indicator, sig.Primary.Op, sig.Primary.Threshold, sig.Lifetime)
	writeJSON(w, http.StatusCreated, sig)
}

func (s *Server) listSignals(w http.ResponseWriter, r *http.Request) {
	symbol := r.URL.Query().Get("instrument")
	if symbol == "" {
		writeError(w, http.StatusBadRequest, "instrument query parameter is required")
		return
	}
	sigs, err := s.signals.SignalsByInstrument(r.Context(), symbol)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"instrument": symbol, "signals": sigs})
}

// handleSignal serves GET /api/v1/signals/{id}, DELETE (cancel) and
// GET /api/v1/signals/{id}/transitions.
func (s *Server) handleSignal(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/signals/")
	id, sub, _ := strings.Cut(rest, "/")
	if id == "" {
		writeError(w, http.StatusBadRequest, "signal id is required")
		return
	}

	switch {
	case sub == "transitions" && r.Method == http.MethodGet:
		s.signalTransitions(w, id)
	case sub == "" && r.Method == http.MethodGet:
		sig, err := s.signals.GetSignal(r.Context(), id)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, sig)
	case sub == "" && r.Method == http.MethodDelete:
		if err := s.signals.CancelSignal(r.Context(), id); err != nil {
			writeStoreError(w, err)
			return
		}
		log.Printf("[api] signal %s cancelled", id)
		writeJSON(w, http.StatusOK, map[string]string{"signal_id": id, "status": string(model.StatusCancelled)})
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) signalTransitions(w http.ResponseWriter, id string) {
	if s.journal == nil {
		writeError(w, http.StatusNotFound, "no journal on this service")
		return
	}
	trs, err := s.journal.Transitions(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"signal_id": id, "transitions": trs})
}

// handleTrades serves GET /api/v1/trades?limit=N from the fill journal.
func (s *Server) handleTrades(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if s.journal == nil {
		writeError(w, http.StatusNotFound, "no journal on this service")
		return
	}
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	trades, err := s.journal.Trades(limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"trades": trades})
}

func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "signal not found")
	case errors.Is(err, store.ErrConflict):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusServiceUnavailable, err.Error())
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
