// Package server is the HTTP boundary: the tick trigger, the two fill
// delivery channels, and the manual flatten endpoint. Every handler answers
// structured JSON so the scheduler and poll caller always get a parsable
// response to decide their next action on, never a propagated panic.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"daytrader/internal/clock"
	"daytrader/internal/config"
	"daytrader/internal/engine"
	"daytrader/internal/market"
)

// Server wires the engine to its HTTP surface.
type Server struct {
	cfg    *config.Config
	eng    *engine.Engine
	broker market.Provider
	clk    *clock.Clock
}

// New returns a Server.
func New(cfg *config.Config, eng *engine.Engine, broker market.Provider, clk *clock.Clock) *Server {
	return &Server{cfg: cfg, eng: eng, broker: broker, clk: clk}
}

// Routes builds the mux.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/tick", s.handleTick)
	mux.HandleFunc("/fills/sync", s.handleSyncFills)
	mux.HandleFunc("/fills/webhook", s.handleWebhook)
	mux.HandleFunc("/panic", s.handlePanic)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

type response struct {
	OK     bool   `json:"ok"`
	Reason string `json:"reason,omitempty"`
	Error  string `json:"error,omitempty"`
	Data   any    `json:"data,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Server: encode response: %v", err)
	}
}

// authorized checks the shared secret in header or query. An unset secret
// leaves the endpoint open, a non-production convenience.
func (s *Server) authorized(r *http.Request, header string) bool {
	if s.cfg.SyncSecret == "" {
		return true
	}
	if r.Header.Get(header) == s.cfg.SyncSecret {
		return true
	}
	return r.URL.Query().Get("token") == s.cfg.SyncSecret
}

// handleTick runs one coalesced orchestrator tick. Idempotent and safe at
// arbitrary call frequency.
func (s *Server) handleTick(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, response{OK: false, Error: "method not allowed"})
		return
	}
	res := s.eng.RunTick(r.Context())
	writeJSON(w, http.StatusOK, struct {
		OK bool `json:"ok"`
		*engine.TickResult
	}{true, res})
}

// handleSyncFills pulls recent broker orders and merges the filled ones.
// The query range comes from day, until or windowMinutes, newest wins.
func (s *Server) handleSyncFills(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, response{OK: false, Error: "method not allowed"})
		return
	}
	if !s.authorized(r, "X-Sync-Token") {
		writeJSON(w, http.StatusUnauthorized, response{OK: false, Error: "unauthorized"})
		return
	}

	since := time.Now().Add(-time.Duration(s.cfg.FillWindowMinutes) * time.Minute)
	q := r.URL.Query()
	if day := q.Get("day"); day != "" {
		t, err := time.Parse("2006-01-02", day)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, response{OK: false, Error: fmt.Sprintf("invalid day: %v", err)})
			return
		}
		since = t
	}
	if mins := q.Get("windowMinutes"); mins != "" {
		n, err := strconv.Atoi(mins)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, response{OK: false, Error: "invalid windowMinutes"})
			return
		}
		since = time.Now().Add(-time.Duration(n) * time.Minute)
	}
	if until := q.Get("until"); until != "" {
		t, err := time.Parse(time.RFC3339, until)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, response{OK: false, Error: fmt.Sprintf("invalid until: %v", err)})
			return
		}
		since = t.Add(-time.Duration(s.cfg.FillWindowMinutes) * time.Minute)
	}

	applied, err := s.eng.SyncFills(r.Context(), since)
	if err != nil {
		writeJSON(w, http.StatusBadGateway, response{OK: false, Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, response{OK: true, Data: map[string]any{
		"applied":     applied,
		"since":       since,
		"server_time": s.clk.Now().Format("2006-01-02 15:04:05 MST"),
	}})
}

// handleWebhook applies one pushed order event.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, response{OK: false, Error: "method not allowed"})
		return
	}
	if !s.authorized(r, "X-Webhook-Token") {
		writeJSON(w, http.StatusUnauthorized, response{OK: false, Error: "unauthorized"})
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, response{OK: false, Error: "unreadable body"})
		return
	}
	order, err := engine.ParseOrderEvent(body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, response{OK: false, Error: err.Error()})
		return
	}

	if err := s.eng.ApplyFill(r.Context(), order, engine.SourceWebhook); err != nil {
		writeJSON(w, http.StatusInternalServerError, response{OK: false, Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, response{OK: true})
}

// handlePanic cancels all open broker orders and flattens every
// broker-reported position at market, reporting per-symbol outcomes.
func (s *Server) handlePanic(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, response{OK: false, Error: "method not allowed"})
		return
	}
	if s.cfg.PanicPasskey == "" {
		writeJSON(w, http.StatusInternalServerError, response{OK: false, Error: "panic passkey not configured"})
		return
	}
	var req struct {
		Passkey string `json:"passkey"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Passkey != s.cfg.PanicPasskey {
		writeJSON(w, http.StatusUnauthorized, response{OK: false, Error: "unauthorized"})
		return
	}

	results := s.flattenAll(r.Context())
	writeJSON(w, http.StatusOK, response{OK: true, Data: results})
}

// flattenAll is the panic sequence: cancel orders, then close each position.
func (s *Server) flattenAll(ctx context.Context) map[string]string {
	results := make(map[string]string)

	if err := s.broker.CancelAllOrders(); err != nil {
		log.Printf("Panic: cancel all orders: %v", err)
		results["_cancel_orders"] = err.Error()
	} else {
		results["_cancel_orders"] = "ok"
	}

	positions, err := s.broker.ListPositions()
	if err != nil {
		results["_list_positions"] = err.Error()
		return results
	}

	for _, p := range positions {
		order, err := s.broker.ClosePositionAtMarket(p.Symbol)
		if err != nil {
			results[p.Symbol] = err.Error()
			continue
		}
		results[p.Symbol] = "closing"
		// Fold the exit into the ledger right away; the poll and webhook
		// replays of the same order id are no-ops.
		if order != nil {
			ev := *order
			ev.Symbol = p.Symbol
			ev.Side = "sell"
			if !ev.Filled() {
				ev.Status = "filled"
				ev.FilledQty = p.Qty
				if !ev.FilledAvgPrice.IsPositive() {
					ev.FilledAvgPrice = p.CurrentPrice
				}
			}
			if err := s.eng.ApplyFill(ctx, &ev, engine.SourceWebhook); err != nil {
				log.Printf("Panic: apply exit for %s: %v", p.Symbol, err)
			}
		}
	}
	return results
}
