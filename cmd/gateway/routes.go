package main

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hubenschmidt/voice-agent/internal/metrics"
	"github.com/hubenschmidt/voice-agent/internal/trace"
	"github.com/hubenschmidt/voice-agent/internal/ws"
)

// defaultTraceCallLimit is how many traced calls are returned when the
// caller omits the ?limit= query parameter.
const defaultTraceCallLimit = 20

type deps struct {
	publicWSURL string
	wsHandler   http.Handler
	traceStore  *trace.Store
}

// registerRoutes wires all HTTP endpoints to the shared mux.
func registerRoutes(mux *http.ServeMux, d deps) {
	mux.Handle("/ws/twilio", d.wsHandler)
	mux.Handle("POST /twilio/voice", ws.VoiceHandler(d.publicWSURL))
	mux.HandleFunc("/health", handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /api/stats", handleStats)
	registerTraceRoutes(mux, d.traceStore)
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, metrics.Totals.Snapshot())
}

func registerTraceRoutes(mux *http.ServeMux, store *trace.Store) {
	mux.HandleFunc("GET /api/traces/calls", func(w http.ResponseWriter, r *http.Request) {
		if store == nil {
			http.Error(w, "tracing disabled", http.StatusNotFound)
			return
		}
		limit := queryInt(r, "limit", defaultTraceCallLimit)
		offset := queryInt(r, "offset", 0)
		calls, total, err := store.ListCalls(r.Context(), limit, offset)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]any{"calls": calls, "total": total})
	})

	mux.HandleFunc("GET /api/traces/calls/{id}", func(w http.ResponseWriter, r *http.Request) {
		if store == nil {
			http.Error(w, "tracing disabled", http.StatusNotFound)
			return
		}
		c, turns, err := store.GetCall(r.Context(), r.PathValue("id"))
		if err != nil {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		writeJSON(w, map[string]any{"call": c, "turns": turns})
	})

	mux.HandleFunc("GET /api/traces/calls/{id}/turns/{turnId}", func(w http.ResponseWriter, r *http.Request) {
		if store == nil {
			http.Error(w, "tracing disabled", http.StatusNotFound)
			return
		}
		turn, spans, err := store.GetTurn(r.Context(), r.PathValue("id"), r.PathValue("turnId"))
		if err != nil {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		writeJSON(w, map[string]any{"turn": turn, "spans": spans})
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func queryInt(r *http.Request, key string, fallback int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
