package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/hubenschmidt/voice-agent/internal/metrics"
)

func newMux() *http.ServeMux {
	mux := http.NewServeMux()
	registerRoutes(mux, deps{
		publicWSURL: "wss://example.test/ws/twilio",
		wsHandler:   http.NotFoundHandler(),
	})
	return mux
}

func TestHealth(t *testing.T) {
	rec := httptest.NewRecorder()
	newMux().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Fatalf("health = %d %q", rec.Code, rec.Body.String())
	}
}

func TestStats(t *testing.T) {
	metrics.Totals.Reset()
	t.Cleanup(metrics.Totals.Reset)
	metrics.Totals.CallStarted()
	metrics.Totals.TurnDone()
	metrics.Totals.TurnDone()

	rec := httptest.NewRecorder()
	newMux().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/stats", nil))

	var got metrics.Snapshot
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if got.Calls != 1 || got.Turns != 2 {
		t.Fatalf("stats = %+v", got)
	}
}

func TestTracesDisabled(t *testing.T) {
	for _, path := range []string{
		"/api/traces/calls",
		"/api/traces/calls/CA1",
		"/api/traces/calls/CA1/turns/t1",
	} {
		rec := httptest.NewRecorder()
		newMux().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusNotFound || !strings.Contains(rec.Body.String(), "tracing disabled") {
			t.Errorf("%s = %d %q", path, rec.Code, rec.Body.String())
		}
	}
}

func TestVoiceWebhookRoute(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/twilio/voice", strings.NewReader("From=%2B15550001111&To=%2B15550100000"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	newMux().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `url="wss://example.test/ws/twilio"`) {
		t.Fatalf("twiml = %s", rec.Body.String())
	}
}

func TestQueryInt(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/x?limit=5&offset=abc", nil)
	if got := queryInt(r, "limit", 20); got != 5 {
		t.Errorf("limit = %d", got)
	}
	if got := queryInt(r, "offset", 0); got != 0 {
		t.Errorf("offset = %d", got)
	}
	if got := queryInt(r, "missing", 7); got != 7 {
		t.Errorf("missing = %d", got)
	}
}
