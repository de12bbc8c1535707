package stt

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// fakeDeepgram accepts one stream, records binary frames, and lets the test
// push JSON results.
type fakeDeepgram struct {
	srv      *httptest.Server
	query    chan string
	conns    chan *websocket.Conn
	mu       sync.Mutex
	frames   int
	controls []string
}

func newFakeDeepgram(t *testing.T) *fakeDeepgram {
	t.Helper()
	f := &fakeDeepgram{query: make(chan string, 1), conns: make(chan *websocket.Conn, 1)}
	up := websocket.Upgrader{}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Token key" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		f.query <- r.URL.RawQuery
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		f.conns <- conn
		for {
			typ, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			f.mu.Lock()
			if typ == websocket.BinaryMessage {
				f.frames++
			} else {
				f.controls = append(f.controls, string(msg))
			}
			f.mu.Unlock()
		}
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeDeepgram) url() string { return "ws" + strings.TrimPrefix(f.srv.URL, "http") }

func result(text string, isFinal, speechFinal bool) string {
	b := func(v bool) string {
		if v {
			return "true"
		}
		return "false"
	}
	return `{"type":"Results","is_final":` + b(isFinal) + `,"speech_final":` + b(speechFinal) +
		`,"channel":{"alternatives":[{"transcript":"` + text + `"}]}}`
}

func dial(t *testing.T, f *fakeDeepgram, flush time.Duration) (*Gateway, *websocket.Conn) {
	t.Helper()
	g, err := Dial(context.Background(), Config{APIKey: "key", URL: f.url(), FlushAfter: flush}, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { g.Close() })
	return g, <-f.conns
}

func next(t *testing.T, g *Gateway, within time.Duration) string {
	t.Helper()
	select {
	case u := <-g.Utterances():
		return u
	case <-time.After(within):
		t.Fatal("no utterance")
		return ""
	}
}

func TestQueryParameters(t *testing.T) {
	f := newFakeDeepgram(t)
	dial(t, f, time.Second)
	q := <-f.query
	for _, want := range []string{"encoding=mulaw", "sample_rate=8000", "interim_results=true"} {
		if !strings.Contains(q, want) {
			t.Errorf("query %q missing %s", q, want)
		}
	}
}

func TestSpeechFinalJoinsSegments(t *testing.T) {
	f := newFakeDeepgram(t)
	g, server := dial(t, f, 5*time.Second)

	server.WriteMessage(websocket.TextMessage, []byte(result("my toilet", false, false)))
	server.WriteMessage(websocket.TextMessage, []byte(result("my toilet", true, false)))
	server.WriteMessage(websocket.TextMessage, []byte(result("is clogged", true, true)))

	if got := next(t, g, time.Second); got != "my toilet is clogged" {
		t.Fatalf("utterance = %q", got)
	}
}

func TestUtteranceEndFlushes(t *testing.T) {
	f := newFakeDeepgram(t)
	g, server := dial(t, f, 5*time.Second)

	server.WriteMessage(websocket.TextMessage, []byte(result("hello there", true, false)))
	server.WriteMessage(websocket.TextMessage, []byte(`{"type":"UtteranceEnd","last_word_end":1.2}`))

	if got := next(t, g, time.Second); got != "hello there" {
		t.Fatalf("utterance = %q", got)
	}
}

func TestFallbackTimerFlushes(t *testing.T) {
	f := newFakeDeepgram(t)
	g, server := dial(t, f, 50*time.Millisecond)

	server.WriteMessage(websocket.TextMessage, []byte(result("is anyone there", true, false)))

	if got := next(t, g, time.Second); got != "is anyone there" {
		t.Fatalf("utterance = %q", got)
	}
}

func TestEmptyFinalsDoNotFlush(t *testing.T) {
	f := newFakeDeepgram(t)
	g, server := dial(t, f, 20*time.Millisecond)

	server.WriteMessage(websocket.TextMessage, []byte(result("", true, true)))
	select {
	case u := <-g.Utterances():
		t.Fatalf("unexpected utterance %q", u)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSendAudioForwardsFrames(t *testing.T) {
	f := newFakeDeepgram(t)
	g, _ := dial(t, f, time.Second)

	for range 10 {
		g.SendAudio(make([]byte, 160))
	}
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		f.mu.Lock()
		n := f.frames
		f.mu.Unlock()
		if n == 10 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("frames not forwarded")
}

func TestCloseIsIdempotentAndSendIsSafe(t *testing.T) {
	f := newFakeDeepgram(t)
	g, _ := dial(t, f, time.Second)

	if err := g.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	g.Close()
	g.SendAudio([]byte{1, 2, 3})
	if _, ok := <-g.Utterances(); ok {
		t.Fatal("utterances not closed")
	}
}

func TestConnectionErrorReported(t *testing.T) {
	f := newFakeDeepgram(t)
	errs := make(chan error, 1)
	g, err := Dial(context.Background(), Config{APIKey: "key", URL: f.url()}, func(err error) {
		select {
		case errs <- err:
		default:
		}
	})
	if err != nil {
		t.Fatal(err)
	}
	defer g.Close()
	server := <-f.conns
	server.Close()

	select {
	case err := <-errs:
		if err == nil {
			t.Fatal("nil error")
		}
	case <-time.After(time.Second):
		t.Fatal("error callback not invoked")
	}
}

func TestBacklogDropsOldestWithoutStalling(t *testing.T) {
	f := newFakeDeepgram(t)
	g, server := dial(t, f, 5*time.Second)

	const sent = 12
	for i := range sent {
		server.WriteMessage(websocket.TextMessage, []byte(result(fmt.Sprintf("u%d", i), true, true)))
	}

	capacity := cap(g.utterances)
	deadline := time.Now().Add(2 * time.Second)
	for g.dropped.Load() < sent-int64(capacity) || len(g.utterances) < capacity {
		if time.Now().After(deadline) {
			t.Fatalf("reader stalled: dropped=%d queued=%d", g.dropped.Load(), len(g.utterances))
		}
		time.Sleep(5 * time.Millisecond)
	}

	for i := sent - capacity; i < sent; i++ {
		if got, want := next(t, g, time.Second), fmt.Sprintf("u%d", i); got != want {
			t.Fatalf("utterance = %q, want %q", got, want)
		}
	}
}
