package tts

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"
)

// fakeElevenLabs answers each flushed context with two audio chunks and a
// final marker. Connections whose index is in silent never answer.
type fakeElevenLabs struct {
	srv    *httptest.Server
	silent map[int]bool

	mu       sync.Mutex
	conns    int
	paths    []string
	texts    []string
	open     map[string]bool
	overlaps int
}

func newFake(t *testing.T, silent ...int) *fakeElevenLabs {
	t.Helper()
	f := &fakeElevenLabs{silent: map[int]bool{}, open: map[string]bool{}}
	for _, i := range silent {
		f.silent[i] = true
	}
	up := websocket.Upgrader{}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("xi-api-key") != "key" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		f.mu.Lock()
		idx := f.conns
		f.conns++
		f.paths = append(f.paths, r.URL.Path+"?"+r.URL.RawQuery)
		f.mu.Unlock()
		f.serve(conn, f.silent[idx])
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeElevenLabs) serve(conn *websocket.Conn, silent bool) {
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		id := gjson.GetBytes(msg, "context_id").String()
		if text := gjson.GetBytes(msg, "text"); text.Exists() {
			f.mu.Lock()
			if len(f.open) > 0 {
				f.overlaps++
			}
			f.open[id] = true
			f.texts = append(f.texts, text.String())
			f.mu.Unlock()
			continue
		}
		if !gjson.GetBytes(msg, "close_context").Bool() || silent {
			continue
		}
		f.mu.Lock()
		pending := f.open[id]
		f.mu.Unlock()
		if !pending {
			continue
		}
		time.Sleep(10 * time.Millisecond)
		conn.WriteJSON(map[string]any{"audio": b64(9, 9), "contextId": "stale"})
		conn.WriteJSON(map[string]any{"audio": b64(1, 2, 3), "contextId": id})
		conn.WriteJSON(map[string]any{"audio": b64(4, 5), "contextId": id})
		f.mu.Lock()
		delete(f.open, id)
		f.mu.Unlock()
		conn.WriteJSON(map[string]any{"isFinal": true, "contextId": id})
	}
}

func b64(b ...byte) string { return base64.StdEncoding.EncodeToString(b) }

func (f *fakeElevenLabs) config() Config {
	return Config{
		APIKey:  "key",
		URL:     "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/v1/text-to-speech",
		VoiceID: "voice-1",
		Timeout: time.Second,
	}
}

func dialFake(t *testing.T, cfg Config) *Gateway {
	t.Helper()
	g, err := Dial(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { g.Close() })
	return g
}

func drain(ch <-chan Chunk) ([]byte, error) {
	var audio []byte
	var err error
	for c := range ch {
		if c.Err != nil {
			err = c.Err
			continue
		}
		audio = append(audio, c.Audio...)
	}
	return audio, err
}

func TestSpeakStreamsAudio(t *testing.T) {
	f := newFake(t)
	g := dialFake(t, f.config())

	ch, err := g.Speak(context.Background(), "Hello there")
	if err != nil {
		t.Fatalf("Speak: %v", err)
	}
	audio, err := drain(ch)
	if err != nil {
		t.Fatalf("stream error: %v", err)
	}
	if diff := cmp.Diff([]byte{1, 2, 3, 4, 5}, audio); diff != "" {
		t.Errorf("audio mismatch (-want +got):\n%s", diff)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if !strings.HasPrefix(f.paths[0], "/v1/text-to-speech/voice-1/multi-stream-input?") {
		t.Errorf("path = %q", f.paths[0])
	}
	if !strings.Contains(f.paths[0], "output_format=ulaw_8000") {
		t.Errorf("missing output format in %q", f.paths[0])
	}
	if f.texts[0] != "Hello there " {
		t.Errorf("text = %q", f.texts[0])
	}
}

func TestSpeakSerializesUtterances(t *testing.T) {
	f := newFake(t)
	g := dialFake(t, f.config())

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ch, err := g.Speak(context.Background(), "line")
			if err != nil {
				t.Errorf("Speak: %v", err)
				return
			}
			if _, err := drain(ch); err != nil {
				t.Errorf("stream: %v", err)
			}
		}()
	}
	wg.Wait()

	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.texts) != 4 {
		t.Fatalf("server saw %d utterances, want 4", len(f.texts))
	}
	if f.overlaps != 0 {
		t.Errorf("%d utterances overlapped", f.overlaps)
	}
}

func TestTimeoutThenReconnect(t *testing.T) {
	f := newFake(t, 0)
	cfg := f.config()
	cfg.Timeout = 50 * time.Millisecond
	g := dialFake(t, cfg)

	ch, err := g.Speak(context.Background(), "first")
	if err != nil {
		t.Fatalf("Speak: %v", err)
	}
	if _, err := drain(ch); !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}

	if err := g.Reconnect(context.Background()); err != nil {
		t.Fatalf("Reconnect: %v", err)
	}
	ch, err = g.Speak(context.Background(), "second")
	if err != nil {
		t.Fatalf("Speak after reconnect: %v", err)
	}
	audio, err := drain(ch)
	if err != nil || len(audio) != 5 {
		t.Fatalf("after reconnect audio=%v err=%v", audio, err)
	}
}

func TestSpeakCanceled(t *testing.T) {
	f := newFake(t, 0)
	g := dialFake(t, f.config())

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := g.Speak(ctx, "never answered")
	if err != nil {
		t.Fatalf("Speak: %v", err)
	}
	cancel()
	if _, err := drain(ch); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}

	// The slot is free again.
	ctx2, cancel2 := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel2()
	ch, err = g.Speak(ctx2, "again")
	if err != nil {
		t.Fatalf("second Speak: %v", err)
	}
	drain(ch)
}

func TestIdleFor(t *testing.T) {
	f := newFake(t)
	g := dialFake(t, f.config())

	time.Sleep(30 * time.Millisecond)
	if idle := g.IdleFor(); idle < 30*time.Millisecond {
		t.Errorf("IdleFor = %v, want >= 30ms", idle)
	}
	if err := g.Reconnect(context.Background()); err != nil {
		t.Fatalf("Reconnect: %v", err)
	}
	if idle := g.IdleFor(); idle > 20*time.Millisecond {
		t.Errorf("IdleFor after reconnect = %v", idle)
	}
}

func TestClose(t *testing.T) {
	f := newFake(t, 0)
	g := dialFake(t, f.config())

	ch, err := g.Speak(context.Background(), "pending")
	if err != nil {
		t.Fatalf("Speak: %v", err)
	}
	g.Close()
	if _, err := drain(ch); !errors.Is(err, ErrClosed) {
		t.Errorf("in-flight err = %v, want ErrClosed", err)
	}
	if _, err := g.Speak(context.Background(), "late"); !errors.Is(err, ErrClosed) {
		t.Errorf("Speak after Close err = %v, want ErrClosed", err)
	}
	if err := g.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}
