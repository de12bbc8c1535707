// Package tts is the speech-synthesis gateway: one ElevenLabs multi-context
// websocket per call, serialized so only one utterance is in flight.
package tts

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"

	"github.com/hubenschmidt/voice-agent/internal/metrics"
)

var (
	// ErrTimeout means no completion arrived within Config.Timeout.
	ErrTimeout = errors.New("tts: synthesis timed out")
	// ErrClosed is returned after Close or when the connection drops mid-utterance.
	ErrClosed = errors.New("tts: gateway closed")
)

// Config holds connection settings. VoiceID is per call.
type Config struct {
	APIKey       string
	URL          string // wss://api.elevenlabs.io/v1/text-to-speech
	VoiceID      string
	ModelID      string
	OutputFormat string
	// Timeout bounds one utterance from submission to completion.
	Timeout time.Duration
	// Inactivity is the server-side idle ceiling requested on connect.
	Inactivity      time.Duration
	Stability       float64
	SimilarityBoost float64
}

func (c Config) withDefaults() Config {
	if c.URL == "" {
		c.URL = "wss://api.elevenlabs.io/v1/text-to-speech"
	}
	if c.ModelID == "" {
		c.ModelID = "eleven_turbo_v2_5"
	}
	if c.OutputFormat == "" {
		c.OutputFormat = "ulaw_8000"
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.Inactivity <= 0 {
		c.Inactivity = 20 * time.Second
	}
	if c.Stability == 0 {
		c.Stability = 0.5
	}
	if c.SimilarityBoost == 0 {
		c.SimilarityBoost = 0.8
	}
	return c
}

func (c Config) endpoint() (string, error) {
	u, err := url.Parse(strings.TrimRight(c.URL, "/") + "/" + url.PathEscape(c.VoiceID) + "/multi-stream-input")
	if err != nil {
		return "", fmt.Errorf("tts url: %w", err)
	}
	q := u.Query()
	q.Set("model_id", c.ModelID)
	q.Set("output_format", c.OutputFormat)
	q.Set("inactivity_timeout", strconv.Itoa(int(c.Inactivity/time.Second)))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Chunk is one piece of synthesized audio. A Chunk with Err set is the last
// value before the channel closes.
type Chunk struct {
	Audio []byte
	Err   error
}

// Gateway is owned by exactly one call.
type Gateway struct {
	cfg Config

	// slot admits one utterance at a time. Waiters queue in arrival order.
	slot chan struct{}

	mu       sync.Mutex
	conn     *websocket.Conn
	active   *request
	lastUsed time.Time
	closed   bool

	writeMu sync.Mutex
}

type request struct {
	id       string
	ch       chan Chunk
	finished chan struct{}
	started  time.Time

	mu    sync.Mutex
	done  bool
	first bool
	timer *time.Timer
}

// Dial opens a synthesis connection for cfg.VoiceID.
func Dial(ctx context.Context, cfg Config) (*Gateway, error) {
	g := &Gateway{cfg: cfg.withDefaults(), slot: make(chan struct{}, 1)}
	conn, err := g.dial(ctx)
	if err != nil {
		return nil, err
	}
	g.conn = conn
	g.lastUsed = time.Now()
	go g.readLoop(conn)
	return g, nil
}

func (g *Gateway) dial(ctx context.Context) (*websocket.Conn, error) {
	endpoint, err := g.cfg.endpoint()
	if err != nil {
		return nil, err
	}
	header := http.Header{}
	header.Set("xi-api-key", g.cfg.APIKey)

	start := time.Now()
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, endpoint, header)
	if err != nil {
		metrics.Errors.WithLabelValues("tts", "dial").Inc()
		return nil, fmt.Errorf("tts dial: %w", err)
	}
	metrics.StageDuration.WithLabelValues("tts_connect").Observe(time.Since(start).Seconds())
	return conn, nil
}

// Speak submits text and returns its audio stream. If another utterance is in
// flight, Speak waits for it to finish first. The caller must drain the
// channel until it is closed.
func (g *Gateway) Speak(ctx context.Context, text string) (<-chan Chunk, error) {
	select {
	case g.slot <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		<-g.slot
		return nil, ErrClosed
	}
	conn := g.conn
	req := &request{
		id:       uuid.NewString(),
		ch:       make(chan Chunk, 64),
		finished: make(chan struct{}),
		started:  time.Now(),
	}
	g.active = req
	g.mu.Unlock()

	req.mu.Lock()
	req.timer = time.AfterFunc(g.cfg.Timeout, func() { g.abandon(req, ErrTimeout) })
	req.mu.Unlock()
	go func() {
		select {
		case <-ctx.Done():
			g.abandon(req, ctx.Err())
		case <-req.finished:
		}
	}()

	err := g.writeJSON(conn, map[string]any{
		"context_id": req.id,
		"text":       strings.TrimSpace(text) + " ",
		"voice_settings": map[string]any{
			"stability":        g.cfg.Stability,
			"similarity_boost": g.cfg.SimilarityBoost,
		},
		"flush": true,
	})
	if err == nil {
		err = g.writeJSON(conn, map[string]any{"context_id": req.id, "close_context": true})
	}
	if err != nil {
		g.finish(req, fmt.Errorf("%w: %v", ErrClosed, err))
	}
	return req.ch, nil
}

// IdleFor reports how long the connection has carried no utterance.
func (g *Gateway) IdleFor() time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.active != nil {
		return 0
	}
	return time.Since(g.lastUsed)
}

// Reconnect replaces the connection. It waits for any in-flight utterance.
func (g *Gateway) Reconnect(ctx context.Context) error {
	select {
	case g.slot <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-g.slot }()

	conn, err := g.dial(ctx)
	if err != nil {
		return err
	}

	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		conn.Close()
		return ErrClosed
	}
	old := g.conn
	g.conn = conn
	g.lastUsed = time.Now()
	g.mu.Unlock()

	old.Close()
	go g.readLoop(conn)
	return nil
}

// Close fails any in-flight utterance with ErrClosed and drops the connection.
func (g *Gateway) Close() error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil
	}
	g.closed = true
	conn := g.conn
	req := g.active
	g.mu.Unlock()

	if req != nil {
		g.finish(req, ErrClosed)
	}
	g.writeJSON(conn, map[string]any{"close_socket": true})
	return conn.Close()
}

func (g *Gateway) writeJSON(conn *websocket.Conn, v any) error {
	g.writeMu.Lock()
	defer g.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.WriteJSON(v)
}

func (g *Gateway) readLoop(conn *websocket.Conn) {
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			g.connLost(conn, err)
			return
		}
		g.handle(msg)
	}
}

func (g *Gateway) handle(msg []byte) {
	g.mu.Lock()
	req := g.active
	g.mu.Unlock()

	ctxID := gjson.GetBytes(msg, "contextId").String()
	if req == nil || ctxID != req.id {
		// Audio for an abandoned context.
		return
	}

	if e := gjson.GetBytes(msg, "error"); e.Exists() && e.String() != "" {
		metrics.Errors.WithLabelValues("tts", "upstream").Inc()
		g.finish(req, fmt.Errorf("tts upstream: %s", e.String()))
		return
	}
	if b64 := gjson.GetBytes(msg, "audio").String(); b64 != "" {
		audio, err := base64.StdEncoding.DecodeString(b64)
		if err != nil {
			slog.Warn("tts audio decode", "error", err)
		} else {
			g.deliver(req, audio)
		}
	}
	if gjson.GetBytes(msg, "isFinal").Bool() {
		g.finish(req, nil)
	}
}

func (g *Gateway) deliver(req *request, audio []byte) {
	req.mu.Lock()
	defer req.mu.Unlock()
	if req.done {
		return
	}
	if !req.first {
		req.first = true
		metrics.StageDuration.WithLabelValues("tts_first_audio").Observe(time.Since(req.started).Seconds())
	}
	req.ch <- Chunk{Audio: audio}
}

// finish completes req exactly once and frees the slot.
func (g *Gateway) finish(req *request, err error) {
	req.mu.Lock()
	if req.done {
		req.mu.Unlock()
		return
	}
	req.done = true
	if req.timer != nil {
		req.timer.Stop()
	}
	if err != nil {
		req.ch <- Chunk{Err: err}
	} else {
		metrics.StageDuration.WithLabelValues("tts").Observe(time.Since(req.started).Seconds())
	}
	close(req.ch)
	close(req.finished)
	req.mu.Unlock()

	g.mu.Lock()
	if g.active == req {
		g.active = nil
	}
	g.lastUsed = time.Now()
	g.mu.Unlock()
	<-g.slot
}

// abandon fails req and tells the server to stop generating for it.
func (g *Gateway) abandon(req *request, err error) {
	req.mu.Lock()
	done := req.done
	req.mu.Unlock()
	if done {
		return
	}
	if errors.Is(err, ErrTimeout) {
		metrics.Errors.WithLabelValues("tts", "timeout").Inc()
	}
	g.mu.Lock()
	conn := g.conn
	g.mu.Unlock()
	g.finish(req, err)
	if werr := g.writeJSON(conn, map[string]any{"context_id": req.id, "close_context": true}); werr != nil {
		slog.Debug("tts close context", "error", werr)
	}
}

func (g *Gateway) connLost(conn *websocket.Conn, err error) {
	g.mu.Lock()
	current := g.conn == conn && !g.closed
	req := g.active
	g.mu.Unlock()
	if !current {
		return
	}
	metrics.Errors.WithLabelValues("tts", "connection").Inc()
	slog.Warn("tts connection lost", "error", err)
	if req != nil {
		g.finish(req, fmt.Errorf("%w: %v", ErrClosed, err))
	}
}
