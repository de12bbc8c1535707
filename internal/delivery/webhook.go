package delivery

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/hubenschmidt/voice-agent/internal/metrics"
)

// SignatureHeader carries "sha256=<hex HMAC of the body>" when a secret is set.
const SignatureHeader = "X-Signature-256"

// Summarizer produces a short human summary of a call. Failures are logged
// and the record is sent without one.
type Summarizer interface {
	Summarize(ctx context.Context, r Record) (string, error)
}

type Config struct {
	URL    string
	Secret string
	// MaxRetries bounds retries after the first attempt.
	MaxRetries  int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	Workers     int
	QueueSize   int
	Timeout     time.Duration
	Client      *http.Client
	Summarizer  Summarizer
}

// Dispatcher posts records to a webhook from a fixed pool of workers.
type Dispatcher struct {
	cfg   Config
	queue chan Record
	wg    sync.WaitGroup

	mu     sync.RWMutex
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
}

// NewDispatcher starts the workers. With an empty URL records are only logged.
func NewDispatcher(cfg Config) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = 500 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: cfg.Timeout}
	}
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		cfg:    cfg,
		queue:  make(chan Record, cfg.QueueSize),
		ctx:    ctx,
		cancel: cancel,
	}
	d.wg.Add(cfg.Workers)
	for range cfg.Workers {
		go d.worker()
	}
	return d
}

// Submit queues r and returns immediately. Records are dropped, with an
// error log, when the queue is full or the dispatcher is closed.
func (d *Dispatcher) Submit(r Record) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		metrics.DeliveryAttempts.WithLabelValues("dropped").Inc()
		slog.Error("delivery closed, dropping record", "call_id", r.CallID)
		return
	}
	select {
	case d.queue <- r:
	default:
		metrics.DeliveryAttempts.WithLabelValues("dropped").Inc()
		slog.Error("delivery queue full, dropping record", "call_id", r.CallID)
	}
}

// Close stops accepting records and waits for queued ones until ctx is done,
// then abandons in-flight retries.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		d.cancel()
		<-done
		return ctx.Err()
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for r := range d.queue {
		if err := d.deliver(d.ctx, r); err != nil {
			metrics.DeliveryAttempts.WithLabelValues("failed").Inc()
			slog.Error("call record delivery failed", "call_id", r.CallID, "error", err)
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, r Record) error {
	if d.cfg.Summarizer != nil && r.Summary == "" {
		sctx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
		summary, err := d.cfg.Summarizer.Summarize(sctx, r)
		cancel()
		if err != nil {
			slog.Warn("call summary failed", "call_id", r.CallID, "error", err)
		}
		r.Summary = summary
	}

	if d.cfg.URL == "" {
		slog.Info("call record", "call_id", r.CallID, "end_reason", r.EndReason,
			"duration_s", r.DurationSeconds, "collected", r.Collected, "summary", r.Summary)
		return nil
	}

	body, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}

	backoff := retry.NewExponential(d.cfg.BaseBackoff)
	backoff = retry.WithJitterPercent(10, backoff)
	backoff = retry.WithCappedDuration(d.cfg.MaxBackoff, backoff)
	backoff = retry.WithMaxRetries(uint64(max(d.cfg.MaxRetries, 0)), backoff)

	attempt := 0
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		err := d.post(ctx, r.CallID, body)
		if err == nil {
			metrics.DeliveryAttempts.WithLabelValues("delivered").Inc()
			slog.Info("call record delivered", "call_id", r.CallID, "attempt", attempt)
			return nil
		}
		var perm *permanentError
		if errors.As(err, &perm) {
			return err
		}
		metrics.DeliveryAttempts.WithLabelValues("retry").Inc()
		slog.Warn("call record delivery attempt failed", "call_id", r.CallID, "attempt", attempt, "error", err)
		return retry.RetryableError(err)
	})
}

// permanentError is a 4xx: the receiver rejected the payload and resending
// it unchanged will not help.
type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

func (d *Dispatcher) post(ctx context.Context, callID string, body []byte) error {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return &permanentError{fmt.Errorf("build request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Call-Id", callID)
	if d.cfg.Secret != "" {
		req.Header.Set(SignatureHeader, Sign(d.cfg.Secret, body))
	}

	resp, err := d.cfg.Client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("webhook status %d", resp.StatusCode)
	}
	return &permanentError{fmt.Errorf("webhook rejected record: status %d", resp.StatusCode)}
}

// Sign returns the signature header value for body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
