package llm

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/hubenschmidt/voice-agent/internal/metrics"
)

// Result is a Response plus routing bookkeeping.
type Result struct {
	Response
	Provider string
	Fallback bool
	Latency  time.Duration
	CostUSD  float64
}

// Router sends each request to the primary provider and, on a transient
// failure, once to the fallback with the identical request.
type Router struct {
	primary  Provider
	fallback Provider
	rates    map[string]Rate
}

// NewRouter builds a router. fallback may be nil. Providers missing from
// rates are priced at zero.
func NewRouter(primary, fallback Provider, rates map[string]Rate) *Router {
	if rates == nil {
		rates = DefaultRates
	}
	return &Router{primary: primary, fallback: fallback, rates: rates}
}

func (r *Router) Complete(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()

	resp, err := r.primary.Complete(ctx, req)
	if err == nil {
		return r.record(r.primary, resp, false, start), nil
	}

	kind := KindOf(err)
	metrics.Errors.WithLabelValues("reasoning", kind.String()).Inc()
	if r.fallback == nil || !kind.Transient() || ctx.Err() != nil {
		return nil, err
	}

	slog.Warn("reasoning failover",
		"primary", r.primary.Name(), "fallback", r.fallback.Name(), "kind", kind.String(), "error", err)

	resp, fbErr := r.fallback.Complete(ctx, req)
	if fbErr != nil {
		metrics.Errors.WithLabelValues("reasoning", KindOf(fbErr).String()).Inc()
		return nil, errors.Join(err, fbErr)
	}
	return r.record(r.fallback, resp, true, start), nil
}

func (r *Router) record(p Provider, resp *Response, fallback bool, start time.Time) *Result {
	latency := time.Since(start)
	cost := r.rates[p.Name()].Cost(resp.Usage)

	metrics.StageDuration.WithLabelValues("reasoning").Observe(latency.Seconds())
	metrics.ReasoningCalls.WithLabelValues(p.Name(), strconv.FormatBool(fallback)).Inc()
	metrics.ReasoningCost.WithLabelValues(p.Name()).Add(cost)
	metrics.Totals.Reasoning(latency, cost, fallback)

	return &Result{
		Response: *resp,
		Provider: p.Name(),
		Fallback: fallback,
		Latency:  latency,
		CostUSD:  cost,
	}
}
