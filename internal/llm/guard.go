package llm

import (
	"context"
	"errors"
	"time"

	"golang.org/x/time/rate"

	"github.com/jonesrussell/north-cloud/incidents/infrastructure/circuitbreaker"
	infralogger "github.com/jonesrussell/north-cloud/incidents/infrastructure/logger"
	"github.com/jonesrussell/north-cloud/incidents/internal/domain"
	"github.com/jonesrussell/north-cloud/incidents/internal/telemetry"
)

// Guarded wraps a capability with a rate limiter and a circuit breaker.
type Guarded struct {
	inner     Capability
	limiter   *rate.Limiter
	breaker   *circuitbreaker.Breaker
	logger    infralogger.Logger
	telemetry *telemetry.Provider
}

// NewGuarded wraps inner. Only transient failures count against the
// breaker; a rejected payload says nothing about provider health.
func NewGuarded(
	inner Capability,
	rps float64,
	burst int,
	breakerCfg circuitbreaker.Config,
	log infralogger.Logger,
	tp *telemetry.Provider,
) *Guarded {
	if burst <= 0 {
		burst = 1
	}
	limit := rate.Inf
	if rps > 0 {
		limit = rate.Limit(rps)
	}

	breakerCfg.IsFailure = func(err error) bool {
		return domain.KindOf(err) == domain.KindTransient
	}
	breakerCfg.OnStateChange = func(from, to circuitbreaker.State) {
		log.Warn("capability circuit state changed",
			infralogger.String("provider", inner.Provider()),
			infralogger.String("from", from.String()),
			infralogger.String("to", to.String()),
		)
	}

	return &Guarded{
		inner:     inner,
		limiter:   rate.NewLimiter(limit, burst),
		breaker:   circuitbreaker.New(breakerCfg),
		logger:    log,
		telemetry: tp,
	}
}

// Provider returns the wrapped provider name.
func (g *Guarded) Provider() string { return g.inner.Provider() }

// Model returns the wrapped model id.
func (g *Guarded) Model() string { return g.inner.Model() }

// Complete waits for a rate token and calls the provider through the
// breaker. An open circuit is reported as a transient failure.
func (g *Guarded) Complete(ctx context.Context, req Request) (*Response, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return nil, domain.Transient("capability rate limit", err)
	}

	var resp *Response
	start := time.Now()
	err := g.breaker.Execute(ctx, func(ctx context.Context) error {
		var callErr error
		resp, callErr = g.inner.Complete(ctx, req)
		return callErr
	})
	g.telemetry.RecordCapabilityCall(g.inner.Provider(), err, time.Since(start))

	if errors.Is(err, circuitbreaker.ErrCircuitOpen) {
		return nil, domain.Transient("capability", err)
	}
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// State exposes the breaker state for health reporting.
func (g *Guarded) State() circuitbreaker.State {
	return g.breaker.State()
}
