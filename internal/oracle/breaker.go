package oracle

import (
	"context"
	"log"
	"time"

	"github.com/sony/gobreaker/v2"
)

// Default circuit breaker settings for oracle calls.
const (
	defaultMaxFailures uint32        = 5
	defaultOpenTimeout time.Duration = 30 * time.Second
	defaultInterval    time.Duration = 60 * time.Second
	defaultCallTimeout time.Duration = 10 * time.Second
)

// BreakerConfig tunes the circuit breaker around an oracle.
type BreakerConfig struct {
	// MaxFailures is the consecutive-failure count that opens the circuit.
	MaxFailures uint32
	// OpenTimeout is how long the circuit stays open before a probe.
	OpenTimeout time.Duration
	// Interval is the cyclic period for clearing failure counts while closed.
	Interval time.Duration
	// CallTimeout bounds each Decide call.
	CallTimeout time.Duration
}

// BreakerOracle wraps an Oracle with circuit-breaker protection. When the
// inner oracle fails repeatedly (or the circuit is open), Decide degrades
// to a conservative hold-and-observe result instead of propagating the
// error into the caller's decision cycle.
type BreakerOracle struct {
	inner       Oracle
	breaker     *gobreaker.CircuitBreaker[Result]
	callTimeout time.Duration
}

// NewBreakerOracle wraps inner. Zero-valued config fields get defaults.
func NewBreakerOracle(inner Oracle, cfg BreakerConfig) *BreakerOracle {
	maxFailures := cfg.MaxFailures
	if maxFailures == 0 {
		maxFailures = defaultMaxFailures
	}
	openTimeout := cfg.OpenTimeout
	if openTimeout == 0 {
		openTimeout = defaultOpenTimeout
	}
	interval := cfg.Interval
	if interval == 0 {
		interval = defaultInterval
	}
	callTimeout := cfg.CallTimeout
	if callTimeout == 0 {
		callTimeout = defaultCallTimeout
	}

	cb := gobreaker.NewCircuitBreaker[Result](gobreaker.Settings{
		Name:        "decision-oracle",
		MaxRequests: 1, // one probe in half-open state
		Interval:    interval,
		Timeout:     openTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Printf("[Oracle] ⚠️ Breaker %s: %s → %s", name, from, to)
		},
	})

	return &BreakerOracle{inner: inner, breaker: cb, callTimeout: callTimeout}
}

// Decide calls the inner oracle through the breaker. Any failure — inner
// error, timeout, or open circuit — yields the conservative fallback and
// a nil error, so one flaky oracle never aborts an agent's cycle.
func (b *BreakerOracle) Decide(ctx context.Context, dc Context) (Result, error) {
	result, err := b.breaker.Execute(func() (Result, error) {
		callCtx, cancel := context.WithTimeout(ctx, b.callTimeout)
		defer cancel()
		return b.inner.Decide(callCtx, dc)
	})
	if err != nil {
		log.Printf("[Oracle] ⚠️ Degraded for %s: %v", dc.ProductID, err)
		return conservativeResult(dc), nil
	}
	return result, nil
}

// conservativeResult is the low-risk default: hold position, take no
// actions, flag low confidence.
func conservativeResult(dc Context) Result {
	return Result{
		Confidence: 0.3,
		Reasoning:  "decision oracle unavailable, holding position for " + dc.ProductID,
	}
}
