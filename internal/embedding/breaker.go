package embedding

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
)

// ErrCircuitOpen is returned when the circuit breaker is open and requests
// to the wrapped provider are rejected to prevent cascading failures.
var ErrCircuitOpen = errors.New("embedding circuit breaker is open")

// BreakerConfig configures the circuit breaker around a provider.
type BreakerConfig struct {
	// MaxFailures is the number of consecutive failures required to trip the
	// circuit. Default: 3.
	MaxFailures uint32

	// Timeout is how long the circuit stays open before allowing a probe.
	// Default: 30 seconds.
	Timeout time.Duration

	// HalfOpenMaxSuccesses is the number of successes required in half-open
	// state to close the circuit again. Default: 2.
	HalfOpenMaxSuccesses uint32
}

// BreakerProvider wraps a Provider with a gobreaker circuit breaker. When the
// upstream embedding API is failing, calls are rejected immediately instead
// of piling up timeouts behind a dead service.
type BreakerProvider struct {
	inner   Provider
	breaker *gobreaker.CircuitBreaker
}

// NewBreakerProvider wraps inner with default breaker settings.
func NewBreakerProvider(inner Provider) *BreakerProvider {
	return NewBreakerProviderWithConfig(inner, BreakerConfig{
		MaxFailures:          3,
		Timeout:              30 * time.Second,
		HalfOpenMaxSuccesses: 2,
	})
}

// NewBreakerProviderWithConfig wraps inner with custom breaker settings.
func NewBreakerProviderWithConfig(inner Provider, cfg BreakerConfig) *BreakerProvider {
	if cfg.MaxFailures == 0 {
		cfg.MaxFailures = 3
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.HalfOpenMaxSuccesses == 0 {
		cfg.HalfOpenMaxSuccesses = 2
	}

	settings := gobreaker.Settings{
		Name:        "EmbeddingProvider",
		MaxRequests: cfg.HalfOpenMaxSuccesses,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.MaxFailures
		},
	}

	return &BreakerProvider{
		inner:   inner,
		breaker: gobreaker.NewCircuitBreaker(settings),
	}
}

// Embed runs the wrapped provider through the circuit breaker.
func (p *BreakerProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	result, err := p.breaker.Execute(func() (interface{}, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		return p.inner.Embed(ctx, text)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, ErrCircuitOpen
		}
		return nil, err
	}

	vec, ok := result.([]float32)
	if !ok {
		return nil, fmt.Errorf("unexpected breaker result type %T", result)
	}
	return vec, nil
}

// Dimension returns the wrapped provider's dimension.
func (p *BreakerProvider) Dimension() int {
	return p.inner.Dimension()
}

// State returns the breaker state as "closed", "open", or "half-open".
func (p *BreakerProvider) State() string {
	switch p.breaker.State() {
	case gobreaker.StateClosed:
		return "closed"
	case gobreaker.StateOpen:
		return "open"
	case gobreaker.StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}
