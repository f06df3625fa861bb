package index

import (
	"context"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"go.uber.org/zap"
)

// BreakerEmbedder guards an Embedder with a circuit breaker so an unreachable
// embedding server fails fast instead of stalling every retrieval.
type BreakerEmbedder struct {
	next Embedder
	cb   circuitbreaker.CircuitBreaker[[][]float64]
}

// NewBreakerEmbedder opens after failures consecutive errors and probes again after delay.
func NewBreakerEmbedder(next Embedder, failures uint, delay time.Duration, logger *zap.Logger) *BreakerEmbedder {
	if failures == 0 {
		failures = 3
	}
	if delay <= 0 {
		delay = 30 * time.Second
	}
	cb := circuitbreaker.NewBuilder[[][]float64]().
		WithFailureThreshold(failures).
		WithDelay(delay).
		OnStateChanged(func(event circuitbreaker.StateChangedEvent) {
			logger.Warn("embedder circuit breaker state change",
				zap.String("from", event.OldState.String()),
				zap.String("to", event.NewState.String()))
		}).
		Build()
	return &BreakerEmbedder{next: next, cb: cb}
}

// Embed forwards to the wrapped embedder unless the breaker is open.
func (b *BreakerEmbedder) Embed(ctx context.Context, texts []string) ([][]float64, error) {
	return failsafe.With(b.cb).Get(func() ([][]float64, error) {
		return b.next.Embed(ctx, texts)
	})
}

// IsOpen reports whether calls are currently rejected.
func (b *BreakerEmbedder) IsOpen() bool {
	return b.cb.IsOpen()
}
