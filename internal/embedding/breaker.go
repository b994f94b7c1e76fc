package embedding

import (
	"context"
	"fmt"
	"time"

	"github.com/sony/gobreaker"

	"github.com/Shaydu/mondrian/internal/logging"
)

// BreakerEngine wraps an Engine with a circuit breaker so a dead embedding
// backend fails fast instead of stalling every job on its timeout. Open
// circuit surfaces as ErrUnavailable, which the visual path treats as a
// degrade, not a failure.
type BreakerEngine struct {
	inner Engine
	cb    *gobreaker.CircuitBreaker
}

// WithBreaker wraps engine in a circuit breaker. Nil engines pass through.
func WithBreaker(engine Engine) Engine {
	if engine == nil {
		return nil
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        fmt.Sprintf("embedding/%s", engine.Name()),
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.EmbeddingWarn("Circuit breaker %s: %s -> %s", name, from, to)
		},
	})

	return &BreakerEngine{inner: engine, cb: cb}
}

// Embed generates an embedding for a single text through the breaker.
func (e *BreakerEngine) Embed(ctx context.Context, text string) ([]float32, error) {
	result, err := e.cb.Execute(func() (interface{}, error) {
		return e.inner.Embed(ctx, text)
	})
	if err != nil {
		return nil, e.wrap(err)
	}
	return result.([]float32), nil
}

// EmbedBatch generates embeddings for multiple texts through the breaker.
func (e *BreakerEngine) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	result, err := e.cb.Execute(func() (interface{}, error) {
		return e.inner.EmbedBatch(ctx, texts)
	})
	if err != nil {
		return nil, e.wrap(err)
	}
	return result.([][]float32), nil
}

// EmbedImage embeds an image if the inner engine supports it.
func (e *BreakerEngine) EmbedImage(ctx context.Context, imageRef string) ([]float32, error) {
	embedder, ok := e.inner.(ImageEmbedder)
	if !ok {
		return nil, fmt.Errorf("engine %s does not support image embedding", e.inner.Name())
	}
	result, err := e.cb.Execute(func() (interface{}, error) {
		return embedder.EmbedImage(ctx, imageRef)
	})
	if err != nil {
		return nil, e.wrap(err)
	}
	return result.([]float32), nil
}

// Dimensions returns the inner engine's dimensionality.
func (e *BreakerEngine) Dimensions() int {
	return e.inner.Dimensions()
}

// Name returns the inner engine's name.
func (e *BreakerEngine) Name() string {
	return e.inner.Name()
}

// HealthCheck delegates to the inner engine, bypassing the breaker so the
// supervisor's probe can observe recovery while the circuit is open.
func (e *BreakerEngine) HealthCheck(ctx context.Context) error {
	if checker, ok := e.inner.(HealthChecker); ok {
		return checker.HealthCheck(ctx)
	}
	return nil
}

// CanEmbedImages reports whether the engine supports image embedding,
// looking through the breaker decorator.
func CanEmbedImages(e Engine) bool {
	if be, ok := e.(*BreakerEngine); ok {
		return CanEmbedImages(be.inner)
	}
	_, ok := e.(ImageEmbedder)
	return ok
}

func (e *BreakerEngine) wrap(err error) error {
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return fmt.Errorf("%w: circuit open for %s", ErrUnavailable, e.inner.Name())
	}
	return err
}
