// Package retrieval selects reference examples for RAG-family strategies.
// Two independent paths: dimensional-distribution analysis of the advisor's
// portfolio against a user profile, and visual similarity over pre-computed
// embeddings. The visual path degrades to "unavailable"; it never fails a job.
package retrieval

import (
	"context"
	"errors"
	"fmt"

	"github.com/Shaydu/mondrian/internal/embedding"
	"github.com/Shaydu/mondrian/internal/logging"
	"github.com/Shaydu/mondrian/internal/store"
	"github.com/Shaydu/mondrian/internal/types"
)

// ErrVisualUnavailable marks the visual similarity path as down: no embedder
// configured, a query vector that cannot be computed, or an open circuit
// breaker. Callers proceed without visual hits.
var ErrVisualUnavailable = errors.New("visual similarity unavailable")

// ProfileSource is the slice of the store the retrieval engine reads.
type ProfileSource interface {
	GetProfilesForAdvisor(ctx context.Context, advisorID string) ([]*types.Profile, error)
	FindProfilesByEmbedding(ctx context.Context, advisorID string, query []float32, k int) ([]store.EmbeddingHit, error)
}

// Config tunes representative selection.
type Config struct {
	// KSigma is the underperformance threshold multiplier.
	KSigma float64
	// SigmaFloor is the minimum population std, preventing zero divides
	// when all reference scores in a dimension agree.
	SigmaFloor float64
	// MaxRepresentatives caps the selected example count.
	MaxRepresentatives int
	// VisualTopK is the candidate count for visual similarity.
	VisualTopK int
}

// DefaultConfig returns the stock tuning: k=1.0, floor=0.1, cap=3, top-3.
func DefaultConfig() Config {
	return Config{KSigma: 1.0, SigmaFloor: 0.1, MaxRepresentatives: 3, VisualTopK: 3}
}

// Engine answers retrieval queries for the strategy dispatcher.
type Engine struct {
	profiles ProfileSource
	embedder embedding.Engine
	cfg      Config
}

// Option configures an Engine.
type Option func(*Engine)

// WithEmbedder attaches an embedding engine enabling the visual path.
func WithEmbedder(e embedding.Engine) Option {
	return func(eng *Engine) { eng.embedder = e }
}

// New builds a retrieval engine over the given profile source.
func New(profiles ProfileSource, cfg Config, opts ...Option) *Engine {
	if cfg.KSigma <= 0 {
		cfg.KSigma = 1.0
	}
	if cfg.SigmaFloor <= 0 {
		cfg.SigmaFloor = 0.1
	}
	if cfg.MaxRepresentatives <= 0 {
		cfg.MaxRepresentatives = 3
	}
	if cfg.VisualTopK <= 0 {
		cfg.VisualTopK = 3
	}
	eng := &Engine{profiles: profiles, cfg: cfg}
	for _, opt := range opts {
		opt(eng)
	}
	return eng
}

// VisualEnabled reports whether an embedding engine is attached.
func (e *Engine) VisualEnabled() bool { return e.embedder != nil }

// QueryEmbedding computes the unit-normalized query vector for an image.
// Unavailability of the embedding subsystem surfaces as ErrVisualUnavailable.
func (e *Engine) QueryEmbedding(ctx context.Context, imageRef string) ([]float32, error) {
	if e.embedder == nil {
		return nil, ErrVisualUnavailable
	}
	if !embedding.CanEmbedImages(e.embedder) {
		logging.RetrievalDebug("Embedder %s cannot embed images; visual path unavailable", e.embedder.Name())
		return nil, ErrVisualUnavailable
	}
	imgEmb := e.embedder.(embedding.ImageEmbedder)
	vec, err := imgEmb.EmbedImage(ctx, imageRef)
	if err != nil {
		logging.RetrievalWarn("Query embedding failed for %s: %v", imageRef, err)
		return nil, fmt.Errorf("%w: %v", ErrVisualUnavailable, err)
	}
	return embedding.Normalize(vec), nil
}

// Hit is one visual-similarity result.
type Hit struct {
	Profile    *types.Profile
	Similarity float64
}

// FindSimilar returns the advisor's k most visually similar reference
// profiles, descending by cosine similarity with lexicographic image-path
// ties. Stable across runs.
func (e *Engine) FindSimilar(ctx context.Context, advisorID string, query []float32, k int) ([]Hit, error) {
	if len(query) == 0 {
		return nil, ErrVisualUnavailable
	}
	if k <= 0 {
		k = e.cfg.VisualTopK
	}

	timer := logging.StartTimer(logging.CategoryRetrieval, "FindSimilar")
	defer timer.Stop()

	raw, err := e.profiles.FindProfilesByEmbedding(ctx, advisorID, query, k)
	if err != nil {
		return nil, fmt.Errorf("failed to search embeddings for advisor %s: %w", advisorID, err)
	}
	hits := make([]Hit, len(raw))
	for i, h := range raw {
		hits[i] = Hit{Profile: h.Profile, Similarity: h.Similarity}
	}
	logging.Retrieval("Visual similarity for advisor %s: %d hits", advisorID, len(hits))
	return hits, nil
}
