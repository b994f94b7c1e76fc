// Package embedding provides vector embedding generation for visual
// similarity retrieval. Supports three backends: the managed embed-service
// child (images + text), Ollama (local text), and Google GenAI (cloud text).
package embedding

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/Shaydu/mondrian/internal/logging"
)

// ErrUnavailable marks the embedding subsystem as down. Callers on the
// visual path treat it as a degrade signal, never a job failure.
var ErrUnavailable = errors.New("embedding subsystem unavailable")

// =============================================================================
// ENGINE INTERFACES
// =============================================================================

// Engine generates vector embeddings for text.
type Engine interface {
	// Embed generates an embedding for a single text
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embeddings for multiple texts
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the dimensionality of embeddings
	Dimensions() int

	// Name returns the engine name
	Name() string
}

// ImageEmbedder is implemented by engines that can embed an image directly.
// Engines without image support force the visual path through captions.
type ImageEmbedder interface {
	EmbedImage(ctx context.Context, imageRef string) ([]float32, error)
}

// HealthChecker is an optional interface for engines that support health
// checks. The supervisor uses it for the embed-service child.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// =============================================================================
// CONFIGURATION
// =============================================================================

// Config holds embedding engine configuration.
type Config struct {
	// Provider: "service", "ollama", or "genai". Empty disables embeddings.
	Provider string

	// BaseURL for service/ollama providers.
	BaseURL string

	// APIKey for the genai provider.
	APIKey string

	// Model names the embedding model.
	Model string

	// Dimensions is the expected vector dimensionality.
	Dimensions int

	// Timeout bounds each HTTP request.
	Timeout string
}

// =============================================================================
// FACTORY
// =============================================================================

// NewEngine creates an embedding engine based on configuration. A nil engine
// with nil error means embeddings are disabled.
func NewEngine(cfg Config) (Engine, error) {
	timer := logging.StartTimer(logging.CategoryEmbedding, "NewEngine")
	defer timer.Stop()

	logging.Embedding("Creating embedding engine with provider=%s", cfg.Provider)

	var engine Engine
	var err error

	switch cfg.Provider {
	case "":
		logging.Embedding("No embedding provider configured; visual path disabled")
		return nil, nil
	case "service":
		engine, err = NewServiceEngine(cfg.BaseURL, cfg.Dimensions, cfg.Timeout)
	case "ollama":
		engine, err = NewOllamaEngine(cfg.BaseURL, cfg.Model, cfg.Dimensions)
	case "genai":
		engine, err = NewGenAIEngine(cfg.APIKey, cfg.Model, cfg.Dimensions)
	default:
		err = fmt.Errorf("unsupported embedding provider: %s (use 'service', 'ollama' or 'genai')", cfg.Provider)
	}

	if err != nil {
		logging.EmbeddingError("Failed to create embedding engine: %v", err)
		return nil, err
	}

	logging.Embedding("Embedding engine created: name=%s, dimensions=%d", engine.Name(), engine.Dimensions())
	return WithBreaker(engine), nil
}

// =============================================================================
// VECTOR UTILITIES
// =============================================================================

// CosineSimilarity calculates the cosine similarity between two vectors.
// Returns a value between -1 and 1, where 1 means identical.
func CosineSimilarity(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("vectors must have the same length: %d != %d", len(a), len(b))
	}

	var dotProduct, aMagnitude, bMagnitude float64
	for i := 0; i < len(a); i++ {
		dotProduct += float64(a[i]) * float64(b[i])
		aMagnitude += float64(a[i]) * float64(a[i])
		bMagnitude += float64(b[i]) * float64(b[i])
	}

	if aMagnitude == 0 || bMagnitude == 0 {
		return 0, nil
	}
	return dotProduct / (math.Sqrt(aMagnitude) * math.Sqrt(bMagnitude)), nil
}

// Normalize scales v to unit length in place and returns it. Zero vectors
// are returned unchanged.
func Normalize(v []float32) []float32 {
	var mag float64
	for _, x := range v {
		mag += float64(x) * float64(x)
	}
	if mag == 0 {
		return v
	}
	mag = math.Sqrt(mag)
	for i := range v {
		v[i] = float32(float64(v[i]) / mag)
	}
	return v
}

// SimilarityResult represents a similarity search result.
type SimilarityResult struct {
	Index      int
	Similarity float64
}

// FindTopK returns the top K most similar corpus vectors to the query,
// descending by similarity with ties broken by corpus index. Vectors of
// mismatched dimensionality are skipped.
func FindTopK(query []float32, corpus [][]float32, k int) ([]SimilarityResult, error) {
	if k <= 0 {
		k = 10
	}

	results := make([]SimilarityResult, 0, len(corpus))
	skipped := 0
	for i, vec := range corpus {
		similarity, err := CosineSimilarity(query, vec)
		if err != nil {
			skipped++
			continue
		}
		results = append(results, SimilarityResult{Index: i, Similarity: similarity})
	}
	if skipped > 0 {
		logging.EmbeddingWarn("FindTopK: skipped %d vectors due to dimension mismatch", skipped)
	}

	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Similarity != results[j].Similarity {
			return results[i].Similarity > results[j].Similarity
		}
		return results[i].Index < results[j].Index
	})

	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}
