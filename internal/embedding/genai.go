package embedding

import (
	"context"
	"fmt"

	"google.golang.org/genai"

	"github.com/Shaydu/mondrian/internal/logging"
)

// GenAIEngine generates text embeddings using Google's GenAI API.
type GenAIEngine struct {
	client     *genai.Client
	model      string
	dimensions int
}

// NewGenAIEngine creates a GenAI-backed embedding engine.
func NewGenAIEngine(apiKey, model string, dimensions int) (*GenAIEngine, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("genai embedding requires an API key (set GEMINI_API_KEY)")
	}
	if model == "" {
		model = "text-embedding-004"
	}
	if dimensions <= 0 {
		dimensions = 768
	}

	ctx := context.Background()
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey: apiKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}

	return &GenAIEngine{
		client:     client,
		model:      model,
		dimensions: dimensions,
	}, nil
}

// Embed generates an embedding for a single text.
func (e *GenAIEngine) Embed(ctx context.Context, text string) ([]float32, error) {
	contents := []*genai.Content{
		genai.NewContentFromText(text, genai.RoleUser),
	}

	result, err := e.client.Models.EmbedContent(ctx, e.model, contents, nil)
	if err != nil {
		return nil, fmt.Errorf("genai embed failed: %w", err)
	}

	if len(result.Embeddings) == 0 || len(result.Embeddings[0].Values) == 0 {
		return nil, fmt.Errorf("genai returned empty embedding for model %s", e.model)
	}

	return result.Embeddings[0].Values, nil
}

// EmbedBatch generates embeddings for multiple texts in a single request.
func (e *GenAIEngine) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	contents := make([]*genai.Content, 0, len(texts))
	for _, text := range texts {
		contents = append(contents, genai.NewContentFromText(text, genai.RoleUser))
	}

	result, err := e.client.Models.EmbedContent(ctx, e.model, contents, nil)
	if err != nil {
		return nil, fmt.Errorf("genai batch embed failed: %w", err)
	}

	if len(result.Embeddings) != len(texts) {
		return nil, fmt.Errorf("genai returned %d embeddings for %d texts", len(result.Embeddings), len(texts))
	}

	embeddings := make([][]float32, 0, len(texts))
	for i, emb := range result.Embeddings {
		if len(emb.Values) == 0 {
			return nil, fmt.Errorf("genai returned empty embedding at index %d", i)
		}
		embeddings = append(embeddings, emb.Values)
	}

	logging.EmbeddingDebug("GenAI batch embedded %d texts", len(texts))
	return embeddings, nil
}

// Dimensions returns the embedding dimensionality.
func (e *GenAIEngine) Dimensions() int {
	return e.dimensions
}

// Name returns the engine name.
func (e *GenAIEngine) Name() string {
	return fmt.Sprintf("genai/%s", e.model)
}
