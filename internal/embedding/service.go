package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Shaydu/mondrian/internal/logging"
)

// ServiceEngine talks to the managed embed-service child process. Unlike the
// text-only providers it can embed images directly, which is what the visual
// retrieval path wants.
type ServiceEngine struct {
	baseURL    string
	dimensions int
	client     *http.Client
}

// NewServiceEngine creates a client for the embed-service child.
func NewServiceEngine(baseURL string, dimensions int, timeout string) (*ServiceEngine, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("embed service requires a base URL")
	}
	if dimensions <= 0 {
		dimensions = 384
	}

	t := 30 * time.Second
	if timeout != "" {
		if parsed, err := time.ParseDuration(timeout); err == nil && parsed > 0 {
			t = parsed
		}
	}

	return &ServiceEngine{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		dimensions: dimensions,
		client:     &http.Client{Timeout: t},
	}, nil
}

type serviceEmbedRequest struct {
	Text string `json:"text"`
}

type serviceEmbedResponse struct {
	Embedding []float32 `json:"embedding"`
}

type serviceIndexRequest struct {
	ImageRef string `json:"image_ref"`
	JobID    string `json:"job_id,omitempty"`
}

type serviceIndexResponse struct {
	Caption   string    `json:"caption"`
	Embedding []float32 `json:"embedding"`
}

func (e *ServiceEngine) post(ctx context.Context, path string, reqBody, out any) error {
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: embed service request failed: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("embed service returned status %d: %s", resp.StatusCode, string(body))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode embed service response: %w", err)
	}
	return nil
}

// Embed generates an embedding for a single text (query-side).
func (e *ServiceEngine) Embed(ctx context.Context, text string) ([]float32, error) {
	var resp serviceEmbedResponse
	if err := e.post(ctx, "/embed", serviceEmbedRequest{Text: text}, &resp); err != nil {
		return nil, err
	}
	if len(resp.Embedding) == 0 {
		return nil, fmt.Errorf("embed service returned empty embedding")
	}
	return resp.Embedding, nil
}

// EmbedBatch generates embeddings for multiple texts sequentially.
func (e *ServiceEngine) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	embeddings := make([][]float32, 0, len(texts))
	for i, text := range texts {
		embedding, err := e.Embed(ctx, text)
		if err != nil {
			return nil, fmt.Errorf("failed to embed text %d of %d: %w", i+1, len(texts), err)
		}
		embeddings = append(embeddings, embedding)
	}
	return embeddings, nil
}

// EmbedImage asks the service to caption and embed an image. The caption is
// discarded here; IndexImage returns both.
func (e *ServiceEngine) EmbedImage(ctx context.Context, imageRef string) ([]float32, error) {
	_, embedding, err := e.IndexImage(ctx, imageRef, "")
	return embedding, err
}

// IndexImage captions and embeds an image in one call.
func (e *ServiceEngine) IndexImage(ctx context.Context, imageRef, jobID string) (string, []float32, error) {
	timer := logging.StartTimer(logging.CategoryEmbedding, "IndexImage")
	defer timer.StopWithInfo()

	logging.EmbeddingDebug("Indexing image %s", imageRef)

	var resp serviceIndexResponse
	if err := e.post(ctx, "/index", serviceIndexRequest{ImageRef: imageRef, JobID: jobID}, &resp); err != nil {
		return "", nil, err
	}
	if len(resp.Embedding) == 0 {
		return "", nil, fmt.Errorf("embed service returned empty embedding for %s", imageRef)
	}
	return resp.Caption, resp.Embedding, nil
}

// Dimensions returns the embedding dimensionality.
func (e *ServiceEngine) Dimensions() int {
	return e.dimensions
}

// Name returns the engine name.
func (e *ServiceEngine) Name() string {
	return "embed-service"
}

// HealthCheck verifies the embed service is reachable.
func (e *ServiceEngine) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("failed to create health request: %w", err)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("embed service health check returned status %d", resp.StatusCode)
	}
	return nil
}
