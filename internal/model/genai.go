package model

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"os"
	"path/filepath"

	"google.golang.org/genai"

	"github.com/Shaydu/mondrian/internal/logging"
)

// GenAIRunner invokes a Gemini vision model with inline image bytes. Single
// shot: the cloud API exposes no thinking stream.
type GenAIRunner struct {
	client *genai.Client
	model  string
}

// NewGenAIRunner builds a cloud runner. The handle names the Gemini model.
func NewGenAIRunner(apiKey, handle string) (*GenAIRunner, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("genai model provider requires an API key (set GEMINI_API_KEY)")
	}
	if handle == "" {
		handle = "gemini-2.0-flash"
	}
	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{APIKey: apiKey})
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}
	return &GenAIRunner{client: client, model: handle}, nil
}

// Run reads the image, sends it with the prompt, and returns the model text.
func (r *GenAIRunner) Run(ctx context.Context, req Request) (string, error) {
	timer := logging.StartTimer(logging.CategoryModel, "GenAIRun")
	defer timer.Stop()

	data, err := os.ReadFile(req.ImageRef)
	if err != nil {
		return "", fmt.Errorf("failed to read image %s: %w", req.ImageRef, err)
	}
	mimeType := mime.TypeByExtension(filepath.Ext(req.ImageRef))
	if mimeType == "" {
		mimeType = "image/jpeg"
	}

	contents := []*genai.Content{
		genai.NewContentFromParts([]*genai.Part{
			genai.NewPartFromBytes(data, mimeType),
			genai.NewPartFromText(req.Prompt),
		}, genai.RoleUser),
	}

	result, err := r.client.Models.GenerateContent(ctx, r.model, contents, nil)
	if err != nil {
		return "", r.mapErr(err)
	}
	text := result.Text()
	if text == "" {
		return "", fmt.Errorf("%w: empty response from %s", ErrBadOutput, r.model)
	}
	return text, nil
}

func (r *GenAIRunner) mapErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrModelTimeout, err)
	}
	return fmt.Errorf("genai call failed: %w", err)
}
