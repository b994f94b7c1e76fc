// Package model is the boundary to the vision model. Everything above it
// treats the model as a total function from (image, prompt, handle) to a JSON
// string with exactly two failure modes: timeout and bad output.
package model

import (
	"context"
	"errors"
	"fmt"
)

// Failure modes of the model callable.
var (
	ErrModelTimeout = errors.New("model call exceeded its budget")
	ErrBadOutput    = errors.New("model produced unusable output")
)

// ThinkingSink receives short status strings pushed by the model while it
// works. Implementations must be cheap and non-blocking; the engine fans the
// text onto the SSE bus.
type ThinkingSink func(text string)

// Request is one model invocation.
type Request struct {
	ImageRef string
	Prompt   string
	// Handle names the model variant: the base handle or an
	// adapter-augmented one from the AdapterCache.
	Handle string
	// Thinking, when non-nil, receives progress text from the model.
	Thinking ThinkingSink
}

// Runner invokes the model. Implementations: HTTPRunner (local model-server
// child), GenAIRunner (cloud).
type Runner interface {
	Run(ctx context.Context, req Request) (string, error)
}

// Config configures runner construction.
type Config struct {
	// Provider: "http" or "genai".
	Provider string
	BaseURL  string
	APIKey   string
	// Handle is the base model handle.
	Handle      string
	CallTimeout string
	MaxRetries  int
}

// NewRunner builds the configured runner.
func NewRunner(cfg Config) (Runner, error) {
	switch cfg.Provider {
	case "http":
		return NewHTTPRunner(cfg.BaseURL, cfg.CallTimeout, cfg.MaxRetries), nil
	case "genai":
		return NewGenAIRunner(cfg.APIKey, cfg.Handle)
	default:
		return nil, fmt.Errorf("unsupported model provider: %s (use 'http' or 'genai')", cfg.Provider)
	}
}
