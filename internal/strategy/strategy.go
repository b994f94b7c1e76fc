// Package strategy resolves the analysis mode for a job and runs the chosen
// strategy: baseline (one pass), rag (two passes with retrieval between),
// lora (one pass on an adapter-augmented handle), or rag_lora (both). The
// dispatcher walks a fixed fallback chain; rag_lora is terminal and never
// degrades silently.
package strategy

import (
	"context"

	"github.com/Shaydu/mondrian/internal/model"
	"github.com/Shaydu/mondrian/internal/retrieval"
	"github.com/Shaydu/mondrian/internal/types"
)

// Input is one analysis request for one advisor.
type Input struct {
	JobID    string
	ImageRef string
	Advisor  *types.Advisor
	// Thinking, when non-nil, receives model progress text.
	Thinking model.ThinkingSink
}

// Strategy is one analysis mode.
type Strategy interface {
	Name() types.Mode
	// Available reports whether the strategy can serve the advisor, with a
	// human-readable reason when it cannot.
	Available(ctx context.Context, adv *types.Advisor) (bool, string)
	Run(ctx context.Context, in Input) (*types.Result, error)
}

// ProfileStore is the slice of the store the strategies write and count
// profiles through.
type ProfileStore interface {
	CountReferenceProfiles(ctx context.Context, advisorID string) (int, error)
	UpsertProfile(ctx context.Context, p *types.Profile) error
}

// Retriever is the retrieval surface RAG-family strategies consume.
// *retrieval.Engine satisfies it.
type Retriever interface {
	AnalyzeDistribution(ctx context.Context, advisorID string, user types.Vector8) (*retrieval.DistributionResult, error)
	QueryEmbedding(ctx context.Context, imageRef string) ([]float32, error)
	FindSimilar(ctx context.Context, advisorID string, query []float32, k int) ([]retrieval.Hit, error)
	VisualEnabled() bool
}

// fallbackChains maps a requested mode to the ordered strategies tried.
// rag_lora is an explicit hybrid: degrading it silently would mask
// configuration drift, so its chain is terminal.
var fallbackChains = map[types.Mode][]types.Mode{
	types.ModeRAGLoRA:  {types.ModeRAGLoRA},
	types.ModeLoRA:     {types.ModeLoRA, types.ModeRAG, types.ModeBaseline},
	types.ModeRAG:      {types.ModeRAG, types.ModeBaseline},
	types.ModeBaseline: {types.ModeBaseline},
}
