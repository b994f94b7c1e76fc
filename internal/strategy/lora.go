package strategy

import (
	"context"
	"fmt"
	"time"

	"github.com/Shaydu/mondrian/internal/types"
)

// LoRA is the single-pass persona strategy on an adapter-augmented handle.
// Available only when the advisor's adapter loads; otherwise the chain
// falls through to rag and then baseline.
type LoRA struct {
	d *Dispatcher
}

func (s *LoRA) Name() types.Mode { return types.ModeLoRA }

func (s *LoRA) Available(ctx context.Context, adv *types.Advisor) (bool, string) {
	if _, err := s.d.adapters.Load(adv.ID, adv.AdapterPath); err != nil {
		return false, fmt.Sprintf("adapter not loadable: %v", err)
	}
	return true, ""
}

func (s *LoRA) Run(ctx context.Context, in Input) (*types.Result, error) {
	handle, err := s.d.adapters.Load(in.Advisor.ID, in.Advisor.AdapterPath)
	if err != nil {
		// Availability passed but the cache was invalidated since; treat as
		// the same condition the resolver would have seen.
		return nil, types.NewJobError(types.ErrKindUnavailable, err.Error())
	}

	start := time.Now()
	prompt := s.d.prompts.Baseline(in.Advisor.DisplayName, in.Advisor.Prompt)
	analysis, err := s.d.callModel(ctx, types.ModeLoRA, in.ImageRef, prompt, handle.String(), in.Thinking)
	if err != nil {
		return nil, err
	}
	elapsed := time.Since(start).Milliseconds()
	return &types.Result{
		AdvisorID:     in.Advisor.ID,
		Mode:          types.ModeLoRA,
		Analysis:      *analysis,
		Timings:       types.Timings{Pass2MS: elapsed, TotalMS: elapsed},
		AdapterHandle: handle.String(),
	}, nil
}
