package strategy

import (
	"context"
	"time"

	"github.com/Shaydu/mondrian/internal/types"
)

// Baseline is the single-pass persona strategy on the unadapted base model.
// It is always available and terminates every fallback chain except
// rag_lora's.
type Baseline struct {
	d *Dispatcher
}

func (s *Baseline) Name() types.Mode { return types.ModeBaseline }

func (s *Baseline) Available(ctx context.Context, adv *types.Advisor) (bool, string) {
	return true, ""
}

func (s *Baseline) Run(ctx context.Context, in Input) (*types.Result, error) {
	start := time.Now()
	prompt := s.d.prompts.Baseline(in.Advisor.DisplayName, in.Advisor.Prompt)
	analysis, err := s.d.callModel(ctx, types.ModeBaseline, in.ImageRef, prompt, s.d.adapters.BaseHandle(), in.Thinking)
	if err != nil {
		return nil, err
	}
	elapsed := time.Since(start).Milliseconds()
	return &types.Result{
		AdvisorID: in.Advisor.ID,
		Mode:      types.ModeBaseline,
		Analysis:  *analysis,
		Timings:   types.Timings{Pass2MS: elapsed, TotalMS: elapsed},
	}, nil
}
