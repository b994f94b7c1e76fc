package strategy

import (
	"context"
	"fmt"

	"github.com/Shaydu/mondrian/internal/types"
)

// RAGLoRA is the explicit hybrid: the two-pass retrieval structure on an
// adapter-augmented handle. It has no fallback chain and never degrades;
// losing either leg fails the job rather than silently serving something
// the caller did not ask for.
type RAGLoRA struct {
	d *Dispatcher
}

func (s *RAGLoRA) Name() types.Mode { return types.ModeRAGLoRA }

func (s *RAGLoRA) Available(ctx context.Context, adv *types.Advisor) (bool, string) {
	if _, err := s.d.adapters.Load(adv.ID, adv.AdapterPath); err != nil {
		return false, fmt.Sprintf("adapter not loadable: %v", err)
	}
	n, err := s.d.profiles.CountReferenceProfiles(ctx, adv.ID)
	if err != nil {
		return false, fmt.Sprintf("reference profile count failed: %v", err)
	}
	if n < 2 {
		return false, fmt.Sprintf("advisor has %d reference profiles, need at least 2", n)
	}
	return true, ""
}

func (s *RAGLoRA) Run(ctx context.Context, in Input) (*types.Result, error) {
	handle, err := s.d.adapters.Load(in.Advisor.ID, in.Advisor.AdapterPath)
	if err != nil {
		return nil, types.NewJobError(types.ErrKindUnavailable, err.Error())
	}
	return s.d.runTwoPass(ctx, in, types.ModeRAGLoRA, handle.String(), true)
}
