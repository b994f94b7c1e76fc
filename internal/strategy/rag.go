package strategy

import (
	"context"
	"fmt"
	"time"

	"github.com/Shaydu/mondrian/internal/logging"
	"github.com/Shaydu/mondrian/internal/retrieval"
	"github.com/Shaydu/mondrian/internal/types"
)

// RAG is the two-pass strategy: an objective extraction pass produces the
// user's dimension profile, retrieval selects reference examples for the
// dimensions where the user trails the advisor's portfolio, and a second
// persona pass runs with those examples woven into the prompt. A retrieval
// failure degrades to an empty context block; the job still completes.
type RAG struct {
	d *Dispatcher
}

func (s *RAG) Name() types.Mode { return types.ModeRAG }

func (s *RAG) Available(ctx context.Context, adv *types.Advisor) (bool, string) {
	n, err := s.d.profiles.CountReferenceProfiles(ctx, adv.ID)
	if err != nil {
		return false, fmt.Sprintf("reference profile count failed: %v", err)
	}
	if n < 2 {
		return false, fmt.Sprintf("advisor has %d reference profiles, need at least 2", n)
	}
	return true, ""
}

func (s *RAG) Run(ctx context.Context, in Input) (*types.Result, error) {
	return s.d.runTwoPass(ctx, in, types.ModeRAG, s.d.adapters.BaseHandle(), false)
}

// runTwoPass is the shared RAG/RAGLoRA body. failHard selects the behavior
// on retrieval failure: rag degrades to an empty context block, rag_lora
// aborts with retrieval_required before any second pass.
func (d *Dispatcher) runTwoPass(ctx context.Context, in Input, mode types.Mode, handle string, failHard bool) (*types.Result, error) {
	total := time.Now()

	// Pass 1: objective extraction, no persona. Thinking output of this pass
	// is internal; only the persona pass streams to the client.
	pass1Start := time.Now()
	extracted, err := d.callModel(ctx, mode, in.ImageRef, d.prompts.Extraction(), handle, nil)
	if err != nil {
		return nil, err
	}
	pass1MS := time.Since(pass1Start).Milliseconds()

	// Persist the transient profile so the job's extraction survives for
	// inspection. Failure here never fails the job.
	profile := &types.Profile{
		AdvisorID:    in.Advisor.ID,
		ImagePath:    in.ImageRef,
		Scores:       extracted.Vector(),
		Comments:     extracted.Comments(),
		OverallGrade: extracted.OverallGrade,
		SourceJobID:  in.JobID,
	}
	if err := d.profiles.UpsertProfile(ctx, profile); err != nil {
		logging.StrategyWarn("Transient profile persist failed for job %s: %v", in.JobID, err)
	}

	// Retrieval: distribution analysis plus, when configured, visual
	// similarity. The visual path never fails a job in any mode.
	queryStart := time.Now()
	contextBlock := ""
	representatives := 0
	degraded := false
	dist, err := d.retr.AnalyzeDistribution(ctx, in.Advisor.ID, extracted.Vector())
	if err != nil {
		if failHard {
			return nil, types.NewJobError(types.ErrKindRetrievalRequired,
				fmt.Sprintf("retrieval failed and %s cannot degrade: %v", mode, err))
		}
		logging.StrategyWarn("Retrieval failed for job %s, degrading to empty context: %v", in.JobID, err)
		degraded = true
	} else {
		contextBlock = retrieval.BuildContextBlock(dist)
		representatives = len(dist.Representatives)
	}

	visualHits := 0
	if d.retr.VisualEnabled() {
		if query, qerr := d.retr.QueryEmbedding(ctx, in.ImageRef); qerr != nil {
			logging.StrategyDebug("Visual query skipped for job %s: %v", in.JobID, qerr)
		} else if hits, ferr := d.retr.FindSimilar(ctx, in.Advisor.ID, query, 0); ferr != nil {
			logging.StrategyDebug("Visual similarity skipped for job %s: %v", in.JobID, ferr)
		} else {
			visualHits = len(hits)
		}
	}
	queryMS := time.Since(queryStart).Milliseconds()

	// Pass 2: the persona pass, augmented when retrieval produced examples.
	pass2Start := time.Now()
	analysis, err := d.callModel(ctx, mode, in.ImageRef,
		d.prompts.Augmented(in.Advisor.DisplayName, in.Advisor.Prompt, contextBlock), handle, in.Thinking)
	if err != nil {
		return nil, err
	}
	pass2MS := time.Since(pass2Start).Milliseconds()

	res := &types.Result{
		AdvisorID: in.Advisor.ID,
		Mode:      mode,
		Analysis:  *analysis,
		Timings: types.Timings{
			Pass1MS: pass1MS,
			QueryMS: queryMS,
			Pass2MS: pass2MS,
			TotalMS: time.Since(total).Milliseconds(),
		},
		Representatives: representatives,
		VisualHits:      visualHits,
		Degraded:        degraded,
	}
	if mode == types.ModeRAGLoRA {
		res.AdapterHandle = handle
	}
	return res, nil
}
