package strategy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Shaydu/mondrian/internal/logging"
	"github.com/Shaydu/mondrian/internal/metrics"
	"github.com/Shaydu/mondrian/internal/model"
	"github.com/Shaydu/mondrian/internal/types"
)

// Dispatcher resolves a requested mode against strategy availability and
// runs the winner. It holds no per-job state; resolution is pure given the
// availability answers, so applying it twice yields the same effective mode.
type Dispatcher struct {
	profiles ProfileStore
	retr     Retriever
	runner   model.Runner
	adapters *model.AdapterCache
	handles  *model.Handles
	prompts  Prompts
	metrics  *metrics.Metrics

	strategies map[types.Mode]Strategy
}

// NewDispatcher wires the four strategies.
func NewDispatcher(profiles ProfileStore, retr Retriever, runner model.Runner, adapters *model.AdapterCache, m *metrics.Metrics) *Dispatcher {
	d := &Dispatcher{
		profiles: profiles,
		retr:     retr,
		runner:   runner,
		adapters: adapters,
		handles:  model.NewHandles(),
		metrics:  m,
	}
	d.strategies = map[types.Mode]Strategy{
		types.ModeBaseline: &Baseline{d: d},
		types.ModeRAG:      &RAG{d: d},
		types.ModeLoRA:     &LoRA{d: d},
		types.ModeRAGLoRA:  &RAGLoRA{d: d},
	}
	return d
}

// Resolve walks the fallback chain for the requested mode and returns the
// first available strategy. An exhausted chain (only possible for rag_lora)
// yields a JobError with kind unavailable.
func (d *Dispatcher) Resolve(ctx context.Context, requested types.Mode, adv *types.Advisor) (Strategy, error) {
	chain, ok := fallbackChains[requested]
	if !ok {
		return nil, types.NewJobError(types.ErrKindBadInput, fmt.Sprintf("unknown mode %q", requested))
	}

	var lastReason string
	for _, mode := range chain {
		s := d.strategies[mode]
		avail, reason := s.Available(ctx, adv)
		if avail {
			if mode != requested {
				logging.Strategy("Mode fallback for advisor %s: %s -> %s (%s)", adv.ID, requested, mode, lastReason)
				logging.Audit().ModeFallback("", adv.ID, string(requested), string(mode), lastReason)
				d.metrics.Fallback(string(requested), string(mode))
			}
			return s, nil
		}
		lastReason = reason
		logging.StrategyDebug("Mode %s unavailable for advisor %s: %s", mode, adv.ID, reason)
	}
	return nil, types.NewJobError(types.ErrKindUnavailable,
		fmt.Sprintf("mode %s unavailable for advisor %s: %s", requested, adv.ID, lastReason))
}

// Analyze resolves the mode and runs the strategy for one advisor.
func (d *Dispatcher) Analyze(ctx context.Context, in Input, requested types.Mode) (*types.Result, error) {
	s, err := d.Resolve(ctx, requested, in.Advisor)
	if err != nil {
		return nil, err
	}
	timer := logging.StartTimer(logging.CategoryStrategy, "Analyze."+string(s.Name()))
	defer timer.Stop()
	return s.Run(ctx, in)
}

// callModel invokes the model under the handle's lock and parses the
// response. A parse failure retries once with the same prompt; the second
// failure maps to parse_error. Timeouts map to model_timeout. The handle
// lock is held across the model call only, never across store or retrieval
// work.
func (d *Dispatcher) callModel(ctx context.Context, mode types.Mode, imageRef, prompt, handle string, sink model.ThinkingSink) (*types.Analysis, error) {
	run := func() (string, error) {
		lock := d.handles.Lock(handle)
		lock.Lock()
		defer lock.Unlock()
		start := time.Now()
		raw, err := d.runner.Run(ctx, model.Request{
			ImageRef: imageRef,
			Prompt:   prompt,
			Handle:   handle,
			Thinking: sink,
		})
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		d.metrics.ModelCall(string(mode), outcome, time.Since(start))
		return raw, err
	}

	attempt := func() (*types.Analysis, error) {
		raw, err := run()
		if err != nil {
			return nil, err
		}
		return model.ParseAnalysis(raw)
	}

	analysis, err := attempt()
	if err == nil {
		return analysis, nil
	}
	if !errors.Is(err, model.ErrBadOutput) {
		return nil, mapModelError(err)
	}
	logging.StrategyWarn("Model output failed to parse, retrying once: %v", err)

	analysis, err = attempt()
	if err == nil {
		return analysis, nil
	}
	if errors.Is(err, model.ErrBadOutput) {
		return nil, types.NewJobError(types.ErrKindParseError,
			fmt.Sprintf("model output did not match the expected schema after one retry: %v", err))
	}
	return nil, mapModelError(err)
}

func mapModelError(err error) error {
	switch {
	case errors.Is(err, model.ErrModelTimeout):
		return types.NewJobError(types.ErrKindModelTimeout, "model callable exceeded the per-call budget")
	case errors.Is(err, model.ErrBadOutput):
		return types.NewJobError(types.ErrKindParseError, err.Error())
	default:
		return types.NewJobError(types.ErrKindInternal, err.Error())
	}
}
