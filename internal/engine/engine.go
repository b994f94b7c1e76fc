// Package engine owns the job lifecycle: intake, the worker pool, the
// processing sequence, progress, and terminal event emission. Every state
// change commits through the store before its status_update leaves the bus,
// so a reconnecting client can always rebuild from the snapshot.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Shaydu/mondrian/internal/config"
	"github.com/Shaydu/mondrian/internal/events"
	"github.com/Shaydu/mondrian/internal/logging"
	"github.com/Shaydu/mondrian/internal/metrics"
	"github.com/Shaydu/mondrian/internal/render"
	"github.com/Shaydu/mondrian/internal/store"
	"github.com/Shaydu/mondrian/internal/strategy"
	"github.com/Shaydu/mondrian/internal/types"
)

// ErrQueueClosed is returned by Submit once shutdown has begun.
var ErrQueueClosed = errors.New("job intake is closed")

// Catalog is the advisor lookup surface the engine needs.
// *advisor.Catalog satisfies it.
type Catalog interface {
	Get(id string) (*types.Advisor, error)
	Resolve(selection string) ([]*types.Advisor, error)
	List() []*types.Advisor
}

// Dispatcher resolves and runs strategies. *strategy.Dispatcher satisfies it.
type Dispatcher interface {
	Resolve(ctx context.Context, requested types.Mode, adv *types.Advisor) (strategy.Strategy, error)
}

// SubmitRequest is one job submission.
type SubmitRequest struct {
	ImagePath string
	// Selection is the raw advisor selector: id, comma list, all, random.
	Selection string
	Mode      types.Mode
	// AutoAnalyze false creates the job queued without enqueueing it.
	AutoAnalyze bool
}

// Engine runs jobs through the pipeline.
type Engine struct {
	store   *store.Store
	catalog Catalog
	disp    Dispatcher
	bus     *events.Bus
	metrics *metrics.Metrics
	cfg     config.EngineConfig
	now     func() time.Time

	queue     chan string
	closed    atomic.Bool
	closeOnce sync.Once
	stop      chan struct{}
	wg        sync.WaitGroup

	// admission serializes jobs per model handle.
	admissionMu sync.Mutex
	admission   map[string]*sync.Mutex
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the engine clock. Tests only.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New builds an engine. Call Start to begin processing.
func New(st *store.Store, catalog Catalog, disp Dispatcher, bus *events.Bus, m *metrics.Metrics, cfg config.EngineConfig, opts ...Option) *Engine {
	depth := cfg.QueueDepth
	if depth <= 0 {
		depth = 64
	}
	e := &Engine{
		store:     st,
		catalog:   catalog,
		disp:      disp,
		bus:       bus,
		metrics:   m,
		cfg:       cfg,
		now:       time.Now,
		queue:     make(chan string, depth),
		stop:      make(chan struct{}),
		admission: make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Start requeues queued jobs left over from a previous run (oldest first)
// and launches the worker pool and heartbeat.
func (e *Engine) Start(ctx context.Context) error {
	stale, err := e.store.ListJobsByStatus(ctx, types.StatusQueued)
	if err != nil {
		return fmt.Errorf("failed to recover queued jobs: %w", err)
	}
	for _, job := range stale {
		select {
		case e.queue <- job.ID:
			logging.Engine("Requeued job %s from previous run", job.ID)
		default:
			logging.EngineWarn("Intake queue full during recovery, leaving job %s queued", job.ID)
		}
	}

	workers := e.cfg.Workers
	if workers < 1 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
		e.wg.Add(1)
		go e.worker(ctx, i)
	}

	if hb := e.cfg.GetHeartbeatInterval(); hb > 0 {
		e.wg.Add(1)
		go e.heartbeat(hb)
	}

	logging.Engine("Engine started: %d workers, queue depth %d, %d jobs recovered",
		workers, cap(e.queue), len(stale))
	return nil
}

// Submit validates the request, creates the job row, and enqueues it.
// Validation failures are bad_input and never create a job.
func (e *Engine) Submit(ctx context.Context, req SubmitRequest) (*types.Job, error) {
	if e.closed.Load() {
		return nil, ErrQueueClosed
	}
	if req.ImagePath == "" {
		return nil, types.NewJobError(types.ErrKindBadInput, "image path is required")
	}
	if _, err := types.ParseMode(string(req.Mode)); err != nil {
		return nil, types.NewJobError(types.ErrKindBadInput, err.Error())
	}
	advisors, err := e.catalog.Resolve(req.Selection)
	if err != nil {
		return nil, err
	}
	if len(advisors) == 0 {
		return nil, types.NewJobError(types.ErrKindBadInput, "advisor selection resolved to zero advisors")
	}

	ids := make([]string, len(advisors))
	for i, adv := range advisors {
		ids[i] = adv.ID
	}
	mode := req.Mode
	if mode == "" {
		mode = types.ModeBaseline
	}

	id, err := e.store.CreateJob(ctx, &types.Job{
		ImagePath:     req.ImagePath,
		AdvisorIDs:    ids,
		RequestedMode: mode,
		TotalAdvisors: len(ids),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}
	job, err := e.store.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	logging.Audit().JobCreated(id, string(mode), len(ids))

	if req.AutoAnalyze {
		select {
		case e.queue <- id:
		default:
			// The row exists; the next recovery scan picks it up.
			logging.EngineWarn("Intake queue full, job %s left queued", id)
		}
	}
	return job, nil
}

// Enqueue places an existing queued job on the intake queue. Used when a
// job was submitted with auto_analyze=false.
func (e *Engine) Enqueue(jobID string) error {
	if e.closed.Load() {
		return ErrQueueClosed
	}
	select {
	case e.queue <- jobID:
		return nil
	default:
		return types.NewJobError(types.ErrKindUnavailable, "intake queue is full")
	}
}

func (e *Engine) worker(ctx context.Context, n int) {
	defer e.wg.Done()
	logging.EngineDebug("Worker %d up", n)
	for {
		select {
		case <-e.stop:
			// Drain what is already queued, then exit.
			select {
			case id, ok := <-e.queue:
				if !ok {
					return
				}
				e.process(ctx, id)
			default:
				return
			}
		case id, ok := <-e.queue:
			if !ok {
				return
			}
			e.process(ctx, id)
		}
	}
}

func (e *Engine) heartbeat(interval time.Duration) {
	defer e.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			e.bus.Broadcast(events.NewEvent(events.EventHeartbeat, "", nil))
			e.metrics.SSEEvent(string(events.EventHeartbeat))
		case <-e.stop:
			return
		}
	}
}

// handleLock returns the admission mutex for a model handle key, creating
// it on first use. At most one job occupies a handle at a time.
func (e *Engine) handleLock(key string) *sync.Mutex {
	e.admissionMu.Lock()
	defer e.admissionMu.Unlock()
	m, ok := e.admission[key]
	if !ok {
		m = &sync.Mutex{}
		e.admission[key] = m
	}
	return m
}

// admissionKey derives the handle occupancy key from the effective mode:
// adapter modes occupy the advisor's adapter handle, everything else the
// shared base handle.
func admissionKey(mode types.Mode, advisorID string) string {
	if mode == types.ModeLoRA || mode == types.ModeRAGLoRA {
		return "adapter/" + advisorID
	}
	return "base"
}

// mutate applies a patch and publishes the committed snapshot. The publish
// happens inside the per-job mutation section, preserving commit order on
// the stream.
func (e *Engine) mutate(ctx context.Context, jobID string, patch types.JobPatch) (*types.Job, error) {
	job, err := e.store.MutateJob(ctx, jobID, patch)
	if err != nil {
		return nil, err
	}
	e.bus.Publish(jobID, events.StatusUpdate(job))
	e.metrics.SSEEvent(string(events.EventStatusUpdate))
	return job, nil
}

// thinkingSink forwards model progress text onto the job record and the
// stream. Thinking never changes status or phase, so the percentage stays
// where it is.
func (e *Engine) thinkingSink(ctx context.Context, jobID string) func(string) {
	return func(text string) {
		if _, err := e.mutate(ctx, jobID, types.JobPatch{LastThinking: types.Ptr(text)}); err != nil {
			logging.EngineDebug("Thinking update dropped for job %s: %v", jobID, err)
		}
	}
}

// process runs one job through the full sequence. Any error transitions the
// job to its terminal error state with the taxonomy kind.
func (e *Engine) process(ctx context.Context, jobID string) {
	job, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		logging.EngineError("Cannot load job %s: %v", jobID, err)
		return
	}
	if job.Terminal() {
		logging.EngineDebug("Skipping terminal job %s (%s)", jobID, job.Status)
		return
	}

	started := e.now()
	total := len(job.AdvisorIDs)
	logging.Engine("Processing job %s: %d advisors, mode %s", jobID, total, job.RequestedMode)

	// Image processing.
	if _, err := e.mutate(ctx, jobID, types.JobPatch{
		Status:     types.Ptr(types.StatusProcessing),
		Phase:      types.Ptr(types.PhaseImageProcessing),
		Percentage: types.Ptr(Progress(types.StatusProcessing, types.PhaseImageProcessing, 0, total)),
		StartedAt:  types.Ptr(started),
	}); err != nil {
		logging.EngineWarn("Job %s mutation rejected, abandoning: %v", jobID, err)
		return
	}

	// Advisor preparation: resolve the snapshot of advisors the job was
	// created with. Catalog changes after this point do not matter.
	advisors := make([]*types.Advisor, 0, total)
	for _, id := range job.AdvisorIDs {
		adv, err := e.catalog.Get(id)
		if err != nil {
			e.fail(ctx, jobID, started, types.NewJobError(types.ErrKindInternal,
				fmt.Sprintf("advisor %s disappeared from the catalog", id)))
			return
		}
		advisors = append(advisors, adv)
	}
	if _, err := e.mutate(ctx, jobID, types.JobPatch{
		Status:     types.Ptr(types.StatusAnalyzing),
		Phase:      types.Ptr(types.PhaseAdvisorPreparation),
		Percentage: types.Ptr(Progress(types.StatusAnalyzing, types.PhaseAdvisorPreparation, 0, total)),
	}); err != nil {
		logging.EngineWarn("Job %s mutation rejected, abandoning: %v", jobID, err)
		return
	}

	// Advisor analysis, one at a time in the job's advisor order.
	for i, adv := range advisors {
		if _, err := e.mutate(ctx, jobID, types.JobPatch{
			Phase:       types.Ptr(types.PhaseAdvisorAnalysis),
			CurrentStep: types.Ptr(StepLabel(adv.DisplayName)),
			Percentage:  types.Ptr(Progress(types.StatusAnalyzing, types.PhaseAdvisorAnalysis, i, total)),
		}); err != nil {
			logging.EngineWarn("Job %s mutation rejected, abandoning: %v", jobID, err)
			return
		}

		s, err := e.disp.Resolve(ctx, job.RequestedMode, adv)
		if err != nil {
			e.fail(ctx, jobID, started, err)
			return
		}

		lock := e.handleLock(admissionKey(s.Name(), adv.ID))
		lock.Lock()
		res, err := s.Run(ctx, strategy.Input{
			JobID:    jobID,
			ImageRef: job.ImagePath,
			Advisor:  adv,
			Thinking: e.thinkingSink(ctx, jobID),
		})
		lock.Unlock()
		if err != nil {
			e.fail(ctx, jobID, started, err)
			return
		}

		if _, err := e.mutate(ctx, jobID, types.JobPatch{
			Result:         &types.AdvisorResult{AdvisorID: adv.ID, Result: res},
			ModeUsed:       types.Ptr(res.Mode),
			CurrentAdvisor: types.Ptr(i + 1),
			Percentage:     types.Ptr(Progress(types.StatusAnalyzing, types.PhaseAdvisorAnalysis, i+1, total)),
		}); err != nil {
			logging.EngineWarn("Job %s mutation rejected, abandoning: %v", jobID, err)
			return
		}
	}

	// Finalizing: compose the combined critique.
	snapshot, err := e.mutate(ctx, jobID, types.JobPatch{
		Status:     types.Ptr(types.StatusFinalizing),
		Phase:      types.Ptr(types.PhaseFinalizing),
		Percentage: types.Ptr(Progress(types.StatusFinalizing, "", total, total)),
	})
	if err != nil {
		logging.EngineWarn("Job %s mutation rejected, abandoning: %v", jobID, err)
		return
	}
	advMap := make(map[string]*types.Advisor, len(advisors))
	for _, adv := range advisors {
		advMap[adv.ID] = adv
	}
	rendered := render.Compose(snapshot, advMap)

	final, err := e.mutate(ctx, jobID, types.JobPatch{
		Status:         types.Ptr(types.StatusDone),
		Phase:          types.Ptr(types.PhaseDone),
		Percentage:     types.Ptr(Progress(types.StatusDone, "", total, total)),
		RenderedOutput: types.Ptr(rendered),
		CompletedAt:    types.Ptr(e.now()),
	})
	if err != nil {
		logging.EngineWarn("Job %s terminal mutation rejected: %v", jobID, err)
		return
	}

	e.bus.Publish(jobID, events.NewEvent(events.EventAnalysisComplete, jobID, map[string]any{"job_data": final}))
	e.metrics.SSEEvent(string(events.EventAnalysisComplete))
	e.bus.CloseJob(jobID)
	e.metrics.SSEEvent(string(events.EventDone))

	dur := e.now().Sub(started)
	e.metrics.JobFinished(string(types.StatusDone), dur)
	logging.Audit().JobCompleted(jobID, dur.Milliseconds())
	logging.Engine("Job %s done in %s", jobID, dur)
}

// fail transitions the job to error with the taxonomy kind, then emits the
// terminal events. The percentage is left untouched: error freezes it.
func (e *Engine) fail(ctx context.Context, jobID string, started time.Time, cause error) {
	kind := types.KindOf(cause)
	msg := cause.Error()
	var je *types.JobError
	if errors.As(cause, &je) {
		msg = je.Message
	}

	if _, err := e.mutate(ctx, jobID, types.JobPatch{
		Status:       types.Ptr(types.StatusError),
		ErrorKind:    types.Ptr(kind),
		ErrorMessage: types.Ptr(msg),
		CompletedAt:  types.Ptr(e.now()),
	}); err != nil {
		logging.EngineWarn("Job %s error mutation rejected: %v", jobID, err)
		return
	}
	e.bus.CloseJob(jobID)
	e.metrics.SSEEvent(string(events.EventDone))
	e.metrics.JobFinished(string(types.StatusError), e.now().Sub(started))
	logging.Audit().JobFailed(jobID, string(kind), msg)
	logging.EngineWarn("Job %s failed: %s: %s", jobID, kind, msg)
}

// ReapJob transitions a stale job to error/timeout and emits its terminal
// events. Called by the supervisor's reaper; already-terminal jobs are a
// no-op so sweeps are idempotent.
func (e *Engine) ReapJob(ctx context.Context, jobID string) error {
	_, err := e.mutate(ctx, jobID, types.JobPatch{
		Status:       types.Ptr(types.StatusError),
		ErrorKind:    types.Ptr(types.ErrKindTimeout),
		ErrorMessage: types.Ptr("job exceeded wall-clock budget"),
		CompletedAt:  types.Ptr(e.now()),
	})
	if errors.Is(err, store.ErrTerminalJob) {
		return nil
	}
	if err != nil {
		return err
	}
	e.bus.CloseJob(jobID)
	e.metrics.SSEEvent(string(events.EventDone))
	e.metrics.JobReaped()
	logging.Audit().JobFailed(jobID, string(types.ErrKindTimeout), "job exceeded wall-clock budget")
	return nil
}

// ActiveJobs reports how many jobs are queued or in flight.
func (e *Engine) ActiveJobs(ctx context.Context) int {
	n := 0
	for _, st := range []types.Status{types.StatusQueued, types.StatusProcessing, types.StatusAnalyzing, types.StatusFinalizing} {
		jobs, err := e.store.ListJobsByStatus(ctx, st)
		if err != nil {
			continue
		}
		n += len(jobs)
	}
	return n
}

// Close stops intake and waits for in-flight work up to the drain window.
func (e *Engine) Close(ctx context.Context) error {
	e.closeOnce.Do(func() {
		e.closed.Store(true)
		close(e.stop)
	})

	drained := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(drained)
	}()

	drain := e.cfg.GetDrainTimeout()
	if drain <= 0 {
		drain = 30 * time.Second
	}
	select {
	case <-drained:
		logging.Engine("Engine drained cleanly")
		return nil
	case <-time.After(drain):
		return fmt.Errorf("engine drain window (%s) elapsed with work in flight", drain)
	case <-ctx.Done():
		return ctx.Err()
	}
}
