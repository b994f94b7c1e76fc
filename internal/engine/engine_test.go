package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Shaydu/mondrian/internal/config"
	"github.com/Shaydu/mondrian/internal/events"
	"github.com/Shaydu/mondrian/internal/store"
	"github.com/Shaydu/mondrian/internal/strategy"
	"github.com/Shaydu/mondrian/internal/types"
)

// fakeCatalog serves a fixed advisor set.
type fakeCatalog struct {
	order []string
	byID  map[string]*types.Advisor
}

func newFakeCatalog(ids ...string) *fakeCatalog {
	c := &fakeCatalog{byID: make(map[string]*types.Advisor)}
	for _, id := range ids {
		c.order = append(c.order, id)
		words := strings.Split(id, "-")
		for i, w := range words {
			if w != "" {
				words[i] = strings.ToUpper(w[:1]) + w[1:]
			}
		}
		c.byID[id] = &types.Advisor{ID: id, DisplayName: strings.Join(words, " "), Prompt: "judge it"}
	}
	return c
}

func (c *fakeCatalog) Get(id string) (*types.Advisor, error) {
	adv, ok := c.byID[id]
	if !ok {
		return nil, types.NewJobError(types.ErrKindBadInput, fmt.Sprintf("unknown advisor %q", id))
	}
	return adv, nil
}

func (c *fakeCatalog) Resolve(selection string) ([]*types.Advisor, error) {
	if selection == "" {
		return nil, types.NewJobError(types.ErrKindBadInput, "advisor selection is required")
	}
	if selection == "all" {
		var out []*types.Advisor
		for _, id := range c.order {
			out = append(out, c.byID[id])
		}
		return out, nil
	}
	var out []*types.Advisor
	for _, id := range strings.Split(selection, ",") {
		adv, err := c.Get(strings.TrimSpace(id))
		if err != nil {
			return nil, err
		}
		out = append(out, adv)
	}
	return out, nil
}

func (c *fakeCatalog) List() []*types.Advisor {
	out, _ := c.Resolve("all")
	return out
}

// stubStrategy runs a scripted per-advisor analysis.
type stubStrategy struct {
	mode types.Mode
	run  func(ctx context.Context, in strategy.Input) (*types.Result, error)
}

func (s *stubStrategy) Name() types.Mode { return s.mode }
func (s *stubStrategy) Available(ctx context.Context, adv *types.Advisor) (bool, string) {
	return true, ""
}
func (s *stubStrategy) Run(ctx context.Context, in strategy.Input) (*types.Result, error) {
	return s.run(ctx, in)
}

// stubDispatcher hands every request to one stub strategy.
type stubDispatcher struct {
	s strategy.Strategy
}

func (d *stubDispatcher) Resolve(ctx context.Context, requested types.Mode, adv *types.Advisor) (strategy.Strategy, error) {
	return d.s, nil
}

func okAnalysis() types.Analysis {
	var a types.Analysis
	for i := range types.DimensionNames {
		a.SetDimension(i, types.DimensionScore{Score: 7, Comment: "fine"})
	}
	a.OverallGrade = "B"
	return a
}

func okRun(mode types.Mode) func(ctx context.Context, in strategy.Input) (*types.Result, error) {
	return func(ctx context.Context, in strategy.Input) (*types.Result, error) {
		return &types.Result{AdvisorID: in.Advisor.ID, Mode: mode, Analysis: okAnalysis()}, nil
	}
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func engineConfig() config.EngineConfig {
	return config.EngineConfig{Workers: 1, QueueDepth: 16, HeartbeatInterval: "0", DrainTimeout: "5s"}
}

func startEngine(t *testing.T, st *store.Store, cat Catalog, disp Dispatcher, cfg config.EngineConfig) (*Engine, *events.Bus) {
	t.Helper()
	bus := events.NewBus()
	e := New(st, cat, disp, bus, nil, cfg)
	require.NoError(t, e.Start(context.Background()))
	t.Cleanup(func() {
		e.Close(context.Background())
		bus.CancelAll()
	})
	return e, bus
}

func waitTerminal(t *testing.T, st *store.Store, jobID string) *types.Job {
	t.Helper()
	var job *types.Job
	require.Eventually(t, func() bool {
		j, err := st.GetJob(context.Background(), jobID)
		if err != nil {
			return false
		}
		job = j
		return j.Terminal()
	}, 10*time.Second, 10*time.Millisecond)
	return job
}

func collect(sub *events.Subscription) []events.Event {
	var out []events.Event
	for ev := range sub.C {
		out = append(out, ev)
	}
	return out
}

func TestProgress(t *testing.T) {
	tests := []struct {
		name      string
		status    types.Status
		phase     types.Phase
		cur, tot  int
		want      int
	}{
		{"queued", types.StatusQueued, "", 0, 1, 0},
		{"processing", types.StatusProcessing, types.PhaseImageProcessing, 0, 1, 5},
		{"preparation", types.StatusAnalyzing, types.PhaseAdvisorPreparation, 0, 3, 10},
		{"analysis start", types.StatusAnalyzing, types.PhaseAdvisorAnalysis, 0, 1, 10},
		{"analysis one of three", types.StatusAnalyzing, types.PhaseAdvisorAnalysis, 1, 3, 36},
		{"analysis two of three", types.StatusAnalyzing, types.PhaseAdvisorAnalysis, 2, 3, 63},
		{"analysis all done", types.StatusAnalyzing, types.PhaseAdvisorAnalysis, 3, 3, 90},
		{"analysis single done", types.StatusAnalyzing, types.PhaseAdvisorAnalysis, 1, 1, 90},
		{"finalizing", types.StatusFinalizing, types.PhaseFinalizing, 1, 1, 95},
		{"done", types.StatusDone, types.PhaseDone, 1, 1, 100},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Progress(tt.status, tt.phase, tt.cur, tt.tot))
		})
	}
}

func TestStepLabel(t *testing.T) {
	verbs := map[string]bool{}
	for i := 0; i < 50; i++ {
		label := StepLabel("Ansel Adams")
		require.True(t, strings.HasSuffix(label, " Ansel Adams"), label)
		verb := strings.TrimSuffix(label, " Ansel Adams")
		assert.Contains(t, stepVerbs, verb)
		verbs[verb] = true
	}
	// With 50 draws over 6 verbs, more than one should appear.
	assert.Greater(t, len(verbs), 1)
}

func TestSubmitValidation(t *testing.T) {
	st := newTestStore(t)
	cat := newFakeCatalog("ansel-adams")
	disp := &stubDispatcher{s: &stubStrategy{mode: types.ModeBaseline, run: okRun(types.ModeBaseline)}}
	e, _ := startEngine(t, st, cat, disp, engineConfig())

	tests := []struct {
		name string
		req  SubmitRequest
	}{
		{"missing image", SubmitRequest{Selection: "ansel-adams"}},
		{"missing selection", SubmitRequest{ImagePath: "x.jpg"}},
		{"unknown advisor", SubmitRequest{ImagePath: "x.jpg", Selection: "nobody"}},
		{"unknown mode", SubmitRequest{ImagePath: "x.jpg", Selection: "ansel-adams", Mode: "psychic"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.Submit(context.Background(), tt.req)
			require.Error(t, err)
			assert.Equal(t, types.ErrKindBadInput, types.KindOf(err))
		})
	}

	// bad_input never creates a job row.
	jobs, err := st.ListJobs(context.Background(), 0)
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestSingleAdvisorFullSequence(t *testing.T) {
	st := newTestStore(t)
	cat := newFakeCatalog("ansel-adams")
	disp := &stubDispatcher{s: &stubStrategy{mode: types.ModeBaseline, run: okRun(types.ModeBaseline)}}
	e, bus := startEngine(t, st, cat, disp, engineConfig())

	job, err := e.Submit(context.Background(), SubmitRequest{ImagePath: "/up/x.jpg", Selection: "ansel-adams", Mode: types.ModeBaseline})
	require.NoError(t, err)
	sub := bus.Subscribe(job.ID)
	require.NoError(t, e.Enqueue(job.ID))

	final := waitTerminal(t, st, job.ID)
	assert.Equal(t, types.StatusDone, final.Status)
	assert.Equal(t, 100, final.Percentage)
	assert.Equal(t, types.ModeBaseline, final.ModeUsed)
	assert.Equal(t, 1, final.CurrentAdvisor)
	require.Contains(t, final.Results, "ansel-adams")
	assert.Equal(t, "B", final.Results["ansel-adams"].Analysis.OverallGrade)
	require.NotNil(t, final.StartedAt)
	require.NotNil(t, final.CompletedAt)

	// The rendered critique was composed during finalizing.
	stored, err := st.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Contains(t, stored.RenderedOutput, "Ansel Adams")
	assert.Contains(t, stored.RenderedOutput, "Grade B")

	// Percentage climbs 0,5,10,10,90,95,100: queued, processing,
	// preparation, the advisor step, the result, finalizing, done.
	var pcts []int
	for _, h := range stored.StatusHistory {
		pcts = append(pcts, h.Percentage)
	}
	assert.Equal(t, []int{0, 5, 10, 10, 90, 95, 100}, pcts)

	// Terminal event order: status_updates, then analysis_complete, then done.
	evs := collect(sub)
	require.GreaterOrEqual(t, len(evs), 3)
	assert.Equal(t, events.EventDone, evs[len(evs)-1].Type)
	assert.Equal(t, events.EventAnalysisComplete, evs[len(evs)-2].Type)
	for _, ev := range evs[:len(evs)-2] {
		assert.Equal(t, events.EventStatusUpdate, ev.Type)
	}
}

func TestThinkingNeverMovesPercentage(t *testing.T) {
	st := newTestStore(t)
	cat := newFakeCatalog("ansel-adams")
	run := func(ctx context.Context, in strategy.Input) (*types.Result, error) {
		for i := 0; i < 10; i++ {
			in.Thinking(fmt.Sprintf("Studying the negative, pass %d", i))
		}
		return &types.Result{AdvisorID: in.Advisor.ID, Mode: types.ModeBaseline, Analysis: okAnalysis()}, nil
	}
	disp := &stubDispatcher{s: &stubStrategy{mode: types.ModeBaseline, run: run}}
	e, bus := startEngine(t, st, cat, disp, engineConfig())

	job, err := e.Submit(context.Background(), SubmitRequest{ImagePath: "/up/x.jpg", Selection: "ansel-adams"})
	require.NoError(t, err)
	sub := bus.Subscribe(job.ID)
	require.NoError(t, e.Enqueue(job.ID))
	waitTerminal(t, st, job.ID)

	thinking := 0
	prev := ""
	for _, ev := range collect(sub) {
		if ev.Type != events.EventStatusUpdate {
			continue
		}
		jd, ok := ev.Data["job_data"].(*types.Job)
		require.True(t, ok)
		if jd.LastThinking != prev {
			prev = jd.LastThinking
			thinking++
			// Mid-analysis with one advisor the bar sits at 10: thinking
			// text changes, the percentage does not.
			assert.Equal(t, 10, jd.Percentage)
		}
	}
	assert.Equal(t, 10, thinking)
}

func TestAdvisorErrorShortCircuits(t *testing.T) {
	st := newTestStore(t)
	cat := newFakeCatalog("ansel-adams", "dorothea-lange")
	var calls atomic.Int32
	run := func(ctx context.Context, in strategy.Input) (*types.Result, error) {
		calls.Add(1)
		return nil, types.NewJobError(types.ErrKindModelTimeout, "model callable exceeded the per-call budget")
	}
	disp := &stubDispatcher{s: &stubStrategy{mode: types.ModeBaseline, run: run}}
	e, bus := startEngine(t, st, cat, disp, engineConfig())

	job, err := e.Submit(context.Background(), SubmitRequest{ImagePath: "/up/x.jpg", Selection: "all"})
	require.NoError(t, err)
	sub := bus.Subscribe(job.ID)
	require.NoError(t, e.Enqueue(job.ID))

	final := waitTerminal(t, st, job.ID)
	assert.Equal(t, types.StatusError, final.Status)
	assert.Equal(t, types.ErrKindModelTimeout, final.ErrorKind)
	assert.Equal(t, "model callable exceeded the per-call budget", final.ErrorMessage)
	// The first advisor failed; the second was never attempted.
	assert.Equal(t, int32(1), calls.Load())
	// Error freezes the percentage where the pipeline stood.
	assert.Equal(t, 10, final.Percentage)

	evs := collect(sub)
	require.NotEmpty(t, evs)
	assert.Equal(t, events.EventDone, evs[len(evs)-1].Type)
}

func TestFIFOPickup(t *testing.T) {
	st := newTestStore(t)
	cat := newFakeCatalog("ansel-adams")
	var mu sync.Mutex
	var order []string
	run := func(ctx context.Context, in strategy.Input) (*types.Result, error) {
		mu.Lock()
		order = append(order, in.JobID)
		mu.Unlock()
		return &types.Result{AdvisorID: in.Advisor.ID, Mode: types.ModeBaseline, Analysis: okAnalysis()}, nil
	}
	disp := &stubDispatcher{s: &stubStrategy{mode: types.ModeBaseline, run: run}}
	e, _ := startEngine(t, st, cat, disp, engineConfig())

	var ids []string
	for i := 0; i < 3; i++ {
		job, err := e.Submit(context.Background(), SubmitRequest{ImagePath: fmt.Sprintf("/up/%d.jpg", i), Selection: "ansel-adams", AutoAnalyze: true})
		require.NoError(t, err)
		ids = append(ids, job.ID)
	}
	for _, id := range ids {
		waitTerminal(t, st, id)
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, ids, order)
}

func TestPerHandleSerialAdmission(t *testing.T) {
	st := newTestStore(t)
	cat := newFakeCatalog("ansel-adams")
	var active, peak atomic.Int32
	run := func(ctx context.Context, in strategy.Input) (*types.Result, error) {
		cur := active.Add(1)
		for {
			p := peak.Load()
			if cur <= p || peak.CompareAndSwap(p, cur) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		active.Add(-1)
		return &types.Result{AdvisorID: in.Advisor.ID, Mode: types.ModeBaseline, Analysis: okAnalysis()}, nil
	}
	disp := &stubDispatcher{s: &stubStrategy{mode: types.ModeBaseline, run: run}}
	cfg := engineConfig()
	cfg.Workers = 4
	e, _ := startEngine(t, st, cat, disp, cfg)

	var ids []string
	for i := 0; i < 4; i++ {
		job, err := e.Submit(context.Background(), SubmitRequest{ImagePath: fmt.Sprintf("/up/%d.jpg", i), Selection: "ansel-adams", AutoAnalyze: true})
		require.NoError(t, err)
		ids = append(ids, job.ID)
	}
	for _, id := range ids {
		waitTerminal(t, st, id)
	}

	// All four jobs share the base handle: never more than one at a time.
	assert.Equal(t, int32(1), peak.Load())
}

func TestStartRequeuesQueuedJobs(t *testing.T) {
	st := newTestStore(t)
	cat := newFakeCatalog("ansel-adams")

	// A job left queued by a previous run.
	id, err := st.CreateJob(context.Background(), &types.Job{
		ImagePath:     "/up/x.jpg",
		AdvisorIDs:    []string{"ansel-adams"},
		RequestedMode: types.ModeBaseline,
		TotalAdvisors: 1,
	})
	require.NoError(t, err)

	disp := &stubDispatcher{s: &stubStrategy{mode: types.ModeBaseline, run: okRun(types.ModeBaseline)}}
	startEngine(t, st, cat, disp, engineConfig())

	final := waitTerminal(t, st, id)
	assert.Equal(t, types.StatusDone, final.Status)
}

func TestAutoAnalyzeFalseLeavesJobQueued(t *testing.T) {
	st := newTestStore(t)
	cat := newFakeCatalog("ansel-adams")
	disp := &stubDispatcher{s: &stubStrategy{mode: types.ModeBaseline, run: okRun(types.ModeBaseline)}}
	e, _ := startEngine(t, st, cat, disp, engineConfig())

	job, err := e.Submit(context.Background(), SubmitRequest{ImagePath: "/up/x.jpg", Selection: "ansel-adams", AutoAnalyze: false})
	require.NoError(t, err)

	time.Sleep(100 * time.Millisecond)
	got, err := st.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusQueued, got.Status)
	assert.Equal(t, 0, got.Percentage)
}

func TestReapJobIsIdempotent(t *testing.T) {
	st := newTestStore(t)
	cat := newFakeCatalog("ansel-adams")
	disp := &stubDispatcher{s: &stubStrategy{mode: types.ModeBaseline, run: okRun(types.ModeBaseline)}}
	bus := events.NewBus()
	e := New(st, cat, disp, bus, nil, engineConfig())

	id, err := st.CreateJob(context.Background(), &types.Job{
		ImagePath: "/up/x.jpg", AdvisorIDs: []string{"ansel-adams"},
		RequestedMode: types.ModeBaseline, TotalAdvisors: 1,
	})
	require.NoError(t, err)

	require.NoError(t, e.ReapJob(context.Background(), id))
	job, err := st.GetJob(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, types.StatusError, job.Status)
	assert.Equal(t, types.ErrKindTimeout, job.ErrorKind)
	first := job.LastActivity

	// A second sweep over the same job is a no-op.
	require.NoError(t, e.ReapJob(context.Background(), id))
	again, err := st.GetJob(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, first, again.LastActivity)
}

func TestSubmitAfterCloseIsRejected(t *testing.T) {
	st := newTestStore(t)
	cat := newFakeCatalog("ansel-adams")
	disp := &stubDispatcher{s: &stubStrategy{mode: types.ModeBaseline, run: okRun(types.ModeBaseline)}}
	bus := events.NewBus()
	e := New(st, cat, disp, bus, nil, engineConfig())
	require.NoError(t, e.Start(context.Background()))
	require.NoError(t, e.Close(context.Background()))

	_, err := e.Submit(context.Background(), SubmitRequest{ImagePath: "/up/x.jpg", Selection: "ansel-adams"})
	assert.ErrorIs(t, err, ErrQueueClosed)
}
