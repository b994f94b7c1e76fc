package supervisor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Shaydu/mondrian/internal/config"
	"github.com/Shaydu/mondrian/internal/engine"
	"github.com/Shaydu/mondrian/internal/events"
	"github.com/Shaydu/mondrian/internal/store"
	"github.com/Shaydu/mondrian/internal/types"
)

func reaperFixture(t *testing.T) (*store.Store, *engine.Engine) {
	t.Helper()
	st, err := store.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	bus := events.NewBus()
	t.Cleanup(bus.CancelAll)
	eng := engine.New(st, nil, nil, bus, nil, config.EngineConfig{Workers: 1, QueueDepth: 4})
	return st, eng
}

func createJob(t *testing.T, st *store.Store) string {
	t.Helper()
	id, err := st.CreateJob(context.Background(), &types.Job{
		ImagePath:     "/up/x.jpg",
		AdvisorIDs:    []string{"ansel-adams"},
		RequestedMode: types.ModeBaseline,
		TotalAdvisors: 1,
	})
	require.NoError(t, err)
	return id
}

func TestSweepReapsOnlyStaleNonTerminalJobs(t *testing.T) {
	st, eng := reaperFixture(t)
	ctx := context.Background()

	staleID := createJob(t, st)
	doneID := createJob(t, st)

	// Walk the second job to done so the sweep must leave it alone.
	for _, patch := range []types.JobPatch{
		{Status: types.Ptr(types.StatusProcessing)},
		{Status: types.Ptr(types.StatusAnalyzing)},
		{Status: types.Ptr(types.StatusFinalizing)},
		{Status: types.Ptr(types.StatusDone), Percentage: types.Ptr(100)},
	} {
		_, err := st.MutateJob(ctx, doneID, patch)
		require.NoError(t, err)
	}

	// A clock 20 minutes ahead puts both jobs past the 15-minute budget.
	future := func() time.Time { return time.Now().Add(20 * time.Minute) }
	r := NewReaper(st, eng, supConfig(), WithReaperClock(future))

	n, err := r.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	stale, err := st.GetJob(ctx, staleID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusError, stale.Status)
	assert.Equal(t, types.ErrKindTimeout, stale.ErrorKind)
	assert.Equal(t, "job exceeded wall-clock budget", stale.ErrorMessage)

	done, err := st.GetJob(ctx, doneID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusDone, done.Status)
	assert.Empty(t, done.ErrorKind)
}

func TestSweepIsIdempotent(t *testing.T) {
	st, eng := reaperFixture(t)
	ctx := context.Background()
	id := createJob(t, st)

	future := func() time.Time { return time.Now().Add(20 * time.Minute) }
	r := NewReaper(st, eng, supConfig(), WithReaperClock(future))

	n, err := r.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	job, err := st.GetJob(ctx, id)
	require.NoError(t, err)
	first := job.LastActivity

	// The reaped job is terminal now; a second sweep touches nothing.
	n, err = r.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	again, err := st.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, first, again.LastActivity)
}

func TestSweepLeavesFreshJobsAlone(t *testing.T) {
	st, eng := reaperFixture(t)
	ctx := context.Background()
	id := createJob(t, st)

	r := NewReaper(st, eng, supConfig())
	n, err := r.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	job, err := st.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.StatusQueued, job.Status)
}
