package supervisor

import (
	"context"
	"errors"
	"os/exec"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Shaydu/mondrian/internal/config"
)

func sleeperLaunch(record *[]string, mu *sync.Mutex) launchFunc {
	return func(cfg config.ChildConfig) (*exec.Cmd, error) {
		mu.Lock()
		*record = append(*record, cfg.Name)
		mu.Unlock()
		cmd := exec.Command("sleep", "300")
		if err := cmd.Start(); err != nil {
			return nil, err
		}
		return cmd, nil
	}
}

func healthyFn(ctx context.Context) error { return nil }

func supConfig(children ...config.ChildConfig) config.SupervisorConfig {
	return config.SupervisorConfig{
		PollInterval:     "10ms",
		FailureThreshold: 3,
		MaxRestarts:      2,
		RestartWindow:    "10m",
		BackoffBase:      "1ms",
		BackoffCap:       "5ms",
		StartTimeout:     "5s",
		JobTimeout:       "900s",
		CleanupInterval:  "60s",
		Children:         children,
	}
}

func TestTopoOrder(t *testing.T) {
	order, err := topoOrder([]config.ChildConfig{
		{Name: "api", DependsOn: []string{"model"}},
		{Name: "model", DependsOn: []string{"store"}},
		{Name: "store"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"store", "model", "api"}, order)
}

func TestTopoOrderRejectsCycle(t *testing.T) {
	_, err := topoOrder([]config.ChildConfig{
		{Name: "a", DependsOn: []string{"b"}},
		{Name: "b", DependsOn: []string{"a"}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cycle")
}

func TestStartLaunchesInDependencyOrder(t *testing.T) {
	var mu sync.Mutex
	var launched []string
	cfg := supConfig(
		config.ChildConfig{Name: "embed-service", DependsOn: []string{"model-server"}},
		config.ChildConfig{Name: "model-server"},
	)
	s, err := New(cfg, nil,
		WithLauncher(sleeperLaunch(&launched, &mu)),
		WithHealth("model-server", healthyFn),
		WithHealth("embed-service", healthyFn),
	)
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	defer s.Shutdown(context.Background())

	mu.Lock()
	got := append([]string(nil), launched...)
	mu.Unlock()
	assert.Equal(t, []string{"model-server", "embed-service"}, got)

	for _, snap := range s.Snapshot() {
		assert.Equal(t, StateRunning, snap.State)
		assert.NotZero(t, snap.PID)
	}
}

func TestStartTimeoutHaltsChild(t *testing.T) {
	var mu sync.Mutex
	var launched []string
	cfg := supConfig(config.ChildConfig{Name: "model-server"})
	cfg.StartTimeout = "50ms"
	s, err := New(cfg, nil,
		WithLauncher(sleeperLaunch(&launched, &mu)),
		WithHealth("model-server", func(ctx context.Context) error { return errors.New("connection refused") }),
	)
	require.NoError(t, err)

	err = s.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "did not become healthy")
	assert.Equal(t, StateHalted, s.Snapshot()[0].State)
}

func TestSustainedFailureRestartsThenHalts(t *testing.T) {
	var mu sync.Mutex
	var launched []string
	var failing atomic.Bool

	cfg := supConfig(config.ChildConfig{Name: "model-server"})
	s, err := New(cfg, nil,
		WithLauncher(sleeperLaunch(&launched, &mu)),
		WithHealth("model-server", func(ctx context.Context) error {
			if failing.Load() {
				return errors.New("connection refused")
			}
			return nil
		}),
	)
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	defer s.Shutdown(context.Background())

	failing.Store(true)

	// Three consecutive failures trigger a restart; after MaxRestarts=2 the
	// rolling window is exhausted and the child halts.
	require.Eventually(t, func() bool {
		return s.Snapshot()[0].State == StateHalted
	}, 10*time.Second, 10*time.Millisecond)

	mu.Lock()
	launches := len(launched)
	mu.Unlock()
	assert.Equal(t, 3, launches) // initial + 2 restarts
	assert.Equal(t, 2, s.Snapshot()[0].Restarts)
}

func TestResetRevivesHaltedChild(t *testing.T) {
	var mu sync.Mutex
	var launched []string
	cfg := supConfig(config.ChildConfig{Name: "model-server"})
	s, err := New(cfg, nil,
		WithLauncher(sleeperLaunch(&launched, &mu)),
		WithHealth("model-server", healthyFn),
	)
	require.NoError(t, err)

	c := s.children["model-server"]
	c.setState(StateHalted)
	c.mu.Lock()
	c.restartTimes = []time.Time{time.Now(), time.Now()}
	c.mu.Unlock()

	require.NoError(t, s.Reset(context.Background(), "model-server"))
	snap := s.Snapshot()[0]
	assert.Equal(t, StateRunning, snap.State)
	defer s.Shutdown(context.Background())

	// Reset on a running child is rejected.
	err = s.Reset(context.Background(), "model-server")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not halted")
}

func TestResetUnknownChild(t *testing.T) {
	s, err := New(supConfig(), nil)
	require.NoError(t, err)
	require.Error(t, s.Reset(context.Background(), "nobody"))
}

func TestShutdownStopsAllChildren(t *testing.T) {
	var mu sync.Mutex
	var launched []string
	cfg := supConfig(
		config.ChildConfig{Name: "embed-service", DependsOn: []string{"model-server"}},
		config.ChildConfig{Name: "model-server"},
	)
	s, err := New(cfg, nil,
		WithLauncher(sleeperLaunch(&launched, &mu)),
		WithHealth("model-server", healthyFn),
		WithHealth("embed-service", healthyFn),
	)
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.Shutdown(context.Background()))

	for _, snap := range s.Snapshot() {
		assert.Equal(t, StateStopped, snap.State)
	}
}
