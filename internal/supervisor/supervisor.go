// Package supervisor manages the model-server and embedding child processes
// and reaps jobs that exceed their wall-clock budget. Children start in
// dependency order, are health-polled, and restart with bounded exponential
// backoff; a child that exhausts its restart budget is halted until an
// explicit Reset.
package supervisor

import (
	"context"
	"fmt"
	"math/rand"
	"net/http"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Shaydu/mondrian/internal/config"
	"github.com/Shaydu/mondrian/internal/logging"
	"github.com/Shaydu/mondrian/internal/metrics"
)

// ChildState is the lifecycle state of a managed child.
type ChildState string

const (
	StateStarting   ChildState = "starting"
	StateRunning    ChildState = "running"
	StateUnhealthy  ChildState = "unhealthy"
	StateRestarting ChildState = "restarting"
	StateHalted     ChildState = "halted"
	StateStopped    ChildState = "stopped"
)

// HealthFunc probes one child. nil error means healthy.
type HealthFunc func(ctx context.Context) error

// launchFunc starts a child process. Swappable in tests.
type launchFunc func(cfg config.ChildConfig) (*exec.Cmd, error)

type child struct {
	cfg    config.ChildConfig
	health HealthFunc

	mu           sync.Mutex
	cmd          *exec.Cmd
	state        ChildState
	restarts     int
	restartTimes []time.Time
	failures     int
	lastErr      string
	lastHealthy  time.Time
}

func (c *child) setState(s ChildState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Supervisor owns the children and the reaper.
type Supervisor struct {
	cfg     config.SupervisorConfig
	metrics *metrics.Metrics
	now     func() time.Time
	launch  launchFunc

	children map[string]*child
	order    []string

	reaper *Reaper

	stopOnce sync.Once
	stop     chan struct{}
	group    *errgroup.Group
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithClock overrides the supervisor clock. Tests only.
func WithClock(now func() time.Time) Option {
	return func(s *Supervisor) { s.now = now }
}

// WithHealth overrides the health probe for a named child. Used for the
// embedding child and for tests.
func WithHealth(name string, fn HealthFunc) Option {
	return func(s *Supervisor) {
		if c, ok := s.children[name]; ok {
			c.health = fn
		}
	}
}

// WithLauncher overrides process launching. Tests only.
func WithLauncher(fn launchFunc) Option {
	return func(s *Supervisor) { s.launch = fn }
}

// WithReaper attaches the stale-job reaper.
func WithReaper(r *Reaper) Option {
	return func(s *Supervisor) { s.reaper = r }
}

// New builds a supervisor over the configured children. Returns an error on
// a dependency cycle.
func New(cfg config.SupervisorConfig, m *metrics.Metrics, opts ...Option) (*Supervisor, error) {
	s := &Supervisor{
		cfg:      cfg,
		metrics:  m,
		now:      time.Now,
		launch:   defaultLaunch,
		children: make(map[string]*child),
		stop:     make(chan struct{}),
	}
	for _, cc := range cfg.Children {
		s.children[cc.Name] = &child{cfg: cc, state: StateStopped, health: httpHealth(cc.HealthURL)}
	}
	order, err := topoOrder(cfg.Children)
	if err != nil {
		return nil, err
	}
	s.order = order
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// topoOrder sorts children so every child follows its dependencies.
func topoOrder(children []config.ChildConfig) ([]string, error) {
	deps := make(map[string][]string, len(children))
	for _, c := range children {
		deps[c.Name] = c.DependsOn
	}

	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	state := make(map[string]int, len(deps))
	var order []string

	var visit func(name string) error
	visit = func(name string) error {
		switch state[name] {
		case done:
			return nil
		case visiting:
			return fmt.Errorf("supervisor child dependency cycle through %q", name)
		}
		state[name] = visiting
		for _, dep := range deps[name] {
			if err := visit(dep); err != nil {
				return err
			}
		}
		state[name] = done
		order = append(order, name)
		return nil
	}

	for _, c := range children {
		if err := visit(c.Name); err != nil {
			return nil, err
		}
	}
	return order, nil
}

func defaultLaunch(cfg config.ChildConfig) (*exec.Cmd, error) {
	cmd := exec.Command(cfg.Command, cfg.Args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return cmd, nil
}

// httpHealth probes a health URL; any 2xx is healthy.
func httpHealth(url string) HealthFunc {
	client := &http.Client{Timeout: 5 * time.Second}
	return func(ctx context.Context) error {
		if url == "" {
			return nil
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return fmt.Errorf("health check returned %d", resp.StatusCode)
		}
		return nil
	}
}

// Start launches every child in dependency order, waiting for each to
// report healthy before its dependents start, then begins monitoring and
// the reaper.
func (s *Supervisor) Start(ctx context.Context) error {
	for _, name := range s.order {
		if err := s.startChild(ctx, s.children[name]); err != nil {
			return err
		}
	}

	s.group, _ = errgroup.WithContext(ctx)
	for _, name := range s.order {
		c := s.children[name]
		s.group.Go(func() error {
			s.monitor(ctx, c)
			return nil
		})
	}
	if s.reaper != nil {
		s.group.Go(func() error {
			s.reaper.run(ctx, s.stop)
			return nil
		})
	}
	logging.Supervisor("Supervisor started: %d children in order %v", len(s.order), s.order)
	return nil
}

func (s *Supervisor) startChild(ctx context.Context, c *child) error {
	c.setState(StateStarting)
	cmd, err := s.launch(c.cfg)
	if err != nil {
		c.mu.Lock()
		c.state = StateHalted
		c.lastErr = err.Error()
		c.mu.Unlock()
		return fmt.Errorf("failed to start child %s: %w", c.cfg.Name, err)
	}
	c.mu.Lock()
	c.cmd = cmd
	c.mu.Unlock()

	deadline := s.now().Add(s.cfg.GetStartTimeout())
	for {
		if err := c.health(ctx); err == nil {
			c.mu.Lock()
			c.state = StateRunning
			c.failures = 0
			c.lastHealthy = s.now()
			c.mu.Unlock()
			logging.Supervisor("Child %s healthy (pid %d)", c.cfg.Name, pid(cmd))
			logging.Audit().ChildEvent(logging.AuditChildStarted, c.cfg.Name, true, "")
			return nil
		}
		if s.now().After(deadline) {
			s.terminate(c, 2*time.Second)
			c.setState(StateHalted)
			return fmt.Errorf("child %s did not become healthy within %s", c.cfg.Name, s.cfg.GetStartTimeout())
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
	}
}

// monitor polls one child's health and restarts it on sustained failure.
func (s *Supervisor) monitor(ctx context.Context, c *child) {
	ticker := time.NewTicker(s.cfg.GetPollInterval())
	defer ticker.Stop()

	threshold := s.cfg.FailureThreshold
	if threshold <= 0 {
		threshold = 3
	}

	for {
		select {
		case <-s.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		c.mu.Lock()
		state := c.state
		c.mu.Unlock()
		if state == StateHalted || state == StateStopped {
			continue
		}

		if err := c.health(ctx); err != nil {
			c.mu.Lock()
			c.failures++
			c.lastErr = err.Error()
			n := c.failures
			c.mu.Unlock()
			logging.SupervisorWarn("Child %s health check failed (%d/%d): %v", c.cfg.Name, n, threshold, err)
			if n >= threshold {
				c.setState(StateUnhealthy)
				s.restartChild(ctx, c)
			}
			continue
		}

		c.mu.Lock()
		c.failures = 0
		c.lastHealthy = s.now()
		if c.state == StateUnhealthy {
			c.state = StateRunning
		}
		c.mu.Unlock()
	}
}

// restartChild kills and relaunches a child with exponential backoff. Too
// many restarts inside the rolling window halts the child.
func (s *Supervisor) restartChild(ctx context.Context, c *child) {
	now := s.now()
	window := s.cfg.GetRestartWindow()
	maxRestarts := s.cfg.MaxRestarts
	if maxRestarts <= 0 {
		maxRestarts = 5
	}

	c.mu.Lock()
	kept := c.restartTimes[:0]
	for _, t := range c.restartTimes {
		if now.Sub(t) < window {
			kept = append(kept, t)
		}
	}
	c.restartTimes = kept
	if len(c.restartTimes) >= maxRestarts {
		c.state = StateHalted
		c.mu.Unlock()
		logging.SupervisorError("ALERT: child %s exhausted %d restarts in %s, halted until reset",
			c.cfg.Name, maxRestarts, window)
		logging.Audit().ChildEvent(logging.AuditChildHalted, c.cfg.Name, false, "restart budget exhausted")
		return
	}
	c.restartTimes = append(c.restartTimes, now)
	attempt := len(c.restartTimes)
	c.state = StateRestarting
	c.mu.Unlock()

	s.terminate(c, 2*time.Second)

	backoff := s.cfg.GetBackoffBase() << (attempt - 1)
	if ceil := s.cfg.GetBackoffCap(); backoff > ceil {
		backoff = ceil
	}
	// Jitter spreads simultaneous restarts apart.
	backoff += time.Duration(rand.Int63n(int64(backoff)/4 + 1))
	logging.Supervisor("Restarting child %s in %s (attempt %d/%d)", c.cfg.Name, backoff, attempt, maxRestarts)
	select {
	case <-time.After(backoff):
	case <-s.stop:
		return
	case <-ctx.Done():
		return
	}

	cmd, err := s.launch(c.cfg)
	if err != nil {
		c.mu.Lock()
		c.lastErr = err.Error()
		c.state = StateUnhealthy
		c.mu.Unlock()
		logging.SupervisorError("Relaunch of child %s failed: %v", c.cfg.Name, err)
		return
	}
	c.mu.Lock()
	c.cmd = cmd
	c.restarts++
	c.failures = 0
	c.state = StateRunning
	c.mu.Unlock()
	s.metrics.ChildRestarted(c.cfg.Name)
	logging.Audit().ChildEvent(logging.AuditChildRestarted, c.cfg.Name, true, "")
}

// Reset clears a halted child so monitoring may restart it.
func (s *Supervisor) Reset(ctx context.Context, name string) error {
	c, ok := s.children[name]
	if !ok {
		return fmt.Errorf("unknown child %q", name)
	}
	c.mu.Lock()
	if c.state != StateHalted {
		c.mu.Unlock()
		return fmt.Errorf("child %s is %s, not halted", name, c.state)
	}
	c.restartTimes = nil
	c.failures = 0
	c.state = StateStopped
	c.mu.Unlock()
	logging.Supervisor("Child %s reset", name)
	return s.startChild(ctx, c)
}

// terminate sends SIGTERM and escalates to SIGKILL after the grace period.
func (s *Supervisor) terminate(c *child, grace time.Duration) {
	c.mu.Lock()
	cmd := c.cmd
	c.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return
	}

	cmd.Process.Signal(syscall.SIGTERM)
	done := make(chan struct{})
	go func() {
		cmd.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(grace):
		cmd.Process.Kill()
		<-done
	}
}

// Shutdown stops monitoring and terminates children in reverse dependency
// order.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.stopOnce.Do(func() { close(s.stop) })
	if s.group != nil {
		s.group.Wait()
	}

	for i := len(s.order) - 1; i >= 0; i-- {
		c := s.children[s.order[i]]
		s.terminate(c, 5*time.Second)
		c.setState(StateStopped)
		logging.Supervisor("Child %s stopped", c.cfg.Name)
	}
	return nil
}

func pid(cmd *exec.Cmd) int {
	if cmd != nil && cmd.Process != nil {
		return cmd.Process.Pid
	}
	return 0
}

// ChildSnapshot is a read-only view of one child.
type ChildSnapshot struct {
	Name        string     `json:"name"`
	PID         int        `json:"pid,omitempty"`
	State       ChildState `json:"state"`
	Restarts    int        `json:"restarts"`
	Failures    int        `json:"consecutive_failures"`
	LastError   string     `json:"last_error,omitempty"`
	LastHealthy time.Time  `json:"last_healthy,omitempty"`
}

// Snapshot reports every child in start order.
func (s *Supervisor) Snapshot() []ChildSnapshot {
	out := make([]ChildSnapshot, 0, len(s.order))
	for _, name := range s.order {
		c := s.children[name]
		c.mu.Lock()
		out = append(out, ChildSnapshot{
			Name:        c.cfg.Name,
			PID:         pid(c.cmd),
			State:       c.state,
			Restarts:    c.restarts,
			Failures:    c.failures,
			LastError:   c.lastErr,
			LastHealthy: c.lastHealthy,
		})
		c.mu.Unlock()
	}
	return out
}
