package config

import (
	"fmt"
	"time"
)

// SupervisorConfig configures child process management and the job reaper.
type SupervisorConfig struct {
	PollInterval     string `yaml:"poll_interval"`
	FailureThreshold int    `yaml:"failure_threshold"`
	MaxRestarts      int    `yaml:"max_restarts"`
	RestartWindow    string `yaml:"restart_window"`
	BackoffBase      string `yaml:"backoff_base"`
	BackoffCap       string `yaml:"backoff_cap"`
	StartTimeout     string `yaml:"start_timeout"`

	// JobTimeout is the wall-clock budget after which the reaper marks a
	// silent job as errored.
	JobTimeout      string `yaml:"job_timeout"`
	CleanupInterval string `yaml:"cleanup_interval"`

	Children []ChildConfig `yaml:"children"`
}

// ChildConfig describes one managed child process.
type ChildConfig struct {
	Name      string   `yaml:"name"`
	Command   string   `yaml:"command"`
	Args      []string `yaml:"args"`
	Port      int      `yaml:"port"`
	HealthURL string   `yaml:"health_url"`
	DependsOn []string `yaml:"depends_on"`
}

func duration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// GetPollInterval returns the health poll period.
func (s SupervisorConfig) GetPollInterval() time.Duration {
	return duration(s.PollInterval, 30*time.Second)
}

// GetRestartWindow returns the rolling window for restart counting.
func (s SupervisorConfig) GetRestartWindow() time.Duration {
	return duration(s.RestartWindow, 10*time.Minute)
}

// GetBackoffBase returns the initial restart backoff.
func (s SupervisorConfig) GetBackoffBase() time.Duration {
	return duration(s.BackoffBase, time.Second)
}

// GetBackoffCap returns the restart backoff ceiling.
func (s SupervisorConfig) GetBackoffCap() time.Duration {
	return duration(s.BackoffCap, time.Minute)
}

// GetStartTimeout returns how long a child may take to become healthy.
func (s SupervisorConfig) GetStartTimeout() time.Duration {
	return duration(s.StartTimeout, time.Minute)
}

// GetJobTimeout returns the job wall-clock budget.
func (s SupervisorConfig) GetJobTimeout() time.Duration {
	return duration(s.JobTimeout, 900*time.Second)
}

// GetCleanupInterval returns the reaper sweep period.
func (s SupervisorConfig) GetCleanupInterval() time.Duration {
	return duration(s.CleanupInterval, time.Minute)
}

// validateChildren rejects duplicate names and dangling dependencies. Cycle
// detection happens in the supervisor when it builds the start order.
func (s SupervisorConfig) validateChildren() error {
	seen := make(map[string]bool, len(s.Children))
	for _, c := range s.Children {
		if c.Name == "" {
			return fmt.Errorf("supervisor child with empty name")
		}
		if seen[c.Name] {
			return fmt.Errorf("duplicate supervisor child %q", c.Name)
		}
		seen[c.Name] = true
	}
	for _, c := range s.Children {
		for _, dep := range c.DependsOn {
			if !seen[dep] {
				return fmt.Errorf("child %q depends on unknown child %q", c.Name, dep)
			}
		}
	}
	return nil
}
