package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfigValidates(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
	if cfg.Engine.Workers != 1 {
		t.Errorf("default workers = %d, want 1", cfg.Engine.Workers)
	}
	if cfg.Retrieval.KSigma != 1.0 {
		t.Errorf("default k_sigma = %v, want 1.0", cfg.Retrieval.KSigma)
	}
	if cfg.Retrieval.MaxRepresentatives != 3 {
		t.Errorf("default max_representatives = %d, want 3", cfg.Retrieval.MaxRepresentatives)
	}
	if got := cfg.Supervisor.GetJobTimeout(); got != 900*time.Second {
		t.Errorf("default job timeout = %v, want 900s", got)
	}
	if got := cfg.Supervisor.GetCleanupInterval(); got != time.Minute {
		t.Errorf("default cleanup interval = %v, want 1m", got)
	}
	if got := cfg.Engine.GetHeartbeatInterval(); got != 15*time.Second {
		t.Errorf("default heartbeat = %v, want 15s", got)
	}
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load of missing file should not error: %v", err)
	}
	if cfg.Server.Port != 5000 {
		t.Errorf("port = %d, want default 5000", cfg.Server.Port)
	}
}

func TestLoadOverlaysFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mondrian.yaml")
	body := `
server:
  port: 8800
engine:
  workers: 2
retrieval:
  k_sigma: 1.5
  max_representatives: 5
supervisor:
  job_timeout: 120s
  children:
    - name: model-server
      command: ./model
      port: 6000
      health_url: http://127.0.0.1:6000/health
`
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 8800 {
		t.Errorf("port = %d, want 8800", cfg.Server.Port)
	}
	if cfg.Engine.Workers != 2 {
		t.Errorf("workers = %d, want 2", cfg.Engine.Workers)
	}
	if cfg.Retrieval.KSigma != 1.5 {
		t.Errorf("k_sigma = %v, want 1.5", cfg.Retrieval.KSigma)
	}
	if got := cfg.Supervisor.GetJobTimeout(); got != 2*time.Minute {
		t.Errorf("job timeout = %v, want 2m", got)
	}
	if len(cfg.Supervisor.Children) != 1 || cfg.Supervisor.Children[0].Name != "model-server" {
		t.Errorf("children not overlaid: %+v", cfg.Supervisor.Children)
	}
	// Untouched sections keep defaults.
	if cfg.Store.Path != "data/mondrian.db" {
		t.Errorf("store path = %q, want default", cfg.Store.Path)
	}
}

func TestValidateRejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero workers", func(c *Config) { c.Engine.Workers = 0 }},
		{"bad port", func(c *Config) { c.Server.Port = 70000 }},
		{"empty store path", func(c *Config) { c.Store.Path = "" }},
		{"zero sigma floor", func(c *Config) { c.Retrieval.SigmaFloor = 0 }},
		{"negative k", func(c *Config) { c.Retrieval.KSigma = -1 }},
		{"zero representatives", func(c *Config) { c.Retrieval.MaxRepresentatives = 0 }},
		{"unknown model provider", func(c *Config) { c.Model.Provider = "mlx" }},
		{"duplicate child", func(c *Config) {
			c.Supervisor.Children = append(c.Supervisor.Children, c.Supervisor.Children[0])
		}},
		{"dangling dependency", func(c *Config) {
			c.Supervisor.Children[0].DependsOn = []string{"nope"}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Errorf("expected validation error for %s", tt.name)
			}
		})
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "mondrian.yaml")
	cfg := DefaultConfig()
	cfg.Server.Port = 9123
	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Server.Port != 9123 {
		t.Errorf("round-trip port = %d, want 9123", loaded.Server.Port)
	}
}

func TestDurationFallbacks(t *testing.T) {
	var m ModelConfig
	if got := m.GetCallTimeout(); got != 180*time.Second {
		t.Errorf("empty call timeout = %v, want 180s fallback", got)
	}
	m.CallTimeout = "garbage"
	if got := m.GetCallTimeout(); got != 180*time.Second {
		t.Errorf("bad call timeout = %v, want 180s fallback", got)
	}
	var s SupervisorConfig
	if got := s.GetBackoffBase(); got != time.Second {
		t.Errorf("backoff base fallback = %v, want 1s", got)
	}
}
