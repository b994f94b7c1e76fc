// Package config loads Mondrian configuration from YAML with environment
// overrides. Defaults are complete: a missing config file yields a working
// local setup.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config holds all Mondrian configuration.
type Config struct {
	// Core settings
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// HTTP front end
	Server ServerConfig `yaml:"server"`

	// Job engine
	Engine EngineConfig `yaml:"engine"`

	// Model callable
	Model ModelConfig `yaml:"model"`

	// Retrieval and embeddings
	Retrieval RetrievalConfig `yaml:"retrieval"`

	// Persistence
	Store StoreConfig `yaml:"store"`

	// Child process management and job reaping
	Supervisor SupervisorConfig `yaml:"supervisor"`

	// Advisor catalog
	Advisors AdvisorsConfig `yaml:"advisors"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "mondrian",
		Version: "1.2.0",

		Server: ServerConfig{
			Host:        "127.0.0.1",
			Port:        5000,
			UploadDir:   "data/uploads",
			MaxUploadMB: 32,
		},

		Engine: EngineConfig{
			Workers:           1,
			QueueDepth:        64,
			HeartbeatInterval: "15s",
			DrainTimeout:      "30s",
			SubscriberBuffer:  64,
		},

		Model: ModelConfig{
			Provider:    "http",
			BaseURL:     "http://127.0.0.1:5100",
			Handle:      "qwen2-vl-7b",
			CallTimeout: "180s",
			MaxRetries:  2,
			AdapterDir:  "data/adapters",
		},

		Retrieval: RetrievalConfig{
			KSigma:             1.0,
			SigmaFloor:         0.1,
			MaxRepresentatives: 3,
			VisualTopK:         3,
			Embedding: EmbeddingConfig{
				Provider:   "ollama",
				BaseURL:    "http://127.0.0.1:11434",
				Model:      "nomic-embed-text",
				Dimensions: 384,
				Timeout:    "30s",
			},
		},

		Store: StoreConfig{
			Path:        "data/mondrian.db",
			BusyTimeout: "5s",
		},

		Supervisor: SupervisorConfig{
			PollInterval:     "30s",
			FailureThreshold: 3,
			MaxRestarts:      5,
			RestartWindow:    "10m",
			BackoffBase:      "1s",
			BackoffCap:       "60s",
			StartTimeout:     "60s",
			JobTimeout:       "900s",
			CleanupInterval:  "60s",
			Children: []ChildConfig{
				{
					Name:      "model-server",
					Command:   "python3",
					Args:      []string{"services/model_server.py"},
					Port:      5100,
					HealthURL: "http://127.0.0.1:5100/health",
				},
				{
					Name:      "embed-service",
					Command:   "python3",
					Args:      []string{"services/embed_service.py"},
					Port:      5101,
					HealthURL: "http://127.0.0.1:5101/health",
					DependsOn: []string{"model-server"},
				},
			},
		},

		Advisors: AdvisorsConfig{
			Dir:   "advisors",
			Watch: true,
		},

		Logging: LoggingConfig{
			Enabled: true,
			Level:   "info",
			Format:  "text",
			Dir:     "data/logs",
		},
	}
}

// Load loads configuration from a YAML file. A missing file returns defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// applyEnvOverrides applies MONDRIAN_* environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if host := os.Getenv("MONDRIAN_HOST"); host != "" {
		c.Server.Host = host
	}
	if port := os.Getenv("MONDRIAN_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			c.Server.Port = p
		}
	}
	if dir := os.Getenv("MONDRIAN_UPLOAD_DIR"); dir != "" {
		c.Server.UploadDir = dir
	}
	if path := os.Getenv("MONDRIAN_DB"); path != "" {
		c.Store.Path = path
	}
	if workers := os.Getenv("MONDRIAN_WORKERS"); workers != "" {
		if w, err := strconv.Atoi(workers); err == nil {
			c.Engine.Workers = w
		}
	}
	if url := os.Getenv("MONDRIAN_MODEL_URL"); url != "" {
		c.Model.BaseURL = url
	}
	if provider := os.Getenv("MONDRIAN_MODEL_PROVIDER"); provider != "" {
		c.Model.Provider = provider
	}
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		c.Model.APIKey = key
		c.Retrieval.Embedding.APIKey = key
	}
	if url := os.Getenv("MONDRIAN_EMBED_URL"); url != "" {
		c.Retrieval.Embedding.BaseURL = url
	}
	if provider := os.Getenv("MONDRIAN_EMBED_PROVIDER"); provider != "" {
		c.Retrieval.Embedding.Provider = provider
	}
	if dir := os.Getenv("MONDRIAN_ADVISORS_DIR"); dir != "" {
		c.Advisors.Dir = dir
	}
	if timeout := os.Getenv("MONDRIAN_JOB_TIMEOUT"); timeout != "" {
		c.Supervisor.JobTimeout = timeout
	}
	if level := os.Getenv("MONDRIAN_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if dir := os.Getenv("MONDRIAN_LOG_DIR"); dir != "" {
		c.Logging.Dir = dir
	}
}

// Validate rejects configurations the services cannot run with.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Engine.Workers < 1 {
		return fmt.Errorf("engine.workers must be >= 1, got %d", c.Engine.Workers)
	}
	if c.Store.Path == "" {
		return fmt.Errorf("store.path is required")
	}
	if c.Retrieval.SigmaFloor <= 0 {
		return fmt.Errorf("retrieval.sigma_floor must be > 0, got %v", c.Retrieval.SigmaFloor)
	}
	if c.Retrieval.KSigma < 0 {
		return fmt.Errorf("retrieval.k_sigma must be >= 0, got %v", c.Retrieval.KSigma)
	}
	if c.Retrieval.MaxRepresentatives < 1 {
		return fmt.Errorf("retrieval.max_representatives must be >= 1, got %d", c.Retrieval.MaxRepresentatives)
	}
	switch c.Model.Provider {
	case "http", "genai":
	default:
		return fmt.Errorf("model.provider must be http or genai, got %q", c.Model.Provider)
	}
	if c.Supervisor.GetJobTimeout() <= 0 {
		return fmt.Errorf("supervisor.job_timeout must be positive")
	}
	if err := c.Supervisor.validateChildren(); err != nil {
		return err
	}
	return nil
}
