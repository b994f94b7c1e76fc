package config

import "time"

// ModelConfig configures the model callable.
type ModelConfig struct {
	// Provider selects the runner: http (local model server child) or genai.
	Provider string `yaml:"provider"`
	BaseURL  string `yaml:"base_url"`
	APIKey   string `yaml:"api_key"`
	// Handle names the base model; adapters derive per-advisor handles.
	Handle      string `yaml:"handle"`
	CallTimeout string `yaml:"call_timeout"`
	MaxRetries  int    `yaml:"max_retries"`
	// AdapterDir is where fine-tuned adapter weights live.
	AdapterDir string `yaml:"adapter_dir"`
}

// GetCallTimeout returns the per-call budget as a duration.
func (m ModelConfig) GetCallTimeout() time.Duration {
	d, err := time.ParseDuration(m.CallTimeout)
	if err != nil || d <= 0 {
		return 180 * time.Second
	}
	return d
}
