package config

import "time"

// RetrievalConfig configures dimensional-distribution RAG and the visual
// similarity path.
type RetrievalConfig struct {
	// KSigma is the underperformance threshold multiplier: a dimension
	// underperforms iff user < mean - k*sigma.
	KSigma float64 `yaml:"k_sigma"`
	// SigmaFloor prevents zero divides when all reference scores agree.
	SigmaFloor float64 `yaml:"sigma_floor"`
	// MaxRepresentatives caps how many reference examples enter the prompt.
	MaxRepresentatives int `yaml:"max_representatives"`
	// VisualTopK is the candidate count for visual similarity.
	VisualTopK int `yaml:"visual_top_k"`

	Embedding EmbeddingConfig `yaml:"embedding"`
}

// EmbeddingConfig configures the embedding engine feeding visual similarity.
type EmbeddingConfig struct {
	// Provider selects the engine: ollama or genai. Empty disables the
	// visual path entirely.
	Provider   string `yaml:"provider"`
	BaseURL    string `yaml:"base_url"`
	APIKey     string `yaml:"api_key"`
	Model      string `yaml:"model"`
	Dimensions int    `yaml:"dimensions"`
	Timeout    string `yaml:"timeout"`
}

// GetTimeout returns the per-request embedding budget.
func (e EmbeddingConfig) GetTimeout() time.Duration {
	d, err := time.ParseDuration(e.Timeout)
	if err != nil || d <= 0 {
		return 30 * time.Second
	}
	return d
}
