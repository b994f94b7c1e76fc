package config

// LoggingConfig configures the category file logger.
type LoggingConfig struct {
	Enabled bool   `yaml:"enabled"`
	Level   string `yaml:"level"`  // debug, info, warn, error
	Format  string `yaml:"format"` // json, text
	Dir     string `yaml:"dir"`
	// Categories selectively enables log categories; empty enables all.
	Categories map[string]bool `yaml:"categories"`
}
