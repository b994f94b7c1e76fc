package config

// AdvisorsConfig configures the advisor catalog.
type AdvisorsConfig struct {
	// Dir holds one YAML definition file per advisor.
	Dir string `yaml:"dir"`
	// Watch enables hot-reload of definition files. Changes never affect
	// in-flight jobs.
	Watch bool `yaml:"watch"`
}
