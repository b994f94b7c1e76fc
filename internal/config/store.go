package config

import "time"

// StoreConfig configures SQLite persistence.
type StoreConfig struct {
	Path        string `yaml:"path"`
	BusyTimeout string `yaml:"busy_timeout"`
}

// GetBusyTimeout returns the sqlite busy timeout as a duration.
func (s StoreConfig) GetBusyTimeout() time.Duration {
	d, err := time.ParseDuration(s.BusyTimeout)
	if err != nil || d <= 0 {
		return 5 * time.Second
	}
	return d
}
