package config

import "time"

// EngineConfig configures the job engine and SSE bus.
type EngineConfig struct {
	// Workers is the worker pool size. Jobs are processed serially by
	// default because the model callable is a singleton resource.
	Workers int `yaml:"workers"`
	// QueueDepth bounds the intake queue.
	QueueDepth int `yaml:"queue_depth"`
	// HeartbeatInterval is the SSE heartbeat period.
	HeartbeatInterval string `yaml:"heartbeat_interval"`
	// DrainTimeout bounds how long shutdown waits for in-flight jobs.
	DrainTimeout string `yaml:"drain_timeout"`
	// SubscriberBuffer is the per-subscription event buffer; when full the
	// oldest event is dropped.
	SubscriberBuffer int `yaml:"subscriber_buffer"`
}

// GetHeartbeatInterval returns the heartbeat period as a duration.
func (e EngineConfig) GetHeartbeatInterval() time.Duration {
	d, err := time.ParseDuration(e.HeartbeatInterval)
	if err != nil || d <= 0 {
		return 15 * time.Second
	}
	return d
}

// GetDrainTimeout returns the shutdown drain window as a duration.
func (e EngineConfig) GetDrainTimeout() time.Duration {
	d, err := time.ParseDuration(e.DrainTimeout)
	if err != nil || d <= 0 {
		return 30 * time.Second
	}
	return d
}
