package config

import "time"

// AuthConfig configures the sign-in poll loop.
type AuthConfig struct {
	PollInterval string `yaml:"poll_interval"`
	MaxAttempts  int    `yaml:"max_attempts"`
}

// GetPollInterval returns the probe interval.
func (a AuthConfig) GetPollInterval() time.Duration {
	return parseDuration(a.PollInterval, 2*time.Second)
}

// KeepAliveConfig configures the synthetic activity loop.
type KeepAliveConfig struct {
	Interval     string `yaml:"interval"`
	InhibitSleep bool   `yaml:"inhibit_sleep"`
}

// GetInterval returns the keep-alive tick interval.
func (k KeepAliveConfig) GetInterval() time.Duration {
	d := parseDuration(k.Interval, 120*time.Second)
	if d == 0 {
		return 120 * time.Second
	}
	return d
}

// MonitorConfig configures notification capture.
type MonitorConfig struct {
	// AutoStart begins capture as soon as sign-in completes.
	AutoStart bool `yaml:"auto_start"`

	// WorkerTypes is the auto-attach target type filter.
	WorkerTypes []string `yaml:"worker_types"`

	// WorkerURLPattern selects pre-existing workers to attach to.
	WorkerURLPattern string `yaml:"worker_url_pattern"`

	// CallTimeout bounds each individual DevTools call.
	CallTimeout string `yaml:"call_timeout"`
}

// GetCallTimeout returns the per-call DevTools timeout.
func (m MonitorConfig) GetCallTimeout() time.Duration {
	d := parseDuration(m.CallTimeout, 10*time.Second)
	if d == 0 {
		return 10 * time.Second
	}
	return d
}
