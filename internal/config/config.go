package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// ServerConfig declares one upstream inference server.
type ServerConfig struct {
	URL                   string `json:"url" yaml:"url" toml:"url"`
	MaxConcurrentRequests int    `json:"max_concurrent_requests" yaml:"max_concurrent_requests" toml:"max_concurrent_requests"`
}

// AppConfig holds the tuning knobs from the [config] table. Interval and
// timeout fields are in seconds as written in the file; use the duration
// helpers when scheduling.
type AppConfig struct {
	HealthCheckInterval            int     `json:"health_check_interval" yaml:"health_check_interval" toml:"health_check_interval"`
	HealthCheckTimeout             int     `json:"health_check_timeout" yaml:"health_check_timeout" toml:"health_check_timeout"`
	HealthCheckMinSuccessRate      float64 `json:"health_check_min_success_rate" yaml:"health_check_min_success_rate" toml:"health_check_min_success_rate"`
	HealthCheckMaxResponseTime     float64 `json:"health_check_max_response_time" yaml:"health_check_max_response_time" toml:"health_check_max_response_time"`
	HealthCheckConsecutiveFailures int     `json:"health_check_consecutive_failures" yaml:"health_check_consecutive_failures" toml:"health_check_consecutive_failures"`
	HealthCheckWindowSize          int     `json:"health_check_window_size" yaml:"health_check_window_size" toml:"health_check_window_size"`
	ConfigReloadInterval           int     `json:"config_reload_interval" yaml:"config_reload_interval" toml:"config_reload_interval"`
	EnableActiveHealthCheck        bool    `json:"enable_active_health_check" yaml:"enable_active_health_check" toml:"enable_active_health_check"`
	RequestTimeout                 int     `json:"request_timeout" yaml:"request_timeout" toml:"request_timeout"`
	MaxRetries                     int     `json:"max_retries" yaml:"max_retries" toml:"max_retries"`
	RetryDelay                     float64 `json:"retry_delay" yaml:"retry_delay" toml:"retry_delay"`
	FailureThreshold               int     `json:"failure_threshold" yaml:"failure_threshold" toml:"failure_threshold"`
	AutoRecoveryThreshold          int     `json:"auto_recovery_threshold" yaml:"auto_recovery_threshold" toml:"auto_recovery_threshold"`
}

// DefaultAppConfig returns the knob defaults. Load unmarshals the file over
// this value, so absent keys keep their default (including bools that
// default to true).
func DefaultAppConfig() AppConfig {
	return AppConfig{
		HealthCheckInterval:            10,
		HealthCheckTimeout:             5,
		HealthCheckMinSuccessRate:      0.8,
		HealthCheckMaxResponseTime:     3.0,
		HealthCheckConsecutiveFailures: 3,
		HealthCheckWindowSize:          10,
		ConfigReloadInterval:           30,
		EnableActiveHealthCheck:        true,
		RequestTimeout:                 120,
		MaxRetries:                     3,
		RetryDelay:                     0.1,
		FailureThreshold:               3,
		AutoRecoveryThreshold:          60,
	}
}

func (a AppConfig) HealthCheckIntervalDuration() time.Duration {
	return secondsDuration(a.HealthCheckInterval)
}

func (a AppConfig) HealthCheckTimeoutDuration() time.Duration {
	return secondsDuration(a.HealthCheckTimeout)
}

func (a AppConfig) ConfigReloadIntervalDuration() time.Duration {
	return secondsDuration(a.ConfigReloadInterval)
}

func (a AppConfig) RequestTimeoutDuration() time.Duration {
	return secondsDuration(a.RequestTimeout)
}

func (a AppConfig) RetryDelayDuration() time.Duration {
	return time.Duration(a.RetryDelay * float64(time.Second))
}

func (a AppConfig) AutoRecoveryThresholdDuration() time.Duration {
	return secondsDuration(a.AutoRecoveryThreshold)
}

// secondsDuration floors intervals at one second so a zero or negative knob
// cannot produce a busy loop.
func secondsDuration(s int) time.Duration {
	if s < 1 {
		s = 1
	}
	return time.Duration(s) * time.Second
}

// Config is the parsed configuration file: the ordered upstream list plus
// the tuning knobs.
type Config struct {
	Servers []ServerConfig
	App     AppConfig
}

// Validate checks the declared upstreams: absolute http/https URLs, positive
// capacity, no duplicate URLs.
func (c *Config) Validate() error {
	seen := make(map[string]struct{}, len(c.Servers))
	for i, s := range c.Servers {
		if s.URL == "" {
			return fmt.Errorf("servers[%d]: url is required", i)
		}
		u, err := url.Parse(s.URL)
		if err != nil {
			return fmt.Errorf("servers[%d]: invalid url %q: %w", i, s.URL, err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("servers[%d]: url %q must start with http:// or https://", i, s.URL)
		}
		if u.Host == "" {
			return fmt.Errorf("servers[%d]: url %q has no host", i, s.URL)
		}
		if s.MaxConcurrentRequests <= 0 {
			return fmt.Errorf("servers[%d]: max_concurrent_requests must be > 0, got %d", i, s.MaxConcurrentRequests)
		}
		key := strings.TrimRight(s.URL, "/")
		if _, dup := seen[key]; dup {
			return fmt.Errorf("servers[%d]: duplicate url %q", i, s.URL)
		}
		seen[key] = struct{}{}
	}
	if r := c.App.HealthCheckMinSuccessRate; r < 0 || r > 1 {
		return fmt.Errorf("health_check_min_success_rate must be within [0,1], got %v", r)
	}
	if c.App.MaxRetries < 0 {
		return fmt.Errorf("max_retries must be >= 0, got %d", c.App.MaxRetries)
	}
	return nil
}
