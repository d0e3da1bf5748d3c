// Package am loads the jobkeeper configuration.
package am

import "time"

// Config represents the jobkeeper configuration
type Config struct {
	Database  DatabaseConfig  `mapstructure:"database" toml:"database"`
	Scheduler SchedulerConfig `mapstructure:"scheduler" toml:"scheduler"`
	Log       LogConfig       `mapstructure:"log" toml:"log"`
	Incident  IncidentConfig  `mapstructure:"incident" toml:"incident"`
	Webhook   WebhookConfig   `mapstructure:"webhook" toml:"webhook"`
}

// DatabaseConfig configures the SQLite database
type DatabaseConfig struct {
	Path string `mapstructure:"path" toml:"path"`
}

// SchedulerConfig configures the executor and the failure-isolation worker
type SchedulerConfig struct {
	IsolationWorkers        int    `mapstructure:"isolation_workers" toml:"isolation_workers"`                 // Concurrent failure-log writes (default: 4)
	IsolationRetryAttempts  int    `mapstructure:"isolation_retry_attempts" toml:"isolation_retry_attempts"`   // Attempts per failure-log write (default: 3)
	IsolationRetryDelayMS   int    `mapstructure:"isolation_retry_delay_ms" toml:"isolation_retry_delay_ms"`   // Base backoff between attempts (default: 50)
	IsolationTimeoutSeconds int    `mapstructure:"isolation_timeout_seconds" toml:"isolation_timeout_seconds"` // Bound on one failure-log write (default: 30)
	CronSeconds             bool   `mapstructure:"cron_seconds" toml:"cron_seconds"`                           // Accept a leading seconds field in cron specs
	SyncIntervalSeconds     int    `mapstructure:"sync_interval_seconds" toml:"sync_interval_seconds"`         // Trigger reload from the database (0 = only on start)
	StopTimeoutSeconds      int    `mapstructure:"stop_timeout_seconds" toml:"stop_timeout_seconds"`           // Grace period for running firings on shutdown (default: 30)
	Timezone                string `mapstructure:"timezone" toml:"timezone"`                                   // IANA zone for cron specs (empty = local)
}

// IsolationRetryDelay returns the retry delay as a duration
func (s SchedulerConfig) IsolationRetryDelay() time.Duration {
	return time.Duration(s.IsolationRetryDelayMS) * time.Millisecond
}

// IsolationTimeout returns the per-write timeout as a duration
func (s SchedulerConfig) IsolationTimeout() time.Duration {
	return time.Duration(s.IsolationTimeoutSeconds) * time.Second
}

// SyncInterval returns the trigger sync interval as a duration
func (s SchedulerConfig) SyncInterval() time.Duration {
	return time.Duration(s.SyncIntervalSeconds) * time.Second
}

// StopTimeout returns the shutdown grace period as a duration
func (s SchedulerConfig) StopTimeout() time.Duration {
	return time.Duration(s.StopTimeoutSeconds) * time.Second
}

// Location resolves Timezone; an empty zone is time.Local
func (s SchedulerConfig) Location() (*time.Location, error) {
	if s.Timezone == "" {
		return time.Local, nil
	}
	return time.LoadLocation(s.Timezone)
}

// LogConfig configures the global logger
type LogConfig struct {
	JSON  bool   `mapstructure:"json" toml:"json"`   // JSON lines instead of console output
	Level string `mapstructure:"level" toml:"level"` // debug, info, warn, error (default: info)
}

// IncidentConfig configures the incident log for unrecorded job failures
type IncidentConfig struct {
	Path       string  `mapstructure:"path" toml:"path"`               // Incident log file (empty = log only)
	MaxSizeMB  int     `mapstructure:"max_size_mb" toml:"max_size_mb"` // Rotate after this size (default: 10)
	MaxBackups int     `mapstructure:"max_backups" toml:"max_backups"` // Rotated files kept (default: 5)
	MaxAgeDays int     `mapstructure:"max_age_days" toml:"max_age_days"`
	Compress   bool    `mapstructure:"compress" toml:"compress"`
	PerSecond  float64 `mapstructure:"per_second" toml:"per_second"` // Incidents per tenant per second (0 = unlimited)
	Burst      int     `mapstructure:"burst" toml:"burst"`
}

// WebhookConfig configures the outbound client of webhook jobs
type WebhookConfig struct {
	TimeoutSeconds int  `mapstructure:"timeout_seconds" toml:"timeout_seconds"` // Whole request (default: 10)
	MaxRedirects   int  `mapstructure:"max_redirects" toml:"max_redirects"`     // (default: 5)
	AllowPrivate   bool `mapstructure:"allow_private" toml:"allow_private"`     // Allow loopback and private networks
}

// Timeout returns the request timeout as a duration
func (w WebhookConfig) Timeout() time.Duration {
	return time.Duration(w.TimeoutSeconds) * time.Second
}

// File system constants
const (
	DefaultDirPermissions  = 0755 // Standard directory permissions (rwxr-xr-x)
	DefaultFilePermissions = 0644 // Standard file permissions (rw-r--r--)
)
