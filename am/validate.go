package am

import (
	"strings"

	"github.com/teranos/jobkeeper/errors"
)

var validLogLevels = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	// Isolation worker: at least one slot, or failures could never be recorded
	if c.Scheduler.IsolationWorkers <= 0 {
		return errors.Newf("scheduler.isolation_workers must be > 0, got %d", c.Scheduler.IsolationWorkers)
	}
	if c.Scheduler.IsolationRetryAttempts <= 0 {
		return errors.Newf("scheduler.isolation_retry_attempts must be > 0, got %d", c.Scheduler.IsolationRetryAttempts)
	}
	if c.Scheduler.IsolationRetryDelayMS < 0 {
		return errors.Newf("scheduler.isolation_retry_delay_ms must be >= 0, got %d", c.Scheduler.IsolationRetryDelayMS)
	}
	if c.Scheduler.IsolationTimeoutSeconds <= 0 {
		return errors.Newf("scheduler.isolation_timeout_seconds must be > 0, got %d", c.Scheduler.IsolationTimeoutSeconds)
	}

	// Sync interval: 0 = restore on start only, negative = invalid
	if c.Scheduler.SyncIntervalSeconds < 0 {
		return errors.Newf("scheduler.sync_interval_seconds must be >= 0, got %d", c.Scheduler.SyncIntervalSeconds)
	}
	if c.Scheduler.StopTimeoutSeconds < 0 {
		return errors.Newf("scheduler.stop_timeout_seconds must be >= 0, got %d", c.Scheduler.StopTimeoutSeconds)
	}
	if _, err := c.Scheduler.Location(); err != nil {
		return errors.Wrapf(err, "scheduler.timezone %q", c.Scheduler.Timezone)
	}

	if level := strings.ToLower(strings.TrimSpace(c.Log.Level)); level != "" && !validLogLevels[level] {
		return errors.WithHint(
			errors.Newf("log.level %q is not a log level", c.Log.Level),
			"use one of debug, info, warn, error")
	}

	// Incident log: sizes only matter when a path is set
	if c.Incident.Path != "" {
		if c.Incident.MaxSizeMB <= 0 {
			return errors.Newf("incident.max_size_mb must be > 0, got %d", c.Incident.MaxSizeMB)
		}
		if c.Incident.MaxBackups < 0 {
			return errors.Newf("incident.max_backups must be >= 0, got %d", c.Incident.MaxBackups)
		}
		if c.Incident.MaxAgeDays < 0 {
			return errors.Newf("incident.max_age_days must be >= 0, got %d", c.Incident.MaxAgeDays)
		}
	}
	// Rate limit: 0 = unlimited, negative = invalid
	if c.Incident.PerSecond < 0 {
		return errors.Newf("incident.per_second must be >= 0, got %f", c.Incident.PerSecond)
	}

	if c.Webhook.TimeoutSeconds <= 0 {
		return errors.Newf("webhook.timeout_seconds must be > 0, got %d", c.Webhook.TimeoutSeconds)
	}
	if c.Webhook.MaxRedirects < 0 {
		return errors.Newf("webhook.max_redirects must be >= 0, got %d", c.Webhook.MaxRedirects)
	}

	return nil
}
