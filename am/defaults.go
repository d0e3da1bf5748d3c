package am

import (
	"fmt"

	"github.com/spf13/viper"
)

// DefaultDatabasePath is used when database.path is not configured
const DefaultDatabasePath = "jobkeeper.db"

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	v.SetDefault("database.path", DefaultDatabasePath)

	v.SetDefault("scheduler.isolation_workers", 4)
	v.SetDefault("scheduler.isolation_retry_attempts", 3)
	v.SetDefault("scheduler.isolation_retry_delay_ms", 50)
	v.SetDefault("scheduler.isolation_timeout_seconds", 30)
	v.SetDefault("scheduler.cron_seconds", true)
	v.SetDefault("scheduler.sync_interval_seconds", 5)
	v.SetDefault("scheduler.stop_timeout_seconds", 30)
	v.SetDefault("scheduler.timezone", "")

	v.SetDefault("log.json", false)
	v.SetDefault("log.level", "info")

	v.SetDefault("incident.path", "")
	v.SetDefault("incident.max_size_mb", 10)
	v.SetDefault("incident.max_backups", 5)
	v.SetDefault("incident.max_age_days", 30)
	v.SetDefault("incident.compress", true)
	v.SetDefault("incident.per_second", 1.0)
	v.SetDefault("incident.burst", 10)

	v.SetDefault("webhook.timeout_seconds", 10)
	v.SetDefault("webhook.max_redirects", 5)
	v.SetDefault("webhook.allow_private", false)
}

// BindSensitiveEnvVars binds settings commonly injected by the environment
func BindSensitiveEnvVars(v *viper.Viper) {
	v.BindEnv("database.path", "JOBKEEPER_DATABASE_PATH")
	v.BindEnv("log.level", "JOBKEEPER_LOG_LEVEL")
	v.BindEnv("incident.path", "JOBKEEPER_INCIDENT_PATH")
}

// Default returns the configuration with only defaults applied
func Default() *Config {
	v := viper.New()
	SetDefaults(v)
	cfg, err := LoadWithViper(v)
	if err != nil {
		// Defaults always unmarshal
		panic(err)
	}
	return cfg
}

// GetDatabasePath returns the configured database path
func (c *Config) GetDatabasePath() string {
	if c.Database.Path == "" {
		return DefaultDatabasePath
	}
	return c.Database.Path
}

// String returns a string representation of the config
func (c *Config) String() string {
	return fmt.Sprintf("Config{Database: %s, Scheduler: {IsolationWorkers: %d, CronSeconds: %t}, Log: {Level: %s}}",
		c.Database.Path, c.Scheduler.IsolationWorkers, c.Scheduler.CronSeconds, c.Log.Level)
}
