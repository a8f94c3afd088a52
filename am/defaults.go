package am

import (
	"time"

	"github.com/spf13/viper"
)

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	// Database defaults
	v.SetDefault("database.path", "hubjobs.db")

	// Pulse (executor) defaults
	v.SetDefault("pulse.workers", 8)
	v.SetDefault("pulse.poll_interval_ms", 5000)
	v.SetDefault("pulse.async_poll_interval_ms", 10000)
	v.SetDefault("pulse.async_poll_error_limit", 10)
	v.SetDefault("pulse.max_submissions_per_minute", 30)
	v.SetDefault("pulse.cancellation_timeout_seconds", 600) // 10 minutes
	v.SetDefault("pulse.retention_hours", 14*24)            // two weeks
	v.SetDefault("pulse.memory_pressure_percent", 0.0)

	// Resource defaults
	v.SetDefault("resources.io_max_units", 100.0)
	v.SetDefault("resources.database_utilization", 0.6)
	v.SetDefault("resources.cache_seconds", 180)

	// Storage defaults
	v.SetDefault("storage.region", "eu-west-1")
	v.SetDefault("storage.client_ttl_seconds", 3600)

	// Compute backend defaults
	v.SetDefault("emr.mode", EmrModeLocal)
	v.SetDefault("emr.local_work_dir", "/tmp/hubjobs/emr")
}

// BindSensitiveEnvVars explicitly binds sensitive configuration to environment variables
func BindSensitiveEnvVars(v *viper.Viper) {
	v.BindEnv("database.path", "HUBJOBS_DATABASE_PATH")
	v.BindEnv("storage.bucket", "HUBJOBS_STORAGE_BUCKET")
	v.BindEnv("storage.endpoint", "HUBJOBS_STORAGE_ENDPOINT")
	v.BindEnv("emr.execution_role", "HUBJOBS_EMR_EXECUTION_ROLE")
}

// GetDatabasePath returns the configured database path
func (c *Config) GetDatabasePath() string {
	if c.Database.Path == "" {
		return "hubjobs.db" // Fallback default
	}
	return c.Database.Path
}

// PollInterval returns the executor tick interval
func (c *Config) PollInterval() time.Duration {
	return millis(c.Pulse.PollIntervalMS, 5000)
}

// AsyncPollInterval returns the pacing between Poll calls of one async step
func (c *Config) AsyncPollInterval() time.Duration {
	return millis(c.Pulse.AsyncPollIntervalMS, 10000)
}

// CancellationTimeout returns how long a CANCELLING job may wait for its steps
func (c *Config) CancellationTimeout() time.Duration {
	if c.Pulse.CancellationTimeoutSeconds <= 0 {
		return 10 * time.Minute
	}
	return time.Duration(c.Pulse.CancellationTimeoutSeconds) * time.Second
}

// Retention returns how long terminal jobs are kept before archiving
func (c *Config) Retention() time.Duration {
	if c.Pulse.RetentionHours <= 0 {
		return 14 * 24 * time.Hour
	}
	return time.Duration(c.Pulse.RetentionHours) * time.Hour
}

// ResourceCacheExpiry returns the expiry of the cached database resource list
func (c *Config) ResourceCacheExpiry() time.Duration {
	if c.Resources.CacheSeconds <= 0 {
		return 3 * time.Minute
	}
	return time.Duration(c.Resources.CacheSeconds) * time.Second
}

// StorageClientTTL returns the expiry of cached object storage clients
func (c *Config) StorageClientTTL() time.Duration {
	if c.Storage.ClientTTLSeconds <= 0 {
		return time.Hour
	}
	return time.Duration(c.Storage.ClientTTLSeconds) * time.Second
}

func millis(v, fallback int) time.Duration {
	if v <= 0 {
		v = fallback
	}
	return time.Duration(v) * time.Millisecond
}
