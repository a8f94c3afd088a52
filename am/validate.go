package am

import "github.com/teranos/hubjobs/errors"

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	// Pulse workers: 0 = executor disabled (CLI-only use), negative = invalid
	if c.Pulse.Workers < 0 {
		return errors.Newf("pulse.workers must be >= 0, got %d", c.Pulse.Workers)
	}
	if c.Pulse.PollIntervalMS < 0 {
		return errors.Newf("pulse.poll_interval_ms must be >= 0, got %d", c.Pulse.PollIntervalMS)
	}
	if c.Pulse.AsyncPollIntervalMS < 0 {
		return errors.Newf("pulse.async_poll_interval_ms must be >= 0, got %d", c.Pulse.AsyncPollIntervalMS)
	}
	if c.Pulse.AsyncPollErrorLimit < 0 {
		return errors.Newf("pulse.async_poll_error_limit must be >= 0, got %d", c.Pulse.AsyncPollErrorLimit)
	}
	if c.Pulse.MaxSubmissionsPerMinute < 0 {
		return errors.Newf("pulse.max_submissions_per_minute must be >= 0, got %d", c.Pulse.MaxSubmissionsPerMinute)
	}
	if c.Pulse.CancellationTimeoutSeconds < 0 {
		return errors.Newf("pulse.cancellation_timeout_seconds must be >= 0, got %d", c.Pulse.CancellationTimeoutSeconds)
	}
	if c.Pulse.RetentionHours < 0 {
		return errors.Newf("pulse.retention_hours must be >= 0, got %d", c.Pulse.RetentionHours)
	}
	if c.Pulse.MemoryPressurePercent < 0 || c.Pulse.MemoryPressurePercent > 100 {
		return errors.Newf("pulse.memory_pressure_percent must be within [0, 100], got %f", c.Pulse.MemoryPressurePercent)
	}

	// Resource capacities: 0 io units is valid ("zero means zero"), negative is not
	if c.Resources.IOMaxUnits < 0 {
		return errors.Newf("resources.io_max_units must be >= 0, got %f", c.Resources.IOMaxUnits)
	}
	if c.Resources.DatabaseUtilization <= 0 || c.Resources.DatabaseUtilization > 1 {
		return errors.Newf("resources.database_utilization must be within (0, 1], got %f", c.Resources.DatabaseUtilization)
	}

	seen := make(map[string]bool, len(c.Resources.Databases))
	for i, target := range c.Resources.Databases {
		if target.Name == "" {
			return errors.Newf("resources.databases[%d].name cannot be empty", i)
		}
		if seen[target.Name] {
			return errors.Newf("resources.databases[%d].name %q is duplicated", i, target.Name)
		}
		seen[target.Name] = true

		if target.Role != "" && target.Role != RoleWriter && target.Role != RoleReader {
			return errors.Newf("resources.databases[%d].role must be %q or %q, got %q", i, RoleWriter, RoleReader, target.Role)
		}
		if target.ACUs < 0 {
			return errors.Newf("resources.databases[%d].acus must be >= 0, got %f", i, target.ACUs)
		}
		if target.DSN == "" {
			err := errors.Newf("resources.databases[%d].dsn cannot be empty", i)
			return errors.WithHint(err, "set dsn to a database/sql data source name, e.g. file:hub.db")
		}
	}

	if c.Emr.Mode != "" && c.Emr.Mode != EmrModeLocal {
		return errors.Newf("emr.mode %q is not supported (supported: %s)", c.Emr.Mode, EmrModeLocal)
	}

	return nil
}
