package am

// Config represents the hubjobs configuration
type Config struct {
	Database  DatabaseConfig  `mapstructure:"database"`
	Pulse     PulseConfig     `mapstructure:"pulse"`
	Resources ResourcesConfig `mapstructure:"resources"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Emr       EmrConfig       `mapstructure:"emr"`
}

// DatabaseConfig configures the SQLite database holding jobs, steps and tasks
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// PulseConfig configures the executor (scheduler loop)
type PulseConfig struct {
	Workers        int `mapstructure:"workers"`          // Steps executing at once (default: 8)
	PollIntervalMS int `mapstructure:"poll_interval_ms"` // Tick interval (default: 5000)

	// External backend polling
	AsyncPollIntervalMS int `mapstructure:"async_poll_interval_ms"` // Pacing of Poll calls per step (default: 10000)
	AsyncPollErrorLimit int `mapstructure:"async_poll_error_limit"` // Consecutive transient poll errors before the step fails (default: 10)

	// External backend submissions per minute, 0 = unlimited
	MaxSubmissionsPerMinute int `mapstructure:"max_submissions_per_minute"`

	CancellationTimeoutSeconds int `mapstructure:"cancellation_timeout_seconds"` // default: 600
	RetentionHours             int `mapstructure:"retention_hours"`              // default: 336 (two weeks)

	// Skip admission while system memory use is above this percentage, 0 = disabled
	MemoryPressurePercent float64 `mapstructure:"memory_pressure_percent"`
}

// ResourcesConfig configures the capacity pools used for admission control
type ResourcesConfig struct {
	IOMaxUnits          float64          `mapstructure:"io_max_units"`         // Shared bulk I/O capacity
	DatabaseUtilization float64          `mapstructure:"database_utilization"` // Fraction of a database's ACUs jobs may use (default: 0.6)
	CacheSeconds        int              `mapstructure:"cache_seconds"`        // Database list cache expiry (default: 180)
	Databases           []DatabaseTarget `mapstructure:"databases"`
}

// DatabaseTarget describes one backing database of the hub
type DatabaseTarget struct {
	Name   string  `mapstructure:"name"`
	Role   string  `mapstructure:"role"` // writer | reader
	ACUs   float64 `mapstructure:"acus"`
	Schema string  `mapstructure:"schema"`
	Driver string  `mapstructure:"driver"` // database/sql driver name (default: sqlite3)
	DSN    string  `mapstructure:"dsn"`
}

// StorageConfig configures object storage for step inputs and outputs
type StorageConfig struct {
	Region           string `mapstructure:"region"`
	Bucket           string `mapstructure:"bucket"`
	Endpoint         string `mapstructure:"endpoint"` // Custom endpoint (e.g., localstack); empty = AWS
	ClientTTLSeconds int    `mapstructure:"client_ttl_seconds"`
}

// EmrConfig configures the external compute backend
type EmrConfig struct {
	Mode          string `mapstructure:"mode"` // "local" runs scripts as subprocesses
	ExecutionRole string `mapstructure:"execution_role"`
	ScriptBucket  string `mapstructure:"script_bucket"`
	LocalWorkDir  string `mapstructure:"local_work_dir"`
}

// File system constants
const (
	DefaultDirPermissions  = 0755 // Standard directory permissions (rwxr-xr-x)
	DefaultFilePermissions = 0644 // Standard file permissions (rw-r--r--)
)

// Role names for database targets
const (
	RoleWriter = "writer"
	RoleReader = "reader"
)

// EmrModeLocal runs EMR scripts on the local machine
const EmrModeLocal = "local"
