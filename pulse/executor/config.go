package executor

import (
	"time"

	"github.com/teranos/hubjobs/am"
)

// Config controls the executor loop
type Config struct {
	Workers      int           // Steps executing at once
	PollInterval time.Duration // Tick interval

	AsyncPollInterval   time.Duration // Pacing of Poll calls per ASYNC step
	AsyncPollErrorLimit int           // Consecutive transient poll errors before the step fails

	MaxSubmissionsPerMinute int // ASYNC starts per minute, 0 = unlimited

	// Delay before the first retry of a failed step, doubling per attempt up to 30s
	RetryBackoff time.Duration

	CancellationTimeout time.Duration

	// Skip admission while system memory use is above this percentage, 0 = disabled
	MemoryPressurePercent float64

	// Where step input sets live, handed to Prepare
	Bucket    string
	LocalRoot string
}

// DefaultConfig returns the defaults of the am configuration
func DefaultConfig() Config {
	return Config{
		Workers:                 8,
		PollInterval:            5 * time.Second,
		AsyncPollInterval:       10 * time.Second,
		AsyncPollErrorLimit:     10,
		MaxSubmissionsPerMinute: 30,
		RetryBackoff:            time.Second,
		CancellationTimeout:     10 * time.Minute,
	}
}

// FromConfig derives the executor configuration from the am configuration
func FromConfig(cfg *am.Config) Config {
	c := DefaultConfig()
	p := cfg.Pulse
	if p.Workers > 0 {
		c.Workers = p.Workers
	}
	if p.PollIntervalMS > 0 {
		c.PollInterval = time.Duration(p.PollIntervalMS) * time.Millisecond
	}
	if p.AsyncPollIntervalMS > 0 {
		c.AsyncPollInterval = time.Duration(p.AsyncPollIntervalMS) * time.Millisecond
	}
	if p.AsyncPollErrorLimit > 0 {
		c.AsyncPollErrorLimit = p.AsyncPollErrorLimit
	}
	c.MaxSubmissionsPerMinute = p.MaxSubmissionsPerMinute
	if p.CancellationTimeoutSeconds > 0 {
		c.CancellationTimeout = time.Duration(p.CancellationTimeoutSeconds) * time.Second
	}
	c.MemoryPressurePercent = p.MemoryPressurePercent
	c.Bucket = cfg.Storage.Bucket
	if cfg.Emr.Mode == am.EmrModeLocal {
		c.LocalRoot = cfg.Emr.LocalWorkDir
	}
	return c
}

// retryDelay is the wait before the attempt following the given number of attempts
func (c Config) retryDelay(attempts int) time.Duration {
	d := c.RetryBackoff
	for i := 1; i < attempts && d < maxBackoff; i++ {
		d *= 2
	}
	return min(d, maxBackoff)
}
