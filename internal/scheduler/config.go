package scheduler

import (
	"time"

	"github.com/smallbiznis/meterly/internal/config"
)

// Config controls scheduler intervals and parallelism.
type Config struct {
	RunInterval time.Duration
	Workers     int
	BatchSize   int
	JobTimeout  time.Duration
	// EnabledJobs restricts RunOnce to the named jobs. Empty runs all.
	EnabledJobs []string
}

func DefaultConfig() Config {
	return Config{
		RunInterval: time.Minute,
		Workers:     4,
		BatchSize:   100,
		JobTimeout:  5 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.RunInterval <= 0 {
		c.RunInterval = defaults.RunInterval
	}
	if c.Workers <= 0 {
		c.Workers = defaults.Workers
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaults.BatchSize
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = defaults.JobTimeout
	}
	return c
}

func ProvideConfig(cfg config.Config) Config {
	return Config{
		RunInterval: cfg.Scheduler.Interval,
		Workers:     cfg.Scheduler.Workers,
		BatchSize:   cfg.Scheduler.BatchSize,
		JobTimeout:  cfg.Scheduler.Timeout,
	}.withDefaults()
}
