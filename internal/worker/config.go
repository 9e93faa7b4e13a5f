package worker

import (
	"fmt"
	"time"
)

// Config holds the configuration for the periodic task scheduler.
type Config struct {
	// TaskTimeout is the maximum time a single task run is allowed.
	// Default: 5 minutes
	TaskTimeout time.Duration

	// ShutdownTimeout is how long Stop waits for running tasks.
	// Default: 30 seconds
	ShutdownTimeout time.Duration
}

// DefaultConfig returns a Config with sensible default values.
func DefaultConfig() Config {
	return Config{
		TaskTimeout:     5 * time.Minute,
		ShutdownTimeout: 30 * time.Second,
	}
}

// Validate checks if the configuration is valid.
func (c Config) Validate() error {
	if c.TaskTimeout < time.Second {
		return fmt.Errorf("task timeout must be at least 1 second, got %v", c.TaskTimeout)
	}
	if c.ShutdownTimeout < time.Second {
		return fmt.Errorf("shutdown timeout must be at least 1 second, got %v", c.ShutdownTimeout)
	}
	return nil
}
