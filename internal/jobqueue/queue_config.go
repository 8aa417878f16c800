/*
Package jobqueue configuration for the River queue that retries status
updates whose message has not been stored yet.

Tuning:
  - MaxAttempts bounds how long an orphaned status is kept alive
    (MaxAttempts * RetryDelay in the worst case).
  - RetryDelay is used both for the first schedule and between attempts.
  - MaxWorkers caps concurrent retries and therefore pool connections.

Failed jobs keep their last error in River's jobs table once discarded.
*/
package jobqueue

import (
	"fmt"
	"time"

	"github.com/riverqueue/river"
)

// QueueConfig holds the tunables for the status retry queue
type QueueConfig struct {
	MaxWorkers  int           // concurrent retry workers (default: 4)
	MaxAttempts int           // attempts before a status is discarded (default: 10)
	RetryDelay  time.Duration // wait before each attempt (default: 30s)
	JobTimeout  time.Duration // maximum time a single attempt may run (default: 30s)
}

// DefaultQueueConfig returns the default configuration
func DefaultQueueConfig() *QueueConfig {
	return &QueueConfig{
		MaxWorkers:  4,
		MaxAttempts: 10,
		RetryDelay:  30 * time.Second,
		JobTimeout:  30 * time.Second,
	}
}

// Validate rejects settings River cannot run with.
func (c *QueueConfig) Validate() error {
	if c.MaxWorkers < 1 {
		return fmt.Errorf("max workers must be at least 1, got %d", c.MaxWorkers)
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("max attempts must be at least 1, got %d", c.MaxAttempts)
	}
	if c.RetryDelay <= 0 {
		return fmt.Errorf("retry delay must be positive, got %s", c.RetryDelay)
	}
	return nil
}

// RiverQueueConfig converts our config to River's queue configuration format
func (c *QueueConfig) RiverQueueConfig() map[string]river.QueueConfig {
	return map[string]river.QueueConfig{
		river.QueueDefault: {
			MaxWorkers: c.MaxWorkers,
		},
	}
}
