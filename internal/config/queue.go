package config

import "errors"

// ErrQueueNameRequired is returned when no queue name is configured.
var ErrQueueNameRequired = errors.New("QW_QUEUE_NAME is required")

// QueueConfig holds queue adapter configuration: which queue a worker fleet
// polls, how long a dequeued message stays invisible to other workers, and
// the poll cadence when the queue is empty.
type QueueConfig struct {
	// Name identifies the queue table partition a fleet polls.
	Name string `env:"QW_QUEUE_NAME"`

	// VisibilityTimeoutSec is how long, in seconds, a dequeued message stays
	// hidden from other consumers before it is eligible for redelivery.
	VisibilityTimeoutSec int `env:"QW_QUEUE_VISIBILITY_TIMEOUT_SEC"`

	// PollIntervalMS is how long a worker sleeps between empty dequeue polls.
	PollIntervalMS int `env:"QW_QUEUE_POLL_INTERVAL_MS"`

	// BatchSize is how many messages a single Dequeue call may claim.
	BatchSize int `env:"QW_QUEUE_BATCH_SIZE"`
}

// Validate validates the queue configuration.
func (c *QueueConfig) Validate() error {
	if c.Name == "" {
		return ErrQueueNameRequired
	}
	return nil
}
