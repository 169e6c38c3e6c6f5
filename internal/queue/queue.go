package queue

import (
	"context"
	"encoding/json"
	"time"
)

// Queue is the Queue Adapter's external surface.
type Queue interface {
	// Enqueue serializes the envelope and sends it to queueName, returning
	// the broker-assigned message id. A positive DelaySeconds sends it as a
	// delayed message, invisible until the delay elapses.
	Enqueue(ctx context.Context, queueName string, payload json.RawMessage, opts EnqueueOptions) (int64, error)

	// Dequeue reads up to batchSize messages with visibility timeout vt and
	// returns the first one that is ready for processing: a recognized job
	// type, under its attempt ceiling, and due. Returns (nil, nil) if
	// nothing qualifies. Messages over their attempt ceiling are archived
	// as a side effect of the scan, not returned.
	Dequeue(ctx context.Context, queueName string, jobTypes []string, workerID string, vt time.Duration, batchSize int) (*Message, error)

	// Delete permanently removes msgID (the completion path).
	Delete(ctx context.Context, queueName string, msgID int64) (bool, error)

	// Archive moves msgID to the archive table (the terminal-failure path).
	Archive(ctx context.Context, queueName string, msgID int64) (bool, error)

	// Send inserts a fresh message, used by the retry policy to requeue
	// with backoff.
	Send(ctx context.Context, queueName string, payload json.RawMessage, delay time.Duration) (int64, error)

	// Metrics reports queueName's current depth and message ages.
	Metrics(ctx context.Context, queueName string) (Metrics, error)
}
