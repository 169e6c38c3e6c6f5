// Package queue implements the Queue Adapter: a thin contract over a
// Postgres-backed message queue providing single delivery via visibility
// timeout, delayed re-send, and archive.
package queue

import (
	"encoding/json"
	"time"
)

// EnqueueOptions carries the advisory/routing fields attached to a new
// message at enqueue time.
type EnqueueOptions struct {
	Priority     int
	JobType      string
	UserID       *string
	DelaySeconds int
	MaxAttempts  int
	Config       json.RawMessage
}

// Message is a claimed job handle returned by Dequeue: the broker-owned
// envelope enriched with the fields the worker needs to process it.
type Message struct {
	MsgID       int64
	QueueName   string
	JobType     string
	Priority    int
	Attempts    int
	MaxAttempts int
	ScheduledAt time.Time
	UserID      *string
	Payload     json.RawMessage
	Config      json.RawMessage
	StartedAt   time.Time
	WorkerID    string
}

// Metrics summarizes a queue's current depth and message ages.
type Metrics struct {
	Queued          int64
	Total           int64
	NewestMsgAgeSec float64
	OldestMsgAgeSec float64
}
