package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/devdoxai/queueworker/internal/contracts"
)

// PostgresQueue implements Queue against two tables: queue_messages (active)
// and queue_messages_archive (terminal-failure history). See
// internal/postgres/migrations for the schema.
type PostgresQueue struct {
	pool   *pgxpool.Pool
	clock  contracts.Clock
	logger contracts.Logger
}

// NewPostgresQueue constructs a PostgresQueue. clock and logger default to
// contracts.SystemClock{} and a logger over slog.Default() when nil.
func NewPostgresQueue(pool *pgxpool.Pool, clock contracts.Clock, logger contracts.Logger) *PostgresQueue {
	if clock == nil {
		clock = contracts.SystemClock{}
	}
	if logger == nil {
		logger = contracts.NewSlogLogger(slog.Default())
	}
	return &PostgresQueue{pool: pool, clock: clock, logger: logger}
}

const insertMessageSQL = `
INSERT INTO queue_messages
  (queue_name, job_type, status, priority, user_id, payload, config, scheduled_at, attempts, max_attempts, created_at)
VALUES ($1, $2, 'queued', $3, $4, $5, $6, $7, 0, $8, $9)
RETURNING msg_id`

// Enqueue implements Queue.
func (q *PostgresQueue) Enqueue(ctx context.Context, queueName string, payload json.RawMessage, opts EnqueueOptions) (int64, error) {
	now := q.clock.Now()
	scheduledAt := now
	if opts.DelaySeconds > 0 {
		scheduledAt = now.Add(time.Duration(opts.DelaySeconds) * time.Second)
	}

	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}

	var msgID int64
	err := q.pool.QueryRow(ctx, insertMessageSQL,
		queueName, opts.JobType, opts.Priority, opts.UserID, payload, opts.Config, scheduledAt, maxAttempts, now,
	).Scan(&msgID)
	if err != nil {
		return 0, fmt.Errorf("queue: enqueue: %w", err)
	}
	return msgID, nil
}

// Send implements Queue. It is Enqueue's primitive counterpart used by the
// retry policy: a bare envelope, no routing metadata beyond what the caller
// already carries in payload.
func (q *PostgresQueue) Send(ctx context.Context, queueName string, payload json.RawMessage, delay time.Duration) (int64, error) {
	var envelope struct {
		JobType     string          `json:"job_type"`
		Priority    int             `json:"priority"`
		UserID      *string         `json:"user_id"`
		Config      json.RawMessage `json:"config"`
		MaxAttempts int             `json:"max_attempts"`
		Attempts    int             `json:"attempts"`
	}
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return 0, fmt.Errorf("queue: send: decode envelope: %w", err)
	}

	opts := EnqueueOptions{
		Priority:     envelope.Priority,
		JobType:      envelope.JobType,
		UserID:       envelope.UserID,
		DelaySeconds: int(delay / time.Second),
		MaxAttempts:  envelope.MaxAttempts,
		Config:       envelope.Config,
	}
	msgID, err := q.Enqueue(ctx, queueName, payload, opts)
	if err != nil {
		return 0, err
	}
	// Carry the envelope's attempt count onto the new row so the attempt
	// ceiling keeps counting across retries.
	if envelope.Attempts > 0 {
		if _, err := q.pool.Exec(ctx, `UPDATE queue_messages SET attempts = $2 WHERE msg_id = $1`, msgID, envelope.Attempts); err != nil {
			return 0, fmt.Errorf("queue: send: carry attempts: %w", err)
		}
	}
	return msgID, nil
}

const selectCandidatesSQL = `
SELECT msg_id, job_type, priority, attempts, max_attempts, scheduled_at, user_id, payload, config
FROM queue_messages
WHERE queue_name = $1 AND visible_at <= $2
ORDER BY priority DESC, msg_id ASC
LIMIT $3
FOR UPDATE SKIP LOCKED`

// Dequeue implements Queue.
func (q *PostgresQueue) Dequeue(ctx context.Context, queueName string, jobTypes []string, workerID string, vt time.Duration, batchSize int) (*Message, error) {
	allowed := make(map[string]bool, len(jobTypes))
	for _, t := range jobTypes {
		allowed[t] = true
	}

	now := q.clock.Now()

	tx, err := q.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("queue: dequeue: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx, selectCandidatesSQL, queueName, now, batchSize)
	if err != nil {
		return nil, fmt.Errorf("queue: dequeue: select candidates: %w", err)
	}

	type candidate struct {
		msgID       int64
		jobType     string
		priority    int
		attempts    int
		maxAttempts int
		scheduledAt time.Time
		userID      *string
		payload     json.RawMessage
		config      json.RawMessage
	}
	var candidates []candidate
	for rows.Next() {
		var c candidate
		if err := rows.Scan(&c.msgID, &c.jobType, &c.priority, &c.attempts, &c.maxAttempts, &c.scheduledAt, &c.userID, &c.payload, &c.config); err != nil {
			rows.Close()
			return nil, fmt.Errorf("queue: dequeue: scan candidate: %w", err)
		}
		candidates = append(candidates, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("queue: dequeue: iterate candidates: %w", err)
	}

	var result *Message
	for _, c := range candidates {
		if len(allowed) > 0 && !allowed[c.jobType] {
			continue
		}

		if c.attempts >= c.maxAttempts {
			if _, err := q.archiveTx(ctx, tx, queueName, c.msgID); err != nil {
				return nil, err
			}
			continue
		}

		scheduledAt := c.scheduledAt
		if scheduledAt.IsZero() {
			q.logger.Warning(ctx, "queue: malformed scheduled_at treated as ready", "msg_id", c.msgID)
			scheduledAt = now
		}
		if scheduledAt.After(now) {
			continue
		}

		newAttempts := c.attempts + 1
		visibleAt := now.Add(vt)
		_, err := tx.Exec(ctx,
			`UPDATE queue_messages SET attempts = $2, visible_at = $3 WHERE msg_id = $1`,
			c.msgID, newAttempts, visibleAt)
		if err != nil {
			return nil, fmt.Errorf("queue: dequeue: mark in-flight: %w", err)
		}

		result = &Message{
			MsgID:       c.msgID,
			QueueName:   queueName,
			JobType:     c.jobType,
			Priority:    c.priority,
			Attempts:    newAttempts,
			MaxAttempts: c.maxAttempts,
			ScheduledAt: scheduledAt,
			UserID:      c.userID,
			Payload:     c.payload,
			Config:      c.config,
			StartedAt:   now,
			WorkerID:    workerID,
		}
		break
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("queue: dequeue: commit: %w", err)
	}

	return result, nil
}

// Delete implements Queue.
func (q *PostgresQueue) Delete(ctx context.Context, queueName string, msgID int64) (bool, error) {
	tag, err := q.pool.Exec(ctx, `DELETE FROM queue_messages WHERE queue_name = $1 AND msg_id = $2`, queueName, msgID)
	if err != nil {
		return false, fmt.Errorf("queue: delete: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// Archive implements Queue.
func (q *PostgresQueue) Archive(ctx context.Context, queueName string, msgID int64) (bool, error) {
	tx, err := q.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("queue: archive: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	ok, err := q.archiveTx(ctx, tx, queueName, msgID)
	if err != nil {
		return false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("queue: archive: commit: %w", err)
	}
	return ok, nil
}

func (q *PostgresQueue) archiveTx(ctx context.Context, tx pgx.Tx, queueName string, msgID int64) (bool, error) {
	tag, err := tx.Exec(ctx, `
INSERT INTO queue_messages_archive
  (msg_id, queue_name, job_type, priority, attempts, max_attempts, scheduled_at, user_id, payload, config, created_at, archived_at)
SELECT msg_id, queue_name, job_type, priority, attempts, max_attempts, scheduled_at, user_id, payload, config, created_at, $3
FROM queue_messages
WHERE queue_name = $1 AND msg_id = $2`, queueName, msgID, q.clock.Now())
	if err != nil {
		return false, fmt.Errorf("queue: archive: copy to archive: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}

	if _, err := tx.Exec(ctx, `DELETE FROM queue_messages WHERE queue_name = $1 AND msg_id = $2`, queueName, msgID); err != nil {
		return false, fmt.Errorf("queue: archive: delete original: %w", err)
	}
	return true, nil
}

// Metrics implements Queue.
func (q *PostgresQueue) Metrics(ctx context.Context, queueName string) (Metrics, error) {
	var m Metrics
	var newestAge, oldestAge *float64
	err := q.pool.QueryRow(ctx, `
SELECT
  count(*) FILTER (WHERE visible_at <= now()) AS queued,
  count(*) AS total,
  extract(epoch FROM (now() - max(created_at))) AS newest_age,
  extract(epoch FROM (now() - min(created_at))) AS oldest_age
FROM queue_messages WHERE queue_name = $1`, queueName).Scan(&m.Queued, &m.Total, &newestAge, &oldestAge)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Metrics{}, nil
		}
		return Metrics{}, fmt.Errorf("queue: metrics: %w", err)
	}
	if newestAge != nil {
		m.NewestMsgAgeSec = *newestAge
	}
	if oldestAge != nil {
		m.OldestMsgAgeSec = *oldestAge
	}
	return m, nil
}

var _ Queue = (*PostgresQueue)(nil)
