package claimregistry

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/devdoxai/queueworker/internal/contracts"
)

// PostgresRegistry implements Registry against the queue_processing_registry
// table. Claim uniqueness is enforced by a partial unique index on
// message_id (see internal/postgres/migrations); a violation on insert is
// translated into Outcome{Qualifies: false}, never propagated as an error.
type PostgresRegistry struct {
	pool  *pgxpool.Pool
	clock contracts.Clock
}

// NewPostgresRegistry constructs a PostgresRegistry. clock defaults to
// contracts.SystemClock{} when nil.
func NewPostgresRegistry(pool *pgxpool.Pool, clock contracts.Clock) *PostgresRegistry {
	if clock == nil {
		clock = contracts.SystemClock{}
	}
	return &PostgresRegistry{pool: pool, clock: clock}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgerrcode.UniqueViolation
	}
	return false
}

const selectMostRecentSQL = `
SELECT id, message_id, queue_name, step, status, claimed_by, previous_claim_id, claimed_at, updated_at
FROM queue_processing_registry
WHERE message_id = $1
ORDER BY updated_at DESC
LIMIT 1`

func (r *PostgresRegistry) mostRecent(ctx context.Context, messageID int64) (*Record, error) {
	row := r.pool.QueryRow(ctx, selectMostRecentSQL, messageID)

	var rec Record
	var prevID *string
	var step, status string
	if err := row.Scan(&rec.ID, &rec.MessageID, &rec.QueueName, &step, &status, &rec.ClaimedBy, &prevID, &rec.ClaimedAt, &rec.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("claimregistry: lookup most recent claim: %w", err)
	}
	rec.Step = Step(step)
	rec.Status = Status(status)
	rec.PreviousClaimID = prevID
	return &rec, nil
}

const insertClaimSQL = `
INSERT INTO queue_processing_registry
  (id, message_id, queue_name, step, status, claimed_by, previous_claim_id, claimed_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)`

// TryClaim implements Registry.
func (r *PostgresRegistry) TryClaim(ctx context.Context, workerID string, messageID int64, queueName string) (Outcome, error) {
	prior, err := r.mostRecent(ctx, messageID)
	if err != nil {
		return Outcome{}, err
	}

	if prior != nil && prior.Status.active() {
		return Outcome{Qualifies: false}, nil
	}

	id, err := uuid.NewV7()
	if err != nil {
		return Outcome{}, fmt.Errorf("claimregistry: generate claim id: %w", err)
	}

	var prevID *string
	if prior != nil {
		prevID = &prior.ID
	}

	now := r.clock.Now()
	idStr := id.String()
	_, err = r.pool.Exec(ctx, insertClaimSQL, idStr, messageID, queueName, string(StepStart), string(StatusPending), workerID, prevID, now)
	if err != nil {
		if isUniqueViolation(err) {
			return Outcome{Qualifies: false}, nil
		}
		return Outcome{}, fmt.Errorf("claimregistry: insert claim: %w", err)
	}

	rec := &Record{
		ID:              idStr,
		MessageID:       messageID,
		QueueName:       queueName,
		Step:            StepStart,
		Status:          StatusPending,
		ClaimedBy:       workerID,
		PreviousClaimID: prevID,
		ClaimedAt:       now,
		UpdatedAt:       now,
	}

	return Outcome{Qualifies: true, Tracker: newTracker(r, rec)}, nil
}

func (r *PostgresRegistry) start(ctx context.Context, id string) error {
	_, err := r.pool.Exec(ctx, `UPDATE queue_processing_registry SET status = $2, updated_at = $3 WHERE id = $1`,
		id, string(StatusInProgress), r.clock.Now())
	if err != nil {
		return fmt.Errorf("claimregistry: start: %w", err)
	}
	return nil
}

func (r *PostgresRegistry) updateStep(ctx context.Context, id string, step Step) error {
	_, err := r.pool.Exec(ctx, `UPDATE queue_processing_registry SET step = $2, updated_at = $3 WHERE id = $1`,
		id, string(step), r.clock.Now())
	if err != nil {
		return fmt.Errorf("claimregistry: update step: %w", err)
	}
	return nil
}

func (r *PostgresRegistry) completed(ctx context.Context, id string) error {
	_, err := r.pool.Exec(ctx, `UPDATE queue_processing_registry SET status = $2, step = $3, updated_at = $4 WHERE id = $1`,
		id, string(StatusCompleted), string(StepDone), r.clock.Now())
	if err != nil {
		return fmt.Errorf("claimregistry: completed: %w", err)
	}
	return nil
}

func (r *PostgresRegistry) fail(ctx context.Context, id string, newMessageID *int64) error {
	return r.settleWithRebind(ctx, id, StatusFailed, newMessageID)
}

func (r *PostgresRegistry) retry(ctx context.Context, id string, newMessageID *int64) error {
	return r.settleWithRebind(ctx, id, StatusRetry, newMessageID)
}

func (r *PostgresRegistry) settleWithRebind(ctx context.Context, id string, status Status, newMessageID *int64) error {
	now := r.clock.Now()
	var err error
	if newMessageID != nil {
		_, err = r.pool.Exec(ctx,
			`UPDATE queue_processing_registry SET status = $2, message_id = $3, updated_at = $4 WHERE id = $1`,
			id, string(status), *newMessageID, now)
	} else {
		_, err = r.pool.Exec(ctx,
			`UPDATE queue_processing_registry SET status = $2, updated_at = $3 WHERE id = $1`,
			id, string(status), now)
	}
	if err != nil {
		return fmt.Errorf("claimregistry: settle %s: %w", status, err)
	}
	return nil
}

var (
	_ Registry = (*PostgresRegistry)(nil)
	_ mutator  = (*PostgresRegistry)(nil)
)
