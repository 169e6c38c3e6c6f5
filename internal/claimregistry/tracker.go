package claimregistry

import (
	"context"

	"github.com/devdoxai/queueworker/internal/contracts"
)

// mutator is the persistence surface a Tracker drives; PostgresRegistry
// implements it.
type mutator interface {
	start(ctx context.Context, id string) error
	updateStep(ctx context.Context, id string, step Step) error
	completed(ctx context.Context, id string) error
	fail(ctx context.Context, id string, newMessageID *int64) error
	retry(ctx context.Context, id string, newMessageID *int64) error
}

// Tracker is the handle to a single ClaimRecord, returned by TryClaim for
// the duration of one job attempt.
type Tracker struct {
	record *Record
	store  mutator
}

func newTracker(store mutator, record *Record) *Tracker {
	return &Tracker{record: record, store: store}
}

// Record returns the tracker's current in-memory view of its claim row.
func (t *Tracker) Record() Record { return *t.record }

// Start transitions the claim to IN_PROGRESS.
func (t *Tracker) Start(ctx context.Context) error {
	if err := t.store.start(ctx, t.record.ID); err != nil {
		return err
	}
	t.record.Status = StatusInProgress
	return nil
}

// UpdateStep persists the caller-reported step. Satisfies contracts.Tracker.
func (t *Tracker) UpdateStep(ctx context.Context, step string) error {
	s := Step(step)
	if err := t.store.updateStep(ctx, t.record.ID, s); err != nil {
		return err
	}
	t.record.Step = s
	return nil
}

// Completed transitions the claim to COMPLETED, step DONE.
func (t *Tracker) Completed(ctx context.Context) error {
	if err := t.store.completed(ctx, t.record.ID); err != nil {
		return err
	}
	t.record.Status = StatusCompleted
	t.record.Step = StepDone
	return nil
}

// Fail transitions the claim to FAILED, optionally rebinding message_id to
// newMessageID (the id the retry policy's archive path still owns).
func (t *Tracker) Fail(ctx context.Context, newMessageID *int64) error {
	if err := t.store.fail(ctx, t.record.ID, newMessageID); err != nil {
		return err
	}
	t.record.Status = StatusFailed
	if newMessageID != nil {
		t.record.MessageID = *newMessageID
	}
	return nil
}

// Retry transitions the claim to RETRY, optionally rebinding message_id to
// the freshly sent retry message's id.
func (t *Tracker) Retry(ctx context.Context, newMessageID *int64) error {
	if err := t.store.retry(ctx, t.record.ID, newMessageID); err != nil {
		return err
	}
	t.record.Status = StatusRetry
	if newMessageID != nil {
		t.record.MessageID = *newMessageID
	}
	return nil
}

var _ contracts.Tracker = (*Tracker)(nil)
