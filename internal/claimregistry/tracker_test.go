package claimregistry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeMutator struct {
	startCalls     []string
	steps          map[string]Step
	completedCalls []string
	failedMsgID    *int64
	retryMsgID     *int64
}

func newFakeMutator() *fakeMutator {
	return &fakeMutator{steps: map[string]Step{}}
}

func (f *fakeMutator) start(ctx context.Context, id string) error {
	f.startCalls = append(f.startCalls, id)
	return nil
}

func (f *fakeMutator) updateStep(ctx context.Context, id string, step Step) error {
	f.steps[id] = step
	return nil
}

func (f *fakeMutator) completed(ctx context.Context, id string) error {
	f.completedCalls = append(f.completedCalls, id)
	return nil
}

func (f *fakeMutator) fail(ctx context.Context, id string, newMessageID *int64) error {
	f.failedMsgID = newMessageID
	return nil
}

func (f *fakeMutator) retry(ctx context.Context, id string, newMessageID *int64) error {
	f.retryMsgID = newMessageID
	return nil
}

func TestTracker_Start(t *testing.T) {
	store := newFakeMutator()
	tr := newTracker(store, &Record{ID: "claim-1", Status: StatusPending})

	require.NoError(t, tr.Start(context.Background()))
	assert.Equal(t, StatusInProgress, tr.Record().Status)
	assert.Equal(t, []string{"claim-1"}, store.startCalls)
}

func TestTracker_Completed(t *testing.T) {
	store := newFakeMutator()
	tr := newTracker(store, &Record{ID: "claim-1", Status: StatusInProgress, Step: StepQueueAck})

	require.NoError(t, tr.Completed(context.Background()))
	assert.Equal(t, StatusCompleted, tr.Record().Status)
	assert.Equal(t, StepDone, tr.Record().Step)
}

func TestTracker_RetryRebindsMessageID(t *testing.T) {
	store := newFakeMutator()
	tr := newTracker(store, &Record{ID: "claim-1", Status: StatusInProgress, MessageID: 100})

	newID := int64(200)
	require.NoError(t, tr.Retry(context.Background(), &newID))
	assert.Equal(t, StatusRetry, tr.Record().Status)
	assert.Equal(t, int64(200), tr.Record().MessageID)
	require.NotNil(t, store.retryMsgID)
	assert.Equal(t, int64(200), *store.retryMsgID)
}

func TestTracker_FailWithoutRebind(t *testing.T) {
	store := newFakeMutator()
	tr := newTracker(store, &Record{ID: "claim-1", Status: StatusInProgress, MessageID: 100})

	require.NoError(t, tr.Fail(context.Background(), nil))
	assert.Equal(t, StatusFailed, tr.Record().Status)
	assert.Equal(t, int64(100), tr.Record().MessageID, "message_id unchanged when no rebind id given")
	assert.Nil(t, store.failedMsgID)
}

func TestStatus_Active(t *testing.T) {
	assert.True(t, StatusPending.active())
	assert.True(t, StatusInProgress.active())
	assert.True(t, StatusCompleted.active())
	assert.False(t, StatusFailed.active())
	assert.False(t, StatusRetry.active())
}
