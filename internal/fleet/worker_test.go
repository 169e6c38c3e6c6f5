package fleet

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devdoxai/queueworker/internal/claimregistry"
	"github.com/devdoxai/queueworker/internal/contracts"
	"github.com/devdoxai/queueworker/internal/jobtracer"
	"github.com/devdoxai/queueworker/internal/queue"
	"github.com/devdoxai/queueworker/internal/retrypolicy"
)

func testLogger() contracts.Logger {
	return contracts.NewSlogLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

// fakeQueue implements queue.Queue with scripted Dequeue results.
type fakeQueue struct {
	mu        sync.Mutex
	jobs      []*queue.Message
	dequeueErrs []error
	deleteCalls int
	archiveCalls int
	sendCalls   int
}

func (f *fakeQueue) Enqueue(ctx context.Context, queueName string, payload json.RawMessage, opts queue.EnqueueOptions) (int64, error) {
	return 1, nil
}

func (f *fakeQueue) Dequeue(ctx context.Context, queueName string, jobTypes []string, workerID string, vt time.Duration, batchSize int) (*queue.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.dequeueErrs) > 0 {
		err := f.dequeueErrs[0]
		f.dequeueErrs = f.dequeueErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	if len(f.jobs) == 0 {
		return nil, nil
	}
	job := f.jobs[0]
	f.jobs = f.jobs[1:]
	return job, nil
}

func (f *fakeQueue) Delete(ctx context.Context, queueName string, msgID int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleteCalls++
	return true, nil
}

func (f *fakeQueue) Archive(ctx context.Context, queueName string, msgID int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.archiveCalls++
	return true, nil
}

func (f *fakeQueue) Send(ctx context.Context, queueName string, payload json.RawMessage, delay time.Duration) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendCalls++
	return 99, nil
}

func (f *fakeQueue) Metrics(ctx context.Context, queueName string) (queue.Metrics, error) {
	return queue.Metrics{}, nil
}

// fakeRegistry returns a scripted Outcome for every TryClaim call.
type fakeRegistry struct {
	qualifies bool
	trackerOf func() *claimregistry.Tracker
	calls     int32
}

func (f *fakeRegistry) TryClaim(ctx context.Context, workerID string, messageID int64, queueName string) (claimregistry.Outcome, error) {
	atomic.AddInt32(&f.calls, 1)
	if !f.qualifies {
		return claimregistry.Outcome{Qualifies: false}, nil
	}
	return claimregistry.Outcome{Qualifies: true, Tracker: f.trackerOf()}, nil
}

// fakeHandler dispatches according to a scripted error.
type fakeHandler struct {
	err   error
	calls int32
}

func (f *fakeHandler) Handle(ctx context.Context, payload json.RawMessage, tracker contracts.Tracker, tracer contracts.Tracer) error {
	atomic.AddInt32(&f.calls, 1)
	return f.err
}

// fakeNotifier records every settlement it was handed.
type fakeNotifier struct {
	mu     sync.Mutex
	notified []bool // HasError at time of Notify
}

func (f *fakeNotifier) Notify(ctx context.Context, tracer *jobtracer.Tracer) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notified = append(f.notified, tracer.HasError())
}

func (f *fakeNotifier) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.notified)
}

func newJob(msgID int64, queueName, jobType string) *queue.Message {
	return &queue.Message{
		MsgID:       msgID,
		QueueName:   queueName,
		JobType:     jobType,
		Attempts:    1,
		MaxAttempts: 3,
		Payload:     json.RawMessage(`{"job_context_id":"ctx-1"}`),
	}
}

func waitForCondition(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}

func TestWorker_DispatchesQualifyingJobAndDeletes(t *testing.T) {
	job := newJob(1, processingQueue, "analyze")
	q := &fakeQueue{jobs: []*queue.Message{job}}
	handler := &fakeHandler{}
	registry := &fakeRegistry{qualifies: true, trackerOf: func() *claimregistry.Tracker { return nil }}
	notifier := &fakeNotifier{}
	policy := retrypolicy.New(q, retrypolicy.Config{RetryBaseSeconds: 1, RetryCapSeconds: 10}, testLogger())

	w := New("worker-1", processingQueue, []string{"analyze", "process"}, q, registry, handler, policy, notifier,
		WithPollInterval(5*time.Millisecond), WithLogger(testLogger()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Start(ctx) }()

	waitForCondition(t, time.Second, func() bool { return notifier.count() >= 1 })
	require.NoError(t, w.Stop())

	assert.EqualValues(t, 1, atomic.LoadInt32(&handler.calls))
	assert.Equal(t, 1, q.deleteCalls)
	assert.False(t, notifier.notified[0], "successful job should settle without an error")
	assert.Equal(t, int64(1), w.Stats().JobsProcessed)
}

func TestWorker_SkipsHandlerForNonDispatchableJobType(t *testing.T) {
	job := newJob(2, processingQueue, "cleanup")
	q := &fakeQueue{jobs: []*queue.Message{job}}
	handler := &fakeHandler{}
	notifier := &fakeNotifier{}
	policy := retrypolicy.New(q, retrypolicy.Config{RetryBaseSeconds: 1, RetryCapSeconds: 10}, testLogger())

	w := New("worker-1", processingQueue, nil, q, nil, handler, policy, notifier,
		WithPollInterval(5*time.Millisecond), WithLogger(testLogger()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Start(ctx) }()

	waitForCondition(t, time.Second, func() bool { return notifier.count() >= 1 })
	require.NoError(t, w.Stop())

	assert.EqualValues(t, 0, atomic.LoadInt32(&handler.calls), "cleanup jobs must not reach the handler")
	assert.Equal(t, 1, q.deleteCalls)
}

func TestWorker_ClaimRejectedStopsWorkerEntirely(t *testing.T) {
	job := newJob(3, processingQueue, "analyze")
	q := &fakeQueue{jobs: []*queue.Message{job}}
	handler := &fakeHandler{}
	registry := &fakeRegistry{qualifies: false}
	notifier := &fakeNotifier{}
	policy := retrypolicy.New(q, retrypolicy.Config{RetryBaseSeconds: 1, RetryCapSeconds: 10}, testLogger())

	w := New("worker-1", processingQueue, []string{"analyze"}, q, registry, handler, policy, notifier,
		WithPollInterval(5*time.Millisecond), WithLogger(testLogger()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() { _ = w.Start(ctx); close(done) }()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop after a rejected claim")
	}

	assert.EqualValues(t, 0, atomic.LoadInt32(&handler.calls), "a rejected claim must never reach the handler")
	assert.False(t, w.Stats().Running)
}

func TestWorker_FailedJobArchivesAfterAttemptCeiling(t *testing.T) {
	job := newJob(4, processingQueue, "analyze")
	job.Attempts = 3
	job.MaxAttempts = 3
	q := &fakeQueue{jobs: []*queue.Message{job}}
	handler := &fakeHandler{err: errors.New("boom")}
	notifier := &fakeNotifier{}
	policy := retrypolicy.New(q, retrypolicy.Config{RetryBaseSeconds: 1, RetryCapSeconds: 10}, testLogger())

	w := New("worker-1", processingQueue, []string{"analyze"}, q, nil, handler, policy, notifier,
		WithPollInterval(5*time.Millisecond), WithLogger(testLogger()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Start(ctx) }()

	waitForCondition(t, time.Second, func() bool { return notifier.count() >= 1 })
	require.NoError(t, w.Stop())

	assert.Equal(t, 1, q.archiveCalls)
	assert.Equal(t, 0, q.sendCalls)
	assert.True(t, notifier.notified[0], "an archived job settles with an error")
	assert.Equal(t, int64(1), w.Stats().JobsFailed)
}

func TestWorker_FailedJobRetriesBeforeAttemptCeiling(t *testing.T) {
	job := newJob(5, processingQueue, "analyze")
	job.Attempts = 1
	job.MaxAttempts = 3
	q := &fakeQueue{jobs: []*queue.Message{job}}
	handler := &fakeHandler{err: errors.New("transient")}
	notifier := &fakeNotifier{}
	policy := retrypolicy.New(q, retrypolicy.Config{RetryBaseSeconds: 1, RetryCapSeconds: 10}, testLogger())

	w := New("worker-1", processingQueue, []string{"analyze"}, q, nil, handler, policy, notifier,
		WithPollInterval(5*time.Millisecond), WithLogger(testLogger()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Start(ctx) }()

	waitForCondition(t, time.Second, func() bool { return q.sendCalls >= 1 })
	require.NoError(t, w.Stop())

	assert.Equal(t, 0, q.archiveCalls)
	assert.Equal(t, 1, q.deleteCalls, "retry path deletes the original message before resending")
	assert.Equal(t, 0, notifier.count(), "a retried job has not settled yet and must not fire an audit event")
}

func TestBackoffDelay_CapsAtSixty(t *testing.T) {
	assert.Equal(t, time.Second, backoffDelay(0))
	assert.Equal(t, 2*time.Second, backoffDelay(1))
	assert.Equal(t, 60*time.Second, backoffDelay(10))
}

func TestWorkerHealthMonitor_Sample(t *testing.T) {
	w1 := &stubStatsSource{stats: Stats{WorkerID: "a", Running: true, JobsProcessed: 5}}
	w2 := &stubStatsSource{stats: Stats{WorkerID: "b", Running: false, JobsFailed: 2}}

	mon := NewWorkerHealthMonitor([]StatsSource{w1, w2}, testLogger(), nil, time.Second)
	report := mon.Sample()

	assert.Equal(t, 2, report.TotalWorkers)
	assert.Equal(t, 1, report.RunningCount)
	assert.InDelta(t, 0.5, report.HealthyRatio, 0.0001)
	assert.Equal(t, int64(5), report.TotalJobsDone)
	assert.Equal(t, int64(2), report.TotalJobsFail)
}

type stubStatsSource struct{ stats Stats }

func (s *stubStatsSource) Stats() Stats { return s.stats }
