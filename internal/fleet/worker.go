// Package fleet implements the worker loop: poll, claim, dispatch, settle.
// A Worker owns one logical "processing" slot against a queue and drives a
// single job at a time through the claim registry, the handler, and the
// failure/retry policy, exactly as described by the poll loop's state
// machine.
package fleet

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/devdoxai/queueworker/internal/claimregistry"
	"github.com/devdoxai/queueworker/internal/contracts"
	"github.com/devdoxai/queueworker/internal/jobtracer"
	"github.com/devdoxai/queueworker/internal/queue"
	"github.com/devdoxai/queueworker/internal/retrypolicy"
)

// processingQueue and the two job types are the literal gate on whether a
// dequeued message is actually dispatched to the handler; every other
// message type is acknowledged and dropped without running any analysis.
// This mirrors the fixed domain check the original worker made inline
// rather than exposing it as configuration.
const processingQueue = "processing"

var dispatchableJobTypes = map[string]bool{
	"analyze": true,
	"process": true,
}

// ErrMissingMessageID guards FailJobSafe against a job whose broker id was
// never populated — unreachable through Dequeue's typed Message, but kept so
// the failure path has a named error for the case the queue adapter owes it.
var ErrMissingMessageID = errors.New("fleet: job has no message id")

// Worker polls one queue, claims messages via the registry, dispatches
// qualifying ones to a MessageHandler, and settles every attempt through the
// retry policy and the audit notifier.
type Worker struct {
	workerID        string
	queueName       string
	allowedJobTypes []string

	queue    queue.Queue
	registry claimregistry.Registry
	handler  contracts.MessageHandler
	policy   *retrypolicy.Policy
	notifier notifier
	clock    contracts.Clock
	logger   contracts.Logger

	visibilityTimeout       time.Duration
	pollInterval            time.Duration
	batchSize               int
	consecutiveFailureLimit int
	jobTracerEnabled        bool
	shutdownGrace           time.Duration

	mu            sync.Mutex
	running       bool
	jobsProcessed int64
	jobsFailed    int64
	startedAt     time.Time
	lastJobAt     *time.Time
	currentJob    *int64

	done chan struct{}
}

// notifier is the audit.Notifier's surface, narrowed so this package doesn't
// import audit's email-event types.
type notifier interface {
	Notify(ctx context.Context, tracer *jobtracer.Tracer)
}

// Option configures a Worker at construction time.
type Option func(*Worker)

func WithVisibilityTimeout(d time.Duration) Option {
	return func(w *Worker) { w.visibilityTimeout = d }
}

func WithPollInterval(d time.Duration) Option {
	return func(w *Worker) { w.pollInterval = d }
}

func WithBatchSize(n int) Option {
	return func(w *Worker) { w.batchSize = n }
}

func WithConsecutiveFailureLimit(n int) Option {
	return func(w *Worker) { w.consecutiveFailureLimit = n }
}

func WithJobTracerEnabled(enabled bool) Option {
	return func(w *Worker) { w.jobTracerEnabled = enabled }
}

func WithShutdownGrace(d time.Duration) Option {
	return func(w *Worker) { w.shutdownGrace = d }
}

func WithClock(c contracts.Clock) Option {
	return func(w *Worker) { w.clock = c }
}

func WithLogger(l contracts.Logger) Option {
	return func(w *Worker) { w.logger = l }
}

// New constructs a Worker. registry may be nil to disable claim tracking
// entirely (every dequeued message proceeds without a claim, still subject
// to the processing-queue/job-type dispatch gate); handler
// may be nil if this worker only ever drains non-processing queues.
func New(workerID, queueName string, allowedJobTypes []string, q queue.Queue, registry claimregistry.Registry, handler contracts.MessageHandler, policy *retrypolicy.Policy, auditNotifier notifier, opts ...Option) *Worker {
	w := &Worker{
		workerID:                workerID,
		queueName:               queueName,
		allowedJobTypes:         allowedJobTypes,
		queue:                   q,
		registry:                registry,
		handler:                 handler,
		policy:                  policy,
		notifier:                auditNotifier,
		clock:                   contracts.SystemClock{},
		logger:                  contracts.NewSlogLogger(slog.Default()),
		visibilityTimeout:       30 * time.Second,
		pollInterval:            time.Second,
		batchSize:               1,
		consecutiveFailureLimit: 5,
		jobTracerEnabled:        true,
		shutdownGrace:           5 * time.Second,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start runs the poll/claim/dispatch/settle loop until Stop is called or ctx
// is cancelled. It blocks; callers that want a background worker should run
// it in its own goroutine.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	w.running = true
	w.startedAt = w.clock.Now()
	w.done = make(chan struct{})
	w.mu.Unlock()

	w.logger.Info(ctx, "fleet: worker started", "worker_id", w.workerID, "queue", w.queueName)

	consecutiveFailures := 0
	for {
		if stopped := w.checkStop(ctx); stopped {
			return w.shutdown(ctx)
		}

		job, err := w.queue.Dequeue(ctx, w.queueName, w.allowedJobTypes, w.workerID, w.visibilityTimeout, w.batchSize)
		if err != nil {
			w.logger.Exception(ctx, "fleet: dequeue failed", err, "worker_id", w.workerID)
			consecutiveFailures++
			if w.overFailureLimit(ctx, consecutiveFailures) {
				return w.shutdown(ctx)
			}
			if !w.sleep(ctx, backoffDelay(consecutiveFailures)) {
				return w.shutdown(ctx)
			}
			continue
		}

		if job == nil {
			if !w.sleep(ctx, w.pollInterval) {
				return w.shutdown(ctx)
			}
			continue
		}

		failed, claimRejected := w.handleJob(ctx, job)
		if claimRejected {
			// A claim conflict means another worker (or a stale claim this
			// worker itself left behind) already owns this message_id. The
			// original system treats this as fatal to the worker rather
			// than a skip-and-continue — preserved here even though a
			// single lost race reads as an unusually heavy response.
			w.logger.Warning(ctx, "fleet: claim rejected, stopping worker", "worker_id", w.workerID, "msg_id", job.MsgID)
			return w.shutdown(ctx)
		}

		if failed {
			w.recordFailure()
			consecutiveFailures++
		} else {
			w.recordSuccess()
			consecutiveFailures = 0
		}

		if w.overFailureLimit(ctx, consecutiveFailures) {
			return w.shutdown(ctx)
		}
		if consecutiveFailures > 0 {
			if !w.sleep(ctx, backoffDelay(consecutiveFailures)) {
				return w.shutdown(ctx)
			}
		}
	}
}

// Stop requests a graceful shutdown; Start returns once the in-flight job
// (if any) settles.
func (w *Worker) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.running {
		return nil
	}
	w.running = false
	close(w.done)
	return nil
}

// shutdown finalizes a Start loop exit. It runs on the loop's own goroutine
// after the current iteration (if any) has already settled — there is never
// a detached in-flight job to wait out, since handleJob runs synchronously
// within the loop that calls it. shutdownGrace is honored at the call site
// that invokes Stop and blocks on Start's return instead.
func (w *Worker) shutdown(ctx context.Context) error {
	w.mu.Lock()
	w.running = false
	w.mu.Unlock()
	w.logger.Info(ctx, "fleet: worker stopped", "worker_id", w.workerID)
	return nil
}

func (w *Worker) checkStop(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	case <-w.done:
		return true
	default:
		return false
	}
}

func (w *Worker) overFailureLimit(ctx context.Context, consecutiveFailures int) bool {
	if consecutiveFailures < w.consecutiveFailureLimit {
		return false
	}
	w.logger.Error(ctx, "fleet: consecutive failure limit reached, stopping worker",
		"worker_id", w.workerID, "consecutive_failures", consecutiveFailures, "limit", w.consecutiveFailureLimit)
	return true
}

// sleep waits for d, or returns false early if the worker is asked to stop.
func (w *Worker) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	case <-w.done:
		return false
	}
}

// backoffDelay is the dequeue-failure backoff: min(60, 2^counter) seconds.
func backoffDelay(counter int) time.Duration {
	seconds := math.Pow(2, float64(counter))
	if seconds > 60 {
		seconds = 60
	}
	return time.Duration(seconds) * time.Second
}

func (w *Worker) recordSuccess() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.jobsProcessed++
}

func (w *Worker) recordFailure() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.jobsFailed++
}

// Stats reports the worker's current observable state.
func (w *Worker) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	uptime := 0.0
	if w.running {
		uptime = w.clock.Now().Sub(w.startedAt).Seconds()
	}
	return Stats{
		WorkerID:      w.workerID,
		Running:       w.running,
		JobsProcessed: w.jobsProcessed,
		JobsFailed:    w.jobsFailed,
		UptimeSeconds: uptime,
		CurrentJob:    w.currentJob,
		LastJobTime:   w.lastJobAt,
	}
}

// ShutdownGrace is how long a caller driving this worker from the outside
// (cmd/worker's signal handler) should wait for Start to return after
// calling Stop before giving up on a graceful exit.
func (w *Worker) ShutdownGrace() time.Duration {
	return w.shutdownGrace
}

func (w *Worker) setCurrentJob(msgID *int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.currentJob = msgID
	if msgID == nil {
		now := w.clock.Now()
		w.lastJobAt = &now
	}
}
