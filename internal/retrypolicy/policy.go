// Package retrypolicy implements the failure/retry decision: whether a
// failed job attempt is retried with bounded exponential backoff or
// archived permanently, and the envelope rewriting either path requires.
package retrypolicy

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/devdoxai/queueworker/internal/claimregistry"
	"github.com/devdoxai/queueworker/internal/contracts"
	"github.com/devdoxai/queueworker/internal/jobtracer"
	"github.com/devdoxai/queueworker/internal/queue"
)

// Config is the policy's tunables.
type Config struct {
	RetryBaseSeconds int
	RetryCapSeconds  int
}

// Decision is FailureRetryPolicy's result.
type Decision struct {
	// Permanent is true when the job will not be attempted again.
	Permanent bool
	// Handled is true when the queue-side mutation (archive or
	// delete+resend) actually took effect.
	Handled bool
	// NewMessageID is set on the retry path to the freshly sent message's id.
	NewMessageID *int64
}

// Delay returns the bounded exponential backoff for attempt a (a≥1):
// min(cap, base·2^(a−1)). No jitter — this is an exact reproduction of the
// spec's invariant, not the jittered variant some callers elsewhere favor.
func Delay(attempts int, cfg Config) time.Duration {
	base := cfg.RetryBaseSeconds
	ceiling := cfg.RetryCapSeconds
	exp := attempts - 1
	if exp < 0 {
		exp = 0
	}
	seconds := float64(base) * math.Pow(2, float64(exp))
	if seconds > float64(ceiling) {
		seconds = float64(ceiling)
	}
	return time.Duration(seconds) * time.Second
}

// ShouldRetry reports whether a job should be retried rather than archived.
func ShouldRetry(retryFlag bool, attempts, maxAttempts int) bool {
	return retryFlag && attempts < maxAttempts
}

// Policy ties the queue adapter and claim registry tracker together to
// execute the retry/archive decision. It is stateless; Decide is safe for
// concurrent use across workers sharing the same Queue/Registry.
type Policy struct {
	Queue  queue.Queue
	Cfg    Config
	Logger contracts.Logger
}

// New constructs a Policy.
func New(q queue.Queue, cfg Config, logger contracts.Logger) *Policy {
	return &Policy{Queue: q, Cfg: cfg, Logger: logger}
}

// Decide executes the failure/retry decision for a failed job attempt.
// tracker and tracer may be nil (tracking disabled); errors from mutating
// them are logged, not propagated — matching FailJobSafe's guarantee that
// the policy itself never panics the worker loop.
func (p *Policy) Decide(ctx context.Context, job *queue.Message, jobErr error, retryFlag bool, tracker *claimregistry.Tracker, tracer *jobtracer.Tracer) (Decision, error) {
	if ShouldRetry(retryFlag, job.Attempts, job.MaxAttempts) {
		return p.retry(ctx, job, jobErr, tracker)
	}
	return p.archive(ctx, job, jobErr, tracker, tracer)
}

func (p *Policy) retry(ctx context.Context, job *queue.Message, jobErr error, tracker *claimregistry.Tracker) (Decision, error) {
	delay := Delay(job.Attempts, p.Cfg)

	envelope, err := buildRetryEnvelope(job, jobErr)
	if err != nil {
		return Decision{}, fmt.Errorf("retrypolicy: build retry envelope: %w", err)
	}

	if _, err := p.Queue.Delete(ctx, job.QueueName, job.MsgID); err != nil {
		return Decision{}, fmt.Errorf("retrypolicy: delete before resend: %w", err)
	}

	newMsgID, err := p.Queue.Send(ctx, job.QueueName, envelope, delay)
	if err != nil {
		return Decision{}, fmt.Errorf("retrypolicy: send retry: %w", err)
	}

	if tracker != nil {
		if err := tracker.Retry(ctx, &newMsgID); err != nil && p.Logger != nil {
			p.Logger.Exception(ctx, "retrypolicy: failed to mark tracker RETRY", err, "msg_id", job.MsgID)
		}
	}

	return Decision{Permanent: false, Handled: true, NewMessageID: &newMsgID}, nil
}

func (p *Policy) archive(ctx context.Context, job *queue.Message, jobErr error, tracker *claimregistry.Tracker, tracer *jobtracer.Tracer) (Decision, error) {
	ok, err := p.Queue.Archive(ctx, job.QueueName, job.MsgID)
	if err != nil && p.Logger != nil {
		p.Logger.Exception(ctx, "retrypolicy: archive failed", err, "msg_id", job.MsgID)
	}

	if tracker != nil {
		if err := tracker.Fail(ctx, nil); err != nil && p.Logger != nil {
			p.Logger.Exception(ctx, "retrypolicy: failed to mark tracker FAILED", err, "msg_id", job.MsgID)
		}
	}

	if tracer != nil {
		tracer.RecordError(jobErr.Error(), jobErr)
	}

	return Decision{Permanent: true, Handled: ok}, nil
}

// buildRetryEnvelope shallow-copies the job's envelope for resend: attempts
// carried over (Send's caller is expected to re-increment on the next
// dequeue), retry_count set, the error captured, and broker-assigned ids
// stripped.
func buildRetryEnvelope(job *queue.Message, jobErr error) (json.RawMessage, error) {
	var fields map[string]any
	if len(job.Payload) > 0 {
		if err := json.Unmarshal(job.Payload, &fields); err != nil {
			return nil, err
		}
	}
	if fields == nil {
		fields = map[string]any{}
	}

	fields["job_type"] = job.JobType
	fields["priority"] = job.Priority
	fields["max_attempts"] = job.MaxAttempts
	fields["config"] = json.RawMessage(job.Config)
	fields["attempts"] = job.Attempts
	fields["retry_count"] = job.Attempts
	fields["error_message"] = jobErr.Error()
	fields["last_error_trace"] = jobErr.Error()
	delete(fields, "msg_id")
	delete(fields, "id")

	return json.Marshal(fields)
}
