package fleet

import (
	"context"
	"encoding/json"

	"github.com/devdoxai/queueworker/internal/claimregistry"
	"github.com/devdoxai/queueworker/internal/contracts"
	"github.com/devdoxai/queueworker/internal/jobtracer"
	"github.com/devdoxai/queueworker/internal/queue"
)

// retryAllByDefault is handleJob's retry_flag for every handler error.
// MessageHandler.Handle reports only success or failure, with no channel to
// mark an error permanent — so every failure is treated as retryable until
// the attempt ceiling is reached, at which point the retry policy archives
// it regardless of this flag.
const retryAllByDefault = true

// noopTracker satisfies contracts.Tracker when the claim registry is
// disabled, so the handler boundary never has to nil-check its tracker.
type noopTracker struct{}

func (noopTracker) UpdateStep(context.Context, string) error { return nil }

var _ contracts.Tracker = noopTracker{}

// handleJob runs one dequeued message through claim, dispatch, and
// settlement. failed reports whether the attempt should count against the
// worker's consecutive-failure counter; claimRejected reports the
// qualifies=false case, which the caller treats as fatal to the worker.
func (w *Worker) handleJob(ctx context.Context, job *queue.Message) (failed bool, claimRejected bool) {
	w.setCurrentJob(&job.MsgID)
	defer w.setCurrentJob(nil)

	tracer := jobtracer.New(w.clock)
	if w.jobTracerEnabled {
		w.seedTracerMetadata(tracer, job)
	}

	var tracker *claimregistry.Tracker
	if w.registry != nil {
		outcome, err := w.registry.TryClaim(ctx, w.workerID, job.MsgID, job.QueueName)
		if err != nil {
			w.logger.Exception(ctx, "fleet: try_claim failed", err, "worker_id", w.workerID, "msg_id", job.MsgID)
			return true, false
		}
		if !outcome.Qualifies {
			return false, true
		}
		tracker = outcome.Tracker
	}

	handlerTracker := contracts.Tracker(noopTracker{})
	if tracker != nil {
		handlerTracker = tracker
	}

	if err := w.processOnce(ctx, job, tracker, handlerTracker, tracer); err != nil {
		w.failJobSafe(ctx, job, err, tracker, tracer)
		return true, false
	}

	w.notifier.Notify(ctx, tracer)
	return false, false
}

// processOnce drives the DISPATCH -> (handler) -> QUEUE_ACK -> DONE path for
// a single attempt. Any error returned here routes through failJobSafe.
func (w *Worker) processOnce(ctx context.Context, job *queue.Message, tracker *claimregistry.Tracker, handlerTracker contracts.Tracker, tracer *jobtracer.Tracer) error {
	if err := tracer.MarkStarted(nil, false); err != nil {
		return err
	}

	if tracker != nil {
		if err := tracker.UpdateStep(ctx, string(claimregistry.StepDispatch)); err != nil {
			return err
		}
		if err := tracker.Start(ctx); err != nil {
			return err
		}
	}

	if w.shouldDispatch(job) {
		if err := w.handler.Handle(ctx, job.Payload, handlerTracker, tracer); err != nil {
			return err
		}
	}

	if tracker != nil {
		if err := tracker.UpdateStep(ctx, string(claimregistry.StepQueueAck)); err != nil {
			return err
		}
	}

	// A failed Delete is recorded but does not fail the attempt: completion
	// is idempotent. If the message survives, its next visibility will
	// re-present it and the claim-uniqueness check resolves the duplicate.
	if _, err := w.queue.Delete(ctx, job.QueueName, job.MsgID); err != nil {
		w.logger.Exception(ctx, "fleet: delete failed after successful processing, treating as processed", err, "msg_id", job.MsgID)
		tracer.RecordError("", err)
	}

	if tracker != nil {
		if err := tracker.Completed(ctx); err != nil {
			w.logger.Exception(ctx, "fleet: failed to mark claim COMPLETED after successful delete", err, "msg_id", job.MsgID)
		}
	}

	return tracer.MarkFinished(nil, false)
}

// shouldDispatch is the literal (queue == "processing") AND (job_type in
// {analyze, process}) gate: every other message is acknowledged without
// ever reaching the handler.
func (w *Worker) shouldDispatch(job *queue.Message) bool {
	return w.handler != nil && job.QueueName == processingQueue && dispatchableJobTypes[job.JobType]
}

// failJobSafe hands a failed attempt to the retry policy, guarding the
// degenerate case a queue adapter could in principle hand back: a message
// with no broker id to act on.
func (w *Worker) failJobSafe(ctx context.Context, job *queue.Message, jobErr error, tracker *claimregistry.Tracker, tracer *jobtracer.Tracer) {
	if job.MsgID == 0 {
		w.logger.Error(ctx, "fleet: cannot fail job safely", "error", ErrMissingMessageID.Error())
		return
	}

	decision, err := w.policy.Decide(ctx, job, jobErr, retryAllByDefault, tracker, tracer)
	if err != nil {
		w.logger.Exception(ctx, "fleet: retry policy failed", err, "worker_id", w.workerID, "msg_id", job.MsgID)
		return
	}

	if decision.Permanent {
		w.notifier.Notify(ctx, tracer)
	}
}

// seedTracerMetadata patches the tracer's identifying fields from the
// envelope before dispatch, so even a job that fails before the handler
// ever runs produces an attributable audit event.
func (w *Worker) seedTracerMetadata(tracer *jobtracer.Tracer, job *queue.Message) {
	fields := map[string]any{
		"job_type": job.JobType,
	}
	if job.UserID != nil {
		fields["user_id"] = *job.UserID
	}
	if len(job.Payload) > 0 {
		var envelope map[string]any
		if err := json.Unmarshal(job.Payload, &envelope); err == nil {
			for k, v := range envelope {
				fields[k] = v
			}
		}
	}
	tracer.AddMetadata(fields)
}
