// Package audit builds and dispatches the completion email the worker loop
// fires at settlement: a failure event to the configured audit recipients,
// or a success event to the job's owner.
package audit

import (
	"context"
	"errors"

	"github.com/devdoxai/queueworker/internal/contracts"
	"github.com/devdoxai/queueworker/internal/jobtracer"
)

// ErrMissingUserEmail is recorded on the tracer when a job completed
// successfully but carries no user_email to notify.
var ErrMissingUserEmail = errors.New("audit: successful job has no user_email")

// FailureEvent is the context handed to the PROJECT_ANALYSIS_FAILURE template.
type FailureEvent struct {
	JobContextID string             `json:"job_context_id"`
	RepoID       string             `json:"repo_id"`
	JobType      string             `json:"job_type"`
	ErrorSummary string             `json:"error_summary"`
	ErrorType    string             `json:"error_type"`
	Stacktrace   string             `json:"error_stacktrace"`
	ErrorChain   []jobtracer.ErrorFrame `json:"error_chain"`
	QueuedAt     string             `json:"job_queued_at"`
	SettledAt    string             `json:"job_settled_at"`
	TotalMS      *int64             `json:"total_ms,omitempty"`
}

// SuccessEvent is the context handed to the PROJECT_ANALYSIS_SUCCESS template.
type SuccessEvent struct {
	JobContextID     string `json:"job_context_id"`
	RepoID           string `json:"repo_id"`
	JobType          string `json:"job_type"`
	RepositoryURL    string `json:"repository_html_url"`
	RepositoryBranch string `json:"repository_branch"`
	RunMS            *int64 `json:"run_ms,omitempty"`
	TotalMS          *int64 `json:"total_ms,omitempty"`
}

// Notifier dispatches the settlement email. It never retries; a dispatch
// failure is logged only, exactly as the handler boundary's own errors are
// — the worker loop must never fail because an audit email couldn't send.
type Notifier struct {
	Dispatcher      contracts.EmailDispatcher
	AuditRecipients []string
	Logger          contracts.Logger
}

// New constructs a Notifier.
func New(dispatcher contracts.EmailDispatcher, auditRecipients []string, logger contracts.Logger) *Notifier {
	return &Notifier{Dispatcher: dispatcher, AuditRecipients: auditRecipients, Logger: logger}
}

// Notify marks the tracer settled and dispatches the appropriate email.
func (n *Notifier) Notify(ctx context.Context, tracer *jobtracer.Tracer) {
	if err := tracer.MarkSettled(nil, false); err != nil && n.Logger != nil {
		n.Logger.Exception(ctx, "audit: mark_settled failed", err, "job_context_id", tracer.JobContextID)
	}

	if tracer.HasError() {
		n.dispatchFailure(ctx, tracer)
		return
	}

	if tracer.UserEmail == "" {
		tracer.RecordError("successful job missing user_email", ErrMissingUserEmail)
		n.dispatchFailure(ctx, tracer)
		return
	}

	event := SuccessEvent{
		JobContextID:     tracer.JobContextID,
		RepoID:           tracer.RepoID,
		JobType:          tracer.JobType,
		RepositoryURL:    tracer.RepositoryHTMLURL,
		RepositoryBranch: tracer.RepositoryBranch,
		RunMS:            tracer.RunMS(),
		TotalMS:          tracer.TotalMS(),
	}
	if err := n.Dispatcher.SendTemplatedHTML(ctx, []string{tracer.UserEmail}, contracts.TemplateProjectAnalysisSuccess, event); err != nil && n.Logger != nil {
		n.Logger.Exception(ctx, "audit: success email dispatch failed", err, "job_context_id", tracer.JobContextID)
	}
}

func (n *Notifier) dispatchFailure(ctx context.Context, tracer *jobtracer.Tracer) {
	if len(n.AuditRecipients) == 0 {
		if n.Logger != nil {
			n.Logger.Error(ctx, "audit: no audit_recipients configured, failure event dropped", "job_context_id", tracer.JobContextID)
		}
		return
	}

	event := FailureEvent{
		JobContextID: tracer.JobContextID,
		RepoID:       tracer.RepoID,
		JobType:      tracer.JobType,
		ErrorSummary: tracer.ErrorSummary,
		ErrorType:    tracer.ErrorType,
		Stacktrace:   tracer.ErrorStacktrace,
		ErrorChain:   tracer.ErrorChain,
		QueuedAt:     jobtracer.FormatISO8601(tracer.JobQueuedAt),
		TotalMS:      tracer.TotalMS(),
	}
	if tracer.JobSettledAt != nil {
		event.SettledAt = jobtracer.FormatISO8601(*tracer.JobSettledAt)
	}

	if err := n.Dispatcher.SendTemplatedHTML(ctx, n.AuditRecipients, contracts.TemplateProjectAnalysisFailure, event); err != nil && n.Logger != nil {
		n.Logger.Exception(ctx, "audit: failure email dispatch failed", err, "job_context_id", tracer.JobContextID)
	}
}
