// Package contracts defines the narrow interfaces the worker fleet consumes
// from and publishes to its external collaborators: the analysis pipeline
// that actually does the work, the email transport, the wall clock, and the
// logger. None of these are implemented here beyond trivial defaults — the
// point of the package is the boundary, not the implementation.
package contracts

import (
	"context"
	"encoding/json"
	"time"
)

// MessageHandler is the opaque analysis pipeline invoked for job types the
// fleet is configured to dispatch. It may mutate the tracker's step and the
// tracer's metadata/errors, and may block for up to the configured job
// timeout. Returning an error routes the job through the failure/retry
// policy.
type MessageHandler interface {
	Handle(ctx context.Context, payload json.RawMessage, tracker Tracker, tracer Tracer) error
}

// Tracker is the subset of claimregistry.Tracker's behavior a MessageHandler
// is allowed to see. Defined here (rather than imported) so this package has
// no dependency on claimregistry, keeping the boundary narrow.
type Tracker interface {
	UpdateStep(ctx context.Context, step string) error
}

// Tracer is the subset of jobtracer.Tracer's behavior a MessageHandler is
// allowed to see.
type Tracer interface {
	AddMetadata(fields map[string]any)
	RecordError(summary string, err error)
}

// NoopMessageHandler is a MessageHandler that passes a handler=noop metadata
// field to the tracer and returns immediately; jobtracer.Tracer does not
// keep that key, so nothing is recorded. The real analysis pipeline is an external collaborator
// this module never implements; wiring this in by default lets a fleet boot
// and drain a processing queue end-to-end in an environment that hasn't
// supplied a real handler yet.
type NoopMessageHandler struct{}

func (NoopMessageHandler) Handle(ctx context.Context, payload json.RawMessage, tracker Tracker, tracer Tracer) error {
	tracer.AddMetadata(map[string]any{"handler": "noop"})
	return nil
}

var _ MessageHandler = NoopMessageHandler{}

// EmailTemplate names one of the two templates the audit notifier dispatches.
type EmailTemplate string

const (
	TemplateProjectAnalysisFailure EmailTemplate = "PROJECT_ANALYSIS_FAILURE"
	TemplateProjectAnalysisSuccess EmailTemplate = "PROJECT_ANALYSIS_SUCCESS"
)

// EmailDispatcher sends a templated HTML email. Implementations never retry;
// transport failures are the caller's to log.
type EmailDispatcher interface {
	SendTemplatedHTML(ctx context.Context, to []string, template EmailTemplate, data any) error
}

// Clock abstracts wall-clock time so every timestamp the core produces can
// be pinned in tests.
type Clock interface {
	Now() time.Time
}

// SystemClock is the production Clock, backed by time.Now in UTC.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }

// Logger mirrors the level set the core reasons about: debug/info/warning
// is plain structured logging, exception attaches an error value.
type Logger interface {
	Debug(ctx context.Context, msg string, args ...any)
	Info(ctx context.Context, msg string, args ...any)
	Warning(ctx context.Context, msg string, args ...any)
	Error(ctx context.Context, msg string, args ...any)
	Exception(ctx context.Context, msg string, err error, args ...any)
}
