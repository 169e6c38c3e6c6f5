// Package jobtracer implements the per-job provenance object threaded
// through a single dequeue/claim/dispatch/settle cycle: identifying
// metadata, timing marks, and a structured error chain captured at failure
// time. It is never persisted directly — it is serialized into the audit
// event at settlement.
package jobtracer

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"runtime"
	"time"

	"github.com/devdoxai/queueworker/internal/contracts"
)

// ErrInvalidTimestampOrder is returned when a mark would violate
// queued ≤ started ≤ finished ≤ settled.
var ErrInvalidTimestampOrder = errors.New("jobtracer: timestamp out of order")

// ErrorFrame is one node of a captured error chain, ordered OUTER→INNER.
type ErrorFrame struct {
	Depth int    `json:"depth"`
	Func  string `json:"func"`
	Type  string `json:"type"`
	Msg   string `json:"msg"`
	File  string `json:"file"`
	Line  int    `json:"line"`
}

const maxErrorMsgChars = 200

// Tracer is the per-job provenance record. All fields are exported for
// straightforward JSON (de)serialization; use the accessor methods to
// mutate it so the ordering invariant is always enforced.
type Tracer struct {
	RepositoryHTMLURL string `json:"repository_html_url,omitempty"`
	UserEmail         string `json:"user_email,omitempty"`
	RepositoryBranch  string `json:"repository_branch,omitempty"`
	JobContextID      string `json:"job_context_id,omitempty"`
	JobType           string `json:"job_type,omitempty"`
	RepoID            string `json:"repo_id,omitempty"`
	UserID            string `json:"user_id,omitempty"`

	JobQueuedAt   time.Time  `json:"job_queued_at"`
	JobStartedAt  *time.Time `json:"job_started_at,omitempty"`
	JobFinishedAt *time.Time `json:"job_finished_at,omitempty"`
	JobSettledAt  *time.Time `json:"job_settled_at,omitempty"`

	ErrorType                string       `json:"error_type,omitempty"`
	ErrorStacktrace          string       `json:"error_stacktrace,omitempty"`
	ErrorStacktraceTruncated bool         `json:"error_stacktrace_truncated,omitempty"`
	ErrorSummary             string       `json:"error_summary,omitempty"`
	ErrorChain               []ErrorFrame `json:"error_chain,omitempty"`

	clock contracts.Clock
}

// New constructs a Tracer with job_queued_at set to clock.Now().
func New(clock contracts.Clock) *Tracer {
	if clock == nil {
		clock = contracts.SystemClock{}
	}
	return &Tracer{
		JobQueuedAt: clock.Now(),
		clock:       clock,
	}
}

var _ contracts.Tracer = (*Tracer)(nil)

func (t *Tracer) now() time.Time {
	if t.clock == nil {
		return time.Now().UTC()
	}
	return t.clock.Now()
}

// AddMetadata patches the identifying fields present (non-empty) in fields.
// Recognized keys mirror the struct's identifying columns.
func (t *Tracer) AddMetadata(fields map[string]any) {
	set := func(dst *string, v any) {
		if s, ok := v.(string); ok && s != "" {
			*dst = s
		}
	}
	for k, v := range fields {
		switch k {
		case "repository_html_url":
			set(&t.RepositoryHTMLURL, v)
		case "user_email":
			set(&t.UserEmail, v)
		case "repository_branch":
			set(&t.RepositoryBranch, v)
		case "job_context_id":
			set(&t.JobContextID, v)
		case "job_type":
			set(&t.JobType, v)
		case "repo_id":
			set(&t.RepoID, v)
		case "user_id":
			set(&t.UserID, v)
		}
	}
}

// MarkStarted sets job_started_at. When is used if non-nil, else now().
// Idempotent unless force is true.
func (t *Tracer) MarkStarted(when *time.Time, force bool) error {
	return t.mark(&t.JobStartedAt, when, force)
}

// MarkFinished sets job_finished_at. Idempotent unless force is true.
func (t *Tracer) MarkFinished(when *time.Time, force bool) error {
	return t.mark(&t.JobFinishedAt, when, force)
}

// MarkSettled sets job_settled_at. Idempotent unless force is true.
func (t *Tracer) MarkSettled(when *time.Time, force bool) error {
	return t.mark(&t.JobSettledAt, when, force)
}

func (t *Tracer) mark(dst **time.Time, when *time.Time, force bool) error {
	if *dst != nil && !force {
		return nil
	}
	v := when
	if v == nil {
		now := t.now()
		v = &now
	}
	prev := *dst
	*dst = v
	if err := t.validateOrder(); err != nil {
		*dst = prev
		return err
	}
	return nil
}

func (t *Tracer) validateOrder() error {
	stamps := []*time.Time{&t.JobQueuedAt, t.JobStartedAt, t.JobFinishedAt, t.JobSettledAt}
	var prev *time.Time
	for _, s := range stamps {
		if s == nil {
			continue
		}
		if prev != nil && s.Before(*prev) {
			return fmt.Errorf("%w: %s before %s", ErrInvalidTimestampOrder, s.Format(time.RFC3339Nano), prev.Format(time.RFC3339Nano))
		}
		prev = s
	}
	return nil
}

// RunMS is finished−started in milliseconds, or nil if either is unset.
func (t *Tracer) RunMS() *int64 {
	return msBetween(t.JobStartedAt, t.JobFinishedAt)
}

// TotalMS is settled−queued in milliseconds, or nil if settled is unset.
func (t *Tracer) TotalMS() *int64 {
	queued := t.JobQueuedAt
	return msBetween(&queued, t.JobSettledAt)
}

func msBetween(from, to *time.Time) *int64 {
	if from == nil || to == nil {
		return nil
	}
	ms := int64(math.Round(float64(to.Sub(*from)) / float64(time.Millisecond)))
	return &ms
}

// HasError reports whether any error field has been populated.
func (t *Tracer) HasError() bool {
	return t.ErrorType != "" || t.ErrorStacktrace != "" || t.ErrorSummary != ""
}

// RecordError captures err's unwrap chain and a stacktrace with the default
// truncation limit. Satisfies contracts.Tracer.
func (t *Tracer) RecordError(summary string, err error) {
	t.RecordErrorDetailed(summary, err, 0)
}

// RecordErrorDetailed captures err's unwrap chain (OUTER→INNER) and a
// stacktrace taken at the call site. summary, when empty, is derived from
// the outermost error as "{type}: {msg}". maxChars<=0 uses the 14000-char
// default. Calling it again replaces the prior capture — the latest call
// always wins.
func (t *Tracer) RecordErrorDetailed(summary string, err error, maxChars int) {
	if err == nil {
		if summary != "" {
			t.ErrorSummary = summary
		}
		return
	}
	if maxChars <= 0 {
		maxChars = 14000
	}

	chain := buildErrorChain(err)
	t.ErrorChain = chain

	funcs := make([]string, len(chain))
	for i, f := range chain {
		funcs[i] = f.Func
	}
	t.ErrorType = joinArrow(funcs)

	if summary == "" && len(chain) > 0 {
		summary = fmt.Sprintf("%s: %s", chain[0].Type, chain[0].Msg)
	}
	t.ErrorSummary = summary

	stack, truncated := captureStack(maxChars)
	t.ErrorStacktrace = stack
	t.ErrorStacktraceTruncated = truncated
}

// ClearError nulls out every error field.
func (t *Tracer) ClearError() {
	t.ErrorType = ""
	t.ErrorStacktrace = ""
	t.ErrorStacktraceTruncated = false
	t.ErrorSummary = ""
	t.ErrorChain = nil
}

// buildErrorChain walks err's Unwrap chain OUTER→INNER. Each frame's Func
// and File/Line are taken from one level further up the actual call stack
// per unwrap depth — the closest Go analogue to the raise site each node of
// a Python TracebackException chain carries, since Go errors don't retain a
// stack per wrap level on their own.
func buildErrorChain(err error) []ErrorFrame {
	var chain []ErrorFrame
	depth := 0

	for err != nil {
		msg := err.Error()
		if len(msg) > maxErrorMsgChars {
			msg = msg[:maxErrorMsgChars]
		}
		frame := ErrorFrame{
			Depth: depth,
			Func:  "unknown",
			Type:  fmt.Sprintf("%T", err),
			Msg:   msg,
		}
		if pc, file, line, ok := runtime.Caller(2 + depth); ok {
			if fn := runtime.FuncForPC(pc); fn != nil {
				frame.Func = fn.Name()
			}
			frame.File = baseName(file)
			frame.Line = line
		}
		chain = append(chain, frame)
		depth++
		err = errors.Unwrap(err)
	}
	return chain
}

func baseName(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[i+1:]
		}
	}
	return path
}

func joinArrow(parts []string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += "→"
		}
		out += p
	}
	return out
}

func captureStack(maxChars int) (string, bool) {
	buf := make([]byte, 1<<16)
	n := runtime.Stack(buf, false)
	s := string(buf[:n])
	if len(s) > maxChars {
		return s[:maxChars], true
	}
	return s, false
}

// MarshalJSON renders timestamps in ISO-8601, UTC offsets as a trailing Z,
// other offsets preserved literally.
func (t Tracer) MarshalJSON() ([]byte, error) {
	type alias Tracer
	return json.Marshal(struct {
		alias
		JobQueuedAt   string  `json:"job_queued_at"`
		JobStartedAt  *string `json:"job_started_at,omitempty"`
		JobFinishedAt *string `json:"job_finished_at,omitempty"`
		JobSettledAt  *string `json:"job_settled_at,omitempty"`
		RunMS         *int64  `json:"run_ms,omitempty"`
		TotalMS       *int64  `json:"total_ms,omitempty"`
		HasError      bool    `json:"has_error"`
	}{
		alias:         alias(t),
		JobQueuedAt:   FormatISO8601(t.JobQueuedAt),
		JobStartedAt:  formatPtr(t.JobStartedAt),
		JobFinishedAt: formatPtr(t.JobFinishedAt),
		JobSettledAt:  formatPtr(t.JobSettledAt),
		RunMS:         t.RunMS(),
		TotalMS:       t.TotalMS(),
		HasError:      t.HasError(),
	})
}

func formatPtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := FormatISO8601(*t)
	return &s
}

// FormatISO8601 renders t as ISO-8601 with microsecond precision. A UTC
// instant renders with a trailing Z; any other offset is preserved
// literally.
func FormatISO8601(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	if t.Location() == time.UTC {
		return t.Format("2006-01-02T15:04:05.000000Z")
	}
	return t.Format("2006-01-02T15:04:05.000000Z07:00")
}

// ParseISO8601 parses a timestamp produced by FormatISO8601 (or any
// RFC3339-compatible string).
func ParseISO8601(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}
