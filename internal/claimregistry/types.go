package claimregistry

import "time"

// Status is a ClaimRecord's lifecycle state.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusInProgress Status = "IN_PROGRESS"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
	StatusRetry      Status = "RETRY"
)

// active reports whether s counts toward the one-active-claim-per-message
// invariant (the partial unique index mirrors this set exactly).
func (s Status) active() bool {
	switch s {
	case StatusPending, StatusInProgress, StatusCompleted:
		return true
	default:
		return false
	}
}

// Step is a point in a claim's processing lifecycle. The registry persists
// whatever step the caller reports; it does not enforce strict ordering.
type Step string

const (
	StepStart               Step = "START"
	StepDispatch            Step = "DISPATCH"
	StepFileCloned          Step = "FILE_CLONED"
	StepGenerateEmbeddings  Step = "GENERATE_EMBEDDINGS"
	StepStoreEmbedsDB       Step = "STORE_EMBEDS_DB"
	StepDBSaved             Step = "DB_SAVED"
	StepQueueAck            Step = "QUEUE_ACK"
	StepAuditNotifications  Step = "AUDIT_NOTIFICATIONS"
	StepDone                Step = "DONE"
)

// Record is a single persistent claim row.
type Record struct {
	ID        string
	MessageID int64
	QueueName string
	Step      Step
	Status    Status
	ClaimedBy string

	// PreviousClaimID is a back-reference to the prior claim's surrogate ID
	// when this record was created because the prior one settled into
	// FAILED or RETRY — it threads the retry history for one logical job.
	PreviousClaimID *string

	ClaimedAt time.Time
	UpdatedAt time.Time
}

// Outcome is TryClaim's result.
type Outcome struct {
	Qualifies bool
	Tracker   *Tracker
}
