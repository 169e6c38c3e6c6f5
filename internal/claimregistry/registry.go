package claimregistry

import "context"

// Registry is the claim registry's external surface: a single atomic
// try-claim operation plus the Tracker it hands back for the lifecycle of
// one job attempt.
type Registry interface {
	// TryClaim attempts to claim messageID for workerID on queueName. It
	// qualifies (returns a usable Tracker) unless a claim for the same
	// message_id is already PENDING, IN_PROGRESS, or COMPLETED — including
	// the case where two callers race and the database's partial unique
	// index resolves the race for us.
	TryClaim(ctx context.Context, workerID string, messageID int64, queueName string) (Outcome, error)
}
