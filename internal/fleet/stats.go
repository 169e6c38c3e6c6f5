package fleet

import "time"

// Stats is one worker's observable state, as exposed by Worker.Stats().
type Stats struct {
	WorkerID      string
	Running       bool
	JobsProcessed int64
	JobsFailed    int64
	UptimeSeconds float64
	CurrentJob    *int64
	LastJobTime   *time.Time
}
