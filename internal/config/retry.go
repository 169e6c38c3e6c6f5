package config

// RetryConfig holds the failure/retry policy's tunables: the bounded
// exponential backoff base and cap, and a MaxAttempts value. MaxAttempts is
// loaded and defaulted but not read by the retry policy or the queue
// adapter: the ceiling applied is each message's own max_attempts, which
// the queue adapter sets to 3 when a message is enqueued without one.
type RetryConfig struct {
	RetryBaseSeconds int `env:"QW_RETRY_BASE_SECONDS" default:"10"`
	RetryCapSeconds  int `env:"QW_RETRY_CAP_SECONDS" default:"300"`
	MaxAttempts      int `env:"QW_RETRY_MAX_ATTEMPTS" default:"3"`
}
