package retrypolicy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDelay_BoundedExponential(t *testing.T) {
	cfg := Config{RetryBaseSeconds: 10, RetryCapSeconds: 300}

	cases := []struct {
		attempts int
		want     time.Duration
	}{
		{1, 10 * time.Second},
		{2, 20 * time.Second},
		{3, 40 * time.Second},
		{6, 300 * time.Second}, // 10*2^5=320, capped at 300
		{0, 10 * time.Second},  // attempts<1 treated as 1
	}

	for _, tc := range cases {
		assert.Equal(t, tc.want, Delay(tc.attempts, cfg))
	}
}

func TestShouldRetry(t *testing.T) {
	assert.True(t, ShouldRetry(true, 1, 3))
	assert.True(t, ShouldRetry(true, 2, 3))
	assert.False(t, ShouldRetry(true, 3, 3), "attempts == max_attempts must archive, not retry")
	assert.False(t, ShouldRetry(false, 1, 3))
}
