package jobtracer

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedClock struct{ t time.Time }

func (f fixedClock) Now() time.Time { return f.t }

func TestNew_SetsQueuedAt(t *testing.T) {
	clock := fixedClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	tr := New(clock)
	assert.Equal(t, clock.t, tr.JobQueuedAt)
	assert.Nil(t, tr.JobStartedAt)
}

func TestMarkStarted_IdempotentUnlessForced(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tr := New(fixedClock{t: base})

	first := base.Add(time.Second)
	require.NoError(t, tr.MarkStarted(&first, false))
	assert.Equal(t, first, *tr.JobStartedAt)

	second := base.Add(2 * time.Second)
	require.NoError(t, tr.MarkStarted(&second, false))
	assert.Equal(t, first, *tr.JobStartedAt, "second call without force must be a no-op")

	require.NoError(t, tr.MarkStarted(&second, true))
	assert.Equal(t, second, *tr.JobStartedAt)
}

func TestMarkFinished_RejectsOutOfOrder(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tr := New(fixedClock{t: base})

	started := base.Add(2 * time.Second)
	require.NoError(t, tr.MarkStarted(&started, false))

	earlier := base.Add(time.Second)
	err := tr.MarkFinished(&earlier, false)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidTimestampOrder)
	assert.Nil(t, tr.JobFinishedAt, "failed mark must not leave a partial mutation")
}

func TestRunMSAndTotalMS(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tr := New(fixedClock{t: base})

	started := base.Add(1 * time.Second)
	finished := base.Add(3500 * time.Millisecond)
	settled := base.Add(4 * time.Second)
	require.NoError(t, tr.MarkStarted(&started, false))
	require.NoError(t, tr.MarkFinished(&finished, false))
	require.NoError(t, tr.MarkSettled(&settled, false))

	require.NotNil(t, tr.RunMS())
	assert.Equal(t, int64(2500), *tr.RunMS())

	require.NotNil(t, tr.TotalMS())
	assert.Equal(t, int64(4000), *tr.TotalMS())
}

func TestRecordError_BuildsChainOuterToInner(t *testing.T) {
	inner := errors.New("connection refused")
	wrapped := fmt.Errorf("dial postgres: %w", inner)

	tr := New(fixedClock{t: time.Now()})
	tr.RecordErrorDetailed("", wrapped, 0)

	require.Len(t, tr.ErrorChain, 2)
	assert.Equal(t, 0, tr.ErrorChain[0].Depth)
	assert.Contains(t, tr.ErrorChain[0].Msg, "dial postgres")
	assert.Equal(t, 1, tr.ErrorChain[1].Depth)
	assert.Contains(t, tr.ErrorChain[1].Msg, "connection refused")
	assert.True(t, tr.HasError())
	assert.Contains(t, tr.ErrorSummary, "dial postgres")

	for _, frame := range tr.ErrorChain {
		assert.NotEmpty(t, frame.Func, "every frame must carry the function it was captured at")
	}
	assert.Equal(t, strings.Join([]string{tr.ErrorChain[0].Func, tr.ErrorChain[1].Func}, "→"), tr.ErrorType)
}

func TestRecordError_TruncatesStacktrace(t *testing.T) {
	tr := New(fixedClock{t: time.Now()})
	tr.RecordErrorDetailed("boom", errors.New("boom"), 10)
	assert.True(t, tr.ErrorStacktraceTruncated)
	assert.LessOrEqual(t, len(tr.ErrorStacktrace), 10)
}

func TestClearError(t *testing.T) {
	tr := New(fixedClock{t: time.Now()})
	tr.RecordError("boom", errors.New("boom"))
	require.True(t, tr.HasError())

	tr.ClearError()
	assert.False(t, tr.HasError())
	assert.Empty(t, tr.ErrorChain)
}

func TestMarshalJSON_UTCRendersTrailingZ(t *testing.T) {
	base := time.Date(2026, 1, 1, 12, 30, 0, 0, time.UTC)
	tr := New(fixedClock{t: base})

	out, err := json.Marshal(tr)
	require.NoError(t, err)

	var parsed map[string]any
	require.NoError(t, json.Unmarshal(out, &parsed))
	assert.Equal(t, "2026-01-01T12:30:00.000000Z", parsed["job_queued_at"])
	assert.Equal(t, false, parsed["has_error"])
}

func TestFormatISO8601_PreservesNonUTCOffset(t *testing.T) {
	loc := time.FixedZone("+02:00", 2*60*60)
	ts := time.Date(2026, 1, 1, 10, 0, 0, 0, loc)
	assert.Equal(t, "2026-01-01T10:00:00.000000+02:00", FormatISO8601(ts))
}
