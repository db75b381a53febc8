package exchange

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGovernorAcquireFirstSlotImmediate(t *testing.T) {
	gov := NewGovernor(time.Hour, 50*time.Millisecond)
	defer gov.Stop()

	start := time.Now()
	require.NoError(t, gov.Acquire(context.Background()))
	assert.Less(t, time.Since(start), 20*time.Millisecond)
}

func TestGovernorTimesOutWhenExhausted(t *testing.T) {
	gov := NewGovernor(time.Hour, 30*time.Millisecond)
	defer gov.Stop()

	require.NoError(t, gov.Acquire(context.Background()))

	// slot consumed and replenisher far away, second acquire must fail
	err := gov.Acquire(context.Background())
	assert.ErrorIs(t, err, ErrRateLimit)
}

func TestGovernorReplenishes(t *testing.T) {
	gov := NewGovernor(20*time.Millisecond, 500*time.Millisecond)
	defer gov.Stop()

	for i := 0; i < 3; i++ {
		require.NoError(t, gov.Acquire(context.Background()), "acquire %d", i)
	}
}

func TestGovernorSpacesCalls(t *testing.T) {
	interval := 30 * time.Millisecond
	gov := NewGovernor(interval, time.Second)
	defer gov.Stop()

	require.NoError(t, gov.Acquire(context.Background()))
	start := time.Now()
	require.NoError(t, gov.Acquire(context.Background()))

	// second slot only arrives with the replenisher tick
	assert.GreaterOrEqual(t, time.Since(start), interval/2)
}

func TestGovernorStopIsIdempotent(t *testing.T) {
	gov := NewGovernor(time.Hour, time.Millisecond)
	gov.Stop()
	assert.NotPanics(t, gov.Stop)
}

func TestGovernorHonorsContext(t *testing.T) {
	gov := NewGovernor(time.Hour, time.Hour)
	defer gov.Stop()

	require.NoError(t, gov.Acquire(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := gov.Acquire(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
