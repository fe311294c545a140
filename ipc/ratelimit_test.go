package ipc

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateLimiter_AllowsUpToLimit(t *testing.T) {
	rl := newRateLimiter(10, time.Second)

	for i := 0; i < 10; i++ {
		assert.True(t, rl.Allow(), "message %d should be allowed", i+1)
	}
	assert.False(t, rl.Allow(), "message 11 should be blocked")
}

func TestRateLimiter_WindowSlides(t *testing.T) {
	rl := newRateLimiter(10, time.Second)

	clock := time.Now()
	rl.now = func() time.Time { return clock }

	for i := 0; i < 10; i++ {
		require.True(t, rl.Allow())
	}
	require.False(t, rl.Allow())

	// After the window passes, the budget is fresh.
	clock = clock.Add(1100 * time.Millisecond)
	assert.True(t, rl.Allow())
}

func TestRateLimiter_BlockedArrivalsStayCounted(t *testing.T) {
	rl := newRateLimiter(10, time.Second)

	clock := time.Now()
	rl.now = func() time.Time { return clock }

	// A client hammering past the limit keeps refilling its own window.
	for i := 0; i < 20; i++ {
		rl.Allow()
		clock = clock.Add(10 * time.Millisecond)
	}
	assert.False(t, rl.Allow(), "still over budget while hammering")
}

func TestRateLimiter_Reset(t *testing.T) {
	rl := newRateLimiter(10, time.Second)

	for i := 0; i < 11; i++ {
		rl.Allow()
	}
	require.False(t, rl.Allow())

	rl.Reset()
	assert.True(t, rl.Allow(), "fresh budget after reset")
}
