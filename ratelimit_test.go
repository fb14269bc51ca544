package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRateLimiterBurstAndRefill(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rl := NewRateLimiter(1, 2)
	rl.now = func() time.Time { return now }
	rl.lastRefill = now

	assert.True(t, rl.Allow())
	assert.True(t, rl.Allow())
	assert.False(t, rl.Allow())

	now = now.Add(time.Second)
	assert.True(t, rl.Allow())
	assert.False(t, rl.Allow())

	// Refill never exceeds the burst
	now = now.Add(time.Hour)
	assert.True(t, rl.Allow())
	assert.True(t, rl.Allow())
	assert.False(t, rl.Allow())
}

func TestRateLimiterUnlimited(t *testing.T) {
	rl := NewRateLimiter(0, 1)
	for i := 0; i < 100; i++ {
		assert.True(t, rl.Allow())
	}

	ipl := NewIPRateLimiter(-1, 1)
	for i := 0; i < 100; i++ {
		assert.True(t, ipl.Allow("192.0.2.1"))
	}
	assert.Zero(t, ipl.Len())
}

func TestIPRateLimiterPerIPAndCleanup(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l := NewIPRateLimiter(1, 1)
	l.now = func() time.Time { return now }

	assert.True(t, l.Allow("192.0.2.1"))
	assert.False(t, l.Allow("192.0.2.1"))
	assert.True(t, l.Allow("192.0.2.2"))
	assert.Equal(t, 2, l.Len())

	now = now.Add(10 * time.Minute)
	l.Cleanup()
	assert.Zero(t, l.Len())
}
