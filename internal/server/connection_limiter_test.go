package server

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnectionLimits_PerIPCap(t *testing.T) {
	limits := NewConnectionLimits(100, 2, 1000, 1000)

	allowed, _ := limits.Acquire("203.0.113.1")
	require.True(t, allowed)
	allowed, _ = limits.Acquire("203.0.113.1")
	require.True(t, allowed)

	allowed, reason := limits.Acquire("203.0.113.1")
	assert.False(t, allowed)
	assert.Equal(t, LimitReasonPerIP, reason)

	// Another IP is unaffected.
	allowed, _ = limits.Acquire("203.0.113.2")
	assert.True(t, allowed)

	// Releasing a slot frees capacity.
	limits.Release("203.0.113.1")
	allowed, _ = limits.Acquire("203.0.113.1")
	assert.True(t, allowed)
}

func TestConnectionLimits_GlobalCap(t *testing.T) {
	limits := NewConnectionLimits(1, 10, 1000, 1000)

	allowed, _ := limits.Acquire("203.0.113.1")
	require.True(t, allowed)
	assert.Equal(t, int64(1), limits.Current())

	allowed, reason := limits.Acquire("203.0.113.2")
	assert.False(t, allowed)
	assert.Equal(t, LimitReasonGlobal, reason)

	limits.Release("203.0.113.1")
	assert.Equal(t, int64(0), limits.Current())

	allowed, _ = limits.Acquire("203.0.113.2")
	assert.True(t, allowed)
}

func TestConnectionLimits_RateLimit(t *testing.T) {
	limits := NewConnectionLimits(100, 100, 1, 2)

	for i := 0; i < 2; i++ {
		allowed, _ := limits.Acquire("203.0.113.1")
		require.True(t, allowed)
		limits.Release("203.0.113.1")
	}

	allowed, reason := limits.Acquire("203.0.113.1")
	assert.False(t, allowed)
	assert.Equal(t, LimitReasonRate, reason)

	// Buckets are per IP.
	allowed, _ = limits.Acquire("203.0.113.2")
	assert.True(t, allowed)
}

func TestConnectionLimits_PerIPRejectionRollsBackGlobal(t *testing.T) {
	limits := NewConnectionLimits(100, 1, 1000, 1000)

	allowed, _ := limits.Acquire("203.0.113.1")
	require.True(t, allowed)

	allowed, _ = limits.Acquire("203.0.113.1")
	require.False(t, allowed)
	assert.Equal(t, int64(1), limits.Current())
}
