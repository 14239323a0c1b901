package ratelimit

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gitnexus/capsuled/internal/common"
)

func TestLimiter_BurstOneRejectsSecondImmediateCall(t *testing.T) {
	limiter := NewLimiter(120, 1, common.GetLogger())

	first := limiter.Allow("key")
	require.True(t, first.Allowed)

	second := limiter.Allow("key")
	assert.False(t, second.Allowed, "burst 1 must reject the second immediate call")
	assert.Greater(t, second.RetryAfterMs, int64(0))
	assert.GreaterOrEqual(t, second.ResetSeconds, int64(1))
}

func TestLimiter_BurstIsHonored(t *testing.T) {
	limiter := NewLimiter(120, 5, common.GetLogger())

	for i := 0; i < 5; i++ {
		decision := limiter.Allow("key")
		require.True(t, decision.Allowed, "call %d within the burst must pass", i+1)
	}
	decision := limiter.Allow("key")
	assert.False(t, decision.Allowed)
}

func TestLimiter_KeysAreIndependent(t *testing.T) {
	limiter := NewLimiter(120, 1, common.GetLogger())

	require.True(t, limiter.Allow("a").Allowed)
	require.False(t, limiter.Allow("a").Allowed)

	assert.True(t, limiter.Allow("b").Allowed, "a different key has its own bucket")
	assert.Equal(t, 2, limiter.Keys())
}

func TestLimiter_DecisionCarriesHeaderFields(t *testing.T) {
	limiter := NewLimiter(120, 3, common.GetLogger())

	decision := limiter.Allow("key")
	assert.Equal(t, 120, decision.Limit)
	assert.Equal(t, 2, decision.Remaining)
	assert.Equal(t, int64(0), decision.RetryAfterMs)
}

func TestLimiter_DefaultsApplyToBadConfig(t *testing.T) {
	limiter := NewLimiter(0, 0, common.GetLogger())

	decision := limiter.Allow("key")
	require.True(t, decision.Allowed)
	assert.Equal(t, 60, decision.Limit)

	assert.False(t, limiter.Allow("key").Allowed, "burst floors at 1")
}
