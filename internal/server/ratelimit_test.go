package server

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteLimiterRefillsPerReader(t *testing.T) {
	now := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	limiter := newWriteLimiter(60, 2, func() time.Time { return now })

	assert.True(t, limiter.allow("reader-1"))
	assert.True(t, limiter.allow("reader-1"))
	assert.False(t, limiter.allow("reader-1"))
	assert.True(t, limiter.allow("reader-2"))

	now = now.Add(time.Second)
	assert.True(t, limiter.allow("reader-1"))
	assert.False(t, limiter.allow("reader-1"))
}

func TestWriteLimiterSweepsIdleReaders(t *testing.T) {
	now := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	limiter := newWriteLimiter(60, 1, func() time.Time { return now })

	require.True(t, limiter.allow("reader-1"))
	now = now.Add(limiterIdleTTL + time.Minute)
	require.True(t, limiter.allow("reader-2"))

	limiter.mu.Lock()
	defer limiter.mu.Unlock()
	assert.Len(t, limiter.buckets, 1)
	assert.Contains(t, limiter.buckets, "reader-2")
}

func TestWriteLimiterDisabledWithoutRate(t *testing.T) {
	limiter := newWriteLimiter(0, 1, nil)
	for range 100 {
		require.True(t, limiter.allow("reader-1"))
	}
}
