/*
Copyright 2024 Blnk Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/jerry-enebeli/creditguard/internal/apierror"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestLimiter(clock *fakeClock) *Limiter {
	return New(Config{MaxRequests: 10, Window: time.Minute}, WithClock(clock.Now))
}

func requireRateLimited(t *testing.T, err error) apierror.APIError {
	t.Helper()
	var apiErr apierror.APIError
	require.True(t, errors.As(err, &apiErr), "expected APIError, got %v", err)
	require.Equal(t, apierror.KindRateLimit, apiErr.Kind)
	return apiErr
}

func TestCheckLimit_Boundary(t *testing.T) {
	clock := newFakeClock()
	l := newTestLimiter(clock)
	sessionID := gofakeit.UUID()

	for i := 0; i < 10; i++ {
		require.NoError(t, l.CheckLimit(sessionID), "request %d", i+1)
		l.RecordRequest(sessionID, "/generate", true)
		clock.Advance(time.Second)
	}

	err := l.CheckLimit(sessionID)
	apiErr := requireRateLimited(t, err)
	assert.Equal(t, 60, apiErr.RetryAfter)
	assert.Equal(t, 0, l.Remaining(sessionID))

	snap, ok := l.Session(sessionID)
	require.True(t, ok)
	assert.True(t, snap.IsBlocked)
	require.NotNil(t, snap.BlockUntil)
	assert.Equal(t, clock.Now().Add(time.Minute), *snap.BlockUntil)

	// still blocked halfway through, with a shorter hint
	clock.Advance(30*time.Second + 500*time.Millisecond)
	apiErr = requireRateLimited(t, l.CheckLimit(sessionID))
	assert.Equal(t, 30, apiErr.RetryAfter)

	clock.Advance(30 * time.Second)
	require.NoError(t, l.CheckLimit(sessionID))

	snap, ok = l.Session(sessionID)
	require.True(t, ok)
	assert.False(t, snap.IsBlocked)
	assert.Nil(t, snap.BlockUntil)
	assert.Equal(t, 0, snap.RequestCount)
	assert.Equal(t, 10, l.Remaining(sessionID))
}

func TestCheckLimit_WindowElapsedResetsCount(t *testing.T) {
	clock := newFakeClock()
	l := newTestLimiter(clock)

	for i := 0; i < 10; i++ {
		l.RecordRequest("s1", "/generate", true)
	}
	assert.Equal(t, 0, l.Remaining("s1"))

	clock.Advance(time.Minute)
	require.NoError(t, l.CheckLimit("s1"))

	snap, _ := l.Session("s1")
	assert.Equal(t, 0, snap.RequestCount)
}

func TestCheckLimit_SlidingRelativeToLastRequest(t *testing.T) {
	clock := newFakeClock()
	l := newTestLimiter(clock)

	// steady traffic never lets a full window elapse, so the count keeps growing
	for i := 0; i < 10; i++ {
		require.NoError(t, l.CheckLimit("s1"))
		l.RecordRequest("s1", "/generate", true)
		clock.Advance(50 * time.Second)
	}
	requireRateLimited(t, l.CheckLimit("s1"))
}

func TestRecordRequest_HistoryBounded(t *testing.T) {
	clock := newFakeClock()
	l := New(Config{MaxRequests: 1000, Window: time.Minute, HistoryCapacity: 100, HistoryTrimTo: 50}, WithClock(clock.Now))

	for i := 0; i < 101; i++ {
		l.RecordRequest("s1", fmt.Sprintf("/endpoint/%d", i), i%2 == 0)
	}

	snap, ok := l.Session("s1")
	require.True(t, ok)
	assert.Len(t, snap.History, 50)
	assert.Equal(t, "/endpoint/51", snap.History[0].Endpoint)
	assert.Equal(t, "/endpoint/100", snap.History[49].Endpoint)
	assert.Equal(t, 101, snap.RequestCount)
}

func TestBlockAndUnblock(t *testing.T) {
	clock := newFakeClock()
	l := newTestLimiter(clock)

	l.Block("s1", 90*time.Second)
	apiErr := requireRateLimited(t, l.CheckLimit("s1"))
	assert.Equal(t, 90, apiErr.RetryAfter)

	l.Unblock("s1")
	require.NoError(t, l.CheckLimit("s1"))
	assert.Equal(t, 10, l.Remaining("s1"))

	// unblocking an unknown session is a no-op
	l.Unblock("unknown")
	_, ok := l.Session("unknown")
	assert.False(t, ok)
}

func TestReset(t *testing.T) {
	clock := newFakeClock()
	l := newTestLimiter(clock)

	for i := 0; i < 10; i++ {
		l.RecordRequest("s1", "/generate", true)
	}
	requireRateLimited(t, l.CheckLimit("s1"))

	l.Reset("s1")
	_, ok := l.Session("s1")
	assert.False(t, ok)
	require.NoError(t, l.CheckLimit("s1"))
}

func TestRemaining(t *testing.T) {
	clock := newFakeClock()
	l := newTestLimiter(clock)

	assert.Equal(t, 10, l.Remaining("fresh"))

	l.RecordRequest("s1", "/generate", true)
	l.RecordRequest("s1", "/generate", false)
	assert.Equal(t, 8, l.Remaining("s1"))

	l.Block("s1", time.Second)
	assert.Equal(t, 0, l.Remaining("s1"))
	clock.Advance(time.Second)
	assert.Equal(t, 10, l.Remaining("s1"))
}

func TestCleanup(t *testing.T) {
	clock := newFakeClock()
	l := newTestLimiter(clock)

	l.RecordRequest("idle", "/generate", true)
	l.Block("blocked", 5*time.Minute)
	clock.Advance(90 * time.Second)
	l.RecordRequest("active", "/generate", true)
	l.Block("short-block", 10*time.Second)

	clock.Advance(45 * time.Second)
	evicted := l.Cleanup()

	assert.Equal(t, 1, evicted)
	_, ok := l.Session("idle")
	assert.False(t, ok, "idle session should be evicted after two windows")

	snap, ok := l.Session("blocked")
	require.True(t, ok, "blocked sessions survive cleanup while blocked")
	assert.True(t, snap.IsBlocked)

	snap, ok = l.Session("short-block")
	require.True(t, ok)
	assert.False(t, snap.IsBlocked, "expired blocks are cleared even without a check")
	assert.Nil(t, snap.BlockUntil)

	_, ok = l.Session("active")
	assert.True(t, ok)
	assert.Equal(t, 3, l.Len())
}

func TestStartStop(t *testing.T) {
	l := New(Config{MaxRequests: 1, Window: 10 * time.Millisecond, CleanupInterval: 5 * time.Millisecond})
	l.RecordRequest("s1", "/generate", true)

	l.Start(context.Background())
	assert.Eventually(t, func() bool {
		return l.Len() == 0
	}, time.Second, 5*time.Millisecond)
	l.Stop()
	l.Stop()
}

func TestConcurrentAccess(t *testing.T) {
	l := New(Config{MaxRequests: 1000, Window: time.Minute})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				_ = l.CheckLimit("shared")
				l.RecordRequest("shared", "/generate", true)
			}
		}()
	}
	wg.Wait()

	snap, ok := l.Session("shared")
	require.True(t, ok)
	assert.Equal(t, 500, snap.RequestCount)
}
