package inflight

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestAcquireIsExclusivePerKey(t *testing.T) {
	s := New(time.Minute, nil)

	lease, ok := s.Acquire("https://a/x.webp")
	require.True(t, ok)
	assert.Equal(t, StateFetching, s.State("https://a/x.webp"))

	_, ok = s.Acquire("https://a/x.webp")
	assert.False(t, ok)

	other, ok := s.Acquire("https://a/y.webp")
	require.True(t, ok)
	assert.Equal(t, 2, s.Len())

	lease.Release()
	other.Release()
	assert.Equal(t, 0, s.Len())
	assert.Equal(t, StateIdle, s.State("https://a/x.webp"))

	_, ok = s.Acquire("https://a/x.webp")
	assert.True(t, ok)
}

func TestConcurrentAcquireGrantsOne(t *testing.T) {
	s := New(time.Minute, nil)

	var granted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok := s.Acquire("k"); ok {
				granted.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), granted.Load())
}

func TestLeaseState(t *testing.T) {
	s := New(time.Minute, nil)
	lease, ok := s.Acquire("k")
	require.True(t, ok)

	lease.SetState(StateEncoding)
	assert.Equal(t, StateEncoding, s.State("k"))

	snap := s.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, "k", snap[0].Key)
	assert.Equal(t, StateEncoding, snap[0].State)

	lease.Release()
	lease.Release()
	assert.False(t, s.Contains("k"))
}

func TestSweepRemovesStaleEntries(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	s := New(5*time.Minute, clock.Now)

	_, ok := s.Acquire("old")
	require.True(t, ok)
	clock.Advance(3 * time.Minute)
	_, ok = s.Acquire("young")
	require.True(t, ok)

	assert.Equal(t, 0, s.Sweep())

	clock.Advance(2*time.Minute + time.Second)
	assert.Equal(t, 1, s.Sweep())
	assert.False(t, s.Contains("old"))
	assert.True(t, s.Contains("young"))
}

func TestReleaseAfterSweepKeepsNewOwner(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	s := New(time.Minute, clock.Now)

	orphan, ok := s.Acquire("k")
	require.True(t, ok)
	clock.Advance(2 * time.Minute)
	require.Equal(t, 1, s.Sweep())

	fresh, ok := s.Acquire("k")
	require.True(t, ok)

	orphan.SetState(StateFailed)
	orphan.Release()
	assert.True(t, s.Contains("k"))
	assert.Equal(t, StateFetching, s.State("k"))

	fresh.Release()
	assert.False(t, s.Contains("k"))
}

func TestRunSweepsUntilCancelled(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	s := New(time.Minute, clock.Now)
	_, ok := s.Acquire("k")
	require.True(t, ok)
	clock.Advance(time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx, 5*time.Millisecond, nil)
		close(done)
	}()

	assert.Eventually(t, func() bool { return !s.Contains("k") }, time.Second, 5*time.Millisecond)
	cancel()
	<-done
}
