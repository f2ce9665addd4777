package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nimbusflow/reactor/errs"
)

// fakeClock is a manually advanced Clock for deterministic scheduler tests.
type fakeClock struct {
	mu       sync.Mutex
	now      time.Time
	waiters  []fakeWaiter
}

type fakeWaiter struct {
	at time.Time
	ch chan time.Time
}

func newFakeClock(start time.Time) *fakeClock {
	return &fakeClock{now: start}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := make(chan time.Time, 1)
	at := c.now.Add(d)
	if !at.After(c.now) {
		ch <- at
		return ch
	}
	c.waiters = append(c.waiters, fakeWaiter{at: at, ch: ch})
	return ch
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	remaining := c.waiters[:0]
	for _, w := range c.waiters {
		if !w.at.After(c.now) {
			w.ch <- c.now
		} else {
			remaining = append(remaining, w)
		}
	}
	c.waiters = remaining
	c.mu.Unlock()
}

func TestScheduleAtRunsJobAtDueTime(t *testing.T) {
	clock := newFakeClock(time.Unix(0, 0))
	sched := New(WithClock(clock))
	defer sched.Stop()

	var ran int32
	sched.ScheduleAt(clock.Now().Add(time.Minute), func(context.Context) {
		atomic.StoreInt32(&ran, 1)
	})

	clock.Advance(30 * time.Second)
	time.Sleep(10 * time.Millisecond)
	require.Equal(t, int32(0), atomic.LoadInt32(&ran))

	clock.Advance(time.Minute)
	require.Eventually(t, func() bool { return atomic.LoadInt32(&ran) == 1 }, time.Second, time.Millisecond)
}

func TestCancelScheduledTaskPreventsExecution(t *testing.T) {
	clock := newFakeClock(time.Unix(0, 0))
	sched := New(WithClock(clock))
	defer sched.Stop()

	var ran int32
	id := sched.ScheduleAt(clock.Now().Add(time.Minute), func(context.Context) {
		atomic.StoreInt32(&ran, 1)
	})
	require.NoError(t, sched.CancelScheduledTask(id))

	clock.Advance(2 * time.Minute)
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, int32(0), atomic.LoadInt32(&ran))
}

func TestCancelScheduledTaskUnknownIDReturnsNotFound(t *testing.T) {
	sched := New()
	defer sched.Stop()
	err := sched.CancelScheduledTask("does-not-exist")
	require.Error(t, err)
	require.True(t, errs.Is(err, errs.NotFound))
}

func TestScheduleAfterRunsAllDueJobs(t *testing.T) {
	clock := newFakeClock(time.Unix(0, 0))
	sched := New(WithClock(clock))
	defer sched.Stop()

	var mu sync.Mutex
	var order []string
	record := func(name string) Job {
		return func(context.Context) {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
		}
	}
	sched.ScheduleAfter(2*time.Second, record("second"))
	sched.ScheduleAfter(1*time.Second, record("first"))

	clock.Advance(3 * time.Second)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 2
	}, time.Second, time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.ElementsMatch(t, []string{"first", "second"}, order)
}
