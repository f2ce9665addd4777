// Package scheduler implements the runtime's delayed task scheduler (C5):
// schedule one-shot work for an absolute point in time or after a delay;
// recurring jobs are not supported. It is driven by an
// injectable clock so tests can advance time deterministically instead of
// sleeping real wall-clock durations.
package scheduler

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nimbusflow/reactor/errs"
)

// Clock abstracts time so schedules can be driven deterministically in
// tests.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

// systemClock is the default Clock, backed by the real wall clock.
type systemClock struct{}

func (systemClock) Now() time.Time                  { return time.Now() }
func (systemClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// SystemClock is the default production Clock.
var SystemClock Clock = systemClock{}

// Job is the unit of work a Scheduler runs at its scheduled time.
type Job func(ctx context.Context)

type scheduledJob struct {
	id   string
	at   time.Time
	job  Job
	index int // heap index, maintained by container/heap
}

type jobHeap []*scheduledJob

func (h jobHeap) Len() int            { return len(h) }
func (h jobHeap) Less(i, j int) bool  { return h[i].at.Before(h[j].at) }
func (h jobHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}
func (h *jobHeap) Push(x any) {
	j := x.(*scheduledJob)
	j.index = len(*h)
	*h = append(*h, j)
}
func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[:n-1]
	return item
}

// Scheduler runs jobs at their scheduled absolute time using a single
// background goroutine driven by Clock, so CancelScheduledTask is always
// race-free against a job about to fire.
type Scheduler struct {
	clock Clock

	mu      sync.Mutex
	pending jobHeap
	byID    map[string]*scheduledJob
	wake    chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock overrides the default system clock, primarily for tests.
func WithClock(clock Clock) Option {
	return func(s *Scheduler) { s.clock = clock }
}

// New constructs and starts a Scheduler. Call Stop to shut down its
// background goroutine.
func New(opts ...Option) *Scheduler {
	s := &Scheduler{
		clock: SystemClock,
		byID:  make(map[string]*scheduledJob),
		wake:  make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.wg.Add(1)
	go s.run()
	return s
}

// Stop halts the background dispatch loop. Already-dispatched jobs
// continue running; pending jobs are discarded.
func (s *Scheduler) Stop() {
	s.cancel()
	s.wg.Wait()
}

// ScheduleAt schedules job to run at (or shortly after) at. Returns a task
// id that can be passed to CancelScheduledTask.
func (s *Scheduler) ScheduleAt(at time.Time, job Job) string {
	id := uuid.NewString()
	s.mu.Lock()
	sj := &scheduledJob{id: id, at: at, job: job}
	heap.Push(&s.pending, sj)
	s.byID[id] = sj
	s.mu.Unlock()
	s.poke()
	return id
}

// ScheduleAfter schedules job to run after d has elapsed, measured from the
// scheduler's clock.
func (s *Scheduler) ScheduleAfter(d time.Duration, job Job) string {
	return s.ScheduleAt(s.clock.Now().Add(d), job)
}

// CancelScheduledTask removes a pending job so it never runs. Returns
// errs.NotFound if id is unknown or the job already ran.
func (s *Scheduler) CancelScheduledTask(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sj, ok := s.byID[id]
	if !ok {
		return errs.Newf(errs.NotFound, "scheduled task %q not found", id)
	}
	heap.Remove(&s.pending, sj.index)
	delete(s.byID, id)
	return nil
}

func (s *Scheduler) poke() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) run() {
	defer s.wg.Done()
	for {
		wait := s.nextWait()
		var timer <-chan time.Time
		if wait != nil {
			timer = s.clock.After(*wait)
		}
		select {
		case <-s.ctx.Done():
			return
		case <-s.wake:
			continue
		case <-timer:
			s.dispatchDue()
		}
	}
}

// nextWait returns how long to wait before the next job is due, or nil if
// there is no pending job (the loop then just waits on wake/ctx).
func (s *Scheduler) nextWait() *time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) == 0 {
		return nil
	}
	d := s.pending[0].at.Sub(s.clock.Now())
	if d < 0 {
		d = 0
	}
	return &d
}

func (s *Scheduler) dispatchDue() {
	now := s.clock.Now()
	var due []*scheduledJob
	s.mu.Lock()
	for len(s.pending) > 0 && !s.pending[0].at.After(now) {
		sj := heap.Pop(&s.pending).(*scheduledJob)
		delete(s.byID, sj.id)
		due = append(due, sj)
	}
	s.mu.Unlock()

	for _, sj := range due {
		go s.runJob(sj.job)
	}
}

func (s *Scheduler) runJob(job Job) {
	defer func() {
		_ = recover() // a panicking job must not take down the scheduler loop
	}()
	job(s.ctx)
}
