// Package scheduler runs named jobs on triggers. Registering a job under an
// existing id atomically replaces the previous registration, and a job never
// overlaps with itself: a fire that arrives while the previous run of the same
// id is still in flight is skipped.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/linnemanlabs/go-core/log"
)

var (
	// ErrUnknownJob is returned for operations on an id that is not registered.
	ErrUnknownJob = errors.New("unknown job")

	// ErrJobRunning is returned by RunNow when the job is already in flight.
	ErrJobRunning = errors.New("job already running")
)

// Job is a named unit of scheduled work.
type Job struct {
	ID      string
	Label   string
	Trigger Trigger
	Run     func(ctx context.Context) error
}

// JobInfo describes a registered job.
type JobInfo struct {
	ID      string    `json:"id"`
	Label   string    `json:"label"`
	NextRun time.Time `json:"next_run"`
}

// Hooks are optional callbacks for scheduler instrumentation.
type Hooks struct {
	OnRun     func(id string, err error, d time.Duration)
	OnSkipped func(id string)
}

// Scheduler owns a set of jobs and their timers.
type Scheduler struct {
	logger log.Logger
	loc    *time.Location
	hooks  Hooks
	now    func() time.Time

	mu       sync.Mutex
	entries  map[string]*entry
	running  map[string]*atomic.Bool // survives supersession
	base     context.Context
	stop     context.CancelFunc
	runs     context.Context // outlives base; cancelled only when Stop returns
	stopRuns context.CancelFunc
	started  bool
	wg       sync.WaitGroup
}

type entry struct {
	job    Job
	next   time.Time
	cancel context.CancelFunc
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLocation sets the time zone triggers are evaluated in.
func WithLocation(loc *time.Location) Option {
	return func(s *Scheduler) {
		if loc != nil {
			s.loc = loc
		}
	}
}

// WithHooks installs instrumentation hooks.
func WithHooks(h Hooks) Option {
	return func(s *Scheduler) { s.hooks = h }
}

// WithClock overrides the scheduler clock.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// New creates a stopped Scheduler.
func New(logger log.Logger, opts ...Option) *Scheduler {
	if logger == nil {
		logger = log.Nop()
	}
	s := &Scheduler{
		logger:  logger,
		loc:     time.Local,
		now:     time.Now,
		entries: make(map[string]*entry),
		running: make(map[string]*atomic.Bool),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Register adds job, replacing any job with the same id. The replacement is
// armed before the previous timer is cancelled, under one lock, so there is
// no instant where neither is registered.
func (s *Scheduler) Register(job Job) error {
	if strings.TrimSpace(job.ID) == "" {
		return errors.New("job id is required")
	}
	if job.Trigger == nil {
		return fmt.Errorf("job %s: trigger is required", job.ID)
	}
	if job.Run == nil {
		return fmt.Errorf("job %s: run func is required", job.ID)
	}
	if job.Label == "" {
		job.Label = job.ID
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.running[job.ID]; !ok {
		s.running[job.ID] = new(atomic.Bool)
	}

	e := &entry{job: job, next: job.Trigger.Next(s.now().In(s.loc))}
	prev := s.entries[job.ID]
	s.entries[job.ID] = e
	if s.started {
		s.arm(e)
	}
	if prev != nil && prev.cancel != nil {
		prev.cancel()
	}

	s.logger.Info(context.Background(), "job registered",
		"job_id", job.ID,
		"label", job.Label,
		"next_run", e.next,
		"replaced", prev != nil,
	)
	return nil
}

// Start arms every registered job. Cancelling ctx disarms the timers; runs
// already in flight carry on with ctx's values until Stop's deadline.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.base, s.stop = context.WithCancel(ctx)
	s.runs, s.stopRuns = context.WithCancel(context.WithoutCancel(ctx))
	s.started = true
	for _, e := range s.entries {
		s.arm(e)
	}
	s.logger.Info(ctx, "scheduler started", "jobs", len(s.entries), "timezone", s.loc.String())
}

// Stop disarms all timers and waits for in-flight runs, bounded by ctx.
// Runs still going when ctx ends are cancelled.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.stop()
	cancelRuns := s.stopRuns
	s.started = false
	s.mu.Unlock()
	defer cancelRuns()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scheduler stop: %w", ctx.Err())
	}
}

// Jobs lists registered jobs sorted by id.
func (s *Scheduler) Jobs() []JobInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JobInfo, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, JobInfo{ID: e.job.ID, Label: e.job.Label, NextRun: e.next})
	}
	slices.SortFunc(out, func(a, b JobInfo) int { return strings.Compare(a.ID, b.ID) })
	return out
}

// RunNow runs id synchronously unless it is already in flight.
func (s *Scheduler) RunNow(ctx context.Context, id string) error {
	s.mu.Lock()
	e, ok := s.entries[id]
	guard := s.running[id]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, id)
	}
	if !s.fire(ctx, e.job, guard) {
		return fmt.Errorf("%w: %s", ErrJobRunning, id)
	}
	return nil
}

// arm starts the timer loop for e. Caller holds s.mu.
func (s *Scheduler) arm(e *entry) {
	ctx, cancel := context.WithCancel(s.base)
	e.cancel = cancel
	runs := s.runs
	guard := s.running[e.job.ID]

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop(ctx, runs, e, guard)
	}()
}

// loop waits on e's trigger until ctx ends. Runs use runs, so neither
// superseding the job nor stopping the timers cancels an in-flight run.
func (s *Scheduler) loop(ctx, runs context.Context, e *entry, guard *atomic.Bool) {
	s.mu.Lock()
	next := e.next
	s.mu.Unlock()

	for !next.IsZero() {
		wait := next.Sub(s.now())
		if wait < 0 {
			wait = 0
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		next = e.job.Trigger.Next(next.In(s.loc))
		if now := s.now().In(s.loc); !next.IsZero() && !next.After(now) {
			// clock moved past several fires; collapse them into one
			next = e.job.Trigger.Next(now)
		}
		s.mu.Lock()
		e.next = next
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.fire(runs, e.job, guard)
		}()
	}
}

// fire runs job unless guard shows a run in flight. It reports whether the
// job ran.
func (s *Scheduler) fire(ctx context.Context, job Job, guard *atomic.Bool) bool {
	if !guard.CompareAndSwap(false, true) {
		s.logger.Warn(ctx, "job still running, skipping fire", "job_id", job.ID, "label", job.Label)
		if s.hooks.OnSkipped != nil {
			s.hooks.OnSkipped(job.ID)
		}
		return false
	}
	defer guard.Store(false)

	start := time.Now()
	err := job.Run(ctx)
	dur := time.Since(start)
	if s.hooks.OnRun != nil {
		s.hooks.OnRun(job.ID, err, dur)
	}
	if err != nil {
		s.logger.Error(ctx, err, "job failed", "job_id", job.ID, "label", job.Label, "duration", dur)
		return true
	}
	s.logger.Info(ctx, "job finished", "job_id", job.ID, "label", job.Label, "duration", dur)
	return true
}
