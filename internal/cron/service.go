// Package cron runs named jobs on fixed intervals. A job never overlaps
// with itself: a tick that arrives while the previous run is still going is
// skipped.
package cron

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	rcron "github.com/robfig/cron/v3"
)

// Job statuses.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

type JobFunc func(ctx context.Context) error

// State is the bookkeeping kept for each job.
type State struct {
	Runs       int
	LastRunAt  time.Time
	LastStatus string
	LastError  string
}

type job struct {
	name     string
	interval time.Duration
	fn       JobFunc
	entry    rcron.EntryID
	state    State
}

type Scheduler struct {
	mu     sync.Mutex
	cron   *rcron.Cron
	jobs   map[string]*job
	logger *log.Logger
	ctx    context.Context
	cancel context.CancelFunc
}

func New(logger *log.Logger) *Scheduler {
	if logger == nil {
		logger = log.Default()
	}
	cl := cronLogger{logger}
	return &Scheduler{
		cron: rcron.New(
			rcron.WithLogger(cl),
			rcron.WithChain(rcron.Recover(cl), rcron.SkipIfStillRunning(cl)),
		),
		jobs:   make(map[string]*job),
		logger: logger,
		ctx:    context.Background(),
	}
}

// Every registers fn to run each interval once the scheduler is started.
// Intervals are rounded to whole seconds.
func (s *Scheduler) Every(name string, interval time.Duration, fn JobFunc) error {
	if interval < time.Second {
		return fmt.Errorf("job %s: interval %s below one second", name, interval)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[name]; ok {
		return fmt.Errorf("job %s already registered", name)
	}

	j := &job{name: name, interval: interval, fn: fn}
	id, err := s.cron.AddFunc("@every "+interval.String(), func() { s.execute(j) })
	if err != nil {
		return fmt.Errorf("register job %s: %w", name, err)
	}
	j.entry = id
	s.jobs[name] = j
	s.logger.Debug("job registered", "job", name, "every", interval)
	return nil
}

func (s *Scheduler) execute(j *job) {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()

	s.logger.Debug("executing job", "job", j.name)
	err := j.fn(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	j.state.Runs++
	j.state.LastRunAt = time.Now()
	if err != nil {
		j.state.LastStatus = StatusError
		j.state.LastError = err.Error()
		s.logger.Error("job failed", "job", j.name, "error", err)
		return
	}
	j.state.LastStatus = StatusOK
	j.state.LastError = ""
}

// Start begins ticking. Jobs receive a context that is cancelled by Stop or
// when ctx ends.
func (s *Scheduler) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.ctx = runCtx
	s.cancel = cancel
	n := len(s.jobs)
	s.mu.Unlock()

	s.cron.Start()
	s.logger.Info("scheduler started", "jobs", n)
}

// Stop halts ticking and waits up to 5s for running jobs.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	stopCtx := s.cron.Stop()
	select {
	case <-stopCtx.Done():
	case <-time.After(5 * time.Second):
		s.logger.Warn("stop timeout waiting for running jobs")
	}
	s.logger.Info("scheduler stopped")
}

// State reports the bookkeeping for name.
func (s *Scheduler) State(name string) (State, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[name]
	if !ok {
		return State{}, false
	}
	return j.state, true
}

// Next returns the next scheduled run of name, zero before Start.
func (s *Scheduler) Next(name string) time.Time {
	s.mu.Lock()
	j, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return time.Time{}
	}
	return s.cron.Entry(j.entry).Next
}

// cronLogger adapts a charm logger to robfig/cron's logr-style interface.
type cronLogger struct {
	l *log.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Error(msg, append([]interface{}{"error", err}, keysAndValues...)...)
}
