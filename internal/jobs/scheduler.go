// Package jobs runs periodic background work such as snapshot builds and
// retention sweeps.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"fleetwatch/internal/metrics"
)

const defaultTimeout = time.Minute

// Job is one named unit of periodic work.
type Job struct {
	Name         string
	Interval     time.Duration
	InitialDelay time.Duration
	Timeout      time.Duration
	Run          func(ctx context.Context) error
}

// ErrNotRunning is returned by Trigger before Start or after the
// scheduler's context is done.
var ErrNotRunning = errors.New("scheduler is not running")

// Scheduler ticks every registered job on its own goroutine. A failing run
// is logged and counted; the loop keeps going.
type Scheduler struct {
	Logger *slog.Logger

	mu       sync.Mutex
	jobs     []Job
	requests map[string]chan chan error
	wg       sync.WaitGroup
	started  bool
	done     <-chan struct{}
}

func (s *Scheduler) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

// Add registers a job. Jobs added after Start are ignored.
func (s *Scheduler) Add(job Job) error {
	if job.Name == "" {
		return fmt.Errorf("job name is required")
	}
	if job.Interval <= 0 {
		return fmt.Errorf("job %s: interval must be positive", job.Name)
	}
	if job.Run == nil {
		return fmt.Errorf("job %s: run func is required", job.Name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.requests == nil {
		s.requests = make(map[string]chan chan error)
	}
	if _, ok := s.requests[job.Name]; ok {
		return fmt.Errorf("job %s already registered", job.Name)
	}
	s.requests[job.Name] = make(chan chan error, 16)
	s.jobs = append(s.jobs, job)
	return nil
}

// Start launches every job loop. The loops stop when ctx is cancelled; Wait
// blocks until they have.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	s.done = ctx.Done()
	for _, job := range s.jobs {
		s.wg.Add(1)
		go s.loop(ctx, job, s.requests[job.Name])
	}
}

// Wait blocks until every loop started by Start has returned.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// Trigger runs the named job out of schedule and returns the result of the
// run that served the request. Requests that arrive while a run is waiting
// to start share it; a run already in progress is never joined, so the
// result always reflects state as of the call.
func (s *Scheduler) Trigger(ctx context.Context, name string) error {
	s.mu.Lock()
	reqs, ok := s.requests[name]
	started, done := s.started, s.done
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("job %s is not registered", name)
	}
	if !started {
		return ErrNotRunning
	}
	reply := make(chan error, 1)
	select {
	case reqs <- reply:
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return ErrNotRunning
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return ErrNotRunning
	}
}

func (s *Scheduler) loop(ctx context.Context, job Job, requests chan chan error) {
	defer s.wg.Done()
	var waiting []chan error
	if job.InitialDelay > 0 {
		delay := time.NewTimer(job.InitialDelay)
		select {
		case <-ctx.Done():
			delay.Stop()
			return
		case reply := <-requests:
			delay.Stop()
			waiting = append(waiting, reply)
		case <-delay.C:
		}
	}
	ticker := time.NewTicker(job.Interval)
	defer ticker.Stop()
	for {
		waiting = drain(requests, waiting)
		err := s.RunOnce(ctx, job)
		for _, reply := range waiting {
			reply <- err
		}
		waiting = nil
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case reply := <-requests:
			waiting = append(waiting, reply)
		}
	}
}

func drain(requests chan chan error, waiting []chan error) []chan error {
	for {
		select {
		case reply := <-requests:
			waiting = append(waiting, reply)
		default:
			return waiting
		}
	}
}

// RunOnce executes job with its timeout and records the outcome.
func (s *Scheduler) RunOnce(ctx context.Context, job Job) error {
	timeout := job.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	err := job.Run(runCtx)
	if err != nil {
		if ctx.Err() != nil {
			return err
		}
		metrics.JobRuns.WithLabelValues(job.Name, "error").Inc()
		s.logger().Error("job failed", "job", job.Name, "elapsed", time.Since(start), "err", err)
		return err
	}
	metrics.JobRuns.WithLabelValues(job.Name, "ok").Inc()
	s.logger().Debug("job finished", "job", job.Name, "elapsed", time.Since(start))
	return nil
}
