// Package scheduler runs deferred and periodic callbacks keyed by job ID.
//
// Tunnels use it for two kinds of job: an interval job that periodically
// resets a tunnel (keepalive) and a one-shot date job that stops it after a
// lifetime (expiry). Each job runs on its own timer. Callbacks are invoked
// without any scheduler lock held, so a job may add or remove jobs,
// including itself.
package scheduler

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// ErrJobNotFound is returned by RemoveJob for an unknown ID.
var ErrJobNotFound = errors.New("job not found")

// Trigger says when a job fires. Exactly one field is set.
type Trigger struct {
	// Interval fires repeatedly, Interval after the previous run finished.
	Interval time.Duration
	// At fires once.
	At time.Time
}

// Job is a named callback.
type Job struct {
	ID      string
	Run     func()
	Trigger Trigger
	// Grace is how late a run may start before it is skipped as a
	// misfire. Zero means never skip.
	Grace time.Duration
}

// JobInfo describes a scheduled job.
type JobInfo struct {
	ID   string    `json:"id"`
	Kind string    `json:"kind"`
	Next time.Time `json:"next"`
}

// Scheduler is what tunnels need from a scheduler.
type Scheduler interface {
	// AddJob schedules j, replacing any job with the same ID.
	AddJob(j Job) error
	RemoveJob(id string) error
	Jobs() []JobInfo
}

// Timer is a pending callback.
type Timer interface {
	Stop() bool
}

// Clock is the time source used by Timers.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

// RealClock returns the wall clock.
func RealClock() Clock { return realClock{} }

type entry struct {
	job   Job
	next  time.Time
	timer Timer
}

// Timers is a Scheduler backed by one timer per job.
type Timers struct {
	clock  Clock
	mu     sync.Mutex
	jobs   map[string]*entry
	closed bool
}

// New returns a scheduler driven by clock, or the wall clock if nil.
func New(clock Clock) *Timers {
	if clock == nil {
		clock = RealClock()
	}
	return &Timers{clock: clock, jobs: make(map[string]*entry)}
}

func (s *Timers) AddJob(j Job) error {
	if j.ID == "" {
		return fmt.Errorf("job must have an ID")
	}
	if j.Run == nil {
		return fmt.Errorf("job %s: no callback", j.ID)
	}
	hasInterval := j.Trigger.Interval > 0
	hasDate := !j.Trigger.At.IsZero()
	if hasInterval == hasDate {
		return fmt.Errorf("job %s: exactly one of interval or date must be set", j.ID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("job %s: scheduler closed", j.ID)
	}
	if old, ok := s.jobs[j.ID]; ok {
		old.timer.Stop()
	}
	e := &entry{job: j}
	if hasInterval {
		e.next = s.clock.Now().Add(j.Trigger.Interval)
	} else {
		e.next = j.Trigger.At
	}
	s.jobs[j.ID] = e
	s.arm(e)
	slog.Debug("job scheduled", "job", j.ID, "next", e.next)
	return nil
}

// arm starts e's timer. Callers hold s.mu.
func (s *Timers) arm(e *entry) {
	delay := e.next.Sub(s.clock.Now())
	if delay < 0 {
		delay = 0
	}
	e.timer = s.clock.AfterFunc(delay, func() { s.fire(e) })
}

func (s *Timers) fire(e *entry) {
	id := e.job.ID
	s.mu.Lock()
	if s.jobs[id] != e {
		// Replaced or removed after the timer was armed.
		s.mu.Unlock()
		return
	}
	interval := e.job.Trigger.Interval > 0
	if !interval {
		delete(s.jobs, id)
	}
	late := s.clock.Now().Sub(e.next)
	s.mu.Unlock()

	if e.job.Grace > 0 && late > e.job.Grace {
		slog.Warn("job misfired, skipping run", "job", id, "late", late.String())
	} else {
		e.job.Run()
	}

	if !interval {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.jobs[id] != e {
		return
	}
	e.next = s.clock.Now().Add(e.job.Trigger.Interval)
	s.arm(e)
}

func (s *Timers) RemoveJob(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	e.timer.Stop()
	delete(s.jobs, id)
	slog.Debug("job removed", "job", id)
	return nil
}

// Jobs lists scheduled jobs ordered by next run time.
func (s *Timers) Jobs() []JobInfo {
	s.mu.Lock()
	out := make([]JobInfo, 0, len(s.jobs))
	for id, e := range s.jobs {
		kind := "date"
		if e.job.Trigger.Interval > 0 {
			kind = "interval"
		}
		out = append(out, JobInfo{ID: id, Kind: kind, Next: e.next})
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Next.Equal(out[j].Next) {
			return out[i].ID < out[j].ID
		}
		return out[i].Next.Before(out[j].Next)
	})
	return out
}

// Close cancels every pending job. Running callbacks are not interrupted.
func (s *Timers) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, e := range s.jobs {
		e.timer.Stop()
		delete(s.jobs, id)
	}
	s.closed = true
}
