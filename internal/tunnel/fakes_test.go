package tunnel

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/treykane/tunnelsub/internal/provider"
	"github.com/treykane/tunnelsub/internal/scheduler"
	"github.com/treykane/tunnelsub/internal/supervisor"
)

// fakeProcess stands in for a provider CLI. Exit simulates the process
// dying on its own.
type fakeProcess struct {
	id         string
	pid        int
	logs       []string
	done       chan struct{}
	once       sync.Once
	terminated atomic.Bool
}

func newFakeProcess(n int) *fakeProcess {
	return &fakeProcess{
		id:   fmt.Sprintf("attempt-%d", n),
		pid:  1000 + n,
		logs: []string{fmt.Sprintf("starting attempt %d", n)},
		done: make(chan struct{}),
	}
}

func (p *fakeProcess) ID() string            { return p.id }
func (p *fakeProcess) PID() int              { return p.pid }
func (p *fakeProcess) Logs() []string        { return append([]string(nil), p.logs...) }
func (p *fakeProcess) Done() <-chan struct{} { return p.done }

func (p *fakeProcess) Terminate() error {
	p.terminated.Store(true)
	p.Exit()
	return nil
}

func (p *fakeProcess) Exit() { p.once.Do(func() { close(p.done) }) }

// fakeSpawner hands out fakeProcesses. When failWith is set, Spawn returns
// an exited process with logs plus that error, as the supervisor does on
// discovery failure.
type fakeSpawner struct {
	mu       sync.Mutex
	calls    int
	failWith error
	procs    []*fakeProcess
	specs    []supervisor.Spec
}

func (s *fakeSpawner) Spawn(_ context.Context, spec supervisor.Spec) (Process, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	s.specs = append(s.specs, spec)
	p := newFakeProcess(s.calls)
	if s.failWith != nil {
		p.logs = append(p.logs, "Please authorize this device")
		p.Exit()
		return p, "", s.failWith
	}
	s.procs = append(s.procs, p)
	return p, fmt.Sprintf("pub-%d.trycloudflare.com", s.calls), nil
}

func (s *fakeSpawner) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *fakeSpawner) Last() *fakeProcess {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.procs) == 0 {
		return nil
	}
	return s.procs[len(s.procs)-1]
}

func (s *fakeSpawner) setFail(err error) {
	s.mu.Lock()
	s.failWith = err
	s.mu.Unlock()
}

// manualScheduler records jobs and runs them only when Fire is called.
type manualScheduler struct {
	mu   sync.Mutex
	jobs map[string]scheduler.Job
}

func newManualScheduler() *manualScheduler {
	return &manualScheduler{jobs: make(map[string]scheduler.Job)}
}

func (s *manualScheduler) AddJob(j scheduler.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[j.ID] = j
	return nil
}

func (s *manualScheduler) RemoveJob(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[id]; !ok {
		return fmt.Errorf("%w: %s", scheduler.ErrJobNotFound, id)
	}
	delete(s.jobs, id)
	return nil
}

func (s *manualScheduler) Jobs() []scheduler.JobInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]scheduler.JobInfo, 0, len(s.jobs))
	for id, j := range s.jobs {
		kind, next := "interval", time.Time{}
		if j.Trigger.Interval == 0 {
			kind, next = "date", j.Trigger.At
		}
		out = append(out, scheduler.JobInfo{ID: id, Kind: kind, Next: next})
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ID < out[k].ID })
	return out
}

func (s *manualScheduler) Job(id string) (scheduler.Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	return j, ok
}

// Fire runs a job the way the real scheduler does: date jobs are removed
// first and the callback runs without the lock.
func (s *manualScheduler) Fire(id string) bool {
	s.mu.Lock()
	j, ok := s.jobs[id]
	if ok && j.Trigger.Interval == 0 {
		delete(s.jobs, id)
	}
	s.mu.Unlock()
	if !ok {
		return false
	}
	j.Run()
	return true
}

func testProvider(name, display string, limit int) *provider.Descriptor {
	return &provider.Descriptor{
		Name:             name,
		DisplayName:      display,
		CommandTemplate:  "cloudflared tunnel --url {host}:{port} --no-autoupdate",
		URLPattern:       regexp.MustCompile(`https://[^\s]+\.trycloudflare\.com`),
		ConcurrencyLimit: limit,
		Enabled:          true,
	}
}
