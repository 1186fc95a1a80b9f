// Package tunnel manages the lifecycle of public tunnels for local proxy
// inbounds: one Tunnel per (share link, provider) pair, and a Manager that
// owns the active set.
package tunnel

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/zeebo/blake3"

	"github.com/treykane/tunnelsub/internal/descriptor"
	"github.com/treykane/tunnelsub/internal/events"
	"github.com/treykane/tunnelsub/internal/model"
	"github.com/treykane/tunnelsub/internal/provider"
	"github.com/treykane/tunnelsub/internal/scheduler"
	"github.com/treykane/tunnelsub/internal/security"
	"github.com/treykane/tunnelsub/internal/subscription"
	"github.com/treykane/tunnelsub/internal/supervisor"
	"github.com/treykane/tunnelsub/internal/util"
)

// ErrUnsupportedTransport rejects share links whose stream transport cannot
// be carried over an HTTP tunnel.
var ErrUnsupportedTransport = errors.New("unsupported transport")

var allowedTransports = map[string]bool{"ws": true, "grpc": true}

// Deps are the collaborators a tunnel reports to. Nil fields get defaults:
// real processes, no scheduled jobs, a private index, no journal.
type Deps struct {
	Spawner      Spawner
	Scheduler    scheduler.Scheduler
	Index        *subscription.Index
	Journal      Recorder
	Now          func() time.Time
	PollInterval time.Duration
}

func (d Deps) withDefaults() Deps {
	if d.Spawner == nil {
		d.Spawner = ExecSpawner()
	}
	if d.Index == nil {
		d.Index = subscription.New()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	return d
}

// Key identifies a tunnel: the raw share link and the provider type.
type Key struct {
	Raw      string
	Provider string
}

// Tunnel exposes one share link's inbound through one provider.
//
// The tunnel owns a process exactly when it is running. opMu serializes
// Start, Stop and Reset (user calls and scheduled jobs alike); mu guards the
// observable state so Runtime never waits on a slow start.
type Tunnel struct {
	raw      string
	original descriptor.Descriptor
	provider *provider.Descriptor
	deps     Deps
	local    model.Endpoint
	id       string

	opMu sync.Mutex

	mu        sync.Mutex
	state     model.TunnelState
	current   descriptor.Descriptor
	proc      Process
	host      string
	startedAt time.Time
	keepalive bool
	lastErr   string
	logs      []string
}

// New parses raw and binds it to p. It fails with descriptor.ErrMalformed,
// ErrUnsupportedTransport or provider.ErrDisabled.
func New(raw string, p *provider.Descriptor, deps Deps) (*Tunnel, error) {
	raw = strings.TrimSpace(raw)
	d, err := ParseLink(raw)
	if err != nil {
		return nil, err
	}
	if !p.IsEnabled() {
		return nil, fmt.Errorf("%s: %w", p.Name, provider.ErrDisabled)
	}
	return &Tunnel{
		raw:      raw,
		original: d,
		provider: p,
		deps:     deps.withDefaults(),
		local:    model.Endpoint{Host: util.NormalizeAddr(d.Host(), "127.0.0.1"), Port: d.Port()},
		id:       identity(raw, p.Name),
		state:    model.TunnelIdle,
		current:  d,
	}, nil
}

// ParseLink parses raw and checks that it can be tunneled: a ws or grpc
// transport and a numeric local port.
func ParseLink(raw string) (descriptor.Descriptor, error) {
	d, err := descriptor.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, err
	}
	if tr := strings.ToLower(d.Transport()); !allowedTransports[tr] {
		return nil, fmt.Errorf("%w: %q (need ws or grpc)", ErrUnsupportedTransport, d.Transport())
	}
	if _, err := util.ParsePort(d.Port()); err != nil {
		return nil, fmt.Errorf("%w: %v", descriptor.ErrMalformed, err)
	}
	return d, nil
}

// identity hashes the tunnel key into a short stable identifier.
func identity(raw, providerName string) string {
	sum := blake3.Sum256([]byte(raw + "\x00" + providerName))
	return hex.EncodeToString(sum[:8])
}

// ID returns a short stable hash of Key.
func (t *Tunnel) ID() string { return t.id }

func (t *Tunnel) Key() Key { return Key{Raw: t.raw, Provider: t.provider.Name} }

// Equal reports whether both tunnels expose the same link through the same
// provider type.
func (t *Tunnel) Equal(o *Tunnel) bool { return o != nil && t.Key() == o.Key() }

func (t *Tunnel) Provider() *provider.Descriptor { return t.provider }

func (t *Tunnel) keepaliveJobID() string { return "keepalive-" + t.id }
func (t *Tunnel) expireJobID() string    { return "expire-" + t.id }

// Descriptor returns the share link as currently published: rewritten while
// running, the original otherwise.
func (t *Tunnel) Descriptor() descriptor.Descriptor {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current
}

// Runtime returns a snapshot of the tunnel.
func (t *Tunnel) Runtime() model.TunnelRuntime {
	t.mu.Lock()
	defer t.mu.Unlock()
	rt := model.TunnelRuntime{
		ID:         t.id,
		Provider:   t.provider.Name,
		ClientID:   t.original.ClientID(),
		Local:      t.local,
		Transport:  t.original.Transport(),
		State:      t.state,
		PublicHost: t.host,
		Descriptor: t.current.String(),
		StartedAt:  t.startedAt,
		Keepalive:  t.keepalive,
		LastError:  t.lastErr,
		Logs:       append([]string(nil), t.logs...),
	}
	if t.proc != nil {
		rt.PID = t.proc.PID()
		rt.Logs = t.proc.Logs()
	}
	if !t.startedAt.IsZero() {
		rt.UptimeSec = int64(t.deps.Now().Sub(t.startedAt).Seconds())
	}
	return rt
}

// Start launches the provider process and publishes the rewritten link. A
// running tunnel is left alone.
func (t *Tunnel) Start(ctx context.Context) error {
	t.opMu.Lock()
	defer t.opMu.Unlock()
	return t.startLocked(ctx)
}

func (t *Tunnel) startLocked(ctx context.Context) error {
	t.mu.Lock()
	if t.proc != nil {
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()

	p := t.provider
	log := slog.With("tunnel", t.id, "provider", p.Name, "local", t.local.String())
	if !p.IsEnabled() {
		return t.fail(fmt.Errorf("%s: %w", p.Name, provider.ErrDisabled), nil)
	}
	if err := p.Acquire(); err != nil {
		return t.fail(err, nil)
	}
	args, err := p.Args(t.local.Host, t.local.Port)
	if err != nil {
		p.Release()
		return t.fail(err, nil)
	}

	t.setState(model.TunnelStarting)
	t.record(events.Event{EventType: events.StartRequested, State: model.TunnelStarting})

	proc, host, err := t.deps.Spawner.Spawn(ctx, supervisor.Spec{
		Name:         p.Name,
		Args:         args,
		Pattern:      p.URLPattern,
		Timeout:      p.Timeout(),
		PTY:          p.UsePTY,
		PollInterval: t.deps.PollInterval,
	})
	if err != nil {
		p.Release()
		var logs []string
		if proc != nil {
			logs = proc.Logs()
		}
		return t.fail(err, logs)
	}

	rewritten := t.original.Rewrite(host, p.Label())
	t.mu.Lock()
	t.proc = proc
	t.host = host
	t.current = rewritten
	t.state = model.TunnelRunning
	t.startedAt = t.deps.Now()
	t.lastErr = ""
	t.logs = nil
	resetting := t.keepalive
	t.mu.Unlock()

	t.deps.Index.Add(t.original.ClientID(), p.Name, rewritten.String())
	t.scheduleJobs(resetting)
	t.record(events.Event{
		EventType: events.StartSucceeded, State: model.TunnelRunning,
		AttemptID: proc.ID(), PID: proc.PID(), PublicHost: host,
	})
	log.Info("tunnel running", "host", host, "pid", proc.PID())
	go t.watch(proc)
	return nil
}

// fail records a start failure and restores the original descriptor. The
// tail of the process output becomes the error's debug detail.
func (t *Tunnel) fail(cause error, logs []string) error {
	tail := util.Tail(logs, util.LogTailLines)
	t.mu.Lock()
	t.state = model.TunnelFailed
	t.current = t.original
	t.host = ""
	t.startedAt = time.Time{}
	t.logs = tail
	t.lastErr = cause.Error()
	t.mu.Unlock()

	t.record(events.Event{EventType: events.StartFailed, State: model.TunnelFailed, Message: cause.Error()})
	slog.Warn("tunnel start failed", "tunnel", t.id, "provider", t.provider.Name, "error", cause)
	return security.Wrap(
		fmt.Errorf("start %s tunnel: %w", t.provider.Name, cause),
		fmt.Sprintf("%s tunnel for %s failed: %v", t.provider.Label(), t.local.String(), cause),
		strings.Join(tail, "\n"),
	)
}

func (t *Tunnel) scheduleJobs(resetting bool) {
	s := t.deps.Scheduler
	if s == nil {
		return
	}
	p := t.provider
	if p.Keepalive > 0 {
		err := s.AddJob(scheduler.Job{
			ID:      t.keepaliveJobID(),
			Run:     t.onKeepalive,
			Trigger: scheduler.Trigger{Interval: p.Keepalive},
			Grace:   util.JobGrace,
		})
		if err != nil {
			slog.Warn("failed to schedule keepalive", "tunnel", t.id, "error", err)
		}
	}
	if p.Expire > 0 {
		// A keepalive restart keeps the original lifetime.
		if resetting && hasJob(s, t.expireJobID()) {
			return
		}
		err := s.AddJob(scheduler.Job{
			ID:      t.expireJobID(),
			Run:     t.onExpire,
			Trigger: scheduler.Trigger{At: t.deps.Now().Add(p.Expire)},
			Grace:   util.JobGrace,
		})
		if err != nil {
			slog.Warn("failed to schedule expiry", "tunnel", t.id, "error", err)
		}
	}
}

func hasJob(s scheduler.Scheduler, id string) bool {
	for _, j := range s.Jobs() {
		if j.ID == id {
			return true
		}
	}
	return false
}

func (t *Tunnel) removeJob(id string) {
	if t.deps.Scheduler == nil {
		return
	}
	if err := t.deps.Scheduler.RemoveJob(id); err != nil && !errors.Is(err, scheduler.ErrJobNotFound) {
		slog.Warn("failed to remove job", "job", id, "error", err)
	}
}

// cancelJobs removes the keepalive and expiry jobs, if scheduled.
func (t *Tunnel) cancelJobs() {
	t.removeJob(t.keepaliveJobID())
	t.removeJob(t.expireJobID())
}

// dropIdleJobs cancels jobs left behind by a process that exited on its
// own, without the warning a user Stop logs.
func (t *Tunnel) dropIdleJobs() {
	t.opMu.Lock()
	defer t.opMu.Unlock()
	t.mu.Lock()
	idle := t.proc == nil
	t.mu.Unlock()
	if idle {
		t.cancelJobs()
	}
}

func (t *Tunnel) onKeepalive() {
	t.record(events.Event{EventType: events.Keepalive})
	if err := t.Reset(context.Background()); err != nil {
		slog.Warn("keepalive reset failed", "tunnel", t.id, "error", security.DebugMessage(err))
	}
}

func (t *Tunnel) onExpire() {
	t.record(events.Event{EventType: events.Expired})
	if err := t.Stop(); err != nil {
		slog.Warn("expiry stop failed", "tunnel", t.id, "error", err)
	}
}

// watch clears a process that exits on its own. Scheduled jobs are left in
// place so a keepalive can bring the tunnel back.
func (t *Tunnel) watch(proc Process) {
	<-proc.Done()
	t.opMu.Lock()
	defer t.opMu.Unlock()
	t.mu.Lock()
	if t.proc != proc {
		t.mu.Unlock()
		return
	}
	t.proc = nil
	t.state = model.TunnelFailed
	t.current = t.original
	t.host = ""
	t.startedAt = time.Time{}
	t.logs = util.Tail(proc.Logs(), util.LogTailLines)
	t.lastErr = "provider process exited"
	t.mu.Unlock()

	t.provider.Release()
	t.deps.Index.Remove(t.original.ClientID(), t.provider.Name)
	t.record(events.Event{EventType: events.Exited, State: model.TunnelFailed, AttemptID: proc.ID(), PID: proc.PID()})
	slog.Warn("provider process exited unexpectedly", "tunnel", t.id, "provider", t.provider.Name, "pid", proc.PID())
}

// Stop terminates the process, withdraws the published link and cancels
// scheduled jobs. Stopping a tunnel that owns no process is a no-op.
func (t *Tunnel) Stop() error {
	t.opMu.Lock()
	defer t.opMu.Unlock()
	return t.stopLocked()
}

func (t *Tunnel) stopLocked() error {
	t.mu.Lock()
	proc := t.proc
	resetting := t.keepalive
	if proc == nil {
		t.mu.Unlock()
		slog.Warn("stop requested for tunnel that is not running", "tunnel", t.id, "provider", t.provider.Name)
		// Jobs outlive an unexpected exit; a user stop still cancels them.
		if !resetting {
			t.cancelJobs()
		}
		return nil
	}
	t.state = model.TunnelStopping
	t.mu.Unlock()

	err := proc.Terminate()
	t.provider.Release()

	t.mu.Lock()
	t.proc = nil
	t.state = model.TunnelIdle
	t.current = t.original
	t.host = ""
	t.startedAt = time.Time{}
	t.logs = util.Tail(proc.Logs(), util.LogTailLines)
	t.mu.Unlock()

	t.deps.Index.Remove(t.original.ClientID(), t.provider.Name)
	if resetting {
		t.removeJob(t.keepaliveJobID())
	} else {
		t.cancelJobs()
	}
	t.record(events.Event{EventType: events.Stopped, State: model.TunnelIdle, AttemptID: proc.ID(), PID: proc.PID()})
	slog.Info("tunnel stopped", "tunnel", t.id, "provider", t.provider.Name)
	if err != nil {
		return fmt.Errorf("terminate %s tunnel: %w", t.provider.Name, err)
	}
	return nil
}

// Reset stops and restarts the tunnel as one operation.
func (t *Tunnel) Reset(ctx context.Context) error {
	t.opMu.Lock()
	defer t.opMu.Unlock()
	t.mu.Lock()
	t.keepalive = true
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		t.keepalive = false
		t.mu.Unlock()
	}()
	if err := t.stopLocked(); err != nil {
		slog.Warn("reset: stop failed", "tunnel", t.id, "error", err)
	}
	return t.startLocked(ctx)
}

func (t *Tunnel) setState(s model.TunnelState) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
}

func (t *Tunnel) record(evt events.Event) {
	if t.deps.Journal == nil {
		return
	}
	evt.TunnelID = t.id
	evt.Provider = t.provider.Name
	evt.ClientID = t.original.ClientID()
	if err := t.deps.Journal.Append(evt); err != nil {
		slog.Warn("failed to append tunnel event", "error", err)
	}
}
