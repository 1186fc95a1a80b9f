package tunnel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/treykane/tunnelsub/internal/events"
	"github.com/treykane/tunnelsub/internal/model"
	"github.com/treykane/tunnelsub/internal/provider"
	"github.com/treykane/tunnelsub/internal/subscription"
	"github.com/treykane/tunnelsub/internal/util"
)

// ErrTunnelNotFound is returned for an unknown tunnel ID.
var ErrTunnelNotFound = errors.New("tunnel not found")

// ErrProviderNotFound is returned for an unknown provider name.
var ErrProviderNotFound = errors.New("provider not found")

// Scope selects which provider types a bulk reset touches.
type Scope string

const (
	// ScopeAll resets every usable provider type.
	ScopeAll Scope = "all"
	// ScopeEnabled resets only provider types the user has left switched on.
	ScopeEnabled Scope = "enabled"
)

// ParseScope converts user input into a Scope.
func ParseScope(s string) (Scope, error) {
	switch Scope(strings.ToLower(strings.TrimSpace(s))) {
	case "", ScopeAll:
		return ScopeAll, nil
	case ScopeEnabled:
		return ScopeEnabled, nil
	}
	return "", fmt.Errorf("unknown reset scope %q (want all or enabled)", s)
}

// Options configures a Manager.
type Options struct {
	// Workers bounds concurrent starts in StartAll and ResetAll.
	Workers int
	// Disabled lists provider types the user has switched off.
	Disabled []string
}

// Manager coordinates the tunnels for every configured share link across
// every registered provider.
type Manager struct {
	mu          sync.Mutex
	registry    *provider.Registry
	deps        Deps
	workers     int
	urls        []string
	tunnels     []*Tunnel
	userEnabled map[string]bool
}

// NewManager creates a manager. deps.Index is created if nil and shared by
// every tunnel the manager builds.
func NewManager(reg *provider.Registry, deps Deps, opts Options) *Manager {
	deps = deps.withDefaults()
	workers := opts.Workers
	if workers <= 0 {
		workers = util.DefaultWorkers
	}
	m := &Manager{
		registry:    reg,
		deps:        deps,
		workers:     workers,
		userEnabled: make(map[string]bool),
	}
	for _, p := range reg.All() {
		m.userEnabled[p.Name] = true
	}
	for _, name := range opts.Disabled {
		name = strings.ToLower(strings.TrimSpace(name))
		if _, ok := m.userEnabled[name]; ok {
			m.userEnabled[name] = false
		}
	}
	return m
}

// Prepare records urls and builds a tunnel for each (url, usable provider)
// pair that is not already managed. Links that fail to parse or use an
// unsupported transport are skipped and reported in the joined error;
// disabled providers contribute nothing.
func (m *Manager) Prepare(urls []string) error {
	m.mu.Lock()
	m.urls = append([]string(nil), urls...)
	m.mu.Unlock()
	return m.build(m.registry.All())
}

// AddLink validates raw, adds it to the managed links and starts its tunnels
// on every provider the user has left on. Adding a known link only starts
// whatever of it is not running.
func (m *Manager) AddLink(ctx context.Context, raw string) error {
	raw = strings.TrimSpace(raw)
	if _, err := ParseLink(raw); err != nil {
		return err
	}
	m.mu.Lock()
	known := false
	for _, u := range m.urls {
		if strings.TrimSpace(u) == raw {
			known = true
			break
		}
	}
	if !known {
		m.urls = append(m.urls, raw)
	}
	m.mu.Unlock()

	// raw parsed, so build errors belong to other links and were logged.
	_ = m.build(m.registry.All())
	var mine []*Tunnel
	for _, t := range m.tunnelsFor(m.providersFor(ScopeEnabled)) {
		if t.raw == raw {
			mine = append(mine, t)
		}
	}
	return m.startAll(ctx, mine)
}

// build adds missing tunnels for providers and returns construction errors.
func (m *Manager) build(providers []*provider.Descriptor) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := make(map[Key]bool, len(m.tunnels))
	for _, t := range m.tunnels {
		seen[t.Key()] = true
	}
	var errs []error
	reported := make(map[string]bool)
	for _, raw := range m.urls {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		for _, p := range providers {
			if seen[Key{Raw: raw, Provider: p.Name}] {
				continue
			}
			t, err := New(raw, p, m.deps)
			if err != nil {
				if errors.Is(err, provider.ErrDisabled) {
					continue
				}
				// Parse and transport errors do not depend on the provider.
				if !reported[raw] {
					reported[raw] = true
					slog.Warn("skipping share link", "error", err)
					errs = append(errs, err)
				}
				break
			}
			seen[t.Key()] = true
			m.tunnels = append(m.tunnels, t)
		}
	}
	return errors.Join(errs...)
}

// providersFor returns the registered providers inside scope.
func (m *Manager) providersFor(scope Scope) []*provider.Descriptor {
	all := m.registry.All()
	if scope != ScopeEnabled {
		return all
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*provider.Descriptor, 0, len(all))
	for _, p := range all {
		if m.userEnabled[p.Name] {
			out = append(out, p)
		}
	}
	return out
}

func (m *Manager) tunnelsFor(providers []*provider.Descriptor) []*Tunnel {
	names := make(map[string]bool, len(providers))
	for _, p := range providers {
		names[p.Name] = true
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Tunnel, 0, len(m.tunnels))
	for _, t := range m.tunnels {
		if names[t.provider.Name] {
			out = append(out, t)
		}
	}
	return out
}

// StartAll starts every managed tunnel whose provider the user has left on.
func (m *Manager) StartAll(ctx context.Context) error {
	return m.startAll(ctx, m.tunnelsFor(m.providersFor(ScopeEnabled)))
}

// ResetAll stops the tunnels of every provider in scope one by one, builds
// any missing tunnels for them, then starts them concurrently. Tunnels of
// providers outside scope are untouched. Per-tunnel failures are logged and
// returned joined; they never abort the others.
func (m *Manager) ResetAll(ctx context.Context, scope Scope) error {
	providers := m.providersFor(scope)
	for _, t := range m.tunnelsFor(providers) {
		if !t.Runtime().State.Active() {
			continue
		}
		if err := t.Stop(); err != nil {
			slog.Warn("reset: stop failed", "tunnel", t.ID(), "error", err)
		}
	}
	buildErr := m.build(providers)
	return errors.Join(buildErr, m.startAll(ctx, m.tunnelsFor(providers)))
}

func (m *Manager) startAll(ctx context.Context, tunnels []*Tunnel) error {
	var g errgroup.Group
	g.SetLimit(m.workers)

	var mu sync.Mutex
	var errs []error
	for _, t := range tunnels {
		g.Go(func() error {
			if err := t.Start(ctx); err != nil {
				slog.Warn("tunnel failed to start", "tunnel", t.ID(), "provider", t.provider.Name, "error", err)
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// Get returns the tunnel with the given ID.
func (m *Manager) Get(id string) (*Tunnel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tunnels {
		if t.ID() == id {
			return t, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrTunnelNotFound, id)
}

// Start starts one tunnel by ID.
func (m *Manager) Start(ctx context.Context, id string) error {
	t, err := m.Get(id)
	if err != nil {
		return err
	}
	return t.Start(ctx)
}

// Stop stops one tunnel by ID.
func (m *Manager) Stop(id string) error {
	t, err := m.Get(id)
	if err != nil {
		return err
	}
	return t.Stop()
}

// Reset restarts one tunnel by ID.
func (m *Manager) Reset(ctx context.Context, id string) error {
	t, err := m.Get(id)
	if err != nil {
		return err
	}
	return t.Reset(ctx)
}

// StopAll stops every managed tunnel.
func (m *Manager) StopAll() error {
	m.mu.Lock()
	tunnels := append([]*Tunnel(nil), m.tunnels...)
	m.mu.Unlock()

	var errs []error
	for _, t := range tunnels {
		if !t.Runtime().State.Active() {
			t.dropIdleJobs()
			continue
		}
		if err := t.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ToggleProvider flips the user switch for a provider type and returns the
// new value. Running tunnels are not affected until the next reset.
func (m *Manager) ToggleProvider(name string) (bool, error) {
	m.mu.Lock()
	on, ok := m.userEnabled[name]
	if !ok {
		m.mu.Unlock()
		return false, fmt.Errorf("%w: %s", ErrProviderNotFound, name)
	}
	on = !on
	m.userEnabled[name] = on
	m.mu.Unlock()

	if m.deps.Journal != nil {
		msg := "disabled"
		if on {
			msg = "enabled"
		}
		if err := m.deps.Journal.Append(events.Event{EventType: events.ProviderToggle, Provider: name, Message: msg}); err != nil {
			slog.Warn("failed to append provider event", "error", err)
		}
	}
	slog.Info("provider toggled", "provider", name, "user_enabled", on)
	return on, nil
}

// Providers describes every registered provider type.
func (m *Manager) Providers() []model.ProviderStatus {
	all := m.registry.All()
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.ProviderStatus, 0, len(all))
	for _, p := range all {
		st := model.ProviderStatus{
			Name:        p.Name,
			DisplayName: p.Label(),
			Enabled:     p.IsEnabled(),
			UserEnabled: m.userEnabled[p.Name],
			Limit:       p.ConcurrencyLimit,
			Active:      p.Active(),
		}
		for _, r := range p.CheckResults() {
			st.Checks = append(st.Checks, model.CheckStatus{Check: r.Check, Pass: r.Pass, Message: r.Message})
		}
		out = append(out, st)
	}
	return out
}

// Snapshot returns every managed tunnel's state in creation order.
func (m *Manager) Snapshot() []model.TunnelRuntime {
	m.mu.Lock()
	tunnels := append([]*Tunnel(nil), m.tunnels...)
	m.mu.Unlock()
	out := make([]model.TunnelRuntime, 0, len(tunnels))
	for _, t := range tunnels {
		out = append(out, t.Runtime())
	}
	return out
}

// Index returns the shared subscription index.
func (m *Manager) Index() *subscription.Index { return m.deps.Index }

// Subscription renders the current subscription document.
func (m *Manager) Subscription() string { return m.deps.Index.Render() }
