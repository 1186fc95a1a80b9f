package cli

import (
	"context"
	"log/slog"

	"github.com/treykane/tunnelsub/internal/appconfig"
	"github.com/treykane/tunnelsub/internal/events"
	"github.com/treykane/tunnelsub/internal/provider"
	"github.com/treykane/tunnelsub/internal/scheduler"
	"github.com/treykane/tunnelsub/internal/tunnel"
)

// app is the wired runtime shared by the dashboard and the run command.
type app struct {
	cfg     appconfig.Config
	reg     *provider.Registry
	sched   *scheduler.Timers
	journal *events.Store
	mgr     *tunnel.Manager
}

// loadRegistry loads config and validates every built-in provider.
func loadRegistry(ctx context.Context) (appconfig.Config, *provider.Registry, error) {
	cfg, err := appconfig.Load()
	if err != nil {
		return cfg, nil, err
	}
	reg := provider.NewRegistry()
	if err := reg.RegisterAll(ctx, provider.Builtin(cfg), cfg.Workers); err != nil {
		return cfg, nil, err
	}
	return cfg, reg, nil
}

func bootstrap(ctx context.Context) (*app, error) {
	cfg, reg, err := loadRegistry(ctx)
	if err != nil {
		return nil, err
	}
	a := &app{
		cfg:     cfg,
		reg:     reg,
		sched:   scheduler.New(scheduler.RealClock()),
		journal: events.NewStore(),
	}
	a.mgr = tunnel.NewManager(reg, tunnel.Deps{Scheduler: a.sched, Journal: a.journal}, tunnel.Options{
		Workers:  cfg.Workers,
		Disabled: cfg.Providers.Disabled,
	})
	if err := a.mgr.Prepare(cfg.TunnelURLs); err != nil {
		slog.Warn("some share links were skipped", "error", err)
	}
	if len(cfg.TunnelURLs) == 0 {
		slog.Warn("no share links configured; set tunnel_urls or TUNNEL_URLS")
	}
	return a, nil
}

// close stops the scheduler before the tunnels so no job restarts one
// mid-shutdown.
func (a *app) close() {
	a.sched.Close()
	if err := a.mgr.StopAll(); err != nil {
		slog.Warn("failed to stop tunnels", "error", err)
	}
}
