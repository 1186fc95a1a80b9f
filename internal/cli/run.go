package cli

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/treykane/tunnelsub/internal/subscription"
	"github.com/treykane/tunnelsub/internal/tunnel"
)

func newRunCmd() *cobra.Command {
	var (
		once       bool
		resetEvery time.Duration
		resetScope string
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start every enabled tunnel and publish the subscription until interrupted",
		Long: "Starts a tunnel for each share link on every enabled provider, prints the\n" +
			"subscription whenever it changes and mirrors it to subscription_file.\n" +
			"With --reset-every, every tunnel in --reset-scope is reset on that interval.",
		RunE: func(cmd *cobra.Command, args []string) error {
			scope, err := tunnel.ParseScope(resetScope)
			if err != nil {
				return err
			}
			if resetEvery < 0 {
				return fmt.Errorf("--reset-every must not be negative")
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := bootstrap(ctx)
			if err != nil {
				return err
			}
			defer a.close()

			if err := a.mgr.StartAll(ctx); err != nil {
				slog.Warn("some tunnels failed to start", "error", err)
			}

			pub := &subscription.Publisher{Path: a.cfg.SubscriptionFile}
			var last string
			printed := false
			emit := func() {
				doc := a.mgr.Subscription()
				if wrote, err := pub.Publish(doc); err != nil {
					slog.Warn("failed to write subscription file", "path", pub.Path, "error", err)
				} else if wrote {
					idx := a.mgr.Index()
					slog.Info("subscription file updated", "path", pub.Path, "links", idx.Len(), "clients", idx.Clients())
				}
				if printed && doc == last {
					return
				}
				fmt.Println(doc)
				last, printed = doc, true
			}

			emit()
			if once {
				return nil
			}
			ticker := time.NewTicker(time.Duration(a.cfg.UI.RefreshSeconds) * time.Second)
			defer ticker.Stop()
			var resets <-chan time.Time
			if resetEvery > 0 {
				rt := time.NewTicker(resetEvery)
				defer rt.Stop()
				resets = rt.C
			}
			for {
				select {
				case <-ctx.Done():
					slog.Info("shutting down")
					return nil
				case <-ticker.C:
					emit()
				case <-resets:
					slog.Info("periodic reset", "scope", scope)
					if err := a.mgr.ResetAll(ctx, scope); err != nil {
						slog.Warn("some tunnels failed to reset", "error", err)
					}
					emit()
				}
			}
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "print the subscription after the first start and exit")
	cmd.Flags().DurationVar(&resetEvery, "reset-every", 0, "reset tunnels on this interval (0 disables)")
	cmd.Flags().StringVar(&resetScope, "reset-scope", string(tunnel.ScopeEnabled), "providers a periodic reset touches: all or enabled")
	return cmd
}
