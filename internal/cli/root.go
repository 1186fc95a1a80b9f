// Package cli provides the command-line interface for tunnelsub.
package cli

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/treykane/tunnelsub/internal/ui"
)

// NewRootCommand creates the root cobra command.
func NewRootCommand() *cobra.Command {
	var logLevel string
	root := &cobra.Command{
		Use:           "tunnelsub",
		Short:         "Expose proxy inbounds through public tunnels and publish a subscription",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return configureLogging(os.Stderr, logLevel)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			// Log lines would tear the alternate screen.
			if !cmd.Flags().Changed("log-level") {
				slog.SetDefault(slog.New(slog.NewTextHandler(io.Discard, nil)))
			}
			a, err := bootstrap(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()
			return ui.Run(a.mgr, a.cfg.UI.RefreshSeconds)
		},
	}
	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn or error")

	root.AddCommand(newRunCmd())
	root.AddCommand(newProvidersCmd())
	root.AddCommand(newDoctorCmd())
	root.AddCommand(newDescriptorCmd())
	root.AddCommand(newEventsCmd())
	return root
}

func configureLogging(w io.Writer, level string) error {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(level))); err != nil {
		return fmt.Errorf("invalid --log-level %q: %w", level, err)
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl})))
	return nil
}
