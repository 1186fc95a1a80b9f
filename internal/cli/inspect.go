package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/treykane/tunnelsub/internal/descriptor"
	"github.com/treykane/tunnelsub/internal/doctor"
	"github.com/treykane/tunnelsub/internal/events"
	"github.com/treykane/tunnelsub/internal/tunnel"
	"github.com/treykane/tunnelsub/internal/util"
)

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newProvidersCmd() *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "providers",
		Short: "Validate provider prerequisites and show which are usable",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, reg, err := loadRegistry(cmd.Context())
			if err != nil {
				return err
			}
			mgr := tunnel.NewManager(reg, tunnel.Deps{}, tunnel.Options{Disabled: cfg.Providers.Disabled})
			statuses := mgr.Providers()
			if jsonOut {
				return printJSON(statuses)
			}
			fmt.Printf("%-12s %-12s %-10s %-6s %s\n", "NAME", "DISPLAY", "STATUS", "LIMIT", "CHECKS")
			for _, st := range statuses {
				status := "ok"
				switch {
				case !st.Enabled:
					status = "disabled"
				case !st.UserEnabled:
					status = "off"
				}
				var checks []string
				for _, c := range st.Checks {
					mark := "PASS"
					if !c.Pass {
						mark = "FAIL"
					}
					checks = append(checks, fmt.Sprintf("[%s] %s", mark, c.Check))
				}
				fmt.Printf("%-12s %-12s %-10s %-6d %s\n", st.Name, st.DisplayName, status, st.Limit, util.EmptyDash(strings.Join(checks, " ")))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "output JSON")
	return cmd
}

func newDoctorCmd() *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Diagnose providers, share links and file permissions",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, reg, err := loadRegistry(cmd.Context())
			if err != nil {
				return err
			}
			report := doctor.Run(cfg, reg)
			if jsonOut {
				return printJSON(report)
			}
			if len(report.Issues) == 0 {
				fmt.Println("no issues found")
				return nil
			}
			for _, issue := range report.Issues {
				fmt.Printf("[%s] %s %s: %s\n", strings.ToUpper(string(issue.Severity)), issue.Check, issue.Target, issue.Message)
				if issue.Recommendation != "" {
					fmt.Printf("    fix: %s\n", issue.Recommendation)
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "output JSON")
	return cmd
}

type descriptorInfo struct {
	Scheme     string `json:"scheme"`
	ClientID   string `json:"client_id"`
	Host       string `json:"host"`
	Port       string `json:"port"`
	Transport  string `json:"transport"`
	Remark     string `json:"remark"`
	Tunnelable bool   `json:"tunnelable"`
	Problem    string `json:"problem,omitempty"`
}

func newDescriptorCmd() *cobra.Command {
	root := &cobra.Command{Use: "descriptor", Short: "Inspect and rewrite share links"}

	var jsonOut bool
	inspect := &cobra.Command{
		Use:   "inspect <link>",
		Short: "Show the fields of a vless:// or vmess:// share link",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := descriptor.Parse(strings.TrimSpace(args[0]))
			if err != nil {
				return err
			}
			info := descriptorInfo{
				Scheme:    d.Scheme(),
				ClientID:  d.ClientID(),
				Host:      d.Host(),
				Port:      d.Port(),
				Transport: d.Transport(),
				Remark:    d.Remark(),
			}
			if _, err := tunnel.ParseLink(args[0]); err != nil {
				info.Problem = err.Error()
			} else {
				info.Tunnelable = true
			}
			if jsonOut {
				return printJSON(info)
			}
			fmt.Printf("scheme:     %s\n", info.Scheme)
			fmt.Printf("client:     %s\n", info.ClientID)
			fmt.Printf("address:    %s:%s\n", info.Host, info.Port)
			fmt.Printf("transport:  %s\n", info.Transport)
			fmt.Printf("remark:     %s\n", util.EmptyDash(info.Remark))
			if info.Tunnelable {
				fmt.Println("tunnelable: yes")
			} else {
				fmt.Printf("tunnelable: no (%s)\n", info.Problem)
			}
			return nil
		},
	}
	inspect.Flags().BoolVar(&jsonOut, "json", false, "output JSON")

	var host, label string
	rewrite := &cobra.Command{
		Use:   "rewrite <link>",
		Short: "Print the link as it would be published for a public host",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(host) == "" {
				return errors.New("--host is required")
			}
			d, err := descriptor.Parse(strings.TrimSpace(args[0]))
			if err != nil {
				return err
			}
			fmt.Println(d.Rewrite(strings.TrimSpace(host), label).String())
			return nil
		},
	}
	rewrite.Flags().StringVar(&host, "host", "", "public host the tunnel provider assigned")
	rewrite.Flags().StringVar(&label, "label", "", "provider label prefixed to the remark")

	root.AddCommand(inspect, rewrite)
	return root
}

func newEventsCmd() *cobra.Command {
	var (
		jsonOut   bool
		providerN string
		tunnelID  string
		eventType string
		since     time.Duration
		limit     int
	)
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Show the tunnel lifecycle journal",
		RunE: func(cmd *cobra.Command, args []string) error {
			q := events.Query{Provider: providerN, TunnelID: tunnelID, EventType: eventType, Limit: limit}
			if since > 0 {
				q.Since = time.Now().Add(-since)
			}
			evts, err := events.NewStore().Read(q)
			if err != nil {
				return err
			}
			if jsonOut {
				if evts == nil {
					evts = []events.Event{}
				}
				return printJSON(evts)
			}
			fmt.Printf("%-20s %-18s %-12s %-16s %s\n", "TIME", "TYPE", "PROVIDER", "TUNNEL", "DETAIL")
			for _, e := range evts {
				detail := e.Message
				if e.PublicHost != "" {
					detail = strings.TrimSpace(e.PublicHost + " " + detail)
				}
				fmt.Printf("%-20s %-18s %-12s %-16s %s\n",
					e.Timestamp.Local().Format("2006-01-02 15:04:05"), e.EventType,
					util.EmptyDash(e.Provider), util.EmptyDash(e.TunnelID), util.EmptyDash(detail))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "output JSON")
	cmd.Flags().StringVar(&providerN, "provider", "", "filter by provider")
	cmd.Flags().StringVar(&tunnelID, "tunnel", "", "filter by tunnel id")
	cmd.Flags().StringVar(&eventType, "type", "", "filter by event type")
	cmd.Flags().DurationVar(&since, "since", 0, "only events newer than this duration")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum events to show (0 for all)")
	return cmd
}
