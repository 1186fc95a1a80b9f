package doctor

import (
	"fmt"
	"sort"
	"strings"

	"github.com/treykane/tunnelsub/internal/appconfig"
	"github.com/treykane/tunnelsub/internal/provider"
	"github.com/treykane/tunnelsub/internal/security"
	"github.com/treykane/tunnelsub/internal/tunnel"
)

type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

type Issue struct {
	Severity       Severity `json:"severity"`
	Check          string   `json:"check"`
	Target         string   `json:"target"`
	Message        string   `json:"message"`
	Recommendation string   `json:"recommendation"`
}

type Report struct {
	Issues []Issue `json:"issues"`
}

// Run diagnoses a loaded configuration against a registry whose providers
// have already been validated.
func Run(cfg appconfig.Config, reg *provider.Registry) Report {
	var issues []Issue

	issues = append(issues, providerIssues(cfg, reg)...)
	issues = append(issues, linkIssues(cfg.TunnelURLs)...)

	for _, f := range security.RunLocalAudit(cfg).Findings {
		issues = append(issues, Issue{
			Severity:       Severity(f.Severity),
			Check:          "security-audit",
			Target:         f.Target,
			Message:        f.Message,
			Recommendation: f.Recommendation,
		})
	}

	sort.Slice(issues, func(i, j int) bool {
		ri := severityRank(issues[i].Severity)
		rj := severityRank(issues[j].Severity)
		if ri != rj {
			return ri > rj
		}
		if issues[i].Check != issues[j].Check {
			return issues[i].Check < issues[j].Check
		}
		if issues[i].Target != issues[j].Target {
			return issues[i].Target < issues[j].Target
		}
		return issues[i].Message < issues[j].Message
	})
	return Report{Issues: issues}
}

func providerIssues(cfg appconfig.Config, reg *provider.Registry) []Issue {
	var issues []Issue
	usable := 0
	for _, p := range reg.All() {
		off := cfg.Providers.IsDisabled(p.Name)
		if p.IsEnabled() && !off {
			usable++
		}
		sev := SeverityMedium
		if off {
			// The user does not want it anyway.
			sev = SeverityLow
		}
		for _, r := range p.CheckResults() {
			if r.Pass {
				continue
			}
			issues = append(issues, Issue{
				Severity:       sev,
				Check:          "provider-check",
				Target:         p.Name + "/" + r.Check,
				Message:        security.RedactMessage(r.Message),
				Recommendation: recommendFor(p.Name, r),
			})
		}
	}
	if usable == 0 {
		issues = append(issues, Issue{
			Severity:       SeverityHigh,
			Check:          "no-providers",
			Target:         "providers",
			Message:        "no provider is both available and switched on",
			Recommendation: "install a provider CLI into bin_path or remove it from providers.disabled",
		})
	}
	return issues
}

func recommendFor(name string, r provider.CheckResult) string {
	switch {
	case r.Key != "":
		return fmt.Sprintf("install %s on PATH or into bin_path", strings.TrimSuffix(r.Key, "_binary"))
	case name == provider.Pinggy:
		return "set providers.pinggy.token (or PINGGY_TOKEN)"
	case name == provider.Tailscale:
		return "run tailscaled, log in, and set providers.tailscale.mode to cli"
	}
	return fmt.Sprintf("fix the %s check or add %s to providers.disabled", r.Check, name)
}

// linkIssues reports share links that cannot be tunneled, links configured
// twice and clients whose links would overwrite each other in the
// subscription.
func linkIssues(urls []string) []Issue {
	if len(urls) == 0 {
		return []Issue{{
			Severity:       SeverityMedium,
			Check:          "no-tunnel-urls",
			Target:         "tunnel_urls",
			Message:        "no share links configured",
			Recommendation: "add vless:// or vmess:// links to tunnel_urls or TUNNEL_URLS",
		}}
	}

	var issues []Issue
	raws := map[string]int{}
	clients := map[string][]string{}
	for i, raw := range urls {
		raw = strings.TrimSpace(raw)
		target := fmt.Sprintf("tunnel_urls[%d]", i)
		d, err := tunnel.ParseLink(raw)
		if err != nil {
			issues = append(issues, Issue{
				Severity:       SeverityHigh,
				Check:          "tunnel-url",
				Target:         target,
				Message:        security.RedactMessage(err.Error()),
				Recommendation: "use a vless:// or vmess:// link with ws or grpc transport and a numeric port",
			})
			continue
		}
		raws[raw]++
		if raws[raw] == 2 {
			issues = append(issues, Issue{
				Severity:       SeverityLow,
				Check:          "duplicate-tunnel-url",
				Target:         target,
				Message:        "share link is configured more than once",
				Recommendation: "remove the duplicate entry",
			})
		}
		if raws[raw] == 1 {
			clients[d.ClientID()] = append(clients[d.ClientID()], target)
		}
	}
	for id, targets := range clients {
		if len(targets) < 2 {
			continue
		}
		issues = append(issues, Issue{
			Severity:       SeverityMedium,
			Check:          "subscription-collision",
			Target:         strings.Join(targets, ","),
			Message:        security.RedactMessage(fmt.Sprintf("client %s appears in %d links; only one link per provider is published", id, len(targets))),
			Recommendation: "give each inbound its own client id",
		})
	}
	return issues
}

func severityRank(s Severity) int {
	switch s {
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	default:
		return 1
	}
}
