package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/treykane/tunnelsub/internal/appconfig"
)

// Provider type names.
const (
	Cloudflare  = "cloudflare"
	Zrok        = "zrok"
	LocalTunnel = "localtunnel"
	Pinggy      = "pinggy"
	Tailscale   = "tailscale"
	Mock        = "mock"
	Bad         = "bad"
)

// Builtin returns the known provider types configured from cfg, in display
// order. The mock and bad providers are only included in dev mode.
func Builtin(cfg appconfig.Config) []*Descriptor {
	dirs := []string{cfg.BinPath, "."}
	p := cfg.Providers

	out := []*Descriptor{
		{
			Name:             Cloudflare,
			DisplayName:      "Cloudflare",
			CommandTemplate:  "{cloudflared_binary} tunnel --url {host}:{port} --no-autoupdate " + p.Cloudflare.ExtraArgs,
			URLPattern:       regexp.MustCompile(`https://[^\s]+\.trycloudflare\.com`),
			ConcurrencyLimit: 99,
			Keepalive:        seconds(p.Cloudflare.KeepaliveSeconds),
			Expire:           seconds(p.Cloudflare.ExpireSeconds),
			Checks: []Check{
				BinaryCheck{Key: "cloudflared_binary", Binary: p.Cloudflare.Binary, SearchDirs: dirs},
			},
		},
		{
			Name:             Zrok,
			DisplayName:      "Zrok",
			CommandTemplate:  "{zrok_binary} share public {host}:{port} --headless",
			URLPattern:       regexp.MustCompile(`https://[^\s]+\.zrok\.io`),
			ConcurrencyLimit: 99,
			DiscoveryTimeout: seconds(p.Zrok.DiscoveryTimeoutSeconds),
			Keepalive:        seconds(p.Zrok.KeepaliveSeconds),
			Expire:           seconds(p.Zrok.ExpireSeconds),
			Checks: []Check{
				BinaryCheck{Key: "zrok_binary", Binary: p.Zrok.Binary, SearchDirs: dirs},
			},
		},
		{
			Name:             LocalTunnel,
			DisplayName:      "LocalTunnel",
			CommandTemplate:  "{lt_binary} --port {port} --local-host {host}",
			URLPattern:       regexp.MustCompile(`https://[^\s]+\.loca\.lt`),
			ConcurrencyLimit: 5,
			Keepalive:        seconds(p.LocalTunnel.KeepaliveSeconds),
			Expire:           seconds(p.LocalTunnel.ExpireSeconds),
			Checks: []Check{
				BinaryCheck{Key: "lt_binary", Binary: p.LocalTunnel.Binary, SearchDirs: dirs},
				RuntimeCheck{Runtime: "node"},
			},
		},
		pinggy(p.Pinggy, dirs),
		tailscale(p.Tailscale, dirs),
	}
	if cfg.Mode == appconfig.ModeDev {
		out = append(out, mockProviders(dirs)...)
	}
	return out
}

func pinggy(c appconfig.PinggyConfig, dirs []string) *Descriptor {
	limit := 1
	if c.Premium {
		limit = 10
	}
	token := strings.TrimSpace(c.Token)
	server := strings.TrimSpace(c.Server)
	extra := strings.Fields(c.Args)
	return &Descriptor{
		Name:             Pinggy,
		DisplayName:      "Pinggy",
		URLPattern:       regexp.MustCompile(`https://[^\s]+\.free\.pinggy\.link`),
		ConcurrencyLimit: limit,
		Keepalive:        seconds(c.KeepaliveSeconds),
		Expire:           seconds(c.ExpireSeconds),
		BuildArgs: func(host, port string, values map[string]string) ([]string, error) {
			ssh, ok := values["ssh_binary"]
			if !ok {
				return nil, ErrBinaryNotFound
			}
			args := []string{
				ssh, "-T", "-p", "443",
				"-R0:" + net.JoinHostPort(host, port),
				"-o", "StrictHostKeyChecking=no",
				"-o", "ServerAliveInterval=30",
			}
			args = append(args, extra...)
			return append(args, token+"@"+server), nil
		},
		Checks: []Check{
			BinaryCheck{Key: "ssh_binary", Binary: "ssh", SearchDirs: dirs},
			PredicateCheck{Label: "token", Fn: func(context.Context) error {
				if token == "" {
					return errors.New("pinggy token is required")
				}
				return nil
			}},
		},
	}
}

func tailscale(c appconfig.TailscaleConfig, dirs []string) *Descriptor {
	mode := c.Mode
	if mode == "" {
		mode = appconfig.TailscaleModeCLI
	}
	bin := c.Binary
	if resolved, err := resolveBinary(c.Binary, dirs); err == nil {
		bin = resolved
	}
	return &Descriptor{
		Name:             Tailscale,
		DisplayName:      "Tailscale",
		URLPattern:       regexp.MustCompile(`https://[^\s]+\.ts\.net`),
		ConcurrencyLimit: 1,
		// funnel renders an interactive status view and buffers without a tty.
		UsePTY:    true,
		Keepalive: seconds(c.KeepaliveSeconds),
		Expire:    seconds(c.ExpireSeconds),
		BuildArgs: func(host, port string, values map[string]string) ([]string, error) {
			if !isLoopback(host) {
				slog.Warn("tailscale funnel only forwards to localhost", "host", host, "port", port)
			}
			return []string{values["tailscale_binary"], "funnel", port}, nil
		},
		Checks: []Check{
			PredicateCheck{Label: "mode", Fn: func(context.Context) error {
				if mode != appconfig.TailscaleModeCLI {
					return fmt.Errorf("tailscale mode %q is not supported", mode)
				}
				return nil
			}},
			BinaryCheck{Key: "tailscale_binary", Binary: c.Binary, SearchDirs: dirs},
			DaemonCheck{
				Label:  "tailscaled",
				Binary: bin,
				Args:   []string{"status"},
				Reject: regexp.MustCompile(`(?i)(stopped|logged out|not running|needslogin)`),
			},
		},
	}
}

// mockProviders are for exercising the lifecycle without network access:
// mock prints a quick-tunnel style URL and idles, bad never prints one.
func mockProviders(dirs []string) []*Descriptor {
	sh := BinaryCheck{Key: "sh_binary", Binary: "sh", SearchDirs: dirs}
	return []*Descriptor{
		{
			Name:             Mock,
			DisplayName:      "Mock",
			URLPattern:       regexp.MustCompile(`https://[^\s]+\.trycloudflare\.com`),
			ConcurrencyLimit: 99,
			BuildArgs: func(host, port string, values map[string]string) ([]string, error) {
				sub := strings.SplitN(uuid.NewString(), "-", 2)[0]
				script := fmt.Sprintf(
					"echo 'forwarding %s:%s'; echo 'INF |  https://%s.trycloudflare.com  |'; while :; do sleep 3600; done",
					host, port, sub)
				return []string{values["sh_binary"], "-c", script}, nil
			},
			Checks: []Check{sh},
		},
		{
			Name:             Bad,
			DisplayName:      "Bad",
			URLPattern:       regexp.MustCompile(`https://[^\s]+\.trycloudflare\.com`),
			ConcurrencyLimit: 99,
			DiscoveryTimeout: 2 * time.Second,
			BuildArgs: func(host, port string, values map[string]string) ([]string, error) {
				return []string{values["sh_binary"], "-c", "echo 'Please authorize this device to continue'; while :; do sleep 3600; done"}, nil
			},
			Checks: []Check{sh},
		},
	}
}

func isLoopback(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(strings.Trim(host, "[]"))
	return ip != nil && ip.IsLoopback()
}

func seconds(n int) time.Duration {
	if n <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second
}
