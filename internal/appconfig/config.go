// Package appconfig manages application configuration and runtime file paths.
package appconfig

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	ModeProd = "prod"
	ModeDev  = "dev"

	TailscaleModeCLI    = "cli"
	TailscaleModeDocker = "docker"
)

// UIConfig contains dashboard display settings.
type UIConfig struct {
	RefreshSeconds int `yaml:"refresh_seconds"`
}

// Timers configures scheduler-driven keepalive resets and expiry stops for
// one provider. Zero disables the job.
type Timers struct {
	KeepaliveSeconds int `yaml:"keepalive_seconds,omitempty"`
	ExpireSeconds    int `yaml:"expire_seconds,omitempty"`
}

type CloudflareConfig struct {
	Binary    string `yaml:"binary"`
	ExtraArgs string `yaml:"extra_args,omitempty"`
	Timers    `yaml:",inline"`
}

type ZrokConfig struct {
	Binary                  string `yaml:"binary"`
	DiscoveryTimeoutSeconds int    `yaml:"discovery_timeout_seconds"`
	Timers                  `yaml:",inline"`
}

type LocalTunnelConfig struct {
	Binary string `yaml:"binary"`
	Timers `yaml:",inline"`
}

type PinggyConfig struct {
	Token   string `yaml:"token"`
	Server  string `yaml:"server"`
	Premium bool   `yaml:"premium"`
	Args    string `yaml:"args,omitempty"`
	Timers  `yaml:",inline"`
}

type TailscaleConfig struct {
	Mode   string `yaml:"mode,omitempty"`
	Binary string `yaml:"binary"`
	Timers `yaml:",inline"`
}

// Providers holds per-provider settings. Disabled names a provider type the
// user switched off; it still registers but starts no tunnels.
type Providers struct {
	Disabled    []string          `yaml:"disabled,omitempty"`
	Cloudflare  CloudflareConfig  `yaml:"cloudflare"`
	Zrok        ZrokConfig        `yaml:"zrok"`
	LocalTunnel LocalTunnelConfig `yaml:"localtunnel"`
	Pinggy      PinggyConfig      `yaml:"pinggy"`
	Tailscale   TailscaleConfig   `yaml:"tailscale"`
}

// Config holds application-level configuration.
type Config struct {
	Mode             string    `yaml:"mode"`
	BinPath          string    `yaml:"bin_path"`
	TunnelURLs       []string  `yaml:"tunnel_urls"`
	Workers          int       `yaml:"workers"`
	SubscriptionFile string    `yaml:"subscription_file,omitempty"`
	UI               UIConfig  `yaml:"ui"`
	Providers        Providers `yaml:"providers"`
}

// Default returns the default configuration.
func Default() Config {
	return Config{
		Mode:    ModeProd,
		BinPath: "./bin",
		Workers: 4,
		UI:      UIConfig{RefreshSeconds: 3},
		Providers: Providers{
			Cloudflare:  CloudflareConfig{Binary: "cloudflared"},
			Zrok:        ZrokConfig{Binary: "zrok", DiscoveryTimeoutSeconds: 15},
			LocalTunnel: LocalTunnelConfig{Binary: "lt"},
			Pinggy:      PinggyConfig{Token: "qr", Server: "free.pinggy.io"},
			Tailscale:   TailscaleConfig{Binary: "tailscale"},
		},
	}
}

// ConfigDir returns the application config directory path.
// Uses XDG_CONFIG_HOME if set, otherwise ~/.config/tunnelsub.
func ConfigDir() (string, error) {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "tunnelsub"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home: %w", err)
	}
	return filepath.Join(home, ".config", "tunnelsub"), nil
}

// Load reads config.yaml from the config directory and applies environment
// overrides. If the file doesn't exist, creates it with defaults.
func Load() (Config, error) {
	d, err := ConfigDir()
	if err != nil {
		return Config{}, err
	}
	if err := os.MkdirAll(d, 0o700); err != nil {
		return Config{}, err
	}
	path := filepath.Join(d, "config.yaml")
	cfg := Default()
	b, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return Config{}, err
		}
		if err := Save(cfg); err != nil {
			return cfg, err
		}
	} else if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", path, err)
	}
	applyEnv(&cfg)
	normalize(&cfg)
	return cfg, nil
}

// Save writes config to config.yaml.
func Save(cfg Config) error {
	d, err := ConfigDir()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(d, 0o700); err != nil {
		return err
	}
	path := filepath.Join(d, "config.yaml")
	b, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o600)
}

// applyEnv lets deployment environments override the file, using the same
// variable names container images for this tool conventionally set.
func applyEnv(cfg *Config) {
	if v, ok := os.LookupEnv("MODE"); ok {
		cfg.Mode = v
	}
	setString(&cfg.BinPath, "BIN_PATH")
	if v := os.Getenv("TUNNEL_URLS"); strings.TrimSpace(v) != "" {
		cfg.TunnelURLs = SplitList(v)
	}
	setString(&cfg.SubscriptionFile, "SUBSCRIPTION_FILE")

	p := &cfg.Providers
	setString(&p.Cloudflare.Binary, "CLOUDFLARED_BINARY")
	setString(&p.Cloudflare.ExtraArgs, "CLOUDFLARED_EXTRA_ARGS")
	setString(&p.Zrok.Binary, "ZROK_BINARY")
	setString(&p.LocalTunnel.Binary, "LOCAL_TUNNEL_BINARY")
	setString(&p.Pinggy.Token, "PINGGY_TOKEN")
	setString(&p.Pinggy.Server, "PINGGY_URL")
	setString(&p.Pinggy.Args, "PINGGY_ARGS")
	if v, ok := os.LookupEnv("PINGGY_PREMIUM"); ok {
		p.Pinggy.Premium = truthy(v)
	}
	setString(&p.Tailscale.Mode, "TAILSCALE_MODE")
}

func setString(dst *string, env string) {
	if v, ok := os.LookupEnv(env); ok {
		*dst = v
	}
}

func truthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	}
	if b, err := strconv.ParseBool(v); err == nil {
		return b
	}
	return false
}

func normalize(cfg *Config) {
	switch strings.ToLower(strings.TrimSpace(cfg.Mode)) {
	case "dev", "development", "debug", "test":
		cfg.Mode = ModeDev
	default:
		cfg.Mode = ModeProd
	}
	if strings.TrimSpace(cfg.BinPath) == "" {
		cfg.BinPath = "./bin"
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.UI.RefreshSeconds <= 0 {
		cfg.UI.RefreshSeconds = 3
	}
	urls := cfg.TunnelURLs[:0]
	for _, u := range cfg.TunnelURLs {
		if u = strings.TrimSpace(u); u != "" {
			urls = append(urls, u)
		}
	}
	cfg.TunnelURLs = urls

	p := &cfg.Providers
	def := Default().Providers
	if strings.TrimSpace(p.Cloudflare.Binary) == "" {
		p.Cloudflare.Binary = def.Cloudflare.Binary
	}
	if strings.TrimSpace(p.Zrok.Binary) == "" {
		p.Zrok.Binary = def.Zrok.Binary
	}
	if p.Zrok.DiscoveryTimeoutSeconds <= 0 {
		p.Zrok.DiscoveryTimeoutSeconds = def.Zrok.DiscoveryTimeoutSeconds
	}
	if strings.TrimSpace(p.LocalTunnel.Binary) == "" {
		p.LocalTunnel.Binary = def.LocalTunnel.Binary
	}
	if strings.TrimSpace(p.Pinggy.Server) == "" {
		p.Pinggy.Server = def.Pinggy.Server
	}
	if strings.TrimSpace(p.Tailscale.Binary) == "" {
		p.Tailscale.Binary = def.Tailscale.Binary
	}
	p.Tailscale.Mode = strings.ToLower(strings.TrimSpace(p.Tailscale.Mode))
	for _, t := range []*Timers{&p.Cloudflare.Timers, &p.Zrok.Timers, &p.LocalTunnel.Timers, &p.Pinggy.Timers, &p.Tailscale.Timers} {
		if t.KeepaliveSeconds < 0 {
			t.KeepaliveSeconds = 0
		}
		if t.ExpireSeconds < 0 {
			t.ExpireSeconds = 0
		}
	}
}

// SplitList splits a comma-separated list, dropping blanks.
func SplitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// IsDisabled reports whether the user switched off the named provider.
func (p Providers) IsDisabled(name string) bool {
	for _, d := range p.Disabled {
		if strings.EqualFold(strings.TrimSpace(d), name) {
			return true
		}
	}
	return false
}
