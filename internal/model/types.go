package model

import (
	"net"
	"time"
)

// Endpoint is the local address a tunnel exposes.
type Endpoint struct {
	Host string `json:"host"`
	Port string `json:"port"`
}

func (e Endpoint) String() string {
	if e.Port == "" {
		return e.HostString()
	}
	return net.JoinHostPort(e.HostString(), e.Port)
}

func (e Endpoint) HostString() string {
	if e.Host == "" {
		return "localhost"
	}
	return e.Host
}

type TunnelState string

const (
	TunnelIdle     TunnelState = "idle"
	TunnelStarting TunnelState = "starting"
	TunnelRunning  TunnelState = "running"
	TunnelStopping TunnelState = "stopping"
	TunnelFailed   TunnelState = "failed"
)

// Active reports whether the tunnel owns, or is about to own, a process.
func (s TunnelState) Active() bool {
	return s == TunnelRunning || s == TunnelStarting
}

// TunnelRuntime is a read-only snapshot of one tunnel.
type TunnelRuntime struct {
	ID         string      `json:"id"`
	Provider   string      `json:"provider"`
	ClientID   string      `json:"client_id"`
	Local      Endpoint    `json:"local"`
	Transport  string      `json:"transport"`
	State      TunnelState `json:"state"`
	PID        int         `json:"pid,omitempty"`
	PublicHost string      `json:"public_host,omitempty"`
	Descriptor string      `json:"descriptor"`
	StartedAt  time.Time   `json:"-"`
	UptimeSec  int64       `json:"uptime_seconds"`
	Keepalive  bool        `json:"keepalive,omitempty"`
	LastError  string      `json:"last_error,omitempty"`
	Logs       []string    `json:"logs,omitempty"`
}

// ProviderStatus describes one registered provider type.
type ProviderStatus struct {
	Name        string        `json:"name"`
	DisplayName string        `json:"display_name"`
	Enabled     bool          `json:"enabled"`
	UserEnabled bool          `json:"user_enabled"`
	Limit       int           `json:"limit"`
	Active      int           `json:"active"`
	Checks      []CheckStatus `json:"checks,omitempty"`
}

// CheckStatus is the outcome of one provider prerequisite check.
type CheckStatus struct {
	Check   string `json:"check"`
	Pass    bool   `json:"pass"`
	Message string `json:"message,omitempty"`
}
