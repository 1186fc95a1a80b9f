// Package provider describes the tunnel CLIs tunnelsub can drive.
//
// A Descriptor is a static description of one provider type: how to build
// its command line, how to recognise the public URL in its output, how many
// tunnels it may run at once, and which prerequisites must hold before it
// is usable. Validate runs the prerequisite checks once; a provider failing
// any of them is registered but disabled.
package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/treykane/tunnelsub/internal/supervisor"
	"github.com/treykane/tunnelsub/internal/util"
)

var (
	ErrDisabled           = errors.New("provider disabled")
	ErrConcurrencyLimit   = errors.New("provider concurrency limit reached")
	ErrBinaryNotFound     = errors.New("binary not found")
	ErrRuntimeUnavailable = errors.New("runtime unavailable")
	ErrDaemonUnavailable  = errors.New("daemon unavailable")
)

var placeholderRE = regexp.MustCompile(`\{([a-zA-Z0-9_]+)\}`)

// ArgsBuilder produces a provider argv for a local endpoint. values holds
// what passing checks contributed (resolved binary paths).
type ArgsBuilder func(host, port string, values map[string]string) ([]string, error)

// Descriptor describes one provider type.
type Descriptor struct {
	Name        string
	DisplayName string
	// CommandTemplate is split on whitespace after substituting {host},
	// {port} and any {key} contributed by a passing check.
	CommandTemplate  string
	URLPattern       *regexp.Regexp
	ConcurrencyLimit int
	DiscoveryTimeout time.Duration
	// Keepalive, when non-zero, resets each tunnel on this interval.
	Keepalive time.Duration
	// Expire, when non-zero, stops each tunnel this long after it starts.
	Expire time.Duration
	UsePTY bool
	// BuildArgs replaces CommandTemplate when set.
	BuildArgs ArgsBuilder
	Checks    []Check

	// Set by Validate.
	Enabled   bool
	Context   map[string]string
	Results   []CheckResult
	validated bool

	mu     sync.Mutex
	active int
}

// Label returns the display name, falling back to Name.
func (d *Descriptor) Label() string {
	return util.DefaultString(d.DisplayName, d.Name)
}

// Timeout returns the discovery timeout with the package default applied.
func (d *Descriptor) Timeout() time.Duration {
	if d.DiscoveryTimeout <= 0 {
		return util.DefaultDiscoveryTimeout
	}
	return d.DiscoveryTimeout
}

// Validate runs every check, even after one fails, and records the
// outcome. The provider is enabled only if all checks pass. The returned
// error joins the individual failures; it is informational and never
// prevents registration.
func (d *Descriptor) Validate(ctx context.Context) error {
	results := make([]CheckResult, 0, len(d.Checks))
	values := make(map[string]string)
	var errs []error
	for _, c := range d.Checks {
		res := c.Run(ctx)
		if res.Check == "" {
			res.Check = c.Name()
		}
		results = append(results, res)
		if !res.Pass {
			slog.Warn("provider check failed", "provider", d.Name, "check", res.Check, "error", res.Err)
			if res.Err != nil {
				errs = append(errs, fmt.Errorf("%s: %s: %w", d.Name, res.Check, res.Err))
			} else {
				errs = append(errs, fmt.Errorf("%s: %s failed", d.Name, res.Check))
			}
			continue
		}
		if res.Key != "" {
			values[res.Key] = res.Path
		}
	}
	d.mu.Lock()
	d.Results = results
	d.Context = values
	d.Enabled = len(errs) == 0
	d.validated = true
	d.mu.Unlock()
	if len(errs) > 0 {
		slog.Warn("provider disabled", "provider", d.Name, "failed_checks", len(errs))
		return errors.Join(errs...)
	}
	slog.Debug("provider enabled", "provider", d.Name)
	return nil
}

// IsEnabled reports the outcome of the last Validate.
func (d *Descriptor) IsEnabled() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.Enabled
}

// CheckResults returns a copy of the last validation results.
func (d *Descriptor) CheckResults() []CheckResult {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]CheckResult(nil), d.Results...)
}

// Args builds the argv that exposes host:port through this provider.
func (d *Descriptor) Args(host, port string) ([]string, error) {
	d.mu.Lock()
	values := make(map[string]string, len(d.Context)+2)
	for k, v := range d.Context {
		values[k] = v
	}
	d.mu.Unlock()

	if d.BuildArgs != nil {
		args, err := d.BuildArgs(host, port, values)
		if err != nil {
			return nil, fmt.Errorf("%s: build command: %w", d.Name, err)
		}
		if len(args) == 0 {
			return nil, fmt.Errorf("%s: build command: empty argv", d.Name)
		}
		return args, nil
	}

	values["host"] = host
	values["port"] = port
	// An IPv6 host next to its port needs brackets.
	line := strings.ReplaceAll(d.CommandTemplate, "{host}:{port}", net.JoinHostPort(host, port))
	var missing []string
	line = placeholderRE.ReplaceAllStringFunc(line, func(m string) string {
		key := m[1 : len(m)-1]
		v, ok := values[key]
		if !ok {
			missing = append(missing, key)
			return m
		}
		return v
	})
	if len(missing) > 0 {
		return nil, fmt.Errorf("%s: unresolved placeholders: %s", d.Name, strings.Join(missing, ", "))
	}
	args := supervisor.SplitCommand(line)
	if len(args) == 0 {
		return nil, fmt.Errorf("%s: empty command template", d.Name)
	}
	return args, nil
}

// Acquire claims a concurrency slot. A non-positive limit is unlimited.
func (d *Descriptor) Acquire() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ConcurrencyLimit > 0 && d.active >= d.ConcurrencyLimit {
		return fmt.Errorf("%s: %w (%d)", d.Name, ErrConcurrencyLimit, d.ConcurrencyLimit)
	}
	d.active++
	return nil
}

// Release returns a slot claimed by Acquire.
func (d *Descriptor) Release() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.active > 0 {
		d.active--
	}
}

// Active returns the number of claimed slots.
func (d *Descriptor) Active() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.active
}
