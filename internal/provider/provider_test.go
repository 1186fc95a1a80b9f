package provider

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/treykane/tunnelsub/internal/appconfig"
	"github.com/treykane/tunnelsub/internal/supervisor"
)

func writeExecutable(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

func TestArgsTemplateSubstitution(t *testing.T) {
	d := &Descriptor{
		Name:            "cf",
		CommandTemplate: "{cloudflared_binary} tunnel --url {host}:{port} --no-autoupdate  ",
		Context:         map[string]string{"cloudflared_binary": "/opt/bin/cloudflared"},
	}
	args, err := d.Args("127.0.0.1", "8080")
	require.NoError(t, err)
	assert.Equal(t, []string{"/opt/bin/cloudflared", "tunnel", "--url", "127.0.0.1:8080", "--no-autoupdate"}, args)

	args, err = d.Args("::1", "8080")
	require.NoError(t, err)
	assert.Equal(t, "[::1]:8080", args[3])

	lt := &Descriptor{Name: "lt", CommandTemplate: "lt --port {port} --local-host {host}"}
	args, err = lt.Args("::1", "8080")
	require.NoError(t, err)
	assert.Equal(t, []string{"lt", "--port", "8080", "--local-host", "::1"}, args)
}

func TestArgsUnresolvedPlaceholder(t *testing.T) {
	d := &Descriptor{Name: "cf", CommandTemplate: "{missing_binary} --port {port}"}
	_, err := d.Args("h", "1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing_binary")
}

func TestArgsBuildStrategy(t *testing.T) {
	d := &Descriptor{
		Name:    "custom",
		Context: map[string]string{"bin": "/x"},
		BuildArgs: func(host, port string, values map[string]string) ([]string, error) {
			return []string{values["bin"], host + "/" + port}, nil
		},
	}
	args, err := d.Args("h", "9")
	require.NoError(t, err)
	assert.Equal(t, []string{"/x", "h/9"}, args)

	d.BuildArgs = func(string, string, map[string]string) ([]string, error) { return nil, nil }
	_, err = d.Args("h", "9")
	require.Error(t, err)
}

func TestAcquireRespectsLimit(t *testing.T) {
	d := &Descriptor{Name: "p", ConcurrencyLimit: 2}
	require.NoError(t, d.Acquire())
	require.NoError(t, d.Acquire())
	err := d.Acquire()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrConcurrencyLimit))
	assert.Equal(t, 2, d.Active())

	d.Release()
	require.NoError(t, d.Acquire())
	d.Release()
	d.Release()
	d.Release()
	d.Release()
	assert.Equal(t, 0, d.Active())
}

func TestAcquireConcurrentNeverExceedsLimit(t *testing.T) {
	d := &Descriptor{Name: "p", ConcurrencyLimit: 5}
	var wg sync.WaitGroup
	var mu sync.Mutex
	granted := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if d.Acquire() == nil {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 5, granted)
	assert.Equal(t, 5, d.Active())
}

func TestValidateRunsEveryCheck(t *testing.T) {
	dir := t.TempDir()
	writeExecutable(t, dir, "fakebin", "exit 0")

	ran := 0
	d := &Descriptor{
		Name: "p",
		Checks: []Check{
			BinaryCheck{Key: "missing", Binary: "tunnelsub-no-such-binary", SearchDirs: []string{dir}},
			PredicateCheck{Label: "counted", Fn: func(context.Context) error { ran++; return nil }},
			BinaryCheck{Key: "fake", Binary: "fakebin", SearchDirs: []string{dir}},
		},
	}
	err := d.Validate(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrBinaryNotFound))
	assert.False(t, d.IsEnabled())
	assert.Equal(t, 1, ran)

	results := d.CheckResults()
	require.Len(t, results, 3)
	assert.False(t, results[0].Pass)
	assert.True(t, results[1].Pass)
	assert.True(t, results[2].Pass)
	assert.Equal(t, filepath.Join(dir, "fakebin"), d.Context["fake"])
}

func TestBinaryCheckPrefersSearchDirs(t *testing.T) {
	dir := t.TempDir()
	want := writeExecutable(t, dir, "sh", "exit 0")
	res := BinaryCheck{Key: "sh_binary", Binary: "sh", SearchDirs: []string{"", dir}}.Run(context.Background())
	require.True(t, res.Pass, res.Message)
	assert.Equal(t, want, res.Path)

	// Falls back to PATH.
	res = BinaryCheck{Key: "sh_binary", Binary: "sh", SearchDirs: []string{t.TempDir()}}.Run(context.Background())
	assert.True(t, res.Pass)
}

func TestBinaryCheckRejectsNonExecutable(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "plain")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
	res := BinaryCheck{Key: "k", Binary: path}.Run(context.Background())
	assert.False(t, res.Pass)
	assert.True(t, errors.Is(res.Err, ErrBinaryNotFound))
}

func TestRuntimeCheck(t *testing.T) {
	assert.True(t, RuntimeCheck{Runtime: "sh", Args: []string{"-c", "echo v1"}}.Run(context.Background()).Pass)

	res := RuntimeCheck{Runtime: "tunnelsub-no-such-runtime"}.Run(context.Background())
	assert.False(t, res.Pass)
	assert.True(t, errors.Is(res.Err, ErrRuntimeUnavailable))
}

func TestDaemonCheck(t *testing.T) {
	dir := t.TempDir()
	up := writeExecutable(t, dir, "up", `echo "100.64.0.1 host linux -"`)
	down := writeExecutable(t, dir, "down", `echo "Tailscale is stopped."`)
	failing := writeExecutable(t, dir, "failing", "exit 1")
	reject := regexp.MustCompile(`(?i)stopped`)

	assert.True(t, DaemonCheck{Binary: up, Reject: reject}.Run(context.Background()).Pass)

	for _, bin := range []string{down, failing} {
		res := DaemonCheck{Binary: bin, Reject: reject}.Run(context.Background())
		assert.False(t, res.Pass, bin)
		assert.True(t, errors.Is(res.Err, ErrDaemonUnavailable))
	}

	res := DaemonCheck{Binary: up, Expect: regexp.MustCompile(`Running`)}.Run(context.Background())
	assert.False(t, res.Pass)
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	ok := &Descriptor{Name: "ok", Checks: []Check{PredicateCheck{Label: "yes", Fn: func(context.Context) error { return nil }}}}
	broken := &Descriptor{Name: "broken", Checks: []Check{PredicateCheck{Label: "no", Fn: func(context.Context) error { return errors.New("nope") }}}}

	require.NoError(t, r.RegisterAll(context.Background(), []*Descriptor{ok, broken}, 2))
	require.Error(t, r.Register(context.Background(), &Descriptor{Name: "ok"}))

	all := r.All()
	require.Len(t, all, 2)
	assert.Equal(t, "ok", all[0].Name)
	assert.Equal(t, "broken", all[1].Name)

	enabled := r.Enabled()
	require.Len(t, enabled, 1)
	assert.Equal(t, "ok", enabled[0].Name)

	got, found := r.Get("broken")
	require.True(t, found)
	assert.False(t, got.IsEnabled())
	_, found = r.Get("nope")
	assert.False(t, found)
}

func TestBuiltinCatalog(t *testing.T) {
	cfg := appconfig.Default()
	names := func(ds []*Descriptor) []string {
		var out []string
		for _, d := range ds {
			out = append(out, d.Name)
		}
		return out
	}
	assert.Equal(t, []string{Cloudflare, Zrok, LocalTunnel, Pinggy, Tailscale}, names(Builtin(cfg)))

	cfg.Mode = appconfig.ModeDev
	assert.Equal(t, []string{Cloudflare, Zrok, LocalTunnel, Pinggy, Tailscale, Mock, Bad}, names(Builtin(cfg)))
}

func TestBuiltinPatterns(t *testing.T) {
	byName := map[string]*Descriptor{}
	for _, d := range Builtin(appconfig.Default()) {
		byName[d.Name] = d
	}
	cases := map[string]struct{ line, host string }{
		Cloudflare:  {"INF |  https://calm-sea-1.trycloudflare.com  |", "calm-sea-1.trycloudflare.com"},
		Zrok:        {"https://abc123.share.zrok.io", "abc123.share.zrok.io"},
		LocalTunnel: {"your url is: https://pale-fox.loca.lt", "pale-fox.loca.lt"},
		Pinggy:      {"http://x.a.free.pinggy.link https://rnxyz.a.free.pinggy.link", "rnxyz.a.free.pinggy.link"},
		Tailscale:   {"Available on the internet:  https://box.tail1234.ts.net/", "box.tail1234.ts.net"},
	}
	for name, c := range cases {
		assert.Equal(t, c.host, supervisor.MatchHost(byName[name].URLPattern, c.line), name)
	}
}

func TestPinggyLimitsAndArgs(t *testing.T) {
	cfg := appconfig.Default()
	free := pinggy(cfg.Providers.Pinggy, nil)
	assert.Equal(t, 1, free.ConcurrencyLimit)

	cfg.Providers.Pinggy.Premium = true
	cfg.Providers.Pinggy.Token = "tok"
	cfg.Providers.Pinggy.Args = "-o ExitOnForwardFailure=yes"
	premium := pinggy(cfg.Providers.Pinggy, nil)
	assert.Equal(t, 10, premium.ConcurrencyLimit)

	premium.Context = map[string]string{"ssh_binary": "/usr/bin/ssh"}
	args, err := premium.Args("127.0.0.1", "10000")
	require.NoError(t, err)
	assert.Equal(t, []string{
		"/usr/bin/ssh", "-T", "-p", "443", "-R0:127.0.0.1:10000",
		"-o", "StrictHostKeyChecking=no", "-o", "ServerAliveInterval=30",
		"-o", "ExitOnForwardFailure=yes", "tok@free.pinggy.io",
	}, args)
}

func TestPinggyRequiresToken(t *testing.T) {
	cfg := appconfig.Default()
	cfg.Providers.Pinggy.Token = "  "
	d := pinggy(cfg.Providers.Pinggy, nil)
	require.Error(t, d.Validate(context.Background()))
	assert.False(t, d.IsEnabled())
}

func TestTailscaleDockerModeUnsupported(t *testing.T) {
	cfg := appconfig.Default()
	cfg.Providers.Tailscale.Mode = appconfig.TailscaleModeDocker
	d := tailscale(cfg.Providers.Tailscale, nil)
	err := d.Validate(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "docker")
}

func TestMockProviderSpawns(t *testing.T) {
	cfg := appconfig.Default()
	cfg.Mode = appconfig.ModeDev
	var mock *Descriptor
	for _, d := range Builtin(cfg) {
		if d.Name == Mock {
			mock = d
		}
	}
	require.NotNil(t, mock)
	require.NoError(t, mock.Validate(context.Background()))

	args, err := mock.Args("127.0.0.1", "8080")
	require.NoError(t, err)
	h, host, err := supervisor.Spawn(context.Background(), supervisor.Spec{
		Name: mock.Name, Args: args, Pattern: mock.URLPattern, Timeout: mock.Timeout(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.Terminate() })
	assert.Regexp(t, `^[0-9a-f]{8}\.trycloudflare\.com$`, host)
}

func TestIsLoopback(t *testing.T) {
	assert.True(t, isLoopback("localhost"))
	assert.True(t, isLoopback("127.0.0.1"))
	assert.True(t, isLoopback("::1"))
	assert.False(t, isLoopback("10.0.0.5"))
}
