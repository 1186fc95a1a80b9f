package supervisor

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/creack/pty"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var quickPattern = regexp.MustCompile(`https://[^\s]+\.trycloudflare\.com`)

func shSpec(script string) Spec {
	return Spec{
		Name:         "test",
		Args:         []string{"sh", "-c", script},
		Pattern:      quickPattern,
		Timeout:      3 * time.Second,
		PollInterval: 10 * time.Millisecond,
		Grace:        time.Second,
	}
}

func TestSplitCommand(t *testing.T) {
	assert.Equal(t, []string{"cloudflared", "tunnel", "--url", "127.0.0.1:8080"},
		SplitCommand("  cloudflared tunnel   --url 127.0.0.1:8080 "))
	assert.Equal(t, []string{"a", `"b`, `c"`}, SplitCommand(`a "b c"`))
	assert.Empty(t, SplitCommand("   "))
}

func TestMatchHost(t *testing.T) {
	assert.Equal(t, "abc.trycloudflare.com",
		MatchHost(quickPattern, "INF |  https://abc.trycloudflare.com  |"))
	assert.Equal(t, "", MatchHost(quickPattern, "no url here"))

	grouped := regexp.MustCompile(`forwarding to ([a-z0-9-]+\.example\.net)`)
	assert.Equal(t, "x1.example.net", MatchHost(grouped, "forwarding to x1.example.net now"))

	plain := regexp.MustCompile(`http://[^\s]+\.loca\.lt/?`)
	assert.Equal(t, "pale-fox.loca.lt", MatchHost(plain, "your url is: http://pale-fox.loca.lt/"))
}

func TestSpawnDiscoversHostAndKeepsRunning(t *testing.T) {
	h, host, err := Spawn(context.Background(),
		shSpec(`echo starting; echo "visit https://brave-cat.trycloudflare.com"; exec sleep 30`))
	require.NoError(t, err)
	require.NotNil(t, h)
	t.Cleanup(func() { _ = h.Terminate() })

	assert.Equal(t, "brave-cat.trycloudflare.com", host)
	assert.Equal(t, host, h.URL())
	assert.Greater(t, h.PID(), 0)
	assert.NotEmpty(t, h.ID())
	assert.False(t, h.Exited())
	assert.True(t, strings.HasPrefix(h.Command(), "sh -c "), h.Command())
	assert.Contains(t, h.Command(), "sleep 30")

	require.NoError(t, h.Terminate())
	assert.True(t, h.Exited())
	assert.Contains(t, h.Logs(), "starting")
	// Idempotent.
	require.NoError(t, h.Terminate())
}

func TestSpawnSurvivesOverlongLine(t *testing.T) {
	h, host, err := Spawn(context.Background(), shSpec(
		`head -c 2097152 /dev/zero | tr '\0' a; echo; echo "https://after-long.trycloudflare.com"; exec sleep 30`))
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.Terminate() })

	assert.Equal(t, "after-long.trycloudflare.com", host)
	assert.False(t, h.Exited())
	logs := h.Logs()
	require.Len(t, logs, 2)
	assert.Len(t, logs[0], maxLineBytes)
}

func TestSpawnTimeoutKillsProcess(t *testing.T) {
	spec := shSpec(`echo "Please authorize this device"; exec sleep 30`)
	spec.Timeout = 300 * time.Millisecond

	start := time.Now()
	h, host, err := Spawn(context.Background(), spec)
	require.Error(t, err)
	assert.Less(t, time.Since(start), 3*time.Second)
	assert.Empty(t, host)
	assert.True(t, errors.Is(err, ErrURLNotFound))

	var de *DiscoveryError
	require.True(t, errors.As(err, &de))
	assert.Equal(t, ReasonTimeout, de.Reason)

	require.NotNil(t, h)
	assert.True(t, h.Exited())
	assert.Contains(t, h.Logs(), "Please authorize this device")
}

func TestSpawnProcessExitsWithoutURL(t *testing.T) {
	h, _, err := Spawn(context.Background(), shSpec(`echo "login required" >&2; exit 3`))
	require.Error(t, err)

	var de *DiscoveryError
	require.True(t, errors.As(err, &de))
	assert.Equal(t, ReasonExited, de.Reason)
	assert.Error(t, de.ExitErr)
	require.NotNil(t, h)
	assert.Equal(t, []string{"login required"}, h.Logs())
}

func TestSpawnMissingBinary(t *testing.T) {
	spec := shSpec("")
	spec.Args = []string{"/nonexistent/tunnelsub-provider"}
	h, _, err := Spawn(context.Background(), spec)
	require.Error(t, err)
	assert.Nil(t, h)
	assert.False(t, errors.Is(err, ErrURLNotFound))
}

func TestSpawnRejectsEmptyCommand(t *testing.T) {
	_, _, err := Spawn(context.Background(), Spec{Name: "x", Pattern: quickPattern})
	require.Error(t, err)
}

func TestSpawnHonorsContext(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	spec := shSpec(`exec sleep 30`)
	spec.Timeout = 10 * time.Second

	h, _, err := Spawn(ctx, spec)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	require.NotNil(t, h)
	assert.True(t, h.Exited())
}

func TestSpawnTerminateReapsChildren(t *testing.T) {
	h, _, err := Spawn(context.Background(),
		shSpec(`sleep 30 & echo "https://kids.trycloudflare.com"; wait`))
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		_ = h.Terminate()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("terminate did not return")
	}
}

func TestSpawnPTY(t *testing.T) {
	m, s, err := pty.Open()
	if err != nil {
		t.Skipf("pty unavailable: %v", err)
	}
	_ = m.Close()
	_ = s.Close()

	spec := shSpec(`echo "https://tty-mode.trycloudflare.com"; exec sleep 30`)
	spec.PTY = true
	h, host, err := Spawn(context.Background(), spec)
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.Terminate() })
	assert.Equal(t, "tty-mode.trycloudflare.com", host)
}

func TestLogBufferEvictsOldest(t *testing.T) {
	b := NewLogBuffer(3)
	assert.Empty(t, b.Lines())
	for i := 1; i <= 5; i++ {
		b.Append(fmt.Sprintf("line %d", i))
	}
	assert.Equal(t, 3, b.Len())
	assert.Equal(t, []string{"line 3", "line 4", "line 5"}, b.Lines())

	b = NewLogBuffer(0)
	b.Append("a")
	b.Append("b")
	assert.Equal(t, []string{"b"}, b.Lines())
}

func TestDiscoveryErrorMessages(t *testing.T) {
	err := &DiscoveryError{Name: "zrok", Reason: ReasonTimeout, Timeout: 15 * time.Second}
	assert.Contains(t, err.Error(), "zrok")
	assert.Contains(t, err.Error(), "15s")
	assert.True(t, errors.Is(fmt.Errorf("start: %w", err), ErrURLNotFound))
}
