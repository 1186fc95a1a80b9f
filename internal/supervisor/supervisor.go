// Package supervisor launches tunnel provider CLIs and discovers the public
// hostname they print.
//
// A provider CLI is an opaque child process. Spawn starts it with stdout and
// stderr merged into one stream (a pipe, or a pseudo-terminal for CLIs that
// only line-buffer when attached to a terminal) and wires three goroutines
// around it:
//
//   - a producer reads the stream line by line into a bounded channel and
//     closes the channel on EOF;
//   - a consumer appends every line to a capped LogBuffer and, on the first
//     line matching the provider's URL pattern, records the hostname;
//   - a waiter reaps the process and marks the handle as exited.
//
// The caller's goroutine polls the handle until the hostname is found, the
// process exits, or the discovery timeout elapses. On success the process is
// left running and owned by the returned Handle.
//
// Arguments are passed straight to exec as argv; nothing is interpreted by
// a shell.
package supervisor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/google/uuid"
	"github.com/taskcluster/shell"
	"github.com/treykane/tunnelsub/internal/util"
)

// ErrURLNotFound is wrapped by every DiscoveryError.
var ErrURLNotFound = errors.New("tunnel URL not found")

// Reason explains why discovery failed.
type Reason string

const (
	ReasonTimeout Reason = "timeout"
	ReasonExited  Reason = "exited"
)

// DiscoveryError reports a process that never printed a matching URL.
type DiscoveryError struct {
	Name    string
	Reason  Reason
	Timeout time.Duration
	// ExitErr is the process exit status when Reason is ReasonExited.
	ExitErr error
}

func (e *DiscoveryError) Error() string {
	switch e.Reason {
	case ReasonTimeout:
		return fmt.Sprintf("%s: %v within %s", e.Name, ErrURLNotFound, e.Timeout)
	default:
		if e.ExitErr != nil {
			return fmt.Sprintf("%s: %v: process exited: %v", e.Name, ErrURLNotFound, e.ExitErr)
		}
		return fmt.Sprintf("%s: %v: process exited", e.Name, ErrURLNotFound)
	}
}

func (e *DiscoveryError) Unwrap() error { return ErrURLNotFound }

// Spec describes one provider process launch.
type Spec struct {
	// Name labels the process in logs and errors.
	Name string
	// Args is the argv; Args[0] is the executable.
	Args    []string
	Pattern *regexp.Regexp
	Timeout time.Duration
	// PTY attaches the process to a pseudo-terminal instead of a pipe.
	PTY          bool
	PollInterval time.Duration
	LogCapacity  int
	Env          []string
	Dir          string
	// Grace is the SIGTERM to SIGKILL escalation delay used by Terminate.
	Grace time.Duration
}

// SplitCommand splits a command line on whitespace. Quoting is not
// interpreted: `a "b c"` yields three tokens.
func SplitCommand(line string) []string {
	return strings.Fields(line)
}

// Handle owns a spawned provider process.
type Handle struct {
	id    string
	name  string
	argv  []string
	cmd   *exec.Cmd
	logs  *LogBuffer
	grace time.Duration

	mu   sync.Mutex
	host string

	found   chan struct{}
	drained chan struct{}
	done    chan struct{}
	waitErr error

	stopOnce sync.Once
}

// Spawn starts spec's process and blocks until its public hostname is
// discovered, the process exits, the timeout elapses, or ctx is done.
//
// A launch failure returns a nil Handle. Every other failure returns a
// non-nil, already-exited Handle so its logs remain available.
func Spawn(ctx context.Context, spec Spec) (*Handle, string, error) {
	if len(spec.Args) == 0 || spec.Args[0] == "" {
		return nil, "", fmt.Errorf("%s: empty command", spec.Name)
	}
	if spec.Pattern == nil {
		return nil, "", fmt.Errorf("%s: no URL pattern", spec.Name)
	}
	if spec.Timeout <= 0 {
		spec.Timeout = util.DefaultDiscoveryTimeout
	}
	if spec.PollInterval <= 0 {
		spec.PollInterval = util.DiscoveryPollInterval
	}
	if spec.LogCapacity <= 0 {
		spec.LogCapacity = util.LogBufferLines
	}
	if spec.Grace <= 0 {
		spec.Grace = util.TerminateGrace
	}

	h, stream, err := start(spec)
	if err != nil {
		return nil, "", err
	}
	slog.Debug("provider process started",
		"name", spec.Name, "attempt", h.id, "pid", h.PID(), "pty", spec.PTY,
		"command", shell.Escape(spec.Args...))

	lines := make(chan string, 64)
	go produce(stream, lines)
	go h.consume(lines, spec.Pattern)
	go h.wait()

	host, err := h.poll(ctx, spec)
	if err != nil {
		slog.Warn("provider URL discovery failed", "name", spec.Name, "attempt", h.id, "error", err)
		return h, "", err
	}
	slog.Info("provider URL discovered", "name", spec.Name, "attempt", h.id, "host", host)
	return h, host, nil
}

func start(spec Spec) (*Handle, io.ReadCloser, error) {
	cmd := exec.Command(spec.Args[0], spec.Args[1:]...)
	cmd.Dir = spec.Dir
	if len(spec.Env) > 0 {
		cmd.Env = append(os.Environ(), spec.Env...)
	}
	h := &Handle{
		id:      uuid.NewString(),
		name:    spec.Name,
		argv:    append([]string(nil), spec.Args...),
		cmd:     cmd,
		logs:    NewLogBuffer(spec.LogCapacity),
		grace:   spec.Grace,
		found:   make(chan struct{}),
		drained: make(chan struct{}),
		done:    make(chan struct{}),
	}

	if spec.PTY {
		// pty.Start puts the child in its own session, so it is also a
		// process group leader.
		f, err := pty.Start(cmd)
		if err != nil {
			return nil, nil, fmt.Errorf("%s: start %s: %w", spec.Name, spec.Args[0], err)
		}
		return h, f, nil
	}

	r, w, err := os.Pipe()
	if err != nil {
		return nil, nil, fmt.Errorf("%s: pipe: %w", spec.Name, err)
	}
	cmd.Stdin = nil
	cmd.Stdout = w
	cmd.Stderr = w
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := cmd.Start(); err != nil {
		_ = r.Close()
		_ = w.Close()
		return nil, nil, fmt.Errorf("%s: start %s: %w", spec.Name, spec.Args[0], err)
	}
	// Only the child holds the write end now; EOF arrives when it and
	// everything it spawned have exited.
	_ = w.Close()
	return h, r, nil
}

// maxLineBytes caps one buffered output line. Longer lines are truncated
// and the rest is discarded so the child never blocks on a full pipe.
const maxLineBytes = 1 << 20

func produce(stream io.ReadCloser, lines chan<- string) {
	defer close(lines)
	defer stream.Close()
	r := bufio.NewReaderSize(stream, 64*1024)
	var line []byte
	truncated := false
	for {
		chunk, isPrefix, err := r.ReadLine()
		if room := maxLineBytes - len(line); len(chunk) > room {
			chunk = chunk[:room]
			truncated = true
		}
		line = append(line, chunk...)
		if err != nil {
			if len(line) > 0 {
				lines <- strings.TrimRight(string(line), "\r")
			}
			// A pty master returns EIO once the child side is gone; that is EOF.
			if !errors.Is(err, io.EOF) && !errors.Is(err, syscall.EIO) && !errors.Is(err, os.ErrClosed) {
				slog.Warn("provider output read failed", "error", err)
			}
			return
		}
		if isPrefix {
			continue
		}
		if truncated {
			slog.Warn("provider output line truncated", "limit_bytes", maxLineBytes)
			truncated = false
		}
		lines <- strings.TrimRight(string(line), "\r")
		line = line[:0]
	}
}

func (h *Handle) consume(lines <-chan string, pattern *regexp.Regexp) {
	defer close(h.drained)
	matched := false
	for line := range lines {
		h.logs.Append(line)
		if matched {
			continue
		}
		if host := MatchHost(pattern, line); host != "" {
			matched = true
			h.mu.Lock()
			h.host = host
			h.mu.Unlock()
			close(h.found)
		}
	}
}

func (h *Handle) wait() {
	err := h.cmd.Wait()
	h.mu.Lock()
	h.waitErr = err
	h.mu.Unlock()
	close(h.done)
}

func (h *Handle) poll(ctx context.Context, spec Spec) (string, error) {
	deadline := time.Now().Add(spec.Timeout)
	ticker := time.NewTicker(spec.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-h.found:
			return h.URL(), nil
		default:
		}
		select {
		case <-h.done:
			h.awaitDrain()
			return "", &DiscoveryError{Name: spec.Name, Reason: ReasonExited, ExitErr: h.Err()}
		default:
		}
		if !time.Now().Before(deadline) {
			_ = h.Kill()
			return "", &DiscoveryError{Name: spec.Name, Reason: ReasonTimeout, Timeout: spec.Timeout}
		}
		select {
		case <-ctx.Done():
			_ = h.Kill()
			return "", fmt.Errorf("%s: discovery interrupted: %w", spec.Name, ctx.Err())
		case <-ticker.C:
		}
	}
}

// awaitDrain gives the consumer a moment to log output that was still in
// flight when the process exited.
func (h *Handle) awaitDrain() {
	select {
	case <-h.drained:
	case <-time.After(time.Second):
	}
}

// MatchHost applies pattern to line and returns the hostname it names:
// capture group 1 when the pattern has one, otherwise the whole match with
// any http(s):// prefix removed. It returns "" when line does not match.
func MatchHost(pattern *regexp.Regexp, line string) string {
	m := pattern.FindStringSubmatch(line)
	if m == nil {
		return ""
	}
	host := m[0]
	if len(m) > 1 && m[1] != "" {
		host = m[1]
	}
	host = strings.TrimPrefix(host, "https://")
	host = strings.TrimPrefix(host, "http://")
	return strings.TrimRight(host, "/")
}

// ID returns the unique identifier of this launch attempt.
func (h *Handle) ID() string { return h.id }

// PID returns the OS process ID.
func (h *Handle) PID() int {
	if h.cmd.Process == nil {
		return 0
	}
	return h.cmd.Process.Pid
}

// URL returns the discovered hostname, or "".
func (h *Handle) URL() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.host
}

// Command renders the argv for display.
func (h *Handle) Command() string { return shell.Escape(h.argv...) }

// Logs returns the buffered output lines, oldest first.
func (h *Handle) Logs() []string { return h.logs.Lines() }

// Done is closed once the process has exited and been reaped.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Err returns the process exit status after Done is closed.
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.waitErr
}

// Exited reports whether the process has exited.
func (h *Handle) Exited() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// Terminate asks the process group to exit with SIGTERM and blocks until it
// has, escalating to SIGKILL after the grace period. Calling it more than
// once is safe.
func (h *Handle) Terminate() error {
	h.stopOnce.Do(func() {
		if h.Exited() {
			return
		}
		h.signal(syscall.SIGTERM)
		select {
		case <-h.done:
		case <-time.After(h.grace):
			slog.Warn("provider process ignored SIGTERM, killing",
				"name", h.name, "attempt", h.id, "pid", h.PID())
			h.signal(syscall.SIGKILL)
			<-h.done
		}
		h.awaitDrain()
	})
	return nil
}

// Kill forces the process group to exit and waits for it.
func (h *Handle) Kill() error {
	if h.Exited() {
		return nil
	}
	h.signal(syscall.SIGKILL)
	<-h.done
	h.awaitDrain()
	return nil
}

func (h *Handle) signal(sig syscall.Signal) {
	pid := h.PID()
	if pid <= 0 {
		return
	}
	// The child leads its own group; signal the whole group so helpers
	// it forked go down with it.
	if err := syscall.Kill(-pid, sig); err != nil {
		_ = h.cmd.Process.Signal(sig)
	}
}
