package provider

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/treykane/tunnelsub/internal/util"
)

// CheckResult is the outcome of one prerequisite check. A passing check may
// contribute a resolved value under Key (for example a binary path).
type CheckResult struct {
	Check   string
	Pass    bool
	Message string
	Err     error
	Key     string
	Path    string
}

// Check is one provider prerequisite.
type Check interface {
	Name() string
	Run(ctx context.Context) CheckResult
}

// BinaryCheck resolves an executable. Binary may be a bare name or a path;
// bare names are looked up in SearchDirs first, then PATH. On success the
// absolute path is contributed under Key.
type BinaryCheck struct {
	Key        string
	Binary     string
	SearchDirs []string
}

func (c BinaryCheck) Name() string { return "binary:" + c.Key }

func (c BinaryCheck) Run(context.Context) CheckResult {
	res := CheckResult{Check: c.Name(), Key: c.Key}
	path, err := resolveBinary(c.Binary, c.SearchDirs)
	if err != nil {
		res.Err = fmt.Errorf("%w: %s", ErrBinaryNotFound, c.Binary)
		res.Message = res.Err.Error()
		return res
	}
	res.Pass = true
	res.Path = path
	res.Message = path
	return res
}

func resolveBinary(name string, dirs []string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errors.New("empty binary name")
	}
	if strings.ContainsRune(name, os.PathSeparator) {
		if err := executable(name); err != nil {
			return "", err
		}
		return filepath.Abs(name)
	}
	for _, dir := range dirs {
		if strings.TrimSpace(dir) == "" {
			continue
		}
		candidate := filepath.Join(dir, name)
		if executable(candidate) == nil {
			return filepath.Abs(candidate)
		}
	}
	path, err := exec.LookPath(name)
	if err != nil {
		return "", err
	}
	return filepath.Abs(path)
}

func executable(path string) error {
	st, err := os.Stat(path)
	if err != nil {
		return err
	}
	if st.IsDir() || st.Mode().Perm()&0o111 == 0 {
		return fmt.Errorf("%s is not executable", path)
	}
	return nil
}

// RuntimeCheck requires an interpreter the provider CLI runs on, such as
// node for localtunnel.
type RuntimeCheck struct {
	Runtime string
	// Args defaults to --version.
	Args []string
}

func (c RuntimeCheck) Name() string { return "runtime:" + c.Runtime }

func (c RuntimeCheck) Run(ctx context.Context) CheckResult {
	res := CheckResult{Check: c.Name()}
	args := c.Args
	if len(args) == 0 {
		args = []string{"--version"}
	}
	out, err := runCheckCommand(ctx, c.Runtime, args...)
	if err != nil {
		res.Err = fmt.Errorf("%w: %s: %v", ErrRuntimeUnavailable, c.Runtime, err)
		res.Message = res.Err.Error()
		return res
	}
	res.Pass = true
	res.Message = firstLine(out)
	return res
}

// DaemonCheck runs a status subcommand of a CLI that talks to a local
// daemon. It passes when the command exits zero, Expect (if set) matches
// the output, and Reject (if set) does not.
type DaemonCheck struct {
	Label  string
	Binary string
	Args   []string
	Expect *regexp.Regexp
	Reject *regexp.Regexp
}

func (c DaemonCheck) Name() string { return "daemon:" + util.DefaultString(c.Label, c.Binary) }

func (c DaemonCheck) Run(ctx context.Context) CheckResult {
	res := CheckResult{Check: c.Name()}
	bin := c.Binary
	out, err := runCheckCommand(ctx, bin, c.Args...)
	switch {
	case err != nil:
		res.Err = fmt.Errorf("%w: %s %s: %v", ErrDaemonUnavailable, bin, strings.Join(c.Args, " "), err)
	case c.Expect != nil && !c.Expect.MatchString(out):
		res.Err = fmt.Errorf("%w: unexpected status: %s", ErrDaemonUnavailable, firstLine(out))
	case c.Reject != nil && c.Reject.MatchString(out):
		res.Err = fmt.Errorf("%w: %s", ErrDaemonUnavailable, firstLine(out))
	}
	if res.Err != nil {
		res.Message = res.Err.Error()
		return res
	}
	res.Pass = true
	res.Message = firstLine(out)
	return res
}

// PredicateCheck adapts a closure. Fn captures whatever it needs.
type PredicateCheck struct {
	Label string
	Fn    func(ctx context.Context) error
}

func (c PredicateCheck) Name() string { return c.Label }

func (c PredicateCheck) Run(ctx context.Context) CheckResult {
	res := CheckResult{Check: c.Name()}
	if err := c.Fn(ctx); err != nil {
		res.Err = err
		res.Message = err.Error()
		return res
	}
	res.Pass = true
	return res
}

func runCheckCommand(ctx context.Context, name string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, util.CheckTimeout)
	defer cancel()
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	if ctx.Err() != nil {
		return string(out), fmt.Errorf("timed out after %s", util.CheckTimeout)
	}
	return string(out), err
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[:i])
	}
	return s
}
