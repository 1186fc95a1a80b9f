package security

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/treykane/tunnelsub/internal/appconfig"
)

func TestRunLocalAudit_DevModeAndPinggy(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	cfg := appconfig.Default()
	cfg.Mode = appconfig.ModeDev
	cfg.Providers.Pinggy.Token = "secret-token"

	report := RunLocalAudit(cfg)
	if len(report.Findings) != 2 {
		t.Fatalf("expected 2 findings, got %+v", report.Findings)
	}
	if report.HasHigh() {
		t.Fatal("did not expect high severity findings")
	}

	cfg.Providers.Disabled = []string{"Pinggy"}
	if got := len(RunLocalAudit(cfg).Findings); got != 1 {
		t.Fatalf("expected disabled pinggy to be skipped, got %d findings", got)
	}
}

func TestRunLocalAudit_FindsLoosePermissions(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	if err := appconfig.Save(appconfig.Default()); err != nil {
		t.Fatal(err)
	}
	dir, err := appconfig.ConfigDir()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chmod(filepath.Join(dir, "config.yaml"), 0o644); err != nil {
		t.Fatal(err)
	}
	sub := filepath.Join(t.TempDir(), "sub.txt")
	if err := os.WriteFile(sub, []byte("vless://x"), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg := appconfig.Default()
	cfg.SubscriptionFile = sub
	report := RunLocalAudit(cfg)
	if !report.HasHigh() {
		t.Fatalf("expected high finding for world-readable config, got %+v", report.Findings)
	}
	if report.Findings[0].Severity != SeverityHigh {
		t.Fatalf("expected findings sorted by severity, got %+v", report.Findings)
	}
	for _, f := range report.Findings {
		if f.Target == sub {
			t.Fatalf("subscription file with 0600 should pass: %+v", f)
		}
	}
}

func TestRedactMessage(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	msg := home + "/bin/cloudflared failed for 5f0c8a2e-1b3d-4c5e-9f7a-0123456789ab"
	got := RedactMessage(msg)
	if strings.Contains(got, home) {
		t.Fatalf("expected home to be redacted: %q", got)
	}
	if strings.Contains(got, "0123456789ab") || !strings.Contains(got, "5f0c8a2e-") {
		t.Fatalf("expected uuid to be masked: %q", got)
	}
}

func TestClassifiedErrorUnwraps(t *testing.T) {
	cause := errors.New("root cause")
	err := fmt.Errorf("start: %w", Wrap(cause, "tunnel failed to start", "log line"))
	if !errors.Is(err, cause) {
		t.Fatal("expected cause in chain")
	}
	if UserMessage(err, false) != "tunnel failed to start" {
		t.Fatalf("unexpected user message: %q", UserMessage(err, false))
	}
	if DebugMessage(err) != "log line" {
		t.Fatalf("unexpected debug message: %q", DebugMessage(err))
	}
	if got := (&ClassifiedError{Err: cause}).Error(); got != "root cause" {
		t.Fatalf("expected cause text as fallback, got %q", got)
	}
}
