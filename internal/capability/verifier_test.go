package capability

import (
	"context"
	"os/exec"
	"strings"
	"testing"

	"github.com/Iron-Ham/autobuild/internal/errors"
)

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func TestShellVerifier(t *testing.T) {
	requireShell(t)
	dir := t.TempDir()
	v := NewShellVerifier("", dir, "echo linted", "echo 'pkg/a_test.go:3: boom' >&2; exit 1", "")

	res, err := v.Verify(context.Background(), StepLint)
	if err != nil {
		t.Fatalf("Verify(lint) error: %v", err)
	}
	if !res.Passed || strings.TrimSpace(res.Output) != "linted" {
		t.Errorf("Verify(lint) = %+v", res)
	}

	res, err = v.Verify(context.Background(), StepTest)
	if err != nil {
		t.Fatalf("Verify(test) error: %v", err)
	}
	if res.Passed {
		t.Error("failing test step reported as passed")
	}
	if !strings.Contains(res.Output, "pkg/a_test.go:3") {
		t.Errorf("stderr not captured: %q", res.Output)
	}

	if v.Has(StepBuild) {
		t.Error("Has(build) = true for empty command")
	}
	if _, err := v.Verify(context.Background(), StepBuild); !errors.Is(err, errors.ErrCapabilityUnavailable) {
		t.Errorf("Verify(build) = %v, want ErrCapabilityUnavailable", err)
	}
}

func TestShellVerifierRunsInDir(t *testing.T) {
	requireShell(t)
	dir := t.TempDir()
	v := NewShellVerifier("sh", dir, "", "pwd", "")

	res, err := v.Verify(context.Background(), StepTest)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasSuffix(strings.TrimSpace(res.Output), strings.TrimPrefix(dir, "/private")) {
		t.Errorf("pwd = %q, want %q", res.Output, dir)
	}
}
