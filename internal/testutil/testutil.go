// Package testutil provides testing utilities for Autobuild tests.
package testutil

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

// SetupTestRepo creates a temporary git repository with one commit on main
// and returns its path. Tests are skipped when git is not installed.
func SetupTestRepo(t *testing.T) string {
	t.Helper()
	SkipIfNoGit(t)

	dir := t.TempDir()
	for _, args := range [][]string{
		{"init", "-b", "main"},
		{"config", "user.email", "test@autobuild.dev"},
		{"config", "user.name", "Autobuild Test"},
		{"config", "commit.gpgsign", "false"},
	} {
		Git(t, dir, args...)
	}
	WriteFile(t, dir, "README.md", "hello\n")
	Git(t, dir, "add", ".")
	Git(t, dir, "commit", "-m", "initial")
	return dir
}

// SetupTestRepoWithRemote creates a test repository whose origin is a bare
// repository in another temporary directory.
func SetupTestRepoWithRemote(t *testing.T) (repoDir, remoteDir string) {
	t.Helper()
	SkipIfNoGit(t)

	remoteDir = t.TempDir()
	Git(t, remoteDir, "init", "--bare")

	repoDir = SetupTestRepo(t)
	Git(t, repoDir, "remote", "add", "origin", remoteDir)
	Git(t, repoDir, "push", "-u", "origin", "main")
	return repoDir, remoteDir
}

// Git runs git in dir and returns its trimmed combined output, failing the
// test on error.
func Git(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("git %s: %v\n%s", strings.Join(args, " "), err, out)
	}
	return strings.TrimSpace(string(out))
}

// WriteFile writes content to dir/name, creating parent directories.
func WriteFile(t *testing.T, dir, name, content string) {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("failed to create directory for %s: %v", name, err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write %s: %v", name, err)
	}
}

// ShortSocketPath returns a unix socket path under /tmp. t.TempDir paths
// can exceed the 104 byte sun_path limit on macOS.
func ShortSocketPath(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("/tmp", "ab-*")
	if err != nil {
		t.Fatalf("failed to create socket dir: %v", err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	return filepath.Join(dir, "s.sock")
}

// SkipIfNoGit skips the test if git is not installed.
func SkipIfNoGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not found in PATH, skipping test")
	}
}

// SkipIfNoGolangciLint skips the test if golangci-lint is not installed.
func SkipIfNoGolangciLint(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("golangci-lint"); err != nil {
		t.Skip("golangci-lint not found in PATH, skipping test")
	}
}
