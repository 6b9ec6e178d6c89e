package capability

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// GitCLI commits through the git command line. Commits are serialized since
// workers share one repository and index.
//
// A commit onto a branch other than the checked-out one goes through a
// temporary index: the branch tree is read into it, the files are added from
// the working tree, and the resulting tree is committed with commit-tree and
// moved into place with update-ref. The working tree and HEAD are untouched,
// so workers on different epics can commit concurrently to their branches.
type GitCLI struct {
	mu     sync.Mutex
	dir    string
	remote string
	run    runner
}

// NewGitCLI creates a GitCLI for the repository at dir.
func NewGitCLI(dir, remote string) *GitCLI {
	if remote == "" {
		remote = "origin"
	}
	return &GitCLI{dir: dir, remote: remote, run: execRunner}
}

// Available reports whether git can be found.
func (g *GitCLI) Available() error {
	return LookPath("git", "git")
}

func (g *GitCLI) git(ctx context.Context, env []string, args ...string) (string, error) {
	res, err := g.run(ctx, command{Dir: g.dir, Env: env, Name: "git", Args: args})
	if err != nil {
		return "", fmt.Errorf("git %s: %w", args[0], err)
	}
	if res.ExitCode != 0 {
		return string(res.Stdout), fmt.Errorf("git %s failed (status %d): %s",
			strings.Join(args, " "), res.ExitCode, strings.TrimSpace(string(res.Stderr)+string(res.Stdout)))
	}
	return strings.TrimSpace(string(res.Stdout)), nil
}

// CreateBranch creates a branch at HEAD. An existing branch is left alone.
func (g *GitCLI) CreateBranch(ctx context.Context, name string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, err := g.git(ctx, nil, "rev-parse", "--verify", "--quiet", "refs/heads/"+name); err == nil {
		return nil
	}
	if _, err := g.git(ctx, nil, "branch", name); err != nil {
		return fmt.Errorf("create branch %s: %w", name, err)
	}
	return nil
}

// Commit stages req.Files and commits them with req.Message. It returns the
// new commit hash, or "" when there was nothing to commit.
func (g *GitCLI) Commit(ctx context.Context, req CommitRequest) (string, error) {
	if len(req.Files) == 0 {
		return "", nil
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if req.Branch != "" {
		current, _ := g.git(ctx, nil, "symbolic-ref", "--quiet", "--short", "HEAD")
		if current != req.Branch {
			return g.commitToBranch(ctx, req)
		}
	}
	return g.commitHead(ctx, req)
}

func (g *GitCLI) commitHead(ctx context.Context, req CommitRequest) (string, error) {
	args := append([]string{"add", "-A", "--"}, req.Files...)
	if _, err := g.git(ctx, nil, args...); err != nil {
		return "", fmt.Errorf("failed to add changes: %w", err)
	}

	// diff --quiet exits 0 when nothing is staged for these paths
	args = append([]string{"diff", "--cached", "--quiet", "--"}, req.Files...)
	if _, err := g.git(ctx, nil, args...); err == nil {
		return "", nil
	}

	args = append([]string{"commit", "-m", req.Message, "--"}, req.Files...)
	if _, err := g.git(ctx, nil, args...); err != nil {
		return "", fmt.Errorf("failed to commit: %w", err)
	}
	return g.git(ctx, nil, "rev-parse", "HEAD")
}

func (g *GitCLI) commitToBranch(ctx context.Context, req CommitRequest) (string, error) {
	ref := "refs/heads/" + req.Branch
	parent, err := g.git(ctx, nil, "rev-parse", "--verify", ref)
	if err != nil {
		return "", fmt.Errorf("branch %s: %w", req.Branch, err)
	}

	tmpDir, err := os.MkdirTemp("", "autobuild-index-")
	if err != nil {
		return "", fmt.Errorf("create temp index dir: %w", err)
	}
	defer func() { _ = os.RemoveAll(tmpDir) }()
	env := []string{"GIT_INDEX_FILE=" + filepath.Join(tmpDir, "index")}

	if _, err := g.git(ctx, env, "read-tree", ref); err != nil {
		return "", err
	}
	args := append([]string{"add", "-A", "--"}, req.Files...)
	if _, err := g.git(ctx, env, args...); err != nil {
		return "", fmt.Errorf("failed to add changes: %w", err)
	}
	tree, err := g.git(ctx, env, "write-tree")
	if err != nil {
		return "", err
	}
	parentTree, err := g.git(ctx, nil, "rev-parse", ref+"^{tree}")
	if err != nil {
		return "", err
	}
	if tree == parentTree {
		return "", nil
	}

	commit, err := g.git(ctx, nil, "commit-tree", tree, "-p", parent, "-m", req.Message)
	if err != nil {
		return "", fmt.Errorf("failed to commit: %w", err)
	}
	if _, err := g.git(ctx, nil, "update-ref", ref, commit, parent); err != nil {
		return "", err
	}
	return commit, nil
}

// Push pushes branch to the configured remote.
func (g *GitCLI) Push(ctx context.Context, branch string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, err := g.git(ctx, nil, "push", "-u", g.remote, branch); err != nil {
		return fmt.Errorf("failed to push: %w", err)
	}
	return nil
}
