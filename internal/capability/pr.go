package capability

import (
	"context"
	"fmt"
	"strings"
)

// GHCLI opens pull requests with the gh CLI.
type GHCLI struct {
	bin string
	dir string
	run runner
}

// NewGHCLI creates a GHCLI running in the repository at dir.
func NewGHCLI(dir string) *GHCLI {
	return &GHCLI{bin: "gh", dir: dir, run: execRunner}
}

// Available reports whether gh can be found.
func (g *GHCLI) Available() error {
	return LookPath("pr", g.bin)
}

// CreatePR opens a pull request and returns its URL.
func (g *GHCLI) CreatePR(ctx context.Context, req PRRequest) (string, error) {
	args := []string{"pr", "create",
		"--title", req.Title,
		"--body", req.Body,
		"--head", req.Branch,
	}
	if req.Base != "" {
		args = append(args, "--base", req.Base)
	}
	if req.Draft {
		args = append(args, "--draft")
	}
	for _, label := range req.Labels {
		args = append(args, "--label", label)
	}

	res, err := g.run(ctx, command{Dir: g.dir, Name: g.bin, Args: args, Combined: true})
	if err != nil {
		return "", fmt.Errorf("failed to create PR: %w", err)
	}
	output := strings.TrimSpace(string(res.Stdout))
	if res.ExitCode != 0 {
		return "", fmt.Errorf("failed to create PR (status %d):\n%s", res.ExitCode, output)
	}

	// gh prints progress lines before the URL
	lines := strings.Split(output, "\n")
	return strings.TrimSpace(lines[len(lines)-1]), nil
}
