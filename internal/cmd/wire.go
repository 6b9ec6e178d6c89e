package cmd

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/Iron-Ham/autobuild/internal/capability"
	"github.com/Iron-Ham/autobuild/internal/config"
	"github.com/Iron-Ham/autobuild/internal/errors"
	"github.com/Iron-Ham/autobuild/internal/issue"
	"github.com/Iron-Ham/autobuild/internal/logging"
	"github.com/Iron-Ham/autobuild/internal/taskqueue"
)

// openStore returns the issue store selected by cfg.Tracker. The closer is
// never nil.
func openStore(cfg *config.Config, dir string, logger *logging.Logger) (issue.Store, io.Closer, error) {
	switch cfg.Tracker.Backend {
	case "sqlite":
		path := cfg.Tracker.DBPath
		if !filepath.IsAbs(path) {
			path = filepath.Join(dir, path)
		}
		s, err := issue.OpenSQLiteStore(path)
		if err != nil {
			return nil, nil, err
		}
		return s, s, nil

	case "memory":
		if cfg.Tracker.BacklogFile == "" {
			return issue.NewMemoryStore(), nopCloser{}, nil
		}
		path := cfg.Tracker.BacklogFile
		if !filepath.IsAbs(path) {
			path = filepath.Join(dir, path)
		}
		s, err := issue.LoadBacklog(path)
		if err != nil {
			return nil, nil, err
		}
		return s, nopCloser{}, nil

	default:
		s := issue.NewBdStore(cfg.Tracker.BdPath, dir, logger)
		if err := s.Available(); err != nil {
			return nil, nil, fmt.Errorf("tracker backend bd: %w", err)
		}
		return s, nopCloser{}, nil
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// capabilityWarning names an optional capability that could not be wired.
type capabilityWarning struct {
	Name string
	Err  error
}

// buildCapabilities wires the external agent, verifier, git, and gh. The
// agent is required; the rest are left nil when unavailable so the
// orchestrator degrades their toggles.
func buildCapabilities(cfg *config.Config, dir, socketPath string, logger *logging.Logger) (capability.Set, []capabilityWarning, error) {
	var set capability.Set
	var warnings []capabilityWarning

	agent := capability.NewAgent(cfg.Agent.Command, cfg.Agent.Args, dir,
		capability.WithLockAddr(socketPath),
		capability.WithAgentLogger(logger))
	if err := agent.Available(); err != nil {
		return set, nil, err
	}
	set.Implementer = agent
	set.Reviewer = agent
	set.Auditor = agent
	set.Fixer = agent

	v := capability.NewShellVerifier(cfg.Verify.Shell, dir,
		cfg.Verify.LintCommand, cfg.Verify.TestCommand, cfg.Verify.BuildCommand)
	shell := cfg.Verify.Shell
	if shell == "" {
		shell = "sh"
	}
	if err := capability.LookPath("verify", shell); err != nil {
		warnings = append(warnings, capabilityWarning{Name: "verify", Err: err})
	} else {
		set.Verifier = v
	}

	git := capability.NewGitCLI(dir, cfg.Git.Remote)
	if err := git.Available(); err != nil {
		warnings = append(warnings, capabilityWarning{Name: "git", Err: err})
	} else {
		set.Git = git
	}

	gh := capability.NewGHCLI(dir)
	if err := gh.Available(); err != nil {
		warnings = append(warnings, capabilityWarning{Name: "pr", Err: err})
	} else {
		set.PR = gh
	}
	return set, warnings, nil
}

// restoreQueue loads the queue saved by a previous run, or returns an empty
// queue when there is none.
func restoreQueue(stateDir string) (*taskqueue.Queue, error) {
	q, err := taskqueue.LoadState(stateDir)
	if errors.Is(err, os.ErrNotExist) {
		return taskqueue.New(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("restore queue: %w", err)
	}
	return q, nil
}
