package capability

import (
	"bytes"
	"context"
	"os"
	"os/exec"

	"github.com/Iron-Ham/autobuild/internal/errors"
)

// command is one external process invocation.
type command struct {
	Dir   string
	Env   []string
	Stdin []byte
	Name  string
	Args  []string
	// Combined sends stderr into Stdout, preserving interleaving.
	Combined bool
}

type cmdResult struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
}

// runner runs a command. A non-zero exit is reported through ExitCode, not
// as an error; errors mean the process could not run. Swapped in tests.
type runner func(ctx context.Context, c command) (cmdResult, error)

func execRunner(ctx context.Context, c command) (cmdResult, error) {
	cmd := exec.CommandContext(ctx, c.Name, c.Args...)
	cmd.Dir = c.Dir
	if len(c.Env) > 0 {
		cmd.Env = append(os.Environ(), c.Env...)
	}
	if c.Stdin != nil {
		cmd.Stdin = bytes.NewReader(c.Stdin)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	if c.Combined {
		cmd.Stderr = &stdout
	} else {
		cmd.Stderr = &stderr
	}

	err := cmd.Run()
	res := cmdResult{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
		return res, nil
	}
	return res, err
}
