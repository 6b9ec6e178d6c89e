package capability

import (
	"context"
	"fmt"
	"strings"

	"github.com/Iron-Ham/autobuild/internal/errors"
)

// ShellVerifier runs each verification step as a shell command in the
// repository root. Output is stdout and stderr interleaved.
type ShellVerifier struct {
	shell    string
	dir      string
	commands map[Step]string
	run      runner
}

// NewShellVerifier creates a verifier. Steps with an empty command are
// unavailable.
func NewShellVerifier(shell, dir, lint, test, build string) *ShellVerifier {
	if shell == "" {
		shell = "sh"
	}
	return &ShellVerifier{
		shell: shell,
		dir:   dir,
		commands: map[Step]string{
			StepLint:  lint,
			StepTest:  test,
			StepBuild: build,
		},
		run: execRunner,
	}
}

// Has reports whether a command is configured for step.
func (v *ShellVerifier) Has(step Step) bool {
	return strings.TrimSpace(v.commands[step]) != ""
}

// Verify runs step. A failing command yields Passed=false with its output;
// an error means the step could not run at all.
func (v *ShellVerifier) Verify(ctx context.Context, step Step) (StepResult, error) {
	script := strings.TrimSpace(v.commands[step])
	if script == "" {
		return StepResult{}, errors.NewCapabilityUnavailable(string(step), errors.New("no command configured"))
	}

	res, err := v.run(ctx, command{
		Dir:      v.dir,
		Name:     v.shell,
		Args:     []string{"-c", script},
		Combined: true,
	})
	if err != nil {
		return StepResult{}, fmt.Errorf("run %s step: %w", step, err)
	}
	return StepResult{
		Step:   step,
		Passed: res.ExitCode == 0,
		Output: string(res.Stdout),
	}, nil
}
