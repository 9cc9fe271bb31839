package agent

import (
	"bytes"
	"context"
	"os"
	"os/exec"

	"github.com/pkg/errors"
)

// runCommand executes a subprocess with the given working directory and
// extra environment, capturing combined output. A non-zero exit is not
// an error here; callers decide what it means.
func runCommand(ctx context.Context, dir string, env []string, name string, args ...string) (int, string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), env...)

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	if err := cmd.Run(); err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return exitErr.ExitCode(), out.String(), nil
		}
		return -1, out.String(), errors.Wrapf(err, "running %s", name)
	}
	return 0, out.String(), nil
}
