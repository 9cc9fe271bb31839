package agent

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// Env is the isolated runtime environment a release runs in.
type Env struct {
	// BinDir is prepended to PATH for hooks and installs.
	BinDir string
}

// HookResult is the outcome of one hook invocation.
type HookResult struct {
	ExitCode int
	Output   string
}

// HookRunner runs a named lifecycle hook from an unpacked artifact. The
// mechanism is a capability so it can vary by platform (and be faked in
// tests) without touching the protocol state machine.
type HookRunner interface {
	Run(ctx context.Context, workdir, name string, env Env, extra map[string]string) (HookResult, error)
}

// ExecHookRunner runs bin/<name> as a subprocess with the working
// directory as its context, the isolated environment's bin dir first on
// PATH, and the extra variables exported.
type ExecHookRunner struct{}

func (ExecHookRunner) Run(ctx context.Context, workdir, name string, env Env, extra map[string]string) (HookResult, error) {
	environ := []string{
		fmt.Sprintf("PATH=%s%c%s", env.BinDir, os.PathListSeparator, os.Getenv("PATH")),
	}
	for k, v := range extra {
		environ = append(environ, fmt.Sprintf("%s=%s", k, v))
	}
	exitCode, output, err := runCommand(ctx, workdir, environ, filepath.Join(workdir, "bin", name))
	return HookResult{ExitCode: exitCode, Output: output}, err
}
