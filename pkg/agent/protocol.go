package agent

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"

	"github.com/kolonialno/sacar/pkg/artifact"
	"github.com/kolonialno/sacar/pkg/release"
)

// stepError carries the agent-facing error payload alongside the error,
// so captured hook output survives into the store.
type stepError struct {
	err    error
	detail release.ErrorDetail
}

func (e *stepError) Error() string { return e.err.Error() }
func (e *stepError) Unwrap() error { return e.err }

func stepFail(err error) *stepError {
	kind := release.KindOf(err)
	if kind == "" {
		kind = release.KindInternal
	}
	return &stepError{err: err, detail: release.ErrorDetail{Kind: kind, Message: err.Error()}}
}

func hookFail(name string, res HookResult) *stepError {
	err := release.HookExecutionError(name, res.ExitCode, errors.Errorf("%s hook exited %d", name, res.ExitCode))
	return &stepError{err: err, detail: release.ErrorDetail{
		Kind:     release.KindHookExecution,
		Message:  err.Error(),
		ExitCode: res.ExitCode,
		Output:   res.Output,
	}}
}

func (a *Agent) releaseDir(rel release.ID) string {
	return filepath.Join(a.cfg.RootDir, "releases", string(rel))
}

// preparedLink is the per-release pointer to the working directory that
// finished the prepare protocol; its existence is the done marker that
// makes re-dispatch idempotent.
func (a *Agent) preparedLink(rel release.ID) string {
	return filepath.Join(a.releaseDir(rel), "current")
}

// activeLink is the machine-wide active release pointer.
func (a *Agent) activeLink() string {
	return filepath.Join(a.cfg.RootDir, "current")
}

// prepare runs the fixed step sequence download -> extract -> lock ->
// provision -> install -> prepare-hook. Any failure halts the run; the
// phase report is written on entry to every step.
func (a *Agent) prepare(ctx context.Context, cmd release.Command) error {
	rel := cmd.ReleaseID

	// A previously completed prepare for this release satisfies a
	// re-dispatched command as-is; prior partial attempt directories
	// are never reused, so they cannot corrupt anything.
	if workdir, err := os.Readlink(a.preparedLink(rel)); err == nil {
		if _, err := artifact.ValidateLayout(workdir); err == nil {
			a.report(ctx, rel, release.AgentPrepared, nil)
			return nil
		}
	}

	a.report(ctx, rel, release.AgentDownloading, nil)
	tarball, err := os.CreateTemp("", "sacar-artifact-*.tar.gz")
	if err != nil {
		return stepFail(errors.Wrap(err, "creating download target"))
	}
	tarball.Close()
	defer os.Remove(tarball.Name())
	if err := a.download(ctx, cmd, tarball.Name()); err != nil {
		return stepFail(err)
	}

	a.report(ctx, rel, release.AgentExtracting, nil)
	if err := os.MkdirAll(a.releaseDir(rel), 0755); err != nil {
		return stepFail(errors.Wrap(err, "creating release directory"))
	}
	workdir, err := os.MkdirTemp(a.releaseDir(rel), "build-")
	if err != nil {
		return stepFail(errors.Wrap(err, "creating working directory"))
	}
	manifest, err := a.extract(tarball.Name(), workdir)
	if err != nil {
		os.RemoveAll(workdir)
		return stepFail(err)
	}

	a.report(ctx, rel, release.AgentLocking, nil)
	unlock, err := acquireLock(filepath.Join(a.cfg.RootDir, ".lock"))
	if err != nil {
		os.RemoveAll(workdir)
		return stepFail(err)
	}
	defer unlock()

	a.report(ctx, rel, release.AgentProvisioning, nil)
	env, err := a.envs.Provision(ctx, workdir, manifest)
	if err != nil {
		return stepFail(err)
	}

	a.report(ctx, rel, release.AgentInstalling, nil)
	if err := a.envs.Install(ctx, workdir, env); err != nil {
		return stepFail(err)
	}

	a.report(ctx, rel, release.AgentPreparing, nil)
	res, err := a.hooks.Run(ctx, workdir, "prepare", env, a.hookEnv(cmd, manifest))
	if err != nil {
		return stepFail(err)
	}
	if res.ExitCode != 0 {
		return hookFail("prepare", res)
	}

	if err := switchSymlink(a.preparedLink(rel), workdir); err != nil {
		return stepFail(err)
	}
	a.report(ctx, rel, release.AgentPrepared, nil)
	return nil
}

// deploy runs the deploy hook in the prepared working directory and, on
// success, atomically switches the machine's active release pointer.
// On hook failure the previous pointer is left untouched.
func (a *Agent) deploy(ctx context.Context, cmd release.Command) error {
	rel := cmd.ReleaseID

	workdir, err := os.Readlink(a.preparedLink(rel))
	if err != nil {
		return stepFail(errors.Errorf("release %s is not prepared on this machine", rel))
	}
	manifest, err := artifact.ValidateLayout(workdir)
	if err != nil {
		return stepFail(err)
	}

	a.report(ctx, rel, release.AgentDeploying, nil)
	env := Env{BinDir: filepath.Join(workdir, ".venv", "bin")}
	res, err := a.hooks.Run(ctx, workdir, "deploy", env, a.hookEnv(cmd, manifest))
	if err != nil {
		return stepFail(err)
	}
	if res.ExitCode != 0 {
		return hookFail("deploy", res)
	}

	if err := switchSymlink(a.activeLink(), workdir); err != nil {
		return stepFail(err)
	}
	a.report(ctx, rel, release.AgentDeployed, nil)
	return nil
}

// download fetches the artifact with bounded retries on transient
// transport failure. A checksum mismatch is final, never retried.
func (a *Agent) download(ctx context.Context, cmd release.Command, dest string) error {
	wait := time.Second
	for attempt := 0; ; attempt++ {
		err := a.fetch.Fetch(ctx, cmd.ArtifactRef, dest)
		if err == nil {
			if cerr := artifact.VerifyChecksum(dest, cmd.Checksum); cerr != nil {
				return release.ArtifactFormatError(cerr)
			}
			return nil
		}
		if release.KindOf(err) != release.KindTransport || attempt >= a.cfg.DownloadRetries {
			return err
		}
		a.logger.Log("release", cmd.ReleaseID, "download-attempt", attempt+1, "err", err)
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
		wait *= 2
	}
}

func (a *Agent) extract(tarball, workdir string) (*artifact.Manifest, error) {
	if err := artifact.Extract(tarball, workdir); err != nil {
		return nil, err
	}
	return artifact.ValidateLayout(workdir)
}

func (a *Agent) hookEnv(cmd release.Command, m *artifact.Manifest) map[string]string {
	extra := map[string]string{
		"RELEASE_ID": string(cmd.ReleaseID),
		"COMMIT_SHA": cmd.CommitRef,
	}
	for k, v := range m.Env {
		extra[k] = v
	}
	return extra
}

// switchSymlink atomically repoints link at target via a rename, so a
// reader never observes a missing pointer.
func switchSymlink(link, target string) error {
	tmp := fmt.Sprintf("%s.next", link)
	os.Remove(tmp)
	if err := os.Symlink(target, tmp); err != nil {
		return errors.Wrap(err, "staging release pointer")
	}
	if err := os.Rename(tmp, link); err != nil {
		os.Remove(tmp)
		return errors.Wrap(err, "switching release pointer")
	}
	return nil
}
