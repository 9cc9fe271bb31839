package agent

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/Masterminds/semver/v3"
	"github.com/pkg/errors"

	"github.com/kolonialno/sacar/pkg/artifact"
	"github.com/kolonialno/sacar/pkg/release"
)

// EnvManager provisions an isolated runtime environment for a release
// and installs its vendored dependency set into it.
type EnvManager interface {
	Provision(ctx context.Context, workdir string, m *artifact.Manifest) (Env, error)
	Install(ctx context.Context, workdir string, env Env) error
}

// VirtualenvManager implements EnvManager for python artifacts: a venv
// per working directory, dependencies installed strictly from the
// vendored wheels (no network resolution).
type VirtualenvManager struct {
	// Interpreters maps a version constraint (e.g. "~3.7") to the
	// interpreter binary satisfying it.
	Interpreters map[string]string
}

func (v VirtualenvManager) interpreterFor(m *artifact.Manifest) (string, error) {
	version, err := semver.NewVersion(m.Runtime.Version)
	if err != nil {
		return "", release.ArtifactFormatError(errors.Wrapf(err, "runtime version %q", m.Runtime.Version))
	}
	for constraint, path := range v.Interpreters {
		c, err := semver.NewConstraint(constraint)
		if err != nil {
			return "", errors.Wrapf(err, "bad interpreter constraint %q in agent config", constraint)
		}
		if c.Check(version) {
			return path, nil
		}
	}
	return "", release.DependencyInstallError(errors.Errorf("no configured interpreter satisfies runtime %s %s", m.Runtime.Name, m.Runtime.Version))
}

func (v VirtualenvManager) Provision(ctx context.Context, workdir string, m *artifact.Manifest) (Env, error) {
	interp, err := v.interpreterFor(m)
	if err != nil {
		return Env{}, err
	}
	venv := filepath.Join(workdir, ".venv")
	exitCode, output, err := runCommand(ctx, workdir, nil, interp, "-m", "venv", venv)
	if err != nil {
		return Env{}, release.DependencyInstallError(err)
	}
	if exitCode != 0 {
		return Env{}, release.DependencyInstallError(errors.Errorf("venv creation exited %d: %s", exitCode, output))
	}
	return Env{BinDir: filepath.Join(venv, "bin")}, nil
}

func (v VirtualenvManager) Install(ctx context.Context, workdir string, env Env) error {
	environ := []string{
		fmt.Sprintf("VIRTUAL_ENV=%s", filepath.Dir(env.BinDir)),
		fmt.Sprintf("PATH=%s:%s", env.BinDir, "/usr/bin:/bin"),
	}
	exitCode, output, err := runCommand(ctx, workdir, environ,
		filepath.Join(env.BinDir, "pip"), "install",
		"--isolated", "--no-index",
		"--find-links", filepath.Join(workdir, artifact.WheelsDir),
		"-r", filepath.Join(workdir, artifact.RequirementsFile),
	)
	if err != nil {
		return release.DependencyInstallError(err)
	}
	if exitCode != 0 {
		return release.DependencyInstallError(errors.Errorf("pip install exited %d: %s", exitCode, output))
	}
	return nil
}
