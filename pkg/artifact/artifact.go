// Package artifact handles the release archive produced by the build
// pipeline: fetching it, verifying its checksum, unpacking it, and
// validating the layout the agent protocol depends on.
package artifact

import (
	"archive/tar"
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/ghodss/yaml"
	"github.com/pkg/errors"
	"github.com/xeipuuv/gojsonschema"

	"github.com/kolonialno/sacar/pkg/release"
)

// The required entries inside an artifact. Anything else at the top
// level is ignored.
const (
	ManifestFile     = "manifest.yaml"
	RequirementsFile = "requirements.txt"
	WheelsDir        = "wheels"
	PrepareHook      = "bin/prepare"
	DeployHook       = "bin/deploy"
)

// Manifest describes the artifact to the agent. It lives at the archive
// root as manifest.yaml.
type Manifest struct {
	Name    string `json:"name"`
	Runtime struct {
		Name    string `json:"name"`
		Version string `json:"version"`
	} `json:"runtime"`
	Env map[string]string `json:"env,omitempty"`
}

const manifestSchema = `{
	"type": "object",
	"required": ["name", "runtime"],
	"properties": {
		"name": {"type": "string", "minLength": 1},
		"runtime": {
			"type": "object",
			"required": ["name", "version"],
			"properties": {
				"name": {"type": "string", "minLength": 1},
				"version": {"type": "string", "minLength": 1}
			}
		},
		"env": {"type": "object", "additionalProperties": {"type": "string"}}
	}
}`

// ParseManifest reads and validates a manifest document.
func ParseManifest(raw []byte) (*Manifest, error) {
	jsonRaw, err := yaml.YAMLToJSON(raw)
	if err != nil {
		return nil, release.ArtifactFormatError(errors.Wrap(err, "manifest is not valid YAML"))
	}
	result, err := gojsonschema.Validate(
		gojsonschema.NewStringLoader(manifestSchema),
		gojsonschema.NewBytesLoader(jsonRaw),
	)
	if err != nil {
		return nil, release.ArtifactFormatError(errors.Wrap(err, "validating manifest"))
	}
	if !result.Valid() {
		var problems []string
		for _, desc := range result.Errors() {
			problems = append(problems, desc.String())
		}
		return nil, release.ArtifactFormatError(errors.Errorf("invalid manifest: %s", strings.Join(problems, "; ")))
	}
	var m Manifest
	if err := json.Unmarshal(jsonRaw, &m); err != nil {
		return nil, release.ArtifactFormatError(err)
	}
	if _, err := semver.NewVersion(m.Runtime.Version); err != nil {
		return nil, release.ArtifactFormatError(errors.Wrapf(err, "runtime version %q is not a version", m.Runtime.Version))
	}
	return &m, nil
}

// VerifyChecksum compares the sha256 of the file at path against the
// expected hex digest. An empty expectation passes (the build-ready
// notification may omit it).
func VerifyChecksum(path, expected string) error {
	if expected == "" {
		return nil
	}
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrap(err, "opening artifact for checksum")
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return errors.Wrap(err, "reading artifact for checksum")
	}
	actual := hex.EncodeToString(h.Sum(nil))
	if !strings.EqualFold(actual, expected) {
		return errors.Errorf("checksum mismatch: got %s, want %s", actual, expected)
	}
	return nil
}

// Extract unpacks the tar.gz archive at archivePath into dir, which
// must already exist. Paths escaping dir are rejected.
func Extract(archivePath, dir string) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return errors.Wrap(err, "opening archive")
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return release.ArtifactFormatError(errors.Wrap(err, "archive is not gzip"))
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return release.ArtifactFormatError(errors.Wrap(err, "reading archive"))
		}
		target, err := securePath(dir, hdr.Name)
		if err != nil {
			return release.ArtifactFormatError(err)
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0755); err != nil {
				return errors.Wrap(err, "creating directory")
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return errors.Wrap(err, "creating parent directory")
			}
			out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode)&0777)
			if err != nil {
				return errors.Wrap(err, "creating file")
			}
			if _, err := io.Copy(out, tr); err != nil {
				out.Close()
				return errors.Wrap(err, "writing file")
			}
			if err := out.Close(); err != nil {
				return errors.Wrap(err, "closing file")
			}
		case tar.TypeSymlink:
			if _, err := securePath(dir, filepath.Join(filepath.Dir(hdr.Name), hdr.Linkname)); err != nil {
				return release.ArtifactFormatError(err)
			}
			if err := os.Symlink(hdr.Linkname, target); err != nil {
				return errors.Wrap(err, "creating symlink")
			}
		default:
			// Ignore devices, fifos and other exotica.
		}
	}
}

func securePath(dir, name string) (string, error) {
	target := filepath.Join(dir, name)
	if !strings.HasPrefix(target, filepath.Clean(dir)+string(os.PathSeparator)) {
		return "", errors.Errorf("archive entry %q escapes the working directory", name)
	}
	return target, nil
}

// ValidateLayout checks that an unpacked artifact contains everything
// the protocol needs, and returns the parsed manifest.
func ValidateLayout(dir string) (*Manifest, error) {
	raw, err := os.ReadFile(filepath.Join(dir, ManifestFile))
	if err != nil {
		return nil, release.ArtifactFormatError(errors.Errorf("missing %s", ManifestFile))
	}
	m, err := ParseManifest(raw)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(filepath.Join(dir, RequirementsFile)); err != nil {
		return nil, release.ArtifactFormatError(errors.Errorf("missing %s", RequirementsFile))
	}
	if fi, err := os.Stat(filepath.Join(dir, WheelsDir)); err != nil || !fi.IsDir() {
		return nil, release.ArtifactFormatError(errors.Errorf("missing %s directory", WheelsDir))
	}
	for _, hook := range []string{PrepareHook, DeployHook} {
		fi, err := os.Stat(filepath.Join(dir, hook))
		if err != nil {
			return nil, release.ArtifactFormatError(errors.Errorf("missing %s hook", hook))
		}
		if fi.Mode()&0111 == 0 {
			return nil, release.ArtifactFormatError(errors.Errorf("%s is not executable", hook))
		}
	}
	return m, nil
}
