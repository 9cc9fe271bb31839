package artifact

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kolonialno/sacar/pkg/release"
)

const validManifest = `
name: myapp
runtime:
  name: python
  version: "3.7"
env:
  DJANGO_SETTINGS_MODULE: myapp.settings
`

func TestParseManifest(t *testing.T) {
	m, err := ParseManifest([]byte(validManifest))
	require.NoError(t, err)
	assert.Equal(t, "myapp", m.Name)
	assert.Equal(t, "python", m.Runtime.Name)
	assert.Equal(t, "3.7", m.Runtime.Version)
	assert.Equal(t, "myapp.settings", m.Env["DJANGO_SETTINGS_MODULE"])
}

func TestParseManifestRejectsBadDocuments(t *testing.T) {
	for name, doc := range map[string]string{
		"no runtime":     "name: myapp",
		"empty name":     "name: \"\"\nruntime: {name: python, version: \"3.7\"}",
		"bad version":    "name: myapp\nruntime: {name: python, version: banana}",
		"not yaml":       ":\n\t:::",
		"missing fields": "{}",
	} {
		_, err := ParseManifest([]byte(doc))
		require.Error(t, err, name)
		assert.Equal(t, release.KindArtifactFormat, release.KindOf(err), name)
	}
}

// writeArchive builds a tar.gz with the given files; mode 0755 for
// anything under bin/.
func writeArchive(t *testing.T, path string, files map[string]string) {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for name, content := range files {
		mode := int64(0644)
		if filepath.Dir(name) == "bin" {
			mode = 0755
		}
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name: name, Mode: mode, Size: int64(len(content)), Typeflag: tar.TypeReg,
		}))
		_, err := tw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0644))
}

func completeArtifact() map[string]string {
	return map[string]string{
		"manifest.yaml":       validManifest,
		"requirements.txt":    "flask==1.1.0\n",
		"wheels/.keep":        "",
		"bin/prepare":         "#!/bin/sh\nexit 0\n",
		"bin/deploy":          "#!/bin/sh\nexit 0\n",
		"app/main.py":         "print('hi')\n",
		"unrelated-top-level": "ignored\n",
	}
}

func TestExtractAndValidateLayout(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "artifact.tar.gz")
	writeArchive(t, archive, completeArtifact())

	workdir := filepath.Join(dir, "work")
	require.NoError(t, os.MkdirAll(workdir, 0755))
	require.NoError(t, Extract(archive, workdir))

	m, err := ValidateLayout(workdir)
	require.NoError(t, err)
	assert.Equal(t, "myapp", m.Name)
}

func TestValidateLayoutMissingPieces(t *testing.T) {
	for _, missing := range []string{"manifest.yaml", "requirements.txt", "bin/prepare", "bin/deploy"} {
		files := completeArtifact()
		delete(files, missing)

		dir := t.TempDir()
		archive := filepath.Join(dir, "artifact.tar.gz")
		writeArchive(t, archive, files)
		workdir := filepath.Join(dir, "work")
		require.NoError(t, os.MkdirAll(workdir, 0755))
		require.NoError(t, Extract(archive, workdir))

		_, err := ValidateLayout(workdir)
		require.Error(t, err, "missing %s", missing)
		assert.Equal(t, release.KindArtifactFormat, release.KindOf(err))
	}
}

func TestExtractRejectsTraversal(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "evil.tar.gz")
	writeArchive(t, archive, map[string]string{"../escape": "boom"})

	workdir := filepath.Join(dir, "work")
	require.NoError(t, os.MkdirAll(workdir, 0755))
	err := Extract(archive, workdir)
	require.Error(t, err)
	assert.Equal(t, release.KindArtifactFormat, release.KindOf(err))
}

func TestVerifyChecksum(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f")
	require.NoError(t, os.WriteFile(path, []byte("payload"), 0644))

	sum := sha256.Sum256([]byte("payload"))
	good := hex.EncodeToString(sum[:])

	assert.NoError(t, VerifyChecksum(path, good))
	assert.NoError(t, VerifyChecksum(path, ""))
	assert.Error(t, VerifyChecksum(path, "deadbeef"))
}

func TestHTTPFetcher(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.Write([]byte("tarball-bytes"))
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "artifact.tar.gz")
	f := &HTTPFetcher{Client: srv.Client(), Token: "secret"}
	require.NoError(t, f.Fetch(context.Background(), srv.URL+"/artifact", dest))

	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "tarball-bytes", string(data))
	assert.Equal(t, "Bearer secret", gotAuth)
}

func TestHTTPFetcherServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()

	f := &HTTPFetcher{Client: srv.Client()}
	err := f.Fetch(context.Background(), srv.URL, filepath.Join(t.TempDir(), "x"))
	require.Error(t, err)
	assert.Equal(t, release.KindTransport, release.KindOf(err))
}

func TestMultiFetcherDispatch(t *testing.T) {
	called := false
	m := MultiFetcher{"fake": fetcherFunc(func(ctx context.Context, ref, dest string) error {
		called = true
		return nil
	})}
	require.NoError(t, m.Fetch(context.Background(), "fake://x/y", "/tmp/ignored"))
	assert.True(t, called)

	err := m.Fetch(context.Background(), "gopher://x", "/tmp/ignored")
	assert.Error(t, err)
}

type fetcherFunc func(ctx context.Context, ref, dest string) error

func (f fetcherFunc) Fetch(ctx context.Context, ref, dest string) error {
	return f(ctx, ref, dest)
}
