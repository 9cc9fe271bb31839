package agent

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kolonialno/sacar/pkg/artifact"
	"github.com/kolonialno/sacar/pkg/release"
	"github.com/kolonialno/sacar/pkg/store"
)

const testManifest = `
name: myapp
runtime:
  name: python
  version: "3.7"
`

// buildArchive returns a tar.gz with the full required layout.
func buildArchive(t *testing.T) []byte {
	t.Helper()
	files := map[string]string{
		"manifest.yaml":    testManifest,
		"requirements.txt": "flask==1.1.0\n",
		"wheels/.keep":     "",
		"bin/prepare":      "#!/bin/sh\nexit 0\n",
		"bin/deploy":       "#!/bin/sh\nexit 0\n",
	}
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for name, content := range files {
		mode := int64(0644)
		if strings.HasPrefix(name, "bin/") {
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
	return buf.Bytes()
}

type fakeStore struct {
	mu      sync.Mutex
	reports []release.AgentReport
	records []release.AgentRecord
	watch   chan store.KVPair
}

func newFakeStore() *fakeStore {
	return &fakeStore{watch: make(chan store.KVPair)}
}

func (s *fakeStore) Put(ctx context.Context, key string, v interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch v := v.(type) {
	case release.AgentReport:
		s.reports = append(s.reports, v)
	case release.AgentRecord:
		s.records = append(s.records, v)
	}
	return nil
}

func (s *fakeStore) Watch(ctx context.Context, key string) <-chan store.KVPair {
	return s.watch
}

func (s *fakeStore) phases(rel release.ID) []release.AgentPhase {
	s.mu.Lock()
	defer s.mu.Unlock()
	var phases []release.AgentPhase
	for _, r := range s.reports {
		if r.ReleaseID == rel {
			phases = append(phases, r.Phase)
		}
	}
	return phases
}

func (s *fakeStore) lastReport(rel release.ID) (release.AgentReport, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.reports) - 1; i >= 0; i-- {
		if s.reports[i].ReleaseID == rel {
			return s.reports[i], true
		}
	}
	return release.AgentReport{}, false
}

type fakeFetcher struct {
	mu        sync.Mutex
	archive   []byte
	failTimes int
	calls     int
}

func (f *fakeFetcher) Fetch(ctx context.Context, ref, dest string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failTimes > 0 {
		f.failTimes--
		return release.TransportError(errors.New("connection reset"))
	}
	return os.WriteFile(dest, f.archive, 0644)
}

type hookCall struct {
	workdir, name string
	extra         map[string]string
}

type fakeHooks struct {
	mu       sync.Mutex
	calls    []hookCall
	results  map[string]HookResult
	blockFor string // substring of workdir: block this run until ctx cancel
}

func (f *fakeHooks) Run(ctx context.Context, workdir, name string, env Env, extra map[string]string) (HookResult, error) {
	f.mu.Lock()
	block := f.blockFor != "" && strings.Contains(workdir, f.blockFor)
	f.calls = append(f.calls, hookCall{workdir: workdir, name: name, extra: extra})
	res, ok := f.results[name]
	f.mu.Unlock()
	if block {
		<-ctx.Done()
		return HookResult{}, ctx.Err()
	}
	if !ok {
		return HookResult{ExitCode: 0}, nil
	}
	return res, nil
}

func (f *fakeHooks) hookNames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var names []string
	for _, c := range f.calls {
		names = append(names, c.name)
	}
	return names
}

func newTestAgent(t *testing.T, st *fakeStore, fetch *fakeFetcher, hooks *fakeHooks) *Agent {
	t.Helper()
	return New(Config{
		AgentID:             "host-a",
		RootDir:             t.TempDir(),
		DownloadRetries:     3,
		AbandonOnNewCommand: true,
		HeartbeatInterval:   time.Hour,
	}, st, fetch, noopEnvs{}, hooks, log.NewNopLogger())
}

func TestPrepareStepOrder(t *testing.T) {
	st := newFakeStore()
	fetch := &fakeFetcher{archive: buildArchive(t)}
	hooks := &fakeHooks{}
	a := newTestAgent(t, st, fetch, hooks)

	cmd := release.Command{ReleaseID: "main-abc123", Action: release.ActionPrepare, ArtifactRef: "https://x/y.tar.gz", CommitRef: "abc123def"}
	require.NoError(t, a.prepare(context.Background(), cmd))

	assert.Equal(t, []release.AgentPhase{
		release.AgentDownloading,
		release.AgentExtracting,
		release.AgentLocking,
		release.AgentProvisioning,
		release.AgentInstalling,
		release.AgentPreparing,
		release.AgentPrepared,
	}, st.phases("main-abc123"))

	assert.Equal(t, []string{"prepare"}, hooks.hookNames())
	assert.Equal(t, "abc123def", hooks.calls[0].extra["COMMIT_SHA"])

	// The done marker points at a working directory with a valid layout.
	workdir, err := os.Readlink(a.preparedLink("main-abc123"))
	require.NoError(t, err)
	assert.DirExists(t, workdir)

	// The lock was released.
	assert.NoFileExists(t, filepath.Join(a.cfg.RootDir, ".lock"))
}

func TestPrepareFailureHaltsSubsequentSteps(t *testing.T) {
	st := newFakeStore()
	fetch := &fakeFetcher{archive: buildArchive(t)}
	hooks := &fakeHooks{}
	a := newTestAgent(t, st, fetch, hooks)
	a.envs = failingEnvs{installErr: release.DependencyInstallError(errors.New("wheel missing"))}

	cmd := release.Command{ReleaseID: "main-abc", Action: release.ActionPrepare, ArtifactRef: "https://x/y"}
	err := a.prepare(context.Background(), cmd)
	require.Error(t, err)
	assert.Equal(t, release.KindDependencyInstall, release.KindOf(err))

	// The hook never ran, and no phase beyond installing was reported.
	assert.Empty(t, hooks.hookNames())
	phases := st.phases("main-abc")
	assert.Equal(t, release.AgentInstalling, phases[len(phases)-1])
}

func TestPrepareHookFailureCapturesOutput(t *testing.T) {
	st := newFakeStore()
	fetch := &fakeFetcher{archive: buildArchive(t)}
	hooks := &fakeHooks{results: map[string]HookResult{
		"prepare": {ExitCode: 1, Output: "migration exploded"},
	}}
	a := newTestAgent(t, st, fetch, hooks)

	cmd := release.Command{ReleaseID: "main-abc", Action: release.ActionPrepare, ArtifactRef: "https://x/y"}
	err := a.prepare(context.Background(), cmd)
	require.Error(t, err)

	detail := detailFrom(err)
	assert.Equal(t, release.KindHookExecution, detail.Kind)
	assert.Equal(t, 1, detail.ExitCode)
	assert.Equal(t, "migration exploded", detail.Output)
}

func TestPrepareIdempotentRerun(t *testing.T) {
	st := newFakeStore()
	fetch := &fakeFetcher{archive: buildArchive(t)}
	hooks := &fakeHooks{}
	a := newTestAgent(t, st, fetch, hooks)

	cmd := release.Command{ReleaseID: "main-abc", Action: release.ActionPrepare, ArtifactRef: "https://x/y"}
	require.NoError(t, a.prepare(context.Background(), cmd))
	require.NoError(t, a.prepare(context.Background(), cmd))

	// The second run recognised the done marker: no new download, no
	// second hook invocation, and a fresh prepared report.
	assert.Equal(t, 1, fetch.calls)
	assert.Equal(t, []string{"prepare"}, hooks.hookNames())
	last, ok := st.lastReport("main-abc")
	require.True(t, ok)
	assert.Equal(t, release.AgentPrepared, last.Phase)
}

func TestDownloadRetriesTransientFailures(t *testing.T) {
	st := newFakeStore()
	fetch := &fakeFetcher{archive: buildArchive(t), failTimes: 2}
	a := newTestAgent(t, st, fetch, &fakeHooks{})

	cmd := release.Command{ReleaseID: "main-abc", Action: release.ActionPrepare, ArtifactRef: "https://x/y"}
	require.NoError(t, a.prepare(context.Background(), cmd))
	assert.Equal(t, 3, fetch.calls)
}

func TestDownloadExhaustedRetries(t *testing.T) {
	st := newFakeStore()
	fetch := &fakeFetcher{archive: buildArchive(t), failTimes: 10}
	a := newTestAgent(t, st, fetch, &fakeHooks{})
	a.cfg.DownloadRetries = 2

	cmd := release.Command{ReleaseID: "main-abc", Action: release.ActionPrepare, ArtifactRef: "https://x/y"}
	err := a.prepare(context.Background(), cmd)
	require.Error(t, err)
	assert.Equal(t, release.KindTransport, release.KindOf(err))
	assert.Equal(t, 3, fetch.calls)
}

func TestChecksumMismatchIsFatal(t *testing.T) {
	st := newFakeStore()
	fetch := &fakeFetcher{archive: buildArchive(t)}
	a := newTestAgent(t, st, fetch, &fakeHooks{})

	cmd := release.Command{ReleaseID: "main-abc", Action: release.ActionPrepare, ArtifactRef: "https://x/y", Checksum: "deadbeef"}
	err := a.prepare(context.Background(), cmd)
	require.Error(t, err)
	assert.Equal(t, release.KindArtifactFormat, release.KindOf(err))
	// Checksum mismatch is not a transport failure; exactly one fetch.
	assert.Equal(t, 1, fetch.calls)
}

func TestDeploySwitchesActivePointer(t *testing.T) {
	st := newFakeStore()
	fetch := &fakeFetcher{archive: buildArchive(t)}
	hooks := &fakeHooks{}
	a := newTestAgent(t, st, fetch, hooks)

	cmd := release.Command{ReleaseID: "main-abc", Action: release.ActionPrepare, ArtifactRef: "https://x/y"}
	require.NoError(t, a.prepare(context.Background(), cmd))
	require.NoError(t, a.deploy(context.Background(), release.Command{ReleaseID: "main-abc", Action: release.ActionDeploy}))

	active, err := os.Readlink(a.activeLink())
	require.NoError(t, err)
	workdir, err := os.Readlink(a.preparedLink("main-abc"))
	require.NoError(t, err)
	assert.Equal(t, workdir, active)
	assert.Equal(t, []string{"prepare", "deploy"}, hooks.hookNames())

	last, ok := st.lastReport("main-abc")
	require.True(t, ok)
	assert.Equal(t, release.AgentDeployed, last.Phase)
}

func TestDeployHookFailureLeavesActivePointer(t *testing.T) {
	st := newFakeStore()
	fetch := &fakeFetcher{archive: buildArchive(t)}
	hooks := &fakeHooks{}
	a := newTestAgent(t, st, fetch, hooks)

	// Deploy a first release so the active pointer exists.
	first := release.Command{ReleaseID: "main-v1", Action: release.ActionPrepare, ArtifactRef: "https://x/v1"}
	require.NoError(t, a.prepare(context.Background(), first))
	require.NoError(t, a.deploy(context.Background(), release.Command{ReleaseID: "main-v1", Action: release.ActionDeploy}))
	before, err := os.Readlink(a.activeLink())
	require.NoError(t, err)

	// Second release's deploy hook fails.
	second := release.Command{ReleaseID: "main-v2", Action: release.ActionPrepare, ArtifactRef: "https://x/v2"}
	require.NoError(t, a.prepare(context.Background(), second))
	hooks.mu.Lock()
	hooks.results = map[string]HookResult{"deploy": {ExitCode: 3, Output: "nope"}}
	hooks.mu.Unlock()
	err = a.deploy(context.Background(), release.Command{ReleaseID: "main-v2", Action: release.ActionDeploy})
	require.Error(t, err)

	after, rerr := os.Readlink(a.activeLink())
	require.NoError(t, rerr)
	assert.Equal(t, before, after)
}

func TestDeployUnpreparedRelease(t *testing.T) {
	st := newFakeStore()
	a := newTestAgent(t, st, &fakeFetcher{}, &fakeHooks{})

	err := a.deploy(context.Background(), release.Command{ReleaseID: "main-ghost", Action: release.ActionDeploy})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not prepared")
}

// noopEnvs and failingEnvs satisfy EnvManager for tests.
type noopEnvs struct{}

func (noopEnvs) Provision(ctx context.Context, workdir string, m *artifact.Manifest) (Env, error) {
	return Env{BinDir: filepath.Join(workdir, ".venv", "bin")}, nil
}

func (noopEnvs) Install(ctx context.Context, workdir string, env Env) error {
	return nil
}

type failingEnvs struct {
	provisionErr error
	installErr   error
}

func (f failingEnvs) Provision(ctx context.Context, workdir string, m *artifact.Manifest) (Env, error) {
	if f.provisionErr != nil {
		return Env{}, f.provisionErr
	}
	return Env{}, nil
}

func (f failingEnvs) Install(ctx context.Context, workdir string, env Env) error {
	return f.installErr
}
