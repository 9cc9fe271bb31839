package release

import (
	"errors"
	"testing"

	pkgerrors "github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMakeID(t *testing.T) {
	for _, tc := range []struct {
		branch, ref string
		want        ID
		wantErr     bool
	}{
		{"main", "0123456789abcdef0123", "main-0123456789ab", false},
		{"main", "abc123", "main-abc123", false},
		{"feature/login", "abc123", "feature-login-abc123", false},
		{"", "abc123", "", true},
		{"main", "", "", true},
		{"ma in", "abc123", "", true},
	} {
		id, err := MakeID(tc.branch, tc.ref)
		if tc.wantErr {
			assert.Error(t, err, "branch=%q ref=%q", tc.branch, tc.ref)
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, tc.want, id)
	}
}

func TestAgentPhaseAtLeast(t *testing.T) {
	assert.True(t, AgentPrepared.AtLeast(AgentPrepared))
	assert.True(t, AgentDeployed.AtLeast(AgentPrepared))
	assert.True(t, AgentDeploying.AtLeast(AgentPrepared))
	assert.False(t, AgentInstalling.AtLeast(AgentPrepared))
	assert.False(t, AgentFailed.AtLeast(AgentPrepared))
	assert.False(t, AgentFailed.AtLeast(AgentDeployed))
	assert.True(t, AgentDownloading.AtLeast(AgentIdle))
}

func TestPhaseTerminal(t *testing.T) {
	for _, p := range []Phase{PhaseDeployed, PhaseFailed, PhaseSuperseded} {
		assert.True(t, p.Terminal(), "%s", p)
	}
	for _, p := range []Phase{PhasePending, PhasePreparing, PhaseReady, PhaseDeploying} {
		assert.False(t, p.Terminal(), "%s", p)
	}
}

func TestCommandEqual(t *testing.T) {
	a := Command{ReleaseID: "main-abc", Action: ActionPrepare}
	b := Command{ReleaseID: "main-abc", Action: ActionPrepare, ArtifactRef: "s3://x/y"}
	assert.True(t, a.Equal(b))
	assert.False(t, a.Equal(Command{ReleaseID: "main-abc", Action: ActionDeploy}))
	assert.False(t, a.Equal(Command{ReleaseID: "main-def", Action: ActionPrepare}))
}

func TestKindOf(t *testing.T) {
	err := TransportError(errors.New("connection reset"))
	assert.Equal(t, KindTransport, KindOf(err))
	assert.True(t, err.Retryable())

	wrapped := pkgerrors.WithMessage(ArtifactFormatError(errors.New("no manifest")), "agent x")
	assert.Equal(t, KindArtifactFormat, KindOf(wrapped))

	assert.Equal(t, Kind(""), KindOf(errors.New("plain")))
	assert.Equal(t, Kind(""), KindOf(nil))
}

func TestConvergenceTimeoutErrorNamesAgents(t *testing.T) {
	err := ConvergenceTimeoutError([]string{"host-a", "host-b"})
	assert.Contains(t, err.Error(), "host-a")
	assert.Contains(t, err.Error(), "host-b")
	assert.False(t, err.Retryable())
}
