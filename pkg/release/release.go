package release

import (
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// ID identifies one deployable unit of work: a specific commit on a
// specific branch. It doubles as the store key segment for the release,
// so it must not contain characters that are meaningful in key paths.
type ID string

const shortRefLen = 12

// MakeID derives a release ID from the triggering branch and commit ref.
func MakeID(branch, commitRef string) (ID, error) {
	branch = strings.TrimSpace(branch)
	commitRef = strings.TrimSpace(commitRef)
	if branch == "" || commitRef == "" {
		return "", errors.New("branch and commit ref are required to identify a release")
	}
	if strings.ContainsAny(branch+commitRef, " \t\n") {
		return "", errors.Errorf("malformed release identifier %q@%q", branch, commitRef)
	}
	ref := commitRef
	if len(ref) > shortRefLen {
		ref = ref[:shortRefLen]
	}
	// Branch names may contain slashes (e.g. "feature/x"); flatten them
	// so the ID stays a single key segment.
	branch = strings.ReplaceAll(branch, "/", "-")
	return ID(fmt.Sprintf("%s-%s", branch, ref)), nil
}

func (id ID) String() string {
	return string(id)
}

// Phase is the lifecycle phase of a Release, as owned by the coordinator.
type Phase string

const (
	PhasePending    Phase = "pending"
	PhasePreparing  Phase = "preparing"
	PhaseReady      Phase = "ready"
	PhaseDeploying  Phase = "deploying"
	PhaseDeployed   Phase = "deployed"
	PhaseFailed     Phase = "failed"
	PhaseSuperseded Phase = "superseded"
)

// Terminal reports whether no further transitions are possible for a
// release in this phase.
func (p Phase) Terminal() bool {
	switch p {
	case PhaseDeployed, PhaseFailed, PhaseSuperseded:
		return true
	}
	return false
}

// AgentPhase is the phase an agent reports for its current protocol run.
type AgentPhase string

const (
	AgentIdle         AgentPhase = "idle"
	AgentDownloading  AgentPhase = "downloading"
	AgentExtracting   AgentPhase = "extracting"
	AgentLocking      AgentPhase = "locking"
	AgentProvisioning AgentPhase = "provisioning"
	AgentInstalling   AgentPhase = "installing"
	AgentPreparing    AgentPhase = "preparing"
	AgentPrepared     AgentPhase = "prepared"
	AgentDeploying    AgentPhase = "deploying"
	AgentDeployed     AgentPhase = "deployed"
	AgentFailed       AgentPhase = "failed"
)

// agentPhaseOrder gives each reportable phase a rank so "at target or
// beyond" can be decided without enumerating suffixes. AgentFailed is
// deliberately absent; failure is never "beyond" anything.
var agentPhaseOrder = map[AgentPhase]int{
	AgentIdle:         0,
	AgentDownloading:  1,
	AgentExtracting:   2,
	AgentLocking:      3,
	AgentProvisioning: 4,
	AgentInstalling:   5,
	AgentPreparing:    6,
	AgentPrepared:     7,
	AgentDeploying:    8,
	AgentDeployed:     9,
}

// AtLeast reports whether p is the target phase or a later one in the
// protocol order. A failed phase never satisfies any target.
func (p AgentPhase) AtLeast(target AgentPhase) bool {
	pr, ok := agentPhaseOrder[p]
	if !ok {
		return false
	}
	tr, ok := agentPhaseOrder[target]
	if !ok {
		return false
	}
	return pr >= tr
}

// Action is a command verb dispatched to agents.
type Action string

const (
	ActionPrepare Action = "prepare"
	ActionDeploy  Action = "deploy"
)

// TargetPhase is the agent phase that signals completion of the action.
func (a Action) TargetPhase() AgentPhase {
	if a == ActionDeploy {
		return AgentDeployed
	}
	return AgentPrepared
}

// ErrorDetail is the error payload an agent attaches to a failed phase
// report. Output carries captured hook stdout/stderr when relevant.
type ErrorDetail struct {
	Kind     Kind   `json:"kind"`
	Message  string `json:"message"`
	ExitCode int    `json:"exitCode,omitempty"`
	Output   string `json:"output,omitempty"`
}

func (d *ErrorDetail) String() string {
	if d == nil {
		return ""
	}
	if d.ExitCode != 0 {
		return fmt.Sprintf("%s: %s (exit %d)", d.Kind, d.Message, d.ExitCode)
	}
	return fmt.Sprintf("%s: %s", d.Kind, d.Message)
}

// AgentReport is one agent's last reported phase for one release, as
// written by the agent under releases/<id>/agents/<agent>.
type AgentReport struct {
	AgentID   string       `json:"agentId"`
	ReleaseID ID           `json:"releaseId"`
	Phase     AgentPhase   `json:"phase"`
	UpdatedAt time.Time    `json:"updatedAt"`
	Error     *ErrorDetail `json:"error,omitempty"`
}

// AgentRecord is the per-agent heartbeat record at agents/<id>. It is
// never deleted; staleness is judged by UpdatedAt age.
type AgentRecord struct {
	AgentID          string     `json:"agentId"`
	CurrentReleaseID ID         `json:"currentReleaseId,omitempty"`
	Phase            AgentPhase `json:"phase"`
	UpdatedAt        time.Time  `json:"updatedAt"`
	LastError        string     `json:"lastError,omitempty"`
}

// Command instructs an agent to run a protocol for a release. Exactly
// one command key exists per agent; writing a command for a newer
// release overwrites (and thereby cancels) the previous one.
type Command struct {
	ReleaseID   ID        `json:"releaseId"`
	Action      Action    `json:"action"`
	ArtifactRef string    `json:"artifactRef"`
	Checksum    string    `json:"checksum,omitempty"`
	CommitRef   string    `json:"commitRef,omitempty"`
	IssuedAt    time.Time `json:"issuedAt"`
}

// Equal reports whether two commands name the same work. IssuedAt is
// ignored: re-issuing the same (release, action) must not restart a run.
func (c Command) Equal(other Command) bool {
	return c.ReleaseID == other.ReleaseID && c.Action == other.Action
}

// Release is the coordinator-owned record of one release's lifecycle.
type Release struct {
	ID          ID                     `json:"id"`
	Branch      string                 `json:"branch"`
	CommitRef   string                 `json:"commitRef"`
	ArtifactRef string                 `json:"artifactRef,omitempty"`
	Checksum    string                 `json:"checksum,omitempty"`
	Phase       Phase                  `json:"phase"`
	CreatedAt   time.Time              `json:"createdAt"`
	// Dispatched is the roster snapshot taken at broadcast time; it is
	// the expected agent set for convergence, also across coordinator
	// restarts.
	Dispatched  []string               `json:"dispatched,omitempty"`
	AgentPhases map[string]AgentReport `json:"agentPhases,omitempty"`
}
