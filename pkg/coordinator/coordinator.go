// Package coordinator owns the lifecycle of every release: it receives
// push and build-ready events, broadcasts prepare and deploy commands
// to the agent roster through the state store, and aggregates the
// agents' reported phases into release transitions. It never calls an
// agent directly.
package coordinator

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/pkg/errors"

	"github.com/kolonialno/sacar/pkg/release"
	"github.com/kolonialno/sacar/pkg/report"
	"github.com/kolonialno/sacar/pkg/store"
)

var (
	// ErrUnknownRelease marks requests naming a release that is not
	// tracked and not in the store.
	ErrUnknownRelease = errors.New("unknown release")
	// ErrBadPhase marks requests that are valid only in another phase.
	ErrBadPhase = errors.New("release phase does not allow this operation")
)

// Store is the slice of the state store client the coordinator needs.
type Store interface {
	Put(ctx context.Context, key string, v interface{}) error
	Get(ctx context.Context, key string, out interface{}) (uint64, bool, error)
	List(ctx context.Context, prefix string) (uint64, []store.KVPair, error)
	WatchPrefix(ctx context.Context, prefix string) <-chan []store.KVPair
}

// Roster enumerates the agents targeted by a dispatch. Snapshot is
// taken at the moment of broadcast; agents that join afterwards are not
// retroactively commanded.
type Roster interface {
	Snapshot(ctx context.Context) ([]string, error)
}

// StoreRoster reads the roster from the store's service catalog, where
// agents register themselves.
type StoreRoster struct {
	Client  *store.Client
	Service string
	Tag     string
}

func (r StoreRoster) Snapshot(ctx context.Context) ([]string, error) {
	nodes, err := r.Client.ServiceNodes(ctx, r.Service, r.Tag)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(nodes))
	for _, n := range nodes {
		ids = append(ids, n.ID)
	}
	sort.Strings(ids)
	return ids, nil
}

type Config struct {
	// AutoDeploy raises the deploy event as soon as a release reaches
	// ready.
	AutoDeploy bool
	// PhaseTimeout is the maximum wait for all agents to converge on a
	// phase before the release fails. Any single agent failure fails the
	// release immediately; there is no other recovery policy.
	PhaseTimeout time.Duration
}

func (c *Config) withDefaults() {
	if c.PhaseTimeout == 0 {
		c.PhaseTimeout = 5 * time.Minute
	}
}

// tracked is one release's in-memory state. Its mutex serializes the
// release's transitions; releases are otherwise independent.
type tracked struct {
	mu          sync.Mutex
	rel         release.Release
	cancelWatch context.CancelFunc
}

type Coordinator struct {
	cfg      Config
	store    Store
	roster   Roster
	reporter report.Reporter
	logger   log.Logger

	mu       sync.Mutex
	releases map[release.ID]*tracked

	baseCtx    context.Context
	baseCancel context.CancelFunc
	wg         sync.WaitGroup
}

func New(cfg Config, st Store, roster Roster, reporter report.Reporter, logger log.Logger) *Coordinator {
	cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		cfg:        cfg,
		store:      st,
		roster:     roster,
		reporter:   reporter,
		logger:     logger,
		releases:   map[release.ID]*tracked{},
		baseCtx:    ctx,
		baseCancel: cancel,
	}
}

// Stop cancels all convergence watchers and waits for them to exit.
func (c *Coordinator) Stop() {
	c.baseCancel()
	c.wg.Wait()
}

// HandlePush creates a release in pending for the triggering commit. A
// repeated push for the same (branch, commit) is a no-op.
func (c *Coordinator) HandlePush(ctx context.Context, branch, commitRef string) (release.ID, error) {
	id, err := release.MakeID(branch, commitRef)
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	if _, ok := c.releases[id]; ok {
		c.mu.Unlock()
		return id, nil
	}
	tr := &tracked{rel: release.Release{
		ID:        id,
		Branch:    branch,
		CommitRef: commitRef,
		Phase:     release.PhasePending,
		CreatedAt: time.Now().UTC(),
	}}
	c.releases[id] = tr
	c.mu.Unlock()

	tr.mu.Lock()
	defer tr.mu.Unlock()
	c.transition(tr, release.PhasePending, "")
	c.logger.Log("release", id, "branch", branch, "phase", release.PhasePending)
	return id, nil
}

// HandleBuildReady moves a pending release to preparing: it stores the
// artifact location, supersedes older work on the branch, and
// broadcasts prepare commands to the roster snapshot.
func (c *Coordinator) HandleBuildReady(ctx context.Context, id release.ID, artifactRef, checksum string) error {
	tr, ok := c.get(id)
	if !ok {
		return errors.Wrapf(ErrUnknownRelease, "%s", id)
	}

	tr.mu.Lock()
	if tr.rel.Phase != release.PhasePending {
		phase := tr.rel.Phase
		tr.mu.Unlock()
		return errors.Wrapf(ErrBadPhase, "release %s is %s, not pending", id, phase)
	}
	// The artifact location is set exactly once.
	tr.rel.ArtifactRef = artifactRef
	tr.rel.Checksum = checksum
	branch, createdAt := tr.rel.Branch, tr.rel.CreatedAt
	tr.mu.Unlock()

	// A newer release already past pending makes this one stale before
	// it even starts.
	if newer := c.newerInFlight(branch, id, createdAt); newer != "" {
		tr.mu.Lock()
		defer tr.mu.Unlock()
		c.transition(tr, release.PhaseSuperseded, fmt.Sprintf("superseded by %s", newer))
		return nil
	}

	agents, err := c.roster.Snapshot(ctx)
	if err != nil {
		return errors.Wrap(err, "enumerating agent roster")
	}

	tr.mu.Lock()
	if len(agents) == 0 {
		defer tr.mu.Unlock()
		c.transition(tr, release.PhaseFailed, "no agents in roster")
		return nil
	}
	tr.rel.Dispatched = agents
	cmd := release.Command{
		ReleaseID:   id,
		Action:      release.ActionPrepare,
		ArtifactRef: artifactRef,
		Checksum:    checksum,
		CommitRef:   tr.rel.CommitRef,
		IssuedAt:    time.Now().UTC(),
	}
	c.transition(tr, release.PhasePreparing, fmt.Sprintf("preparing %d agents", len(agents)))
	tr.mu.Unlock()

	// Reaching preparing is what invalidates older in-flight releases
	// on the branch.
	c.supersedeOlder(branch, id, createdAt)

	if err := c.broadcast(ctx, agents, cmd); err != nil {
		tr.mu.Lock()
		defer tr.mu.Unlock()
		c.transition(tr, release.PhaseFailed, fmt.Sprintf("dispatch failed: %s", err))
		return err
	}

	c.startConvergence(tr, release.ActionPrepare, agents)
	c.logger.Log("release", id, "phase", release.PhasePreparing, "agents", len(agents))
	return nil
}

// HandleDeploy raises the deploy event: explicit operator action and
// auto-deploy both end up here. Deploying from failed is allowed as a
// manual override.
func (c *Coordinator) HandleDeploy(ctx context.Context, id release.ID) error {
	tr, ok := c.get(id)
	if !ok {
		return errors.Wrapf(ErrUnknownRelease, "%s", id)
	}

	tr.mu.Lock()
	if tr.rel.Phase != release.PhaseReady && tr.rel.Phase != release.PhaseFailed {
		phase := tr.rel.Phase
		tr.mu.Unlock()
		return errors.Wrapf(ErrBadPhase, "release %s is %s, not deployable", id, phase)
	}
	cmd := release.Command{
		ReleaseID:   id,
		Action:      release.ActionDeploy,
		ArtifactRef: tr.rel.ArtifactRef,
		Checksum:    tr.rel.Checksum,
		CommitRef:   tr.rel.CommitRef,
		IssuedAt:    time.Now().UTC(),
	}
	tr.mu.Unlock()

	// The deploy broadcast enumerates the roster afresh; machines that
	// joined since prepare are not part of this release.
	agents, err := c.roster.Snapshot(ctx)
	if err != nil {
		return errors.Wrap(err, "enumerating agent roster")
	}

	tr.mu.Lock()
	expected := intersect(agents, tr.rel.Dispatched)
	if len(expected) == 0 {
		tr.mu.Unlock()
		return errors.Errorf("no prepared agents remain in the roster for %s", id)
	}
	c.transition(tr, release.PhaseDeploying, fmt.Sprintf("deploying to %d agents", len(expected)))
	tr.mu.Unlock()

	if err := c.broadcast(ctx, expected, cmd); err != nil {
		tr.mu.Lock()
		defer tr.mu.Unlock()
		c.transition(tr, release.PhaseFailed, fmt.Sprintf("dispatch failed: %s", err))
		return err
	}

	c.startConvergence(tr, release.ActionDeploy, expected)
	c.logger.Log("release", id, "phase", release.PhaseDeploying, "agents", len(expected))
	return nil
}

// Status returns the release record with the agents' current reports
// merged in from the store.
func (c *Coordinator) Status(ctx context.Context, id release.ID) (release.Release, error) {
	tr, ok := c.get(id)
	if !ok {
		return release.Release{}, errors.Wrapf(ErrUnknownRelease, "%s", id)
	}
	tr.mu.Lock()
	rel := tr.rel
	tr.mu.Unlock()

	_, pairs, err := c.store.List(ctx, release.AgentReportPrefix(id))
	if err != nil {
		return rel, nil // the record itself is still useful
	}
	rel.AgentPhases = map[string]release.AgentReport{}
	for _, pair := range pairs {
		var rep release.AgentReport
		if err := pair.Decode(&rep); err != nil {
			continue
		}
		rel.AgentPhases[rep.AgentID] = rep
	}
	return rel, nil
}

// List returns all tracked releases, newest first.
func (c *Coordinator) List(ctx context.Context) ([]release.Release, error) {
	c.mu.Lock()
	all := make([]*tracked, 0, len(c.releases))
	for _, tr := range c.releases {
		all = append(all, tr)
	}
	c.mu.Unlock()

	rels := make([]release.Release, 0, len(all))
	for _, tr := range all {
		tr.mu.Lock()
		rels = append(rels, tr.rel)
		tr.mu.Unlock()
	}
	sort.Slice(rels, func(i, j int) bool { return rels[i].CreatedAt.After(rels[j].CreatedAt) })
	return rels, nil
}

// Restore reloads persisted releases after a coordinator restart and
// resumes convergence watching for the ones still in flight.
func (c *Coordinator) Restore(ctx context.Context) error {
	_, pairs, err := c.store.List(ctx, "releases/")
	if err != nil {
		return errors.Wrap(err, "listing persisted releases")
	}
	for _, pair := range pairs {
		if strings.Contains(pair.Key, "/agents/") {
			continue
		}
		var rel release.Release
		if err := pair.Decode(&rel); err != nil {
			c.logger.Log("key", pair.Key, "err", errors.Wrap(err, "undecodable release record"))
			continue
		}
		tr := &tracked{rel: rel}
		c.mu.Lock()
		c.releases[rel.ID] = tr
		c.mu.Unlock()

		switch rel.Phase {
		case release.PhasePreparing:
			c.startConvergence(tr, release.ActionPrepare, rel.Dispatched)
		case release.PhaseDeploying:
			c.startConvergence(tr, release.ActionDeploy, rel.Dispatched)
		}
	}
	return nil
}

func (c *Coordinator) get(id release.ID) (*tracked, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	tr, ok := c.releases[id]
	return tr, ok
}

// newerInFlight reports a newer release on the branch that has already
// reached preparing (or later, terminal included: a deployed newer
// release equally makes this one stale).
func (c *Coordinator) newerInFlight(branch string, id release.ID, createdAt time.Time) release.ID {
	c.mu.Lock()
	defer c.mu.Unlock()
	for otherID, other := range c.releases {
		if otherID == id {
			continue
		}
		other.mu.Lock()
		newer := other.rel.Branch == branch &&
			other.rel.CreatedAt.After(createdAt) &&
			other.rel.Phase != release.PhasePending &&
			other.rel.Phase != release.PhaseSuperseded &&
			other.rel.Phase != release.PhaseFailed
		other.mu.Unlock()
		if newer {
			return otherID
		}
	}
	return ""
}

// supersedeOlder marks every older non-terminal release on the branch
// superseded, cancelling its watcher so late agent reports are
// discarded.
func (c *Coordinator) supersedeOlder(branch string, newer release.ID, createdAt time.Time) {
	c.mu.Lock()
	var stale []*tracked
	for id, tr := range c.releases {
		if id == newer {
			continue
		}
		tr.mu.Lock()
		old := tr.rel.Branch == branch && !tr.rel.Phase.Terminal() && !tr.rel.CreatedAt.After(createdAt)
		tr.mu.Unlock()
		if old {
			stale = append(stale, tr)
		}
	}
	c.mu.Unlock()

	for _, tr := range stale {
		tr.mu.Lock()
		if !tr.rel.Phase.Terminal() {
			c.transition(tr, release.PhaseSuperseded, fmt.Sprintf("superseded by %s", newer))
			c.logger.Log("release", tr.rel.ID, "phase", release.PhaseSuperseded, "by", newer)
		}
		tr.mu.Unlock()
	}
}

// broadcast writes one command record per agent. A newer release's
// command overwrites an older one on the same key, which is the
// implicit cancellation the protocol relies on.
func (c *Coordinator) broadcast(ctx context.Context, agents []string, cmd release.Command) error {
	for _, agentID := range agents {
		if err := c.store.Put(ctx, release.CommandKey(agentID), cmd); err != nil {
			return errors.Wrapf(err, "dispatching %s to %s", cmd.Action, agentID)
		}
	}
	return nil
}

// transition moves the release to phase, persists it, and reports it
// externally. The caller must hold tr.mu. Terminal phases cancel the
// release's convergence watcher immediately.
func (c *Coordinator) transition(tr *tracked, phase release.Phase, detail string) {
	tr.rel.Phase = phase

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := c.store.Put(ctx, release.ReleaseKey(tr.rel.ID), tr.rel); err != nil {
		c.logger.Log("release", tr.rel.ID, "err", errors.Wrap(err, "persisting release"))
	}
	if err := c.reporter.Report(ctx, tr.rel, detail); err != nil {
		c.logger.Log("release", tr.rel.ID, "err", errors.Wrap(err, "reporting release"))
	}
	if phase.Terminal() {
		releaseOutcomes.With("outcome", string(phase)).Add(1)
		if tr.cancelWatch != nil {
			tr.cancelWatch()
			tr.cancelWatch = nil
		}
	}
}

// intersect keeps the agents that are present in both slices,
// preserving the order of a.
func intersect(a, b []string) []string {
	inB := map[string]bool{}
	for _, x := range b {
		inB[x] = true
	}
	var out []string
	for _, x := range a {
		if inB[x] {
			out = append(out, x)
		}
	}
	return out
}
