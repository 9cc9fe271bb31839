// Package agent implements the per-machine runtime: it watches its own
// command key in the state store, runs the prepare and deploy protocols
// for one release at a time, and reports every phase transition back
// through the store. There is no direct call path to the coordinator.
package agent

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/pkg/errors"

	"github.com/kolonialno/sacar/pkg/artifact"
	"github.com/kolonialno/sacar/pkg/release"
	"github.com/kolonialno/sacar/pkg/store"
)

// Store is the slice of the state store client the agent needs.
type Store interface {
	Put(ctx context.Context, key string, v interface{}) error
	Watch(ctx context.Context, key string) <-chan store.KVPair
}

type Config struct {
	// AgentID identifies this machine; hostname by default.
	AgentID string
	// RootDir holds per-release working directories and the active
	// release pointer (RootDir/current).
	RootDir string
	// DownloadRetries bounds re-attempts of a transiently failing
	// artifact download.
	DownloadRetries int
	// AbandonOnNewCommand cancels a mid-flight protocol run when a
	// command for a newer release arrives. Partially prepared state
	// for the abandoned release is harmless.
	AbandonOnNewCommand bool
	// HeartbeatInterval refreshes the agent's state record even when
	// nothing is happening, so staleness can be judged by age.
	HeartbeatInterval time.Duration
}

func (c *Config) withDefaults() {
	if c.AgentID == "" {
		c.AgentID, _ = os.Hostname()
	}
	if c.DownloadRetries == 0 {
		c.DownloadRetries = 3
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
}

type Agent struct {
	cfg    Config
	store  Store
	fetch  artifact.Fetcher
	envs   EnvManager
	hooks  HookRunner
	logger log.Logger
}

func New(cfg Config, st Store, fetch artifact.Fetcher, envs EnvManager, hooks HookRunner, logger log.Logger) *Agent {
	cfg.withDefaults()
	return &Agent{
		cfg:    cfg,
		store:  st,
		fetch:  fetch,
		envs:   envs,
		hooks:  hooks,
		logger: log.With(logger, "agent", cfg.AgentID),
	}
}

// Loop runs until stop is closed. It is strictly single-flow: one
// protocol run at a time, from start to terminal outcome (or
// abandonment in favour of a newer command).
func (a *Agent) Loop(stop chan struct{}, wg *sync.WaitGroup, logger log.Logger) {
	defer wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-stop
		cancel()
	}()

	updates := a.store.Watch(ctx, release.CommandKey(a.cfg.AgentID))
	heartbeat := time.NewTicker(a.cfg.HeartbeatInterval)
	defer heartbeat.Stop()

	a.writeIdle(ctx)

	var (
		runCancel  context.CancelFunc
		runDone    chan struct{}
		current    release.Command
		currentIdx uint64
		appliedIdx uint64
		pending    *pendingCommand
	)

	start := func(cmd release.Command, index uint64) {
		var runCtx context.Context
		runCtx, runCancel = context.WithCancel(ctx)
		runDone = make(chan struct{})
		current, currentIdx = cmd, index
		go func() {
			defer close(runDone)
			a.execute(runCtx, cmd, logger)
		}()
	}

	for {
		select {
		case <-stop:
			if runCancel != nil {
				runCancel()
				<-runDone
			}
			logger.Log("stopping", "true")
			return

		case pair, ok := <-updates:
			if !ok {
				return
			}
			if pair.Value == nil {
				continue
			}
			var cmd release.Command
			if err := json.Unmarshal(pair.Value, &cmd); err != nil {
				logger.Log("err", errors.Wrap(err, "undecodable command"))
				continue
			}
			// The watch is level-triggered and may redeliver the same
			// command; the modify index distinguishes a genuine
			// re-dispatch (which must re-run the protocol) from a
			// repeated notification.
			if pair.ModifyIndex == appliedIdx || (runDone != nil && pair.ModifyIndex == currentIdx) {
				continue
			}
			if runDone != nil {
				pending = &pendingCommand{cmd: cmd, index: pair.ModifyIndex}
				if a.cfg.AbandonOnNewCommand {
					logger.Log("release", current.ReleaseID, "abandoning", "newer command received")
					runCancel()
				}
				continue
			}
			start(cmd, pair.ModifyIndex)

		case <-runDone:
			runDone, runCancel = nil, nil
			appliedIdx = currentIdx
			if pending != nil {
				start(pending.cmd, pending.index)
				pending = nil
			}

		case <-heartbeat.C:
			if runDone == nil {
				a.writeIdle(ctx)
			}
		}
	}
}

type pendingCommand struct {
	cmd   release.Command
	index uint64
}

// execute runs one protocol start to finish. Errors never escape: they
// are recorded in the agent's report and the runtime returns to idle.
func (a *Agent) execute(ctx context.Context, cmd release.Command, logger log.Logger) {
	begin := time.Now()
	var err error
	switch cmd.Action {
	case release.ActionPrepare:
		err = a.prepare(ctx, cmd)
	case release.ActionDeploy:
		err = a.deploy(ctx, cmd)
	default:
		err = errors.Errorf("unknown command action %q", cmd.Action)
	}
	protocolRuns.With("action", string(cmd.Action), "success", boolStr(err == nil)).Add(1)
	protocolDuration.With("action", string(cmd.Action), "success", boolStr(err == nil)).Observe(time.Since(begin).Seconds())

	switch {
	case err == nil:
		logger.Log("release", cmd.ReleaseID, "action", cmd.Action, "outcome", "success")
	case ctx.Err() != nil:
		// Abandoned mid-run; the coordinator no longer cares about
		// this release, so no failure report is written.
		logger.Log("release", cmd.ReleaseID, "action", cmd.Action, "outcome", "abandoned")
	default:
		logger.Log("release", cmd.ReleaseID, "action", cmd.Action, "outcome", "failed", "err", err)
		a.reportFailure(cmd.ReleaseID, err)
	}
	a.writeIdle(context.Background())
}

// report writes the per-release phase report and refreshes the agent
// state record; the store is the only channel back to the coordinator.
func (a *Agent) report(ctx context.Context, rel release.ID, phase release.AgentPhase, detail *release.ErrorDetail) {
	now := time.Now().UTC()
	rep := release.AgentReport{
		AgentID:   a.cfg.AgentID,
		ReleaseID: rel,
		Phase:     phase,
		UpdatedAt: now,
		Error:     detail,
	}
	if err := a.store.Put(ctx, release.AgentReportKey(rel, a.cfg.AgentID), rep); err != nil {
		a.logger.Log("release", rel, "phase", phase, "err", errors.Wrap(err, "writing phase report"))
	}
	rec := release.AgentRecord{
		AgentID:          a.cfg.AgentID,
		CurrentReleaseID: rel,
		Phase:            phase,
		UpdatedAt:        now,
		LastError:        detail.String(),
	}
	if err := a.store.Put(ctx, release.AgentStateKey(a.cfg.AgentID), rec); err != nil {
		a.logger.Log("err", errors.Wrap(err, "writing agent record"))
	}
}

func (a *Agent) reportFailure(rel release.ID, err error) {
	detail := detailFrom(err)
	// The run context may already be cancelled; the failure report
	// must still go out.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	a.report(ctx, rel, release.AgentFailed, &detail)
}

func (a *Agent) writeIdle(ctx context.Context) {
	rec := release.AgentRecord{
		AgentID:   a.cfg.AgentID,
		Phase:     release.AgentIdle,
		UpdatedAt: time.Now().UTC(),
	}
	if err := a.store.Put(ctx, release.AgentStateKey(a.cfg.AgentID), rec); err != nil {
		a.logger.Log("err", errors.Wrap(err, "writing agent record"))
	}
}

func detailFrom(err error) release.ErrorDetail {
	if serr, ok := err.(*stepError); ok {
		return serr.detail
	}
	kind := release.KindOf(err)
	if kind == "" {
		kind = release.KindInternal
	}
	return release.ErrorDetail{Kind: kind, Message: err.Error()}
}

func boolStr(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
