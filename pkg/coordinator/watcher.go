package coordinator

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/kolonialno/sacar/pkg/release"
)

// watchResult is the single signal a convergence watch produces.
type watchResult int

const (
	watchConverged watchResult = iota
	watchFailed
	watchTimeout
	watchCancelled
)

type watchOutcome struct {
	result   watchResult
	failures map[string]*release.ErrorDetail
	missing  []string
}

// startConvergence launches the convergence watcher for one release as
// its own unit of concurrency. The watcher is cancelled the moment the
// release reaches a terminal phase (transition() does that), so it
// cannot leak past supersession or failure.
func (c *Coordinator) startConvergence(tr *tracked, action release.Action, agents []string) {
	ctx, cancel := context.WithCancel(c.baseCtx)
	tr.mu.Lock()
	tr.cancelWatch = cancel
	id := tr.rel.ID
	tr.mu.Unlock()

	watchersInFlight.Add(1)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer cancel()
		defer watchersInFlight.Add(-1)

		begin := time.Now()
		outcome := c.watchConvergence(ctx, tr, action.TargetPhase(), agents)
		convergenceDuration.With(
			"action", string(action),
			"outcome", outcomeLabel(outcome.result),
		).Observe(time.Since(begin).Seconds())

		c.settle(tr, action, agents, outcome)
		c.logger.Log("release", id, "action", action, "convergence", outcomeLabel(outcome.result))
	}()
}

// watchConvergence consumes level-triggered snapshots of the release's
// agent reports and returns exactly once: when all expected agents are
// at the target phase or beyond in a single snapshot, when any agent
// fails (fail-fast), on phase timeout, or on cancellation.
//
// Counting is rebuilt from each full snapshot, which makes duplicated
// notifications harmless, and means convergence is only ever declared
// from one consistent view of the store. Agents outside the dispatch
// roster are ignored.
func (c *Coordinator) watchConvergence(ctx context.Context, tr *tracked, target release.AgentPhase, agents []string) watchOutcome {
	expected := map[string]bool{}
	for _, id := range agents {
		expected[id] = true
	}

	updates := c.store.WatchPrefix(ctx, release.AgentReportPrefix(c.releaseID(tr)))
	timeout := time.NewTimer(c.cfg.PhaseTimeout)
	defer timeout.Stop()

	lastReached := -1
	for {
		select {
		case snapshot, ok := <-updates:
			if !ok {
				return watchOutcome{result: watchCancelled}
			}
			reached := 0
			failures := map[string]*release.ErrorDetail{}
			for _, pair := range snapshot {
				agentID := path.Base(pair.Key)
				if !expected[agentID] {
					continue
				}
				var rep release.AgentReport
				if err := pair.Decode(&rep); err != nil {
					c.logger.Log("key", pair.Key, "err", err)
					continue
				}
				switch {
				case rep.Phase == release.AgentFailed:
					failures[agentID] = rep.Error
				case rep.Phase.AtLeast(target):
					reached++
				}
			}

			if len(failures) > 0 {
				return watchOutcome{result: watchFailed, failures: failures}
			}
			if reached == len(agents) {
				return watchOutcome{result: watchConverged}
			}
			if reached != lastReached {
				lastReached = reached
				if reached > 0 {
					c.reportProgress(tr, fmt.Sprintf("%d of %d agents at %s", reached, len(agents), target))
				}
			}

		case <-timeout.C:
			// Name exactly the agents that never reported at all.
			var missing []string
			_, pairs, err := c.store.List(ctx, release.AgentReportPrefix(c.releaseID(tr)))
			reported := map[string]bool{}
			if err == nil {
				for _, pair := range pairs {
					reported[path.Base(pair.Key)] = true
				}
			}
			for _, id := range agents {
				if !reported[id] {
					missing = append(missing, id)
				}
			}
			sort.Strings(missing)
			if len(missing) == 0 {
				missing = agents
			}
			return watchOutcome{result: watchTimeout, missing: missing}

		case <-ctx.Done():
			return watchOutcome{result: watchCancelled}
		}
	}
}

// settle applies a convergence outcome to the release. A release that
// left the watched phase in the meantime (superseded, most likely) has
// its outcome discarded.
func (c *Coordinator) settle(tr *tracked, action release.Action, agents []string, outcome watchOutcome) {
	watchedPhase := release.PhasePreparing
	if action == release.ActionDeploy {
		watchedPhase = release.PhaseDeploying
	}

	tr.mu.Lock()
	if tr.rel.Phase != watchedPhase {
		tr.mu.Unlock()
		return
	}

	var autoDeploy bool
	switch outcome.result {
	case watchConverged:
		if action == release.ActionPrepare {
			c.transition(tr, release.PhaseReady, fmt.Sprintf("all %d agents prepared", len(agents)))
			autoDeploy = c.cfg.AutoDeploy
		} else {
			c.transition(tr, release.PhaseDeployed, fmt.Sprintf("deployed to all %d agents", len(agents)))
		}
	case watchFailed:
		c.transition(tr, release.PhaseFailed, failureDetail(outcome.failures))
	case watchTimeout:
		c.transition(tr, release.PhaseFailed, release.ConvergenceTimeoutError(outcome.missing).Error())
	case watchCancelled:
		// Terminal transition elsewhere already settled the release.
	}
	id := tr.rel.ID
	tr.mu.Unlock()

	if autoDeploy {
		ctx, cancel := context.WithTimeout(c.baseCtx, 30*time.Second)
		defer cancel()
		if err := c.HandleDeploy(ctx, id); err != nil {
			c.logger.Log("release", id, "err", err)
		}
	}
}

// reportProgress reflects partial convergence externally without
// changing the release phase.
func (c *Coordinator) reportProgress(tr *tracked, detail string) {
	tr.mu.Lock()
	rel := tr.rel
	tr.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := c.reporter.Report(ctx, rel, detail); err != nil {
		c.logger.Log("release", rel.ID, "err", err)
	}
}

func (c *Coordinator) releaseID(tr *tracked) release.ID {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return tr.rel.ID
}

// failureDetail aggregates per-agent errors into one line, stable by
// agent id.
func failureDetail(failures map[string]*release.ErrorDetail) string {
	ids := make([]string, 0, len(failures))
	for id := range failures {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	parts := make([]string, 0, len(ids))
	for _, id := range ids {
		if detail := failures[id]; detail != nil {
			parts = append(parts, fmt.Sprintf("%s: %s", id, detail))
		} else {
			parts = append(parts, fmt.Sprintf("%s: failed", id))
		}
	}
	return strings.Join(parts, "; ")
}

func outcomeLabel(r watchResult) string {
	switch r {
	case watchConverged:
		return "converged"
	case watchFailed:
		return "failed"
	case watchTimeout:
		return "timeout"
	default:
		return "cancelled"
	}
}
