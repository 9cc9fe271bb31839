package report

import (
	"context"
	"fmt"

	"github.com/google/go-github/v28/github"
	"github.com/pkg/errors"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"github.com/kolonialno/sacar/pkg/release"
)

// statusContext is the commit status name releases appear under.
const statusContext = "sacar/release"

// GitHubReporter reflects release phases as commit statuses on the
// triggering commit.
type GitHubReporter struct {
	client  *github.Client
	owner   string
	repo    string
	limiter *rate.Limiter
}

// NewGitHubReporter builds a reporter for owner/repo authenticating
// with a personal access or installation token. GitHub's abuse limits
// bite well before one status per second sustained.
func NewGitHubReporter(ctx context.Context, owner, repo, token string) *GitHubReporter {
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	return &GitHubReporter{
		client:  github.NewClient(oauth2.NewClient(ctx, ts)),
		owner:   owner,
		repo:    repo,
		limiter: rate.NewLimiter(rate.Limit(1), 5),
	}
}

// NewGitHubReporterWithClient is for tests and custom transports.
func NewGitHubReporterWithClient(client *github.Client, owner, repo string) *GitHubReporter {
	return &GitHubReporter{
		client:  client,
		owner:   owner,
		repo:    repo,
		limiter: rate.NewLimiter(rate.Inf, 1),
	}
}

func (r *GitHubReporter) Report(ctx context.Context, rel release.Release, detail string) error {
	if err := r.limiter.Wait(ctx); err != nil {
		return err
	}
	state := stateFor(rel.Phase)
	description := detail
	if description == "" {
		description = fmt.Sprintf("release %s is %s", rel.ID, rel.Phase)
	}
	// GitHub truncates descriptions over 140 characters; do it cleanly.
	if len(description) > 140 {
		description = description[:137] + "..."
	}
	status := &github.RepoStatus{
		State:       github.String(state),
		Context:     github.String(statusContext),
		Description: github.String(description),
	}
	_, _, err := r.client.Repositories.CreateStatus(ctx, r.owner, r.repo, rel.CommitRef, status)
	return errors.Wrapf(err, "reporting %s for release %s", rel.Phase, rel.ID)
}

func stateFor(phase release.Phase) string {
	switch phase {
	case release.PhaseReady, release.PhaseDeployed:
		return "success"
	case release.PhaseFailed:
		return "failure"
	case release.PhaseSuperseded:
		return "error"
	default:
		return "pending"
	}
}
