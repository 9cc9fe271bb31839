// Package api defines the coordinator's API surface: the request and
// response types, and the Server interface implemented both by the
// coordinator-backed server and by the HTTP client, so callers cannot
// tell a local server from a remote one.
package api

import (
	"context"

	"github.com/kolonialno/sacar/pkg/release"
)

// Trigger announces a push of a commit to a branch.
type Trigger struct {
	Branch    string `json:"branch"`
	CommitRef string `json:"commitRef"`
}

// BuildReady announces that the build pipeline produced an artifact for
// a previously triggered release.
type BuildReady struct {
	ReleaseID   release.ID `json:"releaseId"`
	ArtifactRef string     `json:"artifactRef"`
	Checksum    string     `json:"checksum,omitempty"`
}

type Server interface {
	Ping(ctx context.Context) error
	Version(ctx context.Context) (string, error)

	TriggerPush(ctx context.Context, t Trigger) (release.ID, error)
	NotifyBuildReady(ctx context.Context, b BuildReady) error
	DeployRelease(ctx context.Context, id release.ID) error

	GetRelease(ctx context.Context, id release.ID) (release.Release, error)
	ListReleases(ctx context.Context) ([]release.Release, error)
}
