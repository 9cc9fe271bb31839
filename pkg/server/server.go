// Package server implements api.Server on top of the coordinator, which
// is what the daemon exposes over HTTP.
package server

import (
	"context"

	"github.com/pkg/errors"

	"github.com/kolonialno/sacar/pkg/api"
	"github.com/kolonialno/sacar/pkg/release"
)

// Coordinator is the release lifecycle surface the server delegates to.
type Coordinator interface {
	HandlePush(ctx context.Context, branch, commitRef string) (release.ID, error)
	HandleBuildReady(ctx context.Context, id release.ID, artifactRef, checksum string) error
	HandleDeploy(ctx context.Context, id release.ID) error
	Status(ctx context.Context, id release.ID) (release.Release, error)
	List(ctx context.Context) ([]release.Release, error)
}

// Pinger reports whether the state store is reachable; a daemon that
// cannot reach its store is not healthy.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Server struct {
	version string
	coord   Coordinator
	store   Pinger
}

var _ api.Server = &Server{}

func New(version string, coord Coordinator, store Pinger) *Server {
	return &Server{version: version, coord: coord, store: store}
}

func (s *Server) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Server) Version(ctx context.Context) (string, error) {
	return s.version, nil
}

func (s *Server) TriggerPush(ctx context.Context, t api.Trigger) (release.ID, error) {
	return s.coord.HandlePush(ctx, t.Branch, t.CommitRef)
}

func (s *Server) NotifyBuildReady(ctx context.Context, b api.BuildReady) error {
	if b.ReleaseID == "" || b.ArtifactRef == "" {
		return errors.New("build notification needs a release id and an artifact location")
	}
	return s.coord.HandleBuildReady(ctx, b.ReleaseID, b.ArtifactRef, b.Checksum)
}

func (s *Server) DeployRelease(ctx context.Context, id release.ID) error {
	return s.coord.HandleDeploy(ctx, id)
}

func (s *Server) GetRelease(ctx context.Context, id release.ID) (release.Release, error) {
	return s.coord.Status(ctx, id)
}

func (s *Server) ListReleases(ctx context.Context) ([]release.Release, error) {
	return s.coord.List(ctx)
}
