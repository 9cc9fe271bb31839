package http

const (
	Ping    = "Ping"
	Version = "Version"

	TriggerPush   = "TriggerPush"
	BuildReady    = "BuildReady"
	DeployRelease = "DeployRelease"
	GetRelease    = "GetRelease"
	ListReleases  = "ListReleases"
)
