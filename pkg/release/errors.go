package release

import (
	"fmt"
	"strings"
)

// Kind classifies errors so callers can decide whether to retry, and so
// agent reports stay meaningful after a round trip through the store.
type Kind string

const (
	// Artifact download failed; worth retrying.
	KindTransport Kind = "transport"
	// The archive does not match the required layout; retrying won't help.
	KindArtifactFormat Kind = "artifact-format"
	// Installing the vendored dependency set failed.
	KindDependencyInstall Kind = "dependency-install"
	// A lifecycle hook exited non-zero.
	KindHookExecution Kind = "hook-execution"
	// The coordinator gave up waiting for agents.
	KindConvergenceTimeout Kind = "convergence-timeout"
	// The state store could not be reached; transient.
	KindStoreUnavailable Kind = "store-unavailable"
	// Catch-all for unclassified failures.
	KindInternal Kind = "internal"
)

// Error is a classified error with an operator-facing help text, in
// addition to the underlying error kept for logs.
type Error struct {
	Kind Kind
	Help string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable reports whether the operation that produced this error may
// succeed if attempted again.
func (e *Error) Retryable() bool {
	return e.Kind == KindTransport || e.Kind == KindStoreUnavailable
}

// KindOf extracts the Kind from err, walking wrapped errors, or returns
// the empty Kind when err is not classified.
func KindOf(err error) Kind {
	for err != nil {
		if e, ok := err.(*Error); ok {
			return e.Kind
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return ""
		}
		err = u.Unwrap()
	}
	return ""
}

func TransportError(err error) *Error {
	return &Error{
		Kind: KindTransport,
		Help: "Downloading the release artifact failed. This is usually transient; the download is retried a bounded number of times.",
		Err:  err,
	}
}

func ArtifactFormatError(err error) *Error {
	return &Error{
		Kind: KindArtifactFormat,
		Help: "The release artifact does not match the required layout (manifest, vendored dependencies, bin/prepare, bin/deploy). Fix the build pipeline; this is not retried.",
		Err:  err,
	}
}

func DependencyInstallError(err error) *Error {
	return &Error{
		Kind: KindDependencyInstall,
		Help: "Installing the vendored dependency set failed on this machine. See the captured installer output.",
		Err:  err,
	}
}

func HookExecutionError(name string, exitCode int, err error) *Error {
	return &Error{
		Kind: KindHookExecution,
		Help: fmt.Sprintf("The %s hook exited with status %d. Its captured output is attached to the agent report.", name, exitCode),
		Err:  err,
	}
}

// ConvergenceTimeoutError names the agents that never reported, so the
// external status can say exactly who was silent.
func ConvergenceTimeoutError(missing []string) *Error {
	return &Error{
		Kind: KindConvergenceTimeout,
		Help: "One or more agents did not report within the configured phase timeout. They may be slow, partitioned, or dead; no cancellation is sent to them.",
		Err:  fmt.Errorf("timed out waiting for agents: %s", strings.Join(missing, ", ")),
	}
}

func StoreUnavailableError(err error) *Error {
	return &Error{
		Kind: KindStoreUnavailable,
		Help: "The state store could not be reached. Operations are retried with backoff; a single store outage is not fatal.",
		Err:  err,
	}
}
