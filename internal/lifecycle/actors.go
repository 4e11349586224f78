package lifecycle

import "strings"

// Actor identifies the principal requesting a state change. Actors are
// opaque authorization labels; they carry no credentials.
type Actor string

const (
	// ActorSystem is the orchestrator itself: job creation, lease reclaim,
	// and administrative transitions.
	ActorSystem Actor = "system"
	// ActorUser is an external caller, e.g. a retry request.
	ActorUser Actor = "user"

	// workerPrefix namespaces stage worker identities.
	workerPrefix = "worker:"
)

// WorkerActor returns the actor identity for the worker of a named stage.
func WorkerActor(stage string) Actor {
	return Actor(workerPrefix + stage)
}

// IsWorker reports whether the actor is a stage worker.
func (a Actor) IsWorker() bool {
	return strings.HasPrefix(string(a), workerPrefix)
}

// Stage returns the stage name for a worker actor, or "" for system/user.
func (a Actor) Stage() string {
	if !a.IsWorker() {
		return ""
	}
	return strings.TrimPrefix(string(a), workerPrefix)
}

// String returns the actor label.
func (a Actor) String() string {
	return string(a)
}
