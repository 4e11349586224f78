package lifecycle

import (
	"errors"
	"fmt"
)

// Sentinel errors for transition validation. Callers distinguish the two
// with errors.Is: an unknown transition is a logic bug in the caller, an
// unauthorized actor is a policy rejection.
var (
	ErrUnknownTransition = errors.New("unknown transition")
	ErrUnauthorizedActor = errors.New("actor not authorized for transition")
)

// actorClass is the authorization granularity of the transition table.
// Stage-specific worker checks (e.g. only the claiming stage's worker may
// start a job) are enforced by the worker skeleton, which knows which stage
// it is; the table only distinguishes system, user, and "some stage worker".
type actorClass struct {
	system bool
	user   bool
	worker bool
}

func (c actorClass) allows(a Actor) bool {
	switch {
	case a == ActorSystem:
		return c.system
	case a == ActorUser:
		return c.user
	case a.IsWorker():
		return c.worker
	default:
		return false
	}
}

type transition struct {
	from, to State
}

// transitionTable is the fixed authorization matrix. Any (from, to) pair not
// present is illegal for every actor.
var transitionTable = map[transition]actorClass{
	{StateNew, StateClaimed}:     {system: true, worker: true},
	{StateClaimed, StateRunning}: {worker: true},
	{StateClaimed, StateNew}:     {system: true},
	{StateRunning, StateDone}:    {worker: true},
	{StateRunning, StateFailed}:  {worker: true},
	{StateRunning, StateNew}:     {system: true},
	{StateDone, StateClaimed}:    {system: true, worker: true},
	{StateFailed, StateNew}:      {system: true, user: true},
}

// Validate checks whether actor may move a job from one state to another.
// It is pure: no side effects, no filesystem access.
func Validate(from, to State, actor Actor) error {
	class, ok := transitionTable[transition{from, to}]
	if !ok {
		return fmt.Errorf("%w: %s -> %s", ErrUnknownTransition, from, to)
	}
	if !class.allows(actor) {
		return fmt.Errorf("%w: %s -> %s by %s", ErrUnauthorizedActor, from, to, actor)
	}
	return nil
}

// ValidNextStates returns the states reachable from the given state by any
// actor, in AllStates order.
func ValidNextStates(from State) []State {
	var next []State
	for _, to := range AllStates() {
		if _, ok := transitionTable[transition{from, to}]; ok {
			next = append(next, to)
		}
	}
	return next
}

// AuthorizedActors returns the actor identities allowed to perform the
// transition. Worker authorization is reported as the wildcard "worker:*"
// because the table does not bind transitions to a particular stage.
func AuthorizedActors(from, to State) []Actor {
	class, ok := transitionTable[transition{from, to}]
	if !ok {
		return nil
	}
	var actors []Actor
	if class.system {
		actors = append(actors, ActorSystem)
	}
	if class.user {
		actors = append(actors, ActorUser)
	}
	if class.worker {
		actors = append(actors, Actor(workerPrefix+"*"))
	}
	return actors
}
