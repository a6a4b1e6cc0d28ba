package domain

import "fmt"

// State is the lifecycle state of a supervised service.
type State int

const (
	StatePending State = iota
	StateBuilding
	StateStarting
	StateRunning
	StateCrashed
	StateRestarting
	StateStopped
	StateFailed
	StatePermanentlyFailed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateBuilding:
		return "building"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateCrashed:
		return "crashed"
	case StateRestarting:
		return "restarting"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	case StatePermanentlyFailed:
		return "permanently_failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateStopped || s == StateFailed || s == StatePermanentlyFailed
}

// Event is something that happens to a supervised service: a step the
// supervisor takes, or an observation about the managed process.
type Event int

const (
	EventBuild   Event = iota // build pipeline invoked
	EventSpawn                // run command spawned
	EventReady                // readiness probe succeeded
	EventExit                 // process exited without being asked to
	EventBackoff              // restart scheduled after a crash
	EventGiveUp               // restart attempts exhausted
	EventFail                 // unrecoverable build/spawn/startup error
	EventStop                 // supervised shutdown requested
)

func (e Event) String() string {
	switch e {
	case EventBuild:
		return "build"
	case EventSpawn:
		return "spawn"
	case EventReady:
		return "ready"
	case EventExit:
		return "exit"
	case EventBackoff:
		return "backoff"
	case EventGiveUp:
		return "give_up"
	case EventFail:
		return "fail"
	case EventStop:
		return "stop"
	default:
		return fmt.Sprintf("event(%d)", int(e))
	}
}

// Next is the pure transition function of the service lifecycle. It returns
// an error for transitions the state machine does not allow; the supervisor
// treats such an error as an internal defect, never as a service failure.
func Next(s State, e Event) (State, error) {
	switch e {
	case EventBuild:
		if s == StatePending {
			return StateBuilding, nil
		}
	case EventSpawn:
		switch s {
		case StatePending, StateBuilding, StateRestarting:
			return StateStarting, nil
		}
	case EventReady:
		if s == StateStarting {
			return StateRunning, nil
		}
	case EventExit:
		switch s {
		case StateRunning, StateStarting:
			return StateCrashed, nil
		}
	case EventBackoff:
		if s == StateCrashed {
			return StateRestarting, nil
		}
	case EventGiveUp:
		if s == StateCrashed {
			return StatePermanentlyFailed, nil
		}
	case EventFail:
		switch s {
		case StatePending, StateBuilding, StateStarting, StateRestarting:
			return StateFailed, nil
		}
	case EventStop:
		if !s.Terminal() {
			return StateStopped, nil
		}
	}
	return s, fmt.Errorf("no transition from %s on %s", s, e)
}
