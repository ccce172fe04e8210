package relay

import (
	"fmt"
	"time"
)

// State is the orchestrator's logical state.
type State int

const (
	StateAwaitingFirstEvent State = iota
	StatePlaceholderActive
	StateCaptureActive
	StateShuttingDown
)

func (s State) String() string {
	switch s {
	case StateAwaitingFirstEvent:
		return "awaiting-first-event"
	case StatePlaceholderActive:
		return "placeholder-active"
	case StateCaptureActive:
		return "capture-active"
	case StateShuttingDown:
		return "shutting-down"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Role tells an upstream source apart.
type Role int

const (
	RoleCapture Role = iota
	RolePlaceholder
)

func (r Role) String() string {
	if r == RoleCapture {
		return "capture"
	}
	return "placeholder"
}

// Reasons carried by transitions.
const (
	ReasonConsumers   = "consumers"
	ReasonNoConsumers = "no-consumers"
	ReasonSourceError = "source-error"
	ReasonOutputError = "output-error"
	ReasonOutputEOS   = "output-eos"
	ReasonShutdown    = "shutdown"
)

// Transition describes one state change, or a source fault within a state.
type Transition struct {
	From   State
	To     State
	Reason string
	// SessionID identifies the capture activation; empty outside
	// StateCaptureActive.
	SessionID string
	// Err is set for fault transitions.
	Err error
	At  time.Time
}

// Observer is notified of transitions on the event loop. It must not block.
type Observer func(Transition)
