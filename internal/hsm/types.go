package hsm

import (
	"log/slog"
)

// StateID uniquely identifies a state within a machine.
type StateID string

// EventID identifies an event type.
type EventID string

// StateType describes the kind of a state.
type StateType int

const (
	// StateNormal is a regular state the machine can rest in.
	StateNormal StateType = iota
	// StateCondition evaluates its outgoing transitions immediately on
	// entry and leaves through the first one whose guard passes.
	StateCondition
	// StateFinal marks a terminal state with no outgoing transitions.
	StateFinal
)

// TimerScope determines when a timer is automatically cancelled.
type TimerScope int

const (
	// TimerScopeGlobal timers persist across state changes.
	TimerScopeGlobal TimerScope = iota
	// TimerScopeState timers are cancelled when the machine leaves the
	// state that started them.
	TimerScopeState
)

// Logger is the package-level logger used by machines. Defaults to slog.Default().
var Logger = slog.Default()
