package hsm

import "time"

// stateTimeout describes a timer armed automatically on state entry.
type stateTimeout struct {
	duration time.Duration
	event    EventID
	action   func(*Context) error
}

// State is a node in the state hierarchy.
type State struct {
	ID      StateID
	Type    StateType
	Parent  StateID
	Initial StateID

	OnEnter func(*Context) error
	OnExit  func(*Context) error

	timeout *stateTimeout

	// resolved by Build
	parent   *State
	children []*State
	depth    int
}

// StateOption configures a state.
type StateOption func(*State)

// WithParent nests the state under the given composite state.
func WithParent(parent StateID) StateOption {
	return func(s *State) { s.Parent = parent }
}

// WithInitial designates the child entered when a transition targets the
// composite state itself. Every composite state must declare one.
func WithInitial(child StateID) StateOption {
	return func(s *State) { s.Initial = child }
}

// WithType sets the state kind. States default to StateNormal.
func WithType(t StateType) StateOption {
	return func(s *State) { s.Type = t }
}

// WithOnEnter sets the entry action, invoked parent-first when the state
// is entered.
func WithOnEnter(fn func(*Context) error) StateOption {
	return func(s *State) { s.OnEnter = fn }
}

// WithOnExit sets the exit action, invoked child-first when the state is
// exited.
func WithOnExit(fn func(*Context) error) StateOption {
	return func(s *State) { s.OnExit = fn }
}

// WithTimeout arms a state-scoped timer on entry that sends the given
// event when it fires. The optional action runs just before the event is
// dispatched. The timer is cancelled on exit; a fire that was already
// queued when the state was left is discarded. Self-transitions restart
// the timer.
func WithTimeout(d time.Duration, event EventID, action ...func(*Context) error) StateOption {
	return func(s *State) {
		t := &stateTimeout{duration: d, event: event}
		if len(action) > 0 {
			t.action = action[0]
		}
		s.timeout = t
	}
}
