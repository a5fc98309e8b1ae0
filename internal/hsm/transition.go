package hsm

// Transition connects two states through an event.
type Transition struct {
	From  StateID
	Event EventID
	To    StateID

	Guard  func(*Context) bool
	Action func(*Context) error
}

// WildcardState matches any state when used as a transition source.
// Wildcard transitions are consulted only after the active leaf and all
// of its ancestors declined the event.
const WildcardState StateID = "*"

// TransitionOption configures a transition.
type TransitionOption func(*Transition)

// WithGuard sets a guard predicate on a transition.
func WithGuard(guard func(*Context) bool) TransitionOption {
	return WithGuards(guard)
}

// WithGuards sets multiple guard predicates on a transition, all of which must pass.
func WithGuards(guards ...func(*Context) bool) TransitionOption {
	return func(t *Transition) {
		if len(guards) == 0 {
			return
		}
		if len(guards) == 1 {
			t.Guard = guards[0]
			return
		}
		t.Guard = func(c *Context) bool {
			for _, g := range guards {
				if !g(c) {
					return false
				}
			}
			return true
		}
	}
}

// WithAction sets an action executed when the transition fires, after the
// exit actions of the source path and before the entry actions of the
// target path.
func WithAction(action func(*Context) error) TransitionOption {
	return func(t *Transition) {
		t.Action = action
	}
}
