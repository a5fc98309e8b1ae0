package hsm

// Context is passed to guards, actions and state callbacks.
type Context struct {
	// Machine is the machine executing the callback.
	Machine *Machine
	// Event is the event that triggered the current step. It is the zero
	// Event for entries caused by Start or SetState, and retains the
	// original triggering event across condition-state evaluation.
	Event Event
	// FromState is the leaf state the machine occupied before the current
	// transition began.
	FromState StateID
}
