package hsm

import "fmt"

// Definition accumulates states and transitions before building a Machine.
type Definition struct {
	states      map[StateID]*State
	order       []StateID
	transitions []*Transition
	initial     StateID
	errs        []error
}

// NewDefinition returns an empty machine definition.
func NewDefinition() *Definition {
	return &Definition{states: make(map[StateID]*State)}
}

// State declares a state. Declaring the same ID twice is a build error.
func (d *Definition) State(id StateID, opts ...StateOption) *Definition {
	if _, dup := d.states[id]; dup {
		d.errs = append(d.errs, fmt.Errorf("duplicate state %q", id))
		return d
	}
	s := &State{ID: id, Type: StateNormal}
	for _, opt := range opts {
		opt(s)
	}
	d.states[id] = s
	d.order = append(d.order, id)
	return d
}

// Transition declares a transition. From may be WildcardState to match any
// state; a transition declared on a composite state applies while the
// machine is in any of its descendants. When several transitions match an
// event, the innermost source wins, then declaration order.
func (d *Definition) Transition(from StateID, event EventID, to StateID, opts ...TransitionOption) *Definition {
	t := &Transition{From: from, Event: event, To: to}
	for _, opt := range opts {
		opt(t)
	}
	d.transitions = append(d.transitions, t)
	return d
}

// Initial sets the state entered by Start.
func (d *Definition) Initial(id StateID) *Definition {
	d.initial = id
	return d
}

// Build validates the definition and returns a runnable machine.
func (d *Definition) Build() (*Machine, error) {
	if len(d.errs) > 0 {
		return nil, d.errs[0]
	}
	if d.initial == "" {
		return nil, fmt.Errorf("no initial state")
	}
	if _, ok := d.states[d.initial]; !ok {
		return nil, fmt.Errorf("initial state %q not declared", d.initial)
	}

	for _, id := range d.order {
		s := d.states[id]
		if s.Parent == "" {
			continue
		}
		p, ok := d.states[s.Parent]
		if !ok {
			return nil, fmt.Errorf("state %q: parent %q not declared", id, s.Parent)
		}
		if p == s {
			return nil, fmt.Errorf("state %q is its own parent", id)
		}
		s.parent = p
		p.children = append(p.children, s)
	}
	for _, id := range d.order {
		s := d.states[id]
		depth := 0
		for p := s.parent; p != nil; p = p.parent {
			depth++
			if depth > maxDepth {
				return nil, fmt.Errorf("state %q: parent chain exceeds %d levels (cycle?)", id, maxDepth)
			}
		}
		s.depth = depth
	}
	for _, id := range d.order {
		s := d.states[id]
		if len(s.children) == 0 {
			if s.Initial != "" {
				return nil, fmt.Errorf("state %q declares initial child %q but has no children", id, s.Initial)
			}
			continue
		}
		if s.Initial == "" {
			return nil, fmt.Errorf("composite state %q: no initial child", id)
		}
		c, ok := d.states[s.Initial]
		if !ok || c.parent != s {
			return nil, fmt.Errorf("composite state %q: initial %q is not a direct child", id, s.Initial)
		}
	}

	byEvent := make(map[EventID][]*Transition)
	condOut := make(map[StateID][]*Transition)
	for _, t := range d.transitions {
		var from *State
		if t.From != WildcardState {
			var ok bool
			from, ok = d.states[t.From]
			if !ok {
				return nil, fmt.Errorf("transition %s --%s--> %s: source not declared", t.From, t.Event, t.To)
			}
		}
		if _, ok := d.states[t.To]; !ok {
			return nil, fmt.Errorf("transition %s --%s--> %s: target not declared", t.From, t.Event, t.To)
		}
		if from != nil && from.Type == StateFinal {
			return nil, fmt.Errorf("final state %q has an outgoing transition", t.From)
		}
		if t.Event == NoEvent {
			if from == nil || from.Type != StateCondition {
				return nil, fmt.Errorf("transition %s --> %s: eventless source must be a condition state", t.From, t.To)
			}
			condOut[t.From] = append(condOut[t.From], t)
			continue
		}
		byEvent[t.Event] = append(byEvent[t.Event], t)
	}
	for _, id := range d.order {
		s := d.states[id]
		if s.Type == StateCondition && len(condOut[id]) == 0 {
			return nil, fmt.Errorf("condition state %q has no eventless transitions", id)
		}
	}

	return &Machine{
		states:  d.states,
		byEvent: byEvent,
		condOut: condOut,
		initial: d.initial,
		timers:  make(map[string]*timerEntry),
	}, nil
}
