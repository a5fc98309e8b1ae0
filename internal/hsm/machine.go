// Package hsm implements a small hierarchical state machine with
// run-to-completion event dispatch, condition pseudostates and stale-safe
// timers. Machines are described with the fluent Definition builder and
// driven by Send/SendSync; dispatch runs on a single goroutine so guards
// and actions never race each other.
package hsm

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

const (
	queueSize        = 64
	maxDepth         = 16
	maxConditionHops = 16
)

type queued struct {
	event  Event
	timer  string
	gen    uint64
	action func(*Context) error
	done   chan error
}

type timerEntry struct {
	timer *time.Timer
	gen   uint64
	scope TimerScope
	owner StateID
}

// Machine executes a built definition.
type Machine struct {
	states  map[StateID]*State
	byEvent map[EventID][]*Transition
	condOut map[StateID][]*Transition
	initial StateID

	mu      sync.Mutex // serialises steps
	current *State

	stateMu sync.RWMutex
	leaf    StateID

	timerMu  sync.Mutex
	timers   map[string]*timerEntry
	timerGen uint64

	queue   chan queued
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool

	onChange func(from, to StateID, cause Event)
}

// OnStateChange registers an observer invoked after every committed
// transition with the previous leaf, the new leaf and the causing event.
// The callback runs on the dispatch goroutine and must not call SendSync;
// Send is safe. Register before Start.
func (m *Machine) OnStateChange(fn func(from, to StateID, cause Event)) {
	m.onChange = fn
}

// CurrentState returns the active leaf state.
func (m *Machine) CurrentState() StateID {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()
	return m.leaf
}

// CurrentPath returns the dotted root-to-leaf path of the active leaf.
func (m *Machine) CurrentPath() string {
	return m.Path(m.CurrentState())
}

// Path returns the dotted root-to-leaf path of the given state, or the
// bare ID if the state is unknown.
func (m *Machine) Path(id StateID) string {
	s, ok := m.states[id]
	if !ok {
		return string(id)
	}
	parts := make([]string, s.depth+1)
	for i := s.depth; i >= 0; i-- {
		parts[i] = string(s.ID)
		s = s.parent
	}
	return strings.Join(parts, ".")
}

// Start enters the initial state, runs any immediate condition
// evaluation, and launches the dispatch loop. Events sent from entry
// actions are processed once Start returns.
func (m *Machine) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return fmt.Errorf("machine already started")
	}
	m.started = true
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.queue = make(chan queued, queueSize)
	err := m.enterInitial()
	m.mu.Unlock()

	m.wg.Add(1)
	go m.loop()
	return err
}

// Stop halts the dispatch loop and cancels all timers. Events still
// queued are discarded.
func (m *Machine) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
	m.timerMu.Lock()
	for name, e := range m.timers {
		e.timer.Stop()
		delete(m.timers, name)
	}
	m.timerMu.Unlock()
}

// Send enqueues an event for asynchronous processing. It never blocks; if
// the queue is full the event is dropped with a warning. Safe to call
// from any goroutine, including machine callbacks.
func (m *Machine) Send(ev Event) {
	m.enqueue(queued{event: ev})
}

// SendSync dispatches an event and waits for the run-to-completion step
// to finish, returning the first error raised by an action. It must not
// be called from machine callbacks.
func (m *Machine) SendSync(ev Event) error {
	if m.ctx == nil {
		return fmt.Errorf("machine not started")
	}
	done := make(chan error, 1)
	m.enqueue(queued{event: ev, done: done})
	select {
	case err := <-done:
		return err
	case <-m.ctx.Done():
		return m.ctx.Err()
	}
}

// SetState force-jumps the machine: exit actions run up from the current
// leaf, entry actions run down to the target, followed by initial descent
// and condition evaluation. Intended for tests and state restoration; no
// transition lookup is performed.
func (m *Machine) SetState(id StateID) error {
	target, ok := m.states[id]
	if !ok {
		return fmt.Errorf("unknown state %q", id)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	c := &Context{Machine: m}
	var prev StateID
	if m.current != nil {
		prev = m.current.ID
		c.FromState = prev
		for s := m.current; s != nil; s = s.parent {
			m.exitState(s, c)
		}
	}
	for _, s := range pathOf(target) {
		m.enterState(s, c)
	}
	leaf, descendErr := m.descend(target, c)
	m.current = leaf
	m.setLeaf(leaf.ID)
	m.notify(prev, leaf.ID, Event{})
	if err := m.settle(Event{}); err != nil {
		return err
	}
	return descendErr
}

// StartTimer starts or restarts a named timer that sends the given event
// when it fires. Restarting or stopping invalidates fires already queued
// under the old arming (they are discarded before dispatch).
func (m *Machine) StartTimer(name string, d time.Duration, ev Event) {
	m.startTimer(name, d, ev, TimerScopeGlobal, "", nil)
}

// StopTimer cancels a named timer. A fire already queued is discarded.
func (m *Machine) StopTimer(name string) {
	m.timerMu.Lock()
	defer m.timerMu.Unlock()
	if e, ok := m.timers[name]; ok {
		e.timer.Stop()
		delete(m.timers, name)
	}
}

func (m *Machine) startTimer(name string, d time.Duration, ev Event, scope TimerScope, owner StateID, action func(*Context) error) {
	m.timerMu.Lock()
	defer m.timerMu.Unlock()
	if old, ok := m.timers[name]; ok {
		old.timer.Stop()
	}
	m.timerGen++
	gen := m.timerGen
	entry := &timerEntry{gen: gen, scope: scope, owner: owner}
	entry.timer = time.AfterFunc(d, func() {
		m.enqueue(queued{event: ev, timer: name, gen: gen, action: action})
	})
	m.timers[name] = entry
}

// takeTimerFire validates a queued fire against the current arming and
// consumes the timer entry when it matches.
func (m *Machine) takeTimerFire(name string, gen uint64) bool {
	m.timerMu.Lock()
	defer m.timerMu.Unlock()
	e, ok := m.timers[name]
	if !ok || e.gen != gen {
		return false
	}
	delete(m.timers, name)
	return true
}

func (m *Machine) cancelStateTimers(owner StateID) {
	m.timerMu.Lock()
	defer m.timerMu.Unlock()
	for name, e := range m.timers {
		if e.scope == TimerScopeState && e.owner == owner {
			e.timer.Stop()
			delete(m.timers, name)
		}
	}
}

func (m *Machine) enqueue(q queued) {
	select {
	case m.queue <- q:
	default:
		Logger.Warn("event queue full, dropping event", "event", q.event.ID)
		if q.done != nil {
			q.done <- fmt.Errorf("event queue full")
		}
	}
}

func (m *Machine) loop() {
	defer m.wg.Done()
	for {
		select {
		case <-m.ctx.Done():
			return
		case q := <-m.queue:
			err := m.step(q)
			if q.done != nil {
				q.done <- err
			}
		}
	}
}

func (m *Machine) step(q queued) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if q.timer != "" {
		if !m.takeTimerFire(q.timer, q.gen) {
			Logger.Debug("stale timer fire dropped", "timer", q.timer, "event", q.event.ID)
			return nil
		}
		if q.action != nil {
			c := &Context{Machine: m, Event: q.event, FromState: m.current.ID}
			if err := q.action(c); err != nil {
				Logger.Error("timeout action failed", "timer", q.timer, "error", err)
			}
		}
	}
	return m.dispatch(q.event)
}

func (m *Machine) dispatch(ev Event) error {
	t := m.resolve(ev)
	if t == nil {
		Logger.Debug("event dropped", "event", ev.ID, "state", m.current.ID)
		return nil
	}
	if err := m.fire(t, ev); err != nil {
		return err
	}
	return m.settle(ev)
}

// resolve finds the transition for an event: the active leaf first, then
// its ancestors, then wildcard transitions; within each source,
// declaration order.
func (m *Machine) resolve(ev Event) *Transition {
	candidates := m.byEvent[ev.ID]
	if len(candidates) == 0 {
		return nil
	}
	c := &Context{Machine: m, Event: ev, FromState: m.current.ID}
	for s := m.current; s != nil; s = s.parent {
		for _, t := range candidates {
			if t.From != s.ID {
				continue
			}
			if t.Guard == nil || t.Guard(c) {
				return t
			}
		}
	}
	for _, t := range candidates {
		if t.From != WildcardState {
			continue
		}
		if t.Guard == nil || t.Guard(c) {
			return t
		}
	}
	return nil
}

// fire executes one transition: exits child-first up to the least common
// ancestor, runs the transition action, enters parent-first down to the
// target, then descends initial children. Transitions to the current
// leaf or to one of its ancestors exit and re-enter the target.
func (m *Machine) fire(t *Transition, ev Event) error {
	from := m.current
	target := m.states[t.To]
	c := &Context{Machine: m, Event: ev, FromState: from.ID}

	fromPath := pathOf(from)
	toPath := pathOf(target)
	lca := 0
	for lca < len(fromPath) && lca < len(toPath) && fromPath[lca] == toPath[lca] {
		lca++
	}
	if lca > 0 && fromPath[lca-1] == target {
		lca--
	}

	var firstErr error
	for i := len(fromPath) - 1; i >= lca; i-- {
		if err := m.exitState(fromPath[i], c); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if t.Action != nil {
		if err := t.Action(c); err != nil {
			Logger.Error("transition action failed", "from", t.From, "event", ev.ID, "to", t.To, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	for i := lca; i < len(toPath); i++ {
		if err := m.enterState(toPath[i], c); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	leaf, err := m.descend(target, c)
	if err != nil && firstErr == nil {
		firstErr = err
	}

	m.current = leaf
	m.setLeaf(leaf.ID)
	m.notify(from.ID, leaf.ID, ev)
	return firstErr
}

// settle drains condition states: while the active leaf is a condition
// state, fire its first eventless transition whose guard passes.
func (m *Machine) settle(cause Event) error {
	for hops := 0; hops < maxConditionHops; hops++ {
		cur := m.current
		if cur.Type != StateCondition {
			return nil
		}
		c := &Context{Machine: m, Event: cause, FromState: cur.ID}
		var picked *Transition
		for _, t := range m.condOut[cur.ID] {
			if t.Guard == nil || t.Guard(c) {
				picked = t
				break
			}
		}
		if picked == nil {
			Logger.Error("condition state has no passing transition", "state", cur.ID)
			return fmt.Errorf("condition state %q: no transition passed", cur.ID)
		}
		if err := m.fire(picked, cause); err != nil {
			return err
		}
	}
	return fmt.Errorf("condition chain exceeded %d hops", maxConditionHops)
}

func (m *Machine) enterInitial() error {
	target := m.states[m.initial]
	c := &Context{Machine: m}
	var firstErr error
	for _, s := range pathOf(target) {
		if err := m.enterState(s, c); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	leaf, err := m.descend(target, c)
	if err != nil && firstErr == nil {
		firstErr = err
	}
	m.current = leaf
	m.setLeaf(leaf.ID)
	m.notify("", leaf.ID, Event{})
	if err := m.settle(Event{}); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// descend walks a composite's initial children until reaching a leaf,
// running entry actions along the way. The first entry error is returned
// so callers report it like any other entry on the target path.
func (m *Machine) descend(s *State, c *Context) (*State, error) {
	var firstErr error
	for len(s.children) > 0 {
		child := m.states[s.Initial]
		if err := m.enterState(child, c); err != nil && firstErr == nil {
			firstErr = err
		}
		s = child
	}
	return s, firstErr
}

func (m *Machine) enterState(s *State, c *Context) error {
	Logger.Debug("enter state", "state", s.ID)
	var err error
	if s.OnEnter != nil {
		if err = s.OnEnter(c); err != nil {
			Logger.Error("entry action failed", "state", s.ID, "error", err)
		}
	}
	if s.timeout != nil {
		m.startTimer(stateTimerName(s.ID), s.timeout.duration,
			Event{ID: s.timeout.event}, TimerScopeState, s.ID, s.timeout.action)
	}
	return err
}

func (m *Machine) exitState(s *State, c *Context) error {
	Logger.Debug("exit state", "state", s.ID)
	m.cancelStateTimers(s.ID)
	var err error
	if s.OnExit != nil {
		if err = s.OnExit(c); err != nil {
			Logger.Error("exit action failed", "state", s.ID, "error", err)
		}
	}
	return err
}

func (m *Machine) setLeaf(id StateID) {
	m.stateMu.Lock()
	m.leaf = id
	m.stateMu.Unlock()
}

func (m *Machine) notify(from, to StateID, cause Event) {
	Logger.Debug("state transition", "from", from, "to", to, "event", cause.ID)
	if m.onChange != nil {
		m.onChange(from, to, cause)
	}
}

func pathOf(s *State) []*State {
	path := make([]*State, s.depth+1)
	for i := s.depth; i >= 0; i-- {
		path[i] = s
		s = s.parent
	}
	return path
}

func stateTimerName(id StateID) string {
	return "__timeout:" + string(id)
}
