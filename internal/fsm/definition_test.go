package fsm

import (
	"context"
	"strings"
	"sync"
	"testing"

	"network-service/internal/hsm"
	"network-service/internal/netif"
)

// stubActions satisfies Actions with recording no-ops. Guard results come
// from flags so each test can steer the tree; payload-driven guards read
// the event payload the same way the real system does.
type stubActions struct {
	mu      sync.Mutex
	records []string

	mode        netif.Mode
	attempts    int
	maxAttempts int

	canSelectSta bool
	hasStaCreds  bool
	targetSSID   string
	opSeq        uint64
}

func newStubActions() *stubActions {
	return &stubActions{maxAttempts: DefaultMaxConnectAttempts, targetSSID: "HomeNet"}
}

func (s *stubActions) record(what string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, what)
}

func (s *stubActions) recorded() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.records))
	copy(out, s.records)
	return out
}

func (s *stubActions) has(what string) bool {
	for _, r := range s.recorded() {
		if r == what {
			return true
		}
	}
	return false
}

// Entry actions

func (s *stubActions) EnterInitialising(c *hsm.Context) error { s.record("enter:initialising"); return nil }
func (s *stubActions) EnterApInactive(c *hsm.Context) error   { s.record("enter:ap-inactive"); return nil }
func (s *stubActions) EnterApActivating(c *hsm.Context) error {
	s.record("enter:ap-activating")
	return nil
}
func (s *stubActions) EnterApActive(c *hsm.Context) error { s.record("enter:ap-active"); return nil }
func (s *stubActions) EnterApDeactivating(c *hsm.Context) error {
	s.record("enter:ap-deactivating")
	return nil
}
func (s *stubActions) EnterStaInactive(c *hsm.Context) error { s.record("enter:sta-inactive"); return nil }
func (s *stubActions) EnterStaActivating(c *hsm.Context) error {
	s.record("enter:sta-activating")
	return nil
}
func (s *stubActions) EnterStaActive(c *hsm.Context) error { s.record("enter:sta-active"); return nil }
func (s *stubActions) EnterStaDisconnected(c *hsm.Context) error {
	s.record("enter:sta-disconnected")
	return nil
}
func (s *stubActions) EnterStaScanning(c *hsm.Context) error { s.record("enter:sta-scanning"); return nil }
func (s *stubActions) EnterStaConnecting(c *hsm.Context) error {
	s.record("enter:sta-connecting")
	s.mu.Lock()
	s.attempts++
	s.mu.Unlock()
	return nil
}
func (s *stubActions) EnterStaConnected(c *hsm.Context) error {
	s.record("enter:sta-connected")
	return nil
}
func (s *stubActions) EnterStaDeactivating(c *hsm.Context) error {
	s.record("enter:sta-deactivating")
	return nil
}
func (s *stubActions) EnterTerminalError(c *hsm.Context) error {
	s.record("enter:terminal-error")
	return nil
}
func (s *stubActions) EnterResetting(c *hsm.Context) error {
	s.record("enter:resetting")
	s.mu.Lock()
	s.attempts = 0
	s.mu.Unlock()
	return nil
}

// Exit actions

func (s *stubActions) ExitApActivating(c *hsm.Context) error  { s.record("exit:ap-activating"); return nil }
func (s *stubActions) ExitApDeactivating(c *hsm.Context) error {
	s.record("exit:ap-deactivating")
	return nil
}
func (s *stubActions) ExitStaActivating(c *hsm.Context) error {
	s.record("exit:sta-activating")
	return nil
}
func (s *stubActions) ExitStaScanning(c *hsm.Context) error { s.record("exit:sta-scanning"); return nil }
func (s *stubActions) ExitStaConnecting(c *hsm.Context) error {
	s.record("exit:sta-connecting")
	return nil
}
func (s *stubActions) ExitStaDeactivating(c *hsm.Context) error {
	s.record("exit:sta-deactivating")
	return nil
}

// Guards

func (s *stubActions) CanSelectSta(c *hsm.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.canSelectSta
}

func (s *stubActions) SelectedSta(c *hsm.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode == netif.ModeSTA
}

func (s *stubActions) HasStaCredentials(c *hsm.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hasStaCreds
}

func (s *stubActions) ShouldRetryConnect(c *hsm.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts < s.maxAttempts
}

// OpAckCurrent mirrors the real identity check; bare completions without
// an OpAck payload count as current so most scenarios stay simple.
func (s *stubActions) OpAckCurrent(c *hsm.Context) bool {
	ack, ok := c.Event.Payload.(OpAck)
	if !ok {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return ack.Seq == s.opSeq
}

func (s *stubActions) LinkIsUp(c *hsm.Context) bool {
	status, ok := c.Event.Payload.(netif.LinkStatus)
	return ok && status.Up()
}

func (s *stubActions) LinkIsDown(c *hsm.Context) bool {
	status, ok := c.Event.Payload.(netif.LinkStatus)
	return ok && !status.Up()
}

func (s *stubActions) ScanFoundTarget(c *hsm.Context) bool {
	entries, ok := c.Event.Payload.([]netif.ScanEntry)
	if !ok {
		return false
	}
	s.mu.Lock()
	target := s.targetSSID
	s.mu.Unlock()
	for _, e := range entries {
		if e.SSID == target {
			return true
		}
	}
	return false
}

// Transition actions

func (s *stubActions) OnSelectSta(c *hsm.Context) error {
	s.record("action:select-sta")
	s.mu.Lock()
	s.mode = netif.ModeSTA
	s.mu.Unlock()
	return nil
}

func (s *stubActions) OnSelectAp(c *hsm.Context) error {
	s.record("action:select-ap")
	s.mu.Lock()
	s.mode = netif.ModeAP
	s.mu.Unlock()
	return nil
}

func (s *stubActions) OnActivateFailed(c *hsm.Context) error {
	s.record("action:activate-failed")
	return nil
}
func (s *stubActions) OnDeactivateFailed(c *hsm.Context) error {
	s.record("action:deactivate-failed")
	return nil
}
func (s *stubActions) OnDeactivateTimedOut(c *hsm.Context) error {
	s.record("action:deactivate-timeout")
	return nil
}
func (s *stubActions) OnScanMiss(c *hsm.Context) error { s.record("action:scan-miss"); return nil }
func (s *stubActions) OnMissingCredentials(c *hsm.Context) error {
	s.record("action:missing-credentials")
	return nil
}
func (s *stubActions) OnConnectExhausted(c *hsm.Context) error {
	s.record("action:connect-exhausted")
	return nil
}
func (s *stubActions) OnReprovision(c *hsm.Context) error { s.record("action:reprovision"); return nil }
func (s *stubActions) OnResetRequested(c *hsm.Context) error {
	s.record("action:reset")
	return nil
}

var _ Actions = (*stubActions)(nil)

func newRunningMachine(t *testing.T, stub *stubActions) *hsm.Machine {
	t.Helper()
	machine, err := NewDefinition(stub).Build()
	if err != nil {
		t.Fatalf("failed to build definition: %v", err)
	}
	if err := machine.Start(context.Background()); err != nil {
		t.Fatalf("failed to start machine: %v", err)
	}
	t.Cleanup(machine.Stop)
	return machine
}

func sendSync(t *testing.T, m *hsm.Machine, id hsm.EventID, payload any) {
	t.Helper()
	if err := m.SendSync(hsm.Event{ID: id, Payload: payload}); err != nil {
		t.Fatalf("event %s failed: %v", id, err)
	}
}

func assertPath(t *testing.T, m *hsm.Machine, want string) {
	t.Helper()
	if got := m.CurrentPath(); got != want {
		t.Errorf("expected path %q, got %q", want, got)
	}
}

// driveToStaDisconnected walks a fresh station machine through activation
// until it rests in the disconnected substate.
func driveToStaDisconnected(t *testing.T, m *hsm.Machine) {
	t.Helper()
	sendSync(t, m, EvActivateRequested, nil)
	sendSync(t, m, EvActivateSucceeded, nil)
	assertPath(t, m, "sta-mode.sta-active.sta-disconnected")
}

func TestModeChoicePicksApWithoutCredentials(t *testing.T) {
	stub := newStubActions()
	machine := newRunningMachine(t, stub)

	assertPath(t, machine, "ap-mode.ap-inactive")
	if !stub.has("action:select-ap") {
		t.Error("expected access point branch to be selected")
	}
	if stub.has("action:select-sta") {
		t.Error("station branch must not be selected without credentials")
	}
}

func TestModeChoicePicksStaWithCredentials(t *testing.T) {
	stub := newStubActions()
	stub.canSelectSta = true
	stub.hasStaCreds = true
	machine := newRunningMachine(t, stub)

	assertPath(t, machine, "sta-mode.sta-inactive")
	if !stub.has("action:select-sta") {
		t.Error("expected station branch to be selected")
	}
}

func TestApActivationSequence(t *testing.T) {
	stub := newStubActions()
	machine := newRunningMachine(t, stub)

	sendSync(t, machine, EvActivateRequested, nil)
	assertPath(t, machine, "ap-mode.ap-activating")

	sendSync(t, machine, EvActivateSucceeded, nil)
	assertPath(t, machine, "ap-mode.ap-active.ap-broadcasting")

	want := []string{"enter:ap-activating", "exit:ap-activating", "enter:ap-active"}
	got := stub.recorded()
	joined := strings.Join(got, " ")
	for _, w := range want {
		if !strings.Contains(joined, w) {
			t.Errorf("expected %q in records %v", w, got)
		}
	}
}

func TestApActivateFailureIsTerminal(t *testing.T) {
	stub := newStubActions()
	machine := newRunningMachine(t, stub)

	sendSync(t, machine, EvActivateRequested, nil)
	sendSync(t, machine, EvActivateFailed, nil)

	assertPath(t, machine, "terminal-error")
	if !stub.has("action:activate-failed") {
		t.Error("expected activate failure to be recorded")
	}
}

func TestApDeactivationReturnsToInactive(t *testing.T) {
	stub := newStubActions()
	machine := newRunningMachine(t, stub)

	sendSync(t, machine, EvActivateRequested, nil)
	sendSync(t, machine, EvActivateSucceeded, nil)
	sendSync(t, machine, EvDeactivateRequested, nil)
	assertPath(t, machine, "ap-mode.ap-deactivating")

	sendSync(t, machine, EvDeactivateSucceeded, nil)
	assertPath(t, machine, "ap-mode.ap-inactive")
}

func TestApDeactivateTimeoutTolerated(t *testing.T) {
	stub := newStubActions()
	machine := newRunningMachine(t, stub)

	sendSync(t, machine, EvActivateRequested, nil)
	sendSync(t, machine, EvActivateSucceeded, nil)
	sendSync(t, machine, EvDeactivateRequested, nil)
	sendSync(t, machine, EvDeactivateTimeout, nil)

	assertPath(t, machine, "ap-mode.ap-inactive")
	if !stub.has("action:deactivate-timeout") {
		t.Error("expected the timed out deactivation to be recorded")
	}
}

func TestStaHappyPathReachesConnected(t *testing.T) {
	stub := newStubActions()
	stub.canSelectSta = true
	stub.hasStaCreds = true
	machine := newRunningMachine(t, stub)
	driveToStaDisconnected(t, machine)

	sendSync(t, machine, EvConnectRequested, nil)
	assertPath(t, machine, "sta-mode.sta-active.sta-scanning")

	sendSync(t, machine, EvScanResult, []netif.ScanEntry{{SSID: "HomeNet", RSSI: -52}})
	assertPath(t, machine, "sta-mode.sta-active.sta-connecting")

	sendSync(t, machine, EvConnectionStatus, netif.LinkStatus{Code: netif.StatusGotIP, IP: "192.168.1.50"})
	assertPath(t, machine, "sta-mode.sta-active.sta-connected")
}

func TestStaConnectRetriesUntilBudgetExhausted(t *testing.T) {
	stub := newStubActions()
	stub.canSelectSta = true
	stub.hasStaCreds = true
	machine := newRunningMachine(t, stub)
	driveToStaDisconnected(t, machine)

	scan := []netif.ScanEntry{{SSID: "HomeNet", RSSI: -60}}
	down := netif.LinkStatus{Code: netif.StatusConnectFail}

	// Two failed attempts leave budget for a third.
	for i := 0; i < 2; i++ {
		sendSync(t, machine, EvConnectRequested, nil)
		sendSync(t, machine, EvScanResult, scan)
		sendSync(t, machine, EvConnectionStatus, down)
		assertPath(t, machine, "sta-mode.sta-active.sta-disconnected")
	}

	// Third failure exhausts the budget.
	sendSync(t, machine, EvConnectRequested, nil)
	sendSync(t, machine, EvScanResult, scan)
	sendSync(t, machine, EvConnectionStatus, down)

	assertPath(t, machine, "terminal-error")
	if !stub.has("action:connect-exhausted") {
		t.Error("expected the exhausted budget to be recorded")
	}
	if stub.attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", stub.attempts)
	}
}

func TestConnectTimeoutCountsAgainstBudget(t *testing.T) {
	stub := newStubActions()
	stub.canSelectSta = true
	stub.hasStaCreds = true
	machine := newRunningMachine(t, stub)
	driveToStaDisconnected(t, machine)

	sendSync(t, machine, EvConnectRequested, nil)
	sendSync(t, machine, EvScanResult, []netif.ScanEntry{{SSID: "HomeNet"}})
	sendSync(t, machine, EvConnectTimeout, nil)

	assertPath(t, machine, "sta-mode.sta-active.sta-disconnected")
	if stub.attempts != 1 {
		t.Errorf("expected 1 attempt consumed, got %d", stub.attempts)
	}
}

func TestScanMissIsTerminal(t *testing.T) {
	stub := newStubActions()
	stub.canSelectSta = true
	stub.hasStaCreds = true
	machine := newRunningMachine(t, stub)
	driveToStaDisconnected(t, machine)

	sendSync(t, machine, EvConnectRequested, nil)
	sendSync(t, machine, EvScanResult, []netif.ScanEntry{{SSID: "SomeoneElse"}})

	assertPath(t, machine, "terminal-error")
	if !stub.has("action:scan-miss") {
		t.Error("expected the scan miss to be recorded")
	}
}

func TestMissingCredentialsAtConnectIsTerminal(t *testing.T) {
	stub := newStubActions()
	stub.canSelectSta = true
	stub.hasStaCreds = true
	machine := newRunningMachine(t, stub)
	driveToStaDisconnected(t, machine)

	// Credentials vanish between mode choice and the connect request.
	stub.mu.Lock()
	stub.hasStaCreds = false
	stub.mu.Unlock()

	sendSync(t, machine, EvConnectRequested, nil)

	assertPath(t, machine, "terminal-error")
	if !stub.has("action:missing-credentials") {
		t.Error("expected the missing credentials to be recorded")
	}
}

func TestLinkLossReentersRetryLoop(t *testing.T) {
	stub := newStubActions()
	stub.canSelectSta = true
	stub.hasStaCreds = true
	machine := newRunningMachine(t, stub)
	driveToStaDisconnected(t, machine)

	sendSync(t, machine, EvConnectRequested, nil)
	sendSync(t, machine, EvScanResult, []netif.ScanEntry{{SSID: "HomeNet"}})
	sendSync(t, machine, EvConnectionStatus, netif.LinkStatus{Code: netif.StatusGotIP, IP: "10.0.0.9"})
	assertPath(t, machine, "sta-mode.sta-active.sta-connected")

	sendSync(t, machine, EvConnectionStatus, netif.LinkStatus{Code: netif.StatusIdle})
	assertPath(t, machine, "sta-mode.sta-active.sta-disconnected")
}

func TestResetWinsFromAnyState(t *testing.T) {
	cases := []struct {
		name  string
		drive func(t *testing.T, m *hsm.Machine)
	}{
		{"from ap-activating", func(t *testing.T, m *hsm.Machine) {
			sendSync(t, m, EvActivateRequested, nil)
		}},
		{"from ap-broadcasting", func(t *testing.T, m *hsm.Machine) {
			sendSync(t, m, EvActivateRequested, nil)
			sendSync(t, m, EvActivateSucceeded, nil)
		}},
		{"from terminal-error", func(t *testing.T, m *hsm.Machine) {
			sendSync(t, m, EvActivateRequested, nil)
			sendSync(t, m, EvActivateFailed, nil)
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			stub := newStubActions()
			machine := newRunningMachine(t, stub)
			tc.drive(t, machine)

			sendSync(t, machine, EvResetRequested, nil)

			// The reset condition state routes straight back through
			// mode choice, which lands in the access point branch.
			assertPath(t, machine, "ap-mode.ap-inactive")
			if !stub.has("action:reset") {
				t.Error("expected the reset to be recorded")
			}
			if !stub.has("enter:resetting") {
				t.Error("expected the resetting state to be entered")
			}
		})
	}
}

func TestReprovisionWhileBroadcasting(t *testing.T) {
	stub := newStubActions()
	machine := newRunningMachine(t, stub)

	sendSync(t, machine, EvActivateRequested, nil)
	sendSync(t, machine, EvActivateSucceeded, nil)
	assertPath(t, machine, "ap-mode.ap-active.ap-broadcasting")

	// Station credentials arrive over the wire while the access point
	// is up: the machine resets and the next mode choice picks station.
	stub.mu.Lock()
	stub.hasStaCreds = true
	stub.canSelectSta = true
	stub.mu.Unlock()

	sendSync(t, machine, EvCredentialsEvaluated, nil)

	assertPath(t, machine, "sta-mode.sta-inactive")
	if !stub.has("action:reprovision") {
		t.Error("expected the reprovision to be recorded")
	}
}

func TestCredentialsEventIgnoredOutsideApActive(t *testing.T) {
	stub := newStubActions()
	stub.canSelectSta = true
	stub.hasStaCreds = true
	machine := newRunningMachine(t, stub)
	driveToStaDisconnected(t, machine)

	sendSync(t, machine, EvCredentialsEvaluated, nil)
	assertPath(t, machine, "sta-mode.sta-active.sta-disconnected")
}

func TestStaDeactivationMirrorsAp(t *testing.T) {
	stub := newStubActions()
	stub.canSelectSta = true
	stub.hasStaCreds = true
	machine := newRunningMachine(t, stub)
	driveToStaDisconnected(t, machine)

	sendSync(t, machine, EvDeactivateRequested, nil)
	assertPath(t, machine, "sta-mode.sta-deactivating")

	sendSync(t, machine, EvDeactivateSucceeded, nil)
	assertPath(t, machine, "sta-mode.sta-inactive")
}

func TestStaleActivationAckDoesNotCommit(t *testing.T) {
	stub := newStubActions()
	machine := newRunningMachine(t, stub)

	sendSync(t, machine, EvActivateRequested, nil)
	assertPath(t, machine, "ap-mode.ap-activating")

	// An acknowledgement from an abandoned request must be dropped, for
	// success and failure alike.
	stub.mu.Lock()
	stub.opSeq = 2
	stub.mu.Unlock()

	sendSync(t, machine, EvActivateSucceeded, OpAck{Seq: 1})
	assertPath(t, machine, "ap-mode.ap-activating")

	sendSync(t, machine, EvActivateFailed, OpAck{Seq: 1})
	assertPath(t, machine, "ap-mode.ap-activating")
	if stub.has("action:activate-failed") {
		t.Error("stale failure must not be recorded")
	}

	// The live acknowledgement still commits.
	sendSync(t, machine, EvActivateSucceeded, OpAck{Seq: 2})
	assertPath(t, machine, "ap-mode.ap-active.ap-broadcasting")
}

func TestUnknownEventLeavesStateUntouched(t *testing.T) {
	stub := newStubActions()
	machine := newRunningMachine(t, stub)

	sendSync(t, machine, hsm.EventID("no-such-event"), nil)
	assertPath(t, machine, "ap-mode.ap-inactive")
}
