package core

import (
	"context"
	"fmt"

	"network-service/internal/fsm"
	"network-service/internal/hsm"
	"network-service/internal/netif"
	"network-service/internal/types"
)

// Ensure NetworkSystem implements fsm.Actions
var _ fsm.Actions = (*NetworkSystem)(nil)

// initFSM builds and starts the lifecycle machine.
func (s *NetworkSystem) initFSM(ctx context.Context) error {
	machine, err := fsm.NewDefinition(s).Build()
	if err != nil {
		return err
	}
	s.machine = machine

	// Publish every committed transition and map it onto the status LED.
	// The callback runs on the dispatch goroutine, so reading the machine
	// data here is safe.
	machine.OnStateChange(func(from, to hsm.StateID, cause hsm.Event) {
		s.logger.Infof("State transition: %s -> %s (event: %s)", from, to, cause.ID)

		if err := s.redis.PublishNetworkStatus(s.snapshot(to)); err != nil {
			s.logger.Errorf("Failed to publish network state: %v", err)
		}
		s.io.SetPattern(ledPatternFor(to))
	})

	if err := machine.Start(ctx); err != nil {
		return err
	}
	s.logger.Infof("State machine started in %s", machine.CurrentPath())
	return nil
}

// snapshot renders the externally visible state for the Redis mirror.
func (s *NetworkSystem) snapshot(leaf hsm.StateID) types.NetworkStatus {
	mode := ""
	if s.data.Mode != netif.ModeNone {
		mode = s.data.Mode.String()
	}
	return types.NetworkStatus{
		State:        string(leaf),
		Path:         s.machine.Path(leaf),
		Mode:         mode,
		Attempts:     s.data.Attempts,
		Error:        s.data.LastError,
		ErrorMessage: s.data.LastErrorMsg,
		IPAddress:    s.data.IPAddress,
	}
}

// startPhaseTimer arms a machine timer with the current policy bound for
// the phase. Restarting an armed timer invalidates pending fires.
func (s *NetworkSystem) startPhaseTimer(name string, phase fsm.Phase, ev hsm.EventID) {
	s.mu.RLock()
	d := s.policy.Timeout(phase)
	s.mu.RUnlock()
	s.machine.StartTimer(name, d, hsm.Event{ID: ev})
}

// clearReportedFault retracts the fault mirrored to Redis, if any.
func (s *NetworkSystem) clearReportedFault() {
	s.mu.Lock()
	kind := s.reportedFault
	s.reportedFault = types.ErrorKindNone
	s.mu.Unlock()

	if kind != types.ErrorKindNone {
		if err := s.redis.ReportFaultAbsent(kind); err != nil {
			s.logger.Warnf("Failed to clear fault %s: %v", kind, err)
		}
	}
}

// === State Entry Actions ===

func (s *NetworkSystem) EnterInitialising(c *hsm.Context) error {
	s.logger.Debugf("FSM: EnterInitialising (mode: %s)", s.data.Mode)
	// Power the radio rail before the branch activates it.
	if err := s.io.WriteDigitalOutput("wlan_power", true); err != nil {
		s.logger.Warnf("Failed to drive radio power rail: %v", err)
	}
	return nil
}

func (s *NetworkSystem) EnterApInactive(c *hsm.Context) error {
	s.logger.Debugf("FSM: EnterApInactive")
	s.data.ActiveMode = netif.ModeNone
	s.data.PendingMode = netif.ModeNone
	if s.data.AutoActivate {
		s.data.AutoActivate = false
		s.machine.Send(hsm.Event{ID: fsm.EvActivateRequested})
	}
	return nil
}

func (s *NetworkSystem) EnterApActivating(c *hsm.Context) error {
	s.logger.Debugf("FSM: EnterApActivating")
	s.data.PendingMode = netif.ModeAP
	s.enqueueOp(s.nextOp(opActivate, netif.ModeAP, s.apCredentials()))
	s.startPhaseTimer(fsm.TimerActivate, fsm.PhaseActivate, fsm.EvActivateTimeout)
	return nil
}

func (s *NetworkSystem) EnterApActive(c *hsm.Context) error {
	creds := s.apCredentials()
	s.logger.Infof("Access point up, broadcasting %q", creds.SSID)
	s.data.ActiveMode = netif.ModeAP
	s.data.PendingMode = netif.ModeNone
	s.persistApDefaults(creds)
	s.clearReportedFault()
	return nil
}

func (s *NetworkSystem) EnterApDeactivating(c *hsm.Context) error {
	s.logger.Debugf("FSM: EnterApDeactivating")
	s.enqueueOp(s.nextOp(opDeactivate, netif.ModeAP, netif.Credentials{}))
	s.startPhaseTimer(fsm.TimerDeactivate, fsm.PhaseDeactivate, fsm.EvDeactivateTimeout)
	return nil
}

func (s *NetworkSystem) EnterStaInactive(c *hsm.Context) error {
	s.logger.Debugf("FSM: EnterStaInactive")
	s.data.ActiveMode = netif.ModeNone
	s.data.PendingMode = netif.ModeNone
	if s.data.AutoActivate {
		s.data.AutoActivate = false
		s.machine.Send(hsm.Event{ID: fsm.EvActivateRequested})
	}
	return nil
}

func (s *NetworkSystem) EnterStaActivating(c *hsm.Context) error {
	s.logger.Debugf("FSM: EnterStaActivating")
	s.data.PendingMode = netif.ModeSTA
	s.enqueueOp(s.nextOp(opActivate, netif.ModeSTA, s.staCredentials()))
	s.startPhaseTimer(fsm.TimerActivate, fsm.PhaseActivate, fsm.EvActivateTimeout)
	return nil
}

func (s *NetworkSystem) EnterStaActive(c *hsm.Context) error {
	s.logger.Debugf("FSM: EnterStaActive")
	s.data.ActiveMode = netif.ModeSTA
	s.data.PendingMode = netif.ModeNone
	return nil
}

func (s *NetworkSystem) EnterStaDisconnected(c *hsm.Context) error {
	s.logger.Debugf("FSM: EnterStaDisconnected (attempts: %d)", s.data.Attempts)
	s.data.IPAddress = ""
	// Station mode exists to be connected; kick the sequence without
	// waiting for an external request. The credentials guard routes to
	// the terminal state if provisioning vanished meanwhile.
	s.machine.Send(hsm.Event{ID: fsm.EvConnectRequested})
	return nil
}

func (s *NetworkSystem) EnterStaScanning(c *hsm.Context) error {
	s.logger.Debugf("FSM: EnterStaScanning for %q", s.staCredentials().SSID)
	s.enqueueOp(s.nextOp(opScan, netif.ModeNone, netif.Credentials{}))
	s.startPhaseTimer(fsm.TimerConnect, fsm.PhaseConnect, fsm.EvConnectTimeout)
	return nil
}

func (s *NetworkSystem) EnterStaConnecting(c *hsm.Context) error {
	s.data.Attempts++
	s.logger.Infof("Connecting to %q (attempt %d)", s.staCredentials().SSID, s.data.Attempts)
	s.enqueueOp(s.nextOp(opConnect, netif.ModeNone, s.staCredentials()))
	s.startPhaseTimer(fsm.TimerConnect, fsm.PhaseConnect, fsm.EvConnectTimeout)
	return nil
}

func (s *NetworkSystem) EnterStaConnected(c *hsm.Context) error {
	if status, ok := c.Event.Payload.(netif.LinkStatus); ok {
		s.data.IPAddress = status.IP
	}
	s.logger.Infof("Connected, address %s", s.data.IPAddress)

	s.mu.RLock()
	resetAttempts := s.policy.ResetAttemptsOnConnect
	s.mu.RUnlock()
	if resetAttempts {
		s.data.Attempts = 0
	}

	s.clearReportedFault()
	return nil
}

func (s *NetworkSystem) EnterStaDeactivating(c *hsm.Context) error {
	s.logger.Debugf("FSM: EnterStaDeactivating")
	s.enqueueOp(s.nextOp(opDeactivate, netif.ModeSTA, netif.Credentials{}))
	s.startPhaseTimer(fsm.TimerDeactivate, fsm.PhaseDeactivate, fsm.EvDeactivateTimeout)
	return nil
}

func (s *NetworkSystem) EnterTerminalError(c *hsm.Context) error {
	s.logger.Errorf("Terminal error: %s (%s)", s.data.LastError, s.data.LastErrorMsg)

	s.mu.Lock()
	s.reportedFault = s.data.LastError
	s.mu.Unlock()

	if err := s.redis.ReportFaultPresent(s.data.LastError, s.data.LastErrorMsg); err != nil {
		s.logger.Warnf("Failed to report fault: %v", err)
	}
	return nil
}

func (s *NetworkSystem) EnterResetting(c *hsm.Context) error {
	s.logger.Infof("Resetting network lifecycle")

	// An activation cut short by the reset may still bring the radio up
	// after the machine has moved on; take the interface down in that
	// case too, not only when a mode fully committed. The FIFO worker
	// runs this deactivate after the in-flight request and before
	// anything the next cycle issues.
	mode := s.data.ActiveMode
	if mode == netif.ModeNone {
		mode = s.data.PendingMode
	}
	if mode != netif.ModeNone {
		s.enqueueOp(s.nextOp(opDeactivate, mode, netif.Credentials{}))
	}
	s.clearReportedFault()
	s.data.Reset()
	return nil
}

// === State Exit Actions ===

func (s *NetworkSystem) ExitApActivating(c *hsm.Context) error {
	s.machine.StopTimer(fsm.TimerActivate)
	return nil
}

func (s *NetworkSystem) ExitApDeactivating(c *hsm.Context) error {
	s.machine.StopTimer(fsm.TimerDeactivate)
	return nil
}

func (s *NetworkSystem) ExitStaActivating(c *hsm.Context) error {
	s.machine.StopTimer(fsm.TimerActivate)
	return nil
}

func (s *NetworkSystem) ExitStaScanning(c *hsm.Context) error {
	s.machine.StopTimer(fsm.TimerConnect)
	return nil
}

func (s *NetworkSystem) ExitStaConnecting(c *hsm.Context) error {
	s.machine.StopTimer(fsm.TimerConnect)
	return nil
}

func (s *NetworkSystem) ExitStaDeactivating(c *hsm.Context) error {
	s.machine.StopTimer(fsm.TimerDeactivate)
	return nil
}

// === Guards ===

func (s *NetworkSystem) CanSelectSta(c *hsm.Context) bool {
	if s.data.StaExhausted {
		s.logger.Infof("Station branch exhausted this cycle, choosing access point")
		return false
	}
	return s.staCredentials().SSID != ""
}

func (s *NetworkSystem) SelectedSta(c *hsm.Context) bool {
	return s.data.Mode == netif.ModeSTA
}

func (s *NetworkSystem) HasStaCredentials(c *hsm.Context) bool {
	return s.staCredentials().SSID != ""
}

func (s *NetworkSystem) ShouldRetryConnect(c *hsm.Context) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.policy.ShouldRetry(s.data.Attempts)
}

func (s *NetworkSystem) OpAckCurrent(c *hsm.Context) bool {
	ack, ok := c.Event.Payload.(fsm.OpAck)
	if !ok {
		return false
	}
	if ack.Seq != s.opSeq {
		s.logger.Debugf("Dropping stale %s (seq %d, current %d)", c.Event.ID, ack.Seq, s.opSeq)
		return false
	}
	return true
}

func (s *NetworkSystem) LinkIsUp(c *hsm.Context) bool {
	status, ok := c.Event.Payload.(netif.LinkStatus)
	return ok && status.Up()
}

func (s *NetworkSystem) LinkIsDown(c *hsm.Context) bool {
	status, ok := c.Event.Payload.(netif.LinkStatus)
	return ok && !status.Up()
}

func (s *NetworkSystem) ScanFoundTarget(c *hsm.Context) bool {
	entries, ok := c.Event.Payload.([]netif.ScanEntry)
	if !ok {
		return false
	}
	target := s.staCredentials().SSID
	for _, e := range entries {
		if e.SSID == target {
			return true
		}
	}
	return false
}

// === Transition Actions ===

func (s *NetworkSystem) OnSelectSta(c *hsm.Context) error {
	s.logger.Infof("Mode choice: station (%q configured)", s.staCredentials().SSID)
	s.data.Mode = netif.ModeSTA
	s.data.AutoActivate = true
	s.data.StaExhausted = false
	return nil
}

func (s *NetworkSystem) OnSelectAp(c *hsm.Context) error {
	s.logger.Infof("Mode choice: access point")
	s.data.Mode = netif.ModeAP
	s.data.AutoActivate = true
	// The exhaustion marker steers exactly one evaluation.
	s.data.StaExhausted = false
	return nil
}

func (s *NetworkSystem) OnActivateFailed(c *hsm.Context) error {
	s.data.LastError = types.ErrorKindHardwareFault
	s.data.LastErrorMsg = failureMessage(c, "activation timed out")
	return nil
}

func (s *NetworkSystem) OnDeactivateFailed(c *hsm.Context) error {
	s.data.LastError = types.ErrorKindHardwareFault
	s.data.LastErrorMsg = failureMessage(c, "deactivation failed")
	return nil
}

func (s *NetworkSystem) OnDeactivateTimedOut(c *hsm.Context) error {
	// Known radio quirk: deactivation completion sometimes never reports.
	// The interface still ends up down, so treat it as done.
	s.logger.Warnf("Deactivation timed out, tolerated")
	return nil
}

func (s *NetworkSystem) OnScanMiss(c *hsm.Context) error {
	s.data.LastError = types.ErrorKindNotFound
	s.data.LastErrorMsg = fmt.Sprintf("network %q not in scan results", s.staCredentials().SSID)
	return nil
}

func (s *NetworkSystem) OnMissingCredentials(c *hsm.Context) error {
	s.data.LastError = types.ErrorKindCredentialsInvalid
	s.data.LastErrorMsg = "station SSID is empty"
	return nil
}

func (s *NetworkSystem) OnConnectExhausted(c *hsm.Context) error {
	s.mu.RLock()
	max := s.policy.MaxConnectAttempts
	s.mu.RUnlock()

	s.data.LastError = types.ErrorKindConnectionExhausted
	s.data.LastErrorMsg = fmt.Sprintf("gave up after %d connect attempts", max)
	s.data.StaExhausted = true
	return nil
}

func (s *NetworkSystem) OnReprovision(c *hsm.Context) error {
	s.logger.Infof("Station credentials provisioned while broadcasting, re-running mode choice")
	s.data.StaExhausted = false
	return nil
}

func (s *NetworkSystem) OnResetRequested(c *hsm.Context) error {
	req, _ := c.Event.Payload.(fsm.ResetRequest)
	s.logger.Infof("Reset requested (suppress station: %v)", req.SuppressSta)
	if req.SuppressSta {
		s.data.StaExhausted = true
	}
	if req.RetrySta {
		s.data.StaExhausted = false
	}
	return nil
}

// persistApDefaults writes the board-derived access point credentials to
// the credentials hash once, so provisioning frontends can display what
// the device is broadcasting. Explicitly provisioned credentials are
// never touched.
func (s *NetworkSystem) persistApDefaults(creds netif.Credentials) {
	s.mu.RLock()
	provisioned := s.creds[netif.KeyApSSID] != ""
	s.mu.RUnlock()
	if provisioned {
		return
	}
	if err := s.redis.SetCredential(netif.KeyApSSID, creds.SSID); err != nil {
		s.logger.Warnf("Failed to persist access point SSID: %v", err)
		return
	}
	if err := s.redis.SetCredential(netif.KeyApPassword, creds.Password); err != nil {
		s.logger.Warnf("Failed to persist access point passphrase: %v", err)
	}
}

// failureMessage renders the acknowledgement error, or the fallback for
// payload-less failures such as timeouts.
func failureMessage(c *hsm.Context, fallback string) string {
	if ack, ok := c.Event.Payload.(fsm.OpAck); ok && ack.Err != nil {
		return ack.Err.Error()
	}
	return fallback
}
