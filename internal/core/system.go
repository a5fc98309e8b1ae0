package core

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"network-service/internal/fsm"
	"network-service/internal/hardware"
	"network-service/internal/hsm"
	"network-service/internal/logger"
	"network-service/internal/messaging"
	"network-service/internal/netif"
	"network-service/internal/types"
)

const (
	opQueueSize      = 16
	opGrace          = 2 * time.Second // slack past the machine timeout so the machine decides first
	statusOpBudget   = 3 * time.Second
	linkPollInterval = 5 * time.Second
	provisionHold    = 3 * time.Second
)

// opKind identifies one asynchronous adapter operation.
type opKind int

const (
	opActivate opKind = iota
	opDeactivate
	opScan
	opConnect
	opStatus
)

func (k opKind) String() string {
	switch k {
	case opActivate:
		return "activate"
	case opDeactivate:
		return "deactivate"
	case opScan:
		return "scan"
	case opConnect:
		return "connect"
	case opStatus:
		return "status"
	default:
		return fmt.Sprintf("op(%d)", int(k))
	}
}

type opRequest struct {
	seq   uint64
	kind  opKind
	mode  netif.Mode
	creds netif.Credentials
}

// NetworkSystem owns the wireless lifecycle: it runs the state machine,
// serialises radio operations on a single worker, mirrors state to Redis
// and signals it on the status LED. It implements fsm.Actions.
type NetworkSystem struct {
	logger  *logger.Logger
	adapter netif.Adapter
	redis   MessagingClient
	io      HardwareIO

	machine *hsm.Machine

	// data is machine bookkeeping, touched only from the dispatch
	// goroutine (guards, actions and the state change observer).
	data fsm.Data

	// opSeq stamps adapter requests so completions can be matched to the
	// cycle that issued them. Touched only from the dispatch goroutine;
	// the link poller enqueues unstamped status reads.
	opSeq uint64

	mu            sync.RWMutex
	policy        fsm.Policy
	creds         map[string]string
	reportedFault types.ErrorKind

	ops    chan opRequest
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	buttonMu     sync.Mutex
	buttonDownAt time.Time
}

func NewNetworkSystem(adapter netif.Adapter, redis MessagingClient, io HardwareIO, l *logger.Logger, policy fsm.Policy) *NetworkSystem {
	return &NetworkSystem{
		logger:  l.WithTag("Network"),
		adapter: adapter,
		redis:   redis,
		io:      io,
		policy:  policy,
		creds:   make(map[string]string),
	}
}

func (s *NetworkSystem) Start(ctx context.Context) error {
	s.logger.Infof("Starting network system")
	s.ctx, s.cancel = context.WithCancel(ctx)

	s.redis.SetCallbacks(messaging.Callbacks{
		ConnectCallback:    s.handleConnectCommand,
		DeactivateCallback: s.handleDeactivateCommand,
		ResetCallback:      s.handleResetCommand,
		SettingsCallback:   s.handleSettingsUpdate,
	})

	if err := s.redis.Connect(); err != nil {
		return fmt.Errorf("failed to connect to Redis: %w", err)
	}

	if err := s.loadCredentials(); err != nil {
		s.logger.Warnf("Failed to load credentials, starting unprovisioned: %v", err)
	}

	// The radio power rail comes up with the service.
	s.io.SetInitialValue("wlan_power", true)
	if err := s.io.Initialize(); err != nil {
		s.logger.Warnf("Hardware unavailable, continuing headless: %v", err)
	} else {
		s.io.RegisterInputCallback("provision_button", s.handleProvisionButton)
	}

	s.ops = make(chan opRequest, opQueueSize)

	// Starting the machine runs mode choice immediately; the selected
	// branch auto-requests activation from its inactive state. The ops
	// queue is buffered, so entry actions may enqueue before the worker
	// runs.
	if err := s.initFSM(s.ctx); err != nil {
		return fmt.Errorf("failed to start state machine: %w", err)
	}

	s.wg.Add(2)
	go s.opsWorker()
	go s.superviseLink()

	if err := s.redis.StartListening(); err != nil {
		return fmt.Errorf("failed to start Redis listeners: %w", err)
	}

	s.logger.Infof("System started successfully")
	return nil
}

func (s *NetworkSystem) Shutdown() {
	s.logger.Infof("Shutting down network system")

	if s.machine != nil {
		s.machine.Stop()
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()

	// Best-effort radio off; the dispatch loop is stopped so data is
	// stable here.
	if mode := s.data.ActiveMode; mode != netif.ModeNone {
		ctx, cancel := context.WithTimeout(context.Background(), statusOpBudget)
		if err := s.adapter.Deactivate(ctx, mode); err != nil {
			s.logger.Warnf("Failed to deactivate %s during shutdown: %v", mode, err)
		}
		cancel()
	}

	s.io.Cleanup()
	if err := s.redis.Close(); err != nil {
		s.logger.Warnf("Failed to close Redis client: %v", err)
	}
	s.logger.Infof("Shutdown complete")
}

// CurrentPath exposes the active state path for observers and tests.
func (s *NetworkSystem) CurrentPath() string {
	return s.machine.CurrentPath()
}

// === Credential source ===

func (s *NetworkSystem) loadCredentials() error {
	creds := make(map[string]string)
	for _, key := range []string{netif.KeyWlanSSID, netif.KeyWlanPassword, netif.KeyApSSID, netif.KeyApPassword} {
		value, ok, err := s.redis.GetCredential(key)
		if err != nil {
			return err
		}
		if ok {
			creds[key] = value
		}
	}

	s.mu.Lock()
	s.creds = creds
	s.mu.Unlock()

	s.logger.Infof("Credentials loaded, station provisioned: %v", creds[netif.KeyWlanSSID] != "")
	return nil
}

func (s *NetworkSystem) staCredentials() netif.Credentials {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return netif.Credentials{
		SSID:     s.creds[netif.KeyWlanSSID],
		Password: s.creds[netif.KeyWlanPassword],
	}
}

// apCredentials returns the configured access point credentials, or the
// board-derived defaults DEVICE-<ID> / <ID> when none are provisioned.
func (s *NetworkSystem) apCredentials() netif.Credentials {
	s.mu.RLock()
	creds := netif.Credentials{
		SSID:     s.creds[netif.KeyApSSID],
		Password: s.creds[netif.KeyApPassword],
	}
	s.mu.RUnlock()

	if creds.SSID == "" {
		id, err := hardware.MachineID()
		if err != nil {
			s.logger.Warnf("No machine id for default AP credentials: %v", err)
			id = "FALLBACK"
		}
		creds = netif.Credentials{SSID: "DEVICE-" + id, Password: id}
	}
	return creds
}

// === Adapter worker ===

// nextOp stamps a fresh adapter request. Issuing a new request
// supersedes earlier ones: their acknowledgements fail the identity
// guard and are dropped. Dispatch goroutine only.
func (s *NetworkSystem) nextOp(kind opKind, mode netif.Mode, creds netif.Credentials) opRequest {
	s.opSeq++
	return opRequest{seq: s.opSeq, kind: kind, mode: mode, creds: creds}
}

// enqueueOp hands an operation to the single-flight worker. Never blocks:
// the queue is sized past any legal burst, so a full queue means the
// adapter is wedged and the machine timeout will fire anyway.
func (s *NetworkSystem) enqueueOp(req opRequest) {
	select {
	case s.ops <- req:
	default:
		s.logger.Warnf("Adapter queue full, dropping %s", req.kind)
	}
}

func (s *NetworkSystem) opsWorker() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case req := <-s.ops:
			s.runOp(req)
		}
	}
}

func (s *NetworkSystem) opBudget(kind opKind) time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	switch kind {
	case opScan, opConnect:
		return s.policy.ConnectTimeout + opGrace
	case opStatus:
		return statusOpBudget
	default:
		return s.policy.ActivateTimeout + opGrace
	}
}

// runOp executes one adapter operation and posts its completion back into
// the machine as an event. Activate and deactivate completions carry the
// request stamp; the identity guard drops them when the machine has moved
// on to a newer request. Other completions are dropped positionally, by
// having no transition in the states a superseding cycle passes through.
func (s *NetworkSystem) runOp(req opRequest) {
	ctx, cancel := context.WithTimeout(s.ctx, s.opBudget(req.kind))
	defer cancel()

	switch req.kind {
	case opActivate:
		if err := s.adapter.Activate(ctx, req.mode, req.creds); err != nil {
			s.logger.Errorf("Activate %s failed: %v", req.mode, err)
			s.machine.Send(hsm.Event{ID: fsm.EvActivateFailed, Payload: fsm.OpAck{Seq: req.seq, Err: err}})
			return
		}
		s.logger.Infof("Activated %s mode", req.mode)
		s.machine.Send(hsm.Event{ID: fsm.EvActivateSucceeded, Payload: fsm.OpAck{Seq: req.seq}})

	case opDeactivate:
		if err := s.adapter.Deactivate(ctx, req.mode); err != nil {
			s.logger.Errorf("Deactivate %s failed: %v", req.mode, err)
			s.machine.Send(hsm.Event{ID: fsm.EvDeactivateFailed, Payload: fsm.OpAck{Seq: req.seq, Err: err}})
			return
		}
		s.logger.Infof("Deactivated %s mode", req.mode)
		s.machine.Send(hsm.Event{ID: fsm.EvDeactivateSucceeded, Payload: fsm.OpAck{Seq: req.seq}})

	case opScan:
		entries, err := s.adapter.Scan(ctx)
		if err != nil {
			s.logger.Warnf("Scan failed: %v", err)
			s.machine.Send(hsm.Event{
				ID:      fsm.EvConnectionStatus,
				Payload: netif.LinkStatus{Code: netif.CodeFromError(err)},
			})
			return
		}
		s.logger.Debugf("Scan found %d networks", len(entries))
		s.machine.Send(hsm.Event{ID: fsm.EvScanResult, Payload: entries})

	case opConnect:
		status, err := s.adapter.Connect(ctx, req.creds)
		if err != nil {
			s.logger.Warnf("Connect to %q failed: %v", req.creds.SSID, err)
			if status.Code == netif.StatusIdle {
				status = netif.LinkStatus{Code: netif.CodeFromError(err)}
			}
		}
		s.machine.Send(hsm.Event{ID: fsm.EvConnectionStatus, Payload: status})

	case opStatus:
		status, err := s.adapter.Status(ctx)
		if err != nil {
			s.logger.Warnf("Status poll failed: %v", err)
			return
		}
		if !status.Up() {
			s.logger.Warnf("Link lost: %s", status.Code)
			s.machine.Send(hsm.Event{ID: fsm.EvConnectionStatus, Payload: status})
		}
	}
}

// superviseLink polls the link while connected so an outage surfaces as a
// connection status event even without traffic.
func (s *NetworkSystem) superviseLink() {
	defer s.wg.Done()
	ticker := time.NewTicker(linkPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if s.machine != nil && s.machine.CurrentState() == fsm.StateStaConnected {
				s.enqueueOp(opRequest{kind: opStatus})
			}
		}
	}
}

// === Provisioning button ===

// handleProvisionButton turns gpio-keys presses into lifecycle requests: a
// short press kicks the connection sequence, a hold forces access point
// provisioning for one cycle.
func (s *NetworkSystem) handleProvisionButton(channel string, pressed bool) error {
	s.buttonMu.Lock()
	if pressed {
		s.buttonDownAt = time.Now()
		s.buttonMu.Unlock()
		return nil
	}
	held := time.Since(s.buttonDownAt)
	s.buttonDownAt = time.Time{}
	s.buttonMu.Unlock()

	if held >= provisionHold {
		s.logger.Infof("Provision button held %.1fs, forcing access point provisioning", held.Seconds())
		s.machine.Send(hsm.Event{ID: fsm.EvResetRequested, Payload: fsm.ResetRequest{SuppressSta: true}})
		return nil
	}
	s.logger.Infof("Provision button pressed, requesting connection")
	return s.handleConnectCommand("auto")
}

// === State observation ===

func ledPatternFor(leaf hsm.StateID) types.LedPattern {
	switch leaf {
	case fsm.StateStaConnected:
		return types.LedSolid
	case fsm.StateApBroadcasting:
		return types.LedPulse
	case fsm.StateTerminalError:
		return types.LedBlinkFast
	case fsm.StateApActivating, fsm.StateApDeactivating,
		fsm.StateStaActivating, fsm.StateStaDeactivating,
		fsm.StateStaScanning, fsm.StateStaConnecting:
		return types.LedBlinkSlow
	default:
		return types.LedOff
	}
}

// inBranch reports whether the active path lies under the given top-level
// composite.
func (s *NetworkSystem) inBranch(root hsm.StateID) bool {
	path := s.machine.CurrentPath()
	return path == string(root) || strings.HasPrefix(path, string(root)+".")
}
