package core

import (
	"context"
	"log"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"network-service/internal/fsm"
	"network-service/internal/hsm"
	"network-service/internal/hardware"
	"network-service/internal/logger"
	"network-service/internal/messaging"
	"network-service/internal/netif"
	"network-service/internal/netif/fake"
	"network-service/internal/types"
)

// Mock MessagingClient

type recordedFault struct {
	kind    types.ErrorKind
	message string
}

type mockMessagingClient struct {
	mu        sync.Mutex
	callbacks messaging.Callbacks

	credentials map[string]string
	settings    map[string]string

	publishedStatuses []types.NetworkStatus
	faultsPresent     []recordedFault
	faultsAbsent      []types.ErrorKind
}

func newMockMessagingClient() *mockMessagingClient {
	return &mockMessagingClient{
		credentials: make(map[string]string),
		settings:    make(map[string]string),
	}
}

func (m *mockMessagingClient) SetCallbacks(callbacks messaging.Callbacks) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = callbacks
}

func (m *mockMessagingClient) Connect() error        { return nil }
func (m *mockMessagingClient) StartListening() error { return nil }
func (m *mockMessagingClient) Close() error          { return nil }

func (m *mockMessagingClient) GetCredential(key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	value, ok := m.credentials[key]
	return value, ok, nil
}

func (m *mockMessagingClient) SetCredential(key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.credentials[key] = value
	return nil
}

func (m *mockMessagingClient) GetSetting(key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.settings[key], nil
}

func (m *mockMessagingClient) PublishNetworkStatus(status types.NetworkStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.publishedStatuses = append(m.publishedStatuses, status)
	return nil
}

func (m *mockMessagingClient) ReportFaultPresent(kind types.ErrorKind, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.faultsPresent = append(m.faultsPresent, recordedFault{kind, message})
	return nil
}

func (m *mockMessagingClient) ReportFaultAbsent(kind types.ErrorKind) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.faultsAbsent = append(m.faultsAbsent, kind)
	return nil
}

func (m *mockMessagingClient) lastStatus() (types.NetworkStatus, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.publishedStatuses) == 0 {
		return types.NetworkStatus{}, false
	}
	return m.publishedStatuses[len(m.publishedStatuses)-1], true
}

func (m *mockMessagingClient) lastFaultPresent() (recordedFault, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.faultsPresent) == 0 {
		return recordedFault{}, false
	}
	return m.faultsPresent[len(m.faultsPresent)-1], true
}

// Mock HardwareIO

type mockHardwareIO struct {
	mu             sync.Mutex
	digitalOutputs map[string]bool
	initialValues  map[string]bool
	inputCallbacks map[string]hardware.InputCallback
	patterns       []types.LedPattern
}

func newMockHardwareIO() *mockHardwareIO {
	return &mockHardwareIO{
		digitalOutputs: make(map[string]bool),
		initialValues:  make(map[string]bool),
		inputCallbacks: make(map[string]hardware.InputCallback),
	}
}

func (m *mockHardwareIO) Initialize() error { return nil }
func (m *mockHardwareIO) Cleanup()          {}

func (m *mockHardwareIO) ReadDigitalInput(channel string) (bool, error) { return false, nil }

func (m *mockHardwareIO) WriteDigitalOutput(channel string, value bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.digitalOutputs[channel] = value
	return nil
}

func (m *mockHardwareIO) SetInitialValue(name string, value bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.initialValues[name] = value
}

func (m *mockHardwareIO) RegisterInputCallback(channel string, callback hardware.InputCallback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inputCallbacks[channel] = callback
}

func (m *mockHardwareIO) SetPattern(pattern types.LedPattern) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.patterns = append(m.patterns, pattern)
}

func (m *mockHardwareIO) currentPattern() types.LedPattern {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.patterns) == 0 {
		return types.LedOff
	}
	return m.patterns[len(m.patterns)-1]
}

// Test helpers

func newTestSystem(t *testing.T, adapter *fake.Adapter, redis *mockMessagingClient, policy fsm.Policy) (*NetworkSystem, *mockHardwareIO) {
	t.Helper()
	io := newMockHardwareIO()
	l := logger.NewLogger(log.New(os.Stderr, "", 0), logger.LogLevelError)
	system := NewNetworkSystem(adapter, redis, io, l, policy)

	if err := system.Start(context.Background()); err != nil {
		t.Fatalf("failed to start system: %v", err)
	}
	t.Cleanup(system.Shutdown)
	return system, io
}

func waitForPath(t *testing.T, s *NetworkSystem, want string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if s.CurrentPath() == want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for path %q, current %q", want, s.CurrentPath())
}

func countCall(calls []string, call string) int {
	n := 0
	for _, c := range calls {
		if c == call {
			n++
		}
	}
	return n
}

func indexOf(calls []string, call string) int {
	for i, c := range calls {
		if c == call {
			return i
		}
	}
	return -1
}

func provisionedRedis(ssid, password string) *mockMessagingClient {
	redis := newMockMessagingClient()
	redis.SetCredential(netif.KeyWlanSSID, ssid)
	redis.SetCredential(netif.KeyWlanPassword, password)
	return redis
}

// Scenarios

func TestEmptyCredentialsFallBackToAccessPoint(t *testing.T) {
	adapter := fake.NewAdapter()
	redis := newMockMessagingClient()
	system, io := newTestSystem(t, adapter, redis, fsm.DefaultPolicy())

	waitForPath(t, system, "ap-mode.ap-active.ap-broadcasting")

	if got := adapter.ActiveMode(); got != netif.ModeAP {
		t.Errorf("expected access point active, got %s", got)
	}
	if n := countCall(adapter.Calls(), "activate:ap"); n != 1 {
		t.Errorf("expected one AP activation, got %d", n)
	}
	if pattern := io.currentPattern(); pattern != types.LedPulse {
		t.Errorf("expected pulse LED pattern while broadcasting, got %s", pattern)
	}

	status, ok := redis.lastStatus()
	if !ok {
		t.Fatal("expected published state")
	}
	if status.Mode != "ap" || status.Error != types.ErrorKindNone {
		t.Errorf("unexpected status published: %+v", status)
	}

	// The board-derived defaults are written back so provisioning
	// frontends can show what the device is broadcasting.
	redis.mu.Lock()
	apSSID := redis.credentials[netif.KeyApSSID]
	redis.mu.Unlock()
	if !strings.HasPrefix(apSSID, "DEVICE-") {
		t.Errorf("expected derived AP SSID persisted, got %q", apSSID)
	}
}

func TestStationHappyPathConnectsFirstTry(t *testing.T) {
	adapter := fake.NewAdapter()
	adapter.AddNetwork("HomeNet", -48)
	redis := provisionedRedis("HomeNet", "secret")
	system, io := newTestSystem(t, adapter, redis, fsm.DefaultPolicy())

	waitForPath(t, system, "sta-mode.sta-active.sta-connected")

	calls := adapter.Calls()
	for _, want := range []string{"activate:sta", "scan", "connect:HomeNet"} {
		if countCall(calls, want) != 1 {
			t.Errorf("expected exactly one %q call, calls: %v", want, calls)
		}
	}

	status, _ := redis.lastStatus()
	if status.Attempts != 0 {
		t.Errorf("expected attempt counter cleared after connect, got %d", status.Attempts)
	}
	if status.IPAddress == "" {
		t.Error("expected an address in the published status")
	}
	if pattern := io.currentPattern(); pattern != types.LedSolid {
		t.Errorf("expected solid LED pattern when connected, got %s", pattern)
	}
}

func TestConnectExhaustionIsTerminalAndResetFallsBackToAp(t *testing.T) {
	adapter := fake.NewAdapter()
	adapter.AddNetwork("HomeNet", -60)
	adapter.FailConnects = 10
	redis := provisionedRedis("HomeNet", "secret")
	system, _ := newTestSystem(t, adapter, redis, fsm.DefaultPolicy())

	waitForPath(t, system, "terminal-error")

	if n := countCall(adapter.Calls(), "connect:HomeNet"); n != 3 {
		t.Errorf("expected exactly 3 connect attempts, got %d", n)
	}
	fault, ok := redis.lastFaultPresent()
	if !ok || fault.kind != types.ErrorKindConnectionExhausted {
		t.Errorf("expected connection-exhausted fault, got %+v", fault)
	}

	// The reset command consumes the exhaustion marker: mode choice must
	// pick the access point even though the station SSID is still set.
	if err := redis.callbacks.ResetCallback(); err != nil {
		t.Fatalf("reset failed: %v", err)
	}
	waitForPath(t, system, "ap-mode.ap-active.ap-broadcasting")

	status, _ := redis.lastStatus()
	if status.Attempts != 0 || status.Error != types.ErrorKindNone {
		t.Errorf("expected cleared status after reset, got %+v", status)
	}
	if len(redis.faultsAbsent) == 0 || redis.faultsAbsent[0] != types.ErrorKindConnectionExhausted {
		t.Errorf("expected the fault to be retracted, got %v", redis.faultsAbsent)
	}
}

func TestScanMissIsTerminalNotFound(t *testing.T) {
	adapter := fake.NewAdapter()
	adapter.AddNetwork("SomeoneElse", -70)
	redis := provisionedRedis("HomeNet", "secret")
	system, _ := newTestSystem(t, adapter, redis, fsm.DefaultPolicy())

	waitForPath(t, system, "terminal-error")

	fault, ok := redis.lastFaultPresent()
	if !ok || fault.kind != types.ErrorKindNotFound {
		t.Errorf("expected not-found fault, got %+v", fault)
	}
	if n := countCall(adapter.Calls(), "connect:HomeNet"); n != 0 {
		t.Errorf("expected no connect attempts after scan miss, got %d", n)
	}
}

func TestActivateFailureIsHardwareFault(t *testing.T) {
	adapter := fake.NewAdapter()
	adapter.ActivateErr = netif.ErrUnavailable
	redis := newMockMessagingClient()
	system, io := newTestSystem(t, adapter, redis, fsm.DefaultPolicy())

	waitForPath(t, system, "terminal-error")

	fault, ok := redis.lastFaultPresent()
	if !ok || fault.kind != types.ErrorKindHardwareFault {
		t.Errorf("expected hardware fault, got %+v", fault)
	}
	if pattern := io.currentPattern(); pattern != types.LedBlinkFast {
		t.Errorf("expected fast blink in terminal error, got %s", pattern)
	}
}

func TestLinkLossTriggersReconnect(t *testing.T) {
	adapter := fake.NewAdapter()
	adapter.AddNetwork("HomeNet", -50)
	redis := provisionedRedis("HomeNet", "secret")
	system, _ := newTestSystem(t, adapter, redis, fsm.DefaultPolicy())

	waitForPath(t, system, "sta-mode.sta-active.sta-connected")
	adapter.ResetCalls()

	// Deliver the outage directly; the poller would produce the same
	// event on its next tick.
	system.machine.SendSync(hsm.Event{ID: fsm.EvConnectionStatus, Payload: netif.LinkStatus{Code: netif.StatusIdle}})

	waitForPath(t, system, "sta-mode.sta-active.sta-connected")
	if n := countCall(adapter.Calls(), "connect:HomeNet"); n != 1 {
		t.Errorf("expected one reconnect attempt, got %d", n)
	}
}

func TestResetDuringActivationDeactivatesBeforeFallback(t *testing.T) {
	adapter := fake.NewAdapter()
	adapter.OpDelay = 400 * time.Millisecond
	redis := provisionedRedis("HomeNet", "secret")
	system, _ := newTestSystem(t, adapter, redis, fsm.DefaultPolicy())

	waitForPath(t, system, "sta-mode.sta-activating")

	// The station activate is still in flight on the worker; the reset
	// must not let its late acknowledgement commit the new branch, and
	// the half-activated radio must come down before the access point
	// goes up.
	if err := system.machine.SendSync(hsm.Event{ID: fsm.EvResetRequested, Payload: fsm.ResetRequest{SuppressSta: true}}); err != nil {
		t.Fatalf("reset failed: %v", err)
	}

	waitForPath(t, system, "ap-mode.ap-active.ap-broadcasting")

	calls := adapter.Calls()
	activateSta := indexOf(calls, "activate:sta")
	deactivateSta := indexOf(calls, "deactivate:sta")
	activateAp := indexOf(calls, "activate:ap")
	if activateSta == -1 || deactivateSta == -1 || activateAp == -1 ||
		activateSta > deactivateSta || deactivateSta > activateAp {
		t.Errorf("expected deactivate:sta between the activations, calls: %v", calls)
	}
	if got := adapter.ActiveMode(); got != netif.ModeAP {
		t.Errorf("expected access point active after reset, got %s", got)
	}
}

func TestReprovisionWhileBroadcastingSwitchesToStation(t *testing.T) {
	adapter := fake.NewAdapter()
	adapter.AddNetwork("HomeNet", -55)
	redis := newMockMessagingClient()
	system, _ := newTestSystem(t, adapter, redis, fsm.DefaultPolicy())

	waitForPath(t, system, "ap-mode.ap-active.ap-broadcasting")
	adapter.ResetCalls()

	// Station credentials arrive over the wire.
	redis.SetCredential(netif.KeyWlanSSID, "HomeNet")
	redis.SetCredential(netif.KeyWlanPassword, "secret")
	if err := redis.callbacks.SettingsCallback("network.credentials"); err != nil {
		t.Fatalf("settings update failed: %v", err)
	}

	waitForPath(t, system, "sta-mode.sta-active.sta-connected")

	// The radio is exclusive: the access point must be fully deactivated
	// before the station activates.
	calls := adapter.Calls()
	deactivateAp := indexOf(calls, "deactivate:ap")
	activateSta := indexOf(calls, "activate:sta")
	if deactivateAp == -1 || activateSta == -1 || deactivateAp > activateSta {
		t.Errorf("expected deactivate:ap before activate:sta, calls: %v", calls)
	}
}

func TestDeactivateCommandParksTheBranch(t *testing.T) {
	adapter := fake.NewAdapter()
	redis := newMockMessagingClient()
	system, _ := newTestSystem(t, adapter, redis, fsm.DefaultPolicy())

	waitForPath(t, system, "ap-mode.ap-active.ap-broadcasting")

	// Wrong mode is ignored.
	if err := redis.callbacks.DeactivateCallback("sta"); err != nil {
		t.Fatalf("deactivate sta: %v", err)
	}
	waitForPath(t, system, "ap-mode.ap-active.ap-broadcasting")

	if err := redis.callbacks.DeactivateCallback("ap"); err != nil {
		t.Fatalf("deactivate ap: %v", err)
	}
	waitForPath(t, system, "ap-mode.ap-inactive")

	if got := adapter.ActiveMode(); got != netif.ModeNone {
		t.Errorf("expected radio down after deactivation, got %s", got)
	}
}

func TestConnectCommandRestartsParkedBranch(t *testing.T) {
	adapter := fake.NewAdapter()
	redis := newMockMessagingClient()
	system, _ := newTestSystem(t, adapter, redis, fsm.DefaultPolicy())

	waitForPath(t, system, "ap-mode.ap-active.ap-broadcasting")
	if err := redis.callbacks.DeactivateCallback("ap"); err != nil {
		t.Fatal(err)
	}
	waitForPath(t, system, "ap-mode.ap-inactive")

	if err := redis.callbacks.ConnectCallback("auto"); err != nil {
		t.Fatalf("connect auto: %v", err)
	}
	waitForPath(t, system, "ap-mode.ap-active.ap-broadcasting")
}

func TestMaxAttemptsSettingAppliesAtRuntime(t *testing.T) {
	adapter := fake.NewAdapter()
	adapter.AddNetwork("HomeNet", -60)
	adapter.FailConnects = 10
	redis := provisionedRedis("HomeNet", "secret")
	redis.settings[settingMaxAttempts] = "1"

	policy := fsm.DefaultPolicy()
	system, _ := newTestSystem(t, adapter, redis, policy)

	// Tighten the budget before the first attempt can finish; the
	// lifecycle is still racing through activation at this point, so
	// allow either 1 or the in-flight attempt to conclude.
	if err := redis.callbacks.SettingsCallback(settingMaxAttempts); err != nil {
		t.Fatalf("settings update failed: %v", err)
	}

	waitForPath(t, system, "terminal-error")
	if n := countCall(adapter.Calls(), "connect:HomeNet"); n > 2 {
		t.Errorf("expected the reduced budget to limit attempts, got %d", n)
	}
}

func TestStatusPublishedOnEveryTransition(t *testing.T) {
	adapter := fake.NewAdapter()
	redis := newMockMessagingClient()
	system, _ := newTestSystem(t, adapter, redis, fsm.DefaultPolicy())

	waitForPath(t, system, "ap-mode.ap-active.ap-broadcasting")

	redis.mu.Lock()
	defer redis.mu.Unlock()
	var paths []string
	for _, st := range redis.publishedStatuses {
		paths = append(paths, st.Path)
	}
	// The activation request lands asynchronously, so the first published
	// resting state is the inactive leaf, then the activation sequence.
	for _, want := range []string{
		"ap-mode.ap-inactive",
		"ap-mode.ap-activating",
		"ap-mode.ap-active.ap-broadcasting",
	} {
		if indexOf(paths, want) == -1 {
			t.Errorf("expected %q among published paths %v", want, paths)
		}
	}
}
