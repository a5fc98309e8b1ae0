package fsm

import "network-service/internal/hsm"

// Network interface states
const (
	// Mode choice pseudostates. Both are condition states: they are
	// evaluated on entry and the machine never rests in them.
	StateUninitialised hsm.StateID = "uninitialised"
	StateInitialising  hsm.StateID = "initialising"

	// Access point branch
	StateApMode         hsm.StateID = "ap-mode"
	StateApInactive     hsm.StateID = "ap-inactive"
	StateApActivating   hsm.StateID = "ap-activating"
	StateApActive       hsm.StateID = "ap-active"
	StateApBroadcasting hsm.StateID = "ap-broadcasting"
	StateApDeactivating hsm.StateID = "ap-deactivating"

	// Station branch
	StateStaMode            hsm.StateID = "sta-mode"
	StateStaInactive        hsm.StateID = "sta-inactive"
	StateStaActivating      hsm.StateID = "sta-activating"
	StateStaActive          hsm.StateID = "sta-active"
	StateStaDisconnected    hsm.StateID = "sta-disconnected"
	StateStaScanning        hsm.StateID = "sta-scanning"
	StateStaConnecting      hsm.StateID = "sta-connecting"
	StateStaConnectionError hsm.StateID = "sta-connection-error"
	StateStaConnected       hsm.StateID = "sta-connected"
	StateStaDeactivating    hsm.StateID = "sta-deactivating"

	// Shared top-level states
	StateTerminalError hsm.StateID = "terminal-error"
	StateResetting     hsm.StateID = "resetting"
)

// Network events
const (
	// External commands (from Redis or the provisioning button)
	EvCredentialsEvaluated hsm.EventID = "credentials-evaluated"
	EvActivateRequested    hsm.EventID = "activate-requested"
	EvDeactivateRequested  hsm.EventID = "deactivate-requested"
	EvConnectRequested     hsm.EventID = "connect-requested"
	EvResetRequested       hsm.EventID = "reset-requested"

	// Adapter completions
	EvActivateSucceeded   hsm.EventID = "activate-succeeded"
	EvActivateFailed      hsm.EventID = "activate-failed"
	EvDeactivateSucceeded hsm.EventID = "deactivate-succeeded"
	EvDeactivateFailed    hsm.EventID = "deactivate-failed"
	EvScanResult          hsm.EventID = "scan-result"
	EvConnectionStatus    hsm.EventID = "connection-status"

	// Timer events
	EvActivateTimeout   hsm.EventID = "activate-timeout"
	EvConnectTimeout    hsm.EventID = "connect-timeout"
	EvDeactivateTimeout hsm.EventID = "deactivate-timeout"
)

// Timer names for imperative timers
const (
	TimerActivate   = "activate"
	TimerConnect    = "connect"
	TimerDeactivate = "deactivate"
)

// ResetRequest is the optional payload of EvResetRequested. SuppressSta
// steers the next mode choice to the access point even when station
// credentials are present, e.g. when the provisioning button is held.
// RetrySta clears a pending exhaustion marker so the next mode choice may
// pick the station branch again.
type ResetRequest struct {
	SuppressSta bool
	RetrySta    bool
}

// OpAck is the payload of activate and deactivate completion events. Seq
// identifies the request cycle that issued the operation; a completion
// whose Seq no longer matches the live cycle belongs to a request the
// machine has already abandoned and must not commit state.
type OpAck struct {
	Seq uint64
	Err error
}
