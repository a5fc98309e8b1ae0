package fsm

import (
	"network-service/internal/hsm"
)

// NewDefinition creates the network lifecycle FSM definition. The actions
// parameter provides the implementation for state entry/exit, guards and
// transition actions. Timeout durations are policy-driven at runtime, so
// states arm their timers inside the entry actions rather than through
// WithTimeout.
func NewDefinition(actions Actions) *hsm.Definition {
	return hsm.NewDefinition().
		// Mode choice pseudostates
		State(StateUninitialised,
			hsm.WithType(hsm.StateCondition),
		).
		State(StateInitialising,
			hsm.WithType(hsm.StateCondition),
			hsm.WithOnEnter(actions.EnterInitialising),
		).

		// Access point branch
		State(StateApMode,
			hsm.WithInitial(StateApInactive),
		).
		State(StateApInactive,
			hsm.WithParent(StateApMode),
			hsm.WithOnEnter(actions.EnterApInactive),
		).
		State(StateApActivating,
			hsm.WithParent(StateApMode),
			hsm.WithOnEnter(actions.EnterApActivating),
			hsm.WithOnExit(actions.ExitApActivating),
		).
		State(StateApActive,
			hsm.WithParent(StateApMode),
			hsm.WithInitial(StateApBroadcasting),
			hsm.WithOnEnter(actions.EnterApActive),
		).
		State(StateApBroadcasting,
			hsm.WithParent(StateApActive),
		).
		State(StateApDeactivating,
			hsm.WithParent(StateApMode),
			hsm.WithOnEnter(actions.EnterApDeactivating),
			hsm.WithOnExit(actions.ExitApDeactivating),
		).

		// Station branch
		State(StateStaMode,
			hsm.WithInitial(StateStaInactive),
		).
		State(StateStaInactive,
			hsm.WithParent(StateStaMode),
			hsm.WithOnEnter(actions.EnterStaInactive),
		).
		State(StateStaActivating,
			hsm.WithParent(StateStaMode),
			hsm.WithOnEnter(actions.EnterStaActivating),
			hsm.WithOnExit(actions.ExitStaActivating),
		).
		State(StateStaActive,
			hsm.WithParent(StateStaMode),
			hsm.WithInitial(StateStaDisconnected),
			hsm.WithOnEnter(actions.EnterStaActive),
		).
		State(StateStaDisconnected,
			hsm.WithParent(StateStaActive),
			hsm.WithOnEnter(actions.EnterStaDisconnected),
		).
		State(StateStaScanning,
			hsm.WithParent(StateStaActive),
			hsm.WithOnEnter(actions.EnterStaScanning),
			hsm.WithOnExit(actions.ExitStaScanning),
		).
		State(StateStaConnecting,
			hsm.WithParent(StateStaActive),
			hsm.WithOnEnter(actions.EnterStaConnecting),
			hsm.WithOnExit(actions.ExitStaConnecting),
		).
		State(StateStaConnectionError,
			hsm.WithParent(StateStaActive),
			hsm.WithType(hsm.StateCondition),
		).
		State(StateStaConnected,
			hsm.WithParent(StateStaActive),
			hsm.WithOnEnter(actions.EnterStaConnected),
		).
		State(StateStaDeactivating,
			hsm.WithParent(StateStaMode),
			hsm.WithOnEnter(actions.EnterStaDeactivating),
			hsm.WithOnExit(actions.ExitStaDeactivating),
		).

		// Shared top-level states
		State(StateTerminalError,
			hsm.WithOnEnter(actions.EnterTerminalError),
		).
		State(StateResetting,
			hsm.WithType(hsm.StateCondition),
			hsm.WithOnEnter(actions.EnterResetting),
		).

		// === Transitions ===

		// Mode choice: station when credentials allow it, else fall back
		// to hosting an access point.
		Transition(StateUninitialised, hsm.NoEvent, StateInitialising,
			hsm.WithGuard(actions.CanSelectSta),
			hsm.WithAction(actions.OnSelectSta),
		).
		Transition(StateUninitialised, hsm.NoEvent, StateInitialising,
			hsm.WithAction(actions.OnSelectAp),
		).
		Transition(StateInitialising, hsm.NoEvent, StateStaMode,
			hsm.WithGuard(actions.SelectedSta),
		).
		Transition(StateInitialising, hsm.NoEvent, StateApMode).

		// Access point lifecycle. Completion transitions are guarded on
		// request identity: an acknowledgement from an operation the machine
		// abandoned (reset mid-activation) must not commit the new branch.
		Transition(StateApInactive, EvActivateRequested, StateApActivating).
		Transition(StateApActivating, EvActivateSucceeded, StateApActive,
			hsm.WithGuard(actions.OpAckCurrent),
		).
		Transition(StateApActivating, EvActivateFailed, StateTerminalError,
			hsm.WithGuard(actions.OpAckCurrent),
			hsm.WithAction(actions.OnActivateFailed),
		).
		Transition(StateApActivating, EvActivateTimeout, StateTerminalError,
			hsm.WithAction(actions.OnActivateFailed),
		).
		Transition(StateApActive, EvDeactivateRequested, StateApDeactivating).
		// Station credentials provisioned while broadcasting: re-run mode
		// choice through a full reset.
		Transition(StateApActive, EvCredentialsEvaluated, StateResetting,
			hsm.WithGuard(actions.HasStaCredentials),
			hsm.WithAction(actions.OnReprovision),
		).
		Transition(StateApDeactivating, EvDeactivateSucceeded, StateApInactive,
			hsm.WithGuard(actions.OpAckCurrent),
		).
		Transition(StateApDeactivating, EvDeactivateTimeout, StateApInactive,
			hsm.WithAction(actions.OnDeactivateTimedOut), // tolerated radio quirk
		).
		Transition(StateApDeactivating, EvDeactivateFailed, StateTerminalError,
			hsm.WithGuard(actions.OpAckCurrent),
			hsm.WithAction(actions.OnDeactivateFailed),
		).

		// Station activation
		Transition(StateStaInactive, EvActivateRequested, StateStaActivating).
		Transition(StateStaActivating, EvActivateSucceeded, StateStaActive,
			hsm.WithGuard(actions.OpAckCurrent),
		).
		Transition(StateStaActivating, EvActivateFailed, StateTerminalError,
			hsm.WithGuard(actions.OpAckCurrent),
			hsm.WithAction(actions.OnActivateFailed),
		).
		Transition(StateStaActivating, EvActivateTimeout, StateTerminalError,
			hsm.WithAction(actions.OnActivateFailed),
		).

		// Station connection sequence
		Transition(StateStaDisconnected, EvConnectRequested, StateStaScanning,
			hsm.WithGuard(actions.HasStaCredentials),
		).
		Transition(StateStaDisconnected, EvConnectRequested, StateTerminalError,
			hsm.WithAction(actions.OnMissingCredentials),
		).
		Transition(StateStaScanning, EvScanResult, StateStaConnecting,
			hsm.WithGuard(actions.ScanFoundTarget),
		).
		Transition(StateStaScanning, EvScanResult, StateTerminalError,
			hsm.WithAction(actions.OnScanMiss),
		).
		Transition(StateStaScanning, EvConnectionStatus, StateStaConnectionError). // scan errors
		Transition(StateStaScanning, EvConnectTimeout, StateStaConnectionError).
		Transition(StateStaConnecting, EvConnectionStatus, StateStaConnected,
			hsm.WithGuard(actions.LinkIsUp),
		).
		Transition(StateStaConnecting, EvConnectionStatus, StateStaConnectionError).
		Transition(StateStaConnecting, EvConnectTimeout, StateStaConnectionError).

		// Retry decision, evaluated the moment the error state is entered.
		Transition(StateStaConnectionError, hsm.NoEvent, StateStaDisconnected,
			hsm.WithGuard(actions.ShouldRetryConnect),
		).
		Transition(StateStaConnectionError, hsm.NoEvent, StateTerminalError,
			hsm.WithAction(actions.OnConnectExhausted),
		).

		// Established link: losing it shares the retry accounting.
		Transition(StateStaConnected, EvConnectionStatus, StateStaConnectionError,
			hsm.WithGuard(actions.LinkIsDown),
		).

		// Station deactivation
		Transition(StateStaActive, EvDeactivateRequested, StateStaDeactivating).
		Transition(StateStaDeactivating, EvDeactivateSucceeded, StateStaInactive,
			hsm.WithGuard(actions.OpAckCurrent),
		).
		Transition(StateStaDeactivating, EvDeactivateTimeout, StateStaInactive,
			hsm.WithAction(actions.OnDeactivateTimedOut),
		).
		Transition(StateStaDeactivating, EvDeactivateFailed, StateTerminalError,
			hsm.WithGuard(actions.OpAckCurrent),
			hsm.WithAction(actions.OnDeactivateFailed),
		).

		// Reset wins from any state: deactivate, clear, choose again.
		Transition(hsm.WildcardState, EvResetRequested, StateResetting,
			hsm.WithAction(actions.OnResetRequested),
		).
		Transition(StateResetting, hsm.NoEvent, StateUninitialised).

		// Initial state
		Initial(StateUninitialised)
}
