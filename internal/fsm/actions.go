package fsm

import (
	"network-service/internal/hsm"
	"network-service/internal/netif"
	"network-service/internal/types"
)

// Actions defines the interface for network state machine side effects.
// NetworkSystem implements this interface to issue adapter commands, arm
// timers and keep the machine data current.
type Actions interface {
	// Mode choice preparation
	EnterInitialising(c *hsm.Context) error

	// State entry actions
	EnterApInactive(c *hsm.Context) error
	EnterApActivating(c *hsm.Context) error
	EnterApActive(c *hsm.Context) error
	EnterApDeactivating(c *hsm.Context) error
	EnterStaInactive(c *hsm.Context) error
	EnterStaActivating(c *hsm.Context) error
	EnterStaActive(c *hsm.Context) error
	EnterStaDisconnected(c *hsm.Context) error
	EnterStaScanning(c *hsm.Context) error
	EnterStaConnecting(c *hsm.Context) error
	EnterStaConnected(c *hsm.Context) error
	EnterStaDeactivating(c *hsm.Context) error
	EnterTerminalError(c *hsm.Context) error
	EnterResetting(c *hsm.Context) error

	// State exit actions (cancel the timers armed on entry)
	ExitApActivating(c *hsm.Context) error
	ExitApDeactivating(c *hsm.Context) error
	ExitStaActivating(c *hsm.Context) error
	ExitStaScanning(c *hsm.Context) error
	ExitStaConnecting(c *hsm.Context) error
	ExitStaDeactivating(c *hsm.Context) error

	// Guards for conditional transitions
	CanSelectSta(c *hsm.Context) bool       // station SSID configured and not exhausted this cycle
	SelectedSta(c *hsm.Context) bool        // mode choice picked the station branch
	HasStaCredentials(c *hsm.Context) bool  // non-empty station SSID configured
	ShouldRetryConnect(c *hsm.Context) bool // attempts remain in the budget
	OpAckCurrent(c *hsm.Context) bool       // completion belongs to the live request cycle
	LinkIsUp(c *hsm.Context) bool           // connection-status payload reports an address
	LinkIsDown(c *hsm.Context) bool         // connection-status payload reports link loss
	ScanFoundTarget(c *hsm.Context) bool    // scan-result payload contains the target SSID

	// Transition actions
	OnSelectSta(c *hsm.Context) error
	OnSelectAp(c *hsm.Context) error
	OnActivateFailed(c *hsm.Context) error     // records a hardware fault
	OnDeactivateFailed(c *hsm.Context) error   // records a hardware fault
	OnDeactivateTimedOut(c *hsm.Context) error // tolerated, logged only
	OnScanMiss(c *hsm.Context) error           // target SSID absent from scan results
	OnMissingCredentials(c *hsm.Context) error // SSID vanished between mode choice and connect
	OnConnectExhausted(c *hsm.Context) error   // retry budget spent; marks station exhausted
	OnReprovision(c *hsm.Context) error        // new station credentials while broadcasting
	OnResetRequested(c *hsm.Context) error
}

// Data holds the machine-scoped bookkeeping mutated by actions and
// guards. All access happens on the dispatch goroutine.
type Data struct {
	Mode         netif.Mode // branch picked by the last mode choice
	ActiveMode   netif.Mode // mode the radio is actually up in
	PendingMode  netif.Mode // mode of an activate whose outcome has not been committed
	AutoActivate bool       // one-shot: request activation on entering the inactive state
	Attempts     int        // connect attempts consumed this cycle
	StaExhausted bool       // station budget spent; steers exactly one mode choice
	LastError    types.ErrorKind
	LastErrorMsg string
	IPAddress    string
}

// Reset clears everything except the exhaustion marker, which must
// survive for exactly one subsequent mode choice.
func (d *Data) Reset() {
	exhausted := d.StaExhausted
	*d = Data{StaExhausted: exhausted}
}
