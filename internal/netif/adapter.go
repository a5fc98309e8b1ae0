// Package netif defines the contract between the state machine core and
// the wireless interface, plus the adapters that implement it.
package netif

import "context"

// Mode selects how the wireless interface is operated.
type Mode int

const (
	ModeNone Mode = iota
	ModeSTA
	ModeAP
)

func (m Mode) String() string {
	switch m {
	case ModeSTA:
		return "sta"
	case ModeAP:
		return "ap"
	default:
		return "none"
	}
}

// ParseMode maps the wire values used on command queues.
func ParseMode(s string) (Mode, bool) {
	switch s {
	case "sta":
		return ModeSTA, true
	case "ap":
		return ModeAP, true
	default:
		return ModeNone, false
	}
}

// Keys understood by the credential source.
const (
	KeyWlanSSID     = "WLAN_SSID"
	KeyWlanPassword = "WLAN_PASSWORD"
	KeyApSSID       = "AP_SSID"
	KeyApPassword   = "AP_PASSWORD"
)

// Credentials carries an SSID / passphrase pair.
type Credentials struct {
	SSID     string
	Password string
}

// StatusCode mirrors the link status vocabulary of the radio firmware.
type StatusCode int

const (
	StatusWrongPassword StatusCode = -3
	StatusNoAPFound     StatusCode = -2
	StatusConnectFail   StatusCode = -1
	StatusIdle          StatusCode = 0
	StatusConnecting    StatusCode = 1
	StatusGotIP         StatusCode = 3
)

func (s StatusCode) String() string {
	switch s {
	case StatusWrongPassword:
		return "wrong-password"
	case StatusNoAPFound:
		return "no-ap-found"
	case StatusConnectFail:
		return "connect-fail"
	case StatusIdle:
		return "idle"
	case StatusConnecting:
		return "connecting"
	case StatusGotIP:
		return "got-ip"
	default:
		return "unknown"
	}
}

// LinkStatus reports the station link state.
type LinkStatus struct {
	Code StatusCode
	IP   string
}

// Up reports whether the link is established with an address.
func (l LinkStatus) Up() bool { return l.Code == StatusGotIP }

// ScanEntry describes one network seen during a scan.
type ScanEntry struct {
	SSID    string
	RSSI    int
	Channel int
}

// Adapter drives the wireless interface. Calls block until the operation
// completes or ctx is cancelled. The core serialises calls on a single
// worker, so implementations may assume no two run concurrently; the
// radio is a single exclusive resource and activating one mode while the
// other is active is an ErrBusy.
type Adapter interface {
	// Activate brings the interface up in the given mode. For ModeAP the
	// credentials configure the hosted network.
	Activate(ctx context.Context, mode Mode, creds Credentials) error
	// Deactivate brings the interface down. Safe to call regardless of
	// the current state.
	Deactivate(ctx context.Context, mode Mode) error
	// Scan lists visible networks. Station mode only.
	Scan(ctx context.Context) ([]ScanEntry, error)
	// Connect associates with the given network and waits for an
	// address. Station mode only.
	Connect(ctx context.Context, creds Credentials) (LinkStatus, error)
	// Disconnect drops the association but keeps the interface active.
	Disconnect(ctx context.Context) error
	// Status reports the current link state.
	Status(ctx context.Context) (LinkStatus, error)
}
