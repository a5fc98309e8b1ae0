// Package fake provides a scripted in-memory Adapter for tests and for
// running the daemon without radio hardware.
package fake

import (
	"context"
	"fmt"
	"sync"
	"time"

	"network-service/internal/netif"
)

// Adapter implements netif.Adapter with scripted behaviour. The zero
// value succeeds at everything except station connects against an empty
// Networks list. All exported fields are read at call time; configure
// them before handing the adapter to the system.
type Adapter struct {
	mu sync.Mutex

	// Networks is the simulated scan environment.
	Networks []netif.ScanEntry
	// OpDelay is applied to every operation before it completes.
	OpDelay time.Duration
	// FailConnects makes the next N connect calls fail with ConnectFail.
	FailConnects int
	// Scripted errors; nil means success.
	ActivateErr   error
	DeactivateErr error
	ScanErr       error
	ConnectErr    error
	DisconnectErr error
	// IP reported once connected.
	IP string

	calls      []string
	activeMode netif.Mode
	link       netif.LinkStatus
}

// NewAdapter returns an adapter with a short default address.
func NewAdapter() *Adapter {
	return &Adapter{IP: "192.168.1.50"}
}

// Calls returns a copy of the recorded operation log, entries like
// "activate:sta" or "connect:HomeNet".
func (a *Adapter) Calls() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, len(a.calls))
	copy(out, a.calls)
	return out
}

// ResetCalls clears the recorded operation log.
func (a *Adapter) ResetCalls() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = nil
}

// ActiveMode reports the mode the fake considers activated.
func (a *Adapter) ActiveMode() netif.Mode {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.activeMode
}

// AddNetwork adds an SSID to the simulated scan environment.
func (a *Adapter) AddNetwork(ssid string, rssi int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Networks = append(a.Networks, netif.ScanEntry{SSID: ssid, RSSI: rssi, Channel: 6})
}

func (a *Adapter) record(format string, args ...any) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, fmt.Sprintf(format, args...))
}

func (a *Adapter) delay(ctx context.Context) error {
	a.mu.Lock()
	d := a.OpDelay
	a.mu.Unlock()
	if d == 0 {
		return nil
	}
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *Adapter) Activate(ctx context.Context, mode netif.Mode, creds netif.Credentials) error {
	a.record("activate:%s", mode)
	if err := a.delay(ctx); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.ActivateErr != nil {
		return a.ActivateErr
	}
	if a.activeMode != netif.ModeNone && a.activeMode != mode {
		return fmt.Errorf("%w: %s already active", netif.ErrBusy, a.activeMode)
	}
	a.activeMode = mode
	a.link = netif.LinkStatus{Code: netif.StatusIdle}
	return nil
}

func (a *Adapter) Deactivate(ctx context.Context, mode netif.Mode) error {
	a.record("deactivate:%s", mode)
	if err := a.delay(ctx); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.DeactivateErr != nil {
		return a.DeactivateErr
	}
	a.activeMode = netif.ModeNone
	a.link = netif.LinkStatus{Code: netif.StatusIdle}
	return nil
}

func (a *Adapter) Scan(ctx context.Context) ([]netif.ScanEntry, error) {
	a.record("scan")
	if err := a.delay(ctx); err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.ScanErr != nil {
		return nil, a.ScanErr
	}
	if a.activeMode != netif.ModeSTA {
		return nil, fmt.Errorf("%w: scan in mode %s", netif.ErrUnavailable, a.activeMode)
	}
	out := make([]netif.ScanEntry, len(a.Networks))
	copy(out, a.Networks)
	return out, nil
}

func (a *Adapter) Connect(ctx context.Context, creds netif.Credentials) (netif.LinkStatus, error) {
	a.record("connect:%s", creds.SSID)
	if err := a.delay(ctx); err != nil {
		return netif.LinkStatus{}, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.ConnectErr != nil {
		return netif.LinkStatus{}, a.ConnectErr
	}
	if a.activeMode != netif.ModeSTA {
		return netif.LinkStatus{}, fmt.Errorf("%w: connect in mode %s", netif.ErrUnavailable, a.activeMode)
	}
	if a.FailConnects > 0 {
		a.FailConnects--
		a.link = netif.LinkStatus{Code: netif.StatusConnectFail}
		return a.link, fmt.Errorf("%w: scripted failure", netif.ErrInternal)
	}
	found := false
	for _, n := range a.Networks {
		if n.SSID == creds.SSID {
			found = true
			break
		}
	}
	if !found {
		a.link = netif.LinkStatus{Code: netif.StatusNoAPFound}
		return a.link, fmt.Errorf("%w: %s", netif.ErrNotFound, creds.SSID)
	}
	a.link = netif.LinkStatus{Code: netif.StatusGotIP, IP: a.IP}
	return a.link, nil
}

func (a *Adapter) Disconnect(ctx context.Context) error {
	a.record("disconnect")
	if err := a.delay(ctx); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.DisconnectErr != nil {
		return a.DisconnectErr
	}
	a.link = netif.LinkStatus{Code: netif.StatusIdle}
	return nil
}

func (a *Adapter) Status(ctx context.Context) (netif.LinkStatus, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.link, nil
}

// SetLink overrides the reported link status, e.g. to simulate an outage
// while connected.
func (a *Adapter) SetLink(status netif.LinkStatus) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.link = status
}

var _ netif.Adapter = (*Adapter)(nil)
