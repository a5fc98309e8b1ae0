package netif

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/vishvananda/netlink"
)

const (
	hostapdConfPath = "/run/network-service/hostapd.conf"
	connectPollStep = 500 * time.Millisecond
)

// LinuxAdapter drives a wireless interface through netlink plus the
// standard wpa_supplicant / hostapd tooling. It expects a wpa_supplicant
// instance to own the interface for station use and a hostapd unit for
// access point use; it never talks nl80211 directly.
type LinuxAdapter struct {
	iface       string
	hostapdUnit string
	networkID   string // wpa_supplicant network id once provisioned
}

// NewLinuxAdapter returns an adapter bound to the given interface name,
// e.g. "wlan0", with the access point served by the given systemd unit.
func NewLinuxAdapter(iface, hostapdUnit string) *LinuxAdapter {
	if hostapdUnit == "" {
		hostapdUnit = "hostapd.service"
	}
	return &LinuxAdapter{iface: iface, hostapdUnit: hostapdUnit}
}

func (a *LinuxAdapter) Activate(ctx context.Context, mode Mode, creds Credentials) error {
	if blocked, err := a.rfkillBlocked(); err == nil && blocked {
		return fmt.Errorf("%w: %s is rfkill-blocked", ErrUnavailable, a.iface)
	}
	link, err := netlink.LinkByName(a.iface)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if err := netlink.LinkSetUp(link); err != nil {
		return fmt.Errorf("%w: bringing %s up: %v", ErrUnavailable, a.iface, err)
	}

	switch mode {
	case ModeSTA:
		// wpa_supplicant owns the interface in station mode; the AP stack
		// must not hold it.
		_ = a.systemctl(ctx, "stop", a.hostapdUnit)
		if _, err := a.wpaCli(ctx, "ping"); err != nil {
			return fmt.Errorf("%w: wpa_supplicant not responding: %v", ErrUnavailable, err)
		}
		return nil
	case ModeAP:
		_, _ = a.wpaCli(ctx, "disconnect")
		if err := a.writeHostapdConf(creds); err != nil {
			return err
		}
		if err := a.systemctl(ctx, "restart", a.hostapdUnit); err != nil {
			return fmt.Errorf("%w: starting %s: %v", ErrUnavailable, a.hostapdUnit, err)
		}
		return nil
	default:
		return fmt.Errorf("%w: activate with mode %s", ErrInternal, mode)
	}
}

func (a *LinuxAdapter) Deactivate(ctx context.Context, mode Mode) error {
	if mode == ModeAP {
		_ = a.systemctl(ctx, "stop", a.hostapdUnit)
	} else {
		_, _ = a.wpaCli(ctx, "disconnect")
	}
	link, err := netlink.LinkByName(a.iface)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if err := netlink.LinkSetDown(link); err != nil {
		return fmt.Errorf("%w: bringing %s down: %v", ErrUnavailable, a.iface, err)
	}
	return nil
}

func (a *LinuxAdapter) Scan(ctx context.Context) ([]ScanEntry, error) {
	if _, err := a.wpaCli(ctx, "scan"); err != nil {
		return nil, fmt.Errorf("%w: scan: %v", ErrUnavailable, err)
	}
	// wpa_supplicant needs a moment to populate results.
	select {
	case <-time.After(2 * time.Second):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	out, err := a.wpaCli(ctx, "scan_results")
	if err != nil {
		return nil, fmt.Errorf("%w: scan_results: %v", ErrUnavailable, err)
	}
	return parseScanResults(out), nil
}

func (a *LinuxAdapter) Connect(ctx context.Context, creds Credentials) (LinkStatus, error) {
	if creds.SSID == "" {
		return LinkStatus{}, fmt.Errorf("%w: empty SSID", ErrInvalidCredentials)
	}
	if a.networkID == "" {
		id, err := a.wpaCli(ctx, "add_network")
		if err != nil {
			return LinkStatus{}, fmt.Errorf("%w: add_network: %v", ErrInternal, err)
		}
		a.networkID = strings.TrimSpace(id)
	}
	steps := [][]string{
		{"set_network", a.networkID, "ssid", fmt.Sprintf("%q", creds.SSID)},
		{"set_network", a.networkID, "psk", fmt.Sprintf("%q", creds.Password)},
		{"select_network", a.networkID},
	}
	if creds.Password == "" {
		steps[1] = []string{"set_network", a.networkID, "key_mgmt", "NONE"}
	}
	for _, args := range steps {
		out, err := a.wpaCli(ctx, args...)
		if err != nil {
			return LinkStatus{}, fmt.Errorf("%w: %s: %v", ErrInternal, args[0], err)
		}
		if strings.Contains(out, "FAIL") {
			return LinkStatus{}, &VendorError{Sentinel: ErrInternal, Code: strings.TrimSpace(out), Detail: args[0]}
		}
	}

	// Poll until associated with an address or ctx expires.
	for {
		select {
		case <-ctx.Done():
			return LinkStatus{}, ctx.Err()
		case <-time.After(connectPollStep):
		}
		st, err := a.Status(ctx)
		if err != nil {
			return LinkStatus{}, err
		}
		switch st.Code {
		case StatusGotIP:
			return st, nil
		case StatusWrongPassword:
			return st, fmt.Errorf("%w: authentication rejected", ErrInvalidCredentials)
		}
	}
}

func (a *LinuxAdapter) Disconnect(ctx context.Context) error {
	if _, err := a.wpaCli(ctx, "disconnect"); err != nil {
		return fmt.Errorf("%w: disconnect: %v", ErrUnavailable, err)
	}
	return nil
}

func (a *LinuxAdapter) Status(ctx context.Context) (LinkStatus, error) {
	out, err := a.wpaCli(ctx, "status")
	if err != nil {
		return LinkStatus{}, fmt.Errorf("%w: status: %v", ErrUnavailable, err)
	}
	return parseWpaStatus(out), nil
}

func (a *LinuxAdapter) wpaCli(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "wpa_cli", append([]string{"-i", a.iface}, args...)...)
	out, err := cmd.Output()
	return string(out), err
}

func (a *LinuxAdapter) systemctl(ctx context.Context, verb, unit string) error {
	return exec.CommandContext(ctx, "systemctl", verb, unit).Run()
}

func (a *LinuxAdapter) writeHostapdConf(creds Credentials) error {
	if creds.SSID == "" {
		return fmt.Errorf("%w: empty AP SSID", ErrInvalidCredentials)
	}
	conf := fmt.Sprintf("interface=%s\nssid=%s\nhw_mode=g\nchannel=6\n", a.iface, creds.SSID)
	if creds.Password != "" {
		conf += fmt.Sprintf("wpa=2\nwpa_key_mgmt=WPA-PSK\nwpa_passphrase=%s\n", creds.Password)
	}
	if err := os.MkdirAll(filepath.Dir(hostapdConfPath), 0o755); err != nil {
		return fmt.Errorf("%w: %v", ErrInternal, err)
	}
	if err := os.WriteFile(hostapdConfPath, []byte(conf), 0o600); err != nil {
		return fmt.Errorf("%w: writing hostapd config: %v", ErrInternal, err)
	}
	return nil
}

// rfkillBlocked scans the rfkill sysfs entries for a soft or hard block
// on any wlan device.
func (a *LinuxAdapter) rfkillBlocked() (bool, error) {
	entries, err := os.ReadDir("/sys/class/rfkill")
	if err != nil {
		return false, err
	}
	for _, entry := range entries {
		base := "/sys/class/rfkill/" + entry.Name()
		typ, err := os.ReadFile(base + "/type")
		if err != nil || strings.TrimSpace(string(typ)) != "wlan" {
			continue
		}
		for _, f := range []string{"/soft", "/hard"} {
			data, err := os.ReadFile(base + f)
			if err != nil {
				continue
			}
			v, err := strconv.Atoi(strings.TrimSpace(string(data)))
			if err == nil && v != 0 {
				return true, nil
			}
		}
	}
	return false, nil
}

// parseScanResults reads wpa_cli scan_results output: a header line, then
// tab-separated bssid / frequency / signal / flags / ssid rows.
func parseScanResults(out string) []ScanEntry {
	var entries []ScanEntry
	lines := strings.Split(out, "\n")
	for i, line := range lines {
		if i == 0 || strings.TrimSpace(line) == "" {
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) < 5 || fields[4] == "" {
			continue
		}
		entry := ScanEntry{SSID: fields[4]}
		if rssi, err := strconv.Atoi(fields[2]); err == nil {
			entry.RSSI = rssi
		}
		if freq, err := strconv.Atoi(fields[1]); err == nil {
			entry.Channel = channelFromFrequency(freq)
		}
		entries = append(entries, entry)
	}
	return entries
}

// parseWpaStatus reads wpa_cli status output (key=value lines).
func parseWpaStatus(out string) LinkStatus {
	st := LinkStatus{Code: StatusIdle}
	var state string
	for _, line := range strings.Split(out, "\n") {
		k, v, ok := strings.Cut(strings.TrimSpace(line), "=")
		if !ok {
			continue
		}
		switch k {
		case "wpa_state":
			state = v
		case "ip_address":
			st.IP = v
		}
	}
	switch state {
	case "COMPLETED":
		if st.IP != "" {
			st.Code = StatusGotIP
		} else {
			st.Code = StatusConnecting
		}
	case "SCANNING", "ASSOCIATING", "ASSOCIATED", "4WAY_HANDSHAKE", "GROUP_HANDSHAKE", "AUTHENTICATING":
		st.Code = StatusConnecting
	case "DISCONNECTED", "INACTIVE", "INTERFACE_DISABLED", "":
		st.Code = StatusIdle
	}
	return st
}

func channelFromFrequency(freq int) int {
	switch {
	case freq == 2484:
		return 14
	case freq >= 2412 && freq < 2484:
		return (freq - 2407) / 5
	case freq >= 5170 && freq <= 5825:
		return (freq - 5000) / 5
	default:
		return 0
	}
}
