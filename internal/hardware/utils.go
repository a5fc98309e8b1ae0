package hardware

import (
	"fmt"
	"os"
	"strings"
)

const machineIDLen = 8

// MachineID returns a short uppercase hex identifier for this board, used
// to derive the default access point SSID. It prefers the device tree
// serial number and falls back to /etc/machine-id.
func MachineID() (string, error) {
	for _, path := range []string{
		"/sys/firmware/devicetree/base/serial-number",
		"/etc/machine-id",
	} {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		id := strings.ToUpper(strings.TrimRight(strings.TrimSpace(string(data)), "\x00"))
		if id == "" {
			continue
		}
		if len(id) > machineIDLen {
			id = id[len(id)-machineIDLen:]
		}
		return id, nil
	}
	return "", fmt.Errorf("no machine identifier source available")
}
