package hardware

import "time"

const (
	// Status LED is driven through the imx-pwm-led character device when
	// the kernel module is loaded; otherwise a plain GPIO line takes over.
	StatusLedDevice = "/dev/pwm_led0"
	PwmModulePath   = "/sys/module/imx_pwm_led"

	GpioKeysInput = "/dev/input/by-path/platform-gpio-keys-event"

	// KeyProvision is the keycode gpio-keys reports for the provisioning
	// button (KEY_WPS_BUTTON in the device tree).
	KeyProvision = 0x211
)

// Blink cadence for the status LED patterns. Pulse is a short flash with a
// long gap, used while the access point is broadcasting.
const (
	BlinkSlowInterval = 800 * time.Millisecond
	BlinkFastInterval = 150 * time.Millisecond
	PulseOnInterval   = 100 * time.Millisecond
	PulseOffInterval  = 1900 * time.Millisecond
)

// DoMappings locates the discrete output lines the service drives.
var DoMappings = map[string]struct {
	Chip int
	Line int
}{
	"wlan_power": {1, 5},
	"status_led": {1, 6},
}
