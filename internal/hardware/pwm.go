package hardware

import (
	"fmt"
	"os"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

const (
	pwmLedConfigure = 0x00007540 // _IO('u', 0x40)
	pwmLedSetActive = 0x00007549 // _IO('u', 0x49)
	pwmLedSetDuty   = 0x0000754A // _IO('u', 0x4A)

	// PWM configuration constants matching the kernel module
	pwmPeriod    = 12000 // pwm_period=12000
	pwmPrescaler = 0     // default
	pwmInvert    = 0     // default
	pwmRepeat    = 3     // pwm_repeat=3
)

// PWM configuration bits as defined in the kernel module
const (
	pwmCfgBitPeriod    = 0
	pwmCfgBitPrescaler = 16
	pwmCfgBitInvert    = 28
	pwmCfgBitRepeat    = 29
)

// StatusLed drives one channel of the imx-pwm-led kernel module. The
// service only needs on/off and brightness, so cue and fade playback are
// left to the kernel defaults.
type StatusLed struct {
	fd   int
	lock sync.Mutex
	duty int
}

// OpenStatusLed opens and configures the PWM device. It fails when the
// kernel module is not loaded; callers fall back to a plain GPIO line.
func OpenStatusLed() (*StatusLed, error) {
	if _, err := os.Stat(PwmModulePath); os.IsNotExist(err) {
		return nil, fmt.Errorf("PWM LED module not loaded")
	}

	fd, err := unix.Open(StatusLedDevice, unix.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to open LED device %s: %w", StatusLedDevice, err)
	}

	led := &StatusLed{fd: fd}
	if err := led.configure(); err != nil {
		unix.Close(fd)
		return nil, err
	}

	// The module needs a moment between configuration and activation.
	time.Sleep(10 * time.Millisecond)

	if err := led.setActive(true); err != nil {
		unix.Close(fd)
		return nil, err
	}
	return led, nil
}

func (l *StatusLed) configure() error {
	// Construct configuration value according to kernel module format
	config := uint32(pwmPeriod)<<pwmCfgBitPeriod |
		(uint32(pwmPrescaler) << pwmCfgBitPrescaler) |
		(uint32(pwmInvert) << pwmCfgBitInvert) |
		(uint32(pwmRepeat) << pwmCfgBitRepeat)

	if err := unix.IoctlSetInt(l.fd, pwmLedConfigure, int(config)); err != nil {
		return fmt.Errorf("failed to configure PWM: %v", err)
	}
	return nil
}

func (l *StatusLed) setActive(active bool) error {
	var value int
	if active {
		value = 1
	}
	if err := unix.IoctlSetInt(l.fd, pwmLedSetActive, value); err != nil {
		return fmt.Errorf("failed to set active state: %v", err)
	}
	return nil
}

// SetBrightness sets the duty cycle as a percentage of the PWM period.
func (l *StatusLed) SetBrightness(percent int) error {
	if percent < 0 {
		percent = 0
	} else if percent > 100 {
		percent = 100
	}

	l.lock.Lock()
	defer l.lock.Unlock()

	duty := pwmPeriod * percent / 100
	if err := unix.IoctlSetInt(l.fd, pwmLedSetDuty, duty); err != nil {
		return fmt.Errorf("failed to set duty cycle: %v", err)
	}
	l.duty = duty
	return nil
}

func (l *StatusLed) Cleanup() {
	l.lock.Lock()
	defer l.lock.Unlock()

	if l.fd >= 0 {
		l.setActive(false)
		unix.Close(l.fd)
		l.fd = -1
	}
}
