package hardware

import (
	"encoding/binary"
	"fmt"
	"log"
	"os"
	"sync"
	"syscall"
	"time"
	"unsafe"

	"github.com/warthog618/go-gpiocdev"

	"network-service/internal/types"
)

const (
	EV_SYN = 0x00
	EV_KEY = 0x01
)

type InputEvent struct {
	Sec   int32  // 4 bytes
	Usec  int32  // 4 bytes
	Type  uint16 // 2 bytes
	Code  uint16 // 2 bytes
	Value int32  // 4 bytes
}

type InputCallback func(channel string, pressed bool) error

// LinuxIO owns the board peripherals: the status LED (PWM device with a
// GPIO fallback), the radio power rail and the provisioning button
// delivered through the gpio-keys input device.
type LinuxIO struct {
	logger          *log.Logger
	inputDevicePath string
	inputFile       *os.File
	chips           map[int]*gpiocdev.Chip
	lines           map[string]*gpiocdev.Line
	inputCallbacks  map[string]InputCallback
	statusLed       *StatusLed
	mu              sync.RWMutex
	stopChan        chan struct{}
	activeKeys      map[uint16]bool // Track key states
	initialValues   map[string]bool // Initial values for outputs
	patternCh       chan types.LedPattern
}

func NewLinuxIO() *LinuxIO {
	io := &LinuxIO{
		logger:          log.New(log.Writer(), "HardwareIO: ", log.LstdFlags),
		inputDevicePath: GpioKeysInput,
		chips:           make(map[int]*gpiocdev.Chip),
		lines:           make(map[string]*gpiocdev.Line),
		inputCallbacks:  make(map[string]InputCallback),
		stopChan:        make(chan struct{}),
		activeKeys:      make(map[uint16]bool),
		initialValues:   make(map[string]bool),
		patternCh:       make(chan types.LedPattern),
	}
	// The radio power rail comes up with the service.
	io.initialValues["wlan_power"] = true
	return io
}

func (io *LinuxIO) SetInitialValue(name string, value bool) {
	io.mu.Lock()
	defer io.mu.Unlock()
	io.initialValues[name] = value
}

func (io *LinuxIO) Initialize() error {
	io.logger.Printf("Initializing hardware IO")

	// Prefer the PWM device for the status LED; fall back to the GPIO
	// line when the kernel module is absent.
	led, err := OpenStatusLed()
	if err != nil {
		io.logger.Printf("PWM status LED unavailable, using GPIO line: %v", err)
	} else {
		io.statusLed = led
	}

	for name, mapping := range DoMappings {
		if name == "status_led" && io.statusLed != nil {
			continue
		}

		chip, ok := io.chips[mapping.Chip]
		if !ok {
			chip, err = gpiocdev.NewChip(fmt.Sprintf("gpiochip%d", mapping.Chip))
			if err != nil {
				return fmt.Errorf("failed to open GPIO chip %d: %w", mapping.Chip, err)
			}
			io.chips[mapping.Chip] = chip
		}

		// Get initial value for this output
		io.mu.RLock()
		val := 0
		if value, exists := io.initialValues[name]; exists && value {
			val = 1
		}
		io.mu.RUnlock()

		// Request line as output with initial value
		line, err := chip.RequestLine(mapping.Line,
			gpiocdev.AsOutput(val),
			gpiocdev.WithConsumer("network-service"))
		if err != nil {
			return fmt.Errorf("failed to request GPIO line %d: %w", mapping.Line, err)
		}

		io.lines[name] = line
		io.logger.Printf("Configured DO %s: chip=%d, line=%d", name, mapping.Chip, mapping.Line)
	}

	// Open input device
	io.logger.Printf("Opening input device: %s", io.inputDevicePath)
	io.inputFile, err = os.OpenFile(io.inputDevicePath, os.O_RDONLY, 0)
	if err != nil {
		return fmt.Errorf("failed to open input device %s: %w", io.inputDevicePath, err)
	}

	// Get initial state of all inputs
	if err := io.readInitialState(); err != nil {
		io.logger.Printf("Warning: Failed to read initial input states: %v", err)
	}

	go io.monitorInputs()
	go io.runPatterns()

	return nil
}

func (io *LinuxIO) readInitialState() error {
	// Use EVIOCGKEY ioctl to get key states
	// The key state is returned as a bit array
	buffer := make([]byte, 128)
	_, _, errno := syscall.Syscall(
		syscall.SYS_IOCTL,
		uintptr(io.inputFile.Fd()),
		uintptr(0x80804518), // EVIOCGKEY(len)
		uintptr(unsafe.Pointer(&buffer[0])),
	)
	if errno != 0 {
		return fmt.Errorf("EVIOCGKEY ioctl failed: %v", errno)
	}

	io.mu.Lock()
	defer io.mu.Unlock()

	for _, code := range []uint16{KeyProvision} {
		byteOffset := int(code / 8)
		bitOffset := code % 8
		if byteOffset < len(buffer) {
			isPressed := (buffer[byteOffset] & (1 << bitOffset)) != 0
			if isPressed {
				io.activeKeys[code] = true
				io.logger.Printf("Initial state: %s (code %d) is pressed", io.mapKeycode(code), code)
			}
		}
	}

	return nil
}

func (io *LinuxIO) monitorInputs() {
	buffer := make([]byte, 16)

	for {
		select {
		case <-io.stopChan:
			io.logger.Printf("Stopping input monitoring")
			return
		default:
			n, err := io.inputFile.Read(buffer)
			if err != nil {
				select {
				case <-io.stopChan:
					return
				default:
				}
				io.logger.Printf("Error reading input: %v", err)
				time.Sleep(100 * time.Millisecond)
				continue
			}
			if n != len(buffer) {
				io.logger.Printf("Incomplete read: got %d bytes, expected %d", n, len(buffer))
				continue
			}

			typ := binary.LittleEndian.Uint16(buffer[8:10])
			code := binary.LittleEndian.Uint16(buffer[10:12])
			val := int32(binary.LittleEndian.Uint32(buffer[12:16]))

			if typ == EV_KEY {
				io.handleKeyEvent(&InputEvent{
					Sec:   int32(binary.LittleEndian.Uint32(buffer[0:4])),
					Usec:  int32(binary.LittleEndian.Uint32(buffer[4:8])),
					Type:  typ,
					Code:  code,
					Value: val,
				})
			}
		}
	}
}

func (io *LinuxIO) handleKeyEvent(event *InputEvent) {
	channel := io.mapKeycode(event.Code)

	// Update active keys map
	io.mu.Lock()
	if event.Value == 0 {
		delete(io.activeKeys, event.Code)
	} else {
		io.activeKeys[event.Code] = true
	}
	io.mu.Unlock()

	// Only process key press (1) and release (0), not autorepeat
	if event.Value > 1 {
		return
	}

	if channel == "" {
		io.logger.Printf("Unknown key code: %d", event.Code)
		return
	}

	io.mu.RLock()
	callback, exists := io.inputCallbacks[channel]
	io.mu.RUnlock()

	if exists {
		if err := callback(channel, event.Value == 1); err != nil {
			io.logger.Printf("Error in callback for %s: %v", channel, err)
		}
	}
}

func (io *LinuxIO) mapKeycode(code uint16) string {
	switch code {
	case KeyProvision:
		return "provision_button"
	default:
		return ""
	}
}

func (io *LinuxIO) getKeycodeForChannel(channel string) uint16 {
	switch channel {
	case "provision_button":
		return KeyProvision
	default:
		return 0
	}
}

func (io *LinuxIO) ReadDigitalInput(channel string) (bool, error) {
	io.mu.RLock()
	defer io.mu.RUnlock()

	keycode := io.getKeycodeForChannel(channel)
	if keycode == 0 {
		return false, fmt.Errorf("unknown input channel: %s", channel)
	}

	if io.inputFile != nil {
		buffer := make([]byte, 128)
		_, _, errno := syscall.Syscall(
			syscall.SYS_IOCTL,
			uintptr(io.inputFile.Fd()),
			uintptr(0x80804518), // EVIOCGKEY(len)
			uintptr(unsafe.Pointer(&buffer[0])),
		)
		if errno == 0 {
			byteOffset := int(keycode / 8)
			bitOffset := keycode % 8
			if byteOffset < len(buffer) {
				isPressed := (buffer[byteOffset] & (1 << bitOffset)) != 0
				return isPressed, nil
			}
		}
	}

	return io.activeKeys[keycode], nil
}

func (io *LinuxIO) RegisterInputCallback(channel string, callback InputCallback) {
	io.mu.Lock()
	defer io.mu.Unlock()
	io.inputCallbacks[channel] = callback
	io.logger.Printf("Registered callback for channel: %s", channel)
}

func (io *LinuxIO) WriteDigitalOutput(channel string, value bool) error {
	io.mu.RLock()
	line, ok := io.lines[channel]
	io.mu.RUnlock()

	if !ok {
		return fmt.Errorf("unknown digital output channel: %s", channel)
	}

	val := 0
	if value {
		val = 1
	}

	if err := line.SetValue(val); err != nil {
		return fmt.Errorf("failed to set DO %s=%v: %w", channel, value, err)
	}

	io.logger.Printf("Set DO %s=%v", channel, value)
	return nil
}

// SetPattern hands the status LED pattern to the runner goroutine. Safe to
// call from any goroutine; no-op after Cleanup.
func (io *LinuxIO) SetPattern(pattern types.LedPattern) {
	select {
	case io.patternCh <- pattern:
	case <-io.stopChan:
	}
}

// runPatterns owns the status LED. Steady patterns park the select on the
// pattern channel; blinking ones rearm a timer per phase.
func (io *LinuxIO) runPatterns() {
	pattern := types.LedOff
	on := false
	var next <-chan time.Time

	apply := func(p types.LedPattern) {
		pattern = p
		switch p {
		case types.LedSolid:
			on, next = true, nil
		case types.LedOff:
			on, next = false, nil
		case types.LedBlinkSlow:
			on, next = true, time.After(BlinkSlowInterval)
		case types.LedBlinkFast:
			on, next = true, time.After(BlinkFastInterval)
		case types.LedPulse:
			on, next = true, time.After(PulseOnInterval)
		}
		io.setLed(on)
	}

	for {
		select {
		case <-io.stopChan:
			io.setLed(false)
			return
		case p := <-io.patternCh:
			if p != pattern {
				io.logger.Printf("Status LED pattern: %s", p)
				apply(p)
			}
		case <-next:
			on = !on
			io.setLed(on)
			switch pattern {
			case types.LedBlinkSlow:
				next = time.After(BlinkSlowInterval)
			case types.LedBlinkFast:
				next = time.After(BlinkFastInterval)
			case types.LedPulse:
				if on {
					next = time.After(PulseOnInterval)
				} else {
					next = time.After(PulseOffInterval)
				}
			}
		}
	}
}

func (io *LinuxIO) setLed(on bool) {
	if io.statusLed != nil {
		percent := 0
		if on {
			percent = 100
		}
		if err := io.statusLed.SetBrightness(percent); err != nil {
			io.logger.Printf("Failed to set LED brightness: %v", err)
		}
		return
	}

	io.mu.RLock()
	line, ok := io.lines["status_led"]
	io.mu.RUnlock()
	if !ok {
		return
	}

	val := 0
	if on {
		val = 1
	}
	if err := line.SetValue(val); err != nil {
		io.logger.Printf("Failed to drive LED line: %v", err)
	}
}

func (io *LinuxIO) Cleanup() {
	close(io.stopChan)

	io.mu.Lock()
	defer io.mu.Unlock()

	io.logger.Printf("Cleaning up hardware resources")

	if io.inputFile != nil {
		io.inputFile.Close()
	}

	for name, line := range io.lines {
		line.Close()
		io.logger.Printf("Closed GPIO line for %s", name)
	}

	for id, chip := range io.chips {
		chip.Close()
		io.logger.Printf("Closed GPIO chip %d", id)
	}

	if io.statusLed != nil {
		io.statusLed.Cleanup()
	}

	io.logger.Printf("Hardware cleanup complete")
}
