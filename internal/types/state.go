package types

// ErrorKind classifies unrecoverable faults surfaced by the state
// machine. A non-empty kind parks the machine in its terminal error state
// until an external reset.
type ErrorKind string

const (
	ErrorKindNone                ErrorKind = ""
	ErrorKindCredentialsInvalid  ErrorKind = "credentials-invalid"
	ErrorKindHardwareFault       ErrorKind = "hardware-fault"
	ErrorKindConnectionExhausted ErrorKind = "connection-exhausted"
	ErrorKindNotFound            ErrorKind = "not-found"
)

// LedPattern names the status LED behaviours mapped from machine states.
type LedPattern string

const (
	LedOff       LedPattern = "off"
	LedBlinkSlow LedPattern = "blink-slow"
	LedBlinkFast LedPattern = "blink-fast"
	LedPulse     LedPattern = "pulse"
	LedSolid     LedPattern = "solid"
)

// NetworkStatus is the externally visible snapshot published after every
// committed transition.
type NetworkStatus struct {
	State        string // active leaf state
	Path         string // dotted root-to-leaf path
	Mode         string // selected mode: "sta", "ap" or ""
	Attempts     int    // connect attempts consumed this cycle
	Error        ErrorKind
	ErrorMessage string
	IPAddress    string
}
