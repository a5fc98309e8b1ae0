package fsm

import (
	"fmt"
	"time"
)

// Default lifecycle timing and retry budget. Activation is a single radio
// command and settles quickly; a full scan-and-associate cycle against a
// congested channel can take most of half a minute.
const (
	DefaultActivateTimeout    = 5 * time.Second
	DefaultConnectTimeout     = 30 * time.Second
	DefaultMaxConnectAttempts = 3
)

// Phase identifies a bounded lifecycle operation for timeout lookup.
type Phase int

const (
	PhaseActivate Phase = iota
	PhaseConnect
	PhaseDeactivate
)

func (p Phase) String() string {
	switch p {
	case PhaseActivate:
		return "activate"
	case PhaseConnect:
		return "connect"
	case PhaseDeactivate:
		return "deactivate"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// Policy carries the tunable timing and retry parameters of the connection
// lifecycle. The zero value is not usable; start from DefaultPolicy.
type Policy struct {
	ActivateTimeout    time.Duration
	ConnectTimeout     time.Duration
	MaxConnectAttempts int

	// ResetAttemptsOnConnect clears the consumed budget once a link is
	// established, so every fresh outage gets the full set of attempts.
	// With it off the budget spans the whole station session.
	ResetAttemptsOnConnect bool
}

func DefaultPolicy() Policy {
	return Policy{
		ActivateTimeout:        DefaultActivateTimeout,
		ConnectTimeout:         DefaultConnectTimeout,
		MaxConnectAttempts:     DefaultMaxConnectAttempts,
		ResetAttemptsOnConnect: true,
	}
}

// Timeout returns the bound for the given phase. Deactivation shares the
// activation bound: both are single radio commands.
func (p Policy) Timeout(phase Phase) time.Duration {
	if phase == PhaseConnect {
		return p.ConnectTimeout
	}
	return p.ActivateTimeout
}

// ShouldRetry reports whether another connection attempt fits the budget.
// attempts counts the attempts already started this cycle.
func (p Policy) ShouldRetry(attempts int) bool {
	return attempts < p.MaxConnectAttempts
}

// Validate rejects parameter values that would stall the lifecycle.
func (p Policy) Validate() error {
	if p.ActivateTimeout <= 0 {
		return fmt.Errorf("activate timeout must be positive, got %v", p.ActivateTimeout)
	}
	if p.ConnectTimeout <= 0 {
		return fmt.Errorf("connect timeout must be positive, got %v", p.ConnectTimeout)
	}
	if p.MaxConnectAttempts < 1 {
		return fmt.Errorf("max connect attempts must be at least 1, got %d", p.MaxConnectAttempts)
	}
	return nil
}
