package netif

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by adapters. Callers classify failures with
// errors.Is.
var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrNotFound           = errors.New("network not found")
	ErrBusy               = errors.New("interface busy")
	ErrUnavailable        = errors.New("interface unavailable")
	ErrInternal           = errors.New("internal adapter error")
)

// VendorError wraps a driver-specific failure while keeping it
// classifiable through errors.Is.
type VendorError struct {
	Sentinel error
	Code     string // driver-specific code, e.g. a wpa_supplicant reply
	Detail   string
}

func (e *VendorError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("%v (vendor code %s)", e.Sentinel, e.Code)
	}
	return fmt.Sprintf("%v (vendor code %s: %s)", e.Sentinel, e.Code, e.Detail)
}

func (e *VendorError) Unwrap() error { return e.Sentinel }

// CodeFromError maps an adapter error to the status vocabulary carried in
// link status events.
func CodeFromError(err error) StatusCode {
	switch {
	case errors.Is(err, ErrInvalidCredentials):
		return StatusWrongPassword
	case errors.Is(err, ErrNotFound):
		return StatusNoAPFound
	default:
		return StatusConnectFail
	}
}
