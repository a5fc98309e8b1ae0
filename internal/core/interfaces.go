package core

import (
	"network-service/internal/hardware"
	"network-service/internal/messaging"
	"network-service/internal/types"
)

// MessagingClient defines the interface for Redis messaging operations
// needed by NetworkSystem
type MessagingClient interface {
	SetCallbacks(callbacks messaging.Callbacks)
	Connect() error
	StartListening() error
	Close() error

	// Credential source
	GetCredential(key string) (string, bool, error)
	SetCredential(key, value string) error

	// Runtime tunables
	GetSetting(key string) (string, error)

	// State mirror
	PublishNetworkStatus(status types.NetworkStatus) error

	// Faults
	ReportFaultPresent(kind types.ErrorKind, message string) error
	ReportFaultAbsent(kind types.ErrorKind) error
}

// HardwareIO defines the interface for hardware I/O operations needed by
// NetworkSystem
type HardwareIO interface {
	Initialize() error
	Cleanup()

	// Digital I/O
	ReadDigitalInput(channel string) (bool, error)
	WriteDigitalOutput(channel string, value bool) error
	SetInitialValue(name string, value bool)
	RegisterInputCallback(channel string, callback hardware.InputCallback)

	// Status LED
	SetPattern(pattern types.LedPattern)
}
