package portforward

import (
	"errors"
	"fmt"
)

var (
	// ErrNoDevices is returned when discovery finds no UPnP device at all.
	ErrNoDevices = errors.New("no UPnP devices available")
	// ErrPortMapFailed is returned when no device accepted the port mapping.
	ErrPortMapFailed = errors.New("port mapping failed")
	// ErrNoPortMapService is returned when no device offers an AddPortMapping capable service.
	ErrNoPortMapService = errors.New("unable to find a device with a port mapping service")
	// ErrInvalidPort is returned for port 0.
	ErrInvalidPort = errors.New("invalid port number")
)

// Conditions handled inside the device loop. They never reach callers.
var (
	errNoInternalAddr = errors.New("no internal address matches the device network")
	errNoWANService   = errors.New("no WAN service found on device")
)

// ExhaustedError is returned when every discovered device was tried and none
// accepted the mapping.
type ExhaustedError struct {
	// Tried is the number of devices attempted.
	Tried int
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("failed to setup NAT portmap: tried %d devices", e.Tried)
}

func (e *ExhaustedError) Unwrap() error {
	return ErrPortMapFailed
}
