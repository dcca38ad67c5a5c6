package device

import (
	"fmt"
	"net/netip"
	"unicode/utf8"

	"github.com/nerrad567/gray-logic-bacnet/internal/bacnet"
)

// Validation constants.
const (
	maxNameLength = 255

	// maxObjects bounds the persisted object catalog of one device.
	maxObjects = 10000
)

// ValidateDevice checks a device before it is cached or persisted.
// Returns an error describing the first validation failure found.
func ValidateDevice(d *Device) error {
	if d == nil {
		return ErrInvalidDevice
	}
	if err := ValidateInstance(d.Instance); err != nil {
		return err
	}
	if err := ValidateAddress(d.Address); err != nil {
		return err
	}
	if utf8.RuneCountInString(d.Name) > maxNameLength {
		return fmt.Errorf("%w: name exceeds %d characters", ErrInvalidDevice, maxNameLength)
	}
	if len(d.Objects) > maxObjects {
		return fmt.Errorf("%w: object list exceeds %d entries", ErrInvalidDevice, maxObjects)
	}
	return nil
}

// ValidateInstance checks a device instance number. 4194303 is the
// wildcard instance and never names a real device.
func ValidateInstance(instance uint32) error {
	if instance >= bacnet.MaxInstance {
		return fmt.Errorf("%w: %d", ErrInvalidInstance, instance)
	}
	return nil
}

// ValidateAddress checks a BACnet/IP address of the form "ip:port".
func ValidateAddress(addr string) error {
	if addr == "" {
		return fmt.Errorf("%w: empty", ErrInvalidAddress)
	}
	ap, err := netip.ParseAddrPort(addr)
	if err != nil {
		return fmt.Errorf("%w: %q: %w", ErrInvalidAddress, addr, err)
	}
	if ap.Port() == 0 {
		return fmt.Errorf("%w: %q has port 0", ErrInvalidAddress, addr)
	}
	return nil
}

// ValidateScope checks a discovery scope.
func ValidateScope(s Scope) error {
	if s.High != 0 && s.Low > s.High {
		return fmt.Errorf("%w: low %d > high %d", ErrInvalidScope, s.Low, s.High)
	}
	if s.High > bacnet.MaxInstance {
		return fmt.Errorf("%w: high %d out of range", ErrInvalidScope, s.High)
	}
	if s.Window < 0 {
		return fmt.Errorf("%w: negative window", ErrInvalidScope)
	}
	if s.Address != "" {
		if err := ValidateAddress(s.Address); err != nil {
			return err
		}
	}
	return nil
}
