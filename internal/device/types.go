package device

import (
	"fmt"
	"slices"
	"time"

	"github.com/nerrad567/gray-logic-bacnet/internal/bacnet"
)

// Device is a remote BACnet device known to the registry.
// This matches the database schema in migrations/20260301_090000_devices.up.sql.
type Device struct {
	// Identity
	Instance uint32 `json:"instance"`
	Name     string `json:"name,omitempty"`

	// Address is the BACnet/IP address the device answered from, "ip:port".
	Address string `json:"address"`

	// Vendor metadata from I-Am and the device object.
	VendorID   uint16 `json:"vendor_id"`
	VendorName string `json:"vendor_name,omitempty"`
	ModelName  string `json:"model_name,omitempty"`

	// Capabilities advertised in I-Am.
	MaxAPDU      uint32              `json:"max_apdu"`
	Segmentation bacnet.Segmentation `json:"segmentation"`

	// Objects is the object catalog, filled by ReadObjectList.
	Objects []bacnet.ObjectID `json:"objects"`

	Reachability Reachability `json:"reachability"`
	LastSeen     time.Time    `json:"last_seen"`

	// Timestamps
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DeepCopy creates a complete independent copy of the Device.
// The object catalog slice is cloned so the copy never aliases the cache.
func (d *Device) DeepCopy() *Device {
	if d == nil {
		return nil
	}
	cpy := *d
	if d.Objects != nil {
		cpy.Objects = slices.Clone(d.Objects)
	}
	return &cpy
}

// ObjectID returns the device object identifier, device:<instance>.
func (d *Device) ObjectID() bacnet.ObjectID {
	return bacnet.NewObjectID(bacnet.ObjectDevice, d.Instance)
}

// HasObject reports whether the catalog contains o.
func (d *Device) HasObject(o bacnet.ObjectID) bool {
	return slices.Contains(d.Objects, o)
}

// String renders "device:1001@192.168.1.50:47808".
func (d *Device) String() string {
	return fmt.Sprintf("device:%d@%s", d.Instance, d.Address)
}

// Reachability is the derived liveness of a device.
type Reachability string

// Reachability values.
const (
	ReachabilityUnknown     Reachability = "unknown"
	ReachabilityOnline      Reachability = "online"
	ReachabilityUnreachable Reachability = "unreachable"
)

// AllReachabilities returns every valid reachability value.
func AllReachabilities() []Reachability {
	return []Reachability{ReachabilityUnknown, ReachabilityOnline, ReachabilityUnreachable}
}

// ParseReachability converts a stored string back to a Reachability.
// Unrecognised values map to ReachabilityUnknown.
func ParseReachability(s string) Reachability {
	r := Reachability(s)
	if slices.Contains(AllReachabilities(), r) {
		return r
	}
	return ReachabilityUnknown
}

// Online reports whether the device answered its last exchange.
func (r Reachability) Online() bool {
	return r == ReachabilityOnline
}

// Scope restricts one discovery run.
type Scope struct {
	// Low and High bound the device instance range. Both zero means all
	// devices.
	Low  uint32 `json:"low"`
	High uint32 `json:"high"`

	// Window is how long I-Am responses are collected. Zero takes the
	// registry's configured window.
	Window time.Duration `json:"window"`

	// Address sends a directed Who-Is to one "ip:port" instead of a
	// broadcast.
	Address string `json:"address,omitempty"`
}

// WhoIs builds the Who-Is request for the scope.
func (s Scope) WhoIs() bacnet.WhoIs {
	if s.Low == 0 && s.High == 0 {
		return bacnet.WhoIs{}
	}
	high := s.High
	if high == 0 {
		high = bacnet.MaxInstance
	}
	return bacnet.WhoIs{HasRange: true, Low: s.Low, High: high}
}
