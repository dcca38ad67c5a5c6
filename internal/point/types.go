package point

import (
	"cmp"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/nerrad567/gray-logic-bacnet/internal/bacnet"
)

// Key identifies one property of one object on one device.
type Key struct {
	Device   uint32            `json:"device"`
	Object   bacnet.ObjectID   `json:"object"`
	Property bacnet.PropertyID `json:"property"`
}

// NewKey builds a Key.
func NewKey(device uint32, object bacnet.ObjectID, property bacnet.PropertyID) Key {
	return Key{Device: device, Object: object, Property: property}
}

// PresentValue is shorthand for the presentValue key of an object.
func PresentValue(device uint32, object bacnet.ObjectID) Key {
	return NewKey(device, object, bacnet.PropPresentValue)
}

// String renders "1001:analogInput:1:presentValue". The form is URL-path
// safe and round-trips through ParseKey.
func (k Key) String() string {
	return fmt.Sprintf("%d:%s:%s", k.Device, k.Object, k.Property)
}

// With returns the key of another property of the same object.
func (k Key) With(property bacnet.PropertyID) Key {
	k.Property = property
	return k
}

// Compare orders keys by device, object type, instance then property.
func (k Key) Compare(o Key) int {
	return cmp.Or(
		cmp.Compare(k.Device, o.Device),
		cmp.Compare(k.Object.Type, o.Object.Type),
		cmp.Compare(k.Object.Instance, o.Object.Instance),
		cmp.Compare(k.Property, o.Property),
	)
}

// ParseKey parses "device:type:instance[:property]". The property defaults
// to presentValue.
func ParseKey(s string) (Key, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 3 && len(parts) != 4 {
		return Key{}, fmt.Errorf("%w: %q must be device:type:instance[:property]", ErrInvalidKey, s)
	}
	return ParseKeyParts(parts[0], parts[1]+":"+parts[2], strings.Join(parts[3:], ""))
}

// ParseKeyParts parses the three components of a key as used in MQTT topics
// and config: device instance, "type:instance" object, property name.
// An empty property means presentValue.
func ParseKeyParts(device, object, property string) (Key, error) {
	dev, err := strconv.ParseUint(device, 10, 32)
	if err != nil || uint32(dev) >= bacnet.MaxInstance {
		return Key{}, fmt.Errorf("%w: device %q", ErrInvalidKey, device)
	}
	obj, err := bacnet.ParseObjectID(object)
	if err != nil {
		return Key{}, fmt.Errorf("%w: %w", ErrInvalidKey, err)
	}
	prop := bacnet.PropPresentValue
	if property != "" {
		if prop, err = bacnet.ParsePropertyID(property); err != nil {
			return Key{}, fmt.Errorf("%w: %w", ErrInvalidKey, err)
		}
	}
	return NewKey(uint32(dev), obj, prop), nil
}

// Mode is how a point's cache is kept current.
type Mode string

// Point modes.
const (
	// ModePolled points are read by the scheduler every poll interval.
	ModePolled Mode = "polled"

	// ModeSubscribed points are kept current by COV notifications.
	ModeSubscribed Mode = "subscribed"

	// ModeManual points are only read on demand; every Read goes to the network.
	ModeManual Mode = "manual"
)

// AllModes returns every valid mode.
func AllModes() []Mode {
	return []Mode{ModePolled, ModeSubscribed, ModeManual}
}

// ParseMode converts a config or API string to a Mode. Empty means polled.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case "":
		return ModePolled, nil
	case ModePolled, ModeSubscribed, ModeManual:
		return m, nil
	case "cov":
		return ModeSubscribed, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidMode, s)
}

// Reliability records whether the last attempt to refresh a point worked.
type Reliability string

// Reliability values.
const (
	Reliable   Reliability = "reliable"
	Unreliable Reliability = "unreliable"
)

// Source identifies what produced a change.
type Source string

// Change sources.
const (
	SourcePoll  Source = "poll"
	SourceRead  Source = "read"
	SourceCOV   Source = "cov"
	SourceWrite Source = "write"
	SourceLocal Source = "local"
	SourceFault Source = "fault"
)

// PendingWrite describes a write awaiting confirmation.
type PendingWrite struct {
	Value    bacnet.Value `json:"value"`
	Priority uint8        `json:"priority,omitempty"`
	Since    time.Time    `json:"since"`
}

// Spec declares a point.
type Spec struct {
	Key          Key           `json:"key"`
	Mode         Mode          `json:"mode"`
	PollInterval time.Duration `json:"poll_interval"`
	COVLifetime  time.Duration `json:"cov_lifetime"`
	Units        string        `json:"units,omitempty"`

	// History records every change to the registered samplers.
	History bool `json:"history"`

	// Local marks a point served by the local virtual device. Local points
	// are never read from the network.
	Local bool `json:"local"`
}

// Point is a cached property value with its freshness metadata.
type Point struct {
	Key          Key           `json:"key"`
	Value        bacnet.Value  `json:"value"`
	Units        string        `json:"units,omitempty"`
	Reliability  Reliability   `json:"reliability"`
	UpdatedAt    time.Time     `json:"updated_at"`
	Mode         Mode          `json:"mode"`
	PollInterval time.Duration `json:"poll_interval"`
	COVLifetime  time.Duration `json:"cov_lifetime"`
	PendingWrite *PendingWrite `json:"pending_write,omitempty"`
	History      bool          `json:"history"`
	Local        bool          `json:"local"`

	// Virtual is set for points computed by a ComputeFunc instead of read
	// from a device.
	Virtual bool `json:"virtual"`

	// Simulated is set while the object is held out of service by Simulate.
	Simulated bool `json:"simulated"`

	// LastError is the failure that made the point unreliable.
	LastError string `json:"last_error,omitempty"`
}

// DeepCopy returns an independent copy of the point.
func (p *Point) DeepCopy() *Point {
	if p == nil {
		return nil
	}
	cpy := *p
	if p.PendingWrite != nil {
		pw := *p.PendingWrite
		cpy.PendingWrite = &pw
	}
	return &cpy
}

// Read reports whether the point has ever held a value.
func (p *Point) Read() bool {
	return !p.UpdatedAt.IsZero()
}

// Change is delivered to listeners after a point's cache changes.
type Change struct {
	Point    Point        `json:"point"`
	Previous bacnet.Value `json:"previous"`
	Source   Source       `json:"source"`
}

// Filter selects points for List. Zero fields match everything.
type Filter struct {
	Device *uint32
	Mode   Mode
	Local  *bool
}

func (f Filter) matches(p *Point) bool {
	if f.Device != nil && p.Key.Device != *f.Device {
		return false
	}
	if f.Mode != "" && p.Mode != f.Mode {
		return false
	}
	if f.Local != nil && p.Local != *f.Local {
		return false
	}
	return true
}

// Sample is one historized value.
type Sample struct {
	Key       Key
	Value     bacnet.Value
	Reliable  bool
	Timestamp time.Time
}
