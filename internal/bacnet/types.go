package bacnet

import (
	"fmt"
	"strconv"
	"strings"
)

// DefaultPort is the standard BACnet/IP UDP port (0xBAC0).
const DefaultPort = 47808

// MaxInstance is the largest object instance number (22 bits).
const MaxInstance uint32 = 0x3FFFFF

// firstProprietaryType is where vendor-defined object types begin.
const firstProprietaryType = 128

// ObjectType identifies the kind of a BACnet object.
//
// The named constants form the closed set of standard types this core
// models. Any value at or above 128 is vendor-proprietary; it is kept as-is
// and reported through IsProprietary so callers can treat it opaquely.
type ObjectType uint16

// Standard object types.
const (
	ObjectAnalogInput          ObjectType = 0
	ObjectAnalogOutput         ObjectType = 1
	ObjectAnalogValue          ObjectType = 2
	ObjectBinaryInput          ObjectType = 3
	ObjectBinaryOutput         ObjectType = 4
	ObjectBinaryValue          ObjectType = 5
	ObjectCalendar             ObjectType = 6
	ObjectCommand              ObjectType = 7
	ObjectDevice               ObjectType = 8
	ObjectEventEnrollment      ObjectType = 9
	ObjectFile                 ObjectType = 10
	ObjectGroup                ObjectType = 11
	ObjectLoop                 ObjectType = 12
	ObjectMultiStateInput      ObjectType = 13
	ObjectMultiStateOutput     ObjectType = 14
	ObjectNotificationClass    ObjectType = 15
	ObjectProgram              ObjectType = 16
	ObjectSchedule             ObjectType = 17
	ObjectAveraging            ObjectType = 18
	ObjectMultiStateValue      ObjectType = 19
	ObjectTrendLog             ObjectType = 20
	ObjectAccumulator          ObjectType = 23
	ObjectCharacterStringValue ObjectType = 40
	ObjectDateValue            ObjectType = 42
	ObjectDateTimeValue        ObjectType = 44
	ObjectIntegerValue         ObjectType = 45
	ObjectPositiveIntegerValue ObjectType = 48
	ObjectNetworkPort          ObjectType = 56
)

var objectTypeNames = map[ObjectType]string{
	ObjectAnalogInput:          "analogInput",
	ObjectAnalogOutput:         "analogOutput",
	ObjectAnalogValue:          "analogValue",
	ObjectBinaryInput:          "binaryInput",
	ObjectBinaryOutput:         "binaryOutput",
	ObjectBinaryValue:          "binaryValue",
	ObjectCalendar:             "calendar",
	ObjectCommand:              "command",
	ObjectDevice:               "device",
	ObjectEventEnrollment:      "eventEnrollment",
	ObjectFile:                 "file",
	ObjectGroup:                "group",
	ObjectLoop:                 "loop",
	ObjectMultiStateInput:      "multiStateInput",
	ObjectMultiStateOutput:     "multiStateOutput",
	ObjectNotificationClass:    "notificationClass",
	ObjectProgram:              "program",
	ObjectSchedule:             "schedule",
	ObjectAveraging:            "averaging",
	ObjectMultiStateValue:      "multiStateValue",
	ObjectTrendLog:             "trendLog",
	ObjectAccumulator:          "accumulator",
	ObjectCharacterStringValue: "characterstringValue",
	ObjectDateValue:            "dateValue",
	ObjectDateTimeValue:        "datetimeValue",
	ObjectIntegerValue:         "integerValue",
	ObjectPositiveIntegerValue: "positiveIntegerValue",
	ObjectNetworkPort:          "networkPort",
}

// objectTypeAliases are the short forms used in scripts ("ai:1", "bo:3").
var objectTypeAliases = map[string]ObjectType{
	"ai":  ObjectAnalogInput,
	"ao":  ObjectAnalogOutput,
	"av":  ObjectAnalogValue,
	"bi":  ObjectBinaryInput,
	"bo":  ObjectBinaryOutput,
	"bv":  ObjectBinaryValue,
	"msi": ObjectMultiStateInput,
	"mso": ObjectMultiStateOutput,
	"msv": ObjectMultiStateValue,
	"dev": ObjectDevice,
	"csv": ObjectCharacterStringValue,
}

// String returns the camelCase BACnet name, or "proprietary-N" / "type-N".
func (t ObjectType) String() string {
	if name, ok := objectTypeNames[t]; ok {
		return name
	}
	if t.IsProprietary() {
		return fmt.Sprintf("proprietary-%d", uint16(t))
	}
	return fmt.Sprintf("type-%d", uint16(t))
}

// IsProprietary reports whether t is in the vendor-defined range.
func (t ObjectType) IsProprietary() bool {
	return t >= firstProprietaryType
}

// IsKnown reports whether t is one of the standard types modelled here.
func (t ObjectType) IsKnown() bool {
	_, ok := objectTypeNames[t]
	return ok
}

// IsCommandable reports whether objects of this type carry a priority array
// on their present value.
func (t ObjectType) IsCommandable() bool {
	switch t {
	case ObjectAnalogOutput, ObjectAnalogValue,
		ObjectBinaryOutput, ObjectBinaryValue,
		ObjectMultiStateOutput, ObjectMultiStateValue,
		ObjectCharacterStringValue, ObjectIntegerValue, ObjectPositiveIntegerValue:
		return true
	}
	return false
}

// IsAnalog reports whether present values of this type are REAL.
func (t ObjectType) IsAnalog() bool {
	return t == ObjectAnalogInput || t == ObjectAnalogOutput || t == ObjectAnalogValue
}

// IsBinary reports whether present values of this type are active/inactive.
func (t ObjectType) IsBinary() bool {
	return t == ObjectBinaryInput || t == ObjectBinaryOutput || t == ObjectBinaryValue
}

// IsMultiState reports whether present values of this type are state numbers.
func (t ObjectType) IsMultiState() bool {
	return t == ObjectMultiStateInput || t == ObjectMultiStateOutput || t == ObjectMultiStateValue
}

// ParseObjectType accepts the camelCase name ("analogInput"), the hyphenated
// form ("analog-input"), a short alias ("ai") or a decimal number.
func ParseObjectType(s string) (ObjectType, error) {
	norm := strings.ToLower(strings.ReplaceAll(strings.TrimSpace(s), "-", ""))
	if t, ok := objectTypeAliases[norm]; ok {
		return t, nil
	}
	for t, name := range objectTypeNames {
		if strings.ToLower(name) == norm {
			return t, nil
		}
	}
	// String renders unnamed types as "proprietary-N" or "type-N".
	norm = strings.TrimPrefix(strings.TrimPrefix(norm, "proprietary"), "type")
	n, err := strconv.ParseUint(norm, 10, 10)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidObjectType, s)
	}
	return ObjectType(n), nil
}

// ObjectID identifies an object within a device.
type ObjectID struct {
	Type     ObjectType `json:"type"`
	Instance uint32     `json:"instance"`
}

// NewObjectID builds an ObjectID.
func NewObjectID(t ObjectType, instance uint32) ObjectID {
	return ObjectID{Type: t, Instance: instance}
}

// Uint32 packs the identifier into its 32-bit wire form: type(10) | instance(22).
func (o ObjectID) Uint32() uint32 {
	return uint32(o.Type)<<22 | (o.Instance & MaxInstance)
}

// ObjectIDFromUint32 unpacks the 32-bit wire form.
func ObjectIDFromUint32(v uint32) ObjectID {
	return ObjectID{
		Type:     ObjectType(v >> 22),
		Instance: v & MaxInstance,
	}
}

// String renders "analogInput:1".
func (o ObjectID) String() string {
	return fmt.Sprintf("%s:%d", o.Type, o.Instance)
}

// ParseObjectID parses the String form, accepting any spelling ParseObjectType does.
func ParseObjectID(s string) (ObjectID, error) {
	typ, inst, ok := strings.Cut(s, ":")
	if !ok {
		return ObjectID{}, fmt.Errorf("%w: object identifier %q must be type:instance", ErrInvalidObjectType, s)
	}
	t, err := ParseObjectType(typ)
	if err != nil {
		return ObjectID{}, err
	}
	n, err := strconv.ParseUint(inst, 10, 32)
	if err != nil || uint32(n) > MaxInstance {
		return ObjectID{}, fmt.Errorf("%w: instance %q out of range", ErrInvalidObjectType, inst)
	}
	return ObjectID{Type: t, Instance: uint32(n)}, nil
}

// PropertyID identifies a property of an object.
type PropertyID uint32

// Property identifiers used by this core.
const (
	PropAll                        PropertyID = 8
	PropApplicationSoftwareVersion PropertyID = 12
	PropCOVIncrement               PropertyID = 22
	PropDescription                PropertyID = 28
	PropEventState                 PropertyID = 36
	PropFirmwareRevision           PropertyID = 44
	PropMaxAPDULengthAccepted      PropertyID = 62
	PropModelName                  PropertyID = 70
	PropNumberOfStates             PropertyID = 74
	PropObjectIdentifier           PropertyID = 75
	PropObjectList                 PropertyID = 76
	PropObjectName                 PropertyID = 77
	PropObjectType                 PropertyID = 79
	PropOutOfService               PropertyID = 81
	PropPresentValue               PropertyID = 85
	PropPriorityArray              PropertyID = 87
	PropProtocolObjectTypes        PropertyID = 96
	PropProtocolServices           PropertyID = 97
	PropProtocolVersion            PropertyID = 98
	PropReliability                PropertyID = 103
	PropRelinquishDefault          PropertyID = 104
	PropSegmentationSupported      PropertyID = 107
	PropStatusFlags                PropertyID = 111
	PropSystemStatus               PropertyID = 112
	PropUnits                      PropertyID = 117
	PropVendorIdentifier           PropertyID = 120
	PropVendorName                 PropertyID = 121
	PropProtocolRevision           PropertyID = 139
)

var propertyNames = map[PropertyID]string{
	PropAll:                        "all",
	PropApplicationSoftwareVersion: "applicationSoftwareVersion",
	PropCOVIncrement:               "covIncrement",
	PropDescription:                "description",
	PropEventState:                 "eventState",
	PropFirmwareRevision:           "firmwareRevision",
	PropMaxAPDULengthAccepted:      "maxApduLengthAccepted",
	PropModelName:                  "modelName",
	PropNumberOfStates:             "numberOfStates",
	PropObjectIdentifier:           "objectIdentifier",
	PropObjectList:                 "objectList",
	PropObjectName:                 "objectName",
	PropObjectType:                 "objectType",
	PropOutOfService:               "outOfService",
	PropPresentValue:               "presentValue",
	PropPriorityArray:              "priorityArray",
	PropProtocolObjectTypes:        "protocolObjectTypesSupported",
	PropProtocolServices:           "protocolServicesSupported",
	PropProtocolVersion:            "protocolVersion",
	PropReliability:                "reliability",
	PropRelinquishDefault:          "relinquishDefault",
	PropSegmentationSupported:      "segmentationSupported",
	PropStatusFlags:                "statusFlags",
	PropSystemStatus:               "systemStatus",
	PropUnits:                      "units",
	PropVendorIdentifier:           "vendorIdentifier",
	PropVendorName:                 "vendorName",
	PropProtocolRevision:           "protocolRevision",
}

func (p PropertyID) String() string {
	if name, ok := propertyNames[p]; ok {
		return name
	}
	return fmt.Sprintf("property-%d", uint32(p))
}

// ParsePropertyID accepts a camelCase property name (case-insensitive,
// hyphens ignored) or a decimal number.
func ParsePropertyID(s string) (PropertyID, error) {
	norm := strings.ToLower(strings.ReplaceAll(strings.TrimSpace(s), "-", ""))
	if norm == "pv" {
		return PropPresentValue, nil
	}
	for p, name := range propertyNames {
		if strings.ToLower(name) == norm {
			return p, nil
		}
	}
	n, err := strconv.ParseUint(strings.TrimPrefix(norm, "property"), 10, 22)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidProperty, s)
	}
	return PropertyID(n), nil
}

// StatusFlags is the four-bit status-flags property.
type StatusFlags struct {
	InAlarm      bool `json:"in_alarm"`
	Fault        bool `json:"fault"`
	Overridden   bool `json:"overridden"`
	OutOfService bool `json:"out_of_service"`
}

// BitString returns the flags as a BACnet bit string value.
func (f StatusFlags) BitString() Value {
	return BitString([]bool{f.InAlarm, f.Fault, f.Overridden, f.OutOfService})
}

// StatusFlagsFromValue reads a bit string value; missing bits are false.
func StatusFlagsFromValue(v Value) StatusFlags {
	bits := v.Bits()
	get := func(i int) bool { return i < len(bits) && bits[i] }
	return StatusFlags{InAlarm: get(0), Fault: get(1), Overridden: get(2), OutOfService: get(3)}
}

// Segmentation is the segmentation-supported enumeration.
type Segmentation uint32

// Segmentation values.
const (
	SegmentedBoth     Segmentation = 0
	SegmentedTransmit Segmentation = 1
	SegmentedReceive  Segmentation = 2
	NoSegmentation    Segmentation = 3
)

// Binary present values.
const (
	BinaryInactive uint32 = 0
	BinaryActive   uint32 = 1
)

// EngineeringUnits is the units enumeration. Only a handful of common units
// are named; others are carried by number.
type EngineeringUnits uint32

// Common engineering units.
const (
	UnitsPercent           EngineeringUnits = 98
	UnitsDegreesCelsius    EngineeringUnits = 62
	UnitsDegreesFahrenheit EngineeringUnits = 64
	UnitsKilowatts         EngineeringUnits = 48
	UnitsKilowattHours     EngineeringUnits = 19
	UnitsPascals           EngineeringUnits = 53
	UnitsPartsPerMillion   EngineeringUnits = 96
	UnitsNoUnits           EngineeringUnits = 95
	UnitsLitersPerSecond   EngineeringUnits = 87
	UnitsVolts             EngineeringUnits = 5
	UnitsAmperes           EngineeringUnits = 3
	UnitsHertz             EngineeringUnits = 27
	UnitsPercentRH         EngineeringUnits = 29
)

var unitNames = map[EngineeringUnits]string{
	UnitsPercent:           "percent",
	UnitsDegreesCelsius:    "degreesCelsius",
	UnitsDegreesFahrenheit: "degreesFahrenheit",
	UnitsKilowatts:         "kilowatts",
	UnitsKilowattHours:     "kilowattHours",
	UnitsPascals:           "pascals",
	UnitsPartsPerMillion:   "partsPerMillion",
	UnitsNoUnits:           "noUnits",
	UnitsLitersPerSecond:   "litersPerSecond",
	UnitsVolts:             "volts",
	UnitsAmperes:           "amperes",
	UnitsHertz:             "hertz",
	UnitsPercentRH:         "percentRelativeHumidity",
}

func (u EngineeringUnits) String() string {
	if name, ok := unitNames[u]; ok {
		return name
	}
	return fmt.Sprintf("units-%d", uint32(u))
}

// ParseUnits accepts a unit name from the table above or a decimal number.
// The empty string maps to noUnits.
func ParseUnits(s string) (EngineeringUnits, error) {
	if s == "" {
		return UnitsNoUnits, nil
	}
	for u, name := range unitNames {
		if strings.EqualFold(name, s) {
			return u, nil
		}
	}
	n, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("%w: unknown units %q", ErrInvalidValue, s)
	}
	return EngineeringUnits(n), nil
}

// ReinitState is the reinitialized-state-of-device enumeration.
type ReinitState uint32

// Reinitialize states.
const (
	ReinitColdStart       ReinitState = 0
	ReinitWarmStart       ReinitState = 1
	ReinitStartBackup     ReinitState = 2
	ReinitEndBackup       ReinitState = 3
	ReinitStartRestore    ReinitState = 4
	ReinitEndRestore      ReinitState = 5
	ReinitAbortRestore    ReinitState = 6
	ReinitActivateChanges ReinitState = 7
)

// ParseReinitState maps "coldstart" / "warmstart" (any case) to a state.
func ParseReinitState(s string) (ReinitState, error) {
	switch strings.ToLower(strings.ReplaceAll(s, "-", "")) {
	case "", "coldstart":
		return ReinitColdStart, nil
	case "warmstart":
		return ReinitWarmStart, nil
	}
	return 0, fmt.Errorf("%w: reinitialize state %q", ErrInvalidValue, s)
}
