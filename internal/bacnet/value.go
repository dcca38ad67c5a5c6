package bacnet

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ApplicationTag numbers for primitive BACnet datatypes.
const (
	TagNull            uint8 = 0
	TagBoolean         uint8 = 1
	TagUnsigned        uint8 = 2
	TagSigned          uint8 = 3
	TagReal            uint8 = 4
	TagDouble          uint8 = 5
	TagOctetString     uint8 = 6
	TagCharacterString uint8 = 7
	TagBitString       uint8 = 8
	TagEnumerated      uint8 = 9
	TagDate            uint8 = 10
	TagTime            uint8 = 11
	TagObjectID        uint8 = 12
)

// ValueKind discriminates the Value variant.
type ValueKind uint8

// Value kinds.
const (
	KindNull ValueKind = iota
	KindBoolean
	KindUnsigned
	KindSigned
	KindReal
	KindDouble
	KindOctetString
	KindCharacterString
	KindBitString
	KindEnumerated
	KindObjectID
	KindList
	KindOpaque
)

var kindNames = [...]string{
	KindNull:            "null",
	KindBoolean:         "boolean",
	KindUnsigned:        "unsigned",
	KindSigned:          "signed",
	KindReal:            "real",
	KindDouble:          "double",
	KindOctetString:     "octetString",
	KindCharacterString: "characterString",
	KindBitString:       "bitString",
	KindEnumerated:      "enumerated",
	KindObjectID:        "objectIdentifier",
	KindList:            "list",
	KindOpaque:          "opaque",
}

func (k ValueKind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind-%d", uint8(k))
}

// Value is a decoded BACnet property value.
//
// The zero Value is Null. Values are immutable once built; the List and
// byte accessors return the underlying slices, which callers must not modify.
type Value struct {
	kind  ValueKind
	b     bool
	u     uint64
	i     int64
	f     float64
	s     string
	raw   []byte
	bits  []bool
	obj   ObjectID
	items []Value
	tag   uint8
}

// Null returns the NULL value, used to relinquish a commanded priority.
func Null() Value { return Value{} }

// Boolean returns a BOOLEAN value.
func Boolean(v bool) Value { return Value{kind: KindBoolean, b: v} }

// Unsigned returns an Unsigned Integer value.
func Unsigned(v uint64) Value { return Value{kind: KindUnsigned, u: v} }

// Signed returns a Signed Integer value.
func Signed(v int64) Value { return Value{kind: KindSigned, i: v} }

// Real returns a single-precision REAL value.
func Real(v float32) Value { return Value{kind: KindReal, f: float64(v)} }

// Double returns a Double value.
func Double(v float64) Value { return Value{kind: KindDouble, f: v} }

// OctetString returns an Octet String value.
func OctetString(v []byte) Value { return Value{kind: KindOctetString, raw: v} }

// CharacterString returns a UTF-8 Character String value.
func CharacterString(v string) Value { return Value{kind: KindCharacterString, s: v} }

// BitString returns a Bit String value; bit 0 is the first element.
func BitString(bits []bool) Value { return Value{kind: KindBitString, bits: bits} }

// Enumerated returns an Enumerated value.
func Enumerated(v uint32) Value { return Value{kind: KindEnumerated, u: uint64(v)} }

// ObjectIdentifier returns a BACnetObjectIdentifier value.
func ObjectIdentifier(o ObjectID) Value { return Value{kind: KindObjectID, obj: o} }

// List returns a sequence of values, as read from array or list properties.
func List(items ...Value) Value { return Value{kind: KindList, items: items} }

// Opaque carries an application-tagged value this package does not decode
// (dates, times, vendor data) so it can be re-encoded unchanged.
func Opaque(tag uint8, content []byte) Value {
	return Value{kind: KindOpaque, tag: tag, raw: content}
}

// Kind returns the variant discriminator.
func (v Value) Kind() ValueKind { return v.kind }

// IsNull reports whether v is NULL.
func (v Value) IsNull() bool { return v.kind == KindNull }

// Bool returns the boolean content. Enumerated binary values count as well:
// active (1) is true.
func (v Value) Bool() (bool, bool) {
	switch v.kind {
	case KindBoolean:
		return v.b, true
	case KindEnumerated, KindUnsigned:
		return v.u != 0, true
	}
	return false, false
}

// Float returns any numeric content as float64.
func (v Value) Float() (float64, bool) {
	switch v.kind {
	case KindReal, KindDouble:
		return v.f, true
	case KindUnsigned, KindEnumerated:
		return float64(v.u), true
	case KindSigned:
		return float64(v.i), true
	case KindBoolean:
		if v.b {
			return 1, true
		}
		return 0, true
	}
	return 0, false
}

// Uint returns unsigned or enumerated content.
func (v Value) Uint() (uint64, bool) {
	if v.kind == KindUnsigned || v.kind == KindEnumerated {
		return v.u, true
	}
	return 0, false
}

// Text returns character string content.
func (v Value) Text() (string, bool) {
	if v.kind == KindCharacterString {
		return v.s, true
	}
	return "", false
}

// Object returns object identifier content.
func (v Value) Object() (ObjectID, bool) {
	if v.kind == KindObjectID {
		return v.obj, true
	}
	return ObjectID{}, false
}

// Bits returns bit string content, or nil.
func (v Value) Bits() []bool {
	if v.kind == KindBitString {
		return v.bits
	}
	return nil
}

// Items returns list content, or nil.
func (v Value) Items() []Value {
	if v.kind == KindList {
		return v.items
	}
	return nil
}

// Raw returns the tag and content bytes of an opaque or octet string value.
func (v Value) Raw() (uint8, []byte) {
	return v.tag, v.raw
}

// Equal compares two values by kind and content.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindNull:
		return true
	case KindBoolean:
		return v.b == o.b
	case KindUnsigned, KindEnumerated:
		return v.u == o.u
	case KindSigned:
		return v.i == o.i
	case KindReal, KindDouble:
		return v.f == o.f
	case KindCharacterString:
		return v.s == o.s
	case KindOctetString:
		return bytes.Equal(v.raw, o.raw)
	case KindOpaque:
		return v.tag == o.tag && bytes.Equal(v.raw, o.raw)
	case KindObjectID:
		return v.obj == o.obj
	case KindBitString:
		if len(v.bits) != len(o.bits) {
			return false
		}
		for i := range v.bits {
			if v.bits[i] != o.bits[i] {
				return false
			}
		}
		return true
	case KindList:
		if len(v.items) != len(o.items) {
			return false
		}
		for i := range v.items {
			if !v.items[i].Equal(o.items[i]) {
				return false
			}
		}
		return true
	}
	return false
}

// Native converts the value to plain Go data for JSON and MQTT payloads.
func (v Value) Native() any {
	switch v.kind {
	case KindNull:
		return nil
	case KindBoolean:
		return v.b
	case KindUnsigned, KindEnumerated:
		return v.u
	case KindSigned:
		return v.i
	case KindReal:
		// Round-trip through float32 text so 21.7 does not print as 21.700000762939453.
		f, _ := strconv.ParseFloat(strconv.FormatFloat(v.f, 'g', -1, 32), 64) //nolint:errcheck // formatted by strconv
		return f
	case KindDouble:
		return v.f
	case KindCharacterString:
		return v.s
	case KindObjectID:
		return v.obj.String()
	case KindBitString:
		return v.bits
	case KindList:
		out := make([]any, len(v.items))
		for i, item := range v.items {
			out[i] = item.Native()
		}
		return out
	case KindOctetString, KindOpaque:
		return v.raw
	}
	return nil
}

// MarshalJSON encodes the native form.
func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.Native())
}

// String renders the value for logs.
func (v Value) String() string {
	switch v.kind {
	case KindNull:
		return "null"
	case KindList:
		parts := make([]string, len(v.items))
		for i, item := range v.items {
			parts[i] = item.String()
		}
		return "[" + strings.Join(parts, ", ") + "]"
	case KindOpaque:
		return fmt.Sprintf("opaque(tag=%d, %x)", v.tag, v.raw)
	}
	return fmt.Sprintf("%v", v.Native())
}

// ValueForObject coerces plain Go data (as decoded from JSON or YAML) into
// the datatype the present value of objects of type t expects.
//
// nil always maps to Null so callers can relinquish. Analog types take REAL,
// binary types take Enumerated active/inactive (from bool, number or the
// strings "active"/"inactive"), multi-state types take Unsigned state numbers.
// Other types fall back to the natural mapping of the Go type.
func ValueForObject(t ObjectType, in any) (Value, error) {
	if in == nil {
		return Null(), nil
	}
	if v, ok := in.(Value); ok {
		return v, nil
	}

	switch {
	case t.IsAnalog():
		f, err := toFloat(in)
		if err != nil {
			return Value{}, err
		}
		if math.Abs(f) > math.MaxFloat32 {
			return Value{}, fmt.Errorf("%w: %v overflows REAL", ErrInvalidValue, f)
		}
		return Real(float32(f)), nil
	case t.IsBinary():
		switch x := in.(type) {
		case bool:
			if x {
				return Enumerated(BinaryActive), nil
			}
			return Enumerated(BinaryInactive), nil
		case string:
			switch strings.ToLower(x) {
			case "active", "on", "true", "1":
				return Enumerated(BinaryActive), nil
			case "inactive", "off", "false", "0":
				return Enumerated(BinaryInactive), nil
			}
			return Value{}, fmt.Errorf("%w: %q is not a binary state", ErrInvalidValue, x)
		}
		f, err := toFloat(in)
		if err != nil {
			return Value{}, err
		}
		if f != 0 && f != 1 {
			return Value{}, fmt.Errorf("%w: binary value must be 0 or 1, got %v", ErrInvalidValue, f)
		}
		return Enumerated(uint32(f)), nil
	case t.IsMultiState():
		f, err := toFloat(in)
		if err != nil {
			return Value{}, err
		}
		if f < 1 || f != math.Trunc(f) {
			return Value{}, fmt.Errorf("%w: multi-state value must be a positive integer, got %v", ErrInvalidValue, f)
		}
		return Unsigned(uint64(f)), nil
	case t == ObjectCharacterStringValue:
		s, ok := in.(string)
		if !ok {
			return Value{}, fmt.Errorf("%w: expected string, got %T", ErrInvalidValue, in)
		}
		return CharacterString(s), nil
	}
	return naturalValue(in)
}

// ValueForProperty coerces plain Go data for a write to prop of an object
// of type t. Present value and relinquish default follow ValueForObject;
// outOfService takes a boolean; everything else takes the natural mapping.
func ValueForProperty(t ObjectType, prop PropertyID, in any) (Value, error) {
	switch prop {
	case PropPresentValue, PropRelinquishDefault:
		return ValueForObject(t, in)
	case PropOutOfService:
		b, ok := in.(bool)
		if !ok {
			return Value{}, fmt.Errorf("%w: outOfService takes a boolean, got %T", ErrInvalidValue, in)
		}
		return Boolean(b), nil
	}
	if in == nil {
		return Null(), nil
	}
	if v, ok := in.(Value); ok {
		return v, nil
	}
	return naturalValue(in)
}

func naturalValue(in any) (Value, error) {
	switch x := in.(type) {
	case bool:
		return Boolean(x), nil
	case string:
		return CharacterString(x), nil
	case int:
		return Signed(int64(x)), nil
	case int64:
		return Signed(x), nil
	case uint32:
		return Unsigned(uint64(x)), nil
	case uint64:
		return Unsigned(x), nil
	case float32:
		return Real(x), nil
	case float64:
		return Real(float32(x)), nil
	}
	return Value{}, fmt.Errorf("%w: unsupported type %T", ErrInvalidValue, in)
}

func toFloat(in any) (float64, error) {
	switch x := in.(type) {
	case float64:
		return x, nil
	case float32:
		return float64(x), nil
	case int:
		return float64(x), nil
	case int64:
		return float64(x), nil
	case uint32:
		return float64(x), nil
	case uint64:
		return float64(x), nil
	case json.Number:
		return x.Float64()
	case string:
		f, err := strconv.ParseFloat(x, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %q is not a number", ErrInvalidValue, x)
		}
		return f, nil
	case bool:
		if x {
			return 1, nil
		}
		return 0, nil
	}
	return 0, fmt.Errorf("%w: expected number, got %T", ErrInvalidValue, in)
}
