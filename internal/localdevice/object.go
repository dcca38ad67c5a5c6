package localdevice

import (
	"fmt"
	"slices"

	"github.com/nerrad567/gray-logic-bacnet/internal/bacnet"
)

const (
	// prioritySlots is the size of a commandable object's priority array.
	prioritySlots = 16

	// DefaultWritePriority applies to writes that carry no priority.
	DefaultWritePriority uint8 = 16
)

// ObjectSpec declares a local object.
type ObjectSpec struct {
	Object      bacnet.ObjectID
	Name        string
	Description string
	Units       bacnet.EngineeringUnits

	// Initial is the relinquish default of commandable objects and the
	// starting present value of the others. Null picks a zero value of the
	// object's datatype.
	Initial bacnet.Value
}

// ObjectState is a snapshot of one local object.
type ObjectState struct {
	Object            bacnet.ObjectID         `json:"object"`
	Name              string                  `json:"name"`
	Description       string                  `json:"description,omitempty"`
	Units             bacnet.EngineeringUnits `json:"units"`
	PresentValue      bacnet.Value            `json:"present_value"`
	RelinquishDefault bacnet.Value            `json:"relinquish_default,omitzero"`
	PriorityArray     []bacnet.Value          `json:"priority_array,omitempty"`
	ActivePriority    uint8                   `json:"active_priority,omitempty"`
	OutOfService      bool                    `json:"out_of_service"`
}

// object is one served object. The Server's mutex guards it.
type object struct {
	id          bacnet.ObjectID
	name        string
	description string
	units       bacnet.EngineeringUnits

	commandable bool
	slots       [prioritySlots]bacnet.Value
	relinquish  bacnet.Value

	// present is the value of non-commandable objects. Commandable objects
	// derive theirs from the slots.
	present      bacnet.Value
	outOfService bool
}

func newObject(spec ObjectSpec) (*object, error) {
	t := spec.Object.Type
	if t == bacnet.ObjectDevice || !t.IsKnown() {
		return nil, fmt.Errorf("%w: %s cannot be served locally", ErrInvalidObject, spec.Object)
	}
	if spec.Object.Instance >= bacnet.MaxInstance {
		return nil, fmt.Errorf("%w: instance %d", ErrInvalidObject, spec.Object.Instance)
	}

	initial := spec.Initial
	if initial.IsNull() {
		initial = zeroValue(t)
	}
	initial, err := coerce(t, initial)
	if err != nil {
		return nil, fmt.Errorf("%w: initial value of %s: %w", ErrInvalidObject, spec.Object, err)
	}

	name := spec.Name
	if name == "" {
		name = spec.Object.String()
	}
	o := &object{
		id:          spec.Object,
		name:        name,
		description: spec.Description,
		units:       spec.Units,
		commandable: t.IsCommandable(),
	}
	if o.commandable {
		o.relinquish = initial
	} else {
		o.present = initial
	}
	return o, nil
}

// presentValue returns the highest-priority active slot, or the relinquish
// default when every slot is empty.
func (o *object) presentValue() (bacnet.Value, uint8) {
	if !o.commandable {
		return o.present, 0
	}
	for i, v := range o.slots {
		if !v.IsNull() {
			return v, uint8(i + 1) //nolint:gosec // i < 16
		}
	}
	return o.relinquish, 0
}

// command writes value at priority; Null releases the slot.
func (o *object) command(value bacnet.Value, priority uint8) error {
	if !o.commandable {
		if value.IsNull() {
			return fmt.Errorf("%w: %s is not commandable", ErrInvalidDataType, o.id)
		}
		v, err := coerce(o.id.Type, value)
		if err != nil {
			return err
		}
		o.present = v
		return nil
	}

	if priority == 0 {
		priority = DefaultWritePriority
	}
	if priority > prioritySlots {
		return fmt.Errorf("%w: priority %d", ErrValueOutOfRange, priority)
	}
	if value.IsNull() {
		o.slots[priority-1] = bacnet.Null()
		return nil
	}
	v, err := coerce(o.id.Type, value)
	if err != nil {
		return err
	}
	o.slots[priority-1] = v
	return nil
}

func (o *object) properties() []bacnet.PropertyID {
	props := []bacnet.PropertyID{
		bacnet.PropObjectIdentifier,
		bacnet.PropObjectName,
		bacnet.PropObjectType,
		bacnet.PropPresentValue,
		bacnet.PropStatusFlags,
		bacnet.PropOutOfService,
		bacnet.PropDescription,
	}
	if o.id.Type.IsAnalog() {
		props = append(props, bacnet.PropUnits)
	}
	if o.commandable {
		props = append(props, bacnet.PropPriorityArray, bacnet.PropRelinquishDefault)
	}
	return props
}

// read returns a property value. index selects a priority array element;
// element 0 is the array size.
func (o *object) read(prop bacnet.PropertyID, index *uint32) (bacnet.Value, error) {
	if !slices.Contains(o.properties(), prop) {
		return bacnet.Value{}, fmt.Errorf("%w: %s of %s", ErrUnknownProperty, prop, o.id)
	}
	if index != nil && prop != bacnet.PropPriorityArray {
		return bacnet.Value{}, fmt.Errorf("%w: %s is not an array", ErrInvalidArrayIndex, prop)
	}

	switch prop {
	case bacnet.PropObjectIdentifier:
		return bacnet.ObjectIdentifier(o.id), nil
	case bacnet.PropObjectName:
		return bacnet.CharacterString(o.name), nil
	case bacnet.PropObjectType:
		return bacnet.Enumerated(uint32(o.id.Type)), nil
	case bacnet.PropPresentValue:
		v, _ := o.presentValue()
		return v, nil
	case bacnet.PropStatusFlags:
		return bacnet.StatusFlags{OutOfService: o.outOfService}.BitString(), nil
	case bacnet.PropOutOfService:
		return bacnet.Boolean(o.outOfService), nil
	case bacnet.PropDescription:
		return bacnet.CharacterString(o.description), nil
	case bacnet.PropUnits:
		return bacnet.Enumerated(uint32(o.units)), nil
	case bacnet.PropRelinquishDefault:
		return o.relinquish, nil
	case bacnet.PropPriorityArray:
		if index == nil {
			return bacnet.List(o.slots[:]...), nil
		}
		switch i := *index; {
		case i == 0:
			return bacnet.Unsigned(prioritySlots), nil
		case i <= prioritySlots:
			return o.slots[i-1], nil
		}
		return bacnet.Value{}, fmt.Errorf("%w: %d", ErrInvalidArrayIndex, *index)
	}
	return bacnet.Value{}, fmt.Errorf("%w: %s of %s", ErrUnknownProperty, prop, o.id)
}

// write applies a property write and reports whether the present value
// may have changed.
func (o *object) write(prop bacnet.PropertyID, value bacnet.Value, priority uint8) (bool, error) {
	switch prop {
	case bacnet.PropPresentValue:
		return true, o.command(value, priority)
	case bacnet.PropOutOfService:
		b, ok := value.Bool()
		if !ok || value.Kind() != bacnet.KindBoolean {
			return false, fmt.Errorf("%w: outOfService takes a boolean", ErrInvalidDataType)
		}
		o.outOfService = b
		return false, nil
	case bacnet.PropRelinquishDefault:
		if !o.commandable {
			return false, fmt.Errorf("%w: %s of %s", ErrUnknownProperty, prop, o.id)
		}
		v, err := coerce(o.id.Type, value)
		if err != nil {
			return false, err
		}
		o.relinquish = v
		return true, nil
	case bacnet.PropDescription:
		s, ok := value.Text()
		if !ok {
			return false, fmt.Errorf("%w: description takes a character string", ErrInvalidDataType)
		}
		o.description = s
		return false, nil
	}
	if slices.Contains(o.properties(), prop) {
		return false, fmt.Errorf("%w: %s of %s", ErrWriteAccessDenied, prop, o.id)
	}
	return false, fmt.Errorf("%w: %s of %s", ErrUnknownProperty, prop, o.id)
}

func (o *object) state() ObjectState {
	pv, active := o.presentValue()
	st := ObjectState{
		Object:         o.id,
		Name:           o.name,
		Description:    o.description,
		Units:          o.units,
		PresentValue:   pv,
		ActivePriority: active,
		OutOfService:   o.outOfService,
	}
	if o.commandable {
		st.RelinquishDefault = o.relinquish
		st.PriorityArray = slices.Clone(o.slots[:])
	}
	return st
}

func zeroValue(t bacnet.ObjectType) bacnet.Value {
	switch {
	case t.IsAnalog():
		return bacnet.Real(0)
	case t.IsBinary():
		return bacnet.Enumerated(bacnet.BinaryInactive)
	case t.IsMultiState():
		return bacnet.Unsigned(1)
	case t == bacnet.ObjectCharacterStringValue:
		return bacnet.CharacterString("")
	}
	return bacnet.Unsigned(0)
}

// coerce converts a written value to the datatype of the object type's
// present value.
func coerce(t bacnet.ObjectType, v bacnet.Value) (bacnet.Value, error) {
	switch {
	case t.IsAnalog():
		f, ok := v.Float()
		if !ok || v.Kind() == bacnet.KindBoolean {
			return bacnet.Value{}, fmt.Errorf("%w: %s takes REAL, got %s", ErrInvalidDataType, t, v.Kind())
		}
		return bacnet.Real(float32(f)), nil
	case t.IsBinary():
		b, ok := v.Bool()
		if !ok {
			return bacnet.Value{}, fmt.Errorf("%w: %s takes active/inactive, got %s", ErrInvalidDataType, t, v.Kind())
		}
		if u, isNum := v.Uint(); isNum && u > 1 {
			return bacnet.Value{}, fmt.Errorf("%w: binary state %d", ErrValueOutOfRange, u)
		}
		if b {
			return bacnet.Enumerated(bacnet.BinaryActive), nil
		}
		return bacnet.Enumerated(bacnet.BinaryInactive), nil
	case t.IsMultiState():
		u, ok := v.Uint()
		if !ok {
			return bacnet.Value{}, fmt.Errorf("%w: %s takes an unsigned state, got %s", ErrInvalidDataType, t, v.Kind())
		}
		if u == 0 {
			return bacnet.Value{}, fmt.Errorf("%w: multi-state value 0", ErrValueOutOfRange)
		}
		return bacnet.Unsigned(u), nil
	case t == bacnet.ObjectCharacterStringValue:
		if _, ok := v.Text(); !ok {
			return bacnet.Value{}, fmt.Errorf("%w: %s takes a character string", ErrInvalidDataType, t)
		}
	}
	return v, nil
}
