package localdevice

import (
	"errors"

	"github.com/nerrad567/gray-logic-bacnet/internal/bacnet"
)

// Domain errors for the local device server.
var (
	// ErrUnknownObject is returned for an object the device does not serve.
	ErrUnknownObject = errors.New("localdevice: unknown object")

	// ErrUnknownProperty is returned for a property the object does not have.
	ErrUnknownProperty = errors.New("localdevice: unknown property")

	// ErrWriteAccessDenied is returned when writing a read-only property.
	ErrWriteAccessDenied = errors.New("localdevice: write access denied")

	// ErrInvalidDataType is returned when a written value has the wrong
	// datatype for the property.
	ErrInvalidDataType = errors.New("localdevice: invalid data type")

	// ErrValueOutOfRange is returned for a value or priority outside the
	// property's range.
	ErrValueOutOfRange = errors.New("localdevice: value out of range")

	// ErrInvalidArrayIndex is returned for a priority array index outside 0..16.
	ErrInvalidArrayIndex = errors.New("localdevice: invalid array index")

	// ErrPasswordFailure is returned when ReinitializeDevice carries the wrong
	// password, or no password is configured.
	ErrPasswordFailure = errors.New("localdevice: password failure")

	// ErrObjectExists is returned when declaring an object twice.
	ErrObjectExists = errors.New("localdevice: object already declared")

	// ErrInvalidObject is returned when an object declaration is unusable.
	ErrInvalidObject = errors.New("localdevice: invalid object")
)

// errorClassCode maps a server error to the class and code of the Error PDU
// sent back to the requester.
func errorClassCode(err error) (bacnet.ErrorClass, bacnet.ErrorCode) {
	switch {
	case errors.Is(err, ErrUnknownObject):
		return bacnet.ErrorClassObject, bacnet.ErrorCodeUnknownObject
	case errors.Is(err, ErrUnknownProperty):
		return bacnet.ErrorClassProperty, bacnet.ErrorCodeUnknownProperty
	case errors.Is(err, ErrWriteAccessDenied):
		return bacnet.ErrorClassProperty, bacnet.ErrorCodeWriteAccessDenied
	case errors.Is(err, ErrInvalidDataType):
		return bacnet.ErrorClassProperty, bacnet.ErrorCodeInvalidDataType
	case errors.Is(err, ErrValueOutOfRange):
		return bacnet.ErrorClassProperty, bacnet.ErrorCodeValueOutOfRange
	case errors.Is(err, ErrInvalidArrayIndex):
		return bacnet.ErrorClassProperty, bacnet.ErrorCodeInvalidArrayIndex
	case errors.Is(err, ErrPasswordFailure):
		return bacnet.ErrorClassSecurity, bacnet.ErrorCodePasswordFailure
	}
	return bacnet.ErrorClassDevice, bacnet.ErrorCodeOther
}
