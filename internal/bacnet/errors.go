package bacnet

import (
	"errors"
	"fmt"
)

// Domain errors for the BACnet codec.
var (
	// ErrMalformed is returned when bytes cannot be decoded as the expected
	// BVLC, NPDU, APDU or service structure.
	ErrMalformed = errors.New("bacnet: malformed data")

	// ErrUnsupported is returned for well-formed data this codec does not handle.
	ErrUnsupported = errors.New("bacnet: unsupported")

	// ErrSegmentationNotSupported is returned for segmented APDUs.
	ErrSegmentationNotSupported = errors.New("bacnet: segmentation not supported")

	// ErrNetworkMessage is returned by DecodeFrame for network-layer messages,
	// which carry no APDU.
	ErrNetworkMessage = errors.New("bacnet: network layer message")

	// ErrInvalidObjectType is returned when an object type name cannot be parsed.
	ErrInvalidObjectType = errors.New("bacnet: invalid object type")

	// ErrInvalidProperty is returned when a property name cannot be parsed.
	ErrInvalidProperty = errors.New("bacnet: invalid property")

	// ErrInvalidValue is returned when a value cannot be coerced to the
	// datatype a property expects.
	ErrInvalidValue = errors.New("bacnet: invalid value")
)

// ErrorClass is the BACnet error class carried in an Error PDU.
type ErrorClass uint32

// Error classes.
const (
	ErrorClassDevice        ErrorClass = 0
	ErrorClassObject        ErrorClass = 1
	ErrorClassProperty      ErrorClass = 2
	ErrorClassResources     ErrorClass = 3
	ErrorClassSecurity      ErrorClass = 4
	ErrorClassServices      ErrorClass = 5
	ErrorClassVT            ErrorClass = 6
	ErrorClassCommunication ErrorClass = 7
)

var errorClassNames = map[ErrorClass]string{
	ErrorClassDevice:        "device",
	ErrorClassObject:        "object",
	ErrorClassProperty:      "property",
	ErrorClassResources:     "resources",
	ErrorClassSecurity:      "security",
	ErrorClassServices:      "services",
	ErrorClassVT:            "vt",
	ErrorClassCommunication: "communication",
}

func (c ErrorClass) String() string {
	if name, ok := errorClassNames[c]; ok {
		return name
	}
	return fmt.Sprintf("error-class(%d)", uint32(c))
}

// ErrorCode is the BACnet error code carried in an Error PDU.
type ErrorCode uint32

// Error codes used by this core.
const (
	ErrorCodeOther                    ErrorCode = 0
	ErrorCodeDeviceBusy               ErrorCode = 3
	ErrorCodeInconsistentParameters   ErrorCode = 7
	ErrorCodeInvalidDataType          ErrorCode = 9
	ErrorCodeMissingRequiredParameter ErrorCode = 16
	ErrorCodePasswordFailure          ErrorCode = 26
	ErrorCodeServiceRequestDenied     ErrorCode = 29
	ErrorCodeTimeout                  ErrorCode = 30
	ErrorCodeUnknownObject            ErrorCode = 31
	ErrorCodeUnknownProperty          ErrorCode = 32
	ErrorCodeUnsupportedObjectType    ErrorCode = 36
	ErrorCodeValueOutOfRange          ErrorCode = 37
	ErrorCodeWriteAccessDenied        ErrorCode = 40
	ErrorCodeInvalidArrayIndex        ErrorCode = 42
	ErrorCodeCOVSubscriptionFailed    ErrorCode = 43
	ErrorCodeNotCOVProperty           ErrorCode = 44
	ErrorCodeOptionalNotSupported     ErrorCode = 45
)

var errorCodeNames = map[ErrorCode]string{
	ErrorCodeOther:                    "other",
	ErrorCodeDeviceBusy:               "device-busy",
	ErrorCodeInconsistentParameters:   "inconsistent-parameters",
	ErrorCodeInvalidDataType:          "invalid-data-type",
	ErrorCodeMissingRequiredParameter: "missing-required-parameter",
	ErrorCodePasswordFailure:          "password-failure",
	ErrorCodeServiceRequestDenied:     "service-request-denied",
	ErrorCodeTimeout:                  "timeout",
	ErrorCodeUnknownObject:            "unknown-object",
	ErrorCodeUnknownProperty:          "unknown-property",
	ErrorCodeUnsupportedObjectType:    "unsupported-object-type",
	ErrorCodeValueOutOfRange:          "value-out-of-range",
	ErrorCodeWriteAccessDenied:        "write-access-denied",
	ErrorCodeInvalidArrayIndex:        "invalid-array-index",
	ErrorCodeCOVSubscriptionFailed:    "cov-subscription-failed",
	ErrorCodeNotCOVProperty:           "not-cov-property",
	ErrorCodeOptionalNotSupported:     "optional-functionality-not-supported",
}

func (c ErrorCode) String() string {
	if name, ok := errorCodeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("error-code(%d)", uint32(c))
}

// RejectReason is carried in a Reject PDU.
type RejectReason uint8

// Reject reasons.
const (
	RejectOther                    RejectReason = 0
	RejectBufferOverflow           RejectReason = 1
	RejectInconsistentParameters   RejectReason = 2
	RejectInvalidParameterDataType RejectReason = 3
	RejectInvalidTag               RejectReason = 4
	RejectMissingRequiredParameter RejectReason = 5
	RejectParameterOutOfRange      RejectReason = 6
	RejectTooManyArguments         RejectReason = 7
	RejectUndefinedEnumeration     RejectReason = 8
	RejectUnrecognizedService      RejectReason = 9
)

// AbortReason is carried in an Abort PDU.
type AbortReason uint8

// Abort reasons.
const (
	AbortOther                    AbortReason = 0
	AbortBufferOverflow           AbortReason = 1
	AbortInvalidAPDUInThisState   AbortReason = 2
	AbortPreemptedByHigherPrio    AbortReason = 3
	AbortSegmentationNotSupported AbortReason = 4
)

// ServiceError is the decoded content of an Error PDU.
type ServiceError struct {
	Service uint8
	Class   ErrorClass
	Code    ErrorCode
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("bacnet error: %s/%s (service %d)", e.Class, e.Code, e.Service)
}

// RejectError is the decoded content of a Reject PDU.
type RejectError struct {
	Reason RejectReason
}

func (e *RejectError) Error() string {
	return fmt.Sprintf("bacnet reject: reason %d", e.Reason)
}

// AbortError is the decoded content of an Abort PDU.
type AbortError struct {
	Reason AbortReason
	Server bool
}

func (e *AbortError) Error() string {
	return fmt.Sprintf("bacnet abort: reason %d (server=%t)", e.Reason, e.Server)
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformed, fmt.Sprintf(format, args...))
}
