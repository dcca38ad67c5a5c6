package point

import "errors"

// Domain errors for the point package.
var (
	// ErrPointNotFound is returned when a point key is not declared.
	ErrPointNotFound = errors.New("point: not found")

	// ErrPointExists is returned when declaring a key that is already declared.
	ErrPointExists = errors.New("point: already declared")

	// ErrInvalidKey is returned when a key string cannot be parsed.
	ErrInvalidKey = errors.New("point: invalid key")

	// ErrInvalidMode is returned for an unrecognised point mode.
	ErrInvalidMode = errors.New("point: invalid mode")

	// ErrInvalidPriority is returned for write priorities above 16.
	ErrInvalidPriority = errors.New("point: invalid priority")

	// ErrReadOnly is returned when writing a virtual point, or a local
	// point with no local device server attached.
	ErrReadOnly = errors.New("point: read only")

	// ErrInvalidVirtual is returned when a virtual point is declared
	// without a compute function, as local, or as subscribed.
	ErrInvalidVirtual = errors.New("point: invalid virtual point")

	// ErrNoRequester is returned when a network operation has no requester.
	ErrNoRequester = errors.New("point: no requester")
)
