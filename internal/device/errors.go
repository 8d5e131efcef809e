package device

import "errors"

// Sentinel errors returned by Device.CallFunction. The dispatcher maps
// these to protocol status codes; device implementations never construct
// a protocol Status directly.
var (
	// ErrDeviceNotFound marks an unknown device id; the dispatcher maps it
	// to NOT_FOUND. Registry.Get reports an unknown id with ok=false rather
	// than returning this error.
	ErrDeviceNotFound = errors.New("device: not found")

	// ErrUnknownFunction is returned when a function id has no handler on
	// the device.
	ErrUnknownFunction = errors.New("device: unknown function")

	// ErrInvalidArgument is returned when a call's arguments are missing
	// or of the wrong shape.
	ErrInvalidArgument = errors.New("device: invalid argument")

	// ErrPreconditionFailed is returned when a function cannot run in the
	// device's current state (e.g. set_relay while in closed-loop mode).
	ErrPreconditionFailed = errors.New("device: precondition failed")

	// ErrUnknownDeviceType is returned by the factory for an unrecognised
	// configured device type.
	ErrUnknownDeviceType = errors.New("device: unknown device type")
)
