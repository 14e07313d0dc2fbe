package common

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrorReason is the reason for an error
type ErrorReason string

const (
	// InvalidArgument error reason
	InvalidArgument ErrorReason = "InvalidArgument"
	// NotFound error reason
	NotFound ErrorReason = "NotFound"
	// OutOfMemory error reason
	OutOfMemory ErrorReason = "OutOfMemory"
	// Timeout error reason
	Timeout ErrorReason = "Timeout"
	// ProtocolMismatch error reason
	ProtocolMismatch ErrorReason = "ProtocolMismatch"
	// DeviceError error reason
	DeviceError ErrorReason = "DeviceError"
	// UnsupportedDevice error reason
	UnsupportedDevice ErrorReason = "UnsupportedDevice"
)

var errorDescription = map[ErrorReason]string{
	InvalidArgument:   "invalid argument",
	NotFound:          "not registered",
	OutOfMemory:       "out of device resources",
	Timeout:           "no completion received before the deadline",
	ProtocolMismatch:  "unexpected message from device",
	DeviceError:       "device reported an error",
	UnsupportedDevice: "no transport available for device kind",
}

// Error is the error type returned by every public operation of this module.
type Error struct {
	reason ErrorReason
	detail string
	code   uint32
	err    error
}

func (e *Error) Error() string {

	var cause string
	if e.err != nil {
		cause = ": " + e.err.Error()
	}

	desc := errorDescription[e.reason]

	switch {
	case e.reason == DeviceError:
		return fmt.Sprintf("%s (code: %d): %s: %s%s", e.reason, e.code, desc, e.detail, cause)
	case e.detail == "":
		return fmt.Sprintf("%s: %s%s", e.reason, desc, cause)
	default:
		return fmt.Sprintf("%s: %s: %s%s", e.reason, desc, e.detail, cause)
	}
}

// Reason returns the reason of the error.
func (e *Error) Reason() ErrorReason {
	return e.reason
}

// Unwrap returns the underlying channel error, if any.
func (e *Error) Unwrap() error {
	return e.err
}

// ErrInvalidArgument creates a new invalid argument error.
func ErrInvalidArgument(format string, args ...interface{}) error {
	return &Error{
		reason: InvalidArgument,
		detail: fmt.Sprintf(format, args...),
	}
}

// ErrNotFound creates a new not found error.
func ErrNotFound(format string, args ...interface{}) error {
	return &Error{
		reason: NotFound,
		detail: fmt.Sprintf(format, args...),
	}
}

// ErrOutOfMemory creates a new out of memory error.
func ErrOutOfMemory(format string, args ...interface{}) error {
	return &Error{
		reason: OutOfMemory,
		detail: fmt.Sprintf(format, args...),
	}
}

// ErrTimeout creates a new timeout error wrapping the channel error.
func ErrTimeout(detail string, err error) error {
	return &Error{
		reason: Timeout,
		detail: detail,
		err:    err,
	}
}

// ErrProtocolMismatch creates a new protocol mismatch error.
func ErrProtocolMismatch(format string, args ...interface{}) error {
	return &Error{
		reason: ProtocolMismatch,
		detail: fmt.Sprintf(format, args...),
	}
}

// ErrDeviceError creates a new device error carrying the device result code verbatim.
func ErrDeviceError(detail string, code uint32) error {
	return &Error{
		reason: DeviceError,
		detail: detail,
		code:   code,
	}
}

// ErrUnsupportedDevice creates a new unsupported device error.
func ErrUnsupportedDevice(format string, args ...interface{}) error {
	return &Error{
		reason: UnsupportedDevice,
		detail: fmt.Sprintf(format, args...),
	}
}

func reasonOf(err error) (ErrorReason, bool) {

	if err == nil {
		return "", false
	}

	t, ok := errors.Cause(err).(*Error)
	if !ok {
		return "", false
	}

	return t.reason, true
}

func isReason(err error, reason ErrorReason) bool {
	r, ok := reasonOf(err)
	return ok && r == reason
}

// IsErrInvalidArgument checks if this error is an invalid argument error
func IsErrInvalidArgument(err error) bool {
	return isReason(err, InvalidArgument)
}

// IsErrNotFound checks if this error is a not found error
func IsErrNotFound(err error) bool {
	return isReason(err, NotFound)
}

// IsErrOutOfMemory checks if this error is an out of memory error
func IsErrOutOfMemory(err error) bool {
	return isReason(err, OutOfMemory)
}

// IsErrTimeout checks if this error is a timeout error
func IsErrTimeout(err error) bool {
	return isReason(err, Timeout)
}

// IsErrProtocolMismatch checks if this error is a protocol mismatch error
func IsErrProtocolMismatch(err error) bool {
	return isReason(err, ProtocolMismatch)
}

// IsErrDeviceError checks if this error is a device reported error
func IsErrDeviceError(err error) bool {
	return isReason(err, DeviceError)
}

// IsErrUnsupportedDevice checks if this error is an unsupported device error
func IsErrUnsupportedDevice(err error) bool {
	return isReason(err, UnsupportedDevice)
}

// DeviceErrorCode returns the device result code carried by err. The boolean
// is false when err is not a device error.
func DeviceErrorCode(err error) (uint32, bool) {

	if err == nil {
		return 0, false
	}

	t, ok := errors.Cause(err).(*Error)
	if !ok || t.reason != DeviceError {
		return 0, false
	}

	return t.code, true
}
