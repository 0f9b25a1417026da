// Package status defines the error taxonomy shared by the engine packages.
package status

import "errors"

var (
	ErrInvalidInput     = errors.New("invalid input")
	ErrTooLarge         = errors.New("payload too large")
	ErrBusy             = errors.New("resource busy")
	ErrNotConnected     = errors.New("not connected")
	ErrAlreadyConnected = errors.New("already connected")
	ErrNoTarget         = errors.New("no target device")
	ErrTimeout          = errors.New("timeout")
	ErrTransport        = errors.New("transport failure")
	ErrProtocol         = errors.New("protocol error")
	ErrClosed           = errors.New("closed")
)

// Class is the taxonomy bucket of an error.
type Class string

const (
	ClassNone            Class = ""
	ClassInputValidation Class = "input_validation"
	ClassResourceBusy    Class = "resource_busy"
	ClassSessionState    Class = "session_state"
	ClassTimeout         Class = "timeout"
	ClassTransport       Class = "transport"
	ClassProtocol        Class = "protocol"
	ClassOther           Class = "other"
)

// Classify maps err onto its taxonomy class.
func Classify(err error) Class {
	switch {
	case err == nil:
		return ClassNone
	case errors.Is(err, ErrInvalidInput), errors.Is(err, ErrTooLarge):
		return ClassInputValidation
	case errors.Is(err, ErrBusy):
		return ClassResourceBusy
	case errors.Is(err, ErrNotConnected), errors.Is(err, ErrAlreadyConnected),
		errors.Is(err, ErrNoTarget), errors.Is(err, ErrClosed):
		return ClassSessionState
	case errors.Is(err, ErrTimeout):
		return ClassTimeout
	case errors.Is(err, ErrTransport):
		return ClassTransport
	case errors.Is(err, ErrProtocol):
		return ClassProtocol
	default:
		return ClassOther
	}
}

// IsTimeout reports whether err is a timeout of any layer.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}
