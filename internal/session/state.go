package session

import (
	"errors"
	"fmt"

	"github.com/sheerbytes/gomerlink/pkg/protocol"
)

// State is the lifecycle position of the Manager.
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosing:
		return "closing"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

var (
	// ErrLost wraps the cause when the receive loop ends a session on its own.
	ErrLost = errors.New("session lost")
	// ErrPeerClosed is the cause when the device sends Bye.
	ErrPeerClosed = errors.New("device closed the session")
	// ErrDisconnected is the reason given to listeners after Disconnect.
	ErrDisconnected = errors.New("session disconnected")
)

// FrameHandler consumes frames of the kinds it was registered for.
// HandleFrame runs on the receive loop goroutine; the frame payload is only
// valid for the duration of the call.
type FrameHandler interface {
	HandleFrame(f protocol.Frame)
}

// FrameHandlerFunc adapts a function to FrameHandler.
type FrameHandlerFunc func(f protocol.Frame)

func (fn FrameHandlerFunc) HandleFrame(f protocol.Frame) { fn(f) }

// Listener is told once when a connected session ends. lost is true when the
// end was not requested through Disconnect.
type Listener interface {
	SessionClosed(reason error, lost bool)
}
