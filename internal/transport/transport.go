// Package transport carries frames between the engine and the device over
// datagram sockets. The UDP implementation is used in production; MemNetwork
// is an in-memory stand-in for tests and the simulator.
package transport

import (
	"context"
	"errors"
	"fmt"

	"github.com/sheerbytes/gomerlink/internal/status"
)

// Conn is a datagram endpoint bound to one remote device.
// Receive is intended for a single reader goroutine.
type Conn interface {
	// Send writes one datagram. The ctx deadline, if any, bounds the write.
	Send(ctx context.Context, b []byte) error
	// Receive blocks until a datagram from the remote arrives, ctx is done,
	// or the Conn is closed. A ctx deadline yields status.ErrTimeout.
	Receive(ctx context.Context) ([]byte, error)
	LocalAddr() string
	RemoteAddr() string
	Close() error
}

// PacketConn is an unconnected datagram endpoint, used for discovery
// broadcast and by the simulated device.
type PacketConn interface {
	SendTo(ctx context.Context, b []byte, addr string) error
	ReceiveFrom(ctx context.Context) ([]byte, string, error)
	LocalAddr() string
	Close() error
}

// Network opens endpoints.
type Network interface {
	Dial(ctx context.Context, addr string) (Conn, error)
	// ListenPacket binds addr; an empty addr picks an ephemeral one.
	ListenPacket(ctx context.Context, addr string) (PacketConn, error)
}

// ErrLinkDown is returned by Receive once the underlying link has failed.
var ErrLinkDown = errors.New("link down")

// ctxErr converts a finished context into the engine's error taxonomy.
func ctxErr(ctx context.Context) error {
	err := ctx.Err()
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", status.ErrTimeout, err)
	}
	return err
}
