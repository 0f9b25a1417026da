package simdevice

import (
	"context"
	"testing"

	"github.com/sheerbytes/gomerlink/internal/transport"
)

// Start binds a device at addr on n and serves it until the test ends.
func Start(tb testing.TB, n *transport.MemNetwork, addr, name string, opts ...Option) *Device {
	tb.Helper()
	pc, err := n.ListenPacket(context.Background(), addr)
	if err != nil {
		tb.Fatalf("simdevice: listen %s: %v", addr, err)
	}
	d := New(pc, name, opts...)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = d.Serve(ctx)
	}()
	tb.Cleanup(func() {
		cancel()
		<-done
		_ = pc.Close()
	})
	return d
}
