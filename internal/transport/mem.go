package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/sheerbytes/gomerlink/internal/status"
)

const memInboxSize = 1024

// Filter decides whether a datagram is delivered. Returning false drops it.
type Filter func(from, to string, b []byte) bool

// MemNetwork is an in-memory datagram network. A SendTo addressed to
// 255.255.255.255:port reaches every endpoint bound to that port.
type MemNetwork struct {
	mu        sync.Mutex
	endpoints map[string]*memEndpoint
	next      int
	filter    Filter
	dropped   atomic.Int64
}

func NewMemNetwork() *MemNetwork {
	return &MemNetwork{endpoints: make(map[string]*memEndpoint)}
}

// SetFilter installs f for every subsequent delivery. nil delivers everything.
func (n *MemNetwork) SetFilter(f Filter) {
	n.mu.Lock()
	n.filter = f
	n.mu.Unlock()
}

// Dropped counts datagrams lost to filters, full inboxes or missing endpoints.
func (n *MemNetwork) Dropped() int64 {
	return n.dropped.Load()
}

// Break fails the endpoint bound to addr: its pending and future receives
// return ErrLinkDown.
func (n *MemNetwork) Break(addr string) {
	n.mu.Lock()
	ep := n.endpoints[addr]
	n.mu.Unlock()
	if ep != nil {
		ep.breakOnce.Do(func() { close(ep.broken) })
	}
}

// Endpoints lists the bound addresses.
func (n *MemNetwork) Endpoints() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, 0, len(n.endpoints))
	for addr := range n.endpoints {
		out = append(out, addr)
	}
	return out
}

func (n *MemNetwork) Dial(ctx context.Context, addr string) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, ctxErr(ctx)
	}
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return nil, fmt.Errorf("%w: dial %s: %w", status.ErrTransport, addr, err)
	}
	ep, err := n.bind("")
	if err != nil {
		return nil, err
	}
	return &memConn{ep: ep, remote: addr}, nil
}

func (n *MemNetwork) ListenPacket(ctx context.Context, addr string) (PacketConn, error) {
	if err := ctx.Err(); err != nil {
		return nil, ctxErr(ctx)
	}
	ep, err := n.bind(addr)
	if err != nil {
		return nil, err
	}
	return &memPacketConn{ep: ep}, nil
}

func (n *MemNetwork) bind(addr string) (*memEndpoint, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if addr == "" {
		n.next++
		addr = fmt.Sprintf("10.1.0.%d:%d", n.next%250+1, 40000+n.next)
	}
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return nil, fmt.Errorf("%w: bind %s: %w", status.ErrTransport, addr, err)
	}
	if _, taken := n.endpoints[addr]; taken {
		return nil, fmt.Errorf("%w: bind %s: address in use", status.ErrTransport, addr)
	}
	ep := &memEndpoint{
		addr:   addr,
		net:    n,
		inbox:  make(chan datagram, memInboxSize),
		closed: make(chan struct{}),
		broken: make(chan struct{}),
	}
	n.endpoints[addr] = ep
	return ep, nil
}

func (n *MemNetwork) unbind(ep *memEndpoint) {
	n.mu.Lock()
	if n.endpoints[ep.addr] == ep {
		delete(n.endpoints, ep.addr)
	}
	n.mu.Unlock()
}

func (n *MemNetwork) deliver(from, to string, b []byte) {
	host, port, _ := net.SplitHostPort(to)
	n.mu.Lock()
	filter := n.filter
	var targets []*memEndpoint
	if host == "255.255.255.255" {
		for addr, ep := range n.endpoints {
			if _, p, _ := net.SplitHostPort(addr); p == port && addr != from {
				targets = append(targets, ep)
			}
		}
	} else if ep, ok := n.endpoints[to]; ok {
		targets = append(targets, ep)
	}
	n.mu.Unlock()

	if len(targets) == 0 {
		n.dropped.Add(1)
		return
	}
	for _, ep := range targets {
		if filter != nil && !filter(from, ep.addr, b) {
			n.dropped.Add(1)
			continue
		}
		d := datagram{from: from, data: append([]byte(nil), b...)}
		select {
		case ep.inbox <- d:
		default:
			n.dropped.Add(1)
		}
	}
}

type datagram struct {
	from string
	data []byte
}

type memEndpoint struct {
	addr      string
	net       *MemNetwork
	inbox     chan datagram
	closed    chan struct{}
	closeOnce sync.Once
	broken    chan struct{}
	breakOnce sync.Once
}

func (ep *memEndpoint) send(ctx context.Context, b []byte, to string) error {
	if err := ctx.Err(); err != nil {
		return ctxErr(ctx)
	}
	select {
	case <-ep.closed:
		return fmt.Errorf("%w: send on closed endpoint", status.ErrClosed)
	default:
	}
	select {
	case <-ep.broken:
		return fmt.Errorf("%w: %w", status.ErrTransport, ErrLinkDown)
	default:
	}
	ep.net.deliver(ep.addr, to, b)
	return nil
}

func (ep *memEndpoint) receive(ctx context.Context) (datagram, error) {
	select {
	case d := <-ep.inbox:
		return d, nil
	case <-ep.closed:
		return datagram{}, fmt.Errorf("%w: receive on closed endpoint", status.ErrClosed)
	case <-ep.broken:
		return datagram{}, fmt.Errorf("%w: %w", status.ErrTransport, ErrLinkDown)
	case <-ctx.Done():
		return datagram{}, ctxErr(ctx)
	}
}

func (ep *memEndpoint) close() error {
	ep.closeOnce.Do(func() {
		close(ep.closed)
		ep.net.unbind(ep)
	})
	return nil
}

type memConn struct {
	ep     *memEndpoint
	remote string
}

func (c *memConn) Send(ctx context.Context, b []byte) error {
	return c.ep.send(ctx, b, c.remote)
}

// Receive discards datagrams from anyone but the remote, like a connected UDP socket.
func (c *memConn) Receive(ctx context.Context) ([]byte, error) {
	for {
		d, err := c.ep.receive(ctx)
		if err != nil {
			return nil, err
		}
		if d.from == c.remote {
			return d.data, nil
		}
	}
}

func (c *memConn) LocalAddr() string  { return c.ep.addr }
func (c *memConn) RemoteAddr() string { return c.remote }
func (c *memConn) Close() error       { return c.ep.close() }

type memPacketConn struct {
	ep *memEndpoint
}

func (c *memPacketConn) SendTo(ctx context.Context, b []byte, addr string) error {
	return c.ep.send(ctx, b, addr)
}

func (c *memPacketConn) ReceiveFrom(ctx context.Context) ([]byte, string, error) {
	d, err := c.ep.receive(ctx)
	if err != nil {
		return nil, "", err
	}
	return d.data, d.from, nil
}

func (c *memPacketConn) LocalAddr() string { return c.ep.addr }
func (c *memPacketConn) Close() error      { return c.ep.close() }
