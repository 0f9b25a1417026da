package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/sheerbytes/gomerlink/internal/bufpool"
	"github.com/sheerbytes/gomerlink/internal/status"
	"github.com/sheerbytes/gomerlink/pkg/protocol"
)

const (
	minUDPBuffer = 256 * 1024
	maxUDPBuffer = 64 * 1024 * 1024

	// DefaultSocketBuffer sizes kernel buffers for a 720p I420 stream burst.
	DefaultSocketBuffer = 4 * 1024 * 1024
)

const (
	TuneOK     = "ok"
	TuneDenied = "denied"
	TuneNA     = "n/a"
)

var datagramPool = bufpool.New(protocol.MaxDatagramSize)

// TuneResult reports how the kernel honoured a socket buffer request.
type TuneResult struct {
	RequestedR int
	RequestedW int
	Status     string
	Err        string
}

// TuneBuffers requests kernel socket buffers, clamped to sane bounds.
func TuneBuffers(conn *net.UDPConn, r, w int) TuneResult {
	result := TuneResult{
		RequestedR: clampUDPBuffer(r),
		RequestedW: clampUDPBuffer(w),
		Status:     TuneOK,
	}
	if conn == nil {
		result.Status = TuneNA
		result.Err = "no underlying UDPConn"
		return result
	}
	var errs []string
	if err := conn.SetReadBuffer(result.RequestedR); err != nil {
		errs = append(errs, "read: "+err.Error())
	}
	if err := conn.SetWriteBuffer(result.RequestedW); err != nil {
		errs = append(errs, "write: "+err.Error())
	}
	if len(errs) > 0 {
		result.Status = TuneDenied
		result.Err = strings.Join(errs, "; ")
	}
	return result
}

func clampUDPBuffer(n int) int {
	if n < minUDPBuffer {
		return minUDPBuffer
	}
	if n > maxUDPBuffer {
		return maxUDPBuffer
	}
	return n
}

// UDPNetwork opens IPv4 UDP sockets.
type UDPNetwork struct {
	SocketBuffer int
	logger       *slog.Logger
}

func NewUDPNetwork(logger *slog.Logger) *UDPNetwork {
	if logger == nil {
		logger = slog.Default()
	}
	return &UDPNetwork{
		SocketBuffer: DefaultSocketBuffer,
		logger:       logger.With("component", "transport"),
	}
}

func (n *UDPNetwork) Dial(ctx context.Context, addr string) (Conn, error) {
	var d net.Dialer
	c, err := d.DialContext(ctx, "udp4", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %w", status.ErrTransport, addr, err)
	}
	uc := c.(*net.UDPConn)
	n.tune(uc)
	return &udpConn{conn: uc}, nil
}

func (n *UDPNetwork) ListenPacket(ctx context.Context, addr string) (PacketConn, error) {
	if addr == "" {
		addr = ":0"
	}
	lc := net.ListenConfig{Control: enableBroadcast}
	pc, err := lc.ListenPacket(ctx, "udp4", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: listen %s: %w", status.ErrTransport, addr, err)
	}
	uc := pc.(*net.UDPConn)
	n.tune(uc)
	return &udpPacketConn{conn: uc}, nil
}

func (n *UDPNetwork) tune(uc *net.UDPConn) {
	res := TuneBuffers(uc, n.SocketBuffer, n.SocketBuffer)
	if res.Status != TuneOK {
		n.logger.Debug("socket buffer tuning", "status", res.Status, "err", res.Err)
	}
}

type udpConn struct {
	conn *net.UDPConn
}

func (c *udpConn) Send(ctx context.Context, b []byte) error {
	if err := setWriteDeadline(ctx, c.conn); err != nil {
		return err
	}
	if _, err := c.conn.Write(b); err != nil {
		return classify(ctx, err)
	}
	return nil
}

func (c *udpConn) Receive(ctx context.Context) ([]byte, error) {
	b, _, err := readFrom(ctx, c.conn)
	return b, err
}

func (c *udpConn) LocalAddr() string  { return c.conn.LocalAddr().String() }
func (c *udpConn) RemoteAddr() string { return c.conn.RemoteAddr().String() }
func (c *udpConn) Close() error       { return c.conn.Close() }

type udpPacketConn struct {
	conn *net.UDPConn
}

func (c *udpPacketConn) SendTo(ctx context.Context, b []byte, addr string) error {
	ua, err := net.ResolveUDPAddr("udp4", addr)
	if err != nil {
		return fmt.Errorf("%w: resolve %s: %w", status.ErrTransport, addr, err)
	}
	if err := setWriteDeadline(ctx, c.conn); err != nil {
		return err
	}
	if _, err := c.conn.WriteToUDP(b, ua); err != nil {
		return classify(ctx, err)
	}
	return nil
}

func (c *udpPacketConn) ReceiveFrom(ctx context.Context) ([]byte, string, error) {
	b, from, err := readFrom(ctx, c.conn)
	if err != nil {
		return nil, "", err
	}
	return b, from.String(), nil
}

func (c *udpPacketConn) LocalAddr() string { return c.conn.LocalAddr().String() }
func (c *udpPacketConn) Close() error      { return c.conn.Close() }

func setWriteDeadline(ctx context.Context, conn *net.UDPConn) error {
	if err := ctx.Err(); err != nil {
		return ctxErr(ctx)
	}
	deadline, _ := ctx.Deadline()
	return conn.SetWriteDeadline(deadline)
}

// readFrom reads one datagram, honouring both the ctx deadline and ctx
// cancellation by moving the socket read deadline.
func readFrom(ctx context.Context, conn *net.UDPConn) ([]byte, *net.UDPAddr, error) {
	if ctx.Err() != nil {
		return nil, nil, ctxErr(ctx)
	}
	deadline, _ := ctx.Deadline()
	if err := conn.SetReadDeadline(deadline); err != nil {
		return nil, nil, classify(ctx, err)
	}
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetReadDeadline(time.Now())
	})
	defer stop()

	buf := datagramPool.Get()
	n, from, err := conn.ReadFromUDP(buf)
	if err != nil {
		datagramPool.Put(buf)
		return nil, nil, classify(ctx, err)
	}
	return datagramPool.CopyOut(buf, n), from, nil
}

func classify(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctxErr(ctx)
	}
	if errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("%w: %w", status.ErrClosed, err)
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return fmt.Errorf("%w: %w", status.ErrTimeout, err)
	}
	return fmt.Errorf("%w: %w", status.ErrTransport, err)
}
