// Package session owns the single connection to a device: connect and
// disconnect, the receive loop that routes every inbound frame, heartbeats,
// and the serialized write path the other components send through.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/sheerbytes/gomerlink/internal/discovery"
	"github.com/sheerbytes/gomerlink/internal/logging"
	"github.com/sheerbytes/gomerlink/internal/metrics"
	"github.com/sheerbytes/gomerlink/internal/status"
	"github.com/sheerbytes/gomerlink/internal/transport"
	"github.com/sheerbytes/gomerlink/pkg/protocol"
)

const (
	minHelloRetry = 50 * time.Millisecond
	byeTimeout    = 100 * time.Millisecond
)

// DeviceSource supplies the default target when Connect is given none.
type DeviceSource interface {
	First() (discovery.Device, bool)
}

// Config holds session timing policy.
type Config struct {
	ConnectTimeout    time.Duration
	StopTimeout       time.Duration
	HeartbeatInterval time.Duration
	IdleTimeout       time.Duration
}

// Manager enforces at most one session at a time.
type Manager struct {
	net     transport.Network
	devices DeviceSource
	cfg     Config
	logger  *slog.Logger

	mu        sync.Mutex
	state     State
	cur       *link
	routes    map[protocol.Kind]FrameHandler
	listeners []Listener
}

// link is one session: its Conn, loop and write lock.
type link struct {
	id     string
	peer   discovery.Device
	conn   transport.Conn
	routes map[protocol.Kind]FrameHandler
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	acked  chan struct{}

	ackOnce  sync.Once
	downOnce sync.Once
	closed   atomic.Bool
	live     atomic.Bool
	loopErr  error

	// inHandler is set while the loop runs a frame handler.
	inHandler atomic.Bool

	writeMu sync.Mutex
}

func NewManager(n transport.Network, devices DeviceSource, cfg Config, logger *slog.Logger) *Manager {
	return &Manager{
		net:     n,
		devices: devices,
		cfg:     cfg,
		logger:  logging.Component(logger, "session"),
		routes:  make(map[protocol.Kind]FrameHandler),
	}
}

// Handle registers h for frames of kind. Registrations made while a session
// is up take effect on the next Connect.
func (m *Manager) Handle(kind protocol.Kind, h FrameHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.routes[kind] = h
}

// AddListener registers l for session-end notifications.
func (m *Manager) AddListener(l Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Connected reports whether a session is Connected.
func (m *Manager) Connected() bool {
	return m.State() == StateConnected
}

// Peer returns the connected device.
func (m *Manager) Peer() (discovery.Device, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateConnected || m.cur == nil {
		return discovery.Device{}, false
	}
	return m.cur.peer, true
}

// ID returns the id of the current session, or "".
func (m *Manager) ID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cur == nil {
		return ""
	}
	return m.cur.id
}

func (m *Manager) setStateLocked(s State) {
	m.state = s
	metrics.SessionState(int(s))
}

// Connect opens a session to target, or to the first device of the latest
// discovery round when target is nil. It returns once the device acknowledged
// the hello, or fails with status.ErrTimeout after ConnectTimeout. A second
// Connect while a session exists fails with status.ErrAlreadyConnected and
// leaves the existing session untouched.
func (m *Manager) Connect(ctx context.Context, target *discovery.Device) error {
	m.mu.Lock()
	if m.state != StateIdle {
		st := m.state
		m.mu.Unlock()
		return fmt.Errorf("%w: session is %s", status.ErrAlreadyConnected, st)
	}
	peer, err := m.resolveLocked(target)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	m.setStateLocked(StateConnecting)
	routes := make(map[protocol.Kind]FrameHandler, len(m.routes))
	for k, h := range m.routes {
		routes[k] = h
	}
	m.mu.Unlock()

	cctx, cancel := context.WithTimeout(ctx, m.cfg.ConnectTimeout)
	defer cancel()

	conn, err := m.net.Dial(cctx, peer.Addr)
	if err != nil {
		m.mu.Lock()
		m.setStateLocked(StateIdle)
		m.mu.Unlock()
		metrics.SessionEvent("connect_failed")
		return fmt.Errorf("connect %s: %w", peer.Name, err)
	}

	l := newLink(peer, conn, routes, m.logger)
	m.mu.Lock()
	m.cur = l
	m.mu.Unlock()
	go m.receiveLoop(l)

	if err := m.handshake(cctx, l); err != nil {
		m.teardown(l, err, false, false)
		metrics.SessionEvent("connect_failed")
		m.logger.Warn("connect failed", "device", peer.Name, "addr", peer.Addr, "err", err)
		return fmt.Errorf("connect %s: %w", peer.Name, err)
	}

	m.mu.Lock()
	if m.cur != l || m.state != StateConnecting {
		m.mu.Unlock()
		return fmt.Errorf("connect %s: %w: torn down during handshake", peer.Name, status.ErrClosed)
	}
	m.setStateLocked(StateConnected)
	m.mu.Unlock()

	if m.cfg.HeartbeatInterval > 0 {
		go m.heartbeat(l)
	}
	metrics.SessionEvent("connected")
	m.logger.Info("connected", "device", peer.Name, "addr", peer.Addr, "session_id", l.id)
	return nil
}

func (m *Manager) resolveLocked(target *discovery.Device) (discovery.Device, error) {
	var peer discovery.Device
	switch {
	case target != nil:
		peer = *target
	case m.devices != nil:
		d, ok := m.devices.First()
		if !ok {
			return discovery.Device{}, fmt.Errorf("%w: run discovery first", status.ErrNoTarget)
		}
		peer = d
	default:
		return discovery.Device{}, status.ErrNoTarget
	}
	if peer.Addr == "" {
		return discovery.Device{}, fmt.Errorf("%w: device %q has no address", status.ErrInvalidInput, peer.Name)
	}
	return peer, nil
}

// handshake sends hello until HelloAck, loop failure or ctx expiry.
func (m *Manager) handshake(ctx context.Context, l *link) error {
	hello, err := protocol.EncodeFrame(protocol.KindHello, []byte(l.id))
	if err != nil {
		return err
	}
	retry := m.cfg.ConnectTimeout / 4
	if retry < minHelloRetry {
		retry = minHelloRetry
	}
	ticker := time.NewTicker(retry)
	defer ticker.Stop()

	for {
		if err := l.write(ctx, hello); err != nil {
			return err
		}
		select {
		case <-l.acked:
			return nil
		case <-l.done:
			if l.loopErr != nil {
				return l.loopErr
			}
			return status.ErrClosed
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return fmt.Errorf("%w: no handshake reply within %s", status.ErrTimeout, m.cfg.ConnectTimeout)
			}
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Disconnect ends the current session. It is a no-op returning nil when no
// session exists or one is already closing. The receive loop is joined for
// at most StopTimeout, unless Disconnect runs inside a frame handler, in
// which case the loop stops once the handler returns.
func (m *Manager) Disconnect() error {
	m.mu.Lock()
	l := m.cur
	if l == nil || m.state == StateClosing {
		m.mu.Unlock()
		return nil
	}
	m.setStateLocked(StateClosing)
	m.mu.Unlock()

	if l.live.Load() {
		if bye, err := protocol.EncodeFrame(protocol.KindBye, nil); err == nil {
			ctx, cancel := context.WithTimeout(context.Background(), byeTimeout)
			_ = l.write(ctx, bye)
			cancel()
		}
	}
	err := m.teardown(l, ErrDisconnected, false, l.inHandler.Load())
	metrics.SessionEvent("disconnected")
	m.logger.Info("disconnected", "device", l.peer.Name, "session_id", l.id)
	return err
}

// lose ends the session from the receive loop after an unrecoverable error.
func (m *Manager) lose(l *link, cause error) {
	m.mu.Lock()
	if m.cur != l || m.state == StateClosing {
		m.mu.Unlock()
		return
	}
	m.setStateLocked(StateClosing)
	m.mu.Unlock()

	reason := fmt.Errorf("%w: %w", ErrLost, cause)
	if l.live.Load() {
		metrics.SessionEvent("lost")
		m.logger.Error("session lost", "device", l.peer.Name, "session_id", l.id,
			"err_class", status.Classify(cause), "err", cause)
	}
	_ = m.teardown(l, reason, true, true)
}

// teardown stops l exactly once, returns the manager to Idle and then
// notifies listeners if l was connected, so a listener may Connect again.
// fromLoop skips joining the loop goroutine.
func (m *Manager) teardown(l *link, reason error, lost, fromLoop bool) error {
	var err error
	l.downOnce.Do(func() {
		l.closed.Store(true)
		l.cancel()
		_ = l.conn.Close()

		if !fromLoop {
			select {
			case <-l.done:
			case <-time.After(m.cfg.StopTimeout):
				err = fmt.Errorf("%w: receive loop still running after %s", status.ErrTimeout, m.cfg.StopTimeout)
				m.logger.Warn("receive loop did not stop", "session_id", l.id, "timeout", m.cfg.StopTimeout)
			}
		}

		m.mu.Lock()
		if m.cur == l {
			m.cur = nil
			m.setStateLocked(StateIdle)
		}
		listeners := append([]Listener(nil), m.listeners...)
		m.mu.Unlock()

		if l.live.Load() {
			for _, ln := range listeners {
				ln.SessionClosed(reason, lost)
			}
		}
	})
	return err
}

// SendFrame writes one frame on the connected session. All writers share the
// session's write lock, so frames never interleave on the socket.
func (m *Manager) SendFrame(ctx context.Context, kind protocol.Kind, payload []byte) error {
	m.mu.Lock()
	l := m.cur
	connected := m.state == StateConnected
	m.mu.Unlock()
	if !connected || l == nil {
		return status.ErrNotConnected
	}
	b, err := protocol.EncodeFrame(kind, payload)
	if err != nil {
		if errors.Is(err, protocol.ErrPayloadTooLarge) {
			return fmt.Errorf("%w: %w", status.ErrTooLarge, err)
		}
		return fmt.Errorf("%w: %w", status.ErrInvalidInput, err)
	}
	return l.write(ctx, b)
}

func (m *Manager) receiveLoop(l *link) {
	defer close(l.done)
	for {
		rctx, cancel := l.ctx, context.CancelFunc(func() {})
		if m.cfg.IdleTimeout > 0 {
			rctx, cancel = context.WithTimeout(l.ctx, m.cfg.IdleTimeout)
		}
		b, err := l.conn.Receive(rctx)
		cancel()
		if err != nil {
			if l.ctx.Err() != nil || l.closed.Load() {
				return
			}
			if status.IsTimeout(err) {
				err = fmt.Errorf("%w: no traffic for %s", status.ErrTimeout, m.cfg.IdleTimeout)
			}
			l.loopErr = err
			m.lose(l, err)
			return
		}
		if l.closed.Load() {
			return
		}

		f, err := protocol.DecodeFrame(b)
		if err != nil {
			metrics.ProtocolError("decode")
			l.logger.Debug("dropping undecodable frame", "err", err)
			continue
		}
		if stop := m.route(l, f); stop {
			return
		}
	}
}

// route dispatches one frame. It reports whether the loop must stop.
func (m *Manager) route(l *link, f protocol.Frame) bool {
	switch f.Kind {
	case protocol.KindHelloAck:
		l.ackOnce.Do(func() {
			l.live.Store(true)
			close(l.acked)
		})
	case protocol.KindPing:
		if pong, err := protocol.EncodeFrame(protocol.KindPong, nil); err == nil {
			_ = l.write(l.ctx, pong)
		}
	case protocol.KindPong:
	case protocol.KindBye:
		l.loopErr = ErrPeerClosed
		m.lose(l, ErrPeerClosed)
		return true
	default:
		h, ok := l.routes[f.Kind]
		if !ok {
			metrics.ProtocolError("unrouted_" + f.Kind.String())
			l.logger.Debug("no handler for frame", "kind", f.Kind.String())
			return false
		}
		if !l.live.Load() {
			metrics.ProtocolError("before_handshake")
			l.logger.Debug("frame before handshake", "kind", f.Kind.String())
			return false
		}
		l.inHandler.Store(true)
		h.HandleFrame(f)
		l.inHandler.Store(false)
	}
	return l.closed.Load()
}

func (m *Manager) heartbeat(l *link) {
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()
	ping, err := protocol.EncodeFrame(protocol.KindPing, nil)
	if err != nil {
		return
	}
	for {
		select {
		case <-l.ctx.Done():
			return
		case <-ticker.C:
			if err := l.write(l.ctx, ping); err != nil {
				l.logger.Debug("heartbeat failed", "err", err)
			}
		}
	}
}

func newLink(peer discovery.Device, conn transport.Conn, routes map[protocol.Kind]FrameHandler, logger *slog.Logger) *link {
	ctx, cancel := context.WithCancel(context.Background())
	id := uuid.NewString()
	return &link{
		id:     id,
		peer:   peer,
		conn:   conn,
		routes: routes,
		logger: logger.With("session_id", id, "device", peer.Name),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
		acked:  make(chan struct{}),
	}
}

func (l *link) write(ctx context.Context, b []byte) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	if l.closed.Load() {
		return status.ErrNotConnected
	}
	if err := l.conn.Send(ctx, b); err != nil {
		return fmt.Errorf("session write: %w", err)
	}
	return nil
}
