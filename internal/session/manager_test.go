package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sheerbytes/gomerlink/internal/discovery"
	"github.com/sheerbytes/gomerlink/internal/simdevice"
	"github.com/sheerbytes/gomerlink/internal/status"
	"github.com/sheerbytes/gomerlink/internal/transport"
	"github.com/sheerbytes/gomerlink/pkg/protocol"
)

type staticDevices []discovery.Device

func (s staticDevices) First() (discovery.Device, bool) {
	if len(s) == 0 {
		return discovery.Device{}, false
	}
	return s[0], true
}

type closeEvent struct {
	reason error
	lost   bool
}

type recordingListener struct {
	events chan closeEvent
}

func newRecordingListener() *recordingListener {
	return &recordingListener{events: make(chan closeEvent, 4)}
}

func (r *recordingListener) SessionClosed(reason error, lost bool) {
	r.events <- closeEvent{reason: reason, lost: lost}
}

func testConfig() Config {
	return Config{
		ConnectTimeout: 500 * time.Millisecond,
		StopTimeout:    time.Second,
	}
}

func connect(t *testing.T, m *Manager, dev *simdevice.Device) {
	t.Helper()
	target := discovery.Device{Name: dev.Name(), Addr: dev.Addr()}
	if err := m.Connect(context.Background(), &target); err != nil {
		t.Fatalf("Connect: %v", err)
	}
}

func TestConnect_HandshakeAndPeer(t *testing.T) {
	n := transport.NewMemNetwork()
	dev := simdevice.Start(t, n, "10.0.0.2:20000", "DeviceA")
	m := NewManager(n, nil, testConfig(), nil)

	connect(t, m, dev)
	defer m.Disconnect()

	if m.State() != StateConnected || !m.Connected() {
		t.Fatalf("state = %s", m.State())
	}
	peer, ok := m.Peer()
	if !ok || peer.Name != "DeviceA" {
		t.Fatalf("Peer = %+v, %v", peer, ok)
	}
	if dev.SessionID() != m.ID() || m.ID() == "" {
		t.Fatalf("device saw session %q, manager has %q", dev.SessionID(), m.ID())
	}
}

func TestConnect_DefaultsToFirstDiscovered(t *testing.T) {
	n := transport.NewMemNetwork()
	devA := simdevice.Start(t, n, "10.0.0.2:20000", "DeviceA")
	devB := simdevice.Start(t, n, "10.0.0.3:20000", "DeviceB")
	found := staticDevices{{Name: "DeviceA", Addr: devA.Addr()}, {Name: "DeviceB", Addr: devB.Addr()}}
	m := NewManager(n, found, testConfig(), nil)

	if err := m.Connect(context.Background(), nil); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer m.Disconnect()
	if peer, _ := m.Peer(); peer.Name != "DeviceA" {
		t.Fatalf("connected to %q", peer.Name)
	}
	if devB.Client() != "" {
		t.Fatal("second device received a handshake")
	}
}

func TestConnect_NoTarget(t *testing.T) {
	n := transport.NewMemNetwork()
	for _, src := range []DeviceSource{nil, staticDevices{}} {
		m := NewManager(n, src, testConfig(), nil)
		if err := m.Connect(context.Background(), nil); !errors.Is(err, status.ErrNoTarget) {
			t.Fatalf("expected ErrNoTarget, got %v", err)
		}
		if m.State() != StateIdle {
			t.Fatalf("state = %s", m.State())
		}
	}
}

func TestConnect_TwiceIsAlreadyConnected(t *testing.T) {
	n := transport.NewMemNetwork()
	dev := simdevice.Start(t, n, "10.0.0.2:20000", "DeviceA")
	m := NewManager(n, nil, testConfig(), nil)
	connect(t, m, dev)
	defer m.Disconnect()
	id := m.ID()

	target := discovery.Device{Name: dev.Name(), Addr: dev.Addr()}
	if err := m.Connect(context.Background(), &target); !errors.Is(err, status.ErrAlreadyConnected) {
		t.Fatalf("expected ErrAlreadyConnected, got %v", err)
	}
	if m.State() != StateConnected || m.ID() != id {
		t.Fatalf("existing session disturbed: state %s id %q", m.State(), m.ID())
	}
	if err := m.SendFrame(context.Background(), protocol.KindPing, nil); err != nil {
		t.Fatalf("existing session unusable: %v", err)
	}
}

func TestConnect_Timeout(t *testing.T) {
	n := transport.NewMemNetwork()
	dev := simdevice.Start(t, n, "10.0.0.2:20000", "Mute", simdevice.WithoutHelloAck())
	cfg := testConfig()
	cfg.ConnectTimeout = 150 * time.Millisecond
	m := NewManager(n, nil, cfg, nil)

	start := time.Now()
	target := discovery.Device{Name: dev.Name(), Addr: dev.Addr()}
	err := m.Connect(context.Background(), &target)
	if !errors.Is(err, status.ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("connect blocked for %s", elapsed)
	}
	if m.State() != StateIdle {
		t.Fatalf("state = %s", m.State())
	}
	// The manager is reusable after a failed attempt.
	if err := m.Connect(context.Background(), &target); !errors.Is(err, status.ErrTimeout) {
		t.Fatalf("second attempt: %v", err)
	}
}

func TestDisconnect_Idempotent(t *testing.T) {
	n := transport.NewMemNetwork()
	dev := simdevice.Start(t, n, "10.0.0.2:20000", "DeviceA")
	m := NewManager(n, nil, testConfig(), nil)
	listener := newRecordingListener()
	m.AddListener(listener)

	if err := m.Disconnect(); err != nil {
		t.Fatalf("Disconnect on idle: %v", err)
	}
	select {
	case ev := <-listener.events:
		t.Fatalf("idle disconnect notified listener: %+v", ev)
	default:
	}

	connect(t, m, dev)
	if err := m.Disconnect(); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if err := m.Disconnect(); err != nil {
		t.Fatalf("second Disconnect: %v", err)
	}
	if m.State() != StateIdle || m.ID() != "" {
		t.Fatalf("state = %s id %q", m.State(), m.ID())
	}

	ev := <-listener.events
	if ev.lost || !errors.Is(ev.reason, ErrDisconnected) {
		t.Fatalf("unexpected close event %+v", ev)
	}
	select {
	case ev := <-listener.events:
		t.Fatalf("listener notified twice: %+v", ev)
	default:
	}

	deadline := time.Now().Add(time.Second)
	for dev.Client() != "" && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if dev.Client() != "" {
		t.Fatal("device never saw bye")
	}
	if err := m.SendFrame(context.Background(), protocol.KindMessage, []byte("{}")); !errors.Is(err, status.ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

func TestReceiveLoop_RoutesInOrder(t *testing.T) {
	n := transport.NewMemNetwork()
	dev := simdevice.Start(t, n, "10.0.0.2:20000", "DeviceA")
	m := NewManager(n, nil, testConfig(), nil)

	var mu sync.Mutex
	var got []string
	received := make(chan struct{}, 16)
	m.Handle(protocol.KindMessage, FrameHandlerFunc(func(f protocol.Frame) {
		mu.Lock()
		got = append(got, string(f.Payload))
		mu.Unlock()
		received <- struct{}{}
	}))
	connect(t, m, dev)
	defer m.Disconnect()

	want := []string{"m1", "m2", "m3", "m4", "m5"}
	for _, p := range want {
		if err := dev.SendMessage(context.Background(), []byte(p)); err != nil {
			t.Fatalf("device send: %v", err)
		}
	}
	for range want {
		select {
		case <-received:
		case <-time.After(2 * time.Second):
			t.Fatal("messages not routed")
		}
	}
	mu.Lock()
	defer mu.Unlock()
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order = %v", got)
		}
	}
}

func TestReceiveLoop_NoDeliveryAfterDisconnect(t *testing.T) {
	n := transport.NewMemNetwork()
	dev := simdevice.Start(t, n, "10.0.0.2:20000", "DeviceA")
	m := NewManager(n, nil, testConfig(), nil)
	calls := make(chan struct{}, 4)
	m.Handle(protocol.KindMessage, FrameHandlerFunc(func(protocol.Frame) { calls <- struct{}{} }))
	connect(t, m, dev)
	client := dev.Client()
	if err := m.Disconnect(); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}

	b, _ := protocol.EncodeFrame(protocol.KindMessage, []byte("late"))
	pc, _ := n.ListenPacket(context.Background(), "")
	_ = pc.SendTo(context.Background(), b, client)
	select {
	case <-calls:
		t.Fatal("handler invoked after disconnect")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestReceiveLoop_TransportErrorLosesSession(t *testing.T) {
	n := transport.NewMemNetwork()
	dev := simdevice.Start(t, n, "10.0.0.2:20000", "DeviceA")
	m := NewManager(n, nil, testConfig(), nil)
	listener := newRecordingListener()
	m.AddListener(listener)
	connect(t, m, dev)

	n.Break(dev.Client())

	select {
	case ev := <-listener.events:
		if !ev.lost || !errors.Is(ev.reason, ErrLost) || !errors.Is(ev.reason, transport.ErrLinkDown) {
			t.Fatalf("unexpected close event %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("loss not reported")
	}
	waitState(t, m, StateIdle)
	if err := m.Disconnect(); err != nil {
		t.Fatalf("Disconnect after loss: %v", err)
	}
}

func TestReceiveLoop_IdleTimeoutAndHeartbeat(t *testing.T) {
	n := transport.NewMemNetwork()
	dev := simdevice.Start(t, n, "10.0.0.2:20000", "DeviceA")

	quiet := testConfig()
	quiet.IdleTimeout = 150 * time.Millisecond
	m := NewManager(n, nil, quiet, nil)
	listener := newRecordingListener()
	m.AddListener(listener)
	connect(t, m, dev)
	select {
	case ev := <-listener.events:
		if !ev.lost || !errors.Is(ev.reason, status.ErrTimeout) {
			t.Fatalf("unexpected close event %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("idle session not declared lost")
	}
	waitState(t, m, StateIdle)

	// With heartbeats the device keeps answering and the session survives.
	alive := quiet
	alive.HeartbeatInterval = 40 * time.Millisecond
	m2 := NewManager(n, nil, alive, nil)
	listener2 := newRecordingListener()
	m2.AddListener(listener2)
	connect(t, m2, dev)
	defer m2.Disconnect()
	select {
	case ev := <-listener2.events:
		t.Fatalf("heartbeat session lost: %+v", ev)
	case <-time.After(400 * time.Millisecond):
	}
	if !m2.Connected() {
		t.Fatalf("state = %s", m2.State())
	}
}

func TestReceiveLoop_PeerBye(t *testing.T) {
	n := transport.NewMemNetwork()
	dev := simdevice.Start(t, n, "10.0.0.2:20000", "DeviceA")
	m := NewManager(n, nil, testConfig(), nil)
	listener := newRecordingListener()
	m.AddListener(listener)
	connect(t, m, dev)

	if err := dev.SendBye(context.Background()); err != nil {
		t.Fatalf("SendBye: %v", err)
	}
	select {
	case ev := <-listener.events:
		if !ev.lost || !errors.Is(ev.reason, ErrPeerClosed) {
			t.Fatalf("unexpected close event %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("bye not handled")
	}
	waitState(t, m, StateIdle)
}

func TestDisconnect_FromHandler(t *testing.T) {
	n := transport.NewMemNetwork()
	dev := simdevice.Start(t, n, "10.0.0.2:20000", "DeviceA")
	m := NewManager(n, nil, testConfig(), nil)
	listener := newRecordingListener()
	m.AddListener(listener)

	type outcome struct {
		err  error
		took time.Duration
	}
	done := make(chan outcome, 1)
	m.Handle(protocol.KindMessage, FrameHandlerFunc(func(protocol.Frame) {
		start := time.Now()
		err := m.Disconnect()
		done <- outcome{err: err, took: time.Since(start)}
	}))
	connect(t, m, dev)

	if err := dev.SendMessage(context.Background(), []byte("stop")); err != nil {
		t.Fatalf("device send: %v", err)
	}
	select {
	case got := <-done:
		if got.err != nil {
			t.Fatalf("Disconnect from handler: %v", got.err)
		}
		if got.took >= testConfig().StopTimeout {
			t.Fatalf("Disconnect from handler took %s", got.took)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("handler never ran")
	}
	ev := <-listener.events
	if ev.lost || !errors.Is(ev.reason, ErrDisconnected) {
		t.Fatalf("unexpected close event %+v", ev)
	}
	waitState(t, m, StateIdle)
}

type reconnectingListener struct {
	m      *Manager
	target discovery.Device
	seen   chan State
	result chan error
}

func (r *reconnectingListener) SessionClosed(_ error, lost bool) {
	if !lost {
		return
	}
	r.seen <- r.m.State()
	r.result <- r.m.Connect(context.Background(), &r.target)
}

func TestReceiveLoop_ListenerMayReconnect(t *testing.T) {
	n := transport.NewMemNetwork()
	dev := simdevice.Start(t, n, "10.0.0.2:20000", "DeviceA")
	m := NewManager(n, nil, testConfig(), nil)
	r := &reconnectingListener{
		m:      m,
		target: discovery.Device{Name: dev.Name(), Addr: dev.Addr()},
		seen:   make(chan State, 1),
		result: make(chan error, 1),
	}
	m.AddListener(r)
	connect(t, m, dev)
	first := m.ID()

	if err := dev.SendBye(context.Background()); err != nil {
		t.Fatalf("SendBye: %v", err)
	}
	select {
	case st := <-r.seen:
		if st != StateIdle {
			t.Fatalf("state inside listener = %s", st)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("loss not reported")
	}
	if err := <-r.result; err != nil {
		t.Fatalf("reconnect from listener: %v", err)
	}
	defer m.Disconnect()
	if !m.Connected() || m.ID() == first || m.ID() == "" {
		t.Fatalf("state %s id %q (first %q)", m.State(), m.ID(), first)
	}
}

func TestSendFrame_Validation(t *testing.T) {
	n := transport.NewMemNetwork()
	dev := simdevice.Start(t, n, "10.0.0.2:20000", "DeviceA")
	m := NewManager(n, nil, testConfig(), nil)
	if err := m.SendFrame(context.Background(), protocol.KindMessage, nil); !errors.Is(err, status.ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
	connect(t, m, dev)
	defer m.Disconnect()
	big := make([]byte, protocol.MaxFramePayload+1)
	if err := m.SendFrame(context.Background(), protocol.KindMessage, big); !errors.Is(err, status.ErrTooLarge) {
		t.Fatalf("expected ErrTooLarge, got %v", err)
	}
	if err := m.SendFrame(context.Background(), protocol.Kind(0x77), nil); !errors.Is(err, status.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func waitState(t *testing.T, m *Manager, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if m.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("state = %s, want %s", m.State(), want)
}
