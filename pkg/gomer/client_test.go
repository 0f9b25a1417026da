package gomer_test

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sheerbytes/gomerlink/internal/discovery"
	"github.com/sheerbytes/gomerlink/internal/session"
	"github.com/sheerbytes/gomerlink/internal/simdevice"
	"github.com/sheerbytes/gomerlink/internal/status"
	"github.com/sheerbytes/gomerlink/internal/transfer"
	"github.com/sheerbytes/gomerlink/internal/transport"
	"github.com/sheerbytes/gomerlink/internal/video"
	"github.com/sheerbytes/gomerlink/pkg/gomer"
	"github.com/sheerbytes/gomerlink/pkg/protocol"
)

const (
	videoW = 64
	videoH = 48
)

func testConfig() gomer.Config {
	cfg := gomer.DefaultConfig()
	cfg.Discovery.Window = 300 * time.Millisecond
	cfg.Discovery.ProbeInterval = 100 * time.Millisecond
	cfg.Session.ConnectTimeout = 500 * time.Millisecond
	cfg.Session.StopTimeout = time.Second
	cfg.Session.HeartbeatInterval = 0
	cfg.Session.IdleTimeout = 0
	cfg.Transfer.AckTimeout = 200 * time.Millisecond
	cfg.Video.Width = videoW
	cfg.Video.Height = videoH
	cfg.Display.Addr = "127.0.0.1:0"
	return cfg
}

func newClient(t *testing.T, n *transport.MemNetwork, cfg gomer.Config, opts ...gomer.Option) *gomer.Client {
	t.Helper()
	c, err := gomer.New(cfg, append([]gomer.Option{gomer.WithNetwork(n)}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// searchAndConnect discovers DeviceA then DeviceB and connects to the first.
func searchAndConnect(t *testing.T, cfg gomer.Config, onMessage gomer.MessageFunc) (*gomer.Client, *simdevice.Device, *transport.MemNetwork) {
	t.Helper()
	n := transport.NewMemNetwork()
	devA := simdevice.Start(t, n, "10.0.0.2:20000", "DeviceA")
	simdevice.Start(t, n, "10.0.0.3:20000", "DeviceB", simdevice.WithAnnounceDelay(60*time.Millisecond))
	c := newClient(t, n, cfg)

	res, err := c.Search(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"DeviceA", "DeviceB"}, res.Names())
	require.NoError(t, c.Connect(context.Background(), "", onMessage))
	return c, devA, n
}

func writeFile(t *testing.T, name string, size int) (string, []byte) {
	t.Helper()
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i * 7)
	}
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path, data
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Session.ConnectTimeout = 0
	_, err := gomer.New(cfg, gomer.WithNetwork(transport.NewMemNetwork()))
	require.ErrorIs(t, err, status.ErrInvalidInput)
}

func TestSearch_NoDeviceFound(t *testing.T) {
	c := newClient(t, transport.NewMemNetwork(), testConfig())
	res, err := c.Search(context.Background())
	require.NoError(t, err)
	assert.Equal(t, discovery.StatusNoDeviceFound, res.Status)
	assert.Empty(t, res.Devices)
	assert.Empty(t, c.Devices())

	err = c.Connect(context.Background(), "", nil)
	assert.ErrorIs(t, err, status.ErrNoTarget)
}

func TestConnect_DefaultsToFirstDevice(t *testing.T) {
	c, devA, _ := searchAndConnect(t, testConfig(), nil)

	peer, ok := c.Peer()
	require.True(t, ok)
	assert.Equal(t, "DeviceA", peer.Name)
	assert.Equal(t, session.StateConnected, c.State())
	assert.NotEmpty(t, devA.SessionID())
	assert.Len(t, c.Devices(), 2)
}

func TestConnect_ByName(t *testing.T) {
	n := transport.NewMemNetwork()
	simdevice.Start(t, n, "10.0.0.2:20000", "DeviceA")
	devB := simdevice.Start(t, n, "10.0.0.3:20000", "DeviceB", simdevice.WithAnnounceDelay(60*time.Millisecond))
	c := newClient(t, n, testConfig())
	_, err := c.Search(context.Background())
	require.NoError(t, err)

	err = c.Connect(context.Background(), "DeviceC", nil)
	require.ErrorIs(t, err, status.ErrNoTarget)
	assert.Equal(t, session.StateIdle, c.State())

	require.NoError(t, c.Connect(context.Background(), "DeviceB", nil))
	peer, _ := c.Peer()
	assert.Equal(t, "DeviceB", peer.Name)
	assert.NotEmpty(t, devB.SessionID())
}

func TestConnect_TwiceKeepsSessionAndCallback(t *testing.T) {
	var first, second atomic.Int32
	c, devA, _ := searchAndConnect(t, testConfig(), func(m gomer.Message) { first.Add(1) })

	err := c.Connect(context.Background(), "", func(m gomer.Message) { second.Add(1) })
	require.ErrorIs(t, err, status.ErrAlreadyConnected)
	assert.Equal(t, session.StateConnected, c.State())

	require.NoError(t, devA.SendMessage(context.Background(), []byte(`{"seq":1,"msgtype":0}`)))
	require.Eventually(t, func() bool { return first.Load() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Zero(t, second.Load())
}

func TestDisconnect_Idempotent(t *testing.T) {
	c := newClient(t, transport.NewMemNetwork(), testConfig())
	require.NoError(t, c.Disconnect())

	c, _, _ = searchAndConnect(t, testConfig(), nil)
	require.NoError(t, c.Disconnect())
	require.NoError(t, c.Disconnect())
	assert.Equal(t, session.StateIdle, c.State())
	assert.ErrorIs(t, c.SendMessage(context.Background(), []byte("x")), status.ErrNotConnected)
}

func TestSendMessage_SizeLimit(t *testing.T) {
	c, devA, _ := searchAndConnect(t, testConfig(), nil)

	require.NoError(t, c.SendMessage(context.Background(), bytes.Repeat([]byte("a"), protocol.MaxMessageSize)))
	select {
	case got := <-devA.Messages():
		assert.Len(t, got, protocol.MaxMessageSize)
	case <-time.After(2 * time.Second):
		t.Fatal("device never received the message")
	}

	err := c.SendMessage(context.Background(), bytes.Repeat([]byte("a"), protocol.MaxMessageSize+1))
	assert.ErrorIs(t, err, status.ErrTooLarge)
}

func TestSendControl_UsesSharedSequence(t *testing.T) {
	c, devA, _ := searchAndConnect(t, testConfig(), nil)

	seq1, err := c.SendControl(context.Background(), protocol.KeyMotor, map[string]int{"speed": 3})
	require.NoError(t, err)
	seq2, err := c.SendControl(context.Background(), protocol.KeyMotor, map[string]int{"speed": 0})
	require.NoError(t, err)
	assert.Equal(t, seq1+1, seq2)

	select {
	case raw := <-devA.Messages():
		e, err := protocol.DecodeEnvelope(raw)
		require.NoError(t, err)
		assert.Equal(t, seq1, e.Seq)
		assert.True(t, e.Has(protocol.KeyMotor))
	case <-time.After(2 * time.Second):
		t.Fatal("device never received the control message")
	}
}

func TestMessages_DeliveredThenLoss(t *testing.T) {
	got := make(chan gomer.Message, 8)
	c, devA, n := searchAndConnect(t, testConfig(), func(m gomer.Message) { got <- m })

	require.NoError(t, devA.SendMessage(context.Background(), []byte("telemetry")))
	select {
	case m := <-got:
		assert.False(t, m.Lost)
		assert.Equal(t, "telemetry", string(m.Payload))
	case <-time.After(2 * time.Second):
		t.Fatal("message not delivered")
	}

	n.Break(devA.Client())
	select {
	case m := <-got:
		assert.True(t, m.Lost)
		assert.Error(t, m.Err)
	case <-time.After(2 * time.Second):
		t.Fatal("loss not reported")
	}
	require.Eventually(t, func() bool { return c.State() == session.StateIdle }, 2*time.Second, 10*time.Millisecond)
}

func TestDisconnect_FromMessageCallback(t *testing.T) {
	cfg := testConfig()
	type outcome struct {
		err  error
		took time.Duration
	}
	done := make(chan outcome, 1)
	var c *gomer.Client
	c, devA, _ := searchAndConnect(t, cfg, func(m gomer.Message) {
		if m.Lost {
			return
		}
		start := time.Now()
		err := c.Disconnect()
		done <- outcome{err: err, took: time.Since(start)}
	})

	require.NoError(t, devA.SendMessage(context.Background(), []byte("stop")))
	select {
	case got := <-done:
		require.NoError(t, got.err)
		assert.Less(t, got.took, cfg.Session.StopTimeout)
	case <-time.After(3 * time.Second):
		t.Fatal("callback never ran")
	}
	assert.Equal(t, session.StateIdle, c.State())
	require.Eventually(t, func() bool { return devA.Client() == "" }, 2*time.Second, 10*time.Millisecond)
}

func TestConnect_FromLossCallback(t *testing.T) {
	type outcome struct {
		state gomer.SessionState
		err   error
	}
	done := make(chan outcome, 1)
	var c *gomer.Client
	c, devA, _ := searchAndConnect(t, testConfig(), func(m gomer.Message) {
		if !m.Lost {
			return
		}
		st := c.State()
		done <- outcome{state: st, err: c.Connect(context.Background(), "", nil)}
	})
	first := devA.SessionID()

	require.NoError(t, devA.SendBye(context.Background()))
	select {
	case got := <-done:
		assert.Equal(t, session.StateIdle, got.state)
		require.NoError(t, got.err)
	case <-time.After(3 * time.Second):
		t.Fatal("loss not reported")
	}
	assert.Equal(t, session.StateConnected, c.State())
	assert.NotEqual(t, first, devA.SessionID())
}

func isFrame(b []byte, kind protocol.Kind) bool {
	f, err := protocol.DecodeFrame(b)
	return err == nil && f.Kind == kind
}

func TestSendFileUnblock_ResultBeforeLoss(t *testing.T) {
	cfg := testConfig()
	cfg.Transfer.AckTimeout = 5 * time.Second
	var mu sync.Mutex
	var order []string
	record := func(ev string) {
		mu.Lock()
		order = append(order, ev)
		mu.Unlock()
	}
	c, devA, n := searchAndConnect(t, cfg, func(m gomer.Message) {
		if m.Lost {
			record("loss")
		}
	})
	var dropped atomic.Int32
	n.SetFilter(func(from, _ string, b []byte) bool {
		if from == devA.Addr() && isFrame(b, protocol.KindFileAck) {
			dropped.Add(1)
			return false
		}
		return true
	})
	path, _ := writeFile(t, "stuck.wav", 100)

	require.NoError(t, c.SendFileUnblock(gomer.SaveVoice, path, func(r gomer.TransferResult) {
		record("result:" + r.Code.String())
	}))
	require.Eventually(t, func() bool { return dropped.Load() > 0 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, devA.SendBye(context.Background()))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 2
	}, 3*time.Second, 10*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"result:transfer_error", "loss"}, order)
}

func TestRequest_ResponseAndCompletion(t *testing.T) {
	n := transport.NewMemNetwork()
	devA := simdevice.Start(t, n, "10.0.0.2:20000", "DeviceA",
		simdevice.WithCompletion(30*time.Millisecond, protocol.ResultSuccess))
	c := newClient(t, n, testConfig())
	_, err := c.Search(context.Background())
	require.NoError(t, err)
	got := make(chan gomer.Message, 4)
	require.NoError(t, c.Connect(context.Background(), "", func(m gomer.Message) { got <- m }))

	resp, err := c.Request(context.Background(), protocol.KeyMotor, map[string]int{"speed": 3})
	require.NoError(t, err)
	assert.Equal(t, protocol.MsgResponse, resp.MsgType)
	code, ok := resp.Code()
	require.True(t, ok)
	assert.Equal(t, protocol.ResultSuccess, code)

	// The response was consumed; the completion notice reaches the callback.
	select {
	case m := <-got:
		e, err := protocol.DecodeEnvelope(m.Payload)
		require.NoError(t, err)
		assert.True(t, protocol.IsCompletion(e))
		assert.Equal(t, resp.Seq, e.Seq)
	case <-time.After(2 * time.Second):
		t.Fatal("completion not delivered")
	}
	select {
	case seq := <-devA.Acks():
		assert.Equal(t, resp.Seq, seq)
	case <-time.After(2 * time.Second):
		t.Fatal("completion never acknowledged")
	}
}

func TestRequest_Refused(t *testing.T) {
	n := transport.NewMemNetwork()
	simdevice.Start(t, n, "10.0.0.2:20000", "DeviceA", simdevice.WithResponseCode(protocol.ResultFail))
	c := newClient(t, n, testConfig())
	_, err := c.Search(context.Background())
	require.NoError(t, err)
	require.NoError(t, c.Connect(context.Background(), "", nil))

	resp, err := c.Request(context.Background(), protocol.KeySDKs, map[string]int{"item": 1101})
	require.ErrorIs(t, err, gomer.ErrRefused)
	require.ErrorIs(t, err, status.ErrProtocol)
	code, _ := resp.Code()
	assert.Equal(t, protocol.ResultFail, code)
}

func TestRequest_TimeoutAndLoss(t *testing.T) {
	cfg := testConfig()
	cfg.Message.ReplyTimeout = 100 * time.Millisecond
	c, devA, n := searchAndConnect(t, cfg, nil)
	n.SetFilter(func(from, _ string, b []byte) bool {
		return !(from == devA.Addr() && isFrame(b, protocol.KindMessage))
	})

	_, err := c.Request(context.Background(), protocol.KeyMotor, map[string]int{"speed": 1})
	require.ErrorIs(t, err, status.ErrTimeout)

	cfg.Message.ReplyTimeout = 5 * time.Second
	require.NoError(t, c.Reload(cfg))
	errs := make(chan error, 1)
	go func() {
		_, err := c.Request(context.Background(), protocol.KeyMotor, map[string]int{"speed": 2})
		errs <- err
	}()
	// Drain until the second request arrived, then drop the link.
	deadline := time.After(2 * time.Second)
	for seen := 0; seen < 2; {
		select {
		case <-devA.Messages():
			seen++
		case <-deadline:
			t.Fatal("device never received both requests")
		}
	}
	n.Break(devA.Client())
	select {
	case err := <-errs:
		require.ErrorIs(t, err, status.ErrNotConnected)
	case <-time.After(2 * time.Second):
		t.Fatal("pending request not failed by the loss")
	}
}

func TestSendFileUnblock_TwoChunks(t *testing.T) {
	c, devA, _ := searchAndConnect(t, testConfig(), nil)
	path, data := writeFile(t, "hello.wav", 2000)

	results := make(chan gomer.TransferResult, 2)
	require.NoError(t, c.SendFileUnblock(gomer.SaveVoice, path, func(r gomer.TransferResult) { results <- r }))

	select {
	case r := <-results:
		require.True(t, r.OK(), "result %s: %v", r.Code, r.Err)
		assert.Equal(t, 2, r.Chunks)
		assert.EqualValues(t, 2000, r.Bytes)
	case <-time.After(3 * time.Second):
		t.Fatal("result callback never fired")
	}
	select {
	case r := <-results:
		t.Fatalf("callback fired twice: %+v", r)
	case <-time.After(100 * time.Millisecond):
	}

	select {
	case f := <-devA.Files():
		assert.Equal(t, "hello.wav", f.Name)
		assert.Equal(t, uint16(gomer.SaveVoice), f.FileType)
		assert.Equal(t, 2, f.Chunks)
		assert.Equal(t, data, f.Data)
	case <-time.After(2 * time.Second):
		t.Fatal("device never stored the file")
	}
	assert.Equal(t, transfer.StateDone, c.TransferState())
	assert.Equal(t, 2, c.TransferProgress().ChunksDone)
}

func TestSendFileBlock_Validation(t *testing.T) {
	c, _, _ := searchAndConnect(t, testConfig(), nil)
	path, _ := writeFile(t, "pic.jpg", 10)

	r := c.SendFileBlock(context.Background(), gomer.FileType(7), path)
	assert.Equal(t, transfer.CodeInputFileTypeWrong, r.Code)

	r = c.SendFileBlock(context.Background(), gomer.SaveImage, "")
	assert.Equal(t, transfer.CodeInputFilePathWrong, r.Code)

	r = c.SendFileBlock(context.Background(), gomer.SaveImage, path)
	assert.True(t, r.OK(), "result %s: %v", r.Code, r.Err)
}

func TestUpload_TypeFromSuffix(t *testing.T) {
	c, devA, _ := searchAndConnect(t, testConfig(), nil)

	notes, _ := writeFile(t, "notes.txt", 10)
	r := c.Upload(context.Background(), notes)
	assert.Equal(t, transfer.CodeInputFileTypeWrong, r.Code)

	pic, _ := writeFile(t, "face.png", 300)
	r = c.Upload(context.Background(), pic)
	require.True(t, r.OK(), "result %s: %v", r.Code, r.Err)
	select {
	case f := <-devA.Files():
		assert.Equal(t, uint16(gomer.SaveImage), f.FileType)
	case <-time.After(2 * time.Second):
		t.Fatal("device never stored the file")
	}
}

func TestCheckVersion(t *testing.T) {
	cfg := testConfig()
	cfg.MinDeviceVersion = "1.2.0"
	got := make(chan gomer.Message, 4)
	c, _, _ := searchAndConnect(t, cfg, func(m gomer.Message) { got <- m })

	v, err := c.CheckVersion(context.Background())
	require.ErrorIs(t, err, gomer.ErrVersionTooOld)
	require.ErrorIs(t, err, status.ErrProtocol)
	assert.Equal(t, "1.0.0", v.String())

	cfg.MinDeviceVersion = "0.9.0"
	require.NoError(t, c.Reload(cfg))
	v, err = c.CheckVersion(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", v.String())

	// Replies are consumed by CheckVersion and never reach the callback.
	select {
	case m := <-got:
		t.Fatalf("unexpected delivery %q", m.Payload)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestCheckVersion_NotConnected(t *testing.T) {
	c := newClient(t, transport.NewMemNetwork(), testConfig())
	_, err := c.CheckVersion(context.Background())
	assert.ErrorIs(t, err, status.ErrNotConnected)
}

func testImage(seed byte) []byte {
	px := make([]byte, protocol.I420Size(videoW, videoH))
	for i := range px {
		px[i] = byte(i) + seed
	}
	return px
}

func TestOpenVideo_ThreeFramesInOrder(t *testing.T) {
	c, devA, _ := searchAndConnect(t, testConfig(), nil)

	frames := make(chan gomer.Frame, 8)
	require.NoError(t, c.OpenVideo(context.Background(), func(f gomer.Frame) {
		frames <- gomer.Frame{Pixels: append([]byte(nil), f.Pixels...), Width: f.Width, Height: f.Height, Seq: f.Seq}
	}))
	require.Eventually(t, devA.VideoOn, 2*time.Second, 10*time.Millisecond)

	images := [][]byte{testImage(1), testImage(2), testImage(3)}
	for _, px := range images {
		require.NoError(t, devA.SendVideoFrame(context.Background(), videoW, videoH, px))
	}
	for i, want := range images {
		select {
		case f := <-frames:
			assert.Equal(t, videoW, f.Width)
			assert.Equal(t, videoH, f.Height)
			assert.True(t, bytes.Equal(want, f.Pixels), "frame %d pixels differ", i)
		case <-time.After(2 * time.Second):
			t.Fatalf("frame %d not delivered", i)
		}
	}

	require.NoError(t, c.CloseVideo(context.Background()))
	require.NoError(t, c.CloseVideo(context.Background()))
	require.Eventually(t, func() bool { return !devA.VideoOn() }, 2*time.Second, 10*time.Millisecond)
}

type countingSink struct {
	opened atomic.Int32
	shown  atomic.Int32
	closed atomic.Int32
}

func (s *countingSink) Open() error      { s.opened.Add(1); return nil }
func (s *countingSink) Show(video.Frame) { s.shown.Add(1) }
func (s *countingSink) Close() error     { s.closed.Add(1); return nil }

func TestOpenVideoAndDisplay_ExclusiveWithCallback(t *testing.T) {
	n := transport.NewMemNetwork()
	devA := simdevice.Start(t, n, "10.0.0.2:20000", "DeviceA")
	sink := &countingSink{}
	c := newClient(t, n, testConfig(), gomer.WithDisplay(sink))
	_, err := c.Search(context.Background())
	require.NoError(t, err)
	require.NoError(t, c.Connect(context.Background(), "DeviceA", nil))

	require.NoError(t, c.OpenVideoAndDisplay(context.Background()))
	err = c.OpenVideo(context.Background(), func(gomer.Frame) {})
	require.ErrorIs(t, err, status.ErrBusy)

	require.NoError(t, devA.SendVideoFrame(context.Background(), videoW, videoH, testImage(9)))
	require.Eventually(t, func() bool { return sink.shown.Load() == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, c.CloseVideoAndDisplay(context.Background()))
	assert.EqualValues(t, 1, sink.opened.Load())
	assert.EqualValues(t, 1, sink.closed.Load())
	assert.Empty(t, c.DisplayAddr())
}

func TestClose_StopsClient(t *testing.T) {
	c, devA, _ := searchAndConnect(t, testConfig(), nil)
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	assert.Equal(t, session.StateIdle, c.State())
	require.Eventually(t, func() bool { return devA.Client() == "" }, 2*time.Second, 10*time.Millisecond)

	_, err := c.Search(context.Background())
	assert.ErrorIs(t, err, status.ErrClosed)
	assert.ErrorIs(t, c.Connect(context.Background(), "", nil), status.ErrClosed)
}
