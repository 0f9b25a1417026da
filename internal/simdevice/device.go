// Package simdevice is a software robot that speaks the device side of the
// wire protocol. Tests drive it over a transport.MemNetwork; gomerctl sim
// serves it over UDP.
package simdevice

import (
	"bytes"
	"context"
	"fmt"
	"hash/crc32"
	"log/slog"
	"sync"
	"time"

	"github.com/sheerbytes/gomerlink/internal/logging"
	"github.com/sheerbytes/gomerlink/internal/transport"
	"github.com/sheerbytes/gomerlink/pkg/protocol"
)

// File is an upload the device accepted in full.
type File struct {
	Name     string
	FileType uint16
	Data     []byte
	Chunks   int
}

// Option configures a Device.
type Option func(*Device)

// WithVersion sets the firmware version reported to version queries.
func WithVersion(v string) Option {
	return func(d *Device) { d.version = v }
}

// WithoutHelloAck makes the device ignore session handshakes.
func WithoutHelloAck() Option {
	return func(d *Device) { d.answerHello = false }
}

// WithBusy makes the device refuse every FileBegin with AckBusy.
func WithBusy() Option {
	return func(d *Device) { d.busy = true }
}

// WithVideo streams a w x h test pattern at fps while video is switched on.
func WithVideo(w, h, fps int) Option {
	return func(d *Device) {
		d.videoW, d.videoH, d.videoFPS = w, h, fps
	}
}

// WithAnnounceDelay delays probe answers, to order responders in tests.
func WithAnnounceDelay(delay time.Duration) Option {
	return func(d *Device) { d.announceDelay = delay }
}

// WithResponseCode sets the code the device answers requests with.
func WithResponseCode(code int) Option {
	return func(d *Device) { d.responseCode = code }
}

// WithCompletion makes the device report every accepted request as finished
// with result after delay.
func WithCompletion(delay time.Duration, result int) Option {
	return func(d *Device) {
		d.completeAfter, d.completeResult = delay, result
	}
}

// WithLogger sets the device logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Device) { d.logger = logging.Component(logger, "simdevice") }
}

type incoming struct {
	begin protocol.FileBegin
	data  bytes.Buffer
	next  uint32
}

// Device is a simulated robot bound to one PacketConn.
type Device struct {
	name        string
	pc          transport.PacketConn
	logger      *slog.Logger
	version     string
	answerHello bool
	busy        bool
	videoW      int
	videoH      int
	videoFPS    int

	announceDelay  time.Duration
	responseCode   int
	completeAfter  time.Duration
	completeResult int

	files    chan File
	messages chan []byte
	acks     chan int

	mu        sync.Mutex
	client    string
	sessionID string
	upload    *incoming
	finished  *protocol.FileAck
	videoOn   bool
	videoSeq  uint32
}

func New(pc transport.PacketConn, name string, opts ...Option) *Device {
	d := &Device{
		name:        name,
		pc:          pc,
		logger:      logging.Component(logging.Discard(), "simdevice"),
		version:      "1.0.0",
		answerHello:  true,
		responseCode: protocol.ResultSuccess,
		files:        make(chan File, 16),
		messages:     make(chan []byte, 64),
		acks:         make(chan int, 16),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *Device) Name() string { return d.name }
func (d *Device) Addr() string { return d.pc.LocalAddr() }

// Files delivers every completed upload.
func (d *Device) Files() <-chan File { return d.files }

// Messages delivers every control message payload the device received.
func (d *Device) Messages() <-chan []byte { return d.messages }

// Acks delivers the seq of every success response the client sent, which
// is how it confirms a completion notice.
func (d *Device) Acks() <-chan int { return d.acks }

// Client returns the address of the current session peer, if any.
func (d *Device) Client() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.client
}

// SessionID returns the id the current peer sent in its hello.
func (d *Device) SessionID() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sessionID
}

// VideoOn reports whether the client asked for the video stream.
func (d *Device) VideoOn() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.videoOn
}

// Serve answers traffic until ctx is done or the PacketConn fails.
func (d *Device) Serve(ctx context.Context) error {
	if d.videoFPS > 0 {
		go d.streamVideo(ctx)
	}
	for {
		b, from, err := d.pc.ReceiveFrom(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		f, err := protocol.DecodeFrame(b)
		if err != nil {
			d.logger.Debug("bad frame", "from", from, "err", err)
			continue
		}
		d.handle(ctx, f, from)
	}
}

func (d *Device) handle(ctx context.Context, f protocol.Frame, from string) {
	switch f.Kind {
	case protocol.KindProbe:
		seq, err := protocol.DecodeProbe(f.Payload)
		if err != nil {
			return
		}
		ann, err := protocol.EncodeAnnounce(seq, d.name)
		if err != nil {
			return
		}
		if d.announceDelay > 0 {
			time.AfterFunc(d.announceDelay, func() { d.send(ctx, from, protocol.KindAnnounce, ann) })
			return
		}
		d.send(ctx, from, protocol.KindAnnounce, ann)
	case protocol.KindHello:
		if !d.answerHello {
			return
		}
		d.mu.Lock()
		d.client = from
		d.sessionID = string(f.Payload)
		d.upload = nil
		d.mu.Unlock()
		d.logger.Debug("session opened", "client", from, "session_id", string(f.Payload))
		d.send(ctx, from, protocol.KindHelloAck, nil)
	case protocol.KindPing:
		d.send(ctx, from, protocol.KindPong, nil)
	case protocol.KindBye:
		d.mu.Lock()
		if d.client == from {
			d.client = ""
			d.videoOn = false
		}
		d.mu.Unlock()
	case protocol.KindMessage:
		d.handleMessage(ctx, f.Payload, from)
	case protocol.KindFileBegin, protocol.KindFileChunk, protocol.KindFileEnd:
		d.handleFile(ctx, f, from)
	}
}

func (d *Device) handleMessage(ctx context.Context, payload []byte, from string) {
	msg := append([]byte(nil), payload...)
	select {
	case d.messages <- msg:
	default:
	}
	e, err := protocol.DecodeEnvelope(payload)
	if err != nil {
		return
	}
	if on, ok := protocol.VideoRequested(e); ok {
		d.mu.Lock()
		d.videoOn = on
		d.mu.Unlock()
		return
	}
	if protocol.IsVersionQuery(e) {
		reply, err := protocol.VersionReply(e.Seq, d.version)
		if err == nil {
			d.send(ctx, from, protocol.KindMessage, reply)
		}
		return
	}
	switch e.MsgType {
	case protocol.MsgRequest:
		d.answer(ctx, from, e.Seq)
	case protocol.MsgResponse:
		if code, ok := e.Code(); ok && code == protocol.ResultSuccess {
			select {
			case d.acks <- e.Seq:
			default:
			}
		}
	}
}

// answer acknowledges a request and, with WithCompletion, later reports it
// finished under the same seq.
func (d *Device) answer(ctx context.Context, to string, seq int) {
	resp, err := protocol.NewResponse(seq, d.responseCode)
	if err != nil {
		return
	}
	d.send(ctx, to, protocol.KindMessage, resp)
	if d.completeAfter <= 0 || d.responseCode != protocol.ResultSuccess {
		return
	}
	done, err := protocol.NewControl(seq, protocol.KeySDKs, map[string]int{"num": seq, "result": d.completeResult})
	if err != nil {
		return
	}
	time.AfterFunc(d.completeAfter, func() {
		if ctx.Err() == nil {
			d.send(ctx, to, protocol.KindMessage, done)
		}
	})
}

func (d *Device) handleFile(ctx context.Context, f protocol.Frame, from string) {
	switch f.Kind {
	case protocol.KindFileBegin:
		begin, err := protocol.DecodeFileBegin(f.Payload)
		if err != nil {
			return
		}
		if d.busy {
			d.ack(ctx, from, begin.Tag, 0, protocol.AckBusy)
			return
		}
		d.mu.Lock()
		if d.upload == nil || d.upload.begin.Tag != begin.Tag {
			d.upload = &incoming{begin: begin, next: 1}
		}
		d.mu.Unlock()
		d.ack(ctx, from, begin.Tag, 0, protocol.AckOK)

	case protocol.KindFileChunk:
		chunk, err := protocol.DecodeFileChunk(f.Payload)
		if err != nil {
			return
		}
		d.mu.Lock()
		up := d.upload
		if up == nil || up.begin.Tag != chunk.Tag || chunk.Index > up.next {
			d.mu.Unlock()
			return
		}
		if chunk.Index == up.next {
			up.data.Write(chunk.Data)
			up.next++
		}
		d.mu.Unlock()
		d.ack(ctx, from, chunk.Tag, chunk.Index, protocol.AckOK)

	case protocol.KindFileEnd:
		end, err := protocol.DecodeFileEnd(f.Payload)
		if err != nil {
			return
		}
		d.mu.Lock()
		up := d.upload
		if up == nil || up.begin.Tag != end.Tag {
			// A resent end after the verdict was already given.
			if fin := d.finished; fin != nil && fin.Tag == end.Tag {
				verdict := *fin
				d.mu.Unlock()
				d.send(ctx, from, protocol.KindFileAck, protocol.EncodeFileAck(verdict))
				return
			}
			d.mu.Unlock()
			return
		}
		data := up.data.Bytes()
		ok := uint64(len(data)) == up.begin.Size &&
			up.next == up.begin.Chunks+1 &&
			crc32.ChecksumIEEE(data) == end.CRC32
		var file File
		if ok {
			file = File{
				Name:     up.begin.Name,
				FileType: up.begin.FileType,
				Data:     append([]byte(nil), data...),
				Chunks:   int(up.begin.Chunks),
			}
		}
		verdict := protocol.AckRejected
		if ok {
			verdict = protocol.AckOK
		}
		d.upload = nil
		d.finished = &protocol.FileAck{Tag: end.Tag, Seq: up.begin.Chunks + 1, Status: verdict}
		fin := *d.finished
		d.mu.Unlock()

		if ok {
			select {
			case d.files <- file:
			default:
			}
		}
		d.send(ctx, from, protocol.KindFileAck, protocol.EncodeFileAck(fin))
	}
}

func (d *Device) ack(ctx context.Context, to string, tag uint16, seq uint32, st protocol.AckStatus) {
	d.send(ctx, to, protocol.KindFileAck, protocol.EncodeFileAck(protocol.FileAck{Tag: tag, Seq: seq, Status: st}))
}

func (d *Device) send(ctx context.Context, to string, kind protocol.Kind, payload []byte) {
	b, err := protocol.EncodeFrame(kind, payload)
	if err != nil {
		d.logger.Warn("encode failed", "kind", kind.String(), "err", err)
		return
	}
	if err := d.pc.SendTo(ctx, b, to); err != nil {
		d.logger.Debug("send failed", "kind", kind.String(), "to", to, "err", err)
	}
}

func (d *Device) peer() (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.client == "" {
		return "", fmt.Errorf("simdevice %s: no session", d.name)
	}
	return d.client, nil
}

// SendMessage pushes a control message to the session peer.
func (d *Device) SendMessage(ctx context.Context, payload []byte) error {
	to, err := d.peer()
	if err != nil {
		return err
	}
	b, err := protocol.EncodeFrame(protocol.KindMessage, payload)
	if err != nil {
		return err
	}
	return d.pc.SendTo(ctx, b, to)
}

// SendVideoFrame fragments one I420 frame and sends it to the session peer.
func (d *Device) SendVideoFrame(ctx context.Context, w, h int, pixels []byte) error {
	to, err := d.peer()
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.videoSeq++
	seq := d.videoSeq
	d.mu.Unlock()
	for _, p := range protocol.SplitVideoFrame(seq, w, h, pixels, protocol.DefaultVideoFragment) {
		payload, err := protocol.EncodeVideoPacket(p)
		if err != nil {
			return err
		}
		b, err := protocol.EncodeFrame(protocol.KindVideo, payload)
		if err != nil {
			return err
		}
		if err := d.pc.SendTo(ctx, b, to); err != nil {
			return err
		}
	}
	return nil
}

// SendBye tells the session peer the device is going away.
func (d *Device) SendBye(ctx context.Context) error {
	to, err := d.peer()
	if err != nil {
		return err
	}
	b, _ := protocol.EncodeFrame(protocol.KindBye, nil)
	return d.pc.SendTo(ctx, b, to)
}

func (d *Device) streamVideo(ctx context.Context) {
	ticker := time.NewTicker(time.Second / time.Duration(d.videoFPS))
	defer ticker.Stop()
	pixels := make([]byte, protocol.I420Size(d.videoW, d.videoH))
	var shift byte
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if !d.VideoOn() {
			continue
		}
		shift++
		luma := d.videoW * d.videoH
		for i := 0; i < luma; i++ {
			pixels[i] = byte(i%d.videoW) + shift
		}
		for i := luma; i < len(pixels); i++ {
			pixels[i] = 128
		}
		if err := d.SendVideoFrame(ctx, d.videoW, d.videoH, pixels); err != nil {
			d.logger.Debug("video frame dropped", "err", err)
		}
	}
}
