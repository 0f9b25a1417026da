// Package video switches the device camera stream on and off and delivers
// reassembled frames, one at a time in arrival order, to either an
// application callback or a display sink.
package video

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sheerbytes/gomerlink/internal/logging"
	"github.com/sheerbytes/gomerlink/internal/metrics"
	"github.com/sheerbytes/gomerlink/internal/status"
	"github.com/sheerbytes/gomerlink/pkg/protocol"
)

const controlTimeout = time.Second

// State is the stream position.
type State int32

const (
	StateClosed State = iota
	StateOpen
	StateOpenWithDisplay
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateOpenWithDisplay:
		return "open_with_display"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// FrameFunc receives frames on the receive loop goroutine. It must not call
// Close or CloseDisplay, which wait for the delivery in progress.
type FrameFunc func(Frame)

// Sink is a display that shows frames. Show gets the same borrowed pixels a
// FrameFunc would.
type Sink interface {
	Open() error
	Show(f Frame)
	Close() error
}

// Link is the session write path.
type Link interface {
	SendFrame(ctx context.Context, kind protocol.Kind, payload []byte) error
	Connected() bool
}

type Pipeline struct {
	link   Link
	seq    *protocol.Counter
	dec    Decoder
	logger *slog.Logger

	// deliverMu is held for each delivery so Close can wait it out.
	deliverMu sync.Mutex

	mu      sync.Mutex
	state   State
	onFrame FrameFunc
	sink    Sink
}

// New builds a pipeline. A nil dec uses a RawDecoder accepting any size.
func New(link Link, seq *protocol.Counter, dec Decoder, logger *slog.Logger) *Pipeline {
	if dec == nil {
		dec = NewRawDecoder(0, 0)
	}
	if seq == nil {
		seq = protocol.NewCounter()
	}
	return &Pipeline{
		link:   link,
		seq:    seq,
		dec:    dec,
		logger: logging.Component(logger, "video"),
	}
}

// State returns the stream state.
func (p *Pipeline) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Open starts the stream and hands every frame to onFrame. Opening an open
// stream replaces the callback. It fails with status.ErrBusy while the
// display owns the stream.
func (p *Pipeline) Open(ctx context.Context, onFrame FrameFunc) error {
	if onFrame == nil {
		return fmt.Errorf("%w: nil frame callback", status.ErrInvalidInput)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	switch p.state {
	case StateOpenWithDisplay:
		return fmt.Errorf("%w: video is routed to the display", status.ErrBusy)
	case StateOpen:
		p.onFrame = onFrame
		return nil
	}
	if !p.link.Connected() {
		return status.ErrNotConnected
	}
	if err := p.control(ctx, true); err != nil {
		return err
	}
	p.dec.Reset()
	p.onFrame = onFrame
	p.state = StateOpen
	p.logger.Info("video opened")
	return nil
}

// OpenWithDisplay starts the stream into sink. It fails with status.ErrBusy
// while an external callback consumes the stream.
func (p *Pipeline) OpenWithDisplay(ctx context.Context, sink Sink) error {
	if sink == nil {
		return fmt.Errorf("%w: no display sink", status.ErrInvalidInput)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	switch p.state {
	case StateOpen:
		return fmt.Errorf("%w: video is consumed by a frame callback", status.ErrBusy)
	case StateOpenWithDisplay:
		return nil
	}
	if !p.link.Connected() {
		return status.ErrNotConnected
	}
	if err := sink.Open(); err != nil {
		return fmt.Errorf("open display: %w", err)
	}
	if err := p.control(ctx, true); err != nil {
		_ = sink.Close()
		return err
	}
	p.dec.Reset()
	p.sink = sink
	p.state = StateOpenWithDisplay
	p.logger.Info("video opened with display")
	return nil
}

// CloseDisplay closes the stream if the display owns it.
func (p *Pipeline) CloseDisplay(ctx context.Context) error {
	if p.State() != StateOpenWithDisplay {
		return nil
	}
	return p.Close(ctx)
}

// Close stops the stream. Closing a closed stream succeeds. The device is
// asked to stop streaming when a session is up; the local state is closed
// even if that request fails.
func (p *Pipeline) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.state == StateClosed {
		p.mu.Unlock()
		return nil
	}
	sink := p.sink
	p.state = StateClosed
	p.onFrame = nil
	p.sink = nil
	p.mu.Unlock()

	// Wait for a delivery that read the old state.
	p.deliverMu.Lock()
	p.dec.Reset()
	p.deliverMu.Unlock()

	var errs []error
	if p.link.Connected() {
		if err := p.control(ctx, false); err != nil {
			errs = append(errs, err)
		}
	}
	if sink != nil {
		if err := sink.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close display: %w", err))
		}
	}
	p.logger.Info("video closed")
	return errors.Join(errs...)
}

// SessionClosed drops the stream without talking to the device.
func (p *Pipeline) SessionClosed(error, bool) {
	p.mu.Lock()
	sink := p.sink
	wasOpen := p.state != StateClosed
	p.state = StateClosed
	p.onFrame = nil
	p.sink = nil
	p.mu.Unlock()
	if !wasOpen {
		return
	}
	p.deliverMu.Lock()
	p.dec.Reset()
	p.deliverMu.Unlock()
	if sink != nil {
		_ = sink.Close()
	}
	p.logger.Info("video closed with session")
}

// HandleFrame assembles a Video frame and delivers finished images.
func (p *Pipeline) HandleFrame(f protocol.Frame) {
	if f.Kind != protocol.KindVideo {
		return
	}
	p.deliverMu.Lock()
	defer p.deliverMu.Unlock()

	p.mu.Lock()
	state, onFrame, sink := p.state, p.onFrame, p.sink
	p.mu.Unlock()
	if state == StateClosed {
		metrics.VideoFrame("dropped_closed")
		return
	}

	frame, ok, err := p.dec.Decode(f.Payload)
	if err != nil {
		if errors.Is(err, ErrStale) {
			metrics.VideoFrame("stale")
		} else {
			metrics.VideoFrame("bad_packet")
			p.logger.Warn("video fragment rejected", "err", err)
		}
		return
	}
	if !ok {
		return
	}
	metrics.VideoFrame("delivered")
	switch {
	case sink != nil:
		sink.Show(frame)
	case onFrame != nil:
		onFrame(frame)
	}
}

func (p *Pipeline) control(ctx context.Context, on bool) error {
	msg, err := protocol.VideoControl(p.seq.Next(), on)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, controlTimeout)
	defer cancel()
	if err := p.link.SendFrame(ctx, protocol.KindMessage, msg); err != nil {
		return fmt.Errorf("video control: %w", err)
	}
	return nil
}
