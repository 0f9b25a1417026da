package video

import (
	"errors"
	"fmt"

	"github.com/sheerbytes/gomerlink/internal/metrics"
	"github.com/sheerbytes/gomerlink/pkg/protocol"
)

var (
	// ErrStale marks a fragment of a frame that was already completed or superseded.
	ErrStale = errors.New("stale video fragment")
	// ErrFrameSize marks a frame whose dimensions differ from the configured size.
	ErrFrameSize = errors.New("unexpected video frame size")
)

// Frame is one decoded image. Pixels are I420 and only valid until the frame
// callback returns; consumers that keep a frame must copy it.
type Frame struct {
	Pixels []byte
	Width  int
	Height int
	Seq    uint32
}

// Decoder turns Video frame payloads into complete frames.
type Decoder interface {
	// Decode consumes one payload and reports a frame once it is complete.
	Decode(payload []byte) (Frame, bool, error)
	// Reset drops any partially assembled frame.
	Reset()
}

// RawDecoder reassembles raw I420 frames from their fragments. Fragments may
// arrive out of order; a newer frame abandons an unfinished older one.
type RawDecoder struct {
	width  int
	height int

	seen    bool
	active  bool
	seq     uint32
	w, h    int
	count   int
	fragLen int
	lastLen int
	buf     []byte
	got     bitmap
}

// NewRawDecoder accepts only width x height frames, or any size when both
// are zero.
func NewRawDecoder(width, height int) *RawDecoder {
	return &RawDecoder{width: width, height: height}
}

func (d *RawDecoder) Reset() {
	d.seen = false
	d.active = false
	d.got.reset(0)
}

func (d *RawDecoder) Decode(payload []byte) (Frame, bool, error) {
	p, err := protocol.DecodeVideoPacket(payload)
	if err != nil {
		return Frame{}, false, err
	}
	w, h := int(p.Width), int(p.Height)
	if w == 0 || h == 0 {
		return Frame{}, false, fmt.Errorf("%w: zero frame size", protocol.ErrMalformed)
	}
	if d.width > 0 && d.height > 0 && (w != d.width || h != d.height) {
		return Frame{}, false, fmt.Errorf("%w: got %dx%d, want %dx%d", ErrFrameSize, w, h, d.width, d.height)
	}

	if d.seen {
		diff := int32(p.FrameSeq - d.seq)
		if diff < 0 || (diff == 0 && !d.active) {
			return Frame{}, false, fmt.Errorf("%w: frame %d", ErrStale, p.FrameSeq)
		}
		if diff > 0 {
			if d.active {
				metrics.VideoFrame("incomplete")
			}
			d.start(p, w, h)
		}
	} else {
		d.start(p, w, h)
	}

	if int(p.Count) != d.count || w != d.w || h != d.h {
		return Frame{}, false, fmt.Errorf("%w: frame %d header changed mid-frame", protocol.ErrMalformed, p.FrameSeq)
	}
	if err := d.place(p); err != nil {
		return Frame{}, false, err
	}
	if !d.got.full() {
		return Frame{}, false, nil
	}

	d.active = false
	if (d.count-1)*d.fragLen != len(d.buf)-d.lastLen {
		return Frame{}, false, fmt.Errorf("%w: frame %d fragments do not cover the image", protocol.ErrMalformed, d.seq)
	}
	return Frame{Pixels: d.buf, Width: d.w, Height: d.h, Seq: d.seq}, true, nil
}

func (d *RawDecoder) start(p protocol.VideoPacket, w, h int) {
	size := protocol.I420Size(w, h)
	if cap(d.buf) < size {
		d.buf = make([]byte, size)
	}
	d.buf = d.buf[:size]
	d.seen = true
	d.active = true
	d.seq = p.FrameSeq
	d.w, d.h = w, h
	d.count = int(p.Count)
	d.fragLen = 0
	d.lastLen = 0
	d.got.reset(d.count)
}

// place copies one fragment into the frame buffer. All fragments but the
// last share one length; the last one ends the image.
func (d *RawDecoder) place(p protocol.VideoPacket) error {
	idx := int(p.Index)
	if d.got.has(idx) {
		return nil
	}
	n := len(p.Data)
	var off int
	if idx == d.count-1 {
		off = len(d.buf) - n
		d.lastLen = n
	} else {
		if d.fragLen == 0 {
			d.fragLen = n
		} else if n != d.fragLen {
			return fmt.Errorf("%w: fragment %d is %d bytes, others %d", protocol.ErrMalformed, idx, n, d.fragLen)
		}
		off = idx * n
	}
	if n == 0 || off < 0 || off+n > len(d.buf) {
		return fmt.Errorf("%w: fragment %d out of bounds", protocol.ErrMalformed, idx)
	}
	copy(d.buf[off:], p.Data)
	d.got.mark(idx)
	return nil
}
