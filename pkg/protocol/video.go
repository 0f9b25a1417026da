package protocol

import (
	"encoding/binary"
	"fmt"
)

// DefaultVideoFragment is the pixel bytes per video datagram the device emits.
const DefaultVideoFragment = 1400

const videoHeaderSize = 4 + 2 + 2 + 2 + 2

// VideoPacket is one fragment of a raw I420 frame.
type VideoPacket struct {
	FrameSeq uint32
	Index    uint16
	Count    uint16
	Width    uint16
	Height   uint16
	Data     []byte
}

func EncodeVideoPacket(p VideoPacket) ([]byte, error) {
	if p.Count == 0 || p.Index >= p.Count {
		return nil, fmt.Errorf("%w: fragment %d of %d", ErrMalformed, p.Index, p.Count)
	}
	if videoHeaderSize+len(p.Data) > MaxFramePayload {
		return nil, fmt.Errorf("%w: video fragment %d bytes", ErrPayloadTooLarge, len(p.Data))
	}
	buf := make([]byte, videoHeaderSize+len(p.Data))
	binary.BigEndian.PutUint32(buf[0:4], p.FrameSeq)
	binary.BigEndian.PutUint16(buf[4:6], p.Index)
	binary.BigEndian.PutUint16(buf[6:8], p.Count)
	binary.BigEndian.PutUint16(buf[8:10], p.Width)
	binary.BigEndian.PutUint16(buf[10:12], p.Height)
	copy(buf[videoHeaderSize:], p.Data)
	return buf, nil
}

// DecodeVideoPacket parses a video fragment. Data aliases b.
func DecodeVideoPacket(b []byte) (VideoPacket, error) {
	if len(b) < videoHeaderSize {
		return VideoPacket{}, fmt.Errorf("%w: video packet %d bytes", ErrMalformed, len(b))
	}
	p := VideoPacket{
		FrameSeq: binary.BigEndian.Uint32(b[0:4]),
		Index:    binary.BigEndian.Uint16(b[4:6]),
		Count:    binary.BigEndian.Uint16(b[6:8]),
		Width:    binary.BigEndian.Uint16(b[8:10]),
		Height:   binary.BigEndian.Uint16(b[10:12]),
		Data:     b[videoHeaderSize:],
	}
	if p.Count == 0 || p.Index >= p.Count {
		return VideoPacket{}, fmt.Errorf("%w: fragment %d of %d", ErrMalformed, p.Index, p.Count)
	}
	return p, nil
}

// I420Size returns the byte size of a w x h I420 image.
func I420Size(w, h int) int {
	return w * h * 3 / 2
}

// SplitVideoFrame fragments pixels into packets of at most fragSize data bytes.
func SplitVideoFrame(seq uint32, w, h int, pixels []byte, fragSize int) []VideoPacket {
	if fragSize <= 0 {
		fragSize = DefaultVideoFragment
	}
	count := (len(pixels) + fragSize - 1) / fragSize
	if count == 0 {
		count = 1
	}
	packets := make([]VideoPacket, 0, count)
	for i := 0; i < count; i++ {
		start := i * fragSize
		end := start + fragSize
		if end > len(pixels) {
			end = len(pixels)
		}
		packets = append(packets, VideoPacket{
			FrameSeq: seq,
			Index:    uint16(i),
			Count:    uint16(count),
			Width:    uint16(w),
			Height:   uint16(h),
			Data:     pixels[start:end],
		})
	}
	return packets
}
