package video

import (
	"bytes"
	"errors"
	"testing"

	"github.com/sheerbytes/gomerlink/pkg/protocol"
)

func testImage(w, h int, seed byte) []byte {
	px := make([]byte, protocol.I420Size(w, h))
	for i := range px {
		px[i] = byte(i) + seed
	}
	return px
}

func encodePackets(t *testing.T, seq uint32, w, h int, px []byte, frag int) [][]byte {
	t.Helper()
	var out [][]byte
	for _, p := range protocol.SplitVideoFrame(seq, w, h, px, frag) {
		b, err := protocol.EncodeVideoPacket(p)
		if err != nil {
			t.Fatalf("EncodeVideoPacket: %v", err)
		}
		out = append(out, b)
	}
	return out
}

func TestRawDecoder_InOrderAndReversed(t *testing.T) {
	const w, h = 32, 24
	px := testImage(w, h, 3)
	packets := encodePackets(t, 1, w, h, px, 500)
	if len(packets) < 3 {
		t.Fatalf("want several fragments, got %d", len(packets))
	}

	d := NewRawDecoder(w, h)
	for i, b := range packets {
		f, ok, err := d.Decode(b)
		if err != nil {
			t.Fatalf("fragment %d: %v", i, err)
		}
		if ok != (i == len(packets)-1) {
			t.Fatalf("fragment %d: complete = %v", i, ok)
		}
		if ok && (!bytes.Equal(f.Pixels, px) || f.Width != w || f.Height != h || f.Seq != 1) {
			t.Fatalf("frame mismatch: %dx%d seq %d", f.Width, f.Height, f.Seq)
		}
	}

	px2 := testImage(w, h, 9)
	packets = encodePackets(t, 2, w, h, px2, 500)
	var got Frame
	for i := len(packets) - 1; i >= 0; i-- {
		f, ok, err := d.Decode(packets[i])
		if err != nil {
			t.Fatalf("reversed fragment %d: %v", i, err)
		}
		if ok {
			got = f
		}
	}
	if !bytes.Equal(got.Pixels, px2) {
		t.Fatal("reversed frame mismatch")
	}
}

func TestRawDecoder_SingleFragment(t *testing.T) {
	px := testImage(8, 4, 1)
	packets := encodePackets(t, 5, 8, 4, px, protocol.DefaultVideoFragment)
	f, ok, err := NewRawDecoder(0, 0).Decode(packets[0])
	if err != nil || !ok || !bytes.Equal(f.Pixels, px) {
		t.Fatalf("single fragment: ok=%v err=%v", ok, err)
	}
}

func TestRawDecoder_StaleAndSuperseded(t *testing.T) {
	const w, h = 32, 24
	d := NewRawDecoder(0, 0)
	first := encodePackets(t, 10, w, h, testImage(w, h, 0), 500)
	for _, b := range first {
		if _, _, err := d.Decode(b); err != nil {
			t.Fatalf("decode: %v", err)
		}
	}
	if _, _, err := d.Decode(first[0]); !errors.Is(err, ErrStale) {
		t.Fatalf("duplicate of completed frame: %v", err)
	}

	// Frame 11 is abandoned when frame 12 starts.
	partial := encodePackets(t, 11, w, h, testImage(w, h, 1), 500)
	if _, ok, err := d.Decode(partial[0]); ok || err != nil {
		t.Fatalf("partial: ok=%v err=%v", ok, err)
	}
	next := encodePackets(t, 12, w, h, testImage(w, h, 2), 500)
	var complete bool
	for _, b := range next {
		_, ok, err := d.Decode(b)
		if err != nil {
			t.Fatalf("frame 12: %v", err)
		}
		complete = complete || ok
	}
	if !complete {
		t.Fatal("frame 12 not completed")
	}
	if _, _, err := d.Decode(partial[1]); !errors.Is(err, ErrStale) {
		t.Fatalf("late fragment of abandoned frame: %v", err)
	}
}

func TestRawDecoder_Rejects(t *testing.T) {
	d := NewRawDecoder(32, 24)
	wrong := encodePackets(t, 1, 16, 16, testImage(16, 16, 0), 500)
	if _, _, err := d.Decode(wrong[0]); !errors.Is(err, ErrFrameSize) {
		t.Fatalf("size mismatch: %v", err)
	}
	if _, _, err := d.Decode([]byte{1, 2, 3}); !errors.Is(err, protocol.ErrMalformed) {
		t.Fatalf("short packet: %v", err)
	}
	oversized, err := protocol.EncodeVideoPacket(protocol.VideoPacket{
		FrameSeq: 2, Index: 0, Count: 1, Width: 32, Height: 24,
		Data: make([]byte, protocol.I420Size(32, 24)+1),
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := d.Decode(oversized); !errors.Is(err, protocol.ErrMalformed) {
		t.Fatalf("oversized fragment: %v", err)
	}
}
