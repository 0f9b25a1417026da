package video

// bitmap is a compact bitset tracking which fragments of a frame arrived.
type bitmap struct {
	bits int
	set  int
	data []byte
}

// reset clears the bitmap and resizes it to bits, reusing storage.
func (b *bitmap) reset(bits int) {
	if bits < 0 {
		bits = 0
	}
	byteLen := (bits + 7) / 8
	if cap(b.data) < byteLen {
		b.data = make([]byte, byteLen)
	} else {
		b.data = b.data[:byteLen]
		clear(b.data)
	}
	b.bits = bits
	b.set = 0
}

// mark sets bit i and reports whether it was previously clear.
func (b *bitmap) mark(i int) bool {
	if i < 0 || i >= b.bits {
		return false
	}
	byteIndex := i / 8
	mask := byte(1) << uint(i%8)
	if b.data[byteIndex]&mask != 0 {
		return false
	}
	b.data[byteIndex] |= mask
	b.set++
	return true
}

// has reports whether bit i is set.
func (b *bitmap) has(i int) bool {
	if i < 0 || i >= b.bits {
		return false
	}
	return b.data[i/8]&(byte(1)<<uint(i%8)) != 0
}

func (b *bitmap) full() bool {
	return b.bits > 0 && b.set == b.bits
}
