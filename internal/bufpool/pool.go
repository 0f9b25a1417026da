// Package bufpool recycles fixed-size byte slices for datagram and chunk reads.
package bufpool

import (
	"sync"
)

// Pool hands out slices of exactly Size bytes.
type Pool struct {
	pool sync.Pool
	size int
}

// New creates a pool of size-byte slices. size must be positive.
func New(size int) *Pool {
	if size <= 0 {
		panic("bufpool: size must be positive")
	}
	p := &Pool{size: size}
	p.pool.New = func() any {
		b := make([]byte, size)
		return &b
	}
	return p
}

// Get returns a slice of length Size. Its contents are unspecified.
func (p *Pool) Get() []byte {
	bp := p.pool.Get().(*[]byte)
	return (*bp)[:p.size]
}

// Put returns b to the pool. Slices that did not come from Get are dropped.
func (p *Pool) Put(b []byte) {
	if cap(b) != p.size {
		return
	}
	b = b[:p.size]
	p.pool.Put(&b)
}

// CopyOut returns a freshly allocated copy of b[:n] and recycles b.
func (p *Pool) CopyOut(b []byte, n int) []byte {
	out := make([]byte, n)
	copy(out, b[:n])
	p.Put(b)
	return out
}

// Size returns the slice length handed out by Get.
func (p *Pool) Size() int {
	return p.size
}
