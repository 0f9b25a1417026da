package display

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

const viewerQueue = 4

// viewer holds one websocket connection and its send queue.
type viewer struct {
	id    string
	send  chan []byte
	close func()
}

// Hub fans frames out to every connected viewer. A viewer whose queue is
// full skips frames instead of slowing the others down.
type Hub struct {
	mu      sync.RWMutex
	viewers map[string]*viewer
	dropped atomic.Int64
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{viewers: make(map[string]*viewer)}
}

// Add registers a viewer and starts its writer. The returned remove func is
// idempotent and waits briefly for the writer to drain.
func (h *Hub) Add(send func(msg []byte) error, closeConn func()) (id string, remove func()) {
	v := &viewer{
		id:    uuid.NewString(),
		send:  make(chan []byte, viewerQueue),
		close: closeConn,
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for msg := range v.send {
			if err := send(msg); err != nil {
				// A dead connection stops consuming; its reader notices and removes it.
				return
			}
		}
	}()

	h.mu.Lock()
	h.viewers[v.id] = v
	h.mu.Unlock()

	var once sync.Once
	return v.id, func() {
		once.Do(func() {
			h.mu.Lock()
			if _, ok := h.viewers[v.id]; !ok {
				h.mu.Unlock()
				return
			}
			delete(h.viewers, v.id)
			h.mu.Unlock()

			close(v.send)
			select {
			case <-done:
			case <-time.After(time.Second):
			}
		})
	}
}

// Broadcast queues msg for every viewer without blocking.
func (h *Hub) Broadcast(msg []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, v := range h.viewers {
		select {
		case v.send <- msg:
		default:
			h.dropped.Add(1)
		}
	}
}

// Count returns the number of connected viewers.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.viewers)
}

// Dropped counts frames skipped for slow viewers.
func (h *Hub) Dropped() int64 {
	return h.dropped.Load()
}

// CloseAll closes every viewer connection. Their handlers remove them.
func (h *Hub) CloseAll() {
	h.mu.RLock()
	closers := make([]func(), 0, len(h.viewers))
	for _, v := range h.viewers {
		if v.close != nil {
			closers = append(closers, v.close)
		}
	}
	h.mu.RUnlock()
	for _, c := range closers {
		c()
	}
}
