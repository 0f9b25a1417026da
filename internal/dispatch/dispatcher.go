// Package dispatch carries control messages between the application and the
// connected device: outbound sends go through a rate limiter and the session
// write path, inbound frames reach the registered callback in arrival order.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/time/rate"

	"github.com/sheerbytes/gomerlink/internal/logging"
	"github.com/sheerbytes/gomerlink/internal/metrics"
	"github.com/sheerbytes/gomerlink/internal/status"
	"github.com/sheerbytes/gomerlink/pkg/protocol"
)

// Link is the session write path.
type Link interface {
	SendFrame(ctx context.Context, kind protocol.Kind, payload []byte) error
	Connected() bool
}

// Message is one delivery to the application. Lost marks the synthetic
// notification sent when the session drops; Err then holds the reason.
type Message struct {
	Payload []byte
	Lost    bool
	Err     error
}

// MessageFunc receives inbound messages on the receive loop goroutine. It
// must hand long work off to its own goroutine.
type MessageFunc func(Message)

// Config is the outbound pacing policy. Rate <= 0 disables limiting.
type Config struct {
	Rate  float64
	Burst int
}

type Dispatcher struct {
	link    Link
	logger  *slog.Logger
	limiter atomic.Pointer[rate.Limiter]

	sendMu sync.Mutex

	cbMu      sync.RWMutex
	onMessage MessageFunc
}

func New(link Link, cfg Config, logger *slog.Logger) *Dispatcher {
	d := &Dispatcher{
		link:   link,
		logger: logging.Component(logger, "dispatch"),
	}
	d.Reload(cfg)
	return d
}

// Reload swaps the outbound limiter.
func (d *Dispatcher) Reload(cfg Config) {
	limit := rate.Inf
	if cfg.Rate > 0 {
		limit = rate.Limit(cfg.Rate)
	}
	burst := cfg.Burst
	if burst < 1 {
		burst = 1
	}
	d.limiter.Store(rate.NewLimiter(limit, burst))
}

// SetCallback replaces the inbound callback. nil drops inbound messages.
func (d *Dispatcher) SetCallback(fn MessageFunc) {
	d.cbMu.Lock()
	d.onMessage = fn
	d.cbMu.Unlock()
}

func (d *Dispatcher) callback() MessageFunc {
	d.cbMu.RLock()
	defer d.cbMu.RUnlock()
	return d.onMessage
}

// Send writes one message. Payloads above protocol.MaxMessageSize fail with
// status.ErrTooLarge before the session is consulted.
func (d *Dispatcher) Send(ctx context.Context, payload []byte) error {
	if len(payload) == 0 {
		return fmt.Errorf("%w: empty message", status.ErrInvalidInput)
	}
	if len(payload) > protocol.MaxMessageSize {
		return fmt.Errorf("%w: message is %d bytes, limit %d", status.ErrTooLarge, len(payload), protocol.MaxMessageSize)
	}
	if !d.link.Connected() {
		return status.ErrNotConnected
	}

	d.sendMu.Lock()
	defer d.sendMu.Unlock()
	if err := d.limiter.Load().Wait(ctx); err != nil {
		return fmt.Errorf("message rate limit: %w", err)
	}
	if err := d.link.SendFrame(ctx, protocol.KindMessage, payload); err != nil {
		return err
	}
	metrics.MessageSent()
	d.logger.Debug("message sent", "bytes", len(payload))
	return nil
}

// Reply writes an acknowledgement the device is waiting for. It skips the
// rate limiter because it runs on the receive loop.
func (d *Dispatcher) Reply(ctx context.Context, payload []byte) error {
	if len(payload) > protocol.MaxMessageSize {
		return fmt.Errorf("%w: reply is %d bytes, limit %d", status.ErrTooLarge, len(payload), protocol.MaxMessageSize)
	}
	if err := d.link.SendFrame(ctx, protocol.KindMessage, payload); err != nil {
		return err
	}
	metrics.MessageSent()
	return nil
}

// HandleFrame delivers an inbound Message frame. The payload is copied, so
// the callback may keep it.
func (d *Dispatcher) HandleFrame(f protocol.Frame) {
	if f.Kind != protocol.KindMessage {
		return
	}
	metrics.MessageReceived()
	fn := d.callback()
	if fn == nil {
		d.logger.Debug("no message callback, dropping", "bytes", len(f.Payload))
		return
	}
	fn(Message{Payload: append([]byte(nil), f.Payload...)})
}

// SessionClosed tells the callback about a lost session. A requested
// disconnect is not reported.
func (d *Dispatcher) SessionClosed(reason error, lost bool) {
	if !lost {
		return
	}
	if fn := d.callback(); fn != nil {
		fn(Message{Lost: true, Err: reason})
	}
}
