// Package discovery finds devices on the local network by broadcasting a
// probe and collecting announces for a bounded window.
package discovery

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
	"github.com/sheerbytes/gomerlink/internal/transport"
	"github.com/sheerbytes/gomerlink/pkg/protocol"
)

// Device identifies one responder. Addr is the endpoint its announce came from.
type Device struct {
	Name string
	Addr string
}

// Status mirrors the vendor search contract: <0 error, -9 nobody answered, 1 found.
type Status int

const (
	StatusError         Status = -1
	StatusNoDeviceFound Status = -9
	StatusFound         Status = 1
)

func (s Status) String() string {
	switch s {
	case StatusFound:
		return "found"
	case StatusNoDeviceFound:
		return "no_device_found"
	case StatusError:
		return "error"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Result is the outcome of one discovery round.
type Result struct {
	Devices []Device
	Status  Status
}

// Count returns the number of responders.
func (r Result) Count() int {
	return len(r.Devices)
}

// Names returns device names in arrival order.
func (r Result) Names() []string {
	names := make([]string, len(r.Devices))
	for i, d := range r.Devices {
		names[i] = d.Name
	}
	return names
}

// Config bounds a discovery round.
type Config struct {
	BroadcastAddr string
	Window        time.Duration
	ProbeInterval time.Duration
}

// Scanner runs discovery rounds and remembers the latest result.
type Scanner struct {
	net    transport.Network
	cfg    Config
	logger *slog.Logger
	seq    *protocol.Counter

	mu   sync.Mutex
	last []Device
}

func NewScanner(n transport.Network, cfg Config, logger *slog.Logger) *Scanner {
	if cfg.ProbeInterval <= 0 || cfg.ProbeInterval > cfg.Window {
		cfg.ProbeInterval = cfg.Window
	}
	return &Scanner{
		net:    n,
		cfg:    cfg,
		logger: logging.Component(logger, "discovery"),
		seq:    protocol.NewCounter(),
	}
}

// Search broadcasts a probe and collects announces until the window elapses.
// The previous result is discarded as soon as the round starts. A round with
// no responders returns StatusNoDeviceFound and a nil error; transport
// failures and caller cancellation return StatusError with the cause.
func (s *Scanner) Search(ctx context.Context) (Result, error) {
	s.mu.Lock()
	s.last = nil
	s.mu.Unlock()

	res, err := s.search(ctx)
	metrics.DiscoveryRound(res.Status.String(), len(res.Devices))
	if err != nil {
		s.logger.Warn("discovery failed", "err", err)
		return res, err
	}

	s.mu.Lock()
	s.last = append([]Device(nil), res.Devices...)
	s.mu.Unlock()
	s.logger.Info("discovery finished", "status", res.Status.String(), "devices", len(res.Devices))
	return res, nil
}

func (s *Scanner) search(ctx context.Context) (Result, error) {
	failed := Result{Status: StatusError}
	if s.cfg.Window <= 0 {
		return failed, fmt.Errorf("%w: discovery window must be positive", status.ErrInvalidInput)
	}

	pc, err := s.net.ListenPacket(ctx, "")
	if err != nil {
		return failed, fmt.Errorf("discovery listen: %w", err)
	}
	defer pc.Close()

	seq := s.seq.Next()
	payload, err := protocol.EncodeProbe(seq)
	if err != nil {
		return failed, err
	}
	probe, err := protocol.EncodeFrame(protocol.KindProbe, payload)
	if err != nil {
		return failed, err
	}

	wctx, cancel := context.WithTimeout(ctx, s.cfg.Window)
	defer cancel()

	sendProbe := func() error {
		if err := pc.SendTo(wctx, probe, s.cfg.BroadcastAddr); err != nil {
			return fmt.Errorf("discovery probe: %w", err)
		}
		s.logger.Debug("probe sent", "seq", seq, "to", s.cfg.BroadcastAddr)
		return nil
	}
	if err := sendProbe(); err != nil {
		return failed, err
	}

	var devices []Device
	seen := make(map[string]bool)
	for {
		rctx, rcancel := context.WithTimeout(wctx, s.cfg.ProbeInterval)
		b, from, err := pc.ReceiveFrom(rctx)
		rcancel()
		if err != nil {
			if wctx.Err() != nil {
				break
			}
			if errors.Is(err, status.ErrTimeout) {
				if err := sendProbe(); err != nil {
					return failed, err
				}
				continue
			}
			return failed, fmt.Errorf("discovery receive: %w", err)
		}

		name, ok := s.parseAnnounce(b, seq, from)
		if !ok || seen[from] {
			continue
		}
		seen[from] = true
		devices = append(devices, Device{Name: name, Addr: from})
		s.logger.Debug("device announced", "device", name, "addr", from)
	}

	if err := ctx.Err(); err != nil {
		return failed, err
	}
	if len(devices) == 0 {
		return Result{Status: StatusNoDeviceFound}, nil
	}
	return Result{Devices: devices, Status: StatusFound}, nil
}

func (s *Scanner) parseAnnounce(b []byte, seq int, from string) (string, bool) {
	f, err := protocol.DecodeFrame(b)
	if err != nil {
		metrics.ProtocolError("discovery_frame")
		s.logger.Debug("ignoring datagram", "from", from, "err", err)
		return "", false
	}
	if f.Kind != protocol.KindAnnounce {
		return "", false
	}
	annSeq, name, err := protocol.DecodeAnnounce(f.Payload)
	if err != nil {
		metrics.ProtocolError("discovery_announce")
		s.logger.Debug("ignoring announce", "from", from, "err", err)
		return "", false
	}
	if annSeq != seq {
		s.logger.Debug("stale announce", "from", from, "seq", annSeq, "want", seq)
		return "", false
	}
	return name, true
}

// Last returns the devices of the most recent completed round.
func (s *Scanner) Last() []Device {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Device(nil), s.last...)
}

// First returns the first responder of the most recent completed round.
func (s *Scanner) First() (Device, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.last) == 0 {
		return Device{}, false
	}
	return s.last[0], true
}

// Lookup finds a device of the most recent round by name.
func (s *Scanner) Lookup(name string) (Device, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.last {
		if d.Name == name {
			return d, true
		}
	}
	return Device{}, false
}
