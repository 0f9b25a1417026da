package gomer

import (
	"log/slog"

	"github.com/sheerbytes/gomerlink/internal/transport"
	"github.com/sheerbytes/gomerlink/internal/video"
)

type options struct {
	network transport.Network
	logger  *slog.Logger
	decoder video.Decoder
	display video.Sink
}

// Option customizes a Client.
type Option func(*options)

// WithNetwork replaces the UDP network, typically with an in-memory one.
func WithNetwork(n Network) Option {
	return func(o *options) { o.network = n }
}

func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithDecoder replaces the raw I420 decoder.
func WithDecoder(d Decoder) Option {
	return func(o *options) { o.decoder = d }
}

// WithDisplay replaces the built-in websocket display used by
// OpenVideoAndDisplay.
func WithDisplay(s Sink) Option {
	return func(o *options) { o.display = s }
}
