// Package gomer is the application-facing API for one robot on the local
// network. A Client finds devices, holds at most one session, and exposes
// control messages, file uploads and the video stream of the connected
// device.
package gomer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sheerbytes/gomerlink/internal/config"
	"github.com/sheerbytes/gomerlink/internal/discovery"
	"github.com/sheerbytes/gomerlink/internal/dispatch"
	"github.com/sheerbytes/gomerlink/internal/display"
	"github.com/sheerbytes/gomerlink/internal/logging"
	"github.com/sheerbytes/gomerlink/internal/progress"
	"github.com/sheerbytes/gomerlink/internal/session"
	"github.com/sheerbytes/gomerlink/internal/status"
	"github.com/sheerbytes/gomerlink/internal/transfer"
	"github.com/sheerbytes/gomerlink/internal/transport"
	"github.com/sheerbytes/gomerlink/internal/video"
	"github.com/sheerbytes/gomerlink/pkg/protocol"
)

type (
	Config          = config.Config
	Network         = transport.Network
	Device          = discovery.Device
	SearchResult    = discovery.Result
	SearchStatus    = discovery.Status
	SessionState    = session.State
	Message         = dispatch.Message
	MessageFunc     = dispatch.MessageFunc
	FileType        = transfer.FileType
	TransferResult  = transfer.Result
	TransferState   = transfer.State
	ResultCode      = transfer.ResultCode
	TransferStats   = progress.Stats
	Frame           = video.Frame
	FrameFunc       = video.FrameFunc
	Decoder         = video.Decoder
	Sink            = video.Sink
	FirmwareVersion = protocol.Version
	Envelope        = protocol.Envelope
)

const (
	SaveVoice           = transfer.SaveVoice
	SaveImage           = transfer.SaveImage
	PlayImmediateNoSave = transfer.PlayImmediateNoSave
	DiscardPicture      = transfer.DiscardPicture
	DiscardVoiceNoPlay  = transfer.DiscardVoiceNoPlay
)

var (
	// ErrVersionTooOld is returned by CheckVersion when the device firmware
	// is older than min_device_version.
	ErrVersionTooOld = fmt.Errorf("%w: device firmware too old", status.ErrProtocol)
	// ErrRefused is returned by Request when the device answers with a
	// code other than success.
	ErrRefused = fmt.Errorf("%w: device refused the request", status.ErrProtocol)
)

// DefaultConfig returns the built-in configuration.
func DefaultConfig() Config { return config.Default() }

// FileTypeForPath maps an upload suffix to the file type the device expects.
func FileTypeForPath(path string) (FileType, error) { return transfer.FileTypeForPath(path) }

// LoadConfig reads path (may be empty) with GOMERLINK_* environment overrides.
func LoadConfig(path string) (Config, error) { return config.Load(path) }

// Client owns every engine component for one process. It is safe for
// concurrent use.
type Client struct {
	logger  *slog.Logger
	seq     *protocol.Counter
	scanner *discovery.Scanner
	sess    *session.Manager
	disp    *dispatch.Dispatcher
	xfer    *transfer.Engine
	video   *video.Pipeline
	sink    video.Sink
	builtin *display.Server

	cfgMu sync.RWMutex
	cfg   Config

	// connMu orders Connect and Disconnect so the message callback swap
	// never races another caller.
	connMu sync.Mutex

	cbMu      sync.RWMutex
	onMessage MessageFunc

	waitMu  sync.Mutex
	waiters map[int]chan reply

	closed atomic.Bool
}

// New validates cfg and wires the components. Nothing touches the network
// until Search or Connect.
func New(cfg Config, opts ...Option) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", status.ErrInvalidInput, err)
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	logger := logging.Component(o.logger, "client")
	if o.network == nil {
		o.network = transport.NewUDPNetwork(o.logger)
	}
	if o.decoder == nil {
		o.decoder = video.NewRawDecoder(cfg.Video.Width, cfg.Video.Height)
	}

	c := &Client{
		logger:  logger,
		seq:     protocol.NewCounter(),
		cfg:     cfg,
		waiters: make(map[int]chan reply),
	}
	c.scanner = discovery.NewScanner(o.network, discovery.Config{
		BroadcastAddr: cfg.Discovery.BroadcastAddr,
		Window:        cfg.Discovery.Window,
		ProbeInterval: cfg.Discovery.ProbeInterval,
	}, o.logger)
	c.sess = session.NewManager(o.network, c.scanner, session.Config{
		ConnectTimeout:    cfg.Session.ConnectTimeout,
		StopTimeout:       cfg.Session.StopTimeout,
		HeartbeatInterval: cfg.Session.HeartbeatInterval,
		IdleTimeout:       cfg.Session.IdleTimeout,
	}, o.logger)
	c.disp = dispatch.New(c.sess, messagePolicy(cfg), o.logger)
	c.disp.SetCallback(c.deliver)
	c.xfer = transfer.NewEngine(c.sess, transferPolicy(cfg), o.logger)
	c.video = video.New(c.sess, c.seq, o.decoder, o.logger)

	c.sink = o.display
	if c.sink == nil {
		c.builtin = display.New(display.Config{Addr: cfg.Display.Addr}, o.logger)
		c.sink = c.builtin
	}

	c.sess.Handle(protocol.KindMessage, c.disp)
	c.sess.Handle(protocol.KindFileAck, c.xfer)
	c.sess.Handle(protocol.KindVideo, c.video)
	// The transfer listener waits for the aborted upload's result callback,
	// so it fires before the application hears about the loss.
	c.sess.AddListener(c.xfer)
	c.sess.AddListener(c.video)
	c.sess.AddListener(c.disp)
	return c, nil
}

func messagePolicy(cfg Config) dispatch.Config {
	return dispatch.Config{Rate: cfg.Message.Rate, Burst: cfg.Message.Burst}
}

func transferPolicy(cfg Config) transfer.Policy {
	return transfer.Policy{
		ChunkSize:  protocol.MaxMessageSize,
		AckTimeout: cfg.Transfer.AckTimeout,
		MaxRetries: cfg.Transfer.MaxRetries,
		ChunkRate:  cfg.Transfer.ChunkRate,
	}
}

func (c *Client) config() Config {
	c.cfgMu.RLock()
	defer c.cfgMu.RUnlock()
	return c.cfg
}

// Reload applies the hot-reloadable parts of cfg: message pacing, transfer
// policy and the minimum firmware version. Discovery and session timings
// keep the values the Client was built with.
func (c *Client) Reload(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("%w: %w", status.ErrInvalidInput, err)
	}
	c.cfgMu.Lock()
	c.cfg.Message = cfg.Message
	c.cfg.Transfer = cfg.Transfer
	c.cfg.MinDeviceVersion = cfg.MinDeviceVersion
	c.cfg.LogLevel = cfg.LogLevel
	c.cfgMu.Unlock()
	c.disp.Reload(messagePolicy(cfg))
	c.xfer.Reload(transferPolicy(cfg))
	c.logger.Info("config reloaded")
	return nil
}

// Search runs one discovery round. The devices of the previous round are
// forgotten when it starts.
func (c *Client) Search(ctx context.Context) (SearchResult, error) {
	if c.closed.Load() {
		return SearchResult{Status: discovery.StatusError}, status.ErrClosed
	}
	return c.scanner.Search(ctx)
}

// Devices returns the devices of the most recent completed search.
func (c *Client) Devices() []Device {
	return c.scanner.Last()
}

// Connect opens a session to the device called name in the latest search
// result, or to its first device when name is empty.
func (c *Client) Connect(ctx context.Context, name string, onMessage MessageFunc) error {
	if name == "" {
		return c.ConnectDevice(ctx, nil, onMessage)
	}
	d, ok := c.scanner.Lookup(name)
	if !ok {
		return fmt.Errorf("%w: device %q not in the last search result", status.ErrNoTarget, name)
	}
	return c.ConnectDevice(ctx, &d, onMessage)
}

// ConnectDevice opens a session to target, or to the first device of the
// latest search when target is nil. onMessage may be nil. Connecting while
// a session exists fails with status.ErrAlreadyConnected and leaves both
// the session and its callback alone.
func (c *Client) ConnectDevice(ctx context.Context, target *Device, onMessage MessageFunc) error {
	if c.closed.Load() {
		return status.ErrClosed
	}
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if st := c.sess.State(); st != session.StateIdle {
		return fmt.Errorf("%w: session is %s", status.ErrAlreadyConnected, st)
	}
	c.setCallback(onMessage)
	if err := c.sess.Connect(ctx, target); err != nil {
		c.setCallback(nil)
		return err
	}
	return nil
}

// Disconnect stops the video stream, ends the session and aborts any
// transfer in flight. It is a no-op without a session.
func (c *Client) Disconnect() error {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return c.disconnectLocked()
}

func (c *Client) disconnectLocked() error {
	if !c.sess.Connected() {
		return c.sess.Disconnect()
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.config().Session.StopTimeout)
	defer cancel()
	if err := c.video.Close(ctx); err != nil {
		c.logger.Warn("video close failed", "err", err)
	}
	err := c.sess.Disconnect()
	c.setCallback(nil)
	c.failWaiters(status.ErrNotConnected)
	return err
}

// State returns the session state.
func (c *Client) State() SessionState {
	return c.sess.State()
}

// Peer returns the connected device.
func (c *Client) Peer() (Device, bool) {
	return c.sess.Peer()
}

func (c *Client) setCallback(fn MessageFunc) {
	c.cbMu.Lock()
	c.onMessage = fn
	c.cbMu.Unlock()
}

type reply struct {
	env Envelope
	err error
}

// deliver runs on the receive loop. Responses awaited by Request are
// consumed here and completion notices are acknowledged; everything else,
// completions included, reaches the application callback.
func (c *Client) deliver(m Message) {
	if m.Lost {
		c.failWaiters(fmt.Errorf("%w: %w", status.ErrNotConnected, m.Err))
	} else if e, err := protocol.DecodeEnvelope(m.Payload); err == nil {
		switch {
		case e.MsgType == protocol.MsgResponse:
			if c.takeReply(e) {
				return
			}
		case protocol.IsCompletion(e):
			c.ackCompletion(e.Seq)
		}
	}
	c.cbMu.RLock()
	fn := c.onMessage
	c.cbMu.RUnlock()
	if fn != nil {
		fn(m)
	}
}

func (c *Client) takeReply(e Envelope) bool {
	c.waitMu.Lock()
	defer c.waitMu.Unlock()
	ch, ok := c.waiters[e.Seq]
	if !ok {
		return false
	}
	delete(c.waiters, e.Seq)
	ch <- reply{env: e}
	return true
}

func (c *Client) failWaiters(err error) {
	c.waitMu.Lock()
	defer c.waitMu.Unlock()
	for seq, ch := range c.waiters {
		delete(c.waiters, seq)
		ch <- reply{err: err}
	}
}

// ackCompletion confirms a completion notice with a success response under
// the same seq.
func (c *Client) ackCompletion(seq int) {
	ack, err := protocol.NewResponse(seq, protocol.ResultSuccess)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.config().Message.ReplyTimeout)
	defer cancel()
	if err := c.disp.Reply(ctx, ack); err != nil {
		c.logger.Warn("completion ack failed", "seq", seq, "err", err)
		return
	}
	c.logger.Debug("completion acked", "seq", seq)
}

// SendMessage writes one opaque payload of at most 1440 bytes.
func (c *Client) SendMessage(ctx context.Context, payload []byte) error {
	return c.disp.Send(ctx, payload)
}

// SendControl wraps body under key in a request envelope and sends it
// without waiting. The envelope sequence number is returned so replies
// reaching the message callback can be matched. Request waits for the
// response instead.
func (c *Client) SendControl(ctx context.Context, key string, body any) (int, error) {
	seq := c.seq.Next()
	payload, err := protocol.NewControl(seq, key, body)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", status.ErrInvalidInput, err)
	}
	if err := c.disp.Send(ctx, payload); err != nil {
		return 0, err
	}
	return seq, nil
}

// Request sends body under key as a request envelope and waits, at most
// message.reply_timeout, for the device response with the same seq. The
// response is returned even when its code is not success, together with
// ErrRefused. A later completion notice for the request reaches the
// message callback and is acknowledged automatically.
func (c *Client) Request(ctx context.Context, key string, body any) (Envelope, error) {
	seq := c.seq.Next()
	payload, err := protocol.NewControl(seq, key, body)
	if err != nil {
		return Envelope{}, fmt.Errorf("%w: %w", status.ErrInvalidInput, err)
	}
	e, err := c.roundTrip(ctx, seq, payload)
	if err != nil {
		return Envelope{}, err
	}
	if code, ok := e.Code(); ok && code != protocol.ResultSuccess {
		return e, fmt.Errorf("%w: %s request %d answered with code %d", ErrRefused, key, seq, code)
	}
	return e, nil
}

// roundTrip sends payload and waits for the response carrying seq.
func (c *Client) roundTrip(ctx context.Context, seq int, payload []byte) (Envelope, error) {
	ch := make(chan reply, 1)
	c.waitMu.Lock()
	c.waiters[seq] = ch
	c.waitMu.Unlock()
	defer func() {
		c.waitMu.Lock()
		delete(c.waiters, seq)
		c.waitMu.Unlock()
	}()

	if err := c.disp.Send(ctx, payload); err != nil {
		return Envelope{}, err
	}
	wait := c.config().Message.ReplyTimeout
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case r := <-ch:
		return r.env, r.err
	case <-timer.C:
		return Envelope{}, fmt.Errorf("%w: no response to %d within %s", status.ErrTimeout, seq, wait)
	case <-ctx.Done():
		return Envelope{}, ctx.Err()
	}
}

// CheckVersion asks the device for its firmware version. With
// min_device_version set, an older device yields ErrVersionTooOld along
// with the reported version.
func (c *Client) CheckVersion(ctx context.Context) (FirmwareVersion, error) {
	cfg := c.config()
	seq := c.seq.Next()
	query, err := protocol.VersionQuery(seq)
	if err != nil {
		return FirmwareVersion{}, err
	}
	e, err := c.roundTrip(ctx, seq, query)
	if err != nil {
		return FirmwareVersion{}, err
	}
	v, ok := protocol.ParseVersionReply(e)
	if !ok {
		return FirmwareVersion{}, fmt.Errorf("%w: malformed version reply to %d", status.ErrProtocol, seq)
	}
	if cfg.MinDeviceVersion == "" {
		return v, nil
	}
	minVer, err := protocol.ParseVersion(cfg.MinDeviceVersion)
	if err != nil {
		return v, fmt.Errorf("%w: min_device_version: %w", status.ErrInvalidInput, err)
	}
	if v.Less(minVer) {
		return v, fmt.Errorf("%w: device runs %s, need %s", ErrVersionTooOld, v, minVer)
	}
	return v, nil
}

// SendFileBlock uploads path and returns once the device acknowledged the
// whole file or the upload failed.
func (c *Client) SendFileBlock(ctx context.Context, fileType FileType, path string) TransferResult {
	return c.xfer.SendBlocking(ctx, fileType, path)
}

// SendFileUnblock validates and starts the upload, returning at once.
// onResult fires exactly once when an accepted upload ends; a rejected one
// only returns the error.
func (c *Client) SendFileUnblock(fileType FileType, path string, onResult func(TransferResult)) error {
	return c.xfer.SendNonBlocking(fileType, path, onResult)
}

// Upload picks the file type from the path suffix and uploads blocking.
func (c *Client) Upload(ctx context.Context, path string) TransferResult {
	ft, err := FileTypeForPath(path)
	if err != nil {
		return TransferResult{Code: transfer.CodeOf(err), Err: err}
	}
	return c.xfer.SendBlocking(ctx, ft, path)
}

func (c *Client) TransferState() TransferState {
	return c.xfer.State()
}

func (c *Client) TransferProgress() TransferStats {
	return c.xfer.Progress()
}

// OpenVideo starts the stream and hands decoded frames to onFrame. Pixels
// are only valid until onFrame returns.
func (c *Client) OpenVideo(ctx context.Context, onFrame FrameFunc) error {
	return c.video.Open(ctx, onFrame)
}

func (c *Client) CloseVideo(ctx context.Context) error {
	return c.video.Close(ctx)
}

// OpenVideoAndDisplay starts the stream into the display sink. The built-in
// sink serves viewers over websocket at display.addr.
func (c *Client) OpenVideoAndDisplay(ctx context.Context) error {
	return c.video.OpenWithDisplay(ctx, c.sink)
}

func (c *Client) CloseVideoAndDisplay(ctx context.Context) error {
	return c.video.CloseDisplay(ctx)
}

// DisplayAddr returns the address the built-in display listens on while
// open, or "" otherwise.
func (c *Client) DisplayAddr() string {
	if c.builtin == nil {
		return ""
	}
	return c.builtin.Addr()
}

// Close disconnects and waits for a running transfer to finish aborting.
// The Client cannot be used afterwards. Closing twice is a no-op.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.connMu.Lock()
	err := c.disconnectLocked()
	c.connMu.Unlock()
	c.xfer.Close()
	if c.builtin != nil {
		err = errors.Join(err, c.builtin.Close())
	}
	return err
}
