package display

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sheerbytes/gomerlink/internal/logging"
	"github.com/sheerbytes/gomerlink/internal/video"
)

const viewerReadWait = 60 * time.Second

var dialer = websocket.Dialer{
	HandshakeTimeout: 5 * time.Second,
}

// Viewer is a websocket client of a display server's /video endpoint.
type Viewer struct {
	conn    *websocket.Conn
	logger  *slog.Logger
	writeMu sync.Mutex
	once    sync.Once
}

// ViewerURL turns a display address or http(s) URL into its /video URL.
func ViewerURL(addr string) (string, error) {
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	u, err := url.Parse(addr)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/video"
	return u.String(), nil
}

// DialViewer connects to a display server. addr is host:port or a URL.
func DialViewer(ctx context.Context, addr string, logger *slog.Logger) (*Viewer, error) {
	wsURL, err := ViewerURL(addr)
	if err != nil {
		return nil, err
	}
	conn, resp, err := dialer.DialContext(ctx, wsURL, http.Header{})
	if err != nil {
		if resp != nil {
			body, _ := io.ReadAll(resp.Body)
			_ = resp.Body.Close()
			if len(body) > 0 {
				return nil, fmt.Errorf("websocket upgrade failed (%d): %s", resp.StatusCode, string(body))
			}
			return nil, fmt.Errorf("websocket upgrade failed (%d)", resp.StatusCode)
		}
		return nil, err
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	return &Viewer{
		conn:   conn,
		logger: logging.Component(logger, "viewer"),
	}, nil
}

// ReadLoop hands every frame to onFrame until the server goes away, ctx is
// done or Close is called. Pixels are only valid during the call.
func (v *Viewer) ReadLoop(ctx context.Context, onFrame func(video.Frame)) error {
	_ = v.conn.SetReadDeadline(time.Now().Add(viewerReadWait))
	v.conn.SetPongHandler(func(string) error {
		return v.conn.SetReadDeadline(time.Now().Add(viewerReadWait))
	})

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ctx.Done():
				// Closing the connection unblocks ReadMessage.
				_ = v.Close()
				return
			case <-ticker.C:
				v.writeMu.Lock()
				err := v.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
				v.writeMu.Unlock()
				if err != nil {
					return
				}
			}
		}
	}()

	for {
		kind, msg, err := v.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				v.logger.Debug("viewer read error", "err", err)
			}
			return err
		}
		_ = v.conn.SetReadDeadline(time.Now().Add(viewerReadWait))
		if kind != websocket.BinaryMessage {
			continue
		}
		f, err := UnmarshalFrame(msg)
		if err != nil {
			v.logger.Warn("invalid frame message", "err", err)
			continue
		}
		onFrame(f)
	}
}

// Close ends the connection. It is safe to call more than once.
func (v *Viewer) Close() error {
	var err error
	v.once.Do(func() {
		v.writeMu.Lock()
		_ = v.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		v.writeMu.Unlock()
		err = v.conn.Close()
	})
	return err
}
