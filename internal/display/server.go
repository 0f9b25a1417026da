// Package display is the video sink that shows frames in a browser: an HTTP
// server pushing every frame to websocket viewers at /video. The same server
// exposes /metrics and /healthz.
package display

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sheerbytes/gomerlink/internal/logging"
	"github.com/sheerbytes/gomerlink/internal/metrics"
	"github.com/sheerbytes/gomerlink/internal/video"
)

const (
	writeWait       = 5 * time.Second
	pingPeriod      = 30 * time.Second
	shutdownTimeout = 2 * time.Second

	// FrameHeaderSize precedes the I420 pixels in every websocket message:
	// [2B width][2B height][4B seq], big endian.
	FrameHeaderSize = 8
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // viewers are local browsers
	},
}

// Config is the listen address and allowed CORS origins (default any).
type Config struct {
	Addr           string
	AllowedOrigins []string
}

type Server struct {
	cfg    Config
	logger *slog.Logger
	hub    *Hub
	router chi.Router
	shown  atomic.Int64

	mu   sync.Mutex
	srv  *http.Server
	addr string
}

func New(cfg Config, logger *slog.Logger) *Server {
	s := &Server{
		cfg:    cfg,
		logger: logging.Component(logger, "display"),
		hub:    NewHub(),
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	origins := s.cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
		MaxAge:         300,
	}))

	r.Get("/", s.handleIndex)
	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	r.Get("/video", s.handleVideo)
	return r
}

// Handler returns the HTTP routes, for embedding or httptest.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Hub returns the viewer hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Addr returns the bound address while open.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Open starts listening. Opening an open server is a no-op.
func (s *Server) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv != nil {
		return nil
	}
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("display listen %s: %w", s.cfg.Addr, err)
	}
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("display server stopped", "err", err)
		}
	}()
	s.srv = srv
	s.addr = ln.Addr().String()
	s.logger.Info("display listening", "addr", s.addr)
	return nil
}

// Show pushes one frame to every viewer. Pixels are copied.
func (s *Server) Show(f video.Frame) {
	s.shown.Add(1)
	if s.hub.Count() == 0 {
		return
	}
	s.hub.Broadcast(MarshalFrame(f))
}

// Close disconnects viewers and stops the server.
func (s *Server) Close() error {
	s.mu.Lock()
	srv := s.srv
	s.srv = nil
	s.addr = ""
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	s.hub.CloseAll()
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("display shutdown: %w", err)
	}
	s.logger.Info("display closed")
	return nil
}

// MarshalFrame builds the websocket message for f.
func MarshalFrame(f video.Frame) []byte {
	msg := make([]byte, FrameHeaderSize+len(f.Pixels))
	binary.BigEndian.PutUint16(msg[0:2], uint16(f.Width))
	binary.BigEndian.PutUint16(msg[2:4], uint16(f.Height))
	binary.BigEndian.PutUint32(msg[4:8], f.Seq)
	copy(msg[FrameHeaderSize:], f.Pixels)
	return msg
}

// UnmarshalFrame parses a websocket frame message. Pixels alias msg.
func UnmarshalFrame(msg []byte) (video.Frame, error) {
	if len(msg) < FrameHeaderSize {
		return video.Frame{}, fmt.Errorf("display frame: %d bytes", len(msg))
	}
	return video.Frame{
		Width:  int(binary.BigEndian.Uint16(msg[0:2])),
		Height: int(binary.BigEndian.Uint16(msg[2:4])),
		Seq:    binary.BigEndian.Uint32(msg[4:8]),
		Pixels: msg[FrameHeaderSize:],
	}, nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"ok":      true,
		"viewers": s.hub.Count(),
		"frames":  s.shown.Load(),
	})
}

func (s *Server) handleVideo(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()
	conn.SetReadLimit(512)

	var writeMu sync.Mutex
	send := func(msg []byte) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		return conn.WriteMessage(websocket.BinaryMessage, msg)
	}
	id, remove := s.hub.Add(send, func() { _ = conn.Close() })
	defer func() {
		remove()
		metrics.DisplayViewers(s.hub.Count())
		s.logger.Info("viewer left", "viewer_id", id)
	}()
	metrics.DisplayViewers(s.hub.Count())
	s.logger.Info("viewer connected", "viewer_id", id, "remote", r.RemoteAddr)

	stopPing := make(chan struct{})
	defer close(stopPing)
	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-stopPing:
				return
			case <-ticker.C:
				writeMu.Lock()
				_ = conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
				writeMu.Unlock()
			}
		}
	}()

	// Viewers only listen; reading surfaces the close.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("viewer read error", "viewer_id", id, "err", err)
			}
			return
		}
	}
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(indexHTML))
}

// indexHTML renders the luma plane of each frame on a canvas.
const indexHTML = `<!doctype html>
<html><head><title>gomerlink video</title></head>
<body style="margin:0;background:#111">
<canvas id="v"></canvas>
<script>
const c = document.getElementById("v"), ctx = c.getContext("2d");
const ws = new WebSocket((location.protocol === "https:" ? "wss://" : "ws://") + location.host + "/video");
ws.binaryType = "arraybuffer";
ws.onmessage = (ev) => {
  const dv = new DataView(ev.data), w = dv.getUint16(0), h = dv.getUint16(2);
  const y = new Uint8Array(ev.data, 8, w * h);
  if (c.width !== w || c.height !== h) { c.width = w; c.height = h; }
  const img = ctx.createImageData(w, h);
  for (let i = 0; i < w * h; i++) {
    img.data[i * 4] = img.data[i * 4 + 1] = img.data[i * 4 + 2] = y[i];
    img.data[i * 4 + 3] = 255;
  }
  ctx.putImageData(img, 0, 0);
};
</script>
</body></html>
`
