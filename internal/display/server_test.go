package display

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sheerbytes/gomerlink/internal/video"
)

func dialViewer(t *testing.T, baseURL string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(baseURL, "http") + "/video"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitViewers(t *testing.T, s *Server, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return s.Hub().Count() == n }, 2*time.Second, 5*time.Millisecond)
}

func TestShow_PushesFramesToViewers(t *testing.T) {
	s := New(Config{}, nil)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	a := dialViewer(t, ts.URL)
	b := dialViewer(t, ts.URL)
	waitViewers(t, s, 2)

	pixels := bytes.Repeat([]byte{7}, 4*2*3/2)
	s.Show(video.Frame{Pixels: pixels, Width: 4, Height: 2, Seq: 9})
	pixels[0] = 0

	for _, conn := range []*websocket.Conn{a, b} {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		kind, msg, err := conn.ReadMessage()
		require.NoError(t, err)
		assert.Equal(t, websocket.BinaryMessage, kind)
		f, err := UnmarshalFrame(msg)
		require.NoError(t, err)
		assert.Equal(t, 4, f.Width)
		assert.Equal(t, 2, f.Height)
		assert.Equal(t, uint32(9), f.Seq)
		assert.Equal(t, bytes.Repeat([]byte{7}, 12), f.Pixels)
	}

	require.NoError(t, a.Close())
	waitViewers(t, s, 1)
}

func TestHealthAndMetrics(t *testing.T) {
	s := New(Config{}, nil)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	s.Show(video.Frame{Width: 1, Height: 1, Pixels: []byte{1}})

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var health struct {
		OK      bool  `json:"ok"`
		Viewers int   `json:"viewers"`
		Frames  int64 `json:"frames"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.True(t, health.OK)
	assert.Equal(t, 0, health.Viewers)
	assert.Equal(t, int64(1), health.Frames)

	mresp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer mresp.Body.Close()
	body, err := io.ReadAll(mresp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "gomerlink_")

	iresp, err := http.Get(ts.URL + "/")
	require.NoError(t, err)
	defer iresp.Body.Close()
	assert.Contains(t, iresp.Header.Get("Content-Type"), "text/html")
}

func TestCORSPreflight(t *testing.T) {
	s := New(Config{AllowedOrigins: []string{"http://viewer.local"}}, nil)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	req, err := http.NewRequest(http.MethodOptions, ts.URL+"/healthz", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://viewer.local")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "http://viewer.local", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestOpenClose(t *testing.T) {
	s := New(Config{Addr: "127.0.0.1:0"}, nil)
	require.NoError(t, s.Open())
	require.NoError(t, s.Open())
	addr := s.Addr()
	require.NotEmpty(t, addr)

	conn := dialViewer(t, "http://"+addr)
	waitViewers(t, s, 1)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.Empty(t, s.Addr())

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
	waitViewers(t, s, 0)
}

func TestHub_SlowViewerSkipsFrames(t *testing.T) {
	h := NewHub()
	block := make(chan struct{})
	_, remove := h.Add(func([]byte) error {
		<-block
		return nil
	}, nil)

	for i := 0; i < viewerQueue+5; i++ {
		h.Broadcast([]byte{byte(i)})
	}
	assert.Positive(t, h.Dropped())
	close(block)
	remove()
	remove()
	assert.Equal(t, 0, h.Count())
}

func TestViewer_ReadLoop(t *testing.T) {
	s := New(Config{}, nil)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	v, err := DialViewer(ctx, ts.URL, nil)
	require.NoError(t, err)
	defer v.Close()

	frames := make(chan video.Frame, 4)
	done := make(chan error, 1)
	go func() {
		done <- v.ReadLoop(ctx, func(f video.Frame) {
			f.Pixels = append([]byte(nil), f.Pixels...)
			frames <- f
		})
	}()
	waitViewers(t, s, 1)

	s.Show(video.Frame{Pixels: []byte{1, 2, 3, 4, 5, 6}, Width: 2, Height: 2, Seq: 1})
	s.Show(video.Frame{Pixels: []byte{6, 5, 4, 3, 2, 1}, Width: 2, Height: 2, Seq: 2})
	for _, seq := range []uint32{1, 2} {
		select {
		case f := <-frames:
			assert.Equal(t, seq, f.Seq)
			assert.Len(t, f.Pixels, 6)
		case <-time.After(2 * time.Second):
			t.Fatalf("frame %d not received", seq)
		}
	}

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("ReadLoop did not return after cancel")
	}
	waitViewers(t, s, 0)
}

func TestViewerURL(t *testing.T) {
	cases := map[string]string{
		"127.0.0.1:8090":         "ws://127.0.0.1:8090/video",
		"http://localhost:8090/": "ws://localhost:8090/video",
		"https://robot.lan/cam":  "wss://robot.lan/cam/video",
	}
	for in, want := range cases {
		got, err := ViewerURL(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ViewerURL("ftp://robot.lan")
	assert.Error(t, err)
}
