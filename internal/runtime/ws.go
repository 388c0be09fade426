package runtime

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-captions/internal/caption"
)

const (
	wsPingInterval = 30 * time.Second
	wsWriteTimeout = 5 * time.Second
	wsReadTimeout  = 2 * wsPingInterval
	wsClientBuffer = 64
)

type pingMessage struct {
	Kind string `json:"kind"`
}

// hub fans captions out to WebSocket clients. Each client has its own buffer;
// a client that falls behind loses captions instead of stalling the
// transcriber.
type hub struct {
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[chan caption.Caption]struct{}
	closed  bool
}

func newHub(logger *slog.Logger) *hub {
	return &hub{
		logger: logger.With(slog.String("component", "ws")),
		upgrader: websocket.Upgrader{
			CheckOrigin:     func(*http.Request) bool { return true },
			ReadBufferSize:  1024,
			WriteBufferSize: 16 * 1024,
		},
		clients: make(map[chan caption.Caption]struct{}),
	}
}

func (h *hub) Deliver(c caption.Caption) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.clients {
		select {
		case ch <- c:
		default:
		}
	}
}

func (h *hub) subscribe() (chan caption.Caption, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, false
	}
	ch := make(chan caption.Caption, wsClientBuffer)
	h.clients[ch] = struct{}{}
	return ch, true
}

func (h *hub) unsubscribe(ch chan caption.Caption) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[ch]; ok {
		delete(h.clients, ch)
		close(ch)
	}
}

func (h *hub) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *hub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for ch := range h.clients {
		delete(h.clients, ch)
		close(ch)
	}
}

func (h *hub) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("ws upgrade failed", slogError(err))
		return
	}
	defer conn.Close()

	ch, ok := h.subscribe()
	if !ok {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"), time.Now().Add(wsWriteTimeout))
		return
	}
	defer h.unsubscribe(ch)
	h.logger.Info("ws client connected", slog.String("remote", r.RemoteAddr))

	// The read side only handles pongs and close frames.
	gone := make(chan struct{})
	_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()
	for {
		select {
		case c, ok := <-ch:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"), time.Now().Add(wsWriteTimeout))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(c); err != nil {
				h.logger.Debug("ws write failed", slogError(err))
				return
			}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(pingMessage{Kind: "ping"}); err != nil {
				return
			}
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout)); err != nil {
				return
			}
		case <-gone:
			h.logger.Info("ws client disconnected", slog.String("remote", r.RemoteAddr))
			return
		case <-r.Context().Done():
			return
		}
	}
}
