package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zde37/chordring/internal/chord"
	"github.com/zde37/chordring/pkg"
)

const (
	writeWait   = 10 * time.Second
	pongWait    = 60 * time.Second
	pingPeriod  = pongWait * 9 / 10
	readLimit   = 512
	queueLength = 64
)

var _ chord.RingUpdateBroadcaster = (*WebSocketHub)(nil)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// subscriber is one websocket connection with its outbound queue.
type subscriber struct {
	conn  *websocket.Conn
	queue chan []byte
}

// WebSocketHub fans ring update events out to every connected subscriber.
// A subscriber whose queue is full is disconnected instead of stalling the node.
type WebSocketHub struct {
	mu     sync.Mutex
	subs   map[*subscriber]struct{}
	closed bool
	wg     sync.WaitGroup
	logger *pkg.Logger
}

// NewWebSocketHub creates an empty hub.
func NewWebSocketHub(logger *pkg.Logger) *WebSocketHub {
	return &WebSocketHub{
		subs:   make(map[*subscriber]struct{}),
		logger: logger.WithFields(pkg.Fields{"component": "ws_hub"}),
	}
}

// ClientCount returns the number of connected subscribers.
func (h *WebSocketHub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// HandleWebSocket upgrades the request and subscribes the connection.
func (h *WebSocketHub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to upgrade to websocket")
		return
	}

	s := &subscriber{conn: conn, queue: make(chan []byte, queueLength)}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.subs[s] = struct{}{}
	total := len(h.subs)
	h.wg.Add(2)
	h.mu.Unlock()

	h.logger.Info().Str("remote", r.RemoteAddr).Int("total_clients", total).Msg("Client connected")

	go h.write(s)
	go h.read(s)
}

// BroadcastRingUpdate encodes update as JSON and queues it for every subscriber.
func (h *WebSocketHub) BroadcastRingUpdate(update any) error {
	data, err := json.Marshal(update)
	if err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.subs {
		select {
		case s.queue <- data:
		default:
			h.logger.Warn().Msg("Client too slow, disconnecting")
			h.removeLocked(s)
		}
	}
	return nil
}

// Close disconnects every subscriber and waits for their goroutines.
func (h *WebSocketHub) Close() {
	h.mu.Lock()
	h.closed = true
	for s := range h.subs {
		h.removeLocked(s)
	}
	h.mu.Unlock()

	h.wg.Wait()
}

// removeLocked drops s; its writer sends a close frame and exits.
func (h *WebSocketHub) removeLocked(s *subscriber) {
	if _, ok := h.subs[s]; !ok {
		return
	}
	delete(h.subs, s)
	close(s.queue)
}

func (h *WebSocketHub) remove(s *subscriber) {
	h.mu.Lock()
	h.removeLocked(s)
	total := len(h.subs)
	h.mu.Unlock()

	h.logger.Info().Int("total_clients", total).Msg("Client disconnected")
}

// read discards client frames so pongs and close frames are processed.
func (h *WebSocketHub) read(s *subscriber) {
	defer h.wg.Done()
	defer h.remove(s)

	s.conn.SetReadLimit(readLimit)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug().Err(err).Msg("Websocket closed")
			}
			return
		}
	}
}

// write is the only goroutine writing to s.conn.
func (h *WebSocketHub) write(s *subscriber) {
	defer h.wg.Done()

	ping := time.NewTicker(pingPeriod)
	defer func() {
		ping.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case data, ok := <-s.queue:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = s.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ping.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
