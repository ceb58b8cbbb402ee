package view

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lminiero/webrtc-piano/internal/metrics"
	"github.com/lminiero/webrtc-piano/internal/roster"
)

const (
	UpdateState  = "state"
	UpdateKey    = "key"
	UpdateRoster = "roster"
	UpdateAlert  = "alert"

	ActionJoin  = "join"
	ActionLeave = "leave"
)

const (
	wsWriteWait         = 1 * time.Second
	defaultPingInterval = 20 * time.Second
	defaultIdleTimeout  = 60 * time.Second
	subscriberBuffer    = 64
	subscriberReadLimit = 512
)

// Update is one message on the event stream.
type Update struct {
	Type    string              `json:"type"`
	Key     *Key                `json:"key,omitempty"`
	Action  string              `json:"action,omitempty"`
	Player  *roster.Participant `json:"player,omitempty"`
	Message string              `json:"message,omitempty"`
	State   *State              `json:"state,omitempty"`
}

// Hub fans updates out to WebSocket subscribers. A subscriber that cannot
// keep up is disconnected rather than allowed to stall the publisher.
type Hub struct {
	log          *slog.Logger
	metrics      *metrics.Metrics
	pingInterval time.Duration
	idleTimeout  time.Duration

	mu   sync.Mutex
	subs map[*subscriber]struct{}
}

type HubConfig struct {
	Logger  *slog.Logger
	Metrics *metrics.Metrics

	// PingInterval and IdleTimeout control the keepalive: the hub pings every
	// PingInterval and drops a subscriber that has not answered within
	// IdleTimeout.
	PingInterval time.Duration
	IdleTimeout  time.Duration
}

func NewHub(cfg HubConfig) *Hub {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	h := &Hub{
		log:          log,
		metrics:      cfg.Metrics,
		pingInterval: cfg.PingInterval,
		idleTimeout:  cfg.IdleTimeout,
		subs:         make(map[*subscriber]struct{}),
	}
	if h.pingInterval <= 0 {
		h.pingInterval = defaultPingInterval
	}
	if h.idleTimeout <= 0 {
		h.idleTimeout = defaultIdleTimeout
	}
	return h
}

type subscriber struct {
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

func (s *subscriber) close() {
	s.once.Do(func() { close(s.send) })
}

// Publish is safe to call from any goroutine and never blocks. A nil hub
// discards updates.
func (h *Hub) Publish(u Update) {
	if h == nil {
		return
	}
	data, err := json.Marshal(u)
	if err != nil {
		h.log.Error("encode view update", "type", u.Type, "err", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.subs {
		select {
		case s.send <- data:
		default:
			delete(h.subs, s)
			s.close()
			h.metrics.Inc(metrics.ViewSubscriberDropped)
			h.log.Warn("view subscriber too slow, disconnecting")
		}
	}
}

// Subscribers returns the number of connected subscribers.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Serve takes over an upgraded connection. first is built and queued while
// publishing is held off, so no update falls between it and the stream.
func (h *Hub) Serve(conn *websocket.Conn, first func() Update) {
	s := &subscriber{conn: conn, send: make(chan []byte, subscriberBuffer)}

	h.mu.Lock()
	if data, err := json.Marshal(first()); err == nil {
		s.send <- data
	}
	h.subs[s] = struct{}{}
	h.mu.Unlock()

	go h.writePump(s)
	h.readPump(s)
}

func (h *Hub) remove(s *subscriber) {
	h.mu.Lock()
	if _, ok := h.subs[s]; ok {
		delete(h.subs, s)
		s.close()
	}
	h.mu.Unlock()
}

// readPump only exists to process pongs and notice the peer going away; the
// stream is one-way.
func (h *Hub) readPump(s *subscriber) {
	defer func() {
		h.remove(s)
		_ = s.conn.Close()
	}()
	s.conn.SetReadLimit(subscriberReadLimit)
	_ = s.conn.SetReadDeadline(time.Now().Add(h.idleTimeout))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(h.idleTimeout))
	})
	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(s *subscriber) {
	ticker := time.NewTicker(h.pingInterval)
	defer func() {
		ticker.Stop()
		_ = s.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-s.send:
			if !ok {
				writeClose(s.conn, websocket.CloseGoingAway, "subscriber dropped")
				return
			}
			_ = s.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		}
	}
}

// Close disconnects every subscriber.
func (h *Hub) Close() {
	h.mu.Lock()
	subs := h.subs
	h.subs = make(map[*subscriber]struct{})
	h.mu.Unlock()
	for s := range subs {
		s.close()
	}
}

func writeClose(conn *websocket.Conn, code int, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
}
