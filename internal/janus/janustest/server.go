// Package janustest provides an in-process Janus gateway speaking the
// WebSocket JSON API, for tests.
package janustest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
)

// Gateway error codes.
const (
	ErrCodeUnknownRequest  = 453
	ErrCodeSessionNotFound = 458
	ErrCodeHandleNotFound  = 459
	ErrCodePluginNotFound  = 460
)

const writeWait = time.Second

// Reply is a plugin's answer to a message request.
type Reply struct {
	Data any
	JSEP *webrtc.SessionDescription

	// Sync answers with a success carrying plugindata instead of ack + event.
	Sync bool
	// NoReply sends only the ack.
	NoReply bool

	// ErrCode, when non-zero, answers with a core error instead.
	ErrCode   int
	ErrReason string
}

// Plugin handles message requests for one plugin package name.
type Plugin interface {
	HandleMessage(h *Handle, body json.RawMessage, jsep *webrtc.SessionDescription) Reply
}

type PluginFunc func(h *Handle, body json.RawMessage, jsep *webrtc.SessionDescription) Reply

func (f PluginFunc) HandleMessage(h *Handle, body json.RawMessage, jsep *webrtc.SessionDescription) Reply {
	return f(h, body, jsep)
}

// Server is a fake gateway. URL is its ws:// endpoint.
type Server struct {
	URL string

	srv     *httptest.Server
	plugins map[string]Plugin

	mu       sync.Mutex
	nextID   uint64
	sessions map[uint64]*conn
	handles  map[uint64]*Handle
	counts   map[string]int
	bodies   []json.RawMessage
	conns    map[*conn]struct{}
}

func NewServer(plugins map[string]Plugin) *Server {
	s := &Server{
		plugins:  plugins,
		nextID:   1000,
		sessions: make(map[uint64]*conn),
		handles:  make(map[uint64]*Handle),
		counts:   make(map[string]int),
		conns:    make(map[*conn]struct{}),
	}
	upgrader := websocket.Upgrader{
		Subprotocols: []string{"janus-protocol"},
		CheckOrigin:  func(r *http.Request) bool { return true },
	}
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		c := &conn{ws: ws}
		s.mu.Lock()
		s.conns[c] = struct{}{}
		s.mu.Unlock()
		defer func() {
			s.mu.Lock()
			delete(s.conns, c)
			s.mu.Unlock()
			_ = ws.Close()
		}()
		s.serve(c)
	}))
	s.URL = "ws" + strings.TrimPrefix(s.srv.URL, "http")
	return s
}

func (s *Server) Close() { s.srv.Close() }

// Count returns how many requests of the given kind ("create", "keepalive",
// ...) were received.
func (s *Server) Count(kind string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[kind]
}

// Bodies returns the bodies of all message requests, in arrival order.
func (s *Server) Bodies() []json.RawMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]json.RawMessage(nil), s.bodies...)
}

// Sessions returns the number of live sessions.
func (s *Server) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Handles returns the number of attached handles.
func (s *Server) Handles() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.handles)
}

// ExpireSession drops a session and notifies its client with a timeout event.
func (s *Server) ExpireSession(id uint64) {
	s.mu.Lock()
	c := s.sessions[id]
	delete(s.sessions, id)
	for hid, h := range s.handles {
		if h.SessionID == id {
			delete(s.handles, hid)
		}
	}
	s.mu.Unlock()
	if c != nil {
		_ = c.write(map[string]any{"janus": "timeout", "session_id": id})
	}
}

// DropConnections closes every client connection abruptly.
func (s *Server) DropConnections() {
	s.mu.Lock()
	conns := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		_ = c.ws.Close()
	}
}

// Handle is the gateway side of an attached plugin handle.
type Handle struct {
	ID        uint64
	SessionID uint64
	Plugin    string
	OpaqueID  string

	c *conn
}

// Push sends an asynchronous notification of the given kind for this handle.
func (h *Handle) Push(kind string, fields map[string]any) error {
	msg := map[string]any{"janus": kind, "session_id": h.SessionID, "sender": h.ID}
	for k, v := range fields {
		msg[k] = v
	}
	return h.c.write(msg)
}

// PushEvent sends an unsolicited plugin event.
func (h *Handle) PushEvent(data any, jsep *webrtc.SessionDescription) error {
	fields := map[string]any{"plugindata": map[string]any{"plugin": h.Plugin, "data": data}}
	if jsep != nil {
		fields["jsep"] = jsep
	}
	return h.Push("event", fields)
}

type conn struct {
	mu sync.Mutex
	ws *websocket.Conn
}

func (c *conn) write(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

type request struct {
	Janus       string                     `json:"janus"`
	Transaction string                     `json:"transaction"`
	SessionID   uint64                     `json:"session_id"`
	HandleID    uint64                     `json:"handle_id"`
	Plugin      string                     `json:"plugin"`
	OpaqueID    string                     `json:"opaque_id"`
	Body        json.RawMessage            `json:"body"`
	JSEP        *webrtc.SessionDescription `json:"jsep"`
}

func (s *Server) serve(c *conn) {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		var req request
		if err := json.Unmarshal(data, &req); err != nil {
			continue
		}
		s.mu.Lock()
		s.counts[req.Janus]++
		s.mu.Unlock()
		s.handle(c, req)
	}
}

func (s *Server) handle(c *conn, req request) {
	reply := func(kind string, fields map[string]any) {
		msg := map[string]any{"janus": kind, "transaction": req.Transaction}
		if req.SessionID != 0 {
			msg["session_id"] = req.SessionID
		}
		for k, v := range fields {
			msg[k] = v
		}
		_ = c.write(msg)
	}
	fail := func(code int, reason string) {
		reply("error", map[string]any{"error": map[string]any{"code": code, "reason": reason}})
	}

	switch req.Janus {
	case "create":
		s.mu.Lock()
		s.nextID++
		id := s.nextID
		s.sessions[id] = c
		s.mu.Unlock()
		reply("success", map[string]any{"data": map[string]any{"id": id}})

	case "keepalive":
		if !s.hasSession(req.SessionID) {
			fail(ErrCodeSessionNotFound, "No such session")
			return
		}
		reply("ack", nil)

	case "destroy":
		s.mu.Lock()
		_, ok := s.sessions[req.SessionID]
		delete(s.sessions, req.SessionID)
		for id, h := range s.handles {
			if h.SessionID == req.SessionID {
				delete(s.handles, id)
			}
		}
		s.mu.Unlock()
		if !ok {
			fail(ErrCodeSessionNotFound, "No such session")
			return
		}
		reply("success", nil)

	case "attach":
		if !s.hasSession(req.SessionID) {
			fail(ErrCodeSessionNotFound, "No such session")
			return
		}
		if _, ok := s.plugins[req.Plugin]; !ok {
			fail(ErrCodePluginNotFound, "No such plugin '"+req.Plugin+"'")
			return
		}
		s.mu.Lock()
		s.nextID++
		h := &Handle{ID: s.nextID, SessionID: req.SessionID, Plugin: req.Plugin, OpaqueID: req.OpaqueID, c: c}
		s.handles[h.ID] = h
		s.mu.Unlock()
		reply("success", map[string]any{"data": map[string]any{"id": h.ID}})

	case "detach":
		s.mu.Lock()
		h, ok := s.handles[req.HandleID]
		delete(s.handles, req.HandleID)
		s.mu.Unlock()
		if !ok || h.SessionID != req.SessionID {
			fail(ErrCodeHandleNotFound, "No such handle")
			return
		}
		reply("success", nil)

	case "message":
		s.mu.Lock()
		h, ok := s.handles[req.HandleID]
		s.bodies = append(s.bodies, req.Body)
		s.mu.Unlock()
		if !ok || h.SessionID != req.SessionID {
			fail(ErrCodeHandleNotFound, "No such handle")
			return
		}
		plugin := s.plugins[h.Plugin]
		// Plugins may block (e.g. negotiating media), so answer off the read loop.
		go func() {
			r := plugin.HandleMessage(h, req.Body, req.JSEP)
			if r.ErrCode != 0 {
				fail(r.ErrCode, r.ErrReason)
				return
			}
			fields := map[string]any{
				"sender":     h.ID,
				"plugindata": map[string]any{"plugin": h.Plugin, "data": r.Data},
			}
			if r.JSEP != nil {
				fields["jsep"] = r.JSEP
			}
			if r.Sync {
				reply("success", fields)
				return
			}
			reply("ack", nil)
			if r.NoReply {
				return
			}
			reply("event", fields)
		}()

	default:
		fail(ErrCodeUnknownRequest, "Unknown request '"+req.Janus+"'")
	}
}

func (s *Server) hasSession(id uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.sessions[id]
	return ok
}
