package janus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/lminiero/webrtc-piano/internal/metrics"
)

// Session is a gateway session. Handles attached to it close with it.
type Session struct {
	c  *Client
	id uint64

	mu      sync.Mutex
	handles map[uint64]*Handle

	done      chan struct{}
	closeOnce sync.Once
}

func (s *Session) ID() uint64 { return s.id }

// Done is closed when the session is destroyed, times out on the gateway, or
// its connection is lost.
func (s *Session) Done() <-chan struct{} { return s.done }

// Attach attaches a handle for plugin. opaqueID may be empty.
func (s *Session) Attach(ctx context.Context, plugin, opaqueID string) (*Handle, error) {
	if s.closed() {
		return nil, ErrSessionClosed
	}
	f, err := s.c.do(ctx, request{
		Janus:     kindAttach,
		SessionID: s.id,
		Plugin:    plugin,
		OpaqueID:  opaqueID,
	}, false)
	if err != nil {
		return nil, fmt.Errorf("janus: attach %s: %w", plugin, err)
	}
	if f.Data == nil || f.Data.ID == 0 {
		return nil, fmt.Errorf("%w (attach %s)", ErrMissingID, plugin)
	}

	h := &Handle{
		s:      s,
		id:     f.Data.ID,
		plugin: plugin,
		events: make(chan Event, eventBuffer),
		done:   make(chan struct{}),
	}
	s.mu.Lock()
	s.handles[h.id] = h
	s.mu.Unlock()
	s.c.trackHandle(h)
	s.c.log.Debug("handle attached", "session_id", s.id, "handle_id", h.id, "plugin", plugin)
	return h, nil
}

// KeepAlive sends one keepalive request.
func (s *Session) KeepAlive(ctx context.Context) error {
	_, err := s.c.do(ctx, request{Janus: kindKeepAlive, SessionID: s.id}, false)
	return err
}

// Destroy destroys the session on the gateway. The session is closed locally
// even when the request fails.
func (s *Session) Destroy(ctx context.Context) error {
	defer s.markClosed()
	if s.closed() {
		return nil
	}
	if _, err := s.c.do(ctx, request{Janus: kindDestroy, SessionID: s.id}, false); err != nil {
		return fmt.Errorf("janus: destroy session %d: %w", s.id, err)
	}
	return nil
}

func (s *Session) keepAliveLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), s.c.opts.RequestTimeout)
			err := s.KeepAlive(ctx)
			cancel()
			if err != nil && !s.closed() {
				s.c.log.Warn("keepalive failed", "session_id", s.id, "err", err)
			}
		}
	}
}

func (s *Session) closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *Session) markClosed() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.mu.Lock()
		handles := make([]*Handle, 0, len(s.handles))
		for _, h := range s.handles {
			handles = append(handles, h)
		}
		s.mu.Unlock()
		for _, h := range handles {
			h.markClosed()
		}
		s.c.forgetSession(s.id)
	})
}

func (s *Session) forgetHandle(id uint64) {
	s.mu.Lock()
	delete(s.handles, id)
	s.mu.Unlock()
}

// Handle is a plugin handle.
type Handle struct {
	s      *Session
	id     uint64
	plugin string

	events chan Event

	done      chan struct{}
	closeOnce sync.Once
}

func (h *Handle) ID() uint64        { return h.id }
func (h *Handle) Plugin() string    { return h.plugin }
func (h *Handle) Session() *Session { return h.s }

// Events delivers gateway notifications for this handle. The channel is never
// closed; select on Done as well.
func (h *Handle) Events() <-chan Event { return h.events }

// Done is closed when the handle is detached or its session ends.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Send posts a plugin message and returns once the gateway acknowledges it.
// The plugin's answer, if any, arrives on Events.
func (h *Handle) Send(ctx context.Context, body any, jsep *webrtc.SessionDescription) error {
	if h.closed() {
		return ErrSessionClosed
	}
	_, err := h.s.c.do(ctx, h.message(body, jsep), false)
	if err != nil {
		return fmt.Errorf("janus: %s message: %w", h.plugin, err)
	}
	return nil
}

// Request posts a plugin message and waits for the plugin's answer, whether it
// replies synchronously or with an asynchronous event. Errors reported inside
// the plugin data are returned as *PluginError.
func (h *Handle) Request(ctx context.Context, body any, jsep *webrtc.SessionDescription) (Event, error) {
	if h.closed() {
		return Event{}, ErrSessionClosed
	}
	f, err := h.s.c.do(ctx, h.message(body, jsep), true)
	if err != nil {
		return Event{}, fmt.Errorf("janus: %s request: %w", h.plugin, err)
	}
	ev := f.event()
	if perr := ev.PluginErr(); perr != nil {
		return ev, perr
	}
	return ev, nil
}

// Detach detaches the handle. It is closed locally even when the request
// fails.
func (h *Handle) Detach(ctx context.Context) error {
	defer h.markClosed()
	if h.closed() {
		return nil
	}
	_, err := h.s.c.do(ctx, request{Janus: kindDetach, SessionID: h.s.id, HandleID: h.id}, false)
	if err != nil {
		return fmt.Errorf("janus: detach %s: %w", h.plugin, err)
	}
	return nil
}

func (h *Handle) message(body any, jsep *webrtc.SessionDescription) request {
	return request{
		Janus:     kindMessage,
		SessionID: h.s.id,
		HandleID:  h.id,
		Body:      body,
		JSEP:      jsep,
	}
}

func (h *Handle) deliver(ev Event) {
	select {
	case h.events <- ev:
	case <-h.done:
	default:
		h.s.c.metrics.Inc(metrics.JanusEventDropped)
		h.s.c.log.Warn("handle event buffer full, dropping event", "handle_id", h.id, "kind", ev.Kind)
	}
}

func (h *Handle) closed() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

func (h *Handle) markClosed() {
	h.closeOnce.Do(func() {
		close(h.done)
		h.s.forgetHandle(h.id)
		h.s.c.forgetHandle(h.id)
	})
}
