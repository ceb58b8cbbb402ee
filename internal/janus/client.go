package janus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/lminiero/webrtc-piano/internal/metrics"
)

const (
	DefaultRequestTimeout    = 10 * time.Second
	DefaultKeepAliveInterval = 25 * time.Second

	dialTimeout   = 5 * time.Second
	writeWait     = 5 * time.Second
	maxFrameBytes = 1 << 20

	pendingBuffer = 4
	eventBuffer   = 32
)

type Options struct {
	URL    string
	Header http.Header

	// RequestTimeout bounds each request when the caller's context has no
	// earlier deadline.
	RequestTimeout time.Duration

	// KeepAliveInterval is how often each session sends keepalive. Negative
	// disables keepalives.
	KeepAliveInterval time.Duration

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

func (o Options) withDefaults() Options {
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = DefaultRequestTimeout
	}
	if o.KeepAliveInterval == 0 {
		o.KeepAliveInterval = DefaultKeepAliveInterval
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Client is a connection to a Janus gateway. It is safe for concurrent use.
type Client struct {
	conn    *websocket.Conn
	opts    Options
	log     *slog.Logger
	metrics *metrics.Metrics

	writeMu sync.Mutex

	mu       sync.Mutex
	pending  map[string]chan *frame
	sessions map[uint64]*Session
	handles  map[uint64]*Handle
	err      error

	done      chan struct{}
	closeOnce sync.Once
}

// Dial connects to the gateway's WebSocket transport.
func Dial(ctx context.Context, opts Options) (*Client, error) {
	if opts.URL == "" {
		return nil, errors.New("janus: url is required")
	}
	opts = opts.withDefaults()

	dialer := websocket.Dialer{
		HandshakeTimeout: dialTimeout,
		Subprotocols:     []string{Subprotocol},
	}
	conn, resp, err := dialer.DialContext(ctx, opts.URL, opts.Header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("janus: dial %s: %w", opts.URL, err)
	}
	if got := conn.Subprotocol(); got != Subprotocol {
		_ = conn.Close()
		return nil, fmt.Errorf("janus: gateway did not negotiate subprotocol %q (got %q)", Subprotocol, got)
	}
	conn.SetReadLimit(maxFrameBytes)

	c := &Client{
		conn:     conn,
		opts:     opts,
		log:      opts.Logger.With("component", "janus"),
		metrics:  opts.Metrics,
		pending:  make(map[string]chan *frame),
		sessions: make(map[uint64]*Session),
		handles:  make(map[uint64]*Handle),
		done:     make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Done is closed once the connection is gone.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err returns why the connection ended, or nil while it is open.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close closes the connection without destroying sessions; the gateway reaps
// them once keepalives stop.
func (c *Client) Close() error {
	c.writeMu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait))
	c.writeMu.Unlock()
	c.shutdown(ErrClosed)
	return nil
}

// CreateSession creates a gateway session and starts its keepalive loop.
func (c *Client) CreateSession(ctx context.Context) (*Session, error) {
	f, err := c.do(ctx, request{Janus: kindCreate}, false)
	if err != nil {
		return nil, err
	}
	if f.Data == nil || f.Data.ID == 0 {
		return nil, fmt.Errorf("%w (create)", ErrMissingID)
	}
	s := &Session{
		c:       c,
		id:      f.Data.ID,
		handles: make(map[uint64]*Handle),
		done:    make(chan struct{}),
	}
	c.mu.Lock()
	c.sessions[s.id] = s
	c.mu.Unlock()

	if c.opts.KeepAliveInterval > 0 {
		go s.keepAliveLoop(c.opts.KeepAliveInterval)
	}
	c.log.Debug("session created", "session_id", s.id)
	return s, nil
}

func (c *Client) readLoop() {
	var err error
	for {
		msgType, payload, rerr := c.conn.ReadMessage()
		if rerr != nil {
			err = rerr
			break
		}
		if msgType != websocket.TextMessage {
			continue
		}
		var f frame
		if jerr := json.Unmarshal(payload, &f); jerr != nil {
			c.metrics.Inc(metrics.JanusEventDropped)
			c.log.Debug("dropping undecodable frame", "err", jerr)
			continue
		}
		c.dispatch(&f)
	}
	c.shutdown(fmt.Errorf("janus: read: %w", err))
}

func (c *Client) dispatch(f *frame) {
	if f.Transaction != "" {
		c.mu.Lock()
		ch, ok := c.pending[f.Transaction]
		c.mu.Unlock()
		if ok {
			select {
			case ch <- f:
			default:
				c.metrics.Inc(metrics.JanusEventDropped)
			}
			return
		}
	}

	switch f.Janus {
	case kindTimeout:
		c.log.Warn("session timed out", "session_id", f.SessionID)
		c.mu.Lock()
		s := c.sessions[f.SessionID]
		c.mu.Unlock()
		if s != nil {
			s.markClosed()
		}
		return
	case kindAck, kindSuccess, kindError:
		// Reply to a request whose caller already gave up.
		return
	}

	c.mu.Lock()
	h := c.handles[f.Sender]
	c.mu.Unlock()
	if h == nil {
		c.metrics.Inc(metrics.JanusEventDropped)
		c.log.Debug("event for unknown handle", "kind", f.Janus, "sender", f.Sender)
		return
	}
	h.deliver(f.event())
	if f.Janus == KindDetached {
		h.markClosed()
	}
}

// do sends req and waits for its reply. With wantEvent, an ack is skipped and
// the plugin's answer (a success carrying plugindata or an event with the same
// transaction) is returned.
func (c *Client) do(ctx context.Context, req request, wantEvent bool) (*frame, error) {
	req.Transaction = uuid.NewString()
	ch := make(chan *frame, pendingBuffer)

	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return nil, err
	}
	c.pending[req.Transaction] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, req.Transaction)
		c.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(ctx, c.opts.RequestTimeout)
	defer cancel()

	if err := c.write(req); err != nil {
		c.metrics.Inc(metrics.JanusRequestFailed)
		return nil, err
	}

	for {
		select {
		case <-ctx.Done():
			c.metrics.Inc(metrics.JanusRequestFailed)
			return nil, fmt.Errorf("janus: %s: %w", req.Janus, ctx.Err())
		case <-c.done:
			return nil, c.Err()
		case f := <-ch:
			switch f.Janus {
			case kindAck:
				if wantEvent {
					continue
				}
				return f, nil
			case kindSuccess, KindEvent:
				return f, nil
			case kindError:
				c.metrics.Inc(metrics.JanusRequestFailed)
				if f.Error == nil {
					return nil, &Error{Reason: "unknown error"}
				}
				return nil, f.Error
			default:
				return nil, fmt.Errorf("%w %q to %s", ErrUnexpectedKind, f.Janus, req.Janus)
			}
		}
	}
}

func (c *Client) write(req request) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("janus: encode %s: %w", req.Janus, err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("janus: write %s: %w", req.Janus, err)
	}
	return nil
}

func (c *Client) shutdown(cause error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.err = cause
		sessions := make([]*Session, 0, len(c.sessions))
		for _, s := range c.sessions {
			sessions = append(sessions, s)
		}
		c.mu.Unlock()

		close(c.done)
		_ = c.conn.Close()
		for _, s := range sessions {
			s.markClosed()
		}
		if !errors.Is(cause, ErrClosed) {
			c.log.Warn("connection lost", "err", cause)
		}
	})
}

func (c *Client) forgetSession(id uint64) {
	c.mu.Lock()
	delete(c.sessions, id)
	c.mu.Unlock()
}

func (c *Client) trackHandle(h *Handle) {
	c.mu.Lock()
	c.handles[h.id] = h
	c.mu.Unlock()
}

func (c *Client) forgetHandle(id uint64) {
	c.mu.Lock()
	delete(c.handles, id)
	c.mu.Unlock()
}
