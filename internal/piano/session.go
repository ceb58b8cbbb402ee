// Package piano joins a collaborative piano session on a Janus gateway: it
// negotiates the control DataChannel through the controller plugin, watches
// the mixed audio on the streaming plugin, and feeds both into the local
// control channel and audio sink.
package piano

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/lminiero/webrtc-piano/internal/audiosink"
	"github.com/lminiero/webrtc-piano/internal/control"
	"github.com/lminiero/webrtc-piano/internal/janus"
	"github.com/lminiero/webrtc-piano/internal/metrics"
	"github.com/lminiero/webrtc-piano/internal/turnrest"
	"github.com/lminiero/webrtc-piano/internal/webrtcpeer"
)

const (
	DefaultControllerPlugin = "janus.plugin.lua"
	DefaultStreamingPlugin  = "janus.plugin.streaming"

	opaqueIDPrefix  = "webrtc-piano-"
	teardownTimeout = 2 * time.Second
)

var (
	ErrNotStarted     = errors.New("piano: session not started")
	ErrAlreadyStarted = errors.New("piano: session already started")
	ErrNoOffer        = errors.New("piano: plugin did not send an offer")
	ErrHangup         = errors.New("piano: gateway hung up")
)

type Config struct {
	Janus janus.Options

	// API builds both PeerConnections; nil uses pion's defaults.
	API           *webrtc.API
	ICEServers    []webrtc.ICEServer
	GatherTimeout time.Duration
	// TURN, when set, mints credentials for TURN servers listed without one.
	TURN *turnrest.Generator

	ControllerPlugin string
	StreamingPlugin  string
	StreamID         int

	Name  string
	Color string

	Channel *control.Channel
	// Sink receives the streaming track. Nil ignores remote media.
	Sink   *audiosink.Sink
	Alerts control.AlertSink

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Session is one participant's membership in the piano. It is started once
// and closed once.
type Session struct {
	cfg     Config
	log     *slog.Logger
	metrics *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu          sync.Mutex
	started     bool
	client      *janus.Client
	session     *janus.Session
	controller  *janus.Handle
	streaming   *janus.Handle
	ctrlPeer    *webrtcpeer.Peer
	mediaPeer   *webrtcpeer.Peer
	opaqueID    string
	participant string
	iceServers  []webrtc.ICEServer
	err         error

	done      chan struct{}
	doneOnce  sync.Once
	closeOnce sync.Once
}

func New(cfg Config) *Session {
	if cfg.ControllerPlugin == "" {
		cfg.ControllerPlugin = DefaultControllerPlugin
	}
	if cfg.StreamingPlugin == "" {
		cfg.StreamingPlugin = DefaultStreamingPlugin
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	if cfg.Janus.Logger == nil {
		cfg.Janus.Logger = log
	}
	if cfg.Janus.Metrics == nil {
		cfg.Janus.Metrics = cfg.Metrics
	}
	ctx, cancel := context.WithCancel(context.Background())
	participant := uuid.NewString()
	return &Session{
		cfg:         cfg,
		log:         log,
		metrics:     cfg.Metrics,
		ctx:         ctx,
		cancel:      cancel,
		opaqueID:    opaqueIDPrefix + participant,
		participant: participant,
		done:        make(chan struct{}),
	}
}

// OpaqueID identifies both of this participant's handles on the gateway.
func (s *Session) OpaqueID() string { return s.opaqueID }

// ICEServers returns the ICE servers the PeerConnections use, including
// minted TURN credentials. It is empty before Start.
func (s *Session) ICEServers() []webrtc.ICEServer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]webrtc.ICEServer(nil), s.iceServers...)
}

// Start joins the piano. It returns once the participant is registered and
// the audio stream has been requested. On error everything acquired so far
// is released.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.started = true
	s.mu.Unlock()

	if err := s.start(ctx); err != nil {
		s.fail(err)
		_ = s.Close()
		return err
	}
	return nil
}

func (s *Session) start(ctx context.Context) error {
	if s.cfg.Channel == nil {
		return errors.New("piano: control channel is required")
	}
	iceServers := s.cfg.ICEServers
	if s.cfg.TURN != nil {
		creds, err := s.cfg.TURN.Generate(s.participant)
		if err != nil {
			return fmt.Errorf("turn credentials: %w", err)
		}
		iceServers = turnrest.Apply(s.cfg.ICEServers, creds)
		s.log.Debug("minted turn credentials", "username", creds.Username, "expires", creds.Expires)
	}
	s.mu.Lock()
	s.iceServers = iceServers
	s.mu.Unlock()

	client, err := janus.Dial(ctx, s.cfg.Janus)
	if err != nil {
		return fmt.Errorf("connect to gateway: %w", err)
	}
	s.mu.Lock()
	s.client = client
	s.mu.Unlock()

	sess, err := client.CreateSession(ctx)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	s.mu.Lock()
	s.session = sess
	s.mu.Unlock()
	s.log.Info("gateway session created", "session_id", sess.ID(), "opaque_id", s.opaqueID)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		_ = s.cfg.Channel.Run(s.ctx)
	}()

	if err := s.joinController(ctx); err != nil {
		return err
	}
	if err := s.watchStream(ctx); err != nil {
		return err
	}

	s.wg.Add(1)
	go s.supervise()
	return nil
}

func (s *Session) joinController(ctx context.Context) error {
	peer, err := webrtcpeer.NewPeer(s.cfg.API, webrtcpeer.PeerConfig{
		ICEServers:    s.iceServers,
		ControlLabel:  webrtcpeer.ControlDataChannelLabel,
		GatherTimeout: s.cfg.GatherTimeout,
		OnControlMessage: func(data []byte) {
			s.cfg.Channel.Deliver(s.ctx, data)
		},
		Logger:  s.log.With("handle", "controller"),
		Metrics: s.metrics,
	})
	if err != nil {
		return fmt.Errorf("controller peer: %w", err)
	}
	s.mu.Lock()
	s.ctrlPeer = peer
	s.mu.Unlock()

	h, err := s.session.Attach(ctx, s.cfg.ControllerPlugin, s.opaqueID)
	if err != nil {
		return fmt.Errorf("attach %s: %w", s.cfg.ControllerPlugin, err)
	}
	s.mu.Lock()
	s.controller = h
	s.mu.Unlock()

	if err := s.negotiate(ctx, h, peer, map[string]any{"request": "setup"}, map[string]any{"request": "ack"}); err != nil {
		return err
	}

	if err := peer.WaitControl(ctx); err != nil {
		return fmt.Errorf("control datachannel: %w", err)
	}
	s.cfg.Channel.Attach(peer)
	if err := s.cfg.Channel.Register(s.cfg.Name, s.cfg.Color); err != nil {
		return fmt.Errorf("register: %w", err)
	}
	s.log.Info("registered with controller", "name", s.cfg.Name, "color", s.cfg.Color)

	s.wg.Add(1)
	go s.pumpEvents(h)
	return nil
}

func (s *Session) watchStream(ctx context.Context) error {
	pc := webrtcpeer.PeerConfig{
		ICEServers:    s.iceServers,
		GatherTimeout: s.cfg.GatherTimeout,
		Logger:        s.log.With("handle", "streaming"),
		Metrics:       s.metrics,
	}
	if s.cfg.Sink != nil {
		pc.OnTrack = s.cfg.Sink.OnTrack
	}
	peer, err := webrtcpeer.NewPeer(s.cfg.API, pc)
	if err != nil {
		return fmt.Errorf("streaming peer: %w", err)
	}
	s.mu.Lock()
	s.mediaPeer = peer
	s.mu.Unlock()

	h, err := s.session.Attach(ctx, s.cfg.StreamingPlugin, s.opaqueID)
	if err != nil {
		return fmt.Errorf("attach %s: %w", s.cfg.StreamingPlugin, err)
	}
	s.mu.Lock()
	s.streaming = h
	s.mu.Unlock()

	watch := map[string]any{"request": "watch", "id": s.cfg.StreamID}
	if err := s.negotiate(ctx, h, peer, watch, map[string]any{"request": "start"}); err != nil {
		return err
	}
	s.log.Info("watching audio stream", "stream_id", s.cfg.StreamID)

	s.wg.Add(1)
	go s.pumpEvents(h)
	return nil
}

// negotiate sends request, answers the offer the plugin replies with, and
// sends confirm carrying the answer.
func (s *Session) negotiate(ctx context.Context, h *janus.Handle, peer *webrtcpeer.Peer, request, confirm map[string]any) error {
	name := request["request"]
	ev, err := h.Request(ctx, request, nil)
	if err != nil {
		var perr *janus.PluginError
		if errors.As(err, &perr) {
			s.alert(perr.Reason)
		}
		return fmt.Errorf("%s %v: %w", h.Plugin(), name, err)
	}
	if ev.JSEP == nil {
		return fmt.Errorf("%s %v: %w", h.Plugin(), name, ErrNoOffer)
	}

	answer, err := peer.Answer(ctx, *ev.JSEP)
	if err != nil {
		return fmt.Errorf("%s %v: answer: %w", h.Plugin(), name, err)
	}
	if err := h.Send(ctx, confirm, answer); err != nil {
		return fmt.Errorf("%s %v: %w", h.Plugin(), confirm["request"], err)
	}
	return nil
}

// pumpEvents drains asynchronous notifications for one handle until it is
// detached or the session closes.
func (s *Session) pumpEvents(h *janus.Handle) {
	defer s.wg.Done()
	log := s.log.With("plugin", h.Plugin(), "handle_id", h.ID())
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-h.Done():
			// Drain what was queued before the handle closed.
			for {
				select {
				case ev := <-h.Events():
					s.handleEvent(log, h, ev)
				default:
					return
				}
			}
		case ev := <-h.Events():
			s.handleEvent(log, h, ev)
		}
	}
}

func (s *Session) handleEvent(log *slog.Logger, h *janus.Handle, ev janus.Event) {
	switch ev.Kind {
	case janus.KindWebRTCUp:
		log.Info("media path up")
	case janus.KindMedia:
		log.Info("media state", "type", ev.MediaType, "receiving", ev.Receiving)
	case janus.KindSlowLink:
		log.Warn("gateway reports a slow link")
	case janus.KindHangup:
		log.Warn("gateway hung up", "reason", ev.Reason)
		s.fail(fmt.Errorf("%w: %s: %s", ErrHangup, h.Plugin(), ev.Reason))
	case janus.KindDetached:
		log.Warn("handle detached by gateway")
		s.fail(fmt.Errorf("piano: %s handle detached", h.Plugin()))
	case janus.KindEvent:
		if err := ev.PluginErr(); err != nil {
			var perr *janus.PluginError
			if errors.As(err, &perr) {
				s.alert(perr.Reason)
			}
			log.Warn("plugin error", "err", err)
			return
		}
		if ev.JSEP != nil {
			// The gateway never renegotiates in this flow.
			log.Warn("ignoring unsolicited offer", "type", ev.JSEP.Type.String())
			return
		}
		log.Debug("plugin event", "data", json.RawMessage(ev.Data))
	default:
		log.Debug("unhandled gateway event", "kind", ev.Kind)
	}
}

// supervise turns transport and PeerConnection failures into a session
// failure.
func (s *Session) supervise() {
	defer s.wg.Done()
	s.mu.Lock()
	client, sess, ctrl, media := s.client, s.session, s.ctrlPeer, s.mediaPeer
	s.mu.Unlock()

	select {
	case <-s.ctx.Done():
	case <-client.Done():
		s.fail(fmt.Errorf("piano: gateway connection lost: %w", client.Err()))
	case <-sess.Done():
		s.fail(fmt.Errorf("piano: %w", janus.ErrSessionClosed))
	case <-ctrl.Done():
		s.fail(fmt.Errorf("piano: controller peer: %w", ctrl.Err()))
	case <-media.Done():
		s.fail(fmt.Errorf("piano: streaming peer: %w", media.Err()))
	}
}

func (s *Session) alert(message string) {
	if s.cfg.Alerts != nil && message != "" {
		s.cfg.Alerts.Alert(message)
	}
}

func (s *Session) fail(err error) {
	s.doneOnce.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		if err != nil {
			s.log.Error("piano session failed", "err", err)
		}
		close(s.done)
	})
}

// Done is closed when the session fails or is closed.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err returns the failure that closed Done, or nil after a clean Close.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Ready reports whether the session is joined and healthy.
func (s *Session) Ready() error {
	s.mu.Lock()
	started, err := s.started, s.err
	s.mu.Unlock()
	if !started {
		return ErrNotStarted
	}
	select {
	case <-s.done:
		if err != nil {
			return err
		}
		return janus.ErrSessionClosed
	default:
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.controller == nil || s.streaming == nil {
		return ErrNotStarted
	}
	return nil
}

// Close leaves the piano: it detaches the channel, detaches both handles,
// destroys the gateway session and closes both PeerConnections and the sink.
// It is safe to call more than once and after a failure.
func (s *Session) Close() error {
	var errs []error
	s.closeOnce.Do(func() {
		// Teardown below closes the transports supervise watches; settle Err
		// first so a clean Close is not reported as a failure.
		s.cancel()
		s.fail(nil)
		if s.cfg.Channel != nil {
			s.cfg.Channel.Attach(nil)
		}

		s.mu.Lock()
		client, sess, controller, streaming := s.client, s.session, s.controller, s.streaming
		ctrl, media := s.ctrlPeer, s.mediaPeer
		s.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
		defer cancel()
		for _, h := range []*janus.Handle{controller, streaming} {
			if h == nil {
				continue
			}
			if err := h.Detach(ctx); err != nil && !errors.Is(err, janus.ErrSessionClosed) {
				s.log.Debug("detach failed", "plugin", h.Plugin(), "err", err)
			}
		}
		if sess != nil {
			if err := sess.Destroy(ctx); err != nil && !errors.Is(err, janus.ErrSessionClosed) {
				s.log.Debug("destroy session failed", "err", err)
			}
		}
		for _, p := range []*webrtcpeer.Peer{ctrl, media} {
			if p == nil {
				continue
			}
			if err := p.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		if client != nil {
			if err := client.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		if s.cfg.Sink != nil {
			if err := s.cfg.Sink.Close(); err != nil {
				errs = append(errs, err)
			}
		}

		s.wg.Wait()
		// Run has returned, so the keys can be restored without racing it.
		if s.cfg.Channel != nil {
			s.cfg.Channel.Reset()
		}
	})
	return errors.Join(errs...)
}
