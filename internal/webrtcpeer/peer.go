package webrtcpeer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/lminiero/webrtc-piano/internal/metrics"
)

var (
	ErrControlNotOpen = errors.New("webrtcpeer: control datachannel not open")
	ErrPeerClosed     = errors.New("webrtcpeer: peer connection closed")
	ErrPeerFailed     = errors.New("webrtcpeer: peer connection failed")
)

const DefaultGatherTimeout = 2 * time.Second

type PeerConfig struct {
	ICEServers []webrtc.ICEServer

	// ControlLabel, when set, makes the peer open a DataChannel with this label
	// as part of its answer and accept a remote one with the same label.
	ControlLabel string

	// GatherTimeout bounds ICE gathering in Answer. The answer is sent with
	// whatever candidates were gathered by then.
	GatherTimeout time.Duration

	OnTrack          func(*webrtc.TrackRemote, *webrtc.RTPReceiver)
	OnControlMessage func(data []byte)

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Peer is the local end of one gateway handle's PeerConnection. The gateway
// always offers; Peer answers.
type Peer struct {
	pc      *webrtc.PeerConnection
	cfg     PeerConfig
	log     *slog.Logger
	metrics *metrics.Metrics

	mu      sync.Mutex
	control *webrtc.DataChannel
	local   *webrtc.DataChannel
	err     error

	controlOpen chan struct{}
	openOnce    sync.Once
	done        chan struct{}
	doneOnce    sync.Once
	closeOnce   sync.Once
}

func NewPeer(api *webrtc.API, cfg PeerConfig) (*Peer, error) {
	if api == nil {
		api = webrtc.NewAPI()
	}
	if cfg.GatherTimeout <= 0 {
		cfg.GatherTimeout = DefaultGatherTimeout
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: cfg.ICEServers})
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	p := &Peer{
		pc:          pc,
		cfg:         cfg,
		log:         log,
		metrics:     cfg.Metrics,
		controlOpen: make(chan struct{}),
		done:        make(chan struct{}),
	}

	if cfg.OnTrack != nil {
		pc.OnTrack(cfg.OnTrack)
	}

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if cfg.ControlLabel == "" || dc.Label() != cfg.ControlLabel {
			p.log.Debug("ignoring datachannel", "label", dc.Label())
			_ = dc.Close()
			return
		}
		if err := validateControlDataChannel(dc, cfg.ControlLabel); err != nil {
			p.metrics.Inc(metrics.DataChannelRejected)
			p.log.Warn("rejecting control datachannel",
				"label", dc.Label(),
				"ordered", dc.Ordered(),
				"err", err,
			)
			_ = dc.Close()
			return
		}
		p.bindControl(dc)
	})

	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		p.log.Debug("ice connection state", "state", state.String())
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		p.log.Debug("peer connection state", "state", state.String())
		switch state {
		case webrtc.PeerConnectionStateFailed:
			p.metrics.Inc(metrics.PeerConnectionFailed)
			p.finish(ErrPeerFailed)
		case webrtc.PeerConnectionStateClosed:
			p.finish(ErrPeerClosed)
		}
	})

	return p, nil
}

func (p *Peer) PeerConnection() *webrtc.PeerConnection {
	return p.pc
}

// Answer applies the remote offer and returns the local answer with gathered
// candidates embedded; the gateway does not trickle in this flow.
func (p *Peer) Answer(ctx context.Context, offer webrtc.SessionDescription) (*webrtc.SessionDescription, error) {
	if offer.Type != webrtc.SDPTypeOffer {
		return nil, fmt.Errorf("expected an offer, got %q", offer.Type.String())
	}
	if err := p.pc.SetRemoteDescription(offer); err != nil {
		return nil, fmt.Errorf("set remote description: %w", err)
	}

	if err := p.ensureLocalControl(); err != nil {
		return nil, err
	}

	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return nil, fmt.Errorf("create answer: %w", err)
	}
	gatherComplete := webrtc.GatheringCompletePromise(p.pc)
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return nil, fmt.Errorf("set local description: %w", err)
	}

	timer := time.NewTimer(p.cfg.GatherTimeout)
	defer timer.Stop()
	select {
	case <-gatherComplete:
	case <-timer.C:
		p.log.Debug("ice gathering timed out, answering with partial candidates", "timeout", p.cfg.GatherTimeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	local := p.pc.LocalDescription()
	if local == nil {
		return nil, errors.New("missing local description")
	}
	return local, nil
}

// ensureLocalControl opens our side of the control channel once. It has to
// exist before CreateAnswer for the answer to carry the SCTP association.
func (p *Peer) ensureLocalControl() error {
	if p.cfg.ControlLabel == "" {
		return nil
	}
	p.mu.Lock()
	exists := p.local != nil
	p.mu.Unlock()
	if exists {
		return nil
	}
	dc, err := p.pc.CreateDataChannel(p.cfg.ControlLabel, controlDataChannelInit())
	if err != nil {
		return fmt.Errorf("create control datachannel: %w", err)
	}
	p.mu.Lock()
	p.local = dc
	p.mu.Unlock()
	p.bindControl(dc)
	return nil
}

// bindControl wires a control channel. Whichever channel opens first carries
// outgoing messages; incoming messages are accepted from every bound channel.
func (p *Peer) bindControl(dc *webrtc.DataChannel) {
	dc.OnOpen(func() {
		p.mu.Lock()
		if p.control == nil {
			p.control = dc
		}
		p.mu.Unlock()
		p.log.Debug("control datachannel open", "label", dc.Label())
		p.openOnce.Do(func() { close(p.controlOpen) })
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if p.cfg.OnControlMessage == nil {
			return
		}
		// Copy because pion reuses internal buffers.
		data := append([]byte(nil), msg.Data...)
		p.cfg.OnControlMessage(data)
	})
	dc.OnClose(func() {
		p.mu.Lock()
		if p.control == dc {
			p.control = nil
		}
		p.mu.Unlock()
	})
}

// ControlOpen is closed once a control channel is open.
func (p *Peer) ControlOpen() <-chan struct{} {
	return p.controlOpen
}

// WaitControl blocks until the control channel opens, the peer fails, or ctx
// ends.
func (p *Peer) WaitControl(ctx context.Context) error {
	select {
	case <-p.controlOpen:
		return nil
	case <-p.done:
		return p.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SendText sends one text message on the control channel.
func (p *Peer) SendText(text string) error {
	p.mu.Lock()
	dc := p.control
	p.mu.Unlock()
	if dc == nil {
		return ErrControlNotOpen
	}
	return dc.SendText(text)
}

// Done is closed when the connection fails or is closed.
func (p *Peer) Done() <-chan struct{} {
	return p.done
}

func (p *Peer) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *Peer) finish(err error) {
	p.doneOnce.Do(func() {
		p.mu.Lock()
		p.err = err
		p.mu.Unlock()
		close(p.done)
	})
}

func (p *Peer) Close() error {
	var err error
	p.closeOnce.Do(func() {
		err = p.pc.Close()
		p.finish(ErrPeerClosed)
	})
	return err
}
