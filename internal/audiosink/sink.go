// Package audiosink receives the shared piano mix. The first remote audio
// track is attached and its RTP packets are written to an Ogg/Opus recorder
// or discarded; any later track is ignored.
package audiosink

import (
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media/oggwriter"

	"github.com/lminiero/webrtc-piano/internal/metrics"
)

const (
	opusSampleRate   = 48000
	opusChannelCount = 2
)

// Track is the part of *webrtc.TrackRemote the sink reads from.
type Track interface {
	ID() string
	Kind() webrtc.RTPCodecType
	Codec() webrtc.RTPCodecParameters
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
}

type rtpWriter interface {
	WriteRTP(*rtp.Packet) error
	Close() error
}

type Config struct {
	// Output is an Ogg file path created when a track attaches. Writer, when
	// set, takes precedence. With neither, packets are only counted.
	Output string
	Writer io.Writer

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

type Sink struct {
	cfg     Config
	log     *slog.Logger
	metrics *metrics.Metrics

	mu       sync.Mutex
	attached bool
	trackID  string
	writer   rtpWriter
	closed   bool

	receiving atomic.Bool
	packets   atomic.Uint64
	done      chan struct{}
}

func New(cfg Config) *Sink {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Sink{
		cfg:     cfg,
		log:     log,
		metrics: cfg.Metrics,
		done:    make(chan struct{}),
	}
}

// OnTrack has the signature of webrtc.PeerConnection.OnTrack.
func (s *Sink) OnTrack(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
	s.Attach(track)
}

// Attach starts reading track if no track is attached yet. It reports whether
// the track was taken.
func (s *Sink) Attach(track Track) bool {
	if track.Kind() != webrtc.RTPCodecTypeAudio {
		s.log.Debug("ignoring non-audio track", "track_id", track.ID(), "kind", track.Kind().String())
		s.metrics.Inc(metrics.AudioTrackIgnored)
		return false
	}

	s.mu.Lock()
	if s.closed || s.attached {
		s.mu.Unlock()
		s.metrics.Inc(metrics.AudioTrackIgnored)
		s.log.Debug("audio already attached, ignoring track", "track_id", track.ID())
		return false
	}
	s.attached = true
	s.trackID = track.ID()
	w, err := s.openWriter(track.Codec())
	if err != nil {
		s.log.Warn("audio recorder unavailable, discarding audio", "err", err)
	}
	s.writer = w
	s.mu.Unlock()

	s.metrics.Inc(metrics.AudioTrackAttached)
	s.log.Info("audio attached", "track_id", track.ID(), "codec", track.Codec().MimeType)
	go s.readLoop(track)
	return true
}

func (s *Sink) openWriter(codec webrtc.RTPCodecParameters) (rtpWriter, error) {
	if s.cfg.Writer == nil && s.cfg.Output == "" {
		return nil, nil
	}
	if !strings.EqualFold(codec.MimeType, webrtc.MimeTypeOpus) {
		return nil, errors.New("only opus can be recorded, got " + codec.MimeType)
	}
	var (
		w   *oggwriter.OggWriter
		err error
	)
	if s.cfg.Writer != nil {
		w, err = oggwriter.NewWith(s.cfg.Writer, opusSampleRate, opusChannelCount)
	} else {
		w, err = oggwriter.New(s.cfg.Output, opusSampleRate, opusChannelCount)
	}
	if err != nil {
		return nil, err
	}
	return w, nil
}

func (s *Sink) readLoop(track Track) {
	defer close(s.done)
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.log.Debug("audio track read ended", "track_id", track.ID(), "err", err)
			}
			return
		}
		s.packets.Add(1)
		s.receiving.Store(true)
		s.metrics.Inc(metrics.AudioPacketsReceived)

		s.mu.Lock()
		w := s.writer
		if w != nil {
			if err := w.WriteRTP(pkt); err != nil {
				s.log.Warn("audio recorder write failed, discarding audio", "err", err)
				_ = w.Close()
				s.writer = nil
			}
		}
		s.mu.Unlock()
	}
}

// Attached reports whether an audio track has been attached.
func (s *Sink) Attached() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attached
}

// Receiving reports whether at least one packet arrived on the attached track.
func (s *Sink) Receiving() bool {
	return s.receiving.Load()
}

func (s *Sink) Packets() uint64 {
	return s.packets.Load()
}

func (s *Sink) TrackID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.trackID
}

// Done is closed when the attached track stops delivering packets. It never
// closes if nothing was attached.
func (s *Sink) Done() <-chan struct{} {
	return s.done
}

// Close finalizes the recorder. The track itself ends with its
// PeerConnection.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.writer == nil {
		return nil
	}
	err := s.writer.Close()
	s.writer = nil
	return err
}
