package metrics

import "sync"

// Event names. Counters are exported through PrometheusHandler with the name as
// the `event` label.
const (
	ControlMessageSent       = "control_message_sent"
	ControlMessageSendFailed = "control_message_send_failed"
	ControlEventReceived     = "control_event_received"
	ControlEventMalformed    = "control_event_malformed"
	ControlErrorResponse     = "control_error_response"
	NotePlayApplied          = "note_play_applied"
	NoteStopApplied          = "note_stop_applied"
	NoteStopIgnored          = "note_stop_ignored"
	NotesReleasedOnLeave     = "notes_released_on_leave"
	AudioTrackAttached       = "audio_track_attached"
	AudioTrackIgnored        = "audio_track_ignored"
	AudioPacketsReceived     = "audio_packets_received"
	JanusRequestFailed       = "janus_request_failed"
	JanusEventDropped        = "janus_event_dropped"
	KeyInputRateLimited      = "key_input_rate_limited"
	ViewSubscriberDropped    = "view_subscriber_dropped"
	PeerConnectionFailed     = "peer_connection_failed"
	DataChannelRejected      = "datachannel_rejected"
	HTTPOriginRejected       = "http_origin_rejected"
)

// Metrics is a minimal, concurrency-safe counter registry.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{
		m: make(map[string]uint64),
	}
}

// Inc is safe to call on a nil *Metrics.
func (m *Metrics) Inc(name string) {
	m.Add(name, 1)
}

func (m *Metrics) Add(name string, delta uint64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.m[name] += delta
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot returns a copy of all counters.
func (m *Metrics) Snapshot() map[string]uint64 {
	out := make(map[string]uint64)
	if m == nil {
		return out
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
