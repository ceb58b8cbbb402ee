package janustest

import (
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"github.com/lminiero/webrtc-piano/internal/webrtcpeer"
)

// Gateway plugin names the piano uses.
const (
	ControllerPlugin = "janus.plugin.lua"
	StreamingPlugin  = "janus.plugin.streaming"
)

// PianoRelay is a controller plugin: it offers a control DataChannel and
// echoes register/play/stop back as join/play/stop events for participant 1,
// the way the piano script on a real gateway does for a lone player.
type PianoRelay struct {
	mu       sync.Mutex
	handle   *Handle
	pc       *webrtc.PeerConnection
	channels []*webrtc.DataChannel
	name     string
	color    string
}

func (r *PianoRelay) HandleMessage(h *Handle, body json.RawMessage, jsep *webrtc.SessionDescription) Reply {
	var req struct {
		Request string `json:"request"`
	}
	_ = json.Unmarshal(body, &req)

	switch req.Request {
	case "setup":
		pc, err := webrtc.NewAPI().NewPeerConnection(webrtc.Configuration{})
		if err != nil {
			return Reply{Data: map[string]any{"error": err.Error()}}
		}
		r.mu.Lock()
		r.handle, r.pc = h, pc
		r.mu.Unlock()
		pc.OnDataChannel(r.bind)
		dc, err := pc.CreateDataChannel(webrtcpeer.ControlDataChannelLabel, nil)
		if err != nil {
			return Reply{Data: map[string]any{"error": err.Error()}}
		}
		r.bind(dc)
		offer, err := gatheredOffer(pc)
		if err != nil {
			return Reply{Data: map[string]any{"error": err.Error()}}
		}
		return Reply{Data: map[string]any{"result": "ok"}, JSEP: offer}

	case "ack":
		r.mu.Lock()
		pc := r.pc
		r.mu.Unlock()
		if pc == nil || jsep == nil {
			return Reply{Data: map[string]any{"error": "ack without setup"}}
		}
		if err := pc.SetRemoteDescription(*jsep); err != nil {
			return Reply{Data: map[string]any{"error": err.Error()}}
		}
		return Reply{Data: map[string]any{"result": "ok"}}
	}
	return Reply{Data: map[string]any{"error_code": 499, "error": "Unknown request"}}
}

func (r *PianoRelay) bind(dc *webrtc.DataChannel) {
	r.mu.Lock()
	r.channels = append(r.channels, dc)
	r.mu.Unlock()
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		var in struct {
			Action string `json:"action"`
			Name   string `json:"name"`
			Color  string `json:"color"`
			Note   int    `json:"note"`
		}
		if err := json.Unmarshal(msg.Data, &in); err != nil {
			return
		}
		var out map[string]any
		switch in.Action {
		case "register":
			r.mu.Lock()
			r.name, r.color = in.Name, in.Color
			r.mu.Unlock()
			out = map[string]any{"event": "join", "id": 1, "name": in.Name, "color": in.Color}
		case "play":
			r.mu.Lock()
			name, color := r.name, r.color
			r.mu.Unlock()
			out = map[string]any{"event": "play", "note": in.Note, "name": name, "color": color}
		case "stop":
			r.mu.Lock()
			name := r.name
			r.mu.Unlock()
			out = map[string]any{"event": "stop", "note": in.Note, "name": name}
		default:
			out = map[string]any{"response": "error", "error": "Invalid action"}
		}
		data, _ := json.Marshal(out)
		_ = dc.SendText(string(data))
	})
}

// Handle returns the gateway side of the controller handle once set up.
func (r *PianoRelay) Handle() *Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.handle
}

func (r *PianoRelay) Close() {
	r.mu.Lock()
	pc := r.pc
	r.mu.Unlock()
	if pc != nil {
		_ = pc.Close()
	}
}

// Streamer is a streaming plugin with one opus mountpoint that sends a frame
// every 20ms once started.
type Streamer struct {
	Mountpoint int

	mu     sync.Mutex
	pc     *webrtc.PeerConnection
	track  *webrtc.TrackLocalStaticRTP
	handle *Handle
	stop   chan struct{}
}

func (s *Streamer) HandleMessage(h *Handle, body json.RawMessage, jsep *webrtc.SessionDescription) Reply {
	var req struct {
		Request string `json:"request"`
		ID      int    `json:"id"`
	}
	_ = json.Unmarshal(body, &req)

	switch req.Request {
	case "watch":
		if req.ID != s.Mountpoint {
			return Reply{Data: map[string]any{"streaming": "event", "error_code": 455, "error": "No such mountpoint/stream " + strconv.Itoa(req.ID)}}
		}
		pc, err := webrtc.NewAPI().NewPeerConnection(webrtc.Configuration{})
		if err != nil {
			return Reply{Data: map[string]any{"error": err.Error()}}
		}
		track, err := webrtc.NewTrackLocalStaticRTP(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}, "audio", "piano")
		if err != nil {
			return Reply{Data: map[string]any{"error": err.Error()}}
		}
		if _, err := pc.AddTransceiverFromTrack(track, webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionSendonly}); err != nil {
			return Reply{Data: map[string]any{"error": err.Error()}}
		}
		offer, err := gatheredOffer(pc)
		if err != nil {
			return Reply{Data: map[string]any{"error": err.Error()}}
		}
		s.mu.Lock()
		s.pc, s.track, s.handle = pc, track, h
		s.stop = make(chan struct{})
		s.mu.Unlock()
		return Reply{Data: map[string]any{"streaming": "event", "result": map[string]any{"status": "preparing"}}, JSEP: offer}

	case "start":
		s.mu.Lock()
		pc, track, stop := s.pc, s.track, s.stop
		s.mu.Unlock()
		if pc == nil || jsep == nil {
			return Reply{Data: map[string]any{"error": "start without watch"}}
		}
		if err := pc.SetRemoteDescription(*jsep); err != nil {
			return Reply{Data: map[string]any{"error": err.Error()}}
		}
		go sendAudio(track, stop)
		return Reply{Data: map[string]any{"streaming": "event", "result": map[string]any{"status": "starting"}}}
	}
	return Reply{Data: map[string]any{"error_code": 499, "error": "Unknown request"}}
}

func (s *Streamer) Close() {
	s.mu.Lock()
	pc, stop := s.pc, s.stop
	s.pc, s.stop = nil, nil
	s.mu.Unlock()
	if stop != nil {
		close(stop)
	}
	if pc != nil {
		_ = pc.Close()
	}
}

func sendAudio(track *webrtc.TrackLocalStaticRTP, stop <-chan struct{}) {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	var seq uint16
	var ts uint32
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
		seq++
		ts += 960
		_ = track.WriteRTP(&rtp.Packet{
			Header:  rtp.Header{Version: 2, PayloadType: 111, SequenceNumber: seq, Timestamp: ts, SSRC: 1234},
			Payload: []byte{0xf8, 0xff, 0xfe},
		})
	}
}

func gatheredOffer(pc *webrtc.PeerConnection) (*webrtc.SessionDescription, error) {
	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return nil, err
	}
	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(offer); err != nil {
		return nil, err
	}
	<-gatherComplete
	return pc.LocalDescription(), nil
}
