package janus

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/pion/webrtc/v4"
)

// Subprotocol is the WebSocket subprotocol the gateway requires.
const Subprotocol = "janus-protocol"

// Envelope kinds of the "janus" field.
const (
	kindCreate    = "create"
	kindAttach    = "attach"
	kindMessage   = "message"
	kindKeepAlive = "keepalive"
	kindDetach    = "detach"
	kindDestroy   = "destroy"

	kindAck     = "ack"
	kindSuccess = "success"
	kindError   = "error"

	KindEvent    = "event"
	KindWebRTCUp = "webrtcup"
	KindMedia    = "media"
	KindHangup   = "hangup"
	KindSlowLink = "slowlink"
	KindDetached = "detached"
	kindTimeout  = "timeout"
)

var (
	ErrClosed         = errors.New("janus: connection closed")
	ErrSessionClosed  = errors.New("janus: session closed")
	ErrUnexpectedKind = errors.New("janus: unexpected reply")
	ErrMissingID      = errors.New("janus: reply missing id")
)

// Error is an error reply from the gateway core.
type Error struct {
	Code   int    `json:"code"`
	Reason string `json:"reason"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("janus: error %d: %s", e.Code, e.Reason)
}

// PluginError is an error reported inside plugin data.
type PluginError struct {
	Plugin string
	Code   int
	Reason string
}

func (e *PluginError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("janus: %s: error %d: %s", e.Plugin, e.Code, e.Reason)
	}
	return fmt.Sprintf("janus: %s: %s", e.Plugin, e.Reason)
}

type request struct {
	Janus       string                     `json:"janus"`
	Transaction string                     `json:"transaction"`
	SessionID   uint64                     `json:"session_id,omitempty"`
	HandleID    uint64                     `json:"handle_id,omitempty"`
	Plugin      string                     `json:"plugin,omitempty"`
	OpaqueID    string                     `json:"opaque_id,omitempty"`
	Body        any                        `json:"body,omitempty"`
	JSEP        *webrtc.SessionDescription `json:"jsep,omitempty"`
}

type pluginData struct {
	Plugin string          `json:"plugin"`
	Data   json.RawMessage `json:"data"`
}

type idData struct {
	ID uint64 `json:"id"`
}

type frame struct {
	Janus       string                     `json:"janus"`
	Transaction string                     `json:"transaction,omitempty"`
	SessionID   uint64                     `json:"session_id,omitempty"`
	Sender      uint64                     `json:"sender,omitempty"`
	Data        *idData                    `json:"data,omitempty"`
	PluginData  *pluginData                `json:"plugindata,omitempty"`
	JSEP        *webrtc.SessionDescription `json:"jsep,omitempty"`
	Error       *Error                     `json:"error,omitempty"`
	Reason      string                     `json:"reason,omitempty"`
	Type        string                     `json:"type,omitempty"`
	Receiving   *bool                      `json:"receiving,omitempty"`
}

// Event is an asynchronous notification for a handle, or the plugin reply to a
// Request.
type Event struct {
	// Kind is the envelope kind: KindEvent, KindWebRTCUp, KindMedia, ...
	Kind        string
	Transaction string
	Plugin      string
	Data        json.RawMessage
	JSEP        *webrtc.SessionDescription

	// Reason is set for hangup and detached.
	Reason string
	// MediaType and Receiving are set for media events.
	MediaType string
	Receiving bool
}

func (f *frame) event() Event {
	ev := Event{
		Kind:        f.Janus,
		Transaction: f.Transaction,
		JSEP:        f.JSEP,
		Reason:      f.Reason,
		MediaType:   f.Type,
	}
	if f.PluginData != nil {
		ev.Plugin = f.PluginData.Plugin
		ev.Data = f.PluginData.Data
	}
	if f.Receiving != nil {
		ev.Receiving = *f.Receiving
	}
	return ev
}

type pluginErrorFields struct {
	Error     string `json:"error"`
	ErrorCode int    `json:"error_code"`
}

// PluginErr returns the error carried in the plugin data, if any. Plugins
// report failures as {"error": "...", "error_code": N} inside plugindata.
func (e Event) PluginErr() error {
	if len(e.Data) == 0 {
		return nil
	}
	var fields pluginErrorFields
	if err := json.Unmarshal(e.Data, &fields); err != nil {
		return nil
	}
	if fields.Error == "" && fields.ErrorCode == 0 {
		return nil
	}
	return &PluginError{Plugin: e.Plugin, Code: fields.ErrorCode, Reason: fields.Error}
}

// Decode unmarshals the plugin data into v.
func (e Event) Decode(v any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("janus: %s event has no plugin data", e.Kind)
	}
	return json.Unmarshal(e.Data, v)
}
