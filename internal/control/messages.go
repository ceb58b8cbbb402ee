package control

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Action is the verb of an outgoing control message.
type Action string

const (
	ActionRegister Action = "register"
	ActionPlay     Action = "play"
	ActionStop     Action = "stop"
)

// EventType names an incoming relay event.
type EventType string

const (
	EventJoin  EventType = "join"
	EventLeave EventType = "leave"
	EventPlay  EventType = "play"
	EventStop  EventType = "stop"
)

const (
	responseError       = "error"
	defaultErrorMessage = "unknown error"
	maxNote             = 127
)

var (
	errEmptyMessage    = errors.New("control: empty message")
	errNotAnEvent      = errors.New("control: message is neither an event nor a response")
	errUnknownEvent    = errors.New("control: unknown event")
	errMissingID       = errors.New("control: event missing participant id")
	errMissingNote     = errors.New("control: event missing note")
	errNoteOutOfRange  = errors.New("control: note out of range")
	errInvalidRegister = errors.New("control: register requires name and color")
	errInvalidID       = errors.New("control: participant id must be a string or number")
)

type registerMessage struct {
	Action Action `json:"action"`
	Name   string `json:"name"`
	Color  string `json:"color"`
}

type noteMessage struct {
	Action Action `json:"action"`
	Note   int    `json:"note"`
}

func encodeRegister(name, color string) ([]byte, error) {
	name = strings.TrimSpace(name)
	color = strings.TrimSpace(color)
	if name == "" || color == "" {
		return nil, errInvalidRegister
	}
	return json.Marshal(registerMessage{Action: ActionRegister, Name: name, Color: color})
}

func encodeNote(action Action, note int) ([]byte, error) {
	if note < 0 || note > maxNote {
		return nil, fmt.Errorf("%w: %d", errNoteOutOfRange, note)
	}
	return json.Marshal(noteMessage{Action: action, Note: note})
}

// participantID accepts both JSON strings and numbers; the relay assigns
// numeric ids but nothing forbids strings.
type participantID string

func (p *participantID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*p = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*p = participantID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return errInvalidID
	}
	if i, err := n.Int64(); err == nil {
		*p = participantID(strconv.FormatInt(i, 10))
		return nil
	}
	*p = participantID(n.String())
	return nil
}

type wireIncoming struct {
	Response string        `json:"response"`
	Error    string        `json:"error"`
	Event    EventType     `json:"event"`
	ID       participantID `json:"id"`
	Name     string        `json:"name"`
	Color    string        `json:"color"`
	Note     *int          `json:"note"`
}

// Event is a decoded relay event.
type Event struct {
	Type          EventType
	ParticipantID string
	Name          string
	Color         string
	Note          int
}

// Message is a decoded incoming control payload. Exactly one of Event or
// ErrorText is meaningful; Ack marks a non-error response the adapter ignores.
type Message struct {
	Event     *Event
	ErrorText string
	Ack       bool
}

// ParseMessage decodes one DataChannel payload. Unknown fields are tolerated so
// relay scripts can add data without breaking older clients.
func ParseMessage(data []byte) (Message, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return Message{}, errEmptyMessage
	}
	var in wireIncoming
	if err := json.Unmarshal(data, &in); err != nil {
		return Message{}, fmt.Errorf("control: decode: %w", err)
	}

	if in.Response != "" {
		if in.Response != responseError {
			return Message{Ack: true}, nil
		}
		text := strings.TrimSpace(in.Error)
		if text == "" {
			text = defaultErrorMessage
		}
		return Message{ErrorText: text}, nil
	}
	if in.Event == "" {
		return Message{}, errNotAnEvent
	}

	ev := Event{
		Type:          in.Event,
		ParticipantID: string(in.ID),
		Name:          in.Name,
		Color:         strings.TrimSpace(in.Color),
	}
	switch in.Event {
	case EventJoin, EventLeave:
		if ev.ParticipantID == "" {
			return Message{}, fmt.Errorf("%w (%s)", errMissingID, in.Event)
		}
	case EventPlay, EventStop:
		if in.Note == nil {
			return Message{}, fmt.Errorf("%w (%s)", errMissingNote, in.Event)
		}
		if *in.Note < 0 || *in.Note > maxNote {
			return Message{}, fmt.Errorf("%w: %d", errNoteOutOfRange, *in.Note)
		}
		ev.Note = *in.Note
	default:
		return Message{}, fmt.Errorf("%w %q", errUnknownEvent, in.Event)
	}
	return Message{Event: &ev}, nil
}
