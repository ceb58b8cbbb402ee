package control

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestEncodeRegister(t *testing.T) {
	b, err := encodeRegister(" Alice ", "#ff0000")
	if err != nil {
		t.Fatalf("encodeRegister: %v", err)
	}
	var got map[string]any
	if err := json.Unmarshal(b, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got["action"] != "register" || got["name"] != "Alice" || got["color"] != "#ff0000" {
		t.Fatalf("payload=%s", b)
	}

	if _, err := encodeRegister("", "#ff0000"); !errors.Is(err, errInvalidRegister) {
		t.Fatalf("err=%v, want %v", err, errInvalidRegister)
	}
	if _, err := encodeRegister("Alice", "  "); !errors.Is(err, errInvalidRegister) {
		t.Fatalf("err=%v, want %v", err, errInvalidRegister)
	}
}

func TestEncodeNote(t *testing.T) {
	b, err := encodeNote(ActionPlay, 60)
	if err != nil {
		t.Fatalf("encodeNote: %v", err)
	}
	if string(b) != `{"action":"play","note":60}` {
		t.Fatalf("payload=%s", b)
	}
	for _, note := range []int{-1, 128} {
		if _, err := encodeNote(ActionStop, note); !errors.Is(err, errNoteOutOfRange) {
			t.Fatalf("note %d: err=%v, want %v", note, err, errNoteOutOfRange)
		}
	}
}

func TestParseMessage_Events(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want Event
	}{
		{
			name: "join numeric id",
			in:   `{"event":"join","id":42,"name":"Bob","color":"blue"}`,
			want: Event{Type: EventJoin, ParticipantID: "42", Name: "Bob", Color: "blue"},
		},
		{
			name: "leave string id",
			in:   `{"event":"leave","id":"abc"}`,
			want: Event{Type: EventLeave, ParticipantID: "abc"},
		},
		{
			name: "play with color",
			in:   `{"event":"play","id":7,"note":61,"color":" red "}`,
			want: Event{Type: EventPlay, ParticipantID: "7", Color: "red", Note: 61},
		},
		{
			name: "stop without id",
			in:   `{"event":"stop","note":0}`,
			want: Event{Type: EventStop, Note: 0},
		},
		{
			name: "extra fields ignored",
			in:   `{"event":"play","id":1,"note":127,"color":"red","velocity":90}`,
			want: Event{Type: EventPlay, ParticipantID: "1", Color: "red", Note: 127},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			msg, err := ParseMessage([]byte(tc.in))
			if err != nil {
				t.Fatalf("ParseMessage: %v", err)
			}
			if msg.Event == nil {
				t.Fatalf("msg=%+v, want event", msg)
			}
			if *msg.Event != tc.want {
				t.Fatalf("event=%+v, want %+v", *msg.Event, tc.want)
			}
		})
	}
}

func TestParseMessage_Responses(t *testing.T) {
	msg, err := ParseMessage([]byte(`{"response":"error","error":"name taken"}`))
	if err != nil {
		t.Fatalf("ParseMessage: %v", err)
	}
	if msg.ErrorText != "name taken" || msg.Event != nil || msg.Ack {
		t.Fatalf("msg=%+v", msg)
	}

	msg, err = ParseMessage([]byte(`{"response":"error"}`))
	if err != nil {
		t.Fatalf("ParseMessage: %v", err)
	}
	if msg.ErrorText != defaultErrorMessage {
		t.Fatalf("error text=%q, want %q", msg.ErrorText, defaultErrorMessage)
	}

	msg, err = ParseMessage([]byte(`{"response":"ok"}`))
	if err != nil {
		t.Fatalf("ParseMessage: %v", err)
	}
	if !msg.Ack {
		t.Fatalf("msg=%+v, want ack", msg)
	}
}

func TestParseMessage_Rejects(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want error
	}{
		{name: "empty", in: "  ", want: errEmptyMessage},
		{name: "no event", in: `{"id":1}`, want: errNotAnEvent},
		{name: "unknown event", in: `{"event":"bend","id":1}`, want: errUnknownEvent},
		{name: "join without id", in: `{"event":"join","name":"x"}`, want: errMissingID},
		{name: "play without note", in: `{"event":"play","id":1}`, want: errMissingNote},
		{name: "note too high", in: `{"event":"stop","note":200}`, want: errNoteOutOfRange},
		{name: "negative note", in: `{"event":"play","note":-3}`, want: errNoteOutOfRange},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseMessage([]byte(tc.in))
			if !errors.Is(err, tc.want) {
				t.Fatalf("err=%v, want %v", err, tc.want)
			}
		})
	}

	if _, err := ParseMessage([]byte(`{not json`)); err == nil {
		t.Fatalf("expected decode error")
	}
	if _, err := ParseMessage([]byte(`{"event":"join","id":true}`)); err == nil {
		t.Fatalf("expected error for boolean id")
	}
}
