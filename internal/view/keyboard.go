// Package view is the local stand-in for the piano page: a keyboard whose key
// colors the overlay renderer paints, the player list, and relay alerts, all
// served over HTTP and streamed to WebSocket subscribers.
package view

import (
	"sort"
	"strconv"
	"sync"

	"github.com/lminiero/webrtc-piano/internal/config"
	"github.com/lminiero/webrtc-piano/internal/roster"
)

const (
	WhiteKeyColor = "white"
	BlackKeyColor = "black"

	maxAlerts = 20
)

var noteNames = [12]string{"C", "C#", "D", "D#", "E", "F", "F#", "G", "G#", "A", "A#", "B"}

// Key is one key of the keyboard as currently drawn.
type Key struct {
	Note  int    `json:"note"`
	Name  string `json:"name"`
	Black bool   `json:"black"`
	Color string `json:"color"`
}

// IsBlack reports whether a MIDI note falls on a black key.
func IsBlack(note int) bool {
	switch note % 12 {
	case 1, 3, 6, 8, 10:
		return true
	}
	return false
}

// NoteName spells a MIDI note in scientific pitch notation (60 is C4).
func NoteName(note int) string {
	octave := note/12 - 1
	return noteNames[note%12] + strconv.Itoa(octave)
}

// Keyboard holds what the page would show. It is the renderer's KeyView, the
// roster's observer, and the control channel's alert sink, and it forwards
// every change to the hub.
type Keyboard struct {
	keys config.KeyRange
	hub  *Hub

	mu      sync.RWMutex
	colors  map[int]string
	players []roster.Participant
	alerts  []string
}

func NewKeyboard(keys config.KeyRange, hub *Hub) *Keyboard {
	kb := &Keyboard{
		keys:   keys,
		hub:    hub,
		colors: make(map[int]string, keys.High-keys.Low+1),
	}
	for note := keys.Low; note <= keys.High; note++ {
		kb.colors[note] = baseColor(note)
	}
	return kb
}

func baseColor(note int) string {
	if IsBlack(note) {
		return BlackKeyColor
	}
	return WhiteKeyColor
}

func (kb *Keyboard) Range() config.KeyRange { return kb.keys }

// KeyColor returns "" for notes outside the keyboard.
func (kb *Keyboard) KeyColor(note int) string {
	kb.mu.RLock()
	defer kb.mu.RUnlock()
	return kb.colors[note]
}

// SetKeyColor ignores notes outside the keyboard; there is nothing to paint.
func (kb *Keyboard) SetKeyColor(note int, color string) {
	if !kb.keys.Contains(note) {
		return
	}
	kb.mu.Lock()
	if kb.colors[note] == color {
		kb.mu.Unlock()
		return
	}
	kb.colors[note] = color
	kb.mu.Unlock()

	kb.hub.Publish(Update{Type: UpdateKey, Key: &Key{Note: note, Name: NoteName(note), Black: IsBlack(note), Color: color}})
}

func (kb *Keyboard) ParticipantJoined(p roster.Participant) {
	kb.mu.Lock()
	replaced := false
	for i := range kb.players {
		if kb.players[i].ID == p.ID {
			kb.players[i] = p
			replaced = true
			break
		}
	}
	if !replaced {
		kb.players = append(kb.players, p)
	}
	kb.mu.Unlock()

	kb.hub.Publish(Update{Type: UpdateRoster, Action: ActionJoin, Player: &p})
}

func (kb *Keyboard) ParticipantLeft(p roster.Participant) {
	kb.mu.Lock()
	for i := range kb.players {
		if kb.players[i].ID == p.ID {
			kb.players = append(kb.players[:i], kb.players[i+1:]...)
			break
		}
	}
	kb.mu.Unlock()

	kb.hub.Publish(Update{Type: UpdateRoster, Action: ActionLeave, Player: &p})
}

// Alert records a relay error for display. Only the latest few are kept.
func (kb *Keyboard) Alert(message string) {
	kb.mu.Lock()
	kb.alerts = append(kb.alerts, message)
	if len(kb.alerts) > maxAlerts {
		kb.alerts = append([]string(nil), kb.alerts[len(kb.alerts)-maxAlerts:]...)
	}
	kb.mu.Unlock()

	kb.hub.Publish(Update{Type: UpdateAlert, Message: message})
}

// Keys returns every key in note order.
func (kb *Keyboard) Keys() []Key {
	kb.mu.RLock()
	defer kb.mu.RUnlock()
	out := make([]Key, 0, len(kb.colors))
	for note, color := range kb.colors {
		out = append(out, Key{Note: note, Name: NoteName(note), Black: IsBlack(note), Color: color})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Note < out[j].Note })
	return out
}

// Players returns the player list in join order.
func (kb *Keyboard) Players() []roster.Participant {
	kb.mu.RLock()
	defer kb.mu.RUnlock()
	return append([]roster.Participant(nil), kb.players...)
}

func (kb *Keyboard) Alerts() []string {
	kb.mu.RLock()
	defer kb.mu.RUnlock()
	return append([]string(nil), kb.alerts...)
}
