package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/lminiero/webrtc-piano/internal/metrics"
	"github.com/lminiero/webrtc-piano/internal/overlay"
	"github.com/lminiero/webrtc-piano/internal/roster"
)

const defaultInboxSize = 256

var ErrNotConnected = errors.New("control: channel not connected")

// Sender writes one text payload to the transport. *webrtc.DataChannel
// satisfies it.
type Sender interface {
	SendText(text string) error
}

// AlertSink surfaces non-fatal relay errors to the user.
type AlertSink interface {
	Alert(message string)
}

type Config struct {
	Renderer *overlay.Renderer
	Roster   *roster.Roster
	Alerts   AlertSink
	Metrics  *metrics.Metrics
	Logger   *slog.Logger

	// InboxSize bounds payloads queued between the transport callback and Run.
	InboxSize int
}

// Channel is the control channel adapter. Outgoing calls may come from any
// goroutine; incoming payloads are applied one at a time by Run.
type Channel struct {
	renderer *overlay.Renderer
	roster   *roster.Roster
	alerts   AlertSink
	metrics  *metrics.Metrics
	log      *slog.Logger

	inbox chan []byte

	mu     sync.Mutex
	sender Sender
	held   map[int]struct{}
}

func NewChannel(cfg Config) *Channel {
	size := cfg.InboxSize
	if size <= 0 {
		size = defaultInboxSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Channel{
		renderer: cfg.Renderer,
		roster:   cfg.Roster,
		alerts:   cfg.Alerts,
		metrics:  cfg.Metrics,
		log:      logger,
		inbox:    make(chan []byte, size),
		held:     make(map[int]struct{}),
	}
}

// Attach binds the transport used for outgoing actions. Passing nil detaches.
func (c *Channel) Attach(s Sender) {
	c.mu.Lock()
	c.sender = s
	if s == nil {
		c.held = make(map[int]struct{})
	}
	c.mu.Unlock()
}

// Register announces this participant's name and color to the relay.
func (c *Channel) Register(name, color string) error {
	payload, err := encodeRegister(name, color)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sendLocked(ActionRegister, payload)
}

// Play sends a play action for note. Pressing a key that is already held is a
// no-op.
func (c *Channel) Play(note int) error {
	payload, err := encodeNote(ActionPlay, note)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.held[note]; ok {
		return nil
	}
	if err := c.sendLocked(ActionPlay, payload); err != nil {
		return err
	}
	c.held[note] = struct{}{}
	return nil
}

// Stop sends a stop action for note if this client pressed it. It reports
// whether a stop was sent.
func (c *Channel) Stop(note int) (bool, error) {
	payload, err := encodeNote(ActionStop, note)
	if err != nil {
		return false, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.held[note]; !ok {
		return false, nil
	}
	if err := c.sendLocked(ActionStop, payload); err != nil {
		// Still held as far as the relay knows; keep it releasable.
		return false, err
	}
	delete(c.held, note)
	return true, nil
}

// StopAll sends stop for every held key, returning the first send error.
func (c *Channel) StopAll() error {
	var firstErr error
	for _, note := range c.Held() {
		if _, err := c.Stop(note); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Held returns the keys this client currently holds, ascending.
func (c *Channel) Held() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]int, 0, len(c.held))
	for note := range c.held {
		out = append(out, note)
	}
	sort.Ints(out)
	return out
}

func (c *Channel) sendLocked(action Action, payload []byte) error {
	if c.sender == nil {
		c.metrics.Inc(metrics.ControlMessageSendFailed)
		return ErrNotConnected
	}
	if err := c.sender.SendText(string(payload)); err != nil {
		c.metrics.Inc(metrics.ControlMessageSendFailed)
		return fmt.Errorf("control: send %s: %w", action, err)
	}
	c.metrics.Inc(metrics.ControlMessageSent)
	return nil
}

// Deliver queues an incoming payload for Run. It blocks while the inbox is
// full and reports false if ctx ends first. data is copied.
func (c *Channel) Deliver(ctx context.Context, data []byte) bool {
	msg := append([]byte(nil), data...)
	select {
	case <-ctx.Done():
		return false
	case c.inbox <- msg:
		return true
	}
}

// Run applies delivered payloads in arrival order until ctx is done.
func (c *Channel) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-c.inbox:
			c.HandleMessage(msg)
		}
	}
}

// HandleMessage parses and applies one payload. Callers must not invoke it
// concurrently with itself or Run.
func (c *Channel) HandleMessage(data []byte) {
	msg, err := ParseMessage(data)
	if err != nil {
		c.metrics.Inc(metrics.ControlEventMalformed)
		c.log.Debug("ignoring control payload", "err", err, "bytes", len(data))
		return
	}
	switch {
	case msg.Ack:
		return
	case msg.Event == nil:
		c.metrics.Inc(metrics.ControlErrorResponse)
		c.log.Warn("relay returned an error", "error", msg.ErrorText)
		if c.alerts != nil {
			c.alerts.Alert(msg.ErrorText)
		}
		return
	}

	c.metrics.Inc(metrics.ControlEventReceived)
	ev := *msg.Event
	switch ev.Type {
	case EventJoin:
		c.handleJoin(ev)
	case EventLeave:
		c.handleLeave(ev)
	case EventPlay:
		c.handlePlay(ev)
	case EventStop:
		c.handleStop(ev)
	}
}

func (c *Channel) handleJoin(ev Event) {
	if c.roster == nil {
		return
	}
	c.roster.Join(roster.Participant{ID: ev.ParticipantID, Name: ev.Name, Color: ev.Color})
	c.log.Info("participant joined", "id", ev.ParticipantID, "name", ev.Name, "color", ev.Color)
}

func (c *Channel) handleLeave(ev Event) {
	name := ev.Name
	if c.roster != nil {
		if p, ok := c.roster.Leave(ev.ParticipantID); ok {
			c.log.Info("participant left", "id", p.ID, "name", p.Name)
			if name == "" {
				name = p.Name
			}
		}
	}
	if c.renderer == nil {
		return
	}
	// A participant that disconnects mid-press never sends stop. Presses the
	// relay sent without an id are attributed by name.
	released := c.renderer.ReleaseWhere(func(p overlay.Contribution) bool {
		if p.ParticipantID != "" {
			return p.ParticipantID == ev.ParticipantID
		}
		return name != "" && p.Name == name
	})
	if len(released) > 0 {
		c.metrics.Add(metrics.NotesReleasedOnLeave, uint64(len(released)))
		c.log.Debug("released notes of departed participant", "id", ev.ParticipantID, "notes", released)
	}
}

func (c *Channel) handlePlay(ev Event) {
	if c.renderer == nil {
		return
	}
	color := c.resolveColor(ev)
	if color == "" {
		c.metrics.Inc(metrics.ControlEventMalformed)
		c.log.Debug("ignoring play without a color", "note", ev.Note, "id", ev.ParticipantID)
		return
	}
	c.renderer.Press(ev.Note, overlay.Contribution{ParticipantID: ev.ParticipantID, Name: ev.Name, Color: color})
	c.metrics.Inc(metrics.NotePlayApplied)
}

// handleStop lifts the sender's most recent press of the note. The sender is
// identified by id, else by name; a stop carrying neither releases the most
// recent press of any participant.
func (c *Channel) handleStop(ev Event) {
	if c.renderer == nil {
		return
	}
	want := overlay.Contribution{ParticipantID: ev.ParticipantID, Name: ev.Name, Color: c.resolveColor(ev)}
	identified := want.ParticipantID != "" || want.Name != ""
	if !identified && want.Color == "" {
		c.log.Debug("stop without sender, releasing most recent press", "note", ev.Note)
	}
	ok := c.renderer.Lift(ev.Note, want)
	if !ok && identified && ev.Color == "" && want.Color != "" {
		// The roster color is newer than the press when the sender re-joined
		// with another color while holding the key.
		want.Color = ""
		ok = c.renderer.Lift(ev.Note, want)
	}
	if ok {
		c.metrics.Inc(metrics.NoteStopApplied)
		return
	}
	c.metrics.Inc(metrics.NoteStopIgnored)
}

// Reset restores every key painted by remote presses. It must not be called
// concurrently with Run.
func (c *Channel) Reset() {
	if c.renderer == nil {
		return
	}
	if notes := c.renderer.Reset(); len(notes) > 0 {
		c.log.Debug("cleared held notes", "notes", notes)
	}
}

// resolveColor prefers the color carried by the event and falls back to the
// roster entry of the sender.
func (c *Channel) resolveColor(ev Event) string {
	if ev.Color != "" {
		return ev.Color
	}
	if c.roster == nil || ev.ParticipantID == "" {
		return ""
	}
	if p, ok := c.roster.Get(ev.ParticipantID); ok {
		return p.Color
	}
	return ""
}
