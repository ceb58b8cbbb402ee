package control

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/lminiero/webrtc-piano/internal/metrics"
	"github.com/lminiero/webrtc-piano/internal/overlay"
	"github.com/lminiero/webrtc-piano/internal/roster"
)

type recordingSender struct {
	mu   sync.Mutex
	sent []string
	err  error
}

func (s *recordingSender) SendText(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, text)
	return nil
}

func (s *recordingSender) messages() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.sent...)
}

type recordingAlerts struct {
	mu   sync.Mutex
	msgs []string
}

func (a *recordingAlerts) Alert(msg string) {
	a.mu.Lock()
	a.msgs = append(a.msgs, msg)
	a.mu.Unlock()
}

func (a *recordingAlerts) all() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.msgs...)
}

type keyColors map[int]string

func (k keyColors) KeyColor(note int) string {
	if c, ok := k[note]; ok {
		return c
	}
	return "white"
}

func (k keyColors) SetKeyColor(note int, color string) { k[note] = color }

type fixture struct {
	ch      *Channel
	keys    keyColors
	render  *overlay.Renderer
	roster  *roster.Roster
	alerts  *recordingAlerts
	metrics *metrics.Metrics
	sender  *recordingSender
}

func newFixture() *fixture {
	f := &fixture{
		keys:    keyColors{},
		roster:  roster.New(),
		alerts:  &recordingAlerts{},
		metrics: metrics.New(),
		sender:  &recordingSender{},
	}
	f.render = overlay.NewRenderer(f.keys)
	f.ch = NewChannel(Config{
		Renderer: f.render,
		Roster:   f.roster,
		Alerts:   f.alerts,
		Metrics:  f.metrics,
	})
	f.ch.Attach(f.sender)
	return f
}

func TestChannel_OutgoingActions(t *testing.T) {
	f := newFixture()

	if err := f.ch.Register("Alice", "red"); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := f.ch.Play(60); err != nil {
		t.Fatalf("Play: %v", err)
	}
	// Held keys do not resend play.
	if err := f.ch.Play(60); err != nil {
		t.Fatalf("Play: %v", err)
	}
	sent, err := f.ch.Stop(60)
	if err != nil || !sent {
		t.Fatalf("Stop sent=%v err=%v", sent, err)
	}
	// A key this client never pressed is not released.
	sent, err = f.ch.Stop(61)
	if err != nil || sent {
		t.Fatalf("Stop(61) sent=%v err=%v", sent, err)
	}

	want := []string{
		`{"action":"register","name":"Alice","color":"red"}`,
		`{"action":"play","note":60}`,
		`{"action":"stop","note":60}`,
	}
	if got := f.sender.messages(); !reflect.DeepEqual(got, want) {
		t.Fatalf("sent=%v, want %v", got, want)
	}
	if got := f.metrics.Get(metrics.ControlMessageSent); got != 3 {
		t.Fatalf("%s=%d, want 3", metrics.ControlMessageSent, got)
	}
}

func TestChannel_NotConnected(t *testing.T) {
	f := newFixture()
	f.ch.Attach(nil)

	if err := f.ch.Play(60); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("err=%v, want %v", err, ErrNotConnected)
	}
	if held := f.ch.Held(); len(held) != 0 {
		t.Fatalf("held=%v after failed press", held)
	}
	if got := f.metrics.Get(metrics.ControlMessageSendFailed); got != 1 {
		t.Fatalf("%s=%d, want 1", metrics.ControlMessageSendFailed, got)
	}
}

func TestChannel_SendErrorWrapped(t *testing.T) {
	f := newFixture()
	boom := errors.New("boom")
	f.sender.err = boom

	err := f.ch.Play(60)
	if !errors.Is(err, boom) {
		t.Fatalf("err=%v, want wrapped %v", err, boom)
	}
}

func TestChannel_FailedStopKeepsKeyHeld(t *testing.T) {
	f := newFixture()
	if err := f.ch.Play(60); err != nil {
		t.Fatalf("Play: %v", err)
	}
	boom := errors.New("boom")
	f.sender.err = boom
	if sent, err := f.ch.Stop(60); !errors.Is(err, boom) || sent {
		t.Fatalf("Stop sent=%v err=%v, want wrapped %v", sent, err, boom)
	}
	if got := f.ch.Held(); !reflect.DeepEqual(got, []int{60}) {
		t.Fatalf("held=%v after failed stop, want [60]", got)
	}

	f.sender.err = nil
	if sent, err := f.ch.Stop(60); err != nil || !sent {
		t.Fatalf("retry Stop sent=%v err=%v", sent, err)
	}
	if got := f.ch.Held(); len(got) != 0 {
		t.Fatalf("held=%v after retry", got)
	}
}

func TestChannel_StopAll(t *testing.T) {
	f := newFixture()
	for _, n := range []int{64, 60, 62} {
		if err := f.ch.Play(n); err != nil {
			t.Fatalf("Play(%d): %v", n, err)
		}
	}
	if got := f.ch.Held(); !reflect.DeepEqual(got, []int{60, 62, 64}) {
		t.Fatalf("held=%v", got)
	}
	if err := f.ch.StopAll(); err != nil {
		t.Fatalf("StopAll: %v", err)
	}
	if got := f.ch.Held(); len(got) != 0 {
		t.Fatalf("held=%v after StopAll", got)
	}
	if got := len(f.sender.messages()); got != 6 {
		t.Fatalf("sent %d messages, want 6", got)
	}
}

func TestChannel_TwoParticipantsSameKey(t *testing.T) {
	f := newFixture()
	f.ch.HandleMessage([]byte(`{"event":"join","id":1,"name":"A","color":"red"}`))
	f.ch.HandleMessage([]byte(`{"event":"join","id":2,"name":"B","color":"blue"}`))

	f.ch.HandleMessage([]byte(`{"event":"play","id":1,"note":60,"color":"red"}`))
	f.ch.HandleMessage([]byte(`{"event":"play","id":2,"note":60,"color":"blue"}`))
	if got := f.keys.KeyColor(60); got != "blue" {
		t.Fatalf("color=%q, want blue", got)
	}

	f.ch.HandleMessage([]byte(`{"event":"stop","id":2,"note":60,"color":"blue"}`))
	if got := f.keys.KeyColor(60); got != "red" {
		t.Fatalf("color=%q, want red", got)
	}
	f.ch.HandleMessage([]byte(`{"event":"stop","id":1,"note":60,"color":"red"}`))
	if got := f.keys.KeyColor(60); got != "white" {
		t.Fatalf("color=%q, want white", got)
	}
	if f.render.Len() != 0 {
		t.Fatalf("renderer still tracks %v", f.render.Notes())
	}
}

func TestChannel_NamedStopsOnSharedKey(t *testing.T) {
	f := newFixture()
	// The relay's play carries name and color, its stop only note and name.
	f.ch.HandleMessage([]byte(`{"event":"play","note":60,"name":"alice","color":"red"}`))
	f.ch.HandleMessage([]byte(`{"event":"play","note":60,"name":"bob","color":"blue"}`))

	f.ch.HandleMessage([]byte(`{"event":"stop","note":60,"name":"alice"}`))
	if got := f.keys.KeyColor(60); got != "blue" {
		t.Fatalf("color after alice stops=%q, want blue (bob still holds it)", got)
	}
	st, ok := f.render.State(60)
	if !ok || st.RefCount != 1 || st.Active[0].Name != "bob" {
		t.Fatalf("state=%+v ok=%v, want only bob", st, ok)
	}

	f.ch.HandleMessage([]byte(`{"event":"stop","note":60,"name":"bob"}`))
	if got := f.keys.KeyColor(60); got != "white" {
		t.Fatalf("color=%q, want white", got)
	}
	if got := f.metrics.Get(metrics.NoteStopApplied); got != 2 {
		t.Fatalf("%s=%d, want 2", metrics.NoteStopApplied, got)
	}
}

func TestChannel_NamedStopForOtherPlayerIgnored(t *testing.T) {
	f := newFixture()
	f.ch.HandleMessage([]byte(`{"event":"play","note":60,"name":"alice","color":"red"}`))
	f.ch.HandleMessage([]byte(`{"event":"stop","note":60,"name":"carol"}`))

	if got := f.keys.KeyColor(60); got != "red" {
		t.Fatalf("color=%q, want red", got)
	}
	if got := f.metrics.Get(metrics.NoteStopIgnored); got != 1 {
		t.Fatalf("%s=%d, want 1", metrics.NoteStopIgnored, got)
	}
}

func TestChannel_StopWithoutSenderReleasesMostRecent(t *testing.T) {
	f := newFixture()
	f.ch.HandleMessage([]byte(`{"event":"play","note":60,"name":"alice","color":"red"}`))
	f.ch.HandleMessage([]byte(`{"event":"play","note":60,"name":"bob","color":"blue"}`))
	f.ch.HandleMessage([]byte(`{"event":"stop","note":60}`))

	if got := f.keys.KeyColor(60); got != "red" {
		t.Fatalf("color=%q, want red", got)
	}
}

func TestChannel_StopAfterRejoinWithNewColor(t *testing.T) {
	f := newFixture()
	f.ch.HandleMessage([]byte(`{"event":"join","id":1,"name":"A","color":"red"}`))
	f.ch.HandleMessage([]byte(`{"event":"play","id":1,"note":60,"color":"red"}`))
	f.ch.HandleMessage([]byte(`{"event":"join","id":1,"name":"A","color":"green"}`))
	f.ch.HandleMessage([]byte(`{"event":"stop","id":1,"note":60}`))

	if st, ok := f.render.State(60); ok {
		t.Fatalf("state=%+v, want key released", st)
	}
	if got := f.keys.KeyColor(60); got != "white" {
		t.Fatalf("color=%q, want white", got)
	}
}

func TestChannel_StopResolvesColorFromRoster(t *testing.T) {
	f := newFixture()
	f.ch.HandleMessage([]byte(`{"event":"join","id":1,"name":"A","color":"red"}`))
	f.ch.HandleMessage([]byte(`{"event":"join","id":2,"name":"B","color":"blue"}`))
	f.ch.HandleMessage([]byte(`{"event":"play","id":1,"note":60}`))
	f.ch.HandleMessage([]byte(`{"event":"play","id":2,"note":60}`))

	// Neither stop carries a color; the roster supplies it.
	f.ch.HandleMessage([]byte(`{"event":"stop","id":1,"note":60}`))
	st, ok := f.render.State(60)
	if !ok || len(st.Active) != 1 || st.Active[0].Color != "blue" {
		t.Fatalf("state=%+v ok=%v, want only blue", st, ok)
	}
	if got := f.keys.KeyColor(60); got != "blue" {
		t.Fatalf("color=%q, want blue", got)
	}
}

func TestChannel_PlayWithoutResolvableColorIgnored(t *testing.T) {
	f := newFixture()
	f.ch.HandleMessage([]byte(`{"event":"play","id":9,"note":60}`))
	if f.render.Len() != 0 {
		t.Fatalf("renderer tracks %v, want nothing", f.render.Notes())
	}
	if got := f.metrics.Get(metrics.ControlEventMalformed); got != 1 {
		t.Fatalf("%s=%d, want 1", metrics.ControlEventMalformed, got)
	}
}

func TestChannel_UnmatchedStopCounted(t *testing.T) {
	f := newFixture()
	f.ch.HandleMessage([]byte(`{"event":"play","id":1,"note":60,"color":"red"}`))
	f.ch.HandleMessage([]byte(`{"event":"stop","id":1,"note":60,"color":"purple"}`))

	st, ok := f.render.State(60)
	if !ok || st.RefCount != 1 {
		t.Fatalf("state=%+v ok=%v, want refCount=1", st, ok)
	}
	if got := f.metrics.Get(metrics.NoteStopIgnored); got != 1 {
		t.Fatalf("%s=%d, want 1", metrics.NoteStopIgnored, got)
	}
}

func TestChannel_LeaveReleasesHeldNotes(t *testing.T) {
	f := newFixture()
	f.ch.HandleMessage([]byte(`{"event":"join","id":1,"name":"A","color":"red"}`))
	f.ch.HandleMessage([]byte(`{"event":"play","id":1,"note":60,"color":"red"}`))
	f.ch.HandleMessage([]byte(`{"event":"play","id":1,"note":64,"color":"red"}`))
	f.ch.HandleMessage([]byte(`{"event":"leave","id":1}`))

	if f.roster.Len() != 0 {
		t.Fatalf("roster len=%d, want 0", f.roster.Len())
	}
	if f.render.Len() != 0 {
		t.Fatalf("renderer tracks %v after leave", f.render.Notes())
	}
	if got := f.keys.KeyColor(64); got != "white" {
		t.Fatalf("color=%q, want white", got)
	}
	if got := f.metrics.Get(metrics.NotesReleasedOnLeave); got != 2 {
		t.Fatalf("%s=%d, want 2", metrics.NotesReleasedOnLeave, got)
	}
}

func TestChannel_LeaveReleasesNamedPresses(t *testing.T) {
	f := newFixture()
	f.ch.HandleMessage([]byte(`{"event":"join","id":1,"name":"alice","color":"red"}`))
	f.ch.HandleMessage([]byte(`{"event":"join","id":2,"name":"bob","color":"blue"}`))
	f.ch.HandleMessage([]byte(`{"event":"play","note":60,"name":"alice","color":"red"}`))
	f.ch.HandleMessage([]byte(`{"event":"play","note":60,"name":"bob","color":"blue"}`))
	f.ch.HandleMessage([]byte(`{"event":"leave","id":2}`))

	if got := f.keys.KeyColor(60); got != "red" {
		t.Fatalf("color=%q, want red", got)
	}
	if got := f.metrics.Get(metrics.NotesReleasedOnLeave); got != 1 {
		t.Fatalf("%s=%d, want 1", metrics.NotesReleasedOnLeave, got)
	}
}

func TestChannel_Reset(t *testing.T) {
	f := newFixture()
	f.ch.HandleMessage([]byte(`{"event":"play","note":60,"name":"alice","color":"red"}`))
	f.ch.HandleMessage([]byte(`{"event":"play","note":62,"name":"bob","color":"blue"}`))
	f.ch.Reset()

	if f.render.Len() != 0 {
		t.Fatalf("renderer tracks %v after Reset", f.render.Notes())
	}
	for _, n := range []int{60, 62} {
		if got := f.keys.KeyColor(n); got != "white" {
			t.Fatalf("key %d color=%q, want white", n, got)
		}
	}
}

func TestChannel_ErrorResponseAlerts(t *testing.T) {
	f := newFixture()
	f.ch.HandleMessage([]byte(`{"response":"error","error":"already registered"}`))
	f.ch.HandleMessage([]byte(`{"response":"error"}`))
	f.ch.HandleMessage([]byte(`{"response":"ok"}`))

	want := []string{"already registered", defaultErrorMessage}
	if got := f.alerts.all(); !reflect.DeepEqual(got, want) {
		t.Fatalf("alerts=%v, want %v", got, want)
	}
}

func TestChannel_MalformedIgnored(t *testing.T) {
	f := newFixture()
	for _, in := range []string{"", "nope", `{"event":"play"}`, `{"event":"dance","id":1}`} {
		f.ch.HandleMessage([]byte(in))
	}
	if f.render.Len() != 0 || f.roster.Len() != 0 {
		t.Fatalf("state changed by malformed input")
	}
	if got := f.metrics.Get(metrics.ControlEventMalformed); got != 4 {
		t.Fatalf("%s=%d, want 4", metrics.ControlEventMalformed, got)
	}
}

func TestChannel_RunAppliesInOrder(t *testing.T) {
	f := newFixture()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.ch.Run(ctx) }()

	msgs := []string{
		`{"event":"play","id":1,"note":60,"color":"red"}`,
		`{"event":"play","id":2,"note":60,"color":"blue"}`,
		`{"event":"stop","id":2,"note":60,"color":"blue"}`,
	}
	for _, m := range msgs {
		if !f.ch.Deliver(ctx, []byte(m)) {
			t.Fatalf("Deliver(%s) failed", m)
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for f.metrics.Get(metrics.NoteStopApplied) < 1 {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for dispatcher")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("Run err=%v, want %v", err, context.Canceled)
	}
	if got := f.keys.KeyColor(60); got != "red" {
		t.Fatalf("color=%q, want red", got)
	}
}

func TestChannel_DeliverAfterCancel(t *testing.T) {
	ch := NewChannel(Config{InboxSize: 1})
	ctx, cancel := context.WithCancel(context.Background())
	if !ch.Deliver(ctx, []byte(`{}`)) {
		t.Fatalf("first Deliver should fit in the inbox")
	}
	cancel()
	if ch.Deliver(ctx, []byte(`{}`)) {
		t.Fatalf("Deliver succeeded on a full inbox after cancel")
	}
}
