package overlay

import (
	"math/rand"
	"testing"
)

type fakeView struct {
	colors map[int]string
	sets   int
}

func newFakeView() *fakeView {
	return &fakeView{colors: make(map[int]string)}
}

func (v *fakeView) KeyColor(note int) string {
	if c, ok := v.colors[note]; ok {
		return c
	}
	return "white"
}

func (v *fakeView) SetKeyColor(note int, color string) {
	v.colors[note] = color
	v.sets++
}

func checkInvariant(t *testing.T, r *Renderer) {
	t.Helper()
	for _, note := range r.Notes() {
		st, ok := r.State(note)
		if !ok {
			t.Fatalf("note %d listed but has no state", note)
		}
		if st.RefCount != len(st.Active) {
			t.Fatalf("note %d: refCount=%d, len(active)=%d", note, st.RefCount, len(st.Active))
		}
		if st.RefCount <= 0 {
			t.Fatalf("note %d: state kept with refCount=%d", note, st.RefCount)
		}
	}
}

func TestRenderer_PlayStopRestoresOriginal(t *testing.T) {
	v := newFakeView()
	r := NewRenderer(v)

	r.Play(60, "red")
	if got := v.KeyColor(60); got != "red" {
		t.Fatalf("color=%q, want red", got)
	}

	if !r.Stop(60, "red") {
		t.Fatalf("expected stop to remove the contribution")
	}
	if got := v.KeyColor(60); got != "white" {
		t.Fatalf("color=%q, want original white", got)
	}
	if _, ok := r.State(60); ok {
		t.Fatalf("expected state for note 60 to be deleted")
	}
}

func TestRenderer_LastWriterWinsAndFallsBack(t *testing.T) {
	v := newFakeView()
	r := NewRenderer(v)

	r.Play(60, "red")
	r.Play(60, "blue")
	if got := v.KeyColor(60); got != "blue" {
		t.Fatalf("color=%q, want blue", got)
	}
	checkInvariant(t, r)

	r.Stop(60, "blue")
	if got := v.KeyColor(60); got != "red" {
		t.Fatalf("color=%q, want red", got)
	}
	st, ok := r.State(60)
	if !ok || st.RefCount != 1 {
		t.Fatalf("state=%+v ok=%v, want refCount=1", st, ok)
	}

	r.Stop(60, "red")
	if got := v.KeyColor(60); got != "white" {
		t.Fatalf("color=%q, want white", got)
	}
	if r.Len() != 0 {
		t.Fatalf("len=%d, want 0", r.Len())
	}
}

func TestRenderer_StopUnknownNoteIsNoop(t *testing.T) {
	v := newFakeView()
	r := NewRenderer(v)

	if r.Stop(99, "green") {
		t.Fatalf("stop on untouched note reported a removal")
	}
	if r.Len() != 0 {
		t.Fatalf("stop created state for untouched note")
	}
	if v.sets != 0 {
		t.Fatalf("stop on untouched note repainted the key %d times", v.sets)
	}
}

func TestRenderer_StopUnmatchedColorKeepsCount(t *testing.T) {
	v := newFakeView()
	r := NewRenderer(v)

	r.Play(60, "red")
	if r.Stop(60, "purple") {
		t.Fatalf("unmatched color should not remove anything")
	}
	st, ok := r.State(60)
	if !ok || st.RefCount != 1 || len(st.Active) != 1 {
		t.Fatalf("state=%+v ok=%v, want one red contribution", st, ok)
	}
	if got := v.KeyColor(60); got != "red" {
		t.Fatalf("color=%q, want red", got)
	}
}

func TestRenderer_OriginalCapturedOncePerTransition(t *testing.T) {
	v := newFakeView()
	v.colors[61] = "black"
	r := NewRenderer(v)

	r.Play(61, "red")
	r.Play(61, "blue")
	st, _ := r.State(61)
	if st.OriginalColor != "black" {
		t.Fatalf("original=%q, want black", st.OriginalColor)
	}
	r.Stop(61, "blue")
	r.Stop(61, "red")
	if got := v.KeyColor(61); got != "black" {
		t.Fatalf("color=%q, want black", got)
	}

	// A fresh press captures the restored color again rather than a stale overlay.
	r.Play(61, "green")
	st, _ = r.State(61)
	if st.OriginalColor != "black" {
		t.Fatalf("original=%q after second transition, want black", st.OriginalColor)
	}
}

func TestRenderer_StopRemovesMostRecentMatch(t *testing.T) {
	v := newFakeView()
	r := NewRenderer(v)

	r.PlayBy(60, "a", "red")
	r.PlayBy(60, "b", "blue")
	r.PlayBy(60, "c", "red")

	r.StopBy(60, "", "red")
	st, _ := r.State(60)
	if len(st.Active) != 2 || st.Active[0].ParticipantID != "a" || st.Active[1].ParticipantID != "b" {
		t.Fatalf("active=%+v, want [a b]", st.Active)
	}
	if got := v.KeyColor(60); got != "blue" {
		t.Fatalf("color=%q, want blue", got)
	}
}

func TestRenderer_StopByParticipantIgnoresOthersWithSameColor(t *testing.T) {
	v := newFakeView()
	r := NewRenderer(v)

	r.PlayBy(64, "a", "red")
	r.PlayBy(64, "b", "red")

	if !r.StopBy(64, "a", "red") {
		t.Fatalf("expected a's press to be released")
	}
	st, _ := r.State(64)
	if len(st.Active) != 1 || st.Active[0].ParticipantID != "b" {
		t.Fatalf("active=%+v, want [b]", st.Active)
	}
}

func TestRenderer_LiftByName(t *testing.T) {
	v := newFakeView()
	r := NewRenderer(v)

	r.Press(60, Contribution{Name: "alice", Color: "red"})
	r.Press(60, Contribution{Name: "bob", Color: "blue"})

	if !r.Lift(60, Contribution{Name: "alice"}) {
		t.Fatalf("expected alice's press to be lifted")
	}
	st, ok := r.State(60)
	if !ok || len(st.Active) != 1 || st.Active[0].Name != "bob" {
		t.Fatalf("state=%+v ok=%v, want only bob", st, ok)
	}
	if got := v.KeyColor(60); got != "blue" {
		t.Fatalf("color=%q, want blue", got)
	}
	if r.Lift(60, Contribution{Name: "alice"}) {
		t.Fatalf("alice has nothing left to lift")
	}
	checkInvariant(t, r)
}

func TestRenderer_Reset(t *testing.T) {
	v := newFakeView()
	r := NewRenderer(v)
	r.Play(60, "red")
	r.PlayBy(60, "2", "blue")
	r.Play(64, "green")

	got := r.Reset()
	if len(got) != 2 || got[0] != 60 || got[1] != 64 {
		t.Fatalf("Reset=%v, want [60 64]", got)
	}
	if r.Len() != 0 {
		t.Fatalf("renderer still tracks %v", r.Notes())
	}
	if v.KeyColor(60) != "white" || v.KeyColor(64) != "white" {
		t.Fatalf("colors=%v, want originals restored", v.colors)
	}
}

func TestRenderer_ReleaseParticipantOnLeave(t *testing.T) {
	v := newFakeView()
	r := NewRenderer(v)

	r.PlayBy(60, "alice", "red")
	r.PlayBy(60, "bob", "blue")
	r.PlayBy(62, "alice", "red")

	released := r.Release("bob")
	if len(released) != 1 || released[0] != 60 {
		t.Fatalf("released=%v, want [60]", released)
	}
	if got := v.KeyColor(60); got != "red" {
		t.Fatalf("color=%q, want red after bob left", got)
	}

	released = r.Release("alice")
	if len(released) != 2 {
		t.Fatalf("released=%v, want [60 62]", released)
	}
	if r.Len() != 0 {
		t.Fatalf("len=%d, want 0", r.Len())
	}
	if got := v.KeyColor(60); got != "white" {
		t.Fatalf("color=%q, want white", got)
	}
	if got := v.KeyColor(62); got != "white" {
		t.Fatalf("color=%q, want white", got)
	}
}

func TestRenderer_ReleaseUnknownParticipant(t *testing.T) {
	r := NewRenderer(newFakeView())
	r.PlayBy(60, "alice", "red")
	if got := r.Release("nobody"); len(got) != 0 {
		t.Fatalf("released=%v, want none", got)
	}
	if got := r.Release(""); len(got) != 0 {
		t.Fatalf("released=%v, want none", got)
	}
	checkInvariant(t, r)
}

func TestRenderer_RandomSequencesKeepInvariant(t *testing.T) {
	colors := []string{"red", "blue", "green"}
	rng := rand.New(rand.NewSource(1))

	v := newFakeView()
	r := NewRenderer(v)
	plays := map[int]int{}
	matched := map[int]int{}

	for i := 0; i < 2000; i++ {
		note := 60 + rng.Intn(3)
		color := colors[rng.Intn(len(colors))]
		if rng.Intn(2) == 0 {
			r.Play(note, color)
			plays[note]++
		} else if r.Stop(note, color) {
			matched[note]++
		}
		checkInvariant(t, r)

		st, ok := r.State(note)
		want := plays[note] - matched[note]
		if want < 0 {
			t.Fatalf("note %d: more matched stops than plays", note)
		}
		if !ok {
			if want != 0 {
				t.Fatalf("note %d: no state but %d presses outstanding", note, want)
			}
			if got := v.KeyColor(note); got != "white" {
				t.Fatalf("note %d: color=%q after full release, want white", note, got)
			}
			continue
		}
		if st.RefCount != want {
			t.Fatalf("note %d: refCount=%d, want %d", note, st.RefCount, want)
		}
		if got := v.KeyColor(note); got != st.Active[len(st.Active)-1].Color {
			t.Fatalf("note %d: color=%q, want most recent %q", note, got, st.Active[len(st.Active)-1].Color)
		}
	}
}
