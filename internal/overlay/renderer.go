package overlay

import "sort"

// KeyView is the surface the renderer paints on.
type KeyView interface {
	// KeyColor returns the color the key is currently drawn with.
	KeyColor(note int) string
	SetKeyColor(note int, color string)
}

// Contribution is one participant holding a note down. ParticipantID and Name
// are whatever identity the relay attached to the press; either may be empty.
type Contribution struct {
	ParticipantID string
	Name          string
	Color         string
}

// DisplayState is a read-only snapshot of a held note.
type DisplayState struct {
	OriginalColor string
	Active        []Contribution
	RefCount      int
}

type noteState struct {
	original string
	active   []Contribution
	refCount int
}

// Renderer implements the note overlay: overlapping presses from several
// participants collapse into one visible color per key.
type Renderer struct {
	view  KeyView
	notes map[int]*noteState
}

func NewRenderer(view KeyView) *Renderer {
	return &Renderer{
		view:  view,
		notes: make(map[int]*noteState),
	}
}

// Play records an anonymous press of note in color.
func (r *Renderer) Play(note int, color string) {
	r.PlayBy(note, "", color)
}

// PlayBy records a press of note by participantID in color.
func (r *Renderer) PlayBy(note int, participantID, color string) {
	r.Press(note, Contribution{ParticipantID: participantID, Color: color})
}

// Press records c holding note. The key switches to c.Color immediately.
func (r *Renderer) Press(note int, c Contribution) {
	st, ok := r.notes[note]
	if !ok {
		st = &noteState{original: r.view.KeyColor(note)}
		r.notes[note] = st
	}
	st.active = append(st.active, c)
	st.refCount++
	r.view.SetKeyColor(note, c.Color)
}

// Stop releases the most recent press of note in color. It reports whether a
// contribution was removed.
func (r *Renderer) Stop(note int, color string) bool {
	return r.StopBy(note, "", color)
}

// StopBy releases the most recent press of note matching participantID and
// color. See Lift.
func (r *Renderer) StopBy(note int, participantID, color string) bool {
	return r.Lift(note, Contribution{ParticipantID: participantID, Color: color})
}

// Lift releases the most recent press of note that matches want. Each
// non-empty field of want must equal the press's field, except that presses
// recorded without an id or name match any id or name. A want with no
// identity and no color releases the most recent press.
//
// Unknown notes and unmatched releases are no-ops.
func (r *Renderer) Lift(note int, want Contribution) bool {
	st, ok := r.notes[note]
	if !ok {
		return false
	}
	idx := -1
	for i := len(st.active) - 1; i >= 0; i-- {
		if matches(st.active[i], want) {
			idx = i
			break
		}
	}
	if idx < 0 {
		return false
	}
	r.removeAt(note, st, idx)
	return true
}

// Release drops every contribution held by participantID and returns the
// affected notes in ascending order.
func (r *Renderer) Release(participantID string) []int {
	if participantID == "" {
		return nil
	}
	return r.ReleaseWhere(func(c Contribution) bool { return c.ParticipantID == participantID })
}

// ReleaseWhere drops every contribution for which pick returns true and
// returns the affected notes in ascending order.
func (r *Renderer) ReleaseWhere(pick func(Contribution) bool) []int {
	var released []int
	for _, note := range r.Notes() {
		st := r.notes[note]
		removed := false
		for i := len(st.active) - 1; i >= 0; i-- {
			if !pick(st.active[i]) {
				continue
			}
			r.removeAt(note, st, i)
			removed = true
			if _, still := r.notes[note]; !still {
				break
			}
		}
		if removed {
			released = append(released, note)
		}
	}
	return released
}

// State returns a snapshot of note's display state, if any press is held.
func (r *Renderer) State(note int) (DisplayState, bool) {
	st, ok := r.notes[note]
	if !ok {
		return DisplayState{}, false
	}
	return DisplayState{
		OriginalColor: st.original,
		Active:        append([]Contribution(nil), st.active...),
		RefCount:      st.refCount,
	}, true
}

// Notes returns the held notes in ascending order.
func (r *Renderer) Notes() []int {
	out := make([]int, 0, len(r.notes))
	for note := range r.notes {
		out = append(out, note)
	}
	sort.Ints(out)
	return out
}

// Len returns the number of held notes.
func (r *Renderer) Len() int {
	return len(r.notes)
}

func (r *Renderer) removeAt(note int, st *noteState, idx int) {
	st.active = append(st.active[:idx], st.active[idx+1:]...)
	st.refCount--
	if st.refCount <= 0 || len(st.active) == 0 {
		r.view.SetKeyColor(note, st.original)
		delete(r.notes, note)
		return
	}
	r.view.SetKeyColor(note, st.active[len(st.active)-1].Color)
}

// Reset drops every held note, restoring original colors.
func (r *Renderer) Reset() []int {
	return r.ReleaseWhere(func(Contribution) bool { return true })
}

func matches(c, want Contribution) bool {
	if want.ParticipantID != "" && c.ParticipantID != "" && c.ParticipantID != want.ParticipantID {
		return false
	}
	if want.Name != "" && c.Name != "" && c.Name != want.Name {
		return false
	}
	if want.Color != "" && c.Color != want.Color {
		return false
	}
	return true
}
