package roster

import "testing"

type recorder struct {
	joined []Participant
	left   []Participant
}

func (r *recorder) ParticipantJoined(p Participant) { r.joined = append(r.joined, p) }
func (r *recorder) ParticipantLeft(p Participant)   { r.left = append(r.left, p) }

func TestRoster_JoinLeaveOrder(t *testing.T) {
	rec := &recorder{}
	r := New(rec)

	r.Join(Participant{ID: "1", Name: "alice", Color: "red"})
	r.Join(Participant{ID: "2", Name: "bob", Color: "blue"})
	r.Join(Participant{ID: "3", Name: "carol", Color: "green"})

	if _, ok := r.Leave("2"); !ok {
		t.Fatalf("expected bob to leave")
	}

	got := r.List()
	if len(got) != 2 || got[0].ID != "1" || got[1].ID != "3" {
		t.Fatalf("list=%+v, want [1 3]", got)
	}
	if len(rec.joined) != 3 || len(rec.left) != 1 || rec.left[0].Name != "bob" {
		t.Fatalf("observer saw joined=%d left=%+v", len(rec.joined), rec.left)
	}
}

func TestRoster_DuplicateJoinReplaces(t *testing.T) {
	r := New()
	r.Join(Participant{ID: "1", Name: "alice", Color: "red"})
	r.Join(Participant{ID: "1", Name: "alice", Color: "pink"})

	if r.Len() != 1 {
		t.Fatalf("len=%d, want 1", r.Len())
	}
	p, ok := r.Get("1")
	if !ok || p.Color != "pink" {
		t.Fatalf("participant=%+v ok=%v, want pink", p, ok)
	}
	if got := r.List(); len(got) != 1 {
		t.Fatalf("list=%+v, want one entry", got)
	}
}

func TestRoster_LeaveUnknown(t *testing.T) {
	rec := &recorder{}
	r := New(rec)
	if _, ok := r.Leave("missing"); ok {
		t.Fatalf("leave of unknown id reported success")
	}
	if len(rec.left) != 0 {
		t.Fatalf("observer notified for unknown id")
	}
}
