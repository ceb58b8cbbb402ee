// Package roster keeps the list of participants currently playing.
package roster

import "sync"

// Participant is a player announced by the relay.
type Participant struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Color string `json:"color"`
}

// Observer is notified after the roster changes.
type Observer interface {
	ParticipantJoined(p Participant)
	ParticipantLeft(p Participant)
}

// Roster is a participant set keyed by id that remembers join order.
type Roster struct {
	mu        sync.RWMutex
	byID      map[string]Participant
	order     []string
	observers []Observer
}

func New(observers ...Observer) *Roster {
	return &Roster{
		byID:      make(map[string]Participant),
		observers: observers,
	}
}

// Join adds p, replacing any participant already registered under p.ID.
func (r *Roster) Join(p Participant) {
	r.mu.Lock()
	if _, ok := r.byID[p.ID]; !ok {
		r.order = append(r.order, p.ID)
	}
	r.byID[p.ID] = p
	observers := r.observers
	r.mu.Unlock()

	for _, o := range observers {
		o.ParticipantJoined(p)
	}
}

// Leave removes the participant with the given id. Unknown ids are ignored.
func (r *Roster) Leave(id string) (Participant, bool) {
	r.mu.Lock()
	p, ok := r.byID[id]
	if !ok {
		r.mu.Unlock()
		return Participant{}, false
	}
	delete(r.byID, id)
	for i, v := range r.order {
		if v == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	observers := r.observers
	r.mu.Unlock()

	for _, o := range observers {
		o.ParticipantLeft(p)
	}
	return p, true
}

func (r *Roster) Get(id string) (Participant, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.byID[id]
	return p, ok
}

// List returns participants in join order.
func (r *Roster) List() []Participant {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Participant, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.byID[id])
	}
	return out
}

func (r *Roster) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}
