package inmemory

import (
	"time"

	"github.com/gofrs/uuid"
	"github.com/iidesho/cedar/stream"
	"github.com/iidesho/cedar/stream/store"
)

// tx applies writes directly and keeps undo steps for when the update fails.
type tx struct {
	b    *Backend
	id   stream.ID
	undo []func()
}

func (t *tx) State() (store.State, bool, error) {
	t.b.dbLock.RLock()
	defer t.b.dbLock.RUnlock()
	s, ok := t.b.streams[t.id]
	if !ok {
		return store.State{}, false, nil
	}
	return s.state, true, nil
}

func (t *tx) IDs(from stream.Version, max int) ([]uuid.UUID, error) {
	t.b.dbLock.RLock()
	defer t.b.dbLock.RUnlock()
	s, ok := t.b.streams[t.id]
	if !ok || from < 0 || int(from) >= len(s.messages) {
		return nil, nil
	}
	ids := make([]uuid.UUID, 0, max)
	for _, m := range s.messages[from:] {
		if len(ids) == max {
			break
		}
		ids = append(ids, m.ID)
	}
	return ids, nil
}

func (t *tx) VersionOf(id uuid.UUID) (stream.Version, bool, error) {
	t.b.dbLock.RLock()
	defer t.b.dbLock.RUnlock()
	s, ok := t.b.streams[t.id]
	if !ok {
		return stream.End, false, nil
	}
	v, ok := s.index[id]
	if !ok {
		return stream.End, false, nil
	}
	return v, true, nil
}

func (t *tx) Create() error {
	t.b.dbLock.Lock()
	defer t.b.dbLock.Unlock()
	t.create()
	return nil
}

// create must be called with dbLock held.
func (t *tx) create() *inMemStream {
	s, ok := t.b.streams[t.id]
	if ok {
		return s
	}
	s = &inMemStream{
		state: store.State{
			Version:  stream.End,
			Position: stream.NoPosition,
			Created:  time.Now().UTC(),
		},
		messages: make([]*inMemMessage, 0),
		index:    make(map[uuid.UUID]stream.Version),
	}
	t.b.streams[t.id] = s
	t.undo = append(t.undo, func() {
		delete(t.b.streams, t.id)
	})
	return s
}

func (t *tx) Append(msgs []stream.NewMessage) (stream.AppendResult, error) {
	t.b.dbLock.Lock()
	defer t.b.dbLock.Unlock()
	s := t.create()
	prev := s.state
	prevLen := len(s.messages)
	appended := make([]*inMemMessage, 0, len(msgs))
	now := time.Now().UTC()
	for _, nm := range msgs {
		m := &inMemMessage{
			Message: stream.Message{
				NewMessage: nm,
				StreamID:   t.id,
				Version:    s.state.Version + 1,
				Position:   stream.Position(len(t.b.all)),
				Created:    now,
			},
		}
		t.b.all = append(t.b.all, m)
		s.messages = append(s.messages, m)
		s.index[nm.ID] = m.Version
		s.state.Version = m.Version
		s.state.Position = m.Position
		s.state.Visible++
		appended = append(appended, m)
	}
	t.undo = append(t.undo, func() {
		// Positions are not reused, the rolled back ones stay as hidden holes.
		for _, m := range appended {
			m.deleted = true
			delete(s.index, m.ID)
		}
		s.messages = s.messages[:prevLen]
		s.state = prev
	})
	return stream.AppendResult{
		CurrentVersion:  s.state.Version,
		CurrentPosition: s.state.Position,
	}, nil
}

func (t *tx) DeleteMessage(id uuid.UUID) (bool, error) {
	t.b.dbLock.Lock()
	defer t.b.dbLock.Unlock()
	s, ok := t.b.streams[t.id]
	if !ok {
		return false, nil
	}
	v, ok := s.index[id]
	if !ok || s.messages[v].deleted {
		return false, nil
	}
	m := s.messages[v]
	m.deleted = true
	s.state.Visible--
	t.undo = append(t.undo, func() {
		m.deleted = false
		s.state.Visible++
	})
	return true, nil
}

func (t *tx) DeleteStream() ([]uuid.UUID, error) {
	t.b.dbLock.Lock()
	defer t.b.dbLock.Unlock()
	s, ok := t.b.streams[t.id]
	if !ok {
		return nil, nil
	}
	ids := make([]uuid.UUID, 0, s.state.Visible)
	flipped := make([]*inMemMessage, 0, s.state.Visible)
	for _, m := range s.messages {
		if m.deleted {
			continue
		}
		ids = append(ids, m.ID)
		m.deleted = true
		flipped = append(flipped, m)
	}
	delete(t.b.streams, t.id)
	t.undo = append(t.undo, func() {
		for _, m := range flipped {
			m.deleted = false
		}
		t.b.streams[t.id] = s
	})
	return ids, nil
}

func (t *tx) rollback() {
	if len(t.undo) == 0 {
		return
	}
	t.b.dbLock.Lock()
	defer t.b.dbLock.Unlock()
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	log.Debug("rolled back in-memory update", "stream", t.id, "steps", len(t.undo))
}
