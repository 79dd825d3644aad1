package record

import (
	"errors"
	"time"

	"github.com/gofrs/uuid"
	"github.com/iidesho/cedar/bcts"
	"github.com/iidesho/cedar/stream"
	"github.com/iidesho/cedar/stream/store"
)

var ErrNotFound = errors.New("key not found")

// Getter reads a key. Missing keys return ErrNotFound.
type Getter interface {
	Get(key []byte) ([]byte, error)
}

// KV is the view of one backend transaction. Deleting a missing key is not an error.
type KV interface {
	Getter
	Set(key, value []byte) error
	Delete(key []byte) error
}

// Sequence hands out new positions inside a transaction.
type Sequence func() (stream.Position, error)

// Tx implements store.Tx on top of a key value transaction.
type Tx struct {
	kv     KV
	id     stream.ID
	next   Sequence
	stream Stream
	exists bool
	loaded bool
}

var _ store.Tx = (*Tx)(nil)

func NewTx(kv KV, id stream.ID, next Sequence) *Tx {
	return &Tx{
		kv:   kv,
		id:   id,
		next: next,
	}
}

func (t *Tx) load() (err error) {
	if t.loaded {
		return nil
	}
	t.stream, t.exists, err = ReadStream(t.kv, t.id)
	if err != nil {
		return
	}
	t.loaded = true
	return nil
}

func (t *Tx) State() (store.State, bool, error) {
	err := t.load()
	if err != nil {
		return store.State{}, false, err
	}
	return t.stream.State(), t.exists, nil
}

func (t *Tx) IDs(from stream.Version, max int) ([]uuid.UUID, error) {
	err := t.load()
	if err != nil || !t.exists {
		return nil, err
	}
	ids := make([]uuid.UUID, 0, max)
	for v := from; v <= t.stream.Version && len(ids) < max; v++ {
		m, ok, err := ReadMessage(t.kv, t.id, v)
		if err != nil {
			return nil, err
		}
		if !ok {
			// Versions are never renumbered, a hole means the store is corrupt.
			return nil, errors.New("missing message record inside stream " + t.id.String())
		}
		ids = append(ids, m.ID)
	}
	return ids, nil
}

func (t *Tx) VersionOf(mid uuid.UUID) (stream.Version, bool, error) {
	b, err := t.kv.Get(IndexKey(t.id, mid))
	if errors.Is(err, ErrNotFound) {
		return stream.End, false, nil
	}
	if err != nil {
		return stream.End, false, err
	}
	return DecodeVersion(b), true, nil
}

func (t *Tx) Create() error {
	err := t.load()
	if err != nil || t.exists {
		return err
	}
	t.stream = Stream{
		Version:  stream.End,
		Position: stream.NoPosition,
		Created:  time.Now().UTC(),
	}
	t.exists = true
	return t.put(StreamKey(t.id), t.stream)
}

func (t *Tx) Append(msgs []stream.NewMessage) (stream.AppendResult, error) {
	err := t.load()
	if err != nil {
		return stream.AppendResult{}, err
	}
	now := time.Now().UTC()
	if !t.exists {
		t.stream = Stream{
			Version:  stream.End,
			Position: stream.NoPosition,
			Created:  now,
		}
		t.exists = true
	}
	for _, nm := range msgs {
		pos, err := t.next()
		if err != nil {
			return stream.AppendResult{}, err
		}
		m := Message{
			NewMessage: nm,
			Version:    t.stream.Version + 1,
			Position:   pos,
			Created:    now,
		}
		err = t.put(MessageKey(t.id, m.Version), m)
		if err != nil {
			return stream.AppendResult{}, err
		}
		err = t.kv.Set(IndexKey(t.id, m.ID), EncodeVersion(m.Version))
		if err != nil {
			return stream.AppendResult{}, err
		}
		err = t.put(PositionKey(pos), Pointer{StreamID: t.id, Version: m.Version})
		if err != nil {
			return stream.AppendResult{}, err
		}
		t.stream.Version = m.Version
		t.stream.Position = pos
		t.stream.Visible++
	}
	err = t.put(StreamKey(t.id), t.stream)
	if err != nil {
		return stream.AppendResult{}, err
	}
	return stream.AppendResult{
		CurrentVersion:  t.stream.Version,
		CurrentPosition: t.stream.Position,
	}, nil
}

func (t *Tx) DeleteMessage(mid uuid.UUID) (bool, error) {
	err := t.load()
	if err != nil || !t.exists {
		return false, err
	}
	v, ok, err := t.VersionOf(mid)
	if err != nil || !ok {
		return false, err
	}
	m, ok, err := ReadMessage(t.kv, t.id, v)
	if err != nil || !ok || m.Deleted {
		return false, err
	}
	m.Deleted = true
	err = t.put(MessageKey(t.id, v), m)
	if err != nil {
		return false, err
	}
	t.stream.Visible--
	return true, t.put(StreamKey(t.id), t.stream)
}

// DeleteStream leaves the position pointers behind. Readers skip pointers
// that no longer resolve, which keeps the head position from moving back.
func (t *Tx) DeleteStream() ([]uuid.UUID, error) {
	err := t.load()
	if err != nil || !t.exists {
		return nil, err
	}
	deleted := make([]uuid.UUID, 0, t.stream.Visible)
	for v := stream.Start; v <= t.stream.Version; v++ {
		m, ok, err := ReadMessage(t.kv, t.id, v)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		if !m.Deleted {
			deleted = append(deleted, m.ID)
		}
		err = t.kv.Delete(MessageKey(t.id, v))
		if err != nil {
			return nil, err
		}
		err = t.kv.Delete(IndexKey(t.id, m.ID))
		if err != nil {
			return nil, err
		}
	}
	err = t.kv.Delete(StreamKey(t.id))
	if err != nil {
		return nil, err
	}
	t.stream = Stream{}
	t.exists = false
	return deleted, nil
}

func (t *Tx) put(key []byte, w bcts.Writer) error {
	b, err := bcts.Write(w)
	if err != nil {
		return err
	}
	return t.kv.Set(key, b)
}

func ReadStream(g Getter, id stream.ID) (Stream, bool, error) {
	b, err := g.Get(StreamKey(id))
	if errors.Is(err, ErrNotFound) {
		return Stream{}, false, nil
	}
	if err != nil {
		return Stream{}, false, err
	}
	s, err := bcts.Read[Stream, *Stream](b)
	if err != nil {
		return Stream{}, false, err
	}
	return s, true, nil
}

// ReadMessage returns the message record at v, deleted or not.
func ReadMessage(g Getter, id stream.ID, v stream.Version) (Message, bool, error) {
	b, err := g.Get(MessageKey(id, v))
	if errors.Is(err, ErrNotFound) {
		return Message{}, false, nil
	}
	if err != nil {
		return Message{}, false, err
	}
	m, err := bcts.Read[Message, *Message](b)
	if err != nil {
		return Message{}, false, err
	}
	return m, true, nil
}

// ReadPosition resolves a position pointer to its message. It reports false
// when the message was deleted.
func ReadPosition(g Getter, p stream.Position) (stream.Message, bool, error) {
	b, err := g.Get(PositionKey(p))
	if errors.Is(err, ErrNotFound) {
		return stream.Message{}, false, nil
	}
	if err != nil {
		return stream.Message{}, false, err
	}
	ptr, err := bcts.Read[Pointer, *Pointer](b)
	if err != nil {
		return stream.Message{}, false, err
	}
	return ResolvePointer(g, p, ptr)
}

// ResolvePointer loads the message a pointer refers to. A recreated stream
// can hold a different message at the same version, those are skipped by
// comparing positions.
func ResolvePointer(g Getter, p stream.Position, ptr Pointer) (stream.Message, bool, error) {
	m, ok, err := ReadMessage(g, ptr.StreamID, ptr.Version)
	if err != nil || !ok || m.Deleted || m.Position != p {
		return stream.Message{}, false, err
	}
	return m.Message(ptr.StreamID), true, nil
}

// VisibleReader adapts ReadMessage to a store.VersionReader.
func VisibleReader(g Getter, id stream.ID) store.VersionReader {
	return func(v stream.Version) (stream.Message, bool, error) {
		m, ok, err := ReadMessage(g, id, v)
		if err != nil || !ok || m.Deleted {
			return stream.Message{}, false, err
		}
		return m.Message(id), true, nil
	}
}
