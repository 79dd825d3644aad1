// Package record holds the binary layout shared by the key value backends.
package record

import (
	"fmt"
	"io"
	"time"

	"github.com/iidesho/cedar/bcts"
	"github.com/iidesho/cedar/stream"
	"github.com/iidesho/cedar/stream/store"
)

const formatVersion = uint8(0)

type Stream struct {
	Version  stream.Version
	Position stream.Position
	Visible  int64
	Created  time.Time
}

func (s Stream) State() store.State {
	return store.State{
		Version:  s.Version,
		Position: s.Position,
		Visible:  s.Visible,
		Created:  s.Created,
	}
}

func (s Stream) WriteBytes(w io.Writer) (err error) {
	err = bcts.WriteUInt8(w, formatVersion)
	if err != nil {
		return
	}
	err = bcts.WriteInt64(w, s.Version)
	if err != nil {
		return
	}
	err = bcts.WriteInt64(w, s.Position)
	if err != nil {
		return
	}
	err = bcts.WriteInt64(w, s.Visible)
	if err != nil {
		return
	}
	return bcts.WriteTime(w, s.Created)
}

func (s *Stream) ReadBytes(r io.Reader) (err error) {
	err = readFormatVersion(r)
	if err != nil {
		return
	}
	err = bcts.ReadInt64(r, &s.Version)
	if err != nil {
		return
	}
	err = bcts.ReadInt64(r, &s.Position)
	if err != nil {
		return
	}
	err = bcts.ReadInt64(r, &s.Visible)
	if err != nil {
		return
	}
	return bcts.ReadTime(r, &s.Created)
}

type Message struct {
	stream.NewMessage
	Version  stream.Version
	Position stream.Position
	Created  time.Time
	Deleted  bool
}

func (m Message) Message(id stream.ID) stream.Message {
	return stream.Message{
		NewMessage: m.NewMessage,
		StreamID:   id,
		Version:    m.Version,
		Position:   m.Position,
		Created:    m.Created,
	}
}

func (m Message) WriteBytes(w io.Writer) (err error) {
	err = bcts.WriteUInt8(w, formatVersion)
	if err != nil {
		return
	}
	err = bcts.WriteBools(w, m.Deleted, false, false, false, false, false, false, false)
	if err != nil {
		return
	}
	err = bcts.WriteUUID(w, m.ID)
	if err != nil {
		return
	}
	err = bcts.WriteSmallString(w, m.Type)
	if err != nil {
		return
	}
	err = bcts.WriteInt64(w, m.Version)
	if err != nil {
		return
	}
	err = bcts.WriteInt64(w, m.Position)
	if err != nil {
		return
	}
	err = bcts.WriteTime(w, m.Created)
	if err != nil {
		return
	}
	err = bcts.WriteBytes(w, m.Metadata)
	if err != nil {
		return
	}
	return bcts.WriteBytes(w, m.Data)
}

func (m *Message) ReadBytes(r io.Reader) (err error) {
	err = readFormatVersion(r)
	if err != nil {
		return
	}
	err = bcts.ReadBools(r, &m.Deleted, nil, nil, nil, nil, nil, nil, nil)
	if err != nil {
		return
	}
	err = bcts.ReadUUID(r, &m.ID)
	if err != nil {
		return
	}
	err = bcts.ReadSmallString(r, &m.Type)
	if err != nil {
		return
	}
	err = bcts.ReadInt64(r, &m.Version)
	if err != nil {
		return
	}
	err = bcts.ReadInt64(r, &m.Position)
	if err != nil {
		return
	}
	err = bcts.ReadTime(r, &m.Created)
	if err != nil {
		return
	}
	err = bcts.ReadBytes(r, &m.Metadata)
	if err != nil {
		return
	}
	return bcts.ReadBytes(r, &m.Data)
}

// Pointer is stored under a position key.
type Pointer struct {
	StreamID stream.ID
	Version  stream.Version
}

func (p Pointer) WriteBytes(w io.Writer) (err error) {
	err = bcts.WriteSmallString(w, p.StreamID)
	if err != nil {
		return
	}
	return bcts.WriteInt64(w, p.Version)
}

func (p *Pointer) ReadBytes(r io.Reader) (err error) {
	err = bcts.ReadSmallString(r, &p.StreamID)
	if err != nil {
		return
	}
	return bcts.ReadInt64(r, &p.Version)
}

func readFormatVersion(r io.Reader) error {
	var v uint8
	err := bcts.ReadUInt8(r, &v)
	if err != nil {
		return err
	}
	if v != formatVersion {
		return fmt.Errorf("invalid stored record version, %s=%d, %s=%d", "expected", formatVersion, "got", v)
	}
	return nil
}
