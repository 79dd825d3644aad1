package store

import (
	"github.com/iidesho/cedar/stream"
)

// VersionReader loads the message at a version of one stream. It reports
// false for deleted messages.
type VersionReader func(v stream.Version) (stream.Message, bool, error)

// PositionReader loads the message at a position. It reports false for
// positions without a visible message.
type PositionReader func(p stream.Position) (stream.Message, bool, error)

// ForwardsPage collects up to max visible messages starting at from for
// backends that can look messages up by version.
func ForwardsPage(
	id stream.ID,
	st State,
	from stream.Version,
	max int,
	read VersionReader,
) (stream.Page, error) {
	if from < 0 {
		from = stream.Start
	}
	p := stream.Page{
		StreamID:     id,
		Status:       stream.Success,
		Direction:    stream.Forwards,
		FromVersion:  from,
		LastVersion:  st.Version,
		LastPosition: st.Position,
		Messages:     make([]stream.Message, 0, capacity(max, int64(st.Version-from)+1)),
	}
	v := from
	for ; v <= st.Version && len(p.Messages) < max; v++ {
		m, ok, err := read(v)
		if err != nil {
			return stream.Page{}, err
		}
		if ok {
			p.Messages = append(p.Messages, m)
		}
	}
	p.NextVersion = v
	p.IsEnd = v > st.Version
	return p, nil
}

// BackwardsPage is ForwardsPage in descending order. stream.End starts at the tail.
func BackwardsPage(
	id stream.ID,
	st State,
	from stream.Version,
	max int,
	read VersionReader,
) (stream.Page, error) {
	if from == stream.End || from > st.Version {
		from = st.Version
	}
	p := stream.Page{
		StreamID:     id,
		Status:       stream.Success,
		Direction:    stream.Backwards,
		FromVersion:  from,
		LastVersion:  st.Version,
		LastPosition: st.Position,
		Messages:     make([]stream.Message, 0, capacity(max, int64(from)+1)),
	}
	v := from
	for ; v >= stream.Start && len(p.Messages) < max; v-- {
		m, ok, err := read(v)
		if err != nil {
			return stream.Page{}, err
		}
		if ok {
			p.Messages = append(p.Messages, m)
		}
	}
	p.NextVersion = v
	p.IsEnd = v < stream.Start
	return p, nil
}

// AllForwardsPage walks positions from..head.
func AllForwardsPage(
	from, head stream.Position,
	max int,
	read PositionReader,
) (stream.AllPage, error) {
	if from < 0 {
		from = 0
	}
	p := stream.AllPage{
		Direction:    stream.Forwards,
		FromPosition: from,
		Messages:     make([]stream.Message, 0, capacity(max, int64(head-from)+1)),
	}
	pos := from
	for ; pos <= head && len(p.Messages) < max; pos++ {
		m, ok, err := read(pos)
		if err != nil {
			return stream.AllPage{}, err
		}
		if ok {
			p.Messages = append(p.Messages, m)
		}
	}
	p.NextPosition = pos
	p.IsEnd = pos > head
	return p, nil
}

// AllBackwardsPage walks positions from..0. A negative from starts at head.
func AllBackwardsPage(
	from, head stream.Position,
	max int,
	read PositionReader,
) (stream.AllPage, error) {
	if from < 0 || from > head {
		from = head
	}
	p := stream.AllPage{
		Direction:    stream.Backwards,
		FromPosition: from,
		Messages:     make([]stream.Message, 0, capacity(max, int64(from)+1)),
	}
	pos := from
	for ; pos >= 0 && len(p.Messages) < max; pos-- {
		m, ok, err := read(pos)
		if err != nil {
			return stream.AllPage{}, err
		}
		if ok {
			p.Messages = append(p.Messages, m)
		}
	}
	p.NextPosition = pos
	p.IsEnd = pos < 0
	return p, nil
}

func capacity(max int, available int64) int {
	if available < 0 {
		return 0
	}
	if available < int64(max) {
		return int(available)
	}
	return max
}
