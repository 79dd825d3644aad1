package cedar

import (
	"context"

	"github.com/iidesho/cedar/stream"
)

// ReadStreamForwards reads up to max messages of id starting at from. Deleted
// messages are skipped, an unknown stream gives a page with status
// stream.StreamNotFound. Without prefetch message data is loaded by
// stream.Message.Payload.
func (s *Store) ReadStreamForwards(
	ctx context.Context,
	id stream.ID,
	from stream.Version,
	max int,
	prefetch bool,
) (stream.Page, error) {
	if err := id.Validate(); err != nil {
		return stream.Page{}, err
	}
	if err := s.checkRead(max); err != nil {
		return stream.Page{}, err
	}
	return s.backend.ReadStreamForwards(ctx, id, from, max, prefetch)
}

// ReadStreamBackwards reads towards the start of id, stream.End reads from the tail.
func (s *Store) ReadStreamBackwards(
	ctx context.Context,
	id stream.ID,
	from stream.Version,
	max int,
	prefetch bool,
) (stream.Page, error) {
	if err := id.Validate(); err != nil {
		return stream.Page{}, err
	}
	if err := s.checkRead(max); err != nil {
		return stream.Page{}, err
	}
	return s.backend.ReadStreamBackwards(ctx, id, from, max, prefetch)
}

// ReadAllForwards reads every stream in position order starting at from.
func (s *Store) ReadAllForwards(
	ctx context.Context,
	from stream.Position,
	max int,
	prefetch bool,
) (stream.AllPage, error) {
	if err := s.checkRead(max); err != nil {
		return stream.AllPage{}, err
	}
	return s.backend.ReadAllForwards(ctx, from, max, prefetch)
}

// ReadAllBackwards reads every stream towards position 0, stream.HeadPosition
// starts at the newest message.
func (s *Store) ReadAllBackwards(
	ctx context.Context,
	from stream.Position,
	max int,
	prefetch bool,
) (stream.AllPage, error) {
	if err := s.checkRead(max); err != nil {
		return stream.AllPage{}, err
	}
	return s.backend.ReadAllBackwards(ctx, from, max, prefetch)
}

func (s *Store) checkRead(max int) error {
	if max < 1 {
		return stream.ErrInvalidMaxCount
	}
	if s.closed() {
		return stream.ErrStoreClosed
	}
	return nil
}
