package subscription

import (
	"context"
	"time"

	"github.com/iidesho/cedar/stream"
)

// StreamReader is the read side a stream subscription pulls from.
type StreamReader interface {
	ReadStreamForwards(
		ctx context.Context,
		id stream.ID,
		from stream.Version,
		max int,
		prefetch bool,
	) (stream.Page, error)
	ReadStreamBackwards(
		ctx context.Context,
		id stream.ID,
		from stream.Version,
		max int,
		prefetch bool,
	) (stream.Page, error)
}

// AllReader is the read side a subscription to every stream pulls from.
type AllReader interface {
	ReadAllForwards(ctx context.Context, from stream.Position, max int, prefetch bool) (stream.AllPage, error)
	ReadHeadPosition(ctx context.Context) (stream.Position, error)
}

// Signal is the append notification subscriptions wait on when caught up.
type Signal interface {
	Generation() uint64
	Wait(ctx context.Context, since uint64, timeout time.Duration) (bool, error)
}

type startKind uint8

const (
	startBeginning startKind = iota
	startAfter
	startEnd
)

// StartFrom is where a subscription begins.
type StartFrom struct {
	kind  startKind
	after int64
}

func FromStart() StartFrom {
	return StartFrom{kind: startBeginning}
}

// AfterVersion starts with the message following version v.
func AfterVersion(v stream.Version) StartFrom {
	return StartFrom{kind: startAfter, after: int64(v)}
}

// AfterPosition starts with the first message after position p.
func AfterPosition(p stream.Position) StartFrom {
	return StartFrom{kind: startAfter, after: int64(p)}
}

// FromEnd only delivers messages appended after the subscription started.
func FromEnd() StartFrom {
	return StartFrom{kind: startEnd}
}

// source abstracts over versions of one stream and positions of all streams.
// Cursors are the next version or position to read.
type source interface {
	start(ctx context.Context, from StartFrom) (int64, error)
	pull(ctx context.Context, next int64, max int, prefetch bool) (msgs []stream.Message, after int64, end bool, err error)
	cursor(m stream.Message) int64
	// gapped reports whether cursors can become visible out of order.
	gapped() bool
}

type streamSource struct {
	r  StreamReader
	id stream.ID
}

func (s streamSource) start(ctx context.Context, from StartFrom) (int64, error) {
	switch from.kind {
	case startAfter:
		return from.after + 1, nil
	case startEnd:
		p, err := s.r.ReadStreamBackwards(ctx, s.id, stream.End, 1, false)
		if err != nil {
			return 0, err
		}
		if p.Status == stream.StreamNotFound {
			return int64(stream.Start), nil
		}
		return int64(p.LastVersion) + 1, nil
	}
	return int64(stream.Start), nil
}

func (s streamSource) pull(
	ctx context.Context,
	next int64,
	max int,
	prefetch bool,
) ([]stream.Message, int64, bool, error) {
	p, err := s.r.ReadStreamForwards(ctx, s.id, stream.Version(next), max, prefetch)
	if err != nil {
		return nil, next, false, err
	}
	if p.Status == stream.StreamNotFound {
		return nil, next, true, nil
	}
	return p.Messages, int64(p.NextVersion), p.IsEnd, nil
}

func (streamSource) cursor(m stream.Message) int64 {
	return int64(m.Version)
}

// Versions are assigned under the stream's write lock.
func (streamSource) gapped() bool {
	return false
}

type allSource struct {
	r AllReader
}

func (s allSource) start(ctx context.Context, from StartFrom) (int64, error) {
	switch from.kind {
	case startAfter:
		return from.after + 1, nil
	case startEnd:
		head, err := s.r.ReadHeadPosition(ctx)
		if err != nil {
			return 0, err
		}
		return int64(head) + 1, nil
	}
	return 0, nil
}

func (s allSource) pull(
	ctx context.Context,
	next int64,
	max int,
	prefetch bool,
) ([]stream.Message, int64, bool, error) {
	p, err := s.r.ReadAllForwards(ctx, stream.Position(next), max, prefetch)
	if err != nil {
		return nil, next, false, err
	}
	return p.Messages, int64(p.NextPosition), p.IsEnd, nil
}

func (allSource) cursor(m stream.Message) int64 {
	return int64(m.Position)
}

func (allSource) gapped() bool {
	return true
}
