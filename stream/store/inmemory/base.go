package inmemory

import (
	"context"
	"sync"
	"time"

	"github.com/gofrs/uuid"
	"github.com/iidesho/bragi/sbragi"
	"github.com/iidesho/cedar/stream"
	"github.com/iidesho/cedar/stream/store"
	csync "github.com/iidesho/cedar/sync"
)

var log = sbragi.WithLocalScope(sbragi.LevelInfo)

type inMemMessage struct {
	stream.Message
	deleted bool
}

type inMemStream struct {
	state    store.State
	messages []*inMemMessage
	index    map[uuid.UUID]stream.Version
}

// Backend keeps every stream in memory. All data is guarded by dbLock, the
// per stream writer locks only serialize updates of the same stream.
type Backend struct {
	dbLock  sync.RWMutex
	streams map[stream.ID]*inMemStream
	all     []*inMemMessage
	writers *csync.Map[stream.ID, *sync.Mutex]
	metrics *store.Metrics
	closed  bool
}

var _ store.Backend = (*Backend)(nil)

func New() (*Backend, error) {
	b := &Backend{
		streams: make(map[stream.ID]*inMemStream),
		all:     make([]*inMemMessage, 0),
		writers: csync.NewMap[stream.ID, *sync.Mutex](),
	}
	var err error
	b.metrics, err = store.NewMetrics("inmemory")
	if err != nil {
		return nil, err
	}
	log.Debug("created in-memory backend")
	return b, nil
}

func (b *Backend) Update(ctx context.Context, id stream.ID, fn func(store.Tx) error) (err error) {
	if err = ctx.Err(); err != nil {
		return
	}
	defer func(start time.Time) { b.metrics.ObserveWrite(start, err) }(time.Now())
	l, _ := b.writers.GetOrInit(id, func() *sync.Mutex { return &sync.Mutex{} })
	l.Lock()
	defer l.Unlock()
	if b.isClosed() {
		return stream.ErrStoreClosed
	}
	t := &tx{b: b, id: id}
	err = fn(t)
	if err != nil {
		t.rollback()
	}
	return
}

func (b *Backend) ReadStreamForwards(
	ctx context.Context,
	id stream.ID,
	from stream.Version,
	max int,
	prefetch bool,
) (stream.Page, error) {
	return b.readStream(ctx, id, from, max, prefetch, stream.Forwards)
}

func (b *Backend) ReadStreamBackwards(
	ctx context.Context,
	id stream.ID,
	from stream.Version,
	max int,
	prefetch bool,
) (stream.Page, error) {
	return b.readStream(ctx, id, from, max, prefetch, stream.Backwards)
}

func (b *Backend) readStream(
	ctx context.Context,
	id stream.ID,
	from stream.Version,
	max int,
	prefetch bool,
	dir stream.Direction,
) (stream.Page, error) {
	if err := ctx.Err(); err != nil {
		return stream.Page{}, err
	}
	defer b.metrics.ObserveRead("stream", time.Now())
	b.dbLock.RLock()
	defer b.dbLock.RUnlock()
	if b.closed {
		return stream.Page{}, stream.ErrStoreClosed
	}
	s, ok := b.streams[id]
	if !ok {
		return stream.NotFoundPage(id, dir, from), nil
	}
	read := func(v stream.Version) (stream.Message, bool, error) {
		m := s.messages[v]
		if m.deleted {
			return stream.Message{}, false, nil
		}
		return output(m.Message, prefetch), true, nil
	}
	if dir == stream.Backwards {
		return store.BackwardsPage(id, s.state, from, max, read)
	}
	return store.ForwardsPage(id, s.state, from, max, read)
}

func (b *Backend) ReadAllForwards(
	ctx context.Context,
	from stream.Position,
	max int,
	prefetch bool,
) (stream.AllPage, error) {
	return b.readAll(ctx, from, max, prefetch, stream.Forwards)
}

func (b *Backend) ReadAllBackwards(
	ctx context.Context,
	from stream.Position,
	max int,
	prefetch bool,
) (stream.AllPage, error) {
	return b.readAll(ctx, from, max, prefetch, stream.Backwards)
}

func (b *Backend) readAll(
	ctx context.Context,
	from stream.Position,
	max int,
	prefetch bool,
	dir stream.Direction,
) (stream.AllPage, error) {
	if err := ctx.Err(); err != nil {
		return stream.AllPage{}, err
	}
	defer b.metrics.ObserveRead("all", time.Now())
	b.dbLock.RLock()
	defer b.dbLock.RUnlock()
	if b.closed {
		return stream.AllPage{}, stream.ErrStoreClosed
	}
	head := stream.Position(len(b.all) - 1)
	read := func(p stream.Position) (stream.Message, bool, error) {
		m := b.all[p]
		if m.deleted {
			return stream.Message{}, false, nil
		}
		return output(m.Message, prefetch), true, nil
	}
	if dir == stream.Backwards {
		return store.AllBackwardsPage(from, head, max, read)
	}
	return store.AllForwardsPage(from, head, max, read)
}

func (b *Backend) ReadHeadPosition(ctx context.Context) (stream.Position, error) {
	if err := ctx.Err(); err != nil {
		return stream.NoPosition, err
	}
	b.dbLock.RLock()
	defer b.dbLock.RUnlock()
	return stream.Position(len(b.all) - 1), nil
}

func (b *Backend) Close() error {
	b.dbLock.Lock()
	defer b.dbLock.Unlock()
	b.closed = true
	return nil
}

func (b *Backend) isClosed() bool {
	b.dbLock.RLock()
	defer b.dbLock.RUnlock()
	return b.closed
}

func output(m stream.Message, prefetch bool) stream.Message {
	if prefetch {
		return m
	}
	data := m.Data
	return m.WithPayloadLoader(func(ctx context.Context) ([]byte, error) {
		return data, ctx.Err()
	})
}
