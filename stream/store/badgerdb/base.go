// Package badgerdb stores streams in a badger database. Updates are optimistic
// transactions that are retried on conflict, positions come from a badger
// sequence and may have gaps.
package badgerdb

import (
	"bytes"
	"context"
	"errors"
	"os"

	"github.com/dgraph-io/badger"
	"github.com/iidesho/bragi/sbragi"
	"github.com/iidesho/cedar/stream"
	"github.com/iidesho/cedar/stream/store"
	"github.com/iidesho/cedar/stream/store/record"
	pkgerrors "github.com/pkg/errors"
)

var log = sbragi.WithLocalScope(sbragi.LevelInfo)

const sequenceBandwidth = 1000

var sequenceKey = []byte("q/position")

type Backend struct {
	db  *badger.DB
	seq *badger.Sequence
	dir string
}

var _ store.Backend = (*Backend)(nil)

func Open(dir string) (*Backend, error) {
	err := os.MkdirAll(dir, 0750)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "creating badger dir %s", dir)
	}
	db, err := badger.Open(badger.DefaultOptions(dir).WithLogger(badgerLogger{}))
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "opening badger db in %s", dir)
	}
	seq, err := db.GetSequence(sequenceKey, sequenceBandwidth)
	if err != nil {
		db.Close()
		return nil, pkgerrors.Wrap(err, "getting position sequence")
	}
	log.Info("opened badger backend", "dir", dir)
	return &Backend{
		db:  db,
		seq: seq,
		dir: dir,
	}, nil
}

func (b *Backend) next() (stream.Position, error) {
	p, err := b.seq.Next()
	if err != nil {
		return stream.NoPosition, pkgerrors.Wrap(err, "next position")
	}
	return stream.Position(p), nil
}

func (b *Backend) Update(ctx context.Context, id stream.ID, fn func(store.Tx) error) error {
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := b.db.Update(func(txn *badger.Txn) error {
			return fn(record.NewTx(kv{txn: txn}, id, b.next))
		})
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
		log.Debug("retrying conflicting update", "stream", id, "attempt", attempt)
	}
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
) (p stream.Page, err error) {
	if err = ctx.Err(); err != nil {
		return
	}
	err = b.db.View(func(txn *badger.Txn) error {
		g := kv{txn: txn}
		s, ok, err := record.ReadStream(g, id)
		if err != nil {
			return err
		}
		if !ok {
			p = stream.NotFoundPage(id, dir, from)
			return nil
		}
		read := b.output(record.VisibleReader(g, id), prefetch)
		if dir == stream.Backwards {
			p, err = store.BackwardsPage(id, s.State(), from, max, read)
		} else {
			p, err = store.ForwardsPage(id, s.State(), from, max, read)
		}
		return err
	})
	if err != nil {
		err = pkgerrors.Wrapf(err, "reading stream %s", id)
	}
	return
}

// output attaches a loader when the payload is not prefetched.
func (b *Backend) output(read store.VersionReader, prefetch bool) store.VersionReader {
	if prefetch {
		return read
	}
	return func(v stream.Version) (stream.Message, bool, error) {
		m, ok, err := read(v)
		if err != nil || !ok {
			return m, ok, err
		}
		return b.lazy(m), true, nil
	}
}

func (b *Backend) lazy(m stream.Message) stream.Message {
	id, v := m.StreamID, m.Version
	return m.WithPayloadLoader(func(ctx context.Context) (data []byte, err error) {
		if err = ctx.Err(); err != nil {
			return
		}
		err = b.db.View(func(txn *badger.Txn) error {
			rec, ok, err := record.ReadMessage(kv{txn: txn}, id, v)
			if err != nil {
				return err
			}
			if !ok || rec.Deleted {
				return stream.ErrMessageNotFound
			}
			data = rec.Data
			return nil
		})
		return
	})
}

func (b *Backend) ReadAllForwards(
	ctx context.Context,
	from stream.Position,
	max int,
	prefetch bool,
) (stream.AllPage, error) {
	if from < 0 {
		from = 0
	}
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
) (p stream.AllPage, err error) {
	if err = ctx.Err(); err != nil {
		return
	}
	if from < 0 {
		from = stream.NoPosition
	}
	p = stream.AllPage{
		Direction:    dir,
		FromPosition: from,
		NextPosition: from,
		IsEnd:        true,
		Messages:     make([]stream.Message, 0, max),
	}
	err = b.db.View(func(txn *badger.Txn) error {
		g := kv{txn: txn}
		opts := badger.DefaultIteratorOptions
		opts.PrefetchSize = max
		opts.Reverse = dir == stream.Backwards
		it := txn.NewIterator(opts)
		defer it.Close()
		it.Seek(seekKey(from, dir))
		for ; it.ValidForPrefix(record.PositionPrefix); it.Next() {
			if len(p.Messages) == max {
				p.IsEnd = false
				return nil
			}
			item := it.Item()
			pos := record.PositionFromKey(item.Key())
			if p.FromPosition < 0 {
				p.FromPosition = pos
			}
			var ptr record.Pointer
			err := item.Value(func(val []byte) error {
				return ptr.ReadBytes(bytes.NewReader(val))
			})
			if err != nil {
				return err
			}
			m, ok, err := record.ResolvePointer(g, pos, ptr)
			if err != nil {
				return err
			}
			if dir == stream.Backwards {
				p.NextPosition = pos - 1
			} else {
				p.NextPosition = pos + 1
			}
			if !ok {
				continue
			}
			if !prefetch {
				m = b.lazy(m)
			}
			p.Messages = append(p.Messages, m)
		}
		return nil
	})
	if err != nil {
		err = pkgerrors.Wrap(err, "reading all streams")
	}
	return
}

func seekKey(from stream.Position, dir stream.Direction) []byte {
	if dir == stream.Backwards && from < 0 {
		return append(bytes.Clone(record.PositionPrefix), 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF)
	}
	return record.PositionKey(from)
}

// ReadHeadPosition reads the newest pointer. Pointers outlive deletes so the
// head never moves back.
func (b *Backend) ReadHeadPosition(ctx context.Context) (head stream.Position, err error) {
	head = stream.NoPosition
	if err = ctx.Err(); err != nil {
		return
	}
	err = b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()
		it.Seek(seekKey(stream.HeadPosition, stream.Backwards))
		if it.ValidForPrefix(record.PositionPrefix) {
			head = record.PositionFromKey(it.Item().Key())
		}
		return nil
	})
	return
}

func (b *Backend) Close() error {
	err := b.seq.Release()
	if err != nil {
		log.WithError(err).Warning("releasing position sequence", "dir", b.dir)
	}
	return b.db.Close()
}
