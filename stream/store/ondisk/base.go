// Package ondisk stores streams in a nutsdb key value store. nutsdb runs one
// write transaction at a time, so positions are handed out without gaps.
package ondisk

import (
	"context"
	"errors"
	"os"

	"github.com/iidesho/bragi/sbragi"
	"github.com/iidesho/cedar/stream"
	"github.com/iidesho/cedar/stream/store"
	"github.com/iidesho/cedar/stream/store/record"
	"github.com/nutsdb/nutsdb"
	pkgerrors "github.com/pkg/errors"
)

var log = sbragi.WithLocalScope(sbragi.LevelInfo)

const (
	B  = 1
	KB = B << 10
	MB = KB << 10
	GB = MB << 10
)

const bucket = "streams"

type Backend struct {
	db  *nutsdb.DB
	dir string
}

var _ store.Backend = (*Backend)(nil)

func Open(dir string) (*Backend, error) {
	err := os.MkdirAll(dir, 0750)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "creating dir %s", dir)
	}
	db, err := nutsdb.Open(
		nutsdb.DefaultOptions,
		nutsdb.WithDir(dir),
		nutsdb.WithSegmentSize(64*MB),
	)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "opening kv store in %s", dir)
	}
	err = db.Update(func(tx *nutsdb.Tx) error {
		return tx.NewKVBucket(bucket)
	})
	// Fails when the bucket exists from an earlier run.
	sbragi.WithoutEscalation().WithError(err).Debug("creating kv bucket", "dir", dir)
	log.Info("opened nutsdb backend", "dir", dir)
	return &Backend{
		db:  db,
		dir: dir,
	}, nil
}

type kv struct {
	tx *nutsdb.Tx
}

func (k kv) Get(key []byte) ([]byte, error) {
	v, err := k.tx.Get(bucket, key)
	if errors.Is(err, nutsdb.ErrKeyNotFound) {
		return nil, record.ErrNotFound
	}
	return v, err
}

func (k kv) Set(key, value []byte) error {
	return k.tx.Put(bucket, key, value, 0)
}

func (k kv) Delete(key []byte) error {
	err := k.tx.Delete(bucket, key)
	if errors.Is(err, nutsdb.ErrKeyNotFound) {
		return nil
	}
	return err
}

// sequence keeps the head in memory for the lifetime of one transaction,
// nutsdb does not read back uncommitted puts.
type sequence struct {
	kv     kv
	head   stream.Position
	loaded bool
}

func (s *sequence) next() (stream.Position, error) {
	if !s.loaded {
		head, err := readHead(s.kv)
		if err != nil {
			return stream.NoPosition, err
		}
		s.head = head
		s.loaded = true
	}
	s.head++
	err := s.kv.Set(record.HeadKey, record.EncodePosition(s.head))
	if err != nil {
		return stream.NoPosition, err
	}
	return s.head, nil
}

func readHead(g record.Getter) (stream.Position, error) {
	b, err := g.Get(record.HeadKey)
	if errors.Is(err, record.ErrNotFound) {
		return stream.NoPosition, nil
	}
	if err != nil {
		return stream.NoPosition, err
	}
	return record.DecodePosition(b), nil
}

func (b *Backend) Update(ctx context.Context, id stream.ID, fn func(store.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.db.Update(func(tx *nutsdb.Tx) error {
		k := kv{tx: tx}
		seq := &sequence{kv: k}
		return fn(record.NewTx(k, id, seq.next))
	})
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
	err = b.db.View(func(tx *nutsdb.Tx) error {
		g := kv{tx: tx}
		s, ok, err := record.ReadStream(g, id)
		if err != nil {
			return err
		}
		if !ok {
			p = stream.NotFoundPage(id, dir, from)
			return nil
		}
		visible := record.VisibleReader(g, id)
		read := func(v stream.Version) (stream.Message, bool, error) {
			m, ok, err := visible(v)
			if err != nil || !ok || prefetch {
				return m, ok, err
			}
			return b.lazy(m), true, nil
		}
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

func (b *Backend) lazy(m stream.Message) stream.Message {
	id, v := m.StreamID, m.Version
	return m.WithPayloadLoader(func(ctx context.Context) (data []byte, err error) {
		if err = ctx.Err(); err != nil {
			return
		}
		err = b.db.View(func(tx *nutsdb.Tx) error {
			rec, ok, err := record.ReadMessage(kv{tx: tx}, id, v)
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
	err = b.db.View(func(tx *nutsdb.Tx) error {
		g := kv{tx: tx}
		head, err := readHead(g)
		if err != nil {
			return err
		}
		read := func(pos stream.Position) (stream.Message, bool, error) {
			m, ok, err := record.ReadPosition(g, pos)
			if err != nil || !ok || prefetch {
				return m, ok, err
			}
			return b.lazy(m), true, nil
		}
		if dir == stream.Backwards {
			p, err = store.AllBackwardsPage(from, head, max, read)
		} else {
			p, err = store.AllForwardsPage(from, head, max, read)
		}
		return err
	})
	if err != nil {
		err = pkgerrors.Wrap(err, "reading all streams")
	}
	return
}

func (b *Backend) ReadHeadPosition(ctx context.Context) (head stream.Position, err error) {
	head = stream.NoPosition
	if err = ctx.Err(); err != nil {
		return
	}
	err = b.db.View(func(tx *nutsdb.Tx) error {
		head, err = readHead(kv{tx: tx})
		return err
	})
	return
}

func (b *Backend) Close() error {
	return b.db.Close()
}
