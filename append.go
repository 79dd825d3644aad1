package cedar

import (
	"context"
	"errors"
	"time"

	"github.com/iidesho/cedar/stream"
	"github.com/iidesho/cedar/stream/store"
)

// Append writes msgs to the end of stream id if expected holds. A batch that
// was already appended under the same precondition is not written again, the
// current tail is returned instead. Everything else that contradicts expected
// fails with stream.ErrWrongExpectedVersion.
//
// An empty batch with stream.NoStream or stream.Any creates the stream.
func (s *Store) Append(
	ctx context.Context,
	id stream.ID,
	expected stream.ExpectedVersion,
	msgs ...stream.NewMessage,
) (stream.AppendResult, error) {
	if err := id.Validate(); err != nil {
		return stream.AppendResult{}, err
	}
	if id.IsSystem() {
		return stream.AppendResult{}, stream.ErrReservedStream
	}
	return s.append(ctx, id, expected, msgs)
}

func (s *Store) append(
	ctx context.Context,
	id stream.ID,
	expected stream.ExpectedVersion,
	msgs []stream.NewMessage,
) (res stream.AppendResult, err error) {
	if err = expected.Validate(); err != nil {
		return
	}
	if err = stream.ValidateBatch(msgs); err != nil {
		return
	}
	if s.closed() {
		return res, stream.ErrStoreClosed
	}
	start := time.Now()
	var written bool
	err = s.backend.Update(ctx, id, func(tx store.Tx) (err error) {
		res, written, err = appendTx(tx, id, expected, msgs)
		return
	})
	switch {
	case errors.Is(err, stream.ErrWrongExpectedVersion):
		log.Debug("append conflict", "stream", id, "expected", expected, "messages", len(msgs))
		s.metrics.observeAppend(resultConflict, since(start))
		return stream.AppendResult{}, err
	case err != nil:
		if ctx.Err() == nil {
			log.WithError(err).Error("append failed", "stream", id, "expected", expected)
		}
		s.metrics.observeAppend(resultError, since(start))
		return stream.AppendResult{}, err
	case !written:
		log.Trace("idempotent append", "stream", id, "expected", expected, "messages", len(msgs))
		s.metrics.observeAppend(resultIdempotent, since(start))
		return
	}
	s.metrics.observeAppend(resultWritten, since(start))
	s.signal.Notify()
	return
}

// appendTx evaluates expected against the stream inside one backend update.
// It reports whether anything was written.
func appendTx(
	tx store.Tx,
	id stream.ID,
	expected stream.ExpectedVersion,
	msgs []stream.NewMessage,
) (stream.AppendResult, bool, error) {
	st, exists, err := tx.State()
	if err != nil {
		return stream.AppendResult{}, false, err
	}
	tail := stream.AppendResult{
		CurrentVersion:  stream.End,
		CurrentPosition: stream.NoPosition,
	}
	if exists {
		tail.CurrentVersion = st.Version
		tail.CurrentPosition = st.Position
	}
	conflict := stream.NewWrongExpectedVersion(id, expected)

	switch {
	case expected == stream.NoStream:
		if !exists {
			return write(tx, msgs)
		}
		if len(msgs) == 0 {
			return tail, false, nil
		}
		return replay(tx, stream.Start, msgs, tail, conflict)

	case expected == stream.EmptyStream:
		if !exists {
			if len(msgs) == 0 {
				return tail, false, nil
			}
			return stream.AppendResult{}, false, conflict
		}
		if len(msgs) == 0 {
			return tail, false, nil
		}
		if st.Visible == 0 {
			committed, err := anyCommitted(tx, msgs)
			if err != nil {
				return stream.AppendResult{}, false, err
			}
			if !committed {
				return write(tx, msgs)
			}
		}
		return replay(tx, stream.Start, msgs, tail, conflict)

	case expected == stream.Any:
		if !exists {
			return write(tx, msgs)
		}
		if len(msgs) == 0 {
			return tail, false, nil
		}
		v, found, err := tx.VersionOf(msgs[0].ID)
		if err != nil {
			return stream.AppendResult{}, false, err
		}
		if found {
			return replay(tx, v, msgs, tail, conflict)
		}
		committed, err := anyCommitted(tx, msgs[1:])
		if err != nil {
			return stream.AppendResult{}, false, err
		}
		if committed {
			return stream.AppendResult{}, false, conflict
		}
		return write(tx, msgs)
	}

	v := expected.Version()
	if len(msgs) == 0 {
		return tail, false, nil
	}
	switch {
	case !exists || st.Version < v:
		return stream.AppendResult{}, false, conflict
	case st.Version > v:
		return replay(tx, v+1, msgs, tail, conflict)
	}
	committed, err := anyCommitted(tx, msgs)
	if err != nil {
		return stream.AppendResult{}, false, err
	}
	if committed {
		return stream.AppendResult{}, false, conflict
	}
	return write(tx, msgs)
}

func write(tx store.Tx, msgs []stream.NewMessage) (stream.AppendResult, bool, error) {
	if len(msgs) == 0 {
		err := tx.Create()
		if err != nil {
			return stream.AppendResult{}, false, err
		}
		return stream.AppendResult{
			CurrentVersion:  stream.End,
			CurrentPosition: stream.NoPosition,
		}, true, nil
	}
	res, err := tx.Append(msgs)
	if err != nil {
		return stream.AppendResult{}, false, err
	}
	return res, true, nil
}

// replay accepts msgs as an earlier append when their ids are committed, in
// order, starting at from.
func replay(
	tx store.Tx,
	from stream.Version,
	msgs []stream.NewMessage,
	tail stream.AppendResult,
	conflict error,
) (stream.AppendResult, bool, error) {
	ids, err := tx.IDs(from, len(msgs))
	if err != nil {
		return stream.AppendResult{}, false, err
	}
	if len(ids) < len(msgs) {
		return stream.AppendResult{}, false, conflict
	}
	for i, m := range msgs {
		if ids[i] != m.ID {
			return stream.AppendResult{}, false, conflict
		}
	}
	return tail, false, nil
}

func anyCommitted(tx store.Tx, msgs []stream.NewMessage) (bool, error) {
	for _, m := range msgs {
		_, found, err := tx.VersionOf(m.ID)
		if err != nil || found {
			return found, err
		}
	}
	return false, nil
}
