package cedar

import (
	"context"

	"github.com/gofrs/uuid"
	"github.com/iidesho/cedar/stream"
	"github.com/iidesho/cedar/stream/store"
)

// DeleteMessage hides a message from reads. Versions and positions of the
// other messages do not change. Deleting an unknown message or a message of
// an unknown stream does nothing.
func (s *Store) DeleteMessage(ctx context.Context, id stream.ID, messageID uuid.UUID) error {
	if err := id.Validate(); err != nil {
		return err
	}
	if id.IsSystem() {
		return stream.ErrReservedStream
	}
	if s.closed() {
		return stream.ErrStoreClosed
	}
	var deleted bool
	err := s.backend.Update(ctx, id, func(tx store.Tx) (err error) {
		deleted, err = tx.DeleteMessage(messageID)
		return
	})
	if err != nil {
		return err
	}
	if !deleted {
		log.Trace("nothing to delete", "stream", id, "message", messageID)
		return nil
	}
	s.metrics.observeDelete(1, false)
	tomb, err := stream.MessageDeleted{StreamID: id, MessageID: messageID}.Message()
	if err != nil {
		return err
	}
	_, err = s.append(ctx, stream.DeletedStreamID, stream.Any, []stream.NewMessage{tomb})
	if err != nil {
		log.WithError(err).Error("appending message tombstone", "stream", id, "message", messageID)
		return err
	}
	log.Debug("deleted message", "stream", id, "message", messageID)
	return nil
}

// DeleteStream removes a stream and all its messages. expected has to be
// stream.Any or an exact version. Deleting an unknown stream with stream.Any
// does nothing.
func (s *Store) DeleteStream(ctx context.Context, id stream.ID, expected stream.ExpectedVersion) error {
	if err := id.Validate(); err != nil {
		return err
	}
	if id.IsSystem() {
		return stream.ErrReservedStream
	}
	if expected != stream.Any && !expected.IsExact() {
		return stream.ErrInvalidExpectedVersion
	}
	if s.closed() {
		return stream.ErrStoreClosed
	}
	var ids []uuid.UUID
	var existed bool
	err := s.backend.Update(ctx, id, func(tx store.Tx) error {
		ids, existed = nil, false
		st, exists, err := tx.State()
		if err != nil {
			return err
		}
		if expected.IsExact() && (!exists || st.Version != expected.Version()) {
			return stream.NewWrongExpectedVersion(id, expected)
		}
		if !exists {
			return nil
		}
		existed = true
		ids, err = tx.DeleteStream()
		return err
	})
	if err != nil {
		return err
	}
	if !existed {
		return nil
	}
	s.metrics.observeDelete(len(ids), true)
	tombs := make([]stream.NewMessage, 0, len(ids)+1)
	for _, mid := range ids {
		tomb, err := stream.MessageDeleted{StreamID: id, MessageID: mid}.Message()
		if err != nil {
			return err
		}
		tombs = append(tombs, tomb)
	}
	tomb, err := stream.StreamDeleted{StreamID: id}.Message()
	if err != nil {
		return err
	}
	tombs = append(tombs, tomb)
	_, err = s.append(ctx, stream.DeletedStreamID, stream.Any, tombs)
	if err != nil {
		log.WithError(err).Error("appending stream tombstones", "stream", id, "messages", len(ids))
		return err
	}
	log.Debug("deleted stream", "stream", id, "messages", len(ids))
	return nil
}
