package mariadb

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/gofrs/uuid"
	"github.com/iidesho/cedar/stream"
	"github.com/iidesho/cedar/stream/store"
)

// tx runs with the stream row of the lock table held, the stream row itself
// is cached after the first read.
type tx struct {
	ctx    context.Context
	b      *Backend
	tx     *sql.Tx
	id     stream.ID
	hash   string
	state  store.State
	exists bool
	loaded bool
}

var _ store.Tx = (*tx)(nil)

func (t *tx) load() (err error) {
	if t.loaded {
		return nil
	}
	t.state, t.exists, err = t.b.readState(t.ctx, t.tx, t.hash)
	if err != nil {
		return
	}
	t.loaded = true
	return nil
}

func (t *tx) State() (store.State, bool, error) {
	err := t.load()
	if err != nil {
		return store.State{}, false, err
	}
	return t.state, t.exists, nil
}

func (t *tx) IDs(from stream.Version, max int) ([]uuid.UUID, error) {
	rows, err := t.tx.QueryContext(t.ctx,
		"SELECT message_id FROM "+t.b.table("messages")+" WHERE live_hash = ? AND version >= ? ORDER BY version LIMIT ?",
		t.hash, from, max)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	ids := make([]uuid.UUID, 0, max)
	for rows.Next() {
		var s string
		err = rows.Scan(&s)
		if err != nil {
			return nil, err
		}
		id, err := uuid.FromString(s)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (t *tx) VersionOf(id uuid.UUID) (v stream.Version, ok bool, err error) {
	err = t.tx.QueryRowContext(t.ctx,
		"SELECT version FROM "+t.b.table("messages")+" WHERE live_hash = ? AND message_id = ?",
		t.hash, id.String()).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return stream.End, false, nil
	}
	if err != nil {
		return stream.End, false, err
	}
	return v, true, nil
}

func (t *tx) Create() error {
	err := t.load()
	if err != nil || t.exists {
		return err
	}
	t.state = store.State{
		Version:  stream.End,
		Position: stream.NoPosition,
		Created:  time.Now().UTC(),
	}
	_, err = t.tx.ExecContext(t.ctx,
		"INSERT INTO "+t.b.table("streams")+" (stream_hash, stream_id, version, position, visible, created_at) VALUES (?, ?, ?, ?, ?, ?)",
		t.hash, string(t.id), t.state.Version, t.state.Position, t.state.Visible, t.state.Created)
	if err != nil {
		return err
	}
	t.exists = true
	return nil
}

func (t *tx) Append(msgs []stream.NewMessage) (stream.AppendResult, error) {
	err := t.Create()
	if err != nil {
		return stream.AppendResult{}, err
	}
	stmt, err := t.tx.PrepareContext(t.ctx,
		"INSERT INTO "+t.b.table("messages")+
			" (live_hash, stream_id, version, message_id, message_type, data, metadata, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)")
	if err != nil {
		return stream.AppendResult{}, err
	}
	defer stmt.Close()
	now := time.Now().UTC()
	for _, m := range msgs {
		v := t.state.Version + 1
		res, err := stmt.ExecContext(t.ctx, t.hash, string(t.id), v, m.ID.String(), m.Type, m.Data, m.Metadata, now)
		if err != nil {
			return stream.AppendResult{}, err
		}
		pos, err := res.LastInsertId()
		if err != nil {
			return stream.AppendResult{}, err
		}
		t.state.Version = v
		t.state.Position = stream.Position(pos)
		t.state.Visible++
	}
	err = t.saveState()
	if err != nil {
		return stream.AppendResult{}, err
	}
	return stream.AppendResult{
		CurrentVersion:  t.state.Version,
		CurrentPosition: t.state.Position,
	}, nil
}

func (t *tx) saveState() error {
	_, err := t.tx.ExecContext(t.ctx,
		"UPDATE "+t.b.table("streams")+" SET version = ?, position = ?, visible = ? WHERE stream_hash = ?",
		t.state.Version, t.state.Position, t.state.Visible, t.hash)
	return err
}

func (t *tx) DeleteMessage(id uuid.UUID) (bool, error) {
	err := t.load()
	if err != nil || !t.exists {
		return false, err
	}
	res, err := t.tx.ExecContext(t.ctx,
		"UPDATE "+t.b.table("messages")+" SET deleted = TRUE, data = NULL, metadata = NULL WHERE live_hash = ? AND message_id = ? AND deleted = FALSE",
		t.hash, id.String())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil || n == 0 {
		return false, err
	}
	t.state.Visible--
	return true, t.saveState()
}

// DeleteStream detaches the rows from the stream instead of removing them,
// their positions stay taken.
func (t *tx) DeleteStream() ([]uuid.UUID, error) {
	err := t.load()
	if err != nil || !t.exists {
		return nil, err
	}
	rows, err := t.tx.QueryContext(t.ctx,
		"SELECT message_id FROM "+t.b.table("messages")+" WHERE live_hash = ? AND deleted = FALSE ORDER BY version",
		t.hash)
	if err != nil {
		return nil, err
	}
	deleted := make([]uuid.UUID, 0, t.state.Visible)
	for rows.Next() {
		var s string
		err = rows.Scan(&s)
		if err != nil {
			rows.Close()
			return nil, err
		}
		id, err := uuid.FromString(s)
		if err != nil {
			rows.Close()
			return nil, err
		}
		deleted = append(deleted, id)
	}
	rows.Close()
	if err = rows.Err(); err != nil {
		return nil, err
	}
	_, err = t.tx.ExecContext(t.ctx,
		"UPDATE "+t.b.table("messages")+" SET live_hash = NULL, deleted = TRUE, data = NULL, metadata = NULL WHERE live_hash = ?",
		t.hash)
	if err != nil {
		return nil, err
	}
	_, err = t.tx.ExecContext(t.ctx, "DELETE FROM "+t.b.table("streams")+" WHERE stream_hash = ?", t.hash)
	if err != nil {
		return nil, err
	}
	t.state = store.State{}
	t.exists = false
	return deleted, nil
}
