// Package mariadb stores streams in MariaDB or MySQL. Positions come from an
// AUTO_INCREMENT column, they are allocated before commit and may have gaps.
package mariadb

import (
	"context"
	"crypto/md5"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/gofrs/uuid"
	"github.com/iidesho/bragi/sbragi"
	"github.com/iidesho/cedar/stream"
	"github.com/iidesho/cedar/stream/store"
	pkgerrors "github.com/pkg/errors"
)

var log = sbragi.WithLocalScope(sbragi.LevelInfo)

const (
	errDeadlock        = 1213
	errLockWaitTimeout = 1205
)

const schema = `
CREATE TABLE IF NOT EXISTS %[1]s_streams (
	stream_hash CHAR(32) NOT NULL PRIMARY KEY,
	stream_id VARCHAR(2048) NOT NULL,
	version BIGINT NOT NULL,
	position BIGINT NOT NULL,
	visible BIGINT NOT NULL,
	created_at DATETIME(6) NOT NULL
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_bin;
CREATE TABLE IF NOT EXISTS %[1]s_stream_locks (
	stream_hash CHAR(32) NOT NULL PRIMARY KEY
) ENGINE=InnoDB;
CREATE TABLE IF NOT EXISTS %[1]s_messages (
	position BIGINT NOT NULL AUTO_INCREMENT PRIMARY KEY,
	live_hash CHAR(32) NULL,
	stream_id VARCHAR(2048) NOT NULL,
	version BIGINT NOT NULL,
	message_id CHAR(36) NOT NULL,
	message_type VARCHAR(255) NOT NULL,
	data LONGBLOB,
	metadata LONGBLOB,
	created_at DATETIME(6) NOT NULL,
	deleted BOOLEAN NOT NULL DEFAULT FALSE,
	UNIQUE KEY uq_stream_version (live_hash, version),
	UNIQUE KEY uq_stream_message (live_hash, message_id)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_bin`

// Backend keeps streams in three tables. Purged messages stay behind with
// live_hash set to NULL so positions are never handed out twice and the head
// does not move back.
type Backend struct {
	db      *sql.DB
	prefix  string
	metrics *store.Metrics
}

var _ store.Backend = (*Backend)(nil)

// Open connects to the server in dsn, creates the database named in it and
// the tables prefixed with prefix.
func Open(ctx context.Context, dsn, prefix string) (*Backend, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "parsing mariadb dsn")
	}
	if cfg.DBName == "" {
		return nil, errors.New("mariadb dsn is missing a database name")
	}
	if prefix == "" || strings.ContainsFunc(prefix, func(r rune) bool {
		return !(r == '_' || r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9')
	}) {
		return nil, fmt.Errorf("invalid mariadb table prefix %q", prefix)
	}
	cfg.ParseTime = true
	cfg.Loc = time.UTC
	cfg.MultiStatements = true

	err = createDatabase(ctx, *cfg)
	if err != nil {
		return nil, err
	}

	connector, err := mysql.NewConnector(cfg)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "creating mariadb connector")
	}
	db := sql.OpenDB(connector)
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, pkgerrors.Wrap(err, "pinging mariadb")
	}
	_, err = db.ExecContext(ctx, fmt.Sprintf(schema, prefix))
	if err != nil {
		db.Close()
		return nil, pkgerrors.Wrap(err, "creating tables")
	}
	m, err := store.NewMetrics("mariadb")
	if err != nil {
		db.Close()
		return nil, err
	}
	log.Info("opened mariadb backend", "addr", cfg.Addr, "database", cfg.DBName, "prefix", prefix)
	return &Backend{
		db:      db,
		prefix:  prefix,
		metrics: m,
	}, nil
}

func createDatabase(ctx context.Context, cfg mysql.Config) error {
	name := cfg.DBName
	cfg.DBName = ""
	connector, err := mysql.NewConnector(&cfg)
	if err != nil {
		return pkgerrors.Wrap(err, "creating mariadb connector")
	}
	db := sql.OpenDB(connector)
	defer db.Close()
	_, err = db.ExecContext(ctx, "CREATE DATABASE IF NOT EXISTS `"+strings.ReplaceAll(name, "`", "``")+"`")
	if err != nil {
		return pkgerrors.Wrapf(err, "creating database %s", name)
	}
	return nil
}

func streamHash(id stream.ID) string {
	h := md5.Sum([]byte(id))
	return hex.EncodeToString(h[:])
}

func (b *Backend) table(name string) string {
	return b.prefix + "_" + name
}

func retryable(err error) bool {
	var me *mysql.MySQLError
	if !errors.As(err, &me) {
		return false
	}
	return me.Number == errDeadlock || me.Number == errLockWaitTimeout
}

func (b *Backend) Update(ctx context.Context, id stream.ID, fn func(store.Tx) error) (err error) {
	defer func(start time.Time) { b.metrics.ObserveWrite(start, err) }(time.Now())
	for attempt := 1; ; attempt++ {
		if err = ctx.Err(); err != nil {
			return
		}
		err = b.update(ctx, id, fn)
		if !retryable(err) {
			return
		}
		log.Debug("retrying update after lock conflict", "stream", id, "attempt", attempt, "error", err)
	}
}

func (b *Backend) update(ctx context.Context, id stream.ID, fn func(store.Tx) error) error {
	sqlTx, err := b.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return err
	}
	defer sqlTx.Rollback()
	hash := streamHash(id)
	err = b.lock(ctx, sqlTx, hash)
	if err != nil {
		return err
	}
	err = fn(&tx{
		ctx:  ctx,
		b:    b,
		tx:   sqlTx,
		id:   id,
		hash: hash,
	})
	if err != nil {
		return err
	}
	return sqlTx.Commit()
}

// lock serializes updates of one stream on its row in the lock table. The
// row is created on first use and never removed.
func (b *Backend) lock(ctx context.Context, sqlTx *sql.Tx, hash string) error {
	query := "SELECT stream_hash FROM " + b.table("stream_locks") + " WHERE stream_hash = ? FOR UPDATE"
	var locked string
	err := sqlTx.QueryRowContext(ctx, query, hash).Scan(&locked)
	if err == nil {
		return nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return err
	}
	_, err = sqlTx.ExecContext(ctx, "INSERT IGNORE INTO "+b.table("stream_locks")+" (stream_hash) VALUES (?)", hash)
	if err != nil {
		return err
	}
	return sqlTx.QueryRowContext(ctx, query, hash).Scan(&locked)
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (b *Backend) readState(ctx context.Context, q queryer, hash string) (store.State, bool, error) {
	var st store.State
	err := q.QueryRowContext(
		ctx,
		"SELECT version, position, visible, created_at FROM "+b.table("streams")+" WHERE stream_hash = ?",
		hash,
	).Scan(&st.Version, &st.Position, &st.Visible, &st.Created)
	if errors.Is(err, sql.ErrNoRows) {
		return store.State{}, false, nil
	}
	if err != nil {
		return store.State{}, false, err
	}
	return st, true, nil
}

func (b *Backend) columns(prefetch bool) string {
	data := "NULL"
	if prefetch {
		data = "data"
	}
	return "position, stream_id, version, message_id, message_type, " + data + ", metadata, created_at"
}

func scanMessages(rows *sql.Rows, capacity int) ([]stream.Message, error) {
	defer rows.Close()
	msgs := make([]stream.Message, 0, capacity)
	for rows.Next() {
		var m stream.Message
		var mid string
		err := rows.Scan(&m.Position, &m.StreamID, &m.Version, &mid, &m.Type, &m.Data, &m.Metadata, &m.Created)
		if err != nil {
			return nil, err
		}
		m.ID, err = uuid.FromString(mid)
		if err != nil {
			return nil, pkgerrors.Wrapf(err, "parsing message id at position %d", m.Position)
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
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
	defer b.metrics.ObserveRead("stream", time.Now())
	sqlTx, err := b.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true})
	if err != nil {
		return
	}
	defer sqlTx.Rollback()
	hash := streamHash(id)
	st, ok, err := b.readState(ctx, sqlTx, hash)
	if err != nil {
		return p, pkgerrors.Wrapf(err, "reading stream %s", id)
	}
	if !ok {
		return stream.NotFoundPage(id, dir, from), nil
	}
	p = stream.Page{
		StreamID:     id,
		Status:       stream.Success,
		Direction:    dir,
		LastVersion:  st.Version,
		LastPosition: st.Position,
	}
	var rows *sql.Rows
	if dir == stream.Backwards {
		if from == stream.End || from > st.Version {
			from = st.Version
		}
		rows, err = sqlTx.QueryContext(ctx,
			"SELECT "+b.columns(prefetch)+" FROM "+b.table("messages")+
				" WHERE live_hash = ? AND version <= ? AND deleted = FALSE ORDER BY version DESC LIMIT ?",
			hash, from, max)
	} else {
		if from < 0 {
			from = stream.Start
		}
		rows, err = sqlTx.QueryContext(ctx,
			"SELECT "+b.columns(prefetch)+" FROM "+b.table("messages")+
				" WHERE live_hash = ? AND version >= ? AND deleted = FALSE ORDER BY version LIMIT ?",
			hash, from, max)
	}
	if err != nil {
		return p, pkgerrors.Wrapf(err, "reading stream %s", id)
	}
	p.FromVersion = from
	p.Messages, err = scanMessages(rows, max)
	if err != nil {
		return p, pkgerrors.Wrapf(err, "reading stream %s", id)
	}
	full := max > 0 && len(p.Messages) == max
	switch {
	case dir == stream.Backwards && full:
		p.NextVersion = p.Messages[len(p.Messages)-1].Version - 1
		p.IsEnd = p.NextVersion < stream.Start
	case dir == stream.Backwards:
		p.NextVersion = stream.End
		p.IsEnd = true
	case full:
		p.NextVersion = p.Messages[len(p.Messages)-1].Version + 1
		p.IsEnd = p.NextVersion > st.Version
	default:
		p.NextVersion = st.Version + 1
		if from > p.NextVersion {
			p.NextVersion = from
		}
		p.IsEnd = true
	}
	if !prefetch {
		for i := range p.Messages {
			p.Messages[i] = b.lazy(p.Messages[i])
		}
	}
	return p, nil
}

func (b *Backend) lazy(m stream.Message) stream.Message {
	pos := m.Position
	return m.WithPayloadLoader(func(ctx context.Context) (data []byte, err error) {
		err = b.db.QueryRowContext(
			ctx,
			"SELECT data FROM "+b.table("messages")+" WHERE position = ? AND deleted = FALSE",
			pos,
		).Scan(&data)
		if errors.Is(err, sql.ErrNoRows) {
			err = stream.ErrMessageNotFound
		}
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
	defer b.metrics.ObserveRead("all", time.Now())
	sqlTx, err := b.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true})
	if err != nil {
		return
	}
	defer sqlTx.Rollback()
	head, err := b.readHead(ctx, sqlTx)
	if err != nil {
		return p, pkgerrors.Wrap(err, "reading all streams")
	}
	p.Direction = dir
	var rows *sql.Rows
	if dir == stream.Backwards {
		if from < 0 || from > head {
			from = head
		}
		rows, err = sqlTx.QueryContext(ctx,
			"SELECT "+b.columns(prefetch)+" FROM "+b.table("messages")+
				" WHERE position <= ? AND deleted = FALSE ORDER BY position DESC LIMIT ?",
			from, max)
	} else {
		if from < 0 {
			from = 0
		}
		rows, err = sqlTx.QueryContext(ctx,
			"SELECT "+b.columns(prefetch)+" FROM "+b.table("messages")+
				" WHERE position >= ? AND deleted = FALSE ORDER BY position LIMIT ?",
			from, max)
	}
	if err != nil {
		return p, pkgerrors.Wrap(err, "reading all streams")
	}
	p.FromPosition = from
	p.Messages, err = scanMessages(rows, max)
	if err != nil {
		return p, pkgerrors.Wrap(err, "reading all streams")
	}
	full := max > 0 && len(p.Messages) == max
	switch {
	case dir == stream.Backwards && full:
		p.NextPosition = p.Messages[len(p.Messages)-1].Position - 1
		p.IsEnd = p.NextPosition < 0
	case dir == stream.Backwards:
		p.NextPosition = stream.NoPosition
		p.IsEnd = true
	case full:
		p.NextPosition = p.Messages[len(p.Messages)-1].Position + 1
		p.IsEnd = p.NextPosition > head
	default:
		p.NextPosition = head + 1
		if from > p.NextPosition {
			p.NextPosition = from
		}
		p.IsEnd = true
	}
	if !prefetch {
		for i := range p.Messages {
			p.Messages[i] = b.lazy(p.Messages[i])
		}
	}
	return p, nil
}

func (b *Backend) readHead(ctx context.Context, q queryer) (head stream.Position, err error) {
	err = q.QueryRowContext(ctx, "SELECT COALESCE(MAX(position), -1) FROM "+b.table("messages")).Scan(&head)
	return
}

func (b *Backend) ReadHeadPosition(ctx context.Context) (stream.Position, error) {
	if err := ctx.Err(); err != nil {
		return stream.NoPosition, err
	}
	head, err := b.readHead(ctx, b.db)
	if err != nil {
		return stream.NoPosition, pkgerrors.Wrap(err, "reading head position")
	}
	return head, nil
}

func (b *Backend) Close() error {
	return b.db.Close()
}
