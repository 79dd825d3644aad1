// Package store defines what a persistence backend has to provide for the
// message store. Backends live in the sub packages.
package store

import (
	"context"
	"time"

	"github.com/gofrs/uuid"
	"github.com/iidesho/cedar/stream"
)

// State is the tail of a stream as seen inside an update.
type State struct {
	// Version of the last appended message, stream.End when nothing was appended.
	Version  stream.Version
	Position stream.Position
	// Visible counts messages that are not deleted.
	Visible  int64
	Created  time.Time
}

// Tx is a view of a single stream inside an atomic update.
type Tx interface {
	// State reports false when the stream does not exist.
	State() (State, bool, error)
	// IDs returns the ids committed at versions from, from+1, ... including
	// deleted messages. Fewer than max are returned at the end of the stream.
	IDs(from stream.Version, max int) ([]uuid.UUID, error)
	// VersionOf finds the version a message id was committed at, deleted or not.
	VersionOf(id uuid.UUID) (stream.Version, bool, error)
	// Create records an empty stream.
	Create() error
	// Append writes msgs after the current tail, creating the stream if needed.
	Append(msgs []stream.NewMessage) (stream.AppendResult, error)
	// DeleteMessage hides a visible message. It reports false when there was none.
	DeleteMessage(id uuid.UUID) (bool, error)
	// DeleteStream removes the stream and returns the ids of the messages that
	// were still visible.
	DeleteStream() ([]uuid.UUID, error)
}

// Backend is the persistence collaborator of the store.
type Backend interface {
	// Update runs fn atomically for one stream. Updates of different streams
	// do not block each other. fn may be run more than once and only commits
	// when it returns nil.
	Update(ctx context.Context, id stream.ID, fn func(Tx) error) error
	ReadStreamForwards(
		ctx context.Context,
		id stream.ID,
		from stream.Version,
		max int,
		prefetch bool,
	) (stream.Page, error)
	// ReadStreamBackwards reads from the tail when from is stream.End.
	ReadStreamBackwards(
		ctx context.Context,
		id stream.ID,
		from stream.Version,
		max int,
		prefetch bool,
	) (stream.Page, error)
	ReadAllForwards(ctx context.Context, from stream.Position, max int, prefetch bool) (stream.AllPage, error)
	// ReadAllBackwards reads from the head when from is negative.
	ReadAllBackwards(ctx context.Context, from stream.Position, max int, prefetch bool) (stream.AllPage, error)
	// ReadHeadPosition is stream.NoPosition for an empty store.
	ReadHeadPosition(ctx context.Context) (stream.Position, error)
	Close() error
}
