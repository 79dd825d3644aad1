package stream

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// ID names a stream. Ids are case sensitive.
type ID string

const (
	SystemPrefix = "$"

	// MaxIDLength is the longest id in bytes every backend can key on.
	MaxIDLength = 2048

	// DeletedStreamID receives a tombstone for every deleted message and stream.
	DeletedStreamID ID = "$deleted"
)

func (id ID) String() string {
	return string(id)
}

func (id ID) Validate() error {
	if id == "" || len(id) > MaxIDLength {
		return ErrInvalidStreamID
	}
	if !utf8.ValidString(string(id)) {
		return ErrInvalidStreamID
	}
	if strings.IndexFunc(string(id), unicode.IsSpace) >= 0 {
		return ErrInvalidStreamID
	}
	return nil
}

// IsSystem reports ids in the reserved "$" namespace.
func (id ID) IsSystem() bool {
	return strings.HasPrefix(string(id), SystemPrefix)
}
