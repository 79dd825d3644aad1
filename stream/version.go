package stream

import (
	"fmt"
	"strconv"
)

// Version is the zero based index of a message inside its stream.
type Version int64

const (
	Start Version = 0
	// End means the current tail of the stream.
	End Version = -1
)

func (v Version) String() string {
	if v == End {
		return "end"
	}
	return strconv.FormatInt(int64(v), 10)
}

// Position is the store wide ordinal of a message. Positions only grow but
// may have gaps.
type Position int64

const (
	NoPosition Position = -1
	// HeadPosition is the newest position at the time a read starts.
	HeadPosition Position = -2
)

// ExpectedVersion is the precondition of an append or a stream delete.
type ExpectedVersion int64

const (
	Any         ExpectedVersion = -2
	NoStream    ExpectedVersion = -1
	EmptyStream ExpectedVersion = -3
)

// Exact expects the stream to be at version v.
func Exact(v Version) ExpectedVersion {
	if v < 0 {
		panic(fmt.Sprintf("exact expected version must be positive, got %d", v))
	}
	return ExpectedVersion(v)
}

func (ev ExpectedVersion) Validate() error {
	if ev < EmptyStream {
		return ErrInvalidExpectedVersion
	}
	return nil
}

func (ev ExpectedVersion) IsExact() bool {
	return ev >= 0
}

func (ev ExpectedVersion) Version() Version {
	return Version(ev)
}

func (ev ExpectedVersion) String() string {
	switch ev {
	case Any:
		return "any"
	case NoStream:
		return "no_stream"
	case EmptyStream:
		return "empty_stream"
	}
	return strconv.FormatInt(int64(ev), 10)
}

// ParseExpectedVersion is the inverse of ExpectedVersion.String.
func ParseExpectedVersion(s string) (ExpectedVersion, error) {
	switch s {
	case "any":
		return Any, nil
	case "no_stream":
		return NoStream, nil
	case "empty_stream":
		return EmptyStream, nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil || v < 0 {
		return Any, fmt.Errorf("%w: %q", ErrInvalidExpectedVersion, s)
	}
	return ExpectedVersion(v), nil
}
