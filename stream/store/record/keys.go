package record

import (
	"encoding/binary"

	"github.com/gofrs/uuid"
	"github.com/iidesho/cedar/stream"
)

// Keyspace:
// - s/{len}{stream}            stream record
// - m/{len}{stream}{version}   message record
// - i/{len}{stream}{uuid}      version of a message id
// - p/{position}               pointer to the message at a position
// - h/position                 last assigned position
//
// Stream ids are length prefixed so one id can not be a prefix of another.
// Numbers are big endian so keys sort numerically.

var (
	streamPrefix   = []byte("s/")
	messagePrefix  = []byte("m/")
	indexPrefix    = []byte("i/")
	PositionPrefix = []byte("p/")
	HeadKey        = []byte("h/position")
)

func appendStreamID(b []byte, id stream.ID) []byte {
	b = binary.BigEndian.AppendUint16(b, uint16(len(id)))
	return append(b, id...)
}

func StreamKey(id stream.ID) []byte {
	b := make([]byte, 0, len(streamPrefix)+2+len(id))
	b = append(b, streamPrefix...)
	return appendStreamID(b, id)
}

// MessagePrefix prefixes every message key of a stream.
func MessagePrefix(id stream.ID) []byte {
	b := make([]byte, 0, len(messagePrefix)+2+len(id)+8)
	b = append(b, messagePrefix...)
	return appendStreamID(b, id)
}

func MessageKey(id stream.ID, v stream.Version) []byte {
	return binary.BigEndian.AppendUint64(MessagePrefix(id), uint64(v))
}

func IndexKey(id stream.ID, mid uuid.UUID) []byte {
	b := make([]byte, 0, len(indexPrefix)+2+len(id)+len(mid))
	b = append(b, indexPrefix...)
	b = appendStreamID(b, id)
	return append(b, mid[:]...)
}

func PositionKey(p stream.Position) []byte {
	b := make([]byte, 0, len(PositionPrefix)+8)
	b = append(b, PositionPrefix...)
	return binary.BigEndian.AppendUint64(b, uint64(p))
}

// PositionFromKey is the inverse of PositionKey.
func PositionFromKey(k []byte) stream.Position {
	return stream.Position(binary.BigEndian.Uint64(k[len(PositionPrefix):]))
}

func EncodeVersion(v stream.Version) []byte {
	return binary.BigEndian.AppendUint64(nil, uint64(v))
}

func DecodeVersion(b []byte) stream.Version {
	return stream.Version(binary.BigEndian.Uint64(b))
}

func EncodePosition(p stream.Position) []byte {
	return binary.BigEndian.AppendUint64(nil, uint64(p))
}

func DecodePosition(b []byte) stream.Position {
	return stream.Position(binary.BigEndian.Uint64(b))
}
