package bcts

import (
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/gofrs/uuid"
)

const (
	maxUint8  = ^uint8(0)
	maxUint16 = ^uint16(0)
	maxUint32 = ^uint32(0)
)

func BoolsToUint8(b1, b2, b3, b4, b5, b6, b7, b8 bool) (u uint8) {
	for _, b := range [8]bool{b1, b2, b3, b4, b5, b6, b7, b8} {
		u = u << 1
		if b {
			u = u | 1
		}
	}
	return
}

func WriteBools(w io.Writer, b1, b2, b3, b4, b5, b6, b7, b8 bool) error {
	return WriteUInt8(w, BoolsToUint8(b1, b2, b3, b4, b5, b6, b7, b8))
}

func WriteInt64[T ~int64](w io.Writer, i T) error {
	return binary.Write(w, binary.LittleEndian, int64(i))
}

func WriteUInt64[T ~uint64](w io.Writer, i T) error {
	return binary.Write(w, binary.LittleEndian, uint64(i))
}

func WriteUInt32[T ~uint32](w io.Writer, i T) error {
	return binary.Write(w, binary.LittleEndian, uint32(i))
}

func WriteUInt16[T ~uint16](w io.Writer, i T) error {
	return binary.Write(w, binary.LittleEndian, uint16(i))
}

func WriteUInt8[T ~uint8](w io.Writer, i T) error {
	return binary.Write(w, binary.LittleEndian, uint8(i))
}

func WriteTinyString[T ~string](w io.Writer, s T) error {
	if len(s) > int(maxUint8) {
		return fmt.Errorf("string is longer than max length of a tiny string")
	}
	err := WriteUInt8(w, uint8(len(s)))
	if err != nil {
		return err
	}
	return writeAll(w, []byte(s))
}

func WriteSmallString[T ~string](w io.Writer, s T) error {
	if len(s) > int(maxUint16) {
		return fmt.Errorf("string is longer than max length of a small string")
	}
	err := WriteUInt16(w, uint16(len(s)))
	if err != nil {
		return err
	}
	return writeAll(w, []byte(s))
}

func WriteBytes(w io.Writer, b []byte) error {
	if uint64(len(b)) > uint64(maxUint32) {
		return fmt.Errorf("byte slice is longer than max length of a byte slice")
	}
	err := WriteUInt32(w, uint32(len(b)))
	if err != nil {
		return err
	}
	return writeAll(w, b)
}

func WriteStaticBytes(w io.Writer, b []byte) error {
	return writeAll(w, b)
}

func WriteUUID(w io.Writer, id uuid.UUID) error {
	return writeAll(w, id[:])
}

func WriteTime(w io.Writer, t time.Time) error {
	return WriteInt64(w, t.UTC().UnixNano())
}

func writeAll(w io.Writer, b []byte) error {
	written := 0
	for written < len(b) {
		n, err := w.Write(b[written:])
		if err != nil {
			return err
		}
		written += n
	}
	return nil
}
