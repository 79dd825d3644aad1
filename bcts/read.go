package bcts

import (
	"encoding/binary"
	"io"
	"time"

	"github.com/gofrs/uuid"
)

func Uint8ToBools[T1 ~bool, T2 ~bool, T3 ~bool, T4 ~bool, T5 ~bool, T6 ~bool, T7 ~bool, T8 ~bool](
	u uint8,
	b1 *T1, b2 *T2, b3 *T3, b4 *T4, b5 *T5, b6 *T6, b7 *T7, b8 *T8,
) {
	if b1 != nil {
		*b1 = u&128 > 0
	}
	if b2 != nil {
		*b2 = u&64 > 0
	}
	if b3 != nil {
		*b3 = u&32 > 0
	}
	if b4 != nil {
		*b4 = u&16 > 0
	}
	if b5 != nil {
		*b5 = u&8 > 0
	}
	if b6 != nil {
		*b6 = u&4 > 0
	}
	if b7 != nil {
		*b7 = u&2 > 0
	}
	if b8 != nil {
		*b8 = u&1 > 0
	}
}

// ReadBools takes nil for the flags the caller does not care about.
func ReadBools(r io.Reader, b1, b2, b3, b4, b5, b6, b7, b8 *bool) error {
	var u uint8
	err := ReadUInt8(r, &u)
	if err != nil {
		return err
	}
	Uint8ToBools(u, b1, b2, b3, b4, b5, b6, b7, b8)
	return nil
}

func ReadInt64[T ~int64](r io.Reader, i *T) error {
	var v int64
	err := binary.Read(r, binary.LittleEndian, &v)
	*i = T(v)
	return err
}

func ReadUInt64[T ~uint64](r io.Reader, i *T) error {
	var v uint64
	err := binary.Read(r, binary.LittleEndian, &v)
	*i = T(v)
	return err
}

func ReadUInt32[T ~uint32](r io.Reader, i *T) error {
	var v uint32
	err := binary.Read(r, binary.LittleEndian, &v)
	*i = T(v)
	return err
}

func ReadUInt16[T ~uint16](r io.Reader, i *T) error {
	var v uint16
	err := binary.Read(r, binary.LittleEndian, &v)
	*i = T(v)
	return err
}

func ReadUInt8[T ~uint8](r io.Reader, i *T) error {
	var v uint8
	err := binary.Read(r, binary.LittleEndian, &v)
	*i = T(v)
	return err
}

func ReadTinyString[T ~string](r io.Reader, s *T) error {
	var l uint8
	err := ReadUInt8(r, &l)
	if err != nil {
		return err
	}
	buf := make([]byte, l)
	_, err = io.ReadFull(r, buf)
	if err != nil {
		return err
	}
	*s = T(buf)
	return nil
}

func ReadSmallString[T ~string](r io.Reader, s *T) error {
	var l uint16
	err := ReadUInt16(r, &l)
	if err != nil {
		return err
	}
	buf := make([]byte, l)
	_, err = io.ReadFull(r, buf)
	if err != nil {
		return err
	}
	*s = T(buf)
	return nil
}

func ReadBytes[T ~[]byte](r io.Reader, b *T) error {
	var l uint32
	err := ReadUInt32(r, &l)
	if err != nil {
		return err
	}
	*b = make([]byte, l)
	_, err = io.ReadFull(r, *b)
	return err
}

func ReadStaticBytes[T ~[]byte](r io.Reader, b T) error {
	_, err := io.ReadFull(r, b)
	return err
}

func ReadUUID(r io.Reader, id *uuid.UUID) error {
	_, err := io.ReadFull(r, id[:])
	return err
}

func ReadTime(r io.Reader, t *time.Time) error {
	var ns int64
	err := ReadInt64(r, &ns)
	if err != nil {
		return err
	}
	*t = time.Unix(0, ns).UTC()
	return nil
}
