// Package bcts is a small binary codec used for the on-disk record formats.
// Integers are little endian, lengths are prefixed.
package bcts

import (
	"bufio"
	"bytes"
	"io"
)

type Reader[T any] interface {
	ReadBytes(io.Reader) error
	*T
}

type Writer interface {
	WriteBytes(io.Writer) error
}

type ReadWriter[T any] interface {
	Reader[T]
	Writer
}

// Write encodes w into a fresh byte slice.
func Write(w Writer) ([]byte, error) {
	buf := bytes.NewBuffer(nil)
	bw := bufio.NewWriter(buf)
	err := w.WriteBytes(bw)
	if err != nil {
		return nil, err
	}
	err = bw.Flush()
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func ReadReader[BT any, T Reader[BT]](r io.Reader) (BT, error) {
	v := T(new(BT))
	err := v.ReadBytes(r)
	return *v, err
}

func Read[BT any, T Reader[BT]](data []byte) (BT, error) {
	return ReadReader[BT, T](bytes.NewReader(data))
}
