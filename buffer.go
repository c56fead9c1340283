package amqp

import (
	"bytes"
	"encoding/binary"
	"io"
	"sync"
)

// buffer is a read cursor over a byte slice. Read methods fail with an
// *IncompleteError when the slice ends before the requested bytes and leave
// the cursor unmoved, so a caller feeding a partial stream can retry with
// more input.
type buffer struct {
	b []byte
	i int
}

func (b *buffer) len() int {
	return len(b.b) - b.i
}

func (b *buffer) bytes() []byte {
	return b.b[b.i:]
}

func (b *buffer) readByte() (byte, error) {
	if b.i >= len(b.b) {
		return 0, errIncomplete
	}
	c := b.b[b.i]
	b.i++
	return c, nil
}

func (b *buffer) peekByte() (byte, error) {
	if b.i >= len(b.b) {
		return 0, errIncomplete
	}
	return b.b[b.i], nil
}

// next returns the following n bytes without copying. The slice is only
// valid until the underlying storage is reused.
func (b *buffer) next(n int) ([]byte, error) {
	if n < 0 {
		return nil, &InvalidSizeError{Type: "slice", Size: n}
	}
	if b.len() < n {
		return nil, errIncomplete
	}
	s := b.b[b.i : b.i+n]
	b.i += n
	return s, nil
}

func (b *buffer) readUint16() (uint16, error) {
	s, err := b.next(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(s), nil
}

func (b *buffer) readUint32() (uint32, error) {
	s, err := b.next(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(s), nil
}

func (b *buffer) readUint64() (uint64, error) {
	s, err := b.next(8)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(s), nil
}

// writer is the subset of bytes.Buffer used by the encode path.
type writer interface {
	io.Writer
	io.ByteWriter
	WriteString(s string) (int, error)
}

var bufPool = sync.Pool{
	New: func() interface{} {
		return new(bytes.Buffer)
	},
}
