// Copyright 2019 Lanikai Labs. All rights reserved.

package packet

import (
	"fmt"
)

// A Reader walks a fixed byte buffer, decoding big-endian fields. Bounds must
// be established with CheckRemaining before the Read calls that rely on them.
type Reader struct {
	buffer []byte
	offset int
}

func NewReader(buffer []byte) *Reader {
	return &Reader{buffer, 0}
}

func (r *Reader) ReadByte() byte {
	v := r.buffer[r.offset]
	r.offset++
	return v
}

func (r *Reader) ReadUint16() uint16 {
	v := networkOrder.Uint16(r.buffer[r.offset:])
	r.offset += 2
	return v
}

func (r *Reader) ReadUint32() uint32 {
	v := networkOrder.Uint32(r.buffer[r.offset:])
	r.offset += 4
	return v
}

// ReadSlice returns the next n bytes without copying. The slice aliases the
// underlying buffer.
func (r *Reader) ReadSlice(n int) []byte {
	v := r.buffer[r.offset : r.offset+n]
	r.offset += n
	return v
}

// ReadCopy returns a copy of the next n bytes, safe to retain after the
// underlying buffer is reused.
func (r *Reader) ReadCopy(n int) []byte {
	v := make([]byte, n)
	copy(v, r.buffer[r.offset:r.offset+n])
	r.offset += n
	return v
}

func (r *Reader) ReadString(n int) string {
	return string(r.ReadSlice(n))
}

func (r *Reader) Skip(n int) {
	r.offset += n
}

// Return the number of bytes left in the buffer.
func (r *Reader) Remaining() int {
	return len(r.buffer) - r.offset
}

func (r *Reader) CheckRemaining(needed int) error {
	if r.Remaining() < needed {
		return fmt.Errorf("%d bytes remaining, %d needed", r.Remaining(), needed)
	}
	return nil
}
