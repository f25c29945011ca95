// Copyright (C) 2022 Sneller, Inc.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package instr

import (
	"encoding/binary"
	"math"
	"sync/atomic"
	"unsafe"
)

// Stream is the shared instruction buffer a caller builds and a
// Worker drains. It is a flat byte slice addressed in 4-byte words,
// the same layout original_source/src/writer.cpp's DoWrites walks
// with uint32_t* pointer arithmetic. Every offset passed to a Stream
// method is a byte offset and must be aligned the way the field it
// addresses requires (4 bytes for a flags/length word, 8 for a
// pointer/float64/status slot); Builder is responsible for producing
// those alignments, the same way the original host binding's encoder
// was.
//
// Value payloads never live inline in buf: their size changes when
// the off-goroutine compressor replaces raw bytes with a compressed
// envelope, and a Go slice can't be resized in place the way a
// malloc'd C buffer can be realloc'd under its existing pointer.
// Instead the 8-byte "value pointer" field in the wire format holds a
// 1-based reference into values; 0 means "no value attached".
type Stream struct {
	buf    []byte
	values [][]byte
}

// NewStream wraps buf as an instruction stream. buf's length must be
// a multiple of 4 bytes.
func NewStream(buf []byte) *Stream {
	return &Stream{buf: buf}
}

// Bytes returns the underlying instruction buffer.
func (s *Stream) Bytes() []byte { return s.buf }

// Len reports the length of the underlying instruction buffer in bytes.
func (s *Stream) Len() int { return len(s.buf) }

// Grow appends n zero bytes to the buffer and returns the offset at
// which they start, for use by Builder.
func (s *Stream) Grow(n int) int {
	off := len(s.buf)
	s.buf = append(s.buf, make([]byte, n)...)
	return off
}

func (s *Stream) uint32Ptr(off int) *uint32 {
	return (*uint32)(unsafe.Pointer(&s.buf[off]))
}

func (s *Stream) int64Ptr(off int) *int64 {
	return (*int64)(unsafe.Pointer(&s.buf[off]))
}

// Word32 reads a plain (non-atomic) 32-bit field at off.
func (s *Stream) Word32(off int) uint32 {
	return binary.LittleEndian.Uint32(s.buf[off : off+4])
}

// SetWord32 writes a plain 32-bit field at off.
func (s *Stream) SetWord32(off int, v uint32) {
	binary.LittleEndian.PutUint32(s.buf[off:off+4], v)
}

// Word64 reads a plain 64-bit field at off.
func (s *Stream) Word64(off int) uint64 {
	return binary.LittleEndian.Uint64(s.buf[off : off+8])
}

// SetWord64 writes a plain 64-bit field at off.
func (s *Stream) SetWord64(off int, v uint64) {
	binary.LittleEndian.PutUint64(s.buf[off:off+8], v)
}

// Float64 reads an 8-byte IEEE-754 field at off, used for record
// versions (SET_VERSION/CONDITIONAL_VERSION).
func (s *Stream) Float64(off int) float64 {
	return math.Float64frombits(s.Word64(off))
}

// SetFloat64 writes an 8-byte IEEE-754 field at off.
func (s *Stream) SetFloat64(off int, v float64) {
	s.SetWord64(off, math.Float64bits(v))
}

// KeyBytes returns the length-byte key slice starting at off. The
// slice aliases the stream buffer; callers that retain it past the
// instruction's lifetime must copy it.
func (s *Stream) KeyBytes(off, length int) []byte {
	return s.buf[off : off+length]
}

// NewValue appends data as a boxed value payload and returns its
// 1-based reference, for storage in an instruction's value-pointer
// field via SetWord64.
func (s *Stream) NewValue(data []byte) uint32 {
	s.values = append(s.values, data)
	return uint32(len(s.values))
}

// Value returns the boxed payload for ref, or nil if ref is 0.
func (s *Stream) Value(ref uint32) []byte {
	if ref == 0 {
		return nil
	}
	return s.values[ref-1]
}

// SetValue replaces the boxed payload for ref, used by the compressor
// to swap raw bytes for a compressed envelope without moving the
// instruction's fixed-size wire fields.
func (s *Stream) SetValue(ref uint32, data []byte) {
	s.values[ref-1] = data
}

// LoadFlags atomically loads the flags word at off. Every reader of
// an instruction's remaining fields must load this word first: it is
// the synchronization point the worker and caller hand off across.
func (s *Stream) LoadFlags(off int) uint32 {
	return atomic.LoadUint32(s.uint32Ptr(off))
}

// StoreFlags atomically stores the flags word at off, discarding
// whatever status bits were already set. Only used when building an
// instruction, before it is published to a worker.
func (s *Stream) StoreFlags(off int, v uint32) {
	atomic.StoreUint32(s.uint32Ptr(off), v)
}

// FetchOrFlags atomically ORs bits into the flags word at off and
// returns the word's previous value, mirroring
// std::atomic_fetch_or(flags, bits) in writer.cpp.
func (s *Stream) FetchOrFlags(off int, bits uint32) uint32 {
	ptr := s.uint32Ptr(off)
	for {
		old := atomic.LoadUint32(ptr)
		if atomic.CompareAndSwapUint32(ptr, old, old|bits) {
			return old
		}
	}
}

// CompareAndSwapFlags atomically swaps the flags word at off from old
// to new, reporting whether it succeeded.
func (s *Stream) CompareAndSwapFlags(off int, old, new uint32) bool {
	return atomic.CompareAndSwapUint32(s.uint32Ptr(off), old, new)
}

// LoadCompressionStatus atomically loads the three-state compression
// hand-off slot at off.
func (s *Stream) LoadCompressionStatus(off int) CompressionStatus {
	return CompressionStatus(atomic.LoadInt64(s.int64Ptr(off)))
}

// StoreCompressionStatus atomically stores the compression hand-off
// slot at off, used when Builder publishes a fresh COMPRESSIBLE
// instruction.
func (s *Stream) StoreCompressionStatus(off int, v CompressionStatus) {
	atomic.StoreInt64(s.int64Ptr(off), int64(v))
}

// SwapCompressionStatus atomically exchanges the compression hand-off
// slot at off for new, returning its previous value.
func (s *Stream) SwapCompressionStatus(off int, new CompressionStatus) CompressionStatus {
	return CompressionStatus(atomic.SwapInt64(s.int64Ptr(off), int64(new)))
}

// CompareAndSwapCompressionStatus atomically swaps the slot at off
// from old to new, reporting whether it succeeded.
func (s *Stream) CompareAndSwapCompressionStatus(off int, old, new CompressionStatus) bool {
	return atomic.CompareAndSwapInt64(s.int64Ptr(off), int64(old), int64(new))
}

// Cursor is a parsing head over a Stream: it tracks the byte offset
// of the next field to decode, the way writer.cpp's DoWrites advances
// its local uint32_t* instruction variable. Every decode method
// advances Pos by the field's width; callers needing atomic access to
// a field at a position already walked past (the flags word of the
// instruction currently being decoded, in particular) keep that
// offset themselves and call the Stream method directly.
type Cursor struct {
	s   *Stream
	pos int
}

// NewCursor returns a Cursor over s starting at byte offset 0.
func NewCursor(s *Stream) *Cursor {
	return &Cursor{s: s}
}

// Stream returns the underlying Stream, for atomic field access at an
// offset the caller recorded earlier.
func (c *Cursor) Stream() *Stream { return c.s }

// Pos reports the current byte offset.
func (c *Cursor) Pos() int { return c.pos }

// Seek moves the parsing head to an arbitrary byte offset, used by
// POINTER_NEXT instructions that jump to a different region of the
// stream (or a different stream entirely, in the original
// implementation's chained-buffer design).
func (c *Cursor) Seek(pos int) { c.pos = pos }

// ReadWord32 reads a plain 32-bit field and advances 4 bytes.
func (c *Cursor) ReadWord32() uint32 {
	v := c.s.Word32(c.pos)
	c.pos += 4
	return v
}

// ReadWord64 reads a plain 64-bit field and advances 8 bytes.
func (c *Cursor) ReadWord64() uint64 {
	v := c.s.Word64(c.pos)
	c.pos += 8
	return v
}

// ReadFloat64 reads an 8-byte float field and advances 8 bytes.
func (c *Cursor) ReadFloat64() float64 {
	v := c.s.Float64(c.pos)
	c.pos += 8
	return v
}

// ReadKey reads a length-prefixed key: a 4-byte dbi word, a 4-byte
// length word, the key bytes themselves, and the alignment padding
// that follows them. It returns the decoded dbi and key slice and
// leaves Pos at the next 8-byte-aligned offset after the key, exactly
// mirroring the "(instruction + key.iov_len + 16) & ~7" arithmetic in
// writer.cpp: the encoder is required to leave at least 16 bytes of
// slack after the key so the value-length word described by ReadValue
// always lands just before the realigned position.
func (c *Cursor) ReadKey() (dbi uint32, key []byte) {
	dbi = c.ReadWord32()
	keyLen := int(c.ReadWord32())
	keyStart := c.pos
	key = c.s.KeyBytes(keyStart, keyLen)
	c.pos = alignDown8(keyStart + keyLen + 16)
	return dbi, key
}

func alignDown8(off int) int {
	return off &^ 7
}

// ValueLenOffset returns the offset of the 4-byte value-length word
// that sits immediately before the current (8-aligned) position, the
// slack byte the key's alignment padding donates to hold it.
func (c *Cursor) ValueLenOffset() int { return c.pos - 4 }
