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

// Package compr implements the opportunistic LZ4 compression this
// project applies to values before they land in the store: a shared
// dictionary primes every block so that small, repetitive records
// compress well on their own, and a one-byte envelope (see
// envelope.go) lets a reader tell a compressed block from a raw one
// without any side-channel metadata.
package compr

import "github.com/outpostkv/outpost/instr"

// defaultAcceleration matches the original implementation's fixed
// acceleration=1 (LZ4's default trade-off of ratio for speed).
const defaultAcceleration = 1

// Compressor holds a dictionary and a size threshold below which
// values are stored raw.
type Compressor struct {
	dictionary []byte
	threshold  int
}

// NewCompressor builds a Compressor. dictionary is truncated to a
// multiple of 8 bytes, mirroring Compression::ctor's
// "(dictSize >> 3) << 3" word-alignment of the caller-supplied
// buffer. threshold is the minimum value size, in bytes, worth
// spending a compression pass on; values below it are stored
// untouched unless mustForceCompress applies.
func NewCompressor(dictionary []byte, threshold int) *Compressor {
	aligned := (len(dictionary) >> 3) << 3
	return &Compressor{dictionary: dictionary[:aligned], threshold: threshold}
}

// Compress returns a compressed envelope for value, or (nil, false)
// if value is below the threshold (and doesn't need forcing) or LZ4
// reported an error. An envelope larger than value is still returned.
func (c *Compressor) Compress(value []byte) ([]byte, bool) {
	if len(value) < c.threshold && !mustForceCompress(value) {
		return nil, false
	}
	hdrSize := envelopeHeaderSize(len(value))
	dst := make([]byte, hdrSize+compressBound(len(value)))
	n := compressFastContinueDict(dst[hdrSize:], value, c.dictionary, defaultAcceleration)
	if n == 0 {
		return nil, false
	}
	encodeEnvelopeHeader(dst, len(value))
	return dst[:hdrSize+n], true
}

// Decompress reverses Compress. If data isn't a compressed envelope
// (its leading byte is below the sentinel range) it is returned
// as-is, with no allocation.
func (c *Compressor) Decompress(data []byte) ([]byte, error) {
	hdrSize, declen, compressed, ok := decodeEnvelope(data)
	if !ok {
		return nil, errCorruptEnvelope(data)
	}
	if !compressed {
		return data, nil
	}
	dst := make([]byte, declen)
	if err := decompressSafeUsingDict(dst, data[hdrSize:], c.dictionary); err != nil {
		return nil, err
	}
	return dst, nil
}

func errCorruptEnvelope(data []byte) error {
	b := byte(0)
	if len(data) > 0 {
		b = data[0]
	}
	return &envelopeError{statusByte: b}
}

type envelopeError struct{ statusByte byte }

func (e *envelopeError) Error() string {
	return "compr: reserved/corrupt status byte in compressed envelope"
}

// CompressPending performs the off-goroutine compression hand-off for
// one COMPRESSIBLE instruction value. valueOff is the byte offset of
// the instruction's 8-byte value-reference field; the compression
// status slot immediately follows it, and the 4-byte value-length
// word immediately precedes it (see instr.Cursor.ReadKey).
//
// It claims the value only if its status is still CompressionPending
// (nobody has started on it yet); any other caller racing to do the
// same thing, or a caller that finds the value already done, is a
// no-op. If a writer was already parked waiting on this value
// (status observed as CompressionBlocked when the result is
// published) notify is invoked so it can wake the writer's condition
// variable; notify may be nil.
func (c *Compressor) CompressPending(s *instr.Stream, valueOff int, notify func()) {
	statusOff := valueOff + 8
	if !s.CompareAndSwapCompressionStatus(statusOff, instr.CompressionPending, instr.CompressionProcessing) {
		return
	}
	ref := uint32(s.Word64(valueOff))
	raw := s.Value(ref)
	if compressed, ok := c.Compress(raw); ok {
		s.SetValue(ref, compressed)
		s.SetWord32(valueOff-4, uint32(len(compressed)))
	}
	prev := s.SwapCompressionStatus(statusOff, instr.CompressionDone)
	if prev == instr.CompressionBlocked && notify != nil {
		notify()
	}
}
