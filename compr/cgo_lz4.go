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

package compr

// #cgo pkg-config: liblz4
// #include <lz4.h>
import "C"

import (
	"errors"
	"sync"
	"unsafe"
)

// lz4Stream wraps a reusable LZ4_stream_t, the same dictionary-aware
// streaming handle original_source/src/compression.cpp keeps as a
// thread_local. Go has no per-goroutine static storage, so streamPool
// below hands one out per call instead.
type lz4Stream struct {
	h *C.LZ4_stream_t
}

func newLZ4Stream() *lz4Stream {
	return &lz4Stream{h: C.LZ4_createStream()}
}

func (s *lz4Stream) free() {
	if s.h != nil {
		C.LZ4_freeStream(s.h)
		s.h = nil
	}
}

// streamPool amortizes LZ4_createStream/LZ4_freeStream across calls;
// a dictionary is reloaded into the stream on every checkout since
// LZ4_loadDict resets whatever state a previous compression left
// behind.
var streamPool = sync.Pool{
	New: func() interface{} { return newLZ4Stream() },
}

func cBytes(b []byte) *C.char {
	if len(b) == 0 {
		return nil
	}
	return (*C.char)(unsafe.Pointer(&b[0]))
}

// compressFastContinueDict compresses src into dst using dictionary
// as preset history, mirroring Compression::compress's
// LZ4_loadDict + LZ4_compress_fast_continue pair. acceleration must
// be >= 1. It returns the number of bytes written to dst, or 0 if dst
// was not large enough.
func compressFastContinueDict(dst, src, dictionary []byte, acceleration int) int {
	s := streamPool.Get().(*lz4Stream)
	defer streamPool.Put(s)
	C.LZ4_loadDict(s.h, cBytes(dictionary), C.int(len(dictionary)))
	n := int(C.LZ4_compress_fast_continue(
		s.h,
		cBytes(src),
		cBytes(dst),
		C.int(len(src)),
		C.int(len(dst)),
		C.int(acceleration),
	))
	if n <= 0 {
		return 0
	}
	return n
}

// compressBound mirrors the LZ4_COMPRESSBOUND macro.
func compressBound(srcLen int) int {
	return srcLen + srcLen/255 + 16
}

// decompressSafeUsingDict decompresses src into dst using dictionary
// as preset history, mirroring LZ4_decompress_safe_usingDict. dst must
// be exactly the decompressed size; returns an error if the block is
// malformed or dst is the wrong size.
func decompressSafeUsingDict(dst, src, dictionary []byte) error {
	n := int(C.LZ4_decompress_safe_usingDict(
		cBytes(src),
		cBytes(dst),
		C.int(len(src)),
		C.int(len(dst)),
		cBytes(dictionary),
		C.int(len(dictionary)),
	))
	if n < 0 || n != len(dst) {
		return errors.New("lz4: malformed compressed block")
	}
	return nil
}
