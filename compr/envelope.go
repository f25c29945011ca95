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

// Record envelope. A stored value's leading byte tells a reader
// whether the rest of the bytes are the value verbatim or an LZ4
// block behind a length header:
//
//	0..249   raw, uncompressed value; the byte is the value's own
//	         first byte and nothing follows it is reinterpreted.
//	250..253 reserved, currently unused.
//	254      short header: 3 more bytes hold the decompressed length
//	         as a 24-bit big-endian integer, then the LZ4 block.
//	255      long header: a reserved byte, then 6 bytes hold the
//	         decompressed length as a 48-bit big-endian integer, then
//	         the LZ4 block.
//
// A value whose own first byte happens to land in 250..255 would be
// ambiguous with this scheme, so the encoder refuses to store it raw:
// see Compressor.Compress's force-compress rule.
const (
	sentinelShort    = 254
	sentinelLong     = 255
	reservedLow      = 250
	shortHeaderSize  = 4
	longHeaderSize   = 8
	shortLengthLimit = 1 << 24
)

// decodeEnvelope inspects data's leading byte and reports whether it
// is a compressed envelope, and if so the header size to skip and the
// decompressed length encoded in it.
func decodeEnvelope(data []byte) (headerSize int, decompressedLen int, compressed bool, ok bool) {
	if len(data) == 0 {
		return 0, 0, false, true
	}
	switch {
	case data[0] < reservedLow:
		return 0, len(data), false, true
	case data[0] < sentinelShort:
		return 0, 0, false, false // reserved, not a valid envelope
	case data[0] == sentinelShort:
		if len(data) < shortHeaderSize {
			return 0, 0, false, false
		}
		n := int(data[1])<<16 | int(data[2])<<8 | int(data[3])
		return shortHeaderSize, n, true, true
	default: // sentinelLong
		if len(data) < longHeaderSize {
			return 0, 0, false, false
		}
		n := int(data[2])<<40 | int(data[3])<<32 | int(data[4])<<24 |
			int(data[5])<<16 | int(data[6])<<8 | int(data[7])
		return longHeaderSize, n, true, true
	}
}

// encodeEnvelopeHeader writes the header for a compressed block of
// decompressedLen bytes into dst, which must be at least
// envelopeHeaderSize(decompressedLen) bytes long, and returns the
// header size.
func encodeEnvelopeHeader(dst []byte, decompressedLen int) int {
	if decompressedLen < shortLengthLimit {
		dst[0] = sentinelShort
		dst[1] = byte(decompressedLen >> 16)
		dst[2] = byte(decompressedLen >> 8)
		dst[3] = byte(decompressedLen)
		return shortHeaderSize
	}
	dst[0] = sentinelLong
	dst[1] = 0
	dst[2] = byte(decompressedLen >> 40)
	dst[3] = byte(decompressedLen >> 32)
	dst[4] = byte(decompressedLen >> 24)
	dst[5] = byte(decompressedLen >> 16)
	dst[6] = byte(decompressedLen >> 8)
	dst[7] = byte(decompressedLen)
	return longHeaderSize
}

// envelopeHeaderSize reports the header size a value of the given
// decompressed length will need.
func envelopeHeaderSize(decompressedLen int) int {
	if decompressedLen < shortLengthLimit {
		return shortHeaderSize
	}
	return longHeaderSize
}

// mustForceCompress reports whether data must be compressed
// regardless of the configured threshold, because its own leading
// byte would otherwise collide with the envelope's sentinel range.
func mustForceCompress(data []byte) bool {
	return len(data) > 0 && data[0] >= reservedLow
}
