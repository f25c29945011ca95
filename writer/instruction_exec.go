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

package writer

import (
	"encoding/binary"
	"math"

	"github.com/outpostkv/outpost/compr"
	"github.com/outpostkv/outpost/instr"
	"github.com/outpostkv/outpost/internal/store"
	"github.com/outpostkv/outpost/outpost"
)

// unknownFlagMask is the same narrow sanity check writer.cpp's
// DoWrites runs before touching a word ("flags & 0xf0c0"): a handful
// of bit positions no opcode or modifier ever legitimately sets. It
// is not an exhaustive validator of every bit combination; it exists
// to catch an obviously corrupt or foreign stream early.
const unknownFlagMask = 0xf0c0

func toStorePutFlags(flags uint32) store.PutFlags {
	var f store.PutFlags
	if flags&instr.NoOverwrite != 0 {
		f |= store.NoOverwrite
	}
	if flags&instr.Append != 0 {
		f |= store.Append
	}
	return f
}

// encodeVersionedValue prefixes value with its 8-byte little-endian
// record version, the on-disk shape SET_VERSION/CONDITIONAL_VERSION
// records use.
func encodeVersionedValue(version float64, value []byte) []byte {
	out := make([]byte, 8+len(value))
	binary.LittleEndian.PutUint64(out[:8], math.Float64bits(version))
	copy(out[8:], value)
	return out
}

// decodeVersionedValue splits a stored record into its leading
// version and the value bytes that follow it.
func decodeVersionedValue(raw []byte) (version float64, value []byte) {
	if len(raw) < 8 {
		return 0, raw
	}
	return math.Float64frombits(binary.LittleEndian.Uint64(raw[:8])), raw[8:]
}

// progressSink receives the two events the executor needs to report
// back to its caller: a checkpoint (USER_CALLBACK) and the "ran out
// of ready instructions" condition, which may mean the batch is
// simply done (ok to commit) or that more instructions are expected
// shortly (worth waiting for). A nil progressSink means synchronous,
// single-instruction mode: no waiting, no callbacks.
type progressSink interface {
	// awaitMore is called when the decoder hits a NO_INSTRUCTION_YET
	// word. It blocks until either more instructions might be ready
	// (return true: caller should retry decoding from the same
	// position) or the batch should be considered finished (return
	// false: caller should treat this as the commit point).
	awaitMore(s *instr.Stream, wordOffset int) bool
	userCallback(strictOrder bool)
}

// run decodes and executes instructions from cur against tx until it
// either runs out of ready instructions with nothing more expected
// (returns with delimiter=true, leaving cur.Pos() at the word it
// flipped to TXN_DELIMITER) or hits a fatal error (a ProtocolError,
// or a StoreError for any store failure other than ErrKeyExist/
// ErrNotFound). sink may be nil for single-instruction synchronous
// mode, matching writer.cpp's do...while(worker) loop only repeating
// when a worker is present; run then returns delimiter=false and a nil
// error at the first NO_INSTRUCTION_YET word.
func run(tx *store.Txn, comp *compr.Compressor, gate *HandoffGate, s *instr.Stream, cur *instr.Cursor, sink progressSink) (delimiter bool, err error) {
	var conditionDepth, validatedDepth int
	var setVersion float64
	var hasSetVersion bool

	for {
		start := cur.Pos()
		flags := s.LoadFlags(start)
		cur.Seek(start + 4)

		if flags&unknownFlagMask != 0 {
			return false, outpost.NewProtocolError("unknown flag bits %#x at offset %d", flags, start)
		}

		validated := conditionDepth == validatedDepth
		opcode := instr.Opcode(flags & 0xf)

		var dbi uint32
		var key, value []byte
		hasSetVersion = false

		if flags&instr.HasKey != 0 {
			dbi, key = cur.ReadKey()
			if flags&instr.HasValue != 0 {
				if flags&instr.Compressible != 0 {
					if comp == nil {
						return false, outpost.NewProtocolError("COMPRESSIBLE instruction at offset %d requires a Compressor; RunSync does not support it", start)
					}
					valueOff := cur.Pos()
					awaitCompression(s, valueOff, comp, gate)
					ref := uint32(s.Word64(valueOff))
					value = s.Value(ref)
					cur.Seek(valueOff + 16)
				} else {
					valueOff := cur.Pos()
					ref := uint32(s.Word64(valueOff))
					value = s.Value(ref)
					cur.Seek(valueOff + 8)
				}
			}
			if flags&instr.ConditionalVersion != 0 {
				wantVersion := cur.ReadFloat64()
				raw, gerr := tx.Get(store.DBI(dbi), key)
				if gerr != nil {
					validated = false
				} else {
					gotVersion, _ := decodeVersionedValue(raw)
					validated = validated && wantVersion == gotVersion
				}
			}
			if flags&instr.SetVersion != 0 {
				setVersion = cur.ReadFloat64()
				hasSetVersion = true
			}
			if flags&instr.IfNoExists != 0 && opcode == instr.StartConditionBlock {
				_, gerr := tx.Get(store.DBI(dbi), key)
				validated = validated && gerr == store.ErrNotFound
			}
		}

		if !validated && flags&instr.Conditional != 0 {
			s.FetchOrFlags(start, instr.FinishedOperation|instr.FailedCondition)
			continue
		}

		var opErr error
		switch opcode {
		case instr.NoInstructionYet:
			cur.Seek(start)
			if sink == nil {
				return false, nil
			}
			if sink.awaitMore(s, start) {
				continue
			}
			if s.CompareAndSwapFlags(start, flags, instr.TxnDelimiter) {
				return true, nil
			}
			continue

		case instr.BlockEnd:
			conditionDepth--
			if validatedDepth > conditionDepth {
				validatedDepth--
			}
			if conditionDepth < 0 {
				return false, outpost.NewProtocolError("negative condition depth at offset %d", start)
			}
			continue

		case instr.Put:
			toStore := value
			if hasSetVersion {
				toStore = encodeVersionedValue(setVersion, value)
			}
			opErr = tx.Put(store.DBI(dbi), key, toStore, toStorePutFlags(flags))

		case instr.Del:
			opErr = tx.Del(store.DBI(dbi), key, nil)

		case instr.DelValue:
			opErr = tx.Del(store.DBI(dbi), key, value)

		case instr.StartBlock, instr.StartConditionBlock:
			if !validated {
				opErr = store.ErrNotFound
			} else {
				validatedDepth++
			}
			conditionDepth++

		case instr.UserCallback:
			if sink != nil {
				sink.userCallback(flags&instr.UserCallbackStrictOrder != 0)
			}

		case instr.DropDB:
			opErr = tx.Drop(store.DBI(dbi), flags&instr.DeleteDatabase != 0)

		case instr.PointerNext:
			// The 8 bytes after the flags word hold the byte offset to
			// jump to, not a value to interpret — the same role the
			// original's raw pointer-sized double plays when chaining
			// instruction buffers together.
			cur.Seek(int(s.Word64(cur.Pos())))
			continue

		default:
			return false, outpost.NewProtocolError("unknown opcode %d at offset %d", opcode, start)
		}

		var resultFlags uint32
		if opErr != nil {
			if opErr == store.ErrKeyExist || opErr == store.ErrNotFound {
				resultFlags = instr.FinishedOperation | instr.FailedCondition
			} else {
				return false, outpost.NewStoreError(0, opErr)
			}
		} else {
			resultFlags = instr.FinishedOperation
		}
		s.FetchOrFlags(start, resultFlags)
	}
}

// awaitCompression resolves a COMPRESSIBLE value's hand-off before
// the caller reads it: if nobody has started compressing it yet, it
// does so inline; if the off-goroutine compressor is already working
// on it, it parks on gate until done.
func awaitCompression(s *instr.Stream, valueOff int, comp *compr.Compressor, gate *HandoffGate) {
	statusOff := valueOff + 8
	for {
		switch s.LoadCompressionStatus(statusOff) {
		case instr.CompressionDone:
			return
		case instr.CompressionPending:
			comp.CompressPending(s, valueOff, gate.Signal)
		default: // CompressionProcessing or CompressionBlocked
			if s.CompareAndSwapCompressionStatus(statusOff, instr.CompressionProcessing, instr.CompressionBlocked) {
				gate.WaitWhile(func() bool {
					return s.LoadCompressionStatus(statusOff) == instr.CompressionBlocked
				})
			}
		}
	}
}
