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

// Builder assembles an instruction Stream one call at a time. It
// stands in for the out-of-scope host encoder (in the original
// implementation, generated JS-side glue translating batched
// put/remove calls into this wire format); tests, env's Put/Del and
// the CLI's batch sub-command use it directly instead of talking to a
// remote caller.
//
// Builder is not safe for concurrent use. Once built, the resulting
// Stream is safe to hand to a Worker: the flags word of every
// instruction is written last, with an atomic store, so a worker
// already polling the tail of the buffer never observes a half
// written instruction.
type Builder struct {
	s              *Stream
	conditionDepth int
}

// NewBuilder returns an empty Builder.
func NewBuilder() *Builder {
	return &Builder{s: NewStream(nil)}
}

// Stream returns the Stream assembled so far. Callers typically call
// this once after End().
func (b *Builder) Stream() *Stream { return b.s }

// Note: PUT/DEL/DEL_VALUE/DROP_DB/USER_CALLBACK's opcode values
// already carry the CONDITIONAL bit (0x8) where the original
// implementation wants them gated by an enclosing condition block;
// Builder does not OR it in separately. Doing so would corrupt
// START_BLOCK/START_CONDITION_BLOCK (whose opcode values do not
// include that bit) into an unrecognized opcode.

// writeKeyTail appends the dbi/key-length/key-bytes/padding fields
// common to every HAS_KEY instruction and returns the 8-aligned
// offset immediately after them, where a value-length word (in the
// last 4 bytes of the padding) and whatever value/version fields
// follow can be written.
func (b *Builder) writeKeyTail(dbi uint32, key []byte) (start, after int) {
	start = b.s.Grow(8)
	b.s.SetWord32(start, dbi)
	b.s.SetWord32(start+4, uint32(len(key)))
	keyStart := b.s.Grow(len(key))
	copy(b.s.Bytes()[keyStart:], key)
	after = alignDown8(keyStart + len(key) + 16)
	if cur := b.s.Len(); after > cur {
		b.s.Grow(after - cur)
	}
	return start, after
}

func (b *Builder) writeValue(after int, value []byte) {
	b.s.SetWord32(after-4, uint32(len(value)))
	valOff := b.s.Grow(8)
	ref := b.s.NewValue(append([]byte(nil), value...))
	b.s.SetWord64(valOff, uint64(ref))
}

func (b *Builder) writeCompressibleValue(after int, value []byte) {
	b.s.SetWord32(after-4, uint32(len(value)))
	valOff := b.s.Grow(16)
	ref := b.s.NewValue(append([]byte(nil), value...))
	b.s.SetWord64(valOff, uint64(ref))
	b.s.StoreCompressionStatus(valOff+8, CompressionPending)
}

// Put appends a PUT instruction. putFlags is OR'd in verbatim and is
// expected to be built from NoOverwrite/NoDupData/Append/AppendDup.
func (b *Builder) Put(dbi uint32, key, value []byte, putFlags uint32) {
	instStart := b.s.Grow(4)
	_, after := b.writeKeyTail(dbi, key)
	b.writeValue(after, value)
	flags := uint32(Put) | HasKey | HasValue | putFlags
	b.s.StoreFlags(instStart, flags)
}

// PutVersioned appends a PUT instruction carrying an 8-byte record
// version (SET_VERSION), written immediately after the value fields.
func (b *Builder) PutVersioned(dbi uint32, key, value []byte, putFlags uint32, version float64) {
	instStart := b.s.Grow(4)
	_, after := b.writeKeyTail(dbi, key)
	b.writeValue(after, value)
	verOff := b.s.Grow(8)
	b.s.SetFloat64(verOff, version)
	flags := uint32(Put) | HasKey | HasValue | SetVersion | putFlags
	b.s.StoreFlags(instStart, flags)
}

// PutCompressible appends a PUT instruction whose value is eligible
// for opportunistic off-goroutine compression. The value starts out
// stored raw with its compression slot set to CompressionPending;
// compr.Compressor.CompressPending (called off-goroutine, or by the
// write worker itself, inline, if nobody claimed it first) compresses
// it before the executor reads it back.
func (b *Builder) PutCompressible(dbi uint32, key, value []byte, putFlags uint32) {
	instStart := b.s.Grow(4)
	_, after := b.writeKeyTail(dbi, key)
	b.writeCompressibleValue(after, value)
	flags := uint32(Put) | HasKey | HasValue | Compressible | putFlags
	b.s.StoreFlags(instStart, flags)
}

// Del appends a DEL instruction (delete by key only, any value).
func (b *Builder) Del(dbi uint32, key []byte) {
	instStart := b.s.Grow(4)
	b.writeKeyTail(dbi, key)
	flags := uint32(Del) | HasKey
	b.s.StoreFlags(instStart, flags)
}

// DelValue appends a DEL_VALUE instruction: delete key only if its
// current value equals value byte-for-byte.
func (b *Builder) DelValue(dbi uint32, key, value []byte) {
	instStart := b.s.Grow(4)
	_, after := b.writeKeyTail(dbi, key)
	b.writeValue(after, value)
	flags := uint32(DelValue) | HasKey | HasValue
	b.s.StoreFlags(instStart, flags)
}

// StartBlock appends an unconditional block marker: the instructions
// between it and the matching BlockEnd always execute.
func (b *Builder) StartBlock() {
	instStart := b.s.Grow(4)
	b.s.StoreFlags(instStart, uint32(StartBlock))
	b.conditionDepth++
}

// StartConditionBlockIfAbsent appends a condition block gated on key
// being absent from dbi (IF_NO_EXISTS): the block's instructions only
// run if the key does not exist at the time the executor reaches this
// instruction.
func (b *Builder) StartConditionBlockIfAbsent(dbi uint32, key []byte) {
	instStart := b.s.Grow(4)
	b.writeKeyTail(dbi, key)
	flags := uint32(StartConditionBlock) | HasKey | IfNoExists
	b.s.StoreFlags(instStart, flags)
	b.conditionDepth++
}

// StartConditionBlockVersion appends a condition block gated on the
// current value stored under key in dbi carrying exactly version
// (CONDITIONAL_VERSION): the block only runs if the stored record's
// leading version prefix matches.
func (b *Builder) StartConditionBlockVersion(dbi uint32, key []byte, version float64) {
	instStart := b.s.Grow(4)
	_, after := b.writeKeyTail(dbi, key)
	verOff := b.s.Grow(8)
	_ = after
	b.s.SetFloat64(verOff, version)
	flags := uint32(StartConditionBlock) | HasKey | ConditionalVersion
	b.s.StoreFlags(instStart, flags)
	b.conditionDepth++
}

// BlockEnd closes the innermost open block.
func (b *Builder) BlockEnd() {
	instStart := b.s.Grow(4)
	b.s.StoreFlags(instStart, uint32(BlockEnd))
	if b.conditionDepth > 0 {
		b.conditionDepth--
	}
}

// UserCallback appends a progress checkpoint. If strictOrder is true
// the worker blocks until the caller has acknowledged every
// instruction up to and including this one before continuing.
func (b *Builder) UserCallback(strictOrder bool) {
	instStart := b.s.Grow(4)
	flags := uint32(UserCallback)
	if strictOrder {
		flags |= UserCallbackStrictOrder
	}
	b.s.StoreFlags(instStart, flags)
}

// DropDB appends a DROP_DB instruction. If deleteDB is true the
// database (bucket) itself is removed; otherwise only its contents
// are truncated and the dbi handle remains valid.
func (b *Builder) DropDB(dbi uint32, deleteDB bool) {
	instStart := b.s.Grow(4)
	// DROP_DB is decoded through the same HAS_KEY path as every other
	// keyed opcode, so it carries an (empty) key-length/padding tail
	// even though only dbi matters to it.
	b.writeKeyTail(dbi, nil)
	flags := uint32(DropDB) | HasKey
	if deleteDB {
		flags |= DeleteDatabase
	}
	b.s.StoreFlags(instStart, flags)
}

// End appends the NO_INSTRUCTION_YET sentinel word that marks the end
// of the valid portion of the stream: a Worker draining past the last
// real instruction stops here instead of reading uninitialized bytes.
func (b *Builder) End() {
	b.s.Grow(4)
}
