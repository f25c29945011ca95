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

import (
	"testing"

	"github.com/outpostkv/outpost/instr"
)

func TestNewCompressorAlignsDictionary(t *testing.T) {
	c := NewCompressor(make([]byte, 13), 64)
	if len(c.dictionary) != 8 {
		t.Fatalf("got dictionary length %d, want 8", len(c.dictionary))
	}
}

func TestCompressBelowThresholdSkipsCompression(t *testing.T) {
	c := NewCompressor(nil, 64)
	_, ok := c.Compress([]byte("short"))
	if ok {
		t.Fatalf("expected a value below the threshold to be left uncompressed")
	}
}

func TestCompressPendingNoOpWhenAlreadyDone(t *testing.T) {
	c := NewCompressor(nil, 64)
	s := instr.NewStream(nil)
	valOff := s.Grow(16)
	ref := s.NewValue([]byte("hello"))
	s.SetWord64(valOff, uint64(ref))
	s.StoreCompressionStatus(valOff+8, instr.CompressionDone)

	notified := false
	c.CompressPending(s, valOff, func() { notified = true })

	if got := s.Value(ref); string(got) != "hello" {
		t.Fatalf("value should be untouched, got %q", got)
	}
	if notified {
		t.Fatalf("notify should not fire when nothing was waiting")
	}
}

func TestCompressPendingOnlyOneClaimerWins(t *testing.T) {
	c := NewCompressor(nil, 1<<20) // threshold high enough nothing compresses
	s := instr.NewStream(nil)
	valOff := s.Grow(16)
	ref := s.NewValue([]byte("hello"))
	s.SetWord64(valOff, uint64(ref))
	s.StoreCompressionStatus(valOff+8, instr.CompressionPending)

	calls := 0
	for i := 0; i < 2; i++ {
		c.CompressPending(s, valOff, func() { calls++ })
	}
	if got := s.LoadCompressionStatus(valOff + 8); got != instr.CompressionDone {
		t.Fatalf("got status %v, want CompressionDone", got)
	}
	if calls != 0 {
		t.Fatalf("notify should not fire when nobody was parked waiting, got %d calls", calls)
	}
}
