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

// Package writer implements the batched write path: a background
// Worker that drains an instr.Stream inside one long-lived write
// transaction, a synchronous fast path for single-instruction writes
// that reuses an already-open transaction, and the instruction-decode
// state machine the two share.
package writer

import (
	"sync"

	"github.com/outpostkv/outpost/instr"
)

// HandoffGate is the single lock/condition-variable pair an Env's
// caller goroutines and its write Worker hand control back and
// forth across, the same way original_source/env.cpp's single
// writingLock/writingCond pthread pair serializes both the
// caller/worker handoff protocol and off-goroutine compression
// completion signaling. tenant/dcache.Cache wires its cond the same
// way: cond.L set to the paired mutex once, at construction.
type HandoffGate struct {
	mu    sync.Mutex
	cond  sync.Cond
	state instr.HandoffState
}

// NewHandoffGate returns a HandoffGate in the idle state.
func NewHandoffGate() *HandoffGate {
	g := &HandoffGate{}
	g.cond.L = &g.mu
	return g
}

// State returns the current handoff state.
func (g *HandoffGate) State() instr.HandoffState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// SetState sets the handoff state and wakes every goroutine parked in
// Wait.
func (g *HandoffGate) SetState(s instr.HandoffState) {
	g.mu.Lock()
	g.state = s
	g.cond.Broadcast()
	g.mu.Unlock()
}

// WaitForState blocks until the handoff state equals one of want, and
// returns it.
func (g *HandoffGate) WaitForState(want ...instr.HandoffState) instr.HandoffState {
	g.mu.Lock()
	defer g.mu.Unlock()
	for {
		for _, w := range want {
			if g.state == w {
				return g.state
			}
		}
		g.cond.Wait()
	}
}

// CompareAndSetState atomically transitions the state from old to new
// and reports whether it did; on success it also wakes waiters.
func (g *HandoffGate) CompareAndSetState(old, new instr.HandoffState) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state != old {
		return false
	}
	g.state = new
	g.cond.Broadcast()
	return true
}

// Signal wakes every goroutine parked in WaitWhile without otherwise
// touching the handoff state. compr.Compressor.CompressPending's
// notify callback is bound to this so a writer blocked on a pending
// compression wakes as soon as it completes.
func (g *HandoffGate) Signal() {
	g.mu.Lock()
	g.cond.Broadcast()
	g.mu.Unlock()
}

// WaitWhile blocks, releasing the gate's lock, for as long as cond
// returns true; cond is evaluated under the lock.
func (g *HandoffGate) WaitWhile(cond func() bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for cond() {
		g.cond.Wait()
	}
}
