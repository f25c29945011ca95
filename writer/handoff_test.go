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
	"testing"
	"time"

	"github.com/outpostkv/outpost/instr"
)

func TestHandoffGateWaitForState(t *testing.T) {
	g := NewHandoffGate()
	done := make(chan instr.HandoffState, 1)
	go func() {
		done <- g.WaitForState(instr.HandoffAllowCommit)
	}()
	time.Sleep(10 * time.Millisecond)
	g.SetState(instr.HandoffAllowCommit)
	select {
	case got := <-done:
		if got != instr.HandoffAllowCommit {
			t.Fatalf("got %v, want HandoffAllowCommit", got)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for WaitForState to return")
	}
}

func TestHandoffGateCompareAndSetState(t *testing.T) {
	g := NewHandoffGate()
	if !g.CompareAndSetState(instr.HandoffIdle, instr.HandoffUserHasLock) {
		t.Fatalf("expected CAS from initial state to succeed")
	}
	if g.CompareAndSetState(instr.HandoffIdle, instr.HandoffAllowCommit) {
		t.Fatalf("expected stale CAS to fail")
	}
	if g.State() != instr.HandoffUserHasLock {
		t.Fatalf("got %v, want HandoffUserHasLock", g.State())
	}
}

func TestHandoffGateWaitWhile(t *testing.T) {
	g := NewHandoffGate()
	blocked := true
	done := make(chan struct{})
	go func() {
		g.WaitWhile(func() bool { return blocked })
		close(done)
	}()
	select {
	case <-done:
		t.Fatalf("WaitWhile returned before its condition cleared")
	case <-time.After(20 * time.Millisecond):
	}
	g.mu.Lock()
	blocked = false
	g.mu.Unlock()
	g.Signal()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for WaitWhile to return")
	}
}
