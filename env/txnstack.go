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

package env

import (
	"sync"

	"github.com/outpostkv/outpost/internal/store"
	"github.com/outpostkv/outpost/outpost"
)

// TxnStack models the original beginTxn/commitTxn/abortTxn triad's
// nested-frame bookkeeping for a single goroutine issuing explicit,
// caller-driven write transactions (as opposed to a batch run through
// a Worker). The original can nest a real child mdbx transaction
// inside an outer one, but only when the environment was NOT opened
// MDBX_WRITEMAP; this project's bbolt backend is always effectively
// the WRITEMAP case (its single *bolt.Tx already is the whole
// writable mapped view), so a nested Begin always takes the original's
// "strip TXN_ABORTABLE, share the parent's transaction" branch rather
// than opening a second one. Depth tracks how many logical frames are
// open on top of the one real store.Txn.
type TxnStack struct {
	mu    sync.Mutex
	store *store.Env
	tx    *store.Txn
	depth int
}

func newTxnStack(st *store.Env) *TxnStack {
	return &TxnStack{store: st}
}

func (s *TxnStack) begin(flags uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tx == nil {
		tx, err := s.store.Begin(true)
		if err != nil {
			return outpost.NewStoreError(0, err)
		}
		s.tx = tx
		s.depth = 1
		return nil
	}
	// A frame is already open: this Begin nests inside it and shares
	// the same underlying transaction (flags&TxnAbortable is ignored,
	// matching the WRITEMAP branch discussed in the type doc).
	_ = flags
	s.depth++
	return nil
}

// commit pops one frame. It reports committed=true only when this was
// the outermost frame and the underlying store.Txn was actually
// committed; callers use that to know whether to invalidate anything
// depending on the previous snapshot.
func (s *TxnStack) commit() (committed bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tx == nil {
		return false, outpost.NewConfigurationError("commitTxn: no open transaction")
	}
	s.depth--
	if s.depth > 0 {
		return false, nil
	}
	tx := s.tx
	s.tx = nil
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

func (s *TxnStack) abort() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tx == nil {
		return outpost.NewConfigurationError("abortTxn: no open transaction")
	}
	if s.depth > 1 {
		// Mirrors the original's "Can not abort this transaction" for
		// a non-abortable nested frame: only the outermost frame
		// actually owns the store.Txn, so only it can roll it back.
		s.depth--
		return outpost.NewConfigurationError("cannot abort a nested write transaction frame")
	}
	tx := s.tx
	s.tx = nil
	s.depth = 0
	return tx.Rollback()
}

func (s *TxnStack) current() (*store.Txn, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tx, s.tx != nil
}
