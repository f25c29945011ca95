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
)

// readTxnManager is the Go counterpart of EnvWrap::getReadTxn/
// resetCurrentReadTxn: it keeps a single read transaction open and
// reuses it across Get calls instead of paying mdbx_txn_begin's cost
// on every read, only starting a fresh one when the cached one has
// been explicitly reset. bbolt has no renew() distinct from "keep the
// Tx you already have", so the original's readTxnRenewed flag
// collapses here to simply: is there a cached transaction at all.
type readTxnManager struct {
	mu    sync.Mutex
	store *store.Env
	tx    *store.Txn
}

func newReadTxnManager(st *store.Env) *readTxnManager {
	return &readTxnManager{store: st}
}

func (m *readTxnManager) acquire() (*store.Txn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.tx != nil {
		return m.tx, nil
	}
	tx, err := m.store.Begin(false)
	if err != nil {
		return nil, err
	}
	m.tx = tx
	return tx, nil
}

// get fetches key from dbi, copying the result so it remains valid
// after the cached transaction is later reset.
func (m *readTxnManager) get(dbi store.DBI, key []byte) ([]byte, error) {
	tx, err := m.acquire()
	if err != nil {
		return nil, err
	}
	v, err := tx.Get(dbi, key)
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), v...), nil
}

// reset rolls back the cached read transaction, releasing whatever
// pages it was pinning; the next get call opens a fresh one.
func (m *readTxnManager) reset() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.tx == nil {
		return nil
	}
	tx := m.tx
	m.tx = nil
	return tx.Rollback()
}
