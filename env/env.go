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
	"encoding/binary"
	"math"

	"github.com/outpostkv/outpost/compr"
	"github.com/outpostkv/outpost/instr"
	"github.com/outpostkv/outpost/internal/store"
	"github.com/outpostkv/outpost/outpost"
	"github.com/outpostkv/outpost/writer"
)

// Env is one open database: the bbolt-backed store, its dictionary
// compressor, the handoff gate and write worker batched writes go
// through, and a read-transaction manager for the fast Get path.
type Env struct {
	opts  Options
	store *store.Env
	comp  *compr.Compressor
	work  *writer.Worker
	read  *readTxnManager
	txns  *TxnStack
}

// Open opens path directly, outside the Registry. Most callers should
// use Registry.Acquire/Release instead so that two Opens of the same
// path share one *store.Env; Open is exposed for tests and for
// single-shot CLI invocations that never need to share a handle.
func Open(opts Options) (*Env, error) {
	if opts.Path == "" {
		return nil, outpost.NewConfigurationError("path is required")
	}
	if opts.MapSize < 0 {
		return nil, outpost.NewConfigurationError("negative map size %d", opts.MapSize)
	}
	st, err := store.Open(opts.Path, store.Options{
		ReadOnly:   opts.ReadOnly,
		Timeout:    opts.Timeout,
		NoSync:     opts.NoSync,
		NoGrowSync: opts.NoGrowSync,
	})
	if err != nil {
		return nil, outpost.NewStoreError(0, err)
	}
	return newEnv(opts, st), nil
}

func newEnv(opts Options, st *store.Env) *Env {
	comp := compr.NewCompressor(opts.Dictionary, opts.CompressionThreshold)
	gate := writer.NewHandoffGate()
	e := &Env{
		opts:  opts,
		store: st,
		comp:  comp,
		work:  writer.NewWorker(st, comp, gate, opts.Logger),
		read:  newReadTxnManager(st),
		txns:  newTxnStack(st),
	}
	return e
}

// Close releases the read-transaction manager and closes the
// underlying file. Callers that obtained Env from a Registry should
// call Registry.Release instead.
func (e *Env) Close() error {
	if err := e.read.reset(); err != nil {
		if e.opts.Logger != nil {
			e.opts.Logger.Printf("outpost: read txn reset on close: %v", err)
		}
	}
	return e.store.Close()
}

// OpenDBI resolves name to a dbi handle, creating the backing bucket
// if needed. See store.Env.OpenDBI. MaxDBs is not enforced: bbolt has
// no fixed dbi table to size up front the way mdbx_env_set_maxdbs
// preallocates, so there is nothing for the limit to bound.
func (e *Env) OpenDBI(name string) (store.DBI, error) {
	return e.store.OpenDBI(name)
}

// Get fetches the current value for key in dbi through the shared
// read-transaction manager, decompressing it if it carries a
// compression envelope, and returns a copy safe to retain. It does not
// strip a SET_VERSION prefix; use GetVersioned for those records.
func (e *Env) Get(dbi store.DBI, key []byte) ([]byte, error) {
	raw, err := e.read.get(dbi, key)
	if err != nil {
		return nil, err
	}
	return e.comp.Decompress(raw)
}

// GetVersioned is Get for a record stored with SET_VERSION.
func (e *Env) GetVersioned(dbi store.DBI, key []byte) (version float64, value []byte, err error) {
	raw, err := e.read.get(dbi, key)
	if err != nil {
		return 0, nil, err
	}
	version, rest := splitVersion(raw)
	value, err = e.comp.Decompress(rest)
	return version, value, err
}

func splitVersion(raw []byte) (float64, []byte) {
	if len(raw) < 8 {
		return 0, raw
	}
	return math.Float64frombits(binary.LittleEndian.Uint64(raw[:8])), raw[8:]
}

// Put stores value under key in dbi synchronously, using the
// single-instruction fast path (writer.RunSync): no worker, no
// compression hand-off, and either the open BeginWriteTxn frame or,
// if there is none, one short-lived write transaction (see runSync).
func (e *Env) Put(dbi store.DBI, key, value []byte, flags uint32) error {
	b := instr.NewBuilder()
	b.Put(uint32(dbi), key, value, flags)
	b.End()
	return e.runSync(b.Stream())
}

// Del removes key from dbi synchronously.
func (e *Env) Del(dbi store.DBI, key []byte) error {
	b := instr.NewBuilder()
	b.Del(uint32(dbi), key)
	b.End()
	return e.runSync(b.Stream())
}

// runSync executes a single already-built instruction against
// whichever explicit BeginWriteTxn frame the caller currently has
// open, or against a short-lived transaction of its own otherwise.
func (e *Env) runSync(s *instr.Stream) error {
	if tx, ok := e.txns.current(); ok {
		return writer.RunSync(tx, s)
	}
	tx, err := e.store.Begin(true)
	if err != nil {
		return outpost.NewStoreError(0, err)
	}
	if err := writer.RunSync(tx, s); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	return e.invalidateReadTxn()
}

// invalidateReadTxn resets the cached read transaction after a write
// commits, mirroring EnvWrap::resetCurrentReadTxn's call from every
// commit path (env.cpp:675-678) so the next Get renews onto the
// snapshot that includes the write instead of reusing one opened
// before it.
func (e *Env) invalidateReadTxn() error {
	if err := e.read.reset(); err != nil {
		if e.opts.Logger != nil {
			e.opts.Logger.Printf("outpost: read txn reset after commit: %v", err)
		}
		return err
	}
	return nil
}

// Submit drains a fully-built instruction stream through the Env's
// write worker, blocking until the worker commits (or the batch fails
// a ProtocolError). onCallback, if non-nil, fires for every
// USER_CALLBACK instruction the worker executes.
func (e *Env) Submit(s *instr.Stream, onCallback writer.ProgressFunc) error {
	e.work.Start(s, onCallback)
	if err := e.work.Wait(); err != nil {
		return err
	}
	return e.invalidateReadTxn()
}

// Acknowledge unblocks a Submit currently parked on a strict-order
// USER_CALLBACK.
func (e *Env) Acknowledge() {
	e.work.Acknowledge()
}

// BeginWriteTxn, CommitTxn and AbortTxn expose the explicit
// multi-operation transaction control the original binding's
// beginTxn/commitTxn/abortTxn triad provides, layered over TxnStack.
func (e *Env) BeginWriteTxn(flags uint32) error { return e.txns.begin(flags) }
func (e *Env) AbortTxn() error                  { return e.txns.abort() }

// CommitTxn commits the current explicit write-transaction frame (or,
// for a nested frame, just pops it). When it actually commits the
// underlying store.Txn, it also invalidates the cached read
// transaction so subsequent Gets observe the write.
func (e *Env) CommitTxn() error {
	committed, err := e.txns.commit()
	if err != nil {
		return err
	}
	if !committed {
		return nil
	}
	return e.invalidateReadTxn()
}

// Txn returns the transaction an explicit BeginWriteTxn frame is
// currently operating on, for callers that want to issue raw
// store.Txn calls (Put/Get/Del/Drop) inside it.
func (e *Env) Txn() (*store.Txn, bool) { return e.txns.current() }

// ResetReadTxn releases the cached read transaction so the
// environment can reclaim pages it was pinning, mirroring
// EnvWrap::resetCurrentReadTxn.
func (e *Env) ResetReadTxn() error { return e.read.reset() }

// Stat reports statistics for dbi.
func (e *Env) Stat(dbi store.DBI) (store.DBStat, error) {
	tx, err := e.store.Begin(false)
	if err != nil {
		return store.DBStat{}, outpost.NewStoreError(0, err)
	}
	defer tx.Rollback()
	return tx.Stat(dbi)
}

// Info reports environment-wide statistics.
func (e *Env) Info() store.EnvInfo { return e.store.Info() }

// Backup writes a consistent snapshot of the whole environment to
// path, the equivalent of the original's (dead, commented-out)
// EnvWrap::copy — see DESIGN.md Open Question 5.
func (e *Env) Backup(path string) error {
	return e.store.Backup(path)
}
