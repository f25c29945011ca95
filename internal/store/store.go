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

// Package store adapts go.etcd.io/bbolt's bucket-and-Tx API to the
// dbi-indexed get/put/del/drop vocabulary that the instruction
// executor in package writer expects, in the same spirit as the
// documented MDBX C API this project's original host binding spoke
// to directly. Everything in this package is "external collaborator"
// plumbing: it owns no policy, just translation.
package store

import (
	"bytes"
	"errors"
	"time"

	bolt "go.etcd.io/bbolt"
)

// Sentinel condition results. These are never fatal; the executor in
// package writer treats them as FAILED_CONDITION, not as errors that
// abort a batch.
var (
	ErrKeyExist = errors.New("store: key already exists")
	ErrNotFound = errors.New("store: key not found")
)

// DBI is a lightweight handle for a bucket, standing in for MDBX_dbi.
// It indexes into the Env's table of bucket names so that the
// instruction stream can refer to databases by a small integer
// rather than repeating their names.
type DBI uint32

// Options mirrors the subset of bbolt.Options this project configures
// directly; the rest (mapSize, flags with no bbolt equivalent) are
// consumed at the env package layer, see env.Options.
type Options struct {
	ReadOnly bool
	Timeout  time.Duration
	// NoSync disables the fsync bbolt otherwise performs on every
	// commit; equivalent to MDBX's safeNoSync/noSync flags.
	NoSync bool
	// NoGrowSync, if true, skips the file growth fsync bbolt performs
	// when extending the backing file (Linux/Darwin only effect).
	NoGrowSync bool
}

// Env wraps a *bolt.DB and the name table used to resolve DBI handles.
type Env struct {
	db    *bolt.DB
	names []string
}

// Open opens (or creates) the bbolt database at path.
func Open(path string, opts Options) (*Env, error) {
	bopts := &bolt.Options{
		Timeout:    opts.Timeout,
		ReadOnly:   opts.ReadOnly,
		NoGrowSync: opts.NoGrowSync,
	}
	db, err := bolt.Open(path, 0664, bopts)
	if err != nil {
		return nil, err
	}
	db.NoSync = opts.NoSync
	return &Env{db: db}, nil
}

// Close closes the underlying database file.
func (e *Env) Close() error {
	return e.db.Close()
}

// Path returns the path the underlying file was opened with.
func (e *Env) Path() string {
	return e.db.Path()
}

// OpenDBI resolves name to a DBI, creating the backing bucket if it
// does not exist yet (mirroring mdbx_dbi_open with MDBX_CREATE).
// It is idempotent: calling it twice for the same name returns the
// same DBI.
func (e *Env) OpenDBI(name string) (DBI, error) {
	for i, n := range e.names {
		if n == name {
			return DBI(i), nil
		}
	}
	err := e.db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(name))
		return err
	})
	if err != nil {
		return 0, err
	}
	e.names = append(e.names, name)
	return DBI(len(e.names) - 1), nil
}

// Begin starts a new transaction, matching mdbx_txn_begin's
// writable/read-only distinction.
func (e *Env) Begin(writable bool) (*Txn, error) {
	tx, err := e.db.Begin(writable)
	if err != nil {
		return nil, err
	}
	return &Txn{tx: tx, env: e}, nil
}

// EnvInfo mirrors the fields MDBX_envinfo exposes that this project cares
// about (see original_source env.cpp EnvWrap::info).
type EnvInfo struct {
	MapSize      int64
	LastPageNo   int64
	MaxReaders   int
	NumReaders   int
}

// Info reports environment-wide statistics.
func (e *Env) Info() EnvInfo {
	st := e.db.Stats()
	return EnvInfo{
		MapSize:    int64(e.dbSize()),
		LastPageNo: int64(st.TxStats.PageCount),
		MaxReaders: 0x7fffffff,
		NumReaders: st.OpenTxN,
	}
}

func (e *Env) dbSize() int64 {
	info, err := statFile(e.db.Path())
	if err != nil {
		return 0
	}
	return info
}

// DBStat mirrors the fields MDBX_stat exposes for a single database
// (see original_source env.cpp EnvWrap::stat/freeStat).
type DBStat struct {
	PageSize        int
	TreeDepth       int
	BranchPageCount int64
	LeafPageCount   int64
	EntryCount      int64
	OverflowPages   int64
}

// Stat reports statistics for the bucket identified by dbi, read
// through tx.
func (tx *Txn) Stat(dbi DBI) (DBStat, error) {
	b, err := tx.bucket(dbi)
	if err != nil {
		return DBStat{}, err
	}
	bs := b.Stats()
	return DBStat{
		PageSize:        bs.LeafAlloc, // approximation; bbolt has no fixed page-size accessor per-bucket
		TreeDepth:       bs.Depth,
		BranchPageCount: int64(bs.BranchPageN),
		LeafPageCount:   int64(bs.LeafPageN),
		EntryCount:      int64(bs.KeyN),
		OverflowPages:   int64(bs.LeafOverflowN + bs.BranchOverflowN),
	}, nil
}

// Txn wraps a *bolt.Tx.
type Txn struct {
	tx  *bolt.Tx
	env *Env
}

func (tx *Txn) bucket(dbi DBI) (*bolt.Bucket, error) {
	if int(dbi) >= len(tx.env.names) {
		return nil, errors.New("store: unknown dbi")
	}
	b := tx.tx.Bucket([]byte(tx.env.names[dbi]))
	if b == nil {
		return nil, bolt.ErrBucketNotFound
	}
	return b, nil
}

// PutFlags mirrors the subset of MDBX put flags that have a bbolt
// equivalent. NoDupData/AppendDup have no meaning against bbolt's
// single-value-per-key buckets; writer's toStorePutFlags drops them
// before they reach this layer.
type PutFlags uint32

const (
	NoOverwrite PutFlags = 1 << iota
	Append
)

// Get fetches the value for key in dbi. Returns ErrNotFound if absent.
// The returned slice aliases bbolt's mmap'd page and is only valid
// until the next write to the same transaction or until the
// transaction ends; callers that need to retain it must copy.
func (tx *Txn) Get(dbi DBI, key []byte) ([]byte, error) {
	b, err := tx.bucket(dbi)
	if err != nil {
		return nil, err
	}
	v := b.Get(key)
	if v == nil {
		return nil, ErrNotFound
	}
	return v, nil
}

// Put stores value under key in dbi.
func (tx *Txn) Put(dbi DBI, key, value []byte, flags PutFlags) error {
	b, err := tx.bucket(dbi)
	if err != nil {
		return err
	}
	if flags&NoOverwrite != 0 {
		if b.Get(key) != nil {
			return ErrKeyExist
		}
	}
	return b.Put(key, value)
}

// Del removes key from dbi. If expected is non-nil, the delete only
// proceeds if the current value matches expected byte-for-byte
// (mirroring mdbx_del(txn, dbi, key, value) duplicate-matching
// semantics, here degraded to plain equality since bbolt has no
// duplicate-value databases).
func (tx *Txn) Del(dbi DBI, key, expected []byte) error {
	b, err := tx.bucket(dbi)
	if err != nil {
		return err
	}
	if expected != nil {
		cur := b.Get(key)
		if cur == nil {
			return ErrNotFound
		}
		if !bytes.Equal(cur, expected) {
			return ErrNotFound
		}
	} else if b.Get(key) == nil {
		return ErrNotFound
	}
	return b.Delete(key)
}

// Drop either deletes the bucket entirely (delete=true, mirroring
// mdbx_drop(txn, dbi, 1)) or truncates its contents while keeping the
// DBI valid (delete=false, mirroring mdbx_drop(txn, dbi, 0)).
func (tx *Txn) Drop(dbi DBI, delete bool) error {
	if int(dbi) >= len(tx.env.names) {
		return errors.New("store: unknown dbi")
	}
	name := []byte(tx.env.names[dbi])
	if err := tx.tx.DeleteBucket(name); err != nil && err != bolt.ErrBucketNotFound {
		return err
	}
	if !delete {
		_, err := tx.tx.CreateBucket(name)
		return err
	}
	return nil
}

// Commit commits the transaction.
func (tx *Txn) Commit() error {
	return tx.tx.Commit()
}

// Rollback aborts the transaction.
func (tx *Txn) Rollback() error {
	return tx.tx.Rollback()
}

// Writable reports whether this is a read-write transaction.
func (tx *Txn) Writable() bool {
	return tx.tx.Writable()
}
