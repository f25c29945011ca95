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
	"path/filepath"
	"testing"

	"github.com/outpostkv/outpost/instr"
)

func openTestEnv(t *testing.T) *Env {
	t.Helper()
	e, err := Open(Options{Path: filepath.Join(t.TempDir(), "test.db")})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { e.Close() })
	return e
}

func TestPutGetRoundTrip(t *testing.T) {
	e := openTestEnv(t)
	dbi, err := e.OpenDBI("widgets")
	if err != nil {
		t.Fatalf("OpenDBI: %v", err)
	}
	if err := e.Put(dbi, []byte("k"), []byte("v"), 0); err != nil {
		t.Fatalf("Put: %v", err)
	}
	v, err := e.Get(dbi, []byte("k"))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(v) != "v" {
		t.Fatalf("got %q, want v", v)
	}
}

func TestGetVersioned(t *testing.T) {
	e := openTestEnv(t)
	dbi, _ := e.OpenDBI("widgets")

	b := instr.NewBuilder()
	b.PutVersioned(uint32(dbi), []byte("k"), []byte("v"), 0, 7)
	b.End()
	if err := e.Submit(b.Stream(), nil); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	version, value, err := e.GetVersioned(dbi, []byte("k"))
	if err != nil {
		t.Fatalf("GetVersioned: %v", err)
	}
	if version != 7 {
		t.Fatalf("got version %v, want 7", version)
	}
	if string(value) != "v" {
		t.Fatalf("got value %q, want v", value)
	}
}

func TestGetObservesPriorPutThroughCachedReadTxn(t *testing.T) {
	e := openTestEnv(t)
	dbi, _ := e.OpenDBI("widgets")

	// Prime the cached read transaction on a snapshot that predates
	// the Put below; it must not be reused once the write commits.
	if _, err := e.Get(dbi, []byte("k")); err == nil {
		t.Fatalf("expected ErrNotFound before the key is written")
	}
	if err := e.Put(dbi, []byte("k"), []byte("v"), 0); err != nil {
		t.Fatalf("Put: %v", err)
	}
	v, err := e.Get(dbi, []byte("k"))
	if err != nil {
		t.Fatalf("Get after Put: %v", err)
	}
	if string(v) != "v" {
		t.Fatalf("got %q, want v (stale cached read txn)", v)
	}
}

func TestGetObservesPriorSubmitThroughCachedReadTxn(t *testing.T) {
	e := openTestEnv(t)
	dbi, _ := e.OpenDBI("widgets")

	if _, err := e.Get(dbi, []byte("k")); err == nil {
		t.Fatalf("expected ErrNotFound before the key is written")
	}
	b := instr.NewBuilder()
	b.Put(uint32(dbi), []byte("k"), []byte("v"), 0)
	b.End()
	if err := e.Submit(b.Stream(), nil); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	v, err := e.Get(dbi, []byte("k"))
	if err != nil {
		t.Fatalf("Get after Submit: %v", err)
	}
	if string(v) != "v" {
		t.Fatalf("got %q, want v (stale cached read txn)", v)
	}
}

func TestGetObservesExplicitTxnFrameCommit(t *testing.T) {
	e := openTestEnv(t)
	dbi, _ := e.OpenDBI("widgets")

	if _, err := e.Get(dbi, []byte("k")); err == nil {
		t.Fatalf("expected ErrNotFound before the key is written")
	}
	if err := e.BeginWriteTxn(0); err != nil {
		t.Fatalf("BeginWriteTxn: %v", err)
	}
	if err := e.Put(dbi, []byte("k"), []byte("v"), 0); err != nil {
		t.Fatalf("Put inside explicit txn: %v", err)
	}
	if err := e.CommitTxn(); err != nil {
		t.Fatalf("CommitTxn: %v", err)
	}
	v, err := e.Get(dbi, []byte("k"))
	if err != nil {
		t.Fatalf("Get after CommitTxn: %v", err)
	}
	if string(v) != "v" {
		t.Fatalf("got %q, want v (stale cached read txn)", v)
	}
}

func TestDelRemovesKey(t *testing.T) {
	e := openTestEnv(t)
	dbi, _ := e.OpenDBI("widgets")
	e.Put(dbi, []byte("k"), []byte("v"), 0)
	if err := e.Del(dbi, []byte("k")); err != nil {
		t.Fatalf("Del: %v", err)
	}
	if _, err := e.Get(dbi, []byte("k")); err == nil {
		t.Fatalf("expected an error reading a deleted key")
	}
}

func TestExplicitTxnFrameCommit(t *testing.T) {
	e := openTestEnv(t)
	dbi, _ := e.OpenDBI("widgets")

	if err := e.BeginWriteTxn(0); err != nil {
		t.Fatalf("BeginWriteTxn: %v", err)
	}
	if err := e.Put(dbi, []byte("k"), []byte("v"), 0); err != nil {
		t.Fatalf("Put inside explicit txn: %v", err)
	}
	if err := e.CommitTxn(); err != nil {
		t.Fatalf("CommitTxn: %v", err)
	}
	if v, err := e.Get(dbi, []byte("k")); err != nil || string(v) != "v" {
		t.Fatalf("got (%q, %v), want (v, nil)", v, err)
	}
}

func TestExplicitTxnFrameAbort(t *testing.T) {
	e := openTestEnv(t)
	dbi, _ := e.OpenDBI("widgets")

	if err := e.BeginWriteTxn(0); err != nil {
		t.Fatalf("BeginWriteTxn: %v", err)
	}
	e.Put(dbi, []byte("k"), []byte("v"), 0)
	if err := e.AbortTxn(); err != nil {
		t.Fatalf("AbortTxn: %v", err)
	}
	if _, err := e.Get(dbi, []byte("k")); err == nil {
		t.Fatalf("expected the aborted write to be rolled back")
	}
}

func TestNestedTxnFrameCannotAbortIndependently(t *testing.T) {
	e := openTestEnv(t)
	e.BeginWriteTxn(instr.TxnAbortable)
	e.BeginWriteTxn(instr.TxnAbortable)
	if err := e.AbortTxn(); err == nil {
		t.Fatalf("expected aborting a nested frame to fail")
	}
	// AbortTxn still closed the nested frame; only the outer frame's
	// real transaction remains to be committed.
	if err := e.CommitTxn(); err != nil {
		t.Fatalf("commit outer frame: %v", err)
	}
}

func TestRegistryAcquireSharesEnv(t *testing.T) {
	r := NewRegistry()
	path := filepath.Join(t.TempDir(), "shared.db")

	e1, err := r.Acquire(Options{Path: path})
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	e2, err := r.Acquire(Options{Path: path})
	if err != nil {
		t.Fatalf("Acquire again: %v", err)
	}
	if e1 != e2 {
		t.Fatalf("expected the same *Env for repeated Acquire calls")
	}
	if err := r.Release(path); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if err := r.Release(path); err != nil {
		t.Fatalf("final Release: %v", err)
	}
}

func TestRegistryRejectsIncompatibleOptions(t *testing.T) {
	r := NewRegistry()
	path := filepath.Join(t.TempDir(), "shared.db")

	if _, err := r.Acquire(Options{Path: path, MapSize: 1024}); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer r.Release(path)

	if _, err := r.Acquire(Options{Path: path, MapSize: 2048}); err == nil {
		t.Fatalf("expected a ConfigurationError for mismatched MapSize")
	}
}

func TestBackupAndRestore(t *testing.T) {
	e := openTestEnv(t)
	dbi, _ := e.OpenDBI("widgets")
	e.Put(dbi, []byte("k"), []byte("v"), 0)

	dst := filepath.Join(t.TempDir(), "backup.db")
	if err := e.Backup(dst); err != nil {
		t.Fatalf("Backup: %v", err)
	}

	restored, err := Open(Options{Path: dst})
	if err != nil {
		t.Fatalf("Open backup: %v", err)
	}
	defer restored.Close()
	rdbi, err := restored.OpenDBI("widgets")
	if err != nil {
		t.Fatalf("OpenDBI on backup: %v", err)
	}
	v, err := restored.Get(rdbi, []byte("k"))
	if err != nil || string(v) != "v" {
		t.Fatalf("got (%q, %v), want (v, nil)", v, err)
	}
}
