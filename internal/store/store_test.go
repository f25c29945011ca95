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

package store

import (
	"path/filepath"
	"testing"
)

func openTestEnv(t *testing.T) *Env {
	t.Helper()
	e, err := Open(filepath.Join(t.TempDir(), "test.db"), Options{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { e.Close() })
	return e
}

func TestPutGetDel(t *testing.T) {
	e := openTestEnv(t)
	dbi, err := e.OpenDBI("widgets")
	if err != nil {
		t.Fatalf("OpenDBI: %v", err)
	}

	tx, err := e.Begin(true)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := tx.Put(dbi, []byte("k1"), []byte("v1"), 0); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	tx, err = e.Begin(false)
	if err != nil {
		t.Fatalf("Begin read: %v", err)
	}
	v, err := tx.Get(dbi, []byte("k1"))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(v) != "v1" {
		t.Fatalf("got %q, want v1", v)
	}
	tx.Rollback()

	tx, _ = e.Begin(true)
	if err := tx.Del(dbi, []byte("k1"), nil); err != nil {
		t.Fatalf("Del: %v", err)
	}
	tx.Commit()

	tx, _ = e.Begin(false)
	if _, err := tx.Get(dbi, []byte("k1")); err != ErrNotFound {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
	tx.Rollback()
}

func TestPutNoOverwrite(t *testing.T) {
	e := openTestEnv(t)
	dbi, _ := e.OpenDBI("widgets")

	tx, _ := e.Begin(true)
	if err := tx.Put(dbi, []byte("k"), []byte("v1"), 0); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := tx.Put(dbi, []byte("k"), []byte("v2"), NoOverwrite); err != ErrKeyExist {
		t.Fatalf("got %v, want ErrKeyExist", err)
	}
	tx.Commit()
}

func TestDelValueMatch(t *testing.T) {
	e := openTestEnv(t)
	dbi, _ := e.OpenDBI("widgets")

	tx, _ := e.Begin(true)
	tx.Put(dbi, []byte("k"), []byte("v1"), 0)
	tx.Commit()

	tx, _ = e.Begin(true)
	if err := tx.Del(dbi, []byte("k"), []byte("wrong")); err != ErrNotFound {
		t.Fatalf("got %v, want ErrNotFound for mismatched value", err)
	}
	if err := tx.Del(dbi, []byte("k"), []byte("v1")); err != nil {
		t.Fatalf("Del with matching value: %v", err)
	}
	tx.Commit()
}

func TestDropDatabase(t *testing.T) {
	e := openTestEnv(t)
	dbi, _ := e.OpenDBI("widgets")

	tx, _ := e.Begin(true)
	tx.Put(dbi, []byte("k"), []byte("v"), 0)
	if err := tx.Drop(dbi, false); err != nil {
		t.Fatalf("Drop (truncate): %v", err)
	}
	tx.Commit()

	tx, _ = e.Begin(false)
	if _, err := tx.Get(dbi, []byte("k")); err != ErrNotFound {
		t.Fatalf("got %v, want ErrNotFound after truncate", err)
	}
	tx.Rollback()
}

func TestOpenDBIIdempotent(t *testing.T) {
	e := openTestEnv(t)
	a, err := e.OpenDBI("x")
	if err != nil {
		t.Fatalf("OpenDBI: %v", err)
	}
	b, err := e.OpenDBI("x")
	if err != nil {
		t.Fatalf("OpenDBI again: %v", err)
	}
	if a != b {
		t.Fatalf("got different dbi handles %d, %d for the same name", a, b)
	}
}
