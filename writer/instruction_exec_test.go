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
	"path/filepath"
	"testing"

	"github.com/outpostkv/outpost/instr"
	"github.com/outpostkv/outpost/internal/store"
)

func openTestEnv(t *testing.T) *store.Env {
	t.Helper()
	e, err := store.Open(filepath.Join(t.TempDir(), "test.db"), store.Options{})
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { e.Close() })
	return e
}

func TestRunSyncPut(t *testing.T) {
	env := openTestEnv(t)
	dbi, _ := env.OpenDBI("widgets")

	b := instr.NewBuilder()
	b.Put(uint32(dbi), []byte("k"), []byte("v"), 0)
	b.End()

	tx, err := env.Begin(true)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := RunSync(tx, b.Stream()); err != nil {
		t.Fatalf("RunSync: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	tx, _ = env.Begin(false)
	defer tx.Rollback()
	v, err := tx.Get(dbi, []byte("k"))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(v) != "v" {
		t.Fatalf("got %q, want v", v)
	}
}

func TestRunSyncConditionBlockSkippedWhenKeyExists(t *testing.T) {
	env := openTestEnv(t)
	dbi, _ := env.OpenDBI("widgets")

	tx, _ := env.Begin(true)
	tx.Put(dbi, []byte("k"), []byte("existing"), 0)
	tx.Commit()

	b := instr.NewBuilder()
	b.StartConditionBlockIfAbsent(uint32(dbi), []byte("k"))
	b.Put(uint32(dbi), []byte("k"), []byte("should-not-apply"), 0)
	b.BlockEnd()
	b.End()

	tx, _ = env.Begin(true)
	if err := RunSync(tx, b.Stream()); err != nil {
		t.Fatalf("RunSync: %v", err)
	}
	tx.Commit()

	tx, _ = env.Begin(false)
	defer tx.Rollback()
	v, _ := tx.Get(dbi, []byte("k"))
	if string(v) != "existing" {
		t.Fatalf("condition block should have been skipped, got %q", v)
	}
}

func TestRunSyncConditionBlockRunsWhenKeyAbsent(t *testing.T) {
	env := openTestEnv(t)
	dbi, _ := env.OpenDBI("widgets")

	b := instr.NewBuilder()
	b.StartConditionBlockIfAbsent(uint32(dbi), []byte("k"))
	b.Put(uint32(dbi), []byte("k"), []byte("fresh"), 0)
	b.BlockEnd()
	b.End()

	tx, _ := env.Begin(true)
	if err := RunSync(tx, b.Stream()); err != nil {
		t.Fatalf("RunSync: %v", err)
	}
	tx.Commit()

	tx, _ = env.Begin(false)
	defer tx.Rollback()
	v, err := tx.Get(dbi, []byte("k"))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(v) != "fresh" {
		t.Fatalf("condition block should have run, got %q", v)
	}
}

func TestRunSyncUnknownOpcodeIsProtocolError(t *testing.T) {
	env := openTestEnv(t)
	s := instr.NewStream(nil)
	off := s.Grow(4)
	s.StoreFlags(off, 11) // opcode 11 is not assigned to anything
	s.Grow(4)             // trailing NO_INSTRUCTION_YET

	tx, _ := env.Begin(true)
	defer tx.Rollback()
	err := RunSync(tx, s)
	if err == nil {
		t.Fatalf("expected a ProtocolError for an unknown opcode")
	}
}

func TestRunSyncDelValueRequiresMatch(t *testing.T) {
	env := openTestEnv(t)
	dbi, _ := env.OpenDBI("widgets")

	tx, _ := env.Begin(true)
	tx.Put(dbi, []byte("k"), []byte("v1"), 0)
	tx.Commit()

	b := instr.NewBuilder()
	b.DelValue(uint32(dbi), []byte("k"), []byte("v1"))
	b.End()

	tx, _ = env.Begin(true)
	if err := RunSync(tx, b.Stream()); err != nil {
		t.Fatalf("RunSync: %v", err)
	}
	tx.Commit()

	tx, _ = env.Begin(false)
	defer tx.Rollback()
	if _, err := tx.Get(dbi, []byte("k")); err != store.ErrNotFound {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}
