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
	"os"
	"path/filepath"
	"testing"
)

func TestBackupProducesReopenableCopy(t *testing.T) {
	e := openTestEnv(t)
	dbi, _ := e.OpenDBI("widgets")
	tx, _ := e.Begin(true)
	tx.Put(dbi, []byte("k"), []byte("v"), 0)
	tx.Commit()

	backupPath := filepath.Join(t.TempDir(), "backup.db")
	if err := e.Backup(backupPath); err != nil {
		t.Fatalf("Backup: %v", err)
	}
	if _, err := os.Stat(backupPath); err != nil {
		t.Fatalf("backup file missing: %v", err)
	}

	e2, err := Open(backupPath, Options{})
	if err != nil {
		t.Fatalf("reopen backup: %v", err)
	}
	defer e2.Close()
	dbi2, err := e2.OpenDBI("widgets")
	if err != nil {
		t.Fatalf("OpenDBI on backup: %v", err)
	}
	tx2, _ := e2.Begin(false)
	defer tx2.Rollback()
	v, err := tx2.Get(dbi2, []byte("k"))
	if err != nil {
		t.Fatalf("Get on backup: %v", err)
	}
	if string(v) != "v" {
		t.Fatalf("got %q, want v", v)
	}
}
