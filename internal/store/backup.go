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

import "os"

// Backup writes a consistent point-in-time copy of the whole
// environment to path, via a read transaction's Tx.WriteTo. This is
// the equivalent of mdbx_env_copy (and of the original's dead,
// commented-out EnvWrap::copy): a hot backup that never blocks
// writers, since bbolt readers never block the writer and vice versa.
func (e *Env) Backup(path string) error {
	tx, err := e.db.Begin(false)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0664)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = tx.WriteTo(f)
	return err
}
