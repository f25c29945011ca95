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
	"github.com/outpostkv/outpost/compr"
	"github.com/outpostkv/outpost/instr"
	"github.com/outpostkv/outpost/internal/store"
)

// RunSync executes a single already-built instruction (typically one
// instr.Builder call's worth, terminated with End) directly against an
// already-open write transaction, without a Worker or HandoffGate: the
// no-worker fast path the original reserves for a single put/del that
// doesn't need batching, where DoWrites's outer loop never blocks
// because there is no worker to hand control to. There is no
// COMPRESSIBLE support on this path for the same reason writer.cpp's
// synchronous path never calls into the compression worker: nothing
// else is running concurrently that could finish the compression, so
// a CompressPending slot would spin forever. Callers that need
// compression should go through a Worker instead.
func RunSync(tx *store.Txn, s *instr.Stream) error {
	cur := instr.NewCursor(s)
	_, err := run(tx, (*compr.Compressor)(nil), nil, s, cur, nil)
	return err
}
