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

// Package env ties internal/store, compr and writer together into the
// public environment handle: one open database file, its dictionary
// compressor, its write worker and handoff gate, and a process-wide
// registry so that two callers opening the same path share one
// underlying bbolt.DB rather than fighting over its file lock.
package env

import (
	"time"

	"github.com/outpostkv/outpost/outpost"
)

// Options configures Open/Registry.Acquire. It mirrors the subset of
// mdbx_env_set_mapsize/mdbx_env_set_maxdbs/MDBX_opts this project's
// original host binding exposed, plus the compression parameters the
// original wired through its own Compression wrapper type.
type Options struct {
	// Path is the database file. Required.
	Path string
	// MapSize is the declared map size. bbolt grows its mmap on
	// demand, so it is not mmap'd up front the way MDBX does, and
	// Open does not check the file against it either: a negative
	// value is rejected, and Registry.Acquire compares it between
	// openers of the same path (see compatible).
	MapSize int64
	// MaxDBs is the declared bucket budget. OpenDBI does not enforce
	// it (see Env.OpenDBI); Registry.Acquire compares it between
	// openers of the same path.
	MaxDBs int
	ReadOnly bool
	Timeout  time.Duration
	NoSync   bool
	NoGrowSync bool

	// Dictionary primes every compressed block; see compr.NewCompressor.
	Dictionary []byte
	// CompressionThreshold is the minimum value size worth compressing.
	CompressionThreshold int

	Logger outpost.Logger
}

// OptionsFromFlags builds Options out of the handful of settings
// cmd/outpostctl exposes as command-line flags, keeping the flag ->
// Options translation next to the type it populates rather than
// duplicated in main.go.
func OptionsFromFlags(path string, mapSize int64, logger outpost.Logger) Options {
	return Options{
		Path:    path,
		MapSize: mapSize,
		Logger:  logger,
	}
}

// compatible reports whether other describes an environment that can
// share this Options' already-open *store.Env: same read-only mode
// and the same declared capacity. Anything else risks one caller
// silently operating under assumptions (map size headroom, a bucket
// budget) the env wasn't actually opened with.
func (o Options) compatible(other Options) bool {
	return o.ReadOnly == other.ReadOnly &&
		o.MapSize == other.MapSize &&
		o.MaxDBs == other.MaxDBs
}
