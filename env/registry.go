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
	"github.com/outpostkv/outpost/outpost"
)

// Registry deduplicates Opens of the same path the way the original
// implementation's process-wide EnvWrap::envs vector (guarded by
// envsLock) does: two callers naming the same file get the same
// *Env, refcounted, rather than two bbolt.DB handles racing over one
// file's advisory lock.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*registryEntry
}

type registryEntry struct {
	env  *Env
	opts Options
	refs int
}

// NewRegistry returns an empty Registry. Most programs only need one;
// it is a constructor rather than a package-level singleton so tests
// can use an isolated instance per test.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*registryEntry)}
}

// Acquire returns the shared *Env for opts.Path, opening it if this is
// the first caller. A later Acquire for the same path with
// incompatible options (see Options.compatible) fails with a
// ConfigurationError rather than silently reusing the first opener's
// geometry — see DESIGN.md Open Question 3.
func (r *Registry) Acquire(opts Options) (*Env, error) {
	if opts.Path == "" {
		return nil, outpost.NewConfigurationError("path is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[opts.Path]; ok {
		if !e.opts.compatible(opts) {
			return nil, outpost.NewConfigurationError(
				"%s already open with incompatible options (readOnly=%v mapSize=%d maxDBs=%d)",
				opts.Path, e.opts.ReadOnly, e.opts.MapSize, e.opts.MaxDBs)
		}
		e.refs++
		return e.env, nil
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
	e := newEnv(opts, st)
	r.entries[opts.Path] = &registryEntry{env: e, opts: opts, refs: 1}
	return e, nil
}

// Release drops one reference to the Env at path, closing the
// underlying file once the last reference is gone.
func (r *Registry) Release(path string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[path]
	if !ok {
		return outpost.NewConfigurationError("%s is not open", path)
	}
	e.refs--
	if e.refs > 0 {
		return nil
	}
	delete(r.entries, path)
	return e.env.Close()
}
