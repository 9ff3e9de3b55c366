// Copyright 2024-2026 The GrepWise Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package sources

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/grepwise/grepwise/internal/util"
)

const registryVersion = 1

// registryFile is the on-disk shape of the source registry.
type registryFile struct {
	Version int      `json:"version"`
	Sources []Source `json:"sources"`
}

// Registry holds source configurations and persists them as one JSON
// snapshot written atomically via temp-file + rename.
type Registry struct {
	mu   sync.RWMutex
	path string
	byID map[string]Source
}

// NewRegistry loads the snapshot at path when it exists; a missing file
// yields an empty registry.
func NewRegistry(path string) (*Registry, error) {
	r := &Registry{path: path, byID: map[string]Source{}}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return r, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read source registry: %w", err)
	}

	var f registryFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode source registry: %w", err)
	}
	for _, src := range f.Sources {
		r.byID[src.ID] = src
	}
	return r, nil
}

func (r *Registry) Create(src Source) (Source, error) {
	src.Normalize()
	if err := src.Validate(); err != nil {
		return Source{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[src.ID]; ok {
		return Source{}, fmt.Errorf("%w: %s", ErrConflict, src.ID)
	}
	r.byID[src.ID] = src
	return src, r.persistLocked()
}

func (r *Registry) Update(src Source) (Source, error) {
	src.Normalize()
	if err := src.Validate(); err != nil {
		return Source{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[src.ID]; !ok {
		return Source{}, fmt.Errorf("%w: %s", ErrNotFound, src.ID)
	}
	r.byID[src.ID] = src
	return src, r.persistLocked()
}

// Upsert creates or replaces a source; used by the admin CLI.
func (r *Registry) Upsert(src Source) (Source, error) {
	src.Normalize()
	if err := src.Validate(); err != nil {
		return Source{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[src.ID] = src
	return src, r.persistLocked()
}

func (r *Registry) Get(id string) (Source, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	src, ok := r.byID[id]
	if !ok {
		return Source{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return src, nil
}

func (r *Registry) Delete(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[id]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(r.byID, id)
	return r.persistLocked()
}

// List returns all sources ordered by name, then id.
func (r *Registry) List() []Source {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Source, 0, len(r.byID))
	for _, src := range r.byID {
		out = append(out, src)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (r *Registry) persistLocked() error {
	f := registryFile{Version: registryVersion}
	for _, src := range r.byID {
		f.Sources = append(f.Sources, src)
	}
	sort.Slice(f.Sources, func(i, j int) bool { return f.Sources[i].ID < f.Sources[j].ID })

	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return err
	}
	return util.WriteFileAtomic(r.path, data)
}
