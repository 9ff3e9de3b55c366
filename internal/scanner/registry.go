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

package scanner

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"syscall"

	"github.com/grepwise/grepwise/internal/util"
)

// Entry is the persisted read position of one tailed file.
type Entry struct {
	Inode  uint64 `json:"inode"`
	Offset int64  `json:"offset"`
}

// Registry persists file offsets so tailing resumes where it stopped
// across restarts. Rotation is detected by inode change or truncation.
type Registry struct {
	mu      sync.Mutex
	path    string
	entries map[string]Entry
	dirty   bool
}

// NewRegistry loads the offset snapshot at path; a missing file yields an
// empty registry.
func NewRegistry(path string) (*Registry, error) {
	r := &Registry{path: path, entries: map[string]Entry{}}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return r, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read offset registry: %w", err)
	}
	if err := json.Unmarshal(data, &r.entries); err != nil {
		return nil, fmt.Errorf("decode offset registry: %w", err)
	}
	return r, nil
}

// Get returns the stored position for path.
func (r *Registry) Get(path string) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[path]
	return e, ok
}

// Set records the position for path; Flush makes it durable.
func (r *Registry) Set(path string, e Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[path] = e
	r.dirty = true
}

// Forget drops paths the scanner no longer sees.
func (r *Registry) Forget(path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[path]; ok {
		delete(r.entries, path)
		r.dirty = true
	}
}

// Flush writes the snapshot when something changed since the last flush.
func (r *Registry) Flush() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.dirty {
		return nil
	}

	data, err := json.MarshalIndent(r.entries, "", "  ")
	if err != nil {
		return err
	}
	if err := util.WriteFileAtomic(r.path, data); err != nil {
		return fmt.Errorf("flush offset registry: %w", err)
	}
	r.dirty = false
	return nil
}

// inodeOf extracts the inode; zero when the platform does not expose one,
// which disables inode-based rotation detection for that file.
func inodeOf(fi os.FileInfo) uint64 {
	if st, ok := fi.Sys().(*syscall.Stat_t); ok {
		return st.Ino
	}
	return 0
}
