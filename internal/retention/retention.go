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

// Package retention evicts old records on a schedule, optionally packing
// them into archives first.
package retention

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	zlog "github.com/rs/zerolog/log"

	"github.com/grepwise/grepwise/internal/archive"
	"github.com/grepwise/grepwise/internal/record"
	"github.com/grepwise/grepwise/internal/util"
)

var (
	ErrInvalid  = errors.New("invalid retention policy")
	ErrNotFound = errors.New("retention policy not found")
)

// Policy controls eviction for the records it matches. An empty
// SourceFilter matches every source. Zero MaxAgeMillis or MaxRecords
// disables that bound.
type Policy struct {
	ID             string `json:"id"`
	Enabled        bool   `json:"enabled"`
	SourceFilter   string `json:"sourceFilter,omitempty"`
	MaxAgeMillis   int64  `json:"maxAgeMillis,omitempty"`
	MaxRecords     int    `json:"maxRecords,omitempty"`
	ArchiveEnabled bool   `json:"archiveEnabled,omitempty"`
}

func (p *Policy) validate() error {
	if p.MaxAgeMillis < 0 || p.MaxRecords < 0 {
		return fmt.Errorf("%w: bounds must be non-negative", ErrInvalid)
	}
	if p.MaxAgeMillis == 0 && p.MaxRecords == 0 {
		return fmt.Errorf("%w: at least one of maxAgeMillis and maxRecords is required", ErrInvalid)
	}
	return nil
}

// PolicyStore persists policies as one atomic JSON snapshot.
type PolicyStore struct {
	mu   sync.RWMutex
	path string
	byID map[string]Policy
}

func NewPolicyStore(path string) (*PolicyStore, error) {
	s := &PolicyStore{path: path, byID: map[string]Policy{}}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read retention policies: %w", err)
	}
	var policies []Policy
	if err := json.Unmarshal(data, &policies); err != nil {
		return nil, fmt.Errorf("decode retention policies: %w", err)
	}
	for _, p := range policies {
		s.byID[p.ID] = p
	}
	return s, nil
}

func (s *PolicyStore) Save(p Policy) (Policy, error) {
	if err := p.validate(); err != nil {
		return Policy{}, err
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID[p.ID] = p
	return p, s.persistLocked()
}

func (s *PolicyStore) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[id]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(s.byID, id)
	return s.persistLocked()
}

func (s *PolicyStore) List() []Policy {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Policy, 0, len(s.byID))
	for _, p := range s.byID {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *PolicyStore) persistLocked() error {
	policies := make([]Policy, 0, len(s.byID))
	for _, p := range s.byID {
		policies = append(policies, p)
	}
	sort.Slice(policies, func(i, j int) bool { return policies[i].ID < policies[j].ID })

	data, err := json.MarshalIndent(policies, "", "  ")
	if err != nil {
		return err
	}
	return util.WriteFileAtomic(s.path, data)
}

// Index is the slice of the index engine the retention engine mutates.
type Index interface {
	Search(query string, isRegex bool, start, end *int64) ([]*record.Record, error)
	DeleteOlderThan(ts int64) (int, error)
	DeleteBySource(source string, ts int64) (int, error)
}

// Archiver packs records before they are evicted.
type Archiver interface {
	Archive(source string, recs []*record.Record) ([]archive.Metadata, error)
}

// Invalidator drops cache entries intersecting a deleted window.
type Invalidator interface {
	InvalidateWindow(start, end int64) int
}

// Engine applies every enabled policy. Runs are idempotent: a second run
// with the same clock deletes nothing.
type Engine struct {
	store       *PolicyStore
	index       Index
	archiver    Archiver    // may be nil
	invalidator Invalidator // may be nil
	clock       clock.Clock
}

func NewEngine(store *PolicyStore, idx Index, archiver Archiver, invalidator Invalidator, clk clock.Clock) *Engine {
	if clk == nil {
		clk = clock.New()
	}
	return &Engine{store: store, index: idx, archiver: archiver, invalidator: invalidator, clock: clk}
}

// RunOnce applies all enabled policies and returns the total deleted.
func (e *Engine) RunOnce() (int, error) {
	total := 0
	var firstErr error
	for _, p := range e.store.List() {
		if !p.Enabled {
			continue
		}
		n, err := e.applyPolicy(p)
		total += n
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return total, firstErr
}

func (e *Engine) applyPolicy(p Policy) (int, error) {
	cutoff := int64(0)
	now := e.clock.Now().UnixMilli()

	if p.MaxAgeMillis > 0 {
		cutoff = now - p.MaxAgeMillis
	}
	if p.MaxRecords > 0 {
		if overflowCutoff, ok, err := e.overflowCutoff(p); err != nil {
			return 0, err
		} else if ok && overflowCutoff > cutoff {
			cutoff = overflowCutoff
		}
	}
	if cutoff <= 0 {
		return 0, nil
	}

	if p.ArchiveEnabled && e.archiver != nil {
		if err := e.archiveBefore(p, cutoff); err != nil {
			// keep the records until they archive cleanly
			return 0, fmt.Errorf("archive before delete: %w", err)
		}
	}

	var n int
	var err error
	if p.SourceFilter != "" {
		n, err = e.index.DeleteBySource(p.SourceFilter, cutoff)
	} else {
		n, err = e.index.DeleteOlderThan(cutoff)
	}
	if err != nil {
		return n, err
	}

	if n > 0 {
		if e.invalidator != nil {
			e.invalidator.InvalidateWindow(0, cutoff)
		}
		zlog.Info().
			Str("component", "retention").
			Str("policy", p.ID).
			Int("deleted", n).
			Int64("cutoff", cutoff).
			Msg("Retention pass deleted records")
	}
	return n, nil
}

// overflowCutoff finds the effective time of the MaxRecords-th newest
// matching record; everything strictly older overflows.
func (e *Engine) overflowCutoff(p Policy) (int64, bool, error) {
	recs, err := e.matching(p, nil)
	if err != nil {
		return 0, false, err
	}
	if len(recs) <= p.MaxRecords {
		return 0, false, nil
	}
	// recs are newest first
	return recs[p.MaxRecords-1].EffectiveTime(), true, nil
}

func (e *Engine) archiveBefore(p Policy, cutoff int64) error {
	recs, err := e.matching(p, &cutoff)
	if err != nil {
		return err
	}
	bySource := map[string][]*record.Record{}
	for _, rec := range recs {
		bySource[rec.Source] = append(bySource[rec.Source], rec)
	}
	for source, group := range bySource {
		if _, err := e.archiver.Archive(source, group); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) matching(p Policy, end *int64) ([]*record.Record, error) {
	recs, err := e.index.Search("*", false, nil, end)
	if err != nil {
		return nil, err
	}
	if p.SourceFilter == "" {
		return recs, nil
	}
	var out []*record.Record
	for _, rec := range recs {
		if rec.Source == p.SourceFilter {
			out = append(out, rec)
		}
	}
	return out, nil
}
