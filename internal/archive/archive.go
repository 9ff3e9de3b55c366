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

// Package archive packs evicted records into gzipped NDJSON containers,
// one file per source and hour bucket, with a JSON metadata sidecar.
package archive

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"
	zlog "github.com/rs/zerolog/log"

	"github.com/grepwise/grepwise/internal/record"
	"github.com/grepwise/grepwise/internal/util"
)

var ErrNotFound = errors.New("archive not found")

const metadataFile = "metadata.json"

// Metadata describes one archive container.
type Metadata struct {
	ID              string `json:"id"`
	Source          string `json:"source"`
	TimeRangeStart  int64  `json:"timeRangeStart"`
	TimeRangeEnd    int64  `json:"timeRangeEnd"`
	RecordCount     int    `json:"recordCount"`
	StoragePath     string `json:"storagePath"`
	CompressedBytes int64  `json:"compressedBytes"`
	CreatedAt       int64  `json:"createdAt"`
}

// Store owns the archive directory. Writers serialize per archive path;
// a write appends a gzip member, which readers decompress transparently.
type Store struct {
	dir   string
	clock clock.Clock

	mu     sync.Mutex
	byID   map[string]*Metadata
	byPath map[string]*Metadata
	locks  map[string]*sync.Mutex
}

func NewStore(dir string, clk clock.Clock) (*Store, error) {
	if clk == nil {
		clk = clock.New()
	}
	s := &Store{
		dir:    dir,
		clock:  clk,
		byID:   map[string]*Metadata{},
		byPath: map[string]*Metadata{},
		locks:  map[string]*sync.Mutex{},
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(filepath.Join(dir, metadataFile))
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read archive metadata: %w", err)
	}
	var rows []*Metadata
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("decode archive metadata: %w", err)
	}
	for _, m := range rows {
		s.byID[m.ID] = m
		s.byPath[m.StoragePath] = m
	}
	return s, nil
}

// Archive packs records from one source into hour-bucket containers and
// returns the touched metadata rows. Records land in the bucket of their
// effective time.
func (s *Store) Archive(source string, recs []*record.Record) ([]Metadata, error) {
	if len(recs) == 0 {
		return nil, nil
	}

	buckets := map[string][]*record.Record{}
	for _, rec := range recs {
		rel := s.relPath(source, rec.EffectiveTime())
		buckets[rel] = append(buckets[rel], rec)
	}

	var out []Metadata
	for rel, group := range buckets {
		m, err := s.writeBucket(source, rel, group)
		if err != nil {
			return out, err
		}
		out = append(out, *m)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].StoragePath < out[j].StoragePath })
	return out, nil
}

// relPath is <source-sanitized>/<yyyyMMdd>/<hh>.jsonl.gz for the hour of
// ts.
func (s *Store) relPath(source string, ts int64) string {
	t := time.UnixMilli(ts).UTC()
	return filepath.Join(
		util.SanitizePathComponent(source),
		t.Format("20060102"),
		t.Format("15")+".jsonl.gz",
	)
}

func (s *Store) pathLock(rel string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[rel]
	if !ok {
		l = &sync.Mutex{}
		s.locks[rel] = l
	}
	return l
}

func (s *Store) writeBucket(source, rel string, recs []*record.Record) (*Metadata, error) {
	lock := s.pathLock(rel)
	lock.Lock()
	defer lock.Unlock()

	abs := filepath.Join(s.dir, rel)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return nil, err
	}

	f, err := os.OpenFile(abs, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}

	gz := gzip.NewWriter(f)
	for _, rec := range recs {
		line, err := json.Marshal(rec)
		if err != nil {
			continue
		}
		if _, err := gz.Write(append(line, '\n')); err != nil {
			gz.Close()
			f.Close()
			return nil, fmt.Errorf("write archive %s: %w", rel, err)
		}
	}
	if err := gz.Close(); err != nil {
		f.Close()
		return nil, err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return nil, err
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if err := f.Close(); err != nil {
		return nil, err
	}

	start, end := recs[0].EffectiveTime(), recs[0].EffectiveTime()
	for _, rec := range recs[1:] {
		ts := rec.EffectiveTime()
		if ts < start {
			start = ts
		}
		if ts > end {
			end = ts
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.byPath[rel]
	if !ok {
		m = &Metadata{
			ID:             uuid.NewString(),
			Source:         source,
			TimeRangeStart: start,
			TimeRangeEnd:   end,
			StoragePath:    rel,
			CreatedAt:      s.clock.Now().UnixMilli(),
		}
		s.byID[m.ID] = m
		s.byPath[rel] = m
	}
	if start < m.TimeRangeStart {
		m.TimeRangeStart = start
	}
	if end > m.TimeRangeEnd {
		m.TimeRangeEnd = end
	}
	m.RecordCount += len(recs)
	m.CompressedBytes = st.Size()

	if err := s.persistLocked(); err != nil {
		return nil, err
	}
	return m, nil
}

// Extract decompresses one archive and returns its records.
func (s *Store) Extract(id string) ([]*record.Record, error) {
	s.mu.Lock()
	m, ok := s.byID[id]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	f, err := os.Open(filepath.Join(s.dir, m.StoragePath))
	if err != nil {
		return nil, fmt.Errorf("open archive %s: %w", m.StoragePath, err)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("read archive %s: %w", m.StoragePath, err)
	}
	defer gz.Close()

	var out []*record.Record
	sc := bufio.NewScanner(gz)
	sc.Buffer(make([]byte, 64*1024), 16<<20)
	for sc.Scan() {
		if len(sc.Bytes()) == 0 {
			continue
		}
		var rec record.Record
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			zlog.Warn().
				Str("component", "archive").
				Str("archive", m.StoragePath).
				Err(err).
				Msg("Skipping undecodable archived record")
			continue
		}
		out = append(out, &rec)
	}
	if err := sc.Err(); err != nil {
		return out, fmt.Errorf("scan archive %s: %w", m.StoragePath, err)
	}
	return out, nil
}

// Get returns one metadata row.
func (s *Store) Get(id string) (Metadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.byID[id]
	if !ok {
		return Metadata{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return *m, nil
}

// List returns all metadata rows ordered by creation time, then path.
func (s *Store) List() []Metadata {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Metadata, 0, len(s.byID))
	for _, m := range s.byID {
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt < out[j].CreatedAt
		}
		return out[i].StoragePath < out[j].StoragePath
	})
	return out
}

// Delete removes the container file and its metadata row.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.byID[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err := os.Remove(filepath.Join(s.dir, m.StoragePath)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove archive %s: %w", m.StoragePath, err)
	}
	delete(s.byID, id)
	delete(s.byPath, m.StoragePath)
	return s.persistLocked()
}

// FlushMetadata persists the sidecar; run periodically by the scheduler as
// a safety net behind the per-write persistence.
func (s *Store) FlushMetadata() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.persistLocked()
}

func (s *Store) persistLocked() error {
	rows := make([]*Metadata, 0, len(s.byID))
	for _, m := range s.byID {
		rows = append(rows, m)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].StoragePath < rows[j].StoragePath })

	data, err := json.MarshalIndent(rows, "", "  ")
	if err != nil {
		return err
	}
	return util.WriteFileAtomic(filepath.Join(s.dir, metadataFile), data)
}
