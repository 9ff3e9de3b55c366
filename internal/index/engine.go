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

package index

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	mapset "github.com/deckarep/golang-set/v2"
	zlog "github.com/rs/zerolog/log"

	"github.com/grepwise/grepwise/internal/record"
)

var (
	ErrClosed      = errors.New("index closed")
	ErrBadRegex    = errors.New("invalid regular expression")
	ErrEmptyRecord = errors.New("record missing id or source")
)

// compactDeadRatio triggers a log rewrite once more than half of all
// appended records have been deleted.
const compactDeadRatio = 0.5

// Engine is the inverted index over log records. One writer at a time
// (commits are serialized internally); any number of readers see the last
// committed state. Every mutation is made durable through the write-ahead
// log before it becomes visible.
type Engine struct {
	mu     sync.RWMutex
	closed bool

	wal *wal

	// ids holds doc ids in ascending order; docs maps id -> record.
	ids  []string
	docs map[string]*record.Record

	postings map[string]mapset.Set[string]
	byLevel  map[string]mapset.Set[string]
	bySource map[string]mapset.Set[string]

	appended int64
	dead     int64
}

// Option adjusts how Open builds the engine.
type Option func(*openOptions)

type openOptions struct {
	segmentMaxBytes int64
}

// WithSegmentMaxSize caps write-ahead log segments at n bytes; a full
// segment is closed and a new one started on the next commit.
func WithSegmentMaxSize(n int64) Option {
	return func(o *openOptions) { o.segmentMaxBytes = n }
}

// Open replays the write-ahead log under dir and returns a ready engine.
func Open(dir string, opts ...Option) (*Engine, error) {
	var o openOptions
	for _, opt := range opts {
		opt(&o)
	}

	e := &Engine{
		docs:     map[string]*record.Record{},
		postings: map[string]mapset.Set[string]{},
		byLevel:  map[string]mapset.Set[string]{},
		bySource: map[string]mapset.Set[string]{},
	}

	w, err := openWAL(dir, o.segmentMaxBytes, e.applyEntry)
	if err != nil {
		return nil, fmt.Errorf("open index: %w", err)
	}
	e.wal = w

	zlog.Info().
		Str("component", "index").
		Str("dir", dir).
		Int("records", len(e.ids)).
		Msg("Index opened")
	return e, nil
}

func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	return e.wal.close()
}

// Index commits a batch atomically. After it returns, Search observes every
// record in the batch.
func (e *Engine) Index(batch []*record.Record) error {
	if len(batch) == 0 {
		return nil
	}
	for _, rec := range batch {
		if rec.ID == "" || rec.Source == "" {
			return ErrEmptyRecord
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}

	if err := e.wal.append(walEntry{Op: walOpAdd, Records: batch}); err != nil {
		return fmt.Errorf("index commit: %w", err)
	}
	e.addBatch(batch)
	return nil
}

// FindByID retrieves one record by id.
func (e *Engine) FindByID(id string) (*record.Record, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	rec, ok := e.docs[id]
	return rec, ok
}

// FindByLevel returns all records with the given normalized level, newest
// first.
func (e *Engine) FindByLevel(level string) []*record.Record {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.collect(e.byLevel[record.NormalizeLevel(level)])
}

// FindBySource returns all records from the given source, newest first.
func (e *Engine) FindBySource(source string) []*record.Record {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.collect(e.bySource[source])
}

// Levels returns the distinct normalized levels present in the index.
func (e *Engine) Levels() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return sortedKeys(e.byLevel)
}

// Sources returns the distinct record sources present in the index.
func (e *Engine) Sources() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return sortedKeys(e.bySource)
}

// Count returns the number of live records.
func (e *Engine) Count() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.ids)
}

// Search runs a token or regex query over the window [start, end) on each
// record's effective time. A nil bound leaves that side open; a blank or
// "*" query matches everything in the window. Results are ordered by
// effective time descending, ties broken by id ascending.
func (e *Engine) Search(query string, isRegex bool, start, end *int64) ([]*record.Record, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return nil, ErrClosed
	}

	var out []*record.Record

	if isRegex {
		re, err := regexp.Compile(query)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadRegex, err)
		}
		for _, id := range e.ids {
			rec := e.docs[id]
			if !inWindow(rec, start, end) {
				continue
			}
			if re.MatchString(rec.Message) || re.MatchString(rec.Raw) {
				out = append(out, rec)
			}
		}
		sortNewestFirst(out)
		return out, nil
	}

	query = strings.TrimSpace(query)
	if query == "" || query == "*" {
		for _, id := range e.ids {
			if rec := e.docs[id]; inWindow(rec, start, end) {
				out = append(out, rec)
			}
		}
		sortNewestFirst(out)
		return out, nil
	}

	// AND of all query tokens over the postings lists
	tokens := Tokenize(query)
	if len(tokens) == 0 {
		return nil, nil
	}

	candidates := e.postings[tokens[0]]
	if candidates == nil {
		return nil, nil
	}
	candidates = candidates.Clone()
	for _, tok := range tokens[1:] {
		next := e.postings[tok]
		if next == nil {
			return nil, nil
		}
		candidates = candidates.Intersect(next)
	}

	for id := range candidates.Iter() {
		if rec := e.docs[id]; inWindow(rec, start, end) {
			out = append(out, rec)
		}
	}
	sortNewestFirst(out)
	return out, nil
}

// DeleteOlderThan removes every record whose effective time is strictly
// before ts and returns the count. The deletion is durable before it is
// visible.
func (e *Engine) DeleteOlderThan(ts int64) (int, error) {
	return e.delete("", ts)
}

// DeleteBySource removes records from one source older than ts.
func (e *Engine) DeleteBySource(source string, ts int64) (int, error) {
	if source == "" {
		return 0, errors.New("source is required")
	}
	return e.delete(source, ts)
}

func (e *Engine) delete(source string, ts int64) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return 0, ErrClosed
	}

	victims := e.selectOlderThan(source, ts)
	if len(victims) == 0 {
		return 0, nil
	}

	entry := walEntry{Op: walOpDel, Cutoff: &ts, Source: source}
	if err := e.wal.append(entry); err != nil {
		return 0, fmt.Errorf("index delete: %w", err)
	}
	e.removeBatch(victims)

	if err := e.maybeCompact(); err != nil {
		// the deletion itself is durable; compaction retries next time
		zlog.Warn().Str("component", "index").Err(err).Msg("Index compaction failed")
	}
	return len(victims), nil
}

// applyEntry replays one committed log entry into memory. Called during
// Open, before any reader exists.
func (e *Engine) applyEntry(entry walEntry) {
	switch entry.Op {
	case walOpAdd:
		e.addBatch(entry.Records)
	case walOpDel:
		if entry.Cutoff == nil {
			return
		}
		e.removeBatch(e.selectOlderThan(entry.Source, *entry.Cutoff))
	}
}

func (e *Engine) addBatch(batch []*record.Record) {
	for _, rec := range batch {
		if _, ok := e.docs[rec.ID]; ok {
			continue
		}
		pos := sort.SearchStrings(e.ids, rec.ID)
		e.ids = append(e.ids, "")
		copy(e.ids[pos+1:], e.ids[pos:])
		e.ids[pos] = rec.ID

		e.docs[rec.ID] = rec
		e.appended++

		for _, tok := range Tokenize(rec.Message + " " + rec.Raw) {
			set, ok := e.postings[tok]
			if !ok {
				set = mapset.NewThreadUnsafeSet[string]()
				e.postings[tok] = set
			}
			set.Add(rec.ID)
		}
		addToCatalog(e.byLevel, rec.Level, rec.ID)
		addToCatalog(e.bySource, rec.Source, rec.ID)
	}
}

func (e *Engine) removeBatch(victims []*record.Record) {
	for _, rec := range victims {
		pos := sort.SearchStrings(e.ids, rec.ID)
		if pos < len(e.ids) && e.ids[pos] == rec.ID {
			e.ids = append(e.ids[:pos], e.ids[pos+1:]...)
		}
		delete(e.docs, rec.ID)
		e.dead++

		for _, tok := range Tokenize(rec.Message + " " + rec.Raw) {
			if set, ok := e.postings[tok]; ok {
				set.Remove(rec.ID)
				if set.Cardinality() == 0 {
					delete(e.postings, tok)
				}
			}
		}
		removeFromCatalog(e.byLevel, rec.Level, rec.ID)
		removeFromCatalog(e.bySource, rec.Source, rec.ID)
	}
}

func (e *Engine) selectOlderThan(source string, ts int64) []*record.Record {
	var victims []*record.Record
	for _, id := range e.ids {
		rec := e.docs[id]
		if source != "" && rec.Source != source {
			continue
		}
		if rec.EffectiveTime() < ts {
			victims = append(victims, rec)
		}
	}
	return victims
}

func (e *Engine) maybeCompact() error {
	if e.appended == 0 || float64(e.dead)/float64(e.appended) <= compactDeadRatio {
		return nil
	}
	live := make([]*record.Record, 0, len(e.ids))
	for _, id := range e.ids {
		live = append(live, e.docs[id])
	}
	if err := e.wal.compact(live); err != nil {
		return err
	}
	e.appended = int64(len(live))
	e.dead = 0
	zlog.Info().
		Str("component", "index").
		Int("records", len(live)).
		Msg("Index log compacted")
	return nil
}

func (e *Engine) collect(set mapset.Set[string]) []*record.Record {
	if set == nil {
		return nil
	}
	out := make([]*record.Record, 0, set.Cardinality())
	for id := range set.Iter() {
		out = append(out, e.docs[id])
	}
	sortNewestFirst(out)
	return out
}

func addToCatalog(catalog map[string]mapset.Set[string], key, id string) {
	if key == "" {
		return
	}
	set, ok := catalog[key]
	if !ok {
		set = mapset.NewThreadUnsafeSet[string]()
		catalog[key] = set
	}
	set.Add(id)
}

func removeFromCatalog(catalog map[string]mapset.Set[string], key, id string) {
	if set, ok := catalog[key]; ok {
		set.Remove(id)
		if set.Cardinality() == 0 {
			delete(catalog, key)
		}
	}
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// inWindow applies the half-open [start, end) filter on effective time.
func inWindow(rec *record.Record, start, end *int64) bool {
	ts := rec.EffectiveTime()
	if start != nil && ts < *start {
		return false
	}
	if end != nil && ts >= *end {
		return false
	}
	return true
}

func sortNewestFirst(recs []*record.Record) {
	sort.Slice(recs, func(i, j int) bool {
		ti, tj := recs[i].EffectiveTime(), recs[j].EffectiveTime()
		if ti != tj {
			return ti > tj
		}
		return recs[i].ID < recs[j].ID
	})
}
