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

// Package search is the read surface over the index: synchronous and
// paginated search, histograms, exports and the SSE streams. Every record
// it returns has passed the redactor.
package search

import (
	"context"
	"errors"
	"fmt"
	"time"

	evbus "github.com/asaskevich/EventBus"
	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/grepwise/grepwise/internal/record"
	"github.com/grepwise/grepwise/internal/searchcache"
	"github.com/grepwise/grepwise/internal/spl"
)

var (
	ErrNotFound    = errors.New("record not found")
	ErrInvalidPage = errors.New("invalid page parameters")
)

const (
	MaxPageSize = 10000
	MaxSlots    = 1024

	// DefaultTimeout bounds synchronous searches.
	DefaultTimeout = 30 * time.Second
)

// Index is the slice of the index engine the service reads from.
type Index interface {
	Search(query string, isRegex bool, start, end *int64) ([]*record.Record, error)
	FindByID(id string) (*record.Record, bool)
	Levels() []string
	Sources() []string
}

// Redactor masks records on their way out.
type Redactor interface {
	Apply(rec *record.Record) *record.Record
	ApplyAll(recs []*record.Record) []*record.Record
}

// Query names one search request. Explicit bounds override TimeRange.
type Query struct {
	Text      string
	IsRegex   bool
	TimeRange string
	StartMs   *int64
	EndMs     *int64
}

// Page is one page of search results.
type Page struct {
	Items    []*record.Record `json:"items"`
	Total    int              `json:"total"`
	Page     int              `json:"page"`
	PageSize int              `json:"pageSize"`
}

// Service executes queries against the index with caching and redaction.
type Service struct {
	index    Index
	cache    *searchcache.Cache
	redactor Redactor
	clock    clock.Clock
	bus      evbus.Bus // live-tail fanout; may be nil

	rowErrors prometheus.Counter // may be nil
}

type Options struct {
	Cache     *searchcache.Cache
	Clock     clock.Clock
	RowErrors prometheus.Counter
}

func NewService(idx Index, redactor Redactor, opts Options) *Service {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	return &Service{
		index:     idx,
		cache:     opts.Cache,
		redactor:  redactor,
		clock:     opts.Clock,
		rowErrors: opts.RowErrors,
	}
}

// Search runs q over its window and returns redacted records newest first.
func (s *Service) Search(ctx context.Context, q Query) ([]*record.Record, error) {
	w, err := ResolveWindow(q.TimeRange, q.StartMs, q.EndMs, s.clock.Now())
	if err != nil {
		return nil, err
	}
	recs, err := s.run(ctx, q.Text, q.IsRegex, w)
	if err != nil {
		return nil, err
	}
	return s.redactor.ApplyAll(recs), nil
}

// SearchPage returns one page of the full result; pages are 1-based.
func (s *Service) SearchPage(ctx context.Context, q Query, page, pageSize int) (*Page, error) {
	if page < 1 {
		return nil, fmt.Errorf("%w: page must be >= 1", ErrInvalidPage)
	}
	if pageSize < 1 || pageSize > MaxPageSize {
		return nil, fmt.Errorf("%w: pageSize must be in [1,%d]", ErrInvalidPage, MaxPageSize)
	}

	w, err := ResolveWindow(q.TimeRange, q.StartMs, q.EndMs, s.clock.Now())
	if err != nil {
		return nil, err
	}
	recs, err := s.run(ctx, q.Text, q.IsRegex, w)
	if err != nil {
		return nil, err
	}

	out := &Page{Total: len(recs), Page: page, PageSize: pageSize}
	lo := (page - 1) * pageSize
	if lo < len(recs) {
		hi := lo + pageSize
		if hi > len(recs) {
			hi = len(recs)
		}
		out.Items = s.redactor.ApplyAll(recs[lo:hi])
	} else {
		out.Items = []*record.Record{}
	}
	return out, nil
}

// GetByID fetches one record. reveal=true skips redaction; the caller is
// responsible for authorizing it.
func (s *Service) GetByID(id string, reveal bool) (*record.Record, error) {
	rec, ok := s.index.FindByID(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if reveal {
		return rec, nil
	}
	return s.redactor.Apply(rec), nil
}

// ExecuteSPL parses and runs a pipelined query over the window. Log-entry
// results are redacted; statistics pass through.
func (s *Service) ExecuteSPL(ctx context.Context, text string, timeRange string, startMs, endMs *int64) (*spl.Result, error) {
	w, err := ResolveWindow(timeRange, startMs, endMs, s.clock.Now())
	if err != nil {
		return nil, err
	}

	p, err := spl.Parse(text)
	if err != nil {
		return nil, err
	}

	res, err := p.Execute(ctxSearcher{ctx, s.index}, spl.ExecOptions{
		Start:     w.StartPtr(),
		End:       w.EndPtr(),
		RowErrors: s.rowErrors,
	})
	if err != nil {
		return nil, err
	}
	if res.Type == spl.ResultLogEntries {
		res.Records = s.redactor.ApplyAll(res.Records)
	}
	return res, nil
}

// Levels returns the distinct level catalog.
func (s *Service) Levels() []string {
	return s.index.Levels()
}

// SourceNames returns the distinct source catalog.
func (s *Service) SourceNames() []string {
	return s.index.Sources()
}

// run consults the cache, then the index. Cached values are unredacted;
// redaction happens at every exit point.
func (s *Service) run(ctx context.Context, text string, isRegex bool, w Window) ([]*record.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var key string
	if s.cache != nil {
		key = searchcache.Key(text, isRegex, w.StartPtr(), w.EndPtr())
		if recs, ok := s.cache.Get(key); ok {
			return recs, nil
		}
	}

	recs, err := s.index.Search(text, isRegex, w.StartPtr(), w.EndPtr())
	if err != nil {
		return nil, err
	}
	if s.cache != nil {
		s.cache.Put(key, recs, w.StartPtr(), w.EndPtr())
	}
	return recs, nil
}

// ctxSearcher checks cancellation before each index hit inside a pipeline.
type ctxSearcher struct {
	ctx context.Context
	idx Index
}

func (c ctxSearcher) Search(query string, isRegex bool, start, end *int64) ([]*record.Record, error) {
	if err := c.ctx.Err(); err != nil {
		return nil, err
	}
	return c.idx.Search(query, isRegex, start, end)
}
