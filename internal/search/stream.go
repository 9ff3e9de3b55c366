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

package search

import (
	"context"
	"regexp"
	"strings"
	"time"

	evbus "github.com/asaskevich/EventBus"

	"github.com/grepwise/grepwise/internal/intake"
	"github.com/grepwise/grepwise/internal/record"
)

// Event is one server-sent event produced by a stream.
type Event struct {
	Name string
	Data any
}

// Emit delivers one event to the subscriber; an error aborts the stream.
type Emit func(Event) error

// histSnapshotEvery is how many scanned records separate two histogram
// snapshots on the timetable stream.
const histSnapshotEvery = 200

// StreamInit is the payload of the init event on both streams.
type StreamInit struct {
	StartMs     int64        `json:"startMs"`
	EndMs       int64        `json:"endMs"`
	BucketCount int          `json:"bucketCount"`
	Buckets     []TimeBucket `json:"buckets,omitempty"`
}

// StreamDone is the payload of the terminal done event.
type StreamDone struct {
	Total int `json:"total"`
}

// SetBus wires the live-tail event bus; follow streams need it.
func (s *Service) SetBus(bus evbus.Bus) {
	s.bus = bus
}

// resolveStreamWindow applies the streaming default of the last 30 days.
func (s *Service) resolveStreamWindow(q Query) (Window, error) {
	if q.TimeRange == "" && q.StartMs == nil && q.EndMs == nil {
		end := s.clock.Now().UnixMilli()
		return Window{Start: end - streamDefaultSpan.Milliseconds(), End: end}, nil
	}
	return ResolveWindow(q.TimeRange, q.StartMs, q.EndMs, s.clock.Now())
}

// StreamSearch emits init, the first result page, then done. With follow
// set it stays open and emits a record event for each newly committed
// record matching the query until ctx is cancelled.
func (s *Service) StreamSearch(ctx context.Context, q Query, pageSize int, follow bool, emit Emit) error {
	if pageSize < 1 || pageSize > MaxPageSize {
		pageSize = 100
	}

	w, err := s.resolveStreamWindow(q)
	if err != nil {
		return err
	}

	interval := deriveInterval(w)
	if err := emit(Event{"init", StreamInit{
		StartMs:     w.Start,
		EndMs:       w.End,
		BucketCount: len(intervalBuckets(w, interval)),
	}}); err != nil {
		return err
	}

	recs, err := s.run(ctx, q.Text, q.IsRegex, w)
	if err != nil {
		return err
	}

	first := recs
	if len(first) > pageSize {
		first = first[:pageSize]
	}
	if err := emit(Event{"page", s.redactor.ApplyAll(first)}); err != nil {
		return err
	}
	if err := emit(Event{"done", StreamDone{Total: len(recs)}}); err != nil {
		return err
	}

	if !follow || s.bus == nil {
		return nil
	}
	return s.follow(ctx, q, emit)
}

// follow republishes committed records matching the query as record
// events until the context ends.
func (s *Service) follow(ctx context.Context, q Query, emit Emit) error {
	match, err := liveMatcher(q)
	if err != nil {
		return err
	}

	ch := make(chan []*record.Record, 64)
	handler := func(batch []*record.Record) {
		select {
		case ch <- batch:
		default: // live tail is best-effort; a slow stream skips batches
		}
	}
	if err := s.bus.Subscribe(intake.TopicIndexed, handler); err != nil {
		return err
	}
	defer s.bus.Unsubscribe(intake.TopicIndexed, handler)

	for {
		select {
		case <-ctx.Done():
			return nil
		case batch := <-ch:
			for _, rec := range batch {
				if !match(rec) {
					continue
				}
				if err := emit(Event{"record", s.redactor.Apply(rec)}); err != nil {
					return err
				}
			}
		}
	}
}

// liveMatcher builds the predicate applied to newly committed records.
// Token queries AND their tokens over the lowercased text; regex queries
// compile once and match Message and Raw the way the index does.
func liveMatcher(q Query) (func(*record.Record) bool, error) {
	text := strings.TrimSpace(q.Text)
	if text == "" || text == "*" {
		return func(*record.Record) bool { return true }, nil
	}

	if q.IsRegex {
		re, err := regexp.Compile(q.Text)
		if err != nil {
			return nil, err
		}
		return func(rec *record.Record) bool {
			return re.MatchString(rec.Message) || re.MatchString(rec.Raw)
		}, nil
	}

	tokens := strings.Fields(strings.ToLower(text))
	return func(rec *record.Record) bool {
		hay := strings.ToLower(rec.Message + " " + rec.Raw)
		for _, tok := range tokens {
			if !strings.Contains(hay, tok) {
				return false
			}
		}
		return true
	}, nil
}

// StreamTimetable emits init with zeroed buckets, a hist snapshot every
// 200 scanned records, a final hist, then done. Snapshots are monotonic in
// total count.
func (s *Service) StreamTimetable(ctx context.Context, q Query, interval time.Duration, emit Emit) error {
	w, err := s.resolveStreamWindow(q)
	if err != nil {
		return err
	}
	if interval <= 0 {
		interval = deriveInterval(w)
	}

	buckets := intervalBuckets(w, interval)
	if err := emit(Event{"init", StreamInit{
		StartMs:     w.Start,
		EndMs:       w.End,
		BucketCount: len(buckets),
		Buckets:     toTimeBuckets(buckets),
	}}); err != nil {
		return err
	}

	recs, err := s.run(ctx, q.Text, q.IsRegex, w)
	if err != nil {
		return err
	}

	width := interval.Milliseconds()
	base := int64(0)
	if len(buckets) > 0 {
		base = buckets[0].StartMs
	}

	scanned := 0
	for _, rec := range recs {
		if err := ctx.Err(); err != nil {
			return err
		}
		i := (rec.EffectiveTime() - base) / width
		if i >= 0 && int(i) < len(buckets) {
			buckets[i].Count++
		}
		scanned++
		if scanned%histSnapshotEvery == 0 {
			if err := emit(Event{"hist", toTimeBuckets(buckets)}); err != nil {
				return err
			}
		}
	}

	if err := emit(Event{"hist", toTimeBuckets(buckets)}); err != nil {
		return err
	}
	return emit(Event{"done", StreamDone{Total: scanned}})
}
