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
	"fmt"
	"time"

	"github.com/grepwise/grepwise/internal/record"
)

// Bucket is one half-open histogram slot [StartMs, StartMs+width).
type Bucket struct {
	StartMs int64 `json:"startMs"`
	Count   int   `json:"count"`
}

// TimeBucket is a bucket keyed by an ISO-8601 UTC timestamp, the shape the
// histogram REST endpoint and the timetable stream emit.
type TimeBucket struct {
	Timestamp string `json:"timestamp"`
	Count     int    `json:"count"`
}

// Histogram divides the window into slots contiguous buckets and counts
// matching records per bucket by effective time. The sum of all buckets
// equals the matching record count.
func (s *Service) Histogram(ctx context.Context, q Query, slots int) ([]Bucket, error) {
	if slots < 1 || slots > MaxSlots {
		return nil, fmt.Errorf("%w: slots must be in [1,%d]", ErrInvalidPage, MaxSlots)
	}

	w, err := ResolveWindow(q.TimeRange, q.StartMs, q.EndMs, s.clock.Now())
	if err != nil {
		return nil, err
	}
	recs, err := s.run(ctx, q.Text, q.IsRegex, w)
	if err != nil {
		return nil, err
	}

	// ceil so slots buckets always cover the whole window
	width := (w.End - w.Start + int64(slots) - 1) / int64(slots)
	if width < 1 {
		width = 1
	}

	buckets := make([]Bucket, slots)
	for i := range buckets {
		buckets[i].StartMs = w.Start + int64(i)*width
	}
	fillBuckets(buckets, width, recs)
	return buckets, nil
}

// HistogramByInterval counts records per interval-wide bucket between from
// and to, keyed by ISO-8601 UTC bucket starts aligned to the interval.
func (s *Service) HistogramByInterval(ctx context.Context, q Query, interval time.Duration) ([]TimeBucket, error) {
	w, err := ResolveWindow(q.TimeRange, q.StartMs, q.EndMs, s.clock.Now())
	if err != nil {
		return nil, err
	}
	recs, err := s.run(ctx, q.Text, q.IsRegex, w)
	if err != nil {
		return nil, err
	}
	buckets := intervalBuckets(w, interval)
	fillBuckets(buckets, interval.Milliseconds(), recs)
	return toTimeBuckets(buckets), nil
}

// intervalBuckets lays out contiguous buckets covering w, aligned down to
// the interval.
func intervalBuckets(w Window, interval time.Duration) []Bucket {
	ms := interval.Milliseconds()
	first := w.Start - mod(w.Start, ms)

	var buckets []Bucket
	for ts := first; ts < w.End; ts += ms {
		buckets = append(buckets, Bucket{StartMs: ts})
	}
	return buckets
}

func mod(a, b int64) int64 {
	m := a % b
	if m < 0 {
		m += b
	}
	return m
}

// fillBuckets assigns each record to its bucket by effective time.
func fillBuckets(buckets []Bucket, width int64, recs []*record.Record) {
	if len(buckets) == 0 || width <= 0 {
		return
	}
	base := buckets[0].StartMs
	for _, rec := range recs {
		i := (rec.EffectiveTime() - base) / width
		if i >= 0 && int(i) < len(buckets) {
			buckets[i].Count++
		}
	}
}

func toTimeBuckets(buckets []Bucket) []TimeBucket {
	out := make([]TimeBucket, len(buckets))
	for i, b := range buckets {
		out[i] = TimeBucket{
			Timestamp: time.UnixMilli(b.StartMs).UTC().Format(time.RFC3339),
			Count:     b.Count,
		}
	}
	return out
}
