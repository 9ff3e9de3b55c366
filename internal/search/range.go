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
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrInvalidRange    = errors.New("invalid time range")
	ErrInvalidInterval = errors.New("invalid interval")
)

// predefined time ranges accepted by search and searchPage
var predefinedRanges = map[string]time.Duration{
	"1h":  time.Hour,
	"3h":  3 * time.Hour,
	"12h": 12 * time.Hour,
	"24h": 24 * time.Hour,
}

// histogram stream intervals
var intervals = map[string]time.Duration{
	"1m":  time.Minute,
	"5m":  5 * time.Minute,
	"15m": 15 * time.Minute,
	"30m": 30 * time.Minute,
	"1h":  time.Hour,
	"3h":  3 * time.Hour,
	"6h":  6 * time.Hour,
	"12h": 12 * time.Hour,
	"24h": 24 * time.Hour,
}

// Window is a resolved half-open [Start, End) query window in epoch millis.
type Window struct {
	Start int64
	End   int64
}

func (w Window) StartPtr() *int64 { s := w.Start; return &s }
func (w Window) EndPtr() *int64   { e := w.End; return &e }

// Span returns the window width.
func (w Window) Span() time.Duration {
	return time.Duration(w.End-w.Start) * time.Millisecond
}

// ResolveWindow turns a range name plus optional explicit bounds into a
// window ending at now. An empty range name defaults to the last 24 hours;
// "custom" requires both bounds with start < end.
func ResolveWindow(timeRange string, startMs, endMs *int64, now time.Time) (Window, error) {
	name := strings.ToLower(strings.TrimSpace(timeRange))

	switch name {
	case "", "24h", "1h", "3h", "12h":
		if name == "" {
			name = "24h"
		}
		// explicit bounds win over the named range
		if startMs != nil || endMs != nil {
			return customWindow(startMs, endMs)
		}
		end := now.UnixMilli()
		return Window{Start: end - predefinedRanges[name].Milliseconds(), End: end}, nil
	case "custom":
		return customWindow(startMs, endMs)
	default:
		return Window{}, fmt.Errorf("%w: %q", ErrInvalidRange, timeRange)
	}
}

func customWindow(startMs, endMs *int64) (Window, error) {
	if startMs == nil || endMs == nil {
		return Window{}, fmt.Errorf("%w: custom range needs explicit start and end", ErrInvalidRange)
	}
	if *startMs >= *endMs {
		return Window{}, fmt.Errorf("%w: start must be before end", ErrInvalidRange)
	}
	return Window{Start: *startMs, End: *endMs}, nil
}

// ParseInterval maps an interval name to its duration.
func ParseInterval(s string) (time.Duration, error) {
	d, ok := intervals[strings.ToLower(strings.TrimSpace(s))]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrInvalidInterval, s)
	}
	return d, nil
}

// streamDefaultSpan is the window streaming histogram endpoints cover when
// no range is supplied.
const streamDefaultSpan = 30 * 24 * time.Hour

// deriveInterval picks a bucket width yielding about thirty buckets over
// the window, snapping to a day once the span reaches 25 days.
func deriveInterval(w Window) time.Duration {
	span := w.Span()
	if span >= 25*24*time.Hour {
		return 24 * time.Hour
	}
	target := span / 30
	best := time.Minute
	for _, d := range intervals {
		if d <= target && d > best {
			best = d
		}
	}
	return best
}
