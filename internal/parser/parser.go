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

package parser

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/grepwise/grepwise/internal/record"
)

// Parser turns one input unit into a record. Implementations never drop
// input: on parse failure they return a record with level UNKNOWN, the raw
// content as message, and a parse.error metadata entry.
type Parser interface {
	Parse(data []byte, source string, now time.Time) *record.Record
}

// clockSkewBudget bounds how far a parsed record time may sit in the future
// of the ingest time before it is considered bogus and discarded.
const clockSkewBudget = 5 * time.Minute

// timestampPattern pairs a prefix matcher with the time layouts it can
// carry. Matchers are anchored at the start of the line and tried in order.
type timestampPattern struct {
	re      *regexp.Regexp
	layouts []string
}

var timestampPatterns = []timestampPattern{
	{
		re: regexp.MustCompile(`^\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}(?:\.\d{1,9})?(?:Z|[+-]\d{2}:?\d{2})?`),
		layouts: []string{
			time.RFC3339Nano,
			time.RFC3339,
			"2006-01-02T15:04:05.000",
			"2006-01-02T15:04:05",
		},
	},
	{
		re: regexp.MustCompile(`^\d{4}-\d{2}-\d{2} \d{2}:\d{2}:\d{2}(?:[.,]\d{1,3})?`),
		layouts: []string{
			"2006-01-02 15:04:05.000",
			"2006-01-02 15:04:05,000",
			"2006-01-02 15:04:05",
		},
	},
	{
		re:      regexp.MustCompile(`^\d{4}/\d{2}/\d{2} \d{2}:\d{2}:\d{2}`),
		layouts: []string{"2006/01/02 15:04:05"},
	},
}

var (
	epochMillisRe = regexp.MustCompile(`^\d{13}\b`)
	epochSecsRe   = regexp.MustCompile(`^\d{10}\b`)

	levelTokenRe   = regexp.MustCompile(`(?i)\b(ERROR|WARNING|WARN|INFO|DEBUG|TRACE)\b`)
	leadingLevelRe = regexp.MustCompile(`^\[?(?i:ERROR|WARNING|WARN|INFO|DEBUG|TRACE)\]?:?\s*`)
)

// LineParser parses raw log lines from the file scanner.
type LineParser struct{}

func NewLineParser() *LineParser {
	return &LineParser{}
}

func (p *LineParser) Parse(data []byte, source string, now time.Time) *record.Record {
	line := string(data)

	rec := record.New(source, now)
	rec.Raw = line

	rest := line

	// leading timestamp
	if ts, n, ok := extractTimestamp(rest); ok {
		if withinSkewBudget(ts, rec.IngestTime) {
			rec.RecordTime = record.TimeMillis(ts)
		}
		rest = strings.TrimLeft(rest[n:], " \t-:")
	}

	// level token
	if m := levelTokenRe.FindString(rest); m != "" {
		rec.Level = record.NormalizeLevel(m)
	} else {
		rec.Level = record.LevelUnknown
	}

	// drop a leading level token from the message but keep mid-line ones
	rest = leadingLevelRe.ReplaceAllString(rest, "")

	rec.Message = strings.TrimSpace(rest)
	if rec.Message == "" {
		rec.Message = line
	}
	return rec
}

// extractTimestamp tries the configured patterns against the head of the
// line and returns epoch millis plus the number of bytes consumed.
func extractTimestamp(line string) (int64, int, bool) {
	for _, tp := range timestampPatterns {
		m := tp.re.FindString(line)
		if m == "" {
			continue
		}
		for _, layout := range tp.layouts {
			if t, err := time.ParseInLocation(layout, m, time.UTC); err == nil {
				return t.UnixMilli(), len(m), true
			}
		}
	}
	if m := epochMillisRe.FindString(line); m != "" {
		if v, err := strconv.ParseInt(m, 10, 64); err == nil && plausibleEpochMillis(v) {
			return v, len(m), true
		}
	}
	if m := epochSecsRe.FindString(line); m != "" {
		if v, err := strconv.ParseInt(m, 10, 64); err == nil && plausibleEpochSeconds(v) {
			return v * 1000, len(m), true
		}
	}
	return 0, 0, false
}

func plausibleEpochMillis(v int64) bool {
	return v >= 946684800000 && v < 4102444800000 // 2000-01-01 .. 2100-01-01
}

func plausibleEpochSeconds(v int64) bool {
	return v >= 946684800 && v < 4102444800
}

func withinSkewBudget(recordTime, ingestTime int64) bool {
	return recordTime <= ingestTime+clockSkewBudget.Milliseconds()
}

// failParse marks rec as unparseable while keeping the raw input.
func failParse(rec *record.Record, reason string) {
	rec.Level = record.LevelUnknown
	rec.Message = rec.Raw
	if rec.Metadata == nil {
		rec.Metadata = map[string]string{}
	}
	rec.Metadata[record.MetadataParseError] = reason
}
