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

package record

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Normalized level tokens. Free-form values pass through upper-cased.
const (
	LevelEmerg   = "EMERG"
	LevelAlert   = "ALERT"
	LevelCrit    = "CRIT"
	LevelError   = "ERROR"
	LevelWarn    = "WARN"
	LevelNotice  = "NOTICE"
	LevelInfo    = "INFO"
	LevelDebug   = "DEBUG"
	LevelTrace   = "TRACE"
	LevelUnknown = "UNKNOWN"
)

// MetadataParseError is the metadata key that carries the reason when a
// parser could not make sense of its input.
const MetadataParseError = "parse.error"

// Record is one immutable log record. IngestTime is assigned by the system
// at intake; RecordTime is only set when a timestamp could be parsed from
// the payload itself.
type Record struct {
	ID         string            `json:"id"`
	IngestTime int64             `json:"ingestTime"`
	RecordTime *int64            `json:"recordTime"`
	Level      string            `json:"level"`
	Message    string            `json:"message"`
	Source     string            `json:"source"`
	Metadata   map[string]string `json:"metadata"`
	Raw        string            `json:"rawContent"`
}

// New returns a record with a fresh id and the ingest time set to now.
func New(source string, now time.Time) *Record {
	return &Record{
		ID:         uuid.NewString(),
		IngestTime: now.UnixMilli(),
		Source:     source,
	}
}

// EffectiveTime returns the record time when one was parsed from the
// payload, otherwise the ingest time.
func (r *Record) EffectiveTime() int64 {
	if r.RecordTime != nil {
		return *r.RecordTime
	}
	return r.IngestTime
}

// Clone returns a deep copy. Components that rewrite record fields (e.g.
// redaction) must operate on a clone so the stored record stays untouched.
func (r *Record) Clone() *Record {
	out := *r
	if r.RecordTime != nil {
		ts := *r.RecordTime
		out.RecordTime = &ts
	}
	if r.Metadata != nil {
		out.Metadata = make(map[string]string, len(r.Metadata))
		for k, v := range r.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}

// TimeMillis returns a pointer to ts, for assigning Record.RecordTime.
func TimeMillis(ts int64) *int64 {
	return &ts
}

// NormalizeLevel maps common level spellings onto their canonical token.
// Unrecognized non-empty values pass through upper-cased.
func NormalizeLevel(s string) string {
	v := strings.ToUpper(strings.TrimSpace(s))
	switch v {
	case "EMERG", "EMERGENCY", "PANIC":
		return LevelEmerg
	case "ALERT":
		return LevelAlert
	case "CRIT", "CRITICAL", "FATAL":
		return LevelCrit
	case "ERR", "ERROR", "SEVERE":
		return LevelError
	case "WARN", "WARNING":
		return LevelWarn
	case "NOTICE":
		return LevelNotice
	case "INFO", "INFORMATIONAL":
		return LevelInfo
	case "DEBUG", "FINE":
		return LevelDebug
	case "TRACE", "FINER", "FINEST":
		return LevelTrace
	case "":
		return LevelUnknown
	default:
		return v
	}
}
