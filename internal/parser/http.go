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
	"time"

	"github.com/grepwise/grepwise/internal/record"
)

// Payload is the JSON body accepted by the HTTP receiver for one record.
type Payload struct {
	Message   string            `json:"message"`
	Timestamp *int64            `json:"timestamp"`
	Level     string            `json:"level"`
	Metadata  map[string]string `json:"metadata"`
	Raw       string            `json:"rawContent"`
}

// FromPayload converts an HTTP intake payload into a record. A missing
// level defaults to INFO; a missing timestamp leaves the record time unset
// so the index falls back to the ingest time.
func FromPayload(p *Payload, source string, now time.Time) *record.Record {
	rec := record.New(source, now)

	rec.Raw = p.Raw
	if rec.Raw == "" {
		rec.Raw = p.Message
	}

	if p.Message == "" {
		failParse(rec, "missing message")
		return rec
	}
	rec.Message = p.Message

	if p.Level == "" {
		rec.Level = record.LevelInfo
	} else {
		rec.Level = record.NormalizeLevel(p.Level)
	}

	if p.Timestamp != nil && withinSkewBudget(*p.Timestamp, rec.IngestTime) {
		rec.RecordTime = record.TimeMillis(*p.Timestamp)
	}

	if len(p.Metadata) > 0 {
		rec.Metadata = make(map[string]string, len(p.Metadata))
		for k, v := range p.Metadata {
			rec.Metadata[k] = v
		}
	}
	return rec
}
