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
	"strings"
	"sync"
	"time"

	syslog "github.com/leodido/go-syslog/v4"
	"github.com/leodido/go-syslog/v4/rfc3164"
	"github.com/leodido/go-syslog/v4/rfc5424"

	"github.com/grepwise/grepwise/internal/record"
)

// SyslogFormat selects the wire format a syslog source speaks.
type SyslogFormat string

const (
	SyslogFormatRFC5424 SyslogFormat = "RFC5424"
	SyslogFormatRFC3164 SyslogFormat = "RFC3164"
)

// ParseSyslogFormat maps a case-insensitive spelling to its SyslogFormat.
func ParseSyslogFormat(s string) (SyslogFormat, bool) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "RFC5424", "5424":
		return SyslogFormatRFC5424, true
	case "RFC3164", "3164", "BSD":
		return SyslogFormatRFC3164, true
	}
	return "", false
}

// severityNames maps PRI & 7 to a normalized level token.
var severityNames = [8]string{
	record.LevelEmerg,
	record.LevelAlert,
	record.LevelCrit,
	record.LevelError,
	record.LevelWarn,
	record.LevelNotice,
	record.LevelInfo,
	record.LevelDebug,
}

// SyslogParser parses RFC5424 or RFC3164 frames. The underlying machine is
// stateful so Parse is serialized with a mutex; listeners share one parser
// per source.
type SyslogParser struct {
	format SyslogFormat

	mu      sync.Mutex
	machine syslog.Machine
}

func NewSyslogParser(format SyslogFormat) *SyslogParser {
	var m syslog.Machine
	switch format {
	case SyslogFormatRFC3164:
		m = rfc3164.NewParser(rfc3164.WithBestEffort(), rfc3164.WithYear(rfc3164.CurrentYear{}))
	default:
		format = SyslogFormatRFC5424
		m = rfc5424.NewParser(rfc5424.WithBestEffort())
	}
	return &SyslogParser{format: format, machine: m}
}

func (p *SyslogParser) Format() SyslogFormat {
	return p.format
}

func (p *SyslogParser) Parse(data []byte, source string, now time.Time) *record.Record {
	rec := record.New(source, now)
	rec.Raw = string(data)

	p.mu.Lock()
	msg, err := p.machine.Parse(data)
	p.mu.Unlock()

	if msg == nil {
		reason := "unparseable syslog frame"
		if err != nil {
			reason = err.Error()
		}
		failParse(rec, reason)
		return rec
	}

	switch m := msg.(type) {
	case *rfc5424.SyslogMessage:
		p.fill(rec, &m.Base)
	case *rfc3164.SyslogMessage:
		p.fill(rec, &m.Base)
	default:
		failParse(rec, "unexpected syslog message type")
		return rec
	}

	// best-effort machines can return a partial message plus an error
	if err != nil {
		if rec.Metadata == nil {
			rec.Metadata = map[string]string{}
		}
		rec.Metadata[record.MetadataParseError] = err.Error()
	}
	if rec.Level == "" {
		rec.Level = record.LevelUnknown
	}
	if rec.Message == "" {
		rec.Message = rec.Raw
	}
	return rec
}

func (p *SyslogParser) fill(rec *record.Record, base *syslog.Base) {
	if base.Severity != nil {
		rec.Level = severityNames[*base.Severity&0x7]
	}
	if base.Timestamp != nil {
		if ts := base.Timestamp.UnixMilli(); withinSkewBudget(ts, rec.IngestTime) {
			rec.RecordTime = record.TimeMillis(ts)
		}
	}
	if base.Message != nil {
		rec.Message = strings.TrimSpace(*base.Message)
	}

	md := map[string]string{}
	if base.Hostname != nil {
		md["host"] = *base.Hostname
	}
	if base.Appname != nil {
		md["app"] = *base.Appname
	}
	if base.ProcID != nil {
		md["procid"] = *base.ProcID
	}
	if base.MsgID != nil {
		md["msgid"] = *base.MsgID
	}
	if len(md) > 0 {
		rec.Metadata = md
	}
}
