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

package sources

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/grepwise/grepwise/internal/parser"
)

var (
	ErrInvalid  = errors.New("invalid source")
	ErrNotFound = errors.New("source not found")
	ErrConflict = errors.New("source already exists")
)

// SourceKind discriminates the three intake mechanisms.
type SourceKind string

const (
	KindFile   SourceKind = "FILE"
	KindSyslog SourceKind = "SYSLOG"
	KindHTTP   SourceKind = "HTTP"
)

// ParseSourceKind maps a case-insensitive spelling to its SourceKind.
func ParseSourceKind(s string) (SourceKind, bool) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "FILE":
		return KindFile, true
	case "SYSLOG":
		return KindSyslog, true
	case "HTTP":
		return KindHTTP, true
	}
	return "", false
}

// SyslogProto is the transport of a syslog source.
type SyslogProto string

const (
	ProtoTCP SyslogProto = "TCP"
	ProtoUDP SyslogProto = "UDP"
)

// ParseSyslogProto maps a case-insensitive spelling to its SyslogProto.
func ParseSyslogProto(s string) (SyslogProto, bool) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "TCP":
		return ProtoTCP, true
	case "UDP":
		return ProtoUDP, true
	}
	return "", false
}

// Source is the persisted configuration of one log source. Kind-specific
// fields are flattened; fields that do not apply to the kind stay zero.
type Source struct {
	ID      string     `json:"id"`
	Name    string     `json:"name"`
	Enabled bool       `json:"enabled"`
	Kind    SourceKind `json:"kind"`

	// FILE
	Directory string `json:"directory,omitempty"`
	Glob      string `json:"glob,omitempty"`
	Recursive bool   `json:"recursive,omitempty"`

	// SYSLOG
	Port   int                 `json:"port,omitempty"`
	Proto  SyslogProto         `json:"proto,omitempty"`
	Format parser.SyslogFormat `json:"format,omitempty"`

	// HTTP
	RequireAuth bool   `json:"requireAuth,omitempty"`
	Token       string `json:"token,omitempty"`
}

// Normalize assigns an id when missing and fills kind-specific defaults.
func (s *Source) Normalize() {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if s.Name == "" {
		s.Name = s.ID
	}
	switch s.Kind {
	case KindFile:
		if s.Glob == "" {
			s.Glob = "*.log"
		}
	case KindSyslog:
		if s.Proto == "" {
			s.Proto = ProtoUDP
		}
		if s.Format == "" {
			s.Format = parser.SyslogFormatRFC5424
		}
	}
}

// Validate checks the kind-specific invariants.
func (s *Source) Validate() error {
	switch s.Kind {
	case KindFile:
		if s.Directory == "" {
			return fmt.Errorf("%w: directory is required for FILE sources", ErrInvalid)
		}
	case KindSyslog:
		if s.Port < 1 || s.Port > 65535 {
			return fmt.Errorf("%w: port must be in [1,65535]", ErrInvalid)
		}
		if s.Proto != ProtoTCP && s.Proto != ProtoUDP {
			return fmt.Errorf("%w: proto must be TCP or UDP", ErrInvalid)
		}
		if s.Format != parser.SyslogFormatRFC5424 && s.Format != parser.SyslogFormatRFC3164 {
			return fmt.Errorf("%w: format must be RFC5424 or RFC3164", ErrInvalid)
		}
	case KindHTTP:
		if s.RequireAuth && s.Token == "" {
			return fmt.Errorf("%w: token is required when requireAuth is set", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalid, s.Kind)
	}
	return nil
}

// RecordSource returns the source string stamped onto records ingested
// through this source.
func (s *Source) RecordSource() string {
	switch s.Kind {
	case KindSyslog:
		return fmt.Sprintf("syslog:%s:%d", strings.ToLower(string(s.Proto)), s.Port)
	case KindHTTP:
		return "http:" + s.ID
	default:
		return s.Directory
	}
}
