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
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grepwise/grepwise/internal/parser"
)

func TestSourceValidate(t *testing.T) {
	tests := []struct {
		name    string
		setSrc  Source
		wantErr bool
	}{
		{"valid file", Source{Kind: KindFile, Directory: "/var/log"}, false},
		{"file without directory", Source{Kind: KindFile}, true},
		{"valid syslog", Source{Kind: KindSyslog, Port: 5514, Proto: ProtoUDP, Format: parser.SyslogFormatRFC5424}, false},
		{"syslog bad port", Source{Kind: KindSyslog, Port: 0, Proto: ProtoUDP, Format: parser.SyslogFormatRFC5424}, true},
		{"syslog bad proto", Source{Kind: KindSyslog, Port: 5514, Proto: "SCTP", Format: parser.SyslogFormatRFC5424}, true},
		{"valid http", Source{Kind: KindHTTP}, false},
		{"http auth without token", Source{Kind: KindHTTP, RequireAuth: true}, true},
		{"http auth with token", Source{Kind: KindHTTP, RequireAuth: true, Token: "s3cret"}, false},
		{"unknown kind", Source{Kind: "PIPE"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.setSrc.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalid)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestSourceNormalize(t *testing.T) {
	s := Source{Kind: KindSyslog, Port: 5514}
	s.Normalize()
	assert.NotEmpty(t, s.ID)
	assert.Equal(t, s.ID, s.Name)
	assert.Equal(t, ProtoUDP, s.Proto)
	assert.Equal(t, parser.SyslogFormatRFC5424, s.Format)

	f := Source{Kind: KindFile, Directory: "/var/log"}
	f.Normalize()
	assert.Equal(t, "*.log", f.Glob)
}

func TestRecordSource(t *testing.T) {
	syslogSrc := Source{Kind: KindSyslog, Port: 5514, Proto: ProtoUDP}
	assert.Equal(t, "syslog:udp:5514", syslogSrc.RecordSource())

	httpSrc := Source{ID: "web-1", Kind: KindHTTP}
	assert.Equal(t, "http:web-1", httpSrc.RecordSource())

	fileSrc := Source{Kind: KindFile, Directory: "/var/log"}
	assert.Equal(t, "/var/log", fileSrc.RecordSource())
}

func TestRegistryRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sources.json")

	r, err := NewRegistry(path)
	require.NoError(t, err)

	created, err := r.Create(Source{Name: "app logs", Kind: KindFile, Directory: "/var/log", Enabled: true})
	require.NoError(t, err)
	require.NotEmpty(t, created.ID)

	_, err = r.Create(Source{ID: created.ID, Kind: KindFile, Directory: "/tmp"})
	assert.ErrorIs(t, err, ErrConflict)

	// reload from disk
	r2, err := NewRegistry(path)
	require.NoError(t, err)
	got, err := r2.Get(created.ID)
	require.NoError(t, err)
	assert.Equal(t, created, got)

	// update
	got.Name = "renamed"
	updated, err := r2.Update(got)
	require.NoError(t, err)
	assert.Equal(t, "renamed", updated.Name)

	_, err = r2.Update(Source{ID: "nope", Kind: KindFile, Directory: "/x"})
	assert.ErrorIs(t, err, ErrNotFound)

	// delete
	require.NoError(t, r2.Delete(created.ID))
	assert.ErrorIs(t, r2.Delete(created.ID), ErrNotFound)
	_, err = r2.Get(created.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRegistryUpsertAndList(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sources.json")
	r, err := NewRegistry(path)
	require.NoError(t, err)

	_, err = r.Upsert(Source{ID: "b", Name: "bravo", Kind: KindHTTP})
	require.NoError(t, err)
	_, err = r.Upsert(Source{ID: "a", Name: "alpha", Kind: KindHTTP})
	require.NoError(t, err)

	// upsert replaces in place
	_, err = r.Upsert(Source{ID: "b", Name: "bravo2", Kind: KindHTTP})
	require.NoError(t, err)

	list := r.List()
	require.Len(t, list, 2)
	assert.Equal(t, "alpha", list[0].Name)
	assert.Equal(t, "bravo2", list[1].Name)
}
