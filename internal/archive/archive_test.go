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

package archive

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grepwise/grepwise/internal/record"
)

func archRecord(id string, ts int64, msg string) *record.Record {
	return &record.Record{
		ID: id, IngestTime: ts, RecordTime: record.TimeMillis(ts),
		Level: record.LevelInfo, Message: msg, Source: "/var/log/app.log", Raw: msg,
	}
}

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	dir := t.TempDir()
	mock := clock.NewMock()
	mock.Set(time.UnixMilli(1625100000000))
	s, err := NewStore(dir, mock)
	require.NoError(t, err)
	return s, dir
}

func TestArchiveRoundTrip(t *testing.T) {
	s, dir := newTestStore(t)

	recs := []*record.Record{
		archRecord("a", 1625097600000, "first"),  // 2021-07-01T00:00:00Z
		archRecord("b", 1625097660000, "second"), // same hour
	}
	rows, err := s.Archive("/var/log/app.log", recs)
	require.NoError(t, err)
	require.Len(t, rows, 1)

	m := rows[0]
	assert.Equal(t, 2, m.RecordCount)
	assert.Equal(t, int64(1625097600000), m.TimeRangeStart)
	assert.Equal(t, int64(1625097660000), m.TimeRangeEnd)
	assert.Equal(t, filepath.Join("_var_log_app.log", "20210701", "00.jsonl.gz"), m.StoragePath)
	assert.Positive(t, m.CompressedBytes)

	got, err := s.Extract(m.ID)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "first", got[0].Message)
	assert.Equal(t, "second", got[1].Message)

	_, err = os.Stat(filepath.Join(dir, m.StoragePath))
	assert.NoError(t, err)
}

func TestArchiveSplitsHourBuckets(t *testing.T) {
	s, _ := newTestStore(t)

	rows, err := s.Archive("/var/log/app.log", []*record.Record{
		archRecord("a", 1625097600000, "hour zero"),
		archRecord("b", 1625101500000, "hour one"), // 2021-07-01T01:05:00Z
	})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.NotEqual(t, rows[0].StoragePath, rows[1].StoragePath)
}

func TestArchiveAppendsToExistingBucket(t *testing.T) {
	s, _ := newTestStore(t)

	rows1, err := s.Archive("/var/log/app.log", []*record.Record{archRecord("a", 1625097600000, "one")})
	require.NoError(t, err)
	rows2, err := s.Archive("/var/log/app.log", []*record.Record{archRecord("b", 1625097700000, "two")})
	require.NoError(t, err)

	// same hour bucket keeps one metadata row with accumulated counts
	require.Equal(t, rows1[0].ID, rows2[0].ID)
	assert.Equal(t, 2, rows2[0].RecordCount)

	got, err := s.Extract(rows2[0].ID)
	require.NoError(t, err)
	assert.Len(t, got, 2, "appended gzip members extract together")
}

func TestArchiveMetadataSurvivesReopen(t *testing.T) {
	s, dir := newTestStore(t)

	rows, err := s.Archive("/var/log/app.log", []*record.Record{archRecord("a", 1625097600000, "x")})
	require.NoError(t, err)

	s2, err := NewStore(dir, clock.NewMock())
	require.NoError(t, err)

	list := s2.List()
	require.Len(t, list, 1)
	assert.Equal(t, rows[0].ID, list[0].ID)

	got, err := s2.Extract(rows[0].ID)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestArchiveDelete(t *testing.T) {
	s, dir := newTestStore(t)

	rows, err := s.Archive("/var/log/app.log", []*record.Record{archRecord("a", 1625097600000, "x")})
	require.NoError(t, err)

	require.NoError(t, s.Delete(rows[0].ID))

	_, err = os.Stat(filepath.Join(dir, rows[0].StoragePath))
	assert.True(t, os.IsNotExist(err))
	_, err = s.Extract(rows[0].ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.Delete(rows[0].ID), ErrNotFound)
	assert.Empty(t, s.List())
}
