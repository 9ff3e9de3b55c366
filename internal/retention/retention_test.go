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

package retention

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grepwise/grepwise/internal/archive"
	"github.com/grepwise/grepwise/internal/index"
	"github.com/grepwise/grepwise/internal/record"
)

const retNow = int64(1625100000000) // 2021-07-01T00:40:00Z

func retRecord(id string, ts int64, source string) *record.Record {
	return &record.Record{
		ID: id, IngestTime: ts, RecordTime: record.TimeMillis(ts),
		Level: record.LevelInfo, Message: "msg " + id, Source: source, Raw: "msg " + id,
	}
}

func newTestEngine(t *testing.T, policies ...Policy) (*Engine, *index.Engine, *PolicyStore) {
	t.Helper()
	idx, err := index.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { idx.Close() })

	store, err := NewPolicyStore(filepath.Join(t.TempDir(), "retention.json"))
	require.NoError(t, err)
	for _, p := range policies {
		_, err := store.Save(p)
		require.NoError(t, err)
	}

	mock := clock.NewMock()
	mock.Set(time.UnixMilli(retNow))
	return NewEngine(store, idx, nil, nil, mock), idx, store
}

func TestPolicyValidation(t *testing.T) {
	store, err := NewPolicyStore(filepath.Join(t.TempDir(), "retention.json"))
	require.NoError(t, err)

	_, err = store.Save(Policy{Enabled: true})
	assert.ErrorIs(t, err, ErrInvalid)
	_, err = store.Save(Policy{Enabled: true, MaxAgeMillis: -1})
	assert.ErrorIs(t, err, ErrInvalid)

	p, err := store.Save(Policy{Enabled: true, MaxAgeMillis: 1000})
	require.NoError(t, err)
	assert.NotEmpty(t, p.ID)
}

func TestPolicyStorePersistence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "retention.json")
	store, err := NewPolicyStore(path)
	require.NoError(t, err)

	p, err := store.Save(Policy{Enabled: true, MaxAgeMillis: 3600000})
	require.NoError(t, err)

	store2, err := NewPolicyStore(path)
	require.NoError(t, err)
	list := store2.List()
	require.Len(t, list, 1)
	assert.Equal(t, p.ID, list[0].ID)

	require.NoError(t, store2.Delete(p.ID))
	assert.ErrorIs(t, store2.Delete(p.ID), ErrNotFound)
}

func TestRunOnceMaxAge(t *testing.T) {
	eng, idx, _ := newTestEngine(t, Policy{Enabled: true, MaxAgeMillis: 30 * 60 * 1000})

	require.NoError(t, idx.Index([]*record.Record{
		retRecord("old", retNow-40*60*1000, "/var/log/app.log"),
		retRecord("new", retNow-10*60*1000, "/var/log/app.log"),
	}))

	n, err := eng.RunOnce()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	left, err := idx.Search("*", false, nil, nil)
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, "new", left[0].ID)

	// a second run with the same clock is a no-op
	n, err = eng.RunOnce()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRunOnceSkipsDisabledPolicies(t *testing.T) {
	eng, idx, _ := newTestEngine(t, Policy{Enabled: false, MaxAgeMillis: 1})

	require.NoError(t, idx.Index([]*record.Record{retRecord("a", retNow-3600000, "/var/log/app.log")}))

	n, err := eng.RunOnce()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRunOnceSourceFilter(t *testing.T) {
	eng, idx, _ := newTestEngine(t, Policy{
		Enabled: true, SourceFilter: "/var/log/app.log", MaxAgeMillis: 30 * 60 * 1000,
	})

	require.NoError(t, idx.Index([]*record.Record{
		retRecord("a", retNow-3600000, "/var/log/app.log"),
		retRecord("b", retNow-3600000, "/var/log/other.log"),
	}))

	n, err := eng.RunOnce()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	left, err := idx.Search("*", false, nil, nil)
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, "b", left[0].ID)
}

func TestRunOnceMaxRecords(t *testing.T) {
	eng, idx, _ := newTestEngine(t, Policy{Enabled: true, MaxRecords: 3})

	var recs []*record.Record
	for i := 0; i < 10; i++ {
		recs = append(recs, retRecord(fmt.Sprintf("r%02d", i), retNow-int64(10-i)*60000, "/var/log/app.log"))
	}
	require.NoError(t, idx.Index(recs))

	n, err := eng.RunOnce()
	require.NoError(t, err)
	assert.Equal(t, 7, n)

	left, err := idx.Search("*", false, nil, nil)
	require.NoError(t, err)
	require.Len(t, left, 3)
	// newest three survive
	assert.Equal(t, "r09", left[0].ID)
	assert.Equal(t, "r07", left[2].ID)
}

func TestRunOnceArchivesBeforeDelete(t *testing.T) {
	idx, err := index.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { idx.Close() })

	store, err := NewPolicyStore(filepath.Join(t.TempDir(), "retention.json"))
	require.NoError(t, err)
	_, err = store.Save(Policy{Enabled: true, MaxAgeMillis: 30 * 60 * 1000, ArchiveEnabled: true})
	require.NoError(t, err)

	mock := clock.NewMock()
	mock.Set(time.UnixMilli(retNow))
	arch, err := archive.NewStore(t.TempDir(), mock)
	require.NoError(t, err)

	eng := NewEngine(store, idx, arch, nil, mock)

	require.NoError(t, idx.Index([]*record.Record{
		retRecord("old1", retNow-40*60*1000, "/var/log/app.log"),
		retRecord("old2", retNow-39*60*1000, "/var/log/app.log"),
		retRecord("new", retNow, "/var/log/app.log"),
	}))

	n, err := eng.RunOnce()
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	rows := arch.List()
	require.Len(t, rows, 1)
	assert.Equal(t, 2, rows[0].RecordCount)

	got, err := arch.Extract(rows[0].ID)
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

type countingInvalidator struct{ calls int }

func (c *countingInvalidator) InvalidateWindow(start, end int64) int {
	c.calls++
	return 0
}

func TestRunOnceInvalidatesCacheWindows(t *testing.T) {
	idx, err := index.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { idx.Close() })

	store, err := NewPolicyStore(filepath.Join(t.TempDir(), "retention.json"))
	require.NoError(t, err)
	_, err = store.Save(Policy{Enabled: true, MaxAgeMillis: 30 * 60 * 1000})
	require.NoError(t, err)

	mock := clock.NewMock()
	mock.Set(time.UnixMilli(retNow))
	inv := &countingInvalidator{}
	eng := NewEngine(store, idx, nil, inv, mock)

	require.NoError(t, idx.Index([]*record.Record{retRecord("old", retNow-3600000, "/var/log/app.log")}))

	_, err = eng.RunOnce()
	require.NoError(t, err)
	assert.Equal(t, 1, inv.calls)

	// nothing deleted, nothing invalidated
	_, err = eng.RunOnce()
	require.NoError(t, err)
	assert.Equal(t, 1, inv.calls)
}
