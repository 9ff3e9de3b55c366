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

package app

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grepwise/grepwise/internal/alarm"
	"github.com/grepwise/grepwise/internal/archive"
	"github.com/grepwise/grepwise/internal/config"
	"github.com/grepwise/grepwise/internal/index"
	"github.com/grepwise/grepwise/internal/intake"
	"github.com/grepwise/grepwise/internal/metrics"
	"github.com/grepwise/grepwise/internal/parser"
	"github.com/grepwise/grepwise/internal/record"
	"github.com/grepwise/grepwise/internal/redact"
	"github.com/grepwise/grepwise/internal/retention"
	"github.com/grepwise/grepwise/internal/search"
	"github.com/grepwise/grepwise/internal/searchcache"
	"github.com/grepwise/grepwise/internal/sources"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type appFixture struct {
	app    *App
	idx    *index.Engine
	buffer *intake.Buffer
	cache  *searchcache.Cache
}

func newAppFixture(t *testing.T) *appFixture {
	t.Helper()
	dir := t.TempDir()

	idx, err := index.Open(filepath.Join(dir, "index"))
	require.NoError(t, err)
	t.Cleanup(func() { idx.Close() })

	red, err := redact.New(redact.Config{Keys: []string{"password"}})
	require.NoError(t, err)

	cache := searchcache.New(searchcache.DefaultConfig(), nil)
	svc := search.NewService(idx, red, search.Options{Cache: cache})

	buffer := intake.NewBuffer(1000, 100, nil, nil)
	registry, err := sources.NewRegistry(filepath.Join(dir, "sources.json"))
	require.NoError(t, err)
	manager := sources.NewManager(registry, buffer, sources.ManagerOptions{})
	t.Cleanup(manager.StopAll)

	alarms, err := alarm.NewStore(filepath.Join(dir, "alarms.json"))
	require.NoError(t, err)
	alarmEngine := alarm.NewEngine(alarms, svc, alarm.Options{})

	policies, err := retention.NewPolicyStore(filepath.Join(dir, "retention.json"))
	require.NoError(t, err)
	archives, err := archive.NewStore(filepath.Join(dir, "archives"), nil)
	require.NoError(t, err)
	retEngine := retention.NewEngine(policies, idx, archives, cache, nil)

	a := NewApp(config.DefaultConfig(), Deps{
		Search:          svc,
		Buffer:          buffer,
		Sources:         registry,
		SourceManager:   manager,
		Alarms:          alarms,
		AlarmEngine:     alarmEngine,
		Retention:       policies,
		RetentionEngine: retEngine,
		Archives:        archives,
		Cache:           cache,
		Redactor:        red,
		Metrics:         metrics.New(),
	})
	return &appFixture{app: a, idx: idx, buffer: buffer, cache: cache}
}

func (f *appFixture) do(t *testing.T, method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}

	w := httptest.NewRecorder()
	f.app.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func seedIndex(t *testing.T, f *appFixture) {
	t.Helper()
	require.NoError(t, f.idx.Index([]*record.Record{
		{ID: "r1", IngestTime: 1625097600000, RecordTime: record.TimeMillis(1625097600000),
			Level: record.LevelError, Message: "db timeout", Source: "api", Raw: "db timeout",
			Metadata: map[string]string{"password": "hunter2"}},
		{ID: "r2", IngestTime: 1625097660000, RecordTime: record.TimeMillis(1625097660000),
			Level: record.LevelInfo, Message: "request ok", Source: "web", Raw: "request ok"},
	}))
}

func TestHealthz(t *testing.T) {
	f := newAppFixture(t)

	w := f.do(t, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}

func TestSearchEndpoint(t *testing.T) {
	f := newAppFixture(t)
	seedIndex(t, f)

	w := f.do(t, http.MethodGet, "/api/logs/search?query=*&startMs=1625097600000&endMs=1625097700000", nil)
	require.Equal(t, http.StatusOK, w.Code)

	recs := decode[[]*record.Record](t, f.do(t, http.MethodGet,
		"/api/logs/search?query=*&startMs=1625097600000&endMs=1625097700000", nil))
	require.Len(t, recs, 2)
	assert.Equal(t, "r2", recs[0].ID)
	assert.Equal(t, "r1", recs[1].ID)
	// redaction applies on the way out
	assert.Equal(t, redact.DefaultMask, recs[1].Metadata["password"])
}

func TestSearchErrorEnvelope(t *testing.T) {
	f := newAppFixture(t)

	w := f.do(t, http.MethodGet, "/api/logs/search?query=*&timeRange=7d", nil)
	require.Equal(t, http.StatusBadRequest, w.Code)

	body := decode[map[string]any](t, w)
	assert.Equal(t, string(kindInvalidInput), body["kind"])
	assert.NotEmpty(t, body["error"])
	assert.NotEmpty(t, body["correlationId"])
}

func TestGetRecordRevealAndNotFound(t *testing.T) {
	f := newAppFixture(t)
	seedIndex(t, f)

	masked := decode[*record.Record](t, f.do(t, http.MethodGet, "/api/logs/r1", nil))
	assert.Equal(t, redact.DefaultMask, masked.Metadata["password"])

	revealed := decode[*record.Record](t, f.do(t, http.MethodGet, "/api/logs/r1?reveal=true", nil))
	assert.Equal(t, "hunter2", revealed.Metadata["password"])

	w := f.do(t, http.MethodGet, "/api/logs/nope", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, string(kindNotFound), decode[map[string]any](t, w)["kind"])
}

func TestSearchPageEndpoint(t *testing.T) {
	f := newAppFixture(t)

	var batch []*record.Record
	for i := 0; i < 25; i++ {
		ts := 1625097600000 + int64(i)*1000
		batch = append(batch, &record.Record{
			ID: fmt.Sprintf("p%02d", i), IngestTime: ts, RecordTime: record.TimeMillis(ts),
			Level: record.LevelInfo, Message: "match", Source: "api", Raw: "match",
		})
	}
	require.NoError(t, f.idx.Index(batch))

	w := f.do(t, http.MethodGet,
		"/api/logs/search/page?query=match&startMs=1625097600000&endMs=1625098600000&page=2&pageSize=10", nil)
	require.Equal(t, http.StatusOK, w.Code)

	page := decode[search.Page](t, w)
	assert.Equal(t, 25, page.Total)
	assert.Equal(t, 2, page.Page)
	require.Len(t, page.Items, 10)
	assert.Equal(t, "p14", page.Items[0].ID) // newest first, second page

	w = f.do(t, http.MethodGet, "/api/logs/search/page?query=match&timeRange=1h&page=0", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSPLEndpoint(t *testing.T) {
	f := newAppFixture(t)
	seedIndex(t, f)

	w := f.do(t, http.MethodPost, "/api/logs/spl", gin.H{
		"query":   "search * | stats count by level",
		"startMs": 1625097600000,
		"endMs":   1625097700000,
	})
	require.Equal(t, http.StatusOK, w.Code)

	res := decode[map[string]any](t, w)
	assert.EqualValues(t, "STATISTICS", res["type"])

	// parse failures carry the offending offset
	w = f.do(t, http.MethodPost, "/api/logs/spl", gin.H{
		"query":   "search x | stats bogus(y)",
		"startMs": 1625097600000,
		"endMs":   1625097700000,
	})
	require.Equal(t, http.StatusBadRequest, w.Code)
	body := decode[map[string]any](t, w)
	assert.Equal(t, string(kindInvalidInput), body["kind"])
	assert.Contains(t, body, "offset")
}

func TestHistogramEndpoint(t *testing.T) {
	f := newAppFixture(t)
	seedIndex(t, f)

	w := f.do(t, http.MethodGet,
		"/api/logs/histogram?query=*&startMs=1625097600000&endMs=1625097720000&slots=2", nil)
	require.Equal(t, http.StatusOK, w.Code)

	buckets := decode[[]map[string]any](t, w)
	require.Len(t, buckets, 2)
}

func TestLevelsAndSourceNames(t *testing.T) {
	f := newAppFixture(t)
	seedIndex(t, f)

	levels := decode[[]string](t, f.do(t, http.MethodGet, "/api/logs/levels", nil))
	assert.ElementsMatch(t, []string{record.LevelError, record.LevelInfo}, levels)

	names := decode[[]string](t, f.do(t, http.MethodGet, "/api/logs/sourceNames", nil))
	assert.ElementsMatch(t, []string{"api", "web"}, names)
}

func TestSourceCRUD(t *testing.T) {
	f := newAppFixture(t)

	w := f.do(t, http.MethodPost, "/api/sources", gin.H{
		"id": "web", "name": "web intake", "kind": "HTTP", "enabled": true,
	})
	require.Equal(t, http.StatusCreated, w.Code)
	created := decode[sourceView](t, w)
	assert.True(t, created.Status.Running)

	// duplicate id conflicts
	w = f.do(t, http.MethodPost, "/api/sources", gin.H{"id": "web", "kind": "HTTP"})
	assert.Equal(t, http.StatusConflict, w.Code)

	list := decode[[]sourceView](t, f.do(t, http.MethodGet, "/api/sources", nil))
	require.Len(t, list, 1)

	w = f.do(t, http.MethodPost, "/api/sources/web/stop", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.False(t, decode[sources.Status](t, w).Running)

	w = f.do(t, http.MethodPost, "/api/sources/web/start", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, decode[sources.Status](t, w).Running)

	w = f.do(t, http.MethodDelete, "/api/sources/web", nil)
	require.Equal(t, http.StatusNoContent, w.Code)

	w = f.do(t, http.MethodGet, "/api/sources/web", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSourceValidation(t *testing.T) {
	f := newAppFixture(t)

	// FILE sources need a directory
	w := f.do(t, http.MethodPost, "/api/sources", gin.H{"id": "f1", "kind": "FILE"})
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, string(kindInvalidInput), decode[map[string]any](t, w)["kind"])
}

func TestIntakeAuthAndAccept(t *testing.T) {
	f := newAppFixture(t)

	w := f.do(t, http.MethodPost, "/api/sources", gin.H{
		"id": "web", "kind": "HTTP", "enabled": true, "requireAuth": true, "token": "s3cret",
	})
	require.Equal(t, http.StatusCreated, w.Code)

	payload := parser.Payload{Message: "hello", Level: "info"}

	w = f.do(t, http.MethodPost, "/api/logs/web", payload)
	require.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, string(kindUnauthorized), decode[map[string]any](t, w)["kind"])

	w = f.do(t, http.MethodPost, "/api/logs/web", payload, "X-Auth-Token", "wrong")
	require.Equal(t, http.StatusUnauthorized, w.Code)

	w = f.do(t, http.MethodPost, "/api/logs/web", payload, "X-Auth-Token", "s3cret")
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.EqualValues(t, 1, decode[map[string]any](t, w)["accepted"])

	src := decode[sourceView](t, f.do(t, http.MethodGet, "/api/sources/web", nil))
	assert.EqualValues(t, 1, src.Status.RecordsIngested)
}

func TestIntakeBatchLimits(t *testing.T) {
	f := newAppFixture(t)

	w := f.do(t, http.MethodPost, "/api/sources", gin.H{"id": "web", "kind": "HTTP", "enabled": true})
	require.Equal(t, http.StatusCreated, w.Code)

	batch := make([]parser.Payload, 0, maxBatchEntries+1)
	for i := 0; i <= maxBatchEntries; i++ {
		batch = append(batch, parser.Payload{Message: "m"})
	}
	w = f.do(t, http.MethodPost, "/api/logs/web/batch", batch)
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)

	w = f.do(t, http.MethodPost, "/api/logs/web/batch", []parser.Payload{
		{Message: "one"}, {Message: "two"},
	})
	require.Equal(t, http.StatusAccepted, w.Code)
	body := decode[map[string]any](t, w)
	assert.EqualValues(t, 2, body["accepted"])
	assert.EqualValues(t, 2, body["received"])
}

func TestIntakeRejectsWrongKindAndStopped(t *testing.T) {
	f := newAppFixture(t)

	dir := t.TempDir()
	w := f.do(t, http.MethodPost, "/api/sources", gin.H{
		"id": "files", "kind": "FILE", "directory": dir,
	})
	require.Equal(t, http.StatusCreated, w.Code)

	w = f.do(t, http.MethodPost, "/api/logs/files", parser.Payload{Message: "x"})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = f.do(t, http.MethodPost, "/api/sources", gin.H{"id": "web", "kind": "HTTP", "enabled": false})
	require.Equal(t, http.StatusCreated, w.Code)

	w = f.do(t, http.MethodPost, "/api/logs/web", parser.Payload{Message: "x"})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestAlarmCRUDAndEvaluate(t *testing.T) {
	f := newAppFixture(t)

	// records inside the 15m evaluation window
	now := time.Now().UnixMilli()
	require.NoError(t, f.idx.Index([]*record.Record{
		{ID: "e1", IngestTime: now - 60000, RecordTime: record.TimeMillis(now - 60000),
			Level: record.LevelError, Message: "db timeout", Source: "api", Raw: "db timeout"},
		{ID: "e2", IngestTime: now - 30000, RecordTime: record.TimeMillis(now - 30000),
			Level: record.LevelError, Message: "db timeout", Source: "api", Raw: "db timeout"},
	}))

	w := f.do(t, http.MethodPost, "/api/alarms", gin.H{
		"name": "timeouts", "query": "timeout", "condition": "count >", "threshold": 1,
		"timeWindowMinutes": 15, "enabled": true,
	})
	require.Equal(t, http.StatusCreated, w.Code)
	created := decode[alarm.Alarm](t, w)
	require.NotEmpty(t, created.ID)
	assert.Equal(t, 60, created.EvalPeriodSeconds)

	w = f.do(t, http.MethodPost, "/api/alarms/"+created.ID+"/evaluate", nil)
	require.Equal(t, http.StatusOK, w.Code)
	eval := decode[map[string]any](t, w)
	assert.Equal(t, true, eval["wouldTrigger"])
	assert.EqualValues(t, 2, eval["matchCount"])

	// dry run records no events
	events := decode[[]alarm.Event](t, f.do(t, http.MethodGet, "/api/alarms/"+created.ID+"/events", nil))
	assert.Empty(t, events)

	w = f.do(t, http.MethodPost, "/api/alarms/"+created.ID+"/disable", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.False(t, decode[alarm.Alarm](t, w).Enabled)

	w = f.do(t, http.MethodDelete, "/api/alarms/"+created.ID, nil)
	require.Equal(t, http.StatusNoContent, w.Code)
}

func TestAlarmValidationAndMissingEvent(t *testing.T) {
	f := newAppFixture(t)

	w := f.do(t, http.MethodPost, "/api/alarms", gin.H{
		"name": "bad", "query": "x", "condition": "count ~", "threshold": 1, "timeWindowMinutes": 5,
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodPost, "/api/alarms/events/nope/acknowledge", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRetentionEndpoints(t *testing.T) {
	f := newAppFixture(t)

	now := time.Now().UnixMilli()
	require.NoError(t, f.idx.Index([]*record.Record{
		{ID: "old", IngestTime: now - 2*3600_000, RecordTime: record.TimeMillis(now - 2*3600_000),
			Level: record.LevelInfo, Message: "stale", Source: "api", Raw: "stale"},
		{ID: "fresh", IngestTime: now, RecordTime: record.TimeMillis(now),
			Level: record.LevelInfo, Message: "fresh", Source: "api", Raw: "fresh"},
	}))

	w := f.do(t, http.MethodPost, "/api/retention", gin.H{
		"id": "p1", "enabled": true, "maxAgeMillis": 3600_000,
	})
	require.Equal(t, http.StatusCreated, w.Code)

	list := decode[[]retention.Policy](t, f.do(t, http.MethodGet, "/api/retention", nil))
	require.Len(t, list, 1)

	w = f.do(t, http.MethodPost, "/api/retention/run", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, decode[map[string]any](t, w)["deleted"])
	assert.Equal(t, 1, f.idx.Count())

	w = f.do(t, http.MethodDelete, "/api/retention/p1", nil)
	require.Equal(t, http.StatusNoContent, w.Code)

	// a policy without any bound is rejected
	w = f.do(t, http.MethodPost, "/api/retention", gin.H{"id": "p2", "enabled": true})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestArchiveEndpoints(t *testing.T) {
	f := newAppFixture(t)

	now := time.Now().UnixMilli()
	require.NoError(t, f.idx.Index([]*record.Record{
		{ID: "old", IngestTime: now - 2*3600_000, RecordTime: record.TimeMillis(now - 2*3600_000),
			Level: record.LevelInfo, Message: "stale", Source: "api", Raw: "stale"},
	}))

	w := f.do(t, http.MethodPost, "/api/retention", gin.H{
		"id": "p1", "enabled": true, "maxAgeMillis": 3600_000, "archiveEnabled": true,
	})
	require.Equal(t, http.StatusCreated, w.Code)
	w = f.do(t, http.MethodPost, "/api/retention/run", nil)
	require.Equal(t, http.StatusOK, w.Code)

	archives := decode[[]archive.Metadata](t, f.do(t, http.MethodGet, "/api/archives", nil))
	require.Len(t, archives, 1)
	assert.Equal(t, 1, archives[0].RecordCount)

	recs := decode[[]*record.Record](t, f.do(t, http.MethodGet, "/api/archives/"+archives[0].ID+"/records", nil))
	require.Len(t, recs, 1)
	assert.Equal(t, "old", recs[0].ID)

	w = f.do(t, http.MethodDelete, "/api/archives/"+archives[0].ID, nil)
	require.Equal(t, http.StatusNoContent, w.Code)

	w = f.do(t, http.MethodGet, "/api/archives/"+archives[0].ID+"/records", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCacheEndpoints(t *testing.T) {
	f := newAppFixture(t)
	seedIndex(t, f)

	// miss, then hit
	path := "/api/logs/search?query=*&startMs=1625097600000&endMs=1625097700000"
	f.do(t, http.MethodGet, path, nil)
	f.do(t, http.MethodGet, path, nil)

	stats := decode[searchcache.Stats](t, f.do(t, http.MethodGet, "/api/cache/stats", nil))
	assert.EqualValues(t, 1, stats.Hits)
	assert.EqualValues(t, 1, stats.Misses)

	w := f.do(t, http.MethodPut, "/api/cache/config", searchcache.Config{
		Enabled: true, MaxSize: 16, ExpirationMs: 5000,
	})
	require.Equal(t, http.StatusOK, w.Code)
	cfg := decode[searchcache.Config](t, w)
	assert.Equal(t, 16, cfg.MaxSize)
	assert.EqualValues(t, 5000, cfg.ExpirationMs)

	w = f.do(t, http.MethodPost, "/api/cache/clear", nil)
	require.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, 0, decode[searchcache.Stats](t, f.do(t, http.MethodGet, "/api/cache/stats", nil)).Size)
}

func TestRedactionEndpoints(t *testing.T) {
	f := newAppFixture(t)

	keys := decode[[]string](t, f.do(t, http.MethodGet, "/api/redaction/keys", nil))
	assert.Equal(t, []string{"password"}, keys)

	w := f.do(t, http.MethodPut, "/api/redaction/keys", []string{"password", "apiKey"})
	require.Equal(t, http.StatusOK, w.Code)
	cfg := decode[redact.Config](t, w)
	assert.Equal(t, []string{"password", "apiKey"}, cfg.Keys)

	cfg = decode[redact.Config](t, f.do(t, http.MethodGet, "/api/redaction/config", nil))
	assert.Equal(t, []string{"password", "apiKey"}, cfg.Keys)
}

func TestMetricsEndpoint(t *testing.T) {
	f := newAppFixture(t)

	w := f.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "ingest_drops_total")
}
