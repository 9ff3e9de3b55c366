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

package alarm

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grepwise/grepwise/internal/record"
	"github.com/grepwise/grepwise/internal/search"
)

const alarmNow = int64(1625100000000)

// stubSearcher returns canned records and captures the queries it saw.
type stubSearcher struct {
	mu      sync.Mutex
	records []*record.Record
	queries []search.Query
	err     error
}

func (s *stubSearcher) Search(_ context.Context, q search.Query) ([]*record.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queries = append(s.queries, q)
	return s.records, s.err
}

type captureNotifier struct {
	mu     sync.Mutex
	kind   string
	events []Event
	dests  []string
	fail   int // fail this many sends before succeeding
	calls  int
}

func (n *captureNotifier) Kind() string { return n.kind }

func (n *captureNotifier) Send(_ context.Context, ev Event, dest string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls++
	if n.calls <= n.fail {
		return errors.New("destination unreachable")
	}
	n.events = append(n.events, ev)
	n.dests = append(n.dests, dest)
	return nil
}

func (n *captureNotifier) sent() []Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Event{}, n.events...)
}

func matchRecords(n int, meta map[string]string) []*record.Record {
	out := make([]*record.Record, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, &record.Record{
			ID: fmt.Sprintf("m%02d", i), IngestTime: alarmNow - int64(i)*60000,
			Level: record.LevelError, Message: "database timeout", Source: "/var/log/app.log",
			Metadata: meta,
		})
	}
	return out
}

func newTestStore(t *testing.T, alarms ...Alarm) *Store {
	t.Helper()
	store, err := NewStore(filepath.Join(t.TempDir(), "alarms.json"))
	require.NoError(t, err)
	for _, a := range alarms {
		_, err := store.Save(a)
		require.NoError(t, err)
	}
	return store
}

func baseAlarm() Alarm {
	return Alarm{
		ID: "a1", Name: "db timeouts", Query: "timeout",
		Condition: CondGreater, Threshold: 5, TimeWindowMinutes: 15, Enabled: true,
		Channels:              []Channel{{Kind: "capture", Destination: "ops"}},
		ThrottleWindowMinutes: 15, MaxNotificationsPerWindow: 1,
	}
}

func newTestEngine(t *testing.T, s *Store, searcher Searcher, notifiers ...Notifier) (*Engine, *clock.Mock) {
	t.Helper()
	mock := clock.NewMock()
	mock.Set(time.UnixMilli(alarmNow))
	eng := NewEngine(s, searcher, Options{
		Clock:       mock,
		Notifiers:   notifiers,
		RetryDelays: []time.Duration{0, 0, 0},
	})
	return eng, mock
}

func TestAlarmValidation(t *testing.T) {
	store := newTestStore(t)

	tests := []struct {
		name  string
		mut   func(a *Alarm)
		valid bool
	}{
		{"base is valid", func(a *Alarm) {}, true},
		{"missing name", func(a *Alarm) { a.Name = "" }, false},
		{"missing query", func(a *Alarm) { a.Query = "" }, false},
		{"bad condition", func(a *Alarm) { a.Condition = "count <>" }, false},
		{"zero window", func(a *Alarm) { a.TimeWindowMinutes = 0 }, false},
		{"channel without destination", func(a *Alarm) { a.Channels = []Channel{{Kind: "log"}} }, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			a := baseAlarm()
			tc.mut(&a)
			_, err := store.Save(a)
			if tc.valid {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalid)
			}
		})
	}
}

func TestStoreDefaultsAndPersistence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "alarms.json")
	store, err := NewStore(path)
	require.NoError(t, err)

	a := baseAlarm()
	a.ID = ""
	saved, err := store.Save(a)
	require.NoError(t, err)
	assert.NotEmpty(t, saved.ID)
	assert.Equal(t, DefaultEvalPeriodSeconds, saved.EvalPeriodSeconds)

	store2, err := NewStore(path)
	require.NoError(t, err)
	got, err := store2.Get(saved.ID)
	require.NoError(t, err)
	assert.Equal(t, saved, got)

	_, err = store2.SetEnabled(saved.ID, false)
	require.NoError(t, err)
	got, _ = store2.Get(saved.ID)
	assert.False(t, got.Enabled)

	require.NoError(t, store2.Delete(saved.ID))
	assert.ErrorIs(t, store2.Delete(saved.ID), ErrNotFound)
}

func TestSearchTextRegexPrefix(t *testing.T) {
	a := Alarm{Query: "regex: ERROR \\d+"}
	text, isRegex := a.SearchText()
	assert.True(t, isRegex)
	assert.Equal(t, "ERROR \\d+", text)

	a.Query = "plain terms"
	text, isRegex = a.SearchText()
	assert.False(t, isRegex)
	assert.Equal(t, "plain terms", text)
}

func TestAlarmTriggerLifecycle(t *testing.T) {
	searcher := &stubSearcher{records: matchRecords(12, nil)}
	n := &captureNotifier{kind: "capture"}
	store := newTestStore(t, baseAlarm())
	eng, mock := newTestEngine(t, store, searcher, n)

	ctx := context.Background()
	eng.Tick(ctx)

	events := eng.Events("a1")
	require.Len(t, events, 1)
	ev := events[0]
	assert.Equal(t, StatusTriggered, ev.Status)
	assert.Equal(t, 12, ev.MatchCount)
	assert.Equal(t, "db timeouts", ev.AlarmName)

	// the evaluation window ends at the mock now
	require.Len(t, searcher.queries, 1)
	q := searcher.queries[0]
	assert.Equal(t, alarmNow, *q.EndMs)
	assert.Equal(t, alarmNow-15*60*1000, *q.StartMs)
	assert.False(t, q.IsRegex)

	require.Len(t, n.sent(), 1)
	assert.Equal(t, "ops", n.dests[0])

	acked, err := eng.Acknowledge(ev.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, StatusAcknowledged, acked.Status)
	assert.Equal(t, "alice", acked.AcknowledgedBy)

	resolved, err := eng.Resolve(ev.ID, "bob")
	require.NoError(t, err)
	assert.Equal(t, StatusResolved, resolved.Status)

	_, err = eng.Acknowledge(ev.ID, "carol")
	assert.ErrorIs(t, err, ErrBadTransition)
	_, err = eng.Resolve(ev.ID, "carol")
	assert.ErrorIs(t, err, ErrBadTransition)

	// second evaluation inside the throttle window notifies nothing more
	mock.Add(61 * time.Second)
	eng.Tick(ctx)
	assert.Len(t, n.sent(), 1)
}

func TestDirectResolveFromTriggered(t *testing.T) {
	searcher := &stubSearcher{records: matchRecords(6, nil)}
	store := newTestStore(t, baseAlarm())
	eng, _ := newTestEngine(t, store, searcher)

	eng.Tick(context.Background())
	events := eng.Events("")
	require.Len(t, events, 1)

	resolved, err := eng.Resolve(events[0].ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, StatusResolved, resolved.Status)
}

func TestTickHonorsEvalPeriod(t *testing.T) {
	searcher := &stubSearcher{records: matchRecords(6, nil)}
	a := baseAlarm()
	a.MaxNotificationsPerWindow = 0 // no throttling
	store := newTestStore(t, a)
	eng, mock := newTestEngine(t, store, searcher)

	ctx := context.Background()
	eng.Tick(ctx)
	require.Len(t, searcher.queries, 1)

	// 30 s later the 60 s eval period has not elapsed
	mock.Add(30 * time.Second)
	eng.Tick(ctx)
	assert.Len(t, searcher.queries, 1)

	mock.Add(30 * time.Second)
	eng.Tick(ctx)
	assert.Len(t, searcher.queries, 2)
}

func TestTickSkipsDisabledAlarms(t *testing.T) {
	searcher := &stubSearcher{records: matchRecords(6, nil)}
	a := baseAlarm()
	a.Enabled = false
	store := newTestStore(t, a)
	eng, _ := newTestEngine(t, store, searcher)

	eng.Tick(context.Background())
	assert.Empty(t, searcher.queries)
	assert.Empty(t, eng.Events(""))
}

func TestConditionBelowThresholdDoesNotTrigger(t *testing.T) {
	searcher := &stubSearcher{records: matchRecords(5, nil)} // count > 5 needs 6
	store := newTestStore(t, baseAlarm())
	eng, _ := newTestEngine(t, store, searcher)

	eng.Tick(context.Background())
	assert.Empty(t, eng.Events(""))
}

func TestGroupingCoalescesEvents(t *testing.T) {
	a := baseAlarm()
	a.Condition = CondGreaterEqual
	a.Threshold = 1
	a.GroupingKey = "host"
	a.GroupingWindowMinutes = 10
	a.MaxNotificationsPerWindow = 0
	a.EvalPeriodSeconds = 60
	store := newTestStore(t, a)

	searcher := &stubSearcher{records: append(
		matchRecords(2, map[string]string{"host": "web-1"}),
		matchRecords(3, map[string]string{"host": "web-2"})...,
	)}
	eng, mock := newTestEngine(t, store, searcher)

	ctx := context.Background()
	eng.Tick(ctx)

	events := eng.Events("")
	require.Len(t, events, 2, "one event per grouping value")
	byHost := map[string]Event{}
	for _, ev := range events {
		byHost[ev.GroupValue] = ev
	}
	assert.Equal(t, 2, byHost["web-1"].MatchCount)
	assert.Equal(t, 3, byHost["web-2"].MatchCount)

	// inside the grouping window the counts accumulate on the same events
	mock.Add(time.Minute)
	eng.Tick(ctx)
	events = eng.Events("")
	require.Len(t, events, 2)
	for _, ev := range events {
		byHost[ev.GroupValue] = ev
	}
	assert.Equal(t, 4, byHost["web-1"].MatchCount)
	assert.Equal(t, 6, byHost["web-2"].MatchCount)

	// past the grouping window a fresh event opens
	mock.Add(11 * time.Minute)
	eng.Tick(ctx)
	assert.Len(t, eng.Events(""), 4)
}

func TestEvaluateDryRun(t *testing.T) {
	searcher := &stubSearcher{records: matchRecords(12, nil)}
	store := newTestStore(t, baseAlarm())
	eng, _ := newTestEngine(t, store, searcher)

	triggered, count, err := eng.Evaluate(context.Background(), "a1")
	require.NoError(t, err)
	assert.True(t, triggered)
	assert.Equal(t, 12, count)
	assert.Empty(t, eng.Events(""), "dry run records no event")

	_, _, err = eng.Evaluate(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestNotifyRetriesThenSucceeds(t *testing.T) {
	searcher := &stubSearcher{records: matchRecords(6, nil)}
	n := &captureNotifier{kind: "capture", fail: 2}
	store := newTestStore(t, baseAlarm())
	eng, _ := newTestEngine(t, store, searcher, n)

	eng.Tick(context.Background())

	require.Len(t, n.sent(), 1)
	assert.Equal(t, 3, n.calls)
	events := eng.Events("")
	require.Len(t, events, 1)
	assert.Empty(t, events[0].Details)
}

func TestNotifyFailureMarksEvent(t *testing.T) {
	searcher := &stubSearcher{records: matchRecords(6, nil)}
	n := &captureNotifier{kind: "capture", fail: 100}
	store := newTestStore(t, baseAlarm())
	eng, _ := newTestEngine(t, store, searcher, n)

	eng.Tick(context.Background())

	events := eng.Events("")
	require.Len(t, events, 1)
	assert.Contains(t, events[0].Details, "NOTIFY_FAILED")
	assert.Equal(t, 4, n.calls, "initial attempt plus three retries")
}

func TestNotifyUnknownKindMarksEvent(t *testing.T) {
	searcher := &stubSearcher{records: matchRecords(6, nil)}
	store := newTestStore(t, baseAlarm()) // channel kind "capture" not registered
	eng, _ := newTestEngine(t, store, searcher)

	eng.Tick(context.Background())

	events := eng.Events("")
	require.Len(t, events, 1)
	assert.Contains(t, events[0].Details, "NOTIFY_FAILED")
}
