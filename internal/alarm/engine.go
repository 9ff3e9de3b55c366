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
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"github.com/grepwise/grepwise/internal/record"
	"github.com/grepwise/grepwise/internal/search"
)

// Searcher is the slice of the search service alarms evaluate through.
type Searcher interface {
	Search(ctx context.Context, q search.Query) ([]*record.Record, error)
}

var defaultRetryDelays = []time.Duration{time.Second, 5 * time.Second, 30 * time.Second}

const maxRetainedEvents = 1000

// Options tunes an Engine. Zero values fall back to production defaults.
type Options struct {
	Clock          clock.Clock
	Notifiers      []Notifier
	RetryDelays    []time.Duration
	NotifyFailures prometheus.Counter
}

// Engine ticks enabled alarms on their individual eval periods, records
// trigger events, and dispatches notifications subject to throttling and
// grouping.
type Engine struct {
	store          *Store
	searcher       Searcher
	clock          clock.Clock
	retryDelays    []time.Duration
	notifyFailures prometheus.Counter
	log            zerolog.Logger

	mu        sync.Mutex
	notifiers map[string]Notifier
	events    map[string]*Event
	order     []string           // event IDs, creation order
	lastEval  map[string]int64   // alarm ID -> last evaluation, unix ms
	sent      map[string][]int64 // throttle bucket -> dispatch times, unix ms
	open      map[string]string  // grouping bucket -> open event ID
}

func NewEngine(store *Store, searcher Searcher, opts Options) *Engine {
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}
	delays := opts.RetryDelays
	if delays == nil {
		delays = defaultRetryDelays
	}

	e := &Engine{
		store:          store,
		searcher:       searcher,
		clock:          clk,
		retryDelays:    delays,
		notifyFailures: opts.NotifyFailures,
		log:            zlog.With().Str("component", "alarm").Logger(),
		notifiers:      map[string]Notifier{},
		events:         map[string]*Event{},
		lastEval:       map[string]int64{},
		sent:           map[string][]int64{},
		open:           map[string]string{},
	}
	for _, n := range opts.Notifiers {
		e.notifiers[n.Kind()] = n
	}
	return e
}

// RegisterNotifier adds or replaces the notifier for its kind.
func (e *Engine) RegisterNotifier(n Notifier) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.notifiers[n.Kind()] = n
}

// Tick evaluates every enabled alarm whose eval period has elapsed. The
// scheduler calls this on the master tick.
func (e *Engine) Tick(ctx context.Context) {
	now := e.clock.Now().UnixMilli()
	for _, a := range e.store.List() {
		if !a.Enabled {
			continue
		}
		period := int64(a.EvalPeriodSeconds)
		if period <= 0 {
			period = DefaultEvalPeriodSeconds
		}
		e.mu.Lock()
		last, seen := e.lastEval[a.ID]
		due := !seen || now-last >= period*1000
		if due {
			e.lastEval[a.ID] = now
		}
		e.mu.Unlock()
		if !due {
			continue
		}

		if err := e.evaluateAndAct(ctx, a); err != nil {
			e.log.Error().Err(err).Str("alarm", a.Name).Msg("Alarm evaluation failed")
		}
	}
}

// Evaluate dry-runs one alarm: it returns whether the alarm would trigger
// and the match count, without recording an event or notifying.
func (e *Engine) Evaluate(ctx context.Context, alarmID string) (bool, int, error) {
	a, err := e.store.Get(alarmID)
	if err != nil {
		return false, 0, err
	}
	recs, err := e.query(ctx, a)
	if err != nil {
		return false, 0, err
	}
	triggered, err := a.Condition.eval(len(recs), a.Threshold)
	return triggered, len(recs), err
}

func (e *Engine) query(ctx context.Context, a Alarm) ([]*record.Record, error) {
	end := e.clock.Now().UnixMilli()
	start := end - int64(a.TimeWindowMinutes)*60*1000
	text, isRegex := a.SearchText()
	return e.searcher.Search(ctx, search.Query{
		Text:    text,
		IsRegex: isRegex,
		StartMs: &start,
		EndMs:   &end,
	})
}

func (e *Engine) evaluateAndAct(ctx context.Context, a Alarm) error {
	recs, err := e.query(ctx, a)
	if err != nil {
		return err
	}
	triggered, err := a.Condition.eval(len(recs), a.Threshold)
	if err != nil || !triggered {
		return err
	}

	if a.GroupingKey == "" {
		e.trigger(ctx, a, len(recs), "")
		return nil
	}

	counts := map[string]int{}
	for _, rec := range recs {
		counts[rec.Metadata[a.GroupingKey]]++
	}
	values := make([]string, 0, len(counts))
	for v := range counts {
		values = append(values, v)
	}
	sort.Strings(values)
	for _, v := range values {
		e.trigger(ctx, a, counts[v], v)
	}
	return nil
}

// trigger records an event for one alarm (or grouping bucket) and
// dispatches notifications unless the bucket is suppressed.
func (e *Engine) trigger(ctx context.Context, a Alarm, count int, groupValue string) {
	now := e.clock.Now().UnixMilli()
	bucket := a.ID
	if groupValue != "" {
		bucket = a.ID + "\x00" + groupValue
	}

	e.mu.Lock()

	// grouping: coalesce into the open event for this bucket
	if a.GroupingKey != "" && a.GroupingWindowMinutes > 0 {
		if id, ok := e.open[bucket]; ok {
			ev := e.events[id]
			if ev != nil && ev.Status == StatusTriggered &&
				now-ev.Timestamp < int64(a.GroupingWindowMinutes)*60*1000 {
				ev.MatchCount += count
				e.mu.Unlock()
				return
			}
			delete(e.open, bucket)
		}
	}

	if e.throttledLocked(a, bucket, now) {
		e.mu.Unlock()
		return
	}

	ev := &Event{
		ID:         uuid.NewString(),
		AlarmID:    a.ID,
		AlarmName:  a.Name,
		Timestamp:  now,
		Status:     StatusTriggered,
		MatchCount: count,
		GroupValue: groupValue,
	}
	e.recordEventLocked(ev)
	if a.GroupingKey != "" {
		e.open[bucket] = ev.ID
	}
	if len(a.Channels) > 0 {
		e.sent[bucket] = append(e.sent[bucket], now)
	}
	e.mu.Unlock()

	e.log.Warn().
		Str("alarm", a.Name).
		Int("matchCount", count).
		Str("groupValue", groupValue).
		Msg("Alarm triggered")

	e.notify(ctx, a, ev)
}

// throttledLocked prunes the sliding window and reports whether another
// notification would exceed the per-window budget.
func (e *Engine) throttledLocked(a Alarm, bucket string, now int64) bool {
	if a.MaxNotificationsPerWindow <= 0 || a.ThrottleWindowMinutes <= 0 {
		return false
	}
	window := int64(a.ThrottleWindowMinutes) * 60 * 1000
	kept := e.sent[bucket][:0]
	for _, ts := range e.sent[bucket] {
		if now-ts < window {
			kept = append(kept, ts)
		}
	}
	e.sent[bucket] = kept
	return len(kept) >= a.MaxNotificationsPerWindow
}

func (e *Engine) recordEventLocked(ev *Event) {
	e.events[ev.ID] = ev
	e.order = append(e.order, ev.ID)
	for len(e.order) > maxRetainedEvents {
		oldest := e.order[0]
		e.order = e.order[1:]
		delete(e.events, oldest)
	}
}

// notify fans the event out to the alarm's channels, retrying each with
// fixed backoff before marking the event NOTIFY_FAILED.
func (e *Engine) notify(ctx context.Context, a Alarm, ev *Event) {
	for _, ch := range a.Channels {
		e.mu.Lock()
		n, ok := e.notifiers[ch.Kind]
		snapshot := *ev
		e.mu.Unlock()
		if !ok {
			e.markNotifyFailed(ev, fmt.Errorf("no notifier for kind %q", ch.Kind))
			continue
		}

		var err error
		for attempt := 0; ; attempt++ {
			if err = n.Send(ctx, snapshot, ch.Destination); err == nil {
				break
			}
			if attempt >= len(e.retryDelays) {
				break
			}
			e.log.Warn().
				Err(err).
				Str("alarm", a.Name).
				Str("kind", ch.Kind).
				Int("attempt", attempt+1).
				Msg("Alarm notification failed, retrying")
			select {
			case <-time.After(e.retryDelays[attempt]):
			case <-ctx.Done():
				e.markNotifyFailed(ev, ctx.Err())
				return
			}
		}
		if err != nil {
			e.markNotifyFailed(ev, err)
		}
	}
}

func (e *Engine) markNotifyFailed(ev *Event, err error) {
	if e.notifyFailures != nil {
		e.notifyFailures.Inc()
	}
	e.log.Error().Err(err).Str("alarm", ev.AlarmName).Msg("Alarm notification failed permanently")

	e.mu.Lock()
	defer e.mu.Unlock()
	if ev.Details != "" {
		ev.Details += "; "
	}
	ev.Details += "NOTIFY_FAILED: " + err.Error()
}

// Events returns the recorded events, newest first, optionally filtered
// by alarm.
func (e *Engine) Events(alarmID string) []Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Event, 0, len(e.order))
	for i := len(e.order) - 1; i >= 0; i-- {
		ev := e.events[e.order[i]]
		if alarmID == "" || ev.AlarmID == alarmID {
			out = append(out, *ev)
		}
	}
	return out
}

func (e *Engine) GetEvent(id string) (Event, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ev, ok := e.events[id]
	if !ok {
		return Event{}, fmt.Errorf("%w: %s", ErrEventNotFound, id)
	}
	return *ev, nil
}

// Acknowledge moves a TRIGGERED event to ACKNOWLEDGED.
func (e *Engine) Acknowledge(id, principal string) (Event, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ev, ok := e.events[id]
	if !ok {
		return Event{}, fmt.Errorf("%w: %s", ErrEventNotFound, id)
	}
	if ev.Status != StatusTriggered {
		return Event{}, fmt.Errorf("%w: %s -> ACKNOWLEDGED", ErrBadTransition, ev.Status)
	}
	ev.Status = StatusAcknowledged
	ev.AcknowledgedBy = principal
	ev.AcknowledgedAt = e.clock.Now().UnixMilli()
	return *ev, nil
}

// Resolve moves a TRIGGERED or ACKNOWLEDGED event to RESOLVED.
func (e *Engine) Resolve(id, principal string) (Event, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ev, ok := e.events[id]
	if !ok {
		return Event{}, fmt.Errorf("%w: %s", ErrEventNotFound, id)
	}
	if ev.Status == StatusResolved {
		return Event{}, fmt.Errorf("%w: already resolved", ErrBadTransition)
	}
	ev.Status = StatusResolved
	ev.ResolvedBy = principal
	ev.ResolvedAt = e.clock.Now().UnixMilli()
	return *ev, nil
}
