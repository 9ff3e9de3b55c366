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

// Package alarm evaluates stored queries on a schedule and dispatches
// throttled notifications when the match count crosses a threshold.
package alarm

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/grepwise/grepwise/internal/util"
)

var (
	ErrInvalid       = errors.New("invalid alarm")
	ErrNotFound      = errors.New("alarm not found")
	ErrEventNotFound = errors.New("alarm event not found")
	ErrBadTransition = errors.New("invalid alarm event transition")
)

// Condition compares the match count of an alarm query to its threshold.
type Condition string

const (
	CondGreater      Condition = "count >"
	CondGreaterEqual Condition = "count >="
	CondLess         Condition = "count <"
	CondLessEqual    Condition = "count <="
	CondEqual        Condition = "count =="
)

func (c Condition) eval(count, threshold int) (bool, error) {
	switch c {
	case CondGreater:
		return count > threshold, nil
	case CondGreaterEqual:
		return count >= threshold, nil
	case CondLess:
		return count < threshold, nil
	case CondLessEqual:
		return count <= threshold, nil
	case CondEqual:
		return count == threshold, nil
	}
	return false, fmt.Errorf("%w: unknown condition %q", ErrInvalid, string(c))
}

// Channel names a notification destination, e.g. {webhook, https://…}.
type Channel struct {
	Kind        string `json:"kind"`
	Destination string `json:"destination"`
}

const (
	DefaultEvalPeriodSeconds = 60
	regexQueryPrefix         = "regex:"
)

// Alarm is one stored query with a trigger condition. A zero
// MaxNotificationsPerWindow disables throttling; an empty GroupingKey
// disables grouping.
type Alarm struct {
	ID                        string    `json:"id"`
	Name                      string    `json:"name"`
	Query                     string    `json:"query"`
	Condition                 Condition `json:"condition"`
	Threshold                 int       `json:"threshold"`
	TimeWindowMinutes         int       `json:"timeWindowMinutes"`
	Enabled                   bool      `json:"enabled"`
	Channels                  []Channel `json:"notificationChannels,omitempty"`
	ThrottleWindowMinutes     int       `json:"throttleWindowMinutes,omitempty"`
	MaxNotificationsPerWindow int       `json:"maxNotificationsPerWindow,omitempty"`
	GroupingKey               string    `json:"groupingKey,omitempty"`
	GroupingWindowMinutes     int       `json:"groupingWindowMinutes,omitempty"`
	EvalPeriodSeconds         int       `json:"evalPeriodSeconds,omitempty"`
}

// SearchText splits the stored query into search text and the regex flag,
// honoring the "regex:" prefix.
func (a *Alarm) SearchText() (string, bool) {
	if rest, ok := strings.CutPrefix(a.Query, regexQueryPrefix); ok {
		return strings.TrimSpace(rest), true
	}
	return a.Query, false
}

func (a *Alarm) validate() error {
	if a.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalid)
	}
	if a.Query == "" {
		return fmt.Errorf("%w: query is required", ErrInvalid)
	}
	if _, err := a.Condition.eval(0, 0); err != nil {
		return err
	}
	if a.Threshold < 0 {
		return fmt.Errorf("%w: threshold must be non-negative", ErrInvalid)
	}
	if a.TimeWindowMinutes <= 0 {
		return fmt.Errorf("%w: timeWindowMinutes must be positive", ErrInvalid)
	}
	if a.ThrottleWindowMinutes < 0 || a.MaxNotificationsPerWindow < 0 ||
		a.GroupingWindowMinutes < 0 || a.EvalPeriodSeconds < 0 {
		return fmt.Errorf("%w: window settings must be non-negative", ErrInvalid)
	}
	for _, ch := range a.Channels {
		if ch.Kind == "" || ch.Destination == "" {
			return fmt.Errorf("%w: notification channels need kind and destination", ErrInvalid)
		}
	}
	return nil
}

// EventStatus is the lifecycle state of one alarm event.
type EventStatus string

const (
	StatusTriggered    EventStatus = "TRIGGERED"
	StatusAcknowledged EventStatus = "ACKNOWLEDGED"
	StatusResolved     EventStatus = "RESOLVED"
)

// Event records one alarm trigger. Grouped triggers coalesce into a
// single event whose MatchCount accumulates.
type Event struct {
	ID             string      `json:"id"`
	AlarmID        string      `json:"alarmId"`
	AlarmName      string      `json:"alarmName"`
	Timestamp      int64       `json:"timestamp"`
	Status         EventStatus `json:"status"`
	MatchCount     int         `json:"matchCount"`
	GroupValue     string      `json:"groupValue,omitempty"`
	AcknowledgedBy string      `json:"acknowledgedBy,omitempty"`
	AcknowledgedAt int64       `json:"acknowledgedAt,omitempty"`
	ResolvedBy     string      `json:"resolvedBy,omitempty"`
	ResolvedAt     int64       `json:"resolvedAt,omitempty"`
	Details        string      `json:"details,omitempty"`
}

// Store persists alarms as one atomic JSON snapshot.
type Store struct {
	mu   sync.RWMutex
	path string
	byID map[string]Alarm
}

func NewStore(path string) (*Store, error) {
	s := &Store{path: path, byID: map[string]Alarm{}}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read alarms: %w", err)
	}
	var alarms []Alarm
	if err := json.Unmarshal(data, &alarms); err != nil {
		return nil, fmt.Errorf("decode alarms: %w", err)
	}
	for _, a := range alarms {
		s.byID[a.ID] = a
	}
	return s, nil
}

func (s *Store) Save(a Alarm) (Alarm, error) {
	if a.EvalPeriodSeconds == 0 {
		a.EvalPeriodSeconds = DefaultEvalPeriodSeconds
	}
	if err := a.validate(); err != nil {
		return Alarm{}, err
	}
	if a.ID == "" {
		a.ID = uuid.NewString()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID[a.ID] = a
	return a, s.persistLocked()
}

func (s *Store) Get(id string) (Alarm, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.byID[id]
	if !ok {
		return Alarm{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return a, nil
}

func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[id]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(s.byID, id)
	return s.persistLocked()
}

func (s *Store) SetEnabled(id string, enabled bool) (Alarm, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.byID[id]
	if !ok {
		return Alarm{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	a.Enabled = enabled
	s.byID[id] = a
	return a, s.persistLocked()
}

func (s *Store) List() []Alarm {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Alarm, 0, len(s.byID))
	for _, a := range s.byID {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Store) persistLocked() error {
	alarms := make([]Alarm, 0, len(s.byID))
	for _, a := range s.byID {
		alarms = append(alarms, a)
	}
	sort.Slice(alarms, func(i, j int) bool { return alarms[i].ID < alarms[j].ID })

	data, err := json.MarshalIndent(alarms, "", "  ")
	if err != nil {
		return err
	}
	return util.WriteFileAtomic(s.path, data)
}
