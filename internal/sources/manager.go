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
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	zlog "github.com/rs/zerolog/log"
	"go.uber.org/atomic"

	"github.com/grepwise/grepwise/internal/intake"
	"github.com/grepwise/grepwise/internal/listener"
	"github.com/grepwise/grepwise/internal/parser"
	"github.com/grepwise/grepwise/internal/scanner"
)

// Status is the runtime view of one source.
type Status struct {
	ID              string `json:"id"`
	Running         bool   `json:"running"`
	LastError       string `json:"lastError,omitempty"`
	RecordsIngested int64  `json:"recordsIngested"`
}

type running struct {
	stop    func()
	records *atomic.Int64
}

// ManagerOptions carries the shared machinery the per-source pipelines
// feed into.
type ManagerOptions struct {
	Offsets       *scanner.Registry
	ScanPeriod    time.Duration
	Oversize      prometheus.Counter
	SlowConsumers prometheus.Counter
	Clock         clock.Clock
}

// Manager starts and stops the intake pipeline behind each source: a file
// scanner, a syslog listener, or (for HTTP sources) just ingest
// accounting.
type Manager struct {
	registry      *Registry
	buffer        *intake.Buffer
	offsets       *scanner.Registry
	scanPeriod    time.Duration
	oversize      prometheus.Counter
	slowConsumers prometheus.Counter
	clock         clock.Clock

	mu       sync.Mutex
	active   map[string]*running
	lastErrs map[string]string
}

func NewManager(registry *Registry, buffer *intake.Buffer, opts ManagerOptions) *Manager {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	return &Manager{
		registry:      registry,
		buffer:        buffer,
		offsets:       opts.Offsets,
		scanPeriod:    opts.ScanPeriod,
		oversize:      opts.Oversize,
		slowConsumers: opts.SlowConsumers,
		clock:         opts.Clock,
		active:        map[string]*running{},
		lastErrs:      map[string]string{},
	}
}

// Start brings the source's pipeline up. Starting a running source is a
// no-op.
func (m *Manager) Start(id string) error {
	src, err := m.registry.Get(id)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.active[id]; ok {
		return nil
	}

	r, err := m.launchLocked(src)
	if err != nil {
		m.lastErrs[id] = err.Error()
		return err
	}
	m.active[id] = r
	delete(m.lastErrs, id)
	zlog.Info().
		Str("component", "sources").
		Str("source", src.Name).
		Str("kind", string(src.Kind)).
		Msg("Source started")
	return nil
}

// Stop tears the source's pipeline down. Stopping a stopped source is a
// no-op.
func (m *Manager) Stop(id string) {
	m.mu.Lock()
	r, ok := m.active[id]
	delete(m.active, id)
	m.mu.Unlock()
	if !ok {
		return
	}
	r.stop()
	zlog.Info().Str("component", "sources").Str("source", id).Msg("Source stopped")
}

// StartEnabled starts every enabled source, logging failures without
// aborting the rest.
func (m *Manager) StartEnabled() {
	for _, src := range m.registry.List() {
		if !src.Enabled {
			continue
		}
		if err := m.Start(src.ID); err != nil {
			zlog.Error().
				Str("component", "sources").
				Str("source", src.Name).
				Err(err).
				Msg("Source failed to start")
		}
	}
}

// StopAll stops every running source.
func (m *Manager) StopAll() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.active))
	for id := range m.active {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		m.Stop(id)
	}
}

// Status reports the runtime state of one source.
func (m *Manager) Status(id string) Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := Status{ID: id, LastError: m.lastErrs[id]}
	if r, ok := m.active[id]; ok {
		st.Running = true
		st.RecordsIngested = r.records.Load()
	}
	return st
}

// RecordIngested adds to a running source's ingest counter; the HTTP
// receiver calls this since its records arrive through REST rather than a
// managed worker.
func (m *Manager) RecordIngested(id string, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.active[id]; ok {
		r.records.Add(int64(n))
	}
}

// IsRunning reports whether the source's pipeline is up.
func (m *Manager) IsRunning(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.active[id]
	return ok
}

func (m *Manager) launchLocked(src Source) (*running, error) {
	switch src.Kind {
	case KindFile:
		return m.launchScanner(src)
	case KindSyslog:
		return m.launchListener(src)
	case KindHTTP:
		// the REST receiver is always listening; running just arms it
		return &running{stop: func() {}, records: atomic.NewInt64(0)}, nil
	}
	return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalid, src.Kind)
}

func (m *Manager) launchScanner(src Source) (*running, error) {
	records := atomic.NewInt64(0)
	lp := parser.NewLineParser()

	sink := func(line, path string) {
		rec := lp.Parse([]byte(line), path, m.clock.Now())
		if m.buffer.Add(rec) {
			records.Inc()
		}
	}

	sc, err := scanner.New(src.Directory, m.offsets, sink, scanner.Options{
		Glob:      src.Glob,
		Recursive: src.Recursive,
		Period:    m.scanPeriod,
		Clock:     m.clock,
	})
	if err != nil {
		return nil, err
	}
	if err := sc.Start(); err != nil {
		return nil, err
	}
	return &running{stop: sc.Stop, records: records}, nil
}

func (m *Manager) launchListener(src Source) (*running, error) {
	records := atomic.NewInt64(0)
	recordSource := src.RecordSource()

	// syslog machines are not safe for concurrent use; TCP feeds frames
	// from one consumer per connection
	var parseMu sync.Mutex
	sp := parser.NewSyslogParser(src.Format)

	handler := func(frame []byte) {
		parseMu.Lock()
		rec := sp.Parse(frame, recordSource, m.clock.Now())
		parseMu.Unlock()
		if m.buffer.Add(rec) {
			records.Inc()
		}
	}

	var l listener.Listener
	if src.Proto == ProtoTCP {
		l = listener.NewTCP(src.Port, handler, m.slowConsumers)
	} else {
		l = listener.NewUDP(src.Port, handler, m.oversize)
	}
	if err := l.Start(); err != nil {
		return nil, err
	}
	return &running{stop: l.Stop, records: records}, nil
}
