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

// Package scheduler runs named background jobs on fixed periods. Jobs may
// overlap each other but never themselves; an invocation that finds its
// predecessor still running is skipped and counted.
package scheduler

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
	"go.uber.org/atomic"
)

// Job is one named unit of periodic work.
type Job struct {
	Name   string
	Period time.Duration
	Run    func(ctx context.Context) error
}

type managedJob struct {
	job     Job
	running atomic.Bool
	entryID cron.EntryID
}

// Options wires the scheduler's failure and skip counters; both may be
// nil.
type Options struct {
	Failures *prometheus.CounterVec // label: job
	Skipped  *prometheus.CounterVec // label: job
}

// Scheduler owns the cron runner and the registered jobs.
type Scheduler struct {
	cron     *cron.Cron
	failures *prometheus.CounterVec
	skipped  *prometheus.CounterVec
	log      zerolog.Logger

	mu       sync.Mutex
	jobs     map[string]*managedJob
	stopOnce sync.Once
}

func New(opts Options) *Scheduler {
	return &Scheduler{
		cron:     cron.New(),
		failures: opts.Failures,
		skipped:  opts.Skipped,
		log:      zlog.With().Str("component", "scheduler").Logger(),
		jobs:     map[string]*managedJob{},
	}
}

// Register schedules a job at its period. Each run starts after a random
// jitter of at most 10% of the period so that jobs registered together do
// not fire in lockstep.
func (s *Scheduler) Register(job Job) error {
	if job.Name == "" || job.Run == nil {
		return fmt.Errorf("scheduler job needs a name and a run function")
	}
	if job.Period <= 0 {
		return fmt.Errorf("scheduler job %s needs a positive period", job.Name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.Name]; ok {
		return fmt.Errorf("scheduler job %s already registered", job.Name)
	}

	m := &managedJob{job: job}
	id, err := s.cron.AddFunc(fmt.Sprintf("@every %s", job.Period), func() {
		s.execute(m, true)
	})
	if err != nil {
		return fmt.Errorf("schedule job %s: %w", job.Name, err)
	}
	m.entryID = id
	s.jobs[job.Name] = m

	s.log.Info().Str("job", job.Name).Dur("period", job.Period).Msg("Scheduled background job")
	return nil
}

// RunNow runs a registered job immediately and synchronously, without
// jitter. It honors the no-overlap rule.
func (s *Scheduler) RunNow(name string) error {
	s.mu.Lock()
	m, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("scheduler job %s not registered", name)
	}
	s.execute(m, false)
	return nil
}

// Jobs returns the registered job names, sorted.
func (s *Scheduler) Jobs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.jobs))
	for name := range s.jobs {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts scheduling and waits for in-flight jobs to finish.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		ctx := s.cron.Stop()
		<-ctx.Done()
	})
}

func (s *Scheduler) execute(m *managedJob, withJitter bool) {
	if !m.running.CompareAndSwap(false, true) {
		if s.skipped != nil {
			s.skipped.WithLabelValues(m.job.Name).Inc()
		}
		s.log.Warn().Str("job", m.job.Name).Msg("Skipping job run, previous run still in flight")
		return
	}
	defer m.running.Store(false)

	if withJitter {
		if jitter := time.Duration(rand.Int63n(int64(m.job.Period)/10 + 1)); jitter > 0 {
			time.Sleep(jitter)
		}
	}

	defer func() {
		if r := recover(); r != nil {
			if s.failures != nil {
				s.failures.WithLabelValues(m.job.Name).Inc()
			}
			s.log.Error().Str("job", m.job.Name).Interface("panic", r).Msg("Background job panicked")
		}
	}()

	if err := m.job.Run(context.Background()); err != nil {
		if s.failures != nil {
			s.failures.WithLabelValues(m.job.Name).Inc()
		}
		s.log.Error().Err(err).Str("job", m.job.Name).Msg("Background job failed")
	}
}
