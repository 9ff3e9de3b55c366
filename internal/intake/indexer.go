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

package intake

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	evbus "github.com/asaskevich/EventBus"
	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
	"go.uber.org/atomic"

	"github.com/grepwise/grepwise/internal/record"
)

// TopicIndexed is the event bus topic carrying each committed batch.
const TopicIndexed = "record.indexed"

const (
	DefaultFlushInterval = 250 * time.Millisecond
	DefaultMaxBatch      = 4096

	commitRetries       = 3
	commitRetryInterval = 100 * time.Millisecond
)

// Committer is the slice of the index engine the indexer worker needs.
type Committer interface {
	Index(batch []*record.Record) error
}

// Invalidator drops cache entries whose window intersects a committed
// batch's effective-time span.
type Invalidator interface {
	InvalidateWindow(start, end int64) int
}

// Indexer is the single worker that drains the buffer and commits batches.
// Commit failures are retried with exponential backoff; an exhausted batch
// is quarantined and the worker halts while the rest of the process keeps
// running.
type Indexer struct {
	buffer        *Buffer
	committer     Committer
	invalidator   Invalidator // may be nil
	bus           evbus.Bus   // may be nil
	interval      time.Duration
	maxBatch      int
	quarantineDir string
	clock         clock.Clock

	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
	halted   *atomic.Bool
}

type IndexerOptions struct {
	FlushInterval time.Duration
	MaxBatch      int
	QuarantineDir string
	Invalidator   Invalidator
	Bus           evbus.Bus
	Clock         clock.Clock
}

func NewIndexer(buffer *Buffer, committer Committer, opts IndexerOptions) *Indexer {
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = DefaultFlushInterval
	}
	if opts.MaxBatch <= 0 {
		opts.MaxBatch = DefaultMaxBatch
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	return &Indexer{
		buffer:        buffer,
		committer:     committer,
		invalidator:   opts.Invalidator,
		bus:           opts.Bus,
		interval:      opts.FlushInterval,
		maxBatch:      opts.MaxBatch,
		quarantineDir: opts.QuarantineDir,
		clock:         opts.Clock,
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
		halted:        atomic.NewBool(false),
	}
}

func (i *Indexer) Start() {
	go i.run()
}

// Shutdown stops the worker after a final drain.
func (i *Indexer) Shutdown() {
	i.stopOnce.Do(func() { close(i.stopCh) })
	<-i.doneCh
}

// Halted reports whether the worker gave up after a quarantined batch.
func (i *Indexer) Halted() bool {
	return i.halted.Load()
}

func (i *Indexer) run() {
	defer close(i.doneCh)

	ticker := i.clock.Ticker(i.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if !i.flush() {
				return
			}
		case <-i.buffer.Notify():
			if !i.flush() {
				return
			}
		case <-i.stopCh:
			i.flush()
			return
		}
	}
}

// flush drains the buffer to empty, one bounded batch per commit. It
// returns false when the worker must halt.
func (i *Indexer) flush() bool {
	for {
		batch := i.buffer.Drain(i.maxBatch)
		if len(batch) == 0 {
			return true
		}
		if !i.commit(batch) {
			return false
		}
	}
}

func (i *Indexer) commit(batch []*record.Record) bool {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = commitRetryInterval
	bo.Multiplier = 4
	bo.RandomizationFactor = 0
	bo.MaxInterval = 30 * time.Second

	op := func() error { return i.committer.Index(batch) }

	if err := backoff.Retry(op, backoff.WithMaxRetries(bo, commitRetries)); err != nil {
		i.quarantine(batch, err)
		i.halted.Store(true)
		return false
	}

	// invalidate cached windows intersecting the batch
	if i.invalidator != nil {
		start, end := batchSpan(batch)
		i.invalidator.InvalidateWindow(start, end+1)
	}

	// re-publish for live subscribers
	if i.bus != nil {
		i.bus.Publish(TopicIndexed, batch)
	}
	return true
}

func (i *Indexer) quarantine(batch []*record.Record, cause error) {
	path := filepath.Join(i.quarantineDir, fmt.Sprintf("batch-%d.jsonl", i.clock.Now().UnixMilli()))

	var sb strings.Builder
	for _, rec := range batch {
		line, err := json.Marshal(rec)
		if err != nil {
			continue
		}
		sb.Write(line)
		sb.WriteByte('\n')
	}

	writeErr := os.MkdirAll(i.quarantineDir, 0o755)
	if writeErr == nil {
		writeErr = os.WriteFile(path, []byte(sb.String()), 0o644)
	}

	ev := zlog.WithLevel(zerolog.FatalLevel).
		Str("component", "indexer").
		Int("batch_size", len(batch)).
		AnErr("commit_error", cause)
	if writeErr != nil {
		ev = ev.AnErr("quarantine_error", writeErr)
	} else {
		ev = ev.Str("quarantine_file", path)
	}
	ev.Msg("Index commit failed after retries, worker halting")
}

// batchSpan returns the inclusive effective-time span of a batch.
func batchSpan(batch []*record.Record) (int64, int64) {
	start, end := batch[0].EffectiveTime(), batch[0].EffectiveTime()
	for _, rec := range batch[1:] {
		ts := rec.EffectiveTime()
		if ts < start {
			start = ts
		}
		if ts > end {
			end = ts
		}
	}
	return start, end
}
