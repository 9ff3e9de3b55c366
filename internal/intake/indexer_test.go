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
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	evbus "github.com/asaskevich/EventBus"
	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grepwise/grepwise/internal/record"
)

type fakeCommitter struct {
	mu       sync.Mutex
	batches  [][]*record.Record
	attempts int
	failures int // fail this many calls before succeeding
}

func (f *fakeCommitter) Index(batch []*record.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts++
	if f.attempts <= f.failures {
		return errors.New("disk on fire")
	}
	f.batches = append(f.batches, batch)
	return nil
}

func (f *fakeCommitter) committed() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, b := range f.batches {
		n += len(b)
	}
	return n
}

type fakeInvalidator struct {
	mu      sync.Mutex
	windows [][2]int64
}

func (f *fakeInvalidator) InvalidateWindow(start, end int64) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.windows = append(f.windows, [2]int64{start, end})
	return 0
}

func TestIndexerCommitsOnInterval(t *testing.T) {
	committer := &fakeCommitter{}
	buffer := NewBuffer(100, 50, clock.New(), nil)

	ix := NewIndexer(buffer, committer, IndexerOptions{FlushInterval: 10 * time.Millisecond})
	ix.Start()
	defer ix.Shutdown()

	buffer.AddAll(makeRecords(5))

	assert.Eventually(t, func() bool { return committer.committed() == 5 },
		2*time.Second, 10*time.Millisecond)
	assert.False(t, ix.Halted())
}

func TestIndexerFlushesOnShutdown(t *testing.T) {
	committer := &fakeCommitter{}
	buffer := NewBuffer(100, 50, clock.New(), nil)

	ix := NewIndexer(buffer, committer, IndexerOptions{FlushInterval: time.Hour})
	ix.Start()

	buffer.AddAll(makeRecords(7))
	ix.Shutdown()

	assert.Equal(t, 7, committer.committed())
}

func TestIndexerFlushesOnThreshold(t *testing.T) {
	committer := &fakeCommitter{}
	buffer := NewBuffer(100, 3, clock.New(), nil)

	ix := NewIndexer(buffer, committer, IndexerOptions{FlushInterval: time.Hour})
	ix.Start()
	defer ix.Shutdown()

	buffer.AddAll(makeRecords(4))

	assert.Eventually(t, func() bool { return committer.committed() == 4 },
		2*time.Second, 10*time.Millisecond)
}

func TestIndexerRetriesTransientFailures(t *testing.T) {
	committer := &fakeCommitter{failures: 2}
	buffer := NewBuffer(100, 50, clock.New(), nil)

	ix := NewIndexer(buffer, committer, IndexerOptions{FlushInterval: time.Hour})
	ix.Start()

	buffer.AddAll(makeRecords(3))
	ix.Shutdown()

	assert.Equal(t, 3, committer.committed())
	assert.False(t, ix.Halted())
}

func TestIndexerQuarantinesAfterRetryBudget(t *testing.T) {
	committer := &fakeCommitter{failures: 1 << 30}
	buffer := NewBuffer(100, 50, clock.New(), nil)
	qdir := t.TempDir()

	ix := NewIndexer(buffer, committer, IndexerOptions{
		FlushInterval: time.Hour,
		QuarantineDir: qdir,
	})
	ix.Start()

	buffer.AddAll(makeRecords(3))
	ix.Shutdown()

	assert.True(t, ix.Halted())
	// initial attempt plus three retries
	assert.Equal(t, 1+commitRetries, committer.attempts)

	entries, err := os.ReadDir(qdir)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	data, err := os.ReadFile(filepath.Join(qdir, entries[0].Name()))
	require.NoError(t, err)
	assert.Contains(t, string(data), "msg-0")
	assert.Contains(t, string(data), "msg-2")
}

func TestIndexerPublishesAndInvalidates(t *testing.T) {
	committer := &fakeCommitter{}
	buffer := NewBuffer(100, 50, clock.New(), nil)
	inv := &fakeInvalidator{}
	bus := evbus.New()

	published := make(chan []*record.Record, 1)
	require.NoError(t, bus.Subscribe(TopicIndexed, func(batch []*record.Record) {
		published <- batch
	}))

	ix := NewIndexer(buffer, committer, IndexerOptions{
		FlushInterval: time.Hour,
		Invalidator:   inv,
		Bus:           bus,
	})
	ix.Start()

	recs := makeRecords(3)
	recs[0].RecordTime = record.TimeMillis(5000)
	recs[2].RecordTime = record.TimeMillis(9000)
	buffer.AddAll(recs)
	ix.Shutdown()

	select {
	case batch := <-published:
		assert.Len(t, batch, 3)
	case <-time.After(time.Second):
		t.Fatal("no batch published")
	}

	inv.mu.Lock()
	defer inv.mu.Unlock()
	require.Len(t, inv.windows, 1)
	assert.Equal(t, int64(1001), inv.windows[0][0]) // ingest time of msg-1
	assert.Equal(t, int64(9001), inv.windows[0][1])
}
