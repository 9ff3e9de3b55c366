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
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	zlog "github.com/rs/zerolog/log"
	"go.uber.org/atomic"

	"github.com/grepwise/grepwise/internal/record"
)

const (
	DefaultCapacity       = 10000
	DefaultBatchThreshold = 1024
)

// Buffer is the bounded queue between producers (scanner, listeners, HTTP
// intake) and the single indexer worker. Overflow drops the newest record
// and counts it; a structured warning is rate-limited to one per second.
type Buffer struct {
	mu       sync.Mutex
	buf      []*record.Record
	head     int
	size     int
	capacity int

	threshold int
	notifyCh  chan struct{}

	clock    clock.Clock
	lastWarn time.Time

	drops       *atomic.Int64
	dropCounter prometheus.Counter
}

// NewBuffer returns a buffer of the given capacity. dropCounter may be nil.
func NewBuffer(capacity, threshold int, clk clock.Clock, dropCounter prometheus.Counter) *Buffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if threshold <= 0 {
		threshold = DefaultBatchThreshold
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Buffer{
		buf:         make([]*record.Record, capacity),
		capacity:    capacity,
		threshold:   threshold,
		notifyCh:    make(chan struct{}, 1),
		clock:       clk,
		drops:       atomic.NewInt64(0),
		dropCounter: dropCounter,
	}
}

// Add appends one record. It never blocks; when the buffer is full the
// record is dropped and false is returned.
func (b *Buffer) Add(rec *record.Record) bool {
	b.mu.Lock()
	if b.size == b.capacity {
		b.noteDropLocked(1)
		b.mu.Unlock()
		return false
	}
	b.buf[(b.head+b.size)%b.capacity] = rec
	b.size++
	notify := b.size >= b.threshold
	b.mu.Unlock()

	if notify {
		select {
		case b.notifyCh <- struct{}{}:
		default:
		}
	}
	return true
}

// AddAll appends records until the buffer fills and returns how many were
// accepted; the remainder is dropped.
func (b *Buffer) AddAll(recs []*record.Record) int {
	b.mu.Lock()
	accepted := 0
	for _, rec := range recs {
		if b.size == b.capacity {
			break
		}
		b.buf[(b.head+b.size)%b.capacity] = rec
		b.size++
		accepted++
	}
	if dropped := len(recs) - accepted; dropped > 0 {
		b.noteDropLocked(dropped)
	}
	notify := b.size >= b.threshold
	b.mu.Unlock()

	if notify {
		select {
		case b.notifyCh <- struct{}{}:
		default:
		}
	}
	return accepted
}

// Drain removes and returns up to max records in arrival order.
func (b *Buffer) Drain(max int) []*record.Record {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := b.size
	if max > 0 && n > max {
		n = max
	}
	if n == 0 {
		return nil
	}

	out := make([]*record.Record, n)
	for i := 0; i < n; i++ {
		idx := (b.head + i) % b.capacity
		out[i] = b.buf[idx]
		b.buf[idx] = nil
	}
	b.head = (b.head + n) % b.capacity
	b.size -= n
	return out
}

func (b *Buffer) Size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// Drops returns the total number of records dropped on overflow.
func (b *Buffer) Drops() int64 {
	return b.drops.Load()
}

// Notify signals when the buffer passed its batch threshold.
func (b *Buffer) Notify() <-chan struct{} {
	return b.notifyCh
}

func (b *Buffer) noteDropLocked(n int) {
	b.drops.Add(int64(n))
	if b.dropCounter != nil {
		b.dropCounter.Add(float64(n))
	}

	now := b.clock.Now()
	if now.Sub(b.lastWarn) >= time.Second {
		b.lastWarn = now
		zlog.Warn().
			Str("component", "intake").
			Int("dropped", n).
			Int64("drops_total", b.drops.Load()).
			Int("capacity", b.capacity).
			Msg("Ingestion buffer full, dropping newest records")
	}
}
