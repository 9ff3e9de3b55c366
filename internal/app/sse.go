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
	"errors"
	"sync"

	"github.com/gin-contrib/sse"
	"github.com/gin-gonic/gin"

	"github.com/grepwise/grepwise/internal/search"
)

// sseBufferSize bounds the outbound event queue per stream.
const sseBufferSize = 256

var errStreamClosed = errors.New("sse stream closed")

// sseWriter decouples event production from a possibly slow client. When
// the queue is full the oldest non-init event is dropped and a lag event
// tells the client how many it missed.
type sseWriter struct {
	c *gin.Context

	mu      sync.Mutex
	queue   []search.Event
	dropped int64
	closed  bool
	notify  chan struct{}
	done    chan struct{}
}

func newSSEWriter(c *gin.Context) *sseWriter {
	w := &sseWriter{
		c:      c,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")
	go w.writeLoop()
	return w
}

// Emit queues one event; it is the search.Emit callback.
func (w *sseWriter) Emit(ev search.Event) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return errStreamClosed
	}
	if len(w.queue) >= sseBufferSize {
		if !w.dropOldestLocked() {
			// only init events left; drop the incoming one instead
			w.dropped++
			w.mu.Unlock()
			return nil
		}
	}
	w.queue = append(w.queue, ev)
	w.mu.Unlock()

	select {
	case w.notify <- struct{}{}:
	default:
	}
	return nil
}

// dropOldestLocked removes the oldest non-init event.
func (w *sseWriter) dropOldestLocked() bool {
	for i, ev := range w.queue {
		if ev.Name != "init" {
			w.queue = append(w.queue[:i], w.queue[i+1:]...)
			w.dropped++
			return true
		}
	}
	return false
}

// Close flushes the queue and stops the write loop.
func (w *sseWriter) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	w.mu.Unlock()

	select {
	case w.notify <- struct{}{}:
	default:
	}
	<-w.done
}

func (w *sseWriter) writeLoop() {
	defer close(w.done)
	ctx := w.c.Request.Context()

	for {
		w.mu.Lock()
		batch := w.queue
		w.queue = nil
		lag := w.dropped
		w.dropped = 0
		closed := w.closed
		w.mu.Unlock()

		if lag > 0 {
			if !w.write(search.Event{Name: "lag", Data: gin.H{"dropped": lag}}) {
				return
			}
		}
		for _, ev := range batch {
			if !w.write(ev) {
				return
			}
		}
		if closed {
			if len(batch) == 0 {
				return
			}
			continue // drain what is left before exiting
		}

		select {
		case <-ctx.Done():
			w.mu.Lock()
			w.closed = true
			w.mu.Unlock()
			return
		case <-w.notify:
		}
	}
}

func (w *sseWriter) write(ev search.Event) bool {
	err := sse.Encode(w.c.Writer, sse.Event{Event: ev.Name, Data: ev.Data})
	if err != nil {
		w.mu.Lock()
		w.closed = true
		w.mu.Unlock()
		return false
	}
	w.c.Writer.Flush()
	return true
}
