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

// Package listener binds the syslog sockets. A listener owns its socket
// and workers: Start binds, Stop closes and joins within a grace period.
package listener

import (
	"sync"
	"time"

	zlog "github.com/rs/zerolog/log"
)

// Listener is one bound intake socket.
type Listener interface {
	Start() error
	Stop()
}

// Handler receives one raw syslog frame.
type Handler func(frame []byte)

const (
	// maxDatagramBytes caps one UDP frame.
	maxDatagramBytes = 64 * 1024

	// maxLineBytes caps one TCP frame.
	maxLineBytes = 1 << 20

	// connQueueSize is the per-connection bounded frame queue.
	connQueueSize = 1024

	// slowConsumerGrace closes a TCP connection whose queue stayed full.
	slowConsumerGrace = 30 * time.Second

	// stopGrace bounds how long Stop waits for workers to join.
	stopGrace = 5 * time.Second
)

// joinWithGrace waits for wg up to the stop grace period and logs when
// workers are still running after it.
func joinWithGrace(wg *sync.WaitGroup, component string) {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(stopGrace):
		zlog.Warn().
			Str("component", component).
			Msg("Workers did not stop within the grace period")
	}
}
