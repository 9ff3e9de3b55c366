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

package listener

import (
	"bufio"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	zlog "github.com/rs/zerolog/log"
)

// TCPListener accepts newline-framed syslog connections. Each connection
// gets a bounded frame queue; a consumer that keeps the queue full past
// the grace period gets its connection closed.
type TCPListener struct {
	port          int
	handler       Handler
	slowConsumers prometheus.Counter // may be nil

	ln       net.Listener
	mu       sync.Mutex
	conns    map[net.Conn]struct{}
	wg       sync.WaitGroup
	stopCh   chan struct{}
	stopOnce sync.Once
}

func NewTCP(port int, handler Handler, slowConsumers prometheus.Counter) *TCPListener {
	return &TCPListener{
		port:          port,
		handler:       handler,
		slowConsumers: slowConsumers,
		conns:         map[net.Conn]struct{}{},
		stopCh:        make(chan struct{}),
	}
}

func (l *TCPListener) Start() error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", l.port))
	if err != nil {
		return fmt.Errorf("bind tcp :%d: %w", l.port, err)
	}
	l.ln = ln

	l.wg.Add(1)
	go l.acceptLoop()

	zlog.Info().Str("component", "listener").Int("port", l.port).Msg("Syslog TCP listener started")
	return nil
}

func (l *TCPListener) Stop() {
	l.stopOnce.Do(func() {
		close(l.stopCh)
		if l.ln != nil {
			l.ln.Close()
		}
		l.mu.Lock()
		for conn := range l.conns {
			conn.Close()
		}
		l.mu.Unlock()

		joinWithGrace(&l.wg, "listener")
		zlog.Info().Str("component", "listener").Int("port", l.port).Msg("Syslog TCP listener stopped")
	})
}

func (l *TCPListener) acceptLoop() {
	defer l.wg.Done()
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			return // closed
		}
		l.mu.Lock()
		l.conns[conn] = struct{}{}
		l.mu.Unlock()

		l.wg.Add(1)
		go l.serveConn(conn)
	}
}

// serveConn splits the stream into newline frames and feeds them through
// the bounded queue to a consumer worker.
func (l *TCPListener) serveConn(conn net.Conn) {
	defer l.wg.Done()
	defer func() {
		conn.Close()
		l.mu.Lock()
		delete(l.conns, conn)
		l.mu.Unlock()
	}()

	queue := make(chan []byte, connQueueSize)
	defer close(queue)

	l.wg.Add(1)
	go l.consumeQueue(queue)

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		frame := make([]byte, len(line))
		copy(frame, line)

		select {
		case queue <- frame:
		default:
			// queue full: wait out the grace period before giving up
			select {
			case queue <- frame:
			case <-time.After(slowConsumerGrace):
				if l.slowConsumers != nil {
					l.slowConsumers.Inc()
				}
				zlog.Warn().
					Str("component", "listener").
					Str("remote", conn.RemoteAddr().String()).
					Msg("Closing slow syslog TCP connection")
				return
			case <-l.stopCh:
				return
			}
		}
	}
}

func (l *TCPListener) consumeQueue(queue <-chan []byte) {
	defer l.wg.Done()
	for frame := range queue {
		l.handler(frame)
	}
}
