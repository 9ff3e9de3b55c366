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
	"fmt"
	"net"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	zlog "github.com/rs/zerolog/log"
)

// UDPListener receives one syslog record per datagram. Datagrams larger
// than 64 KiB are dropped after a metric increment.
type UDPListener struct {
	port     int
	handler  Handler
	oversize prometheus.Counter // may be nil

	conn     *net.UDPConn
	wg       sync.WaitGroup
	stopOnce sync.Once
}

func NewUDP(port int, handler Handler, oversize prometheus.Counter) *UDPListener {
	return &UDPListener{port: port, handler: handler, oversize: oversize}
}

func (l *UDPListener) Start() error {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: l.port})
	if err != nil {
		return fmt.Errorf("bind udp :%d: %w", l.port, err)
	}
	l.conn = conn

	l.wg.Add(1)
	go l.readLoop()

	zlog.Info().Str("component", "listener").Int("port", l.port).Msg("Syslog UDP listener started")
	return nil
}

func (l *UDPListener) Stop() {
	l.stopOnce.Do(func() {
		if l.conn != nil {
			l.conn.Close()
		}
		joinWithGrace(&l.wg, "listener")
		zlog.Info().Str("component", "listener").Int("port", l.port).Msg("Syslog UDP listener stopped")
	})
}

func (l *UDPListener) readLoop() {
	defer l.wg.Done()

	// one byte beyond the cap so oversize datagrams are detectable
	buf := make([]byte, maxDatagramBytes+1)
	for {
		n, _, err := l.conn.ReadFromUDP(buf)
		if err != nil {
			return // closed
		}
		if n > maxDatagramBytes {
			if l.oversize != nil {
				l.oversize.Inc()
			}
			continue
		}
		frame := make([]byte, n)
		copy(frame, buf[:n])
		l.handler(frame)
	}
}
