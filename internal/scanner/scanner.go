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

// Package scanner tails files under configured directories and emits
// appended lines. Read positions persist in an offset registry so restarts
// and rotations resume cleanly.
package scanner

import (
	"bufio"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gobwas/glob"
	zlog "github.com/rs/zerolog/log"
)

// DefaultPeriod is the directory poll interval.
const DefaultPeriod = 5 * time.Second

// maxLineBytes caps one tailed line.
const maxLineBytes = 1 << 20

// Sink receives each complete appended line with the absolute file path it
// came from.
type Sink func(line, path string)

// Scanner watches one directory configuration and tails matching files.
type Scanner struct {
	dir       string
	glob      glob.Glob
	recursive bool
	registry  *Registry
	sink      Sink
	period    time.Duration
	clock     clock.Clock

	scanNowCh chan struct{}
	stopCh    chan struct{}
	doneCh    chan struct{}
	stopOnce  sync.Once
}

type Options struct {
	Glob      string // default "*.log"
	Recursive bool
	Period    time.Duration
	Clock     clock.Clock
}

func New(dir string, registry *Registry, sink Sink, opts Options) (*Scanner, error) {
	if opts.Glob == "" {
		opts.Glob = "*.log"
	}
	g, err := glob.Compile(opts.Glob)
	if err != nil {
		return nil, err
	}
	if opts.Period <= 0 {
		opts.Period = DefaultPeriod
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}

	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	return &Scanner{
		dir:       abs,
		glob:      g,
		recursive: opts.Recursive,
		registry:  registry,
		sink:      sink,
		period:    opts.Period,
		clock:     opts.Clock,
		scanNowCh: make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}, nil
}

// Start launches the poll loop; the first pass runs immediately.
func (s *Scanner) Start() error {
	go s.run()
	return nil
}

// Stop halts the loop and flushes offsets.
func (s *Scanner) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	<-s.doneCh
}

// ScanNow forces an immediate pass.
func (s *Scanner) ScanNow() {
	select {
	case s.scanNowCh <- struct{}{}:
	default:
	}
}

func (s *Scanner) run() {
	defer close(s.doneCh)

	logger := zlog.With().Str("component", "scanner").Str("dir", s.dir).Logger()
	logger.Info().Msg("File scanner started")

	ticker := s.clock.Ticker(s.period)
	defer ticker.Stop()

	s.scanPass()
	for {
		select {
		case <-ticker.C:
			s.scanPass()
		case <-s.scanNowCh:
			s.scanPass()
		case <-s.stopCh:
			if err := s.registry.Flush(); err != nil {
				logger.Error().Err(err).Msg("Offset registry flush failed")
			}
			logger.Info().Msg("File scanner stopped")
			return
		}
	}
}

// scanPass enumerates matching files and tails each from its stored
// offset. The registry is flushed once per pass.
func (s *Scanner) scanPass() {
	for _, path := range s.enumerate() {
		if err := s.tail(path); err != nil {
			zlog.Warn().
				Str("component", "scanner").
				Str("path", path).
				Err(err).
				Msg("Tail failed, will retry next pass")
		}
	}
	if err := s.registry.Flush(); err != nil {
		zlog.Error().Str("component", "scanner").Err(err).Msg("Offset registry flush failed")
	}
}

func (s *Scanner) enumerate() []string {
	var paths []string

	if s.recursive {
		filepath.WalkDir(s.dir, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return nil // unreadable subtree, skip
			}
			if !d.IsDir() && s.glob.Match(d.Name()) {
				paths = append(paths, path)
			}
			return nil
		})
		return paths
	}

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil
	}
	for _, e := range entries {
		if !e.IsDir() && s.glob.Match(e.Name()) {
			paths = append(paths, filepath.Join(s.dir, e.Name()))
		}
	}
	return paths
}

// tail reads complete appended lines from path starting at the stored
// offset. Rotation (inode change) and truncation reset the offset to zero.
func (s *Scanner) tail(path string) error {
	fi, err := os.Stat(path)
	if err != nil {
		return err
	}
	inode := inodeOf(fi)

	entry, known := s.registry.Get(path)
	offset := int64(0)
	if known && entry.Inode == inode && fi.Size() >= entry.Offset {
		offset = entry.Offset
	}
	if fi.Size() == offset {
		if !known || entry.Inode != inode {
			s.registry.Set(path, Entry{Inode: inode, Offset: offset})
		}
		return nil
	}

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := f.Seek(offset, 0); err != nil {
		return err
	}

	reader := bufio.NewReaderSize(f, 64*1024)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			// incomplete trailing line stays unread until its newline lands
			break
		}
		offset += int64(len(line))
		line = trimEOL(line)
		if len(line) > maxLineBytes {
			line = line[:maxLineBytes]
		}
		if line != "" {
			s.sink(line, path)
		}
	}

	s.registry.Set(path, Entry{Inode: inode, Offset: offset})
	return nil
}

func trimEOL(line string) string {
	for len(line) > 0 && (line[len(line)-1] == '\n' || line[len(line)-1] == '\r') {
		line = line[:len(line)-1]
	}
	return line
}
