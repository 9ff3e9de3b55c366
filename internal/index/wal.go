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

package index

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"

	zlog "github.com/rs/zerolog/log"

	"github.com/grepwise/grepwise/internal/record"
)

// ErrCorrupt marks damage outside the tail of the newest segment. A torn
// tail is expected after an unclean shutdown and is truncated silently;
// anything else is unrecoverable.
var ErrCorrupt = errors.New("index log corrupt")

const (
	walOpAdd = "add"
	walOpDel = "del"

	defaultSegmentMaxBytes = 8 << 20
)

// walEntry is one committed unit in the write-ahead log.
type walEntry struct {
	Op      string           `json:"op"`
	Records []*record.Record `json:"records,omitempty"`
	Cutoff  *int64           `json:"cutoff,omitempty"`
	Source  string           `json:"source,omitempty"`
}

// wal is an append-only log of index commits split into numbered segment
// files. Each entry is framed as length + crc32 + JSON payload and fsynced
// before the commit is acknowledged.
type wal struct {
	dir      string
	maxBytes int64

	seq  int
	f    *os.File
	size int64
}

var segmentNameRe = regexp.MustCompile(`^segment-(\d{6})\.wal$`)

func segmentName(seq int) string {
	return fmt.Sprintf("segment-%06d.wal", seq)
}

// openWAL replays every committed entry through apply, then opens the
// newest segment for appending.
func openWAL(dir string, maxBytes int64, apply func(walEntry)) (*wal, error) {
	if maxBytes <= 0 {
		maxBytes = defaultSegmentMaxBytes
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	seqs, err := listSegments(dir)
	if err != nil {
		return nil, err
	}

	w := &wal{dir: dir, maxBytes: maxBytes}

	for i, seq := range seqs {
		last := i == len(seqs)-1
		if err := replaySegment(filepath.Join(dir, segmentName(seq)), last, apply); err != nil {
			return nil, err
		}
	}

	w.seq = 1
	if n := len(seqs); n > 0 {
		w.seq = seqs[n-1]
	}

	f, err := os.OpenFile(filepath.Join(dir, segmentName(w.seq)), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	w.f = f
	w.size = st.Size()
	return w, nil
}

func listSegments(dir string) ([]int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var seqs []int
	for _, e := range entries {
		m := segmentNameRe.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		seq, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		seqs = append(seqs, seq)
	}
	sort.Ints(seqs)
	return seqs, nil
}

// replaySegment feeds committed entries to apply. In the newest segment a
// torn tail is truncated away; in older segments it means corruption.
func replaySegment(path string, tailTruncatable bool, apply func(walEntry)) error {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	var offset int64
	var header [8]byte

	for {
		if _, err := io.ReadFull(f, header[:]); err != nil {
			if err == io.EOF {
				return nil
			}
			return truncateOrCorrupt(f, path, offset, tailTruncatable)
		}
		length := binary.BigEndian.Uint32(header[0:4])
		sum := binary.BigEndian.Uint32(header[4:8])

		payload := make([]byte, length)
		if _, err := io.ReadFull(f, payload); err != nil {
			return truncateOrCorrupt(f, path, offset, tailTruncatable)
		}
		if crc32.ChecksumIEEE(payload) != sum {
			return truncateOrCorrupt(f, path, offset, tailTruncatable)
		}

		var entry walEntry
		if err := json.Unmarshal(payload, &entry); err != nil {
			return truncateOrCorrupt(f, path, offset, tailTruncatable)
		}

		apply(entry)
		offset += 8 + int64(length)
	}
}

func truncateOrCorrupt(f *os.File, path string, offset int64, tailTruncatable bool) error {
	if !tailTruncatable {
		return fmt.Errorf("%w: %s at offset %d", ErrCorrupt, path, offset)
	}
	zlog.Warn().
		Str("component", "index").
		Str("segment", path).
		Int64("offset", offset).
		Msg("Truncating torn tail of index log")
	return f.Truncate(offset)
}

// append frames, writes and fsyncs one entry, rolling the segment when it
// passes the size cap.
func (w *wal) append(entry walEntry) error {
	payload, err := json.Marshal(entry)
	if err != nil {
		return err
	}

	var header [8]byte
	binary.BigEndian.PutUint32(header[0:4], uint32(len(payload)))
	binary.BigEndian.PutUint32(header[4:8], crc32.ChecksumIEEE(payload))

	// on any failure, cut the file back so a retried append starts clean
	if _, err := w.f.Write(header[:]); err != nil {
		w.f.Truncate(w.size)
		return err
	}
	if _, err := w.f.Write(payload); err != nil {
		w.f.Truncate(w.size)
		return err
	}
	if err := w.f.Sync(); err != nil {
		w.f.Truncate(w.size)
		return err
	}
	w.size += 8 + int64(len(payload))

	if w.size >= w.maxBytes {
		return w.roll()
	}
	return nil
}

func (w *wal) roll() error {
	if err := w.f.Close(); err != nil {
		return err
	}
	w.seq++
	f, err := os.OpenFile(filepath.Join(w.dir, segmentName(w.seq)), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	w.f = f
	w.size = 0
	return nil
}

// compact rewrites the whole log as a single add entry holding the live
// records, then removes the older segments.
func (w *wal) compact(live []*record.Record) error {
	oldSeqs, err := listSegments(w.dir)
	if err != nil {
		return err
	}

	newSeq := w.seq + 1
	tmpPath := filepath.Join(w.dir, segmentName(newSeq)+".tmp")

	tmp, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer os.Remove(tmpPath)

	payload, err := json.Marshal(walEntry{Op: walOpAdd, Records: live})
	if err != nil {
		tmp.Close()
		return err
	}
	var header [8]byte
	binary.BigEndian.PutUint32(header[0:4], uint32(len(payload)))
	binary.BigEndian.PutUint32(header[4:8], crc32.ChecksumIEEE(payload))
	if _, err := tmp.Write(header[:]); err != nil {
		tmp.Close()
		return err
	}
	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	finalPath := filepath.Join(w.dir, segmentName(newSeq))
	if err := os.Rename(tmpPath, finalPath); err != nil {
		return err
	}

	// swap the active segment, then drop the old ones
	if err := w.f.Close(); err != nil {
		return err
	}
	f, err := os.OpenFile(finalPath, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return err
	}
	w.f = f
	w.seq = newSeq
	w.size = st.Size()

	for _, seq := range oldSeqs {
		if seq < newSeq {
			os.Remove(filepath.Join(w.dir, segmentName(seq)))
		}
	}
	return nil
}

func (w *wal) close() error {
	return w.f.Close()
}
