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

// Package redact masks sensitive metadata values and message substrings on
// every record leaving the search surface.
package redact

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strings"
	"sync/atomic"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/fsnotify/fsnotify"
	zlog "github.com/rs/zerolog/log"

	"github.com/grepwise/grepwise/internal/record"
)

// DefaultMask replaces redacted values and pattern matches.
const DefaultMask = "*****"

// Config is the on-disk redaction configuration.
type Config struct {
	Keys     []string        `json:"keys"`
	Patterns []PatternConfig `json:"patterns"`
}

type PatternConfig struct {
	Regex string `json:"regex"`
	Mask  string `json:"mask,omitempty"`
}

type pattern struct {
	re   *regexp.Regexp
	mask string
}

// ruleset is an immutable compiled configuration; the redactor swaps the
// whole value on reload so readers never lock.
type ruleset struct {
	cfg      Config
	keys     mapset.Set[string]
	patterns []pattern
}

func compile(cfg Config) (*ruleset, error) {
	rs := &ruleset{cfg: cfg, keys: mapset.NewThreadUnsafeSet[string]()}
	for _, k := range cfg.Keys {
		rs.keys.Add(strings.ToLower(k))
	}
	for _, p := range cfg.Patterns {
		re, err := regexp.Compile(p.Regex)
		if err != nil {
			return nil, fmt.Errorf("redaction pattern %q: %w", p.Regex, err)
		}
		mask := p.Mask
		if mask == "" {
			mask = DefaultMask
		}
		rs.patterns = append(rs.patterns, pattern{re: re, mask: mask})
	}
	return rs, nil
}

// Redactor applies the active ruleset to records. The ruleset is replaced
// atomically on reload; Apply never blocks on a reload.
type Redactor struct {
	path    string // config file; empty means static config
	rules   atomic.Pointer[ruleset]
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// New returns a redactor with a fixed configuration.
func New(cfg Config) (*Redactor, error) {
	rs, err := compile(cfg)
	if err != nil {
		return nil, err
	}
	r := &Redactor{}
	r.rules.Store(rs)
	return r, nil
}

// NewFromFile loads the configuration at path and watches it for changes.
// A missing file yields an empty ruleset that reloads once the file
// appears.
func NewFromFile(path string) (*Redactor, error) {
	r := &Redactor{path: path, done: make(chan struct{})}

	cfg, err := readConfig(path)
	if err != nil {
		return nil, err
	}
	rs, err := compile(cfg)
	if err != nil {
		return nil, err
	}
	r.rules.Store(rs)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// watch the directory: editors and atomic writers replace the file
	if err := watcher.Add(dirOf(path)); err != nil {
		watcher.Close()
		return nil, err
	}
	r.watcher = watcher
	go r.watch()
	return r, nil
}

func dirOf(path string) string {
	if i := strings.LastIndexByte(path, '/'); i > 0 {
		return path[:i]
	}
	return "."
}

func readConfig(path string) (Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("read redaction config: %w", err)
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("decode redaction config: %w", err)
	}
	return cfg, nil
}

func (r *Redactor) watch() {
	for {
		select {
		case ev, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			if !strings.HasSuffix(ev.Name, r.path) && ev.Name != r.path {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if err := r.Reload(); err != nil {
				zlog.Error().Str("component", "redact").Err(err).Msg("Redaction config reload failed")
			} else {
				zlog.Info().Str("component", "redact").Msg("Redaction config reloaded")
			}
		case err, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			zlog.Error().Str("component", "redact").Err(err).Msg("Redaction config watcher error")
		case <-r.done:
			return
		}
	}
}

// Reload re-reads the config file and swaps the ruleset. A compile error
// keeps the previous rules active.
func (r *Redactor) Reload() error {
	if r.path == "" {
		return nil
	}
	cfg, err := readConfig(r.path)
	if err != nil {
		return err
	}
	rs, err := compile(cfg)
	if err != nil {
		return err
	}
	r.rules.Store(rs)
	return nil
}

// Update replaces the active configuration programmatically and, when the
// redactor is file-backed, persists it.
func (r *Redactor) Update(cfg Config) error {
	rs, err := compile(cfg)
	if err != nil {
		return err
	}
	if r.path != "" {
		data, err := json.MarshalIndent(cfg, "", "  ")
		if err != nil {
			return err
		}
		if err := os.WriteFile(r.path, data, 0o644); err != nil {
			return fmt.Errorf("write redaction config: %w", err)
		}
	}
	r.rules.Store(rs)
	return nil
}

// Current returns the active configuration.
func (r *Redactor) Current() Config {
	return r.rules.Load().cfg
}

// Apply returns a redacted copy of rec; rec itself is never modified. When
// nothing matches, rec is returned as-is.
func (r *Redactor) Apply(rec *record.Record) *record.Record {
	rs := r.rules.Load()
	if rs.keys.Cardinality() == 0 && len(rs.patterns) == 0 {
		return rec
	}

	var out *record.Record
	clone := func() {
		if out == nil {
			out = rec.Clone()
		}
	}

	for k := range rec.Metadata {
		if rs.keys.Contains(strings.ToLower(k)) {
			clone()
			out.Metadata[k] = DefaultMask
		}
	}

	// patterns apply in order against the running text
	for _, p := range rs.patterns {
		cur := rec
		if out != nil {
			cur = out
		}
		if p.re.MatchString(cur.Message) || p.re.MatchString(cur.Raw) {
			clone()
			out.Message = p.re.ReplaceAllString(out.Message, p.mask)
			out.Raw = p.re.ReplaceAllString(out.Raw, p.mask)
		}
	}

	if out == nil {
		return rec
	}
	return out
}

// ApplyAll redacts a slice, reusing unmodified records.
func (r *Redactor) ApplyAll(recs []*record.Record) []*record.Record {
	out := make([]*record.Record, len(recs))
	for i, rec := range recs {
		out[i] = r.Apply(rec)
	}
	return out
}

// Close stops the config watcher.
func (r *Redactor) Close() error {
	if r.watcher == nil {
		return nil
	}
	close(r.done)
	return r.watcher.Close()
}
