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

package searchcache

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/grepwise/grepwise/internal/record"
)

const (
	DefaultMaxSize      = 1024
	DefaultExpirationMs = 60000
)

// Config is the runtime-adjustable cache configuration.
type Config struct {
	Enabled      bool  `json:"enabled"`
	MaxSize      int   `json:"maxSize"`
	ExpirationMs int64 `json:"expirationMs"`
}

func DefaultConfig() Config {
	return Config{Enabled: true, MaxSize: DefaultMaxSize, ExpirationMs: DefaultExpirationMs}
}

// Stats is the cache counter snapshot exposed over REST.
type Stats struct {
	Hits      int64   `json:"hits"`
	Misses    int64   `json:"misses"`
	HitRatio  float64 `json:"hitRatio"`
	Size      int     `json:"size"`
	Evictions int64   `json:"evictions"`
}

type entry struct {
	records    []*record.Record
	computedAt time.Time
	start, end *int64
}

// Cache memoizes search results keyed by the normalized query and window.
// Entries expire after a TTL, are evicted LRU beyond MaxSize, and are
// invalidated whenever a commit or retention pass touches their window.
type Cache struct {
	mu    sync.Mutex
	cfg   Config
	lru   *lru.Cache[string, *entry]
	clock clock.Clock

	hits      int64
	misses    int64
	evictions int64
}

func New(cfg Config, clk clock.Clock) *Cache {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = DefaultMaxSize
	}
	if cfg.ExpirationMs <= 0 {
		cfg.ExpirationMs = DefaultExpirationMs
	}
	if clk == nil {
		clk = clock.New()
	}
	c := &Cache{cfg: cfg, clock: clk}
	c.lru = c.newLRU(cfg.MaxSize)
	return c
}

func (c *Cache) newLRU(size int) *lru.Cache[string, *entry] {
	l, err := lru.NewWithEvict[string, *entry](size, func(string, *entry) {
		c.evictions++
	})
	if err != nil {
		panic(err)
	}
	return l
}

// Key derives the cache key for a query and window.
func Key(query string, isRegex bool, start, end *int64) string {
	h := sha256.New()
	h.Write([]byte(Normalize(query)))

	var flags [1]byte
	if isRegex {
		flags[0] = 1
	}
	h.Write(flags[:])

	var buf [8]byte
	for _, bound := range []*int64{start, end} {
		if bound == nil {
			h.Write([]byte{0})
			continue
		}
		h.Write([]byte{1})
		binary.BigEndian.PutUint64(buf[:], uint64(*bound))
		h.Write(buf[:])
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Normalize collapses runs of whitespace and lower-cases bare tokens;
// quoted sections keep their exact spelling.
func Normalize(query string) string {
	var b strings.Builder
	inQuote := false
	space := false
	for _, r := range strings.TrimSpace(query) {
		if r == '"' {
			if space {
				b.WriteByte(' ')
				space = false
			}
			inQuote = !inQuote
			b.WriteRune(r)
			continue
		}
		if !inQuote && (r == ' ' || r == '\t' || r == '\n' || r == '\r') {
			space = true
			continue
		}
		if space {
			b.WriteByte(' ')
			space = false
		}
		if inQuote {
			b.WriteRune(r)
		} else {
			b.WriteString(strings.ToLower(string(r)))
		}
	}
	return b.String()
}

// Get returns the cached result for the key when present and fresh.
func (c *Cache) Get(key string) ([]*record.Record, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.cfg.Enabled {
		return nil, false
	}

	ent, ok := c.lru.Get(key)
	if !ok {
		c.misses++
		return nil, false
	}
	if c.expired(ent) {
		c.lru.Remove(key)
		c.misses++
		return nil, false
	}
	c.hits++
	return ent.records, true
}

// Put stores a computed result together with its window bounds.
func (c *Cache) Put(key string, records []*record.Record, start, end *int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.cfg.Enabled {
		return
	}
	c.lru.Add(key, &entry{
		records:    records,
		computedAt: c.clock.Now(),
		start:      start,
		end:        end,
	})
}

// InvalidateWindow removes entries whose [start, end) window intersects
// [start, end) and returns how many were dropped. Entries with an open
// bound always intersect.
func (c *Cache) InvalidateWindow(start, end int64) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	dropped := 0
	for _, key := range c.lru.Keys() {
		ent, ok := c.lru.Peek(key)
		if !ok {
			continue
		}
		if windowsIntersect(ent.start, ent.end, start, end) {
			c.lru.Remove(key)
			dropped++
		}
	}
	return dropped
}

// Sweep drops expired entries; run periodically by the scheduler.
func (c *Cache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	dropped := 0
	for _, key := range c.lru.Keys() {
		ent, ok := c.lru.Peek(key)
		if !ok {
			continue
		}
		if c.expired(ent) {
			c.lru.Remove(key)
			dropped++
		}
	}
	return dropped
}

// Clear drops every entry.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Purge()
}

func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Stats{
		Hits:      c.hits,
		Misses:    c.misses,
		Size:      c.lru.Len(),
		Evictions: c.evictions,
	}
	if total := s.Hits + s.Misses; total > 0 {
		s.HitRatio = float64(s.Hits) / float64(total)
	}
	return s
}

func (c *Cache) Config() Config {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg
}

// Reconfigure applies a new configuration. Shrinking MaxSize rebuilds the
// LRU and drops everything; disabling clears the cache.
func (c *Cache) Reconfigure(cfg Config) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if cfg.MaxSize <= 0 {
		cfg.MaxSize = DefaultMaxSize
	}
	if cfg.ExpirationMs <= 0 {
		cfg.ExpirationMs = DefaultExpirationMs
	}
	if cfg.MaxSize != c.cfg.MaxSize {
		c.lru = c.newLRU(cfg.MaxSize)
	}
	if !cfg.Enabled {
		c.lru.Purge()
	}
	c.cfg = cfg
}

// SweepInterval returns the period the scheduler should run Sweep at.
func (c *Cache) SweepInterval() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Duration(c.cfg.ExpirationMs) * time.Millisecond / 4
}

func (c *Cache) expired(ent *entry) bool {
	ttl := time.Duration(c.cfg.ExpirationMs) * time.Millisecond
	return c.clock.Now().Sub(ent.computedAt) >= ttl
}

func windowsIntersect(start, end *int64, a, b int64) bool {
	if start != nil && *start >= b {
		return false
	}
	if end != nil && *end <= a {
		return false
	}
	return true
}
