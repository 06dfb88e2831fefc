// Copyright 2025 The corpusflow Authors
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

// Package cache provides the LRU+TTL response caches used by the LLM
// gateway, metadata extractor, and embedder.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// entry pairs a value with its insertion time so hits can report age.
type entry[V any] struct {
	value    V
	storedAt time.Time
}

// Cache is a thread-safe LRU with per-entry TTL.
type Cache[V any] struct {
	lru    *expirable.LRU[string, entry[V]]
	hits   atomic.Int64
	misses atomic.Int64
}

// New builds a cache holding at most size entries, each valid for ttl.
func New[V any](size int, ttl time.Duration) *Cache[V] {
	return &Cache[V]{
		lru: expirable.NewLRU[string, entry[V]](size, nil, ttl),
	}
}

// Key fingerprints the request parts into a cache key. Identical inputs in
// identical order produce identical keys.
func Key(parts ...string) string {
	h := sha256.Sum256([]byte(strings.Join(parts, "\x1f")))
	return hex.EncodeToString(h[:])
}

// Get returns the cached value and its age. ok is false on miss or expiry.
func (c *Cache[V]) Get(key string) (value V, age time.Duration, ok bool) {
	e, ok := c.lru.Get(key)
	if !ok {
		c.misses.Add(1)
		var zero V
		return zero, 0, false
	}
	c.hits.Add(1)
	return e.value, time.Since(e.storedAt), true
}

// Set stores value under key, evicting the oldest entry when full.
func (c *Cache[V]) Set(key string, value V) {
	c.lru.Add(key, entry[V]{value: value, storedAt: time.Now()})
}

// Clear drops every entry. Hit and miss counters are preserved.
func (c *Cache[V]) Clear() {
	c.lru.Purge()
}

// Stats reports the cache occupancy and hit ratio.
type Stats struct {
	Size    int     `json:"size"`
	Hits    int64   `json:"hits"`
	Misses  int64   `json:"misses"`
	HitRate float64 `json:"hit_rate"`
}

func (c *Cache[V]) Stats() Stats {
	hits, misses := c.hits.Load(), c.misses.Load()
	s := Stats{Size: c.lru.Len(), Hits: hits, Misses: misses}
	if total := hits + misses; total > 0 {
		s.HitRate = float64(hits) / float64(total)
	}
	return s
}
