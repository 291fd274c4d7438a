/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package cache is an in-memory, fingerprint-keyed cache of completed
// inference responses (§4.G). Entries carry a sliding TTL and the cache is
// bounded by entry count, evicting the least-recently-used entry on
// insertion above capacity.
package cache

import (
	"container/list"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/defilantech/inferencebalancer/internal/types"
)

const defaultJanitorInterval = time.Minute

// Cache is a bounded, TTL-expiring, fingerprint-keyed response cache.
// A container/list backs LRU order; a map gives O(1) lookup into that list.
// Every mutation (Get's touch included) takes the single lock, matching the
// rest of the balancer's short-critical-section style (§5).
type Cache struct {
	mu       sync.Mutex
	ttl      time.Duration
	capacity int
	items    map[string]*list.Element
	order    *list.List // front = most recently used
	logger   *zap.SugaredLogger

	stopOnce sync.Once
	stop     chan struct{}
}

type entry struct {
	key       string
	value     types.CacheEntry
	expiresAt time.Time
}

// New returns a Cache with the given TTL and maximum entry count, and
// starts its background janitor sweep. Call Close to stop the janitor.
func New(ttl time.Duration, capacity int, logger *zap.SugaredLogger) *Cache {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if capacity <= 0 {
		capacity = 1
	}
	c := &Cache{
		ttl:      ttl,
		capacity: capacity,
		items:    make(map[string]*list.Element),
		order:    list.New(),
		logger:   logger,
		stop:     make(chan struct{}),
	}
	go c.janitor(defaultJanitorInterval)
	return c
}

// Close stops the background janitor. Safe to call more than once.
func (c *Cache) Close() {
	c.stopOnce.Do(func() { close(c.stop) })
}

// Fingerprint computes the cache key for a request: SHA-256 over modelId,
// normalized prompt and system prompt, temperature rounded to one decimal,
// maxTokens, and promptType (§4.G). Two requests differing only in ways
// that do not affect model output collapse onto the same fingerprint.
func Fingerprint(r *types.InferenceRequest) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%s\x00%s\x00%.1f\x00%d\x00%s",
		r.ModelID,
		normalize(r.Prompt),
		normalize(r.SystemPrompt),
		roundTo(r.Temperature, 1),
		r.MaxTokens,
		r.PromptType,
	)
	return hex.EncodeToString(h.Sum(nil))
}

func normalize(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func roundTo(v float64, decimals int) float64 {
	mult := math.Pow(10, float64(decimals))
	return math.Round(v*mult) / mult
}

// Get returns the cached response for fingerprint, if present and not past
// its sliding TTL. A hit refreshes both its LRU position and its
// expiration (§4.G "sliding TTL").
func (c *Cache) Get(fingerprint string) (types.InferenceResponse, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[fingerprint]
	if !ok {
		return types.InferenceResponse{}, false
	}
	e := el.Value.(*entry)
	if time.Now().After(e.expiresAt) {
		c.removeLocked(el)
		return types.InferenceResponse{}, false
	}
	e.expiresAt = time.Now().Add(c.ttl)
	c.order.MoveToFront(el)
	resp := e.value.Response
	resp.Cached = true
	return resp, true
}

// Put stores resp under fingerprint, evicting the least-recently-used entry
// if the cache is at capacity. Writes are idempotent: storing the same
// fingerprint twice just refreshes it (§3 I6).
func (c *Cache) Put(fingerprint string, resp types.InferenceResponse) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	if el, ok := c.items[fingerprint]; ok {
		e := el.Value.(*entry)
		e.value = types.CacheEntry{Fingerprint: fingerprint, Response: resp, CreatedAt: now}
		e.expiresAt = now.Add(c.ttl)
		c.order.MoveToFront(el)
		return
	}

	e := &entry{
		key:       fingerprint,
		value:     types.CacheEntry{Fingerprint: fingerprint, Response: resp, CreatedAt: now},
		expiresAt: now.Add(c.ttl),
	}
	el := c.order.PushFront(e)
	c.items[fingerprint] = el

	if c.order.Len() > c.capacity {
		c.evictOldestLocked()
	}
}

// Invalidate removes fingerprint from the cache, if present.
func (c *Cache) Invalidate(fingerprint string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[fingerprint]; ok {
		c.removeLocked(el)
	}
}

// Clear empties the cache entirely.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[string]*list.Element)
	c.order.Init()
}

// Len returns the current entry count.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

func (c *Cache) evictOldestLocked() {
	oldest := c.order.Back()
	if oldest == nil {
		return
	}
	c.removeLocked(oldest)
}

func (c *Cache) removeLocked(el *list.Element) {
	e := el.Value.(*entry)
	delete(c.items, e.key)
	c.order.Remove(el)
}

// janitor periodically sweeps expired entries so a cold cache does not grow
// unbounded between reads on keys nobody asks for again. Lazy
// expiry-on-read (in Get) still wins the race for hot keys; this is strictly
// for entries nobody reads again before they expire.
func (c *Cache) janitor(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.sweep()
		}
	}
}

func (c *Cache) sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	var expired []*list.Element
	for el := c.order.Back(); el != nil; el = el.Prev() {
		if now.After(el.Value.(*entry).expiresAt) {
			expired = append(expired, el)
		}
	}
	for _, el := range expired {
		c.removeLocked(el)
	}
	if len(expired) > 0 {
		c.logger.Debugw("cache janitor swept expired entries", "count", len(expired))
	}
}
