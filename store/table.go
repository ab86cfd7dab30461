// Package store implements the storage table: a multi-entry-per-key
// value map with expiration and republish scheduling, plus an
// LRU-bounded cache for values learned along a lookup path.
package store

import (
	"container/heap"
	"sync"
	"time"

	"github.com/TheWaWaR/subotai/id"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"
)

// Config bounds the storage table's fan-out.
type Config struct {
	MaxEntriesPerKey int
	MaxKeys          int
	CacheCapacity    int
	RepublishInterval time.Duration
}

// Table is the per-node storage table described in spec §4.3: a set
// of live entries per key, an expiration schedule, a republish
// schedule for originals, and a bounded LRU cache for entries learned
// via remote FIND_VALUE responses.
type Table struct {
	mu sync.Mutex

	cfg Config

	entries map[id.ID][]*record
	expire  expireQueue
	repub   republishQueue

	cache *lru.Cache[id.ID, []Entry]
}

// NewTable constructs an empty storage table. CacheCapacity of 0
// disables caching entirely (Cache ends up nil and MarkCached is a
// no-op).
func NewTable(cfg Config) *Table {
	t := &Table{
		cfg:     cfg,
		entries: make(map[id.ID][]*record),
	}
	if cfg.CacheCapacity > 0 {
		c, err := lru.New[id.ID, []Entry](cfg.CacheCapacity)
		if err != nil {
			// Only reachable for a non-positive size, already guarded above.
			panic(err)
		}
		t.cache = c
	}
	heap.Init(&t.expire)
	heap.Init(&t.repub)
	return t
}

// Store inserts or refreshes an entry under key. An equal entry
// (variant+payload) already present has its expiration monotonically
// extended rather than being duplicated. Returns ErrStorageFull if key
// would exceed MaxEntriesPerKey, or if key is new and the table is
// already at MaxKeys.
func (t *Table) Store(key id.ID, e Entry) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	set, exists := t.entries[key]
	for _, r := range set {
		if sameValue(r.entry, e) {
			if e.Expiration.After(r.entry.Expiration) {
				r.entry.Expiration = e.Expiration
			}
			if e.Republishable && e.RepublishAt.After(r.entry.RepublishAt) {
				r.entry.RepublishAt = e.RepublishAt
			}
			heap.Fix(&t.expire, indexOf(t.expire, r))
			if r.entry.Republishable {
				if idx := indexOf(t.repub, r); idx >= 0 {
					heap.Fix(&t.repub, idx)
				}
			}
			return nil
		}
	}

	if !exists && len(t.entries) >= t.cfg.MaxKeys && t.cfg.MaxKeys > 0 {
		return ErrStorageFull
	}
	if t.cfg.MaxEntriesPerKey > 0 && len(set) >= t.cfg.MaxEntriesPerKey {
		return ErrStorageFull
	}

	r := &record{key: key, entry: e}
	t.entries[key] = append(set, r)
	heap.Push(&t.expire, r)
	if e.Republishable {
		heap.Push(&t.repub, r)
	}
	logrus.WithFields(logrus.Fields{
		"function": "Store",
		"key":      key.String(),
	}).Debug("stored entry")
	return nil
}

// indexOf finds r's position in the heap slice. container/heap does
// not track indices for us since our records aren't reused across
// both queues with a single shared index field; a linear scan is
// acceptable since per-key entry counts are small and bounded.
func indexOf[T interface{ ~[]*record }](q T, r *record) int {
	for i, x := range q {
		if x == r {
			return i
		}
	}
	return -1
}

// Retrieve returns every fresh entry stored under key, from both the
// primary set and the cache, in no particular guaranteed order beyond
// primary-before-cached.
func (t *Table) Retrieve(key id.ID, now time.Time) []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []Entry
	for _, r := range t.entries[key] {
		if !r.dead && r.entry.fresh(now) {
			out = append(out, r.entry)
		}
	}
	if t.cache != nil {
		if cached, ok := t.cache.Get(key); ok {
			for _, e := range cached {
				if e.fresh(now) {
					out = append(out, e)
				}
			}
		}
	}
	return out
}

// MarkCached places an entry learned via a remote FIND_VALUE hit into
// the bounded cache. Cached entries are never republishable and never
// outlive their origin's remaining lifetime; the caller is expected to
// have already capped e.Expiration accordingly. A no-op if caching is
// disabled (CacheCapacity == 0).
func (t *Table) MarkCached(key id.ID, e Entry) {
	if t.cache == nil {
		return
	}
	e.Republishable = false
	e.RepublishAt = time.Time{}

	t.mu.Lock()
	defer t.mu.Unlock()

	existing, _ := t.cache.Get(key)
	for i, c := range existing {
		if sameValue(c, e) {
			if e.Expiration.After(c.Expiration) {
				existing[i].Expiration = e.Expiration
			}
			t.cache.Add(key, existing)
			return
		}
	}
	t.cache.Add(key, append(existing, e))
}

// TickResult reports the work a maintenance tick surfaced: keys whose
// entry sets are now empty (for observability), and originals due for
// a network republish.
type TickResult struct {
	ExpiredKeys     []id.ID
	DueRepublishes  []RepublishDue
}

// RepublishDue names one original entry the façade should re-STORE to
// the network, along with the deadline it has just been rescheduled
// for.
type RepublishDue struct {
	Key           id.ID
	Entry         Entry
	NextDeadline  time.Time
}

// Tick drains the expiration queue, removing any now-expired entries
// (and their key if the set becomes empty), and drains the republish
// queue, returning the originals due for network re-announcement with
// a freshly computed next deadline already applied.
func (t *Table) Tick(now time.Time) TickResult {
	t.mu.Lock()
	defer t.mu.Unlock()

	var result TickResult

	for _, r := range drainExpired(&t.expire, now) {
		r.dead = true
		set := t.entries[r.key]
		for i, x := range set {
			if x == r {
				set = append(set[:i], set[i+1:]...)
				break
			}
		}
		if len(set) == 0 {
			delete(t.entries, r.key)
			result.ExpiredKeys = append(result.ExpiredKeys, r.key)
		} else {
			t.entries[r.key] = set
		}
	}

	for _, r := range drainDueRepublish(&t.repub, now) {
		if r.dead {
			continue
		}
		next := now.Add(t.cfg.RepublishInterval)
		r.entry.RepublishAt = next
		heap.Push(&t.repub, r)
		result.DueRepublishes = append(result.DueRepublishes, RepublishDue{
			Key:          r.key,
			Entry:        r.entry,
			NextDeadline: next,
		})
	}

	return result
}

// Keys returns every key currently holding at least one live entry,
// for diagnostics and tests.
func (t *Table) Keys() []id.ID {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]id.ID, 0, len(t.entries))
	for k := range t.entries {
		out = append(out, k)
	}
	return out
}

// Len returns the total number of entries across all keys that no Tick
// has removed yet, including ones already past their expiration, for
// tests and diagnostics.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, set := range t.entries {
		n += len(set)
	}
	return n
}
