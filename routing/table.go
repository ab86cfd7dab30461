package routing

import (
	"sort"
	"sync"
	"time"

	"github.com/TheWaWaR/subotai/id"
	"github.com/sirupsen/logrus"
)

// Pinger probes a contact that is about to be evicted from a bucket's
// main list. It must block until the probe resolves or times out and
// report whether the contact responded. The routing table never calls
// into the RPC layer directly; it only holds this narrow interface,
// supplied by whatever owns both the table and the RPC layer.
type Pinger interface {
	Ping(c Contact) bool
}

// defenseState tracks the routing table's flood-dampening flag: once
// a bucket saturates (main list full, grace list full) the whole
// table stops admitting unknown contacts until the flag ages out or
// the triggering bucket frees a grace slot.
type defenseState struct {
	mu            sync.Mutex
	active        bool
	since         time.Time
	triggerBucket int
	cooldown      time.Duration
}

func (d *defenseState) mark(bucketIdx int, now time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.active {
		return
	}
	d.active = true
	d.since = now
	d.triggerBucket = bucketIdx
}

func (d *defenseState) isActive() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.active
}

// clearIfExpired ages the flag out once cooldown has elapsed.
func (d *defenseState) clearIfExpired(now time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.active && now.Sub(d.since) >= d.cooldown {
		d.active = false
		return true
	}
	return false
}

// clearIfBucketFreed clears the flag early when the bucket that
// triggered it frees a grace slot, per spec's "or a grace slot frees".
func (d *defenseState) clearIfBucketFreed(bucketIdx int) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.active && d.triggerBucket == bucketIdx {
		d.active = false
		return true
	}
	return false
}

// Table is the routing table for a single node: self's identifier
// plus one k-bucket per possible bucket index, admission policy, and
// defensive state.
type Table struct {
	self         id.ID
	buckets      [id.Bits]*KBucket
	k            int
	graceTimeout time.Duration
	pinger       Pinger
	defense      *defenseState

	touchMu     sync.Mutex
	lastTouched [id.Bits]time.Time
}

// NewTable creates a routing table for self with k contacts per
// bucket, a grace-probe timeout, and a defensive-flag cooldown. pinger
// may be nil, in which case evicted contacts are never probed and so
// never reinstated; they still occupy a grace slot until
// ExpireGraceSweep drops them after the grace timeout (useful for
// tests that don't wire an RPC layer).
func NewTable(self id.ID, k int, graceTimeout, defensiveCooldown time.Duration, pinger Pinger) *Table {
	t := &Table{
		self:         self,
		k:            k,
		graceTimeout: graceTimeout,
		pinger:       pinger,
		defense:      &defenseState{cooldown: defensiveCooldown},
	}
	for i := range t.buckets {
		t.buckets[i] = NewKBucket(k)
	}
	return t
}

// Self returns the table owner's identifier.
func (t *Table) Self() id.ID { return t.self }

// UpdateContact offers a newly observed or re-observed contact to the
// table, implementing the introduce-first-resolve-later admission
// policy of spec §4.2. Returns false if the contact was self, or
// ignored due to bucket saturation or an active defensive flag.
func (t *Table) UpdateContact(c Contact, now time.Time) bool {
	if c.ID == t.self {
		return false
	}
	idx := id.BucketIndex(t.self.Xor(c.ID))
	bucket := t.buckets[idx]

	outcome, evicted := bucket.Admit(c, t.defense.isActive(), now)
	t.touch(idx, now)

	switch outcome {
	case AdmitIgnored:
		if !t.defense.isActive() {
			t.defense.mark(idx, now)
			logrus.WithFields(logrus.Fields{
				"function": "UpdateContact",
				"bucket":   idx,
			}).Warn("bucket saturated, entering defensive state")
		}
		return false
	case AdmitEvicting:
		deadline := now.Add(t.graceTimeout)
		bucket.SetGraceDeadline(evicted.ID, deadline)
		if t.pinger != nil {
			go t.resolveProbe(idx, bucket, evicted)
		}
		return true
	default:
		return true
	}
}

func (t *Table) resolveProbe(idx int, bucket *KBucket, evicted Contact) {
	success := t.pinger.Ping(evicted)
	freed := bucket.ResolveGrace(evicted.ID, success)
	if freed {
		t.defense.clearIfBucketFreed(idx)
	}
}

func (t *Table) touch(idx int, now time.Time) {
	t.touchMu.Lock()
	t.lastTouched[idx] = now
	t.touchMu.Unlock()
}

// ClosestTo returns up to n contacts closest to target, sorted by
// strictly increasing XOR distance with numeric-ascending tie-break.
// It scans outward from target's own bucket index, alternating to
// lower and higher indices, until n contacts are collected or the
// table is exhausted. A target equal to self has no bucket of its
// own, so the whole table is scanned.
func (t *Table) ClosestTo(target id.ID, n int) []Contact {
	var collected []Contact

	if target == t.self {
		for i := range t.buckets {
			collected = append(collected, t.buckets[i].Snapshot()...)
		}
	} else {
		start := id.BucketIndex(t.self.Xor(target))
		collected = append(collected, t.buckets[start].Snapshot()...)
		for offset := 1; offset < id.Bits && len(collected) < n; offset++ {
			if lo := start - offset; lo >= 0 {
				collected = append(collected, t.buckets[lo].Snapshot()...)
			}
			if hi := start + offset; hi < id.Bits {
				collected = append(collected, t.buckets[hi].Snapshot()...)
			}
		}
	}

	less := id.CloserFunc(target)
	sort.Slice(collected, func(i, j int) bool { return less(collected[i].ID, collected[j].ID) })
	if len(collected) > n {
		collected = collected[:n]
	}
	return collected
}

// SpecificContact returns the contact with the given ID, if it is
// currently in the table's main lists.
func (t *Table) SpecificContact(cid id.ID) (Contact, bool) {
	if cid == t.self {
		return Contact{}, false
	}
	idx := id.BucketIndex(t.self.Xor(cid))
	bucket := t.buckets[idx]
	for _, c := range bucket.Snapshot() {
		if c.ID == cid {
			return c, true
		}
	}
	return Contact{}, false
}

// AllContacts returns every contact in every bucket's main list.
func (t *Table) AllContacts() []Contact {
	var out []Contact
	for i := range t.buckets {
		out = append(out, t.buckets[i].Snapshot()...)
	}
	return out
}

// Count returns the total number of contacts across all buckets.
func (t *Table) Count() int {
	n := 0
	for i := range t.buckets {
		n += t.buckets[i].Len()
	}
	return n
}

// MarkDefensive forces the defensive flag on, bypassing the normal
// bucket-saturation trigger. Exposed for tests and for callers that
// detect flooding by other means (e.g. rate limiting upstream).
func (t *Table) MarkDefensive(now time.Time) {
	t.defense.mark(-1, now)
}

// IsDefensive reports the current defensive flag value.
func (t *Table) IsDefensive() bool {
	return t.defense.isActive()
}

// ClearDefenseIfExpired ages the defensive flag out once its cooldown
// has elapsed. Intended to be called by the maintenance ticker.
func (t *Table) ClearDefenseIfExpired(now time.Time) bool {
	return t.defense.clearIfExpired(now)
}

// ExpireGraceSweep drops grace-list entries whose probe deadline has
// passed without resolution, across every bucket, clearing the
// defensive flag if the bucket that triggered it freed a slot.
// Intended to be called by the maintenance ticker; returns the total
// number dropped.
func (t *Table) ExpireGraceSweep(now time.Time) int {
	total := 0
	for i := range t.buckets {
		dropped := t.buckets[i].ExpireGrace(now)
		if dropped > 0 {
			t.defense.clearIfBucketFreed(i)
		}
		total += dropped
	}
	return total
}

// RemoveStale removes a specific contact, known by the caller to have
// failed liveness checks, from its bucket's main list. The table does
// not track per-contact activity, so age-based staleness is judged at
// the bucket level via StaleBuckets instead. Returns true if a contact
// was removed.
func (t *Table) RemoveStale(cid id.ID) bool {
	idx := id.BucketIndex(t.self.Xor(cid))
	return t.buckets[idx].Remove(cid)
}

// StaleBuckets returns the indices of buckets that have not been
// offered a contact through UpdateContact (whether admitted, promoted
// or ignored) within refreshInterval, or ever, the set the
// maintenance ticker should run a node_lookup against to refresh.
func (t *Table) StaleBuckets(now time.Time, refreshInterval time.Duration) []int {
	t.touchMu.Lock()
	defer t.touchMu.Unlock()

	var stale []int
	for i, last := range t.lastTouched {
		if last.IsZero() || now.Sub(last) >= refreshInterval {
			stale = append(stale, i)
		}
	}
	return stale
}
