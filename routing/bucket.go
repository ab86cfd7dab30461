package routing

import (
	"sync"
	"time"

	"github.com/TheWaWaR/subotai/id"
)

// AdmitOutcome classifies what happened when a contact was offered to
// a bucket, so the caller — which owns the RPC layer the bucket must
// never reach into directly — knows whether to schedule a probe.
type AdmitOutcome int

const (
	// AdmitPromoted means an already-present contact was moved to the
	// most-recently-seen end of the main list.
	AdmitPromoted AdmitOutcome = iota
	// AdmitAppended means the contact was added to a main list that
	// had room.
	AdmitAppended
	// AdmitEvicting means the bucket was full: its least-recently-seen
	// contact was demoted to the grace list (returned as Evicted) and
	// the offered contact took its place in the main list. The caller
	// must probe Evicted and report the result via ResolveGrace.
	AdmitEvicting
	// AdmitIgnored means the contact was neither known nor admitted:
	// either the grace list was already full (bucket saturated — the
	// caller should also mark the table defensive) or the table is
	// currently defensive and this contact is unknown.
	AdmitIgnored
)

// graceEntry is a contact pending re-probe after being evicted from
// the main list, recording the replacement that took its slot so a
// late-arriving probe success can tell whether the replacement has
// since proven itself independently.
type graceEntry struct {
	contact               Contact
	replacement           id.ID
	replacementReconfirmed bool
	deadline              time.Time
}

// KBucket holds up to maxSize live contacts ordered least- to
// most-recently-seen, plus a bounded grace list of contacts evicted
// from the main list but not yet confirmed dead.
type KBucket struct {
	mu      sync.Mutex
	main    []Contact
	grace   []graceEntry
	maxSize int
}

// NewKBucket creates an empty bucket with the given main-list capacity.
// The grace list shares the same capacity, per spec: total main+grace
// length never exceeds 2*maxSize.
func NewKBucket(maxSize int) *KBucket {
	return &KBucket{
		main:    make([]Contact, 0, maxSize),
		grace:   make([]graceEntry, 0, maxSize),
		maxSize: maxSize,
	}
}

// Contains reports whether id is currently in the main list.
func (b *KBucket) Contains(cid id.ID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.indexOfMain(cid) >= 0
}

func (b *KBucket) indexOfMain(cid id.ID) int {
	for i, c := range b.main {
		if c.ID == cid {
			return i
		}
	}
	return -1
}

func (b *KBucket) indexOfGrace(cid id.ID) int {
	for i, g := range b.grace {
		if g.contact.ID == cid {
			return i
		}
	}
	return -1
}

// Admit offers a contact to the bucket, implementing the
// introduce-first-resolve-later policy. defensive reports whether the
// owning routing table is currently in defensive state; when true and
// the contact is unknown, admission of new contacts is suppressed
// entirely (including plain appends) rather than just evictions, so a
// flood cannot grow the main list while the table is hardened.
func (b *KBucket) Admit(c Contact, defensive bool, now time.Time) (AdmitOutcome, Contact) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if i := b.indexOfMain(c.ID); i >= 0 {
		b.main[i] = c
		b.promoteMain(i)
		b.reconfirmGraceReplacement(c.ID)
		return AdmitPromoted, Contact{}
	}

	if defensive {
		return AdmitIgnored, Contact{}
	}

	if len(b.main) < b.maxSize {
		b.main = append(b.main, c)
		return AdmitAppended, Contact{}
	}

	if len(b.grace) >= b.maxSize {
		return AdmitIgnored, Contact{}
	}

	evicted := b.main[0]
	b.main = append(b.main[:0], b.main[1:]...)
	b.main = append(b.main, c)
	b.grace = append(b.grace, graceEntry{
		contact:     evicted,
		replacement: c.ID,
	})
	return AdmitEvicting, evicted
}

// promoteMain moves the entry at index i to the tail (most recently
// seen) of the main list.
func (b *KBucket) promoteMain(i int) {
	c := b.main[i]
	b.main = append(b.main[:i], b.main[i+1:]...)
	b.main = append(b.main, c)
}

// reconfirmGraceReplacement marks the grace entry whose replacement is
// cid as having been independently reconfirmed, so a late probe
// success for the evicted original will not evict cid in its favor.
func (b *KBucket) reconfirmGraceReplacement(cid id.ID) {
	for i := range b.grace {
		if b.grace[i].replacement == cid {
			b.grace[i].replacementReconfirmed = true
		}
	}
}

// SetGraceDeadline records the probe deadline for the most recently
// evicted contact (the one Admit just returned as AdmitEvicting). The
// caller sets it right after Admit returns, before starting the async
// probe; until then the entry has no deadline and ExpireGrace keeps it.
func (b *KBucket) SetGraceDeadline(evictedID id.ID, deadline time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if i := b.indexOfGrace(evictedID); i >= 0 {
		b.grace[i].deadline = deadline
	}
}

// ResolveGrace reports the result of probing a contact in the grace
// list. On success, the grace entry is reinstated at the tail of the
// main list and its replacement is dropped, unless the replacement
// was independently reconfirmed while the probe was in flight, in
// which case the replacement is kept and the old contact is dropped.
// On failure the old contact is dropped permanently. Returns true if
// a grace slot was freed as a result (used to clear a defensive
// table early).
func (b *KBucket) ResolveGrace(oldID id.ID, success bool) (freedSlot bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	i := b.indexOfGrace(oldID)
	if i < 0 {
		// Already reclaimed by another eviction; silently drop.
		return false
	}
	entry := b.grace[i]
	b.grace = append(b.grace[:i], b.grace[i+1:]...)

	if success && !entry.replacementReconfirmed {
		if j := b.indexOfMain(entry.replacement); j >= 0 {
			b.main = append(b.main[:j], b.main[j+1:]...)
		}
		b.main = append(b.main, entry.contact)
	}
	return true
}

// ExpireGrace drops any grace entries whose probe deadline has
// passed without resolution — the probe is presumed lost, and the
// replacement that already occupies the main list slot stays put.
// Returns the number of entries dropped.
func (b *KBucket) ExpireGrace(now time.Time) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	kept := b.grace[:0]
	dropped := 0
	for _, g := range b.grace {
		if !g.deadline.IsZero() && now.After(g.deadline) {
			dropped++
			continue
		}
		kept = append(kept, g)
	}
	b.grace = kept
	return dropped
}

// Remove deletes a contact from the main list by ID, used by
// maintenance sweeps to prune long-dead contacts. Returns true if a
// contact was removed.
func (b *KBucket) Remove(cid id.ID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if i := b.indexOfMain(cid); i >= 0 {
		b.main = append(b.main[:i], b.main[i+1:]...)
		return true
	}
	return false
}

// Snapshot returns a copy of the main list, least- to
// most-recently-seen.
func (b *KBucket) Snapshot() []Contact {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Contact, len(b.main))
	copy(out, b.main)
	return out
}

// Len returns the number of contacts in the main list.
func (b *KBucket) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.main)
}

// GraceLen returns the number of contacts pending probe resolution.
func (b *KBucket) GraceLen() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.grace)
}
