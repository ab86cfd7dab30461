package routing

import (
	"testing"
	"time"

	"github.com/TheWaWaR/subotai/id"
)

type alwaysAlive struct{}

func (alwaysAlive) Ping(Contact) bool { return true }

type alwaysDead struct{}

func (alwaysDead) Ping(Contact) bool { return false }

type contactAt struct {
	id.ID
}

func idWithBucket(self id.ID, bucketIdx int) id.ID {
	other := self
	byteIdx := id.Length - 1 - bucketIdx/8
	bitIdx := bucketIdx % 8
	other[byteIdx] ^= 1 << uint(bitIdx)
	return other
}

func TestUpdateContactRejectsSelf(t *testing.T) {
	self := id.Random()
	tbl := NewTable(self, 3, time.Second, time.Second, nil)
	if tbl.UpdateContact(Contact{ID: self, Addr: testAddr("x")}, time.Now()) {
		t.Fatal("self must never be admitted")
	}
}

func TestUpdateContactAppendsAndCounts(t *testing.T) {
	self := id.Random()
	tbl := NewTable(self, 3, time.Second, time.Second, nil)
	c := Contact{ID: idWithBucket(self, 5), Addr: testAddr("a")}
	if !tbl.UpdateContact(c, time.Now()) {
		t.Fatal("expected contact to be admitted")
	}
	if tbl.Count() != 1 {
		t.Fatalf("expected count 1, got %d", tbl.Count())
	}
	got, ok := tbl.SpecificContact(c.ID)
	if !ok || got.ID != c.ID {
		t.Fatal("expected to find the admitted contact")
	}
}

func TestUpdateContactEvictionReinstatesOnProbeSuccess(t *testing.T) {
	self := id.Random()
	tbl := NewTable(self, 1, time.Hour, time.Hour, alwaysAlive{})
	idx := 5
	original := Contact{ID: idWithBucket(self, idx), Addr: testAddr("orig")}

	tbl.UpdateContact(original, time.Now())

	// Force a different contact into the very same bucket index by
	// flipping a lower-order bit that doesn't change the bucket.
	replacement := original
	replacement.ID[id.Length-1] ^= 0x01
	tbl.UpdateContact(replacement, time.Now())

	// Allow the async probe goroutine to run.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if _, ok := tbl.SpecificContact(original.ID); ok {
			break
		}
		time.Sleep(time.Millisecond)
	}

	if _, ok := tbl.SpecificContact(original.ID); !ok {
		t.Fatal("expected original contact to be reinstated after successful probe")
	}
}

func TestUpdateContactEvictionDropsOnProbeFailure(t *testing.T) {
	self := id.Random()
	tbl := NewTable(self, 1, time.Hour, time.Hour, alwaysDead{})
	original := Contact{ID: idWithBucket(self, 5), Addr: testAddr("orig")}
	tbl.UpdateContact(original, time.Now())

	replacement := original
	replacement.ID[id.Length-1] ^= 0x01
	tbl.UpdateContact(replacement, time.Now())

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if _, ok := tbl.SpecificContact(replacement.ID); ok {
			break
		}
		time.Sleep(time.Millisecond)
	}

	if _, ok := tbl.SpecificContact(original.ID); ok {
		t.Fatal("expected original contact to stay dropped after failed probe")
	}
	if _, ok := tbl.SpecificContact(replacement.ID); !ok {
		t.Fatal("expected replacement to remain")
	}
}

func TestClosestToIsSortedAndBounded(t *testing.T) {
	self := id.Random()
	tbl := NewTable(self, 20, time.Second, time.Second, nil)
	for i := 0; i < 50; i++ {
		tbl.UpdateContact(Contact{ID: id.Random(), Addr: testAddr("x")}, time.Now())
	}

	target := id.Random()
	got := tbl.ClosestTo(target, 10)
	if len(got) > 10 {
		t.Fatalf("expected at most 10 contacts, got %d", len(got))
	}
	for i := 1; i < len(got); i++ {
		prev := got[i-1].ID.Xor(target)
		cur := got[i].ID.Xor(target)
		if cur.Less(prev) {
			t.Fatalf("ClosestTo not sorted by increasing distance at index %d", i)
		}
	}
}

func TestClosestToSelfScansWholeTable(t *testing.T) {
	self := id.Random()
	tbl := NewTable(self, 20, time.Second, time.Second, nil)
	for i := 0; i < 30; i++ {
		tbl.UpdateContact(Contact{ID: id.Random(), Addr: testAddr("x")}, time.Now())
	}
	got := tbl.ClosestTo(self, 100)
	if len(got) != tbl.Count() {
		t.Fatalf("expected ClosestTo(self) to return all %d contacts, got %d", tbl.Count(), len(got))
	}
}

// TestDefensiveFloodRejectsFurtherUnknownContacts reproduces the flood
// scenario: saturate a single bucket's main and grace lists, offer one
// more contact so the saturation is detected, then confirm subsequent
// unknown contacts targeting that bucket are rejected while the
// defensive flag holds.
func TestDefensiveFloodRejectsFurtherUnknownContacts(t *testing.T) {
	self := id.Random()
	k := 4
	tbl := NewTable(self, k, time.Hour, time.Hour, nil)
	idx := 7
	now := time.Now()

	// Fill main (k) then grace (k) by forging 2k distinct contacts
	// that all land in the same bucket; the (2k+1)-th finds the grace
	// list full and triggers the defensive flag.
	for i := 0; i < 2*k+1; i++ {
		c := Contact{ID: forgeInBucket(self, idx, i), Addr: testAddr("flood")}
		tbl.UpdateContact(c, now)
	}
	if !tbl.IsDefensive() {
		t.Fatal("expected table to enter defensive state once the bucket saturated")
	}

	unknown := Contact{ID: forgeInBucket(self, idx, 2*k+1), Addr: testAddr("late")}
	if tbl.UpdateContact(unknown, now) {
		t.Fatal("expected unknown contact to be rejected while defensive")
	}
}

// forgeInBucket produces a distinct ID landing in the given bucket
// index relative to self, varying low-order bits by salt so many
// distinct identifiers can share a bucket.
func forgeInBucket(self id.ID, bucketIdx, salt int) id.ID {
	other := idWithBucket(self, bucketIdx)
	other[id.Length-1] ^= byte(salt)
	other[id.Length-2] ^= byte(salt >> 8)
	return other
}

func TestClearDefenseIfExpired(t *testing.T) {
	self := id.Random()
	tbl := NewTable(self, 4, time.Hour, time.Millisecond, nil)
	now := time.Now()
	tbl.MarkDefensive(now)
	if !tbl.IsDefensive() {
		t.Fatal("expected defensive flag to be set")
	}
	if cleared := tbl.ClearDefenseIfExpired(now.Add(time.Second)); !cleared {
		t.Fatal("expected defensive flag to clear after cooldown")
	}
	if tbl.IsDefensive() {
		t.Fatal("expected defensive flag to be false after clearing")
	}
}

func TestExpireGraceSweepAcrossBuckets(t *testing.T) {
	self := id.Random()
	tbl := NewTable(self, 1, time.Hour, time.Hour, nil)
	now := time.Now()

	for _, idx := range []int{3, 9} {
		original := Contact{ID: idWithBucket(self, idx), Addr: testAddr("orig")}
		tbl.UpdateContact(original, now)
		replacement := original
		replacement.ID[id.Length-1] ^= 0x01
		tbl.UpdateContact(replacement, now)
		tbl.buckets[idx].SetGraceDeadline(original.ID, now.Add(time.Millisecond))
	}

	dropped := tbl.ExpireGraceSweep(now.Add(time.Second))
	if dropped != 2 {
		t.Fatalf("expected 2 grace entries dropped across buckets, got %d", dropped)
	}
}

func TestStaleBucketsReportsUntouched(t *testing.T) {
	self := id.Random()
	tbl := NewTable(self, 4, time.Second, time.Second, nil)
	now := time.Now()
	touched := 5
	tbl.UpdateContact(Contact{ID: idWithBucket(self, touched), Addr: testAddr("a")}, now)

	stale := tbl.StaleBuckets(now.Add(time.Second), time.Minute)
	found := false
	for _, idx := range stale {
		if idx == touched {
			found = true
		}
	}
	if found {
		t.Fatal("recently touched bucket should not be reported stale")
	}

	var other int
	for i := 0; i < id.Bits; i++ {
		if i != touched {
			other = i
			break
		}
	}
	foundOther := false
	for _, idx := range stale {
		if idx == other {
			foundOther = true
		}
	}
	if !foundOther {
		t.Fatal("never-touched bucket should be reported stale")
	}
}

func TestRemoveStale(t *testing.T) {
	self := id.Random()
	tbl := NewTable(self, 4, time.Second, time.Second, nil)
	c := Contact{ID: idWithBucket(self, 2), Addr: testAddr("a")}
	tbl.UpdateContact(c, time.Now())
	if !tbl.RemoveStale(c.ID) {
		t.Fatal("expected RemoveStale to report success")
	}
	if _, ok := tbl.SpecificContact(c.ID); ok {
		t.Fatal("expected contact to be gone after RemoveStale")
	}
}
