package store

import (
	"container/heap"
	"time"

	"github.com/TheWaWaR/subotai/id"
)

// record is the shared backing for an entry stored under a key. Both
// the key's live slice and the expiration/republish heaps hold
// pointers to the same record, so marking it dead makes stale heap
// entries self-evident without a linear scan of the heap.
type record struct {
	key   id.ID
	entry Entry
	dead  bool
}

// expireQueue is a min-heap on expiration time, covering every live
// entry (originals and received copies alike).
type expireQueue []*record

func (q expireQueue) Len() int            { return len(q) }
func (q expireQueue) Less(i, j int) bool  { return q[i].entry.Expiration.Before(q[j].entry.Expiration) }
func (q expireQueue) Swap(i, j int)       { q[i], q[j] = q[j], q[i] }
func (q *expireQueue) Push(x interface{}) { *q = append(*q, x.(*record)) }
func (q *expireQueue) Pop() interface{} {
	old := *q
	n := len(old)
	item := old[n-1]
	*q = old[:n-1]
	return item
}

// republishQueue is a min-heap on next-republish-time, covering only
// originals (received copies and cache entries are never republished).
type republishQueue []*record

func (q republishQueue) Len() int            { return len(q) }
func (q republishQueue) Less(i, j int) bool  { return q[i].entry.RepublishAt.Before(q[j].entry.RepublishAt) }
func (q republishQueue) Swap(i, j int)       { q[i], q[j] = q[j], q[i] }
func (q *republishQueue) Push(x interface{}) { *q = append(*q, x.(*record)) }
func (q *republishQueue) Pop() interface{} {
	old := *q
	n := len(old)
	item := old[n-1]
	*q = old[:n-1]
	return item
}

// drainExpired pops every record whose expiration has passed, skipping
// ones already marked dead by other means (e.g. removed via a key
// becoming empty some other way).
func drainExpired(q *expireQueue, now time.Time) []*record {
	var out []*record
	for q.Len() > 0 && (*q)[0].entry.Expiration.Compare(now) <= 0 {
		r := heap.Pop(q).(*record)
		if !r.dead {
			out = append(out, r)
		}
	}
	return out
}

// drainDueRepublish pops every original record whose RepublishAt has
// passed, skipping ones already marked dead. It does not re-enqueue
// them: the caller pushes each back with its next deadline.
func drainDueRepublish(q *republishQueue, now time.Time) []*record {
	var out []*record
	for q.Len() > 0 && (*q)[0].entry.RepublishAt.Compare(now) <= 0 {
		r := heap.Pop(q).(*record)
		if !r.dead {
			out = append(out, r)
		}
	}
	return out
}
