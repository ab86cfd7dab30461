package lookup

import (
	"sort"
	"sync"

	"github.com/TheWaWaR/subotai/id"
	"github.com/TheWaWaR/subotai/routing"
)

type candidate struct {
	contact routing.Contact
	queried bool
	alive   bool
}

// shortlist is the working set of candidate contacts for one iterative
// lookup: the shared state every concurrent round probe mutates as
// responses arrive.
type shortlist struct {
	mu     sync.Mutex
	self   id.ID
	target id.ID
	items  []*candidate
}

func newShortlist(self, target id.ID, initial []routing.Contact) *shortlist {
	sl := &shortlist{self: self, target: target}
	for _, c := range initial {
		if c.ID == self {
			continue
		}
		sl.items = append(sl.items, &candidate{contact: c})
	}
	sl.sortLocked()
	return sl
}

func (sl *shortlist) sortLocked() {
	less := id.CloserFunc(sl.target)
	sort.Slice(sl.items, func(i, j int) bool { return less(sl.items[i].contact.ID, sl.items[j].contact.ID) })
}

// pickUnqueried returns up to n unqueried contacts, closest first.
func (sl *shortlist) pickUnqueried(n int) []routing.Contact {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	var out []routing.Contact
	for _, c := range sl.items {
		if !c.queried {
			out = append(out, c.contact)
			if len(out) == n {
				break
			}
		}
	}
	return out
}

func (sl *shortlist) markQueried(batch []routing.Contact) {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	for _, b := range batch {
		for _, c := range sl.items {
			if c.contact.ID == b.ID {
				c.queried = true
			}
		}
	}
}

func (sl *shortlist) markAlive(c routing.Contact) {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	for _, x := range sl.items {
		if x.contact.ID == c.ID {
			x.alive = true
		}
	}
}

// merge folds newly discovered contacts into the shortlist, deduped
// by ID and excluding self.
func (sl *shortlist) merge(contacts []routing.Contact) {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	for _, c := range contacts {
		if c.ID == sl.self {
			continue
		}
		found := false
		for _, x := range sl.items {
			if x.contact.ID == c.ID {
				found = true
				break
			}
		}
		if !found {
			sl.items = append(sl.items, &candidate{contact: c})
		}
	}
	sl.sortLocked()
}

// closestDistance returns the XOR distance of the closest item to
// target, or the maximum possible distance if the shortlist is empty.
func (sl *shortlist) closestDistance() id.ID {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	if len(sl.items) == 0 {
		var max id.ID
		for i := range max {
			max[i] = 0xFF
		}
		return max
	}
	return sl.items[0].contact.ID.Xor(sl.target)
}

// aliveClosest returns up to n contacts confirmed alive by a
// successful response, closest first.
func (sl *shortlist) aliveClosest(n int) []routing.Contact {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	var out []routing.Contact
	for _, c := range sl.items {
		if c.alive {
			out = append(out, c.contact)
			if len(out) == n {
				break
			}
		}
	}
	return out
}
