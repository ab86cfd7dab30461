// Package lookup implements the iterative α-parallel node and value
// lookups described in spec §4.5: the central algorithm that drives
// bootstrap, store, and retrieve to convergence in O(log N) hops.
package lookup

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/TheWaWaR/subotai/id"
	"github.com/TheWaWaR/subotai/routing"
	"github.com/TheWaWaR/subotai/rpc"
	"github.com/TheWaWaR/subotai/store"
	"github.com/sirupsen/logrus"
)

// Router is the routing-table slice resources need: seeding a lookup's
// shortlist and learning about contacts discovered along the way.
type Router interface {
	ClosestTo(target id.ID, n int) []routing.Contact
	UpdateContact(c routing.Contact, now time.Time) bool
}

// RPC is the outbound-call slice resources need. Satisfied by
// *rpc.Layer; narrowed here so lookup can be tested without a real
// transport.
type RPC interface {
	FindNodeAt(ctx context.Context, peer routing.Contact, target id.ID, timeout time.Duration) ([]routing.Contact, error)
	FindValueAt(ctx context.Context, peer routing.Contact, key id.ID, timeout time.Duration) (rpc.FindValueResult, error)
	StoreAt(ctx context.Context, peer routing.Contact, key id.ID, e store.Entry, timeout time.Duration) (bool, error)
	BootstrapAt(ctx context.Context, peer routing.Contact, timeout time.Duration) ([]routing.Contact, error)
}

// Config bounds the lookup algorithms.
type Config struct {
	K                 int
	Alpha             int
	RequestTimeout    time.Duration
	RoundGraceTimeout time.Duration
	GlobalDeadline    time.Duration
}

// Engine runs node_lookup, value_lookup, store_on_network, and
// bootstrap for a single node identified by Self.
type Engine struct {
	self   id.ID
	router Router
	rpc    RPC
	cfg    Config
}

func NewEngine(self id.ID, router Router, rpcLayer RPC, cfg Config) *Engine {
	return &Engine{self: self, router: router, rpc: rpcLayer, cfg: cfg}
}

// NodeLookup returns up to K contacts closest to target, converging
// via the any-of-α-with-grace round algorithm of spec §4.5.
func (e *Engine) NodeLookup(ctx context.Context, target id.ID) []routing.Contact {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.GlobalDeadline)
	defer cancel()

	sl := newShortlist(e.self, target, e.router.ClosestTo(target, e.cfg.K))
	closestSeen := sl.closestDistance()

	for {
		if ctx.Err() != nil {
			break
		}
		batch := sl.pickUnqueried(e.cfg.Alpha)
		if len(batch) == 0 {
			break
		}
		sl.markQueried(batch)
		e.runNodeRound(ctx, target, batch, sl)

		current := sl.closestDistance()
		if current.Less(closestSeen) {
			closestSeen = current
			continue
		}

		rest := sl.pickUnqueried(1 << 30)
		if len(rest) > 0 {
			sl.markQueried(rest)
			e.runNodeRound(ctx, target, rest, sl)
		}
		break
	}

	return sl.aliveClosest(e.cfg.K)
}

type nodeRoundResult struct {
	contact routing.Contact
	nodes   []routing.Contact
	err     error
}

// runNodeRound issues FindNodeAt to every contact in batch in
// parallel, advancing once all have responded or once a majority
// (⌈len/2⌉) have responded and a short grace period has elapsed — the
// "impatient" any-of-α property of spec §4.5.
func (e *Engine) runNodeRound(ctx context.Context, target id.ID, batch []routing.Contact, sl *shortlist) {
	respCh := make(chan nodeRoundResult, len(batch))
	for _, c := range batch {
		c := c
		go func() {
			nodes, err := e.rpc.FindNodeAt(ctx, c, target, e.cfg.RequestTimeout)
			respCh <- nodeRoundResult{c, nodes, err}
		}()
	}

	need := (len(batch) + 1) / 2
	responded := 0
	var grace <-chan time.Time

	for responded < len(batch) {
		select {
		case r := <-respCh:
			responded++
			if r.err == nil {
				sl.markAlive(r.contact)
				sl.merge(r.nodes)
			}
			if responded >= need && grace == nil {
				grace = time.After(e.cfg.RoundGraceTimeout)
			}
		case <-grace:
			return
		case <-ctx.Done():
			return
		}
	}
}

// ValueLookupResult is the outcome of a successful value_lookup: the
// entries found, plus the contacts along the path that responded
// without the value — candidates for post-hoc cache propagation.
type ValueLookupResult struct {
	Entries   []store.Entry
	CachePath []routing.Contact
}

// ValueLookup mirrors NodeLookup but issues FIND_VALUE, terminating
// as soon as any response carries entries.
func (e *Engine) ValueLookup(ctx context.Context, key id.ID) (ValueLookupResult, bool) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.GlobalDeadline)
	defer cancel()

	sl := newShortlist(e.self, key, e.router.ClosestTo(key, e.cfg.K))
	closestSeen := sl.closestDistance()
	var path []routing.Contact

	for {
		if ctx.Err() != nil {
			break
		}
		batch := sl.pickUnqueried(e.cfg.Alpha)
		if len(batch) == 0 {
			break
		}
		sl.markQueried(batch)

		entries, hop, found := e.runValueRound(ctx, key, batch, sl)
		path = append(path, hop...)
		if found {
			return ValueLookupResult{Entries: entries, CachePath: path}, true
		}

		current := sl.closestDistance()
		if current.Less(closestSeen) {
			closestSeen = current
			continue
		}

		rest := sl.pickUnqueried(1 << 30)
		if len(rest) == 0 {
			break
		}
		sl.markQueried(rest)
		entries, hop, found = e.runValueRound(ctx, key, rest, sl)
		path = append(path, hop...)
		if found {
			return ValueLookupResult{Entries: entries, CachePath: path}, true
		}
		break
	}

	return ValueLookupResult{}, false
}

type valueRoundResult struct {
	contact routing.Contact
	result  rpc.FindValueResult
	err     error
}

func (e *Engine) runValueRound(ctx context.Context, key id.ID, batch []routing.Contact, sl *shortlist) ([]store.Entry, []routing.Contact, bool) {
	respCh := make(chan valueRoundResult, len(batch))
	for _, c := range batch {
		c := c
		go func() {
			res, err := e.rpc.FindValueAt(ctx, c, key, e.cfg.RequestTimeout)
			respCh <- valueRoundResult{c, res, err}
		}()
	}

	need := (len(batch) + 1) / 2
	responded := 0
	var grace <-chan time.Time
	var noValue []routing.Contact

	for responded < len(batch) {
		select {
		case r := <-respCh:
			responded++
			if r.err != nil {
				continue
			}
			sl.markAlive(r.contact)
			if len(r.result.Entries) > 0 {
				return r.result.Entries, noValue, true
			}
			sl.merge(r.result.Nodes)
			noValue = append(noValue, r.contact)
			if responded >= need && grace == nil {
				grace = time.After(e.cfg.RoundGraceTimeout)
			}
		case <-grace:
			return nil, noValue, false
		case <-ctx.Done():
			return nil, noValue, false
		}
	}
	return nil, noValue, false
}

// StoreOnNetwork runs NodeLookup(key) and issues STORE to each
// resulting contact in parallel, succeeding if at least one accepts.
func (e *Engine) StoreOnNetwork(ctx context.Context, key id.ID, entry store.Entry) (int, error) {
	contacts := e.NodeLookup(ctx, key)
	if len(contacts) == 0 {
		return 0, ErrNoProgress
	}

	okCh := make(chan bool, len(contacts))
	for _, c := range contacts {
		c := c
		go func() {
			ok, err := e.rpc.StoreAt(ctx, c, key, entry, e.cfg.RequestTimeout)
			okCh <- err == nil && ok
		}()
	}

	successes := 0
	for range contacts {
		if <-okCh {
			successes++
		}
	}
	if successes == 0 {
		return 0, ErrStoreFailed
	}
	return successes, nil
}

// Bootstrap inserts seed into the routing table, issues BOOTSTRAP to
// it, runs a self node_lookup to populate the local neighborhood, and
// refreshes every bucket beyond the closest contact discovered — the
// standard Kademlia table-filling sequence of spec §4.5. Because
// id.BucketIndex returns a smaller index for a smaller (closer)
// distance, the minimum index seen across discovered contacts is the
// closest neighbor's bucket, and every index past it is a sparser,
// more distant bucket this node has not yet populated.
func (e *Engine) Bootstrap(ctx context.Context, seed routing.Contact) error {
	now := time.Now()
	e.router.UpdateContact(seed, now)

	nodes, err := e.rpc.BootstrapAt(ctx, seed, e.cfg.RequestTimeout)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Bootstrap",
			"seed":     seed.ID.String(),
		}).WithError(err).Warn("seed did not answer BOOTSTRAP")
		return err
	}

	closestBucket := id.Bits
	for _, c := range nodes {
		if c.ID == e.self {
			continue
		}
		e.router.UpdateContact(c, time.Now())
		if idx := id.BucketIndex(e.self.Xor(c.ID)); idx < closestBucket {
			closestBucket = idx
		}
	}

	for _, c := range e.NodeLookup(ctx, e.self) {
		if idx := id.BucketIndex(e.self.Xor(c.ID)); idx < closestBucket {
			closestBucket = idx
		}
	}

	for idx := closestBucket + 1; idx < id.Bits; idx++ {
		e.NodeLookup(ctx, randomIDInBucket(e.self, idx))
	}
	return nil
}

// RefreshBucket runs a node_lookup against a random target that falls
// into bucketIdx relative to self, the operation the maintenance
// ticker uses to keep stale buckets populated.
func (e *Engine) RefreshBucket(ctx context.Context, bucketIdx int) []routing.Contact {
	return e.NodeLookup(ctx, randomIDInBucket(e.self, bucketIdx))
}

// randomIDInBucket produces a random ID whose XOR distance from self
// has bit bucketIdx (counted from the least significant bit, matching
// id.BucketIndex) as its highest set bit — i.e. one that would land in
// bucket bucketIdx relative to self — the target used to refresh a
// stale bucket.
func randomIDInBucket(self id.ID, bucketIdx int) id.ID {
	out := self
	byteIdx := id.Length - 1 - bucketIdx/8
	bitIdx := bucketIdx % 8
	out[byteIdx] ^= 1 << uint(bitIdx)

	tailMask := byte(0)
	if bitIdx > 0 {
		tailMask = (1 << uint(bitIdx)) - 1
	}
	out[byteIdx] = (out[byteIdx] &^ tailMask) | (byte(rand.IntN(256)) & tailMask)
	for i := byteIdx + 1; i < id.Length; i++ {
		out[i] = byte(rand.IntN(256))
	}
	return out
}
