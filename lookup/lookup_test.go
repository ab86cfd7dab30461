package lookup

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/TheWaWaR/subotai/id"
	"github.com/TheWaWaR/subotai/routing"
	"github.com/TheWaWaR/subotai/rpc"
	"github.com/TheWaWaR/subotai/store"
)

type fakeAddr string

func (a fakeAddr) Network() string { return "fake" }
func (a fakeAddr) String() string  { return string(a) }

type fakeRouter struct {
	mu       sync.Mutex
	closest  []routing.Contact
	observed []routing.Contact
}

func (r *fakeRouter) ClosestTo(target id.ID, n int) []routing.Contact {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.closest) > n {
		return append([]routing.Contact{}, r.closest[:n]...)
	}
	return append([]routing.Contact{}, r.closest...)
}

func (r *fakeRouter) UpdateContact(c routing.Contact, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observed = append(r.observed, c)
	return true
}

type fakeRPC struct {
	findNode    func(peer routing.Contact, target id.ID) ([]routing.Contact, error)
	findValue   func(peer routing.Contact, key id.ID) (rpc.FindValueResult, error)
	storeAt     func(peer routing.Contact, key id.ID, e store.Entry) (bool, error)
	bootstrapAt func(peer routing.Contact) ([]routing.Contact, error)
}

func (f *fakeRPC) FindNodeAt(ctx context.Context, peer routing.Contact, target id.ID, timeout time.Duration) ([]routing.Contact, error) {
	if f.findNode == nil {
		return nil, nil
	}
	return f.findNode(peer, target)
}

func (f *fakeRPC) FindValueAt(ctx context.Context, peer routing.Contact, key id.ID, timeout time.Duration) (rpc.FindValueResult, error) {
	if f.findValue == nil {
		return rpc.FindValueResult{}, nil
	}
	return f.findValue(peer, key)
}

func (f *fakeRPC) StoreAt(ctx context.Context, peer routing.Contact, key id.ID, e store.Entry, timeout time.Duration) (bool, error) {
	if f.storeAt == nil {
		return true, nil
	}
	return f.storeAt(peer, key, e)
}

func (f *fakeRPC) BootstrapAt(ctx context.Context, peer routing.Contact, timeout time.Duration) ([]routing.Contact, error) {
	if f.bootstrapAt == nil {
		return nil, nil
	}
	return f.bootstrapAt(peer)
}

func testConfig() Config {
	return Config{
		K:                 5,
		Alpha:             1,
		RequestTimeout:    time.Second,
		RoundGraceTimeout: 20 * time.Millisecond,
		GlobalDeadline:    time.Second,
	}
}

func zeroTarget() id.ID { return id.ID{} }

func idWithFirstByte(b byte) id.ID {
	var out id.ID
	out[0] = b
	return out
}

func TestNodeLookupReturnsAliveContactsFromSeedShortlist(t *testing.T) {
	self := idWithFirstByte(0x01)
	a := routing.Contact{ID: idWithFirstByte(0xF0), Addr: fakeAddr("a")}
	router := &fakeRouter{closest: []routing.Contact{a}}
	rpcFake := &fakeRPC{
		findNode: func(peer routing.Contact, target id.ID) ([]routing.Contact, error) {
			return nil, nil
		},
	}
	eng := NewEngine(self, router, rpcFake, testConfig())

	got := eng.NodeLookup(context.Background(), zeroTarget())
	if len(got) != 1 || got[0].ID != a.ID {
		t.Fatalf("expected the seed contact back as alive, got %+v", got)
	}
}

func TestNodeLookupExcludesSelf(t *testing.T) {
	self := idWithFirstByte(0x01)
	router := &fakeRouter{} // empty: routing never stores self
	rpcFake := &fakeRPC{}
	eng := NewEngine(self, router, rpcFake, testConfig())

	got := eng.NodeLookup(context.Background(), self)
	for _, c := range got {
		if c.ID == self {
			t.Fatal("node_lookup(self) must never return self")
		}
	}
}

func TestNodeLookupMergesCloserDiscoveredContact(t *testing.T) {
	self := idWithFirstByte(0x01)
	target := zeroTarget()
	farA := routing.Contact{ID: idWithFirstByte(0xF0), Addr: fakeAddr("a")}
	closerB := routing.Contact{ID: idWithFirstByte(0x02), Addr: fakeAddr("b")}

	router := &fakeRouter{closest: []routing.Contact{farA}}
	rpcFake := &fakeRPC{
		findNode: func(peer routing.Contact, target id.ID) ([]routing.Contact, error) {
			if peer.ID == farA.ID {
				return []routing.Contact{closerB}, nil
			}
			return nil, nil
		},
	}
	eng := NewEngine(self, router, rpcFake, testConfig())

	got := eng.NodeLookup(context.Background(), target)
	foundB := false
	for _, c := range got {
		if c.ID == closerB.ID {
			foundB = true
		}
	}
	if !foundB {
		t.Fatalf("expected the closer discovered contact to be queried and returned, got %+v", got)
	}
}

func TestNodeLookupTreatsTimeoutAsDead(t *testing.T) {
	self := idWithFirstByte(0x01)
	dead := routing.Contact{ID: idWithFirstByte(0x05), Addr: fakeAddr("dead")}
	router := &fakeRouter{closest: []routing.Contact{dead}}
	rpcFake := &fakeRPC{
		findNode: func(peer routing.Contact, target id.ID) ([]routing.Contact, error) {
			return nil, rpc.ErrTimeout
		},
	}
	eng := NewEngine(self, router, rpcFake, testConfig())

	got := eng.NodeLookup(context.Background(), zeroTarget())
	if len(got) != 0 {
		t.Fatalf("expected no alive contacts when every probe times out, got %+v", got)
	}
}

func TestValueLookupReturnsEntries(t *testing.T) {
	self := idWithFirstByte(0x01)
	key := zeroTarget()
	a := routing.Contact{ID: idWithFirstByte(0xF0), Addr: fakeAddr("a")}
	b := routing.Contact{ID: idWithFirstByte(0x02), Addr: fakeAddr("b")}

	router := &fakeRouter{closest: []routing.Contact{a, b}}
	entry := store.Entry{Variant: store.VariantBlob, Payload: []byte{1}, Expiration: time.Now().Add(time.Hour)}
	rpcFake := &fakeRPC{
		findValue: func(peer routing.Contact, key id.ID) (rpc.FindValueResult, error) {
			if peer.ID == a.ID {
				return rpc.FindValueResult{Entries: []store.Entry{entry}}, nil
			}
			return rpc.FindValueResult{Nodes: nil}, nil
		},
	}
	cfg := testConfig()
	cfg.Alpha = 2
	eng := NewEngine(self, router, rpcFake, cfg)

	result, found := eng.ValueLookup(context.Background(), key)
	if !found {
		t.Fatal("expected value_lookup to find the entry")
	}
	if len(result.Entries) != 1 || string(result.Entries[0].Payload) != string(entry.Payload) {
		t.Fatalf("expected the entry to be returned, got %+v", result.Entries)
	}
}

func TestValueLookupNotFoundWhenNoEntriesAnywhere(t *testing.T) {
	self := idWithFirstByte(0x01)
	router := &fakeRouter{closest: []routing.Contact{{ID: idWithFirstByte(0xF0), Addr: fakeAddr("a")}}}
	rpcFake := &fakeRPC{
		findValue: func(peer routing.Contact, key id.ID) (rpc.FindValueResult, error) {
			return rpc.FindValueResult{Nodes: nil}, nil
		},
	}
	eng := NewEngine(self, router, rpcFake, testConfig())

	_, found := eng.ValueLookup(context.Background(), zeroTarget())
	if found {
		t.Fatal("expected value_lookup to report not found when no peer has the value")
	}
}

func TestStoreOnNetworkSucceedsWithPartialFailures(t *testing.T) {
	self := idWithFirstByte(0x01)
	a := routing.Contact{ID: idWithFirstByte(0xF0), Addr: fakeAddr("a")}
	b := routing.Contact{ID: idWithFirstByte(0xF1), Addr: fakeAddr("b")}
	router := &fakeRouter{closest: []routing.Contact{a, b}}
	rpcFake := &fakeRPC{
		findNode: func(peer routing.Contact, target id.ID) ([]routing.Contact, error) { return nil, nil },
		storeAt: func(peer routing.Contact, key id.ID, e store.Entry) (bool, error) {
			if peer.ID == a.ID {
				return false, rpc.ErrTimeout
			}
			return true, nil
		},
	}
	cfg := testConfig()
	cfg.Alpha = 2
	eng := NewEngine(self, router, rpcFake, cfg)

	n, err := eng.StoreOnNetwork(context.Background(), zeroTarget(), store.Entry{Variant: store.VariantBlob, Payload: []byte{1}, Expiration: time.Now().Add(time.Hour)})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected exactly one successful store, got %d", n)
	}
}

func TestStoreOnNetworkFailsWithNoContacts(t *testing.T) {
	self := idWithFirstByte(0x01)
	router := &fakeRouter{}
	rpcFake := &fakeRPC{}
	eng := NewEngine(self, router, rpcFake, testConfig())

	_, err := eng.StoreOnNetwork(context.Background(), zeroTarget(), store.Entry{})
	if err != ErrNoProgress {
		t.Fatalf("expected ErrNoProgress, got %v", err)
	}
}

func TestBootstrapAddsSeedAndDiscoveredContactsToRouting(t *testing.T) {
	self := idWithFirstByte(0x01)
	seed := routing.Contact{ID: idWithFirstByte(0xF0), Addr: fakeAddr("seed")}
	discovered := routing.Contact{ID: idWithFirstByte(0x02), Addr: fakeAddr("d")}

	router := &fakeRouter{}
	rpcFake := &fakeRPC{
		bootstrapAt: func(peer routing.Contact) ([]routing.Contact, error) {
			return []routing.Contact{discovered}, nil
		},
		findNode: func(peer routing.Contact, target id.ID) ([]routing.Contact, error) { return nil, nil },
	}
	eng := NewEngine(self, router, rpcFake, testConfig())

	if err := eng.Bootstrap(context.Background(), seed); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	router.mu.Lock()
	defer router.mu.Unlock()
	sawSeed, sawDiscovered := false, false
	for _, c := range router.observed {
		if c.ID == seed.ID {
			sawSeed = true
		}
		if c.ID == discovered.ID {
			sawDiscovered = true
		}
	}
	if !sawSeed || !sawDiscovered {
		t.Fatalf("expected both seed and discovered contacts to reach the routing table, observed=%+v", router.observed)
	}
}

func TestBootstrapPropagatesSeedFailure(t *testing.T) {
	self := idWithFirstByte(0x01)
	seed := routing.Contact{ID: idWithFirstByte(0xF0), Addr: fakeAddr("seed")}
	router := &fakeRouter{}
	rpcFake := &fakeRPC{
		bootstrapAt: func(peer routing.Contact) ([]routing.Contact, error) { return nil, rpc.ErrTimeout },
	}
	eng := NewEngine(self, router, rpcFake, testConfig())

	if err := eng.Bootstrap(context.Background(), seed); err != rpc.ErrTimeout {
		t.Fatalf("expected the seed's BOOTSTRAP failure to propagate, got %v", err)
	}
}

func TestRandomIDInBucketLandsInExpectedBucket(t *testing.T) {
	self := id.Random()
	for _, bucketIdx := range []int{0, 1, 7, 8, 9, 100, 159} {
		got := randomIDInBucket(self, bucketIdx)
		if idx := id.BucketIndex(self.Xor(got)); idx != bucketIdx {
			t.Fatalf("expected bucket %d, got %d for generated id %v", bucketIdx, idx, got)
		}
	}
}
