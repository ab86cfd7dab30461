// Package subotai is the node façade (spec component F): a
// synchronous public API — new, bootstrap, store, retrieve, ping,
// find_node, shutdown — composed from the routing, storage, rpc, and
// lookup packages, plus the maintenance ticker that keeps the
// routing and storage tables healthy over time.
package subotai

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/TheWaWaR/subotai/id"
	"github.com/TheWaWaR/subotai/lookup"
	"github.com/TheWaWaR/subotai/routing"
	"github.com/TheWaWaR/subotai/rpc"
	"github.com/TheWaWaR/subotai/store"
	"github.com/sirupsen/logrus"
)

// layerPinger adapts *rpc.Layer to routing.Pinger. It exists because
// routing.Table must be constructed before rpc.Layer (the layer needs
// a Router, and routing.Table is that Router), so the pinger's target
// is wired in after the fact rather than passed at construction.
type layerPinger struct {
	mu      sync.RWMutex
	layer   *rpc.Layer
	timeout time.Duration
}

func (p *layerPinger) Ping(c routing.Contact) bool {
	p.mu.RLock()
	layer, timeout := p.layer, p.timeout
	p.mu.RUnlock()
	if layer == nil {
		return false
	}
	ok, err := layer.Ping(context.Background(), c, timeout)
	return err == nil && ok
}

func (p *layerPinger) attach(layer *rpc.Layer) {
	p.mu.Lock()
	p.layer = layer
	p.mu.Unlock()
}

// Node is a single participant in the overlay: one UDP socket, one
// routing table, one storage table, and the maintenance goroutine that
// drives them over time.
type Node struct {
	self id.ID
	cfg  Config

	transport *rpc.UDPTransport
	router    *routing.Table
	storage   *store.Table
	rpcLayer  *rpc.Layer
	engine    *lookup.Engine

	stop chan struct{}
	wg   sync.WaitGroup
}

// New binds a UDP socket at cfg.BindAddress, starts the receive loop,
// and starts the maintenance ticker. self is the node's own
// identifier; pass id.Random() for a fresh node.
func New(self id.ID, cfg Config) (*Node, error) {
	transport, err := rpc.NewUDPTransport(cfg.BindAddress, cfg.MaxFrameSize)
	if err != nil {
		return nil, err
	}

	pinger := &layerPinger{timeout: cfg.RequestTimeout}
	router := routing.NewTable(self, cfg.K, cfg.GraceTimeout, cfg.DefensiveCooldown, pinger)
	storage := store.NewTable(store.Config{
		MaxEntriesPerKey:  cfg.MaxEntriesPerKey,
		MaxKeys:           cfg.MaxKeys,
		CacheCapacity:     cfg.CacheCapacity,
		RepublishInterval: cfg.RepublishInterval,
	})

	rpcLayer := rpc.NewLayer(self, transport, router, storage, rpc.Config{
		K:            cfg.K,
		MaxFrameSize: cfg.MaxFrameSize,
		MaxPending:   cfg.MaxPendingRequests,
	})
	pinger.attach(rpcLayer)

	engine := lookup.NewEngine(self, router, rpcLayer, lookup.Config{
		K:                 cfg.K,
		Alpha:             cfg.Alpha,
		RequestTimeout:    cfg.RequestTimeout,
		RoundGraceTimeout: cfg.LookupRoundTimeout,
		GlobalDeadline:    cfg.LookupDeadline,
	})

	n := &Node{
		self:      self,
		cfg:       cfg,
		transport: transport,
		router:    router,
		storage:   storage,
		rpcLayer:  rpcLayer,
		engine:    engine,
		stop:      make(chan struct{}),
	}

	n.wg.Add(1)
	go n.maintenanceLoop()

	logrus.WithFields(logrus.Fields{
		"function": "New",
		"self":     self.String(),
		"addr":     transport.LocalAddr().String(),
	}).Info("node started")
	return n, nil
}

// Self returns the node's own identifier.
func (n *Node) Self() id.ID { return n.self }

// LocalAddr returns the bound socket address, useful for building a
// Contact other nodes can bootstrap from.
func (n *Node) LocalAddr() net.Addr { return n.transport.LocalAddr() }

// Bootstrap joins the overlay through seed. It runs the whole bootstrap
// sequence, bounded by cfg.BootstrapDeadline, and then returns nil if
// the routing table holds at least cfg.AliveThreshold contacts, or
// ErrBootstrapIncomplete otherwise.
func (n *Node) Bootstrap(seed routing.Contact) error {
	ctx, cancel := context.WithTimeout(context.Background(), n.cfg.BootstrapDeadline)
	defer cancel()

	if err := n.engine.Bootstrap(ctx, seed); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Bootstrap",
		}).WithError(err).Warn("bootstrap sequence did not complete cleanly")
	}
	if n.router.Count() >= n.cfg.AliveThreshold {
		return nil
	}
	return ErrBootstrapIncomplete
}

// Store originates an entry under key: it is flagged republishable,
// stored locally, and replicated to the network via store_on_network.
// Network replication is best-effort; only a failed local store (e.g.
// ErrStorageFull) is returned as an error.
func (n *Node) Store(key id.ID, variant store.Variant, payload []byte) error {
	now := time.Now()
	e := store.Entry{
		Variant:       variant,
		Payload:       payload,
		Expiration:    now.Add(n.cfg.EntryDefaultTTL),
		Republishable: true,
		RepublishAt:   now.Add(n.cfg.RepublishInterval),
	}
	if err := n.storage.Store(key, e); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), n.cfg.LookupDeadline)
	defer cancel()
	if _, err := n.engine.StoreOnNetwork(ctx, key, e); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Store",
			"key":      key.String(),
		}).WithError(err).Debug("network replication did not reach any peer")
	}
	return nil
}

// Retrieve returns every fresh entry under key: locally if any exist,
// otherwise by running value_lookup across the network and caching
// the result. Returns ErrNotFound if the lookup converges empty.
func (n *Node) Retrieve(key id.ID) ([]store.Entry, error) {
	now := time.Now()
	if local := n.storage.Retrieve(key, now); len(local) > 0 {
		return local, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), n.cfg.LookupDeadline)
	defer cancel()
	result, found := n.engine.ValueLookup(ctx, key)
	if !found {
		return nil, ErrNotFound
	}

	for _, e := range result.Entries {
		n.storage.MarkCached(key, e)
	}
	n.propagateAlongPath(key, result)
	return result.Entries, nil
}

// propagateAlongPath issues a best-effort STORE of the first found
// entry to the closest queried contact that responded without the
// value, the "cache along the path" optimization of spec §4.5.
func (n *Node) propagateAlongPath(key id.ID, result lookup.ValueLookupResult) {
	if len(result.CachePath) == 0 || len(result.Entries) == 0 {
		return
	}
	less := id.CloserFunc(key)
	target := result.CachePath[0]
	for _, c := range result.CachePath[1:] {
		if less(c.ID, target.ID) {
			target = c
		}
	}
	entry := result.Entries[0]
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), n.cfg.RequestTimeout)
		defer cancel()
		if _, err := n.rpcLayer.StoreAt(ctx, target, key, entry, n.cfg.RequestTimeout); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "propagateAlongPath",
				"key":      key.String(),
			}).WithError(err).Debug("cache-along-path store failed")
		}
	}()
}

// Ping is a thin passthrough to the RPC layer.
func (n *Node) Ping(peer routing.Contact) error {
	ctx, cancel := context.WithTimeout(context.Background(), n.cfg.RequestTimeout)
	defer cancel()
	ok, err := n.rpcLayer.Ping(ctx, peer, n.cfg.RequestTimeout)
	if err != nil {
		return err
	}
	if !ok {
		return ErrTimeout
	}
	return nil
}

// FindNode is a thin passthrough to node_lookup.
func (n *Node) FindNode(target id.ID) []routing.Contact {
	ctx, cancel := context.WithTimeout(context.Background(), n.cfg.LookupDeadline)
	defer cancel()
	return n.engine.NodeLookup(ctx, target)
}

// Shutdown stops the maintenance ticker and closes the socket. Calls
// made concurrently with Shutdown may observe ErrShutdown from the
// RPC layer. A second call does nothing and returns ErrShutdown.
func (n *Node) Shutdown() error {
	select {
	case <-n.stop:
		return ErrShutdown
	default:
	}
	close(n.stop)
	n.wg.Wait()
	return n.rpcLayer.Close()
}
