// Package rpc implements the frame codec, request/response
// correlation, and single receive loop described in spec §4.4: one
// datagram endpoint multiplexed across many concurrent blocking
// callers.
package rpc

import (
	"context"
	"math/rand/v2"
	"net"
	"sync"
	"time"

	"github.com/TheWaWaR/subotai/id"
	"github.com/TheWaWaR/subotai/routing"
	"github.com/TheWaWaR/subotai/store"
	"github.com/sirupsen/logrus"
)

// Router is the narrow slice of the routing table the RPC layer needs:
// refreshing contacts observed on the wire, and answering FIND_NODE /
// BOOTSTRAP requests. It never calls back into rpc or lookup.
type Router interface {
	UpdateContact(c routing.Contact, now time.Time) bool
	ClosestTo(target id.ID, n int) []routing.Contact
}

// Storage is the narrow slice of the storage table the RPC layer
// needs to answer STORE and FIND_VALUE requests.
type Storage interface {
	Store(key id.ID, e store.Entry) error
	Retrieve(key id.ID, now time.Time) []store.Entry
}

type pendingKey struct {
	peer  id.ID
	nonce uint64
}

// Layer owns one Transport and the pending-request registry, and
// dispatches inbound frames to Router/Storage per spec §4.4. It never
// originates outbound RPCs on its own initiative; only callers of its
// outbound methods (Ping, StoreAt, FindNodeAt, FindValueAt,
// BootstrapAt) do that: the lookup layer, the routing table's probe
// pinger, and the façade.
type Layer struct {
	self      id.ID
	transport Transport
	router    Router
	storage   Storage
	k         int
	maxSize   int

	mu         sync.Mutex
	pending    map[pendingKey]chan Frame
	closed     bool
	maxPending int

	now func() time.Time
}

// Config bounds a Layer's behavior.
type Config struct {
	K             int
	MaxFrameSize  int
	MaxPending    int
}

// NewLayer wires transport to a fresh Layer and starts dispatching
// inbound frames to it. Router and Storage must already be
// constructed; the Layer only ever reads from them (FIND_NODE,
// FIND_VALUE) or writes narrowly (UpdateContact, Store).
func NewLayer(self id.ID, transport Transport, router Router, storage Storage, cfg Config) *Layer {
	l := &Layer{
		self:       self,
		transport:  transport,
		router:     router,
		storage:    storage,
		k:          cfg.K,
		maxSize:    cfg.MaxFrameSize,
		pending:    make(map[pendingKey]chan Frame),
		maxPending: cfg.MaxPending,
		now:        time.Now,
	}
	transport.RegisterHandler(l.handleInbound)
	return l
}

// Close shuts down the transport and fails every pending call.
func (l *Layer) Close() error {
	l.mu.Lock()
	l.closed = true
	for k, ch := range l.pending {
		close(ch)
		delete(l.pending, k)
	}
	l.mu.Unlock()
	return l.transport.Close()
}

func (l *Layer) handleInbound(remote net.Addr, data []byte) {
	f, err := Decode(data)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "handleInbound",
			"remote":   remote.String(),
		}).WithError(err).Debug("dropping malformed frame")
		return
	}
	if f.Sender != l.self {
		l.router.UpdateContact(routing.Contact{ID: f.Sender, Addr: remote}, l.now())
	}

	if f.Kind.isResponse() {
		l.deliverResponse(f)
		return
	}
	l.handleRequest(remote, f)
}

func (l *Layer) deliverResponse(f Frame) {
	key := pendingKey{peer: f.Sender, nonce: f.Nonce}
	l.mu.Lock()
	ch, ok := l.pending[key]
	if ok {
		delete(l.pending, key)
	}
	l.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- f:
	default:
	}
}

func (l *Layer) handleRequest(remote net.Addr, f Frame) {
	var payload []byte
	var err error

	switch f.Kind {
	case KindPing:
		payload = nil
	case KindStore:
		key, e, decErr := decodeStoreRequest(f.Payload, l.now)
		if decErr != nil {
			return
		}
		e.Republishable = false
		e.RepublishAt = time.Time{}
		storeErr := l.storage.Store(key, e)
		payload = encodeStoreResponse(storeErr == nil)
	case KindFindNode:
		target, decErr := decodeTargetOrKey(f.Payload)
		if decErr != nil {
			return
		}
		payload, err = encodeContactList(l.router.ClosestTo(target, l.k))
	case KindFindValue:
		key, decErr := decodeTargetOrKey(f.Payload)
		if decErr != nil {
			return
		}
		entries := l.storage.Retrieve(key, l.now())
		if len(entries) > 0 {
			payload, err = encodeFindValueEntries(entries, l.now)
		} else {
			payload, err = encodeFindValueNodes(l.router.ClosestTo(key, l.k))
		}
	case KindBootstrap:
		payload, err = encodeContactList(l.router.ClosestTo(f.Sender, l.k))
	default:
		return
	}
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "handleRequest",
			"kind":     f.Kind.String(),
		}).WithError(err).Warn("failed to encode response")
		return
	}

	resp := Frame{Kind: f.Kind.responseKind(), Sender: l.self, Nonce: f.Nonce, Payload: payload}
	buf, err := Encode(resp, l.maxSize)
	if err != nil {
		return
	}
	if err := l.transport.Send(remote, buf); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "handleRequest",
			"remote":   remote.String(),
		}).WithError(err).Debug("failed to send response")
	}
}

// sendRequest is the generic blocking outbound call described in spec
// §4.4: allocate nonce, register pending entry, serialize and emit,
// block on the response channel with timeout.
func (l *Layer) sendRequest(ctx context.Context, peer routing.Contact, kind Kind, payload []byte, timeout time.Duration) (Frame, error) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return Frame{}, ErrShutdown
	}
	if l.maxPending > 0 && len(l.pending) >= l.maxPending {
		l.mu.Unlock()
		return Frame{}, ErrBusy
	}
	nonce := rand.Uint64()
	key := pendingKey{peer: peer.ID, nonce: nonce}
	ch := make(chan Frame, 1)
	l.pending[key] = ch
	l.mu.Unlock()

	cleanup := func() {
		l.mu.Lock()
		delete(l.pending, key)
		l.mu.Unlock()
	}

	req := Frame{Kind: kind, Sender: l.self, Nonce: nonce, Payload: payload}
	buf, err := Encode(req, l.maxSize)
	if err != nil {
		cleanup()
		return Frame{}, err
	}
	if err := l.transport.Send(peer.Addr, buf); err != nil {
		cleanup()
		return Frame{}, ErrTransport
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case resp, ok := <-ch:
		if !ok {
			return Frame{}, ErrShutdown
		}
		return resp, nil
	case <-timer.C:
		cleanup()
		return Frame{}, ErrTimeout
	case <-ctx.Done():
		cleanup()
		return Frame{}, ctx.Err()
	}
}

// Ping sends PING and reports whether a PING_RSP arrived in time.
func (l *Layer) Ping(ctx context.Context, peer routing.Contact, timeout time.Duration) (bool, error) {
	_, err := l.sendRequest(ctx, peer, KindPing, nil, timeout)
	if err != nil {
		return false, err
	}
	return true, nil
}

// StoreAt sends STORE(key, entry) to peer and reports the remote's
// accept/reject status.
func (l *Layer) StoreAt(ctx context.Context, peer routing.Contact, key id.ID, e store.Entry, timeout time.Duration) (bool, error) {
	payload, err := encodeStoreRequest(key, e, l.now)
	if err != nil {
		return false, err
	}
	resp, err := l.sendRequest(ctx, peer, KindStore, payload, timeout)
	if err != nil {
		return false, err
	}
	return decodeStoreResponse(resp.Payload)
}

// FindNodeAt sends FIND_NODE(target) to peer and returns its reported
// closest contacts.
func (l *Layer) FindNodeAt(ctx context.Context, peer routing.Contact, target id.ID, timeout time.Duration) ([]routing.Contact, error) {
	resp, err := l.sendRequest(ctx, peer, KindFindNode, encodeTargetOrKey(target), timeout)
	if err != nil {
		return nil, err
	}
	return decodeContactList(resp.Payload)
}

// FindValueAt sends FIND_VALUE(key) to peer, returning either entries
// or a fallback node list.
func (l *Layer) FindValueAt(ctx context.Context, peer routing.Contact, key id.ID, timeout time.Duration) (FindValueResult, error) {
	resp, err := l.sendRequest(ctx, peer, KindFindValue, encodeTargetOrKey(key), timeout)
	if err != nil {
		return FindValueResult{}, err
	}
	return decodeFindValueResponse(resp.Payload, l.now)
}

// BootstrapAt sends BOOTSTRAP to peer, used to seed a joining node's
// table with contacts near its own ID.
func (l *Layer) BootstrapAt(ctx context.Context, peer routing.Contact, timeout time.Duration) ([]routing.Contact, error) {
	resp, err := l.sendRequest(ctx, peer, KindBootstrap, nil, timeout)
	if err != nil {
		return nil, err
	}
	return decodeContactList(resp.Payload)
}

// PendingCount reports how many outbound calls are currently awaiting
// a response, for diagnostics and tests.
func (l *Layer) PendingCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pending)
}
