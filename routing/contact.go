// Package routing implements the Kademlia k-bucket routing table: the
// "introduce first, resolve later" admission policy, the bounded
// grace list used as a rollback window for evicted contacts, and the
// defensive state that dampens flood-style contact injection.
package routing

import (
	"net"

	"github.com/TheWaWaR/subotai/id"
)

// Contact is a peer identified by its ID and reachable at Addr.
// Liveness is not part of the contact: it is established externally,
// by a successful RPC, and expressed only through how recently (and
// whether) a contact has been promoted in its bucket.
type Contact struct {
	ID   id.ID
	Addr net.Addr
}
