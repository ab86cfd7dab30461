// Package subotai implements a Kademlia-style distributed hash table:
// XOR-metric routing over a 160-bit identifier space, iterative
// α-parallel lookups, and a replicated, expiring, republishing key/value
// store reachable over UDP.
//
// A typical participant:
//
//	n, err := subotai.New(id.Random(), subotai.DefaultConfig())
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer n.Shutdown()
//
//	if err := n.Bootstrap(seed); err != nil {
//		log.Fatal(err)
//	}
//	if err := n.Store(key, store.VariantBlob, payload); err != nil {
//		log.Fatal(err)
//	}
//	entries, err := n.Retrieve(key)
package subotai
