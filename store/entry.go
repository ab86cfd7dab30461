package store

import (
	"bytes"
	"time"
)

// Variant distinguishes the two value shapes a stored entry may take.
type Variant uint8

const (
	// VariantBlob is an arbitrary byte payload. No blob size cap is
	// enforced when an entry is stored; only the wire codec bounds the
	// payload length when the entry is sent to a peer.
	VariantBlob Variant = iota
	// VariantValue is a small inline value. It is stored and encoded
	// exactly like VariantBlob; no size check depends on the variant.
	VariantValue
)

// Entry is a single value stored under a key. Entries are deduplicated
// within a key's set on Variant+Payload equality; storing an equal
// entry again only refreshes Expiration (and, for a republishable
// entry, RepublishAt), never shortening either.
type Entry struct {
	Variant    Variant
	Payload    []byte
	Expiration time.Time

	// Republishable marks an entry as an original this node is
	// responsible for re-announcing. Entries received via STORE from
	// another peer, and entries learned via FIND_VALUE caching, are
	// never republishable.
	Republishable bool
	// RepublishAt is meaningful only when Republishable is true: the
	// next time this node should re-issue a network STORE for it.
	RepublishAt time.Time
}

// sameValue reports whether two entries are equal on the dedup key:
// variant and payload bytes, ignoring expiration and republish state.
func sameValue(a, b Entry) bool {
	return a.Variant == b.Variant && bytes.Equal(a.Payload, b.Payload)
}

// fresh reports whether the entry has not yet expired at now.
func (e Entry) fresh(now time.Time) bool {
	return now.Before(e.Expiration)
}
