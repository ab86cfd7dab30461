package lookup

import "errors"

// ErrNoProgress is returned by StoreOnNetwork when node_lookup(key)
// produced no contacts at all to store to.
var ErrNoProgress = errors.New("lookup: no contacts reachable")

// ErrStoreFailed is returned by StoreOnNetwork when every STORE to the
// K closest contacts failed or timed out.
var ErrStoreFailed = errors.New("lookup: no peer accepted the store")
