package store

import "errors"

// ErrStorageFull is returned when a store would exceed a configured
// bound: entries for a single key, or the total number of keys. The
// cache never returns it; at capacity it evicts its least recently
// used key instead.
var ErrStorageFull = errors.New("store: capacity exceeded")
