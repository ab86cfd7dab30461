package subotai

import "time"

// Config bounds every tunable of a node per spec §6. DefaultConfig
// supplies sane values for a small-to-medium overlay; production
// deployments at larger N should grow K and tighten the lookup
// timeouts.
type Config struct {
	// BindAddress is the local UDP endpoint to listen on, e.g.
	// "0.0.0.0:0" for an ephemeral port.
	BindAddress string

	K     int
	Alpha int

	RequestTimeout    time.Duration
	LookupRoundTimeout time.Duration
	LookupDeadline    time.Duration
	BootstrapDeadline time.Duration
	AliveThreshold    int

	GraceTimeout      time.Duration
	DefensiveCooldown time.Duration

	RepublishInterval     time.Duration
	EntryDefaultTTL       time.Duration
	MaxEntriesPerKey      int
	MaxKeys               int
	CacheCapacity         int
	MaxBlobSize           int
	MaxFrameSize          int
	MaxPendingRequests    int

	MaintenanceInterval   time.Duration
	BucketRefreshInterval time.Duration
}

// DefaultConfig returns the parameters used throughout the testable
// properties in spec §8: K=20 and α=3, the classical Kademlia values.
func DefaultConfig() Config {
	return Config{
		BindAddress: "0.0.0.0:0",

		K:     20,
		Alpha: 3,

		RequestTimeout:     2 * time.Second,
		LookupRoundTimeout: 300 * time.Millisecond,
		LookupDeadline:     20 * time.Second,
		BootstrapDeadline:  30 * time.Second,
		AliveThreshold:     1,

		GraceTimeout:      5 * time.Second,
		DefensiveCooldown: 30 * time.Second,

		RepublishInterval:  time.Hour,
		EntryDefaultTTL:    24 * time.Hour,
		MaxEntriesPerKey:   8,
		MaxKeys:            100_000,
		CacheCapacity:      1_000,
		MaxBlobSize:        8192,
		MaxFrameSize:       1400,
		MaxPendingRequests: 10_000,

		MaintenanceInterval:   10 * time.Second,
		BucketRefreshInterval: 15 * time.Minute,
	}
}
