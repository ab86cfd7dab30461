package subotai

import (
	"context"
	"time"

	"github.com/TheWaWaR/subotai/id"
	"github.com/TheWaWaR/subotai/store"
	"github.com/sirupsen/logrus"
)

// maintenanceLoop drives the table-upkeep ticker described in spec §6:
// expire and republish storage entries, sweep the routing table's
// grace lists and defensive flag, and refresh stale buckets. It runs
// until Shutdown closes n.stop.
func (n *Node) maintenanceLoop() {
	defer n.wg.Done()

	ticker := time.NewTicker(n.cfg.MaintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-n.stop:
			return
		case now := <-ticker.C:
			n.runMaintenance(now)
		}
	}
}

func (n *Node) runMaintenance(now time.Time) {
	result := n.storage.Tick(now)
	for _, due := range result.DueRepublishes {
		due := due
		go n.republish(due.Key, due.Entry)
	}
	if len(result.ExpiredKeys) > 0 {
		logrus.WithFields(logrus.Fields{
			"function": "runMaintenance",
			"count":    len(result.ExpiredKeys),
		}).Debug("expired storage entries")
	}

	n.router.ExpireGraceSweep(now)
	n.router.ClearDefenseIfExpired(now)

	for _, idx := range n.router.StaleBuckets(now, n.cfg.BucketRefreshInterval) {
		idx := idx
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), n.cfg.LookupDeadline)
			defer cancel()
			n.engine.RefreshBucket(ctx, idx)
		}()
	}
}

// republish re-runs store_on_network for an originated entry whose
// republish deadline has arrived, keeping it alive on the network
// between the node's own storage expirations.
func (n *Node) republish(key id.ID, e store.Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), n.cfg.LookupDeadline)
	defer cancel()
	if _, err := n.engine.StoreOnNetwork(ctx, key, e); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "republish",
			"key":      key.String(),
		}).WithError(err).Debug("republish did not reach any peer")
	}
}
