package metrics

import (
	"context"
	"time"

	"github.com/cuemby/distbuild/pkg/storage"
)

// Collector periodically samples the store and updates gauge metrics that
// can't be updated inline by the operation that changed them (queue depth,
// running count).
type Collector struct {
	store  storage.Store
	stopCh chan struct{}
}

// NewCollector creates a new metrics collector backed by store.
func NewCollector(store storage.Store) *Collector {
	return &Collector{
		store:  store,
		stopCh: make(chan struct{}),
	}
}

// Start begins collecting metrics every 15 seconds.
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		c.collect()
		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	counts, err := c.store.CountsByStatus(ctx)
	if err != nil {
		return
	}

	JobsQueued.Set(float64(counts["queued"]))
	JobsRunning.Set(float64(counts["running"]))
}
