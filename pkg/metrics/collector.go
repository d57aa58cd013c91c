package metrics

import (
	"context"
	"time"
)

// ClusterSnapshot is a point-in-time summary of the master registry
type ClusterSnapshot struct {
	Leader      bool
	Workers     map[string]int // by state
	Apps        map[string]int // by state
	Drivers     map[string]int // by state
	CoresTotal  int
	CoresUsed   int
	MemoryTotal int
	MemoryUsed  int
}

// SnapshotSource provides cluster snapshots, normally the master
type SnapshotSource interface {
	ClusterSnapshot(ctx context.Context) (*ClusterSnapshot, error)
}

// Collector periodically copies master snapshots into the cluster gauges
type Collector struct {
	source   SnapshotSource
	interval time.Duration
	stopCh   chan struct{}
}

// NewCollector creates a new metrics collector
func NewCollector(source SnapshotSource, interval time.Duration) *Collector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Collector{
		source:   source,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(c.interval)
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

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	ctx, cancel := context.WithTimeout(context.Background(), c.interval)
	defer cancel()

	snap, err := c.source.ClusterSnapshot(ctx)
	if err != nil {
		return
	}
	Apply(snap)
}

// Apply copies a snapshot into the gauges
func Apply(snap *ClusterSnapshot) {
	WorkersTotal.Reset()
	for state, n := range snap.Workers {
		WorkersTotal.WithLabelValues(state).Set(float64(n))
	}
	ApplicationsTotal.Reset()
	for state, n := range snap.Apps {
		ApplicationsTotal.WithLabelValues(state).Set(float64(n))
	}
	DriversTotal.Reset()
	for state, n := range snap.Drivers {
		DriversTotal.WithLabelValues(state).Set(float64(n))
	}

	ClusterCores.WithLabelValues("total").Set(float64(snap.CoresTotal))
	ClusterCores.WithLabelValues("used").Set(float64(snap.CoresUsed))
	ClusterMemoryMB.WithLabelValues("total").Set(float64(snap.MemoryTotal))
	ClusterMemoryMB.WithLabelValues("used").Set(float64(snap.MemoryUsed))

	if snap.Leader {
		MasterIsLeader.Set(1)
	} else {
		MasterIsLeader.Set(0)
	}
}
