package metrics

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

type fakeSource struct {
	snap *ClusterSnapshot
	err  error
}

func (f *fakeSource) ClusterSnapshot(ctx context.Context) (*ClusterSnapshot, error) {
	return f.snap, f.err
}

func TestApplySnapshot(t *testing.T) {
	Apply(&ClusterSnapshot{
		Leader:      true,
		Workers:     map[string]int{"ALIVE": 3, "DEAD": 1},
		Apps:        map[string]int{"RUNNING": 2},
		Drivers:     map[string]int{"SUBMITTED": 1},
		CoresTotal:  24,
		CoresUsed:   6,
		MemoryTotal: 8192,
		MemoryUsed:  2048,
	})

	assert.Equal(t, 3.0, testutil.ToFloat64(WorkersTotal.WithLabelValues("ALIVE")))
	assert.Equal(t, 1.0, testutil.ToFloat64(WorkersTotal.WithLabelValues("DEAD")))
	assert.Equal(t, 2.0, testutil.ToFloat64(ApplicationsTotal.WithLabelValues("RUNNING")))
	assert.Equal(t, 24.0, testutil.ToFloat64(ClusterCores.WithLabelValues("total")))
	assert.Equal(t, 2048.0, testutil.ToFloat64(ClusterMemoryMB.WithLabelValues("used")))
	assert.Equal(t, 1.0, testutil.ToFloat64(MasterIsLeader))

	Apply(&ClusterSnapshot{Workers: map[string]int{"ALIVE": 1}})
	assert.Equal(t, 1, testutil.CollectAndCount(WorkersTotal), "stale states are cleared")
	assert.Equal(t, 0.0, testutil.ToFloat64(MasterIsLeader))
}

func TestCollectorSkipsFailedSnapshots(t *testing.T) {
	Apply(&ClusterSnapshot{Leader: true})

	c := NewCollector(&fakeSource{err: errors.New("standby")}, time.Hour)
	c.collect()

	assert.Equal(t, 1.0, testutil.ToFloat64(MasterIsLeader))
}

func TestCollectorStartStop(t *testing.T) {
	src := &fakeSource{snap: &ClusterSnapshot{CoresTotal: 7}}
	c := NewCollector(src, time.Hour)
	c.Start()
	defer c.Stop()

	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(ClusterCores.WithLabelValues("total")) == 7
	}, time.Second, 10*time.Millisecond)
}
