package election

import (
	"bytes"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/spindle/pkg/messages"
	"github.com/cuemby/spindle/pkg/rpc"
	"github.com/cuemby/spindle/pkg/rpc/rpctest"
	"github.com/cuemby/spindle/pkg/storage"
	"github.com/cuemby/spindle/pkg/types"
)

type recordingCandidate struct {
	mu     sync.Mutex
	events []string
}

func (c *recordingCandidate) ElectedLeader()     { c.record("elected") }
func (c *recordingCandidate) RevokedLeadership() { c.record("revoked") }

func (c *recordingCandidate) record(e string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
}

func (c *recordingCandidate) Events() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.events...)
}

func TestMonarchyAgent(t *testing.T) {
	c := &recordingCandidate{}
	agent := MonarchyAgent{}
	require.NoError(t, agent.Start(c))
	require.NoError(t, agent.Stop())
	assert.Equal(t, []string{"elected"}, c.Events())
}

func TestNotifyRef(t *testing.T) {
	network := rpc.NewLocalNetwork()
	env, err := network.NewEnv(rpc.DefaultConfig(), rpc.Address{Host: "master", Port: 7077})
	require.NoError(t, err)
	defer env.Shutdown()

	probe, ref := rpctest.New(t, env, "Master")
	candidate := NotifyRef(ref)
	candidate.ElectedLeader()
	candidate.RevokedLeadership()

	require.Eventually(t, func() bool { return len(probe.Messages()) == 2 }, 5*time.Second, 5*time.Millisecond)
	msgs := probe.Messages()
	assert.IsType(t, &messages.ElectedLeader{}, msgs[0])
	assert.IsType(t, &messages.RevokedLeadership{}, msgs[1])
}

func TestRaftNodeSingleMaster(t *testing.T) {
	local, err := storage.NewBoltEngine(t.TempDir())
	require.NoError(t, err)

	node, err := NewRaftNode(RaftConfig{NodeID: "master-1", InMemory: true, LogOutput: io.Discard}, local)
	require.NoError(t, err)

	engine := node.Engine()
	defer engine.Close()

	// not started yet
	assert.ErrorIs(t, engine.AddWorker(&types.WorkerInfo{ID: "w"}), ErrNotStarted)

	c := &recordingCandidate{}
	require.NoError(t, node.Start(c))
	require.Eventually(t, func() bool { return len(c.Events()) == 1 }, 10*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"elected"}, c.Events())
	assert.True(t, node.IsLeader())

	worker := types.NewWorkerInfo("worker-1", "10.0.0.5", 7078, 4, 2048, nil)
	require.NoError(t, engine.AddWorker(worker))
	require.NoError(t, engine.AddApplication(types.NewApplicationInfo("app-1", types.ApplicationDescription{Name: "pi"}, nil, time.Now())))

	data, err := engine.ReadPersistedData()
	require.NoError(t, err)
	require.Len(t, data.Workers, 1)
	assert.Equal(t, "worker-1", data.Workers[0].ID)
	require.Len(t, data.Apps, 1)

	require.NoError(t, engine.RemoveWorker(worker))
	data, err = engine.ReadPersistedData()
	require.NoError(t, err)
	assert.Empty(t, data.Workers)

	require.NoError(t, node.Stop())
	assert.Equal(t, []string{"elected", "revoked"}, c.Events())
	assert.False(t, node.IsLeader())
}

func TestNewRaftNodeValidation(t *testing.T) {
	_, err := NewRaftNode(RaftConfig{}, storage.NoopEngine{})
	assert.Error(t, err)

	_, err = NewRaftNode(RaftConfig{NodeID: "m"}, storage.NoopEngine{})
	assert.Error(t, err)
}

type bufferSink struct {
	bytes.Buffer
	cancelled bool
}

func (s *bufferSink) ID() string    { return "test" }
func (s *bufferSink) Close() error  { return nil }
func (s *bufferSink) Cancel() error { s.cancelled = true; return nil }

func TestRegistryFSMSnapshotRestore(t *testing.T) {
	source, err := storage.NewBoltEngine(t.TempDir())
	require.NoError(t, err)
	defer source.Close()
	require.NoError(t, source.AddWorker(types.NewWorkerInfo("worker-1", "h", 1, 2, 3, nil)))
	require.NoError(t, source.AddDriver(types.NewDriverInfo("driver-1", types.DriverDescription{}, time.Now())))

	snap, err := newRegistryFSM(source).Snapshot()
	require.NoError(t, err)
	sink := &bufferSink{}
	require.NoError(t, snap.Persist(sink))
	assert.False(t, sink.cancelled)

	target, err := storage.NewBoltEngine(t.TempDir())
	require.NoError(t, err)
	defer target.Close()
	// stale record replaced by the snapshot
	require.NoError(t, target.AddWorker(types.NewWorkerInfo("stale", "h", 1, 1, 1, nil)))

	require.NoError(t, newRegistryFSM(target).Restore(io.NopCloser(&sink.Buffer)))
	data, err := target.ReadPersistedData()
	require.NoError(t, err)
	require.Len(t, data.Workers, 1)
	assert.Equal(t, "worker-1", data.Workers[0].ID)
	require.Len(t, data.Drivers, 1)
}
