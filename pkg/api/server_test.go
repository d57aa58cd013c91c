package api

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"

	"github.com/cuemby/spindle/pkg/events"
)

func newHealthClient(t *testing.T, s *Server) healthpb.HealthClient {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	go func() { _ = s.Serve(lis) }()
	t.Cleanup(s.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return healthpb.NewHealthClient(conn)
}

func servingStatus(t *testing.T, client healthpb.HealthClient, service string) healthpb.HealthCheckResponse_ServingStatus {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	require.NoError(t, err)
	return resp.Status
}

func TestServerHealthService(t *testing.T) {
	s := NewServer()
	client := newHealthClient(t, s)

	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, servingStatus(t, client, ""))
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, servingStatus(t, client, MasterService))

	s.SetMasterServing(true)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, servingStatus(t, client, MasterService))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: "unknown"})
	assert.Error(t, err)
}

func TestWatchLeadership(t *testing.T) {
	s := NewServer()
	client := newHealthClient(t, s)

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	leader := atomic.NewBool(false)
	check := func(context.Context) (string, error) {
		if leader.Load() {
			return "ALIVE", nil
		}
		return "", errors.New("master is STANDBY")
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.WatchLeadership(ctx, broker, check)
	}()
	require.Eventually(t, func() bool { return broker.SubscriberCount() == 1 }, 5*time.Second, 5*time.Millisecond)

	masterStatus := func() healthpb.HealthCheckResponse_ServingStatus {
		return servingStatus(t, client, MasterService)
	}

	leader.Store(true)
	broker.Publish(&events.Event{Type: events.EventLeadershipElected})
	require.Eventually(t, func() bool { return masterStatus() == healthpb.HealthCheckResponse_SERVING }, 5*time.Second, 10*time.Millisecond)

	// unrelated events do not re-evaluate
	leader.Store(false)
	broker.Publish(&events.Event{Type: events.EventWorkerRegistered})
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, masterStatus())

	broker.Publish(&events.Event{Type: events.EventLeadershipRevoked})
	require.Eventually(t, func() bool { return masterStatus() == healthpb.HealthCheckResponse_NOT_SERVING }, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not stop")
	}
	assert.Equal(t, 0, broker.SubscriberCount())
}

func TestMethodName(t *testing.T) {
	assert.Equal(t, "Check", methodName("/grpc.health.v1.Health/Check"))
	assert.Equal(t, "bogus", methodName("bogus"))
}
