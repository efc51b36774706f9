//go:build integration

package hazelreg

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/hazelcast/hazelcast-go-client"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/tubestatus/tubestatus/internal/register"
	"github.com/tubestatus/tubestatus/internal/status"
)

const hazelcastImage = "hazelcast/hazelcast:5.6"

// startHazelcast boots a single-node Hazelcast cluster via testcontainers,
// grounded on the teacher's hazelcast_integration_test.go TestMain setup.
func startHazelcast(t *testing.T) string {
	t.Helper()
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        hazelcastImage,
		ExposedPorts: []string{"5701/tcp"},
		Env:          map[string]string{"HZ_NETWORK_PUBLICADDRESS": "127.0.0.1:5701"},
		WaitingFor:   wait.ForLog("is STARTED").WithStartupTimeout(60 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = testcontainers.TerminateContainer(container) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5701")
	require.NoError(t, err)

	time.Sleep(5 * time.Second)
	return fmt.Sprintf("%s:%s", host, port.Port())
}

func newTestRegister(t *testing.T, endpoint string) *Register {
	t.Helper()
	ctx := context.Background()

	cfg := hazelcast.Config{}
	cfg.Cluster.Network.SetAddresses(endpoint)
	cfg.Cluster.Unisocket = true

	client, err := hazelcast.StartNewClientWithConfig(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = client.Shutdown(shutdownCtx)
	})

	m, err := client.GetMap(ctx, "test-register")
	require.NoError(t, err)
	require.NoError(t, m.Clear(ctx))

	return NewWithMap(m)
}

func TestRegisterIntegrationCASAcrossConcurrentWriters(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	endpoint := startHazelcast(t)
	r := newTestRegister(t, endpoint)
	ctx := context.Background()

	older := time.Now()
	newer := older.Add(time.Minute)

	_, err := r.Update(ctx, "tube-status", register.WriteMajority(2*time.Second), func(c status.Snapshot, found bool) status.Snapshot {
		require.False(t, found)
		return status.Snapshot{QueriedAt: newer, QueriedBy: "node-a"}
	})
	require.NoError(t, err)

	got, err := r.Update(ctx, "tube-status", register.WriteMajority(2*time.Second), func(c status.Snapshot, found bool) status.Snapshot {
		require.True(t, found)
		return status.Snapshot{QueriedAt: older, QueriedBy: "node-b"}
	})
	require.NoError(t, err)
	require.Equal(t, "node-a", got.QueriedBy, "older write must lose to the already-stored newer one")

	fetched, err := r.Get(ctx, "tube-status", register.ReadLocal)
	require.NoError(t, err)
	require.Equal(t, "node-a", fetched.QueriedBy)
}
