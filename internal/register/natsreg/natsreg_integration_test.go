//go:build integration

package natsreg

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	natscontainer "github.com/testcontainers/testcontainers-go/modules/nats"

	"github.com/tubestatus/tubestatus/internal/register"
	"github.com/tubestatus/tubestatus/internal/status"
)

const natsImage = "nats:2-alpine"

// TestRegisterIntegrationCASAcrossConcurrentWriters spins up a real JetStream
// server, grounded on the teacher's natskv_integration_test.go container
// setup, and confirms the revision-based CAS loop respects LWW ordering.
func TestRegisterIntegrationCASAcrossConcurrentWriters(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	ctx := context.Background()
	container, err := natscontainer.Run(ctx, natsImage, testcontainers.WithCmd("-js"))
	require.NoError(t, err)
	defer func() { _ = testcontainers.TerminateContainer(container) }()

	endpoint, err := container.ConnectionString(ctx)
	require.NoError(t, err)

	r, err := New(ctx, Config{NATSUrl: endpoint, Bucket: "tube-status-register"})
	require.NoError(t, err)
	defer r.Close()

	older := time.Now()
	newer := older.Add(time.Minute)

	_, err = r.Update(ctx, "tube-status", register.WriteMajority(2*time.Second), func(c status.Snapshot, found bool) status.Snapshot {
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
