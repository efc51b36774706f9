package memory

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tubestatus/tubestatus/internal/register"
	"github.com/tubestatus/tubestatus/internal/status"
)

func snap(queriedAt time.Time, by string) status.Snapshot {
	return status.Snapshot{QueriedAt: queriedAt, QueriedBy: by}
}

func TestGetNotFoundBeforeAnyWrite(t *testing.T) {
	r := New(Config{})
	_, err := r.Get(context.Background(), "tube-status", register.ReadLocal)
	assert.True(t, errors.Is(err, status.ErrNotFound))
}

func TestUpdateWithNoPeersSatisfiesMajorityTrivially(t *testing.T) {
	r := New(Config{})
	now := time.Now()
	got, err := r.Update(context.Background(), "tube-status", register.WriteMajority(time.Second), func(current status.Snapshot, found bool) status.Snapshot {
		return snap(now, "node-a")
	})
	require.NoError(t, err)
	assert.Equal(t, "node-a", got.QueriedBy)

	read, err := r.Get(context.Background(), "tube-status", register.ReadLocal)
	require.NoError(t, err)
	assert.Equal(t, got.QueriedAt.Unix(), read.QueriedAt.Unix())
}

func TestUpdateRejectsOlderWriteUnderLWW(t *testing.T) {
	r := New(Config{})
	older := time.Now()
	newer := older.Add(time.Minute)

	_, err := r.Update(context.Background(), "k", register.WriteMajority(time.Second), func(c status.Snapshot, f bool) status.Snapshot {
		return snap(newer, "node-a")
	})
	require.NoError(t, err)

	got, err := r.Update(context.Background(), "k", register.WriteMajority(time.Second), func(c status.Snapshot, f bool) status.Snapshot {
		return snap(older, "node-b")
	})
	require.NoError(t, err)
	assert.Equal(t, "node-a", got.QueriedBy, "older write must not overwrite newer")
}

func TestReceiveGossipAppliesLWW(t *testing.T) {
	r := New(Config{})
	now := time.Now()
	r.ReceiveGossip("k", snap(now, "node-a"))
	r.ReceiveGossip("k", snap(now.Add(-time.Hour), "node-b"))

	got, err := r.Get(context.Background(), "k", register.ReadLocal)
	require.NoError(t, err)
	assert.Equal(t, "node-a", got.QueriedBy)
}

func TestUpdateReachesMajorityAcrossRealPeers(t *testing.T) {
	peerA := New(Config{})
	srvA := httptest.NewServer(peerA.GossipHandler())
	defer srvA.Close()

	peerB := New(Config{})
	srvB := httptest.NewServer(peerB.GossipHandler())
	defer srvB.Close()

	coordinator := New(Config{Peers: []Peer{{Address: srvA.URL}, {Address: srvB.URL}}})
	defer coordinator.Close()

	now := time.Now()
	got, err := coordinator.Update(context.Background(), "tube-status", register.WriteMajority(time.Second), func(c status.Snapshot, f bool) status.Snapshot {
		return snap(now, "coordinator")
	})
	require.NoError(t, err)
	assert.Equal(t, "coordinator", got.QueriedBy)

	readA, err := peerA.Get(context.Background(), "tube-status", register.ReadLocal)
	require.NoError(t, err)
	assert.Equal(t, "coordinator", readA.QueriedBy)
}

func TestUpdateTimesOutWhenPeersUnreachable(t *testing.T) {
	coordinator := New(Config{Peers: []Peer{{Address: "http://127.0.0.1:1"}, {Address: "http://127.0.0.1:2"}}})
	defer coordinator.Close()
	_, err := coordinator.Update(context.Background(), "k", register.WriteMajority(50*time.Millisecond), func(c status.Snapshot, f bool) status.Snapshot {
		return snap(time.Now(), "coordinator")
	})
	assert.True(t, errors.Is(err, status.UpdateTimeout))
}

func TestPeriodicBroadcastConvergesPeerThatMissedTheWrite(t *testing.T) {
	peerA := New(Config{})
	srvA := httptest.NewServer(peerA.GossipHandler())
	defer srvA.Close()

	// Simulate peerB being down during the write by never including it in
	// the coordinator's peer list at write time; it only learns about the
	// value later via the periodic broadcast loop below.
	peerB := New(Config{})
	srvB := httptest.NewServer(peerB.GossipHandler())
	defer srvB.Close()

	coordinator := New(Config{Peers: []Peer{{Address: srvA.URL}}})
	defer coordinator.Close()

	now := time.Now()
	_, err := coordinator.Update(context.Background(), "tube-status", register.WriteMajority(time.Second), func(c status.Snapshot, f bool) status.Snapshot {
		return snap(now, "coordinator")
	})
	require.NoError(t, err)

	_, err = peerB.Get(context.Background(), "tube-status", register.ReadLocal)
	assert.True(t, errors.Is(err, status.ErrNotFound), "peerB should not have the value yet")

	broadcaster := New(Config{
		Peers:             []Peer{{Address: srvB.URL}},
		BroadcastInterval: 10 * time.Millisecond,
		BroadcastFanout:   1,
	})
	defer broadcaster.Close()
	broadcaster.ReceiveGossip("tube-status", snap(now, "coordinator"))

	require.Eventually(t, func() bool {
		got, err := peerB.Get(context.Background(), "tube-status", register.ReadLocal)
		return err == nil && got.QueriedBy == "coordinator"
	}, time.Second, 5*time.Millisecond, "peerB should converge via periodic broadcast")
}
