// Package register defines StatusRegister: a cluster-replicated last-writer-
// wins register holding one shared status.Snapshot per key. Concrete storage
// lives in the memory (gossip), redisreg, natsreg and hazelreg subpackages;
// the Replicator depends only on this interface.
package register

import (
	"context"
	"time"

	"github.com/tubestatus/tubestatus/internal/status"
)

// ReadConsistency selects how a Get is served.
type ReadConsistency int

const (
	// ReadLocal answers from the local replica only, non-blocking, may lag
	// behind the cluster's most recent write.
	ReadLocal ReadConsistency = iota
)

// WriteConsistency selects how an Update is acknowledged.
type WriteConsistency struct {
	majority bool
	timeout  time.Duration
}

// WriteMajority requires a majority of cluster nodes to ack the write (or the
// backend's own durability guarantee, where there is no cluster membership
// concept) before Update returns, or status.UpdateTimeout after timeout.
func WriteMajority(timeout time.Duration) WriteConsistency {
	return WriteConsistency{majority: true, timeout: timeout}
}

// Majority reports whether this consistency level requires majority ack.
func (w WriteConsistency) Majority() bool { return w.majority }

// Timeout returns the configured quorum timeout.
func (w WriteConsistency) Timeout() time.Duration { return w.timeout }

// ModifyFunc receives the current value for key (the zero Snapshot with
// found=false if none exists yet) and returns the value to compare-and-swap in.
type ModifyFunc func(current status.Snapshot, found bool) status.Snapshot

// Register is a cluster-wide LWW register keyed by string. Implementations
// must tag every write with the writer's unique node address (Snapshot's
// QueriedBy) so LWW ordering (status.Snapshot.Compare) is well-defined across
// the cluster, and must keep propagating values via gossip or the backend's
// own replication even after a majority write times out.
type Register interface {
	// Get returns the current value for key, or status.ErrNotFound if no
	// value has ever been written.
	Get(ctx context.Context, key string, consistency ReadConsistency) (status.Snapshot, error)

	// Update compare-and-swaps the value at key: modify receives the current
	// value (or the zero Snapshot with found=false) and returns the value to
	// write. Under WriteMajority, Update blocks until a majority of cluster
	// nodes (or the backend's durability substitute) ack, or returns
	// status.UpdateTimeout once the consistency's timeout elapses; the local
	// write and gossip propagation proceed regardless.
	Update(ctx context.Context, key string, consistency WriteConsistency, modify ModifyFunc) (status.Snapshot, error)

	// Close releases any resources (gossip listeners, backend connections).
	Close() error
}
