// Package natsreg implements register.Register on a single NATS JetStream
// Key/Value bucket entry, compare-and-swapped using the bucket's native
// revision number. Grounded on the teacher's natskv package's bucket setup;
// adapted from a per-response byte cache to one shared register key with a
// CAS loop driven by jetstream's revision-aware Update/Create.
package natsreg

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/tubestatus/tubestatus/internal/codec"
	"github.com/tubestatus/tubestatus/internal/register"
	"github.com/tubestatus/tubestatus/internal/status"
)

// Config holds connection settings for the NATS register backend.
type Config struct {
	NATSUrl     string
	Bucket      string
	Description string
	NATSOptions []nats.Option

	// Codec transforms the serialized snapshot before it is stored and
	// reverses the transform on read. Defaults to a plain-JSON passthrough
	// codec.Codec when nil.
	Codec *codec.Codec
}

// Register is the NATS JetStream K/V-backed register.Register implementation.
// JetStream's own replication (a clustered stream with R replicas) stands in
// for the gossip/quorum model: once Create/Update returns, the bucket's
// configured replication factor has already durably applied the write, so
// WriteMajority is satisfied by a successful CAS rather than a separate ack
// count.
type Register struct {
	kv    jetstream.KeyValue
	nc    *nats.Conn
	codec *codec.Codec
}

// registerKey maps a register key to the K/V entry name. NATS K/V keys must
// avoid '.' segments that collide with wildcard subjects; a flat prefix
// keeps this simple for the single well-known key this system uses.
func registerKey(key string) string {
	return "register_" + key
}

// New connects to NATS and creates or reuses the K/V bucket.
func New(ctx context.Context, cfg Config) (*Register, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("natsreg: bucket name is required")
	}
	url := cfg.NATSUrl
	if url == "" {
		url = nats.DefaultURL
	}

	nc, err := nats.Connect(url, cfg.NATSOptions...)
	if err != nil {
		return nil, fmt.Errorf("natsreg: connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("natsreg: jetstream context: %w", err)
	}

	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      cfg.Bucket,
		Description: cfg.Description,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("natsreg: create bucket: %w", err)
	}

	payloadCodec := cfg.Codec
	if payloadCodec == nil {
		payloadCodec, err = codec.New()
		if err != nil {
			nc.Close()
			return nil, fmt.Errorf("natsreg: default codec: %w", err)
		}
	}

	return &Register{kv: kv, nc: nc, codec: payloadCodec}, nil
}

// NewWithKeyValue wraps a caller-managed JetStream KeyValue store with a
// plain-JSON passthrough codec.
func NewWithKeyValue(kv jetstream.KeyValue) *Register {
	c, _ := codec.New()
	return &Register{kv: kv, codec: c}
}

func (r *Register) Get(ctx context.Context, key string, _ register.ReadConsistency) (status.Snapshot, error) {
	entry, err := r.kv.Get(ctx, registerKey(key))
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return status.Snapshot{}, status.ErrNotFound
	}
	if err != nil {
		return status.Snapshot{}, &status.GetFailure{Err: err}
	}
	snap, err := r.codec.UnmarshalSnapshot(entry.Value())
	if err != nil {
		return status.Snapshot{}, &status.GetFailure{Err: err}
	}
	return snap, nil
}

// Update loops Get → modify → Update(revision)/Create, retrying on a
// revision conflict (another node wrote between the read and the CAS)
// until the consistency timeout elapses.
func (r *Register) Update(ctx context.Context, key string, consistency register.WriteConsistency, modify register.ModifyFunc) (status.Snapshot, error) {
	timeout := consistency.Timeout()
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	wireKey := registerKey(key)
	for {
		entry, getErr := r.kv.Get(ctx, wireKey)
		var (
			current  status.Snapshot
			found    bool
			revision uint64
			err      error
		)
		switch {
		case errors.Is(getErr, jetstream.ErrKeyNotFound):
			found = false
		case getErr != nil:
			if ctx.Err() != nil {
				return status.Snapshot{}, status.UpdateTimeout
			}
			return status.Snapshot{}, &status.GetFailure{Err: getErr}
		default:
			found = true
			revision = entry.Revision()
			current, err = r.codec.UnmarshalSnapshot(entry.Value())
			if err != nil {
				return status.Snapshot{}, &status.GetFailure{Err: err}
			}
		}

		next := modify(current, found)
		if found && !next.Wins(current) {
			return current, nil
		}

		payload, err := r.codec.MarshalSnapshot(next)
		if err != nil {
			return status.Snapshot{}, &status.GetFailure{Err: err}
		}

		if found {
			_, err = r.kv.Update(ctx, wireKey, payload, revision)
		} else {
			_, err = r.kv.Create(ctx, wireKey, payload)
		}
		if err == nil {
			return next, nil
		}
		if ctx.Err() != nil {
			return next, status.UpdateTimeout
		}
		// Revision/key-exists conflict: another node won the race. Retry the
		// read-modify-write with the fresh value.
	}
}

func (r *Register) Close() error {
	if r.nc != nil {
		r.nc.Close()
	}
	return nil
}
