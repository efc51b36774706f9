// Package hazelreg implements register.Register on a single entry of a
// Hazelcast IMap, compare-and-swapped with the map's native ReplaceIfSame.
// Grounded on the teacher's hazelcast package's Map wrapping; adapted from a
// per-response byte cache to one shared register key.
package hazelreg

import (
	"context"
	"fmt"
	"time"

	"github.com/hazelcast/hazelcast-go-client"

	"github.com/tubestatus/tubestatus/internal/codec"
	"github.com/tubestatus/tubestatus/internal/register"
	"github.com/tubestatus/tubestatus/internal/status"
)

// Register is the Hazelcast IMap-backed register.Register implementation.
// Hazelcast's own cluster-wide replication (backup count on the map config)
// is the durability substitute for a separate ack-counted quorum: once
// PutIfAbsent/ReplaceIfSame returns, the configured number of backups already hold
// the value.
type Register struct {
	m     *hazelcast.Map
	codec *codec.Codec
}

func registerKey(key string) string { return "register:" + key }

// NewWithMap wraps a caller-managed Hazelcast IMap with a plain-JSON
// passthrough codec. Use NewWithMapAndCodec to enable compression/encryption.
func NewWithMap(m *hazelcast.Map) *Register {
	c, _ := codec.New()
	return &Register{m: m, codec: c}
}

// NewWithMapAndCodec wraps a caller-managed Hazelcast IMap, transforming
// stored payloads through c before writing and after reading.
func NewWithMapAndCodec(m *hazelcast.Map, c *codec.Codec) *Register {
	return &Register{m: m, codec: c}
}

func (r *Register) Get(ctx context.Context, key string, _ register.ReadConsistency) (status.Snapshot, error) {
	val, err := r.m.Get(ctx, registerKey(key))
	if err != nil {
		return status.Snapshot{}, &status.GetFailure{Err: err}
	}
	if val == nil {
		return status.Snapshot{}, status.ErrNotFound
	}
	raw, ok := val.([]byte)
	if !ok {
		return status.Snapshot{}, &status.GetFailure{Err: fmt.Errorf("hazelreg: unexpected value type %T", val)}
	}
	snap, err := r.codec.UnmarshalSnapshot(raw)
	if err != nil {
		return status.Snapshot{}, &status.GetFailure{Err: err}
	}
	return snap, nil
}

// Update loops Get → modify → ReplaceIfSame, retrying on a lost race until
// the consistency timeout elapses. The first write to a previously-empty key
// uses PutIfAbsent to avoid clobbering a concurrent first writer.
func (r *Register) Update(ctx context.Context, key string, consistency register.WriteConsistency, modify register.ModifyFunc) (status.Snapshot, error) {
	timeout := consistency.Timeout()
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	mapKey := registerKey(key)
	for {
		rawCurrent, err := r.m.Get(ctx, mapKey)
		if err != nil {
			if ctx.Err() != nil {
				return status.Snapshot{}, status.UpdateTimeout
			}
			return status.Snapshot{}, &status.GetFailure{Err: err}
		}

		var current status.Snapshot
		found := rawCurrent != nil
		if found {
			b, ok := rawCurrent.([]byte)
			if !ok {
				return status.Snapshot{}, &status.GetFailure{Err: fmt.Errorf("hazelreg: unexpected value type %T", rawCurrent)}
			}
			current, err = r.codec.UnmarshalSnapshot(b)
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

		if !found {
			prior, err := r.m.PutIfAbsent(ctx, mapKey, payload)
			if err != nil {
				if ctx.Err() != nil {
					return status.Snapshot{}, status.UpdateTimeout
				}
				return status.Snapshot{}, &status.GetFailure{Err: err}
			}
			if prior == nil {
				return next, nil
			}
			continue // someone else won the race to create the key; retry
		}

		replaced, err := r.m.ReplaceIfSame(ctx, mapKey, rawCurrent, payload)
		if err != nil {
			if ctx.Err() != nil {
				return status.Snapshot{}, status.UpdateTimeout
			}
			return status.Snapshot{}, &status.GetFailure{Err: err}
		}
		if replaced {
			return next, nil
		}
		if ctx.Err() != nil {
			return next, status.UpdateTimeout
		}
		// Lost the CAS race; retry with the fresh value.
	}
}

func (r *Register) Close() error { return nil }
