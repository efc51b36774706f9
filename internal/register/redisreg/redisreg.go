// Package redisreg implements register.Register on a single Redis key,
// compare-and-swapped with WATCH/MULTI/EXEC so concurrent nodes never
// clobber a concurrent LWW winner. Grounded on the connection-pool shape of
// the teacher's redis package, adapted from a per-response byte cache to one
// shared register key.
package redisreg

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gomodule/redigo/redis"

	"github.com/tubestatus/tubestatus/internal/codec"
	"github.com/tubestatus/tubestatus/internal/register"
	"github.com/tubestatus/tubestatus/internal/status"
)

// Config holds connection settings for the Redis register backend.
type Config struct {
	Address        string
	Password       string
	DB             int
	MaxIdle        int
	MaxActive      int
	IdleTimeout    time.Duration
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration

	// KeyPrefix namespaces register keys within the Redis keyspace shared
	// with other tenants. Defaults to "tubestatus:register:".
	KeyPrefix string

	// Codec transforms the serialized snapshot before it is stored and
	// reverses the transform on read (compression/encryption). Defaults to
	// a plain-JSON passthrough codec.Codec when nil.
	Codec *codec.Codec
}

func (c Config) withDefaults() Config {
	if c.MaxIdle == 0 {
		c.MaxIdle = 10
	}
	if c.MaxActive == 0 {
		c.MaxActive = 100
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = 5 * time.Minute
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = 5 * time.Second
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = 5 * time.Second
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.KeyPrefix == "" {
		c.KeyPrefix = "tubestatus:register:"
	}
	return c
}

// Register is the Redis-backed register.Register implementation. Because
// Redis replication (or a Redis Cluster/Sentinel deployment in front of it)
// is the cluster's own durability mechanism, WriteMajority degenerates to
// "the write was durably applied to this Redis key" rather than counting
// per-node acks: there is no separate node membership to poll.
type Register struct {
	pool   *redis.Pool
	prefix string
	codec  *codec.Codec
}

// New dials Redis and verifies connectivity.
func New(cfg Config) (*Register, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("redisreg: address is required")
	}
	cfg = cfg.withDefaults()

	payloadCodec := cfg.Codec
	if payloadCodec == nil {
		var err error
		payloadCodec, err = codec.New()
		if err != nil {
			return nil, fmt.Errorf("redisreg: default codec: %w", err)
		}
	}

	pool := &redis.Pool{
		MaxIdle:     cfg.MaxIdle,
		MaxActive:   cfg.MaxActive,
		IdleTimeout: cfg.IdleTimeout,
		Dial: func() (redis.Conn, error) {
			opts := []redis.DialOption{
				redis.DialConnectTimeout(cfg.ConnectTimeout),
				redis.DialReadTimeout(cfg.ReadTimeout),
				redis.DialWriteTimeout(cfg.WriteTimeout),
				redis.DialDatabase(cfg.DB),
			}
			if cfg.Password != "" {
				opts = append(opts, redis.DialPassword(cfg.Password))
			}
			return redis.Dial("tcp", cfg.Address, opts...)
		},
		TestOnBorrow: func(c redis.Conn, t time.Time) error {
			if time.Since(t) < time.Minute {
				return nil
			}
			_, err := c.Do("PING")
			return err
		},
	}

	conn := pool.Get()
	defer conn.Close() //nolint:errcheck
	if _, err := conn.Do("PING"); err != nil {
		pool.Close() //nolint:errcheck
		return nil, fmt.Errorf("redisreg: connect: %w", err)
	}

	return &Register{pool: pool, prefix: cfg.prefixOrDefault(), codec: payloadCodec}, nil
}

func (c Config) prefixOrDefault() string {
	if c.KeyPrefix == "" {
		return "tubestatus:register:"
	}
	return c.KeyPrefix
}

func (r *Register) redisKey(key string) string { return r.prefix + key }

func (r *Register) Get(ctx context.Context, key string, _ register.ReadConsistency) (status.Snapshot, error) {
	conn, err := r.pool.GetContext(ctx)
	if err != nil {
		return status.Snapshot{}, &status.GetFailure{Err: err}
	}
	defer conn.Close() //nolint:errcheck

	raw, err := redis.Bytes(conn.Do("GET", r.redisKey(key)))
	if errors.Is(err, redis.ErrNil) {
		return status.Snapshot{}, status.ErrNotFound
	}
	if err != nil {
		return status.Snapshot{}, &status.GetFailure{Err: err}
	}
	snap, err := r.codec.UnmarshalSnapshot(raw)
	if err != nil {
		return status.Snapshot{}, &status.GetFailure{Err: err}
	}
	return snap, nil
}

// Update performs an optimistic WATCH/GET/compare/MULTI-SET-EXEC loop: the
// LWW decision (modify, then Wins) happens client-side between WATCH and
// EXEC, and EXEC fails atomically if another node wrote the key meanwhile,
// in which case the loop re-reads and retries.
func (r *Register) Update(ctx context.Context, key string, consistency register.WriteConsistency, modify register.ModifyFunc) (status.Snapshot, error) {
	deadline := time.Now().Add(consistency.Timeout())
	if consistency.Timeout() <= 0 {
		deadline = time.Now().Add(5 * time.Second)
	}

	conn, err := r.pool.GetContext(ctx)
	if err != nil {
		return status.Snapshot{}, &status.GetFailure{Err: err}
	}
	defer conn.Close() //nolint:errcheck

	rKey := r.redisKey(key)
	for {
		if time.Now().After(deadline) {
			return status.Snapshot{}, status.UpdateTimeout
		}

		if _, err := conn.Do("WATCH", rKey); err != nil {
			return status.Snapshot{}, &status.GetFailure{Err: err}
		}

		current, found, err := r.readRaw(conn, rKey)
		if err != nil {
			_, _ = conn.Do("UNWATCH")
			return status.Snapshot{}, &status.GetFailure{Err: err}
		}

		next := modify(current, found)
		if found && !next.Wins(current) {
			_, _ = conn.Do("UNWATCH")
			return current, nil
		}

		payload, err := r.codec.MarshalSnapshot(next)
		if err != nil {
			_, _ = conn.Do("UNWATCH")
			return status.Snapshot{}, &status.GetFailure{Err: err}
		}

		if err := conn.Send("MULTI"); err != nil {
			return status.Snapshot{}, &status.GetFailure{Err: err}
		}
		if err := conn.Send("SET", rKey, payload); err != nil {
			return status.Snapshot{}, &status.GetFailure{Err: err}
		}
		result, err := conn.Do("EXEC")
		if err != nil {
			return status.Snapshot{}, &status.GetFailure{Err: err}
		}
		if result == nil {
			// Another writer touched the key between WATCH and EXEC; retry.
			continue
		}
		return next, nil
	}
}

func (r *Register) readRaw(conn redis.Conn, rKey string) (status.Snapshot, bool, error) {
	raw, err := redis.Bytes(conn.Do("GET", rKey))
	if errors.Is(err, redis.ErrNil) {
		return status.Snapshot{}, false, nil
	}
	if err != nil {
		return status.Snapshot{}, false, err
	}
	snap, err := r.codec.UnmarshalSnapshot(raw)
	if err != nil {
		return status.Snapshot{}, false, err
	}
	return snap, true, nil
}

func (r *Register) Close() error { return r.pool.Close() }
