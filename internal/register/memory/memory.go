// Package memory implements register.Register as a single in-process LWW
// value, propagated to peer nodes by best-effort HTTP gossip. Majority write
// acknowledgement is modelled by fanning the new value out to every
// configured peer and counting acks, mirroring the quorum-counting shape of
// a replicated key-value store's write path (adapted here to a single
// cluster-wide register instead of a sharded keyspace). Beyond the
// synchronous per-write fan-out, each node also periodically rebroadcasts its
// current values to a random subset of peers so that a peer which missed a
// write's fan-out (briefly down, dropped packet) still converges eventually,
// per the gossip design.
package memory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"net/http"
	"sync"
	"time"

	"github.com/tubestatus/tubestatus/internal/logging"
	"github.com/tubestatus/tubestatus/internal/register"
	"github.com/tubestatus/tubestatus/internal/status"
)

// Peer is one other cluster node reachable for gossip.
type Peer struct {
	// Address is the base URL of the peer's gossip endpoint, e.g.
	// "http://10.0.0.2:8090".
	Address string
}

// Config configures a Register.
type Config struct {
	// Peers lists the other cluster nodes gossip is fanned out to. A
	// single-node deployment may leave this empty: Update then always
	// satisfies WriteMajority trivially (the local write is the only voter).
	Peers []Peer
	// GossipPath is the HTTP path peers expose to receive gossiped values.
	// Defaults to "/internal/gossip".
	GossipPath string
	HTTPClient *http.Client

	// BroadcastInterval is how often the background loop rebroadcasts the
	// current values to a random subset of peers. Defaults to 30s. A value
	// < 0 disables the background loop entirely (Update's synchronous
	// fan-out still runs).
	BroadcastInterval time.Duration
	// BroadcastFanout caps how many peers each rebroadcast tick targets.
	// Defaults to 2.
	BroadcastFanout int
}

// Register is the in-process, gossip-replicated implementation of
// register.Register.
type Register struct {
	mu     sync.RWMutex
	values map[string]status.Snapshot
	found  map[string]bool
	peers  []Peer
	path   string
	http   *http.Client

	fanout int
	stop   chan struct{}
	done   chan struct{}
}

// New builds a Register from cfg and, unless BroadcastInterval is negative
// or there are no peers, starts the background rebroadcast loop.
func New(cfg Config) *Register {
	path := cfg.GossipPath
	if path == "" {
		path = "/internal/gossip"
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 3 * time.Second}
	}
	interval := cfg.BroadcastInterval
	if interval == 0 {
		interval = 30 * time.Second
	}
	fanout := cfg.BroadcastFanout
	if fanout == 0 {
		fanout = 2
	}
	r := &Register{
		values: make(map[string]status.Snapshot),
		found:  make(map[string]bool),
		peers:  cfg.Peers,
		path:   path,
		http:   httpClient,
		fanout: fanout,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	if interval > 0 && len(r.peers) > 0 {
		go r.broadcastLoop(interval)
	} else {
		close(r.done)
	}
	return r
}

// broadcastLoop periodically rebroadcasts every known value to a random
// subset of peers, so a peer that missed a write's synchronous fan-out
// (briefly unreachable, dropped response) still converges without needing
// another write to trigger it.
func (r *Register) broadcastLoop(interval time.Duration) {
	defer close(r.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.broadcastOnce()
		case <-r.stop:
			return
		}
	}
}

func (r *Register) broadcastOnce() {
	r.mu.RLock()
	targets := r.randomPeerSubset()
	values := make(map[string]status.Snapshot, len(r.values))
	for k, v := range r.values {
		if r.found[k] {
			values[k] = v
		}
	}
	r.mu.RUnlock()

	for _, p := range targets {
		for key, val := range values {
			go func(p Peer, key string, val status.Snapshot) {
				ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
				defer cancel()
				if err := r.sendGossip(ctx, p, key, val); err != nil {
					logging.Get().Debug("periodic gossip broadcast failed", "peer", p.Address, "err", err)
				}
			}(p, key, val)
		}
	}
}

// randomPeerSubset picks up to r.fanout peers without replacement.
func (r *Register) randomPeerSubset() []Peer {
	if len(r.peers) <= r.fanout {
		out := make([]Peer, len(r.peers))
		copy(out, r.peers)
		return out
	}
	perm := rand.Perm(len(r.peers))
	out := make([]Peer, r.fanout)
	for i := 0; i < r.fanout; i++ {
		out[i] = r.peers[perm[i]]
	}
	return out
}

func (r *Register) Get(ctx context.Context, key string, _ register.ReadConsistency) (status.Snapshot, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.found[key] {
		return status.Snapshot{}, status.ErrNotFound
	}
	return r.values[key], nil
}

// Update applies modify locally under the LWW rule, then fans the result out
// to peers, blocking (under WriteMajority) until a majority of all cluster
// nodes (self included) have acked or the timeout fires.
func (r *Register) Update(ctx context.Context, key string, consistency register.WriteConsistency, modify register.ModifyFunc) (status.Snapshot, error) {
	next := r.applyLocal(key, modify)

	if !consistency.Majority() || len(r.peers) == 0 {
		return next, nil
	}

	total := len(r.peers) + 1 // self
	required := total/2 + 1
	acks := 1 // self already applied

	type ackResult struct{ err error }
	results := make(chan ackResult, len(r.peers))

	gossipCtx, cancel := context.WithTimeout(ctx, consistency.Timeout())
	defer cancel()

	for _, p := range r.peers {
		go func(p Peer) {
			results <- ackResult{err: r.sendGossip(gossipCtx, p, key, next)}
		}(p)
	}

	remaining := len(r.peers)
	for remaining > 0 {
		select {
		case res := <-results:
			remaining--
			if res.err == nil {
				acks++
				if acks >= required {
					return next, nil
				}
			}
		case <-gossipCtx.Done():
			if acks >= required {
				return next, nil
			}
			return next, status.UpdateTimeout
		}
	}

	if acks >= required {
		return next, nil
	}
	return next, status.UpdateTimeout
}

// applyLocal runs modify under the write lock and stores the LWW winner.
func (r *Register) applyLocal(key string, modify register.ModifyFunc) status.Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	current, found := r.values[key], r.found[key]
	next := modify(current, found)
	if found && !next.Wins(current) {
		return current
	}
	r.values[key] = next
	r.found[key] = true
	return next
}

// ReceiveGossip is invoked (directly in-process, or by an HTTP handler
// wrapping it) when a peer's gossiped value arrives. It applies LWW without
// running modify, since the incoming value is already final.
func (r *Register) ReceiveGossip(key string, incoming status.Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	current, found := r.values[key], r.found[key]
	if found && !incoming.Wins(current) {
		return
	}
	r.values[key] = incoming
	r.found[key] = true
}

func (r *Register) sendGossip(ctx context.Context, p Peer, key string, val status.Snapshot) error {
	body, err := json.Marshal(gossipMessage{Key: key, Snapshot: val})
	if err != nil {
		return err
	}
	url := p.Address + r.path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.http.Do(req)
	if err != nil {
		logging.Get().Warn("gossip send failed", "peer", p.Address, "err", err)
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("peer %s returned HTTP %d", p.Address, resp.StatusCode)
	}
	return nil
}

// gossipMessage is the wire format posted to GossipPath.
type gossipMessage struct {
	Key      string          `json:"key"`
	Snapshot status.Snapshot `json:"snapshot"`
}

// GossipHandler returns an http.HandlerFunc peers can mount at GossipPath to
// receive this register's fan-out.
func (r *Register) GossipHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		var msg gossipMessage
		if err := json.NewDecoder(req.Body).Decode(&msg); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		r.ReceiveGossip(msg.Key, msg.Snapshot)
		w.WriteHeader(http.StatusNoContent)
	}
}

// Close stops the background rebroadcast loop and waits for it to exit.
func (r *Register) Close() error {
	select {
	case <-r.done:
		return nil
	default:
	}
	close(r.stop)
	<-r.done
	return nil
}
