// Package replicator implements the Replicator actor: the per-node heart of
// the cache. It owns the local snapshot, coalesces concurrent callers behind
// a single in-flight upstream fetch, and keeps the cluster-wide register
// loosely in sync via periodic ticks and majority writes.
//
// Like Gateway, it is a single-consumer actor: every message handler runs to
// completion on one goroutine before the next message is read, so local
// state (current, waiters, inflightFetch) never needs a mutex.
package replicator

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/tubestatus/tubestatus/internal/logging"
	"github.com/tubestatus/tubestatus/internal/metrics"
	"github.com/tubestatus/tubestatus/internal/register"
	"github.com/tubestatus/tubestatus/internal/status"
	"github.com/tubestatus/tubestatus/internal/upstream"
)

// Fetcher is the subset of Gateway the Replicator depends on, so tests may
// substitute a fake without spinning up a real upstream client.
type Fetcher interface {
	FetchAll(ctx context.Context) <-chan upstream.FetchResponse
}

// RegisterKey is the single well-known StatusRegister key this system uses.
const RegisterKey = "tube-status"

// Config configures a Replicator.
type Config struct {
	// RefreshInterval is the steady-state period between ticks.
	RefreshInterval time.Duration
	// FreshEnoughThreshold is the hard bound used by the periodic tick: a
	// shared register value older than this is not adopted, and an upstream
	// fetch is made instead. GetStatusWithFreshness compares against the
	// caller's own maxAge, not this threshold.
	FreshEnoughThreshold time.Duration
	// BackgroundRefreshThreshold is the soft bound: age beyond this, but
	// still within the caller's maxAge, triggers a fire-and-forget refresh.
	BackgroundRefreshThreshold time.Duration
	// InitialDelayMax bounds the uniformly-sampled startup jitter. Defaults
	// to 5 seconds per the component design.
	InitialDelayMax time.Duration
	// RegisterWriteTimeout bounds the majority-write quorum wait after a
	// successful fetch. Defaults to 2 seconds.
	RegisterWriteTimeout time.Duration
	NodeID               string
	// ClusterBackend names the register.Register implementation in use
	// ("memory", "redis", "nats", "hazelcast"), for metrics labeling only.
	ClusterBackend string
	// Metrics receives instrumentation events. Defaults to a no-op collector.
	Metrics metrics.Collector
}

func (c Config) withDefaults() Config {
	if c.InitialDelayMax <= 0 {
		c.InitialDelayMax = 5 * time.Second
	}
	if c.RegisterWriteTimeout <= 0 {
		c.RegisterWriteTimeout = 2 * time.Second
	}
	if c.Metrics == nil {
		c.Metrics = metrics.DefaultCollector
	}
	if c.ClusterBackend == "" {
		c.ClusterBackend = "memory"
	}
	return c
}

// StatusReply is the response shape for GetStatus/GetStatusWithFreshness.
type StatusReply struct {
	Snapshot         status.Snapshot
	Found            bool
	IsStale          bool
	RequestedMaxAge  *time.Duration
}

type pendingWaiter struct {
	maxAge  time.Duration
	replyTo chan<- StatusReply
}

// sealed message interface, mirroring upstream.gatewayMessage.
type replicatorMessage interface{ isReplicatorMessage() }

type getStatusMsg struct {
	replyTo chan<- StatusReply
}

func (getStatusMsg) isReplicatorMessage() {}

type getStatusWithFreshnessMsg struct {
	maxAge  time.Duration
	replyTo chan<- StatusReply
}

func (getStatusWithFreshnessMsg) isReplicatorMessage() {}

type refreshTickMsg struct{}

func (refreshTickMsg) isReplicatorMessage() {}

type fetchCompleteMsg struct {
	snapshot status.Snapshot
	err      error
}

func (fetchCompleteMsg) isReplicatorMessage() {}

type stopMsg struct{}

func (stopMsg) isReplicatorMessage() {}

// Replicator is the per-node actor coordinating the local cache, the
// upstream gateway, and the cluster-wide register.
type Replicator struct {
	cfg      Config
	gateway  Fetcher
	reg      register.Register
	now      func() time.Time
	mailbox  chan replicatorMessage
	done     chan struct{}

	current       status.Snapshot
	hasCurrent    bool
	waiters       []pendingWaiter
	inflightFetch bool
}

// New builds a Replicator and starts its mailbox loop and periodic ticker.
// The caller must call Stop to release the ticker goroutine.
func New(cfg Config, gateway Fetcher, reg register.Register) *Replicator {
	cfg = cfg.withDefaults()
	r := &Replicator{
		cfg:     cfg,
		gateway: gateway,
		reg:     reg,
		now:     time.Now,
		mailbox: make(chan replicatorMessage),
		done:    make(chan struct{}),
	}
	go r.run()
	go r.tick()
	return r
}

func (r *Replicator) run() {
	defer close(r.done)
	for msg := range r.mailbox {
		switch m := msg.(type) {
		case getStatusMsg:
			r.handleGetStatus(m)
		case getStatusWithFreshnessMsg:
			r.handleGetStatusWithFreshness(m)
		case refreshTickMsg:
			r.handleRefreshTick()
		case fetchCompleteMsg:
			r.handleFetchComplete(m)
		case stopMsg:
			return
		}
	}
}

// tick schedules RefreshTick at cfg.RefreshInterval after a jittered initial
// delay in [0, InitialDelayMax), so N nodes started together do not thunder
// the upstream API in lockstep.
func (r *Replicator) tick() {
	initialDelay := time.Duration(rand.Int64N(int64(r.cfg.InitialDelayMax)))
	timer := time.NewTimer(initialDelay)
	defer timer.Stop()

	for {
		select {
		case <-timer.C:
			select {
			case r.mailbox <- refreshTickMsg{}:
			case <-r.done:
				return
			}
			timer.Reset(r.cfg.RefreshInterval)
		case <-r.done:
			return
		}
	}
}

// GetStatus replies with the current cached snapshot, never triggering a
// fetch.
func (r *Replicator) GetStatus(ctx context.Context) StatusReply {
	reply := make(chan StatusReply, 1)
	select {
	case r.mailbox <- getStatusMsg{replyTo: reply}:
	case <-ctx.Done():
		return StatusReply{}
	}
	select {
	case res := <-reply:
		return res
	case <-ctx.Done():
		return StatusReply{}
	}
}

// GetStatusWithFreshness replies once the cache satisfies maxAge, or once a
// triggered/piggybacked fetch completes. A nil maxAge behaves as GetStatus.
func (r *Replicator) GetStatusWithFreshness(ctx context.Context, maxAge *time.Duration) StatusReply {
	if maxAge == nil {
		return r.GetStatus(ctx)
	}
	reply := make(chan StatusReply, 1)
	select {
	case r.mailbox <- getStatusWithFreshnessMsg{maxAge: *maxAge, replyTo: reply}:
	case <-ctx.Done():
		return StatusReply{}
	}
	select {
	case res := <-reply:
		return res
	case <-ctx.Done():
		return StatusReply{}
	}
}

// Stop shuts down the mailbox and ticker goroutines.
func (r *Replicator) Stop() {
	r.mailbox <- stopMsg{}
	<-r.done
}

func (r *Replicator) handleGetStatus(m getStatusMsg) {
	m.replyTo <- StatusReply{Snapshot: r.current, Found: r.hasCurrent, IsStale: false}
}

// handleGetStatusWithFreshness treats a never-populated cache as infinitely
// stale rather than replying with "no data" immediately: it enqueues the
// caller as a waiter and triggers a fetch just like any other stale-cache
// request, so the very first request after startup still gets served real
// data once the fetch completes (see testable-property scenario 1). "No
// data to return" only actually surfaces if that first fetch itself fails
// (handleFetchComplete's error branch drains waiters with Found=false).
func (r *Replicator) handleGetStatusWithFreshness(m getStatusWithFreshnessMsg) {
	if !r.hasCurrent {
		r.waiters = append(r.waiters, pendingWaiter{maxAge: m.maxAge, replyTo: m.replyTo})
		if len(r.waiters) == 1 {
			r.ensureFetchInFlight()
		}
		return
	}

	age := time.Duration(r.current.AgeMs(r.now())) * time.Millisecond
	if age <= m.maxAge {
		r.cfg.Metrics.RecordStaleness(age.Seconds(), false)
		m.replyTo <- StatusReply{Snapshot: r.current, Found: true, IsStale: false, RequestedMaxAge: &m.maxAge}
		if age > r.cfg.BackgroundRefreshThreshold {
			r.ensureFetchInFlight()
		}
		return
	}

	r.waiters = append(r.waiters, pendingWaiter{maxAge: m.maxAge, replyTo: m.replyTo})
	if len(r.waiters) == 1 {
		r.ensureFetchInFlight()
	}
}

func (r *Replicator) handleRefreshTick() {
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.RegisterWriteTimeout)
	defer cancel()

	shared, err := r.reg.Get(ctx, RegisterKey, register.ReadLocal)
	if err == nil && shared.IsFreshEnough(r.now(), r.cfg.FreshEnoughThreshold) {
		r.current = shared
		r.hasCurrent = true
		return
	}

	r.ensureFetchInFlight()
}

func (r *Replicator) handleFetchComplete(m fetchCompleteMsg) {
	if m.err != nil {
		logging.Get().Warn("upstream fetch failed, serving stale cache", "err", m.err, "node_id", r.cfg.NodeID,
			"age_ms", r.current.AgeMs(r.now()), "waiter_count", len(r.waiters), "hasCurrent", r.hasCurrent)
		r.drainWaiters(true)
		r.inflightFetch = false
		return
	}

	r.current = m.snapshot
	r.hasCurrent = true
	r.drainWaiters(false)
	r.inflightFetch = false

	go r.publishToRegister(m.snapshot)
}

func (r *Replicator) drainWaiters(isStale bool) {
	r.cfg.Metrics.RecordWaitersDrained(len(r.waiters))
	for _, w := range r.waiters {
		maxAge := w.maxAge
		age := time.Duration(r.current.AgeMs(r.now())) * time.Millisecond
		r.cfg.Metrics.RecordStaleness(age.Seconds(), isStale)
		w.replyTo <- StatusReply{Snapshot: r.current, Found: r.hasCurrent, IsStale: isStale, RequestedMaxAge: &maxAge}
	}
	r.waiters = nil
}

// ensureFetchInFlight triggers exactly one upstream fetch per stale episode;
// callers arriving while inflightFetch is true piggyback on the fetch
// already running by having been enqueued as waiters (or, for background
// refreshes, simply by declining to start a second one).
func (r *Replicator) ensureFetchInFlight() {
	if r.inflightFetch {
		return
	}
	r.inflightFetch = true
	go r.doFetch()
}

func (r *Replicator) doFetch() {
	ctx := context.Background()
	resp := <-r.gateway.FetchAll(ctx)
	select {
	case r.mailbox <- fetchCompleteMsg{snapshot: resp.Snapshot, err: resp.Err}:
	case <-r.done:
	}
}

// publishToRegister writes the freshly-fetched snapshot to the cluster
// register with a majority write and 2-second quorum timeout, per the
// component design. UpdateTimeout and any other write failure are logged
// and otherwise ignored: gossip propagation eventually reconciles.
func (r *Replicator) publishToRegister(snapshot status.Snapshot) {
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.RegisterWriteTimeout)
	defer cancel()

	start := r.now()
	_, err := r.reg.Update(ctx, RegisterKey, register.WriteMajority(r.cfg.RegisterWriteTimeout), func(current status.Snapshot, found bool) status.Snapshot {
		if found && !snapshot.Wins(current) {
			return current
		}
		return snapshot
	})
	duration := r.now().Sub(start)

	result := "applied"
	if err != nil {
		result = "timeout"
		logging.Get().Warn("status register write did not reach quorum, relying on gossip", "err", err)
	}
	r.cfg.Metrics.RecordRegisterWrite(r.cfg.ClusterBackend, result, duration)
}
