package upstream

import (
	"context"
	"time"

	"github.com/tubestatus/tubestatus/internal/breaker"
	"github.com/tubestatus/tubestatus/internal/status"
)

// FetchResponse is posted back to a caller's reply channel when a fetch
// completes, successfully or not.
type FetchResponse struct {
	Snapshot status.Snapshot
	Err      error
}

// gatewayMessage is the sealed tagged-union of messages the Gateway's single
// consumer accepts. Only this package's message types implement it.
type gatewayMessage interface {
	isGatewayMessage()
}

type fetchAllMsg struct {
	ctx     context.Context
	replyTo chan<- FetchResponse
}

func (fetchAllMsg) isGatewayMessage() {}

type fetchLineRangeMsg struct {
	ctx        context.Context
	lineID     string
	from, to   time.Time
	replyTo    chan<- FetchResponse
}

func (fetchLineRangeMsg) isGatewayMessage() {}

type getCircuitStateMsg struct {
	replyTo chan<- breaker.State
}

func (getCircuitStateMsg) isGatewayMessage() {}

type stopMsg struct{}

func (stopMsg) isGatewayMessage() {}

// Gateway is a single-consumer actor owning the upstream Client. Its mailbox
// goroutine never blocks on upstream latency: each fetch request is
// dispatched onto its own goroutine and the mailbox moves on to the next
// message immediately. Multiple fetches may be in flight at once; responses
// correlate to requests via their reply channel, not arrival order.
type Gateway struct {
	client  *Client
	mailbox chan gatewayMessage
	done    chan struct{}
}

// NewGateway constructs a Gateway around client and starts its mailbox loop.
func NewGateway(client *Client) *Gateway {
	g := &Gateway{
		client:  client,
		mailbox: make(chan gatewayMessage),
		done:    make(chan struct{}),
	}
	go g.run()
	return g
}

func (g *Gateway) run() {
	defer close(g.done)
	for msg := range g.mailbox {
		switch m := msg.(type) {
		case fetchAllMsg:
			go func() {
				snap, err := g.client.FetchAll(m.ctx)
				m.replyTo <- FetchResponse{Snapshot: snap, Err: err}
			}()
		case fetchLineRangeMsg:
			go func() {
				snap, err := g.client.FetchLineRange(m.ctx, m.lineID, m.from, m.to)
				m.replyTo <- FetchResponse{Snapshot: snap, Err: err}
			}()
		case getCircuitStateMsg:
			m.replyTo <- g.client.CircuitState()
		case stopMsg:
			return
		}
	}
}

// FetchAll posts a FetchAll request and returns a channel the caller may
// receive the eventual FetchResponse from.
func (g *Gateway) FetchAll(ctx context.Context) <-chan FetchResponse {
	reply := make(chan FetchResponse, 1)
	g.mailbox <- fetchAllMsg{ctx: ctx, replyTo: reply}
	return reply
}

// FetchLineRange posts a FetchLineRange request.
func (g *Gateway) FetchLineRange(ctx context.Context, lineID string, from, to time.Time) <-chan FetchResponse {
	reply := make(chan FetchResponse, 1)
	g.mailbox <- fetchLineRangeMsg{ctx: ctx, lineID: lineID, from: from, to: to, replyTo: reply}
	return reply
}

// GetCircuitState posts a circuit-state query.
func (g *Gateway) GetCircuitState() <-chan breaker.State {
	reply := make(chan breaker.State, 1)
	g.mailbox <- getCircuitStateMsg{replyTo: reply}
	return reply
}

// Stop shuts down the mailbox loop. In-flight fetch goroutines already
// dispatched are unaffected; their replies are simply never read if the
// caller has stopped listening.
func (g *Gateway) Stop() {
	g.mailbox <- stopMsg{}
	<-g.done
}
