// Package httpapi is the thin HTTP facade in front of the Replicator and
// UpstreamGateway: GET /status, GET /status/{lineId}, and GET /circuit. It
// consumes only the inter-component messages the component design names the
// HTTP layer as a legitimate caller of; it never implements its own caching
// or retry logic. Grounded on the chi route-grouping shape used elsewhere in
// the retrieved pack (the teacher itself is a library with no HTTP server of
// its own).
package httpapi

import (
	"context"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/tubestatus/tubestatus/internal/breaker"
	"github.com/tubestatus/tubestatus/internal/replicator"
	"github.com/tubestatus/tubestatus/internal/upstream"
)

// StatusSource is the subset of Replicator the HTTP layer depends on.
type StatusSource interface {
	GetStatus(ctx context.Context) replicator.StatusReply
	GetStatusWithFreshness(ctx context.Context, maxAge *time.Duration) replicator.StatusReply
}

// LineFetcher is the subset of Gateway the HTTP layer depends on. These two
// messages bypass the Replicator and its cache entirely: a line-range query
// and a circuit-state probe are both point queries, not something the
// cluster-wide register needs to hold.
type LineFetcher interface {
	FetchLineRange(ctx context.Context, lineID string, from, to time.Time) <-chan upstream.FetchResponse
	GetCircuitState() <-chan breaker.State
}

// Server holds the dependencies the route handlers close over.
type Server struct {
	status  StatusSource
	gateway LineFetcher
}

// NewRouter builds the chi router serving the HTTP facade.
func NewRouter(status StatusSource, gateway LineFetcher) chi.Router {
	s := &Server{status: status, gateway: gateway}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/status", s.handleGetStatus)
	r.Get("/status/{lineId}", s.handleGetLineRange)
	r.Get("/circuit", s.handleGetCircuit)

	return r
}
