package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tubestatus/tubestatus/internal/status"
)

const dateLayout = "2006-01-02"

// statusResponse is the wire shape for GET /status: the snapshot plus the
// caller's own requested freshness bound, when one was given.
type statusResponse struct {
	status.Snapshot
	RequestedMaxAgeMs *int64 `json:"requestedMaxAgeMs,omitempty"`
}

// handleGetStatus serves GetStatus or, when ?maxAgeMs= is present,
// GetStatusWithFreshness. A cached-but-stale reply is still a 200, carrying
// X-Stale: true; the absence of any cached snapshot at all is the only case
// that surfaces as 503.
func (s *Server) handleGetStatus(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("maxAgeMs")
	var maxAge *time.Duration
	if raw != "" {
		ms, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || ms < 0 {
			writeError(w, http.StatusBadRequest, "invalid_argument", "maxAgeMs must be a non-negative integer")
			return
		}
		d := time.Duration(ms) * time.Millisecond
		maxAge = &d
	}

	var result struct {
		Snapshot status.Snapshot
		Found    bool
		IsStale  bool
	}
	if maxAge == nil {
		rep := s.status.GetStatus(r.Context())
		result.Snapshot, result.Found, result.IsStale = rep.Snapshot, rep.Found, rep.IsStale
	} else {
		rep := s.status.GetStatusWithFreshness(r.Context(), maxAge)
		result.Snapshot, result.Found, result.IsStale = rep.Snapshot, rep.Found, rep.IsStale
	}

	if !result.Found {
		writeError(w, http.StatusServiceUnavailable, "no_cached_snapshot", "no status has been fetched yet")
		return
	}

	if result.IsStale {
		w.Header().Set("X-Stale", "true")
	}

	resp := statusResponse{Snapshot: result.Snapshot}
	if maxAge != nil {
		ms := maxAge.Milliseconds()
		resp.RequestedMaxAgeMs = &ms
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleGetLineRange serves GET /status/{lineId}?from=yyyy-MM-dd&to=yyyy-MM-dd,
// a direct, uncached pass-through to UpstreamGateway.FetchLineRange.
func (s *Server) handleGetLineRange(w http.ResponseWriter, r *http.Request) {
	lineID := chi.URLParam(r, "lineId")
	if lineID == "" {
		writeError(w, http.StatusBadRequest, "invalid_argument", "lineId is required")
		return
	}

	fromRaw := r.URL.Query().Get("from")
	toRaw := r.URL.Query().Get("to")
	if fromRaw == "" || toRaw == "" {
		writeError(w, http.StatusBadRequest, "invalid_argument", "from and to query parameters are required")
		return
	}
	from, err := time.Parse(dateLayout, fromRaw)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_argument", "from must be formatted yyyy-MM-dd")
		return
	}
	to, err := time.Parse(dateLayout, toRaw)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_argument", "to must be formatted yyyy-MM-dd")
		return
	}

	select {
	case resp := <-s.gateway.FetchLineRange(r.Context(), lineID, from, to):
		if resp.Err != nil {
			writeFetchError(w, resp.Err)
			return
		}
		writeJSON(w, http.StatusOK, resp.Snapshot)
	case <-r.Context().Done():
		writeError(w, http.StatusGatewayTimeout, "request_cancelled", r.Context().Err().Error())
	}
}

// handleGetCircuit serves GET /circuit, reporting the upstream circuit
// breaker's current state.
func (s *Server) handleGetCircuit(w http.ResponseWriter, r *http.Request) {
	select {
	case state := <-s.gateway.GetCircuitState():
		writeJSON(w, http.StatusOK, map[string]string{"state": state.String()})
	case <-r.Context().Done():
		writeError(w, http.StatusGatewayTimeout, "request_cancelled", r.Context().Err().Error())
	}
}

// writeFetchError maps the upstream error taxonomy onto HTTP status codes.
// CircuitOpen means upstream calls are refused right now (503); exhausted
// retries and every other error are treated as a bad gateway (502).
func writeFetchError(w http.ResponseWriter, err error) {
	switch e := err.(type) {
	case *status.CircuitOpen:
		writeError(w, http.StatusServiceUnavailable, "circuit_open", e.Error())
	case *status.RetriesExhausted:
		writeError(w, http.StatusBadGateway, "retries_exhausted", e.Error())
	case *status.DecodeError:
		writeError(w, http.StatusBadGateway, "decode_error", e.Error())
	case *status.HttpStatus:
		writeError(w, http.StatusBadGateway, "upstream_error", e.Error())
	default:
		writeError(w, http.StatusBadGateway, "upstream_error", err.Error())
	}
}
