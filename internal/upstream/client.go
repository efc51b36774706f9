// Package upstream issues HTTP GETs against the TfL line-status API, decodes
// the JSON payload into the internal status.Snapshot schema, and classifies
// every outcome per the component design's bit-exact contract. Each public
// fetch method is composed as retry(circuitBreaker(doFetch())): the circuit
// breaker wraps the innermost HTTP attempt and the retry policy wraps the
// entire circuit-gated call.
package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/tubestatus/tubestatus/internal/breaker"
	"github.com/tubestatus/tubestatus/internal/logging"
	"github.com/tubestatus/tubestatus/internal/metrics"
	"github.com/tubestatus/tubestatus/internal/retry"
	"github.com/tubestatus/tubestatus/internal/status"
)

// lineStatus is the upstream wire schema for one entry of lineStatuses.
type lineStatus struct {
	StatusSeverityDescription string `json:"statusSeverityDescription"`
	Reason                    string `json:"reason"`
}

// disruption is the upstream wire schema for one disruption entry.
type disruption struct {
	IsPlanned      bool     `json:"isPlanned"`
	Description    string   `json:"description"`
	AffectedRoutes []string `json:"affectedRoutes"`
}

// lineResponse is the upstream wire schema for one array element returned by
// both fetch endpoints.
type lineResponse struct {
	ID           string       `json:"id"`
	Name         string       `json:"name"`
	LineStatuses []lineStatus `json:"lineStatuses"`
	Disruptions  []disruption `json:"disruptions"`
}

func decodeLines(body io.Reader) ([]status.Line, error) {
	var raw []lineResponse
	dec := json.NewDecoder(body)
	if err := dec.Decode(&raw); err != nil {
		return nil, err
	}
	lines := make([]status.Line, 0, len(raw))
	for _, r := range raw {
		st := "Good Service"
		if len(r.LineStatuses) > 0 && r.LineStatuses[0].StatusSeverityDescription != "" {
			st = r.LineStatuses[0].StatusSeverityDescription
		}
		ds := make([]status.Disruption, 0, len(r.Disruptions))
		for _, d := range r.Disruptions {
			ds = append(ds, status.Disruption{
				IsPlanned:      d.IsPlanned,
				Description:    d.Description,
				AffectedRoutes: d.AffectedRoutes,
			})
		}
		lines = append(lines, status.Line{
			ID:          r.ID,
			Name:        r.Name,
			Status:      st,
			Disruptions: ds,
		})
	}
	return lines, nil
}

// Config configures a Client.
type Config struct {
	BaseURL         string
	NodeID          string
	ResponseTimeout time.Duration
	Breaker         breaker.Config
	Retry           retry.Policy
	HTTPClient      *http.Client
	Metrics         metrics.Collector
}

// Client issues fetches against the upstream API. One Client per node; its
// CircuitBreaker is shared across all concurrent callers.
type Client struct {
	baseURL string
	nodeID  string
	timeout time.Duration
	http    *http.Client
	cb      *breaker.Breaker
	retryP  retry.Policy
	metrics metrics.Collector
}

// New builds a Client from cfg.
func New(cfg Config) *Client {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	m := cfg.Metrics
	if m == nil {
		m = metrics.DefaultCollector
	}
	return &Client{
		baseURL: cfg.BaseURL,
		nodeID:  cfg.NodeID,
		timeout: cfg.ResponseTimeout,
		http:    httpClient,
		cb:      breaker.New("upstream:"+cfg.NodeID, cfg.Breaker),
		retryP:  cfg.Retry,
		metrics: m,
	}
}

// CircuitState returns the breaker's current state, for GetCircuitState.
func (c *Client) CircuitState() breaker.State {
	return c.cb.State(time.Now())
}

// FetchAll retrieves the status of every tube line.
func (c *Client) FetchAll(ctx context.Context) (status.Snapshot, error) {
	url := fmt.Sprintf("%s/Line/Mode/tube/Status", c.baseURL)
	return c.fetch(ctx, url)
}

// FetchLineRange retrieves the status of one line over a date range.
func (c *Client) FetchLineRange(ctx context.Context, lineID string, from, to time.Time) (status.Snapshot, error) {
	url := fmt.Sprintf("%s/Line/%s/Status/%s/to/%s", c.baseURL, lineID,
		from.Format("2006-01-02"), to.Format("2006-01-02"))
	return c.fetch(ctx, url)
}

// fetch runs retry(circuitBreaker(doFetch())).
func (c *Client) fetch(ctx context.Context, url string) (status.Snapshot, error) {
	var result status.Snapshot
	err := retry.Do(ctx, c.retryP, func(ctx context.Context) error {
		snap, err := c.guardedDoFetch(ctx, url)
		if err != nil {
			return err
		}
		result = snap
		return nil
	})
	return result, err
}

// guardedDoFetch wraps doFetch with the circuit breaker: reads state, rejects
// immediately if OPEN, otherwise invokes doFetch and attributes its outcome.
func (c *Client) guardedDoFetch(ctx context.Context, url string) (status.Snapshot, error) {
	now := time.Now()
	allowed, openInfo := c.cb.Allow(now)
	if !allowed {
		c.metrics.RecordFetch("circuit_open", 0)
		c.recordCircuitState(now)
		return status.Snapshot{}, &status.CircuitOpen{Name: openInfo.Name, Remaining: openInfo.Remaining}
	}

	start := time.Now()
	snap, err := c.doFetch(ctx, url)
	outcome := time.Now()
	duration := outcome.Sub(start)
	if err != nil {
		c.cb.OnFailure(outcome)
		c.recordCircuitState(outcome)
		label := "non_retryable_error"
		if status.Retryable(err) {
			label = "retryable_error"
		}
		c.metrics.RecordFetch(label, duration)
		return status.Snapshot{}, err
	}
	c.cb.OnSuccess(outcome)
	c.recordCircuitState(outcome)
	c.metrics.RecordFetch("success", duration)
	return snap, nil
}

func (c *Client) recordCircuitState(now time.Time) {
	c.metrics.RecordCircuitState(c.cb.Name(), c.cb.State(now).String())
}

// doFetch performs one HTTP GET and classifies the outcome per the bit-exact
// contract: status < 400 decodes the body; 408/429/5xx drain and report
// retryable; other 4xx drain and report non-retryable; transport failures
// report NetworkError.
func (c *Client) doFetch(ctx context.Context, url string) (status.Snapshot, error) {
	reqCtx := ctx
	var cancel context.CancelFunc
	if c.timeout > 0 {
		reqCtx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return status.Snapshot{}, &status.NetworkError{Op: "build request", Err: err}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return status.Snapshot{}, &status.NetworkError{Op: "GET " + url, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		_, _ = io.Copy(io.Discard, resp.Body)
		retryable := resp.StatusCode == http.StatusRequestTimeout ||
			resp.StatusCode == http.StatusTooManyRequests ||
			resp.StatusCode >= 500
		logging.Get().Warn("upstream returned error status", "status", resp.StatusCode, "retryable", retryable, "url", url)
		return status.Snapshot{}, status.NewHttpStatus(resp.StatusCode, retryable)
	}

	lines, err := decodeLines(resp.Body)
	if err != nil {
		return status.Snapshot{}, &status.DecodeError{Err: err}
	}

	return status.Snapshot{
		Lines:     lines,
		QueriedAt: time.Now(),
		QueriedBy: c.nodeID,
	}, nil
}
