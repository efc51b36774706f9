package upstream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tubestatus/tubestatus/internal/breaker"
	"github.com/tubestatus/tubestatus/internal/retry"
)

func TestGatewayFetchAllReturnsClientResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(sampleBody))
	}))
	defer srv.Close()

	client := newTestClient(t, srv, Config{})
	gw := NewGateway(client)
	defer gw.Stop()

	resp := <-gw.FetchAll(context.Background())
	require.NoError(t, resp.Err)
	assert.Equal(t, "district", resp.Snapshot.Lines[0].ID)
}

func TestGatewayDispatchesMultipleFetchesConcurrently(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		w.Write([]byte(sampleBody))
	}))
	defer srv.Close()

	client := newTestClient(t, srv, Config{
		Breaker: breaker.Config{FailureThreshold: 10, OpenDuration: time.Minute},
	})
	gw := NewGateway(client)
	defer gw.Stop()

	ctx := context.Background()
	replyA := gw.FetchAll(ctx)
	replyB := gw.FetchAll(ctx)

	select {
	case <-replyA:
		t.Fatal("fetch A completed before release, mailbox must not have blocked on fetch B")
	case <-time.After(20 * time.Millisecond):
	}

	close(release)

	respA := <-replyA
	respB := <-replyB
	require.NoError(t, respA.Err)
	require.NoError(t, respB.Err)
}

func TestGatewayGetCircuitStatePassesThrough(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := newTestClient(t, srv, Config{
		Breaker: breaker.Config{FailureThreshold: 1, OpenDuration: time.Minute},
		Retry:   retry.Policy{MaxRetries: 0, BaseDelay: time.Millisecond},
	})
	gw := NewGateway(client)
	defer gw.Stop()

	<-gw.FetchAll(context.Background())

	state := <-gw.GetCircuitState()
	assert.Equal(t, breaker.Open, state)
}
