package browser

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWaitForEndpoint_ReadyAfterRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	err := waitForEndpoint(context.Background(), srv.URL+"/json/version", 10, 5*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
}

func TestWaitForEndpoint_GivesUp(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	err := waitForEndpoint(context.Background(), srv.URL, 3, time.Millisecond)
	assert.ErrorContains(t, err, "did not become ready after 3 attempts")
}

func TestWaitForEndpoint_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := waitForEndpoint(ctx, "http://127.0.0.1:1/json/version", 100, time.Second)
	assert.ErrorIs(t, err, context.Canceled)
}
