package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shehryarbajwa/tabrelay/internal/host"
	"github.com/shehryarbajwa/tabrelay/internal/ratelimit"
	"github.com/shehryarbajwa/tabrelay/internal/router"
	"github.com/shehryarbajwa/tabrelay/pkg/models"
)

type staticLink bool

func (l staticLink) Connected() bool { return bool(l) }

type fixture struct {
	srv    *httptest.Server
	hub    *host.Hub
	router *router.Router
}

func newFixture(t *testing.T, limiter *ratelimit.Limiter) *fixture {
	t.Helper()
	hub := host.NewHub()
	target, err := router.NewTarget("https://gemini.google.com/*")
	require.NoError(t, err)
	r := router.New(hub, nil, target, router.Options{DedupeResponses: true})
	hub.Attach(r)

	if limiter == nil {
		limiter = ratelimit.NewLimiter(3600, 100)
	}
	h := NewHandler(r, staticLink(true))
	srv := httptest.NewServer(h.SetupRoutes(hub.HandleConnection, limiter))
	t.Cleanup(srv.Close)

	return &fixture{srv: srv, hub: hub, router: r}
}

func (f *fixture) wsURL(path string) string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http") + path
}

func (f *fixture) attachPage(t *testing.T, pageURL string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(f.wsURL("/v1/contexts/ws?url="+url.QueryEscape(pageURL)), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	require.Eventually(t, func() bool {
		contexts, _ := f.hub.Contexts(t.Context())
		return len(contexts) > 0
	}, time.Second, 5*time.Millisecond)
	return conn
}

func (f *fixture) post(t *testing.T, path, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(f.srv.URL+path, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func readCommand(t *testing.T, conn *websocket.Conn) models.Command {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	cmd, err := models.ParseCommand(data)
	require.NoError(t, err)
	return cmd
}

func TestStatus(t *testing.T) {
	f := newFixture(t, nil)

	resp, err := http.Get(f.srv.URL + "/v1/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var status models.BridgeStatus
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	assert.True(t, status.Connected)
	assert.Equal(t, "https://gemini.google.com/*", status.Target)
	assert.Empty(t, status.Contexts)
}

func TestPrompt_NoTarget(t *testing.T) {
	f := newFixture(t, nil)

	resp := f.post(t, "/v1/prompt", `{"text":"hello"}`)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestPrompt_QueuedUntilReady(t *testing.T) {
	f := newFixture(t, nil)
	page := f.attachPage(t, "https://gemini.google.com/app")

	resp := f.post(t, "/v1/prompt", `{"text":"hello"}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var dispatches []router.Dispatch
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&dispatches))
	require.Len(t, dispatches, 2)
	assert.True(t, dispatches[0].Queued)
	assert.True(t, dispatches[1].Queued)

	require.NoError(t, page.WriteMessage(websocket.TextMessage, []byte(`{"type":"content_ready"}`)))

	assert.Equal(t, models.SetInput("hello"), readCommand(t, page))
	assert.Equal(t, models.ClickSend(), readCommand(t, page))
}

func TestPostCommand(t *testing.T) {
	f := newFixture(t, nil)
	page := f.attachPage(t, "https://gemini.google.com/app")
	contexts, _ := f.hub.Contexts(t.Context())
	f.router.MarkReady(t.Context(), contexts[0].ID)

	resp := f.post(t, "/v1/commands", `{"command":"areYouReady"}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, models.AreYouReady(), readCommand(t, page))

	resp = f.post(t, "/v1/commands", `{"command":"selfDestruct"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = f.post(t, "/v1/prompt", `{"text":""}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCommandsAreRateLimited(t *testing.T) {
	f := newFixture(t, ratelimit.NewLimiter(1, 1))

	first := f.post(t, "/v1/commands", `{"command":"clickSend"}`)
	assert.NotEqual(t, http.StatusTooManyRequests, first.StatusCode)

	second := f.post(t, "/v1/commands", `{"command":"clickSend"}`)
	assert.Equal(t, http.StatusTooManyRequests, second.StatusCode)
	assert.Equal(t, "0", second.Header.Get("X-RateLimit-Remaining"))

	status, err := http.Get(f.srv.URL + "/v1/status")
	require.NoError(t, err)
	defer status.Body.Close()
	assert.Equal(t, http.StatusOK, status.StatusCode, "status is not rate limited")
}

func TestEventsStreamForwardsResponses(t *testing.T) {
	f := newFixture(t, nil)
	page := f.attachPage(t, "https://gemini.google.com/app")

	events, _, err := websocket.DefaultDialer.Dial(f.wsURL("/v1/events"), nil)
	require.NoError(t, err)
	defer events.Close()

	received := make(chan models.Response, 1)
	go func() {
		var resp models.Response
		if err := events.ReadJSON(&resp); err == nil {
			received <- resp
		}
	}()

	// the subscription is registered asynchronously after the handshake
	var got models.Response
	for i := 0; i < 50; i++ {
		msg := fmt.Sprintf(`{"status":"success","event":"responseReceived","payload":{"text":"answer %d"}}`, i)
		require.NoError(t, page.WriteMessage(websocket.TextMessage, []byte(msg)))

		select {
		case got = <-received:
		case <-time.After(20 * time.Millisecond):
			continue
		}
		break
	}

	assert.True(t, got.IsResponseReceived())
	assert.True(t, strings.HasPrefix(got.Text(), "answer "))
}
