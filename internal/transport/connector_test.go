package transport

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeChannel struct {
	inbound chan []byte
	closed  chan struct{}
	once    sync.Once

	mu      sync.Mutex
	written []string
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{
		inbound: make(chan []byte, 16),
		closed:  make(chan struct{}),
	}
}

func (c *fakeChannel) ReadMessage() ([]byte, error) {
	select {
	case <-c.closed:
		return nil, io.EOF
	default:
	}
	select {
	case m := <-c.inbound:
		return m, nil
	case <-c.closed:
		return nil, io.EOF
	}
}

func (c *fakeChannel) WriteMessage(data []byte) error {
	select {
	case <-c.closed:
		return io.ErrClosedPipe
	default:
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.written = append(c.written, string(data))
	return nil
}

func (c *fakeChannel) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeChannel) Written() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.written...)
}

// fakeDialer hands out a scripted sequence of results, then blocks failing
type fakeDialer struct {
	mu      sync.Mutex
	results []any // *fakeChannel or error
	dials   atomic.Int32
}

func (d *fakeDialer) Dial(ctx context.Context) (Channel, error) {
	d.dials.Add(1)
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.results) == 0 {
		return nil, errors.New("no more scripted connections")
	}
	next := d.results[0]
	d.results = d.results[1:]
	if err, ok := next.(error); ok {
		return nil, err
	}
	return next.(*fakeChannel), nil
}

func runConnector(t *testing.T, c *Connector) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = c.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return cancel
}

func TestConnector_SendWhileDisconnected(t *testing.T) {
	c := NewConnector(&fakeDialer{}, Options{ReconnectDelay: time.Hour})

	err := c.Send(map[string]string{"status": "error", "message": "x"})
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.False(t, c.Connected())
}

func TestConnector_DeliversInboundInOrderAndFiresOnConnect(t *testing.T) {
	ch := newFakeChannel()
	dialer := &fakeDialer{results: []any{ch}}

	var mu sync.Mutex
	var got []string
	var connects atomic.Int32

	c := NewConnector(dialer, Options{
		ReconnectDelay: time.Hour,
		OnMessage: func(ctx context.Context, raw []byte) {
			mu.Lock()
			defer mu.Unlock()
			got = append(got, string(raw))
		},
		OnConnect: func(ctx context.Context) { connects.Add(1) },
	})
	runConnector(t, c)

	require.Eventually(t, c.Connected, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return connects.Load() == 1 }, time.Second, 5*time.Millisecond)

	ch.inbound <- []byte(`{"command":"setInput","payload":{"text":"a"}}`)
	ch.inbound <- []byte(`{"command":"clickSend"}`)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{
		`{"command":"setInput","payload":{"text":"a"}}`,
		`{"command":"clickSend"}`,
	}, got)

	require.NoError(t, c.Send(map[string]string{"status": "error", "message": "boom"}))
	assert.Equal(t, []string{`{"message":"boom","status":"error"}`}, ch.Written())
}

func TestConnector_ReconnectsAfterDisconnectAndDialFailure(t *testing.T) {
	first := newFakeChannel()
	second := newFakeChannel()
	dialer := &fakeDialer{results: []any{first, errors.New("host not running"), second}}

	var connects atomic.Int32
	c := NewConnector(dialer, Options{
		ReconnectDelay: 10 * time.Millisecond,
		OnConnect:      func(ctx context.Context) { connects.Add(1) },
	})
	runConnector(t, c)

	require.Eventually(t, c.Connected, time.Second, 2*time.Millisecond)
	first.Close()

	require.Eventually(t, func() bool { return connects.Load() == 2 }, time.Second, 2*time.Millisecond)
	assert.Equal(t, int32(3), dialer.dials.Load())
	assert.True(t, c.Connected())

	require.NoError(t, c.Send("ping"))
	assert.Equal(t, []string{`"ping"`}, second.Written())
	assert.Empty(t, first.Written())
}

func TestConnector_WaitsTheFixedDelayBetweenAttempts(t *testing.T) {
	dialer := &fakeDialer{}
	c := NewConnector(dialer, Options{ReconnectDelay: 40 * time.Millisecond})
	runConnector(t, c)

	time.Sleep(100 * time.Millisecond)
	dials := dialer.dials.Load()
	// one immediate attempt plus one per elapsed delay, never a burst
	assert.GreaterOrEqual(t, dials, int32(2))
	assert.LessOrEqual(t, dials, int32(4))
}

func TestConnector_RecoversPanickingHandler(t *testing.T) {
	ch := newFakeChannel()
	var handled atomic.Int32
	c := NewConnector(&fakeDialer{results: []any{ch}}, Options{
		ReconnectDelay: time.Hour,
		OnMessage: func(ctx context.Context, raw []byte) {
			handled.Add(1)
			if string(raw) == "bad" {
				panic("handler blew up")
			}
		},
	})
	runConnector(t, c)

	ch.inbound <- []byte("bad")
	ch.inbound <- []byte("good")

	require.Eventually(t, func() bool { return handled.Load() == 2 }, time.Second, 5*time.Millisecond)
	assert.True(t, c.Connected())
}

func TestConnector_RunStopsOnCancel(t *testing.T) {
	ch := newFakeChannel()
	c := NewConnector(&fakeDialer{results: []any{ch}}, Options{ReconnectDelay: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- c.Run(ctx) }()

	require.Eventually(t, c.Connected, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.False(t, c.Connected())
}

func TestWebSocketDialer_RoundTrip(t *testing.T) {
	upgrader := websocket.Upgrader{}
	received := make(chan string, 1)
	var channel atomic.Value

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		channel.Store(r.URL.Query().Get("channel"))
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"command":"clickSend"}`))
		_, data, err := conn.ReadMessage()
		if err == nil {
			received <- string(data)
		}
	}))
	defer srv.Close()

	dialer, err := NewWebSocketDialer("ws"+strings.TrimPrefix(srv.URL, "http"), "com.example.gateway")
	require.NoError(t, err)

	ch, err := dialer.Dial(context.Background())
	require.NoError(t, err)
	defer ch.Close()

	raw, err := ch.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, `{"command":"clickSend"}`, string(raw))

	require.NoError(t, ch.WriteMessage([]byte(`{"status":"success"}`)))
	select {
	case got := <-received:
		assert.Equal(t, `{"status":"success"}`, got)
	case <-time.After(time.Second):
		t.Fatal("server never received the message")
	}
	assert.Equal(t, "com.example.gateway", channel.Load())
}

func TestNewWebSocketDialer_RejectsHTTPURL(t *testing.T) {
	_, err := NewWebSocketDialer("http://localhost:1234", "x")
	assert.Error(t, err)
}
