package ratelimit

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLimiter_BurstPerClient(t *testing.T) {
	l := NewLimiter(1, 2)

	assert.True(t, l.Allow("cli"))
	assert.True(t, l.Allow("cli"))
	assert.False(t, l.Allow("cli"), "burst exhausted")
	assert.Equal(t, 0, l.Remaining("cli"))

	assert.True(t, l.Allow("other"), "buckets are per client")
	assert.Equal(t, 1, l.PerHour())
}

func TestClientKey(t *testing.T) {
	r := httptest.NewRequest("POST", "/v1/prompt", nil)
	r.RemoteAddr = "127.0.0.1:53211"
	assert.Equal(t, "127.0.0.1", ClientKey(r))

	r.Header.Set(ClientHeader, "mcp-server")
	assert.Equal(t, "mcp-server", ClientKey(r))
}
