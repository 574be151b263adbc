package transport

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, []byte(`{"command":"areYouReady"}`)))

	assert.Equal(t, uint32(25), binary.LittleEndian.Uint32(buf.Bytes()[:4]))

	got, err := ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, `{"command":"areYouReady"}`, string(got))

	_, err = ReadFrame(&buf)
	assert.ErrorIs(t, err, io.EOF)
}

func TestReadFrame_RejectsOversizedAndTruncated(t *testing.T) {
	header := make([]byte, 4)
	binary.LittleEndian.PutUint32(header, maxHostMessage+1)
	_, err := ReadFrame(bytes.NewReader(header))
	assert.ErrorIs(t, err, ErrFrameTooLarge)

	binary.LittleEndian.PutUint32(header, 10)
	_, err = ReadFrame(bytes.NewReader(append(header, []byte("abc")...)))
	assert.Error(t, err)
}

func TestStreamChannel_OverPipes(t *testing.T) {
	hostIn, bridgeOut := io.Pipe()
	bridgeIn, hostOut := io.Pipe()

	closed := false
	ch := NewStreamChannel(bridgeIn, bridgeOut, func() error {
		closed = true
		return nil
	})

	// echo host: reads one frame, writes it back
	go func() {
		msg, err := ReadFrame(hostIn)
		if err != nil {
			return
		}
		_ = WriteFrame(hostOut, msg)
	}()

	require.NoError(t, ch.WriteMessage([]byte(`{"status":"success","event":"responseReceived","payload":{"text":"hi"}}`)))
	got, err := ch.ReadMessage()
	require.NoError(t, err)
	assert.Contains(t, string(got), `"text":"hi"`)

	require.NoError(t, ch.Close())
	require.NoError(t, ch.Close())
	assert.True(t, closed)
}

func writeManifest(t *testing.T, dir, name, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name+".json"), []byte(body), 0o600))
}

func TestLoadManifest(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "com.example.gemini_mcp_gateway", `{
		"name": "com.example.gemini_mcp_gateway",
		"description": "gateway",
		"path": "bin/gateway",
		"type": "stdio",
		"allowed_origins": ["chrome-extension://abc/"]
	}`)

	m, err := LoadManifest(dir, "com.example.gemini_mcp_gateway")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "bin/gateway"), m.Path)
	assert.Equal(t, []string{"chrome-extension://abc/"}, m.AllowedOrigins)
}

func TestLoadManifest_Errors(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "com.example.wrong_name", `{"name":"com.example.other","path":"/bin/true","type":"stdio"}`)
	writeManifest(t, dir, "com.example.wrong_type", `{"name":"com.example.wrong_type","path":"/bin/true","type":"tcp"}`)
	writeManifest(t, dir, "com.example.no_path", `{"name":"com.example.no_path","type":"stdio"}`)

	tests := []struct {
		name string
		host string
	}{
		{"invalid host name", "Com.Example/../evil"},
		{"not registered", "com.example.missing"},
		{"name mismatch", "com.example.wrong_name"},
		{"wrong type", "com.example.wrong_type"},
		{"no path", "com.example.no_path"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadManifest(dir, tt.host)
			assert.Error(t, err)
		})
	}

	_, err := LoadManifest(dir, "UPPER")
	assert.ErrorIs(t, err, ErrInvalidHostName)
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestNativeHostDialer_CloseKeepsFinalStderr(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("needs a POSIX shell")
	}

	dir := t.TempDir()
	script := filepath.Join(dir, "host.sh")
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\ncat >/dev/null\necho \"host shutting down\" >&2\n"), 0o755))
	writeManifest(t, dir, "com.example.echo_host",
		`{"name":"com.example.echo_host","path":"host.sh","type":"stdio"}`)

	logs := &lockedBuffer{}
	log.SetOutput(logs)
	t.Cleanup(func() { log.SetOutput(os.Stderr) })

	d := &NativeHostDialer{ManifestDir: dir, Name: "com.example.echo_host"}
	ch, err := d.Dial(context.Background())
	require.NoError(t, err)

	require.NoError(t, ch.Close())
	assert.Contains(t, logs.String(), "NATIVE[com.example.echo_host] ERR: host shutting down")
}
