package transport

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sync"
	"time"
)

const (
	// maxHostMessage is the largest message a native host may send (1 MB)
	maxHostMessage = 1024 * 1024
	// maxClientMessage is the largest message we send to a host (64 MiB)
	maxClientMessage = 64 * 1024 * 1024
	// hostExitGrace is how long a host may take to exit once its stdin closes
	hostExitGrace = 2 * time.Second
)

var (
	ErrFrameTooLarge   = errors.New("native message exceeds size limit")
	ErrInvalidHostName = errors.New("invalid native host name")

	hostNamePattern = regexp.MustCompile(`^[a-z0-9_]+(\.[a-z0-9_]+)*$`)
)

// Manifest is a native messaging host registration file
type Manifest struct {
	Name           string   `json:"name"`
	Description    string   `json:"description"`
	Path           string   `json:"path"`
	Type           string   `json:"type"`
	AllowedOrigins []string `json:"allowed_origins"`
}

// LoadManifest reads <dir>/<name>.json and checks it describes a stdio host
func LoadManifest(dir, name string) (Manifest, error) {
	if !hostNamePattern.MatchString(name) {
		return Manifest{}, fmt.Errorf("%w: %q", ErrInvalidHostName, name)
	}

	path := filepath.Join(dir, name+".json")
	data, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, fmt.Errorf("native host %s is not registered: %w", name, err)
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("invalid manifest %s: %w", path, err)
	}
	if m.Name != name {
		return Manifest{}, fmt.Errorf("manifest %s declares name %q", path, m.Name)
	}
	if m.Type != "stdio" {
		return Manifest{}, fmt.Errorf("manifest %s has unsupported type %q", path, m.Type)
	}
	if m.Path == "" {
		return Manifest{}, fmt.Errorf("manifest %s has no path", path)
	}
	if !filepath.IsAbs(m.Path) {
		m.Path = filepath.Join(dir, m.Path)
	}
	return m, nil
}

// WriteFrame writes one length-prefixed JSON message
func WriteFrame(w io.Writer, data []byte) error {
	if len(data) > maxClientMessage {
		return ErrFrameTooLarge
	}
	buf := make([]byte, 4+len(data))
	binary.LittleEndian.PutUint32(buf, uint32(len(data)))
	copy(buf[4:], data)
	_, err := w.Write(buf)
	return err
}

// ReadFrame reads one length-prefixed message
func ReadFrame(r io.Reader) ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	n := binary.LittleEndian.Uint32(header[:])
	if n > maxHostMessage {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, n)
	}
	data := make([]byte, n)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("truncated native message: %w", err)
	}
	return data, nil
}

// StreamChannel speaks native-messaging framing over a reader/writer pair
type StreamChannel struct {
	r       *bufio.Reader
	w       io.WriteCloser
	closeFn func() error
	once    sync.Once
	err     error
}

// NewStreamChannel wraps r and w. closeFn, if set, runs after w is closed.
func NewStreamChannel(r io.Reader, w io.WriteCloser, closeFn func() error) *StreamChannel {
	return &StreamChannel{
		r:       bufio.NewReader(r),
		w:       w,
		closeFn: closeFn,
	}
}

func (c *StreamChannel) ReadMessage() ([]byte, error) {
	return ReadFrame(c.r)
}

func (c *StreamChannel) WriteMessage(data []byte) error {
	return WriteFrame(c.w, data)
}

// Close is safe to call more than once
func (c *StreamChannel) Close() error {
	c.once.Do(func() {
		c.err = c.w.Close()
		if c.closeFn != nil {
			if err := c.closeFn(); err != nil && c.err == nil {
				c.err = err
			}
		}
	})
	return c.err
}

// NativeHostDialer launches the native messaging host registered under Name
type NativeHostDialer struct {
	ManifestDir string
	Name        string
	// Origin is passed as the first argument, as browsers do
	Origin string
}

// Dial starts a fresh host process. Closing the channel stops it.
func (d *NativeHostDialer) Dial(ctx context.Context) (Channel, error) {
	manifest, err := LoadManifest(d.ManifestDir, d.Name)
	if err != nil {
		return nil, err
	}

	var args []string
	if d.Origin != "" {
		args = append(args, d.Origin)
	}
	cmd := exec.Command(manifest.Path, args...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe failed: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe failed: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe failed: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start native host %s: %w", d.Name, err)
	}
	log.Printf("✓ Native host %s started (pid %d)", d.Name, cmd.Process.Pid)

	stderrDone := make(chan struct{})
	go func() {
		defer close(stderrDone)
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			log.Printf("NATIVE[%s] ERR: %s", d.Name, scanner.Text())
		}
	}()

	// stdin is already closed when this runs; stderr hits EOF once the host
	// exits, and Wait must not run before it has been read to the end
	return NewStreamChannel(stdout, stdin, func() error {
		select {
		case <-stderrDone:
		case <-time.After(hostExitGrace):
			log.Printf("⚠️ Native host %s did not exit, killing it", d.Name)
			_ = cmd.Process.Kill()
			select {
			case <-stderrDone:
			case <-time.After(hostExitGrace):
			}
		}
		_ = cmd.Wait()
		return nil
	}), nil
}
