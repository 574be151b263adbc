package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"
)

// DefaultReconnectDelay is the fixed wait between a disconnect and the next attempt
const DefaultReconnectDelay = 5 * time.Second

// ErrNotConnected is returned by Send while no channel is open
var ErrNotConnected = errors.New("not connected to external process")

// Channel is one open duplex message link to the external process
type Channel interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// Dialer opens a new Channel
type Dialer interface {
	Dial(ctx context.Context) (Channel, error)
}

// Options configures a Connector
type Options struct {
	// Name shows up in log lines
	Name           string
	ReconnectDelay time.Duration
	// OnMessage receives every inbound message in arrival order
	OnMessage func(ctx context.Context, raw []byte)
	// OnConnect runs in its own goroutine after each successful connect
	OnConnect func(ctx context.Context)
}

// Connector keeps exactly one logical connection to the external process alive
type Connector struct {
	dialer Dialer
	opts   Options

	mu      sync.Mutex
	channel Channel

	writeMu sync.Mutex
}

// NewConnector creates a connector; call Run to start connecting
func NewConnector(dialer Dialer, opts Options) *Connector {
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = DefaultReconnectDelay
	}
	if opts.Name == "" {
		opts.Name = "transport"
	}
	return &Connector{
		dialer: dialer,
		opts:   opts,
	}
}

// Run connects, serves the channel until it drops, waits the reconnect delay
// and starts over. Failures never end the loop; only ctx does.
func (c *Connector) Run(ctx context.Context) error {
	for {
		c.serveOnce(ctx)

		if ctx.Err() != nil {
			return ctx.Err()
		}

		log.Printf("⏳ [%s] Reconnecting in %s", c.opts.Name, c.opts.ReconnectDelay)
		timer := time.NewTimer(c.opts.ReconnectDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Connected reports whether a channel is currently open
func (c *Connector) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.channel != nil
}

// Send encodes msg and writes it immediately. Nothing is queued: while
// disconnected the message is reported and dropped.
func (c *Connector) Send(msg any) error {
	c.mu.Lock()
	ch := c.channel
	c.mu.Unlock()

	if ch == nil {
		log.Printf("⚠️ [%s] Cannot send, no connection: %+v", c.opts.Name, msg)
		return ErrNotConnected
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	c.writeMu.Lock()
	err = ch.WriteMessage(data)
	c.writeMu.Unlock()

	if err != nil {
		log.Printf("❌ [%s] Write failed, dropping connection: %v", c.opts.Name, err)
		// the read loop notices the closed channel and schedules the reconnect
		_ = ch.Close()
		return fmt.Errorf("failed to send message: %w", err)
	}
	return nil
}

func (c *Connector) serveOnce(ctx context.Context) {
	log.Printf("🔌 [%s] Attempting to connect...", c.opts.Name)

	ch, err := c.dial(ctx)
	if err != nil {
		log.Printf("❌ [%s] Failed to connect: %v", c.opts.Name, err)
		return
	}

	c.mu.Lock()
	c.channel = ch
	c.mu.Unlock()
	log.Printf("✓ [%s] Connected", c.opts.Name)

	stop := context.AfterFunc(ctx, func() { _ = ch.Close() })
	defer stop()

	if c.opts.OnConnect != nil {
		go c.guard("connect hook", func() { c.opts.OnConnect(ctx) })
	}

	for {
		raw, err := ch.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				log.Printf("🔌 [%s] Disconnected: %v", c.opts.Name, err)
			}
			break
		}
		if c.opts.OnMessage != nil {
			c.guard("message handler", func() { c.opts.OnMessage(ctx, raw) })
		}
	}

	// Only the handle is cleared. Whatever the handlers built up stays as it is.
	c.mu.Lock()
	if c.channel == ch {
		c.channel = nil
	}
	c.mu.Unlock()
	_ = ch.Close()
}

// dial turns a panicking dialer into an ordinary connect failure
func (c *Connector) dial(ctx context.Context) (ch Channel, err error) {
	defer func() {
		if r := recover(); r != nil {
			ch, err = nil, fmt.Errorf("dialer panicked: %v", r)
		}
	}()
	return c.dialer.Dial(ctx)
}

func (c *Connector) guard(what string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("❌ [%s] Recovered from panic in %s: %v", c.opts.Name, what, r)
		}
	}()
	fn()
}
