package actuator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/url"
	"sync"
	"time"

	"github.com/shehryarbajwa/tabrelay/internal/transport"
	"github.com/shehryarbajwa/tabrelay/pkg/models"
)

const (
	msgInputFailed = "Failed to input text"
	msgClickFailed = "Failed to click send button"
)

var errNoLink = errors.New("page agent is not attached")

// AgentOptions configures an Agent
type AgentOptions struct {
	// ElementPoll is how often the page is checked for the prompt box before
	// the agent announces itself
	ElementPoll time.Duration
	// SettleDelay is how long response text must stay unchanged before it is sent
	SettleDelay time.Duration
	// ClickTimeout bounds how long clickSend waits for an enabled button
	ClickTimeout time.Duration
}

// Agent is the in-page side of the bridge. It announces readiness to the hub,
// runs commands through an Actuator and reports finished responses.
type Agent struct {
	act  Actuator
	opts AgentOptions

	watcher   *Watcher
	primeOnce sync.Once
	watchOnce sync.Once

	mu   sync.Mutex
	link transport.Channel
}

// NewAgent creates an agent for act
func NewAgent(act Actuator, opts AgentOptions) *Agent {
	if opts.ElementPoll <= 0 {
		opts.ElementPoll = 500 * time.Millisecond
	}
	if opts.SettleDelay <= 0 {
		opts.SettleDelay = 500 * time.Millisecond
	}
	if opts.ClickTimeout <= 0 {
		opts.ClickTimeout = 30 * time.Second
	}
	return &Agent{
		act:     act,
		opts:    opts,
		watcher: NewWatcher(act.LatestResponse, opts.SettleDelay),
	}
}

// WaitForPage blocks until the prompt box exists
func (a *Agent) WaitForPage(ctx context.Context) error {
	ticker := time.NewTicker(a.opts.ElementPoll)
	defer ticker.Stop()

	for !a.act.InputPresent() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

// Run attaches to the hub through dialer and serves commands. When the link
// drops it waits reattachDelay and attaches again, until ctx ends.
func (a *Agent) Run(ctx context.Context, dialer transport.Dialer, reattachDelay time.Duration) error {
	if err := a.WaitForPage(ctx); err != nil {
		return err
	}

	for {
		link, err := dialer.Dial(ctx)
		if err != nil {
			log.Printf("❌ Failed to attach to hub: %v", err)
		} else {
			if err := a.Serve(ctx, link); err != nil && ctx.Err() == nil {
				log.Printf("Hub link closed: %v", err)
			}
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}

		log.Printf("⏳ Reattaching in %s", reattachDelay)
		timer := time.NewTimer(reattachDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Serve announces readiness on link and handles commands until the link fails
func (a *Agent) Serve(ctx context.Context, link transport.Channel) error {
	a.primeOnce.Do(a.watcher.Prime)

	a.setLink(link)
	stop := context.AfterFunc(ctx, func() { _ = link.Close() })
	defer func() {
		stop()
		a.setLink(nil)
		_ = link.Close()
	}()

	if err := a.send(models.ContentReady()); err != nil {
		return fmt.Errorf("failed to announce readiness: %w", err)
	}
	log.Printf("✅ Page agent attached and ready")

	for {
		raw, err := link.ReadMessage()
		if err != nil {
			return err
		}

		cmd, err := models.ParseCommand(raw)
		if err != nil {
			log.Printf("⚠️ Ignoring malformed command: %v", err)
			continue
		}
		a.handle(ctx, cmd)
	}
}

func (a *Agent) handle(ctx context.Context, cmd models.Command) {
	switch cmd.Command {
	case models.CommandAreYouReady:
		a.reply(models.ContentReady())

	case models.CommandSetInput:
		if !a.act.SetInput(ctx, cmd.Payload.Text) {
			a.reply(models.ErrorResponse(msgInputFailed))
		}

	case models.CommandClickSend:
		clickCtx, cancel := context.WithTimeout(ctx, a.opts.ClickTimeout)
		ok := a.act.ClickSend(clickCtx)
		cancel()
		if !ok {
			a.reply(models.ErrorResponse(msgClickFailed))
			return
		}
		a.watchOnce.Do(func() {
			go a.watcher.Run(ctx, func(text string) bool {
				return a.send(models.SuccessResponse(text)) == nil
			})
		})
	}
}

func (a *Agent) reply(msg any) {
	if err := a.send(msg); err != nil {
		log.Printf("Failed to reply to hub: %v", err)
	}
}

func (a *Agent) send(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.link == nil {
		return errNoLink
	}
	return a.link.WriteMessage(data)
}

func (a *Agent) setLink(link transport.Channel) {
	a.mu.Lock()
	a.link = link
	a.mu.Unlock()
}

// NewHubDialer builds the dialer a page uses to attach to the hub. The page
// reports its own URL and a display label in the query string.
func NewHubDialer(hubURL, pageURL, label string) (*transport.WebSocketDialer, error) {
	dialer, err := transport.NewWebSocketDialer(hubURL, "")
	if err != nil {
		return nil, err
	}
	u, err := url.Parse(dialer.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid hub url: %w", err)
	}
	q := u.Query()
	q.Set("url", pageURL)
	if label != "" {
		q.Set("label", label)
	}
	u.RawQuery = q.Encode()
	dialer.URL = u.String()
	return dialer, nil
}
