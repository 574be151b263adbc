package router

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/shehryarbajwa/tabrelay/pkg/models"
)

// ErrNoTarget is returned when no attached context matches the target
var ErrNoTarget = errors.New("no target found")

// Host is the environment that owns page contexts. Contexts must be returned
// in a stable enumeration order (ascending id).
type Host interface {
	Contexts(ctx context.Context) ([]models.PageContext, error)
	Deliver(ctx context.Context, id int, cmd models.Command) error
}

// Outbound carries responses to the external process
type Outbound interface {
	Send(msg any) error
}

// Listener observes every response the router forwards
type Listener func(resp models.Response)

// Dispatch describes where a routed command ended up
type Dispatch struct {
	ContextID int  `json:"contextId"`
	Queued    bool `json:"queued"`
}

// Options tunes router behavior
type Options struct {
	// DedupeResponses drops a responseReceived whose text equals the last one
	// forwarded for the same context
	DedupeResponses bool
}

// Router tracks per-context readiness, holds commands for contexts that are
// not ready yet and forwards page responses to the external process.
//
// ready, pending, lastText and lanes are guarded by mu, which is never held
// across a delivery. Each context has its own lane lock, held from the
// readiness check through the delivery, so a flush can never interleave with
// a new command for the same context while a slow page stalls only its own
// lane. Sends to the outbound link and listener calls happen with no lock held.
type Router struct {
	host   Host
	out    Outbound
	target *Target
	opts   Options

	mu       sync.Mutex
	ready    map[int]bool
	pending  map[int][]models.Command
	lastText map[int]string
	lanes    map[int]*sync.Mutex

	listenersMu sync.RWMutex
	listeners   map[string]Listener
}

// New creates a router. out may be nil when nothing external is attached.
func New(host Host, out Outbound, target *Target, opts Options) *Router {
	r := &Router{
		host:      host,
		out:       out,
		target:    target,
		opts:      opts,
		lanes:     make(map[int]*sync.Mutex),
		listeners: make(map[string]Listener),
	}
	r.Reset()
	return r
}

// Reset forgets all readiness and queued commands
func (r *Router) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ready = make(map[int]bool)
	r.pending = make(map[int][]models.Command)
	r.lastText = make(map[int]string)
}

// Target returns the targeting policy in use
func (r *Router) Target() *Target {
	return r.target
}

// Subscribe registers a local listener. The returned func removes it.
func (r *Router) Subscribe(l Listener) func() {
	id := uuid.New().String()

	r.listenersMu.Lock()
	r.listeners[id] = l
	r.listenersMu.Unlock()

	return func() {
		r.listenersMu.Lock()
		delete(r.listeners, id)
		r.listenersMu.Unlock()
	}
}

// HandleRequest is the entry point for raw messages from the external process
func (r *Router) HandleRequest(ctx context.Context, raw []byte) {
	cmd, err := models.ParseCommand(raw)
	if err != nil {
		log.Printf("⚠️ Rejecting malformed request %q: %v", truncate(raw), err)
		r.publish(models.ErrorResponse(fmt.Sprintf("invalid request: %v", err)))
		return
	}
	_, _ = r.RouteCommand(ctx, cmd)
}

// RouteCommand resolves the target context and either delivers cmd right away
// (context ready) or appends it to that context's queue. Every failure is
// also reported as an error response, so callers may ignore the error.
func (r *Router) RouteCommand(ctx context.Context, cmd models.Command) (Dispatch, error) {
	if err := cmd.Validate(); err != nil {
		r.publish(models.ErrorResponse(fmt.Sprintf("invalid request: %v", err)))
		return Dispatch{}, err
	}

	target, err := r.resolve(ctx)
	if err != nil {
		log.Printf("⚠️ Cannot route %s: %v", cmd.Command, err)
		r.publish(models.ErrorResponse(err.Error()))
		return Dispatch{}, err
	}

	id := target.ID
	lane := r.lane(id)
	lane.Lock()

	r.mu.Lock()
	if !r.ready[id] {
		r.pending[id] = append(r.pending[id], cmd)
		depth := len(r.pending[id])
		r.mu.Unlock()
		lane.Unlock()
		log.Printf("⏳ Context %d is not ready yet, queued %s (%d pending)", id, cmd.Command, depth)
		return Dispatch{ContextID: id, Queued: true}, nil
	}
	r.mu.Unlock()

	err = r.host.Deliver(ctx, id, cmd)
	lane.Unlock()

	if err != nil {
		r.publish(deliveryFailure(id, cmd, err))
		return Dispatch{ContextID: id}, err
	}
	return Dispatch{ContextID: id}, nil
}

// HandlePageMessage is the entry point for raw messages from a page context
func (r *Router) HandlePageMessage(ctx context.Context, origin int, raw []byte) {
	msg, err := models.ParsePageMessage(raw)
	if err != nil {
		log.Printf("⚠️ Ignoring message from context %d: %v", origin, err)
		return
	}
	if !r.accepts(ctx, origin) {
		log.Printf("⚠️ Ignoring message from context %d: not a target page", origin)
		return
	}
	if msg.Ready {
		r.MarkReady(ctx, origin)
		return
	}
	r.RouteResponse(origin, msg.Response)
}

// accepts reports whether origin is attached and matches the target
func (r *Router) accepts(ctx context.Context, origin int) bool {
	contexts, err := r.host.Contexts(ctx)
	if err != nil {
		log.Printf("⚠️ Cannot enumerate contexts to check context %d: %v", origin, err)
		return false
	}
	for _, pc := range contexts {
		if pc.ID == origin {
			return r.target.Match(pc.URL)
		}
	}
	return false
}

// MarkReady moves a context to the ready state and flushes its queue in
// order. Readiness is never cleared by anything but Forget or Reset.
func (r *Router) MarkReady(ctx context.Context, id int) {
	lane := r.lane(id)
	lane.Lock()

	r.mu.Lock()
	wasReady := r.ready[id]
	r.ready[id] = true
	queued := r.pending[id]
	delete(r.pending, id)
	r.mu.Unlock()

	var failures []models.Response
	for _, cmd := range queued {
		if err := r.host.Deliver(ctx, id, cmd); err != nil {
			failures = append(failures, deliveryFailure(id, cmd, err))
		}
	}
	lane.Unlock()

	switch {
	case len(queued) > 0:
		log.Printf("✓ Context %d is ready, flushed %d queued commands", id, len(queued))
	case !wasReady:
		log.Printf("✓ Context %d is ready", id)
	}

	for _, f := range failures {
		r.publish(f)
	}
}

// RouteResponse forwards a page response to the external process and to
// every local listener. Neither sink depends on the other succeeding.
func (r *Router) RouteResponse(origin int, resp models.Response) {
	if r.opts.DedupeResponses && resp.IsResponseReceived() {
		r.mu.Lock()
		last, seen := r.lastText[origin]
		if seen && last == resp.Text() {
			r.mu.Unlock()
			log.Printf("Dropping duplicate response from context %d", origin)
			return
		}
		r.lastText[origin] = resp.Text()
		r.mu.Unlock()
	}
	r.publish(resp)
}

// BroadcastReadinessCheck asks every matching context whether it is ready.
// The check bypasses the queues.
func (r *Router) BroadcastReadinessCheck(ctx context.Context) {
	contexts, err := r.host.Contexts(ctx)
	if err != nil {
		log.Printf("⚠️ Cannot enumerate contexts for readiness check: %v", err)
		return
	}
	for _, pc := range contexts {
		if !r.target.Match(pc.URL) {
			continue
		}
		log.Printf("Sending readiness check to context %d", pc.ID)
		if err := r.host.Deliver(ctx, pc.ID, models.AreYouReady()); err != nil {
			log.Printf("⚠️ Readiness check to context %d failed: %v", pc.ID, err)
		}
	}
}

// Forget drops all state for a context that no longer exists
func (r *Router) Forget(id int) {
	r.mu.Lock()
	dropped := len(r.pending[id])
	delete(r.ready, id)
	delete(r.pending, id)
	delete(r.lastText, id)
	delete(r.lanes, id)
	r.mu.Unlock()

	if dropped > 0 {
		log.Printf("⚠️ Context %d went away with %d undelivered commands", id, dropped)
	}
}

// IsReady reports the readiness of a context
func (r *Router) IsReady(id int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ready[id]
}

// Pending returns a copy of a context's queue
func (r *Router) Pending(id int) []models.Command {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.Command(nil), r.pending[id]...)
}

// HasQueue reports whether the queue map holds an entry for id
func (r *Router) HasQueue(id int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.pending[id]
	return ok
}

// Snapshot merges live contexts with router state for display
func (r *Router) Snapshot(ctx context.Context) []models.ContextStatus {
	live, err := r.host.Contexts(ctx)
	if err != nil {
		log.Printf("⚠️ Cannot enumerate contexts for status: %v", err)
	}

	byID := make(map[int]*models.ContextStatus)
	for _, pc := range live {
		byID[pc.ID] = &models.ContextStatus{ID: pc.ID, URL: pc.URL, Live: true}
	}

	r.mu.Lock()
	for id, ready := range r.ready {
		st := statusFor(byID, id)
		st.Ready = ready
	}
	for id, q := range r.pending {
		st := statusFor(byID, id)
		st.Pending = len(q)
	}
	r.mu.Unlock()

	out := make([]models.ContextStatus, 0, len(byID))
	for _, st := range byID {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// lane returns the delivery lock of a context, creating it on first use
func (r *Router) lane(id int) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.lanes[id]
	if !ok {
		l = &sync.Mutex{}
		r.lanes[id] = l
	}
	return l
}

func statusFor(byID map[int]*models.ContextStatus, id int) *models.ContextStatus {
	st, ok := byID[id]
	if !ok {
		st = &models.ContextStatus{ID: id}
		byID[id] = st
	}
	return st
}

func (r *Router) resolve(ctx context.Context) (models.PageContext, error) {
	contexts, err := r.host.Contexts(ctx)
	if err != nil {
		return models.PageContext{}, fmt.Errorf("%w: cannot enumerate contexts: %v", ErrNoTarget, err)
	}
	target, ok := r.target.Resolve(contexts)
	if !ok {
		return models.PageContext{}, fmt.Errorf("%w matching %s", ErrNoTarget, r.target.Pattern())
	}
	return target, nil
}

func (r *Router) publish(resp models.Response) {
	if r.out != nil {
		if err := r.out.Send(resp); err != nil {
			log.Printf("⚠️ Response not forwarded to external process: %v", err)
		}
	}

	r.listenersMu.RLock()
	listeners := make([]Listener, 0, len(r.listeners))
	for _, l := range r.listeners {
		listeners = append(listeners, l)
	}
	r.listenersMu.RUnlock()

	for _, l := range listeners {
		notify(l, resp)
	}
}

func notify(l Listener, resp models.Response) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Printf("❌ Recovered from panic in response listener: %v", rec)
		}
	}()
	l(resp)
}

func deliveryFailure(id int, cmd models.Command, err error) models.Response {
	log.Printf("❌ Failed to deliver %s to context %d: %v", cmd.Command, id, err)
	return models.ErrorResponse(fmt.Sprintf("failed to deliver %s to context %d: %v", cmd.Command, id, err))
}

func truncate(raw []byte) string {
	const limit = 120
	if len(raw) <= limit {
		return string(raw)
	}
	return string(raw[:limit]) + "..."
}
