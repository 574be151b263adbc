package host

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/shehryarbajwa/tabrelay/pkg/models"
)

const writeTimeout = 5 * time.Second

// ErrUnknownContext is returned when delivering to an id that is not attached
var ErrUnknownContext = errors.New("context is not attached")

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Sink receives what page contexts send and learns when they detach
type Sink interface {
	HandlePageMessage(ctx context.Context, origin int, raw []byte)
	Forget(id int)
}

type pageConn struct {
	info    models.PageContext
	conn    *websocket.Conn
	writeMu sync.Mutex
}

// Hub is the hosting environment for page contexts. Each page attaches over a
// websocket and gets an integer id; ids are never reused within a process.
type Hub struct {
	mu     sync.RWMutex
	conns  map[int]*pageConn
	nextID int
	sink   Sink
}

// NewHub creates an empty hub
func NewHub() *Hub {
	return &Hub{
		conns: make(map[int]*pageConn),
	}
}

// Attach sets the receiver of page messages. Must be called before serving.
func (h *Hub) Attach(sink Sink) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sink = sink
}

// Contexts enumerates attached pages in ascending id order
func (h *Hub) Contexts(ctx context.Context) ([]models.PageContext, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]models.PageContext, 0, len(h.conns))
	for _, pc := range h.conns {
		out = append(out, pc.info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Deliver writes one command to a page
func (h *Hub) Deliver(ctx context.Context, id int, cmd models.Command) error {
	h.mu.RLock()
	pc, ok := h.conns[id]
	h.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownContext, id)
	}

	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("failed to marshal command: %w", err)
	}

	deadline := time.Now().Add(writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	pc.writeMu.Lock()
	defer pc.writeMu.Unlock()
	_ = pc.conn.SetWriteDeadline(deadline)
	if err := pc.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write to context %d failed: %w", id, err)
	}
	return nil
}

// HandleConnection upgrades a page's request and serves it until it detaches.
// The page reports its URL in the "url" query parameter.
func (h *Hub) HandleConnection(w http.ResponseWriter, r *http.Request) {
	pageURL := r.URL.Query().Get("url")
	if pageURL == "" {
		http.Error(w, "url query parameter is required", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("Failed to upgrade page connection: %v", err)
		return
	}
	defer conn.Close()

	label := r.URL.Query().Get("label")
	if label == "" {
		label = uuid.New().String()[:8]
	}

	pc := h.register(pageURL, label, conn)
	id := pc.info.ID
	log.Printf("✅ Context %d attached (%s, %s)", id, label, pageURL)

	defer func() {
		h.unregister(id)
		log.Printf("Context %d detached", id)
	}()

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("WebSocket error (context %d): %v", id, err)
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		h.dispatch(r.Context(), id, data)
	}
}

// Close detaches every page
func (h *Hub) Close() error {
	h.mu.RLock()
	conns := make([]*pageConn, 0, len(h.conns))
	for _, pc := range h.conns {
		conns = append(conns, pc)
	}
	h.mu.RUnlock()

	for _, pc := range conns {
		pc.writeMu.Lock()
		_ = pc.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "bridge shutting down"),
			time.Now().Add(time.Second))
		pc.writeMu.Unlock()
		_ = pc.conn.Close()
	}
	return nil
}

func (h *Hub) register(pageURL, label string, conn *websocket.Conn) *pageConn {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextID++
	pc := &pageConn{
		info: models.PageContext{
			ID:         h.nextID,
			URL:        pageURL,
			Label:      label,
			AttachedAt: time.Now(),
		},
		conn: conn,
	}
	h.conns[pc.info.ID] = pc
	return pc
}

func (h *Hub) unregister(id int) {
	h.mu.Lock()
	delete(h.conns, id)
	sink := h.sink
	h.mu.Unlock()

	if sink != nil {
		sink.Forget(id)
	}
}

func (h *Hub) dispatch(ctx context.Context, id int, data []byte) {
	h.mu.RLock()
	sink := h.sink
	h.mu.RUnlock()
	if sink == nil {
		log.Printf("⚠️ No sink attached, dropping message from context %d", id)
		return
	}

	defer func() {
		if rec := recover(); rec != nil {
			log.Printf("❌ Recovered from panic handling context %d: %v", id, rec)
		}
	}()
	sink.HandlePageMessage(ctx, id, data)
}
