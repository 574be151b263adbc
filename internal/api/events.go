package api

import (
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shehryarbajwa/tabrelay/pkg/models"
)

const (
	eventBuffer  = 64
	pingInterval = 30 * time.Second
	eventTimeout = 5 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// StreamEvents handles GET /v1/events: every response the router forwards is
// pushed to the client as a JSON text frame. A client that falls behind loses
// events rather than stalling the router.
func (h *Handler) StreamEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("Failed to upgrade event stream: %v", err)
		return
	}
	defer conn.Close()

	events := make(chan models.Response, eventBuffer)
	unsubscribe := h.router.Subscribe(func(resp models.Response) {
		select {
		case events <- resp:
		default:
			log.Printf("⚠️ Event stream for %s is behind, dropping event", r.RemoteAddr)
		}
	})
	defer unsubscribe()

	log.Printf("✅ Event listener connected from %s", r.RemoteAddr)

	// the client never sends anything meaningful; reading detects the close
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-closed:
			log.Printf("Event listener %s disconnected", r.RemoteAddr)
			return
		case resp := <-events:
			_ = conn.SetWriteDeadline(time.Now().Add(eventTimeout))
			if err := conn.WriteJSON(resp); err != nil {
				log.Printf("Event stream write failed: %v", err)
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(eventTimeout)); err != nil {
				return
			}
		}
	}
}
