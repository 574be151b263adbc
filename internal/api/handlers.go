package api

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"

	"github.com/shehryarbajwa/tabrelay/internal/router"
	"github.com/shehryarbajwa/tabrelay/pkg/models"
)

const maxBodyBytes = 1 << 20

// LinkStatus reports whether the external process is connected
type LinkStatus interface {
	Connected() bool
}

// Handler serves the local command and status API
type Handler struct {
	router *router.Router
	link   LinkStatus
}

// NewHandler creates a new HTTP handler
func NewHandler(r *router.Router, link LinkStatus) *Handler {
	return &Handler{
		router: r,
		link:   link,
	}
}

// PostCommand handles POST /v1/commands with a raw command body
func (h *Handler) PostCommand(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	cmd, err := models.ParseCommand(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	dispatch, err := h.router.RouteCommand(r.Context(), cmd)
	if err != nil {
		writeRouteError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, dispatch)
}

// PostPrompt handles POST /v1/prompt: types the text and presses send
func (h *Handler) PostPrompt(w http.ResponseWriter, r *http.Request) {
	var req models.PromptRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	if req.Text == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}

	log.Printf("🚀 Prompt from %s (%d chars)", r.RemoteAddr, len(req.Text))

	dispatches := make([]router.Dispatch, 0, 2)
	for _, cmd := range []models.Command{models.SetInput(req.Text), models.ClickSend()} {
		dispatch, err := h.router.RouteCommand(r.Context(), cmd)
		if err != nil {
			writeRouteError(w, err)
			return
		}
		dispatches = append(dispatches, dispatch)
	}
	writeJSON(w, http.StatusAccepted, dispatches)
}

// GetStatus handles GET /v1/status
func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	status := models.BridgeStatus{
		Target:   h.router.Target().Pattern(),
		Contexts: h.router.Snapshot(r.Context()),
	}
	if h.link != nil {
		status.Connected = h.link.Connected()
	}
	writeJSON(w, http.StatusOK, status)
}

func writeRouteError(w http.ResponseWriter, err error) {
	if errors.Is(err, router.ErrNoTarget) {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeError(w, http.StatusBadGateway, err.Error())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
