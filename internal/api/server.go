package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/shehryarbajwa/tabrelay/internal/ratelimit"
)

// SetupRoutes configures all HTTP routes. pages serves page-context attachments.
func (h *Handler) SetupRoutes(pages http.HandlerFunc, rateLimiter *ratelimit.Limiter) *mux.Router {
	r := mux.NewRouter()

	api := r.PathPrefix("/v1").Subrouter()

	// Command injection (rate limited)
	commands := api.PathPrefix("").Subrouter()
	commands.Use(RateLimitMiddleware(rateLimiter))
	commands.HandleFunc("/commands", h.PostCommand).Methods("POST", "OPTIONS")
	commands.HandleFunc("/prompt", h.PostPrompt).Methods("POST", "OPTIONS")

	api.HandleFunc("/status", h.GetStatus).Methods("GET")
	api.HandleFunc("/events", h.StreamEvents).Methods("GET")

	// Page contexts attach here
	api.HandleFunc("/contexts/ws", pages).Methods("GET")

	r.Use(corsMiddleware)

	return r
}
