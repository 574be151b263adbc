package models

import "time"

// PageContext is one attached page execution environment as the hub sees it
type PageContext struct {
	ID         int       `json:"id"`
	URL        string    `json:"url"`
	Label      string    `json:"label,omitempty"`
	AttachedAt time.Time `json:"attachedAt"`
}

// ContextStatus is the router's view of a context, exposed read-only to the UI
type ContextStatus struct {
	ID      int    `json:"id"`
	URL     string `json:"url,omitempty"`
	Ready   bool   `json:"ready"`
	Pending int    `json:"pending"`
	Live    bool   `json:"live"`
}

// BridgeStatus is returned by GET /v1/status
type BridgeStatus struct {
	Connected bool            `json:"connected"`
	Target    string          `json:"target"`
	Contexts  []ContextStatus `json:"contexts"`
}

// PromptRequest is the payload for POST /v1/prompt
type PromptRequest struct {
	Text string `json:"text"`
}
