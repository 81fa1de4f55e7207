// Package model defines shared types for the proxy.
package model

import (
	"io"
	"net/http"
)

// InboundRequest is the JSON body a browser posts to the proxy. Every field is
// optional; Classify decides which combination is meaningful.
type InboundRequest struct {
	AgentID  string         `json:"agent_id"`
	Metadata map[string]any `json:"metadata"`
	ChatID   string         `json:"chat_id"`
	Message  string         `json:"message"`
}

// ProxyResponse is a raw upstream response. The caller owns Body.
type ProxyResponse struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
}

// Result is the client-visible outcome of a successful upstream exchange.
// Exactly one of Fields or Raw is set.
type Result struct {
	Kind   Kind
	Fields map[string]any
	Raw    []byte
}
