package model

import (
	"errors"

	"github.com/go-playground/validator/v10"
)

// Client input errors produced by Classify.
var (
	ErrMissingAgentID = errors.New("agent_id is required")
	ErrInvalidAgentID = errors.New("invalid agent_id format")
)

// InteractionTypeTextChat marks metadata for a text chat session rather than a voice call.
const InteractionTypeTextChat = "text_chat"

// agentIDRule is a coarse shape check, not authentication.
const agentIDRule = "startswith=agent_,min=20"

var validate = validator.New()

// Kind names the upstream operation a request maps to.
type Kind string

const (
	KindCompletion Kind = "completion"
	KindChat       Kind = "chat"
	KindVoice      Kind = "voice"
)

// Request is a classified inbound request. The concrete types are
// CompletionRequest, ChatSessionRequest and WebCallRequest.
type Request interface {
	Kind() Kind
	isRequest()
}

// CompletionRequest continues an existing chat with a new user message.
type CompletionRequest struct {
	ChatID  string
	Message string
}

// ChatSessionRequest opens a text chat with an agent.
type ChatSessionRequest struct {
	AgentID  string
	Metadata map[string]any
}

// WebCallRequest opens a browser voice call with an agent.
type WebCallRequest struct {
	AgentID  string
	Metadata map[string]any
}

func (CompletionRequest) Kind() Kind  { return KindCompletion }
func (ChatSessionRequest) Kind() Kind { return KindChat }
func (WebCallRequest) Kind() Kind     { return KindVoice }

func (CompletionRequest) isRequest()  {}
func (ChatSessionRequest) isRequest() {}
func (WebCallRequest) isRequest()     {}

// Classify maps an inbound body onto exactly one Request variant.
//
// A body carrying both chat_id and message is a completion regardless of any
// other field. Otherwise agent_id is required and must pass ValidAgentID; the
// metadata interaction_type then picks a chat session or a voice call.
func Classify(in *InboundRequest) (Request, error) {
	if in.ChatID != "" && in.Message != "" {
		return CompletionRequest{ChatID: in.ChatID, Message: in.Message}, nil
	}

	if in.AgentID == "" {
		return nil, ErrMissingAgentID
	}
	if !ValidAgentID(in.AgentID) {
		return nil, ErrInvalidAgentID
	}

	if it, _ := in.Metadata["interaction_type"].(string); it == InteractionTypeTextChat {
		return ChatSessionRequest{AgentID: in.AgentID, Metadata: in.Metadata}, nil
	}
	return WebCallRequest{AgentID: in.AgentID, Metadata: in.Metadata}, nil
}

// ValidAgentID reports whether id has the agent_ prefix and minimum length.
func ValidAgentID(id string) bool {
	return validate.Var(id, agentIDRule) == nil
}
