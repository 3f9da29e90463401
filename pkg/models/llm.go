// Package models contains shared data models used across the toolkit codebase.
package models

import "context"

// LLMProvider is the sole external capability the job engine depends on.
// Never call a concrete provider directly — always inject this interface.
type LLMProvider interface {
	// Execute performs one chat-style call and returns the assistant text
	// plus token accounting. Transport and HTTP failures surface as
	// llm.ErrProvider; unparseable payloads as llm.ErrMalformedResponse.
	Execute(ctx context.Context, req LLMRequest) (*LLMResponse, error)
	// Name returns the provider identifier (e.g. "openrouter", "poe").
	Name() string
}

// LLMRequest is a chat-style interaction with a provider. Model carries a
// provider prefix, e.g. "openrouter/openai/gpt-4o".
type LLMRequest struct {
	Model       string
	Messages    []ChatMessage
	Attachments []Attachment
}

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ChatMessage is one turn in an OpenAI-compatible conversation.
type ChatMessage struct {
	Role    string
	Content string
}

const (
	AttachmentImage = "image"
	AttachmentPDF   = "pdf"
	AttachmentAudio = "audio"
)

// Attachment is a file sent alongside the last user message, base64-encoded
// on the wire.
type Attachment struct {
	Filename string
	MimeType string
	Kind     string
	Data     []byte
}

// TokenUsage captures the token accounting for one call.
type TokenUsage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

// LLMResponse is the full response surface returned to callers. Raw holds
// the undecoded provider payload for diagnostics; the engine never interprets
// it beyond token accounting.
type LLMResponse struct {
	Text     string
	Usage    TokenUsage
	Provider string
	Model    string
	Raw      []byte
}
