package models

import (
	"encoding/json"
	"fmt"
)

// ChatMessage is a single message in a chat-completion exchange
type ChatMessage struct {
	Role       string     `json:"role"`
	Content    string     `json:"content,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// ToolCall is a tool invocation selected by the model
type ToolCall struct {
	ID       string       `json:"id,omitempty"`
	Type     string       `json:"type"` // "function"
	Function FunctionCall `json:"function"`
}

// FunctionCall carries the function name and its JSON-encoded arguments
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolDefinition describes a tool offered to the model in a request
type ToolDefinition struct {
	Type     string          `json:"type"` // "function"
	Function json.RawMessage `json:"function"`
}

// ChatCompletionRequest is the request half of a captured interaction.
// Model and Messages are required; Tools is optional.
type ChatCompletionRequest struct {
	Model       string           `json:"model"`
	Messages    []ChatMessage    `json:"messages"`
	Tools       []ToolDefinition `json:"tools,omitempty"`
	Temperature *float64         `json:"temperature,omitempty"`
	MaxTokens   int              `json:"max_tokens,omitempty"`
}

// ChatCompletionChoice is one completion returned by a model
type ChatCompletionChoice struct {
	Index        int         `json:"index"`
	Message      ChatMessage `json:"message"`
	FinishReason string      `json:"finish_reason,omitempty"`
}

// ChatCompletionResponse is the response half of a captured interaction
type ChatCompletionResponse struct {
	ID      string                 `json:"id,omitempty"`
	Model   string                 `json:"model,omitempty"`
	Choices []ChatCompletionChoice `json:"choices"`
}

// FirstMessage returns the message of the first choice, if any
func (r *ChatCompletionResponse) FirstMessage() *ChatMessage {
	if len(r.Choices) == 0 {
		return nil
	}
	return &r.Choices[0].Message
}

// InteractionRecord is one captured production request/response pair.
// Records are immutable once ingested and uniquely identified by
// (workload_id, client_id, timestamp).
type InteractionRecord struct {
	Timestamp  int64                  `json:"timestamp"` // epoch seconds
	WorkloadID string                 `json:"workload_id"`
	ClientID   string                 `json:"client_id"`
	Request    ChatCompletionRequest  `json:"request"`
	Response   ChatCompletionResponse `json:"response"`
}

// ID returns the record's natural key
func (r *InteractionRecord) ID() string {
	return fmt.Sprintf("%s/%s/%d", r.WorkloadID, r.ClientID, r.Timestamp)
}

// Validate checks the structural invariants a record must satisfy before
// it is accepted by the ingestion path
func (r *InteractionRecord) Validate() error {
	if r.WorkloadID == "" {
		return fmt.Errorf("record missing workload_id")
	}
	if r.ClientID == "" {
		return fmt.Errorf("record missing client_id")
	}
	if r.Timestamp <= 0 {
		return fmt.Errorf("record %s/%s has invalid timestamp %d", r.WorkloadID, r.ClientID, r.Timestamp)
	}
	if r.Request.Model == "" {
		return fmt.Errorf("record %s: request missing model", r.ID())
	}
	if len(r.Request.Messages) == 0 {
		return fmt.Errorf("record %s: request has no messages", r.ID())
	}
	if len(r.Response.Choices) == 0 {
		return fmt.Errorf("record %s: response has no choices", r.ID())
	}
	return nil
}
