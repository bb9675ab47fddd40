// Package llm defines the adapter boundary to the language model. The
// responder builds prompts and tool schemas; this package only moves them
// over the wire and hands back tool calls.
package llm

import (
	"context"
	"encoding/json"
)

// Tool describes a callable tool exposed to the model.
type Tool struct {
	Name        string
	Description string
	Parameters  json.RawMessage // JSON Schema
}

// ToolCall is the model's request to invoke a tool. Arguments may arrive
// as a JSON object or as a JSON-encoded string of one; callers must parse
// tolerantly.
type ToolCall struct {
	Name      string
	Arguments string
}

// Response is the model's answer to one Extract call: either tool calls or
// free-form content (which the responder treats as a schema violation).
type Response struct {
	Content   string
	ToolCalls []ToolCall
	Model     string
}

// Client is the LLM adapter. Implementations must be safe for concurrent
// use; the shared client is handed to every turn worker.
type Client interface {
	// Extract sends the prompt with the closed tool schema and returns the
	// model response. The call respects ctx cancellation.
	Extract(ctx context.Context, prompt string, tools []Tool) (*Response, error)
}
