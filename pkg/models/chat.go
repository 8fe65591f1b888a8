package models

import "encoding/json"

// ChatMessage is the wire-level message format exchanged with the LLM proxy.
// Tool call fields follow the OpenAI chat-completions shape so history rows
// round-trip through the proxy without translation.
type ChatMessage struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	Name       string     `json:"name,omitempty"`
}

// ToolCall is an LLM request to execute a tool. Arguments is an opaque JSON
// string; the agent loop only checks that it parses.
type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function FunctionCall `json:"function"`
}

// FunctionCall names the tool and carries its raw arguments.
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolDefinition describes one tool exposed to the LLM.
type ToolDefinition struct {
	Name         string          `json:"name"`
	Description  string          `json:"description"`
	InputSchema  json.RawMessage `json:"input_schema"`
	MutatesState bool            `json:"mutates_state,omitempty"`
}

// ToolResult is the outcome of a single tool execution.
type ToolResult struct {
	Content  string         `json:"content"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// UserMessage builds a user chat message.
func UserMessage(text string) ChatMessage {
	return ChatMessage{Role: RoleUser, Content: text}
}

// AssistantMessage builds an assistant chat message, optionally carrying tool calls.
func AssistantMessage(text string, toolCalls ...ToolCall) ChatMessage {
	return ChatMessage{Role: RoleAssistant, Content: text, ToolCalls: toolCalls}
}

// ToolMessage builds a tool-result chat message tied to a tool call id.
func ToolMessage(content, toolCallID, name string) ChatMessage {
	return ChatMessage{Role: RoleTool, Content: content, ToolCallID: toolCallID, Name: name}
}
