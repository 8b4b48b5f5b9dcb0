// Package mcp is the MCP-stdio transport. Envelopes travel as
// line-delimited JSON over a stdin/stdout pair; payloads carry McpData
// and handlers dispatch on whichever section is populated.
package mcp

import (
	"encoding/json"

	"github.com/jocax/qollective-sub006/errors"
)

// McpData section kinds, matching the populated field.
const (
	KindToolCall         = "tool_call"
	KindToolResponse     = "tool_response"
	KindToolRegistration = "tool_registration"
	KindDiscoveryData    = "discovery_data"
)

// ToolCall is a request to execute a named tool.
type ToolCall struct {
	CallID    string          `json:"call_id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// ToolResponse carries the result of a tool call.
type ToolResponse struct {
	CallID  string          `json:"call_id"`
	Content json.RawMessage `json:"content,omitempty"`
	IsError bool            `json:"is_error,omitempty"`
}

// ToolRegistration announces a tool and its input schema.
type ToolRegistration struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

// DiscoveryData lists the tools a peer offers.
type DiscoveryData struct {
	Tools []ToolRegistration `json:"tools"`
}

// McpData is the envelope payload on the MCP transport. Exactly one
// section must be set.
type McpData struct {
	ToolCall         *ToolCall         `json:"tool_call,omitempty"`
	ToolResponse     *ToolResponse     `json:"tool_response,omitempty"`
	ToolRegistration *ToolRegistration `json:"tool_registration,omitempty"`
	DiscoveryData    *DiscoveryData    `json:"discovery_data,omitempty"`
}

// Kind returns the name of the populated section, or "" when none is
// set.
func (d *McpData) Kind() string {
	switch {
	case d.ToolCall != nil:
		return KindToolCall
	case d.ToolResponse != nil:
		return KindToolResponse
	case d.ToolRegistration != nil:
		return KindToolRegistration
	case d.DiscoveryData != nil:
		return KindDiscoveryData
	default:
		return ""
	}
}

// Validate enforces that exactly one section is populated.
func (d *McpData) Validate() error {
	count := 0
	if d.ToolCall != nil {
		count++
	}
	if d.ToolResponse != nil {
		count++
	}
	if d.ToolRegistration != nil {
		count++
	}
	if d.DiscoveryData != nil {
		count++
	}
	if count != 1 {
		return errors.Newf(errors.KindMcpProtocol, "McpData", "Validate",
			"exactly one section must be set, got %d", count)
	}
	return nil
}
