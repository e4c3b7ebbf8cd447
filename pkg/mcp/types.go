// Package mcp holds the domain types shared by the server and client
// peers: tool/resource definitions, server discovery records,
// capability/RBAC shapes, and the error taxonomy carried across the
// MQTT transport.
package mcp

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ProtocolVersion is the MCP protocol version string exchanged during
// initialize. It is fixed by this implementation.
const ProtocolVersion = "2024-11-05"

// ToolDefinition describes a registered tool.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// ResourceDefinition describes a registered resource.
type ResourceDefinition struct {
	URI         string `json:"uri"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
}

// ListChangedCapability is the sub-record shared by tools/prompts/resources.
type ListChangedCapability struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

// ResourcesCapability additionally advertises subscribe support.
type ResourcesCapability struct {
	Subscribe   bool `json:"subscribe,omitempty"`
	ListChanged bool `json:"listChanged,omitempty"`
}

// LoggingCapability marks logging support; it carries no sub-fields.
type LoggingCapability struct{}

// SamplingCapability marks sampling support (client capability); it
// carries no sub-fields.
type SamplingCapability struct{}

// Capabilities is the set of optional capability sub-records a peer
// declares. Nil sub-records mean the capability is not declared.
type Capabilities struct {
	Logging   *LoggingCapability     `json:"logging,omitempty"`
	Prompts   *ListChangedCapability `json:"prompts,omitempty"`
	Resources *ResourcesCapability   `json:"resources,omitempty"`
	Tools     *ListChangedCapability `json:"tools,omitempty"`
	Roots     *ListChangedCapability `json:"roots,omitempty"`
	Sampling  *SamplingCapability    `json:"sampling,omitempty"`
}

// Role is one named RBAC role: the methods, tools, and resources it may
// use. AllowedTools/AllowedResources may be a list of names, or the
// literal wildcard value "all".
type Role struct {
	AllowedMethods   []string   `json:"allowedMethods,omitempty"`
	AllowedTools     AllowList `json:"allowedTools,omitempty"`
	AllowedResources AllowList `json:"allowedResources,omitempty"`
}

// AllowAll is the wildcard sentinel for Role's allow-lists.
const AllowAll = "all"

// AllowList is either a JSON array of names or the literal string
// "all". Names is nil for the wildcard case; callers test IsAll()
// first.
type AllowList struct {
	All   bool
	Names []string
}

// IsAll reports whether this allow-list is the "all" wildcard.
func (a AllowList) IsAll() bool { return a.All }

// Allows reports whether name is permitted by this allow-list.
func (a AllowList) Allows(name string) bool {
	if a.All {
		return true
	}
	for _, n := range a.Names {
		if n == name {
			return true
		}
	}
	return false
}

// UnmarshalJSON accepts either a JSON array of strings or the literal
// string "all".
func (a *AllowList) UnmarshalJSON(data []byte) error {
	var asString string
	if err := json.Unmarshal(data, &asString); err == nil {
		if asString != AllowAll {
			return fmt.Errorf("allow-list string must be %q, got %q", AllowAll, asString)
		}
		a.All = true
		a.Names = nil
		return nil
	}
	var asList []string
	if err := json.Unmarshal(data, &asList); err != nil {
		return fmt.Errorf("allow-list must be an array of strings or %q: %w", AllowAll, err)
	}
	a.All = false
	a.Names = asList
	return nil
}

// MarshalJSON emits "all" for the wildcard, otherwise the name array.
func (a AllowList) MarshalJSON() ([]byte, error) {
	if a.All {
		return json.Marshal(AllowAll)
	}
	return json.Marshal(a.Names)
}

// RBAC is the optional named-role table carried in server MCP-META and
// in CONNACK's MCP-RBAC broker suggestion.
type RBAC struct {
	Roles map[string]Role `json:"roles,omitempty"`
}

// ServerInfo is the client-side discovery record for one server.
type ServerInfo struct {
	ServerID     string       `json:"serverId"`
	ServerName   string       `json:"serverName"`
	Description  string       `json:"description,omitempty"`
	DisplayName  string       `json:"displayName,omitempty"`
	Version      string       `json:"version,omitempty"`
	Capabilities Capabilities `json:"capabilities"`
	RBAC         *RBAC        `json:"rbac,omitempty"`
}

// ClientInfo is the name/version pair a client presents at initialize.
type ClientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Content is one block of a tool result's content list. Type is "text"
// or "resource"; exactly one of Text/Resource is populated per Type.
type Content struct {
	Type     string           `json:"type"`
	Text     string           `json:"text,omitempty"`
	Resource *ResourceContent `json:"resource,omitempty"`
}

// ResourceContent embeds a resource's identity and inline contents in a
// tool result.
type ResourceContent struct {
	URI      string `json:"uri"`
	MimeType string `json:"mimeType,omitempty"`
	Text     string `json:"text,omitempty"`
}

// NewTextContent builds a text content block.
func NewTextContent(text string) Content {
	return Content{Type: "text", Text: text}
}

// NewResourceContent builds a resource content block.
func NewResourceContent(uri, mimeType, text string) Content {
	return Content{Type: "resource", Resource: &ResourceContent{URI: uri, MimeType: mimeType, Text: text}}
}

// ToolResult is the structured result a tools/call handler may return.
// A handler is free to return any other value instead; ToolResult is
// the richer, optional shape mirrored from the wider MCP ecosystem.
type ToolResult struct {
	Content []Content   `json:"content,omitempty"`
	Result  interface{} `json:"result,omitempty"`
	IsError bool        `json:"isError,omitempty"`
}

// ValidateIdentifier rejects MQTT wildcard characters in an identifier
// that will be embedded in a topic (server_id, server_name, client_id).
func ValidateIdentifier(kind, value string) error {
	if value == "" {
		return &ConfigError{Field: kind, Reason: "must not be empty"}
	}
	if strings.ContainsAny(value, "+#") {
		return &ConfigError{Field: kind, Reason: "must not contain '+' or '#'"}
	}
	return nil
}

// ConfigError reports an invalid configuration value detected at
// construction time.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config error: %s: %s", e.Field, e.Reason)
}

// ProtocolError reports an envelope that failed to parse or validate.
// On the ingress path it is logged and passed to the peer's error
// callback, and the message is dropped. A correlated result that fails
// validation (e.g. a non-object initialize or tools/list result) is
// returned to the caller as a ProtocolError; it is not converted to an
// McpError.
type ProtocolError struct {
	Reason string
	Cause  error
}

func (e *ProtocolError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("protocol error: %s: %v", e.Reason, e.Cause)
	}
	return fmt.Sprintf("protocol error: %s", e.Reason)
}

func (e *ProtocolError) Unwrap() error { return e.Cause }

// McpError is a JSON-RPC level failure returned to the caller of the
// request that produced it.
type McpError struct {
	Code    int
	Message string
	Data    interface{}
}

func (e *McpError) Error() string {
	return fmt.Sprintf("mcp error %d: %s", e.Code, e.Message)
}

// RequestTimeout reports that a pending request exceeded its deadline.
type RequestTimeout struct {
	Method    string
	ElapsedMs int64
}

func (e *RequestTimeout) Error() string {
	return fmt.Sprintf("request timeout: %s exceeded %dms", e.Method, e.ElapsedMs)
}

// NotConnected reports an RPC call against a server not in
// connected_servers, or a call before Connect.
type NotConnected struct {
	ServerID string
}

func (e *NotConnected) Error() string {
	if e.ServerID == "" {
		return "not connected"
	}
	return fmt.Sprintf("not connected: server %s", e.ServerID)
}

// Cancelled reports a pending request aborted by shutdown.
type Cancelled struct {
	Method string
}

func (e *Cancelled) Error() string {
	return fmt.Sprintf("cancelled: %s", e.Method)
}
