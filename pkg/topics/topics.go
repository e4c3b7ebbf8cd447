// Package topics computes the reserved MQTT topic strings the core
// publishes and subscribes to, and builds/parses the MQTT 5.0 user
// properties every PUBLISH carries.
package topics

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/FreePeak/mqtt-mcp-bridge/pkg/mcp"
)

// Component identifies which side of the bridge published a message.
type Component string

const (
	ComponentServer Component = "mcp-server"
	ComponentClient Component = "mcp-client"
)

// User property names. Case-sensitive per spec.
const (
	PropComponentType = "MCP-COMPONENT-TYPE"
	PropMQTTClientID  = "MCP-MQTT-CLIENT-ID"
	PropMeta          = "MCP-META"
	PropServerFilters = "MCP-SERVER-NAME-FILTERS"
	PropRBAC          = "MCP-RBAC"
)

// AnyServerFilter is the default server_name_filter a client uses when
// no broker suggestion is present.
const AnyServerFilter = "#"

// Scheme computes the reserved topic strings for one server_id/server_name
// pair and one client_id. Either identifier set may be empty when that
// side's topics are not needed (e.g. a client computing only its own
// topics before discovering any server).
type Scheme struct {
	ServerID   string
	ServerName string
	ClientID   string
}

// ValidateServerIdentifiers checks server_id/server_name for wildcard
// characters per the data model's identifier rules.
func ValidateServerIdentifiers(serverID, serverName string) error {
	if err := mcp.ValidateIdentifier("server_id", serverID); err != nil {
		return err
	}
	if err := mcp.ValidateIdentifier("server_name", serverName); err != nil {
		return err
	}
	return nil
}

// ValidateClientIdentifier checks client_id for wildcard characters.
func ValidateClientIdentifier(clientID string) error {
	return mcp.ValidateIdentifier("client_id", clientID)
}

// Control is the server's control (initialize) topic.
func (s Scheme) Control() string {
	return fmt.Sprintf("$mcp-server/%s/%s", s.ServerID, s.ServerName)
}

// ServerCapability is the server's capability-change topic.
func (s Scheme) ServerCapability() string {
	return fmt.Sprintf("$mcp-server/capability/%s/%s", s.ServerID, s.ServerName)
}

// ServerPresence is the server's retained presence topic.
func (s Scheme) ServerPresence() string {
	return fmt.Sprintf("$mcp-server/presence/%s/%s", s.ServerID, s.ServerName)
}

// ServerPresenceFilter is the subscription pattern a client uses to
// discover servers matching a server_name filter (literal segment or
// a single-level/multi-level MQTT wildcard).
func ServerPresenceFilter(filter string) string {
	return fmt.Sprintf("$mcp-server/presence/+/%s", filter)
}

// ServerCapabilityFilter is the matching subscription pattern for
// server capability-change notifications.
func ServerCapabilityFilter(filter string) string {
	return fmt.Sprintf("$mcp-server/capability/+/%s", filter)
}

// ClientCapability is a client's capability-change topic.
func (s Scheme) ClientCapability() string {
	return fmt.Sprintf("$mcp-client/capability/%s", s.ClientID)
}

// ClientPresence is a client's presence topic.
func (s Scheme) ClientPresence() string {
	return fmt.Sprintf("$mcp-client/presence/%s", s.ClientID)
}

// RPC is the bidirectional RPC channel for one client talking to one
// server.
func (s Scheme) RPC() string {
	return fmt.Sprintf("$mcp-rpc/%s/%s/%s", s.ClientID, s.ServerID, s.ServerName)
}

// RPCServerSubscribe is the pattern a server subscribes to (with
// No-Local) to receive RPC traffic from any client.
func (s Scheme) RPCServerSubscribe() string {
	return fmt.Sprintf("$mcp-rpc/+/%s/%s", s.ServerID, s.ServerName)
}

// RPCClientSubscribe is the pattern a client subscribes to (with
// No-Local) to receive RPC traffic from any server matching filter.
func (s Scheme) RPCClientSubscribe(filter string) string {
	return fmt.Sprintf("$mcp-rpc/%s/+/%s", s.ClientID, filter)
}

// SplitRPCClientID extracts the client id (second segment) from an
// inbound RPC topic, per the server's message ingress routing rule.
func SplitRPCClientID(topic string) (string, bool) {
	parts := strings.Split(topic, "/")
	if len(parts) < 2 || parts[0] != "$mcp-rpc" {
		return "", false
	}
	return parts[1], true
}

// SplitPresenceID extracts the identifying segment (server_id or
// client_id) from a presence/capability topic of the form
// "$mcp-server/presence/{server_id}/..." or "$mcp-client/presence/{client_id}".
func SplitPresenceID(topic string) (string, bool) {
	parts := strings.Split(topic, "/")
	if len(parts) < 3 {
		return "", false
	}
	return parts[2], true
}

// ComponentMeta is the JSON object carried in the MCP-META user
// property on CONNECT. Exactly one of the server-only/client-only
// fields is populated depending on Component.
type ComponentMeta struct {
	Version        string            `json:"version"`
	Implementation string            `json:"implementation"`
	ServerName     string            `json:"serverName,omitempty"`
	Description    string            `json:"description,omitempty"`
	RBAC           *mcp.RBAC         `json:"rbac,omitempty"`
	Capabilities   *mcp.Capabilities `json:"capabilities,omitempty"`
}

// Encode marshals the meta object for the MCP-META user property.
func (m ComponentMeta) Encode() (string, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("encode %s: %w", PropMeta, err)
	}
	return string(data), nil
}

// DecodeComponentMeta parses an MCP-META user property value. A
// malformed value is a ProtocolError, per spec.md §9's "malformed
// broker/peer suggestions are ignored" rule — callers should log and
// discard rather than propagate to the caller.
func DecodeComponentMeta(raw string) (ComponentMeta, error) {
	var m ComponentMeta
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return ComponentMeta{}, &mcp.ProtocolError{Reason: "malformed " + PropMeta, Cause: err}
	}
	return m, nil
}

// ParseServerNameFilters parses the MCP-SERVER-NAME-FILTERS CONNACK
// user property: a JSON array of strings. Returns the first element as
// the filter to adopt. An empty array or malformed JSON is a
// ProtocolError; the caller keeps the default filter in that case.
func ParseServerNameFilters(raw string) (string, error) {
	var filters []string
	if err := json.Unmarshal([]byte(raw), &filters); err != nil {
		return "", &mcp.ProtocolError{Reason: "malformed " + PropServerFilters, Cause: err}
	}
	if len(filters) == 0 {
		return "", &mcp.ProtocolError{Reason: PropServerFilters + " is empty"}
	}
	return filters[0], nil
}

// ParseRBAC parses the MCP-RBAC CONNACK user property.
func ParseRBAC(raw string) (*mcp.RBAC, error) {
	var r mcp.RBAC
	if err := json.Unmarshal([]byte(raw), &r); err != nil {
		return nil, &mcp.ProtocolError{Reason: "malformed " + PropRBAC, Cause: err}
	}
	return &r, nil
}

// IsOfflineSentinel reports whether a presence-topic payload is the
// "offline/absent" sentinel (empty, not valid JSON).
func IsOfflineSentinel(payload []byte) bool {
	return len(payload) == 0
}
