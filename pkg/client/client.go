// Package client implements the MCP client peer: it discovers servers
// via retained presence, initializes them, and issues RPC calls over
// MQTT, correlating responses through a pending-request registry.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/FreePeak/mqtt-mcp-bridge/internal/logger"
	"github.com/FreePeak/mqtt-mcp-bridge/internal/pending"
	"github.com/FreePeak/mqtt-mcp-bridge/pkg/jsonrpc"
	"github.com/FreePeak/mqtt-mcp-bridge/pkg/mcp"
	"github.com/FreePeak/mqtt-mcp-bridge/pkg/topics"
	"github.com/FreePeak/mqtt-mcp-bridge/pkg/transport"
	"github.com/google/uuid"
)

// Config configures one client peer.
type Config struct {
	transport.Config

	Name         string
	Version      string
	Capabilities mcp.Capabilities
}

// Client is one MCP client peer.
type Client struct {
	cfg      Config
	clientID string
	opts     options

	adapter transport.Adapter
	pending *pending.Registry

	serverFilter string

	mu                sync.RWMutex
	discoveredServers map[string]*mcp.ServerInfo
	connectedServers  map[string]struct{}

	closeOnce sync.Once
}

// Option configures optional Client behavior.
type Option func(*options)

type options struct {
	adapter                transport.Adapter
	onConnected            func()
	onDisconnected         func()
	onServerDiscovered     func(mcp.ServerInfo)
	onServerInitialized    func(mcp.ServerInfo)
	onServerDisconnected   func(serverID string)
	onServerCapChanged     func(serverID, method string)
	onServerNotification   func(serverID string, method string, params json.RawMessage)
	onBrokerRBACInfo       func(*mcp.RBAC)
	onError                func(error)
}

// WithAdapter overrides the transport adapter, bypassing the default
// MQTTAdapter. Used by tests to run against an in-memory transport.Broker.
func WithAdapter(a transport.Adapter) Option {
	return func(o *options) { o.adapter = a }
}

// WithOnConnected registers a callback invoked after Connect completes.
func WithOnConnected(fn func()) Option { return func(o *options) { o.onConnected = fn } }

// WithOnDisconnected registers a callback invoked after Disconnect completes.
func WithOnDisconnected(fn func()) Option { return func(o *options) { o.onDisconnected = fn } }

// WithOnServerDiscovered registers a callback invoked when a server's
// retained presence is observed.
func WithOnServerDiscovered(fn func(mcp.ServerInfo)) Option {
	return func(o *options) { o.onServerDiscovered = fn }
}

// WithOnServerInitialized registers a callback invoked after
// InitializeServer completes successfully.
func WithOnServerInitialized(fn func(mcp.ServerInfo)) Option {
	return func(o *options) { o.onServerInitialized = fn }
}

// WithOnServerDisconnected registers a callback invoked when a server's
// presence clears or it sends notifications/disconnected.
func WithOnServerDisconnected(fn func(serverID string)) Option {
	return func(o *options) { o.onServerDisconnected = fn }
}

// WithOnServerCapabilityChanged registers a callback invoked on a
// server's capability-change notification.
func WithOnServerCapabilityChanged(fn func(serverID, method string)) Option {
	return func(o *options) { o.onServerCapChanged = fn }
}

// WithOnServerNotification registers a callback invoked for any other
// uncorrelated notification received on an RPC topic.
func WithOnServerNotification(fn func(serverID, method string, params json.RawMessage)) Option {
	return func(o *options) { o.onServerNotification = fn }
}

// WithOnBrokerRBACInfo registers a callback invoked when CONNACK
// carries an MCP-RBAC broker suggestion.
func WithOnBrokerRBACInfo(fn func(*mcp.RBAC)) Option {
	return func(o *options) { o.onBrokerRBACInfo = fn }
}

// WithOnError registers a callback invoked for transport/protocol
// errors caught on the ingress path.
func WithOnError(fn func(error)) Option {
	return func(o *options) { o.onError = fn }
}

// New validates cfg and constructs a Client using cfg.ClientID, or a
// freshly generated client id when that is empty. It does not connect;
// call Connect to bring the peer online.
func New(cfg Config, opts ...Option) (*Client, error) {
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = uuid.NewString()
	}
	if err := topics.ValidateClientIdentifier(clientID); err != nil {
		return nil, err
	}
	if cfg.Host == "" {
		return nil, &mcp.ConfigError{Field: "host", Reason: "must not be empty"}
	}
	cfg.ClientID = clientID

	c := &Client{
		cfg:               cfg,
		clientID:          clientID,
		serverFilter:      topics.AnyServerFilter,
		pending:           pending.New(),
		discoveredServers: make(map[string]*mcp.ServerInfo),
		connectedServers:  make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(&c.opts)
	}
	return c, nil
}

// ClientID returns the locally generated (or configured) client id.
func (c *Client) ClientID() string { return c.clientID }

// DiscoveredServers returns a snapshot of known servers keyed by server_id.
func (c *Client) DiscoveredServers() map[string]mcp.ServerInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]mcp.ServerInfo, len(c.discoveredServers))
	for id, info := range c.discoveredServers {
		out[id] = *info
	}
	return out
}

// ConnectedServers returns the ids of initialized, currently connected
// servers.
func (c *Client) ConnectedServers() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.connectedServers))
	for id := range c.connectedServers {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// IsServerConnected reports whether serverID is in connected_servers.
func (c *Client) IsServerConnected(serverID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.connectedServers[serverID]
	return ok
}

func (c *Client) presenceTopic() string {
	return topics.Scheme{ClientID: c.clientID}.ClientPresence()
}

// Connect brings the client peer online: configures the last will,
// connects, reads CONNACK properties, subscribes to the presence and
// capability topics and (with No-Local) the RPC topic, then emits
// connected.
func (c *Client) Connect(ctx context.Context) error {
	willPayload, err := disconnectedPayload()
	if err != nil {
		return err
	}
	c.cfg.Config.Will = &transport.Will{Topic: c.presenceTopic(), Payload: willPayload, QoS: 1, Retained: false}

	meta := topics.ComponentMeta{Version: mcp.ProtocolVersion, Implementation: c.cfg.Name, Capabilities: &c.cfg.Capabilities}
	encodedMeta, err := meta.Encode()
	if err != nil {
		return err
	}
	if c.cfg.Config.Properties == nil {
		c.cfg.Config.Properties = map[string]string{}
	}
	c.cfg.Config.Properties[topics.PropMeta] = encodedMeta
	for k, v := range c.identityUserProperties() {
		c.cfg.Config.Properties[k] = v
	}

	if c.opts.adapter != nil {
		c.adapter = c.opts.adapter
	} else {
		c.adapter = transport.NewMQTTAdapter()
	}

	if err := c.adapter.Connect(ctx, c.cfg.Config); err != nil {
		return err
	}

	connAck := c.adapter.ConnAckUserProperties()
	if raw, ok := connAck[topics.PropServerFilters]; ok {
		if filter, err := topics.ParseServerNameFilters(raw); err == nil {
			c.serverFilter = filter
		} else {
			c.emitError(err)
		}
	}
	if raw, ok := connAck[topics.PropRBAC]; ok {
		if rbac, err := topics.ParseRBAC(raw); err == nil {
			if c.opts.onBrokerRBACInfo != nil {
				c.opts.onBrokerRBACInfo(rbac)
			}
		} else {
			c.emitError(err)
		}
	}

	if err := c.adapter.Subscribe(ctx, topics.ServerPresenceFilter(c.serverFilter), transport.SubscribeOptions{}, c.handlePresence); err != nil {
		return err
	}
	if err := c.adapter.Subscribe(ctx, topics.ServerCapabilityFilter(c.serverFilter), transport.SubscribeOptions{}, c.handleCapabilityChange); err != nil {
		return err
	}
	rpcFilter := topics.Scheme{ClientID: c.clientID}.RPCClientSubscribe(c.serverFilter)
	if err := c.adapter.Subscribe(ctx, rpcFilter, transport.SubscribeOptions{NoLocal: true}, c.handleRPC); err != nil {
		return err
	}

	if c.opts.onConnected != nil {
		c.opts.onConnected()
	}
	return nil
}

func disconnectedPayload() ([]byte, error) {
	n, err := jsonrpc.NewNotification("notifications/disconnected", nil)
	if err != nil {
		return nil, err
	}
	return json.Marshal(n)
}

func (c *Client) identityUserProperties() map[string]string {
	return map[string]string{
		topics.PropComponentType: string(topics.ComponentClient),
		topics.PropMQTTClientID:  c.clientID,
	}
}

// Disconnect publishes notifications/disconnected to every connected
// server's RPC topic and to the client's own presence topic, fails all
// pending requests with Cancelled, then disconnects the transport.
func (c *Client) Disconnect(ctx context.Context) error {
	var retErr error
	c.closeOnce.Do(func() {
		payload, err := disconnectedPayload()
		if err != nil {
			retErr = err
			return
		}

		for _, serverID := range c.ConnectedServers() {
			info := c.lookupServer(serverID)
			if info == nil {
				continue
			}
			rpcTopic := topics.Scheme{ServerID: serverID, ServerName: info.ServerName, ClientID: c.clientID}.RPC()
			_ = c.adapter.Publish(ctx, rpcTopic, payload, transport.PublishOptions{UserProperties: c.identityUserProperties()})
		}

		if err := c.adapter.Publish(ctx, c.presenceTopic(), payload, transport.PublishOptions{
			UserProperties: c.identityUserProperties(),
		}); err != nil && retErr == nil {
			retErr = err
		}

		c.pending.CancelAll()

		if err := c.adapter.Disconnect(ctx); err != nil && retErr == nil {
			retErr = err
		}
		if c.opts.onDisconnected != nil {
			c.opts.onDisconnected()
		}
	})
	return retErr
}

func (c *Client) lookupServer(serverID string) *mcp.ServerInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	info, ok := c.discoveredServers[serverID]
	if !ok {
		return nil
	}
	clone := *info
	return &clone
}

func (c *Client) emitError(err error) {
	logger.ErrorWithStack(err)
	if c.opts.onError != nil {
		c.opts.onError(err)
	}
}

// handlePresence processes a server presence-topic message: an empty
// payload evicts the server, otherwise it parses notifications/server/online.
func (c *Client) handlePresence(msg transport.Message) {
	serverID, ok := topics.SplitPresenceID(msg.Topic)
	if !ok {
		return
	}

	if topics.IsOfflineSentinel(msg.Payload) {
		c.mu.Lock()
		delete(c.discoveredServers, serverID)
		delete(c.connectedServers, serverID)
		c.mu.Unlock()
		if c.opts.onServerDisconnected != nil {
			c.opts.onServerDisconnected(serverID)
		}
		return
	}

	var n jsonrpc.Notification
	if err := json.Unmarshal(msg.Payload, &n); err != nil {
		c.emitError(&mcp.ProtocolError{Reason: "malformed server presence payload", Cause: err})
		return
	}

	var params struct {
		ServerName  string `json:"server_name"`
		Description string `json:"description"`
		Meta        struct {
			RBAC *mcp.RBAC `json:"rbac"`
		} `json:"meta"`
	}
	if len(n.Params) > 0 {
		if err := json.Unmarshal(n.Params, &params); err != nil {
			c.emitError(&mcp.ProtocolError{Reason: "malformed server online params", Cause: err})
			return
		}
	}

	info := &mcp.ServerInfo{
		ServerID:     serverID,
		ServerName:   params.ServerName,
		Description:  params.Description,
		Capabilities: mcp.Capabilities{},
		RBAC:         params.Meta.RBAC,
	}

	c.mu.Lock()
	c.discoveredServers[serverID] = info
	c.mu.Unlock()

	if c.opts.onServerDiscovered != nil {
		c.opts.onServerDiscovered(*info)
	}
}

func (c *Client) handleCapabilityChange(msg transport.Message) {
	serverID, ok := topics.SplitPresenceID(msg.Topic)
	if !ok {
		return
	}
	var n jsonrpc.Notification
	if err := json.Unmarshal(msg.Payload, &n); err != nil {
		c.emitError(&mcp.ProtocolError{Reason: "malformed server capability payload", Cause: err})
		return
	}
	if c.opts.onServerCapChanged != nil {
		c.opts.onServerCapChanged(serverID, n.Method)
	}
}

// handleRPC processes a message on this client's per-server RPC topic:
// a correlated id completes a pending request; otherwise it is routed
// as a notification.
func (c *Client) handleRPC(msg transport.Message) {
	parts := strings.Split(msg.Topic, "/")
	if len(parts) < 3 {
		return
	}
	serverID := parts[2]

	var raw struct {
		ID     interface{}     `json:"id"`
		Result json.RawMessage `json:"result"`
		Error  *jsonrpc.Error  `json:"error"`
		Method string          `json:"method"`
		Params json.RawMessage `json:"params"`
	}
	if err := json.Unmarshal(msg.Payload, &raw); err != nil {
		c.emitError(&mcp.ProtocolError{Reason: "malformed RPC message", Cause: err})
		return
	}

	if raw.ID != nil {
		if raw.Error != nil {
			c.pending.Fail(fmt.Sprint(raw.ID), &mcp.McpError{Code: raw.Error.Code, Message: raw.Error.Message, Data: raw.Error.Data})
		} else {
			var value interface{}
			if len(raw.Result) > 0 {
				_ = json.Unmarshal(raw.Result, &value)
			}
			c.pending.Complete(fmt.Sprint(raw.ID), value)
		}
		return
	}

	if raw.Method == "notifications/disconnected" {
		c.mu.Lock()
		delete(c.connectedServers, serverID)
		c.mu.Unlock()
		if c.opts.onServerDisconnected != nil {
			c.opts.onServerDisconnected(serverID)
		}
		return
	}

	if raw.Method != "" && c.opts.onServerNotification != nil {
		c.opts.onServerNotification(serverID, raw.Method, raw.Params)
	}
}

// InitializeServer performs the initialize handshake against a
// discovered server and, on success, moves it into connected_servers.
func (c *Client) InitializeServer(ctx context.Context, serverID string) (mcp.ServerInfo, error) {
	info := c.lookupServer(serverID)
	if info == nil {
		return mcp.ServerInfo{}, &mcp.NotConnected{ServerID: serverID}
	}

	params := map[string]interface{}{
		"protocolVersion": mcp.ProtocolVersion,
		"capabilities": map[string]interface{}{
			"roots":    c.cfg.Capabilities.Roots,
			"sampling": c.cfg.Capabilities.Sampling,
		},
		"clientInfo": mcp.ClientInfo{Name: c.cfg.Name, Version: c.cfg.Version},
	}

	id := fmt.Sprint(c.pending.NextID())
	req, err := jsonrpc.NewRequest(id, "initialize", params)
	if err != nil {
		return mcp.ServerInfo{}, err
	}
	data, err := json.Marshal(req)
	if err != nil {
		return mcp.ServerInfo{}, err
	}

	controlTopic := topics.Scheme{ServerID: serverID, ServerName: info.ServerName}.Control()
	ch := c.pending.Send(id, "initialize", 0)
	if err := c.adapter.Publish(ctx, controlTopic, data, transport.PublishOptions{
		UserProperties: c.identityUserProperties(),
	}); err != nil {
		return mcp.ServerInfo{}, err
	}

	value, err := pending.Await(ctx, ch)
	if err != nil {
		return mcp.ServerInfo{}, err
	}

	result, ok := value.(map[string]interface{})
	if !ok {
		return mcp.ServerInfo{}, &mcp.ProtocolError{Reason: "initialize result is not an object"}
	}
	if serverInfoRaw, ok := result["serverInfo"].(map[string]interface{}); ok {
		if name, ok := serverInfoRaw["name"].(string); ok {
			info.DisplayName = name
		}
		if version, ok := serverInfoRaw["version"].(string); ok {
			info.Version = version
		}
	}
	if capsRaw, ok := result["capabilities"]; ok {
		if data, err := json.Marshal(capsRaw); err == nil {
			var caps mcp.Capabilities
			if json.Unmarshal(data, &caps) == nil {
				info.Capabilities = caps
			}
		}
	}

	c.mu.Lock()
	c.discoveredServers[serverID] = info
	c.connectedServers[serverID] = struct{}{}
	c.mu.Unlock()

	initNotification, err := jsonrpc.NewNotification("notifications/initialized", nil)
	if err != nil {
		return mcp.ServerInfo{}, err
	}
	initData, err := json.Marshal(initNotification)
	if err != nil {
		return mcp.ServerInfo{}, err
	}
	rpcTopic := topics.Scheme{ServerID: serverID, ServerName: info.ServerName, ClientID: c.clientID}.RPC()
	if err := c.adapter.Publish(ctx, rpcTopic, initData, transport.PublishOptions{
		UserProperties: c.identityUserProperties(),
	}); err != nil {
		return mcp.ServerInfo{}, err
	}

	if c.opts.onServerInitialized != nil {
		c.opts.onServerInitialized(*info)
	}
	return *info, nil
}

func (c *Client) call(ctx context.Context, serverID, method string, params interface{}, timeout time.Duration) (interface{}, error) {
	if !c.IsServerConnected(serverID) {
		return nil, &mcp.NotConnected{ServerID: serverID}
	}
	info := c.lookupServer(serverID)
	if info == nil {
		return nil, &mcp.NotConnected{ServerID: serverID}
	}

	id := fmt.Sprint(c.pending.NextID())
	req, err := jsonrpc.NewRequest(id, method, params)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	rpcTopic := topics.Scheme{ServerID: serverID, ServerName: info.ServerName, ClientID: c.clientID}.RPC()
	ch := c.pending.Send(id, method, timeout)
	if err := c.adapter.Publish(ctx, rpcTopic, data, transport.PublishOptions{
		UserProperties: c.identityUserProperties(),
	}); err != nil {
		return nil, err
	}
	return pending.Await(ctx, ch)
}

// ListTools returns the server's advertised tool catalog.
func (c *Client) ListTools(ctx context.Context, serverID string) ([]mcp.ToolDefinition, error) {
	value, err := c.call(ctx, serverID, "tools/list", map[string]interface{}{}, 0)
	if err != nil {
		return nil, err
	}
	return decodeToolList(value)
}

func decodeToolList(value interface{}) ([]mcp.ToolDefinition, error) {
	result, ok := value.(map[string]interface{})
	if !ok {
		return nil, &mcp.ProtocolError{Reason: "tools/list result is not an object"}
	}
	data, err := json.Marshal(result["tools"])
	if err != nil {
		return nil, err
	}
	var tools []mcp.ToolDefinition
	if err := json.Unmarshal(data, &tools); err != nil {
		return nil, &mcp.ProtocolError{Reason: "tools/list result.tools is malformed", Cause: err}
	}
	return tools, nil
}

// CallTool invokes a tool and returns its raw result object (including
// content/is_error when the server returns the richer shape).
func (c *Client) CallTool(ctx context.Context, serverID, name string, arguments map[string]interface{}) (interface{}, error) {
	params := map[string]interface{}{"name": name}
	if arguments != nil {
		params["arguments"] = arguments
	}
	return c.call(ctx, serverID, "tools/call", params, 0)
}

// ListResources returns the server's advertised resource catalog.
func (c *Client) ListResources(ctx context.Context, serverID string) ([]mcp.ResourceDefinition, error) {
	value, err := c.call(ctx, serverID, "resources/list", map[string]interface{}{}, 0)
	if err != nil {
		return nil, err
	}
	result, ok := value.(map[string]interface{})
	if !ok {
		return nil, &mcp.ProtocolError{Reason: "resources/list result is not an object"}
	}
	data, err := json.Marshal(result["resources"])
	if err != nil {
		return nil, err
	}
	var resources []mcp.ResourceDefinition
	if err := json.Unmarshal(data, &resources); err != nil {
		return nil, &mcp.ProtocolError{Reason: "resources/list result.resources is malformed", Cause: err}
	}
	return resources, nil
}

// ReadResource reads a resource's contents.
func (c *Client) ReadResource(ctx context.Context, serverID, uri string) (interface{}, error) {
	return c.call(ctx, serverID, "resources/read", map[string]interface{}{"uri": uri}, 0)
}

// Ping round-trips a ping request, returning true iff result.pong === true.
func (c *Client) Ping(ctx context.Context, serverID string) (bool, error) {
	value, err := c.call(ctx, serverID, "ping", map[string]interface{}{}, 0)
	if err != nil {
		return false, err
	}
	result, ok := value.(map[string]interface{})
	if !ok {
		return false, nil
	}
	pong, _ := result["pong"].(bool)
	return pong, nil
}
