// Package server implements the MCP server peer: it publishes its
// presence and tool/resource catalog over MQTT and answers RPC calls
// from any number of clients.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/FreePeak/mqtt-mcp-bridge/internal/logger"
	"github.com/FreePeak/mqtt-mcp-bridge/pkg/jsonrpc"
	"github.com/FreePeak/mqtt-mcp-bridge/pkg/mcp"
	"github.com/FreePeak/mqtt-mcp-bridge/pkg/topics"
	"github.com/FreePeak/mqtt-mcp-bridge/pkg/transport"
)

// ToolHandler executes a registered tool. It may return any value as
// the application result, or a *mcp.ToolResult for the richer
// content/is_error shape.
type ToolHandler func(ctx context.Context, arguments map[string]interface{}) (interface{}, error)

// ResourceHandler reads a registered resource's contents.
type ResourceHandler func(ctx context.Context, uri string) (interface{}, error)

// Config configures one server peer.
type Config struct {
	transport.Config

	ServerID    string
	ServerName  string
	Name        string
	Version     string
	Description string

	Capabilities mcp.Capabilities
	RBAC         *mcp.RBAC
}

type toolEntry struct {
	def     mcp.ToolDefinition
	handler ToolHandler
}

type resourceEntry struct {
	def     mcp.ResourceDefinition
	handler ResourceHandler
}

// Topics is the computed topic quartet a caller can inspect.
type Topics struct {
	Control    string
	Capability string
	Presence   string
	RPCPattern string
}

// Server is one MCP server peer.
type Server struct {
	cfg    Config
	scheme topics.Scheme
	opts   options

	adapter transport.Adapter

	mu               sync.RWMutex
	tools            map[string]toolEntry
	resources        map[string]resourceEntry
	connectedClients map[string]struct{}
	initialized      atomic.Bool

	closeOnce sync.Once
}

// Option configures optional Server behavior.
type Option func(*options)

type options struct {
	adapter  transport.Adapter
	onReady  func()
	onError  func(error)
	onClosed func()
}

// WithAdapter overrides the transport adapter the server connects
// through, bypassing the default MQTTAdapter. Used by tests to run
// against an in-memory transport.Broker.
func WithAdapter(a transport.Adapter) Option {
	return func(o *options) { o.adapter = a }
}

// WithOnReady registers a callback invoked once startup completes.
func WithOnReady(fn func()) Option {
	return func(o *options) { o.onReady = fn }
}

// WithOnError registers a callback invoked for transport/protocol
// errors caught on the ingress path.
func WithOnError(fn func(error)) Option {
	return func(o *options) { o.onError = fn }
}

// WithOnClosed registers a callback invoked after Stop completes.
func WithOnClosed(fn func()) Option {
	return func(o *options) { o.onClosed = fn }
}

// New validates cfg and constructs a Server. It does not connect;
// call Start to bring the peer online.
func New(cfg Config, opts ...Option) (*Server, error) {
	if err := topics.ValidateServerIdentifiers(cfg.ServerID, cfg.ServerName); err != nil {
		return nil, err
	}
	if cfg.Host == "" {
		return nil, &mcp.ConfigError{Field: "host", Reason: "must not be empty"}
	}

	s := &Server{
		cfg:              cfg,
		scheme:           topics.Scheme{ServerID: cfg.ServerID, ServerName: cfg.ServerName},
		tools:            make(map[string]toolEntry),
		resources:        make(map[string]resourceEntry),
		connectedClients: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(&s.opts)
	}
	return s, nil
}

// Topics returns the computed topic quartet.
func (s *Server) Topics() Topics {
	return Topics{
		Control:    s.scheme.Control(),
		Capability: s.scheme.ServerCapability(),
		Presence:   s.scheme.ServerPresence(),
		RPCPattern: s.scheme.RPCServerSubscribe(),
	}
}

// ConnectedClients returns the ids of clients with active per-client
// subscriptions.
func (s *Server) ConnectedClients() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.connectedClients))
	for id := range s.connectedClients {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// RegisterTool adds a tool to the catalog. If the server is already
// initialized and the declared tools capability has ListChanged set,
// a notifications/tools/list_changed notification is published.
func (s *Server) RegisterTool(def mcp.ToolDefinition, handler ToolHandler) error {
	if def.Name == "" {
		return &mcp.ConfigError{Field: "tool.name", Reason: "must not be empty"}
	}

	s.mu.Lock()
	s.tools[def.Name] = toolEntry{def: def, handler: handler}
	notify := s.initialized.Load() && s.cfg.Capabilities.Tools != nil && s.cfg.Capabilities.Tools.ListChanged
	s.mu.Unlock()

	if notify {
		s.publishCapabilityNotification("notifications/tools/list_changed")
	}
	return nil
}

// RegisterResource adds a resource to the catalog, symmetric with
// RegisterTool.
func (s *Server) RegisterResource(def mcp.ResourceDefinition, handler ResourceHandler) error {
	if def.URI == "" {
		return &mcp.ConfigError{Field: "resource.uri", Reason: "must not be empty"}
	}

	s.mu.Lock()
	s.resources[def.URI] = resourceEntry{def: def, handler: handler}
	notify := s.initialized.Load() && s.cfg.Capabilities.Resources != nil && s.cfg.Capabilities.Resources.ListChanged
	s.mu.Unlock()

	if notify {
		s.publishCapabilityNotification("notifications/resources/list_changed")
	}
	return nil
}

func (s *Server) publishCapabilityNotification(method string) {
	n, err := jsonrpc.NewNotification(method, nil)
	if err != nil {
		s.emitError(err)
		return
	}
	data, err := json.Marshal(n)
	if err != nil {
		s.emitError(err)
		return
	}
	ctx := context.Background()
	if err := s.adapter.Publish(ctx, s.scheme.ServerCapability(), data, transport.PublishOptions{
		UserProperties: s.identityUserProperties(),
	}); err != nil {
		s.emitError(err)
	}
}

// Start brings the server peer online: it configures the last will,
// connects, subscribes to the control and RPC topics, publishes
// retained presence, then emits ready. Order matches spec.md §4.3.
func (s *Server) Start(ctx context.Context) error {
	presenceTopic := s.scheme.ServerPresence()

	s.cfg.Config.Will = &transport.Will{Topic: presenceTopic, Payload: nil, QoS: 1, Retained: true}

	meta := topics.ComponentMeta{
		Version:        mcp.ProtocolVersion,
		Implementation: s.cfg.Name,
		ServerName:     s.cfg.ServerName,
		Description:    s.cfg.Description,
		RBAC:           s.cfg.RBAC,
	}
	encodedMeta, err := meta.Encode()
	if err != nil {
		return err
	}
	if s.cfg.Config.Properties == nil {
		s.cfg.Config.Properties = map[string]string{}
	}
	s.cfg.Config.Properties[topics.PropMeta] = encodedMeta
	for k, v := range s.identityUserProperties() {
		s.cfg.Config.Properties[k] = v
	}

	if s.opts.adapter != nil {
		s.adapter = s.opts.adapter
	} else {
		s.adapter = transport.NewMQTTAdapter()
	}

	if err := s.adapter.Connect(ctx, s.cfg.Config); err != nil {
		return err
	}

	if err := s.adapter.Subscribe(ctx, s.scheme.Control(), transport.SubscribeOptions{}, s.handleControl); err != nil {
		return err
	}
	if err := s.adapter.Subscribe(ctx, s.scheme.RPCServerSubscribe(), transport.SubscribeOptions{NoLocal: true}, s.handleRPC); err != nil {
		return err
	}

	onlinePayload, err := s.buildOnlinePayload()
	if err != nil {
		return err
	}
	if err := s.adapter.Publish(ctx, presenceTopic, onlinePayload, transport.PublishOptions{
		Retain:         true,
		UserProperties: s.identityUserProperties(),
	}); err != nil {
		return err
	}

	if s.opts.onReady != nil {
		s.opts.onReady()
	}
	return nil
}

func (s *Server) buildOnlinePayload() ([]byte, error) {
	params := map[string]interface{}{
		"server_name": s.cfg.ServerName,
		"description": s.cfg.Description,
	}
	if s.cfg.RBAC != nil {
		params["meta"] = map[string]interface{}{"rbac": s.cfg.RBAC}
	}
	n, err := jsonrpc.NewNotification("notifications/server/online", params)
	if err != nil {
		return nil, err
	}
	return json.Marshal(n)
}

func (s *Server) identityUserProperties() map[string]string {
	return map[string]string{
		topics.PropComponentType: string(topics.ComponentServer),
		topics.PropMQTTClientID:  s.cfg.ServerID,
	}
}

// Stop publishes the offline sentinel (empty retained presence) and
// disconnects.
func (s *Server) Stop(ctx context.Context) error {
	var retErr error
	s.closeOnce.Do(func() {
		if s.adapter == nil {
			return
		}
		if err := s.adapter.Publish(ctx, s.scheme.ServerPresence(), nil, transport.PublishOptions{
			Retain:         true,
			UserProperties: s.identityUserProperties(),
		}); err != nil {
			retErr = err
		}
		if err := s.adapter.Disconnect(ctx); err != nil && retErr == nil {
			retErr = err
		}
		if s.opts.onClosed != nil {
			s.opts.onClosed()
		}
	})
	return retErr
}

func (s *Server) emitError(err error) {
	logger.ErrorWithStack(err)
	if s.opts.onError != nil {
		s.opts.onError(err)
	}
}

// handleControl processes the server's control topic: only
// "initialize" is expected there.
func (s *Server) handleControl(msg transport.Message) {
	clientID := ""
	if msg.UserProperties != nil {
		clientID = msg.UserProperties[topics.PropMQTTClientID]
	}
	if clientID == "" {
		s.emitError(&mcp.ProtocolError{Reason: "control message missing " + topics.PropMQTTClientID})
		return
	}

	var req jsonrpc.Request
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		s.emitError(&mcp.ProtocolError{Reason: "malformed control message", Cause: err})
		return
	}

	if req.Method != "initialize" {
		s.respondRPC(clientID, jsonrpc.NewResponse(req.ID, nil, jsonrpc.MethodNotFoundError(req.Method)))
		return
	}

	s.handleInitialize(clientID, req)
}

func (s *Server) handleInitialize(clientID string, req jsonrpc.Request) {
	s.initialized.Store(true)

	result := map[string]interface{}{
		"protocolVersion": mcp.ProtocolVersion,
		"capabilities":    s.cfg.Capabilities,
		"serverInfo": map[string]interface{}{
			"name":    s.cfg.Name,
			"version": s.cfg.Version,
		},
	}

	ctx := context.Background()
	resp := jsonrpc.NewResponse(req.ID, result, nil)
	if err := s.publishRPC(ctx, clientID, resp); err != nil {
		s.emitError(err)
		return
	}

	clientScheme := topics.Scheme{ClientID: clientID}
	if err := s.adapter.Subscribe(ctx, clientScheme.ClientCapability(), transport.SubscribeOptions{}, func(m transport.Message) {
		s.handleClientCapabilityChange(clientID, m)
	}); err != nil {
		s.emitError(err)
	}
	if err := s.adapter.Subscribe(ctx, clientScheme.ClientPresence(), transport.SubscribeOptions{}, func(m transport.Message) {
		s.handleClientPresence(clientID, m)
	}); err != nil {
		s.emitError(err)
	}

	s.mu.Lock()
	s.connectedClients[clientID] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) handleClientCapabilityChange(clientID string, msg transport.Message) {
	logger.Debug("client %s capability change: %s", clientID, string(msg.Payload))
}

func (s *Server) handleClientPresence(clientID string, msg transport.Message) {
	if len(msg.Payload) == 0 {
		s.mu.Lock()
		delete(s.connectedClients, clientID)
		s.mu.Unlock()
		return
	}

	var n jsonrpc.Notification
	err := json.Unmarshal(msg.Payload, &n)
	evict := true
	unsubscribe := err == nil && n.Method == "notifications/disconnected"

	if evict {
		s.mu.Lock()
		delete(s.connectedClients, clientID)
		s.mu.Unlock()
	}
	if unsubscribe {
		clientScheme := topics.Scheme{ClientID: clientID}
		ctx := context.Background()
		_ = s.adapter.Unsubscribe(ctx, clientScheme.ClientCapability())
		_ = s.adapter.Unsubscribe(ctx, clientScheme.ClientPresence())
	}
}

// handleRPC dispatches an inbound RPC request by method, per the table
// in spec.md §4.3.
func (s *Server) handleRPC(msg transport.Message) {
	clientID, ok := topics.SplitRPCClientID(msg.Topic)
	if !ok {
		return
	}

	var req jsonrpc.Request
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		s.emitError(&mcp.ProtocolError{Reason: "malformed RPC message", Cause: err})
		return
	}
	if req.IsNotification() {
		return
	}

	resp := s.dispatch(context.Background(), req)
	if err := s.publishRPC(context.Background(), clientID, resp); err != nil {
		s.emitError(err)
	}
}

func (s *Server) dispatch(ctx context.Context, req jsonrpc.Request) *jsonrpc.Response {
	switch req.Method {
	case "tools/list":
		return jsonrpc.NewResponse(req.ID, map[string]interface{}{"tools": s.toolList()}, nil)
	case "tools/call":
		return s.handleToolCall(ctx, req)
	case "resources/list":
		return jsonrpc.NewResponse(req.ID, map[string]interface{}{"resources": s.resourceList()}, nil)
	case "resources/read":
		return s.handleResourceRead(ctx, req)
	case "ping":
		return jsonrpc.NewResponse(req.ID, map[string]bool{"pong": true}, nil)
	default:
		return jsonrpc.NewResponse(req.ID, nil, jsonrpc.MethodNotFoundError(req.Method))
	}
}

func (s *Server) toolList() []mcp.ToolDefinition {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]mcp.ToolDefinition, 0, len(s.tools))
	for _, t := range s.tools {
		out = append(out, t.def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (s *Server) resourceList() []mcp.ResourceDefinition {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]mcp.ResourceDefinition, 0, len(s.resources))
	for _, r := range s.resources {
		out = append(out, r.def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].URI < out[j].URI })
	return out
}

func (s *Server) handleToolCall(ctx context.Context, req jsonrpc.Request) (resp *jsonrpc.Response) {
	var params struct {
		Name      string                 `json:"name"`
		Arguments map[string]interface{} `json:"arguments"`
	}
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return jsonrpc.NewResponse(req.ID, nil, jsonrpc.InvalidParamsError(err.Error()))
		}
	}
	if params.Arguments == nil {
		params.Arguments = map[string]interface{}{}
	}

	s.mu.RLock()
	tool, ok := s.tools[params.Name]
	s.mu.RUnlock()
	if !ok {
		return jsonrpc.NewResponse(req.ID, nil, jsonrpc.ToolNotFoundError(params.Name))
	}

	defer func() {
		if r := recover(); r != nil {
			resp = jsonrpc.NewResponse(req.ID, nil, jsonrpc.InternalError(fmt.Sprintf("tool %q panicked: %v", params.Name, r)))
		}
	}()

	result, err := tool.handler(ctx, params.Arguments)
	if err != nil {
		return jsonrpc.NewResponse(req.ID, nil, jsonrpc.InternalError(err.Error()))
	}
	return jsonrpc.NewResponse(req.ID, result, nil)
}

func (s *Server) handleResourceRead(ctx context.Context, req jsonrpc.Request) (resp *jsonrpc.Response) {
	var params struct {
		URI string `json:"uri"`
	}
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return jsonrpc.NewResponse(req.ID, nil, jsonrpc.InvalidParamsError(err.Error()))
		}
	}

	s.mu.RLock()
	resource, ok := s.resources[params.URI]
	s.mu.RUnlock()
	if !ok {
		return jsonrpc.NewResponse(req.ID, nil, jsonrpc.ResourceNotFoundError(params.URI))
	}

	defer func() {
		if r := recover(); r != nil {
			resp = jsonrpc.NewResponse(req.ID, nil, jsonrpc.InternalError(fmt.Sprintf("resource %q panicked: %v", params.URI, r)))
		}
	}()

	result, err := resource.handler(ctx, params.URI)
	if err != nil {
		return jsonrpc.NewResponse(req.ID, nil, jsonrpc.InternalError(err.Error()))
	}
	return jsonrpc.NewResponse(req.ID, result, nil)
}

func (s *Server) publishRPC(ctx context.Context, clientID string, resp *jsonrpc.Response) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	rpcTopic := topics.Scheme{ServerID: s.cfg.ServerID, ServerName: s.cfg.ServerName, ClientID: clientID}.RPC()
	return s.adapter.Publish(ctx, rpcTopic, data, transport.PublishOptions{UserProperties: s.identityUserProperties()})
}

func (s *Server) respondRPC(clientID string, resp *jsonrpc.Response) {
	if err := s.publishRPC(context.Background(), clientID, resp); err != nil {
		s.emitError(err)
	}
}
