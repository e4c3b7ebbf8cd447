package client

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/FreePeak/mqtt-mcp-bridge/pkg/jsonrpc"
	"github.com/FreePeak/mqtt-mcp-bridge/pkg/mcp"
	"github.com/FreePeak/mqtt-mcp-bridge/pkg/topics"
	"github.com/FreePeak/mqtt-mcp-bridge/pkg/transport"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, broker *transport.Broker, connAck map[string]string) (*Client, *transport.FakeAdapter) {
	t.Helper()
	adapter := broker.NewAdapter("client-under-test", connAck)
	cfg := Config{
		Config:  transport.Config{Host: "tcp://broker:1883", ClientID: "client-under-test"},
		Name:    "test-client",
		Version: "0.1.0",
	}
	c, err := New(cfg, WithAdapter(adapter))
	require.NoError(t, err)
	require.NoError(t, c.Connect(context.Background()))
	return c, adapter
}

func publishServerOnline(t *testing.T, publisher *transport.FakeAdapter, serverID, serverName string) {
	t.Helper()
	n, err := jsonrpc.NewNotification("notifications/server/online", map[string]interface{}{
		"server_name": serverName,
		"description": "a test server",
	})
	require.NoError(t, err)
	data, err := json.Marshal(n)
	require.NoError(t, err)
	topic := topics.Scheme{ServerID: serverID, ServerName: serverName}.ServerPresence()
	require.NoError(t, publisher.Publish(context.Background(), topic, data, transport.PublishOptions{Retain: true}))
}

func TestConnectAdoptsServerNameFilterFromConnAck(t *testing.T) {
	broker := transport.NewBroker()
	c, _ := newTestClient(t, broker, map[string]string{
		topics.PropServerFilters: `["calculator"]`,
	})
	require.Equal(t, "calculator", c.serverFilter)
}

func TestPresenceDiscoversServer(t *testing.T) {
	broker := transport.NewBroker()
	c, _ := newTestClient(t, broker, nil)

	publisher := broker.NewAdapter("srv-1", nil)
	publishServerOnline(t, publisher, "srv-1", "calculator")

	discovered := c.DiscoveredServers()
	require.Contains(t, discovered, "srv-1")
	require.Equal(t, "calculator", discovered["srv-1"].ServerName)
}

func TestPresenceEmptyPayloadEvictsServer(t *testing.T) {
	broker := transport.NewBroker()
	c, _ := newTestClient(t, broker, nil)

	publisher := broker.NewAdapter("srv-1", nil)
	publishServerOnline(t, publisher, "srv-1", "calculator")
	require.Contains(t, c.DiscoveredServers(), "srv-1")

	require.NoError(t, publisher.Publish(context.Background(), topics.Scheme{ServerID: "srv-1", ServerName: "calculator"}.ServerPresence(), nil, transport.PublishOptions{Retain: true}))

	require.NotContains(t, c.DiscoveredServers(), "srv-1")
}

func TestInitializeServerRequiresDiscovery(t *testing.T) {
	broker := transport.NewBroker()
	c, _ := newTestClient(t, broker, nil)

	_, err := c.InitializeServer(context.Background(), "unknown")
	require.Error(t, err)
	var notConnected *mcp.NotConnected
	require.ErrorAs(t, err, &notConnected)
}

// startFakeServer answers initialize, tools/call and ping against a FakeAdapter,
// standing in for pkg/server in tests that only exercise the client.
func startFakeServer(t *testing.T, broker *transport.Broker, serverID, serverName string) *transport.FakeAdapter {
	t.Helper()
	adapter := broker.NewAdapter(serverID, nil)
	scheme := topics.Scheme{ServerID: serverID, ServerName: serverName}

	require.NoError(t, adapter.Subscribe(context.Background(), scheme.Control(), transport.SubscribeOptions{}, func(m transport.Message) {
		var req jsonrpc.Request
		require.NoError(t, json.Unmarshal(m.Payload, &req))
		clientID := m.UserProperties[topics.PropMQTTClientID]

		result := map[string]interface{}{
			"protocolVersion": mcp.ProtocolVersion,
			"capabilities":    mcp.Capabilities{Tools: &mcp.ListChangedCapability{ListChanged: true}},
			"serverInfo":      map[string]interface{}{"name": serverName, "version": "9.9.9"},
		}
		resp := jsonrpc.NewResponse(req.ID, result, nil)
		data, err := json.Marshal(resp)
		require.NoError(t, err)

		rpcTopic := topics.Scheme{ServerID: serverID, ServerName: serverName, ClientID: clientID}.RPC()
		require.NoError(t, adapter.Publish(context.Background(), rpcTopic, data, transport.PublishOptions{}))
	}))

	require.NoError(t, adapter.Subscribe(context.Background(), scheme.RPCServerSubscribe(), transport.SubscribeOptions{NoLocal: true}, func(m transport.Message) {
		clientID, ok := topics.SplitRPCClientID(m.Topic)
		if !ok {
			return
		}
		var req jsonrpc.Request
		if json.Unmarshal(m.Payload, &req) != nil || req.IsNotification() {
			return
		}

		var resp *jsonrpc.Response
		switch req.Method {
		case "tools/call":
			resp = jsonrpc.NewResponse(req.ID, map[string]interface{}{"sum": 7.0}, nil)
		case "ping":
			resp = jsonrpc.NewResponse(req.ID, map[string]bool{"pong": true}, nil)
		default:
			resp = jsonrpc.NewResponse(req.ID, nil, jsonrpc.MethodNotFoundError(req.Method))
		}
		data, err := json.Marshal(resp)
		require.NoError(t, err)
		rpcTopic := topics.Scheme{ServerID: serverID, ServerName: serverName, ClientID: clientID}.RPC()
		require.NoError(t, adapter.Publish(context.Background(), rpcTopic, data, transport.PublishOptions{}))
	}))

	return adapter
}

func TestInitializeServerMergesCapabilitiesAndConnects(t *testing.T) {
	broker := transport.NewBroker()
	c, _ := newTestClient(t, broker, nil)
	serverAdapter := startFakeServer(t, broker, "srv-1", "calculator")

	publishServerOnline(t, serverAdapter, "srv-1", "calculator")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	info, err := c.InitializeServer(ctx, "srv-1")
	require.NoError(t, err)
	require.Equal(t, "calculator", info.ServerName)
	require.NotNil(t, info.Capabilities.Tools)
	require.True(t, info.Capabilities.Tools.ListChanged)
	require.True(t, c.IsServerConnected("srv-1"))
}

func TestCallToolAfterInitialize(t *testing.T) {
	broker := transport.NewBroker()
	c, _ := newTestClient(t, broker, nil)
	serverAdapter := startFakeServer(t, broker, "srv-1", "calculator")
	publishServerOnline(t, serverAdapter, "srv-1", "calculator")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := c.InitializeServer(ctx, "srv-1")
	require.NoError(t, err)

	result, err := c.CallTool(ctx, "srv-1", "add", map[string]interface{}{"a": 3.0, "b": 4.0})
	require.NoError(t, err)
	asMap, ok := result.(map[string]interface{})
	require.True(t, ok)
	require.Equal(t, 7.0, asMap["sum"])
}

func TestCallToolNotConnectedFails(t *testing.T) {
	broker := transport.NewBroker()
	c, _ := newTestClient(t, broker, nil)

	_, err := c.CallTool(context.Background(), "srv-1", "add", nil)
	require.Error(t, err)
	var notConnected *mcp.NotConnected
	require.ErrorAs(t, err, &notConnected)
}

func TestPingRoundTrips(t *testing.T) {
	broker := transport.NewBroker()
	c, _ := newTestClient(t, broker, nil)
	serverAdapter := startFakeServer(t, broker, "srv-1", "calculator")
	publishServerOnline(t, serverAdapter, "srv-1", "calculator")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := c.InitializeServer(ctx, "srv-1")
	require.NoError(t, err)

	ok, err := c.Ping(ctx, "srv-1")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestDisconnectCancelsPendingAndPublishesDisconnected(t *testing.T) {
	broker := transport.NewBroker()
	c, _ := newTestClient(t, broker, nil)
	serverAdapter := startFakeServer(t, broker, "srv-1", "calculator")
	publishServerOnline(t, serverAdapter, "srv-1", "calculator")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := c.InitializeServer(ctx, "srv-1")
	require.NoError(t, err)

	observer := broker.NewAdapter("observer", nil)
	var got transport.Message
	require.NoError(t, observer.Subscribe(context.Background(), c.presenceTopic(), transport.SubscribeOptions{}, func(m transport.Message) {
		got = m
	}))

	inFlight := c.pending.Send("in-flight", "tools/list", time.Minute)

	require.NoError(t, c.Disconnect(context.Background()))
	require.NotEmpty(t, got.Payload)

	res := <-inFlight
	var cancelled *mcp.Cancelled
	require.ErrorAs(t, res.Err, &cancelled)
	require.Equal(t, 0, c.pending.Len())
}

func TestCrashDeliversClientWillThroughRealConnectAPI(t *testing.T) {
	broker := transport.NewBroker()
	c, adapter := newTestClient(t, broker, nil)

	observer := broker.NewAdapter("observer2", nil)
	var got transport.Message
	require.NoError(t, observer.Subscribe(context.Background(), c.presenceTopic(), transport.SubscribeOptions{}, func(m transport.Message) {
		got = m
	}))

	// Simulate an ungraceful disconnect (crash): call the adapter
	// directly instead of c.Disconnect, so only the last will set by
	// Connect at client.go:197 can account for the "disconnected"
	// notification appearing on the client's own presence topic.
	require.NoError(t, adapter.Disconnect(context.Background()))

	require.NotEmpty(t, got.Payload)
}
