// Command mcp-mqtt-client runs a demo MCP client peer over MQTT: it
// discovers a named server, initializes it, lists its tools, and calls
// one.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/FreePeak/mqtt-mcp-bridge/internal/envconfig"
	"github.com/FreePeak/mqtt-mcp-bridge/internal/logger"
	"github.com/FreePeak/mqtt-mcp-bridge/pkg/client"
	"github.com/FreePeak/mqtt-mcp-bridge/pkg/mcp"
)

func main() {
	targetServerName := flag.String("server-name", "calculator", "server_name to wait for and initialize")
	discoveryTimeout := flag.Duration("discovery-timeout", 10*time.Second, "how long to wait for the server to be discovered")
	logLevel := flag.String("log-level", "", "Log level (debug, info, warn, error); overrides LOG_LEVEL")
	flag.Parse()

	mqttCfg := envconfig.Load()
	if *logLevel != "" {
		mqttCfg.LogLevel = *logLevel
	}
	logger.Initialize(mqttCfg.LogLevel)

	discovered := make(chan mcp.ServerInfo, 1)

	cfg := client.Config{
		Config:  mqttCfg.ToTransportConfig(),
		Name:    "mqtt-mcp-bridge-demo-client",
		Version: "1.0.0",
	}

	c, err := client.New(cfg,
		client.WithOnServerDiscovered(func(info mcp.ServerInfo) {
			logger.Info("discovered server: server_id=%s server_name=%s", info.ServerID, info.ServerName)
			if info.ServerName == *targetServerName {
				select {
				case discovered <- info:
				default:
				}
			}
		}),
		client.WithOnServerDisconnected(func(serverID string) {
			logger.Info("server disconnected: server_id=%s", serverID)
		}),
		client.WithOnError(func(err error) { logger.Error("client error: %v", err) }),
	)
	if err != nil {
		logger.Error("failed to construct client: %v", err)
		os.Exit(1)
	}

	ctx := context.Background()
	if err := c.Connect(ctx); err != nil {
		logger.Error("failed to connect: %v", err)
		os.Exit(1)
	}
	logger.Info("client id: %s", c.ClientID())

	var info mcp.ServerInfo
	select {
	case info = <-discovered:
	case <-time.After(*discoveryTimeout):
		logger.Error("timed out waiting to discover server_name=%s", *targetServerName)
		_ = c.Disconnect(ctx)
		os.Exit(1)
	}

	if _, err := c.InitializeServer(ctx, info.ServerID); err != nil {
		logger.Error("failed to initialize server %s: %v", info.ServerID, err)
		_ = c.Disconnect(ctx)
		os.Exit(1)
	}

	tools, err := c.ListTools(ctx, info.ServerID)
	if err != nil {
		logger.Error("failed to list tools: %v", err)
	} else {
		logger.Info("server %s advertises %d tool(s)", info.ServerID, len(tools))
		for _, tool := range tools {
			fmt.Printf("  - %s: %s\n", tool.Name, tool.Description)
		}
	}

	if result, err := c.CallTool(ctx, info.ServerID, "add", map[string]interface{}{"a": 2.0, "b": 3.0}); err != nil {
		logger.Error("tool call failed: %v", err)
	} else {
		fmt.Printf("add(2, 3) = %v\n", result)
	}

	if err := c.Disconnect(ctx); err != nil {
		logger.Error("error during disconnect: %v", err)
		os.Exit(1)
	}
}
