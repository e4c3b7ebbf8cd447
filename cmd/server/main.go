// Command mcp-mqtt-server runs a demo MCP server peer over MQTT,
// exposing a single "add" tool.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/FreePeak/mqtt-mcp-bridge/internal/envconfig"
	"github.com/FreePeak/mqtt-mcp-bridge/internal/logger"
	"github.com/FreePeak/mqtt-mcp-bridge/pkg/mcp"
	"github.com/FreePeak/mqtt-mcp-bridge/pkg/server"
)

func main() {
	serverID := flag.String("server-id", "demo-server", "MQTT MCP server_id")
	serverName := flag.String("server-name", "calculator", "MQTT MCP server_name")
	logLevel := flag.String("log-level", "", "Log level (debug, info, warn, error); overrides LOG_LEVEL")
	flag.Parse()

	mqttCfg := envconfig.Load()
	if *logLevel != "" {
		mqttCfg.LogLevel = *logLevel
	}
	logger.Initialize(mqttCfg.LogLevel)

	cfg := server.Config{
		Config:      mqttCfg.ToTransportConfig(),
		ServerID:    *serverID,
		ServerName:  *serverName,
		Name:        "mqtt-mcp-bridge-demo-server",
		Version:     "1.0.0",
		Description: "Demo MCP server exposing an add tool over MQTT",
		Capabilities: mcp.Capabilities{
			Tools: &mcp.ListChangedCapability{ListChanged: true},
		},
	}

	srv, err := server.New(cfg,
		server.WithOnReady(func() { logger.Info("server ready: server_id=%s server_name=%s", *serverID, *serverName) }),
		server.WithOnError(func(err error) { logger.Error("server error: %v", err) }),
		server.WithOnClosed(func() { logger.Info("server closed") }),
	)
	if err != nil {
		logger.Error("failed to construct server: %v", err)
		os.Exit(1)
	}

	if err := srv.RegisterTool(mcp.ToolDefinition{
		Name:        "add",
		Description: "Add two numbers",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"a":{"type":"number"},"b":{"type":"number"}},"required":["a","b"]}`),
	}, func(ctx context.Context, arguments map[string]interface{}) (interface{}, error) {
		a, _ := arguments["a"].(float64)
		b, _ := arguments["b"].(float64)
		return map[string]float64{"sum": a + b}, nil
	}); err != nil {
		logger.Error("failed to register tool: %v", err)
		os.Exit(1)
	}

	ctx := context.Background()
	if err := srv.Start(ctx); err != nil {
		logger.Error("failed to start server: %v", err)
		os.Exit(1)
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	logger.Info("shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Stop(shutdownCtx); err != nil {
		logger.Error("error during server shutdown: %v", err)
		fmt.Fprintf(os.Stderr, "shutdown error: %v\n", err)
		os.Exit(1)
	}
}
