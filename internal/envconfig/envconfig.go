// Package envconfig loads cmd/server and cmd/client's MQTT broker and
// identity settings from the environment (and an optional .env file).
package envconfig

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/FreePeak/mqtt-mcp-bridge/pkg/transport"
)

// MQTT holds the broker-connection fields shared by the server and
// client demo binaries.
type MQTT struct {
	Host           string
	ClientID       string
	Username       string
	Password       string
	KeepAlive      time.Duration
	ConnectTimeout time.Duration
	LogLevel       string
}

// Load reads MQTT_* environment variables, loading a .env file first
// if one is present in the working directory.
func Load() MQTT {
	if err := godotenv.Load(); err != nil {
		log.Printf("warning: .env file not found, using environment variables only")
	}

	return MQTT{
		Host:           getEnv("MQTT_HOST", "tcp://localhost:1883"),
		ClientID:       getEnv("MQTT_CLIENT_ID", ""),
		Username:       getEnv("MQTT_USERNAME", ""),
		Password:       getEnv("MQTT_PASSWORD", ""),
		KeepAlive:      getDuration("MQTT_KEEPALIVE", transport.DefaultKeepAlive),
		ConnectTimeout: getDuration("MQTT_CONNECT_TIMEOUT", transport.DefaultConnectTimeout),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
	}
}

// ToTransportConfig builds a transport.Config from the loaded MQTT
// settings. NormalizeDefaults is not applied here; MQTTAdapter.Connect
// applies it when dialing.
func (m MQTT) ToTransportConfig() transport.Config {
	return transport.Config{
		Host:           m.Host,
		ClientID:       m.ClientID,
		Username:       m.Username,
		Password:       m.Password,
		Clean:          true,
		KeepAlive:      m.KeepAlive,
		ConnectTimeout: m.ConnectTimeout,
	}
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue
	}
	seconds, err := strconv.Atoi(v)
	if err != nil {
		log.Printf("warning: invalid %s=%q, using default", key, v)
		return defaultValue
	}
	return time.Duration(seconds) * time.Second
}
