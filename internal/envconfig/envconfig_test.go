package envconfig

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadUsesDefaultsWhenUnset(t *testing.T) {
	os.Unsetenv("MQTT_HOST")
	os.Unsetenv("MQTT_CLIENT_ID")
	os.Unsetenv("MQTT_KEEPALIVE")

	cfg := Load()
	assert.Equal(t, "tcp://localhost:1883", cfg.Host)
	assert.Empty(t, cfg.ClientID)
	assert.Equal(t, 60*time.Second, cfg.KeepAlive)
}

func TestLoadReadsEnvironment(t *testing.T) {
	os.Setenv("MQTT_HOST", "tcp://broker.example.com:1883")
	os.Setenv("MQTT_KEEPALIVE", "15")
	defer os.Unsetenv("MQTT_HOST")
	defer os.Unsetenv("MQTT_KEEPALIVE")

	cfg := Load()
	assert.Equal(t, "tcp://broker.example.com:1883", cfg.Host)
	assert.Equal(t, 15*time.Second, cfg.KeepAlive)
}

func TestToTransportConfigCarriesFields(t *testing.T) {
	cfg := MQTT{Host: "tcp://h:1883", Username: "u", Password: "p"}
	tc := cfg.ToTransportConfig()
	assert.Equal(t, "tcp://h:1883", tc.Host)
	assert.Equal(t, "u", tc.Username)
	assert.True(t, tc.Clean)
}
