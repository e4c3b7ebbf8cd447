package transport

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeDefaults(t *testing.T) {
	cfg := Config{Host: "broker.example.com:1883"}
	cfg.NormalizeDefaults()

	assert.Equal(t, "tcp://broker.example.com:1883", cfg.Host)
	assert.Equal(t, DefaultKeepAlive, cfg.KeepAlive)
	assert.Equal(t, DefaultConnectTimeout, cfg.ConnectTimeout)
	assert.Equal(t, DefaultReconnectPeriod, cfg.ReconnectPeriod)
}

func TestNormalizeDefaultsKeepsExplicitScheme(t *testing.T) {
	cfg := Config{Host: "tls://broker.example.com:8883", KeepAlive: 5 * time.Second}
	cfg.NormalizeDefaults()

	assert.Equal(t, "tls://broker.example.com:8883", cfg.Host)
	assert.Equal(t, 5*time.Second, cfg.KeepAlive)
}

func TestTopicMatches(t *testing.T) {
	cases := []struct {
		filter, topic string
		want          bool
	}{
		{"$mcp-server/presence/+/vendor/product/role", "$mcp-server/presence/srv-1/vendor/product/role", true},
		{"$mcp-server/presence/+/vendor/product/role", "$mcp-server/presence/srv-1/other/role", false},
		{"$mcp-rpc/cli-1/+/#", "$mcp-rpc/cli-1/srv-1/vendor/product/role", true},
		{"$mcp-rpc/cli-1/+/#", "$mcp-rpc/cli-2/srv-1/vendor/product/role", false},
		{"$mcp-server/srv-1/role", "$mcp-server/srv-1/role", true},
		{"$mcp-server/srv-1/role", "$mcp-server/srv-1/role/extra", false},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, topicMatches(c.filter, c.topic), "filter=%s topic=%s", c.filter, c.topic)
	}
}

func TestTransportErrorUnwraps(t *testing.T) {
	cause := assert.AnError
	err := wrapErr("publish", cause)
	var te *TransportError
	assert.ErrorAs(t, err, &te)
	assert.Equal(t, "publish", te.Op)
	assert.ErrorIs(t, err, cause)
}
