// Package transport defines the pub/sub seam the server and client
// peers run on, and an implementation backed by an MQTT 5.0 broker.
package transport

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Will describes a Last Will and Testament message configured before
// Connect.
type Will struct {
	Topic    string
	Payload  []byte
	QoS      int
	Retained bool
}

// Config is the MQTT-level configuration shared by server.Config and
// client.Config (embedded by value in each).
type Config struct {
	// Host accepts a full broker URL (tcp://, tls://, mqtt://, mqtts://,
	// ssl://); a bare host:port is normalized to tcp://host:port.
	Host string

	ClientID string
	Username string
	Password string

	// Clean is carried for configuration parity; MQTTAdapter always
	// connects with a clean session whatever its value.
	Clean bool

	KeepAlive       time.Duration
	ConnectTimeout  time.Duration
	ReconnectPeriod time.Duration

	Will *Will

	// Properties carries the CONNECT-time user properties every peer
	// sets: MCP-COMPONENT-TYPE, MCP-MQTT-CLIENT-ID, MCP-META, plus any
	// caller-supplied extras.
	Properties map[string]string
}

// Defaults mandated by spec.md §4.2, applied by NormalizeDefaults.
const (
	DefaultKeepAlive       = 60 * time.Second
	DefaultConnectTimeout  = 30 * time.Second
	DefaultReconnectPeriod = 1 * time.Second
)

// NormalizeDefaults fills in the spec-mandated defaults and normalizes
// Host to a schemed URL. It mutates c in place.
func (c *Config) NormalizeDefaults() {
	if c.KeepAlive == 0 {
		c.KeepAlive = DefaultKeepAlive
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.ReconnectPeriod == 0 {
		c.ReconnectPeriod = DefaultReconnectPeriod
	}
	c.Host = normalizeHost(c.Host)
}

func normalizeHost(host string) string {
	for _, scheme := range []string{"tcp://", "tls://", "mqtt://", "mqtts://", "ssl://"} {
		if strings.HasPrefix(host, scheme) {
			return host
		}
	}
	if host == "" {
		return host
	}
	return "tcp://" + host
}

// Message is an inbound message delivered to a subscription handler.
type Message struct {
	Topic          string
	Payload        []byte
	Retained       bool
	UserProperties map[string]string
}

// MessageHandler receives messages for one subscription.
type MessageHandler func(Message)

// SubscribeOptions configures one Subscribe call. A zero QoS is treated
// as unset and becomes DefaultQoS, so QoS 0 cannot be requested.
type SubscribeOptions struct {
	QoS     int
	NoLocal bool
}

// PublishOptions configures one Publish call.
type PublishOptions struct {
	QoS            int
	Retain         bool
	UserProperties map[string]string
}

// DefaultQoS is the spec-mandated default QoS for subscribes and
// publishes.
const DefaultQoS = 1

// Adapter is the pub/sub seam spec.md §4.2 describes: connect,
// disconnect, subscribe (with No-Local), unsubscribe, publish (with
// QoS/retain/user properties), message delivery, and CONNACK user
// property inspection.
//
// Connect takes the full Config (not just what was supplied at
// construction time) so that fields finalized just before startup —
// most importantly Will, which server.Start/client.Connect compute
// from the peer's own topic scheme — reach the adapter actually used,
// whether that is the default MQTTAdapter or a test double installed
// via WithAdapter.
type Adapter interface {
	Connect(ctx context.Context, cfg Config) error
	Disconnect(ctx context.Context) error
	Subscribe(ctx context.Context, topic string, opts SubscribeOptions, handler MessageHandler) error
	Unsubscribe(ctx context.Context, topic string) error
	Publish(ctx context.Context, topic string, payload []byte, opts PublishOptions) error

	// ConnAckUserProperties returns the user properties the broker sent
	// in CONNACK, or an empty map if the underlying client cannot expose
	// them or none were sent.
	ConnAckUserProperties() map[string]string
}

// TransportError wraps a connect/subscribe/unsubscribe/publish failure
// from the underlying broker client.
type TransportError struct {
	Op    string
	Cause error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport: %s: %v", e.Op, e.Cause)
}

func (e *TransportError) Unwrap() error { return e.Cause }

func wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &TransportError{Op: op, Cause: err}
}
