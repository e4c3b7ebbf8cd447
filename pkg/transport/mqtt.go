package transport

import (
	"context"
	"sync"

	mq "github.com/gonzalop/mq"
)

// MQTTAdapter implements Adapter on top of github.com/gonzalop/mq,
// forcing MQTT 5.0 and the connection defaults spec.md §4.2 mandates.
type MQTTAdapter struct {
	mu        sync.Mutex
	client    *mq.Client
	connAck   map[string]string
	unsubKept map[string]struct{}
}

// NewMQTTAdapter builds an adapter with no broker connection yet.
// Connect(ctx, cfg) dials using the Config passed at that call, so a
// caller (server.Start/client.Connect) can finish assembling cfg
// (e.g. its last will) right up to the moment of connecting.
func NewMQTTAdapter() *MQTTAdapter {
	return &MQTTAdapter{connAck: map[string]string{}}
}

func (a *MQTTAdapter) Connect(ctx context.Context, cfg Config) error {
	cfg.NormalizeDefaults()

	opts := []mq.Option{
		mq.WithProtocolVersion(5),
		mq.WithCleanSession(true),
		mq.WithKeepAlive(cfg.KeepAlive),
		mq.WithConnectTimeout(cfg.ConnectTimeout),
		mq.WithAutoReconnect(true),
		mq.WithSessionExpiryInterval(0),
	}
	if cfg.ClientID != "" {
		opts = append(opts, mq.WithClientID(cfg.ClientID))
	}
	if cfg.Username != "" {
		opts = append(opts, mq.WithCredentials(cfg.Username, cfg.Password))
	}
	if len(cfg.Properties) > 0 {
		opts = append(opts, mq.WithConnectUserProperties(cfg.Properties))
	}
	if cfg.Will != nil {
		opts = append(opts, mq.WithWill(cfg.Will.Topic, cfg.Will.Payload, uint8(cfg.Will.QoS), cfg.Will.Retained))
	}
	opts = append(opts, mq.WithOnConnect(a.onConnect))

	client, err := mq.DialContext(ctx, cfg.Host, opts...)
	if err != nil {
		return wrapErr("connect", err)
	}

	a.mu.Lock()
	a.client = client
	a.mu.Unlock()
	return nil
}

// onConnect snapshots what gonzalop/mq exposes from the CONNACK. The
// library does not surface arbitrary CONNACK user properties (see
// DESIGN.md); this always leaves connAck empty for a real broker.
func (a *MQTTAdapter) onConnect(c *mq.Client) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.connAck = map[string]string{}
}

func (a *MQTTAdapter) Disconnect(ctx context.Context) error {
	a.mu.Lock()
	client := a.client
	a.mu.Unlock()
	if client == nil {
		return nil
	}
	return wrapErr("disconnect", client.Disconnect(ctx))
}

func (a *MQTTAdapter) Subscribe(ctx context.Context, topic string, opts SubscribeOptions, handler MessageHandler) error {
	qos := opts.QoS
	if qos == 0 {
		qos = DefaultQoS
	}

	a.mu.Lock()
	client := a.client
	a.mu.Unlock()
	if client == nil {
		return &TransportError{Op: "subscribe", Cause: errNotConnected}
	}

	subOpts := []mq.SubscribeOption{}
	if opts.NoLocal {
		subOpts = append(subOpts, mq.WithNoLocal(true))
	}

	token := client.Subscribe(topic, mq.QoS(qos), func(_ *mq.Client, m mq.Message) {
		handler(toTransportMessage(m))
	}, subOpts...)
	return wrapErr("subscribe", token.Wait(ctx))
}

func (a *MQTTAdapter) Unsubscribe(ctx context.Context, topic string) error {
	a.mu.Lock()
	client := a.client
	a.mu.Unlock()
	if client == nil {
		return &TransportError{Op: "unsubscribe", Cause: errNotConnected}
	}
	return wrapErr("unsubscribe", client.Unsubscribe(topic).Wait(ctx))
}

func (a *MQTTAdapter) Publish(ctx context.Context, topic string, payload []byte, opts PublishOptions) error {
	qos := opts.QoS
	if qos == 0 {
		qos = DefaultQoS
	}

	a.mu.Lock()
	client := a.client
	a.mu.Unlock()
	if client == nil {
		return &TransportError{Op: "publish", Cause: errNotConnected}
	}

	pubOpts := []mq.PublishOption{mq.WithQoS(mq.QoS(qos)), mq.WithRetain(opts.Retain)}
	for k, v := range opts.UserProperties {
		pubOpts = append(pubOpts, mq.WithUserProperty(k, v))
	}

	return wrapErr("publish", client.Publish(topic, payload, pubOpts...).Wait(ctx))
}

func (a *MQTTAdapter) ConnAckUserProperties() map[string]string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]string, len(a.connAck))
	for k, v := range a.connAck {
		out[k] = v
	}
	return out
}

func toTransportMessage(m mq.Message) Message {
	msg := Message{Topic: m.Topic, Payload: m.Payload, Retained: m.Retained}
	if m.Properties != nil && m.Properties.UserProperties != nil {
		msg.UserProperties = m.Properties.UserProperties
	}
	return msg
}

var errNotConnected = notConnectedErr{}

type notConnectedErr struct{}

func (notConnectedErr) Error() string { return "adapter not connected" }
