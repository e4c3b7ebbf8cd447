package transport

import (
	"context"
	"strings"
	"sync"
)

// Broker is an in-memory pub/sub broker standing in for a real MQTT 5.0
// broker in tests: it supports retained messages and MQTT-style
// wildcard topic filters (`+`, `#`), which is all both peers need to
// exercise against. Grounded on the teacher's map+mutex repository
// shape (internal/infrastructure/server.InMemoryClientRepository),
// generalized from a client registry to a topic registry.
type Broker struct {
	mu       sync.Mutex
	retained map[string][]byte
	subs     map[*FakeAdapter][]fakeSub
}

type fakeSub struct {
	filter  string
	noLocal bool
	handler MessageHandler
}

// NewBroker creates an empty broker.
func NewBroker() *Broker {
	return &Broker{
		retained: make(map[string][]byte),
		subs:     make(map[*FakeAdapter][]fakeSub),
	}
}

// NewAdapter returns an Adapter bound to this broker for one simulated
// MQTT client. connAckProperties stands in for what a real broker would
// return in CONNACK (e.g. MCP-SERVER-NAME-FILTERS, MCP-RBAC), letting
// tests exercise paths the real gonzalop/mq-backed adapter cannot (see
// DESIGN.md's documented gap).
func (b *Broker) NewAdapter(clientID string, connAckProperties map[string]string) *FakeAdapter {
	if connAckProperties == nil {
		connAckProperties = map[string]string{}
	}
	return &FakeAdapter{broker: b, clientID: clientID, connAck: connAckProperties}
}

// FakeAdapter implements Adapter against a shared Broker.
type FakeAdapter struct {
	broker   *Broker
	clientID string
	connAck  map[string]string

	mu        sync.Mutex
	connected bool
	will      *Will
}

// Connect adopts cfg.Will (if set) the same way MQTTAdapter.Connect
// dials with whatever Will is on the Config passed to it — so a Will
// assembled by server.Start/client.Connect just before connecting
// reaches this adapter too, including when it was constructed earlier
// via Broker.NewAdapter and installed with WithAdapter.
func (a *FakeAdapter) Connect(ctx context.Context, cfg Config) error {
	a.mu.Lock()
	a.connected = true
	if cfg.Will != nil {
		a.will = cfg.Will
	}
	a.mu.Unlock()
	return nil
}

// Disconnect publishes the configured will, if any, then tears down
// this adapter's subscriptions — simulating an ungraceful disconnect
// for tests that want to exercise will delivery. The will is published
// on every Disconnect, after any clean-shutdown message the caller
// published first, so it is the last message on its topic; a real
// broker sends the will only on an ungraceful loss of connection.
func (a *FakeAdapter) Disconnect(ctx context.Context) error {
	a.mu.Lock()
	will := a.will
	a.connected = false
	a.mu.Unlock()

	if will != nil {
		_ = a.broker.publish(a, will.Topic, will.Payload, PublishOptions{QoS: will.QoS, Retain: will.Retained})
	}

	a.broker.mu.Lock()
	delete(a.broker.subs, a)
	a.broker.mu.Unlock()
	return nil
}

// SetWill configures the will this adapter publishes on Disconnect.
// Real brokers trigger the will only on an ungraceful loss of
// connection; this test double triggers it on any Disconnect call,
// which is sufficient for exercising the core's shutdown-vs-crash
// presence semantics.
func (a *FakeAdapter) SetWill(w *Will) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.will = w
}

func (a *FakeAdapter) Subscribe(ctx context.Context, topic string, opts SubscribeOptions, handler MessageHandler) error {
	a.broker.mu.Lock()
	a.broker.subs[a] = append(a.broker.subs[a], fakeSub{filter: topic, noLocal: opts.NoLocal, handler: handler})
	retained := make(map[string][]byte, len(a.broker.retained))
	for k, v := range a.broker.retained {
		retained[k] = v
	}
	a.broker.mu.Unlock()

	for t, payload := range retained {
		if topicMatches(topic, t) {
			handler(Message{Topic: t, Payload: payload, Retained: true})
		}
	}
	return nil
}

func (a *FakeAdapter) Unsubscribe(ctx context.Context, topic string) error {
	a.broker.mu.Lock()
	defer a.broker.mu.Unlock()
	subs := a.broker.subs[a]
	kept := subs[:0]
	for _, s := range subs {
		if s.filter != topic {
			kept = append(kept, s)
		}
	}
	a.broker.subs[a] = kept
	return nil
}

func (a *FakeAdapter) Publish(ctx context.Context, topic string, payload []byte, opts PublishOptions) error {
	return a.broker.publish(a, topic, payload, opts)
}

func (b *Broker) publish(publisher *FakeAdapter, topic string, payload []byte, opts PublishOptions) error {
	b.mu.Lock()
	if opts.Retain {
		if len(payload) == 0 {
			delete(b.retained, topic)
		} else {
			b.retained[topic] = payload
		}
	}
	type delivery struct {
		handler MessageHandler
		msg     Message
	}
	var deliveries []delivery
	for subscriber, subs := range b.subs {
		for _, s := range subs {
			if s.noLocal && subscriber == publisher {
				continue
			}
			if topicMatches(s.filter, topic) {
				deliveries = append(deliveries, delivery{
					handler: s.handler,
					msg:     Message{Topic: topic, Payload: payload, Retained: opts.Retain, UserProperties: opts.UserProperties},
				})
			}
		}
	}
	b.mu.Unlock()

	for _, d := range deliveries {
		d.handler(d.msg)
	}
	return nil
}

func (a *FakeAdapter) ConnAckUserProperties() map[string]string {
	out := make(map[string]string, len(a.connAck))
	for k, v := range a.connAck {
		out[k] = v
	}
	return out
}

// topicMatches reports whether topic matches an MQTT subscription
// filter containing `+` (single-level) and `#` (multi-level) wildcards.
func topicMatches(filter, topic string) bool {
	fParts := strings.Split(filter, "/")
	tParts := strings.Split(topic, "/")

	for i, fp := range fParts {
		if fp == "#" {
			return true
		}
		if i >= len(tParts) {
			return false
		}
		if fp == "+" {
			continue
		}
		if fp != tParts[i] {
			return false
		}
	}
	return len(fParts) == len(tParts)
}
