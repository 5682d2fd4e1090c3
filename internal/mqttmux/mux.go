// Package mqttmux implements the MQTT topic multiplexer/dispatcher: one
// broker session fanned out to many in-process subscribers by topic-filter
// match, plus serialized outbound publishes.
//
// A single goroutine owns the broker client and the subscriptions table,
// driven by an inbox of subscribe/publish/incoming commands, so no lock is
// needed over the table.
package mqttmux

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/modbus-mqtt/bridge/internal/shutdown"
)

// Message is an inbound publish delivered to a subscriber.
type Message struct {
	Topic   string
	Payload []byte
}

// Options configures the broker session. The multiplexer does not parse
// the MQTT URL itself; it only consumes the already-parsed broker options
// plus the topic prefix all bridge traffic roots at.
type Options struct {
	Broker         mqtt.ClientOptions
	Prefix         string
	ConnectTimeout time.Duration
}

// Multiplexer owns exactly one broker session. Every component that talks
// MQTT does so through here, so the session has a single writer by
// construction.
type Multiplexer struct {
	prefix string
	client mqtt.Client
	inbox  chan any

	// subscriptions is only ever touched by the run() goroutine; no lock
	// needed.
	subscriptions map[string][]*subEntry

	shutdownTok shutdown.Token
	stopped     chan struct{}
}

type subEntry struct {
	ch     chan Message
	closed *bool
	mu     *sync.Mutex
}

type subscribeCmd struct {
	filter string
	entry  *subEntry
	done   chan struct{}
}

type publishCmd struct {
	topic   string
	payload []byte
	result  chan error
}

type incomingCmd struct {
	topic   string
	payload []byte
}

// New dials the broker, installs the last-will (<prefix> -> "offline",
// QoS 0, not retained), publishes the startup "online" message, and starts
// the actor goroutine. The event loop exits when tok fires; Done reports
// when the session is fully closed.
func New(ctx context.Context, opts Options, tok shutdown.Token) (*Multiplexer, error) {
	prefix := opts.Prefix

	lwtTopic := prefix
	clientOpts := opts.Broker
	clientOpts.SetWill(lwtTopic, "offline", 0, false)

	m := &Multiplexer{
		prefix:        prefix,
		inbox:         make(chan any, 64),
		subscriptions: make(map[string][]*subEntry),
		shutdownTok:   tok,
		stopped:       make(chan struct{}),
	}

	clientOpts.SetDefaultPublishHandler(func(_ mqtt.Client, msg mqtt.Message) {
		m.deliverIncoming(msg.Topic(), msg.Payload())
	})

	client := mqtt.NewClient(&clientOpts)
	token := client.Connect()
	connectTimeout := opts.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = 10 * time.Second
	}
	if !token.WaitTimeout(connectTimeout) || token.Error() != nil {
		return nil, fmt.Errorf("mqttmux: connect: %w", token.Error())
	}
	m.client = client

	if pt := client.Publish(prefix, 0, false, "online"); !pt.WaitTimeout(connectTimeout) || pt.Error() != nil {
		slog.Warn("failed to publish startup online message", "err", pt.Error())
	}

	go m.run()

	return m, nil
}

// NewLoopback returns a multiplexer with no broker attached: publishes
// loop straight back into the local dispatch table. Subscribers see
// exactly the routing a broker round trip would produce, which makes it
// the in-process harness for exercising components end to end.
func NewLoopback(prefix string, tok shutdown.Token) *Multiplexer {
	m := &Multiplexer{
		prefix:        prefix,
		inbox:         make(chan any, 64),
		subscriptions: make(map[string][]*subEntry),
		shutdownTok:   tok,
		stopped:       make(chan struct{}),
	}

	go m.run()

	return m
}

func (m *Multiplexer) deliverIncoming(topic string, payload []byte) {
	select {
	case m.inbox <- incomingCmd{topic: topic, payload: payload}:
	case <-m.stopped:
	}
}

func (m *Multiplexer) run() {
	defer close(m.stopped)

	for {
		select {
		case cmd := <-m.inbox:
			m.handle(cmd)

		case <-m.shutdownTok.Recv():
			m.drain()
			if m.client != nil {
				m.client.Disconnect(250)
			}
			return
		}
	}
}

// drain services any commands already queued before the event loop closes,
// so that final publishes (e.g. "disconnected") issued just before
// shutdown still reach the broker.
func (m *Multiplexer) drain() {
	for {
		select {
		case cmd := <-m.inbox:
			m.handle(cmd)
		default:
			return
		}
	}
}

func (m *Multiplexer) handle(cmd any) {
	switch c := cmd.(type) {
	case subscribeCmd:
		m.subscriptions[c.filter] = append(m.subscriptions[c.filter], c.entry)
		close(c.done)

	case publishCmd:
		if m.client == nil {
			m.dispatch(c.topic, c.payload)
			if c.result != nil {
				c.result <- nil
			}
			return
		}
		token := m.client.Publish(c.topic, 1, false, c.payload)
		go func() {
			token.Wait()
			if c.result != nil {
				c.result <- token.Error()
			}
		}()

	case incomingCmd:
		m.dispatch(c.topic, c.payload)
	}
}

// dispatch iterates subscriptions, forwards to every filter-matching entry
// whose channel is still open, ordered by registration, and garbage
// collects closed entries as it goes.
func (m *Multiplexer) dispatch(topic string, payload []byte) {
	for filter, entries := range m.subscriptions {
		if !Match(topic, filter) {
			continue
		}

		live := entries[:0]
		for _, e := range entries {
			e.mu.Lock()
			closed := *e.closed
			e.mu.Unlock()

			if closed {
				continue
			}
			live = append(live, e)

			select {
			case e.ch <- Message{Topic: topic, Payload: payload}:
			default:
				slog.Warn("subscriber inbox full, dropping message", "topic", topic, "filter", filter)
			}
		}

		if len(live) == 0 {
			delete(m.subscriptions, filter)
		} else {
			m.subscriptions[filter] = live
		}
	}
}

// Subscription is a live registration against a topic filter.
type Subscription struct {
	ch    chan Message
	entry *subEntry
}

// C returns the channel messages arrive on.
func (s *Subscription) C() <-chan Message { return s.ch }

// Close marks the subscription dropped; the multiplexer removes it on the
// next matching dispatch.
func (s *Subscription) Close() {
	s.entry.mu.Lock()
	*s.entry.closed = true
	s.entry.mu.Unlock()
}

// Subscribe registers a new subscription against filter (a full topic
// filter, not relative to the prefix; use Scope.Subscribe for
// prefix-relative filters). Multiple
// subscribers may share a filter; fan-out is ordered by registration.
func (m *Multiplexer) Subscribe(ctx context.Context, filter string) (*Subscription, error) {
	closed := false
	entry := &subEntry{
		ch:     make(chan Message, 32),
		closed: &closed,
		mu:     &sync.Mutex{},
	}

	done := make(chan struct{})
	cmd := subscribeCmd{filter: filter, entry: entry, done: done}

	select {
	case m.inbox <- cmd:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-m.stopped:
		return nil, fmt.Errorf("mqttmux: multiplexer stopped")
	}

	select {
	case <-done:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-m.stopped:
		return nil, fmt.Errorf("mqttmux: multiplexer stopped")
	}

	if m.client != nil {
		token := m.client.Subscribe(filter, 1, nil)
		if !token.WaitTimeout(10*time.Second) || token.Error() != nil {
			return nil, fmt.Errorf("mqttmux: broker subscribe %q: %w", filter, token.Error())
		}
	}

	return &Subscription{ch: entry.ch, entry: entry}, nil
}

// Publish publishes payload to topic at QoS 1 (at-least-once).
func (m *Multiplexer) Publish(ctx context.Context, topic string, payload []byte) error {
	result := make(chan error, 1)
	cmd := publishCmd{topic: topic, payload: payload, result: result}

	select {
	case m.inbox <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	case <-m.stopped:
		return fmt.Errorf("mqttmux: multiplexer stopped")
	}

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-m.stopped:
		return fmt.Errorf("mqttmux: multiplexer stopped")
	}
}

// PublishNoWait enqueues a publish without waiting for the broker
// acknowledgement. Enqueueing still goes through the inbox, so payloads
// from one caller stay FIFO relative to its other publishes. Used for
// best-effort lifecycle state publishes that must never block their sender:
// when the inbox is full the publish is dropped with a warning.
func (m *Multiplexer) PublishNoWait(topic string, payload []byte) {
	select {
	case m.inbox <- publishCmd{topic: topic, payload: payload}:
	case <-m.stopped:
	default:
		slog.Warn("multiplexer inbox full, dropping best-effort publish", "topic", topic)
	}
}

// Root returns a Scope rooted at the configured topic prefix.
func (m *Multiplexer) Root() Scope {
	return Scope{prefix: m.prefix, mux: m}
}

// Done reports when the multiplexer's event loop has exited, i.e. the
// broker session is closed. The process shutdown sequence waits on this to
// guarantee the multiplexer is the last component to exit.
func (m *Multiplexer) Done() <-chan struct{} {
	return m.stopped
}
