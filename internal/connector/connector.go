// Package connector watches the connect topics and turns connection config
// payloads into running supervisors. Inline register definitions carried in
// a connect payload are re-emitted as individual register configs so the
// supervisor picks them up through its normal subscription.
package connector

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/modbus-mqtt/bridge/internal/modbus"
	"github.com/modbus-mqtt/bridge/internal/mqttmux"
	"github.com/modbus-mqtt/bridge/internal/register"
	"github.com/modbus-mqtt/bridge/internal/shutdown"
	"github.com/modbus-mqtt/bridge/internal/supervisor"
)

// topicFilter is the filter under the prefix to look for connection
// configs.
const topicFilter = "+/connect"

// Connector subscribes to +/connect and maintains the registry of live
// supervisors, one per connection id.
type Connector struct {
	mqtt mqttmux.Scope // process prefix
	tok  shutdown.Token

	supervisors map[string]context.CancelFunc
}

// New builds a connector rooted at the process prefix scope.
func New(root mqttmux.Scope, tok shutdown.Token) *Connector {
	return &Connector{
		mqtt:        root,
		tok:         tok,
		supervisors: make(map[string]context.CancelFunc),
	}
}

// Run services connect payloads until shutdown.
func (c *Connector) Run(ctx context.Context) error {
	defer c.tok.Release()

	sub, err := c.mqtt.SubscribeSub(ctx, topicFilter)
	if err != nil {
		return err
	}
	defer sub.Close()

	for {
		select {
		case msg, ok := <-sub.C():
			if !ok {
				return nil
			}
			c.handleConnect(ctx, msg)

		case <-c.tok.Recv():
			slog.Info("shutting down connector")
			return nil

		case <-ctx.Done():
			return nil
		}
	}
}

func (c *Connector) handleConnect(ctx context.Context, msg mqttmux.Message) {
	id := connectionIDFromTopic(msg.Topic)
	if id == "" {
		return
	}

	scope := c.mqtt.MustScoped(id)
	slog.Debug("received connection config", "connection", id, "topic", msg.Topic)

	var cfg supervisor.Config
	if err := json.Unmarshal(msg.Payload, &cfg); err != nil {
		slog.Warn("invalid connection config", "connection", id, "err", err)
		scope.PublishSubNoWait("state", []byte("invalid"))
		return
	}
	if !cfg.KnownProto() {
		slog.Warn("unrecognised protocol", "connection", id, "proto", cfg.Proto)
		scope.PublishSubNoWait("state", []byte("unknown_proto"))
		return
	}

	if c.tok.IsShutdown() {
		return
	}

	// Republishing a config replaces the connection: the old supervisor
	// (and its monitors) is cancelled before the new one takes the slot.
	if cancel, ok := c.supervisors[id]; ok {
		slog.Info("replacing connection", "connection", id)
		cancel()
	}

	supCtx, cancel := context.WithCancel(ctx)
	sup, err := supervisor.New(supCtx, id, cfg, scope, c.tok.Clone())
	if err != nil {
		cancel()
		slog.Error("failed to set up connection", "connection", id, "err", err)
		scope.PublishSubNoWait("state", []byte("errored"))
		scope.PublishSubNoWait("last_error", []byte(err.Error()))
		return
	}
	c.supervisors[id] = cancel

	go sup.Run(supCtx)

	c.republishInline(ctx, scope, cfg)
}

// republishInline re-emits each valid inline register definition as an
// individual publish to <id>/registers/<path>/config. Entries from the
// input and holding lists are tagged with that register type; entries from
// the untyped registers list keep whatever register_type they carry.
func (c *Connector) republishInline(ctx context.Context, scope mqttmux.Scope, cfg supervisor.Config) {
	registers := scope.MustScoped("registers")

	type batch struct {
		entries []json.RawMessage
		kind    modbus.RegisterKind
		force   bool
	}

	holding := cfg.Holding
	if len(holding) == 0 {
		holding = cfg.Hold
	}

	for _, b := range []batch{
		{cfg.Input, modbus.Input, true},
		{holding, modbus.Holding, true},
		{cfg.Registers, modbus.Input, false},
	} {
		for _, raw := range b.entries {
			def, err := register.Parse(raw)
			if err != nil {
				slog.Warn("ignoring invalid inline register definition", "err", err)
				continue
			}
			if b.force {
				def.Type = b.kind
			}

			payload, err := json.Marshal(def)
			if err != nil {
				slog.Warn("failed to re-encode register definition", "err", err)
				continue
			}

			topic := def.Path() + "/config"
			if err := registers.PublishSub(ctx, topic, payload); err != nil {
				slog.Warn("failed to republish register definition", "topic", topic, "err", err)
			}
		}
	}
}

// connectionIDFromTopic extracts <id> from <prefix>/<id>/connect.
func connectionIDFromTopic(topic string) string {
	parts := strings.Split(topic, "/")
	if len(parts) < 2 || parts[len(parts)-1] != "connect" {
		return ""
	}
	return parts[len(parts)-2]
}
