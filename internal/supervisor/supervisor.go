// Package supervisor implements the per-connection Modbus owner: one task
// holding exactly one transport, serializing reads and writes from many
// register monitors through a single inbox, classifying failures, and
// reconnecting with bounded exponential backoff.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/modbus-mqtt/bridge/internal/bridgeerr"
	"github.com/modbus-mqtt/bridge/internal/modbus"
	"github.com/modbus-mqtt/bridge/internal/mqttmux"
	"github.com/modbus-mqtt/bridge/internal/register"
	"github.com/modbus-mqtt/bridge/internal/shutdown"
	"github.com/modbus-mqtt/bridge/internal/winets"
)

type monitorEntry struct {
	address uint16
	named   bool
	cancel  context.CancelFunc
}

// Supervisor owns one Modbus connection for the lifetime of its id. All
// transport access goes through its inbox, so the wire only ever sees one
// in-flight request.
type Supervisor struct {
	id   string
	cfg  Config
	mqtt mqttmux.Scope // <prefix>/<id>
	regs mqttmux.Scope // <prefix>/<id>/registers
	tok  shutdown.Token
	log  *slog.Logger

	inbox  chan command
	regSub *mqttmux.Subscription

	monitors map[string]*monitorEntry
	backoff  time.Duration

	// dial overrides transport construction when set; tests use it to
	// substitute fake transports.
	dial func(ctx context.Context) (modbus.Transport, error)
}

// New subscribes to the connection's register config topics and returns a
// supervisor ready to Run. Subscribing here, before Run is spawned, lets
// the connector republish inline register definitions immediately without
// racing the subscription.
func New(ctx context.Context, id string, cfg Config, scope mqttmux.Scope, tok shutdown.Token) (*Supervisor, error) {
	regSub, err := scope.SubscribeSub(ctx, "registers/+/config")
	if err != nil {
		tok.Release()
		return nil, err
	}

	return &Supervisor{
		id:       id,
		cfg:      cfg,
		mqtt:     scope,
		regs:     scope.MustScoped("registers"),
		tok:      tok,
		log:      slog.With("connection", id),
		inbox:    make(chan command, 32),
		regSub:   regSub,
		monitors: make(map[string]*monitorEntry),
		backoff:  backoffStart,
	}, nil
}

// Handle returns the sending side of the supervisor's inbox.
func (s *Supervisor) Handle() Handle {
	return Handle{inbox: s.inbox}
}

// Run drives the connection until ctx is cancelled: connect, serve the
// inbox, and on a fatal transport failure tear down, back off and
// reconnect. A "disconnected" state publish is the last thing out the door.
func (s *Supervisor) Run(ctx context.Context) {
	defer s.tok.Release()
	defer s.mqtt.PublishSubNoWait("state", []byte("disconnected"))
	defer s.stopMonitors()
	defer s.regSub.Close()

	for ctx.Err() == nil {
		s.publishState("connecting")

		transport, err := s.connect(ctx)
		if err != nil {
			s.log.Error("connect failed", "err", err)
			s.publishErrored(err)
			if !s.sleepBackoff(ctx) {
				return
			}
			continue
		}

		s.publishState("connected")
		s.log.Info("connected", "proto", s.cfg.Proto)

		err = s.serve(ctx, transport)
		transport.Close()

		if err == nil {
			// shutdown or replacement
			return
		}

		s.log.Error("connection failed", "err", err)
		s.publishErrored(err)
		if !s.sleepBackoff(ctx) {
			return
		}
	}
}

// serve answers inbox commands and register config updates until shutdown
// (nil) or a connection-fatal transport error (non-nil).
func (s *Supervisor) serve(ctx context.Context, transport modbus.Transport) error {
	for {
		select {
		case cmd := <-s.inbox:
			if err := s.execute(ctx, transport, cmd); bridgeerr.Is(err, bridgeerr.KindFatal) {
				return err
			}

		case msg, ok := <-s.regSub.C():
			if !ok {
				return nil
			}
			s.handleRegisterConfig(ctx, msg)

		case <-s.tok.Recv():
			return nil

		case <-ctx.Done():
			return nil
		}
	}
}

// execute runs one command against the transport and answers its reply
// channel. The returned error is only used for fatal/retryable
// classification; the requester sees it either way.
func (s *Supervisor) execute(ctx context.Context, transport modbus.Transport, cmd command) error {
	var words []uint16
	var err error

	switch cmd.op {
	case opRead:
		words, err = transport.ReadRegisters(ctx, cmd.kind, cmd.address, cmd.count)

	case opWrite:
		address, ok := modbus.OffsetAddress(cmd.address, s.cfg.AddressOffset)
		if !ok {
			err = bridgeerr.New(bridgeerr.KindConfig, "supervisor write",
				fmt.Errorf("address %d with offset %d leaves the 16-bit domain", cmd.address, s.cfg.AddressOffset))
		} else {
			words, err = transport.WriteRegisters(ctx, address, cmd.words)
		}
	}

	if err == nil {
		s.backoff = backoffStart
	}

	select {
	case cmd.reply <- result{words: words, err: err}:
	default:
		s.log.Warn("dropping reply to a dead requester")
	}

	return err
}

func (s *Supervisor) connect(ctx context.Context) (modbus.Transport, error) {
	if s.dial != nil {
		return s.dial(ctx)
	}

	switch s.cfg.Proto {
	case ProtoTCP:
		return modbus.DialTCP(ctx, modbus.TCPConfig{
			Host: s.cfg.Host,
			Port: s.cfg.EffectivePort(),
			Unit: s.cfg.EffectiveUnit(),
		})

	case ProtoRTU:
		return modbus.OpenRTU(modbus.RTUConfig{
			TTY:         s.cfg.TTY,
			BaudRate:    s.cfg.BaudRate,
			DataBits:    s.cfg.DataBits,
			StopBits:    s.cfg.StopBits,
			Parity:      s.cfg.Parity,
			FlowControl: s.cfg.FlowControl,
			Unit:        s.cfg.EffectiveUnit(),
		})

	case ProtoWiNetS:
		return winets.Connect(ctx, s.cfg.Host)

	default:
		return nil, bridgeerr.New(bridgeerr.KindConfig, "supervisor",
			fmt.Errorf("unknown protocol %q", s.cfg.Proto))
	}
}

// handleRegisterConfig spawns a monitor for a register definition arriving
// on registers/+/config, replacing any existing monitor at the same path.
func (s *Supervisor) handleRegisterConfig(ctx context.Context, msg mqttmux.Message) {
	path := registerPathFromTopic(msg.Topic)
	if path == "" {
		return
	}

	def, err := register.Parse(msg.Payload)
	if err != nil {
		s.log.Warn("ignoring invalid register definition", "topic", msg.Topic, "err", err)
		return
	}

	if entry, ok := s.monitors[path]; ok {
		if entry.named != (def.Name != "") && entry.address != def.Address {
			s.log.Error("register name collides with another register's address, ignoring",
				"path", path, "address", def.Address, "existing_address", entry.address)
			return
		}
		entry.cancel()
	}

	mctx, cancel := context.WithCancel(ctx)
	s.monitors[path] = &monitorEntry{
		address: def.Address,
		named:   def.Name != "",
		cancel:  cancel,
	}

	monitor := register.NewMonitor(def, s.cfg.AddressOffset, s.Handle(), s.regs)
	tok := s.tok.Clone()
	go func() {
		defer tok.Release()
		monitor.Run(mctx)
	}()

	s.log.Info("monitoring register", "path", path, "address", def.Address, "interval", def.Interval)
}

func (s *Supervisor) stopMonitors() {
	for _, entry := range s.monitors {
		entry.cancel()
	}
}

// registerPathFromTopic extracts <path> from .../registers/<path>/config.
func registerPathFromTopic(topic string) string {
	parts := strings.Split(topic, "/")
	if len(parts) < 2 || parts[len(parts)-1] != "config" {
		return ""
	}
	return parts[len(parts)-2]
}

// publishState publishes to the connection's state topic without blocking.
func (s *Supervisor) publishState(state string) {
	s.mqtt.PublishSubNoWait("state", []byte(state))
}

// publishErrored publishes the errored state plus a human-readable
// last_error string.
func (s *Supervisor) publishErrored(err error) {
	s.publishState("errored")
	s.mqtt.PublishSubNoWait("last_error", []byte(err.Error()))
}

// sleepBackoff waits out the current backoff interval, doubling it for next
// time up to the cap. Returns false if shutdown arrived mid-sleep.
func (s *Supervisor) sleepBackoff(ctx context.Context) bool {
	timer := time.NewTimer(s.backoff)
	defer timer.Stop()

	if s.backoff < backoffMax {
		s.backoff *= 2
		if s.backoff > backoffMax {
			s.backoff = backoffMax
		}
	}

	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	case <-s.tok.Recv():
		return false
	}
}
