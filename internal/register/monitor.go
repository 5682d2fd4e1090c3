package register

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/modbus-mqtt/bridge/internal/codec"
	"github.com/modbus-mqtt/bridge/internal/modbus"
)

// Reader issues a serialized read against the register's connection.
type Reader interface {
	Read(ctx context.Context, kind modbus.RegisterKind, address, count uint16) ([]uint16, error)
}

// Publisher publishes decoded values under the connection's registers
// scope; satisfied by mqttmux.Scope.
type Publisher interface {
	PublishSub(ctx context.Context, subtopic string, payload []byte) error
}

// Monitor polls one register definition: tick, read, decode, publish. A
// failed poll is logged and swallowed; whether the transport survives is
// the supervisor's call, not the monitor's.
type Monitor struct {
	def           Definition
	addressOffset int8
	modbus        Reader
	mqtt          Publisher // scoped at <prefix>/<id>/registers
	log           *slog.Logger
}

// NewMonitor builds a monitor for def, publishing under scope (the
// connection's registers scope).
func NewMonitor(def Definition, addressOffset int8, reader Reader, scope Publisher) *Monitor {
	return &Monitor{
		def:           def,
		addressOffset: addressOffset,
		modbus:        reader,
		mqtt:          scope,
		log: slog.With(
			"register", def.Path(),
			"address", def.Address,
			"type", def.Type.String(),
		),
	}
}

// Run ticks at the definition's interval until ctx is cancelled (shutdown,
// or replacement by a newer definition at the same path). time.Ticker
// collapses ticks missed during a slow read instead of queueing a burst,
// which is exactly the delayed catch-up policy polling wants.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.def.Interval)
	defer ticker.Stop()

	m.log.Debug("monitor started", "interval", m.def.Interval)

	for {
		select {
		case <-ticker.C:
			m.poll(ctx)

		case <-ctx.Done():
			m.log.Debug("monitor stopped")
			return
		}
	}
}

func (m *Monitor) poll(ctx context.Context) {
	address, ok := modbus.OffsetAddress(m.def.Address, m.addressOffset)
	if !ok {
		m.log.Error("address offset would underflow or overflow, skipping poll", "offset", m.addressOffset)
		return
	}

	words, err := m.modbus.Read(ctx, m.def.Type, address, m.def.Size())
	if err != nil {
		m.log.Warn("poll failed", "err", err)
		return
	}

	value, err := codec.Decode(m.def.Parse, words)
	if err != nil {
		m.log.Warn("decode failed", "err", err)
		return
	}

	payload, err := json.Marshal(value)
	if err != nil {
		m.log.Warn("marshal failed", "err", err)
		return
	}

	if err := m.mqtt.PublishSub(ctx, m.def.Path(), payload); err != nil {
		m.log.Warn("publish failed", "err", err)
	}
}
