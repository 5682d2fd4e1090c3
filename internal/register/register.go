// Package register implements the per-register polling engine: definition
// parsing from the MQTT config payloads, and the monitor task that ticks,
// reads, decodes and republishes each register's value.
package register

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/modbus-mqtt/bridge/internal/codec"
	"github.com/modbus-mqtt/bridge/internal/modbus"
)

// DefaultInterval applies when a definition carries no polling interval.
const DefaultInterval = 60 * time.Second

// Definition is one register to poll: an address, an optional human name,
// the register table it lives in, the decode pipeline, and how often to
// read it.
type Definition struct {
	Address  uint16
	Name     string
	Type     modbus.RegisterKind
	Parse    codec.Spec
	Interval time.Duration
}

// rawDefinition is the wire JSON shape. The parse-spec fields (type, scale,
// offset, length, count, of, swap_bytes, swap_words) are flattened into the
// same object and decoded separately by codec.Spec.
type rawDefinition struct {
	Address *int   `json:"address"`
	Name    string `json:"name"`

	RegisterType string `json:"register_type"`

	// Legacy configs spell the polling interval three ways.
	Interval string `json:"interval"`
	Period   string `json:"period"`
	Duration string `json:"duration"`
}

// UnmarshalJSON parses a register definition, accepting the period/duration
// aliases for interval and the s8..s64 signed-type aliases handled by the
// codec.
func (d *Definition) UnmarshalJSON(data []byte) error {
	var raw rawDefinition
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	if raw.Address == nil {
		return fmt.Errorf("register: definition requires an address")
	}
	if *raw.Address < 0 || *raw.Address > 0xFFFF {
		return fmt.Errorf("register: address %d out of range", *raw.Address)
	}
	d.Address = uint16(*raw.Address)
	d.Name = raw.Name

	d.Type = modbus.Input
	if raw.RegisterType != "" {
		kind, err := modbus.ParseRegisterKind(raw.RegisterType)
		if err != nil {
			return err
		}
		d.Type = kind
	}

	if err := json.Unmarshal(data, &d.Parse); err != nil {
		return err
	}
	if size := d.Parse.Size(); size < 1 || size > modbus.MaxReadWords {
		return fmt.Errorf("register: %d-word value does not fit a single read", size)
	}

	interval := raw.Interval
	if interval == "" {
		interval = raw.Period
	}
	if interval == "" {
		interval = raw.Duration
	}
	if interval == "" {
		d.Interval = DefaultInterval
	} else {
		parsed, err := time.ParseDuration(interval)
		if err != nil {
			return fmt.Errorf("register: invalid interval %q: %w", interval, err)
		}
		if parsed <= 0 {
			return fmt.Errorf("register: interval %q must be positive", interval)
		}
		d.Interval = parsed
	}

	return nil
}

// MarshalJSON renders the definition back to the flattened wire shape, with
// the interval in its canonical duration spelling.
func (d Definition) MarshalJSON() ([]byte, error) {
	specJSON, err := json.Marshal(d.Parse)
	if err != nil {
		return nil, err
	}

	var fields map[string]any
	if err := json.Unmarshal(specJSON, &fields); err != nil {
		return nil, err
	}

	fields["address"] = d.Address
	if d.Name != "" {
		fields["name"] = d.Name
	}
	fields["register_type"] = d.Type.String()
	fields["interval"] = d.Interval.String()

	return json.Marshal(fields)
}

// Parse decodes and validates a definition payload.
func Parse(data []byte) (Definition, error) {
	var d Definition
	if err := json.Unmarshal(data, &d); err != nil {
		return Definition{}, err
	}
	return d, nil
}

// Path is the topic segment the register publishes under: the name when
// present, the decimal address otherwise.
func (d Definition) Path() string {
	if d.Name != "" {
		return d.Name
	}
	return strconv.Itoa(int(d.Address))
}

// Size is the number of 16-bit words one poll reads.
func (d Definition) Size() uint16 {
	return uint16(d.Parse.Size())
}
