// Package modbus implements the Modbus client transports the bridge drives:
// TCP with MBAP framing and serial RTU with CRC16 framing. Both present the
// same Transport surface so the connection supervisor can own exactly one of
// them without caring which wire it speaks.
package modbus

import (
	"context"
	"fmt"

	"github.com/modbus-mqtt/bridge/internal/bridgeerr"
)

// RegisterKind selects between the two register tables a device exposes.
type RegisterKind int

const (
	// Input registers are read-only (function code 0x04).
	Input RegisterKind = iota
	// Holding registers are read/write (function code 0x03).
	Holding
)

func (k RegisterKind) String() string {
	switch k {
	case Input:
		return "input"
	case Holding:
		return "holding"
	default:
		return fmt.Sprintf("RegisterKind(%d)", int(k))
	}
}

// ParseRegisterKind maps the wire names (and the "hold" shorthand) onto a
// RegisterKind.
func ParseRegisterKind(s string) (RegisterKind, error) {
	switch s {
	case "input":
		return Input, nil
	case "holding", "hold":
		return Holding, nil
	default:
		return 0, fmt.Errorf("modbus: unknown register type %q", s)
	}
}

// MarshalText renders the canonical name ("input" or "holding").
func (k RegisterKind) MarshalText() ([]byte, error) {
	switch k {
	case Input, Holding:
		return []byte(k.String()), nil
	default:
		return nil, fmt.Errorf("modbus: unknown register kind %d", int(k))
	}
}

// UnmarshalText accepts "input", "holding" and the "hold" shorthand.
func (k *RegisterKind) UnmarshalText(text []byte) error {
	kind, err := ParseRegisterKind(string(text))
	if err != nil {
		return err
	}
	*k = kind
	return nil
}

// MaxReadWords is the Modbus sequential-read limit.
const MaxReadWords = 125

// Transport is one Modbus client connection. Implementations are not safe
// for concurrent use; the supervisor serializes all calls through its inbox.
type Transport interface {
	// ReadRegisters reads count 16-bit registers starting at address.
	ReadRegisters(ctx context.Context, kind RegisterKind, address, count uint16) ([]uint16, error)

	// WriteRegisters writes words starting at address using the read/write
	// multiple registers function, with the read range equal to the write
	// range, and returns the read-back words.
	WriteRegisters(ctx context.Context, address uint16, words []uint16) ([]uint16, error)

	Close() error
}

// ExceptionError is a Modbus exception response frame. Devices answer these
// for malformed or unsupported requests; the connection itself is fine, so
// these are always retryable.
type ExceptionError struct {
	Function uint8
	Code     uint8
}

func (e *ExceptionError) Error() string {
	return fmt.Sprintf("modbus: exception response to function 0x%02x: %s (0x%02x)", e.Function, exceptionName(e.Code), e.Code)
}

func exceptionName(code uint8) string {
	switch code {
	case 0x01:
		return "illegal function"
	case 0x02:
		return "illegal data address"
	case 0x03:
		return "illegal data value"
	case 0x04:
		return "server device failure"
	case 0x05:
		return "acknowledge"
	case 0x06:
		return "server device busy"
	case 0x08:
		return "memory parity error"
	case 0x0A:
		return "gateway path unavailable"
	case 0x0B:
		return "gateway target failed to respond"
	default:
		return "unknown exception"
	}
}

func exceptionErr(fn, code uint8) error {
	return bridgeerr.New(bridgeerr.KindTransient, "modbus", &ExceptionError{Function: fn, Code: code})
}

func validateReadRange(count uint16) error {
	if count < 1 || count > MaxReadWords {
		return bridgeerr.New(bridgeerr.KindConfig, "modbus",
			fmt.Errorf("quantity %d must be between 1 and %d", count, MaxReadWords))
	}
	return nil
}

// OffsetAddress applies a signed per-connection offset to a declared
// register address in the 16-bit unsigned domain. The second return is
// false when the adjusted address would underflow or overflow; callers
// report that instead of wrapping.
func OffsetAddress(address uint16, offset int8) (uint16, bool) {
	if offset == 0 {
		return address, true
	}
	adjusted := int32(address) + int32(offset)
	if adjusted < 0 || adjusted > 0xFFFF {
		return 0, false
	}
	return uint16(adjusted), true
}

func bytesToWords(b []byte) []uint16 {
	words := make([]uint16, len(b)/2)
	for i := range words {
		words[i] = uint16(b[i*2])<<8 | uint16(b[i*2+1])
	}
	return words
}

func wordsToBytes(words []uint16) []byte {
	b := make([]byte, len(words)*2)
	for i, w := range words {
		b[i*2] = byte(w >> 8)
		b[i*2+1] = byte(w)
	}
	return b
}
