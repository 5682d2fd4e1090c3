package modbus

import (
	"context"
	"errors"
	"io"
	"net"

	"github.com/modbus-mqtt/bridge/internal/bridgeerr"
)

// errInvalidFrame marks a response whose framing does not parse: bad
// protocol id, impossible lengths, byte counts that disagree with the
// request. Once a stream has produced one of these, the transport's read
// buffers can no longer be trusted to be aligned to frame boundaries, so it
// is classified connection-fatal alongside an unexpected EOF.
var errInvalidFrame = errors.New("modbus: invalid frame")

// ErrBadCRC marks a CRC16 mismatch on a serial RTU response. A single
// corrupted frame is retryable; the next request re-syncs.
var ErrBadCRC = errors.New("modbus: bad crc")

// classifyIO wraps a raw transport error with the kind the supervisor keys
// its teardown decision on: unexpected EOF and framing desync kill the
// connection, everything else (timeouts, temporary socket conditions, bad
// CRC) is surfaced per-operation.
func classifyIO(op string, err error) error {
	if err == nil {
		return nil
	}

	var kerr *bridgeerr.Error
	if errors.As(err, &kerr) {
		return err
	}

	switch {
	case errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, io.ErrClosedPipe),
		errors.Is(err, net.ErrClosed),
		errors.Is(err, errInvalidFrame):
		return bridgeerr.New(bridgeerr.KindFatal, op, err)

	case errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled),
		errors.Is(err, ErrBadCRC):
		return bridgeerr.New(bridgeerr.KindTransient, op, err)
	}

	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return bridgeerr.New(bridgeerr.KindTransient, op, err)
	}

	return bridgeerr.New(bridgeerr.KindTransient, op, err)
}
