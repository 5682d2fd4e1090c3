package modbus

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"

	"github.com/modbus-mqtt/bridge/internal/bridgeerr"
)

// RTUConfig carries the serial line parameters for an RTU connection.
type RTUConfig struct {
	TTY         string
	BaudRate    int
	DataBits    int
	StopBits    int
	Parity      string
	FlowControl string
	Unit        uint8

	// ResponseTimeout bounds each request/response round trip. Defaults
	// to 1s.
	ResponseTimeout time.Duration
}

// RTUTransport speaks Modbus RTU over a serial port. Requests are strictly
// synchronous: one frame out, one frame back, guarded by a mutex so a
// half-read response never interleaves with the next request.
type RTUTransport struct {
	mu          sync.Mutex
	port        serial.Port
	unit        uint8
	respTimeout time.Duration
}

// OpenRTU opens the tty with the configured line parameters.
func OpenRTU(cfg RTUConfig) (*RTUTransport, error) {
	mode := &serial.Mode{
		BaudRate: cfg.BaudRate,
		DataBits: cfg.DataBits,
	}
	if mode.DataBits == 0 {
		mode.DataBits = 8
	}

	switch strings.ToLower(cfg.Parity) {
	case "", "none", "n":
		mode.Parity = serial.NoParity
	case "even", "e":
		mode.Parity = serial.EvenParity
	case "odd", "o":
		mode.Parity = serial.OddParity
	default:
		return nil, bridgeerr.New(bridgeerr.KindConfig, "modbus rtu",
			fmt.Errorf("unknown parity %q", cfg.Parity))
	}

	switch cfg.StopBits {
	case 0, 1:
		mode.StopBits = serial.OneStopBit
	case 2:
		mode.StopBits = serial.TwoStopBits
	default:
		return nil, bridgeerr.New(bridgeerr.KindConfig, "modbus rtu",
			fmt.Errorf("unknown stop bits %d", cfg.StopBits))
	}

	// The serial layer drives the line without handshaking; only "none"
	// can be honored.
	switch strings.ToLower(cfg.FlowControl) {
	case "", "none":
	default:
		return nil, bridgeerr.New(bridgeerr.KindConfig, "modbus rtu",
			fmt.Errorf("unsupported flow control %q", cfg.FlowControl))
	}

	port, err := serial.Open(cfg.TTY, mode)
	if err != nil {
		return nil, bridgeerr.New(bridgeerr.KindFatal, "modbus rtu open", err)
	}

	respTimeout := cfg.ResponseTimeout
	if respTimeout <= 0 {
		respTimeout = time.Second
	}

	return &RTUTransport{
		port:        port,
		unit:        cfg.Unit,
		respTimeout: respTimeout,
	}, nil
}

// ReadRegisters reads count registers starting at address.
func (t *RTUTransport) ReadRegisters(ctx context.Context, kind RegisterKind, address, count uint16) ([]uint16, error) {
	if err := validateReadRange(count); err != nil {
		return nil, err
	}

	fc := fcReadHolding
	if kind == Input {
		fc = fcReadInput
	}

	data, err := t.execute(ctx, fc, readRequestPDU(address, count))
	if err != nil {
		return nil, err
	}

	words, err := parseReadResponse(data, count)
	if err != nil {
		return nil, classifyIO("modbus rtu read", err)
	}
	return words, nil
}

// WriteRegisters writes words at address via read/write multiple registers
// and returns the read-back values.
func (t *RTUTransport) WriteRegisters(ctx context.Context, address uint16, words []uint16) ([]uint16, error) {
	if err := validateReadRange(uint16(len(words))); err != nil {
		return nil, err
	}

	data, err := t.execute(ctx, fcReadWriteMultiple, readWriteRequestPDU(address, words))
	if err != nil {
		return nil, err
	}

	out, err := parseReadResponse(data, uint16(len(words)))
	if err != nil {
		return nil, classifyIO("modbus rtu write", err)
	}
	return out, nil
}

// Close closes the serial port.
func (t *RTUTransport) Close() error {
	return t.port.Close()
}

// execute sends one RTU frame and reads back the matching response payload
// (the bytes between the function code and the CRC).
func (t *RTUTransport) execute(ctx context.Context, fc uint8, payload []byte) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	frame := make([]byte, 0, len(payload)+4)
	frame = append(frame, t.unit, fc)
	frame = append(frame, payload...)
	frame = appendCRC16(frame)

	deadline := time.Now().Add(t.respTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	if _, err := t.port.Write(frame); err != nil {
		return nil, classifyIO("modbus rtu write frame", err)
	}

	// unit + function code
	head, err := t.readFull(2, deadline)
	if err != nil {
		return nil, classifyIO("modbus rtu read frame", err)
	}

	if head[1] == fc|exceptionBit {
		rest, err := t.readFull(3, deadline) // exception code + crc
		if err != nil {
			return nil, classifyIO("modbus rtu read frame", err)
		}
		if err := checkCRC16(append(head, rest...)); err != nil {
			return nil, classifyIO("modbus rtu", err)
		}
		return nil, exceptionErr(fc, rest[0])
	}
	if head[0] != t.unit || head[1] != fc {
		return nil, classifyIO("modbus rtu",
			fmt.Errorf("%w: response header % x for unit %d function 0x%02x", errInvalidFrame, head, t.unit, fc))
	}

	countByte, err := t.readFull(1, deadline)
	if err != nil {
		return nil, classifyIO("modbus rtu read frame", err)
	}

	body, err := t.readFull(int(countByte[0])+2, deadline) // data + crc
	if err != nil {
		return nil, classifyIO("modbus rtu read frame", err)
	}

	full := append(append(head, countByte...), body...)
	if err := checkCRC16(full); err != nil {
		return nil, classifyIO("modbus rtu", err)
	}

	return full[2 : len(full)-2], nil
}

// readFull accumulates exactly n bytes from the port, or fails once the
// deadline passes without progress.
func (t *RTUTransport) readFull(n int, deadline time.Time) ([]byte, error) {
	buf := make([]byte, n)
	read := 0
	for read < n {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, context.DeadlineExceeded
		}
		if err := t.port.SetReadTimeout(remaining); err != nil {
			return nil, err
		}

		cnt, err := t.port.Read(buf[read:])
		if err != nil {
			return nil, err
		}
		if cnt == 0 {
			// the serial layer signals a read timeout as a zero-length read
			return nil, context.DeadlineExceeded
		}
		read += cnt
	}
	return buf, nil
}

// crc16 computes the Modbus RTU CRC over data (polynomial 0xA001,
// reflected).
func crc16(data []byte) uint16 {
	crc := uint16(0xFFFF)
	for _, b := range data {
		crc ^= uint16(b)
		for i := 0; i < 8; i++ {
			if crc&1 != 0 {
				crc = (crc >> 1) ^ 0xA001
			} else {
				crc >>= 1
			}
		}
	}
	return crc
}

// appendCRC16 appends the frame CRC low byte first, per RTU convention.
func appendCRC16(frame []byte) []byte {
	crc := crc16(frame)
	return append(frame, byte(crc), byte(crc>>8))
}

// checkCRC16 validates a full frame whose trailing two bytes are the CRC.
func checkCRC16(frame []byte) error {
	if len(frame) < 3 {
		return io.ErrUnexpectedEOF
	}
	payload := frame[:len(frame)-2]
	want := uint16(frame[len(frame)-2]) | uint16(frame[len(frame)-1])<<8
	if crc16(payload) != want {
		return ErrBadCRC
	}
	return nil
}
