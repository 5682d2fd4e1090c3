package modbus

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.bug.st/serial"

	"github.com/modbus-mqtt/bridge/internal/bridgeerr"
)

func TestCRC16KnownVector(t *testing.T) {
	// 01 03 00 00 00 0A -> CRC C5 CD (low byte first on the wire)
	frame := []byte{0x01, 0x03, 0x00, 0x00, 0x00, 0x0A}
	assert.Equal(t, uint16(0xCDC5), crc16(frame))
	assert.Equal(t, append(frame, 0xC5, 0xCD), appendCRC16(frame))
}

func TestCheckCRC16RoundTrip(t *testing.T) {
	frame := appendCRC16([]byte{0x01, 0x04, 0x02, 0x00, 0x7B})
	assert.NoError(t, checkCRC16(frame))

	frame[2] ^= 0xFF
	assert.ErrorIs(t, checkCRC16(frame), ErrBadCRC)
}

// fakePort scripts the bytes the "device" answers with.
type fakePort struct {
	written  bytes.Buffer
	response *bytes.Reader
}

func (p *fakePort) Read(b []byte) (int, error) {
	if p.response.Len() == 0 {
		// a read timeout surfaces as a zero-length read
		return 0, nil
	}
	return p.response.Read(b)
}

func (p *fakePort) Write(b []byte) (int, error)              { return p.written.Write(b) }
func (p *fakePort) Close() error                             { return nil }
func (p *fakePort) SetMode(*serial.Mode) error               { return nil }
func (p *fakePort) SetReadTimeout(time.Duration) error       { return nil }
func (p *fakePort) Drain() error                             { return nil }
func (p *fakePort) ResetInputBuffer() error                  { return nil }
func (p *fakePort) ResetOutputBuffer() error                 { return nil }
func (p *fakePort) SetDTR(bool) error                        { return nil }
func (p *fakePort) SetRTS(bool) error                        { return nil }
func (p *fakePort) Break(time.Duration) error                { return nil }
func (p *fakePort) GetModemStatusBits() (*serial.ModemStatusBits, error) {
	return &serial.ModemStatusBits{}, nil
}

func rtuWithResponse(response []byte) (*RTUTransport, *fakePort) {
	port := &fakePort{response: bytes.NewReader(response)}
	return &RTUTransport{
		port:        port,
		unit:        1,
		respTimeout: 100 * time.Millisecond,
	}, port
}

func TestRTUReadRegisters(t *testing.T) {
	// unit 1, fc 0x04, 2 bytes of data
	response := appendCRC16([]byte{0x01, 0x04, 0x02, 0x00, 0x7B})
	tr, port := rtuWithResponse(response)

	words, err := tr.ReadRegisters(context.Background(), Input, 5017, 1)
	require.NoError(t, err)
	assert.Equal(t, []uint16{0x007B}, words)

	// The request on the wire: unit, fc, address, quantity, crc.
	sent := port.written.Bytes()
	require.Len(t, sent, 8)
	assert.Equal(t, appendCRC16([]byte{0x01, 0x04, 0x13, 0x99, 0x00, 0x01}), sent)
}

func TestRTUExceptionResponse(t *testing.T) {
	response := appendCRC16([]byte{0x01, 0x04 | exceptionBit, 0x02})
	tr, _ := rtuWithResponse(response)

	_, err := tr.ReadRegisters(context.Background(), Input, 1, 1)
	require.Error(t, err)
	assert.True(t, bridgeerr.Is(err, bridgeerr.KindTransient))

	var exc *ExceptionError
	assert.ErrorAs(t, err, &exc)
}

func TestRTUBadCRCIsTransient(t *testing.T) {
	response := appendCRC16([]byte{0x01, 0x04, 0x02, 0x00, 0x7B})
	response[3] ^= 0xFF
	tr, _ := rtuWithResponse(response)

	_, err := tr.ReadRegisters(context.Background(), Input, 1, 1)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBadCRC)
	assert.True(t, bridgeerr.Is(err, bridgeerr.KindTransient))
}

func TestRTUTimeoutIsTransient(t *testing.T) {
	tr, _ := rtuWithResponse(nil)

	_, err := tr.ReadRegisters(context.Background(), Input, 1, 1)
	require.Error(t, err)
	assert.True(t, bridgeerr.Is(err, bridgeerr.KindTransient))
}

func TestOpenRTURejectsBadLineConfig(t *testing.T) {
	_, err := OpenRTU(RTUConfig{TTY: "/dev/null", BaudRate: 9600, Parity: "strange"})
	require.Error(t, err)
	assert.True(t, bridgeerr.Is(err, bridgeerr.KindConfig))

	_, err = OpenRTU(RTUConfig{TTY: "/dev/null", BaudRate: 9600, FlowControl: "hardware"})
	require.Error(t, err)
	assert.True(t, bridgeerr.Is(err, bridgeerr.KindConfig))

	_, err = OpenRTU(RTUConfig{TTY: "/dev/null", BaudRate: 9600, StopBits: 3})
	require.Error(t, err)
	assert.True(t, bridgeerr.Is(err, bridgeerr.KindConfig))
}
