package modbus

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modbus-mqtt/bridge/internal/bridgeerr"
)

func TestParseRegisterKind(t *testing.T) {
	kind, err := ParseRegisterKind("input")
	require.NoError(t, err)
	assert.Equal(t, Input, kind)

	kind, err = ParseRegisterKind("holding")
	require.NoError(t, err)
	assert.Equal(t, Holding, kind)

	kind, err = ParseRegisterKind("hold")
	require.NoError(t, err)
	assert.Equal(t, Holding, kind)

	_, err = ParseRegisterKind("coil")
	assert.Error(t, err)
}

func TestOffsetAddress(t *testing.T) {
	addr, ok := OffsetAddress(100, 0)
	assert.True(t, ok)
	assert.Equal(t, uint16(100), addr)

	addr, ok = OffsetAddress(100, -1)
	assert.True(t, ok)
	assert.Equal(t, uint16(99), addr)

	addr, ok = OffsetAddress(100, 27)
	assert.True(t, ok)
	assert.Equal(t, uint16(127), addr)

	_, ok = OffsetAddress(0, -1)
	assert.False(t, ok)

	_, ok = OffsetAddress(0xFFFF, 1)
	assert.False(t, ok)
}

func TestWordByteConversionRoundTrip(t *testing.T) {
	words := []uint16{0x1234, 0xABCD, 0x0001}
	assert.Equal(t, words, bytesToWords(wordsToBytes(words)))
	assert.Equal(t, []byte{0x12, 0x34}, wordsToBytes([]uint16{0x1234}))
}

func TestMBAPHeaderRoundTrip(t *testing.T) {
	h := mbapHeader{TransactionID: 42, ProtocolID: 0, Length: 6, UnitID: 3}

	var back mbapHeader
	require.NoError(t, back.Scan(bytes.NewReader(h.Marshal())))
	assert.Equal(t, h, back)
}

func TestMBAPHeaderRejectsBadProtocol(t *testing.T) {
	h := mbapHeader{TransactionID: 1, ProtocolID: 7, Length: 6, UnitID: 1}

	var back mbapHeader
	err := back.Scan(bytes.NewReader(h.Marshal()))
	require.Error(t, err)
	assert.ErrorIs(t, err, errInvalidFrame)
}

func TestADURoundTrip(t *testing.T) {
	adu := tcpADU{
		mbapHeader:   mbapHeader{TransactionID: 7, Length: 6, UnitID: 1},
		FunctionCode: fcReadInput,
		Data:         []byte{0x13, 0x9A, 0x00, 0x02},
	}

	var back tcpADU
	require.NoError(t, back.Unmarshal(adu.Marshal()))
	assert.Equal(t, adu, back)
}

func TestReadWriteRequestPDU(t *testing.T) {
	pdu := readWriteRequestPDU(0x0010, []uint16{0x0102, 0x0304})

	assert.Equal(t, []byte{
		0x00, 0x10, // read address
		0x00, 0x02, // read quantity
		0x00, 0x10, // write address
		0x00, 0x02, // write quantity
		0x04,                   // write byte count
		0x01, 0x02, 0x03, 0x04, // write data
	}, pdu)
}

func TestParseReadResponse(t *testing.T) {
	words, err := parseReadResponse([]byte{0x04, 0x00, 0x01, 0x00, 0x7B}, 2)
	require.NoError(t, err)
	assert.Equal(t, []uint16{0x0001, 0x007B}, words)

	_, err = parseReadResponse([]byte{}, 1)
	assert.ErrorIs(t, err, errInvalidFrame)

	_, err = parseReadResponse([]byte{0x04, 0x00, 0x01}, 1)
	assert.ErrorIs(t, err, errInvalidFrame)
}

func TestClassifyIO(t *testing.T) {
	assert.True(t, bridgeerr.Is(classifyIO("op", io.ErrUnexpectedEOF), bridgeerr.KindFatal))
	assert.True(t, bridgeerr.Is(classifyIO("op", io.EOF), bridgeerr.KindFatal))
	assert.True(t, bridgeerr.Is(classifyIO("op", errInvalidFrame), bridgeerr.KindFatal))
	assert.True(t, bridgeerr.Is(classifyIO("op", ErrBadCRC), bridgeerr.KindTransient))
	assert.True(t, bridgeerr.Is(classifyIO("op", context.DeadlineExceeded), bridgeerr.KindTransient))
	assert.NoError(t, classifyIO("op", nil))

	// Already-classified errors pass through untouched.
	fatal := bridgeerr.New(bridgeerr.KindFatal, "x", io.EOF)
	assert.Equal(t, fatal, classifyIO("op", fatal))
}

func TestExceptionErrIsTransient(t *testing.T) {
	err := exceptionErr(fcReadHolding, 0x02)
	assert.True(t, bridgeerr.Is(err, bridgeerr.KindTransient))

	var exc *ExceptionError
	require.ErrorAs(t, err, &exc)
	assert.Equal(t, uint8(0x02), exc.Code)
	assert.Contains(t, exc.Error(), "illegal data address")
}

func TestValidateReadRange(t *testing.T) {
	assert.NoError(t, validateReadRange(1))
	assert.NoError(t, validateReadRange(125))
	assert.Error(t, validateReadRange(0))
	assert.Error(t, validateReadRange(126))
}
