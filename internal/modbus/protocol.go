package modbus

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

const (
	fcReadHolding       uint8 = 0x03
	fcReadInput         uint8 = 0x04
	fcReadWriteMultiple uint8 = 0x17

	exceptionBit uint8 = 0x80
)

type mbapHeader struct {
	TransactionID uint16
	ProtocolID    uint16
	Length        uint16
	UnitID        uint8
}

func (h *mbapHeader) Scan(r io.Reader) error {
	header := make([]byte, 7)
	_, err := io.ReadFull(r, header)
	if err != nil {
		return fmt.Errorf("failed to read header: %w", err)
	}

	headerR := bytes.NewReader(header)

	binary.Read(headerR, binary.BigEndian, &h.TransactionID)
	binary.Read(headerR, binary.BigEndian, &h.ProtocolID)
	binary.Read(headerR, binary.BigEndian, &h.Length)
	binary.Read(headerR, binary.BigEndian, &h.UnitID)

	if h.ProtocolID != 0 {
		return fmt.Errorf("%w: invalid protocol id: %d", errInvalidFrame, h.ProtocolID)
	}
	if h.Length < 2 {
		return fmt.Errorf("%w: invalid length: %d", errInvalidFrame, h.Length)
	}

	return nil
}

func (h *mbapHeader) Marshal() []byte {
	buf := new(bytes.Buffer)

	binary.Write(buf, binary.BigEndian, h.TransactionID)
	binary.Write(buf, binary.BigEndian, h.ProtocolID)
	binary.Write(buf, binary.BigEndian, h.Length)
	binary.Write(buf, binary.BigEndian, h.UnitID)

	return buf.Bytes()
}

// tcpADU is one MBAP-framed application data unit: header, function code,
// then the function-specific payload.
type tcpADU struct {
	mbapHeader

	FunctionCode uint8
	Data         []byte
}

func (a *tcpADU) Scan(r io.Reader) error {
	err := a.mbapHeader.Scan(r)
	if err != nil {
		return err
	}

	err = binary.Read(r, binary.BigEndian, &a.FunctionCode)
	if err != nil {
		return fmt.Errorf("failed to read function code: %w", err)
	}

	a.Data = make([]byte, a.Length-2) // -2 for unit id + fc (already read)
	_, err = io.ReadFull(r, a.Data)

	if err != nil {
		return fmt.Errorf("failed to read data: %w", err)
	}
	return nil
}

func (a *tcpADU) Unmarshal(b []byte) error {
	return a.Scan(bytes.NewReader(b))
}

func (a *tcpADU) Marshal() []byte {
	buf := new(bytes.Buffer)

	buf.Write(a.mbapHeader.Marshal())
	buf.WriteByte(a.FunctionCode)
	buf.Write(a.Data)

	return buf.Bytes()
}

// readRequestPDU encodes the payload for a read registers request.
func readRequestPDU(address, quantity uint16) []byte {
	var buff bytes.Buffer
	binary.Write(&buff, binary.BigEndian, address)
	binary.Write(&buff, binary.BigEndian, quantity)
	return buff.Bytes()
}

// readWriteRequestPDU encodes the payload for a read/write multiple
// registers request with the read range equal to the write range.
func readWriteRequestPDU(address uint16, words []uint16) []byte {
	var buff bytes.Buffer
	binary.Write(&buff, binary.BigEndian, address)            // read starting address
	binary.Write(&buff, binary.BigEndian, uint16(len(words))) // read quantity
	binary.Write(&buff, binary.BigEndian, address)            // write starting address
	binary.Write(&buff, binary.BigEndian, uint16(len(words))) // write quantity
	buff.WriteByte(byte(len(words) * 2))
	buff.Write(wordsToBytes(words))
	return buff.Bytes()
}

// parseReadResponse validates the byte-count prefix of a read-shaped
// response payload and returns the register words.
func parseReadResponse(data []byte, quantity uint16) ([]uint16, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: register read response data is empty", errInvalidFrame)
	}

	count := uint16(data[0])
	if count != quantity*2 {
		return nil, fmt.Errorf("%w: response data size %d does not match requested %d registers", errInvalidFrame, count, quantity)
	}

	values := data[1:]
	if int(count) != len(values) {
		return nil, fmt.Errorf("%w: response data payload size %d does not match declared %d", errInvalidFrame, len(values), count)
	}

	return bytesToWords(values), nil
}
