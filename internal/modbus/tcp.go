package modbus

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/modbus-mqtt/bridge/internal/bridgeerr"
)

// TCPConfig carries the dial parameters for an MBAP connection.
type TCPConfig struct {
	Host string
	Port uint16
	Unit uint8

	// ConnectTimeout bounds the dial; keep it short so supervisor backoff
	// stays responsive. Defaults to 1s.
	ConnectTimeout time.Duration

	// ResponseTimeout bounds each request/response round trip. Defaults
	// to 5s.
	ResponseTimeout time.Duration
}

// TCPTransport speaks Modbus TCP over a single net.Conn. A receiver, a
// transmitter and a fanout goroutine pump ADUs between the socket and
// per-transaction waiter channels; the three die together when the socket
// does.
type TCPTransport struct {
	conn net.Conn
	unit uint8

	txID atomic.Uint32 // atomic doesn't give us u16. u32 overflows during conversion and that's fine

	respTimeout time.Duration

	aduRxCh chan *tcpADU
	aduTxCh chan *tcpADU

	waitersMu sync.Mutex
	waiters   map[uint16]chan *tcpADU

	cancel context.CancelFunc
	done   chan struct{}
	runErr error
}

// DialTCP connects to host:port and starts the transport's pump goroutines.
func DialTCP(ctx context.Context, cfg TCPConfig) (*TCPTransport, error) {
	connectTimeout := cfg.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = time.Second
	}

	dialCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	var dialer net.Dialer
	conn, err := dialer.DialContext(dialCtx, "tcp", fmt.Sprintf("%s:%d", cfg.Host, cfg.Port))
	if err != nil {
		return nil, bridgeerr.New(bridgeerr.KindFatal, "modbus tcp dial", err)
	}

	respTimeout := cfg.ResponseTimeout
	if respTimeout <= 0 {
		respTimeout = 5 * time.Second
	}

	runCtx, runCancel := context.WithCancel(context.Background())

	t := &TCPTransport{
		conn:        conn,
		unit:        cfg.Unit,
		respTimeout: respTimeout,
		aduRxCh:     make(chan *tcpADU),
		aduTxCh:     make(chan *tcpADU),
		waiters:     make(map[uint16]chan *tcpADU),
		cancel:      runCancel,
		done:        make(chan struct{}),
	}
	t.txID.Store(1234)

	go t.run(runCtx)

	return t, nil
}

func (t *TCPTransport) run(ctx context.Context) {
	defer close(t.done)
	defer t.conn.Close()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return t.receiver(ctx)
	})

	g.Go(func() error {
		return t.transmitter(ctx)
	})

	g.Go(func() error {
		return t.fanout(ctx)
	})

	t.runErr = classifyIO("modbus tcp", g.Wait())
}

func (t *TCPTransport) receiver(ctx context.Context) error {
	for {
		packet := &tcpADU{}
		err := packet.Scan(t.conn)
		if err != nil {
			return err
		}

		select {
		case t.aduRxCh <- packet:

		case <-ctx.Done():
			slog.Debug("modbus receiver context finished")
			return ctx.Err()
		}
	}
}

func (t *TCPTransport) transmitter(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			slog.Debug("modbus transmitter context finished")
			return ctx.Err()

		case packet := <-t.aduTxCh:
			b := packet.Marshal()
			slog.Debug("sending packet", "transaction_id", packet.TransactionID, "function_code", packet.FunctionCode)
			_, err := t.conn.Write(b)
			if err != nil {
				return err
			}
		}
	}
}

func (t *TCPTransport) fanout(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			slog.Debug("modbus fanout context finished")
			return ctx.Err()

		case packet := <-t.aduRxCh:
			t.waitersMu.Lock()

			// Find who's waiting for it
			ch, ok := t.waiters[packet.TransactionID]
			delete(t.waiters, packet.TransactionID)

			t.waitersMu.Unlock()

			if !ok {
				continue
			}

			ch <- packet
		}
	}
}

func (t *TCPTransport) waiter(transactionID uint16) chan *tcpADU {
	t.waitersMu.Lock()
	defer t.waitersMu.Unlock()

	t.waiters[transactionID] = make(chan *tcpADU, 1)
	return t.waiters[transactionID]
}

func (t *TCPTransport) dropWaiter(transactionID uint16) {
	t.waitersMu.Lock()
	defer t.waitersMu.Unlock()
	delete(t.waiters, transactionID)
}

func (t *TCPTransport) functionCall(ctx context.Context, fc uint8, data []byte) (*tcpADU, error) {
	transactionID := uint16(t.txID.Add(1))
	req := &tcpADU{
		mbapHeader: mbapHeader{
			TransactionID: transactionID,
			ProtocolID:    0x0000,
			Length:        uint16(len(data) + 2), // unit id + fc
			UnitID:        t.unit,
		},
		FunctionCode: fc,
		Data:         data,
	}

	ctx, cancel := context.WithTimeout(ctx, t.respTimeout)
	defer cancel()

	resultCh := t.waiter(transactionID)

	select {
	case t.aduTxCh <- req:

	case <-ctx.Done():
		t.dropWaiter(transactionID)
		return nil, classifyIO("modbus tcp send", ctx.Err())

	case <-t.done:
		t.dropWaiter(transactionID)
		return nil, t.closedErr()
	}

	select {
	case result := <-resultCh:
		if result.FunctionCode == fc|exceptionBit {
			code := uint8(0)
			if len(result.Data) > 0 {
				code = result.Data[0]
			}
			return nil, exceptionErr(fc, code)
		}
		if result.FunctionCode != fc {
			return nil, classifyIO("modbus tcp",
				fmt.Errorf("%w: response function code 0x%02x for request 0x%02x", errInvalidFrame, result.FunctionCode, fc))
		}
		return result, nil

	case <-ctx.Done():
		t.dropWaiter(transactionID)
		return nil, classifyIO("modbus tcp receive", ctx.Err())

	case <-t.done:
		t.dropWaiter(transactionID)
		return nil, t.closedErr()
	}
}

func (t *TCPTransport) closedErr() error {
	if t.runErr != nil {
		return t.runErr
	}
	return bridgeerr.New(bridgeerr.KindFatal, "modbus tcp", bridgeerr.ErrClosed)
}

// ReadRegisters reads count registers starting at address.
func (t *TCPTransport) ReadRegisters(ctx context.Context, kind RegisterKind, address, count uint16) ([]uint16, error) {
	if err := validateReadRange(count); err != nil {
		return nil, err
	}

	fc := fcReadHolding
	if kind == Input {
		fc = fcReadInput
	}

	resp, err := t.functionCall(ctx, fc, readRequestPDU(address, count))
	if err != nil {
		return nil, err
	}

	words, err := parseReadResponse(resp.Data, count)
	if err != nil {
		return nil, classifyIO("modbus tcp read", err)
	}
	return words, nil
}

// WriteRegisters writes words at address via read/write multiple registers
// and returns the read-back values.
func (t *TCPTransport) WriteRegisters(ctx context.Context, address uint16, words []uint16) ([]uint16, error) {
	if err := validateReadRange(uint16(len(words))); err != nil {
		return nil, err
	}

	resp, err := t.functionCall(ctx, fcReadWriteMultiple, readWriteRequestPDU(address, words))
	if err != nil {
		return nil, err
	}

	out, err := parseReadResponse(resp.Data, uint16(len(words)))
	if err != nil {
		return nil, classifyIO("modbus tcp write", err)
	}
	return out, nil
}

// Close tears down the socket and the pump goroutines.
func (t *TCPTransport) Close() error {
	t.cancel()
	err := t.conn.Close()
	<-t.done
	return err
}
