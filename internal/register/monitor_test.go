package register

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modbus-mqtt/bridge/internal/codec"
	"github.com/modbus-mqtt/bridge/internal/modbus"
)

type fakeReader struct {
	mu    sync.Mutex
	words []uint16
	err   error
	calls []uint16 // addresses requested
}

func (f *fakeReader) Read(_ context.Context, _ modbus.RegisterKind, address, _ uint16) ([]uint16, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, address)
	return f.words, f.err
}

func (f *fakeReader) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakePublisher struct {
	mu       sync.Mutex
	topics   []string
	payloads [][]byte
}

func (f *fakePublisher) PublishSub(_ context.Context, subtopic string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.topics = append(f.topics, subtopic)
	f.payloads = append(f.payloads, payload)
	return nil
}

func (f *fakePublisher) published() ([]string, [][]byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.topics...), append([][]byte(nil), f.payloads...)
}

func testDefinition() Definition {
	return Definition{
		Address:  5017,
		Name:     "dc_power",
		Type:     modbus.Input,
		Parse:    codec.Spec{Kind: codec.KindNumeric, Numeric: codec.U32},
		Interval: 10 * time.Millisecond,
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestMonitorPublishesDecodedValue(t *testing.T) {
	reader := &fakeReader{words: []uint16{0x0000, 0x007B}}
	pub := &fakePublisher{}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := NewMonitor(testDefinition(), 0, reader, pub)
	go m.Run(ctx)

	waitFor(t, func() bool {
		topics, _ := pub.published()
		return len(topics) > 0
	})

	topics, payloads := pub.published()
	assert.Equal(t, "dc_power", topics[0])
	assert.JSONEq(t, `123`, string(payloads[0]))
}

func TestMonitorSwallowsReadErrors(t *testing.T) {
	reader := &fakeReader{err: errors.New("device busy")}
	pub := &fakePublisher{}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := NewMonitor(testDefinition(), 0, reader, pub)
	go m.Run(ctx)

	waitFor(t, func() bool { return reader.callCount() >= 3 })

	topics, _ := pub.published()
	assert.Empty(t, topics)
}

func TestMonitorAppliesAddressOffset(t *testing.T) {
	reader := &fakeReader{words: []uint16{0x0000, 0x007B}}
	pub := &fakePublisher{}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := NewMonitor(testDefinition(), -1, reader, pub)
	go m.Run(ctx)

	waitFor(t, func() bool { return reader.callCount() > 0 })

	reader.mu.Lock()
	defer reader.mu.Unlock()
	require.NotEmpty(t, reader.calls)
	assert.Equal(t, uint16(5016), reader.calls[0])
}

func TestMonitorSkipsPollOnOffsetOverflow(t *testing.T) {
	reader := &fakeReader{words: []uint16{0}}
	pub := &fakePublisher{}

	def := testDefinition()
	def.Address = 0

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := NewMonitor(def, -1, reader, pub)
	go m.Run(ctx)

	time.Sleep(50 * time.Millisecond)

	assert.Zero(t, reader.callCount())
	topics, _ := pub.published()
	assert.Empty(t, topics)
}

func TestMonitorStopsOnCancel(t *testing.T) {
	reader := &fakeReader{words: []uint16{0x0000, 0x007B}}
	pub := &fakePublisher{}

	ctx, cancel := context.WithCancel(context.Background())

	m := NewMonitor(testDefinition(), 0, reader, pub)
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()

	waitFor(t, func() bool { return reader.callCount() > 0 })
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("monitor did not stop")
	}
}
