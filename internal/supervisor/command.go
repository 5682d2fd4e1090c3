package supervisor

import (
	"context"

	"github.com/modbus-mqtt/bridge/internal/bridgeerr"
	"github.com/modbus-mqtt/bridge/internal/modbus"
)

type op int

const (
	opRead op = iota
	opWrite
)

type result struct {
	words []uint16
	err   error
}

// command is one inbox message. reply is buffered so the supervisor never
// blocks answering a monitor that has already gone away.
type command struct {
	op      op
	kind    modbus.RegisterKind
	address uint16
	count   uint16
	words   []uint16
	reply   chan result
}

// Handle is the sending side of a supervisor's inbox. Monitors hold one and
// issue reads through it; writes take the same path so the transport only
// ever sees one request at a time.
type Handle struct {
	inbox chan<- command
}

// Read reads count registers of the given kind starting at address.
func (h Handle) Read(ctx context.Context, kind modbus.RegisterKind, address, count uint16) ([]uint16, error) {
	return h.send(ctx, command{
		op:      opRead,
		kind:    kind,
		address: address,
		count:   count,
		reply:   make(chan result, 1),
	})
}

// Write writes words starting at address and returns the read-back values.
func (h Handle) Write(ctx context.Context, address uint16, words []uint16) ([]uint16, error) {
	return h.send(ctx, command{
		op:      opWrite,
		address: address,
		words:   words,
		reply:   make(chan result, 1),
	})
}

func (h Handle) send(ctx context.Context, cmd command) ([]uint16, error) {
	select {
	case h.inbox <- cmd:
	case <-ctx.Done():
		return nil, bridgeerr.New(bridgeerr.KindChannel, "supervisor send", ctx.Err())
	}

	select {
	case res := <-cmd.reply:
		return res.words, res.err
	case <-ctx.Done():
		return nil, bridgeerr.New(bridgeerr.KindChannel, "supervisor receive", ctx.Err())
	}
}
