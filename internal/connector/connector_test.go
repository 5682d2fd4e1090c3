package connector

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modbus-mqtt/bridge/internal/mqttmux"
	"github.com/modbus-mqtt/bridge/internal/shutdown"
)

func newTestBus(t *testing.T) (*mqttmux.Multiplexer, shutdown.Token, context.CancelFunc) {
	t.Helper()
	muxTok, _ := shutdown.New()
	mux := mqttmux.NewLoopback("demo", muxTok)

	tok, cancel := shutdown.New()
	return mux, tok, cancel
}

func startConnector(t *testing.T, mux *mqttmux.Multiplexer, tok shutdown.Token) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	c := New(mux.Root(), tok.Clone())
	go c.Run(ctx)

	// Let the connect subscription land before tests publish.
	time.Sleep(10 * time.Millisecond)
	return cancel
}

func publish(t *testing.T, mux *mqttmux.Multiplexer, topic, payload string) {
	t.Helper()
	require.NoError(t, mux.Publish(context.Background(), topic, []byte(payload)))
}

func expectMessage(t *testing.T, sub *mqttmux.Subscription) mqttmux.Message {
	t.Helper()
	select {
	case msg := <-sub.C():
		return msg
	case <-time.After(time.Second):
		t.Fatal("no message within 1s")
		return mqttmux.Message{}
	}
}

func TestConnectorRepublishesInlineRegisters(t *testing.T) {
	mux, tok, cancelTok := newTestBus(t)
	defer cancelTok()
	stop := startConnector(t, mux, tok)
	defer stop()

	configs, err := mux.Subscribe(context.Background(), "demo/site1/registers/dc_power/config")
	require.NoError(t, err)

	publish(t, mux, "demo/site1/connect", `{
		"proto": "tcp",
		"host": "127.0.0.1",
		"port": 1,
		"input": [
			{"address": 5017, "type": "u32", "name": "dc_power", "period": "3s"}
		]
	}`)

	msg := expectMessage(t, configs)

	var def map[string]any
	require.NoError(t, json.Unmarshal(msg.Payload, &def))
	assert.EqualValues(t, 5017, def["address"])
	assert.Equal(t, "input", def["register_type"])
	assert.Equal(t, "3s", def["interval"])
}

func TestConnectorTagsHoldingListEntries(t *testing.T) {
	mux, tok, cancelTok := newTestBus(t)
	defer cancelTok()
	stop := startConnector(t, mux, tok)
	defer stop()

	configs, err := mux.Subscribe(context.Background(), "demo/site1/registers/+/config")
	require.NoError(t, err)

	publish(t, mux, "demo/site1/connect", `{
		"proto": "tcp",
		"host": "127.0.0.1",
		"port": 1,
		"hold": [
			{"address": 13058, "name": "max_soc", "period": "90s"}
		]
	}`)

	msg := expectMessage(t, configs)

	var def map[string]any
	require.NoError(t, json.Unmarshal(msg.Payload, &def))
	assert.Equal(t, "holding", def["register_type"])
}

func TestConnectorPublishesInvalidForBadJSON(t *testing.T) {
	mux, tok, cancelTok := newTestBus(t)
	defer cancelTok()
	stop := startConnector(t, mux, tok)
	defer stop()

	states, err := mux.Subscribe(context.Background(), "demo/site1/state")
	require.NoError(t, err)

	publish(t, mux, "demo/site1/connect", `{not json`)

	msg := expectMessage(t, states)
	assert.Equal(t, "invalid", string(msg.Payload))
}

func TestConnectorPublishesUnknownProto(t *testing.T) {
	mux, tok, cancelTok := newTestBus(t)
	defer cancelTok()
	stop := startConnector(t, mux, tok)
	defer stop()

	states, err := mux.Subscribe(context.Background(), "demo/site1/state")
	require.NoError(t, err)

	publish(t, mux, "demo/site1/connect", `{"proto": "zigbee", "host": "h"}`)

	msg := expectMessage(t, states)
	assert.Equal(t, "unknown_proto", string(msg.Payload))
}

func TestConnectorSkipsInvalidInlineRegisters(t *testing.T) {
	mux, tok, cancelTok := newTestBus(t)
	defer cancelTok()
	stop := startConnector(t, mux, tok)
	defer stop()

	configs, err := mux.Subscribe(context.Background(), "demo/site1/registers/+/config")
	require.NoError(t, err)

	publish(t, mux, "demo/site1/connect", `{
		"proto": "tcp",
		"host": "127.0.0.1",
		"port": 1,
		"input": [
			{"type": "u32"},
			{"address": 5017, "name": "dc_power"}
		]
	}`)

	// Only the valid entry comes through.
	msg := expectMessage(t, configs)
	var def map[string]any
	require.NoError(t, json.Unmarshal(msg.Payload, &def))
	assert.Equal(t, "dc_power", def["name"])

	select {
	case extra := <-configs.C():
		t.Fatalf("unexpected extra config: %s", extra.Payload)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestConnectionIDFromTopic(t *testing.T) {
	assert.Equal(t, "site1", connectionIDFromTopic("demo/site1/connect"))
	assert.Equal(t, "", connectionIDFromTopic("demo/site1/state"))
}
