// Package winets implements a Modbus-equivalent client for the Sungrow
// WiNet-S gateway. Register reads and writes tunnel over the gateway's HTTP
// API (GET /device/getParam, POST /device/setParam); a persistent WebSocket
// is held open only to acquire and refresh the session token the HTTP calls
// authenticate with.
package winets

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/modbus-mqtt/bridge/internal/bridgeerr"
	"github.com/modbus-mqtt/bridge/internal/modbus"
)

// Client implements modbus.Transport against one gateway host.
type Client struct {
	host    string
	http    *http.Client
	session *session
	token   string
	devices []device
}

type device struct {
	DevID   uint8  `json:"dev_id"`
	DevCode uint16 `json:"dev_code"`
	DevType uint8  `json:"dev_type"`
}

type resultEnvelope struct {
	ResultCode int             `json:"result_code"`
	ResultMsg  string          `json:"result_msg"`
	ResultData json.RawMessage `json:"result_data"`
}

// Connect dials the gateway WebSocket for a token, fetches the device list,
// and returns a ready client.
func Connect(ctx context.Context, host string) (*Client, error) {
	session, token, err := dialSession(ctx, host)
	if err != nil {
		return nil, err
	}

	c := &Client{
		host:    host,
		http:    &http.Client{Timeout: 10 * time.Second},
		session: session,
		token:   token,
	}

	if err := c.fetchDevices(ctx); err != nil {
		session.close()
		return nil, err
	}

	return c, nil
}

func (c *Client) fetchDevices(ctx context.Context) error {
	var data struct {
		List []device `json:"list"`
	}
	if err := c.post(ctx, "/inverter/list", map[string]string{}, &data); err != nil {
		return bridgeerr.New(bridgeerr.KindFatal, "winets device list", err)
	}
	if len(data.List) == 0 {
		return bridgeerr.New(bridgeerr.KindFatal, "winets device list",
			fmt.Errorf("gateway reported no devices"))
	}
	c.devices = data.List
	return nil
}

// currentToken folds in any refresh the keepalive goroutine has seen.
func (c *Client) currentToken() string {
	if token, ok := c.session.refreshedToken(); ok {
		c.token = token
	}
	return c.token
}

// registerParam maps a register kind onto the gateway's param_type field.
func registerParam(kind modbus.RegisterKind) string {
	if kind == modbus.Holding {
		return "1"
	}
	return "0"
}

// ReadRegisters reads count registers via GET /device/getParam. The word
// stream arrives as a space-separated big-endian hex byte string.
func (c *Client) ReadRegisters(ctx context.Context, kind modbus.RegisterKind, address, count uint16) ([]uint16, error) {
	if count < 1 || count > modbus.MaxReadWords {
		return nil, bridgeerr.New(bridgeerr.KindConfig, "winets",
			fmt.Errorf("quantity %d must be between 1 and %d", count, modbus.MaxReadWords))
	}

	dev := c.devices[0]
	query := url.Values{
		"lang":       {"en_us"},
		"token":      {c.currentToken()},
		"type":       {"3"},
		"dev_id":     {strconv.Itoa(int(dev.DevID))},
		"dev_type":   {strconv.Itoa(int(dev.DevType))},
		"dev_code":   {strconv.Itoa(int(dev.DevCode))},
		"param_type": {registerParam(kind)},
		"param_addr": {strconv.Itoa(int(address))},
		"param_num":  {strconv.Itoa(int(count))},
	}

	var data struct {
		ParamValue string `json:"param_value"`
	}
	if err := c.get(ctx, "/device/getParam", query, &data); err != nil {
		return nil, bridgeerr.New(bridgeerr.KindTransient, "winets read", err)
	}

	words, err := wordsFromHex(data.ParamValue)
	if err != nil {
		return nil, bridgeerr.New(bridgeerr.KindTransient, "winets read", err)
	}
	if len(words) < int(count) {
		return nil, bridgeerr.New(bridgeerr.KindTransient, "winets read",
			fmt.Errorf("gateway returned %d words, wanted %d", len(words), count))
	}
	return words[:count], nil
}

// WriteRegisters writes words via POST /device/setParam, then reads the
// holding range back so callers see the same read-back contract the wire
// transports provide.
func (c *Client) WriteRegisters(ctx context.Context, address uint16, words []uint16) ([]uint16, error) {
	if len(words) == 0 {
		return nil, bridgeerr.New(bridgeerr.KindConfig, "winets write",
			fmt.Errorf("empty write"))
	}

	dev := c.devices[0]
	body := map[string]string{
		"lang":        "en_us",
		"token":       c.currentToken(),
		"dev_id":      strconv.Itoa(int(dev.DevID)),
		"dev_type":    strconv.Itoa(int(dev.DevType)),
		"dev_code":    strconv.Itoa(int(dev.DevCode)),
		"param_addr":  strconv.Itoa(int(address)),
		"param_size":  strconv.Itoa(len(words)),
		"param_value": strconv.Itoa(int(words[0])),
	}

	if err := c.post(ctx, "/device/setParam", body, nil); err != nil {
		return nil, bridgeerr.New(bridgeerr.KindTransient, "winets write", err)
	}

	return c.ReadRegisters(ctx, modbus.Holding, address, uint16(len(words)))
}

// Close drops the token WebSocket. The HTTP side is stateless.
func (c *Client) Close() error {
	c.session.close()
	return nil
}

func (c *Client) get(ctx context.Context, path string, query url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("http://%s%s?%s", c.host, path, query.Encode()), nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) post(ctx context.Context, path string, body map[string]string, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		fmt.Sprintf("http://%s%s", c.host, path), bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	var env resultEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("unparseable gateway response: %w", err)
	}
	if env.ResultCode != 1 {
		return fmt.Errorf("gateway error %d: %s", env.ResultCode, env.ResultMsg)
	}
	if out != nil {
		if env.ResultData == nil {
			return fmt.Errorf("gateway response missing result_data")
		}
		if err := json.Unmarshal(env.ResultData, out); err != nil {
			return fmt.Errorf("unparseable gateway result_data: %w", err)
		}
	}
	return nil
}

