package winets

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	"github.com/modbus-mqtt/bridge/internal/bridgeerr"
)

const (
	wsPort       = 8082
	pingInterval = 5 * time.Second
)

// session owns the gateway WebSocket. Its only jobs are to acquire the API
// token during the connect handshake and to keep the socket alive with
// periodic pings so the token stays valid; register traffic never crosses
// it.
type session struct {
	ws    *websocket.Conn
	token chan string
	done  chan struct{}
}

type wsEnvelope struct {
	ResultCode int             `json:"result_code"`
	ResultMsg  string          `json:"result_msg"`
	ResultData json.RawMessage `json:"result_data"`
}

type wsServiceData struct {
	Service string `json:"service"`
	Token   string `json:"token"`
}

func dialSession(ctx context.Context, host string) (*session, string, error) {
	url := fmt.Sprintf("ws://%s:%d/ws/home/overview", host, wsPort)

	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, "", bridgeerr.New(bridgeerr.KindFatal, "winets ws dial", err)
	}

	hello := map[string]string{"lang": "en_us", "token": "", "service": "connect"}
	if err := ws.WriteJSON(hello); err != nil {
		ws.Close()
		return nil, "", bridgeerr.New(bridgeerr.KindFatal, "winets ws connect", err)
	}

	// The connect acknowledgement carries the token, but the gateway may
	// interleave other service messages first.
	token := ""
	if deadline, ok := ctx.Deadline(); ok {
		ws.SetReadDeadline(deadline)
	} else {
		ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	}
	for token == "" {
		_, msg, err := ws.ReadMessage()
		if err != nil {
			ws.Close()
			return nil, "", bridgeerr.New(bridgeerr.KindFatal, "winets ws connect", err)
		}
		token = tokenFromMessage(msg)
	}
	ws.SetReadDeadline(time.Time{})

	slog.Debug("got gateway token", "host", host)

	s := &session{
		ws:    ws,
		token: make(chan string, 1),
		done:  make(chan struct{}),
	}
	go s.keepalive()

	return s, token, nil
}

func tokenFromMessage(msg []byte) string {
	var env wsEnvelope
	if err := json.Unmarshal(msg, &env); err != nil || env.ResultData == nil {
		return ""
	}
	var data wsServiceData
	if err := json.Unmarshal(env.ResultData, &data); err != nil {
		return ""
	}
	if data.Service != "connect" {
		return ""
	}
	return data.Token
}

// keepalive pings the gateway every 5s and watches for refreshed tokens.
// It exits when the socket dies or Close is called; the HTTP side keeps
// using the last token it saw.
func (s *session) keepalive() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	readErr := make(chan error, 1)
	go func() {
		for {
			_, msg, err := s.ws.ReadMessage()
			if err != nil {
				readErr <- err
				return
			}
			if token := tokenFromMessage(msg); token != "" {
				select {
				case s.token <- token:
				default:
				}
			}
		}
	}()

	for {
		select {
		case <-ticker.C:
			err := s.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(time.Second))
			if err != nil {
				slog.Warn("gateway keepalive ping failed", "err", err)
				return
			}

		case err := <-readErr:
			slog.Warn("gateway websocket closed", "err", err)
			return

		case <-s.done:
			return
		}
	}
}

// refreshedToken returns a newer token observed on the socket, if any.
func (s *session) refreshedToken() (string, bool) {
	select {
	case token := <-s.token:
		return token, true
	default:
		return "", false
	}
}

func (s *session) close() {
	select {
	case <-s.done:
	default:
		close(s.done)
	}
	s.ws.Close()
}
