package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/gorilla/websocket"

	"github.com/danielfrankch/optogrid-client/proto"
)

const (
	handshakeTimeout = 5 * time.Second
	closeGracePeriod = time.Second
	maxFrameBytes    = 1 << 20 // snapshot tables are the largest replies
)

var errTransportClosed = errors.New("transport not connected")

// WebSocketTransport carries frames to and from the bridge over one
// WebSocket connection. Writes are serialized by Client; Read is meant
// for a single reader goroutine.
type WebSocketTransport struct {
	dialer *websocket.Dialer
	conn   *websocket.Conn
}

func NewWebSocketTransport() *WebSocketTransport {
	return &WebSocketTransport{
		dialer: &websocket.Dialer{HandshakeTimeout: handshakeTimeout},
	}
}

func (t *WebSocketTransport) Connect(addr string) error {
	u, err := url.Parse(addr)
	if err != nil {
		return fmt.Errorf("invalid bridge address %q: %w", addr, err)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "":
		u.Scheme = "ws"
	default:
		return fmt.Errorf("bridge address %q: scheme must be ws or wss", addr)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = "/ws"
	}

	conn, _, err := t.dialer.Dial(u.String(), nil)
	if err != nil {
		return err
	}
	conn.SetReadLimit(maxFrameBytes)
	t.conn = conn
	return nil
}

func (t *WebSocketTransport) Send(frame proto.Frame) error {
	if t.conn == nil {
		return errTransportClosed
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("marshalling %s frame: %w", frame.Type, err)
	}
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

func (t *WebSocketTransport) Read() (proto.Frame, error) {
	if t.conn == nil {
		return proto.Frame{}, errTransportClosed
	}
	_, data, err := t.conn.ReadMessage()
	if err != nil {
		return proto.Frame{}, err
	}
	var frame proto.Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		return proto.Frame{}, &proto.ProtocolError{Reason: "frame is not valid JSON", Line: string(data)}
	}
	return frame, nil
}

// Close attempts a clean close handshake, then tears the socket down
// regardless.
func (t *WebSocketTransport) Close() error {
	if t.conn == nil {
		return nil
	}
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	t.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGracePeriod))
	err := t.conn.Close()
	t.conn = nil
	return err
}
