package client

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"

	"github.com/danielfrankch/optogrid-client/proto"
)

func echoBridge(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/ws" {
			http.NotFound(w, r)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var frame proto.Frame
			if err := json.Unmarshal(data, &frame); err != nil {
				continue
			}
			reply, _ := json.Marshal(proto.NewReply(frame.RequestID, json.RawMessage(`"echo"`)))
			conn.WriteMessage(websocket.TextMessage, reply)
		}
	}))
	t.Cleanup(ts.Close)
	return ts
}

func TestWebSocketTransportRoundTrip(t *testing.T) {
	ts := echoBridge(t)

	// An address without a path gets /ws appended.
	tr := NewWebSocketTransport()
	if err := tr.Connect("ws" + strings.TrimPrefix(ts.URL, "http")); err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}
	defer tr.Close()

	if err := tr.Send(proto.NewRequest(9, "optogrid.status", nil)); err != nil {
		t.Fatalf("Failed to send: %v", err)
	}
	frame, err := tr.Read()
	if err != nil {
		t.Fatalf("Failed to read: %v", err)
	}
	if frame.Type != proto.TypeReply || frame.RequestID != 9 {
		t.Errorf("Unexpected frame: %+v", frame)
	}
}

func TestWebSocketTransportRejectsBadScheme(t *testing.T) {
	tr := NewWebSocketTransport()
	if err := tr.Connect("http://127.0.0.1:8765"); err == nil {
		t.Error("Expected error for non-ws scheme")
	}
}

func TestWebSocketTransportDisconnectedOps(t *testing.T) {
	tr := NewWebSocketTransport()
	if err := tr.Send(proto.NewRequest(1, "optogrid.status", nil)); err != errTransportClosed {
		t.Errorf("Expected transport-closed error, got %v", err)
	}
	if _, err := tr.Read(); err != errTransportClosed {
		t.Errorf("Expected transport-closed error, got %v", err)
	}
	if err := tr.Close(); err != nil {
		t.Errorf("Expected close on disconnected transport to be a no-op, got %v", err)
	}
}
