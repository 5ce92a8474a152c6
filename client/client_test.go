package client

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/danielfrankch/optogrid-client/proto"
)

// mockTransport is an in-memory bridge endpoint. Connect seeds the
// inbox with a hello frame; tests inject replies and events with
// deliver and simulate a connection loss with drop.
type mockTransport struct {
	mu        sync.Mutex
	inbox     chan readItem
	dropped   bool
	sent      []proto.Frame
	dials     int
	failDials int
	onSend    func(proto.Frame)
}

type readItem struct {
	frame proto.Frame
	err   error
}

func newMockTransport() *mockTransport {
	return &mockTransport{}
}

func (m *mockTransport) Connect(addr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dials++
	if m.failDials > 0 {
		m.failDials--
		return errors.New("connection refused")
	}
	m.inbox = make(chan readItem, 16)
	m.dropped = false
	m.inbox <- readItem{frame: proto.Frame{Type: proto.TypeHello}}
	return nil
}

func (m *mockTransport) Send(frame proto.Frame) error {
	m.mu.Lock()
	m.sent = append(m.sent, frame)
	onSend := m.onSend
	m.mu.Unlock()
	if onSend != nil {
		go onSend(frame)
	}
	return nil
}

func (m *mockTransport) Read() (proto.Frame, error) {
	m.mu.Lock()
	ch := m.inbox
	m.mu.Unlock()
	if ch == nil {
		return proto.Frame{}, io.EOF
	}
	item, ok := <-ch
	if !ok {
		return proto.Frame{}, io.EOF
	}
	return item.frame, item.err
}

func (m *mockTransport) Close() error {
	m.drop()
	return nil
}

func (m *mockTransport) deliver(frame proto.Frame) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.inbox == nil || m.dropped {
		return
	}
	m.inbox <- readItem{frame: frame}
}

func (m *mockTransport) drop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.inbox == nil || m.dropped {
		return
	}
	m.dropped = true
	close(m.inbox)
}

func (m *mockTransport) sentFrames() []proto.Frame {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]proto.Frame, len(m.sent))
	copy(out, m.sent)
	return out
}

func (m *mockTransport) setOnSend(fn func(proto.Frame)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onSend = fn
}

func (m *mockTransport) dialCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dials
}

func testOptions() Options {
	return Options{
		RequestTimeout:  time.Second,
		ReconnectMin:    10 * time.Millisecond,
		ReconnectMax:    20 * time.Millisecond,
		ReconnectJitter: time.Millisecond,
	}
}

func connectedClient(t *testing.T, m *mockTransport, opts Options) *Client {
	t.Helper()
	c := New("ws://test/ws", m, opts)
	if err := c.Connect(); err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestClientCorrelatesOutOfOrderReplies(t *testing.T) {
	m := newMockTransport()
	c := connectedClient(t, m, testOptions())

	// Echo each request back in reverse arrival order, tagged with its
	// own correlation id, after both requests are in flight.
	var reqMu sync.Mutex
	var requests []proto.Frame
	m.setOnSend(func(frame proto.Frame) {
		if frame.Type != proto.TypeRequest {
			return
		}
		reqMu.Lock()
		requests = append(requests, frame)
		pending := len(requests)
		reqMu.Unlock()
		if pending < 2 {
			return
		}
		reqMu.Lock()
		for i := len(requests) - 1; i >= 0; i-- {
			req := requests[i]
			data, _ := json.Marshal("reply to " + req.Command)
			m.deliver(proto.NewReply(req.RequestID, data))
		}
		reqMu.Unlock()
	})

	var wg sync.WaitGroup
	results := make([]string, 2)
	for i, command := range []string{"optogrid.status", "optogrid.readbattery"} {
		wg.Add(1)
		go func(i int, command string) {
			defer wg.Done()
			text, err := c.DoText(context.Background(), command, nil)
			if err != nil {
				t.Errorf("Request %s failed: %v", command, err)
				return
			}
			results[i] = text
		}(i, command)
	}
	wg.Wait()

	if results[0] != "reply to optogrid.status" {
		t.Errorf("Cross-talk on first request: %q", results[0])
	}
	if results[1] != "reply to optogrid.readbattery" {
		t.Errorf("Cross-talk on second request: %q", results[1])
	}
}

func TestClientTimeoutThenLateReply(t *testing.T) {
	m := newMockTransport()
	opts := testOptions()
	opts.RequestTimeout = 50 * time.Millisecond
	c := connectedClient(t, m, opts)

	_, err := c.Do(context.Background(), "optogrid.trigger", nil)
	var timeoutErr *proto.TimeoutError
	if !errors.As(err, &timeoutErr) {
		t.Fatalf("Expected TimeoutError, got %v", err)
	}
	if timeoutErr.Command != "optogrid.trigger" {
		t.Errorf("Expected command in error, got %q", timeoutErr.Command)
	}

	// The late reply for the expired id must be discarded silently and
	// not interfere with the next request.
	frames := m.sentFrames()
	lateID := frames[len(frames)-1].RequestID
	data, _ := json.Marshal("Trigger sent")
	m.deliver(proto.NewReply(lateID, data))

	m.setOnSend(func(frame proto.Frame) {
		if frame.Type == proto.TypeRequest {
			reply, _ := json.Marshal("Disconnected")
			m.deliver(proto.NewReply(frame.RequestID, reply))
		}
	})
	text, err := c.DoText(context.Background(), "optogrid.status", nil, time.Second)
	if err != nil {
		t.Fatalf("Expected next request unaffected, got %v", err)
	}
	if text != "Disconnected" {
		t.Errorf("Expected Disconnected, got %q", text)
	}
}

func TestClientDeviceErrorReply(t *testing.T) {
	m := newMockTransport()
	c := connectedClient(t, m, testOptions())

	m.setOnSend(func(frame proto.Frame) {
		if frame.Type == proto.TypeRequest {
			m.deliver(proto.NewErrorReply(frame.RequestID, "device not found"))
		}
	})

	_, err := c.Do(context.Background(), "optogrid.connect = Nope", nil)
	var deviceErr *proto.DeviceError
	if !errors.As(err, &deviceErr) {
		t.Fatalf("Expected DeviceError, got %v", err)
	}
	if deviceErr.Message != "device not found" {
		t.Errorf("Expected backend message, got %q", deviceErr.Message)
	}
}

func TestClientDoFailsFastWhenDisconnected(t *testing.T) {
	m := newMockTransport()
	c := New("ws://test/ws", m, testOptions())

	_, err := c.Do(context.Background(), "optogrid.status", nil)
	var transportErr *proto.TransportError
	if !errors.As(err, &transportErr) {
		t.Fatalf("Expected TransportError, got %v", err)
	}
	if got := m.dialCount(); got != 0 {
		t.Errorf("Expected no network attempt, got %d dials", got)
	}
}

func TestClientDropFailsPendingAndResubscribes(t *testing.T) {
	m := newMockTransport()
	c := connectedClient(t, m, testOptions())

	c.Subscribe(proto.TopicIMU, func(string, json.RawMessage) {})
	c.Subscribe(proto.TopicGUI, func(string, json.RawMessage) {})

	errCh := make(chan error, 1)
	go func() {
		_, err := c.Do(context.Background(), "optogrid.snapshot", nil)
		errCh <- err
	}()

	// Wait until the request is in flight, then cut the link.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		frames := m.sentFrames()
		if len(frames) > 0 && frames[len(frames)-1].Type == proto.TypeRequest {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	m.drop()

	select {
	case err := <-errCh:
		var transportErr *proto.TransportError
		if !errors.As(err, &transportErr) {
			t.Fatalf("Expected TransportError for in-flight request, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("In-flight request not rejected after drop")
	}

	// The reconnect loop redials and replays the subscriptions.
	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if m.dialCount() >= 2 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if m.dialCount() < 2 {
		t.Fatal("Expected automatic reconnect after drop")
	}

	deadline = time.Now().Add(time.Second)
	var resub *proto.Frame
	for time.Now().Before(deadline) && resub == nil {
		for _, frame := range m.sentFrames() {
			if frame.Type == proto.TypeSubscribe {
				var payload proto.SubscriptionPayload
				if json.Unmarshal(frame.Data, &payload) == nil && len(payload.Topics) == 2 {
					f := frame
					resub = &f
				}
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	if resub == nil {
		t.Fatal("Expected one subscribe frame listing every registered topic after reconnect")
	}
	var payload proto.SubscriptionPayload
	json.Unmarshal(resub.Data, &payload)
	if payload.Topics[0] != proto.TopicGUI || payload.Topics[1] != proto.TopicIMU {
		t.Errorf("Expected sorted topics [GUI IMU], got %v", payload.Topics)
	}
}

func TestClientEventDispatch(t *testing.T) {
	m := newMockTransport()
	c := connectedClient(t, m, testOptions())

	got := make(chan json.RawMessage, 1)
	c.Subscribe(proto.TopicIMU, func(topic string, payload json.RawMessage) {
		got <- payload
	})

	m.deliver(proto.NewEvent(proto.TopicIMU, json.RawMessage(`{"roll":1.5}`)))
	// An event for an unregistered topic must be dropped, not crash.
	m.deliver(proto.NewEvent("OTHER", json.RawMessage(`{}`)))

	select {
	case payload := <-got:
		if string(payload) != `{"roll":1.5}` {
			t.Errorf("Unexpected payload: %s", payload)
		}
	case <-time.After(time.Second):
		t.Fatal("Handler not invoked for subscribed topic")
	}
}

func TestClientCloseStopsReconnect(t *testing.T) {
	m := newMockTransport()
	c := connectedClient(t, m, testOptions())

	c.Close()
	dials := m.dialCount()

	time.Sleep(100 * time.Millisecond)
	if m.dialCount() != dials {
		t.Error("Expected no reconnect after user close")
	}
	if c.State() != StateDisconnected {
		t.Errorf("Expected disconnected state, got %v", c.State())
	}
}

func TestClientBoundedReconnectGivesUp(t *testing.T) {
	m := newMockTransport()
	opts := testOptions()
	opts.MaxAttempts = 2
	connectedClient(t, m, opts)

	m.mu.Lock()
	m.failDials = 10
	m.mu.Unlock()
	m.drop()

	// 1 initial dial + 2 bounded retries.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if m.dialCount() >= 3 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(100 * time.Millisecond)
	if got := m.dialCount(); got != 3 {
		t.Errorf("Expected exactly 3 dials with 2 bounded retries, got %d", got)
	}
}
