package state

import (
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/danielfrankch/optogrid-client/client"
	"github.com/danielfrankch/optogrid-client/proto"
)

const trackerCSV = `Service,Characteristic,UUID,Value,Unit
Opto Control,LED Selection,56781601-5678-1234-1234-5678abcdeff0,34359738368,bitmap
,Amplitude,56781605-5678-1234-1234-5678abcdeff0,100,%
`

// bridgeStub is an in-memory bridge endpoint that answers snapshot
// requests with a canned parameter table.
type bridgeStub struct {
	mu      sync.Mutex
	inbox   chan stubItem
	dropped bool
	dials   int
}

type stubItem struct {
	frame proto.Frame
	err   error
}

func (b *bridgeStub) Connect(addr string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dials++
	b.inbox = make(chan stubItem, 16)
	b.dropped = false
	b.inbox <- stubItem{frame: proto.Frame{Type: proto.TypeHello}}
	return nil
}

func (b *bridgeStub) Send(frame proto.Frame) error {
	if frame.Type != proto.TypeRequest {
		return nil
	}
	if frame.Command == "optogrid.gattread" {
		data, _ := json.Marshal(trackerCSV)
		b.deliver(proto.NewReply(frame.RequestID, data))
		return nil
	}
	b.deliver(proto.NewReply(frame.RequestID, json.RawMessage(`"ok"`)))
	return nil
}

func (b *bridgeStub) Read() (proto.Frame, error) {
	b.mu.Lock()
	ch := b.inbox
	b.mu.Unlock()
	if ch == nil {
		return proto.Frame{}, io.EOF
	}
	item, ok := <-ch
	if !ok {
		return proto.Frame{}, io.EOF
	}
	return item.frame, item.err
}

func (b *bridgeStub) Close() error {
	b.drop()
	return nil
}

func (b *bridgeStub) deliver(frame proto.Frame) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.inbox == nil || b.dropped {
		return
	}
	b.inbox <- stubItem{frame: frame}
}

func (b *bridgeStub) drop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.inbox == nil || b.dropped {
		return
	}
	b.dropped = true
	close(b.inbox)
}

func trackedClient(t *testing.T) (*bridgeStub, *client.Client, *Synchronizer) {
	t.Helper()
	stub := &bridgeStub{}
	c := client.New("ws://test/ws", stub, client.Options{
		RequestTimeout:  time.Second,
		ReconnectMin:    50 * time.Millisecond,
		ReconnectMax:    100 * time.Millisecond,
		ReconnectJitter: time.Millisecond,
	})
	s := NewSynchronizer()
	tr := NewTracker(c, s)
	if err := tr.Start(); err != nil {
		t.Fatalf("Failed to start tracker: %v", err)
	}
	if err := c.Connect(); err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return stub, c, s
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("Condition not met within deadline")
}

func TestTrackerFetchesSnapshotOnConnect(t *testing.T) {
	_, _, s := trackedClient(t)

	waitFor(t, func() bool { return s.Len() == 2 })

	if v, err := s.Uint64("LED Selection"); err != nil || v != 1<<35 {
		t.Errorf("Expected LED Selection bit 35 from snapshot, got %d (%v)", v, err)
	}
	if v, ok := s.Value("Amplitude"); !ok || v != "100" {
		t.Errorf("Expected Amplitude 100, got %q (%v)", v, ok)
	}
}

func TestTrackerFoldsBroadcastDeltas(t *testing.T) {
	stub, _, s := trackedClient(t)
	waitFor(t, func() bool { return s.Len() == 2 })

	stub.deliver(proto.NewEvent(proto.TopicGUI, json.RawMessage(`{"battery_mv":4100,"connected":true}`)))

	waitFor(t, func() bool { return s.Battery() == 4100 })
	if !s.Connected() {
		t.Error("Expected connected flag tracked from delta")
	}
}

func TestTrackerInvalidatesAndRefetchesOnReconnect(t *testing.T) {
	stub, c, s := trackedClient(t)
	waitFor(t, func() bool { return s.Len() == 2 })

	s.SetPending("Amplitude", "42")
	stub.drop()

	// The drop empties the cache, the pending edit included.
	waitFor(t, func() bool { return s.Len() == 0 })
	if len(s.Dirty()) != 0 {
		t.Error("Expected dirty overlay cleared on disconnect")
	}

	// The reconnect repopulates it from a fresh snapshot.
	waitFor(t, func() bool { return s.Len() == 2 && c.State() == client.StateConnected })
	if v, _ := s.Value("Amplitude"); v != "100" {
		t.Errorf("Expected refetched value, got %q", v)
	}
}
