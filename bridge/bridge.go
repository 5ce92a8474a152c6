package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/danielfrankch/optogrid-client/proto"
)

// pendingCommand is one queued backend exchange. reply is invoked from
// the worker goroutine with either the backend's reply text or an error.
type pendingCommand struct {
	command string
	payload []byte
	reply   func(text string, err error)
}

var errBridgeClosed = errors.New("bridge shut down")

// Bridge multiplexes many UI requests onto the single backend command
// channel. All exchanges flow through one queue serviced by one worker
// in strict arrival order, so at most one command is ever in flight.
type Bridge struct {
	backend *BackendConn
	queue   chan pendingCommand
	done    chan struct{} // closed when Run returns
}

func NewBridge(backend *BackendConn) *Bridge {
	return &Bridge{
		backend: backend,
		queue:   make(chan pendingCommand, 64),
		done:    make(chan struct{}),
	}
}

// Run services the command queue until ctx is cancelled. Queued
// commands left at shutdown are failed, not silently dropped.
func (b *Bridge) Run(ctx context.Context) {
	defer b.drain()
	defer close(b.done)
	for {
		select {
		case cmd := <-b.queue:
			text, err := b.backend.Exchange(ctx, cmd.command, cmd.payload)
			cmd.reply(text, err)
		case <-ctx.Done():
			return
		}
	}
}

func (b *Bridge) drain() {
	for {
		select {
		case cmd := <-b.queue:
			cmd.reply("", &proto.TransportError{Op: "bridge shutting down"})
		default:
			return
		}
	}
}

// Forward enqueues a UI request frame and routes the reply back to the
// issuing consumer only, with the caller's correlation id echoed. A
// request arriving during or after shutdown is failed, never queued
// where no worker will service it.
func (b *Bridge) Forward(c Subscriber, frame proto.Frame) {
	id := frame.RequestID
	cmd := pendingCommand{
		command: frame.Command,
		payload: compactPayload(frame.Data),
		reply: func(text string, err error) {
			var reply proto.Frame
			switch {
			case err != nil:
				reply = proto.NewErrorReply(id, err.Error())
			case proto.IsErrorReply(text):
				reply = proto.NewErrorReply(id, proto.ErrorReplyText(text))
			default:
				data, _ := json.Marshal(text)
				reply = proto.NewReply(id, data)
			}
			if err := c.Send(reply); err != nil {
				slog.Warn("Failed to deliver reply to consumer", "consumer", c.ID(), "request_id", id, "error", err)
			}
		},
	}

	select {
	case b.queue <- cmd:
	case <-b.done:
		cmd.reply("", &proto.TransportError{Op: "enqueue " + frame.Command, Err: errBridgeClosed})
	}
}

// Do issues a backend command on behalf of an in-process caller (MCP
// tools, status handlers) through the same serialized queue.
func (b *Bridge) Do(ctx context.Context, command string, payload []byte) (string, error) {
	done := make(chan struct{})
	var text string
	var cmdErr error

	cmd := pendingCommand{
		command: command,
		payload: payload,
		reply: func(t string, err error) {
			text, cmdErr = t, err
			close(done)
		},
	}

	select {
	case b.queue <- cmd:
	case <-b.done:
		return "", &proto.TransportError{Op: "enqueue " + command, Err: errBridgeClosed}
	case <-ctx.Done():
		return "", &proto.TransportError{Op: "enqueue " + command, Err: ctx.Err()}
	}

	select {
	case <-done:
	case <-ctx.Done():
		return "", &proto.TransportError{Op: "await " + command, Err: ctx.Err()}
	}

	if cmdErr != nil {
		return "", cmdErr
	}
	if proto.IsErrorReply(text) {
		return "", &proto.DeviceError{Command: command, Message: proto.ErrorReplyText(text)}
	}
	return text, nil
}

// compactPayload normalizes a request's structured payload to a single
// JSON line for the backend's two-step exchanges. The bytes are
// compacted, never decoded: round-tripping through any would narrow
// 64-bit bitmask integers through float64.
func compactPayload(data json.RawMessage) []byte {
	if len(data) == 0 {
		return nil
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, data); err != nil {
		return data
	}
	return buf.Bytes()
}

// Status is the bridge state reported by the /status endpoint.
type Status struct {
	BackendConnected bool             `json:"backend_connected"`
	Consumers        []ConsumerStatus `json:"consumers"`
	Time             time.Time        `json:"time"`
}

type ConsumerStatus struct {
	ID     string   `json:"id"`
	Topics []string `json:"topics"`
}
