package bridge

import (
	"bufio"
	"context"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/danielfrankch/optogrid-client/proto"
)

const programReadyAck = "Ready for program data"

// BackendConn is the single synchronous command channel to the
// device-control backend: one line out, one line in, strictly one
// exchange in flight. The mutex is the whole concurrency story here;
// sending a second command before the first reply is a protocol
// violation the backend's behavior is undefined for.
type BackendConn struct {
	addr            string
	dialTimeout     time.Duration
	exchangeTimeout time.Duration

	mu     sync.Mutex
	conn   net.Conn
	reader *bufio.Reader
}

func NewBackendConn(addr string, dialTimeout, exchangeTimeout time.Duration) *BackendConn {
	return &BackendConn{
		addr:            addr,
		dialTimeout:     dialTimeout,
		exchangeTimeout: exchangeTimeout,
	}
}

// Exchange sends one command line and returns the backend's reply line.
// A non-nil payload makes it a two-step exchange: the backend must
// answer the control line with an intermediate ack, then the payload is
// sent as a second line and the final reply returned.
//
// An unresponsive backend fails the exchange with a TransportError and
// resets the socket; the next exchange redials.
func (b *BackendConn) Exchange(ctx context.Context, command string, payload []byte) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.ensureConn(); err != nil {
		return "", &proto.TransportError{Op: "dial backend", Err: err}
	}

	deadline := time.Now().Add(b.exchangeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	b.conn.SetDeadline(deadline)

	reply, err := b.exchangeLine(command)
	if err != nil {
		b.reset()
		return "", &proto.TransportError{Op: "exchange " + command, Err: err}
	}

	if payload == nil {
		return reply, nil
	}

	// Two-step: the control line must be acked before the payload goes out.
	if proto.IsErrorReply(reply) {
		return reply, nil
	}
	if !strings.Contains(reply, programReadyAck) {
		b.reset()
		return "", &proto.ProtocolError{Reason: "backend did not ack payload step", Line: reply}
	}
	final, err := b.exchangeLine(string(payload))
	if err != nil {
		b.reset()
		return "", &proto.TransportError{Op: "exchange payload for " + command, Err: err}
	}
	return final, nil
}

// exchangeLine does one write/read pair. Callers hold b.mu.
func (b *BackendConn) exchangeLine(line string) (string, error) {
	if _, err := b.conn.Write([]byte(line + "\n")); err != nil {
		return "", err
	}
	reply, err := b.reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(reply, "\r\n"), nil
}

func (b *BackendConn) ensureConn() error {
	if b.conn != nil {
		return nil
	}
	conn, err := net.DialTimeout("tcp", b.addr, b.dialTimeout)
	if err != nil {
		return err
	}
	slog.Info("Connected to backend command channel", "addr", b.addr)
	b.conn = conn
	b.reader = bufio.NewReader(conn)
	return nil
}

// reset drops the socket so the next exchange redials. Callers hold b.mu.
func (b *BackendConn) reset() {
	if b.conn != nil {
		slog.Warn("Resetting backend command channel", "addr", b.addr)
		b.conn.Close()
		b.conn = nil
		b.reader = nil
	}
}

func (b *BackendConn) Connected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.conn != nil
}

func (b *BackendConn) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn == nil {
		return nil
	}
	err := b.conn.Close()
	b.conn = nil
	b.reader = nil
	return err
}
