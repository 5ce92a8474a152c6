package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"math/rand"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danielfrankch/optogrid-client/proto"
)

type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

const (
	DefaultRequestTimeout = 10 * time.Second
	// LongRequestTimeout covers operations the backend retries
	// internally (connect, scan).
	LongRequestTimeout = 60 * time.Second

	defaultHelloTimeout = 5 * time.Second
)

// Options tune timeout and reconnect behavior. Zero values take the
// documented defaults.
type Options struct {
	RequestTimeout  time.Duration
	ReconnectMin    time.Duration
	ReconnectMax    time.Duration
	ReconnectJitter time.Duration
	// MaxAttempts bounds reconnect attempts after a drop; 0 retries
	// indefinitely.
	MaxAttempts int
}

func (o *Options) fill() {
	if o.RequestTimeout == 0 {
		o.RequestTimeout = DefaultRequestTimeout
	}
	if o.ReconnectMin == 0 {
		o.ReconnectMin = time.Second
	}
	if o.ReconnectMax == 0 {
		o.ReconnectMax = 30 * time.Second
	}
	if o.ReconnectJitter == 0 {
		o.ReconnectJitter = time.Second
	}
}

var errNotConnected = errors.New("not connected")

type result struct {
	data json.RawMessage
	err  error
}

// pendingRequest lives from issue until a matching reply, its timeout,
// or a connection drop, whichever comes first.
type pendingRequest struct {
	id       uint64
	command  string
	issuedAt time.Time
	ch       chan result
	timer    *time.Timer
}

// EventHandler receives broadcast payloads for a subscribed topic.
type EventHandler func(topic string, payload json.RawMessage)

// Client issues backend commands through the bridge as awaitable calls
// with correlation-id matching, per-request timeout, and automatic
// reconnect with exponential backoff.
type Client struct {
	transport Transport
	addr      string
	opts      Options

	stateMu      sync.Mutex
	state        State
	userClosed   bool
	reconnecting bool

	onState func(State)

	writeMu sync.Mutex

	nextID atomic.Uint64

	pendMu  sync.Mutex
	pending map[uint64]*pendingRequest

	subMu       sync.RWMutex
	subHandlers map[string]EventHandler
}

func New(addr string, t Transport, opts Options) *Client {
	opts.fill()
	return &Client{
		transport:   t,
		addr:        addr,
		opts:        opts,
		pending:     make(map[uint64]*pendingRequest),
		subHandlers: make(map[string]EventHandler),
	}
}

// OnStateChange registers a hook invoked on every connection state
// transition. UI code uses it to gate device-control actions.
func (c *Client) OnStateChange(fn func(State)) {
	c.stateMu.Lock()
	c.onState = fn
	c.stateMu.Unlock()
}

func (c *Client) State() State {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.state
}

func (c *Client) setState(s State) {
	c.stateMu.Lock()
	changed := c.state != s
	c.state = s
	fn := c.onState
	c.stateMu.Unlock()
	if changed {
		slog.Info("Connection state changed", "state", s.String())
		if fn != nil {
			fn(s)
		}
	}
}

// Connect performs the initial connection. A failed attempt schedules
// the reconnect loop before returning the error.
func (c *Client) Connect() error {
	c.setState(StateConnecting)
	if err := c.dial(); err != nil {
		c.setState(StateDisconnected)
		c.scheduleReconnect()
		return err
	}
	return nil
}

// dial opens the transport, waits for the bridge's hello frame, then
// resubscribes registered topics and starts the read loop.
func (c *Client) dial() error {
	if err := c.transport.Connect(c.addr); err != nil {
		return &proto.TransportError{Op: "dial " + c.addr, Err: err}
	}

	helloCh := make(chan error, 1)
	go func() {
		frame, err := c.transport.Read()
		if err != nil {
			helloCh <- err
			return
		}
		if frame.Type != proto.TypeHello {
			helloCh <- fmt.Errorf("expected hello frame, got %q", frame.Type)
			return
		}
		helloCh <- nil
	}()

	select {
	case err := <-helloCh:
		if err != nil {
			c.transport.Close()
			return &proto.TransportError{Op: "handshake", Err: err}
		}
	case <-time.After(defaultHelloTimeout):
		c.transport.Close()
		return &proto.TransportError{Op: "handshake", Err: errors.New("timeout waiting for hello")}
	}

	c.setState(StateConnected)

	if err := c.resubscribe(); err != nil {
		slog.Warn("Failed to resubscribe after connect", "error", err)
	}

	go c.readLoop()
	return nil
}

func (c *Client) resubscribe() error {
	c.subMu.RLock()
	topics := slices.Sorted(maps.Keys(c.subHandlers))
	c.subMu.RUnlock()
	if len(topics) == 0 {
		return nil
	}
	return c.sendSubscription(proto.TypeSubscribe, topics)
}

func (c *Client) sendSubscription(frameType string, topics []string) error {
	payload, err := json.Marshal(proto.SubscriptionPayload{Topics: topics})
	if err != nil {
		return err
	}
	frame := proto.Frame{Type: frameType, Data: payload, Timestamp: time.Now().Unix()}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.transport.Send(frame)
}

// Subscribe registers a broadcast handler and, when connected, informs
// the bridge. Registered topics survive reconnects.
func (c *Client) Subscribe(topic string, handler EventHandler) error {
	c.subMu.Lock()
	c.subHandlers[topic] = handler
	c.subMu.Unlock()

	if c.State() != StateConnected {
		return nil
	}
	return c.sendSubscription(proto.TypeSubscribe, []string{topic})
}

func (c *Client) Unsubscribe(topic string) error {
	c.subMu.Lock()
	delete(c.subHandlers, topic)
	c.subMu.Unlock()

	if c.State() != StateConnected {
		return nil
	}
	return c.sendSubscription(proto.TypeUnsubscribe, []string{topic})
}

func (c *Client) readLoop() {
	for {
		frame, err := c.transport.Read()
		if err != nil {
			c.handleDrop(err)
			return
		}
		slog.Debug("Frame received", "type", frame.Type, "request_id", frame.RequestID, "topic", frame.Topic)

		switch frame.Type {
		case proto.TypeReply:
			c.settle(frame)

		case proto.TypeEvent:
			c.subMu.RLock()
			handler := c.subHandlers[frame.Topic]
			c.subMu.RUnlock()
			if handler == nil {
				slog.Debug("No handler for topic, dropping event", "topic", frame.Topic)
				continue
			}
			handler(frame.Topic, frame.Payload)

		case proto.TypeHello:
			slog.Debug("Ignoring duplicate hello frame")

		default:
			slog.Warn("Unhandled frame type", "type", frame.Type)
		}
	}
}

// settle resolves the pending request matching a reply's correlation
// id. Replies for unknown ids (timed out, dropped connection) are
// discarded without any observable effect.
func (c *Client) settle(frame proto.Frame) {
	c.pendMu.Lock()
	p, ok := c.pending[frame.RequestID]
	if ok {
		delete(c.pending, frame.RequestID)
	}
	c.pendMu.Unlock()

	if !ok {
		slog.Debug("Discarding reply with no pending request", "request_id", frame.RequestID)
		return
	}
	p.timer.Stop()

	if frame.Success {
		p.ch <- result{data: frame.Data}
	} else {
		p.ch <- result{err: &proto.DeviceError{Command: p.command, Message: frame.Error}}
	}
}

func (c *Client) expire(id uint64, budget time.Duration) {
	c.pendMu.Lock()
	p, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.pendMu.Unlock()

	if !ok {
		return
	}
	slog.Warn("Request timed out", "request_id", id, "command", p.command, "budget", budget)
	p.ch <- result{err: &proto.TimeoutError{Command: p.command, Budget: budget}}
}

// failPending rejects every outstanding request. Called on connection
// drop and on user-initiated close.
func (c *Client) failPending(cause error) {
	c.pendMu.Lock()
	pending := c.pending
	c.pending = make(map[uint64]*pendingRequest)
	c.pendMu.Unlock()

	for _, p := range pending {
		p.timer.Stop()
		p.ch <- result{err: &proto.TransportError{Op: "send " + p.command, Err: cause}}
	}
	if len(pending) > 0 {
		slog.Warn("Rejected pending requests after connection loss", "count", len(pending))
	}
}

func (c *Client) handleDrop(cause error) {
	c.stateMu.Lock()
	closed := c.userClosed
	c.stateMu.Unlock()

	c.setState(StateDisconnected)
	c.failPending(cause)

	if closed {
		return
	}
	slog.Warn("Connection to bridge lost", "error", cause)
	c.scheduleReconnect()
}

func (c *Client) scheduleReconnect() {
	c.stateMu.Lock()
	if c.userClosed || c.reconnecting {
		c.stateMu.Unlock()
		return
	}
	c.reconnecting = true
	c.stateMu.Unlock()

	go c.reconnectLoop()
}

// reconnectLoop retries with exponential backoff (1s doubling to a 30s
// cap) plus uniform jitter so a fleet of clients does not reconnect in
// lockstep.
func (c *Client) reconnectLoop() {
	defer func() {
		c.stateMu.Lock()
		c.reconnecting = false
		c.stateMu.Unlock()
	}()

	delay := c.opts.ReconnectMin
	for attempt := 1; ; attempt++ {
		jitter := time.Duration(rand.Int63n(int64(c.opts.ReconnectJitter)))
		time.Sleep(delay + jitter)

		c.stateMu.Lock()
		closed := c.userClosed
		c.stateMu.Unlock()
		if closed {
			return
		}

		slog.Info("Reconnecting to bridge", "attempt", attempt, "addr", c.addr)
		c.setState(StateConnecting)
		err := c.dial()
		if err == nil {
			slog.Info("Reconnected to bridge", "attempt", attempt)
			return
		}
		slog.Warn("Reconnect attempt failed", "attempt", attempt, "error", err)
		c.setState(StateDisconnected)

		if c.opts.MaxAttempts > 0 && attempt >= c.opts.MaxAttempts {
			slog.Error("Giving up on reconnecting", "attempts", attempt)
			return
		}

		delay *= 2
		if delay > c.opts.ReconnectMax {
			delay = c.opts.ReconnectMax
		}
	}
}

// Do sends one command and waits for its reply. It fails immediately,
// with no network attempt, when not connected. Optional timeout
// overrides the default request budget.
func (c *Client) Do(ctx context.Context, command string, data any, timeout ...time.Duration) (json.RawMessage, error) {
	if c.State() != StateConnected {
		return nil, &proto.TransportError{Op: "send " + command, Err: errNotConnected}
	}

	budget := c.opts.RequestTimeout
	if len(timeout) > 0 && timeout[0] > 0 {
		budget = timeout[0]
	}

	var payload json.RawMessage
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal payload for %q: %w", command, err)
		}
		payload = raw
	}

	id := c.nextID.Add(1)
	p := &pendingRequest{
		id:       id,
		command:  command,
		issuedAt: time.Now(),
		ch:       make(chan result, 1),
	}
	p.timer = time.AfterFunc(budget, func() { c.expire(id, budget) })

	c.pendMu.Lock()
	c.pending[id] = p
	c.pendMu.Unlock()

	frame := proto.NewRequest(id, command, payload)
	c.writeMu.Lock()
	err := c.transport.Send(frame)
	c.writeMu.Unlock()
	if err != nil {
		c.pendMu.Lock()
		delete(c.pending, id)
		c.pendMu.Unlock()
		p.timer.Stop()
		return nil, &proto.TransportError{Op: "send " + command, Err: err}
	}

	select {
	case r := <-p.ch:
		return r.data, r.err
	case <-ctx.Done():
		c.pendMu.Lock()
		delete(c.pending, id)
		c.pendMu.Unlock()
		p.timer.Stop()
		return nil, ctx.Err()
	}
}

// DoText is Do for commands whose reply data is a plain string.
func (c *Client) DoText(ctx context.Context, command string, data any, timeout ...time.Duration) (string, error) {
	raw, err := c.Do(ctx, command, data, timeout...)
	if err != nil {
		return "", err
	}
	var text string
	if err := json.Unmarshal(raw, &text); err != nil {
		return "", &proto.ProtocolError{Reason: "reply data is not a string", Line: string(raw)}
	}
	return text, nil
}

// Close is user-initiated: no reconnect is scheduled and all pending
// requests are rejected.
func (c *Client) Close() error {
	c.stateMu.Lock()
	c.userClosed = true
	c.stateMu.Unlock()

	c.failPending(errors.New("client closed"))
	c.setState(StateDisconnected)
	return c.transport.Close()
}
