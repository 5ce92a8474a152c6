package bridge

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/danielfrankch/optogrid-client/proto"
)

var errSlowConsumer = errors.New("consumer send buffer full")

// Consumer is one connected UI client. Writes go through a buffered
// channel and a dedicated writer goroutine so a slow consumer can never
// block fan-out to the others; a full buffer drops the consumer.
type Consumer struct {
	id string

	conn *websocket.Conn
	send chan proto.Frame

	mu     sync.Mutex
	subs   map[string]struct{}
	closed bool
}

func NewConsumer(conn *websocket.Conn) *Consumer {
	return &Consumer{
		id:   "ui-" + uuid.NewString(),
		conn: conn,
		send: make(chan proto.Frame, 64),
		subs: make(map[string]struct{}),
	}
}

func (c *Consumer) ID() string { return c.id }

// Send enqueues one frame without blocking. The closed check and the
// channel send share the critical section with Close, so a racing
// disconnect can never send on the closed channel.
func (c *Consumer) Send(frame proto.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("consumer closed")
	}
	select {
	case c.send <- frame:
		return nil
	default:
		return errSlowConsumer
	}
}

// writeLoop drains the send channel onto the socket. It exits when the
// channel closes or a write fails.
func (c *Consumer) writeLoop() {
	for frame := range c.send {
		data, err := json.Marshal(frame)
		if err != nil {
			slog.Warn("Failed to marshal frame for consumer", "id", c.ID(), "error", err)
			continue
		}
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			slog.Warn("Consumer write failed", "id", c.ID(), "error", err)
			c.conn.Close()
			return
		}
		slog.Debug("Sent frame to consumer", "id", c.ID(), "type", frame.Type, "request_id", frame.RequestID, "topic", frame.Topic)
	}
}

func (c *Consumer) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
	if c.conn != nil {
		c.conn.Close()
	}
}

func (c *Consumer) addSubs(topics []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range topics {
		c.subs[t] = struct{}{}
	}
}

func (c *Consumer) removeSubs(topics []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range topics {
		delete(c.subs, t)
	}
}

func (c *Consumer) Subscriptions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	topics := make([]string, 0, len(c.subs))
	for t := range c.subs {
		topics = append(topics, t)
	}
	return topics
}
