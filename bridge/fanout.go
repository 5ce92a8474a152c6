package bridge

import (
	"log/slog"
	"sync"

	"github.com/danielfrankch/optogrid-client/proto"
)

// Subscriber is one fan-out destination, usually a connected UI
// consumer.
type Subscriber interface {
	ID() string
	Send(frame proto.Frame) error
	Close()
}

// Fanout delivers backend broadcast frames to subscribed consumers.
// Delivery is best effort: a consumer whose send fails is removed from
// every topic and closed, never retried or buffered for.
type Fanout struct {
	mu   sync.RWMutex
	subs map[string]map[Subscriber]struct{} // topic -> consumer set
}

func NewFanout() *Fanout {
	return &Fanout{subs: make(map[string]map[Subscriber]struct{})}
}

func (f *Fanout) Subscribe(topic string, c Subscriber) {
	slog.Debug("Subscribing", "topic", topic, "consumer", c.ID())
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.subs[topic] == nil {
		f.subs[topic] = make(map[Subscriber]struct{})
	}
	f.subs[topic][c] = struct{}{}
}

func (f *Fanout) Unsubscribe(topic string, c Subscriber) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if subs, ok := f.subs[topic]; ok {
		delete(subs, c)
		if len(subs) == 0 {
			delete(f.subs, topic)
		}
	}
}

// Publish forwards an event frame verbatim to every consumer subscribed
// to its topic.
func (f *Fanout) Publish(frame proto.Frame) {
	f.mu.RLock()
	var dead []Subscriber
	sent := 0
	for c := range f.subs[frame.Topic] {
		if err := c.Send(frame); err != nil {
			slog.Warn("Dropping consumer from fan-out", "consumer", c.ID(), "topic", frame.Topic, "error", err)
			dead = append(dead, c)
			continue
		}
		sent++
	}
	f.mu.RUnlock()

	for _, c := range dead {
		f.Drop(c)
		c.Close()
	}
	slog.Debug("Event published", "topic", frame.Topic, "subscribers", sent, "size", len(frame.Payload))
}

// Drop removes a consumer from every topic.
func (f *Fanout) Drop(c Subscriber) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for topic, subs := range f.subs {
		delete(subs, c)
		if len(subs) == 0 {
			delete(f.subs, topic)
		}
	}
}

func (f *Fanout) SubscriberCount(topic string) int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.subs[topic])
}
