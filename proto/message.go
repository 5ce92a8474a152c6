package proto

import (
	"encoding/json"
	"time"
)

// Frame types carried between UI clients and the bridge.
const (
	TypeRequest     = "request"
	TypeReply       = "reply"
	TypeEvent       = "event"
	TypeHello       = "hello"
	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"
)

type Frame struct {
	Type      string          `json:"type"`
	RequestID uint64          `json:"request_id,omitempty"` // correlation id, echoed verbatim in replies
	Command   string          `json:"command,omitempty"`    // backend command line, e.g. "optogrid.connect = OptoGrid-007"
	Data      json.RawMessage `json:"data,omitempty"`       // request payload or reply data
	Success   bool            `json:"success,omitempty"`
	Error     string          `json:"error,omitempty"`
	Topic     string          `json:"topic,omitempty"`   // event frames only
	Payload   json.RawMessage `json:"payload,omitempty"` // event frames only
	Timestamp int64           `json:"timestamp"`         // UNIX timestamp in seconds
}

type HelloPayload struct {
	ConsumerID string `json:"consumer_id"`
}

type SubscriptionPayload struct {
	Topics []string `json:"topics"` // e.g. ["IMU", "GUI"]
}

func NewRequest(id uint64, command string, data json.RawMessage) Frame {
	return Frame{
		Type:      TypeRequest,
		RequestID: id,
		Command:   command,
		Data:      data,
		Timestamp: time.Now().Unix(),
	}
}

func NewReply(id uint64, data json.RawMessage) Frame {
	return Frame{
		Type:      TypeReply,
		RequestID: id,
		Success:   true,
		Data:      data,
		Timestamp: time.Now().Unix(),
	}
}

func NewErrorReply(id uint64, errText string) Frame {
	return Frame{
		Type:      TypeReply,
		RequestID: id,
		Success:   false,
		Error:     errText,
		Timestamp: time.Now().Unix(),
	}
}

func NewEvent(topic string, payload json.RawMessage) Frame {
	return Frame{
		Type:      TypeEvent,
		Topic:     topic,
		Payload:   payload,
		Timestamp: time.Now().Unix(),
	}
}
