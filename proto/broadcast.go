package proto

import (
	"encoding/json"
	"strings"
)

// Broadcast topics emitted by the backend PUB channel.
const (
	TopicIMU = "IMU" // motion telemetry: roll/pitch/yaw + raw samples
	TopicGUI = "GUI" // device status: battery, LED states, connection events
)

// IMUUpdate is the payload of TopicIMU broadcasts.
type IMUUpdate struct {
	Type      string  `json:"type"`
	Timestamp float64 `json:"timestamp"`
	Roll      float64 `json:"roll"`
	Pitch     float64 `json:"pitch"`
	Yaw       float64 `json:"yaw"`
}

// StatusUpdate is the payload of TopicGUI broadcasts.
type StatusUpdate struct {
	Type      string  `json:"type"`
	Timestamp float64 `json:"timestamp"`
	Message   string  `json:"message"`
}

// ParseBroadcastLine splits a `"<TOPIC> <json>"` line from the backend
// broadcast channel. The topic token is a single word followed by one
// space and a JSON object.
func ParseBroadcastLine(line string) (topic string, payload json.RawMessage, err error) {
	line = strings.TrimRight(line, "\r\n")
	i := strings.IndexByte(line, ' ')
	if i <= 0 {
		return "", nil, &ProtocolError{Reason: "broadcast line missing topic", Line: line}
	}
	topic, body := line[:i], line[i+1:]
	if !json.Valid([]byte(body)) {
		return "", nil, &ProtocolError{Reason: "broadcast payload is not valid JSON", Line: line}
	}
	return topic, json.RawMessage(body), nil
}
