package proto

import (
	"fmt"
	"time"
)

// TransportError covers connection-level failures: refused dials, dropped
// sockets, exchange resets. Pending requests are failed with it when the
// underlying connection goes away.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	if e.Err == nil {
		return "transport: " + e.Op
	}
	return fmt.Sprintf("transport: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// TimeoutError is request-local: no reply arrived within the budget. It
// does not affect other pending requests or the connection.
type TimeoutError struct {
	Command string
	Budget  time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timeout: no reply to %q within %v", e.Command, e.Budget)
}

// ProtocolError marks malformed frames or broadcast lines. Logged and
// discarded by the bridge, never fatal.
type ProtocolError struct {
	Reason string
	Line   string
}

func (e *ProtocolError) Error() string {
	if e.Line == "" {
		return "protocol: " + e.Reason
	}
	return fmt.Sprintf("protocol: %s: %q", e.Reason, e.Line)
}

// DeviceError carries an explicit failure string from the backend
// (replies beginning with "ERROR:").
type DeviceError struct {
	Command string
	Message string
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("device: %s failed: %s", e.Command, e.Message)
}
