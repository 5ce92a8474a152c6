package proto

import (
	"strconv"
	"strings"
)

// Parameter is one named device parameter from a snapshot read.
type Parameter struct {
	Group    string // service group, e.g. "Opto Control"
	UUID     string
	Value    string
	Unit     string
	Writable bool
}

// Snapshot is the authoritative full read of device parameters, keyed by
// characteristic name. It is replaced wholesale on every reconnect.
type Snapshot map[string]Parameter

// Parameters the device accepts writes for.
var writableParams = map[string]struct{}{
	"Sequence Length":  {},
	"LED Selection":    {},
	"Duration":         {},
	"Period":           {},
	"Pulse Width":      {},
	"Amplitude":        {},
	"PWM Frequency":    {},
	"Ramp Up Time":     {},
	"Ramp Down Time":   {},
	"Status LED state": {},
	"Sham LED state":   {},
	"IMU Enable":       {},
}

// ParseSnapshot decodes the backend's gattread table: comma-separated
// rows of (group, name, uuid, value, unit) with a header row. Rows whose
// value begins with "ERROR:" are read failures and are filtered out, not
// surfaced as data.
func ParseSnapshot(text string) (Snapshot, error) {
	lines := strings.Split(strings.TrimSpace(text), "\n")
	if len(lines) == 0 {
		return nil, &ProtocolError{Reason: "empty snapshot"}
	}

	snap := make(Snapshot)
	group := ""
	for i, line := range lines {
		line = strings.TrimRight(line, "\r")
		if i == 0 && strings.HasPrefix(line, "Service,") {
			continue // header row
		}
		fields := strings.SplitN(line, ",", 5)
		if len(fields) != 5 {
			return nil, &ProtocolError{Reason: "malformed snapshot row", Line: line}
		}
		// The group column is only set on the first row of each service.
		if fields[0] != "" {
			group = fields[0]
		}
		name, uuid, value, unit := fields[1], fields[2], fields[3], fields[4]
		if strings.HasPrefix(value, "ERROR:") {
			continue
		}
		_, writable := writableParams[name]
		snap[name] = Parameter{
			Group:    group,
			UUID:     uuid,
			Value:    value,
			Unit:     unit,
			Writable: writable,
		}
	}
	if len(snap) == 0 {
		return nil, &ProtocolError{Reason: "snapshot contained no readable rows"}
	}
	return snap, nil
}

// Uint64 reads a parameter as an unsigned 64-bit value. Bitmask fields
// (LED Selection) must go through this, never through float parsing.
func (s Snapshot) Uint64(name string) (uint64, bool) {
	p, ok := s[name]
	if !ok {
		return 0, false
	}
	v, err := strconv.ParseUint(p.Value, 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}
