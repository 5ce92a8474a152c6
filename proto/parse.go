package proto

import (
	"regexp"
	"strconv"
	"strings"
)

// The backend answers in human-readable text. All pattern-matching of
// those strings lives here so the rest of the system only ever sees
// typed values.

var batteryRe = regexp.MustCompile(`^(.*?)\s*Battery Voltage = (\d+) mV$`)

// ParseBatteryReply decodes "OptoGrid-007 Battery Voltage = 4100 mV".
func ParseBatteryReply(reply string) (device string, millivolts uint32, err error) {
	m := batteryRe.FindStringSubmatch(strings.TrimSpace(reply))
	if m == nil {
		return "", 0, &ProtocolError{Reason: "unrecognized battery reply", Line: reply}
	}
	mv, err := strconv.ParseUint(m[2], 10, 32)
	if err != nil {
		return "", 0, &ProtocolError{Reason: "battery voltage out of range", Line: reply}
	}
	return m[1], uint32(mv), nil
}

var statusRe = regexp.MustCompile(`^Connected to (.+?) \((.+)\)$`)

// ParseStatusReply decodes "Connected to <name> (<address>)" or
// "Disconnected".
func ParseStatusReply(reply string) (connected bool, name, address string) {
	reply = strings.TrimSpace(reply)
	if m := statusRe.FindStringSubmatch(reply); m != nil {
		return true, m[1], m[2]
	}
	return false, "", ""
}

// ParseScanReply splits a scan reply into "Name (Address)" entries. A
// "No BLE devices found" reply yields an empty list.
func ParseScanReply(reply string) []string {
	reply = strings.TrimSpace(reply)
	if reply == "" || strings.HasPrefix(reply, "No BLE devices") {
		return nil
	}
	lines := strings.Split(reply, "\n")
	devices := make([]string, 0, len(lines))
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line != "" {
			devices = append(devices, line)
		}
	}
	return devices
}

// IsErrorReply reports whether a backend reply line is an explicit
// failure ("ERROR: ..."). ErrorReplyText strips the marker.
func IsErrorReply(reply string) bool {
	return strings.HasPrefix(strings.TrimSpace(reply), "ERROR:")
}

func ErrorReplyText(reply string) string {
	return strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(reply), "ERROR:"))
}
