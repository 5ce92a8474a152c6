package client

import (
	"context"
	"fmt"

	"github.com/danielfrankch/optogrid-client/proto"
)

// Typed wrappers over the backend command set. Each maps one device
// operation onto its command line; the backend's reply text is decoded
// by the proto parsing layer where a typed value exists.

// Scan discovers nearby devices. The backend scans with its own
// internal timeout, so this uses the long request budget.
func (c *Client) Scan(ctx context.Context) ([]string, error) {
	reply, err := c.DoText(ctx, "optogrid.scan", nil, LongRequestTimeout)
	if err != nil {
		return nil, err
	}
	return proto.ParseScanReply(reply), nil
}

// ConnectDevice connects the backend to a device by name or address.
func (c *Client) ConnectDevice(ctx context.Context, nameOrAddress string) (string, error) {
	return c.DoText(ctx, fmt.Sprintf("optogrid.connect = %s", nameOrAddress), nil, LongRequestTimeout)
}

// DeviceStatus reports the backend's device connection state.
func (c *Client) DeviceStatus(ctx context.Context) (connected bool, name, address string, err error) {
	reply, err := c.DoText(ctx, "optogrid.status", nil)
	if err != nil {
		return false, "", "", err
	}
	connected, name, address = proto.ParseStatusReply(reply)
	return connected, name, address, nil
}

// Trigger fires the currently programmed stimulation sequence.
func (c *Client) Trigger(ctx context.Context) (string, error) {
	return c.DoText(ctx, "optogrid.trigger", nil)
}

// Program pushes one stimulation configuration as the backend's
// two-step exchange; the bridge awaits the intermediate ack and the
// final confirmation before the reply resolves.
func (c *Client) Program(ctx context.Context, p proto.StimProgram) (string, error) {
	if err := p.Validate(); err != nil {
		return "", fmt.Errorf("invalid stimulation program: %w", err)
	}
	return c.DoText(ctx, "optogrid.program", p)
}

// Snapshot performs a full parameter read and decodes the CSV table.
func (c *Client) Snapshot(ctx context.Context) (proto.Snapshot, error) {
	reply, err := c.DoText(ctx, "optogrid.gattread", nil, LongRequestTimeout)
	if err != nil {
		return nil, err
	}
	return proto.ParseSnapshot(reply)
}

// ReadParameter reads a single characteristic by UUID. The reply is the
// backend's raw value text.
func (c *Client) ReadParameter(ctx context.Context, uuid string) (string, error) {
	return c.DoText(ctx, fmt.Sprintf("optogrid.gattread = %s", uuid), nil)
}

// ReadBattery returns the battery voltage in millivolts.
func (c *Client) ReadBattery(ctx context.Context) (uint32, error) {
	reply, err := c.DoText(ctx, "optogrid.readbattery", nil)
	if err != nil {
		return 0, err
	}
	_, mv, err := proto.ParseBatteryReply(reply)
	return mv, err
}

// ReadULEDCheck reads the 64-bit LED continuity bitmap.
func (c *Client) ReadULEDCheck(ctx context.Context) (string, error) {
	return c.DoText(ctx, "optogrid.readuLEDCheck", nil)
}

// ReadLastStimTime reads the time of the most recent stimulation.
func (c *Client) ReadLastStimTime(ctx context.Context) (string, error) {
	return c.DoText(ctx, "optogrid.readlastStim", nil)
}

func (c *Client) EnableIMU(ctx context.Context) (string, error) {
	return c.DoText(ctx, "optogrid.enableIMU", nil)
}

func (c *Client) DisableIMU(ctx context.Context) (string, error) {
	return c.DoText(ctx, "optogrid.disableIMU", nil)
}

// StartIMULog begins session-tagged telemetry logging on the backend.
func (c *Client) StartIMULog(ctx context.Context, subjectID, sessionID string) (string, error) {
	return c.DoText(ctx, fmt.Sprintf("optogrid.startIMULog = %s, %s", subjectID, sessionID), nil)
}

func (c *Client) StopIMULog(ctx context.Context) (string, error) {
	return c.DoText(ctx, "optogrid.stopIMULog", nil)
}

// WriteSync tags the current telemetry sample with an external sync
// marker.
func (c *Client) WriteSync(ctx context.Context, value int) (string, error) {
	return c.DoText(ctx, fmt.Sprintf("optogrid.sync = %d", value), nil)
}

func (c *Client) ToggleStatusLED(ctx context.Context, on bool) (string, error) {
	return c.DoText(ctx, fmt.Sprintf("optogrid.toggleStatusLED = %d", boolToInt(on)), nil)
}

func (c *Client) ToggleShamLED(ctx context.Context, on bool) (string, error) {
	return c.DoText(ctx, fmt.Sprintf("optogrid.toggleShamLED = %d", boolToInt(on)), nil)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
