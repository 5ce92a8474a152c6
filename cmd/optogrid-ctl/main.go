package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/danielfrankch/optogrid-client/client"
	"github.com/danielfrankch/optogrid-client/proto"
	"github.com/danielfrankch/optogrid-client/state"
)

// Command-line test client. Unlike the UI, which retries forever, this
// gives up after a fixed number of reconnect attempts.
const reconnectAttempts = 5

func usage() {
	fmt.Fprintf(os.Stderr, `usage: optogrid-ctl [flags] <command> [args]

commands:
  scan                     list nearby devices
  connect <name>           connect the backend to a device
  status                   report device connection state
  snapshot                 read and print all device parameters
  read <uuid>              read one characteristic by UUID
  battery                  read battery voltage
  uledcheck                read the LED continuity bitmap
  trigger                  fire the programmed stimulation
  program <json>           push a stimulation program
  toggle-led <field> <bit> toggle one LED bit and reprogram
  imu <on|off>             enable or disable telemetry streaming
  watch                    print broadcast events until interrupted

flags:
`)
	flag.PrintDefaults()
}

func main() {
	addr := flag.String("addr", "ws://127.0.0.1:8765/ws", "bridge WebSocket address")
	verbose := flag.Bool("v", false, "debug logging")
	flag.Usage = usage
	flag.Parse()

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(2)
	}

	c := client.New(*addr, client.NewWebSocketTransport(), client.Options{
		MaxAttempts: reconnectAttempts,
	})
	if err := c.Connect(); err != nil {
		fatal("connect to bridge: %v", err)
	}
	defer c.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, c, args); err != nil {
		fatal("%v", err)
	}
}

func run(ctx context.Context, c *client.Client, args []string) error {
	switch args[0] {
	case "scan":
		devices, err := c.Scan(ctx)
		if err != nil {
			return err
		}
		if len(devices) == 0 {
			fmt.Println("no devices found")
			return nil
		}
		for _, d := range devices {
			fmt.Println(d)
		}
		return nil

	case "connect":
		if len(args) != 2 {
			return fmt.Errorf("connect requires a device name")
		}
		reply, err := c.ConnectDevice(ctx, args[1])
		if err != nil {
			return err
		}
		fmt.Println(reply)
		return nil

	case "status":
		connected, name, address, err := c.DeviceStatus(ctx)
		if err != nil {
			return err
		}
		if connected {
			fmt.Printf("connected to %s (%s)\n", name, address)
		} else {
			fmt.Println("disconnected")
		}
		return nil

	case "snapshot":
		snap, err := c.Snapshot(ctx)
		if err != nil {
			return err
		}
		for name, p := range snap {
			fmt.Printf("%-20s %s %s\n", name, p.Value, p.Unit)
		}
		return nil

	case "read":
		if len(args) != 2 {
			return fmt.Errorf("read requires a characteristic UUID")
		}
		reply, err := c.ReadParameter(ctx, args[1])
		if err != nil {
			return err
		}
		fmt.Println(reply)
		return nil

	case "battery":
		mv, err := c.ReadBattery(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("%d mV\n", mv)
		return nil

	case "uledcheck":
		reply, err := c.ReadULEDCheck(ctx)
		if err != nil {
			return err
		}
		fmt.Println(reply)
		return nil

	case "trigger":
		reply, err := c.Trigger(ctx)
		if err != nil {
			return err
		}
		fmt.Println(reply)
		return nil

	case "program":
		if len(args) != 2 {
			return fmt.Errorf("program requires a JSON parameter object")
		}
		var p proto.StimProgram
		if err := json.Unmarshal([]byte(args[1]), &p); err != nil {
			return fmt.Errorf("invalid program JSON: %w", err)
		}
		reply, err := c.Program(ctx, p)
		if err != nil {
			return err
		}
		fmt.Println(reply)
		return nil

	case "toggle-led":
		if len(args) != 3 {
			return fmt.Errorf("toggle-led requires a field name and bit index")
		}
		bit, err := strconv.ParseUint(args[2], 10, 8)
		if err != nil {
			return fmt.Errorf("invalid bit index %q", args[2])
		}
		return toggleLED(ctx, c, args[1], uint(bit))

	case "imu":
		if len(args) != 2 {
			return fmt.Errorf("imu requires on or off")
		}
		var reply string
		var err error
		if args[1] == "on" {
			reply, err = c.EnableIMU(ctx)
		} else {
			reply, err = c.DisableIMU(ctx)
		}
		if err != nil {
			return err
		}
		fmt.Println(reply)
		return nil

	case "watch":
		return watch(ctx, c)

	default:
		return fmt.Errorf("unknown command %q", args[0])
	}
}

// toggleLED demonstrates the optimistic-edit cycle: flip the bit
// locally, batch the dirty set into one program command, confirm on
// success and roll back on failure.
func toggleLED(ctx context.Context, c *client.Client, field string, bit uint) error {
	sync := state.NewSynchronizer()

	snap, err := c.Snapshot(ctx)
	if err != nil {
		return fmt.Errorf("snapshot before toggle: %w", err)
	}
	sync.ApplySnapshot(snap)

	if _, err := sync.ToggleBit(field, bit); err != nil {
		return err
	}

	program, fields, err := programFromState(sync)
	if err != nil {
		return err
	}
	reply, err := c.Program(ctx, program)
	if err != nil {
		sync.Rollback(fields...)
		return fmt.Errorf("program rejected, rolled back: %w", err)
	}
	sync.Confirm(fields...)
	fmt.Println(reply)
	return nil
}

// programFromState assembles a full stimulation program from the cached
// parameter values, dirty overlay included.
func programFromState(sync *state.Synchronizer) (proto.StimProgram, []string, error) {
	var p proto.StimProgram
	fields := []string{
		"Sequence Length", "LED Selection", "Duration", "Period",
		"Pulse Width", "Amplitude", "PWM Frequency", "Ramp Up Time", "Ramp Down Time",
	}
	values := make(map[string]uint64, len(fields))
	for _, f := range fields {
		v, err := sync.Uint64(f)
		if err != nil {
			return p, nil, fmt.Errorf("cannot build program: %w", err)
		}
		values[f] = v
	}
	p = proto.StimProgram{
		SequenceLength: uint8(values["Sequence Length"]),
		LEDSelection:   proto.LEDMask(values["LED Selection"]),
		Duration:       uint16(values["Duration"]),
		Period:         uint16(values["Period"]),
		PulseWidth:     uint16(values["Pulse Width"]),
		Amplitude:      uint8(values["Amplitude"]),
		PWMFrequency:   uint32(values["PWM Frequency"]),
		RampUp:         uint16(values["Ramp Up Time"]),
		RampDown:       uint16(values["Ramp Down Time"]),
	}
	return p, fields, nil
}

func watch(ctx context.Context, c *client.Client) error {
	printEvent := func(topic string, payload json.RawMessage) {
		fmt.Printf("%s %s %s\n", time.Now().Format(time.TimeOnly), topic, strings.TrimSpace(string(payload)))
	}
	if err := c.Subscribe(proto.TopicIMU, printEvent); err != nil {
		return err
	}
	if err := c.Subscribe(proto.TopicGUI, printEvent); err != nil {
		return err
	}
	<-ctx.Done()
	return nil
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "optogrid-ctl: "+format+"\n", args...)
	os.Exit(1)
}
