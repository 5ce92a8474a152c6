package bridge

import (
	"bufio"
	"context"
	"log/slog"
	"math/rand"
	"net"
	"time"

	"github.com/danielfrankch/optogrid-client/proto"
)

// BroadcastListener consumes the backend's one-way broadcast channel
// and feeds every topic-tagged line into the fan-out. Missed messages
// during a reconnect are gone; consumers reconcile with an explicit
// snapshot command instead.
type BroadcastListener struct {
	addr        string
	fanout      *Fanout
	dialTimeout time.Duration
}

func NewBroadcastListener(addr string, fanout *Fanout, dialTimeout time.Duration) *BroadcastListener {
	return &BroadcastListener{addr: addr, fanout: fanout, dialTimeout: dialTimeout}
}

// Run keeps a connection to the broadcast channel until ctx is
// cancelled, redialing with capped exponential backoff plus jitter.
func (l *BroadcastListener) Run(ctx context.Context) {
	delay := time.Second
	for {
		if ctx.Err() != nil {
			return
		}

		conn, err := net.DialTimeout("tcp", l.addr, l.dialTimeout)
		if err != nil {
			slog.Warn("Broadcast channel dial failed", "addr", l.addr, "error", err, "retry_in", delay)
			select {
			case <-time.After(delay + time.Duration(rand.Int63n(int64(time.Second)))):
			case <-ctx.Done():
				return
			}
			if delay *= 2; delay > 30*time.Second {
				delay = 30 * time.Second
			}
			continue
		}

		slog.Info("Connected to backend broadcast channel", "addr", l.addr)
		delay = time.Second

		go func() {
			<-ctx.Done()
			conn.Close()
		}()

		l.consume(conn)
		slog.Warn("Broadcast channel closed", "addr", l.addr)
	}
}

func (l *BroadcastListener) consume(conn net.Conn) {
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		line := scanner.Text()
		topic, payload, err := proto.ParseBroadcastLine(line)
		if err != nil {
			slog.Warn("Discarding malformed broadcast line", "error", err)
			continue
		}
		l.fanout.Publish(proto.NewEvent(topic, payload))
	}
	if err := scanner.Err(); err != nil {
		slog.Warn("Broadcast read error", "addr", l.addr, "error", err)
	}
	conn.Close()
}
