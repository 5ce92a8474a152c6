package state

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/danielfrankch/optogrid-client/client"
	"github.com/danielfrankch/optogrid-client/proto"
)

// Tracker ties a Synchronizer to the connection lifecycle: a dropped
// bridge link invalidates the cache, every successful (re)connect
// refetches the snapshot, and broadcast deltas are folded in as they
// arrive. The cache is never trusted across a connection gap.
type Tracker struct {
	client *client.Client
	sync   *Synchronizer

	fetchTimeout time.Duration
}

func NewTracker(c *client.Client, s *Synchronizer) *Tracker {
	return &Tracker{
		client:       c,
		sync:         s,
		fetchTimeout: client.LongRequestTimeout,
	}
}

// Start registers the lifecycle hooks. Call it before Client.Connect so
// the initial connect also populates the cache. It claims the client's
// state-change hook.
func (t *Tracker) Start() error {
	t.client.OnStateChange(func(s client.State) {
		switch s {
		case client.StateConnected:
			go t.refetch()
		case client.StateDisconnected:
			t.sync.Invalidate()
		}
	})

	if err := t.client.Subscribe(proto.TopicGUI, t.applyDelta); err != nil {
		return err
	}
	return t.client.Subscribe(proto.TopicIMU, t.applyDelta)
}

func (t *Tracker) refetch() {
	ctx, cancel := context.WithTimeout(context.Background(), t.fetchTimeout)
	defer cancel()

	snap, err := t.client.Snapshot(ctx)
	if err != nil {
		slog.Warn("Snapshot refetch after connect failed", "error", err)
		return
	}
	t.sync.ApplySnapshot(snap)
	slog.Info("Device state cache refreshed", "parameters", len(snap))
}

func (t *Tracker) applyDelta(topic string, payload json.RawMessage) {
	if err := t.sync.ApplyDelta(topic, payload); err != nil {
		slog.Warn("Discarding malformed broadcast delta", "topic", topic, "error", err)
	}
}
