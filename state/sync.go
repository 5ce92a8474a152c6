// Package state reconciles the UI-visible device state against the
// backend's authoritative snapshots, broadcast deltas, and local
// optimistic edits.
package state

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"github.com/danielfrankch/optogrid-client/proto"
)

// Synchronizer holds the single consistent view of device state. The
// confirmed map only ever contains values attributable to a snapshot or
// a broadcast delta; optimistic edits live in a dirty overlay until the
// backend confirms or rejects them.
//
// Delta application is last-write-wins by arrival order. A broadcast
// reflecting pre-update state can therefore briefly overwrite an
// optimistic edit's confirmed base; the next snapshot or delta
// converges. This race is accepted, not fixed.
type Synchronizer struct {
	mu        sync.RWMutex
	confirmed map[string]proto.Parameter
	dirty     map[string]string // optimistic values pending confirmation

	battery   uint32
	connected bool
}

func NewSynchronizer() *Synchronizer {
	return &Synchronizer{
		confirmed: make(map[string]proto.Parameter),
		dirty:     make(map[string]string),
	}
}

// ApplySnapshot replaces the entire confirmed state. Called after every
// successful connect/reconnect and after every explicit full read.
// Optimistic edits are discarded: the snapshot is authoritative.
func (s *Synchronizer) ApplySnapshot(snap proto.Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.confirmed = make(map[string]proto.Parameter, len(snap))
	for name, p := range snap {
		s.confirmed[name] = p
	}
	s.dirty = make(map[string]string)
	slog.Debug("Applied device snapshot", "parameters", len(snap))
}

// ApplyDelta folds one broadcast payload into the confirmed state.
// Fields not yet cached are added; known fields are overwritten by
// arrival order.
func (s *Synchronizer) ApplyDelta(topic string, payload json.RawMessage) error {
	var fields map[string]any
	if err := json.Unmarshal(payload, &fields); err != nil {
		return &proto.ProtocolError{Reason: "delta payload is not a JSON object", Line: string(payload)}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for name, value := range fields {
		if name == "type" || name == "timestamp" {
			continue
		}
		text := stringify(value)
		p, ok := s.confirmed[name]
		if !ok {
			p = proto.Parameter{Group: topic}
		}
		p.Value = text
		s.confirmed[name] = p

		switch name {
		case "battery_mv":
			if mv, err := strconv.ParseUint(text, 10, 32); err == nil {
				s.battery = uint32(mv)
			}
		case "connected":
			s.connected = text == "true"
		}
	}
	return nil
}

// ToggleBit flips one bit of a 64-bit bitmask field and marks it dirty
// for a pending write. The write itself is the caller's job: batch the
// dirty set into one program command.
func (s *Synchronizer) ToggleBit(field string, bit uint) (uint64, error) {
	if bit > 63 {
		return 0, fmt.Errorf("bit index %d out of range for 64-bit field", bit)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.uint64Locked(field)
	if err != nil {
		return 0, err
	}
	flipped := current ^ (1 << bit)
	s.dirty[field] = strconv.FormatUint(flipped, 10)
	return flipped, nil
}

// SetPending records an optimistic value for a writable field.
func (s *Synchronizer) SetPending(field, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p, ok := s.confirmed[field]; ok && !p.Writable {
		return fmt.Errorf("field %q is not writable", field)
	}
	s.dirty[field] = value
	return nil
}

// Dirty returns the fields awaiting backend confirmation.
func (s *Synchronizer) Dirty() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]string, len(s.dirty))
	for k, v := range s.dirty {
		out[k] = v
	}
	return out
}

// Confirm promotes optimistic values to confirmed after the backend
// accepted the write.
func (s *Synchronizer) Confirm(fields ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, name := range fields {
		value, ok := s.dirty[name]
		if !ok {
			continue
		}
		p := s.confirmed[name]
		p.Value = value
		s.confirmed[name] = p
		delete(s.dirty, name)
	}
}

// Rollback discards optimistic values after a rejected or timed-out
// write, restoring the last confirmed view.
func (s *Synchronizer) Rollback(fields ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(fields) == 0 {
		s.dirty = make(map[string]string)
		return
	}
	for _, name := range fields {
		delete(s.dirty, name)
	}
}

// Value returns the display value for a field: the optimistic overlay
// when an edit is pending, otherwise the confirmed value.
func (s *Synchronizer) Value(field string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if v, ok := s.dirty[field]; ok {
		return v, true
	}
	p, ok := s.confirmed[field]
	if !ok {
		return "", false
	}
	return p.Value, true
}

// Uint64 reads a field as an unsigned 64-bit value, overlay included.
func (s *Synchronizer) Uint64(field string) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.uint64Locked(field)
}

func (s *Synchronizer) uint64Locked(field string) (uint64, error) {
	text, ok := s.dirty[field]
	if !ok {
		p, found := s.confirmed[field]
		if !found {
			return 0, fmt.Errorf("field %q not in cache", field)
		}
		text = p.Value
	}
	v, err := strconv.ParseUint(text, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("field %q is not a uint64: %w", field, err)
	}
	return v, nil
}

// Parameter returns the confirmed parameter record for a field.
func (s *Synchronizer) Parameter(field string) (proto.Parameter, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.confirmed[field]
	return p, ok
}

// Battery returns the last broadcast battery voltage in millivolts.
func (s *Synchronizer) Battery() uint32 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.battery
}

func (s *Synchronizer) Connected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connected
}

// Invalidate discards the cache on disconnect; the state is never
// assumed valid across a connection gap.
func (s *Synchronizer) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.confirmed = make(map[string]proto.Parameter)
	s.dirty = make(map[string]string)
	s.connected = false
	slog.Debug("Invalidated device state cache")
}

// Len reports the number of confirmed parameters.
func (s *Synchronizer) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.confirmed)
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case float64:
		// JSON numbers arrive as float64; bitmask fields are sent as
		// strings by contract, so this only covers scalar values.
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(data)
	}
}
