// Package protocol defines the JSON envelopes exchanged over the WebSocket.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Inbound commands
const (
	CmdSubscribeUpdates = "subscribe_updates"
	CmdHeavyComputation = "heavy_computation"
	CmdGetMemoryStats   = "get_memory_stats"
	CmdForceGC          = "force_gc"
	CmdSubscribeEvent   = "subscribe_event"
	CmdBroadcast        = "broadcast"
	CmdGetHistory       = "get_history"
)

// Outbound events
const (
	EventConnected         = "connected"
	EventWelcome           = "welcome"
	EventAck               = "ack"
	EventError             = "error"
	EventUserUpdates       = "user_updates"
	EventComputationResult = "computation_result"
	EventMemoryStats       = "memory_stats"
	EventGCResult          = "gc_result"
	EventBroadcast         = "broadcast"
	EventEvent             = "event"
	EventHistory           = "history"
)

var (
	// ErrMalformedEnvelope is returned for frames that are not a JSON envelope
	ErrMalformedEnvelope = errors.New("malformed envelope")

	// ErrUnknownCommand is returned for an envelope naming no known command
	ErrUnknownCommand = errors.New("unknown command")
)

// Envelope is a single WebSocket text frame
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Decode parses an inbound frame
func Decode(frame []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if env.Event == "" {
		return nil, fmt.Errorf("%w: missing event", ErrMalformedEnvelope)
	}
	return &env, nil
}

// Encode builds an outbound frame
func Encode(event string, payload any) ([]byte, error) {
	env := Envelope{Event: event}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s: %w", event, err)
		}
		env.Data = data
	}
	return json.Marshal(env)
}

// Bind decodes the envelope data into v. An empty payload leaves v untouched.
func (e *Envelope) Bind(v any) error {
	if len(e.Data) == 0 || string(e.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformedEnvelope, e.Event, err)
	}
	return nil
}

// Known reports whether event names an inbound command
func Known(event string) bool {
	switch event {
	case CmdSubscribeUpdates, CmdHeavyComputation, CmdGetMemoryStats, CmdForceGC,
		CmdSubscribeEvent, CmdBroadcast, CmdGetHistory:
		return true
	}
	return false
}
