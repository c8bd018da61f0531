package protocol

import (
	"encoding/json"
	"time"

	"github.com/SkynetNext/push-gateway/internal/diagnostics"
	"github.com/SkynetNext/push-gateway/internal/history"
)

// Preferences tune a subscribe_updates stream
type Preferences struct {
	IntervalMs int      `json:"interval_ms,omitempty"`
	Topics     []string `json:"topics,omitempty"`
	MaxItems   int      `json:"max_items,omitempty"`
}

// SubscribeUpdatesRequest is the payload of subscribe_updates
type SubscribeUpdatesRequest struct {
	UserID      string      `json:"userId"`
	Preferences Preferences `json:"preferences"`
}

// HeavyComputationRequest is the payload of heavy_computation
type HeavyComputationRequest struct {
	Iterations int `json:"iterations"`
}

// SubscribeEventRequest is the payload of subscribe_event
type SubscribeEventRequest struct {
	Event string `json:"event"`
}

// BroadcastRequest is the payload of broadcast
type BroadcastRequest struct {
	Message string `json:"message"`
}

// GetHistoryRequest is the payload of get_history
type GetHistoryRequest struct {
	Limit int `json:"limit,omitempty"`
}

// Connected is sent once the session is registered
type Connected struct {
	ConnectionID string `json:"connectionId"`
	UserID       string `json:"userId"`
}

// Welcome is sent by the one-shot welcome timer
type Welcome struct {
	UserID    string    `json:"userId"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Ack acknowledges a command that registered a resource
type Ack struct {
	Command  string `json:"command"`
	HandleID uint64 `json:"handleId,omitempty"`
	Interval int64  `json:"intervalMs,omitempty"`

	// Processed is set for heavy_computation
	Processed *int `json:"processed,omitempty"`

	// Delivered and Failed are set for broadcast
	Delivered *int `json:"delivered,omitempty"`
	Failed    *int `json:"failed,omitempty"`
}

// Error reports a failed command
type Error struct {
	Command string `json:"command,omitempty"`
	Error   string `json:"error"`
}

// Update is one item of a user_updates payload
type Update struct {
	Type      string    `json:"type"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// UserUpdates carries copied values only, never live session state
type UserUpdates struct {
	UserID  string   `json:"userId"`
	Updates []Update `json:"updates"`
}

// ComputationResult is delivered after each unit of heavy_computation
type ComputationResult struct {
	Iteration int       `json:"iteration"`
	Size      int       `json:"size"`
	Checksum  uint32    `json:"checksum"`
	Timestamp time.Time `json:"timestamp"`
}

// MemoryStats is the payload of memory_stats
type MemoryStats struct {
	Memory         diagnostics.Memory `json:"memory"`
	SessionCount   int                `json:"sessionCount"`
	HistoryLength  int                `json:"historyLength"`
	BroadcastCount int                `json:"broadcastCount"`
	PeriodicTimers int                `json:"periodicTimers"`
	OneShotTimers  int                `json:"oneShotTimers"`
	Subscriptions  int                `json:"subscriptions"`
}

// GCResult is the payload of gc_result. Error is set when reclamation is unsupported.
type GCResult struct {
	Before *diagnostics.Memory `json:"before,omitempty"`
	After  *diagnostics.Memory `json:"after,omitempty"`
	Freed  uint64              `json:"freed"`
	Error  string              `json:"error,omitempty"`
}

// BroadcastMessage is fanned out to every broadcast target
type BroadcastMessage struct {
	From      string    `json:"from"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Event forwards a bus event to a subscribed connection
type Event struct {
	Name    string          `json:"name"`
	Payload json.RawMessage `json:"payload"`
}

// History is the payload of history
type History struct {
	Entries []history.Entry `json:"entries"`
}
