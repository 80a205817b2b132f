package types

import "encoding/json"

// StreamEventType identifies the kind of event carried on a task stream.
type StreamEventType string

const (
	EventStatus   StreamEventType = "status"
	EventProgress StreamEventType = "progress"
	EventComplete StreamEventType = "complete"
	EventError    StreamEventType = "error"
	EventPing     StreamEventType = "ping"
)

// Terminal reports whether the event ends the task stream.
func (t StreamEventType) Terminal() bool {
	return t == EventComplete || t == EventError
}

// Known reports whether t is one of the event types the stream protocol defines.
func (t StreamEventType) Known() bool {
	switch t {
	case EventStatus, EventProgress, EventComplete, EventError, EventPing:
		return true
	}
	return false
}

// StreamEvent is one event received from a task stream.
type StreamEvent struct {
	Type     StreamEventType `json:"type"`
	TaskID   string          `json:"task_id,omitempty"`
	Status   string          `json:"status,omitempty"`
	Progress float64         `json:"progress,omitempty"`
	Message  string          `json:"message,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
}
