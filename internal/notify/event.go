package notify

import (
	"encoding/json"
	"time"
)

type EventType string

const (
	EventTypeMessage          EventType = "message"
	EventTypeProgress         EventType = "progress"
	EventTypeImage            EventType = "image"
	EventTypeToolUse          EventType = "tool_use"
	EventTypeToolResult       EventType = "tool_result"
	EventTypeStatus           EventType = "status"
	EventTypeError            EventType = "error"
	EventTypeTitle            EventType = "title"
	EventTypeInstanceStopping EventType = "instance_stopping"
)

// Event is one notification delivered to clients watching a session.
type Event struct {
	Type      EventType       `json:"type"`
	SessionID string          `json:"session_id"`
	AtUnixMs  int64           `json:"at_unix_ms"`
	Text      string          `json:"text,omitempty"`
	Status    string          `json:"status,omitempty"`
	ToolName  string          `json:"tool_name,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
	Image     *ImageRef       `json:"image,omitempty"`
}

type ImageRef struct {
	MediaType string `json:"media_type"`
	Path      string `json:"path"`
}

// lowPriority events may be dropped first when a subscriber falls behind.
func (e Event) lowPriority() bool {
	switch e.Type {
	case EventTypeProgress, EventTypeToolUse, EventTypeToolResult:
		return true
	default:
		return false
	}
}

func stamp(ev Event) Event {
	if ev.AtUnixMs <= 0 {
		ev.AtUnixMs = time.Now().UnixMilli()
	}
	return ev
}
