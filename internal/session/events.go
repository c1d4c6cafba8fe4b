// Package session implements the conversation orchestrator core: the manager
// owning one worker per live session, the worker's scheduling and generation
// loop, and the stream events fanned out to subscribers.
package session

import "time"

// Stream event types emitted by session workers. For a given message_id,
// subscribers observe exactly one agent.start, then zero or more agent.chunk,
// then exactly one agent.end, never interleaved with another message's
// events.
const (
	EventAgentStart = "agent.start"
	EventAgentChunk = "agent.chunk"
	EventAgentEnd   = "agent.end"
)

// StreamEvent is one frame on a session's event stream. Data shapes are
// stable per event type; the frontend depends on them.
type StreamEvent struct {
	Event string         `json:"event"`
	Data  map[string]any `json:"data"`
}

// eventTimestamp renders timestamps the way the messages API does.
func eventTimestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func startEvent(messageID, sender, sessionID string, at time.Time) StreamEvent {
	return StreamEvent{
		Event: EventAgentStart,
		Data: map[string]any{
			"message_id": messageID,
			"sender":     sender,
			"session_id": sessionID,
			"timestamp":  eventTimestamp(at),
		},
	}
}

func chunkEvent(messageID, sender, content string) StreamEvent {
	return StreamEvent{
		Event: EventAgentChunk,
		Data: map[string]any{
			"message_id": messageID,
			"sender":     sender,
			"content":    content,
		},
	}
}

// endEvent carries the full final content. persistedID is empty when nothing
// was stored (empty generation or store failure); failed marks generations
// that ended on a provider error with whatever partial content was produced.
func endEvent(messageID, sender, content string, at time.Time, persistedID string, failed bool) StreamEvent {
	data := map[string]any{
		"message_id": messageID,
		"sender":     sender,
		"content":    content,
		"timestamp":  eventTimestamp(at),
	}
	if persistedID != "" {
		data["persisted_message_id"] = persistedID
	}
	if failed {
		data["error"] = true
	}
	return StreamEvent{Event: EventAgentEnd, Data: data}
}
