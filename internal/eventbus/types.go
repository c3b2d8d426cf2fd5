package eventbus

import "time"

// Event is an immutable record created by a source agent. IDs increase
// monotonically across all agents.
type Event struct {
	ID          int64          `json:"id"`
	AgentID     string         `json:"agent_id"`
	Payload     map[string]any `json:"payload"`
	PublishedAt *time.Time     `json:"published_at,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

type EventInput struct {
	AgentID     string
	Payload     map[string]any
	PublishedAt *time.Time
}

// Notice is a lightweight change notification fanned out to in-process
// subscribers. It is not persisted.
type Notice struct {
	Stream  string    `json:"stream"`
	Kind    string    `json:"kind"`
	AgentID string    `json:"agent_id"`
	EventID int64     `json:"event_id,omitempty"`
	At      time.Time `json:"at"`
}

const (
	NoticeEvent     = "event"
	NoticeRefreshed = "feed_refreshed"
)

// SourceStream is the stream carrying new events of a source agent.
func SourceStream(agentID string) string {
	return "source:" + agentID
}

// FeedStream is the stream carrying refresh notices of an output agent.
func FeedStream(agentID string) string {
	return "feed:" + agentID
}
