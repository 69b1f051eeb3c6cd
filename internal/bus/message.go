// Package bus provides the topic-keyed pub/sub channel used for all
// inter-agent communication: direct agent-to-agent delivery, class-wide
// topics, and broadcast.
package bus

import (
	"time"

	"github.com/google/uuid"
)

// Priority orders message processing inside an agent's queue.
// Higher values are drained first.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityMedium
	PriorityHigh
	PriorityCritical
)

// String returns the wire name of the priority.
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityMedium:
		return "medium"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// ParsePriority maps a wire name back to a Priority (default medium).
func ParsePriority(s string) Priority {
	switch s {
	case "low":
		return PriorityLow
	case "high":
		return PriorityHigh
	case "critical":
		return PriorityCritical
	default:
		return PriorityMedium
	}
}

// Urgent reports whether the message should bypass the next scheduled
// decision cycle and be handled immediately.
func (p Priority) Urgent() bool {
	return p >= PriorityHigh
}

// Well-known routing targets. Anything else is either a concrete agent ID
// or a topic looked up in the manager's subscription table.
const (
	TargetAll        = "all"               // broadcast to every live agent
	TargetProducts   = "product_agents"    // class-wide pseudo-topic
	TargetOps        = "operations_center" // external human channel, not delivered in-process
	TopicMarket      = "market_events"
	TopicNegotiation = "negotiation_events"
)

// AgentMessage is the unit of inter-agent communication. Immutable once
// created.
type AgentMessage struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	From      string         `json:"from"`
	To        string         `json:"to"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Priority  Priority       `json:"priority"`
}

// NewMessage builds a message with a generated ID and current timestamp.
func NewMessage(msgType, from, to string, payload map[string]any, priority Priority) AgentMessage {
	return AgentMessage{
		ID:        uuid.NewString(),
		Type:      msgType,
		From:      from,
		To:        to,
		Payload:   payload,
		Timestamp: time.Now(),
		Priority:  priority,
	}
}
