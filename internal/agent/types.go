// Package agent provides the autonomous actor runtime: each agent owns a
// prioritized message queue, a bounded set of in-flight actions, and a
// periodic decision timer. Domain behavior is supplied by a Behavior
// implementation; the runtime owns scheduling, bounding, and isolation.
package agent

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/arbnet/arbnet-go/internal/bus"
)

// ActionStatus is the lifecycle state of an action.
type ActionStatus string

const (
	ActionPending   ActionStatus = "pending"
	ActionExecuting ActionStatus = "executing"
	ActionCompleted ActionStatus = "completed"
	ActionFailed    ActionStatus = "failed"
)

// Action is the unit of bounded concurrency per agent.
type Action struct {
	ID              string         `json:"id"`
	Type            string         `json:"type"`
	Parameters      map[string]any `json:"parameters,omitempty"`
	ExpectedOutcome string         `json:"expectedOutcome,omitempty"`
	Status          ActionStatus   `json:"status"`
}

// NewAction builds a pending action with a generated ID.
func NewAction(actionType string, params map[string]any, expected string) *Action {
	return &Action{
		ID:              uuid.NewString(),
		Type:            actionType,
		Parameters:      params,
		ExpectedOutcome: expected,
		Status:          ActionPending,
	}
}

// Decision is the output of one decision cycle that yielded work.
type Decision struct {
	ID         string    `json:"id"`
	AgentID    string    `json:"agentId"`
	Confidence float64   `json:"confidence"`
	Reasoning  string    `json:"reasoning"`
	Actions    []*Action `json:"actions"`
	Timestamp  time.Time `json:"timestamp"`
}

// Behavior supplies the domain half of an agent. The runtime guarantees
// calls are serialized per agent: Initialize/Decide/HandleMessage/
// ExecuteAction/Cleanup never run concurrently with each other for the
// same agent.
type Behavior interface {
	// Initialize prepares domain state. Failure is fatal to Start.
	Initialize(ctx context.Context) error
	// Decide produces at most one decision. Returning (nil, nil) means
	// nothing to do this cycle.
	Decide(ctx context.Context) (*Decision, error)
	// HandleMessage processes one inbound message. Errors are isolated
	// to that message.
	HandleMessage(ctx context.Context, msg bus.AgentMessage) error
	// ExecuteAction performs one action. Errors mark the action failed
	// without cancelling siblings.
	ExecuteAction(ctx context.Context, action *Action) error
	// Cleanup releases domain state on Stop.
	Cleanup(ctx context.Context) error
}

// Config holds an agent's identity and scheduling parameters.
type Config struct {
	ID                   string
	Type                 string
	Name                 string
	Enabled              bool
	DecisionInterval     time.Duration
	MaxConcurrentActions int
}

// Sender delivers an agent's outbound messages. *Runtime satisfies it;
// behaviors that need to send receive one via Bind.
type Sender interface {
	SendMessage(msg bus.AgentMessage)
}

// Bindable is implemented by behaviors that want a Sender once their
// runtime exists.
type Bindable interface {
	Bind(s Sender)
}

// EventType classifies runtime events emitted to observers.
type EventType string

const (
	EventStarted         EventType = "started"
	EventStopped         EventType = "stopped"
	EventMessage         EventType = "message" // outbound message to route
	EventActionCompleted EventType = "actionCompleted"
	EventActionFailed    EventType = "actionFailed"
	EventError           EventType = "error"
)

// Event is the runtime's outbound notification. Message is set for
// EventMessage, Action for action events, Err for failures.
type Event struct {
	Type      EventType
	AgentID   string
	Message   *bus.AgentMessage
	Action    *Action
	Err       error
	Timestamp time.Time
}
