// Package bus implements the in-process topic pub/sub the agents and the
// orchestrator communicate over. Delivery is per-subscriber FIFO in publish
// order; the bus owns a single internal queue so concurrent publishers see a
// consistent serialization.
package bus

import (
	"time"

	"github.com/google/uuid"

	"forge/internal/workflow"
)

// MessageType tags a message envelope.
type MessageType string

const (
	TypeAgentRequest     MessageType = "AGENT_REQUEST"
	TypeAgentResponse    MessageType = "AGENT_RESPONSE"
	TypeTaskAssigned     MessageType = "TASK_ASSIGNED"
	TypeTaskComplete     MessageType = "TASK_COMPLETE"
	TypeStageStart       MessageType = "STAGE_START"
	TypeStageComplete    MessageType = "STAGE_COMPLETE"
	TypeUserFeedback     MessageType = "USER_FEEDBACK"
	TypeWorkflowCanceled MessageType = "WORKFLOW_CANCELED"
)

// Message is the typed envelope delivered over the bus. An empty Receiver
// means broadcast.
type Message struct {
	ID            string         `json:"id"`
	Type          MessageType    `json:"type"`
	Sender        string         `json:"sender"`
	Receiver      string         `json:"receiver,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	Payload       map[string]any `json:"payload,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
}

// NewMessage builds an envelope with a fresh id and timestamp.
func NewMessage(t MessageType, sender, receiver string, payload map[string]any) Message {
	return Message{
		ID:        uuid.NewString(),
		Type:      t,
		Sender:    sender,
		Receiver:  receiver,
		Payload:   payload,
		CreatedAt: time.Now(),
	}
}

// NewRoleMessage builds an envelope addressed to a role.
func NewRoleMessage(t MessageType, sender string, receiver workflow.Role, payload map[string]any) Message {
	return NewMessage(t, sender, string(receiver), payload)
}

// WithCorrelation returns a copy of the message carrying the correlation id.
func (m Message) WithCorrelation(id string) Message {
	m.CorrelationID = id
	return m
}
