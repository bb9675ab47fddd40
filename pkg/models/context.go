// Package models contains the persisted and transient domain types shared
// across the engine, runner, and stores.
package models

import (
	"time"
)

// NodeStatus tracks per-node progress within a flow context.
type NodeStatus string

// Node status constants.
const (
	NodeStatusNotVisited NodeStatus = "not_visited"
	NodeStatusInProgress NodeStatus = "in_progress"
	NodeStatusCompleted  NodeStatus = "completed"
	NodeStatusSkipped    NodeStatus = "skipped"
	NodeStatusFailed     NodeStatus = "failed"
)

// Role identifies the author of a conversation turn.
type Role string

// Conversation roles.
const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// NodeState is per-node bookkeeping inside a FlowContext.
type NodeState struct {
	Status           NodeStatus     `json:"status"`
	Visits           int            `json:"visits"`
	LastVisited      *time.Time     `json:"last_visited,omitempty"`
	ValidationErrors []string       `json:"validation_errors,omitempty"`
	Meta             map[string]any `json:"meta,omitempty"`
}

// ConversationTurn is one entry in the persisted conversation history.
type ConversationTurn struct {
	Timestamp time.Time      `json:"timestamp"`
	Role      Role           `json:"role"`
	Content   string         `json:"content"`
	NodeID    string         `json:"node_id,omitempty"`
	Meta      map[string]any `json:"meta,omitempty"`
}

// FlowContext is the durable per-(user, flow) conversation state.
// The session store owns the persisted copy; the turn runner borrows a
// snapshot for one turn and writes it back atomically.
type FlowContext struct {
	FlowID    string `json:"flow_id"`
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id"`
	TenantID  string `json:"tenant_id,omitempty"`

	CurrentNodeID string               `json:"current_node_id,omitempty"`
	Answers       map[string]any       `json:"answers"`
	PendingField  string               `json:"pending_field,omitempty"`
	NodeStates    map[string]*NodeState `json:"node_states"`

	History   []ConversationTurn `json:"history"`
	TurnCount int                `json:"turn_count"`

	AvailablePaths  []string           `json:"available_paths,omitempty"`
	ActivePath      string             `json:"active_path,omitempty"`
	PathConfidence  map[string]float64 `json:"path_confidence,omitempty"`
	PathLocked      bool               `json:"path_locked"`
	PathLabels      map[string]string  `json:"path_labels,omitempty"`
	PathCorrections int                `json:"path_corrections"`

	UserIntent         string `json:"user_intent,omitempty"`
	ConversationStyle  string `json:"conversation_style,omitempty"`
	ClarificationCount int    `json:"clarification_count"`

	IsComplete       bool      `json:"is_complete"`
	EscalationReason string    `json:"escalation_reason,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// NewFlowContext creates an empty context for the given identity.
func NewFlowContext(flowID, userID, sessionID string) *FlowContext {
	now := time.Now().UTC()
	return &FlowContext{
		FlowID:     flowID,
		UserID:     userID,
		SessionID:  sessionID,
		Answers:    make(map[string]any),
		NodeStates: make(map[string]*NodeState),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// NodeState returns the bookkeeping record for a node, creating it on first use.
func (c *FlowContext) NodeState(nodeID string) *NodeState {
	if c.NodeStates == nil {
		c.NodeStates = make(map[string]*NodeState)
	}
	st, ok := c.NodeStates[nodeID]
	if !ok {
		st = &NodeState{Status: NodeStatusNotVisited}
		c.NodeStates[nodeID] = st
	}
	return st
}

// AddTurn appends a conversation turn and keeps TurnCount equal to the
// history length (invariant: turn_count == len(history)).
func (c *FlowContext) AddTurn(role Role, content string, nodeID string, meta map[string]any) {
	c.History = append(c.History, ConversationTurn{
		Timestamp: time.Now().UTC(),
		Role:      role,
		Content:   content,
		NodeID:    nodeID,
		Meta:      meta,
	})
	c.TurnCount = len(c.History)
	c.Touch()
}

// Touch updates the modification timestamp.
func (c *FlowContext) Touch() {
	c.UpdatedAt = time.Now().UTC()
}

// HasAnswer reports whether a key is present with a non-empty value.
func (c *FlowContext) HasAnswer(key string) bool {
	v, ok := c.Answers[key]
	if !ok || v == nil {
		return false
	}
	if s, isStr := v.(string); isStr && s == "" {
		return false
	}
	return true
}

// RecentHistory returns up to n most recent turns, oldest first.
func (c *FlowContext) RecentHistory(n int) []ConversationTurn {
	if n <= 0 || len(c.History) == 0 {
		return nil
	}
	if len(c.History) <= n {
		return c.History
	}
	return c.History[len(c.History)-n:]
}

// Reset restores the context to its initial state, keeping identity and
// creation time. Used by the restart action.
func (c *FlowContext) Reset(entryNodeID string) {
	c.CurrentNodeID = entryNodeID
	c.Answers = make(map[string]any)
	c.NodeStates = make(map[string]*NodeState)
	c.History = nil
	c.TurnCount = 0
	c.PendingField = ""
	c.AvailablePaths = nil
	c.ActivePath = ""
	c.PathConfidence = nil
	c.PathLocked = false
	c.PathLabels = nil
	c.PathCorrections = 0
	c.UserIntent = ""
	c.ClarificationCount = 0
	c.IsComplete = false
	c.EscalationReason = ""
	c.Touch()
}
