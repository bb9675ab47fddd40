package models

import "time"

// OutboundMessage is one reply bubble produced by a turn.
type OutboundMessage struct {
	Text    string `json:"text"`
	DelayMs int    `json:"delay_ms"`
}

// TurnResult is the outcome of running one conversational turn.
type TurnResult struct {
	Messages    []OutboundMessage `json:"messages"`
	ToolName    string            `json:"tool_name,omitempty"`
	AnswersDiff map[string]any    `json:"answers_diff,omitempty"`
	Terminal    bool              `json:"terminal"`
	Escalate    bool              `json:"escalate"`
	Reasoning   string            `json:"reasoning,omitempty"`
	Confidence  float64           `json:"confidence"`
	Metadata    map[string]any    `json:"metadata,omitempty"`
}

// AddError records a non-fatal error in the turn metadata.
func (r *TurnResult) AddError(msg string) {
	if r.Metadata == nil {
		r.Metadata = make(map[string]any)
	}
	errs, _ := r.Metadata["errors"].([]string)
	r.Metadata["errors"] = append(errs, msg)
}

// ActionResult is the outcome of an external action executor. Executors
// never return Go errors into the runner; failure is carried in-band so the
// feedback loop can report it truthfully.
type ActionResult struct {
	Success     bool           `json:"success"`
	UserMessage string         `json:"user_message"`
	Error       string         `json:"error,omitempty"`
	Data        map[string]any `json:"data,omitempty"`
}

// InboundMessage is one webhook message buffered for debouncing.
type InboundMessage struct {
	ID        string    `json:"id"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	Sequence  int64     `json:"sequence"`
}

// ConversationMeta tracks burst-window timestamps per (user, agent type).
type ConversationMeta struct {
	LastInboundTs time.Time `json:"last_inbound_ts"`
	WindowStartTs time.Time `json:"window_start_ts"`
}

// ReplyMarker records the currently in-flight outbound reply for a user.
type ReplyMarker struct {
	ReplyID string    `json:"reply_id"`
	Ts      time.Time `json:"ts"`
}

// WebhookMessage is the parsed inbound record handed over by transport.
// Audio messages that failed transcription arrive with Text set to the
// sentinel "[AUDIO_ERROR: <reason>]" and are passed to the LLM unchanged.
type WebhookMessage struct {
	UserID    string `json:"user_id"`
	Text      string `json:"text"`
	Channel   string `json:"channel"`
	MessageID string `json:"message_id,omitempty"`
	IsAdmin   bool   `json:"is_admin,omitempty"`
}
