// Package responder turns one conversational turn into a validated action
// tool invocation: it assembles the prompt, calls the LLM under the closed
// tool schema, and enforces the schema with bounded corrective retries.
package responder

import (
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"

	"github.com/flowrelay/flowrelay/pkg/llm"
)

// ActionType is one sub-action inside the action tool's ordered list.
type ActionType string

// Action types the LLM may request.
const (
	ActionStay        ActionType = "stay"
	ActionUpdate      ActionType = "update"
	ActionNavigate    ActionType = "navigate"
	ActionHandoff     ActionType = "handoff"
	ActionComplete    ActionType = "complete"
	ActionRestart     ActionType = "restart"
	ActionModifyFlow  ActionType = "modify_flow"
	ActionUpdateStyle ActionType = "update_communication_style"
)

// ToolName is the name of the single action tool exposed to the model.
const ToolName = "respond"

// Schema limits and clamps.
const (
	MaxMessages      = 5
	MaxMessageRunes  = 150
	MinFollowupMs    = 2200
	MaxFollowupMs    = 4000
	MaxSchemaRetries = 2
)

// Message is one user-facing bubble with its send delay.
type Message struct {
	Text    string `json:"text" jsonschema:"description=Message bubble text (max 150 characters)"`
	DelayMs int    `json:"delay_ms" jsonschema:"description=Delay in milliseconds before sending this bubble. First message must be 0."`
}

// ToolParams is the closed parameter contract of the action tool. The
// ordered actions list carries the side effects; messages carry the entire
// user-facing reply (never free text).
type ToolParams struct {
	Actions  []ActionType `json:"actions" jsonschema:"description=Ordered list of actions to apply this turn,enum=stay,enum=update,enum=navigate,enum=handoff,enum=complete,enum=restart,enum=modify_flow,enum=update_communication_style"`
	Messages []Message    `json:"messages" jsonschema:"description=1 to 5 reply bubbles sent to the user in order"`

	Updates                     map[string]any `json:"updates,omitempty" jsonschema:"description=Answer key/value pairs to merge (required for update)"`
	TargetNodeID                string         `json:"target_node_id,omitempty" jsonschema:"description=Destination node id (required for navigate)"`
	ClarificationReason         string         `json:"clarification_reason,omitempty" jsonschema:"description=Why the user needs clarification when staying"`
	HandoffReason               string         `json:"handoff_reason,omitempty" jsonschema:"description=Why the conversation escalates to a human (required for handoff)"`
	FlowModificationInstruction string         `json:"flow_modification_instruction,omitempty" jsonschema:"description=Natural-language flow edit instruction (required for modify_flow)"`
	UpdatedCommunicationStyle   string         `json:"updated_communication_style,omitempty" jsonschema:"description=New communication style text"`

	Confidence float64 `json:"confidence" jsonschema:"description=Confidence in this decision between 0 and 1"`
	Reasoning  string  `json:"reasoning" jsonschema:"description=Short justification for the chosen actions"`
}

// HasAction reports whether the ordered list contains the given action.
func (p *ToolParams) HasAction(a ActionType) bool {
	for _, act := range p.Actions {
		if act == a {
			return true
		}
	}
	return false
}

// buildToolSchema reflects the parameter contract into a JSON schema once.
func buildToolSchema() json.RawMessage {
	reflector := jsonschema.Reflector{
		DoNotReference:            true,
		AllowAdditionalProperties: false,
		ExpandedStruct:            true,
	}
	schema := reflector.Reflect(&ToolParams{})
	data, err := json.Marshal(schema)
	if err != nil {
		panic(fmt.Sprintf("responder: reflect tool schema: %v", err))
	}
	return data
}

// actionTool is the single tool definition handed to the LLM adapter.
var actionTool = llm.Tool{
	Name: ToolName,
	Description: "Respond to the user for this turn. Apply the listed actions to the " +
		"conversation state and send the messages as reply bubbles. All user-facing " +
		"text goes in messages, never in free-form content.",
	Parameters: buildToolSchema(),
}

// parseToolArguments decodes tool call arguments tolerantly: the payload
// may be a JSON object or a JSON-encoded string wrapping one.
func parseToolArguments(arguments string) (*ToolParams, error) {
	var params ToolParams
	if err := json.Unmarshal([]byte(arguments), &params); err == nil {
		return &params, nil
	}
	var wrapped string
	if err := json.Unmarshal([]byte(arguments), &wrapped); err != nil {
		return nil, fmt.Errorf("arguments are neither an object nor a JSON string: %w", err)
	}
	if err := json.Unmarshal([]byte(wrapped), &params); err != nil {
		return nil, fmt.Errorf("string-wrapped arguments are not valid JSON: %w", err)
	}
	return &params, nil
}
