package responder

import (
	"fmt"
	"unicode/utf8"
)

// ValidationOptions carries the caller context needed to validate a tool
// invocation.
type ValidationOptions struct {
	IsAdmin bool
}

// validKinds is the closed action set; anything else is a schema violation.
var validKinds = map[ActionType]bool{
	ActionStay:        true,
	ActionUpdate:      true,
	ActionNavigate:    true,
	ActionHandoff:     true,
	ActionComplete:    true,
	ActionRestart:     true,
	ActionModifyFlow:  true,
	ActionUpdateStyle: true,
}

// ValidateAndNormalize enforces the action tool contract. Hard violations
// are returned as errors (triggering a corrective retry); recoverable
// shape issues (over-long text, out-of-range delays) are normalized in
// place: truncation with a trailing ellipsis, delay clamping, first delay
// forced to zero.
func ValidateAndNormalize(p *ToolParams, opts ValidationOptions) []error {
	var errs []error

	if len(p.Actions) == 0 {
		errs = append(errs, fmt.Errorf("actions must contain at least one action"))
	}
	for _, a := range p.Actions {
		if !validKinds[a] {
			errs = append(errs, fmt.Errorf("unknown action %q", a))
		}
	}

	if len(p.Messages) == 0 {
		errs = append(errs, fmt.Errorf("messages must contain at least one message"))
	}
	if len(p.Messages) > MaxMessages {
		p.Messages = p.Messages[:MaxMessages]
	}
	for i := range p.Messages {
		m := &p.Messages[i]
		if m.Text == "" {
			errs = append(errs, fmt.Errorf("messages[%d].text is empty", i))
		}
		m.Text = truncateRunes(m.Text, MaxMessageRunes)
		if i == 0 {
			m.DelayMs = 0
			continue
		}
		if m.DelayMs < MinFollowupMs {
			m.DelayMs = MinFollowupMs
		}
		if m.DelayMs > MaxFollowupMs {
			m.DelayMs = MaxFollowupMs
		}
	}

	if p.HasAction(ActionUpdate) && len(p.Updates) == 0 {
		errs = append(errs, fmt.Errorf("update action requires a non-empty updates map"))
	}
	if p.HasAction(ActionNavigate) && p.TargetNodeID == "" {
		errs = append(errs, fmt.Errorf("navigate action requires target_node_id"))
	}
	if p.HasAction(ActionHandoff) && p.HandoffReason == "" {
		errs = append(errs, fmt.Errorf("handoff action requires handoff_reason"))
	}
	if p.HasAction(ActionModifyFlow) {
		if p.FlowModificationInstruction == "" {
			errs = append(errs, fmt.Errorf("modify_flow action requires flow_modification_instruction"))
		}
		if !opts.IsAdmin {
			errs = append(errs, fmt.Errorf("modify_flow is only available to admin users"))
		}
	}

	if p.Confidence < 0 {
		p.Confidence = 0
	}
	if p.Confidence > 1 {
		p.Confidence = 1
	}

	return errs
}

// truncateRunes limits s to max runes, appending an ellipsis marker when
// content was dropped.
func truncateRunes(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	return string(runes[:max-1]) + "…"
}
