package runner

import (
	"context"
	"strings"

	"github.com/flowrelay/flowrelay/pkg/models"
	"github.com/flowrelay/flowrelay/pkg/responder"
)

// Truthfulness markers for feedback validation. The feedback reply must
// acknowledge the real outcome; replies missing the expected marker are
// replaced by a deterministic message. "aplicad" is stemmed so both
// "aplicado" and "aplicada" count.
var (
	positiveMarkers = []string{"sucesso", "aplicad", "pronto", "feito", "✅"}
	negativeMarkers = []string{"erro", "falhou", "não foi", "❌"}
)

// Deterministic feedback fallbacks.
const (
	feedbackSuccessText = "Modificação aplicada com sucesso ✅"
	feedbackFailureText = "Não foi possível aplicar a modificação ❌"
)

// runModifyFlow executes the external modify_flow action and runs the
// feedback loop: the real outcome is fed back to the responder, and the
// resulting messages replace the original draft.
func (r *Runner) runModifyFlow(ctx context.Context, fc *models.FlowContext, params *responder.ToolParams, in Input, turn *models.TurnResult) {
	if r.flowMod == nil {
		turn.AddError("modify_flow requested but no executor is configured")
		return
	}

	outcome := r.flowMod.Execute(ctx, fc.FlowID, params.FlowModificationInstruction, in.IsAdmin)
	if turn.Metadata == nil {
		turn.Metadata = make(map[string]any)
	}
	turn.Metadata["modify_flow"] = outcome
	if !outcome.Success {
		turn.AddError(outcome.Error)
	}

	feedback, err := r.responder.Feedback(ctx, responder.FeedbackInput{
		ActionName:     string(responder.ActionModifyFlow),
		Success:        outcome.Success,
		ResultMessage:  outcome.UserMessage,
		TechnicalError: outcome.Error,
		Instruction:    params.FlowModificationInstruction,
		DraftMessages:  params.Messages,
	})
	if err != nil {
		params.Messages = []responder.Message{{Text: fallbackFeedbackText(outcome.Success)}}
		return
	}

	msgs := feedback.Params.Messages
	if !truthful(msgs, outcome.Success) {
		r.logger.Warn("Feedback reply failed truthfulness check",
			"flow_id", fc.FlowID, "success", outcome.Success)
		msgs = []responder.Message{{Text: fallbackFeedbackText(outcome.Success)}}
	}
	params.Messages = msgs
}

// truthful checks the marker heuristic: on success at least one positive
// marker must appear; on failure at least one negative marker.
func truthful(msgs []responder.Message, success bool) bool {
	var b strings.Builder
	for _, m := range msgs {
		b.WriteString(strings.ToLower(m.Text))
		b.WriteString(" ")
	}
	text := b.String()
	markers := negativeMarkers
	if success {
		markers = positiveMarkers
	}
	for _, marker := range markers {
		if strings.Contains(text, marker) {
			return true
		}
	}
	return false
}

func fallbackFeedbackText(success bool) string {
	if success {
		return feedbackSuccessText
	}
	return feedbackFailureText
}
