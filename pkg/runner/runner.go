// Package runner orchestrates one conversational turn: engine snapshot,
// LLM decision, action application, and the outbound message list. It also
// hosts the feedback loop that reports external action outcomes truthfully.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"

	"github.com/flowrelay/flowrelay/pkg/config"
	"github.com/flowrelay/flowrelay/pkg/engine"
	"github.com/flowrelay/flowrelay/pkg/models"
	"github.com/flowrelay/flowrelay/pkg/responder"
)

// FlowModExecutor applies a live flow-modification instruction. It never
// returns a Go error: the outcome travels in the ActionResult.
type FlowModExecutor interface {
	Execute(ctx context.Context, flowID, instruction string, isAdmin bool) models.ActionResult
}

// Runner drives one turn for a single compiled flow. It is stateless
// between turns; all conversation state lives in the FlowContext.
type Runner struct {
	engine    *engine.Engine
	responder *responder.Responder
	flowMod   FlowModExecutor
	tenant    config.TenantConfig
	logger    *slog.Logger
}

// New creates a turn runner. flowMod may be nil when live modification is
// not exposed; logger may be nil.
func New(eng *engine.Engine, resp *responder.Responder, flowMod FlowModExecutor, tenant config.TenantConfig, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		engine:    eng,
		responder: resp,
		flowMod:   flowMod,
		tenant:    tenant,
		logger:    logger,
	}
}

// Input is one turn's worth of work.
type Input struct {
	Context     *models.FlowContext
	UserMessage string
	IsAdmin     bool
}

// completedText is the reply when the user writes to an already-finished
// conversation.
const completedText = "Esta conversa já foi concluída. Obrigado!"

// RunTurn executes one full turn against the borrowed context. The caller
// persists the context afterwards; RunTurn itself never touches a store.
func (r *Runner) RunTurn(ctx context.Context, in Input) (*models.TurnResult, error) {
	fc := in.Context
	answersBefore := copyAnswers(fc.Answers)

	snap, err := r.engine.GetState(fc, in.UserMessage)
	if err != nil {
		return nil, fmt.Errorf("resolve state: %w", err)
	}

	if snap.Kind == engine.SnapshotTerminal {
		text := snap.TerminalReason
		if text == "" {
			text = completedText
		}
		return &models.TurnResult{
			Messages: []models.OutboundMessage{{Text: text, DelayMs: 0}},
			Terminal: true,
		}, nil
	}

	result, err := r.responder.Respond(ctx, responder.Input{
		Prompt:             snap.Prompt,
		PendingField:       fc.PendingField,
		Context:            fc,
		UserMessage:        in.UserMessage,
		AllowedValues:      snap.AllowedValues,
		Transitions:        snap.Transitions,
		FlowGraph:          r.flowGraph(in.IsAdmin),
		IsAdmin:            in.IsAdmin,
		CommunicationStyle: communicationStyle(fc, r.tenant),
		ProjectDescription: r.tenant.ProjectDescription,
		TargetAudience:     r.tenant.TargetAudience,
	})
	if err != nil {
		return nil, fmt.Errorf("responder: %w", err)
	}

	turn := &models.TurnResult{
		ToolName:   result.ToolName,
		Reasoning:  result.Params.Reasoning,
		Confidence: result.Params.Confidence,
	}

	r.applyActions(ctx, fc, result.Params, in, turn)

	for _, msg := range result.Params.Messages {
		turn.Messages = append(turn.Messages, models.OutboundMessage{
			Text:    msg.Text,
			DelayMs: msg.DelayMs,
		})
		fc.AddTurn(models.RoleAssistant, msg.Text, fc.CurrentNodeID,
			map[string]any{"delay_ms": msg.DelayMs})
	}

	turn.AnswersDiff = answersDiff(answersBefore, fc.Answers)
	turn.Terminal = turn.Terminal || fc.IsComplete
	return turn, nil
}

// applyActions executes the LLM's ordered action list. Engine errors are
// captured into metadata and processing continues where safe; handoff
// short-circuits the rest of the list.
func (r *Runner) applyActions(ctx context.Context, fc *models.FlowContext, params *responder.ToolParams, in Input, turn *models.TurnResult) {
	for _, action := range params.Actions {
		switch action {
		case responder.ActionStay:
			if params.ClarificationReason == "needs_explanation" {
				fc.ClarificationCount++
			}

		case responder.ActionUpdate:
			for key, value := range params.Updates {
				r.engine.UpdateAnswer(fc, key, value)
			}

		case responder.ActionNavigate:
			if _, err := r.engine.NavigateTo(fc, params.TargetNodeID, true); err != nil {
				if errors.Is(err, engine.ErrInvalidTransition) {
					r.logger.Warn("Navigation rejected",
						"flow_id", fc.FlowID, "target", params.TargetNodeID, "error", err)
					turn.AddError(err.Error())
					continue
				}
				turn.AddError(err.Error())
			}

		case responder.ActionHandoff:
			fc.EscalationReason = params.HandoffReason
			fc.Touch()
			turn.Escalate = true
			return

		case responder.ActionComplete:
			// Let the flow reach its authored terminal before marking done.
			if _, err := r.engine.AdvanceFromCurrent(fc); err != nil {
				turn.AddError(err.Error())
			}
			fc.IsComplete = true
			fc.Touch()
			turn.Terminal = true

		case responder.ActionRestart:
			r.engine.Reset(fc)

		case responder.ActionModifyFlow:
			r.runModifyFlow(ctx, fc, params, in, turn)

		case responder.ActionUpdateStyle:
			if params.UpdatedCommunicationStyle != "" {
				fc.ConversationStyle = params.UpdatedCommunicationStyle
				fc.Touch()
			}
		}
	}
}

// flowGraph projects the graph into the prompt for admin turns, where
// modify_flow needs awareness of the current structure.
func (r *Runner) flowGraph(isAdmin bool) string {
	if !isAdmin {
		return ""
	}
	return r.engine.GraphOutline()
}

func communicationStyle(fc *models.FlowContext, tenant config.TenantConfig) string {
	if fc.ConversationStyle != "" {
		return fc.ConversationStyle
	}
	return tenant.CommunicationStyle
}

func copyAnswers(answers map[string]any) map[string]any {
	out := make(map[string]any, len(answers))
	for k, v := range answers {
		out[k] = v
	}
	return out
}

// answersDiff returns the keys whose values were added or changed during
// the turn. Values are JSON-decoded and may be slices or maps, so the
// comparison must be deep.
func answersDiff(before, after map[string]any) map[string]any {
	diff := make(map[string]any)
	for k, v := range after {
		if prev, ok := before[k]; !ok || !reflect.DeepEqual(prev, v) {
			diff[k] = v
		}
	}
	if len(diff) == 0 {
		return nil
	}
	return diff
}
