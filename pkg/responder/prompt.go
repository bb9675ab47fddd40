package responder

import (
	"fmt"
	"sort"
	"strings"

	"github.com/flowrelay/flowrelay/pkg/engine"
	"github.com/flowrelay/flowrelay/pkg/models"
)

// Input collects everything the responder needs to decide one turn.
type Input struct {
	Prompt        string
	PendingField  string
	Context       *models.FlowContext
	UserMessage   string
	AllowedValues []string
	Transitions   []engine.Transition
	FlowGraph     string
	IsAdmin       bool

	// Tenant hints, opaque text passed through to the prompt.
	CommunicationStyle string
	ProjectDescription string
	TargetAudience     string
}

// maxHistoryTurns bounds the conversation excerpt in the prompt.
const maxHistoryTurns = 5

// BuildPrompt assembles the single turn prompt. Section ordering is fixed
// so that stubbed-LLM runs are reproducible.
func BuildPrompt(in Input) string {
	var b strings.Builder

	b.WriteString("You are a conversational assistant guiding a user through a structured flow")
	if in.ProjectDescription != "" {
		fmt.Fprintf(&b, " for: %s", in.ProjectDescription)
	}
	b.WriteString(".\n")
	if in.TargetAudience != "" {
		fmt.Fprintf(&b, "Target audience: %s\n", in.TargetAudience)
	}
	if in.CommunicationStyle != "" {
		fmt.Fprintf(&b, "Communication style: %s\n", in.CommunicationStyle)
	}
	b.WriteString("\n")

	if in.Prompt != "" {
		fmt.Fprintf(&b, "Current question: %s\n", in.Prompt)
	}
	if in.PendingField != "" {
		fmt.Fprintf(&b, "Pending field: %s\n", in.PendingField)
	}
	fmt.Fprintf(&b, "User message: %s\n\n", in.UserMessage)

	writeAnswers(&b, in.Context)
	writeHistory(&b, in.Context)
	writePaths(&b, in.Context)
	writeTransitions(&b, in.Transitions)

	if len(in.AllowedValues) > 0 {
		fmt.Fprintf(&b, "The answer for %q must be one of: %s\n\n",
			in.PendingField, strings.Join(in.AllowedValues, ", "))
	}
	if in.FlowGraph != "" {
		fmt.Fprintf(&b, "Flow graph:\n%s\n\n", in.FlowGraph)
	}

	writeToolRules(&b, in)

	return b.String()
}

func writeAnswers(b *strings.Builder, ctx *models.FlowContext) {
	if ctx == nil || len(ctx.Answers) == 0 {
		return
	}
	keys := make([]string, 0, len(ctx.Answers))
	for k := range ctx.Answers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	b.WriteString("Collected answers:\n")
	for _, k := range keys {
		fmt.Fprintf(b, "- %s: %v\n", k, ctx.Answers[k])
	}
	b.WriteString("\n")
}

func writeHistory(b *strings.Builder, ctx *models.FlowContext) {
	if ctx == nil {
		return
	}
	recent := ctx.RecentHistory(maxHistoryTurns)
	if len(recent) == 0 {
		return
	}
	b.WriteString("Recent conversation:\n")
	for _, turn := range recent {
		fmt.Fprintf(b, "%s: %s\n", turn.Role, turn.Content)
	}
	b.WriteString("\n")
}

func writePaths(b *strings.Builder, ctx *models.FlowContext) {
	if ctx == nil {
		return
	}
	if len(ctx.AvailablePaths) > 0 {
		fmt.Fprintf(b, "Available paths: %s\n", strings.Join(ctx.AvailablePaths, ", "))
	}
	if ctx.ActivePath != "" {
		fmt.Fprintf(b, "Active path: %s (locked: %t)\n", ctx.ActivePath, ctx.PathLocked)
	}
	if len(ctx.AvailablePaths) > 0 || ctx.ActivePath != "" {
		b.WriteString("\n")
	}
}

func writeTransitions(b *strings.Builder, transitions []engine.Transition) {
	if len(transitions) == 0 {
		return
	}
	b.WriteString("Navigation options:\n")
	for _, t := range transitions {
		status := "blocked"
		if t.GuardSatisfied {
			status = "available"
		}
		desc := t.Description
		if desc == "" {
			desc = t.Target
		}
		fmt.Fprintf(b, "- %s (%s): %s\n", t.Target, status, desc)
	}
	b.WriteString("\n")
}

func writeToolRules(b *strings.Builder, in Input) {
	b.WriteString("Rules:\n")
	b.WriteString("- Call the respond tool exactly once with the ordered actions for this turn.\n")
	b.WriteString("- Use update to record or correct answers, navigate to move, stay to re-ask or clarify.\n")
	b.WriteString("- Use handoff only when the user is frustrated or explicitly asks for a human.\n")
	b.WriteString("- Use complete only when the flow has gathered everything it needs.\n")
	if in.IsAdmin {
		b.WriteString("- As an admin, you may use modify_flow with a clear instruction to change the flow itself.\n")
	}
	b.WriteString("- Return every user-facing message in the messages field; never answer in free text.\n")
}

// FeedbackInput describes the real outcome of an external action, fed back
// so the model produces a truthful user-facing reply.
type FeedbackInput struct {
	ActionName     string
	Success        bool
	ResultMessage  string
	TechnicalError string
	Instruction    string
	DraftMessages  []Message
}

// BuildFeedbackPrompt assembles the external-action feedback prompt.
func BuildFeedbackPrompt(in FeedbackInput) string {
	var b strings.Builder
	status := "FAILED"
	if in.Success {
		status = "SUCCESS"
	}
	fmt.Fprintf(&b, "The action %q you requested has been executed. Status: %s.\n", in.ActionName, status)
	fmt.Fprintf(&b, "Result: %s\n", in.ResultMessage)
	if !in.Success && in.TechnicalError != "" {
		fmt.Fprintf(&b, "Technical error: %s\n", in.TechnicalError)
	}
	fmt.Fprintf(&b, "The user's original instruction was: %s\n", in.Instruction)
	if len(in.DraftMessages) > 0 {
		b.WriteString("Your draft reply before execution was:\n")
		for _, m := range in.DraftMessages {
			fmt.Fprintf(&b, "- %s\n", m.Text)
		}
	}
	b.WriteString("\nCall the respond tool with a stay action and messages that truthfully tell the user ")
	if in.Success {
		b.WriteString("that the change was applied successfully.\n")
	} else {
		b.WriteString("that the change failed. Do not claim success.\n")
	}
	return b.String()
}
