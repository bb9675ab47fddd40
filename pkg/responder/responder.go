package responder

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/flowrelay/flowrelay/pkg/llm"
)

// FallbackText is the neutral re-ask used when every schema retry fails.
const FallbackText = "Desculpe, não entendi. Pode repetir, por favor?"

// Result is a validated action tool invocation.
type Result struct {
	Params   *ToolParams
	ToolName string
	Model    string
	// Fallback is set when the deterministic fallback replaced an invalid
	// or missing model response.
	Fallback bool
}

// Responder drives one prompt/validate/retry round-trip per turn.
type Responder struct {
	client llm.Client
	logger *slog.Logger
}

// New creates a responder over the given LLM adapter. logger may be nil.
func New(client llm.Client, logger *slog.Logger) *Responder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Responder{client: client, logger: logger}
}

// Respond builds the turn prompt, invokes the LLM under the closed tool
// schema, and validates the response. Schema violations trigger up to
// MaxSchemaRetries corrective re-prompts carrying the first violations
// verbatim; exhaustion yields the deterministic fallback.
func (r *Responder) Respond(ctx context.Context, in Input) (*Result, error) {
	prompt := BuildPrompt(in)
	return r.invoke(ctx, "turn", prompt, ValidationOptions{IsAdmin: in.IsAdmin})
}

// Feedback re-invokes the model with the real outcome of an external
// action so the user-facing text is truthful.
func (r *Responder) Feedback(ctx context.Context, in FeedbackInput) (*Result, error) {
	prompt := BuildFeedbackPrompt(in)
	return r.invoke(ctx, "feedback", prompt, ValidationOptions{IsAdmin: true})
}

func (r *Responder) invoke(ctx context.Context, promptType, prompt string, opts ValidationOptions) (*Result, error) {
	tools := []llm.Tool{actionTool}

	for attempt := 0; attempt <= MaxSchemaRetries; attempt++ {
		r.logger.Debug("LLM request payload",
			"prompt_type", promptType, "attempt", attempt, "prompt", prompt)
		resp, err := r.client.Extract(ctx, prompt, tools)
		if err != nil {
			r.logger.Error("LLM extract failed",
				"prompt_type", promptType, "attempt", attempt, "error", err)
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return r.fallback(promptType), nil
		}
		r.logResponsePayload(promptType, attempt, resp)

		params, verrs := r.parseAndValidate(resp, opts)
		if len(verrs) == 0 {
			r.logger.Info("LLM response accepted",
				"prompt_type", promptType,
				"model", resp.Model,
				"attempt", attempt,
				"actions", fmt.Sprint(params.Actions),
				"messages", len(params.Messages),
				"confidence", params.Confidence)
			return &Result{Params: params, ToolName: ToolName, Model: resp.Model}, nil
		}

		r.logger.Warn("LLM response failed schema validation",
			"prompt_type", promptType, "attempt", attempt, "errors", errorStrings(verrs))
		if attempt < MaxSchemaRetries {
			prompt = prompt + "\n\n" + correctionHint(verrs)
		}
	}

	return r.fallback(promptType), nil
}

// logResponsePayload records the raw model output before validation.
func (r *Responder) logResponsePayload(promptType string, attempt int, resp *llm.Response) {
	if len(resp.ToolCalls) > 0 {
		r.logger.Debug("LLM response payload",
			"prompt_type", promptType,
			"attempt", attempt,
			"model", resp.Model,
			"tool", resp.ToolCalls[0].Name,
			"arguments", resp.ToolCalls[0].Arguments)
		return
	}
	r.logger.Debug("LLM response payload",
		"prompt_type", promptType, "attempt", attempt, "model", resp.Model, "content", resp.Content)
}

// parseAndValidate extracts the tool call and checks the contract.
// Free-form content without a tool call is a schema violation.
func (r *Responder) parseAndValidate(resp *llm.Response, opts ValidationOptions) (*ToolParams, []error) {
	if len(resp.ToolCalls) == 0 {
		return nil, []error{fmt.Errorf("response contained no tool call (free-form content is not accepted)")}
	}
	call := resp.ToolCalls[0]
	if call.Name != ToolName {
		return nil, []error{fmt.Errorf("unexpected tool %q (only %q is available)", call.Name, ToolName)}
	}
	params, err := parseToolArguments(call.Arguments)
	if err != nil {
		return nil, []error{err}
	}
	if verrs := ValidateAndNormalize(params, opts); len(verrs) > 0 {
		return nil, verrs
	}
	return params, nil
}

// correctionHint carries up to the first 3 validation errors verbatim back
// to the model.
func correctionHint(verrs []error) string {
	var b strings.Builder
	b.WriteString("Your previous tool call was invalid. Fix the following and call the tool again:\n")
	for i, e := range verrs {
		if i == 3 {
			break
		}
		fmt.Fprintf(&b, "- %s\n", e.Error())
	}
	return b.String()
}

func (r *Responder) fallback(promptType string) *Result {
	r.logger.Warn("Using deterministic fallback response", "prompt_type", promptType)
	return &Result{
		Params: &ToolParams{
			Actions:    []ActionType{ActionStay},
			Messages:   []Message{{Text: FallbackText, DelayMs: 0}},
			Confidence: 0,
			Reasoning:  "fallback after schema validation failure",
		},
		ToolName: ToolName,
		Fallback: true,
	}
}

func errorStrings(errs []error) []string {
	out := make([]string, len(errs))
	for i, e := range errs {
		out[i] = e.Error()
	}
	return out
}
