package runner

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowrelay/flowrelay/pkg/llm"
	"github.com/flowrelay/flowrelay/pkg/models"
	"github.com/flowrelay/flowrelay/pkg/responder"
)

// fakeFlowMod returns a canned outcome and records the call.
type fakeFlowMod struct {
	result      models.ActionResult
	flowID      string
	instruction string
	isAdmin     bool
}

func (f *fakeFlowMod) Execute(_ context.Context, flowID, instruction string, isAdmin bool) models.ActionResult {
	f.flowID = flowID
	f.instruction = instruction
	f.isAdmin = isAdmin
	return f.result
}

func modifyFlowToolCall() string {
	return `{
		"actions": ["modify_flow"],
		"messages": [{"text": "Vou aplicar a mudança agora."}],
		"flow_modification_instruction": "adicionar pergunta de cidade",
		"confidence": 0.9
	}`
}

func TestModifyFlowSuccessFeedback(t *testing.T) {
	stub := llm.NewStubClient()
	stub.AddToolCall(responder.ToolName, modifyFlowToolCall())
	// Feedback reply acknowledging success.
	stub.AddToolCall(responder.ToolName, `{
		"actions": ["stay"],
		"messages": [{"text": "Pronto! A modificação foi aplicada com sucesso ✅"}],
		"confidence": 1
	}`)

	flowMod := &fakeFlowMod{result: models.ActionResult{
		Success:     true,
		UserMessage: "Modificação aplicada com sucesso (versão 2).",
	}}
	r := newRunner(t, stub, flowMod)
	fc := models.NewFlowContext("signup", "u1", "s1")

	turn, err := r.RunTurn(context.Background(), Input{
		Context: fc, UserMessage: "adicione uma pergunta de cidade", IsAdmin: true,
	})
	require.NoError(t, err)

	assert.Equal(t, "signup", flowMod.flowID)
	assert.Equal(t, "adicionar pergunta de cidade", flowMod.instruction)
	assert.True(t, flowMod.isAdmin)

	// The feedback reply replaced the pre-execution draft.
	require.Len(t, turn.Messages, 1)
	assert.Contains(t, turn.Messages[0].Text, "sucesso")
	assert.NotContains(t, turn.Messages[0].Text, "Vou aplicar")
}

func TestModifyFlowFailureFeedbackNeverClaimsSuccess(t *testing.T) {
	stub := llm.NewStubClient()
	stub.AddToolCall(responder.ToolName, modifyFlowToolCall())
	// The model lies about the outcome: positive marker on a failed action.
	stub.AddToolCall(responder.ToolName, `{
		"actions": ["stay"],
		"messages": [{"text": "Tudo certo, aplicado!"}],
		"confidence": 1
	}`)

	flowMod := &fakeFlowMod{result: models.ActionResult{
		Success:     false,
		UserMessage: "Não foi possível aplicar a modificação no fluxo.",
		Error:       "apply edits: node \"x\" does not exist",
	}}
	r := newRunner(t, stub, flowMod)
	fc := models.NewFlowContext("signup", "u1", "s1")

	turn, err := r.RunTurn(context.Background(), Input{
		Context: fc, UserMessage: "remova o nó x", IsAdmin: true,
	})
	require.NoError(t, err)

	// The untruthful reply was replaced by the deterministic failure text.
	require.Len(t, turn.Messages, 1)
	assert.Equal(t, feedbackFailureText, turn.Messages[0].Text)

	errs, ok := turn.Metadata["errors"].([]string)
	require.True(t, ok)
	assert.NotEmpty(t, errs)
}

func TestModifyFlowUntruthfulSuccessReplaced(t *testing.T) {
	stub := llm.NewStubClient()
	stub.AddToolCall(responder.ToolName, modifyFlowToolCall())
	// Success outcome but the reply has no positive marker.
	stub.AddToolCall(responder.ToolName, `{
		"actions": ["stay"],
		"messages": [{"text": "Hmm, vou verificar isso."}],
		"confidence": 1
	}`)

	flowMod := &fakeFlowMod{result: models.ActionResult{Success: true, UserMessage: "ok"}}
	r := newRunner(t, stub, flowMod)
	fc := models.NewFlowContext("signup", "u1", "s1")

	turn, err := r.RunTurn(context.Background(), Input{
		Context: fc, UserMessage: "mude o fluxo", IsAdmin: true,
	})
	require.NoError(t, err)

	require.Len(t, turn.Messages, 1)
	assert.Equal(t, feedbackSuccessText, turn.Messages[0].Text)
}

func TestModifyFlowWithoutExecutor(t *testing.T) {
	stub := llm.NewStubClient()
	stub.AddToolCall(responder.ToolName, modifyFlowToolCall())

	r := newRunner(t, stub, nil)
	fc := models.NewFlowContext("signup", "u1", "s1")

	turn, err := r.RunTurn(context.Background(), Input{
		Context: fc, UserMessage: "mude o fluxo", IsAdmin: true,
	})
	require.NoError(t, err)

	errs, ok := turn.Metadata["errors"].([]string)
	require.True(t, ok)
	assert.Contains(t, errs[0], "no executor")
}

func TestTruthfulMarkers(t *testing.T) {
	tests := []struct {
		name    string
		text    string
		success bool
		want    bool
	}{
		{"success with marker", "mudança aplicada!", true, true},
		{"success with emoji", "feito ✅", true, true},
		{"success without marker", "vou verificar", true, false},
		{"failure with marker", "houve um erro ao aplicar", false, true},
		{"failure with emoji", "não deu ❌", false, true},
		{"failure without marker", "tudo certo por aqui", false, false},
		{"markers are case insensitive", "APLICADO com êxito", true, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := truthful([]responder.Message{{Text: tt.text}}, tt.success)
			assert.Equal(t, tt.want, got)
		})
	}
}
