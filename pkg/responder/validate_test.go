package responder

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validParams() *ToolParams {
	return &ToolParams{
		Actions:    []ActionType{ActionStay},
		Messages:   []Message{{Text: "Olá!"}},
		Confidence: 0.8,
	}
}

func TestValidateAndNormalizeAccepts(t *testing.T) {
	p := validParams()
	errs := ValidateAndNormalize(p, ValidationOptions{})
	assert.Empty(t, errs)
}

func TestValidateHardViolations(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(p *ToolParams)
		want   string
	}{
		{
			name:   "empty actions",
			mutate: func(p *ToolParams) { p.Actions = nil },
			want:   "actions must contain at least one action",
		},
		{
			name:   "unknown action",
			mutate: func(p *ToolParams) { p.Actions = []ActionType{"fly"} },
			want:   `unknown action "fly"`,
		},
		{
			name:   "empty messages",
			mutate: func(p *ToolParams) { p.Messages = nil },
			want:   "messages must contain at least one message",
		},
		{
			name:   "empty message text",
			mutate: func(p *ToolParams) { p.Messages = []Message{{Text: ""}} },
			want:   "messages[0].text is empty",
		},
		{
			name:   "update without updates",
			mutate: func(p *ToolParams) { p.Actions = []ActionType{ActionUpdate} },
			want:   "update action requires a non-empty updates map",
		},
		{
			name:   "navigate without target",
			mutate: func(p *ToolParams) { p.Actions = []ActionType{ActionNavigate} },
			want:   "navigate action requires target_node_id",
		},
		{
			name:   "handoff without reason",
			mutate: func(p *ToolParams) { p.Actions = []ActionType{ActionHandoff} },
			want:   "handoff action requires handoff_reason",
		},
		{
			name: "modify_flow without instruction",
			mutate: func(p *ToolParams) {
				p.Actions = []ActionType{ActionModifyFlow}
			},
			want: "modify_flow action requires flow_modification_instruction",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := validParams()
			tt.mutate(p)

			errs := ValidateAndNormalize(p, ValidationOptions{IsAdmin: true})
			require.NotEmpty(t, errs)
			found := false
			for _, e := range errs {
				if strings.Contains(e.Error(), tt.want) {
					found = true
				}
			}
			assert.True(t, found, "expected %q in %v", tt.want, errs)
		})
	}
}

func TestValidateModifyFlowRequiresAdmin(t *testing.T) {
	p := validParams()
	p.Actions = []ActionType{ActionModifyFlow}
	p.FlowModificationInstruction = "adicionar pergunta de cidade"

	errs := ValidateAndNormalize(p, ValidationOptions{IsAdmin: false})
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Error(), "only available to admin users")

	errs = ValidateAndNormalize(p, ValidationOptions{IsAdmin: true})
	assert.Empty(t, errs)
}

func TestNormalizeMessages(t *testing.T) {
	t.Run("first delay forced to zero", func(t *testing.T) {
		p := validParams()
		p.Messages = []Message{
			{Text: "um", DelayMs: 3000},
			{Text: "dois", DelayMs: 3000},
		}

		errs := ValidateAndNormalize(p, ValidationOptions{})
		require.Empty(t, errs)
		assert.Equal(t, 0, p.Messages[0].DelayMs)
		assert.Equal(t, 3000, p.Messages[1].DelayMs)
	})

	t.Run("followup delays clamp into range", func(t *testing.T) {
		p := validParams()
		p.Messages = []Message{
			{Text: "um"},
			{Text: "dois", DelayMs: 100},
			{Text: "três", DelayMs: 99999},
		}

		errs := ValidateAndNormalize(p, ValidationOptions{})
		require.Empty(t, errs)
		assert.Equal(t, MinFollowupMs, p.Messages[1].DelayMs)
		assert.Equal(t, MaxFollowupMs, p.Messages[2].DelayMs)
	})

	t.Run("excess messages dropped", func(t *testing.T) {
		p := validParams()
		p.Messages = nil
		for i := 0; i < 7; i++ {
			p.Messages = append(p.Messages, Message{Text: "msg"})
		}

		errs := ValidateAndNormalize(p, ValidationOptions{})
		require.Empty(t, errs)
		assert.Len(t, p.Messages, MaxMessages)
	})

	t.Run("long text truncated with ellipsis", func(t *testing.T) {
		p := validParams()
		p.Messages = []Message{{Text: strings.Repeat("ação ", 80)}}

		errs := ValidateAndNormalize(p, ValidationOptions{})
		require.Empty(t, errs)
		text := p.Messages[0].Text
		assert.Equal(t, MaxMessageRunes, utf8.RuneCountInString(text))
		assert.True(t, strings.HasSuffix(text, "…"))
	})

	t.Run("confidence clamped", func(t *testing.T) {
		p := validParams()
		p.Confidence = 3.5
		require.Empty(t, ValidateAndNormalize(p, ValidationOptions{}))
		assert.Equal(t, 1.0, p.Confidence)

		p.Confidence = -0.4
		require.Empty(t, ValidateAndNormalize(p, ValidationOptions{}))
		assert.Equal(t, 0.0, p.Confidence)
	})
}

func TestTruncateRunesUnicodeSafe(t *testing.T) {
	s := strings.Repeat("ç", 200)
	got := truncateRunes(s, MaxMessageRunes)
	assert.Equal(t, MaxMessageRunes, utf8.RuneCountInString(got))
	assert.True(t, utf8.ValidString(got))
}
