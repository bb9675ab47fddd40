package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowrelay/flowrelay/pkg/flow"
	"github.com/flowrelay/flowrelay/pkg/models"
)

// testFlow: ask_name -> decide -> (ask_age | done), ask_age -> done.
func testFlow(t *testing.T) *flow.CompiledFlow {
	t.Helper()
	f := &flow.Flow{
		SchemaVersion: flow.SchemaVersion,
		ID:            "signup",
		Entry:         "ask_name",
		Nodes: []*flow.Node{
			{ID: "ask_name", Kind: flow.KindQuestion, Key: "name", Prompt: "Qual é o seu nome?"},
			{ID: "decide", Kind: flow.KindDecision, DecisionType: flow.DecisionAutomatic, DecisionPrompt: "Escolher próximo passo"},
			{ID: "ask_age", Kind: flow.KindQuestion, Key: "age", Prompt: "Qual é a sua idade?"},
			{ID: "done", Kind: flow.KindTerminal, Reason: "Cadastro concluído. Obrigado!"},
		},
		Edges: []*flow.Edge{
			{Source: "ask_name", Target: "decide", Guard: &flow.GuardRef{Fn: flow.GuardAnswersHas, Args: map[string]any{"key": "name"}}},
			{Source: "decide", Target: "done", Priority: 0, ConditionDescription: "Completo: finalizar",
				Guard: &flow.GuardRef{Fn: flow.GuardAnswersHas, Args: map[string]any{"key": "age"}}},
			{Source: "decide", Target: "ask_age", Priority: 1, ConditionDescription: "Falta idade: coletar idade",
				Guard: &flow.GuardRef{Fn: flow.GuardDepsMissing, Args: map[string]any{"key": "age", "dependencies": []any{"name"}}}},
			{Source: "ask_age", Target: "done", Guard: &flow.GuardRef{Fn: flow.GuardAnswersHas, Args: map[string]any{"key": "age"}}},
		},
	}
	cf, err := flow.Compile(f)
	require.NoError(t, err)
	return cf
}

func newContext() *models.FlowContext {
	return models.NewFlowContext("signup", "user-1", "tenant:user-1")
}

func TestGetStateFreshContext(t *testing.T) {
	eng := New(testFlow(t))
	fc := newContext()

	snap, err := eng.GetState(fc, "oi")
	require.NoError(t, err)

	assert.Equal(t, SnapshotQuestion, snap.Kind)
	assert.Equal(t, "ask_name", snap.NodeID)
	assert.Equal(t, "name", snap.Key)
	assert.False(t, snap.IsAnswered)
	assert.Equal(t, "Qual é o seu nome?", snap.Prompt)

	// The user message lands in history; pending field points at the key.
	assert.Equal(t, "name", fc.PendingField)
	require.Len(t, fc.History, 1)
	assert.Equal(t, models.RoleUser, fc.History[0].Role)
	assert.Equal(t, fc.TurnCount, len(fc.History))

	st := fc.NodeState("ask_name")
	assert.Equal(t, models.NodeStatusInProgress, st.Status)
	assert.Equal(t, 1, st.Visits)
}

func TestGetStateDoesNotMutateAnswers(t *testing.T) {
	eng := New(testFlow(t))
	fc := newContext()
	fc.Answers["name"] = "Ana"

	before := fc.CurrentNodeID
	_, err := eng.GetState(fc, "")
	require.NoError(t, err)
	_, err = eng.GetState(fc, "")
	require.NoError(t, err)

	assert.Equal(t, map[string]any{"name": "Ana"}, fc.Answers)
	if before != "" {
		assert.Equal(t, before, fc.CurrentNodeID)
	}
	assert.Empty(t, fc.History)
}

func TestGetStateAnsweredQuestion(t *testing.T) {
	eng := New(testFlow(t))
	fc := newContext()
	fc.Answers["name"] = "Ana"

	snap, err := eng.GetState(fc, "")
	require.NoError(t, err)

	assert.True(t, snap.IsAnswered)
	assert.Equal(t, "Ana", snap.CurrentAnswer)
	// Answered questions do not set a pending field.
	assert.Empty(t, fc.PendingField)

	require.Len(t, snap.Transitions, 1)
	assert.Equal(t, "decide", snap.Transitions[0].Target)
	assert.True(t, snap.Transitions[0].GuardSatisfied)
}

func TestGetStateDecisionPaths(t *testing.T) {
	eng := New(testFlow(t))
	fc := newContext()
	fc.CurrentNodeID = "decide"
	fc.Answers["name"] = "Ana"

	snap, err := eng.GetState(fc, "")
	require.NoError(t, err)

	assert.Equal(t, SnapshotDecision, snap.Kind)
	assert.Equal(t, "Escolher próximo passo", snap.Prompt)
	// Path labels are the text after the colon.
	assert.Equal(t, []string{"finalizar", "coletar idade"}, snap.AvailablePaths)

	require.Len(t, snap.Transitions, 2)
	assert.False(t, snap.Transitions[0].GuardSatisfied) // age missing
	assert.True(t, snap.Transitions[1].GuardSatisfied)
}

func TestGetStateTerminal(t *testing.T) {
	eng := New(testFlow(t))
	fc := newContext()
	fc.CurrentNodeID = "done"

	snap, err := eng.GetState(fc, "")
	require.NoError(t, err)

	assert.Equal(t, SnapshotTerminal, snap.Kind)
	assert.True(t, snap.IsComplete)
	assert.Equal(t, "Cadastro concluído. Obrigado!", snap.TerminalReason)
	assert.True(t, fc.IsComplete)
	assert.Equal(t, models.NodeStatusCompleted, fc.NodeState("done").Status)
}

func TestGetStateUnknownCurrentNode(t *testing.T) {
	eng := New(testFlow(t))
	fc := newContext()
	fc.CurrentNodeID = "vanished"

	_, err := eng.GetState(fc, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "vanished")
}

func TestUpdateAnswer(t *testing.T) {
	eng := New(testFlow(t))
	fc := newContext()

	_, err := eng.GetState(fc, "")
	require.NoError(t, err)
	require.Equal(t, "name", fc.PendingField)

	eng.UpdateAnswer(fc, "name", "Ana")

	assert.Equal(t, "Ana", fc.Answers["name"])
	assert.Empty(t, fc.PendingField)
	assert.Equal(t, models.NodeStatusCompleted, fc.NodeState("ask_name").Status)

	t.Run("unrelated key keeps node state", func(t *testing.T) {
		eng.UpdateAnswer(fc, "city", "SP")
		assert.Equal(t, "SP", fc.Answers["city"])
	})
}

func TestNavigateTo(t *testing.T) {
	eng := New(testFlow(t))

	t.Run("neighbour is allowed", func(t *testing.T) {
		fc := newContext()
		fc.Answers["name"] = "Ana"

		snap, err := eng.NavigateTo(fc, "decide", true)
		require.NoError(t, err)
		assert.Equal(t, "decide", fc.CurrentNodeID)
		assert.Equal(t, SnapshotDecision, snap.Kind)
	})

	t.Run("cross-graph revisit to question node is allowed", func(t *testing.T) {
		fc := newContext()
		fc.CurrentNodeID = "done"

		snap, err := eng.NavigateTo(fc, "ask_age", true)
		require.NoError(t, err)
		assert.Equal(t, SnapshotQuestion, snap.Kind)
		assert.Equal(t, "ask_age", fc.CurrentNodeID)
	})

	t.Run("non-neighbour non-question is rejected", func(t *testing.T) {
		fc := newContext()

		_, err := eng.NavigateTo(fc, "done", true)
		require.ErrorIs(t, err, ErrInvalidTransition)
		assert.Equal(t, "ask_name", fc.CurrentNodeID)
	})

	t.Run("unknown node is rejected", func(t *testing.T) {
		fc := newContext()

		_, err := eng.NavigateTo(fc, "nope", true)
		require.ErrorIs(t, err, ErrInvalidTransition)
	})

	t.Run("validation off allows any existing node", func(t *testing.T) {
		fc := newContext()

		_, err := eng.NavigateTo(fc, "done", false)
		require.NoError(t, err)
		assert.Equal(t, "done", fc.CurrentNodeID)
	})
}

func TestAdvanceFromCurrent(t *testing.T) {
	eng := New(testFlow(t))

	t.Run("follows first satisfied guard in priority order", func(t *testing.T) {
		fc := newContext()
		fc.CurrentNodeID = "decide"
		fc.Answers["name"] = "Ana"

		snap, err := eng.AdvanceFromCurrent(fc)
		require.NoError(t, err)
		// age missing: the priority-0 edge fails, the deps_missing edge fires.
		assert.Equal(t, "ask_age", fc.CurrentNodeID)
		assert.Equal(t, SnapshotQuestion, snap.Kind)
	})

	t.Run("higher priority edge wins once satisfied", func(t *testing.T) {
		fc := newContext()
		fc.CurrentNodeID = "decide"
		fc.Answers["name"] = "Ana"
		fc.Answers["age"] = 30

		_, err := eng.AdvanceFromCurrent(fc)
		require.NoError(t, err)
		assert.Equal(t, "done", fc.CurrentNodeID)
	})

	t.Run("stays put when no guard passes", func(t *testing.T) {
		fc := newContext()

		snap, err := eng.AdvanceFromCurrent(fc)
		require.NoError(t, err)
		assert.Equal(t, "ask_name", fc.CurrentNodeID)
		assert.Equal(t, SnapshotQuestion, snap.Kind)
	})
}

func TestReset(t *testing.T) {
	eng := New(testFlow(t))
	fc := newContext()
	fc.Answers["name"] = "Ana"
	fc.CurrentNodeID = "done"
	fc.IsComplete = true
	fc.AddTurn(models.RoleUser, "oi", "done", nil)

	eng.Reset(fc)

	assert.Equal(t, "ask_name", fc.CurrentNodeID)
	assert.Empty(t, fc.Answers)
	assert.Empty(t, fc.History)
	assert.Zero(t, fc.TurnCount)
	assert.False(t, fc.IsComplete)
	// Identity survives a restart.
	assert.Equal(t, "user-1", fc.UserID)
}
