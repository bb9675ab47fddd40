// Package engine implements the pure state machine over a compiled flow.
// The engine never calls the LLM and never invents state: every mutation is
// an explicit operation invoked by the turn runner.
package engine

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/flowrelay/flowrelay/pkg/flow"
	"github.com/flowrelay/flowrelay/pkg/models"
)

// ErrInvalidTransition is returned when a navigation target is neither a
// neighbour of the current node nor a revisitable question node.
var ErrInvalidTransition = errors.New("invalid transition")

// SnapshotKind classifies the current node in a state snapshot.
type SnapshotKind string

// Snapshot kinds.
const (
	SnapshotQuestion SnapshotKind = "question"
	SnapshotDecision SnapshotKind = "decision"
	SnapshotTerminal SnapshotKind = "terminal"
)

// Transition describes one outgoing edge as seen from a snapshot.
type Transition struct {
	Target         string
	Description    string
	GuardArgs      map[string]any
	GuardSatisfied bool
}

// Snapshot is the engine's read model of the current state: the resolved
// node, its question metadata when applicable, and the available
// transitions with their guard evaluation.
type Snapshot struct {
	Kind           SnapshotKind
	NodeID         string
	Prompt         string
	Key            string
	IsAnswered     bool
	CurrentAnswer  any
	Validator      string
	AllowedValues  []string
	Transitions    []Transition
	AvailablePaths []string
	IsComplete     bool
	TerminalReason string
}

// Engine executes state machine operations for one compiled flow.
// The compiled flow is immutable and shareable; all mutable state lives in
// the FlowContext the caller passes in.
type Engine struct {
	flow *flow.CompiledFlow
}

// New creates an engine bound to a compiled flow.
func New(cf *flow.CompiledFlow) *Engine {
	return &Engine{flow: cf}
}

// Flow returns the compiled flow this engine operates on.
func (e *Engine) Flow() *flow.CompiledFlow { return e.flow }

// GraphOutline renders the flow graph projection for prompts.
func (e *Engine) GraphOutline() string { return e.flow.Outline() }

// Initialize sets the context's current node to the flow entry if unset.
func (e *Engine) Initialize(ctx *models.FlowContext) {
	if ctx.CurrentNodeID == "" {
		ctx.CurrentNodeID = e.flow.Entry
		ctx.Touch()
	}
}

// guardContext builds the read-only view guards evaluate against.
func (e *Engine) guardContext(ctx *models.FlowContext, event string) flow.GuardContext {
	return flow.GuardContext{
		Answers:      ctx.Answers,
		PendingField: ctx.PendingField,
		ActivePath:   ctx.ActivePath,
		PathLocked:   ctx.PathLocked,
		Event:        event,
	}
}

// GetState resolves the current node into a snapshot. If userMessage is
// non-empty it is appended to the history as a user turn before resolution;
// snapshot computation itself does not mutate answers.
func (e *Engine) GetState(ctx *models.FlowContext, userMessage string) (*Snapshot, error) {
	e.Initialize(ctx)
	if userMessage != "" {
		ctx.AddTurn(models.RoleUser, userMessage, ctx.CurrentNodeID, nil)
	}

	node := e.flow.Node(ctx.CurrentNodeID)
	if node == nil {
		return nil, fmt.Errorf("current node %q not in flow %q", ctx.CurrentNodeID, e.flow.ID)
	}

	switch node.Kind {
	case flow.KindQuestion:
		return e.questionSnapshot(ctx, node), nil
	case flow.KindDecision:
		return e.decisionSnapshot(ctx, node), nil
	case flow.KindTerminal:
		ctx.IsComplete = true
		st := ctx.NodeState(node.ID)
		st.Status = models.NodeStatusCompleted
		ctx.Touch()
		return &Snapshot{
			Kind:           SnapshotTerminal,
			NodeID:         node.ID,
			IsComplete:     true,
			TerminalReason: node.Reason,
		}, nil
	default:
		// Unknown kinds are rejected at parse time; reaching one here is a
		// programming error.
		return nil, fmt.Errorf("node %q has unknown kind %q", node.ID, node.Kind)
	}
}

func (e *Engine) questionSnapshot(ctx *models.FlowContext, node *flow.Node) *Snapshot {
	answered := ctx.HasAnswer(node.Key)
	if !answered {
		ctx.PendingField = node.Key
	}
	st := ctx.NodeState(node.ID)
	if st.Status == models.NodeStatusNotVisited {
		st.Status = models.NodeStatusInProgress
	}
	markVisit(st)
	ctx.Touch()

	return &Snapshot{
		Kind:          SnapshotQuestion,
		NodeID:        node.ID,
		Prompt:        node.Prompt,
		Key:           node.Key,
		IsAnswered:    answered,
		CurrentAnswer: ctx.Answers[node.Key],
		Validator:     node.Validator,
		AllowedValues: node.AllowedValues,
		Transitions:   e.transitions(ctx, node.ID),
	}
}

func (e *Engine) decisionSnapshot(ctx *models.FlowContext, node *flow.Node) *Snapshot {
	st := ctx.NodeState(node.ID)
	markVisit(st)
	ctx.Touch()

	trans := e.transitions(ctx, node.ID)
	paths := make([]string, 0, len(trans))
	for _, t := range trans {
		paths = append(paths, pathLabel(t.Description))
	}
	return &Snapshot{
		Kind:           SnapshotDecision,
		NodeID:         node.ID,
		Prompt:         node.DecisionPrompt,
		Transitions:    trans,
		AvailablePaths: paths,
	}
}

func (e *Engine) transitions(ctx *models.FlowContext, nodeID string) []Transition {
	edges := e.flow.EdgesFrom(nodeID)
	gctx := e.guardContext(ctx, "")
	out := make([]Transition, 0, len(edges))
	for _, edge := range edges {
		desc := edge.ConditionDescription
		if desc == "" {
			if tgt := e.flow.Node(edge.Target); tgt != nil {
				desc = tgt.Label
			}
		}
		out = append(out, Transition{
			Target:         edge.Target,
			Description:    desc,
			GuardArgs:      edge.GuardArgs,
			GuardSatisfied: edge.GuardSatisfied(gctx),
		})
	}
	return out
}

// NavigateTo moves the context to the target node. With validate set, the
// target must be a direct neighbour of the current node or a question node
// (cross-graph revisits are allowed for answer corrections).
func (e *Engine) NavigateTo(ctx *models.FlowContext, target string, validate bool) (*Snapshot, error) {
	e.Initialize(ctx)
	node := e.flow.Node(target)
	if node == nil {
		return nil, fmt.Errorf("%w: node %q does not exist", ErrInvalidTransition, target)
	}
	if validate && !e.flow.HasEdge(ctx.CurrentNodeID, target) && node.Kind != flow.KindQuestion {
		return nil, fmt.Errorf("%w: %q is not a neighbour of %q", ErrInvalidTransition, target, ctx.CurrentNodeID)
	}
	ctx.CurrentNodeID = target
	ctx.PendingField = ""
	ctx.Touch()
	return e.GetState(ctx, "")
}

// UpdateAnswer writes a value into answers. When the current node is a
// question collecting that key, its state is marked completed and the
// pending field is cleared.
func (e *Engine) UpdateAnswer(ctx *models.FlowContext, key string, value any) {
	if ctx.Answers == nil {
		ctx.Answers = make(map[string]any)
	}
	ctx.Answers[key] = value
	if node := e.flow.Node(ctx.CurrentNodeID); node != nil && node.Kind == flow.KindQuestion && node.Key == key {
		ctx.NodeState(node.ID).Status = models.NodeStatusCompleted
		ctx.PendingField = ""
	}
	ctx.Touch()
}

// AdvanceFromCurrent follows the first outgoing edge whose guard is
// satisfied, in priority order. If no guard passes the context stays put.
func (e *Engine) AdvanceFromCurrent(ctx *models.FlowContext) (*Snapshot, error) {
	e.Initialize(ctx)
	gctx := e.guardContext(ctx, "")
	for _, edge := range e.flow.EdgesFrom(ctx.CurrentNodeID) {
		if edge.GuardSatisfied(gctx) {
			return e.NavigateTo(ctx, edge.Target, false)
		}
	}
	return e.GetState(ctx, "")
}

// Reset restores the context to its initial state at the flow entry.
func (e *Engine) Reset(ctx *models.FlowContext) {
	ctx.Reset(e.flow.Entry)
}

func markVisit(st *models.NodeState) {
	st.Visits++
	now := time.Now().UTC()
	st.LastVisited = &now
}

// pathLabel derives a human-readable path name from an edge condition
// description: the tail after a colon, trimmed.
func pathLabel(desc string) string {
	if i := strings.Index(desc, ":"); i >= 0 {
		return strings.TrimSpace(desc[i+1:])
	}
	return strings.TrimSpace(desc)
}
