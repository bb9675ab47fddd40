// Package flow defines the authoring-time flow IR, the guard library, and
// the compiler that turns a Flow into an immutable CompiledFlow.
package flow

import (
	"encoding/json"
	"fmt"
)

// SchemaVersion is the only supported flow schema version.
const SchemaVersion = "v1"

// NodeKind discriminates the node variants.
type NodeKind string

// Node kinds.
const (
	KindQuestion NodeKind = "question"
	KindDecision NodeKind = "decision"
	KindTerminal NodeKind = "terminal"
)

// DecisionType selects how a decision node is traversed.
type DecisionType string

// Decision types.
const (
	DecisionAutomatic   DecisionType = "automatic"
	DecisionLLMAssisted DecisionType = "llm_assisted"
)

// Node is a single node in the flow graph. Kind selects which of the
// variant fields are meaningful.
type Node struct {
	ID    string         `json:"id"`
	Kind  NodeKind       `json:"kind"`
	Label string         `json:"label,omitempty"`
	Meta  map[string]any `json:"meta,omitempty"`

	// Question fields.
	Key           string   `json:"key,omitempty"`
	Prompt        string   `json:"prompt,omitempty"`
	AllowedValues []string `json:"allowed_values,omitempty"`
	Clarification string   `json:"clarification,omitempty"`
	Examples      []string `json:"examples,omitempty"`
	Dependencies  []string `json:"dependencies,omitempty"`
	Validator     string   `json:"validator,omitempty"`
	Required      bool     `json:"required,omitempty"`
	Skippable     bool     `json:"skippable,omitempty"`
	Revisitable   bool     `json:"revisitable,omitempty"`
	MaxAttempts   int      `json:"max_attempts,omitempty"`
	DataType      string   `json:"data_type,omitempty"`

	// Decision fields.
	DecisionType   DecisionType `json:"decision_type,omitempty"`
	DecisionPrompt string       `json:"decision_prompt,omitempty"`

	// Terminal fields.
	Reason  string `json:"reason,omitempty"`
	Success bool   `json:"success,omitempty"`
}

// nodeAlias avoids UnmarshalJSON recursion.
type nodeAlias Node

// UnmarshalJSON decodes a node and rejects unknown kinds. Tagged-union
// decoding: every node must carry a recognized kind.
func (n *Node) UnmarshalJSON(data []byte) error {
	var a nodeAlias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	switch a.Kind {
	case KindQuestion, KindDecision, KindTerminal:
	case "":
		return fmt.Errorf("node %q: missing kind", a.ID)
	default:
		return fmt.Errorf("node %q: unknown kind %q", a.ID, a.Kind)
	}
	if a.Kind == KindDecision && a.DecisionType == "" {
		a.DecisionType = DecisionAutomatic
	}
	*n = Node(a)
	return nil
}

// GuardRef names a registered guard plus its authored arguments.
type GuardRef struct {
	Fn   string         `json:"fn"`
	Args map[string]any `json:"args,omitempty"`
}

// Edge is a guarded, prioritized transition between two nodes. Lower
// priority wins; authored order breaks ties.
type Edge struct {
	Source               string    `json:"source"`
	Target               string    `json:"target"`
	Guard                *GuardRef `json:"guard,omitempty"`
	Priority             int       `json:"priority"`
	ConditionDescription string    `json:"condition_description,omitempty"`
}

// Policies is the optional flow-level policy block.
type Policies struct {
	MaxClarifications int    `json:"max_clarifications,omitempty"`
	EscalationTarget  string `json:"escalation_target,omitempty"`
	Language          string `json:"language,omitempty"`
}

// Flow is the authoring-time IR: a directed graph of nodes and guarded
// edges with an entry point.
type Flow struct {
	SchemaVersion string         `json:"schema_version"`
	ID            string         `json:"id"`
	Entry         string         `json:"entry"`
	Nodes         []*Node        `json:"nodes"`
	Edges         []*Edge        `json:"edges"`
	Policies      *Policies      `json:"policies,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// ParseFlow decodes a flow definition from JSON and checks the schema
// version. It does not validate the graph; use Compile for that.
func ParseFlow(data []byte) (*Flow, error) {
	var f Flow
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode flow: %w", err)
	}
	if f.SchemaVersion != SchemaVersion {
		return nil, fmt.Errorf("unsupported schema_version %q (want %q)", f.SchemaVersion, SchemaVersion)
	}
	return &f, nil
}

// Clone returns a deep copy of the flow definition. The flow-modification
// executor mutates a clone so a failed batch leaves the original untouched.
func (f *Flow) Clone() *Flow {
	data, err := json.Marshal(f)
	if err != nil {
		// A Flow is built from JSON-compatible types only.
		panic(fmt.Sprintf("flow.Clone: marshal: %v", err))
	}
	var out Flow
	if err := json.Unmarshal(data, &out); err != nil {
		panic(fmt.Sprintf("flow.Clone: unmarshal: %v", err))
	}
	return &out
}

// Node returns the node with the given id, or nil.
func (f *Flow) Node(id string) *Node {
	for _, n := range f.Nodes {
		if n.ID == id {
			return n
		}
	}
	return nil
}
