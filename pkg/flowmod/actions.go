// Package flowmod applies batched edits to a flow definition atomically:
// every edit validates and applies against a deep copy, the candidate is
// recompiled, and only a fully valid batch is persisted as a new version.
package flowmod

import (
	"fmt"

	"github.com/flowrelay/flowrelay/pkg/flow"
)

// Op identifies one edit operation.
type Op string

// Edit operations.
const (
	OpAddNode    Op = "add_node"
	OpUpdateNode Op = "update_node"
	OpDeleteNode Op = "delete_node"
	OpAddEdge    Op = "add_edge"
	OpUpdateEdge Op = "update_edge"
	OpDeleteEdge Op = "delete_edge"
	OpSetEntry   Op = "set_entry"
)

// Edit is a single operation in a batch. Node carries the full node payload
// for add_node/update_node; Edge likewise for edge operations, where
// (source, target) identifies the edge being updated or deleted.
type Edit struct {
	Op     Op         `json:"op" jsonschema:"description=Edit operation,enum=add_node,enum=update_node,enum=delete_node,enum=add_edge,enum=update_edge,enum=delete_edge,enum=set_entry"`
	Node   *flow.Node `json:"node,omitempty" jsonschema:"description=Full node payload for add_node and update_node"`
	Edge   *flow.Edge `json:"edge,omitempty" jsonschema:"description=Full edge payload for add_edge and update_edge; source and target identify the edge for delete_edge"`
	NodeID string     `json:"node_id,omitempty" jsonschema:"description=Node id for delete_node"`
	Entry  string     `json:"entry,omitempty" jsonschema:"description=New entry node id for set_entry"`
}

// Apply runs the batch against a deep copy of def and recompiles the
// candidate. Any failing edit or compile error aborts the whole batch; the
// input definition is never mutated.
func Apply(def *flow.Flow, batch []Edit) (*flow.Flow, error) {
	if len(batch) == 0 {
		return nil, fmt.Errorf("empty edit batch")
	}
	candidate := def.Clone()
	for i, e := range batch {
		if err := applyOne(candidate, e); err != nil {
			return nil, fmt.Errorf("edit %d (%s): %w", i, e.Op, err)
		}
	}
	if _, err := flow.Compile(candidate); err != nil {
		return nil, fmt.Errorf("modified flow failed validation: %w", err)
	}
	return candidate, nil
}

func applyOne(f *flow.Flow, e Edit) error {
	switch e.Op {
	case OpAddNode:
		if e.Node == nil || e.Node.ID == "" {
			return fmt.Errorf("node payload with id is required")
		}
		if f.Node(e.Node.ID) != nil {
			return fmt.Errorf("node %q already exists", e.Node.ID)
		}
		f.Nodes = append(f.Nodes, e.Node)
		return nil

	case OpUpdateNode:
		if e.Node == nil || e.Node.ID == "" {
			return fmt.Errorf("node payload with id is required")
		}
		for i, n := range f.Nodes {
			if n.ID == e.Node.ID {
				f.Nodes[i] = e.Node
				return nil
			}
		}
		return fmt.Errorf("node %q does not exist", e.Node.ID)

	case OpDeleteNode:
		if e.NodeID == "" {
			return fmt.Errorf("node_id is required")
		}
		idx := -1
		for i, n := range f.Nodes {
			if n.ID == e.NodeID {
				idx = i
				break
			}
		}
		if idx < 0 {
			return fmt.Errorf("node %q does not exist", e.NodeID)
		}
		f.Nodes = append(f.Nodes[:idx], f.Nodes[idx+1:]...)
		// Cascade: drop all incident edges.
		kept := f.Edges[:0]
		for _, edge := range f.Edges {
			if edge.Source != e.NodeID && edge.Target != e.NodeID {
				kept = append(kept, edge)
			}
		}
		f.Edges = kept
		return nil

	case OpAddEdge:
		if e.Edge == nil {
			return fmt.Errorf("edge payload is required")
		}
		if findEdge(f, e.Edge.Source, e.Edge.Target) >= 0 {
			return fmt.Errorf("edge %s->%s already exists", e.Edge.Source, e.Edge.Target)
		}
		f.Edges = append(f.Edges, e.Edge)
		return nil

	case OpUpdateEdge:
		if e.Edge == nil {
			return fmt.Errorf("edge payload is required")
		}
		idx := findEdge(f, e.Edge.Source, e.Edge.Target)
		if idx < 0 {
			return fmt.Errorf("edge %s->%s does not exist", e.Edge.Source, e.Edge.Target)
		}
		f.Edges[idx] = e.Edge
		return nil

	case OpDeleteEdge:
		if e.Edge == nil {
			return fmt.Errorf("edge payload is required")
		}
		idx := findEdge(f, e.Edge.Source, e.Edge.Target)
		if idx < 0 {
			return fmt.Errorf("edge %s->%s does not exist", e.Edge.Source, e.Edge.Target)
		}
		f.Edges = append(f.Edges[:idx], f.Edges[idx+1:]...)
		return nil

	case OpSetEntry:
		if e.Entry == "" {
			return fmt.Errorf("entry is required")
		}
		if f.Node(e.Entry) == nil {
			return fmt.Errorf("entry node %q does not exist", e.Entry)
		}
		f.Entry = e.Entry
		return nil

	default:
		return fmt.Errorf("unknown op %q", e.Op)
	}
}

func findEdge(f *flow.Flow, source, target string) int {
	for i, e := range f.Edges {
		if e.Source == source && e.Target == target {
			return i
		}
	}
	return -1
}
