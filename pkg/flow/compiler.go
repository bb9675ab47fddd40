package flow

import (
	"fmt"
	"sort"
	"strings"
)

// CompileError aggregates the validation errors that blocked compilation.
type CompileError struct {
	FlowID string
	Issues []string
}

func (e *CompileError) Error() string {
	return fmt.Sprintf("flow %q failed validation: %s", e.FlowID, strings.Join(e.Issues, "; "))
}

// CompiledEdge is an edge with its guard resolved to a callable function.
type CompiledEdge struct {
	Source               string
	Target               string
	TargetIndex          int
	Priority             int
	ConditionDescription string
	GuardName            string
	GuardArgs            map[string]any
	guard                GuardFunc
}

// GuardSatisfied evaluates the edge guard against the given context.
// Edges without a guard are always satisfied.
func (e *CompiledEdge) GuardSatisfied(ctx GuardContext) bool {
	if e.guard == nil {
		return true
	}
	return e.guard(ctx, e.GuardArgs)
}

// CompiledFlow is the validated, indexed, immutable runtime form of a Flow.
// Nodes live in a flat arena; edges refer to nodes by index for fast
// traversal and by id for serialization-facing callers.
type CompiledFlow struct {
	ID       string
	Entry    string
	Policies *Policies

	nodes     []*Node
	nodeIndex map[string]int
	edgesFrom map[string][]*CompiledEdge

	Warnings []string
}

// Node returns the node with the given id, or nil.
func (cf *CompiledFlow) Node(id string) *Node {
	i, ok := cf.nodeIndex[id]
	if !ok {
		return nil
	}
	return cf.nodes[i]
}

// NodeIDs returns all node ids in authored order.
func (cf *CompiledFlow) NodeIDs() []string {
	ids := make([]string, len(cf.nodes))
	for i, n := range cf.nodes {
		ids[i] = n.ID
	}
	return ids
}

// EdgesFrom returns the outgoing edges of a node, ordered by
// (priority ascending, authored order).
func (cf *CompiledFlow) EdgesFrom(id string) []*CompiledEdge {
	return cf.edgesFrom[id]
}

// HasEdge reports whether source has a direct edge to target.
func (cf *CompiledFlow) HasEdge(source, target string) bool {
	for _, e := range cf.edgesFrom[source] {
		if e.Target == target {
			return true
		}
	}
	return false
}

// Outline renders a compact text projection of the graph: one line per
// node in authored order, indented lines for its outgoing edges with their
// guard names. Used in prompts where the model needs graph awareness.
func (cf *CompiledFlow) Outline() string {
	var b strings.Builder
	for _, n := range cf.nodes {
		switch n.Kind {
		case KindQuestion:
			fmt.Fprintf(&b, "%s [question key=%s]", n.ID, n.Key)
		case KindDecision:
			fmt.Fprintf(&b, "%s [decision]", n.ID)
		case KindTerminal:
			fmt.Fprintf(&b, "%s [terminal]", n.ID)
		}
		if n.ID == cf.Entry {
			b.WriteString(" (entry)")
		}
		b.WriteString("\n")
		for _, e := range cf.edgesFrom[n.ID] {
			guard := e.GuardName
			if guard == "" {
				guard = GuardAlways
			}
			fmt.Fprintf(&b, "  -> %s [%s]\n", e.Target, guard)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// Compile validates a flow IR and builds its indexed runtime form.
// Compilation succeeds iff no errors were found; warnings (unreachable
// nodes, question cycles, dead ends) are carried on the result.
func Compile(f *Flow) (*CompiledFlow, error) {
	var issues []string

	cf := &CompiledFlow{
		ID:        f.ID,
		Entry:     f.Entry,
		Policies:  f.Policies,
		nodeIndex: make(map[string]int, len(f.Nodes)),
		edgesFrom: make(map[string][]*CompiledEdge),
	}

	for _, n := range f.Nodes {
		if n.ID == "" {
			issues = append(issues, "node with empty id")
			continue
		}
		if _, dup := cf.nodeIndex[n.ID]; dup {
			issues = append(issues, fmt.Sprintf("duplicate node id %q", n.ID))
			continue
		}
		if n.Kind == KindQuestion && n.Key == "" {
			issues = append(issues, fmt.Sprintf("question node %q has no key", n.ID))
		}
		cf.nodeIndex[n.ID] = len(cf.nodes)
		cf.nodes = append(cf.nodes, n)
	}

	if f.Entry == "" {
		issues = append(issues, "entry node not set")
	} else if _, ok := cf.nodeIndex[f.Entry]; !ok {
		issues = append(issues, fmt.Sprintf("entry node %q does not exist", f.Entry))
	}

	for i, e := range f.Edges {
		_, srcOK := cf.nodeIndex[e.Source]
		tgtIdx, tgtOK := cf.nodeIndex[e.Target]
		if !srcOK {
			issues = append(issues, fmt.Sprintf("edge %d: unknown source %q", i, e.Source))
		}
		if !tgtOK {
			issues = append(issues, fmt.Sprintf("edge %d: unknown target %q", i, e.Target))
		}
		if !srcOK || !tgtOK {
			continue
		}
		ce := &CompiledEdge{
			Source:               e.Source,
			Target:               e.Target,
			TargetIndex:          tgtIdx,
			Priority:             e.Priority,
			ConditionDescription: e.ConditionDescription,
		}
		if e.Guard != nil {
			fn, err := LookupGuard(e.Guard.Fn)
			if err != nil {
				issues = append(issues, fmt.Sprintf("edge %s->%s: %v", e.Source, e.Target, err))
				continue
			}
			ce.GuardName = e.Guard.Fn
			ce.GuardArgs = e.Guard.Args
			ce.guard = fn
		}
		cf.edgesFrom[e.Source] = append(cf.edgesFrom[e.Source], ce)
	}

	// Total order: priority ascending, authored order breaks ties.
	// sort.SliceStable preserves insertion order within equal priorities.
	for src := range cf.edgesFrom {
		edges := cf.edgesFrom[src]
		sort.SliceStable(edges, func(i, j int) bool {
			return edges[i].Priority < edges[j].Priority
		})
	}

	if len(issues) == 0 {
		cf.analyze(&issues)
	}

	if len(issues) > 0 {
		return nil, &CompileError{FlowID: f.ID, Issues: issues}
	}
	return cf, nil
}

// analyze runs the guard-less graph checks: reachability, terminal
// reachability, cycle classification, dead ends.
func (cf *CompiledFlow) analyze(issues *[]string) {
	reached := make(map[string]bool, len(cf.nodes))
	terminalReachable := false
	var visit func(id string)
	visit = func(id string) {
		if reached[id] {
			return
		}
		reached[id] = true
		if n := cf.Node(id); n != nil && n.Kind == KindTerminal {
			terminalReachable = true
		}
		for _, e := range cf.edgesFrom[id] {
			visit(e.Target)
		}
	}
	if _, ok := cf.nodeIndex[cf.Entry]; ok {
		visit(cf.Entry)
	}

	for _, n := range cf.nodes {
		if !reached[n.ID] {
			cf.Warnings = append(cf.Warnings, fmt.Sprintf("node %q is unreachable from entry", n.ID))
		}
		if n.Kind != KindTerminal && len(cf.edgesFrom[n.ID]) == 0 {
			cf.Warnings = append(cf.Warnings, fmt.Sprintf("non-terminal node %q has no outgoing edges", n.ID))
		}
	}

	if !terminalReachable {
		*issues = append(*issues, "no terminal node is reachable from entry")
	}

	cf.detectCycles(issues)
}

// detectCycles classifies cycles on the guard-less graph: cycles passing
// through a question node are bounded at runtime (guarded revisits) and
// only warn; cycles made of decisions alone would diverge and are errors.
func (cf *CompiledFlow) detectCycles(issues *[]string) {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(cf.nodes))
	var stack []string

	var dfs func(id string)
	dfs = func(id string) {
		color[id] = gray
		stack = append(stack, id)
		for _, e := range cf.edgesFrom[id] {
			switch color[e.Target] {
			case white:
				dfs(e.Target)
			case gray:
				cf.reportCycle(stack, e.Target, issues)
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = black
	}
	for _, n := range cf.nodes {
		if color[n.ID] == white {
			dfs(n.ID)
		}
	}
}

func (cf *CompiledFlow) reportCycle(stack []string, reentry string, issues *[]string) {
	start := 0
	for i, id := range stack {
		if id == reentry {
			start = i
			break
		}
	}
	cycle := stack[start:]
	hasQuestion := false
	for _, id := range cycle {
		if n := cf.Node(id); n != nil && n.Kind == KindQuestion {
			hasQuestion = true
			break
		}
	}
	path := strings.Join(cycle, " -> ")
	if hasQuestion {
		cf.Warnings = append(cf.Warnings, fmt.Sprintf("cycle through question node: %s", path))
	} else {
		*issues = append(*issues, fmt.Sprintf("decision-only cycle would diverge at runtime: %s", path))
	}
}
