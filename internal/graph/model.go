// Package graph defines the build graph model: agents, triggers, nodes and
// their tagged outputs, plus selection, trimming, printing and export.
package graph

import (
	"fmt"

	"forgegraph/internal/tasks"
)

// Agent is a logical machine assignment for a group of nodes. It has no
// effect on local execution but governs cross agent transfer through shared
// storage.
type Agent struct {
	Name string

	// PossibleTypes is the ordered list of candidate platforms for this
	// agent, used by external schedulers.
	PossibleTypes []string

	Nodes []*Node
}

// Trigger is an optional named gate. Nodes behind a trigger only run when
// the trigger is explicitly requested. Triggers form a tree through Parent.
type Trigger struct {
	Name   string
	Parent *Trigger
}

// IsUpstreamOf reports whether t is an ancestor of other, inclusively. A nil
// trigger (unconditional) is upstream of everything.
func (t *Trigger) IsUpstreamOf(other *Trigger) bool {
	if t == nil {
		return true
	}
	for ; other != nil; other = other.Parent {
		if other == t {
			return true
		}
	}
	return false
}

// QualifiedName renders the trigger path from the root, for messages.
func (t *Trigger) QualifiedName() string {
	if t.Parent == nil {
		return t.Name
	}
	return t.Parent.QualifiedName() + "." + t.Name
}

// NodeOutput is a named tagged file set produced by one node.
type NodeOutput struct {
	// TagName begins with '#'.
	TagName string

	ProducingNode *Node
}

// Attr is one raw attribute of a task element, kept for writing the graph
// back out in script form.
type Attr struct {
	Name  string
	Value string
}

// TaskSpec is the raw element a task was constructed from.
type TaskSpec struct {
	ElementName string
	Attrs       []Attr
}

// Node is one unit of execution: an ordered task list producing tagged
// outputs.
type Node struct {
	Name string

	// Tasks run in order; the first failure aborts the node.
	Tasks []tasks.Task

	// TaskSpecs mirrors Tasks with the raw elements they were built from.
	TaskSpecs []TaskSpec

	// Outputs always contains the default output '#<Name>' as its final
	// entry, after any explicitly produced tags.
	Outputs []*NodeOutput

	// Inputs are the outputs of other nodes this node consumes.
	Inputs []*NodeOutput

	// OrderDependencies are nodes that must run first without contributing
	// files, from the After attribute.
	OrderDependencies []*Node

	// RequiredTokens are token file paths that must be held to build this
	// node.
	RequiredTokens []string

	Agent              *Agent
	ControllingTrigger *Trigger

	// Notify lists recipients for failure notifications.
	Notify           []string
	NotifyOnWarnings bool
}

// DefaultOutput returns the implicit '#<NodeName>' output.
func (n *Node) DefaultOutput() *NodeOutput {
	return n.Outputs[len(n.Outputs)-1]
}

// DefaultOutputName returns the tag name of the node's default output.
func DefaultOutputName(nodeName string) string {
	return "#" + nodeName
}

// InputDependencies returns the producing nodes of all inputs, deduplicated.
// Order dependencies are not included; see AllDependencies.
func (n *Node) InputDependencies() []*Node {
	seen := make(map[*Node]bool)
	var deps []*Node
	for _, input := range n.Inputs {
		if !seen[input.ProducingNode] {
			seen[input.ProducingNode] = true
			deps = append(deps, input.ProducingNode)
		}
	}
	return deps
}

// AllDependencies returns input dependencies followed by order-only
// dependencies, deduplicated.
func (n *Node) AllDependencies() []*Node {
	seen := make(map[*Node]bool)
	var deps []*Node
	for _, dep := range n.InputDependencies() {
		if !seen[dep] {
			seen[dep] = true
			deps = append(deps, dep)
		}
	}
	for _, dep := range n.OrderDependencies {
		if !seen[dep] {
			seen[dep] = true
			deps = append(deps, dep)
		}
	}
	return deps
}

// DependsOn reports whether n is other or transitively depends on it,
// through input or order dependencies.
func (n *Node) DependsOn(other *Node) bool {
	visited := make(map[*Node]bool)
	var walk func(*Node) bool
	walk = func(cur *Node) bool {
		if cur == other {
			return true
		}
		if visited[cur] {
			return false
		}
		visited[cur] = true
		for _, dep := range cur.AllDependencies() {
			if walk(dep) {
				return true
			}
		}
		return false
	}
	return walk(n)
}

// DiagnosticSeverity is the level of a buffered script diagnostic.
type DiagnosticSeverity int

const (
	SeverityInfo DiagnosticSeverity = iota
	SeverityWarning
	SeverityError
)

// Diagnostic is a <Warning> or <Error> element captured during reading and
// surfaced only after selection.
type Diagnostic struct {
	Severity DiagnosticSeverity
	Message  string

	// EnclosingNode and EnclosingTrigger scope the diagnostic so it stays
	// quiet when its subgraph is deselected.
	EnclosingNode    *Node
	EnclosingTrigger *Trigger
}

// Report is a named group of nodes whose results are reported together.
type Report struct {
	Name   string
	Nodes  map[*Node]bool
	Notify []string
}

// Graph is the complete parsed build graph.
type Graph struct {
	Agents []*Agent

	NameToTrigger   map[string]*Trigger
	NameToNode      map[string]*Node
	NameToReport    map[string]*Report
	NameToAggregate map[string][]*Node
	TagNameToOutput map[string]*NodeOutput

	Diagnostics []*Diagnostic
}

func New() *Graph {
	return &Graph{
		NameToTrigger:   make(map[string]*Trigger),
		NameToNode:      make(map[string]*Node),
		NameToReport:    make(map[string]*Report),
		NameToAggregate: make(map[string][]*Node),
		TagNameToOutput: make(map[string]*NodeOutput),
	}
}

// ContainsName reports whether the name is taken by a node, aggregate or
// report. Names share one namespace.
func (g *Graph) ContainsName(name string) bool {
	if _, ok := g.NameToNode[name]; ok {
		return true
	}
	if _, ok := g.NameToAggregate[name]; ok {
		return true
	}
	_, ok := g.NameToReport[name]
	return ok
}

// ResolveReference resolves a target name to the set of nodes it denotes: a
// node name, an aggregate name, or a '#Tag' reference to its producing node.
func (g *Graph) ResolveReference(name string) ([]*Node, bool) {
	if output, ok := g.TagNameToOutput[name]; ok {
		return []*Node{output.ProducingNode}, true
	}
	if node, ok := g.NameToNode[name]; ok {
		return []*Node{node}, true
	}
	if nodes, ok := g.NameToAggregate[name]; ok {
		result := make([]*Node, len(nodes))
		copy(result, nodes)
		return result, true
	}
	return nil, false
}

// ResolveOutputReference resolves a Requires item to the outputs it denotes:
// a tag reference yields that single output, a node or aggregate name yields
// the default outputs of its nodes.
func (g *Graph) ResolveOutputReference(name string) ([]*NodeOutput, error) {
	if output, ok := g.TagNameToOutput[name]; ok {
		return []*NodeOutput{output}, nil
	}
	nodes, ok := g.ResolveReference(name)
	if !ok {
		return nil, fmt.Errorf("reference to undefined node or output %q", name)
	}
	outputs := make([]*NodeOutput, len(nodes))
	for i, node := range nodes {
		outputs[i] = node.DefaultOutput()
	}
	return outputs, nil
}

// Nodes returns every node in declaration order (agents in order, nodes in
// order within each agent).
func (g *Graph) Nodes() []*Node {
	var nodes []*Node
	for _, agent := range g.Agents {
		nodes = append(nodes, agent.Nodes...)
	}
	return nodes
}
