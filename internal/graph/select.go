package graph

import (
	"fmt"

	"forgegraph/pkg/errors"
)

// Select trims the graph to the transitive input closure of the target set.
// Agents left with no nodes, and triggers, aggregates, reports and tags no
// longer referenced, are dropped.
func (g *Graph) Select(targets []*Node) {
	retain := make(map[*Node]bool)
	var visit func(*Node)
	visit = func(node *Node) {
		if retain[node] {
			return
		}
		retain[node] = true
		for _, dep := range node.AllDependencies() {
			visit(dep)
		}
	}
	for _, target := range targets {
		visit(target)
	}

	var agents []*Agent
	triggers := make(map[string]*Trigger)
	for _, agent := range g.Agents {
		var kept []*Node
		for _, node := range agent.Nodes {
			if retain[node] {
				kept = append(kept, node)
				for t := node.ControllingTrigger; t != nil; t = t.Parent {
					triggers[t.Name] = t
				}
			}
		}
		if len(kept) > 0 {
			agent.Nodes = kept
			agents = append(agents, agent)
		}
	}
	g.Agents = agents
	g.NameToTrigger = triggers

	for name, node := range g.NameToNode {
		if !retain[node] {
			delete(g.NameToNode, name)
		}
	}
	for tag, output := range g.TagNameToOutput {
		if !retain[output.ProducingNode] {
			delete(g.TagNameToOutput, tag)
		}
	}
	for name, nodes := range g.NameToAggregate {
		if !allRetained(nodes, retain) {
			delete(g.NameToAggregate, name)
		}
	}
	for name, report := range g.NameToReport {
		for node := range report.Nodes {
			if !retain[node] {
				delete(report.Nodes, node)
			}
		}
		if len(report.Nodes) == 0 {
			delete(g.NameToReport, name)
		}
	}
}

func allRetained(nodes []*Node, retain map[*Node]bool) bool {
	for _, node := range nodes {
		if !retain[node] {
			return false
		}
	}
	return true
}

// SkipTriggers removes every node whose controlling trigger is one of the
// named triggers or nested under one. A kept node that required a dropped
// producer is an error.
func (g *Graph) SkipTriggers(triggerNames []string) error {
	skip := make(map[*Trigger]bool)
	for _, name := range triggerNames {
		trigger, ok := g.NameToTrigger[name]
		if !ok {
			return &errors.ReferenceError{Name: name, Message: "trigger is not defined"}
		}
		skip[trigger] = true
	}

	dropped := make(map[*Node]bool)
	var agents []*Agent
	for _, agent := range g.Agents {
		var kept []*Node
		for _, node := range agent.Nodes {
			if underSkippedTrigger(node.ControllingTrigger, skip) {
				dropped[node] = true
			} else {
				kept = append(kept, node)
			}
		}
		if len(kept) > 0 {
			agent.Nodes = kept
			agents = append(agents, agent)
		}
	}
	g.Agents = agents

	for _, node := range g.Nodes() {
		for _, input := range node.Inputs {
			if dropped[input.ProducingNode] {
				return &errors.ReferenceError{
					Name:    input.TagName,
					Message: fmt.Sprintf("node %q requires output of skipped node %q", node.Name, input.ProducingNode.Name),
				}
			}
		}
	}

	for name, node := range g.NameToNode {
		if dropped[node] {
			delete(g.NameToNode, name)
		}
	}
	for tag, output := range g.TagNameToOutput {
		if dropped[output.ProducingNode] {
			delete(g.TagNameToOutput, tag)
		}
	}
	for name, trigger := range g.NameToTrigger {
		if underSkippedTrigger(trigger, skip) {
			delete(g.NameToTrigger, name)
		}
	}
	return nil
}

func underSkippedTrigger(trigger *Trigger, skip map[*Trigger]bool) bool {
	for ; trigger != nil; trigger = trigger.Parent {
		if skip[trigger] {
			return true
		}
	}
	return false
}

// FilterTriggered removes nodes behind any trigger other than the named one
// and its ancestors. An empty name keeps only unconditional nodes. Unlike
// SkipTriggers, downstream consumers of a filtered node are filtered too
// rather than reported as errors.
func (g *Graph) FilterTriggered(triggerName string) error {
	var active *Trigger
	if triggerName != "" {
		trigger, ok := g.NameToTrigger[triggerName]
		if !ok {
			return &errors.ReferenceError{Name: triggerName, Message: "trigger is not defined"}
		}
		active = trigger
	}

	var targets []*Node
	for _, node := range g.Nodes() {
		if node.ControllingTrigger.IsUpstreamOf(active) {
			targets = append(targets, node)
		}
	}

	// Keep only targets whose full dependency chain is also runnable.
	// Iterate to a fixpoint so chains through removed nodes drop out too.
	runnable := make(map[*Node]bool)
	for _, node := range targets {
		runnable[node] = true
	}
	for changed := true; changed; {
		changed = false
		for node := range runnable {
			for _, dep := range node.AllDependencies() {
				if !runnable[dep] {
					delete(runnable, node)
					changed = true
					break
				}
			}
		}
	}
	var kept []*Node
	for _, node := range targets {
		if runnable[node] {
			kept = append(kept, node)
		}
	}
	g.Select(kept)
	return nil
}

// CheckCycles verifies no node depends on itself, using a DFS coloring pass
// over input and order dependencies.
func (g *Graph) CheckCycles() error {
	const (
		white = 0 // unvisited
		gray  = 1 // on stack
		black = 2 // done
	)
	color := make(map[*Node]int)

	var visit func(*Node) error
	visit = func(node *Node) error {
		switch color[node] {
		case gray:
			return &errors.ReferenceError{Name: node.Name, Message: "node depends on itself"}
		case black:
			return nil
		}
		color[node] = gray
		for _, dep := range node.AllDependencies() {
			if err := visit(dep); err != nil {
				return err
			}
		}
		color[node] = black
		return nil
	}

	for _, node := range g.Nodes() {
		if err := visit(node); err != nil {
			return err
		}
	}
	return nil
}

// TopologicalSort returns the nodes in a dependency consistent order,
// breaking ties by declaration order.
func (g *Graph) TopologicalSort() []*Node {
	var sorted []*Node
	done := make(map[*Node]bool)

	var visit func(*Node)
	visit = func(node *Node) {
		if done[node] {
			return
		}
		done[node] = true
		for _, dep := range node.AllDependencies() {
			visit(dep)
		}
		sorted = append(sorted, node)
	}

	for _, node := range g.Nodes() {
		visit(node)
	}
	return sorted
}
