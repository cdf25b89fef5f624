package reader

import (
	"encoding/xml"
	"io"
	"sort"
	"strings"

	"forgegraph/internal/graph"
)

// WriteGraph serializes a graph back to script form. This is the
// post-expansion, post-selection document: properties, macros and
// conditions are already resolved, so only the structural elements remain.
// Reading the result back produces an equivalent graph.
func WriteGraph(w io.Writer, g *graph.Graph) error {
	enc := xml.NewEncoder(w)
	enc.Indent("", "\t")

	if err := start(enc, "BuildGraph"); err != nil {
		return err
	}

	// Consecutive nodes sharing a trigger and agent serialize into one
	// agent element, nested under the trigger chain that controls them.
	var openTriggers []*graph.Trigger
	closeTo := func(depth int) error {
		for len(openTriggers) > depth {
			openTriggers = openTriggers[:len(openTriggers)-1]
			if err := end(enc, "Trigger"); err != nil {
				return err
			}
		}
		return nil
	}

	for _, agent := range g.Agents {
		groups := groupByTrigger(agent.Nodes)
		for _, group := range groups {
			chain := triggerChain(group.trigger)
			common := 0
			for common < len(openTriggers) && common < len(chain) && openTriggers[common] == chain[common] {
				common++
			}
			if err := closeTo(common); err != nil {
				return err
			}
			for _, trigger := range chain[common:] {
				if err := startWithAttrs(enc, "Trigger", []graph.Attr{{Name: "Name", Value: trigger.Name}}); err != nil {
					return err
				}
				openTriggers = append(openTriggers, trigger)
			}

			if err := writeAgent(enc, agent, group.nodes); err != nil {
				return err
			}
		}
	}
	if err := closeTo(0); err != nil {
		return err
	}

	var aggregateNames []string
	for name := range g.NameToAggregate {
		aggregateNames = append(aggregateNames, name)
	}
	sort.Strings(aggregateNames)
	for _, name := range aggregateNames {
		var refs []string
		for _, node := range g.NameToAggregate[name] {
			refs = append(refs, node.Name)
		}
		if err := empty(enc, "Aggregate", []graph.Attr{
			{Name: "Name", Value: name},
			{Name: "Requires", Value: strings.Join(refs, ";")}}); err != nil {
			return err
		}
	}

	var reportNames []string
	for name := range g.NameToReport {
		reportNames = append(reportNames, name)
	}
	sort.Strings(reportNames)
	for _, name := range reportNames {
		report := g.NameToReport[name]
		var refs []string
		for node := range report.Nodes {
			refs = append(refs, node.Name)
		}
		sort.Strings(refs)
		attrs := []graph.Attr{
			{Name: "Name", Value: name},
			{Name: "Requires", Value: strings.Join(refs, ";")}}
		if err := empty(enc, "Report", attrs); err != nil {
			return err
		}
		if len(report.Notify) > 0 {
			if err := empty(enc, "Notify", []graph.Attr{
				{Name: "Reports", Value: name},
				{Name: "Users", Value: strings.Join(report.Notify, ";")}}); err != nil {
				return err
			}
		}
	}

	for _, node := range g.Nodes() {
		if len(node.Notify) > 0 {
			if err := empty(enc, "Notify", []graph.Attr{
				{Name: "Nodes", Value: node.Name},
				{Name: "Users", Value: strings.Join(node.Notify, ";")}}); err != nil {
				return err
			}
		}
	}

	if err := end(enc, "BuildGraph"); err != nil {
		return err
	}
	if err := enc.Flush(); err != nil {
		return err
	}
	_, err := io.WriteString(w, "\n")
	return err
}

type triggerGroup struct {
	trigger *graph.Trigger
	nodes   []*graph.Node
}

func groupByTrigger(nodes []*graph.Node) []triggerGroup {
	var groups []triggerGroup
	for _, node := range nodes {
		if len(groups) == 0 || groups[len(groups)-1].trigger != node.ControllingTrigger {
			groups = append(groups, triggerGroup{trigger: node.ControllingTrigger})
		}
		groups[len(groups)-1].nodes = append(groups[len(groups)-1].nodes, node)
	}
	return groups
}

func triggerChain(trigger *graph.Trigger) []*graph.Trigger {
	var chain []*graph.Trigger
	for ; trigger != nil; trigger = trigger.Parent {
		chain = append([]*graph.Trigger{trigger}, chain...)
	}
	return chain
}

func writeAgent(enc *xml.Encoder, agent *graph.Agent, nodes []*graph.Node) error {
	attrs := []graph.Attr{{Name: "Name", Value: agent.Name}}
	if strings.Join(agent.PossibleTypes, ";") != agent.Name {
		attrs = append(attrs, graph.Attr{Name: "Type", Value: strings.Join(agent.PossibleTypes, ";")})
	}
	if err := startWithAttrs(enc, "Agent", attrs); err != nil {
		return err
	}

	for _, node := range nodes {
		if err := writeNode(enc, node); err != nil {
			return err
		}
	}
	return end(enc, "Agent")
}

func writeNode(enc *xml.Encoder, node *graph.Node) error {
	attrs := []graph.Attr{{Name: "Name", Value: node.Name}}

	if len(node.Inputs) > 0 {
		var refs []string
		for _, input := range node.Inputs {
			refs = append(refs, input.TagName)
		}
		attrs = append(attrs, graph.Attr{Name: "Requires", Value: strings.Join(refs, ";")})
	}
	var produces []string
	for _, output := range node.Outputs {
		if output.TagName != graph.DefaultOutputName(node.Name) {
			produces = append(produces, output.TagName)
		}
	}
	if len(produces) > 0 {
		attrs = append(attrs, graph.Attr{Name: "Produces", Value: strings.Join(produces, ";")})
	}
	if len(node.OrderDependencies) > 0 {
		var refs []string
		for _, dep := range node.OrderDependencies {
			refs = append(refs, dep.Name)
		}
		attrs = append(attrs, graph.Attr{Name: "After", Value: strings.Join(refs, ";")})
	}
	if len(node.RequiredTokens) > 0 {
		attrs = append(attrs, graph.Attr{Name: "Token", Value: strings.Join(node.RequiredTokens, ";")})
	}
	if node.NotifyOnWarnings {
		attrs = append(attrs, graph.Attr{Name: "NotifyOnWarnings", Value: "true"})
	}

	if err := startWithAttrs(enc, "Node", attrs); err != nil {
		return err
	}
	for _, spec := range node.TaskSpecs {
		if err := empty(enc, spec.ElementName, spec.Attrs); err != nil {
			return err
		}
	}
	return end(enc, "Node")
}

func start(enc *xml.Encoder, name string) error {
	return enc.EncodeToken(xml.StartElement{Name: xml.Name{Local: name}})
}

func startWithAttrs(enc *xml.Encoder, name string, attrs []graph.Attr) error {
	elem := xml.StartElement{Name: xml.Name{Local: name}}
	for _, a := range attrs {
		elem.Attr = append(elem.Attr, xml.Attr{Name: xml.Name{Local: a.Name}, Value: a.Value})
	}
	return enc.EncodeToken(elem)
}

func empty(enc *xml.Encoder, name string, attrs []graph.Attr) error {
	if err := startWithAttrs(enc, name, attrs); err != nil {
		return err
	}
	return end(enc, name)
}

func end(enc *xml.Encoder, name string) error {
	return enc.EncodeToken(xml.EndElement{Name: xml.Name{Local: name}})
}
