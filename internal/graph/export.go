package graph

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
)

// Export JSON document types. The layout is consumed by external CI systems
// and must stay stable.
type exportedGraph struct {
	Groups   []exportedGroup  `json:"Groups"`
	Triggers []string         `json:"Triggers"`
	Reports  []exportedReport `json:"Reports"`
}

type exportedGroup struct {
	Name       string         `json:"Name"`
	AgentTypes []string       `json:"Agent Types"`
	Nodes      []exportedNode `json:"Nodes"`
}

type exportedNode struct {
	Name             string   `json:"Name"`
	DependsOn        []string `json:"DependsOn"`
	RunAfter         []string `json:"RunAfter"`
	Notify           []string `json:"Notify"`
	NotifyOnWarnings bool     `json:"NotifyOnWarnings"`
}

type exportedReport struct {
	Name   string   `json:"Name"`
	Nodes  []string `json:"Nodes"`
	Notify []string `json:"Notify"`
}

// Export writes the JSON manifest for an external scheduler: the nodes
// gated on the given trigger (empty = unconditional) that are not already
// completed, plus the triggers still ahead.
func (g *Graph) Export(path string, triggerName string, completed map[*Node]bool) error {
	var trigger *Trigger
	if triggerName != "" {
		t, ok := g.NameToTrigger[triggerName]
		if !ok {
			return fmt.Errorf("trigger %q is not defined", triggerName)
		}
		trigger = t
	}

	included := make(map[*Node]bool)
	doc := exportedGraph{Groups: []exportedGroup{}, Triggers: []string{}, Reports: []exportedReport{}}
	for _, agent := range g.Agents {
		var nodes []exportedNode
		for _, node := range agent.Nodes {
			if node.ControllingTrigger != trigger || completed[node] {
				continue
			}
			included[node] = true

			exported := exportedNode{
				Name:             node.Name,
				DependsOn:        []string{},
				RunAfter:         []string{},
				Notify:           append([]string{}, node.Notify...),
				NotifyOnWarnings: node.NotifyOnWarnings,
			}
			for _, dep := range node.InputDependencies() {
				if !completed[dep] {
					exported.DependsOn = append(exported.DependsOn, dep.Name)
				}
			}
			for _, dep := range node.OrderDependencies {
				if !completed[dep] {
					exported.RunAfter = append(exported.RunAfter, dep.Name)
				}
			}
			nodes = append(nodes, exported)
		}
		if len(nodes) > 0 {
			doc.Groups = append(doc.Groups, exportedGroup{
				Name:       agent.Name,
				AgentTypes: append([]string{}, agent.PossibleTypes...),
				Nodes:      nodes,
			})
		}
	}

	// Triggers still ahead: everything nested under the current gate.
	var triggerNames []string
	for name, t := range g.NameToTrigger {
		if t != trigger && trigger.IsUpstreamOf(t) {
			triggerNames = append(triggerNames, name)
		}
	}
	sort.Strings(triggerNames)
	doc.Triggers = triggerNames

	var reportNames []string
	for name := range g.NameToReport {
		reportNames = append(reportNames, name)
	}
	sort.Strings(reportNames)
	for _, name := range reportNames {
		report := g.NameToReport[name]
		exported := exportedReport{Name: name, Nodes: []string{}, Notify: append([]string{}, report.Notify...)}
		for node := range report.Nodes {
			if included[node] {
				exported.Nodes = append(exported.Nodes, node.Name)
			}
		}
		sort.Strings(exported.Nodes)
		if len(exported.Nodes) > 0 {
			doc.Reports = append(doc.Reports, exported)
		}
	}

	data, err := json.MarshalIndent(&doc, "", "\t")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0644)
}
