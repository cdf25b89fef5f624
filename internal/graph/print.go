package graph

import (
	"fmt"
	"io"
	"sort"
	"strings"
)

// PrintOptions controls the detail included in a graph dump.
type PrintOptions struct {
	ShowDependencies  bool
	ShowNotifications bool
}

// Print writes a human readable dump of the graph, grouped by trigger then
// agent then node. Completed nodes are annotated.
func (g *Graph) Print(w io.Writer, completed map[*Node]bool, options PrintOptions) {
	byTrigger := make(map[*Trigger][]*Agent)
	var triggerOrder []*Trigger
	seenTrigger := make(map[*Trigger]bool)

	for _, agent := range g.Agents {
		trigger := agent.Nodes[0].ControllingTrigger
		if !seenTrigger[trigger] {
			seenTrigger[trigger] = true
			triggerOrder = append(triggerOrder, trigger)
		}
		byTrigger[trigger] = append(byTrigger[trigger], agent)
	}

	for _, trigger := range triggerOrder {
		if trigger == nil {
			fmt.Fprintf(w, "Graph:\n")
		} else {
			fmt.Fprintf(w, "Trigger: %s\n", trigger.QualifiedName())
		}
		for _, agent := range byTrigger[trigger] {
			fmt.Fprintf(w, "    Agent: %s (%s)\n", agent.Name, strings.Join(agent.PossibleTypes, ";"))
			for _, node := range agent.Nodes {
				suffix := ""
				if completed[node] {
					suffix = " (completed)"
				}
				fmt.Fprintf(w, "        Node: %s%s\n", node.Name, suffix)

				if options.ShowDependencies {
					for _, dep := range node.InputDependencies() {
						fmt.Fprintf(w, "            input> %s\n", dep.Name)
					}
					for _, dep := range node.OrderDependencies {
						fmt.Fprintf(w, "            after> %s\n", dep.Name)
					}
				}
				if options.ShowNotifications {
					for _, user := range node.Notify {
						fmt.Fprintf(w, "            notify> %s\n", user)
					}
				}
			}
		}
	}

	if len(g.NameToAggregate) > 0 {
		fmt.Fprintf(w, "Aggregates:\n")
		names := make([]string, 0, len(g.NameToAggregate))
		for name := range g.NameToAggregate {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Fprintf(w, "    %s\n", name)
		}
	}
}
