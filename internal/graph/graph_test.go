package graph

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildTestGraph wires a small graph by hand:
//
//	agent One:  A -> B (via #Mid), standalone C
//	agent Two (trigger Nightly): D requires #Mid
func buildTestGraph(t *testing.T) (*Graph, map[string]*Node) {
	t.Helper()
	g := New()

	nightly := &Trigger{Name: "Nightly"}
	g.NameToTrigger["Nightly"] = nightly

	one := &Agent{Name: "One", PossibleTypes: []string{"One"}}
	two := &Agent{Name: "Two", PossibleTypes: []string{"CompileWin64"}}
	g.Agents = []*Agent{one, two}

	nodes := make(map[string]*Node)
	addNode := func(agent *Agent, trigger *Trigger, name string, produces []string) *Node {
		node := &Node{Name: name, Agent: agent, ControllingTrigger: trigger}
		for _, tag := range produces {
			node.Outputs = append(node.Outputs, &NodeOutput{TagName: tag, ProducingNode: node})
		}
		node.Outputs = append(node.Outputs, &NodeOutput{TagName: DefaultOutputName(name), ProducingNode: node})
		for _, output := range node.Outputs {
			g.TagNameToOutput[output.TagName] = output
		}
		agent.Nodes = append(agent.Nodes, node)
		g.NameToNode[name] = node
		nodes[name] = node
		return node
	}

	a := addNode(one, nil, "A", []string{"#Mid"})
	b := addNode(one, nil, "B", nil)
	b.Inputs = []*NodeOutput{g.TagNameToOutput["#Mid"]}
	addNode(one, nil, "C", nil)
	d := addNode(two, nightly, "D", nil)
	d.Inputs = []*NodeOutput{g.TagNameToOutput["#Mid"]}

	g.NameToAggregate["Everything"] = []*Node{a, b}
	return g, nodes
}

func TestGraph_ResolveReference(t *testing.T) {
	g, nodes := buildTestGraph(t)

	resolved, ok := g.ResolveReference("B")
	require.True(t, ok)
	assert.Equal(t, []*Node{nodes["B"]}, resolved)

	resolved, ok = g.ResolveReference("#Mid")
	require.True(t, ok)
	assert.Equal(t, []*Node{nodes["A"]}, resolved)

	resolved, ok = g.ResolveReference("Everything")
	require.True(t, ok)
	assert.Len(t, resolved, 2)

	_, ok = g.ResolveReference("Nope")
	assert.False(t, ok)
}

func TestGraph_SelectClosure(t *testing.T) {
	g, nodes := buildTestGraph(t)

	g.Select([]*Node{nodes["B"]})

	assert.Len(t, g.NameToNode, 2)
	assert.Contains(t, g.NameToNode, "A")
	assert.Contains(t, g.NameToNode, "B")
	assert.NotContains(t, g.NameToNode, "C")
	assert.NotContains(t, g.NameToNode, "D")

	// Agent Two lost all its nodes and must be gone entirely.
	require.Len(t, g.Agents, 1)
	assert.Equal(t, "One", g.Agents[0].Name)

	// The nightly trigger is no longer referenced by any kept node.
	assert.Empty(t, g.NameToTrigger)

	// Tags of dropped producers are gone too.
	assert.NotContains(t, g.TagNameToOutput, DefaultOutputName("C"))
	assert.Contains(t, g.TagNameToOutput, "#Mid")
}

func TestGraph_SkipTriggers(t *testing.T) {
	g, _ := buildTestGraph(t)

	// D is behind Nightly and consumes #Mid; dropping Nightly drops D and
	// nothing still needs a dropped producer.
	require.NoError(t, g.SkipTriggers([]string{"Nightly"}))
	assert.NotContains(t, g.NameToNode, "D")
	assert.NotContains(t, g.NameToTrigger, "Nightly")
	assert.Contains(t, g.NameToNode, "A")
}

func TestGraph_SkipTriggers_KeptConsumerFails(t *testing.T) {
	g := New()
	nightly := &Trigger{Name: "Nightly"}
	g.NameToTrigger["Nightly"] = nightly

	agent := &Agent{Name: "One"}
	g.Agents = []*Agent{agent}

	producer := &Node{Name: "P", Agent: agent, ControllingTrigger: nightly}
	producer.Outputs = []*NodeOutput{{TagName: "#P", ProducingNode: producer}}
	g.TagNameToOutput["#P"] = producer.Outputs[0]
	g.NameToNode["P"] = producer

	// Consumer is NOT behind the trigger, which violates the trigger
	// nesting invariant and is exactly what SkipTriggers must reject.
	consumer := &Node{Name: "Q", Agent: agent, Inputs: []*NodeOutput{producer.Outputs[0]}}
	consumer.Outputs = []*NodeOutput{{TagName: "#Q", ProducingNode: consumer}}
	g.NameToNode["Q"] = consumer
	agent.Nodes = []*Node{producer, consumer}

	err := g.SkipTriggers([]string{"Nightly"})
	assert.Error(t, err)
}

func TestGraph_SkipTriggers_UnknownName(t *testing.T) {
	g, _ := buildTestGraph(t)
	assert.Error(t, g.SkipTriggers([]string{"NoSuchTrigger"}))
}

func TestGraph_FilterTriggered(t *testing.T) {
	g, _ := buildTestGraph(t)

	// Default run: triggered nodes are excluded.
	require.NoError(t, g.FilterTriggered(""))
	assert.NotContains(t, g.NameToNode, "D")
	assert.Contains(t, g.NameToNode, "A")

	g2, _ := buildTestGraph(t)
	require.NoError(t, g2.FilterTriggered("Nightly"))
	assert.Contains(t, g2.NameToNode, "D")
	assert.Contains(t, g2.NameToNode, "A")
}

func TestGraph_TopologicalSort(t *testing.T) {
	g, nodes := buildTestGraph(t)

	order := g.TopologicalSort()
	pos := make(map[string]int)
	for i, node := range order {
		pos[node.Name] = i
	}
	assert.Len(t, order, 4)
	assert.Less(t, pos["A"], pos["B"])
	assert.Less(t, pos["A"], pos["D"])

	// Declaration order breaks ties.
	assert.Less(t, pos["B"], pos["C"])

	_ = nodes
}

func TestGraph_CheckCycles(t *testing.T) {
	g, nodes := buildTestGraph(t)
	require.NoError(t, g.CheckCycles())

	// Introduce a cycle through an order dependency.
	nodes["A"].OrderDependencies = append(nodes["A"].OrderDependencies, nodes["B"])
	assert.Error(t, g.CheckCycles())
}

func TestNode_DependsOn(t *testing.T) {
	_, nodes := buildTestGraph(t)

	assert.True(t, nodes["B"].DependsOn(nodes["A"]))
	assert.True(t, nodes["B"].DependsOn(nodes["B"]))
	assert.False(t, nodes["A"].DependsOn(nodes["B"]))
	assert.False(t, nodes["C"].DependsOn(nodes["A"]))
}

func TestGraph_Export(t *testing.T) {
	g, nodes := buildTestGraph(t)
	path := filepath.Join(t.TempDir(), "export.json")

	completed := map[*Node]bool{nodes["C"]: true}
	require.NoError(t, g.Export(path, "", completed))

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var doc struct {
		Groups []struct {
			Name       string   `json:"Name"`
			AgentTypes []string `json:"Agent Types"`
			Nodes      []struct {
				Name      string   `json:"Name"`
				DependsOn []string `json:"DependsOn"`
			} `json:"Nodes"`
		} `json:"Groups"`
		Triggers []string `json:"Triggers"`
	}
	require.NoError(t, json.Unmarshal(data, &doc))

	require.Len(t, doc.Groups, 1)
	assert.Equal(t, "One", doc.Groups[0].Name)

	var names []string
	for _, node := range doc.Groups[0].Nodes {
		names = append(names, node.Name)
		if node.Name == "B" {
			assert.Equal(t, []string{"A"}, node.DependsOn)
		}
	}
	// D is behind a trigger and C is completed; neither is exported.
	assert.ElementsMatch(t, []string{"A", "B"}, names)
	assert.Equal(t, []string{"Nightly"}, doc.Triggers)
}

func TestGraph_Print(t *testing.T) {
	g, nodes := buildTestGraph(t)

	var buf bytes.Buffer
	g.Print(&buf, map[*Node]bool{nodes["A"]: true}, PrintOptions{ShowDependencies: true})

	out := buf.String()
	assert.Contains(t, out, "Agent: One")
	assert.Contains(t, out, "Node: A (completed)")
	assert.Contains(t, out, "input> A")
	assert.Contains(t, out, "Trigger: Nightly")
	assert.Contains(t, out, "Aggregates:")
}
