package reader

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"forgegraph/internal/graph"
	"forgegraph/internal/schema"
	"forgegraph/internal/tasks"
)

const roundTripScript = `
<BuildGraph>
	<Property Name="Stamp" Value="v1"/>
	<Agent Name="Compile" Type="Win64;Linux">
		<Node Name="Build Tools" Produces="#Tools">
			<Touch Files="bin/tool-$(Stamp).exe" Tag="#Tools"/>
		</Node>
	</Agent>
	<Trigger Name="Late">
		<Agent Name="Deploy">
			<Node Name="Publish" Requires="#Tools" After="Build Tools" NotifyOnWarnings="true">
				<Log Message="publishing"/>
			</Node>
		</Agent>
	</Trigger>
	<Aggregate Name="All" Requires="Build Tools;Publish"/>
	<Notify Nodes="Publish" Users="release-team"/>
</BuildGraph>`

func TestWriteGraph_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "build.xml")
	require.NoError(t, os.WriteFile(path, []byte(roundTripScript), 0644))

	opts := Options{
		Schema:       schema.New(tasks.DefaultRegistry()),
		WorkspaceDir: dir,
	}
	original, err := ReadGraph(path, opts)
	require.NoError(t, err)

	var sb strings.Builder
	require.NoError(t, WriteGraph(&sb, original))
	serialized := sb.String()

	// The preprocessed form carries expanded values, not property
	// references.
	assert.Contains(t, serialized, "bin/tool-v1.exe")
	assert.NotContains(t, serialized, "$(Stamp)")

	reparsedPath := filepath.Join(dir, "preprocessed.xml")
	require.NoError(t, os.WriteFile(reparsedPath, []byte(serialized), 0644))
	reparsed, err := ReadGraph(reparsedPath, opts)
	require.NoError(t, err)

	assert.Equal(t, nodeNames(original), nodeNames(reparsed))
	assert.Len(t, reparsed.Agents, len(original.Agents))
	assert.Len(t, reparsed.NameToTrigger, len(original.NameToTrigger))
	assert.Len(t, reparsed.NameToAggregate, len(original.NameToAggregate))

	publish := reparsed.NameToNode["Publish"]
	require.NotNil(t, publish)
	require.NotNil(t, publish.ControllingTrigger)
	assert.Equal(t, "Late", publish.ControllingTrigger.Name)
	require.Len(t, publish.Inputs, 1)
	assert.Equal(t, "#Tools", publish.Inputs[0].TagName)
	require.Len(t, publish.OrderDependencies, 1)
	assert.Equal(t, "Build Tools", publish.OrderDependencies[0].Name)
	assert.True(t, publish.NotifyOnWarnings)
	assert.Equal(t, []string{"release-team"}, publish.Notify)
	require.Len(t, publish.Tasks, 1)
	assert.Equal(t, "Log", publish.Tasks[0].Name())
}

func nodeNames(g *graph.Graph) []string {
	var names []string
	for _, node := range g.Nodes() {
		names = append(names, node.Name)
	}
	return names
}
