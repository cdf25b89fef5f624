package engine

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"forgegraph/internal/graph"
	"forgegraph/internal/reader"
	"forgegraph/internal/schema"
	"forgegraph/internal/storage"
	"forgegraph/internal/tasks"
	"forgegraph/pkg/errors"
	"forgegraph/pkg/logger"
)

func readScript(t *testing.T, workspace, script string) *graph.Graph {
	t.Helper()
	path := filepath.Join(workspace, "build.xml")
	require.NoError(t, os.WriteFile(path, []byte(script), 0644))

	g, err := reader.ReadGraph(path, reader.Options{
		Schema:       schema.New(tasks.DefaultRegistry()),
		WorkspaceDir: workspace,
	})
	require.NoError(t, err)
	return g
}

func newEngine(t *testing.T, workspace, sharedBase string, writeShared bool, g *graph.Graph) (*Engine, *storage.Store) {
	t.Helper()
	store := storage.NewStore(workspace, sharedBase, "main", "1", writeShared, logger.New())
	return New(g, store, workspace, logger.New()), store
}

const pipelineScript = `
<BuildGraph>
	<Agent Name="One">
		<Node Name="A" Produces="#Out">
			<Touch Files="made/a.txt" Tag="#Out"/>
		</Node>
		<Node Name="B" Requires="#Out">
			<Copy From="#Out" To="staged"/>
		</Node>
	</Agent>
</BuildGraph>`

func TestEngine_TwoNodesOneTag(t *testing.T) {
	workspace := t.TempDir()
	g := readScript(t, workspace, pipelineScript)
	eng, store := newEngine(t, workspace, "", false, g)

	require.NoError(t, eng.ExecuteAll())

	// A ran before B: B's copy of A's output exists.
	data, err := os.ReadFile(filepath.Join(workspace, "staged", "made", "a.txt"))
	require.NoError(t, err)
	_ = data

	// The #Out file list contains exactly A's declared output.
	list, err := store.ReadFileList("A", "#Out")
	require.NoError(t, err)
	require.Len(t, list.Files, 1)
	assert.Equal(t, "made/a.txt", list.Files[0].Name)
	require.Len(t, list.Blocks, 1)
	assert.Equal(t, storage.Block{NodeName: "A", OutputName: "Out"}, list.Blocks[0])

	assert.True(t, store.IsComplete("A", []string{"#Out", "#A"}))
	assert.True(t, store.IsComplete("B", []string{"#B"}))
}

func TestEngine_ResumeIsNoOp(t *testing.T) {
	workspace := t.TempDir()
	g := readScript(t, workspace, pipelineScript)
	eng, _ := newEngine(t, workspace, "", false, g)

	require.NoError(t, eng.ExecuteAll())

	produced := filepath.Join(workspace, "made", "a.txt")
	info, err := os.Stat(produced)
	require.NoError(t, err)
	firstRun := info.ModTime()

	// Completed nodes are skipped outright, so nothing touches the file.
	require.NoError(t, eng.ExecuteAll())
	info, err = os.Stat(produced)
	require.NoError(t, err)
	assert.Equal(t, firstRun, info.ModTime())
}

func TestEngine_SingleNodePullsInputs(t *testing.T) {
	workspace := t.TempDir()
	g := readScript(t, workspace, pipelineScript)
	eng, _ := newEngine(t, workspace, "", false, g)

	require.NoError(t, eng.ExecuteSingle("A"))
	require.NoError(t, eng.ExecuteSingle("B"))

	_, err := os.Stat(filepath.Join(workspace, "staged", "made", "a.txt"))
	require.NoError(t, err)

	assert.Error(t, eng.ExecuteSingle("Missing"))
}

func TestEngine_TamperDetection(t *testing.T) {
	workspace := t.TempDir()
	g := readScript(t, workspace, pipelineScript)
	eng, _ := newEngine(t, workspace, "", false, g)

	require.NoError(t, eng.ExecuteSingle("A"))

	// Modify A's output behind the tool's back, with a timestamp well away
	// from the recorded one.
	tampered := filepath.Join(workspace, "made", "a.txt")
	require.NoError(t, os.WriteFile(tampered, []byte("tampered"), 0644))
	future := time.Now().Add(time.Hour)
	require.NoError(t, os.Chtimes(tampered, future, future))

	err := eng.ExecuteSingle("B")
	require.Error(t, err)
	assert.True(t, errors.IsIntegrityError(err))
	assert.Contains(t, err.Error(), "has been modified")
}

func TestEngine_CrossAgentTransfer(t *testing.T) {
	sharedBase := t.TempDir()
	script := `
<BuildGraph>
	<Agent Name="Producer">
		<Node Name="A" Produces="#Out">
			<Touch Files="made/a.txt" Tag="#Out"/>
		</Node>
	</Agent>
	<Agent Name="Consumer">
		<Node Name="B" Requires="#Out">
			<Copy From="#Out" To="staged"/>
		</Node>
	</Agent>
</BuildGraph>`

	// First process builds A and publishes to shared storage.
	workspace1 := t.TempDir()
	g1 := readScript(t, workspace1, script)
	eng1, _ := newEngine(t, workspace1, sharedBase, true, g1)
	require.NoError(t, eng1.ExecuteSingle("A"))

	zips, err := filepath.Glob(filepath.Join(sharedBase, "main", "1", "A", "*.zip"))
	require.NoError(t, err)
	assert.NotEmpty(t, zips)

	// Second process, different workspace, builds B from shared storage.
	workspace2 := t.TempDir()
	g2 := readScript(t, workspace2, script)
	eng2, _ := newEngine(t, workspace2, sharedBase, false, g2)
	require.NoError(t, eng2.ExecuteSingle("B"))

	_, err = os.Stat(filepath.Join(workspace2, "staged", "made", "a.txt"))
	require.NoError(t, err)
}

func TestEngine_LocalOnlyProducerSkipsShared(t *testing.T) {
	sharedBase := t.TempDir()
	workspace := t.TempDir()
	g := readScript(t, workspace, pipelineScript)
	eng, _ := newEngine(t, workspace, sharedBase, true, g)

	// A and B share an agent and a trigger, so nothing needs mirroring.
	require.NoError(t, eng.ExecuteAll())
	zips, err := filepath.Glob(filepath.Join(sharedBase, "main", "1", "*", "*.zip"))
	require.NoError(t, err)
	assert.Empty(t, zips)
}

func TestEngine_OutputAttribution(t *testing.T) {
	workspace := t.TempDir()
	g := readScript(t, workspace, `
<BuildGraph>
	<Agent Name="One">
		<Node Name="Make" Produces="#Docs;#Reports">
			<Touch Files="out/readme.md" Tag="#Docs"/>
			<Touch Files="out/summary.md" Tag="#Docs;#Reports"/>
			<Touch Files="out/untagged.bin"/>
		</Node>
	</Agent>
</BuildGraph>`)
	eng, store := newEngine(t, workspace, "", false, g)

	require.NoError(t, eng.ExecuteAll())

	// Files in exactly one tag land in that tag's block; a file in both
	// tags lands in the synthetic '+'-joined block; untagged products land
	// in the default block.
	docs, err := store.ReadFileList("Make", "#Docs")
	require.NoError(t, err)
	assert.ElementsMatch(t, []storage.Block{
		{NodeName: "Make", OutputName: "Docs"},
		{NodeName: "Make", OutputName: "Docs+Reports"},
	}, docs.Blocks)

	reports, err := store.ReadFileList("Make", "#Reports")
	require.NoError(t, err)
	assert.ElementsMatch(t, []storage.Block{
		{NodeName: "Make", OutputName: "Docs+Reports"},
	}, reports.Blocks)

	def, err := store.ReadFileList("Make", "#Make")
	require.NoError(t, err)
	require.Len(t, def.Files, 1)
	assert.Equal(t, "out/untagged.bin", def.Files[0].Name)
	assert.ElementsMatch(t, []storage.Block{{NodeName: "Make"}}, def.Blocks)
}

func TestEngine_TaskFailureShortCircuits(t *testing.T) {
	workspace := t.TempDir()
	g := readScript(t, workspace, `
<BuildGraph>
	<Agent Name="One">
		<Node Name="Broken">
			<Copy From="missing/nothing.txt" To="staged"/>
			<Touch Files="never/made.txt"/>
		</Node>
	</Agent>
</BuildGraph>`)
	eng, store := newEngine(t, workspace, "", false, g)

	err := eng.ExecuteAll()
	require.Error(t, err)
	assert.True(t, errors.IsTaskError(err))

	// The second task never ran and the node is not complete.
	_, statErr := os.Stat(filepath.Join(workspace, "never", "made.txt"))
	assert.True(t, os.IsNotExist(statErr))
	assert.False(t, store.IsComplete("Broken", []string{"#Broken"}))
}

func TestEngine_IntegritySweepRebuildsDownstream(t *testing.T) {
	workspace := t.TempDir()
	g := readScript(t, workspace, pipelineScript)
	eng, store := newEngine(t, workspace, "", false, g)

	require.NoError(t, eng.ExecuteAll())

	// Wipe A's local state; the sweep must clean B too and rebuild both.
	store.CleanLocalNode("A")
	require.NoError(t, eng.ExecuteAll())

	assert.True(t, store.IsComplete("A", []string{"#Out", "#A"}))
	assert.True(t, store.IsComplete("B", []string{"#B"}))
}

func TestEngine_InputTagVisibleToTasks(t *testing.T) {
	workspace := t.TempDir()
	g := readScript(t, workspace, `
<BuildGraph>
	<Agent Name="One">
		<Node Name="A" Produces="#Out">
			<Touch Files="made/a.txt" Tag="#Out"/>
		</Node>
		<Node Name="B" Requires="#Out" Produces="#Relabeled">
			<Tag Files="#Out" With="#Relabeled"/>
		</Node>
	</Agent>
</BuildGraph>`)
	eng, store := newEngine(t, workspace, "", false, g)

	require.NoError(t, eng.ExecuteAll())

	// B re-tagged A's files without producing anything new; the file list
	// for #Relabeled references A's block.
	list, err := store.ReadFileList("B", "#Relabeled")
	require.NoError(t, err)
	require.Len(t, list.Files, 1)
	assert.Equal(t, "made/a.txt", list.Files[0].Name)
	assert.ElementsMatch(t, []storage.Block{{NodeName: "A", OutputName: "Out"}}, list.Blocks)
}
