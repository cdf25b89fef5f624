// Package engine drives dependency ordered execution of a build graph: it
// reconstructs node inputs from temp storage, runs tasks over the tag map,
// detects tampering with upstream outputs, attributes new files to storage
// blocks and publishes them.
package engine

import (
	"fmt"
	"sort"
	"strings"

	"forgegraph/internal/filespec"
	"forgegraph/internal/graph"
	"forgegraph/internal/storage"
	"forgegraph/internal/tasks"
	"forgegraph/pkg/errors"
	"forgegraph/pkg/logger"
)

// Engine executes nodes of one graph against one workspace. It is single
// threaded: one node at a time, tasks in order within each node.
type Engine struct {
	graph    *graph.Graph
	store    *storage.Store
	resolver *filespec.Resolver
	logger   *logger.Logger
}

func New(g *graph.Graph, store *storage.Store, workspaceDir string, log *logger.Logger) *Engine {
	return &Engine{
		graph:    g,
		store:    store,
		resolver: filespec.NewResolver(workspaceDir),
		logger:   log.WithField("component", "engine"),
	}
}

// ExecuteAll builds every node of the graph in a dependency consistent
// order. Before the first node runs, stale local state is swept: a node
// whose own cache fails its integrity check, or whose dependency was
// cleaned this run, is cleaned too.
func (e *Engine) ExecuteAll() error {
	order := e.graph.TopologicalSort()

	cleaned := make(map[*graph.Node]bool)
	for _, node := range order {
		dirty := false
		for _, dep := range node.AllDependencies() {
			if cleaned[dep] {
				dirty = true
				break
			}
		}
		if dirty {
			e.store.CleanLocalNode(node.Name)
			cleaned[node] = true
		} else if !e.store.CheckLocalIntegrity(node.Name, outputTagNames(node)) {
			cleaned[node] = true
		}
	}

	for _, node := range order {
		if err := e.buildNode(node); err != nil {
			return err
		}
	}
	return nil
}

// ExecuteSingle builds exactly the named node, pulling its inputs from
// storage as needed. Resume semantics are implied: a node with a valid
// completion marker is skipped.
func (e *Engine) ExecuteSingle(nodeName string) error {
	node, ok := e.graph.NameToNode[nodeName]
	if !ok {
		return &errors.ReferenceError{Name: nodeName, Message: "node is not defined in the selected graph"}
	}
	return e.buildNode(node)
}

func outputTagNames(node *graph.Node) []string {
	names := make([]string, len(node.Outputs))
	for i, output := range node.Outputs {
		names[i] = output.TagName
	}
	return names
}

// buildNode runs the per node procedure: skip when complete, reconstruct
// inputs, execute tasks, tamper check, attribute outputs and publish.
func (e *Engine) buildNode(node *graph.Node) error {
	log := e.logger.WithField("node", node.Name)

	if e.store.IsComplete(node.Name, outputTagNames(node)) {
		log.Info("node is already complete, skipping")
		return nil
	}

	log.Info("building node")

	inputs, err := e.readInputs(node, log)
	if err != nil {
		return err
	}

	ctx := &tasks.ExecContext{
		WorkspaceDir:  e.resolver.WorkspaceDir,
		Resolver:      e.resolver,
		Tags:          inputs.tags,
		BuildProducts: filespec.NewSet(),
		Logger:        log,
	}
	for _, output := range node.Outputs {
		if _, ok := ctx.Tags[output.TagName]; !ok {
			ctx.Tags[output.TagName] = filespec.NewSet()
		}
	}

	for i, task := range node.Tasks {
		log.Debug("running task", "task", task.Name(), "index", i)
		if err := task.Execute(ctx); err != nil {
			return &errors.TaskError{Node: node.Name, Task: task.Name(), Err: err}
		}
	}

	if err := e.checkTamper(inputs); err != nil {
		return err
	}

	return e.publishOutputs(node, ctx, inputs, log)
}

// nodeInputs is the reconstructed input state for one node.
type nodeInputs struct {
	// tags maps every input tag to its file set.
	tags map[string]filespec.Set

	// manifestFiles maps each input file to its recorded manifest entry,
	// for the post execution tamper check.
	manifestFiles map[string]storage.ManifestFile

	// fileToBlock maps each input file to the block that physically holds
	// it, for file list attribution.
	fileToBlock map[string]storage.Block
}

func (e *Engine) readInputs(node *graph.Node, log *logger.Logger) (*nodeInputs, error) {
	inputs := &nodeInputs{
		tags:          make(map[string]filespec.Set),
		manifestFiles: make(map[string]storage.ManifestFile),
		fileToBlock:   make(map[string]storage.Block),
	}

	fetched := make(map[storage.Block]bool)
	for _, input := range node.Inputs {
		list, err := e.store.ReadFileList(input.ProducingNode.Name, input.TagName)
		if err != nil {
			return nil, err
		}

		set := filespec.NewSet()
		for _, item := range list.Files {
			set.Add(item.Name)
		}
		inputs.tags[input.TagName] = set

		for _, block := range list.Blocks {
			if fetched[block] {
				continue
			}
			fetched[block] = true

			manifest, err := e.store.Retrieve(block)
			if err != nil {
				return nil, err
			}
			for _, entry := range manifest.Files {
				if prev, ok := inputs.manifestFiles[entry.Name]; ok && prev.Digest != entry.Digest {
					// Later block wins in the tag map, but flag the overlap.
					log.Error("file appears in multiple input blocks with different contents",
						"file", entry.Name, "block", block.BaseName())
				}
				inputs.manifestFiles[entry.Name] = entry
				inputs.fileToBlock[entry.Name] = block
			}
		}
	}
	return inputs, nil
}

// checkTamper verifies no file recorded in an input manifest was modified
// while this node's tasks ran.
func (e *Engine) checkTamper(inputs *nodeInputs) error {
	for rel, entry := range inputs.manifestFiles {
		if !entry.Matches(e.resolver.Absolute(rel)) {
			return &errors.IntegrityError{File: rel,
				Message: "build product from a previous step has been modified"}
		}
	}
	return nil
}

// publishOutputs attributes each new file to a block, archives the blocks
// and writes one file list per output tag, then drops the completion
// marker.
func (e *Engine) publishOutputs(node *graph.Node, ctx *tasks.ExecContext, inputs *nodeInputs, log *logger.Logger) error {
	defaultTag := graph.DefaultOutputName(node.Name)

	// Membership of each new file across the non default outputs.
	fileTags := make(map[string][]string)
	for _, output := range node.Outputs {
		if output.TagName == defaultTag {
			continue
		}
		for file := range ctx.Tags[output.TagName] {
			if _, fromInput := inputs.fileToBlock[file]; !fromInput {
				fileTags[file] = append(fileTags[file], strings.TrimPrefix(output.TagName, "#"))
			}
		}
	}

	// The default output collects everything produced but not explicitly
	// tagged.
	defaultFiles := ctx.Tags[defaultTag].Clone()
	defaultFiles.Union(ctx.BuildProducts)
	for file := range fileTags {
		delete(defaultFiles, file)
	}
	for file := range defaultFiles {
		if _, fromInput := inputs.fileToBlock[file]; fromInput {
			delete(defaultFiles, file)
		}
	}
	ctx.Tags[defaultTag] = defaultFiles.Clone()
	for file := range defaultFiles {
		fileTags[file] = nil
	}

	// Assign each new file to its block: default block, the single tag's
	// block, or a synthetic block for files in several tags.
	newFileBlock := make(map[string]storage.Block)
	blockFiles := make(map[storage.Block][]string)
	for file, tagNames := range fileTags {
		var block storage.Block
		switch len(tagNames) {
		case 0:
			block = storage.Block{NodeName: node.Name}
		case 1:
			block = storage.Block{NodeName: node.Name, OutputName: tagNames[0]}
		default:
			sort.Strings(tagNames)
			block = storage.Block{NodeName: node.Name, OutputName: strings.Join(tagNames, "+")}
		}
		newFileBlock[file] = block
		blockFiles[block] = append(blockFiles[block], file)
	}

	pushToShared := e.hasRemoteConsumer(node)

	blocks := make([]storage.Block, 0, len(blockFiles))
	for block := range blockFiles {
		blocks = append(blocks, block)
	}
	sort.Slice(blocks, func(i, j int) bool { return blocks[i].OutputName < blocks[j].OutputName })
	for _, block := range blocks {
		files := blockFiles[block]
		sort.Strings(files)
		if _, err := e.store.Archive(block, files, pushToShared); err != nil {
			return err
		}
		log.Debug("archived block", "block", block.BaseName(), "files", len(files))
	}

	for _, output := range node.Outputs {
		files := ctx.Tags[output.TagName].Sorted()

		blockSet := make(map[storage.Block]bool)
		var tagBlocks []storage.Block
		addBlock := func(block storage.Block) {
			if !blockSet[block] {
				blockSet[block] = true
				tagBlocks = append(tagBlocks, block)
			}
		}
		for _, file := range files {
			if block, ok := newFileBlock[file]; ok {
				addBlock(block)
			} else if block, ok := inputs.fileToBlock[file]; ok {
				addBlock(block)
			} else {
				return &errors.StorageError{Path: file, Operation: "publish",
					Err: fmt.Errorf("file in tag %s was neither produced by this node nor read from an input", output.TagName)}
			}
		}

		if err := e.store.WriteFileList(node.Name, output.TagName, files, tagBlocks, pushToShared); err != nil {
			return err
		}
	}

	if err := e.store.MarkComplete(node.Name); err != nil {
		return err
	}
	log.Info("node complete")
	return nil
}

// hasRemoteConsumer reports whether any output of the node is consumed by a
// node on a different agent, or under a different trigger on the same
// agent. Only then do blocks need to reach shared storage.
func (e *Engine) hasRemoteConsumer(node *graph.Node) bool {
	for _, consumer := range e.graph.Nodes() {
		if consumer == node {
			continue
		}
		for _, input := range consumer.Inputs {
			if input.ProducingNode != node {
				continue
			}
			if consumer.Agent != node.Agent || consumer.ControllingTrigger != node.ControllingTrigger {
				return true
			}
		}
	}
	return false
}
