package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"

	"forgegraph/internal/engine"
	"forgegraph/internal/graph"
	"forgegraph/internal/reader"
	"forgegraph/internal/schema"
	"forgegraph/internal/storage"
	"forgegraph/internal/tasks"
	"forgegraph/internal/tokens"
	"forgegraph/pkg/config"
	"forgegraph/pkg/errors"
	"forgegraph/pkg/logger"
)

// runBuild is the top level control flow: load the registry and schema,
// read and trim the graph, arbitrate tokens, then print, export or execute.
func runBuild(opts *buildOptions) error {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return &errors.UserError{Message: err.Error()}
	}
	if opts.sharedStorageDir != "" {
		cfg.SharedStorageDir = opts.sharedStorageDir
	}
	if opts.writeToSharedStorage {
		cfg.WriteToSharedStorage = true
	}

	level, _ := logger.ParseLevel(cfg.LogLevel)
	log := logger.NewWithConfig(logger.Config{Level: level, Format: cfg.LogFormat})
	log.Debug("starting run", "run_id", uuid.NewString())

	registry := tasks.DefaultRegistry()
	if opts.publicTasksOnly {
		registry = registry.PublicOnly()
	}
	scriptSchema := schema.New(registry)

	if opts.schemaPath != "" {
		if err := writeSchemaFile(scriptSchema, opts.schemaPath); err != nil {
			return err
		}
	}
	if opts.documentationPath != "" {
		if err := writeDocumentationFile(registry, opts.documentationPath); err != nil {
			return err
		}
		return nil
	}
	if opts.scriptPath == "" {
		if opts.schemaPath != "" {
			return nil
		}
		return &errors.UserError{Message: "missing --script argument"}
	}

	overrides, err := parseSetArguments(opts.set)
	if err != nil {
		return err
	}

	g, err := reader.ReadGraph(opts.scriptPath, reader.Options{
		Schema:            scriptSchema,
		WorkspaceDir:      cfg.WorkspaceDir,
		DefaultProperties: cfg.DefaultProperties(),
		Overrides:         overrides,
		Logger:            log,
	})
	if err != nil {
		return err
	}

	// Targets are checked against the full graph so a typo fails loudly,
	// then re-resolved after trigger trimming, where disappearing is fine.
	targetNames := splitList(opts.targets)
	if opts.singleNode != "" {
		targetNames = []string{opts.singleNode}
	}
	for _, name := range targetNames {
		if _, ok := g.ResolveReference(name); !ok {
			return &errors.ReferenceError{Name: name, Message: "target is not defined in the graph"}
		}
	}

	if opts.skipAll {
		var all []string
		for name := range g.NameToTrigger {
			all = append(all, name)
		}
		if err := g.SkipTriggers(all); err != nil {
			return err
		}
	} else if len(opts.skipTriggers) > 0 {
		if err := g.SkipTriggers(opts.skipTriggers); err != nil {
			return err
		}
	}
	if err := g.FilterTriggered(opts.trigger); err != nil {
		return err
	}

	var targets []*graph.Node
	seen := make(map[*graph.Node]bool)
	for _, name := range targetNames {
		nodes, ok := g.ResolveReference(name)
		if !ok {
			log.Info("target removed by trigger filtering", "target", name)
			continue
		}
		for _, node := range nodes {
			if !seen[node] {
				seen[node] = true
				targets = append(targets, node)
			}
		}
	}
	if opts.singleNode != "" && len(targets) == 0 {
		log.Info("single node removed by trigger filtering", "node", opts.singleNode)
		return nil
	}
	// Single node mode keeps the whole trigger-filtered graph: execution
	// targets exactly the named node, but downstream consumers on other
	// agents must stay visible so its outputs get mirrored to shared
	// storage for them.
	if len(targetNames) > 0 && opts.singleNode == "" {
		g.Select(targets)
	}

	if err := surfaceDiagnostics(g, log); err != nil {
		return err
	}

	if opts.reportName != "" {
		injectReport(g, opts.reportName)
	}

	store := storage.NewStore(cfg.WorkspaceDir, cfg.SharedStorageDir, cfg.Branch, cfg.Change,
		cfg.WriteToSharedStorage, log)

	if opts.tokenSignature != "" {
		targets, err = arbitrateTokens(g, targets, opts, log)
		if err != nil {
			return err
		}
		if len(targetNames) > 0 && len(targets) == 0 {
			log.Info("all targets were skipped due to token conflicts")
			return nil
		}
		if len(targetNames) > 0 && opts.singleNode == "" {
			g.Select(targets)
		}
	}

	completed := make(map[*graph.Node]bool)
	for _, node := range g.Nodes() {
		if store.IsComplete(node.Name, outputTags(node)) {
			completed[node] = true
		}
	}

	if opts.exportPath != "" {
		return g.Export(opts.exportPath, opts.trigger, completed)
	}
	if opts.preprocessPath != "" {
		return writePreprocessed(g, opts.preprocessPath)
	}
	if opts.listOnly {
		g.Print(os.Stdout, completed, graph.PrintOptions{
			ShowDependencies:  opts.showDeps,
			ShowNotifications: opts.showNotifications,
		})
		return nil
	}

	if opts.clean {
		if err := store.CleanLocal(); err != nil {
			return err
		}
	} else if opts.cleanNodes != "" {
		for _, name := range splitList(opts.cleanNodes) {
			store.CleanLocalNode(name)
		}
	}

	// Without --resume, an all-nodes run starts the selected nodes from
	// scratch. Single node mode always resumes: its whole point is slotting
	// into a half built job.
	if !opts.resume && opts.singleNode == "" {
		for _, node := range g.Nodes() {
			store.CleanLocalNode(node.Name)
		}
	}

	eng := engine.New(g, store, cfg.WorkspaceDir, log)
	if opts.singleNode != "" {
		return eng.ExecuteSingle(opts.singleNode)
	}
	return eng.ExecuteAll()
}

func outputTags(node *graph.Node) []string {
	names := make([]string, len(node.Outputs))
	for i, output := range node.Outputs {
		names[i] = output.TagName
	}
	return names
}

// surfaceDiagnostics emits the reader's buffered diagnostics, now that
// selection has settled which parts of the graph remain. Diagnostics scoped
// to removed nodes or triggers stay quiet.
func surfaceDiagnostics(g *graph.Graph, log *logger.Logger) error {
	failed := false
	for _, diag := range g.Diagnostics {
		if diag.EnclosingNode != nil {
			if _, ok := g.NameToNode[diag.EnclosingNode.Name]; !ok {
				continue
			}
		}
		if diag.EnclosingTrigger != nil {
			if _, ok := g.NameToTrigger[diag.EnclosingTrigger.Name]; !ok {
				continue
			}
		}
		switch diag.Severity {
		case graph.SeverityError:
			log.Error(diag.Message)
			failed = true
		case graph.SeverityWarning:
			log.Warn(diag.Message)
		default:
			log.Info(diag.Message)
		}
	}
	if failed {
		return &errors.UserError{Message: "build script contains errors"}
	}
	return nil
}

// injectReport adds a report covering every selected node.
func injectReport(g *graph.Graph, name string) {
	report := &graph.Report{Name: name, Nodes: make(map[*graph.Node]bool)}
	for _, node := range g.Nodes() {
		report.Nodes[node] = true
	}
	g.NameToReport[name] = report
}

// arbitrateTokens acquires the tokens required by the selected nodes.
// Conflicts either drop the affected targets (with
// --skip-targets-without-tokens) or roll back this attempt's tokens and
// fail.
func arbitrateTokens(g *graph.Graph, targets []*graph.Node, opts *buildOptions, log *logger.Logger) ([]*graph.Node, error) {
	var paths []string
	seen := make(map[string]bool)
	for _, node := range g.Nodes() {
		for _, path := range node.RequiredTokens {
			if !seen[path] {
				seen[path] = true
				paths = append(paths, path)
			}
		}
	}
	if len(paths) == 0 {
		return targets, nil
	}

	arbiter := tokens.NewArbiter(opts.tokenSignature, log)
	conflicts, err := arbiter.TryAcquire(paths)
	if err != nil {
		arbiter.ReleaseCreated()
		return nil, err
	}
	if len(conflicts) == 0 {
		return targets, nil
	}

	if !opts.skipTargetsWithoutToken {
		arbiter.ReleaseCreated()
		return nil, &errors.TokenConflictError{Conflicts: conflicts}
	}

	conflictPaths := make(map[string]bool, len(conflicts))
	for _, conflict := range conflicts {
		log.Warn("token is held by another job", "path", conflict.Path, "holder", conflict.Holder)
		conflictPaths[conflict.Path] = true
	}

	blocked := make(map[*graph.Node]bool)
	for _, node := range g.Nodes() {
		for _, path := range node.RequiredTokens {
			if conflictPaths[path] {
				blocked[node] = true
				break
			}
		}
	}

	var kept []*graph.Node
	for _, target := range targets {
		ok := true
		for b := range blocked {
			if target == b || target.DependsOn(b) {
				ok = false
				break
			}
		}
		if ok {
			kept = append(kept, target)
		} else {
			log.Info("skipping target without token", "target", target.Name)
		}
	}
	return kept, nil
}

func writeSchemaFile(s *schema.Schema, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return &errors.UserError{Message: fmt.Sprintf("failed to create schema file: %v", err)}
	}
	defer func() { _ = f.Close() }()
	return s.Write(f)
}

func writeDocumentationFile(registry *tasks.Registry, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return &errors.UserError{Message: fmt.Sprintf("failed to create documentation file: %v", err)}
	}
	defer func() { _ = f.Close() }()
	return tasks.WriteDocumentation(f, registry)
}

func writePreprocessed(g *graph.Graph, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return &errors.UserError{Message: fmt.Sprintf("failed to create preprocess file: %v", err)}
	}
	defer func() { _ = f.Close() }()
	return reader.WriteGraph(f, g)
}

func parseSetArguments(values []string) (map[string]string, error) {
	overrides := make(map[string]string, len(values))
	for _, value := range values {
		name, propertyValue, ok := strings.Cut(value, "=")
		if !ok || name == "" {
			return nil, &errors.UserError{Message: fmt.Sprintf("invalid property assignment %q; expected Name=Value", value)}
		}
		overrides[name] = propertyValue
	}
	return overrides, nil
}

// splitList splits a '+' or ';' separated list, discarding empty items.
func splitList(value string) []string {
	items := strings.FieldsFunc(value, func(r rune) bool {
		return r == '+' || r == ';'
	})
	var names []string
	for _, item := range items {
		if item = strings.TrimSpace(item); item != "" {
			names = append(names, item)
		}
	}
	return names
}
